package services

import (
	"os"
	"path/filepath"
	"regexp"
	"sort"

	"github.com/rs/zerolog"
)

// Session log directories are stamped YYYYMMDDTHHMMSS. The format is fixed
// width, so the lexicographic sort below is chronological.
var sessionLogDirPattern = regexp.MustCompile(`^\d{8}T\d{6}$`)

// CleanUpSessionLogs removes all but the newest keep session log directories
// under root. Missing roots are fine; per-directory removal failures are
// logged and skipped.
func CleanUpSessionLogs(root string, keep int, log zerolog.Logger) {
	entries, err := os.ReadDir(root)
	if err != nil {
		if !os.IsNotExist(err) {
			log.Warn().Err(err).Str("root", root).Msg("⚠️ Failed to read session log root")
		}
		return
	}

	var stamps []string
	for _, e := range entries {
		if e.IsDir() && sessionLogDirPattern.MatchString(e.Name()) {
			stamps = append(stamps, e.Name())
		}
	}
	if len(stamps) <= keep {
		return
	}

	sort.Strings(stamps)
	for _, name := range stamps[:len(stamps)-keep] {
		path := filepath.Join(root, name)
		if err := os.RemoveAll(path); err != nil {
			log.Warn().Err(err).Str("dir", path).Msg("⚠️ Failed to remove old session logs")
			continue
		}
		log.Debug().Str("dir", path).Msg("🧹 Removed old session logs")
	}
}
