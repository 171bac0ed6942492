package services

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCleanUpSessionLogsKeepsNewest(t *testing.T) {
	root := t.TempDir()
	stamps := []string{
		"20250101T090000",
		"20250102T090000",
		"20250103T090000",
		"20250104T090000",
	}
	for _, s := range stamps {
		require.NoError(t, os.Mkdir(filepath.Join(root, s), 0755))
	}
	// Non-matching entries survive regardless of age.
	require.NoError(t, os.Mkdir(filepath.Join(root, "current"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "agent.log"), []byte("x"), 0644))

	CleanUpSessionLogs(root, 2, zerolog.Nop())

	entries, err := os.ReadDir(root)
	require.NoError(t, err)
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	assert.ElementsMatch(t, []string{"20250103T090000", "20250104T090000", "current", "agent.log"}, names)
}

func TestCleanUpSessionLogsUnderLimit(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.Mkdir(filepath.Join(root, "20250101T090000"), 0755))

	CleanUpSessionLogs(root, 9, zerolog.Nop())

	entries, err := os.ReadDir(root)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestCleanUpSessionLogsMissingRoot(t *testing.T) {
	assert.NotPanics(t, func() {
		CleanUpSessionLogs(filepath.Join(t.TempDir(), "absent"), 3, zerolog.Nop())
	})
}
