package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"gopkg.in/yaml.v2"
)

const (
	// DefaultPort is the port the agent listens on when none is configured.
	DefaultPort = 8000

	// DefaultKeepSessionLogs is how many session log directories survive the
	// startup cleanup pass.
	DefaultKeepSessionLogs = 9
)

// Config holds the agent's runtime configuration. Values come from an
// optional YAML file, overridden by flags and environment variables.
type Config struct {
	// Port the upgradeable HTTP listener binds to.
	Port int `yaml:"port"`

	// WebviewPort is the port of the webview asset listener. Defaults to
	// Port+1 when unset.
	WebviewPort int `yaml:"webviewPort"`

	// ConnectionToken is the startup secret a legitimate client must present
	// during the handshake. When neither it nor ConnectionTokenFile is set, a
	// random token is generated at startup.
	ConnectionToken     string `yaml:"connectionToken"`
	ConnectionTokenFile string `yaml:"connectionTokenFile"`

	// Commit is the build commit advertised on /version and checked against
	// the client's commit during the handshake.
	Commit string `yaml:"commit"`

	// EnableRemoteAutoShutdown turns on the idle-shutdown supervisor.
	EnableRemoteAutoShutdown bool `yaml:"enableRemoteAutoShutdown"`

	// AssetsDir holds the built workbench UI. The "Web UI available" startup
	// line is only printed when this directory contains an index.html.
	AssetsDir string `yaml:"assetsDir"`

	// WebviewAssetsDir holds the webview iframe assets served by the webview
	// listener.
	WebviewAssetsDir string `yaml:"webviewAssetsDir"`

	// ExtensionHostCommand is the argv used to spawn extension host workers.
	ExtensionHostCommand []string `yaml:"extensionHostCommand"`

	// SessionLogRoot is where per-session log directories are created and
	// pruned on startup.
	SessionLogRoot  string `yaml:"sessionLogRoot"`
	KeepSessionLogs int    `yaml:"keepSessionLogs"`

	// Dev enables pretty console logging on a TTY and makes debug the default
	// log level. Handshake validation does not depend on it; the unbuilt-client
	// fall-through follows the client's isBuilt flag.
	Dev bool `yaml:"dev"`
}

// Load reads the config file at path when it exists and fills in defaults.
// An empty path yields a default config.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
			}
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	cfg.applyDefaults()
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Port == 0 {
		c.Port = DefaultPort
	}
	if c.WebviewPort == 0 {
		c.WebviewPort = c.Port + 1
	}
	if c.KeepSessionLogs == 0 {
		c.KeepSessionLogs = DefaultKeepSessionLogs
	}
	if len(c.ExtensionHostCommand) == 0 {
		c.ExtensionHostCommand = []string{"roost-exthost"}
	}
	if c.SessionLogRoot == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			home = os.TempDir()
		}
		c.SessionLogRoot = filepath.Join(home, ".roost", "logs")
	}
}

// ApplyEnvironment applies process-environment overrides. ROOST_CWD moves the
// agent's working directory before any workspace paths are resolved.
func (c *Config) ApplyEnvironment() error {
	if cwd := os.Getenv("ROOST_CWD"); cwd != "" {
		if err := os.Chdir(cwd); err != nil {
			return fmt.Errorf("failed to change directory to ROOST_CWD %s: %w", cwd, err)
		}
	}
	return nil
}

// EnsureConnectionToken resolves the connection token: explicit value, then
// token file, then a freshly generated random token. The returned bool is
// true when the token was generated rather than configured.
func (c *Config) EnsureConnectionToken() (bool, error) {
	if c.ConnectionToken != "" {
		return false, nil
	}
	if c.ConnectionTokenFile != "" {
		data, err := os.ReadFile(c.ConnectionTokenFile)
		if err != nil {
			return false, fmt.Errorf("failed to read connection token file %s: %w", c.ConnectionTokenFile, err)
		}
		token := strings.TrimSpace(string(data))
		if token == "" {
			return false, fmt.Errorf("connection token file %s is empty", c.ConnectionTokenFile)
		}
		c.ConnectionToken = token
		return false, nil
	}
	c.ConnectionToken = uuid.New().String()
	return true, nil
}

// HasBuiltUI reports whether built workbench assets are present.
func (c *Config) HasBuiltUI() bool {
	if c.AssetsDir == "" {
		return false
	}
	info, err := os.Stat(filepath.Join(c.AssetsDir, "index.html"))
	return err == nil && !info.IsDir()
}
