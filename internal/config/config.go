// Package config holds the server configuration. Values come from flags,
// DISPATCH_* environment variables, and an optional YAML config file, in
// that order of precedence.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/fwdslsh/dispatch-sub014/internal/tracing"
)

// Config is the full server configuration.
type Config struct {
	// Addr is the listen address for the HTTP server.
	Addr string `mapstructure:"addr"`

	// DataDir holds the SQLite event log.
	DataDir string `mapstructure:"data_dir"`

	// StaticDir, when set, serves a frontend bundle at /.
	StaticDir string `mapstructure:"static_dir"`

	// MaxSessions caps concurrent live sessions. Zero means unlimited.
	MaxSessions int `mapstructure:"max_sessions"`

	// Shell overrides the command for pty sessions; empty means $SHELL.
	Shell string `mapstructure:"shell"`

	// ClaudeCommand and OpencodeCommand override the agent CLI binaries.
	ClaudeCommand   string `mapstructure:"claude_command"`
	OpencodeCommand string `mapstructure:"opencode_command"`

	// LogLevel is one of debug, info, warn, error.
	LogLevel string `mapstructure:"log_level"`

	Tracing tracing.Config `mapstructure:"tracing"`
}

// Defaults returns the default configuration.
func Defaults() Config {
	return Config{
		Addr:        ":8484",
		DataDir:     defaultDataDir(),
		MaxSessions: 20,
		LogLevel:    "info",
		Tracing:     tracing.DefaultConfig(),
	}
}

// DatabasePath is the SQLite file inside DataDir.
func (c Config) DatabasePath() string {
	return filepath.Join(c.DataDir, "dispatch.db")
}

// Validate rejects configurations the server cannot run with.
func (c Config) Validate() error {
	if c.Addr == "" {
		return fmt.Errorf("addr must not be empty")
	}
	if c.DataDir == "" {
		return fmt.Errorf("data_dir must not be empty")
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unknown log level %q", c.LogLevel)
	}
	return nil
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".dispatch"
	}
	return filepath.Join(home, ".local", "share", "dispatch")
}
