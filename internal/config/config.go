// Package config handles Hoist configuration loading and validation.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Config is the root configuration structure for Hoist.
type Config struct {
	// Global settings
	Global GlobalConfig `yaml:"global" mapstructure:"global"`

	// HTTP server settings
	Server ServerConfig `yaml:"server" mapstructure:"server"`

	// Database settings
	Database DatabaseConfig `yaml:"database" mapstructure:"database"`

	// Logging settings
	Logging LoggingConfig `yaml:"logging" mapstructure:"logging"`

	// Manager timing settings
	Manager ManagerConfig `yaml:"manager" mapstructure:"manager"`

	// Auth holds statically provisioned daemon tokens.
	Auth AuthConfig `yaml:"auth" mapstructure:"auth"`
}

// GlobalConfig contains global Hoist settings.
type GlobalConfig struct {
	// DataDir is where Hoist stores its data (default: ~/.local/share/hoist).
	DataDir string `yaml:"data_dir" mapstructure:"data_dir"`

	// ConfigDir is where config files are stored (default: ~/.config/hoist).
	ConfigDir string `yaml:"config_dir" mapstructure:"config_dir"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	// ListenAddr is the host:port the server binds to.
	ListenAddr string `yaml:"listen_addr" mapstructure:"listen_addr"`
}

// DatabaseConfig contains database settings.
type DatabaseConfig struct {
	// Path is the SQLite database file path.
	Path string `yaml:"path" mapstructure:"path"`

	// MaxConnections is the maximum number of database connections.
	MaxConnections int `yaml:"max_connections" mapstructure:"max_connections"`

	// BusyTimeoutMs is how long to wait for a locked database (milliseconds).
	BusyTimeoutMs int `yaml:"busy_timeout_ms" mapstructure:"busy_timeout_ms"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	// Level is the minimum log level (debug, info, warn, error).
	Level string `yaml:"level" mapstructure:"level"`

	// Format is the output format (json, console).
	Format string `yaml:"format" mapstructure:"format"`

	// File is an optional log file path.
	File string `yaml:"file" mapstructure:"file"`

	// EnableCaller adds caller information to logs.
	EnableCaller bool `yaml:"enable_caller" mapstructure:"enable_caller"`
}

// ManagerConfig contains fleet manager timing settings.
type ManagerConfig struct {
	// PingInterval is how often the liveness ping sweep runs.
	PingInterval time.Duration `yaml:"ping_interval" mapstructure:"ping_interval"`

	// SweepInterval is how often terminal agents are evicted from memory.
	SweepInterval time.Duration `yaml:"sweep_interval" mapstructure:"sweep_interval"`

	// MaxAgentAge is how long terminal agent records stay cached.
	MaxAgentAge time.Duration `yaml:"max_agent_age" mapstructure:"max_agent_age"`

	// WaitPollInterval is the completion waiter's polling cadence.
	WaitPollInterval time.Duration `yaml:"wait_poll_interval" mapstructure:"wait_poll_interval"`
}

// AuthConfig contains statically provisioned daemon credentials. Token
// issuance is external; this block seeds the registry at startup.
type AuthConfig struct {
	StaticTokens []StaticToken `yaml:"static_tokens" mapstructure:"static_tokens"`
}

// StaticToken binds a bearer token to a daemon and its owner.
type StaticToken struct {
	Token    string `yaml:"token" mapstructure:"token"`
	DaemonID string `yaml:"daemon_id" mapstructure:"daemon_id"`
	UserID   string `yaml:"user_id" mapstructure:"user_id"`
}

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() *Config {
	homeDir, _ := os.UserHomeDir()

	return &Config{
		Global: GlobalConfig{
			DataDir:   filepath.Join(homeDir, ".local", "share", "hoist"),
			ConfigDir: filepath.Join(homeDir, ".config", "hoist"),
		},
		Server: ServerConfig{
			ListenAddr: "127.0.0.1:8472",
		},
		Database: DatabaseConfig{
			Path:           filepath.Join(homeDir, ".local", "share", "hoist", "hoist.db"),
			MaxConnections: 10,
			BusyTimeoutMs:  5000,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
		Manager: ManagerConfig{
			PingInterval:     30 * time.Second,
			SweepInterval:    time.Hour,
			MaxAgentAge:      24 * time.Hour,
			WaitPollInterval: time.Second,
		},
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	switch c.Logging.Level {
	case "trace", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid logging level: %s", c.Logging.Level)
	}

	switch c.Logging.Format {
	case "json", "console":
	default:
		return fmt.Errorf("invalid logging format: %s", c.Logging.Format)
	}

	if c.Server.ListenAddr == "" {
		return fmt.Errorf("server listen_addr must be set")
	}
	if c.Database.Path == "" {
		return fmt.Errorf("database path must be set")
	}
	if c.Manager.PingInterval <= 0 {
		return fmt.Errorf("manager ping_interval must be positive")
	}
	if c.Manager.SweepInterval <= 0 {
		return fmt.Errorf("manager sweep_interval must be positive")
	}
	if c.Manager.MaxAgentAge <= 0 {
		return fmt.Errorf("manager max_agent_age must be positive")
	}
	if c.Manager.WaitPollInterval <= 0 {
		return fmt.Errorf("manager wait_poll_interval must be positive")
	}

	seen := make(map[string]struct{}, len(c.Auth.StaticTokens))
	for _, tok := range c.Auth.StaticTokens {
		if tok.Token == "" || tok.DaemonID == "" || tok.UserID == "" {
			return fmt.Errorf("static token entries need token, daemon_id, and user_id")
		}
		if _, dup := seen[tok.Token]; dup {
			return fmt.Errorf("duplicate static token for daemon %s", tok.DaemonID)
		}
		seen[tok.Token] = struct{}{}
	}

	return nil
}

// EnsureDirectories creates the data and config directories if missing.
func (c *Config) EnsureDirectories() error {
	for _, dir := range []string{c.Global.DataDir, c.Global.ConfigDir, filepath.Dir(c.Database.Path)} {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}
	return nil
}
