package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, 30*time.Second, cfg.Manager.PingInterval)
	assert.Equal(t, 24*time.Hour, cfg.Manager.MaxAgentAge)
}

func TestValidateRejectsBadValues(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad log level", func(c *Config) { c.Logging.Level = "verbose" }},
		{"bad log format", func(c *Config) { c.Logging.Format = "xml" }},
		{"empty listen addr", func(c *Config) { c.Server.ListenAddr = "" }},
		{"empty db path", func(c *Config) { c.Database.Path = "" }},
		{"zero ping interval", func(c *Config) { c.Manager.PingInterval = 0 }},
		{"zero sweep interval", func(c *Config) { c.Manager.SweepInterval = 0 }},
		{"incomplete static token", func(c *Config) {
			c.Auth.StaticTokens = []StaticToken{{Token: "tok1"}}
		}},
		{"duplicate static token", func(c *Config) {
			c.Auth.StaticTokens = []StaticToken{
				{Token: "tok1", DaemonID: "d1", UserID: "u1"},
				{Token: "tok1", DaemonID: "d2", UserID: "u2"},
			}
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")

	content := `
server:
  listen_addr: "0.0.0.0:9000"
logging:
  level: debug
manager:
  ping_interval: 10s
auth:
  static_tokens:
    - token: tok1
      daemon_id: d1
      user_id: u1
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	cfg, err := LoadFromFile(path)
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0:9000", cfg.Server.ListenAddr)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, 10*time.Second, cfg.Manager.PingInterval)
	require.Len(t, cfg.Auth.StaticTokens, 1)
	assert.Equal(t, "d1", cfg.Auth.StaticTokens[0].DaemonID)

	// defaults survive partial files
	assert.Equal(t, time.Hour, cfg.Manager.SweepInterval)
}

func TestLoadFromFile_MissingExplicitFile(t *testing.T) {
	_, err := LoadFromFile(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestExpandTilde(t *testing.T) {
	home, err := os.UserHomeDir()
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(home, "data"), expandTilde("~/data"))
	assert.Equal(t, home, expandTilde("~"))
	assert.Equal(t, "/abs/path", expandTilde("/abs/path"))
	assert.Equal(t, "", expandTilde(""))
}
