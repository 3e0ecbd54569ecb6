// Package logging configures zerolog for Hoist components.
package logging

import (
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Config contains logging settings.
type Config struct {
	// Level is the minimum log level (debug, info, warn, error).
	Level string

	// Format is the output format (json, console).
	Format string

	// File is an optional log file path. Empty means stderr.
	File string

	// EnableCaller adds caller information to logs.
	EnableCaller bool
}

var (
	mu   sync.Mutex
	root zerolog.Logger = newLogger(Config{Level: "info", Format: "console"})
)

// Init configures the process-wide root logger. Safe to call once at startup;
// components created before Init keep the default configuration.
func Init(cfg Config) {
	mu.Lock()
	defer mu.Unlock()
	root = newLogger(cfg)
}

// Component returns a logger tagged with a component name.
func Component(name string) zerolog.Logger {
	mu.Lock()
	defer mu.Unlock()
	return root.With().Str("component", name).Logger()
}

func newLogger(cfg Config) zerolog.Logger {
	var out io.Writer = os.Stderr
	if cfg.File != "" {
		f, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
		if err == nil {
			out = f
		}
	}

	if strings.ToLower(cfg.Format) != "json" {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}

	level := parseLevel(cfg.Level)
	logger := zerolog.New(out).Level(level).With().Timestamp()
	if cfg.EnableCaller {
		logger = logger.Caller()
	}
	return logger.Logger()
}

func parseLevel(s string) zerolog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return zerolog.DebugLevel
	case "warn":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	case "trace":
		return zerolog.TraceLevel
	default:
		return zerolog.InfoLevel
	}
}
