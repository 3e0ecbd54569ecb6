// Package main is the entry point for hoistd, the cloud-side control
// plane for a fleet of remote daemon workers. It hosts the daemon
// WebSocket endpoint, the REST callback surface, and the durable mirror
// of daemon and agent state.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hoistd/hoist/internal/config"
	"github.com/hoistd/hoist/internal/db"
	"github.com/hoistd/hoist/internal/events"
	"github.com/hoistd/hoist/internal/logging"
	"github.com/hoistd/hoist/internal/manager"
	"github.com/hoistd/hoist/internal/server"
)

// Version information (set by goreleaser)
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	listenAddr := flag.String("listen", "", "override server listen address")
	configFile := flag.String("config", "", "config file (default is $HOME/.config/hoist/config.yaml)")
	logLevel := flag.String("log-level", "", "override logging level (debug, info, warn, error)")
	logFormat := flag.String("log-format", "", "override logging format (json, console)")
	flag.Parse()

	cfg, loader, err := loadConfig(*configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}

	if *listenAddr != "" {
		cfg.Server.ListenAddr = *listenAddr
	}
	if *logLevel != "" {
		cfg.Logging.Level = *logLevel
	}
	if *logFormat != "" {
		cfg.Logging.Format = *logFormat
	}

	logging.Init(logging.Config{
		Level:        cfg.Logging.Level,
		Format:       cfg.Logging.Format,
		File:         cfg.Logging.File,
		EnableCaller: cfg.Logging.EnableCaller,
	})
	logger := logging.Component("hoistd")

	if err := cfg.EnsureDirectories(); err != nil {
		logger.Warn().Err(err).Msg("failed to create directories")
	}

	if cfgUsed := loader.ConfigFileUsed(); cfgUsed != "" {
		logger.Debug().Str("config_file", cfgUsed).Msg("loaded config file")
	}

	logger.Info().
		Str("version", version).
		Str("commit", commit).
		Str("built", date).
		Msg("hoistd starting")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	database, err := db.Open(db.Config{
		Path:          cfg.Database.Path,
		MaxOpenConns:  cfg.Database.MaxConnections,
		BusyTimeoutMs: cfg.Database.BusyTimeoutMs,
	})
	if err != nil {
		logger.Error().Err(err).Msg("failed to open database")
		os.Exit(1)
	}
	defer database.Close()

	if err := database.Migrate(ctx); err != nil {
		logger.Error().Err(err).Msg("failed to run migrations")
		os.Exit(1)
	}

	bus := events.NewBus()
	mgr := manager.New(
		db.NewAgentRepository(database),
		db.NewDaemonRepository(database),
		bus,
		manager.Options{
			PingInterval:     cfg.Manager.PingInterval,
			SweepInterval:    cfg.Manager.SweepInterval,
			MaxAgentAge:      cfg.Manager.MaxAgentAge,
			WaitPollInterval: cfg.Manager.WaitPollInterval,
		},
	)

	for _, tok := range cfg.Auth.StaticTokens {
		mgr.RegisterToken(tok.Token, tok.DaemonID, tok.UserID)
	}
	if len(cfg.Auth.StaticTokens) > 0 {
		logger.Info().Int("count", len(cfg.Auth.StaticTokens)).Msg("registered static daemon tokens")
	}

	if err := mgr.Start(ctx); err != nil {
		logger.Error().Err(err).Msg("failed to start manager")
		os.Exit(1)
	}
	defer mgr.Stop()

	srv := server.New(mgr, cfg.Server.ListenAddr)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	select {
	case <-ctx.Done():
		logger.Info().Msg("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			logger.Error().Err(err).Msg("server failed")
			os.Exit(1)
		}
		return
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("server shutdown failed")
	}
}

func loadConfig(path string) (*config.Config, *config.Loader, error) {
	loader := config.NewLoader()
	if path != "" {
		loader.SetConfigFile(path)
	}
	cfg, err := loader.Load()
	if err != nil {
		return nil, nil, err
	}
	return cfg, loader, nil
}
