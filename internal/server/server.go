// Package server exposes the control plane over HTTP: the WebSocket
// endpoint daemons connect to, the REST callbacks they report through,
// and a small operator surface.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/hoistd/hoist/internal/logging"
	"github.com/hoistd/hoist/internal/manager"
)

// Server hosts the HTTP surface for a single manager instance.
type Server struct {
	mgr    *manager.Manager
	logger zerolog.Logger
	http   *http.Server
}

// New creates a Server listening on addr.
func New(mgr *manager.Manager, addr string) *Server {
	s := &Server{
		mgr:    mgr,
		logger: logging.Component("server"),
	}
	s.http = &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Router builds the chi router with all middleware and routes.
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()

	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)

	r.Get("/healthz", s.handleHealthz)
	r.Get("/daemon/connect", s.handleDaemonConnect)

	r.Group(func(r chi.Router) {
		r.Use(s.requireDaemonAuth)

		r.Post("/daemon/heartbeat", s.handleHeartbeat)
		r.Get("/daemon/status", s.handleDaemonStatus)

		r.Route("/subagent/{agentID}", func(r chi.Router) {
			r.Post("/status", s.handleAgentStatus)
			r.Post("/complete", s.handleAgentComplete)
			r.Post("/log", s.handleAgentLog)
		})
	})

	r.Route("/admin", func(r chi.Router) {
		r.Get("/daemons", s.handleAdminDaemons)
		r.Get("/agents", s.handleAdminAgents)
	})

	return r
}

// Start begins serving. It blocks until the listener fails or Shutdown
// is called.
func (s *Server) Start() error {
	s.logger.Info().Str("addr", s.http.Addr).Msg("http server listening")
	err := s.http.ListenAndServe()
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server failed: %w", err)
	}
	return nil
}

// Shutdown drains in-flight requests and stops the listener.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info().Msg("shutting down http server")
	return s.http.Shutdown(ctx)
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
