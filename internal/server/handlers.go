package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/hoistd/hoist/internal/manager"
	"github.com/hoistd/hoist/internal/models"
	"github.com/hoistd/hoist/internal/protocol"
)

type errorResponse struct {
	Error string `json:"error"`
	Code  int    `json:"code"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg, Code: status})
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return false
	}
	return true
}

// writeManagerError converts manager sentinels into structured HTTP errors.
func writeManagerError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, manager.ErrAgentNotFound), errors.Is(err, manager.ErrDaemonNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, manager.ErrNotOwner):
		writeError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, manager.ErrInvalidStatus):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	id, _ := IdentityFrom(r.Context())

	var req protocol.HeartbeatRequest
	if !decodeBody(w, r, &req) {
		return
	}

	if err := s.mgr.ApplyHeartbeat(r.Context(), id.DaemonID, &req); err != nil {
		writeManagerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type daemonStatusResponse struct {
	Daemon *models.Daemon  `json:"daemon"`
	Agents []*models.Agent `json:"agents"`
}

func (s *Server) handleDaemonStatus(w http.ResponseWriter, r *http.Request) {
	id, _ := IdentityFrom(r.Context())

	daemon, err := s.mgr.GetDaemon(id.DaemonID)
	if err != nil {
		writeManagerError(w, err)
		return
	}

	agents := make([]*models.Agent, 0)
	for _, agent := range s.mgr.Agents() {
		if agent.DaemonID == id.DaemonID {
			agents = append(agents, agent)
		}
	}

	writeJSON(w, http.StatusOK, daemonStatusResponse{Daemon: daemon, Agents: agents})
}

func (s *Server) handleAgentStatus(w http.ResponseWriter, r *http.Request) {
	id, _ := IdentityFrom(r.Context())
	agentID := chi.URLParam(r, "agentID")

	var req protocol.StatusUpdateRequest
	if !decodeBody(w, r, &req) {
		return
	}

	if err := s.mgr.ApplyStatusUpdate(r.Context(), id.DaemonID, agentID, &req); err != nil {
		writeManagerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleAgentComplete(w http.ResponseWriter, r *http.Request) {
	id, _ := IdentityFrom(r.Context())
	agentID := chi.URLParam(r, "agentID")

	var req protocol.CompletionRequest
	if !decodeBody(w, r, &req) {
		return
	}

	if err := s.mgr.ApplyCompletion(r.Context(), id.DaemonID, agentID, &req); err != nil {
		writeManagerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleAgentLog(w http.ResponseWriter, r *http.Request) {
	id, _ := IdentityFrom(r.Context())
	agentID := chi.URLParam(r, "agentID")

	var req protocol.LogRequest
	if !decodeBody(w, r, &req) {
		return
	}

	if err := s.mgr.ApplyLog(id.DaemonID, agentID, &req); err != nil {
		writeManagerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleAdminDaemons(w http.ResponseWriter, _ *http.Request) {
	daemons := s.mgr.Daemons()
	if daemons == nil {
		daemons = []*models.Daemon{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"daemons": daemons})
}

func (s *Server) handleAdminAgents(w http.ResponseWriter, _ *http.Request) {
	agents := s.mgr.Agents()
	if agents == nil {
		agents = []*models.Agent{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"agents": agents})
}
