package manager

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/hoistd/hoist/internal/events"
	"github.com/hoistd/hoist/internal/models"
	"github.com/hoistd/hoist/internal/protocol"
)

// ErrInvalidStatus rejects a reported status that is unknown or would
// regress the agent's state machine.
var ErrInvalidStatus = errors.New("invalid agent status transition")

// SpawnRequest describes an agent to spawn on a specific daemon.
type SpawnRequest struct {
	DaemonID         string
	SessionID        string
	Type             models.AgentType
	Goal             string
	WorkingDirectory string
	AutoApprove      bool
	TimeoutMs        int64
	StreamOutput     bool
}

// SpawnAgent creates an agent record and dispatches a spawn command to the
// daemon's socket. The record is created only when the command is
// successfully handed to the transport: an offline daemon or a failed send
// leaves no orphaned record behind.
func (m *Manager) SpawnAgent(ctx context.Context, req SpawnRequest) (string, error) {
	now := time.Now().UTC()
	agentID := "agent_" + uuid.NewString()

	m.mu.Lock()
	daemon, ok := m.daemons[req.DaemonID]
	if !ok || daemon.Status != models.DaemonStatusOnline {
		m.mu.Unlock()
		return "", ErrDaemonOffline
	}

	agent := &models.Agent{
		ID:        agentID,
		DaemonID:  req.DaemonID,
		UserID:    daemon.UserID,
		SessionID: req.SessionID,
		Type:      req.Type,
		Status:    models.AgentStatusPending,
		Goal:      req.Goal,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := agent.Validate(); err != nil {
		m.mu.Unlock()
		return "", fmt.Errorf("invalid spawn request: %w", err)
	}

	m.agents[agentID] = agent
	if err := m.agentStore.Insert(ctx, agent); err != nil {
		m.logger.Warn().Err(err).Str("agent_id", agentID).Msg("failed to persist pending agent")
	}
	m.mu.Unlock()

	cmd := protocol.Command{
		Type:             protocol.CommandSpawnAgent,
		AgentID:          agentID,
		AgentType:        string(req.Type),
		Goal:             req.Goal,
		WorkingDirectory: req.WorkingDirectory,
		Options: &protocol.SpawnOptions{
			AutoApprove:  req.AutoApprove,
			TimeoutMs:    req.TimeoutMs,
			StreamOutput: req.StreamOutput,
		},
	}
	if !m.sendCommand(req.DaemonID, cmd) {
		m.mu.Lock()
		delete(m.agents, agentID)
		m.mu.Unlock()
		if err := m.agentStore.Delete(ctx, agentID); err != nil {
			m.logger.Warn().Err(err).Str("agent_id", agentID).Msg("failed to delete orphaned agent record")
		}
		return "", ErrDispatchFailed
	}

	m.logger.Info().Str("agent_id", agentID).Str("daemon_id", req.DaemonID).
		Str("type", string(req.Type)).Msg("agent spawned")
	return agentID, nil
}

// KillAgent dispatches a kill command and optimistically marks the agent
// cancelled. There is no confirmation handshake: the remote process may
// outlive the record by a short window.
func (m *Manager) KillAgent(ctx context.Context, agentID string) error {
	m.mu.Lock()
	agent, ok := m.agents[agentID]
	if !ok {
		m.mu.Unlock()
		return ErrAgentNotFound
	}
	daemonID := agent.DaemonID
	m.mu.Unlock()

	if !m.sendCommand(daemonID, protocol.KillAgent(agentID)) {
		return ErrDispatchFailed
	}

	now := time.Now().UTC()
	m.mu.Lock()
	if agent, ok := m.agents[agentID]; ok && !agent.Status.IsTerminal() {
		agent.Status = models.AgentStatusCancelled
		agent.CompletedAt = &now
		if agent.StartedAt != nil {
			agent.ExecutionTimeMs = now.Sub(*agent.StartedAt).Milliseconds()
		}
		agent.UpdatedAt = now
		m.persistAgent(ctx, agent)
	}
	m.mu.Unlock()

	m.logger.Info().Str("agent_id", agentID).Str("daemon_id", daemonID).Msg("agent killed")
	return nil
}

// ApplyHeartbeat refreshes a daemon's self-reported liveness and agent
// load. Heartbeats have no status-change side effects.
func (m *Manager) ApplyHeartbeat(ctx context.Context, daemonID string, req *protocol.HeartbeatRequest) error {
	now := time.Now().UTC()

	m.mu.Lock()
	defer m.mu.Unlock()

	daemon, ok := m.daemons[daemonID]
	if !ok {
		return ErrDaemonNotFound
	}
	daemon.LastSeen = now
	daemon.ActiveAgents = req.ActiveAgents
	daemon.AgentIDs = append([]string(nil), req.AgentIDs...)
	daemon.UpdatedAt = now
	m.persistDaemon(ctx, daemon)
	return nil
}

// ApplyStatusUpdate applies a daemon-reported progress update to one of
// its own agents. The reported status must be a legal advance of the
// state machine; regressions and unknown values are rejected.
func (m *Manager) ApplyStatusUpdate(ctx context.Context, daemonID, agentID string, req *protocol.StatusUpdateRequest) error {
	status := models.AgentStatus(req.Status)
	if !status.Valid() {
		return fmt.Errorf("%w: unknown status %q", ErrInvalidStatus, req.Status)
	}

	now := time.Now().UTC()

	m.mu.Lock()
	agent, ok := m.agents[agentID]
	if !ok {
		m.mu.Unlock()
		return ErrAgentNotFound
	}
	if agent.DaemonID != daemonID {
		m.mu.Unlock()
		return ErrNotOwner
	}
	if agent.Status != status && !agent.Status.CanTransitionTo(status) {
		current := agent.Status
		m.mu.Unlock()
		return fmt.Errorf("%w: %s -> %s", ErrInvalidStatus, current, status)
	}

	agent.Status = status
	if req.CurrentStep != "" {
		agent.CurrentStep = req.CurrentStep
	}
	for _, note := range req.Notes {
		agent.AppendNote(note)
	}
	if status.IsTerminal() && agent.CompletedAt == nil {
		agent.CompletedAt = &now
	}
	agent.UpdatedAt = now
	m.persistAgent(ctx, agent)
	userID := agent.UserID
	m.mu.Unlock()

	m.bus.Publish(events.Event{
		Type:     events.AgentStatus,
		DaemonID: daemonID,
		UserID:   userID,
		AgentID:  agentID,
		Payload: map[string]any{
			"status":       string(status),
			"current_step": req.CurrentStep,
		},
	})
	return nil
}

// ApplyCompletion applies a daemon-reported terminal result to one of its
// own agents.
func (m *Manager) ApplyCompletion(ctx context.Context, daemonID, agentID string, req *protocol.CompletionRequest) error {
	status := models.AgentStatus(req.Status)
	if status != models.AgentStatusCompleted && status != models.AgentStatusFailed {
		return fmt.Errorf("%w: completion status must be completed or failed, got %q", ErrInvalidStatus, req.Status)
	}

	now := time.Now().UTC()

	m.mu.Lock()
	agent, ok := m.agents[agentID]
	if !ok {
		m.mu.Unlock()
		return ErrAgentNotFound
	}
	if agent.DaemonID != daemonID {
		m.mu.Unlock()
		return ErrNotOwner
	}
	if agent.Status.IsTerminal() {
		current := agent.Status
		m.mu.Unlock()
		return fmt.Errorf("%w: agent already %s", ErrInvalidStatus, current)
	}

	agent.Status = status
	agent.Result = req.Result
	agent.Error = req.Error
	agent.ExecutionTimeMs = req.ExecutionTimeMs
	agent.CompletedAt = &now
	agent.UpdatedAt = now
	m.persistAgent(ctx, agent)
	userID := agent.UserID
	m.mu.Unlock()

	evtType := events.AgentCompleted
	if status == models.AgentStatusFailed {
		evtType = events.AgentFailed
	}
	m.bus.Publish(events.Event{
		Type:     evtType,
		DaemonID: daemonID,
		UserID:   userID,
		AgentID:  agentID,
		Payload: map[string]any{
			"result":            req.Result,
			"error":             req.Error,
			"execution_time_ms": req.ExecutionTimeMs,
		},
	})
	return nil
}

// ApplyLog forwards an agent log line to event subscribers. Logs mutate
// nothing beyond the existence and ownership checks.
func (m *Manager) ApplyLog(daemonID, agentID string, req *protocol.LogRequest) error {
	if !protocol.ValidLogType(req.Type) {
		return fmt.Errorf("%w: unknown log type %q", ErrInvalidStatus, req.Type)
	}

	m.mu.Lock()
	agent, ok := m.agents[agentID]
	if !ok {
		m.mu.Unlock()
		return ErrAgentNotFound
	}
	if agent.DaemonID != daemonID {
		m.mu.Unlock()
		return ErrNotOwner
	}
	userID := agent.UserID
	m.mu.Unlock()

	m.bus.Publish(events.Event{
		Type:     events.AgentLog,
		DaemonID: daemonID,
		UserID:   userID,
		AgentID:  agentID,
		Payload: map[string]any{
			"log_type":  req.Type,
			"content":   req.Content,
			"timestamp": req.Timestamp,
		},
	})
	return nil
}
