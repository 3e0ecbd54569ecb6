package manager

import (
	"context"
	"time"

	"github.com/hoistd/hoist/internal/events"
	"github.com/hoistd/hoist/internal/models"
	"github.com/hoistd/hoist/internal/protocol"
)

// HandleConnect registers a live socket for an authenticated daemon. A
// prior socket for the same daemon is replaced and closed without running
// the disconnect cascade: the daemon reconnected, its agents live on.
func (m *Manager) HandleConnect(ctx context.Context, daemonID, userID, name string, sock Socket) {
	now := time.Now().UTC()

	m.mu.Lock()
	prior := m.conns[daemonID]
	m.conns[daemonID] = sock

	daemon, ok := m.daemons[daemonID]
	if !ok {
		daemon = &models.Daemon{
			ID:        daemonID,
			UserID:    userID,
			CreatedAt: now,
		}
		m.daemons[daemonID] = daemon
	}
	daemon.UserID = userID
	if name != "" {
		daemon.Name = name
	}
	daemon.Status = models.DaemonStatusOnline
	daemon.LastSeen = now
	daemon.ConnectedAt = &now
	daemon.UpdatedAt = now
	m.persistDaemon(ctx, daemon)
	m.mu.Unlock()

	if prior != nil {
		_ = prior.Close()
	}

	m.logger.Info().Str("daemon_id", daemonID).Str("user_id", userID).Bool("replaced", prior != nil).
		Msg("daemon connected")

	m.bus.Publish(events.Event{
		Type:     events.DaemonConnected,
		DaemonID: daemonID,
		UserID:   userID,
	})
}

// HandleDisconnect runs the disconnect cascade for a closed socket. The
// sock argument ties the cascade to a specific connection: if the daemon
// already reconnected with a newer socket, the stale close is ignored.
func (m *Manager) HandleDisconnect(daemonID string, sock Socket) {
	now := time.Now().UTC()
	ctx := context.Background()

	m.mu.Lock()
	current, ok := m.conns[daemonID]
	if !ok || (sock != nil && current != sock) {
		m.mu.Unlock()
		return
	}
	delete(m.conns, daemonID)

	var userID string
	if daemon, ok := m.daemons[daemonID]; ok {
		userID = daemon.UserID
		daemon.Status = models.DaemonStatusOffline
		daemon.LastSeen = now
		daemon.UpdatedAt = now
		m.persistDaemon(ctx, daemon)
	}

	var failed []*models.Agent
	for _, agent := range m.agents {
		if agent.DaemonID != daemonID || agent.Status.IsTerminal() {
			continue
		}
		agent.Status = models.AgentStatusFailed
		agent.Error = "Daemon disconnected"
		agent.CompletedAt = &now
		if agent.StartedAt != nil {
			agent.ExecutionTimeMs = now.Sub(*agent.StartedAt).Milliseconds()
		} else {
			agent.ExecutionTimeMs = 0
		}
		agent.UpdatedAt = now
		m.persistAgent(ctx, agent)
		failed = append(failed, agent.Clone())
	}
	m.mu.Unlock()

	m.logger.Info().Str("daemon_id", daemonID).Int("failed_agents", len(failed)).
		Msg("daemon disconnected")

	for _, agent := range failed {
		m.bus.Publish(events.Event{
			Type:     events.AgentFailed,
			DaemonID: daemonID,
			UserID:   agent.UserID,
			AgentID:  agent.ID,
			Payload: map[string]any{
				"error":             agent.Error,
				"execution_time_ms": agent.ExecutionTimeMs,
			},
		})
	}
	m.bus.Publish(events.Event{
		Type:     events.DaemonDisconnected,
		DaemonID: daemonID,
		UserID:   userID,
	})
}

// HandlePong refreshes a daemon's last-seen timestamp.
func (m *Manager) HandlePong(daemonID string) {
	now := time.Now().UTC()

	m.mu.Lock()
	if daemon, ok := m.daemons[daemonID]; ok {
		daemon.LastSeen = now
		daemon.UpdatedAt = now
	}
	m.mu.Unlock()
}

// HandleAgentAck applies a daemon's acknowledgement of a spawn command.
// A "started" ack moves the agent to initializing and stamps startedAt;
// an "error" ack fails it immediately. Acks for unknown agents are logged
// and dropped.
func (m *Manager) HandleAgentAck(ctx context.Context, daemonID string, msg *protocol.Message) {
	now := time.Now().UTC()

	m.mu.Lock()
	agent, ok := m.agents[msg.AgentID]
	if !ok || agent.DaemonID != daemonID {
		m.mu.Unlock()
		m.logger.Warn().Str("daemon_id", daemonID).Str("agent_id", msg.AgentID).
			Str("status", msg.Status).Msg("dropping ack for unknown agent")
		return
	}

	var evt events.Event
	switch msg.Status {
	case protocol.AckStatusStarted:
		if !agent.Status.CanTransitionTo(models.AgentStatusInitializing) {
			m.mu.Unlock()
			m.logger.Warn().Str("agent_id", agent.ID).Str("status", string(agent.Status)).
				Msg("dropping started ack, agent already past pending")
			return
		}
		agent.Status = models.AgentStatusInitializing
		agent.StartedAt = &now
		agent.UpdatedAt = now
		m.persistAgent(ctx, agent)
		evt = events.Event{
			Type:     events.AgentStarted,
			DaemonID: daemonID,
			UserID:   agent.UserID,
			AgentID:  agent.ID,
		}

	case protocol.AckStatusError:
		if agent.Status.IsTerminal() {
			m.mu.Unlock()
			return
		}
		agent.Status = models.AgentStatusFailed
		agent.Error = msg.Error
		agent.CompletedAt = &now
		agent.ExecutionTimeMs = 0
		agent.UpdatedAt = now
		m.persistAgent(ctx, agent)
		evt = events.Event{
			Type:     events.AgentFailed,
			DaemonID: daemonID,
			UserID:   agent.UserID,
			AgentID:  agent.ID,
			Payload: map[string]any{
				"error":             agent.Error,
				"execution_time_ms": int64(0),
			},
		}

	default:
		m.mu.Unlock()
		m.logger.Warn().Str("agent_id", msg.AgentID).Str("status", msg.Status).
			Msg("dropping ack with unknown status")
		return
	}
	m.mu.Unlock()

	m.bus.Publish(evt)
}

// PingAll sends a ping command to every open socket, best-effort. Send
// failures are ignored: a dead socket is only detected by the transport's
// own close event, never by a failed ping.
func (m *Manager) PingAll() {
	m.mu.Lock()
	sockets := make(map[string]Socket, len(m.conns))
	for id, sock := range m.conns {
		sockets[id] = sock
	}
	m.mu.Unlock()

	for id, sock := range sockets {
		if err := sock.WriteJSON(protocol.Ping()); err != nil {
			m.logger.Debug().Err(err).Str("daemon_id", id).Msg("ping send failed")
		}
	}
}

// sendCommand serializes a command onto the daemon's socket. It reports
// false when no open socket exists or the send fails; there is no retry.
func (m *Manager) sendCommand(daemonID string, cmd protocol.Command) bool {
	m.mu.Lock()
	sock, ok := m.conns[daemonID]
	m.mu.Unlock()

	if !ok {
		return false
	}
	if err := sock.WriteJSON(cmd); err != nil {
		m.logger.Warn().Err(err).Str("daemon_id", daemonID).Str("command", string(cmd.Type)).
			Msg("command send failed")
		return false
	}
	return true
}
