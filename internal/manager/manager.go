// Package manager implements the daemon fleet manager: the connection
// table, the daemon and agent state tables, command dispatch, and the
// lifecycle rules that tie them together.
//
// The manager is a single logical actor. Every mutation of the connection,
// daemon, and agent tables happens under one mutex and runs to completion;
// events are published after the lock is released so subscribers can call
// back into the manager. External callers never touch the tables directly.
package manager

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/hoistd/hoist/internal/events"
	"github.com/hoistd/hoist/internal/logging"
	"github.com/hoistd/hoist/internal/models"
)

// Manager sentinel errors. Expected failure modes are sentinels, never
// panics: callers check results.
var (
	ErrDaemonOffline  = errors.New("daemon is not online")
	ErrDaemonNotFound = errors.New("daemon not found")
	ErrAgentNotFound  = errors.New("agent not found")
	ErrNotOwner       = errors.New("agent is owned by a different daemon")
	ErrDispatchFailed = errors.New("command dispatch failed")
	ErrWaitTimeout    = errors.New("timed out waiting for agent completion")
)

// Socket is the write side of a live daemon connection. The concrete type
// is a websocket connection; tests substitute fakes.
type Socket interface {
	WriteJSON(v any) error
	Close() error
}

// AgentStore is the durable mirror for agent records. Writes are
// best-effort: a store failure is logged, never fatal.
type AgentStore interface {
	Insert(ctx context.Context, agent *models.Agent) error
	Get(ctx context.Context, id string) (*models.Agent, error)
	Update(ctx context.Context, agent *models.Agent) error
	Delete(ctx context.Context, id string) error
	ListBySession(ctx context.Context, sessionID string) ([]*models.Agent, error)
}

// DaemonStore is the durable mirror for daemon records.
type DaemonStore interface {
	Upsert(ctx context.Context, daemon *models.Daemon) error
}

// Options configures manager timing. Zero values fall back to defaults.
type Options struct {
	// PingInterval is the cadence of the liveness ping sweep.
	PingInterval time.Duration

	// SweepInterval is the cadence of the retention sweep.
	SweepInterval time.Duration

	// MaxAgentAge is how long terminal agent records stay cached in memory.
	MaxAgentAge time.Duration

	// WaitPollInterval is the completion waiter's polling cadence.
	WaitPollInterval time.Duration
}

const (
	defaultPingInterval     = 30 * time.Second
	defaultSweepInterval    = time.Hour
	defaultMaxAgentAge      = 24 * time.Hour
	defaultWaitPollInterval = time.Second
)

func (o *Options) applyDefaults() {
	if o.PingInterval <= 0 {
		o.PingInterval = defaultPingInterval
	}
	if o.SweepInterval <= 0 {
		o.SweepInterval = defaultSweepInterval
	}
	if o.MaxAgentAge <= 0 {
		o.MaxAgentAge = defaultMaxAgentAge
	}
	if o.WaitPollInterval <= 0 {
		o.WaitPollInterval = defaultWaitPollInterval
	}
}

// identity is the resolved owner of a bearer token.
type identity struct {
	daemonID string
	userID   string
}

// Manager owns the connection, daemon, and agent tables.
type Manager struct {
	mu      sync.Mutex
	tokens  map[string]identity
	conns   map[string]Socket
	daemons map[string]*models.Daemon
	agents  map[string]*models.Agent

	agentStore  AgentStore
	daemonStore DaemonStore
	bus         *events.Bus
	opts        Options
	logger      zerolog.Logger

	stopCh  chan struct{}
	wg      sync.WaitGroup
	running bool
}

// New creates a Manager backed by the given durable stores and event bus.
func New(agentStore AgentStore, daemonStore DaemonStore, bus *events.Bus, opts Options) *Manager {
	opts.applyDefaults()

	return &Manager{
		tokens:      make(map[string]identity),
		conns:       make(map[string]Socket),
		daemons:     make(map[string]*models.Daemon),
		agents:      make(map[string]*models.Agent),
		agentStore:  agentStore,
		daemonStore: daemonStore,
		bus:         bus,
		opts:        opts,
		logger:      logging.Component("manager"),
		stopCh:      make(chan struct{}),
	}
}

// Start launches the background ping and retention loops.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return errors.New("manager already running")
	}
	m.running = true
	m.mu.Unlock()

	m.logger.Info().
		Dur("ping_interval", m.opts.PingInterval).
		Dur("sweep_interval", m.opts.SweepInterval).
		Dur("max_agent_age", m.opts.MaxAgentAge).
		Msg("starting manager background loops")

	m.wg.Add(2)
	go m.pingLoop(ctx)
	go m.sweepLoop(ctx)
	return nil
}

// Stop halts the background loops and closes every live socket.
func (m *Manager) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	sockets := make([]Socket, 0, len(m.conns))
	for _, sock := range m.conns {
		sockets = append(sockets, sock)
	}
	m.mu.Unlock()

	close(m.stopCh)
	m.wg.Wait()

	for _, sock := range sockets {
		_ = sock.Close()
	}
	m.logger.Info().Msg("manager stopped")
}

func (m *Manager) pingLoop(ctx context.Context) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.opts.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.PingAll()
		}
	}
}

func (m *Manager) sweepLoop(ctx context.Context) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.opts.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case <-ticker.C:
			removed := m.CleanupOldAgents(m.opts.MaxAgentAge)
			if removed > 0 {
				m.logger.Info().Int("removed", removed).Msg("retention sweep evicted agents")
			}
		}
	}
}

// CleanupOldAgents evicts terminal agent records whose completedAt is older
// than maxAge from the in-memory table. Non-terminal records are never
// evicted; durable records are untouched. Returns the eviction count.
func (m *Manager) CleanupOldAgents(maxAge time.Duration) int {
	cutoff := time.Now().Add(-maxAge)

	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for id, agent := range m.agents {
		if !agent.Status.IsTerminal() {
			continue
		}
		if agent.CompletedAt == nil || agent.CompletedAt.After(cutoff) {
			continue
		}
		delete(m.agents, id)
		removed++
	}
	return removed
}

// GetDaemon returns a copy of the daemon record.
func (m *Manager) GetDaemon(daemonID string) (*models.Daemon, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	daemon, ok := m.daemons[daemonID]
	if !ok {
		return nil, ErrDaemonNotFound
	}
	return daemon.Clone(), nil
}

// GetOnlineDaemonForUser returns the user's online daemon, if any. When a
// user has several online daemons the most recently connected wins.
func (m *Manager) GetOnlineDaemonForUser(userID string) (*models.Daemon, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var best *models.Daemon
	for _, daemon := range m.daemons {
		if daemon.UserID != userID || daemon.Status != models.DaemonStatusOnline {
			continue
		}
		if best == nil || laterConnection(daemon, best) {
			best = daemon
		}
	}
	if best == nil {
		return nil, ErrDaemonNotFound
	}
	return best.Clone(), nil
}

func laterConnection(a, b *models.Daemon) bool {
	if a.ConnectedAt == nil {
		return false
	}
	if b.ConnectedAt == nil {
		return true
	}
	return a.ConnectedAt.After(*b.ConnectedAt)
}

// Daemons returns copies of all daemon records.
func (m *Manager) Daemons() []*models.Daemon {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]*models.Daemon, 0, len(m.daemons))
	for _, daemon := range m.daemons {
		out = append(out, daemon.Clone())
	}
	return out
}

// GetAgent returns a copy of the in-memory agent record.
func (m *Manager) GetAgent(agentID string) (*models.Agent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	agent, ok := m.agents[agentID]
	if !ok {
		return nil, ErrAgentNotFound
	}
	return agent.Clone(), nil
}

// GetAgentsForSession returns the agents correlated to a planning session.
// The in-memory table is consulted first; the durable store fills in
// records that were already evicted.
func (m *Manager) GetAgentsForSession(ctx context.Context, sessionID string) ([]*models.Agent, error) {
	m.mu.Lock()
	seen := make(map[string]struct{})
	var out []*models.Agent
	for _, agent := range m.agents {
		if agent.SessionID == sessionID {
			out = append(out, agent.Clone())
			seen[agent.ID] = struct{}{}
		}
	}
	m.mu.Unlock()

	stored, err := m.agentStore.ListBySession(ctx, sessionID)
	if err != nil {
		m.logger.Warn().Err(err).Str("session_id", sessionID).
			Msg("durable session lookup failed, returning cached agents")
		return out, nil
	}
	for _, agent := range stored {
		if _, ok := seen[agent.ID]; !ok {
			out = append(out, agent)
		}
	}
	return out, nil
}

// Agents returns copies of all in-memory agent records.
func (m *Manager) Agents() []*models.Agent {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]*models.Agent, 0, len(m.agents))
	for _, agent := range m.agents {
		out = append(out, agent.Clone())
	}
	return out
}

// WaitForCompletion blocks until the agent reaches a terminal status or the
// timeout elapses. Each poll cycle checks the in-memory record first and
// falls back to the durable store, which covers eviction and process
// restarts. Returns ErrWaitTimeout when the deadline passes; a still
// running agent and a vanished one are indistinguishable to the caller.
func (m *Manager) WaitForCompletion(ctx context.Context, agentID string, timeout time.Duration) (*models.Agent, error) {
	deadline := time.Now().Add(timeout)

	for {
		if agent := m.terminalAgent(ctx, agentID); agent != nil {
			return agent, nil
		}
		if time.Now().After(deadline) {
			return nil, ErrWaitTimeout
		}

		wait := m.opts.WaitPollInterval
		if remaining := time.Until(deadline); remaining < wait {
			wait = remaining
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(wait):
		}
	}
}

func (m *Manager) terminalAgent(ctx context.Context, agentID string) *models.Agent {
	m.mu.Lock()
	agent, ok := m.agents[agentID]
	if ok && agent.Status.IsTerminal() {
		cp := agent.Clone()
		m.mu.Unlock()
		return cp
	}
	m.mu.Unlock()

	stored, err := m.agentStore.Get(ctx, agentID)
	if err != nil {
		return nil
	}
	if stored.Status.IsTerminal() {
		return stored
	}
	return nil
}

// persistAgent mirrors an agent record to the durable store best-effort.
// Callers hold the manager lock.
func (m *Manager) persistAgent(ctx context.Context, agent *models.Agent) {
	if err := m.agentStore.Update(ctx, agent); err != nil {
		m.logger.Warn().Err(err).Str("agent_id", agent.ID).Msg("failed to persist agent")
	}
}

// persistDaemon mirrors a daemon record to the durable store best-effort.
// Callers hold the manager lock.
func (m *Manager) persistDaemon(ctx context.Context, daemon *models.Daemon) {
	if err := m.daemonStore.Upsert(ctx, daemon); err != nil {
		m.logger.Warn().Err(err).Str("daemon_id", daemon.ID).Msg("failed to persist daemon")
	}
}
