package manager

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hoistd/hoist/internal/db"
	"github.com/hoistd/hoist/internal/events"
	"github.com/hoistd/hoist/internal/models"
	"github.com/hoistd/hoist/internal/protocol"
	"github.com/hoistd/hoist/internal/testutil"
)

type fakeSocket struct {
	mu         sync.Mutex
	frames     []any
	failWrites bool
	closed     bool
}

func (s *fakeSocket) WriteJSON(v any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failWrites {
		return errors.New("socket closed")
	}
	s.frames = append(s.frames, v)
	return nil
}

func (s *fakeSocket) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *fakeSocket) commands() []protocol.Command {
	s.mu.Lock()
	defer s.mu.Unlock()
	var cmds []protocol.Command
	for _, f := range s.frames {
		if cmd, ok := f.(protocol.Command); ok {
			cmds = append(cmds, cmd)
		}
	}
	return cmds
}

type eventRecorder struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *eventRecorder) record(evt events.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evt)
}

func (r *eventRecorder) byType(t events.Type) []events.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []events.Event
	for _, evt := range r.events {
		if evt.Type == t {
			out = append(out, evt)
		}
	}
	return out
}

func newTestManager(t *testing.T) (*Manager, *testutil.TestDBEnv, *eventRecorder) {
	t.Helper()

	env := testutil.NewTestDBEnv(t)
	t.Cleanup(env.Close)

	bus := events.NewBus()
	recorder := &eventRecorder{}
	bus.Subscribe(recorder.record)

	mgr := New(env.AgentRepo, env.DaemonRepo, bus, Options{
		WaitPollInterval: 10 * time.Millisecond,
	})
	return mgr, env, recorder
}

func connectDaemon(t *testing.T, mgr *Manager, daemonID, userID string) *fakeSocket {
	t.Helper()
	sock := &fakeSocket{}
	mgr.HandleConnect(context.Background(), daemonID, userID, "", sock)
	return sock
}

func spawnTestAgent(t *testing.T, mgr *Manager, daemonID string) string {
	t.Helper()
	agentID, err := mgr.SpawnAgent(context.Background(), SpawnRequest{
		DaemonID: daemonID,
		Type:     models.AgentTypeTerminal,
		Goal:     "list files",
	})
	require.NoError(t, err)
	return agentID
}

func TestHandleConnect(t *testing.T) {
	mgr, env, recorder := newTestManager(t)

	connectDaemon(t, mgr, "d1", "u1")

	daemon, err := mgr.GetDaemon("d1")
	require.NoError(t, err)
	assert.Equal(t, models.DaemonStatusOnline, daemon.Status)
	assert.NotNil(t, daemon.ConnectedAt)

	// durable mirror written
	stored, err := env.DaemonRepo.Get(context.Background(), "d1")
	require.NoError(t, err)
	assert.Equal(t, models.DaemonStatusOnline, stored.Status)

	require.Len(t, recorder.byType(events.DaemonConnected), 1)
}

func TestHandleConnect_ReplacesPriorSocket(t *testing.T) {
	mgr, _, recorder := newTestManager(t)

	first := connectDaemon(t, mgr, "d1", "u1")
	agentID := spawnTestAgent(t, mgr, "d1")
	second := connectDaemon(t, mgr, "d1", "u1")

	assert.True(t, first.closed)

	// replacement is not a disconnect: the agent survives
	agent, err := mgr.GetAgent(agentID)
	require.NoError(t, err)
	assert.False(t, agent.Status.IsTerminal())
	assert.Empty(t, recorder.byType(events.DaemonDisconnected))

	// stale close of the replaced socket is ignored
	mgr.HandleDisconnect("d1", first)
	daemon, err := mgr.GetDaemon("d1")
	require.NoError(t, err)
	assert.Equal(t, models.DaemonStatusOnline, daemon.Status)

	// the live socket closing does disconnect
	mgr.HandleDisconnect("d1", second)
	daemon, err = mgr.GetDaemon("d1")
	require.NoError(t, err)
	assert.Equal(t, models.DaemonStatusOffline, daemon.Status)
}

func TestSpawnAgent(t *testing.T) {
	mgr, env, _ := newTestManager(t)
	sock := connectDaemon(t, mgr, "d1", "u1")

	agentID := spawnTestAgent(t, mgr, "d1")
	assert.Contains(t, agentID, "agent_")

	agent, err := mgr.GetAgent(agentID)
	require.NoError(t, err)
	assert.Equal(t, models.AgentStatusPending, agent.Status)
	assert.Equal(t, "d1", agent.DaemonID)
	assert.Equal(t, "u1", agent.UserID)

	cmds := sock.commands()
	require.Len(t, cmds, 1)
	assert.Equal(t, protocol.CommandSpawnAgent, cmds[0].Type)
	assert.Equal(t, agentID, cmds[0].AgentID)
	require.NotNil(t, cmds[0].Options)

	stored, err := env.AgentRepo.Get(context.Background(), agentID)
	require.NoError(t, err)
	assert.Equal(t, models.AgentStatusPending, stored.Status)
}

func TestSpawnAgent_OfflineDaemon(t *testing.T) {
	mgr, _, _ := newTestManager(t)

	_, err := mgr.SpawnAgent(context.Background(), SpawnRequest{
		DaemonID: "unknown",
		Type:     models.AgentTypeTerminal,
		Goal:     "list files",
	})
	assert.ErrorIs(t, err, ErrDaemonOffline)
	assert.Empty(t, mgr.Agents())
}

func TestSpawnAgent_DispatchFailureLeavesNoRecord(t *testing.T) {
	mgr, env, _ := newTestManager(t)
	sock := connectDaemon(t, mgr, "d1", "u1")
	sock.failWrites = true

	_, err := mgr.SpawnAgent(context.Background(), SpawnRequest{
		DaemonID: "d1",
		Type:     models.AgentTypeCoding,
		Goal:     "fix the bug",
	})
	assert.ErrorIs(t, err, ErrDispatchFailed)
	assert.Empty(t, mgr.Agents())

	stored, err := env.AgentRepo.ListByDaemon(context.Background(), "d1")
	require.NoError(t, err)
	assert.Empty(t, stored)
}

func TestHandleAgentAck_Started(t *testing.T) {
	mgr, _, recorder := newTestManager(t)
	connectDaemon(t, mgr, "d1", "u1")
	agentID := spawnTestAgent(t, mgr, "d1")

	mgr.HandleAgentAck(context.Background(), "d1", &protocol.Message{
		Type:    protocol.MessageAgentAck,
		AgentID: agentID,
		Status:  protocol.AckStatusStarted,
	})

	agent, err := mgr.GetAgent(agentID)
	require.NoError(t, err)
	assert.Equal(t, models.AgentStatusInitializing, agent.Status)
	assert.NotNil(t, agent.StartedAt)
	require.Len(t, recorder.byType(events.AgentStarted), 1)
}

func TestHandleAgentAck_Error(t *testing.T) {
	mgr, _, recorder := newTestManager(t)
	connectDaemon(t, mgr, "d1", "u1")
	agentID := spawnTestAgent(t, mgr, "d1")

	mgr.HandleAgentAck(context.Background(), "d1", &protocol.Message{
		Type:    protocol.MessageAgentAck,
		AgentID: agentID,
		Status:  protocol.AckStatusError,
		Error:   "spawn failed",
	})

	agent, err := mgr.GetAgent(agentID)
	require.NoError(t, err)
	assert.Equal(t, models.AgentStatusFailed, agent.Status)
	assert.Equal(t, "spawn failed", agent.Error)
	assert.Equal(t, int64(0), agent.ExecutionTimeMs)
	assert.NotNil(t, agent.CompletedAt)
	require.Len(t, recorder.byType(events.AgentFailed), 1)
}

func TestHandleAgentAck_UnknownAgentDropped(t *testing.T) {
	mgr, _, recorder := newTestManager(t)
	connectDaemon(t, mgr, "d1", "u1")

	mgr.HandleAgentAck(context.Background(), "d1", &protocol.Message{
		Type:    protocol.MessageAgentAck,
		AgentID: "agent_missing",
		Status:  protocol.AckStatusStarted,
	})

	assert.Empty(t, recorder.byType(events.AgentStarted))
}

func TestDisconnectCascade(t *testing.T) {
	mgr, _, recorder := newTestManager(t)
	sock := connectDaemon(t, mgr, "d1", "u1")

	started := spawnTestAgent(t, mgr, "d1")
	never := spawnTestAgent(t, mgr, "d1")
	done := spawnTestAgent(t, mgr, "d1")

	mgr.HandleAgentAck(context.Background(), "d1", &protocol.Message{
		Type: protocol.MessageAgentAck, AgentID: started, Status: protocol.AckStatusStarted,
	})
	require.NoError(t, mgr.ApplyCompletion(context.Background(), "d1", done, &protocol.CompletionRequest{
		Status: "completed", Result: "ok", ExecutionTimeMs: 5,
	}))

	mgr.HandleDisconnect("d1", sock)

	daemon, err := mgr.GetDaemon("d1")
	require.NoError(t, err)
	assert.Equal(t, models.DaemonStatusOffline, daemon.Status)

	for _, id := range []string{started, never} {
		agent, err := mgr.GetAgent(id)
		require.NoError(t, err)
		assert.Equal(t, models.AgentStatusFailed, agent.Status)
		assert.Equal(t, "Daemon disconnected", agent.Error)
		assert.NotNil(t, agent.CompletedAt)
	}

	neverAgent, err := mgr.GetAgent(never)
	require.NoError(t, err)
	assert.Equal(t, int64(0), neverAgent.ExecutionTimeMs)

	// already terminal agent untouched
	doneAgent, err := mgr.GetAgent(done)
	require.NoError(t, err)
	assert.Equal(t, models.AgentStatusCompleted, doneAgent.Status)

	// one agent:failed per cascaded agent, plus the ack path emitted none
	assert.Len(t, recorder.byType(events.AgentFailed), 2)
	assert.Len(t, recorder.byType(events.DaemonDisconnected), 1)
}

func TestKillAgent_OptimisticCancel(t *testing.T) {
	mgr, _, _ := newTestManager(t)
	sock := connectDaemon(t, mgr, "d1", "u1")
	agentID := spawnTestAgent(t, mgr, "d1")

	require.NoError(t, mgr.KillAgent(context.Background(), agentID))

	agent, err := mgr.GetAgent(agentID)
	require.NoError(t, err)
	assert.Equal(t, models.AgentStatusCancelled, agent.Status)
	assert.NotNil(t, agent.CompletedAt)

	cmds := sock.commands()
	require.Len(t, cmds, 2)
	assert.Equal(t, protocol.CommandKillAgent, cmds[1].Type)
}

func TestKillAgent_Errors(t *testing.T) {
	mgr, _, _ := newTestManager(t)
	sock := connectDaemon(t, mgr, "d1", "u1")
	agentID := spawnTestAgent(t, mgr, "d1")

	assert.ErrorIs(t, mgr.KillAgent(context.Background(), "agent_missing"), ErrAgentNotFound)

	sock.failWrites = true
	assert.ErrorIs(t, mgr.KillAgent(context.Background(), agentID), ErrDispatchFailed)

	// failed dispatch leaves the agent untouched
	agent, err := mgr.GetAgent(agentID)
	require.NoError(t, err)
	assert.Equal(t, models.AgentStatusPending, agent.Status)
}

func TestApplyHeartbeat(t *testing.T) {
	mgr, _, _ := newTestManager(t)
	connectDaemon(t, mgr, "d1", "u1")

	err := mgr.ApplyHeartbeat(context.Background(), "d1", &protocol.HeartbeatRequest{
		ActiveAgents: 2,
		AgentIDs:     []string{"agent_a", "agent_b"},
	})
	require.NoError(t, err)

	daemon, err := mgr.GetDaemon("d1")
	require.NoError(t, err)
	assert.Equal(t, 2, daemon.ActiveAgents)
	assert.Equal(t, []string{"agent_a", "agent_b"}, daemon.AgentIDs)

	err = mgr.ApplyHeartbeat(context.Background(), "unknown", &protocol.HeartbeatRequest{})
	assert.ErrorIs(t, err, ErrDaemonNotFound)
}

func TestApplyStatusUpdate(t *testing.T) {
	mgr, _, recorder := newTestManager(t)
	connectDaemon(t, mgr, "d1", "u1")
	agentID := spawnTestAgent(t, mgr, "d1")

	err := mgr.ApplyStatusUpdate(context.Background(), "d1", agentID, &protocol.StatusUpdateRequest{
		Status:      "running",
		CurrentStep: "installing deps",
		Notes:       []string{"cloned repo"},
	})
	require.NoError(t, err)

	agent, err := mgr.GetAgent(agentID)
	require.NoError(t, err)
	assert.Equal(t, models.AgentStatusRunning, agent.Status)
	assert.Equal(t, "installing deps", agent.CurrentStep)
	assert.Equal(t, []string{"cloned repo"}, agent.Notes)
	require.Len(t, recorder.byType(events.AgentStatus), 1)
}

func TestApplyStatusUpdate_OwnershipMismatch(t *testing.T) {
	mgr, _, recorder := newTestManager(t)
	connectDaemon(t, mgr, "d1", "u1")
	connectDaemon(t, mgr, "d2", "u2")
	agentID := spawnTestAgent(t, mgr, "d1")

	err := mgr.ApplyStatusUpdate(context.Background(), "d2", agentID, &protocol.StatusUpdateRequest{
		Status: "running",
	})
	assert.ErrorIs(t, err, ErrNotOwner)

	// no mutation, no event
	agent, err := mgr.GetAgent(agentID)
	require.NoError(t, err)
	assert.Equal(t, models.AgentStatusPending, agent.Status)
	assert.Empty(t, recorder.byType(events.AgentStatus))
}

func TestApplyStatusUpdate_RejectsRegression(t *testing.T) {
	mgr, _, _ := newTestManager(t)
	connectDaemon(t, mgr, "d1", "u1")
	agentID := spawnTestAgent(t, mgr, "d1")

	require.NoError(t, mgr.ApplyStatusUpdate(context.Background(), "d1", agentID, &protocol.StatusUpdateRequest{
		Status: "running",
	}))

	err := mgr.ApplyStatusUpdate(context.Background(), "d1", agentID, &protocol.StatusUpdateRequest{
		Status: "pending",
	})
	assert.ErrorIs(t, err, ErrInvalidStatus)

	err = mgr.ApplyStatusUpdate(context.Background(), "d1", agentID, &protocol.StatusUpdateRequest{
		Status: "sleeping",
	})
	assert.ErrorIs(t, err, ErrInvalidStatus)
}

func TestApplyCompletion(t *testing.T) {
	mgr, env, recorder := newTestManager(t)
	connectDaemon(t, mgr, "d1", "u1")
	agentID := spawnTestAgent(t, mgr, "d1")

	err := mgr.ApplyCompletion(context.Background(), "d1", agentID, &protocol.CompletionRequest{
		Status:          "completed",
		Result:          "done",
		ExecutionTimeMs: 1200,
	})
	require.NoError(t, err)

	agent, err := mgr.GetAgent(agentID)
	require.NoError(t, err)
	assert.Equal(t, models.AgentStatusCompleted, agent.Status)
	assert.Equal(t, "done", agent.Result)
	assert.Equal(t, int64(1200), agent.ExecutionTimeMs)
	assert.NotNil(t, agent.CompletedAt)

	stored, err := env.AgentRepo.Get(context.Background(), agentID)
	require.NoError(t, err)
	assert.Equal(t, models.AgentStatusCompleted, stored.Status)

	require.Len(t, recorder.byType(events.AgentCompleted), 1)

	// a second completion is rejected, terminal absorbs
	err = mgr.ApplyCompletion(context.Background(), "d1", agentID, &protocol.CompletionRequest{
		Status: "failed", Error: "late report",
	})
	assert.ErrorIs(t, err, ErrInvalidStatus)
}

func TestApplyLog(t *testing.T) {
	mgr, _, recorder := newTestManager(t)
	connectDaemon(t, mgr, "d1", "u1")
	agentID := spawnTestAgent(t, mgr, "d1")

	err := mgr.ApplyLog("d1", agentID, &protocol.LogRequest{
		Type:    protocol.LogTypeStdout,
		Content: "hello",
	})
	require.NoError(t, err)

	logs := recorder.byType(events.AgentLog)
	require.Len(t, logs, 1)
	assert.Equal(t, "hello", logs[0].Payload["content"])

	err = mgr.ApplyLog("d1", "agent_missing", &protocol.LogRequest{
		Type: protocol.LogTypeStdout,
	})
	assert.ErrorIs(t, err, ErrAgentNotFound)

	err = mgr.ApplyLog("d1", agentID, &protocol.LogRequest{Type: "metrics"})
	assert.ErrorIs(t, err, ErrInvalidStatus)
}

func TestWaitForCompletion(t *testing.T) {
	mgr, _, _ := newTestManager(t)
	connectDaemon(t, mgr, "d1", "u1")
	agentID := spawnTestAgent(t, mgr, "d1")

	go func() {
		time.Sleep(30 * time.Millisecond)
		_ = mgr.ApplyCompletion(context.Background(), "d1", agentID, &protocol.CompletionRequest{
			Status: "completed", Result: "ok",
		})
	}()

	agent, err := mgr.WaitForCompletion(context.Background(), agentID, time.Second)
	require.NoError(t, err)
	assert.Equal(t, models.AgentStatusCompleted, agent.Status)
	assert.Equal(t, "ok", agent.Result)
}

func TestWaitForCompletion_Timeout(t *testing.T) {
	mgr, _, _ := newTestManager(t)
	connectDaemon(t, mgr, "d1", "u1")
	agentID := spawnTestAgent(t, mgr, "d1")

	_, err := mgr.WaitForCompletion(context.Background(), agentID, 50*time.Millisecond)
	assert.ErrorIs(t, err, ErrWaitTimeout)
}

func TestWaitForCompletion_DurableFallback(t *testing.T) {
	mgr, env, _ := newTestManager(t)

	// terminal record exists only in the durable store, as after an
	// eviction or process restart
	now := time.Now().UTC()
	completed := now.Add(-time.Minute)
	err := env.AgentRepo.Insert(context.Background(), &models.Agent{
		ID:          "agent_evicted",
		DaemonID:    "d1",
		UserID:      "u1",
		Type:        models.AgentTypeTerminal,
		Status:      models.AgentStatusCompleted,
		Goal:        "list files",
		Result:      "done",
		CreatedAt:   now.Add(-2 * time.Minute),
		CompletedAt: &completed,
	})
	require.NoError(t, err)

	agent, err := mgr.WaitForCompletion(context.Background(), "agent_evicted", time.Second)
	require.NoError(t, err)
	assert.Equal(t, models.AgentStatusCompleted, agent.Status)
}

func TestCleanupOldAgents(t *testing.T) {
	mgr, _, _ := newTestManager(t)
	connectDaemon(t, mgr, "d1", "u1")

	old := spawnTestAgent(t, mgr, "d1")
	recent := spawnTestAgent(t, mgr, "d1")
	running := spawnTestAgent(t, mgr, "d1")

	require.NoError(t, mgr.ApplyCompletion(context.Background(), "d1", old, &protocol.CompletionRequest{Status: "completed"}))
	require.NoError(t, mgr.ApplyCompletion(context.Background(), "d1", recent, &protocol.CompletionRequest{Status: "completed"}))
	require.NoError(t, mgr.ApplyStatusUpdate(context.Background(), "d1", running, &protocol.StatusUpdateRequest{Status: "running"}))

	// age the first agent's completion two hours into the past
	mgr.mu.Lock()
	aged := time.Now().Add(-2 * time.Hour)
	mgr.agents[old].CompletedAt = &aged
	mgr.mu.Unlock()

	removed := mgr.CleanupOldAgents(time.Hour)
	assert.Equal(t, 1, removed)

	_, err := mgr.GetAgent(old)
	assert.ErrorIs(t, err, ErrAgentNotFound)
	_, err = mgr.GetAgent(recent)
	assert.NoError(t, err)
	_, err = mgr.GetAgent(running)
	assert.NoError(t, err)
}

func TestTokenRegistry(t *testing.T) {
	mgr, _, _ := newTestManager(t)

	mgr.RegisterToken("tok1", "d1", "u1")

	daemonID, userID, ok := mgr.Authenticate("tok1")
	require.True(t, ok)
	assert.Equal(t, "d1", daemonID)
	assert.Equal(t, "u1", userID)

	_, _, ok = mgr.Authenticate("bogus")
	assert.False(t, ok)
}

func TestRevokeToken_DisconnectsSocket(t *testing.T) {
	mgr, _, recorder := newTestManager(t)

	mgr.RegisterToken("tok1", "d1", "u1")
	sock := connectDaemon(t, mgr, "d1", "u1")
	agentID := spawnTestAgent(t, mgr, "d1")

	mgr.RevokeToken("tok1")

	assert.True(t, sock.closed)
	_, _, ok := mgr.Authenticate("tok1")
	assert.False(t, ok)

	daemon, err := mgr.GetDaemon("d1")
	require.NoError(t, err)
	assert.Equal(t, models.DaemonStatusOffline, daemon.Status)

	agent, err := mgr.GetAgent(agentID)
	require.NoError(t, err)
	assert.Equal(t, models.AgentStatusFailed, agent.Status)
	require.Len(t, recorder.byType(events.DaemonDisconnected), 1)
}

func TestGetOnlineDaemonForUser(t *testing.T) {
	mgr, _, _ := newTestManager(t)

	_, err := mgr.GetOnlineDaemonForUser("u1")
	assert.ErrorIs(t, err, ErrDaemonNotFound)

	first := connectDaemon(t, mgr, "d1", "u1")
	connectDaemon(t, mgr, "d2", "u1")
	connectDaemon(t, mgr, "d3", "u2")

	daemon, err := mgr.GetOnlineDaemonForUser("u1")
	require.NoError(t, err)
	assert.Equal(t, "u1", daemon.UserID)

	// offline daemons are skipped
	mgr.HandleDisconnect("d1", first)
	daemon, err = mgr.GetOnlineDaemonForUser("u1")
	require.NoError(t, err)
	assert.Equal(t, "d2", daemon.ID)
}

func TestGetAgentsForSession(t *testing.T) {
	mgr, env, _ := newTestManager(t)
	connectDaemon(t, mgr, "d1", "u1")

	cachedID, err := mgr.SpawnAgent(context.Background(), SpawnRequest{
		DaemonID:  "d1",
		SessionID: "sess-1",
		Type:      models.AgentTypeTerminal,
		Goal:      "list files",
	})
	require.NoError(t, err)

	// evicted agent known only to the durable store
	err = env.AgentRepo.Insert(context.Background(), &models.Agent{
		ID:        "agent_evicted",
		DaemonID:  "d1",
		UserID:    "u1",
		SessionID: "sess-1",
		Type:      models.AgentTypeCoding,
		Status:    models.AgentStatusCompleted,
		Goal:      "fix the bug",
		CreatedAt: time.Now().UTC(),
	})
	require.NoError(t, err)

	agents, err := mgr.GetAgentsForSession(context.Background(), "sess-1")
	require.NoError(t, err)
	require.Len(t, agents, 2)

	ids := []string{agents[0].ID, agents[1].ID}
	assert.Contains(t, ids, cachedID)
	assert.Contains(t, ids, "agent_evicted")
}

func TestPingAll(t *testing.T) {
	mgr, _, _ := newTestManager(t)
	sock1 := connectDaemon(t, mgr, "d1", "u1")
	sock2 := connectDaemon(t, mgr, "d2", "u2")
	sock2.failWrites = true

	mgr.PingAll()

	cmds := sock1.commands()
	require.Len(t, cmds, 1)
	assert.Equal(t, protocol.CommandPing, cmds[0].Type)

	// a failed ping never marks the daemon offline
	daemon, err := mgr.GetDaemon("d2")
	require.NoError(t, err)
	assert.Equal(t, models.DaemonStatusOnline, daemon.Status)
}

var _ AgentStore = (*db.AgentRepository)(nil)
var _ DaemonStore = (*db.DaemonRepository)(nil)
