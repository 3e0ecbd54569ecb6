// Package protocol defines the wire protocol between the Hoist control
// plane and remote hoistd daemons.
//
// Two channels carry daemon traffic. The persistent WebSocket carries
// typed JSON commands (cloud to daemon) and acknowledgements (daemon to
// cloud). Out-of-band progress reports arrive as discrete REST callbacks
// whose request bodies are also defined here.
//
// Command delivery is best-effort: a command that cannot be handed to an
// open socket is reported to the caller synchronously and never retried.
package protocol

import (
	"encoding/json"
	"fmt"
)

// CommandType identifies a cloud-to-daemon socket command.
type CommandType string

const (
	CommandSpawnAgent CommandType = "spawn_agent"
	CommandKillAgent  CommandType = "kill_agent"
	CommandPing       CommandType = "ping"
)

// MessageType identifies a daemon-to-cloud socket message.
type MessageType string

const (
	MessagePong     MessageType = "pong"
	MessageAgentAck MessageType = "agent_ack"
)

// Ack status values carried by agent_ack messages.
const (
	AckStatusStarted = "started"
	AckStatusError   = "error"
)

// SpawnOptions carries execution options for a spawn_agent command.
type SpawnOptions struct {
	AutoApprove  bool   `json:"autoApprove"`
	TimeoutMs    int64  `json:"timeout,omitempty"`
	StreamOutput bool   `json:"streamOutput"`
}

// Command is the envelope for all cloud-to-daemon socket commands.
type Command struct {
	Type CommandType `json:"type"`

	// spawn_agent / kill_agent
	AgentID string `json:"agentId,omitempty"`

	// spawn_agent only
	AgentType        string        `json:"agentType,omitempty"`
	Goal             string        `json:"goal,omitempty"`
	WorkingDirectory string        `json:"workingDirectory,omitempty"`
	Options          *SpawnOptions `json:"options,omitempty"`
}

// Message is the envelope for all daemon-to-cloud socket messages.
type Message struct {
	Type MessageType `json:"type"`

	// agent_ack
	AgentID string `json:"agentId,omitempty"`
	Status  string `json:"status,omitempty"`
	Error   string `json:"error,omitempty"`
}

// DecodeMessage parses a raw socket frame into a Message.
func DecodeMessage(data []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("malformed socket message: %w", err)
	}
	if msg.Type == "" {
		return nil, fmt.Errorf("socket message missing type")
	}
	return &msg, nil
}

// Ping returns a ping command.
func Ping() Command {
	return Command{Type: CommandPing}
}

// KillAgent returns a kill_agent command for the given agent.
func KillAgent(agentID string) Command {
	return Command{Type: CommandKillAgent, AgentID: agentID}
}

// HeartbeatRequest is the body of POST /daemon/heartbeat.
type HeartbeatRequest struct {
	ActiveAgents int      `json:"activeAgents"`
	AgentIDs     []string `json:"agentIds"`
	Timestamp    int64    `json:"timestamp"`
}

// StatusUpdateRequest is the body of POST /subagent/{id}/status.
type StatusUpdateRequest struct {
	Status      string   `json:"status"`
	CurrentStep string   `json:"currentStep,omitempty"`
	Notes       []string `json:"notes,omitempty"`
	Timestamp   int64    `json:"timestamp"`
}

// CompletionRequest is the body of POST /subagent/{id}/complete.
type CompletionRequest struct {
	Status          string `json:"status"`
	Result          string `json:"result,omitempty"`
	Error           string `json:"error,omitempty"`
	ExecutionTimeMs int64  `json:"executionTimeMs"`
	Timestamp       int64  `json:"timestamp"`
}

// Log entry types accepted by POST /subagent/{id}/log.
const (
	LogTypeStdout = "stdout"
	LogTypeStderr = "stderr"
	LogTypeStatus = "status"
	LogTypeNote   = "note"
)

// LogRequest is the body of POST /subagent/{id}/log.
type LogRequest struct {
	Type      string `json:"type"`
	Content   string `json:"content"`
	Timestamp int64  `json:"timestamp"`
}

// ValidLogType reports whether t is an accepted log entry type.
func ValidLogType(t string) bool {
	switch t {
	case LogTypeStdout, LogTypeStderr, LogTypeStatus, LogTypeNote:
		return true
	default:
		return false
	}
}
