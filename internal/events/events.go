// Package events provides the in-process event bus for daemon and agent
// lifecycle notifications.
package events

import (
	"time"
)

// Type identifies an event kind. The set is closed: consumers can switch
// over it exhaustively.
type Type string

const (
	DaemonConnected    Type = "daemon:connected"
	DaemonDisconnected Type = "daemon:disconnected"
	AgentStarted       Type = "agent:started"
	AgentStatus        Type = "agent:status"
	AgentCompleted     Type = "agent:completed"
	AgentFailed        Type = "agent:failed"
	AgentLog           Type = "agent:log"
)

// Event is a single lifecycle notification. DaemonID and UserID are always
// set; AgentID is set for agent:* events only.
type Event struct {
	Type      Type      `json:"type"`
	DaemonID  string    `json:"daemon_id"`
	UserID    string    `json:"user_id"`
	AgentID   string    `json:"agent_id,omitempty"`
	Timestamp time.Time `json:"timestamp"`

	// Payload carries event-specific detail: the agent status for
	// agent:status, the log entry for agent:log, the failure reason for
	// agent:failed.
	Payload map[string]any `json:"payload,omitempty"`
}
