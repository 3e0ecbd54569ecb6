package models

import (
	"time"
)

// AgentStatus represents the current status of an agent.
type AgentStatus string

const (
	AgentStatusPending       AgentStatus = "pending"
	AgentStatusInitializing  AgentStatus = "initializing"
	AgentStatusRunning       AgentStatus = "running"
	AgentStatusNeedsApproval AgentStatus = "needs_approval"
	AgentStatusCompleted     AgentStatus = "completed"
	AgentStatusFailed        AgentStatus = "failed"
	AgentStatusCancelled     AgentStatus = "cancelled"
)

// AgentType identifies the kind of work an agent performs.
type AgentType string

const (
	AgentTypeTerminal AgentType = "terminal"
	AgentTypeCoding   AgentType = "coding"
)

// MaxAgentNotes caps the append-only notes list on an agent record.
const MaxAgentNotes = 50

// Agent represents a single unit of long-running work executed by a daemon
// on behalf of a user.
type Agent struct {
	// ID is the cloud-generated unique identifier for the agent.
	ID string `json:"id"`

	// DaemonID references the daemon that owns this agent. It never changes
	// after creation.
	DaemonID string `json:"daemon_id"`

	// UserID is the owner of the daemon at spawn time.
	UserID string `json:"user_id"`

	// SessionID correlates the agent to a planning session, if any.
	SessionID string `json:"session_id,omitempty"`

	// Type identifies the kind of work (terminal, coding).
	Type AgentType `json:"type"`

	// Status is the current lifecycle status.
	Status AgentStatus `json:"status"`

	// Goal is the free-text instruction the agent is executing.
	Goal string `json:"goal"`

	// CurrentStep is the daemon-reported description of current progress.
	CurrentStep string `json:"current_step,omitempty"`

	// Notes is an append-only, capped list of progress notes.
	Notes []string `json:"notes,omitempty"`

	// Result holds the final output for completed agents.
	Result string `json:"result,omitempty"`

	// Error holds the failure reason for failed agents.
	Error string `json:"error,omitempty"`

	// ExecutionTimeMs is the daemon-reported (or cloud-computed) runtime.
	ExecutionTimeMs int64 `json:"execution_time_ms,omitempty"`

	// CreatedAt is when the spawn command was handed to the transport.
	CreatedAt time.Time `json:"created_at"`

	// StartedAt is set when the daemon acknowledges the spawn.
	StartedAt *time.Time `json:"started_at,omitempty"`

	// CompletedAt is set when the agent reaches a terminal status.
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	// UpdatedAt is when the record was last mutated.
	UpdatedAt time.Time `json:"updated_at"`
}

// IsTerminal reports whether s is a final status.
func (s AgentStatus) IsTerminal() bool {
	switch s {
	case AgentStatusCompleted, AgentStatusFailed, AgentStatusCancelled:
		return true
	default:
		return false
	}
}

// Valid reports whether s is a known status value.
func (s AgentStatus) Valid() bool {
	switch s {
	case AgentStatusPending, AgentStatusInitializing, AgentStatusRunning,
		AgentStatusNeedsApproval, AgentStatusCompleted, AgentStatusFailed,
		AgentStatusCancelled:
		return true
	default:
		return false
	}
}

// CanTransitionTo reports whether the status may advance from s to next.
// Statuses never regress: terminal statuses absorb, and once an agent is
// running it cannot return to pending or initializing. Running and
// needs_approval may alternate.
func (s AgentStatus) CanTransitionTo(next AgentStatus) bool {
	if s.IsTerminal() {
		return false
	}
	if next.IsTerminal() {
		return true
	}
	switch next {
	case AgentStatusPending:
		return false
	case AgentStatusInitializing:
		return s == AgentStatusPending
	case AgentStatusRunning:
		return s == AgentStatusPending || s == AgentStatusInitializing ||
			s == AgentStatusNeedsApproval || s == AgentStatusRunning
	case AgentStatusNeedsApproval:
		return s == AgentStatusInitializing || s == AgentStatusRunning ||
			s == AgentStatusNeedsApproval
	default:
		return false
	}
}

// Validate checks if the agent record is valid.
func (a *Agent) Validate() error {
	validation := &ValidationErrors{}
	if a.DaemonID == "" {
		validation.Add("daemon_id", ErrInvalidAgentDaemon)
	}
	if a.Type == "" {
		validation.Add("type", ErrInvalidAgentType)
	}
	if a.Goal == "" {
		validation.Add("goal", ErrInvalidAgentGoal)
	}
	return validation.Err()
}

// AppendNote appends a note, dropping the oldest entries beyond MaxAgentNotes.
func (a *Agent) AppendNote(note string) {
	a.Notes = append(a.Notes, note)
	if len(a.Notes) > MaxAgentNotes {
		a.Notes = a.Notes[len(a.Notes)-MaxAgentNotes:]
	}
}

// Clone returns a deep copy of the agent record.
func (a *Agent) Clone() *Agent {
	cp := *a
	if a.Notes != nil {
		cp.Notes = append([]string(nil), a.Notes...)
	}
	if a.StartedAt != nil {
		t := *a.StartedAt
		cp.StartedAt = &t
	}
	if a.CompletedAt != nil {
		t := *a.CompletedAt
		cp.CompletedAt = &t
	}
	return &cp
}
