package models

import (
	"time"
)

// DaemonStatus represents the connection status of a daemon.
type DaemonStatus string

const (
	DaemonStatusOnline  DaemonStatus = "online"
	DaemonStatusOffline DaemonStatus = "offline"
)

// Daemon represents a remote worker process connected to the control plane
// over a persistent socket. Records are created on first connection and are
// never auto-deleted; they flip to offline when the socket closes.
type Daemon struct {
	// ID is the unique daemon identifier, bound to its credential.
	ID string `json:"id"`

	// UserID is the owner of the daemon.
	UserID string `json:"user_id"`

	// Name is an optional human-friendly label reported at connect time.
	Name string `json:"name,omitempty"`

	// Status is online while a live socket handle exists for this id.
	Status DaemonStatus `json:"status"`

	// LastSeen is refreshed by pongs and heartbeats.
	LastSeen time.Time `json:"last_seen"`

	// ActiveAgents is the agent count self-reported via heartbeat.
	ActiveAgents int `json:"active_agents"`

	// AgentIDs is the daemon's self-reported set of running agents.
	AgentIDs []string `json:"agent_ids,omitempty"`

	// ConnectedAt is when the current (or last) socket was established.
	ConnectedAt *time.Time `json:"connected_at,omitempty"`

	// CreatedAt is when the daemon first connected.
	CreatedAt time.Time `json:"created_at"`

	// UpdatedAt is when the record was last mutated.
	UpdatedAt time.Time `json:"updated_at"`
}

// Validate checks if the daemon record is valid.
func (d *Daemon) Validate() error {
	validation := &ValidationErrors{}
	if d.ID == "" {
		validation.Add("id", ErrInvalidDaemonID)
	}
	if d.UserID == "" {
		validation.Add("user_id", ErrInvalidDaemonUser)
	}
	return validation.Err()
}

// Clone returns a deep copy of the daemon record.
func (d *Daemon) Clone() *Daemon {
	cp := *d
	if d.AgentIDs != nil {
		cp.AgentIDs = append([]string(nil), d.AgentIDs...)
	}
	if d.ConnectedAt != nil {
		t := *d.ConnectedAt
		cp.ConnectedAt = &t
	}
	return &cp
}
