package models

import "errors"

// Validation errors for models
var (
	// Daemon errors
	ErrInvalidDaemonID   = errors.New("daemon id is required")
	ErrInvalidDaemonUser = errors.New("daemon must be associated with a user")

	// Agent errors
	ErrInvalidAgentDaemon = errors.New("agent must be associated with a daemon")
	ErrInvalidAgentType   = errors.New("agent type is required")
	ErrInvalidAgentGoal   = errors.New("agent goal is required")
)
