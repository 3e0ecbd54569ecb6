package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/hoistd/hoist/internal/models"
)

// Agent repository errors.
var (
	ErrAgentNotFound      = errors.New("agent not found")
	ErrAgentAlreadyExists = errors.New("agent with this id already exists")
)

// AgentRepository handles durable agent persistence. It is the durable
// mirror behind the manager's in-memory agent table: every mutation the
// manager applies is written through here best-effort.
type AgentRepository struct {
	db *DB
}

// NewAgentRepository creates a new AgentRepository.
func NewAgentRepository(db *DB) *AgentRepository {
	return &AgentRepository{db: db}
}

// Insert adds a new agent to the database.
func (r *AgentRepository) Insert(ctx context.Context, agent *models.Agent) error {
	if err := agent.Validate(); err != nil {
		return fmt.Errorf("invalid agent: %w", err)
	}

	now := time.Now().UTC()
	if agent.CreatedAt.IsZero() {
		agent.CreatedAt = now
	}
	agent.UpdatedAt = now

	notesJSON, err := json.Marshal(agent.Notes)
	if err != nil {
		return fmt.Errorf("failed to marshal notes: %w", err)
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO agents (
			id, daemon_id, user_id, session_id, type, status, goal,
			current_step, notes_json, result, error, execution_time_ms,
			created_at, started_at, completed_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		agent.ID,
		agent.DaemonID,
		agent.UserID,
		nullString(agent.SessionID),
		string(agent.Type),
		string(agent.Status),
		agent.Goal,
		nullString(agent.CurrentStep),
		string(notesJSON),
		nullString(agent.Result),
		nullString(agent.Error),
		agent.ExecutionTimeMs,
		agent.CreatedAt.Format(time.RFC3339),
		timePtrString(agent.StartedAt),
		timePtrString(agent.CompletedAt),
		agent.UpdatedAt.Format(time.RFC3339),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return ErrAgentAlreadyExists
		}
		return fmt.Errorf("failed to insert agent: %w", err)
	}

	return nil
}

// Get retrieves an agent by ID.
func (r *AgentRepository) Get(ctx context.Context, id string) (*models.Agent, error) {
	row := r.db.QueryRowContext(ctx, agentSelect+" WHERE id = ?", id)
	return scanAgent(row)
}

// Update updates an existing agent.
func (r *AgentRepository) Update(ctx context.Context, agent *models.Agent) error {
	if err := agent.Validate(); err != nil {
		return fmt.Errorf("invalid agent: %w", err)
	}

	agent.UpdatedAt = time.Now().UTC()

	notesJSON, err := json.Marshal(agent.Notes)
	if err != nil {
		return fmt.Errorf("failed to marshal notes: %w", err)
	}

	result, err := r.db.ExecContext(ctx, `
		UPDATE agents SET
			session_id = ?,
			type = ?,
			status = ?,
			goal = ?,
			current_step = ?,
			notes_json = ?,
			result = ?,
			error = ?,
			execution_time_ms = ?,
			started_at = ?,
			completed_at = ?,
			updated_at = ?
		WHERE id = ?
	`,
		nullString(agent.SessionID),
		string(agent.Type),
		string(agent.Status),
		agent.Goal,
		nullString(agent.CurrentStep),
		string(notesJSON),
		nullString(agent.Result),
		nullString(agent.Error),
		agent.ExecutionTimeMs,
		timePtrString(agent.StartedAt),
		timePtrString(agent.CompletedAt),
		agent.UpdatedAt.Format(time.RFC3339),
		agent.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update agent: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrAgentNotFound
	}

	return nil
}

// Delete removes an agent by ID.
func (r *AgentRepository) Delete(ctx context.Context, id string) error {
	result, err := r.db.ExecContext(ctx, "DELETE FROM agents WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("failed to delete agent: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrAgentNotFound
	}

	return nil
}

// ListByDaemon retrieves agents owned by a specific daemon.
func (r *AgentRepository) ListByDaemon(ctx context.Context, daemonID string) ([]*models.Agent, error) {
	rows, err := r.db.QueryContext(ctx, agentSelect+" WHERE daemon_id = ? ORDER BY created_at", daemonID)
	if err != nil {
		return nil, fmt.Errorf("failed to query agents by daemon: %w", err)
	}
	defer rows.Close()

	return scanAgents(rows)
}

// ListByUser retrieves agents owned by a specific user.
func (r *AgentRepository) ListByUser(ctx context.Context, userID string) ([]*models.Agent, error) {
	rows, err := r.db.QueryContext(ctx, agentSelect+" WHERE user_id = ? ORDER BY created_at", userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query agents by user: %w", err)
	}
	defer rows.Close()

	return scanAgents(rows)
}

// ListBySession retrieves agents correlated to a planning session.
func (r *AgentRepository) ListBySession(ctx context.Context, sessionID string) ([]*models.Agent, error) {
	rows, err := r.db.QueryContext(ctx, agentSelect+" WHERE session_id = ? ORDER BY created_at", sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query agents by session: %w", err)
	}
	defer rows.Close()

	return scanAgents(rows)
}

// ListByStatus retrieves agents with a specific status.
func (r *AgentRepository) ListByStatus(ctx context.Context, status models.AgentStatus) ([]*models.Agent, error) {
	rows, err := r.db.QueryContext(ctx, agentSelect+" WHERE status = ? ORDER BY created_at", string(status))
	if err != nil {
		return nil, fmt.Errorf("failed to query agents by status: %w", err)
	}
	defer rows.Close()

	return scanAgents(rows)
}

const agentSelect = `
	SELECT
		id, daemon_id, user_id, session_id, type, status, goal,
		current_step, notes_json, result, error, execution_time_ms,
		created_at, started_at, completed_at, updated_at
	FROM agents`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAgentRow(row rowScanner) (*models.Agent, error) {
	var agent models.Agent
	var agentType, status string
	var sessionID, currentStep, notesJSON, result, errMsg sql.NullString
	var execMs sql.NullInt64
	var createdAt, updatedAt string
	var startedAt, completedAt sql.NullString

	err := row.Scan(
		&agent.ID,
		&agent.DaemonID,
		&agent.UserID,
		&sessionID,
		&agentType,
		&status,
		&agent.Goal,
		&currentStep,
		&notesJSON,
		&result,
		&errMsg,
		&execMs,
		&createdAt,
		&startedAt,
		&completedAt,
		&updatedAt,
	)
	if err != nil {
		return nil, err
	}

	agent.Type = models.AgentType(agentType)
	agent.Status = models.AgentStatus(status)
	agent.SessionID = sessionID.String
	agent.CurrentStep = currentStep.String
	agent.Result = result.String
	agent.Error = errMsg.String
	if execMs.Valid {
		agent.ExecutionTimeMs = execMs.Int64
	}
	if notesJSON.Valid && notesJSON.String != "" {
		if err := json.Unmarshal([]byte(notesJSON.String), &agent.Notes); err != nil {
			agent.Notes = nil
		}
	}
	if t, err := time.Parse(time.RFC3339, createdAt); err == nil {
		agent.CreatedAt = t
	}
	if t, err := time.Parse(time.RFC3339, updatedAt); err == nil {
		agent.UpdatedAt = t
	}
	agent.StartedAt = parseTimePtr(startedAt)
	agent.CompletedAt = parseTimePtr(completedAt)

	return &agent, nil
}

func scanAgent(row *sql.Row) (*models.Agent, error) {
	agent, err := scanAgentRow(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrAgentNotFound
		}
		return nil, fmt.Errorf("failed to scan agent: %w", err)
	}
	return agent, nil
}

func scanAgents(rows *sql.Rows) ([]*models.Agent, error) {
	var agents []*models.Agent
	for rows.Next() {
		agent, err := scanAgentRow(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan agent: %w", err)
		}
		agents = append(agents, agent)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating agents: %w", err)
	}
	return agents, nil
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func timePtrString(t *time.Time) *string {
	if t == nil {
		return nil
	}
	formatted := t.UTC().Format(time.RFC3339)
	return &formatted
}

func parseTimePtr(s sql.NullString) *time.Time {
	if !s.Valid {
		return nil
	}
	t, err := time.Parse(time.RFC3339, s.String)
	if err != nil {
		return nil
	}
	return &t
}

func isUniqueConstraintError(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
