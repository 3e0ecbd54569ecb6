package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hoistd/hoist/internal/models"
)

// Daemon repository errors.
var (
	ErrDaemonNotFound = errors.New("daemon not found")
)

// DaemonRepository handles durable daemon persistence. Daemon records are
// upserted on connect, heartbeat, and disconnect; the in-memory table stays
// authoritative for liveness.
type DaemonRepository struct {
	db *DB
}

// NewDaemonRepository creates a new DaemonRepository.
func NewDaemonRepository(db *DB) *DaemonRepository {
	return &DaemonRepository{db: db}
}

// Upsert inserts or replaces a daemon record.
func (r *DaemonRepository) Upsert(ctx context.Context, daemon *models.Daemon) error {
	if err := daemon.Validate(); err != nil {
		return fmt.Errorf("invalid daemon: %w", err)
	}

	now := time.Now().UTC()
	if daemon.CreatedAt.IsZero() {
		daemon.CreatedAt = now
	}
	daemon.UpdatedAt = now

	agentIDsJSON, err := json.Marshal(daemon.AgentIDs)
	if err != nil {
		return fmt.Errorf("failed to marshal agent ids: %w", err)
	}

	var lastSeen *string
	if !daemon.LastSeen.IsZero() {
		formatted := daemon.LastSeen.UTC().Format(time.RFC3339)
		lastSeen = &formatted
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO daemons (
			id, user_id, name, status, last_seen_at, active_agents,
			agent_ids_json, connected_at, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			user_id = excluded.user_id,
			name = excluded.name,
			status = excluded.status,
			last_seen_at = excluded.last_seen_at,
			active_agents = excluded.active_agents,
			agent_ids_json = excluded.agent_ids_json,
			connected_at = excluded.connected_at,
			updated_at = excluded.updated_at
	`,
		daemon.ID,
		daemon.UserID,
		nullString(daemon.Name),
		string(daemon.Status),
		lastSeen,
		daemon.ActiveAgents,
		string(agentIDsJSON),
		timePtrString(daemon.ConnectedAt),
		daemon.CreatedAt.Format(time.RFC3339),
		daemon.UpdatedAt.Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert daemon: %w", err)
	}

	return nil
}

// Get retrieves a daemon by ID.
func (r *DaemonRepository) Get(ctx context.Context, id string) (*models.Daemon, error) {
	row := r.db.QueryRowContext(ctx, daemonSelect+" WHERE id = ?", id)
	daemon, err := scanDaemonRow(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrDaemonNotFound
		}
		return nil, fmt.Errorf("failed to scan daemon: %w", err)
	}
	return daemon, nil
}

// ListByUser retrieves all daemons owned by a user.
func (r *DaemonRepository) ListByUser(ctx context.Context, userID string) ([]*models.Daemon, error) {
	rows, err := r.db.QueryContext(ctx, daemonSelect+" WHERE user_id = ? ORDER BY created_at", userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query daemons by user: %w", err)
	}
	defer rows.Close()

	return scanDaemons(rows)
}

// List retrieves all daemon records.
func (r *DaemonRepository) List(ctx context.Context) ([]*models.Daemon, error) {
	rows, err := r.db.QueryContext(ctx, daemonSelect+" ORDER BY created_at")
	if err != nil {
		return nil, fmt.Errorf("failed to query daemons: %w", err)
	}
	defer rows.Close()

	return scanDaemons(rows)
}

const daemonSelect = `
	SELECT
		id, user_id, name, status, last_seen_at, active_agents,
		agent_ids_json, connected_at, created_at, updated_at
	FROM daemons`

func scanDaemonRow(row rowScanner) (*models.Daemon, error) {
	var daemon models.Daemon
	var status string
	var name, lastSeen, agentIDsJSON, connectedAt sql.NullString
	var createdAt, updatedAt string

	err := row.Scan(
		&daemon.ID,
		&daemon.UserID,
		&name,
		&status,
		&lastSeen,
		&daemon.ActiveAgents,
		&agentIDsJSON,
		&connectedAt,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		return nil, err
	}

	daemon.Name = name.String
	daemon.Status = models.DaemonStatus(status)
	if lastSeen.Valid {
		if t, err := time.Parse(time.RFC3339, lastSeen.String); err == nil {
			daemon.LastSeen = t
		}
	}
	if agentIDsJSON.Valid && agentIDsJSON.String != "" {
		if err := json.Unmarshal([]byte(agentIDsJSON.String), &daemon.AgentIDs); err != nil {
			daemon.AgentIDs = nil
		}
	}
	daemon.ConnectedAt = parseTimePtr(connectedAt)
	if t, err := time.Parse(time.RFC3339, createdAt); err == nil {
		daemon.CreatedAt = t
	}
	if t, err := time.Parse(time.RFC3339, updatedAt); err == nil {
		daemon.UpdatedAt = t
	}

	return &daemon, nil
}

func scanDaemons(rows *sql.Rows) ([]*models.Daemon, error) {
	var daemons []*models.Daemon
	for rows.Next() {
		daemon, err := scanDaemonRow(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan daemon: %w", err)
		}
		daemons = append(daemons, daemon)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating daemons: %w", err)
	}
	return daemons, nil
}
