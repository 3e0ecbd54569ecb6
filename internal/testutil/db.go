// Package testutil provides shared helpers for package tests.
package testutil

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/hoistd/hoist/internal/db"
)

// NewTestDB creates a migrated in-memory SQLite database for testing.
// It returns the database and a cleanup function.
func NewTestDB(t *testing.T) (*db.DB, func()) {
	t.Helper()

	database, err := db.OpenInMemory()
	require.NoError(t, err, "failed to open test database")

	err = database.Migrate(context.Background())
	require.NoError(t, err, "failed to run migrations")

	cleanup := func() {
		_ = database.Close()
	}

	return database, cleanup
}

// TestDBEnv bundles a test database with its repositories.
type TestDBEnv struct {
	DB         *db.DB
	AgentRepo  *db.AgentRepository
	DaemonRepo *db.DaemonRepository
	cleanup    func()
}

// NewTestDBEnv creates a complete test database environment.
func NewTestDBEnv(t *testing.T) *TestDBEnv {
	t.Helper()
	database, cleanup := NewTestDB(t)

	return &TestDBEnv{
		DB:         database,
		AgentRepo:  db.NewAgentRepository(database),
		DaemonRepo: db.NewDaemonRepository(database),
		cleanup:    cleanup,
	}
}

// Close releases the environment's database.
func (e *TestDBEnv) Close() {
	if e.cleanup != nil {
		e.cleanup()
	}
}
