package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/rpggio/storyloom/internal/domain/project"
	"github.com/rpggio/storyloom/internal/domain/session"
	"github.com/stretchr/testify/require"
)

// NewTestDB creates a new in-memory SQLite database for testing
func NewTestDB(t *testing.T) *DB {
	t.Helper()

	db, err := New(":memory:")
	require.NoError(t, err, "failed to create test database")

	err = db.RunMigrations()
	require.NoError(t, err, "failed to run migrations")

	t.Cleanup(func() {
		db.Close()
	})

	return db
}

func insertProject(t *testing.T, db *DB, id string) {
	t.Helper()
	now := time.Now()
	err := NewStateRepository(db).SaveProject(context.Background(), &session.State{
		Project: &project.Project{
			ID:        id,
			Name:      "Project " + id,
			Settings:  project.Settings{Language: "en", TargetDurationMinutes: 30, CacheTTLSeconds: 3600},
			CreatedAt: now,
			UpdatedAt: now,
		},
	})
	require.NoError(t, err)
}

// TestMigrations verifies that migrations run successfully
func TestMigrations(t *testing.T) {
	db := NewTestDB(t)

	tables := []string{
		"projects",
		"budget_state",
		"budget_components",
		"sources",
		"stage_chats",
		"stage_caches",
		"stage_progress",
		"activity_log",
		"screenplays",
		"provider_blobs",
	}

	for _, table := range tables {
		var count int
		err := db.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&count)
		require.NoError(t, err, "failed to query table %s", table)
		require.Equal(t, 1, count, "table %s not found", table)
	}

	require.NoError(t, db.RunMigrations(), "migrations must be re-runnable")
}

// TestForeignKeys verifies that foreign key constraints are enabled
func TestForeignKeys(t *testing.T) {
	db := NewTestDB(t)

	var enabled int
	err := db.QueryRow("PRAGMA foreign_keys").Scan(&enabled)
	require.NoError(t, err)
	require.Equal(t, 1, enabled, "foreign keys not enabled")

	_, err = db.Exec(`INSERT INTO stage_chats (project_id, stage, model, updated_at) VALUES (?, ?, ?, ?)`,
		"missing", "write", "m", time.Now())
	require.Error(t, err)
	require.True(t, isForeignKeyViolation(err))
}

// TestFileDatabase verifies state survives reopening a file database
func TestFileDatabase(t *testing.T) {
	path := filepath.Join(t.TempDir(), "storyloom.db")

	db, err := New(path)
	require.NoError(t, err)
	require.NoError(t, db.RunMigrations())
	insertProject(t, db, "p1")
	require.NoError(t, db.Close())

	db, err = New(path)
	require.NoError(t, err)
	defer db.Close()
	require.NoError(t, db.RunMigrations())

	proj, err := NewProjectRepository(db).Get(context.Background(), "p1")
	require.NoError(t, err)
	require.Equal(t, "Project p1", proj.Name)
}
