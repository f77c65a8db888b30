package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/rpggio/storyloom/internal/domain/screenplay"
	"github.com/rpggio/storyloom/internal/repository"
)

// ScreenplayRepository implements screenplay.Repository for SQLite. The
// document is stored as JSON.
type ScreenplayRepository struct {
	db *DB
}

// NewScreenplayRepository creates a new ScreenplayRepository
func NewScreenplayRepository(db *DB) *ScreenplayRepository {
	return &ScreenplayRepository{db: db}
}

var _ screenplay.Repository = (*ScreenplayRepository)(nil)

// Get retrieves the screenplay of a project
func (r *ScreenplayRepository) Get(ctx context.Context, projectID string) (*screenplay.Document, error) {
	var data string
	err := r.db.QueryRowContext(ctx,
		`SELECT document FROM screenplays WHERE project_id = ?`, projectID).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, repository.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get screenplay: %w", err)
	}

	var doc screenplay.Document
	if err := json.Unmarshal([]byte(data), &doc); err != nil {
		return nil, fmt.Errorf("failed to decode screenplay of %s: %w", projectID, err)
	}
	return &doc, nil
}

// Save inserts or replaces the screenplay of a project. The project must
// exist.
func (r *ScreenplayRepository) Save(ctx context.Context, doc *screenplay.Document) error {
	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("failed to encode screenplay: %w", err)
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO screenplays (project_id, status, document, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(project_id) DO UPDATE SET
			status = excluded.status,
			document = excluded.document,
			updated_at = excluded.updated_at
	`, doc.ProjectID, string(doc.Status), string(data), doc.UpdatedAt)
	if err != nil {
		if isForeignKeyViolation(err) {
			return fmt.Errorf("project %s: %w", doc.ProjectID, repository.ErrNotFound)
		}
		return fmt.Errorf("failed to save screenplay: %w", err)
	}
	return nil
}
