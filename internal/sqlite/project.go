package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/rpggio/storyloom/internal/domain/project"
	"github.com/rpggio/storyloom/internal/repository"
)

// ProjectRepository implements project.Repository for SQLite
type ProjectRepository struct {
	db *DB
}

// NewProjectRepository creates a new ProjectRepository
func NewProjectRepository(db *DB) *ProjectRepository {
	return &ProjectRepository{db: db}
}

var _ project.Repository = (*ProjectRepository)(nil)

// Get retrieves a project with its stage progress
func (r *ProjectRepository) Get(ctx context.Context, id string) (*project.Project, error) {
	return getProject(ctx, r.db, id)
}

// List returns project summaries, most recently updated first
func (r *ProjectRepository) List(ctx context.Context) ([]project.Summary, error) {
	return listProjects(ctx, r.db)
}

func getProject(ctx context.Context, db *DB, id string) (*project.Project, error) {
	query := `
		SELECT id, name, description, settings, created_at, updated_at
		FROM projects
		WHERE id = ?
	`

	var proj project.Project
	var settings string
	err := db.QueryRowContext(ctx, query, id).Scan(
		&proj.ID,
		&proj.Name,
		&proj.Description,
		&settings,
		&proj.CreatedAt,
		&proj.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, repository.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get project: %w", err)
	}
	if err := json.Unmarshal([]byte(settings), &proj.Settings); err != nil {
		return nil, fmt.Errorf("failed to decode settings of %s: %w", id, err)
	}

	rows, err := db.QueryContext(ctx, `
		SELECT stage, is_started, is_completed, progress_percentage,
		       current_step, total_steps, completed_steps, updated_at
		FROM stage_progress
		WHERE project_id = ?
	`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to load progress: %w", err)
	}
	defer rows.Close()

	proj.Progress = make(map[string]*project.StageProgress)
	for rows.Next() {
		var sp project.StageProgress
		if err := rows.Scan(
			&sp.Stage,
			&sp.IsStarted,
			&sp.IsCompleted,
			&sp.ProgressPercentage,
			&sp.CurrentStep,
			&sp.TotalSteps,
			&sp.CompletedSteps,
			&sp.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan progress: %w", err)
		}
		proj.Progress[sp.Stage] = &sp
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating progress rows: %w", err)
	}

	return &proj, nil
}

func listProjects(ctx context.Context, db *DB) ([]project.Summary, error) {
	query := `
		SELECT
			p.id,
			p.name,
			p.description,
			COALESCE(json_extract(p.settings, '$.language'), ''),
			(SELECT COUNT(*) FROM sources s WHERE s.project_id = p.id),
			p.created_at,
			p.updated_at
		FROM projects p
		ORDER BY p.updated_at DESC, p.id
	`

	rows, err := db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list projects: %w", err)
	}
	defer rows.Close()

	var summaries []project.Summary
	for rows.Next() {
		var summary project.Summary
		if err := rows.Scan(
			&summary.ID,
			&summary.Name,
			&summary.Description,
			&summary.Language,
			&summary.SourceCount,
			&summary.CreatedAt,
			&summary.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan project summary: %w", err)
		}
		summaries = append(summaries, summary)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating project rows: %w", err)
	}

	return summaries, nil
}
