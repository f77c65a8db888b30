package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/rpggio/storyloom/internal/domain/budget"
	"github.com/rpggio/storyloom/internal/domain/cache"
	"github.com/rpggio/storyloom/internal/domain/project"
	"github.com/rpggio/storyloom/internal/domain/session"
	"github.com/rpggio/storyloom/internal/repository"
)

// StateRepository implements session.Store for SQLite. Each save replaces
// the project's child rows inside one transaction.
type StateRepository struct {
	db *DB
}

// NewStateRepository creates a new StateRepository
func NewStateRepository(db *DB) *StateRepository {
	return &StateRepository{db: db}
}

var _ session.Store = (*StateRepository)(nil)

// SaveProject writes the full session state.
func (r *StateRepository) SaveProject(ctx context.Context, st *session.State) error {
	if st == nil || st.Project == nil {
		return errors.New("sqlite: state without project")
	}
	settings, err := json.Marshal(st.Project.Settings)
	if err != nil {
		return fmt.Errorf("failed to encode settings: %w", err)
	}

	return r.db.inTx(ctx, func(tx *sql.Tx) error {
		p := st.Project
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO projects (id, name, description, settings, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				name = excluded.name,
				description = excluded.description,
				settings = excluded.settings,
				updated_at = excluded.updated_at
		`, p.ID, p.Name, p.Description, string(settings), p.CreatedAt, p.UpdatedAt); err != nil {
			return fmt.Errorf("failed to save project: %w", err)
		}

		for _, table := range []string{"budget_state", "budget_components", "sources", "stage_chats", "stage_caches", "stage_progress"} {
			if _, err := tx.ExecContext(ctx, "DELETE FROM "+table+" WHERE project_id = ?", p.ID); err != nil {
				return fmt.Errorf("failed to clear %s: %w", table, err)
			}
		}

		b := st.Budget
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO budget_state (project_id, max_tokens, prompt_tokens, cached_tokens, output_tokens, total_tokens, requests)
			VALUES (?, ?, ?, ?, ?, ?, ?)
		`, p.ID, b.MaxTokens, b.Total.PromptTokens, b.Total.CachedTokens, b.Total.OutputTokens, b.Total.TotalTokens, b.Requests); err != nil {
			return fmt.Errorf("failed to save budget: %w", err)
		}
		for i, c := range b.Components {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO budget_components (project_id, position, name, estimated_tokens, is_cached, preview, added_at)
				VALUES (?, ?, ?, ?, ?, ?, ?)
			`, p.ID, i, c.Name, c.EstimatedTokens, boolInt(c.IsCached), c.Preview, c.AddedAt); err != nil {
				return fmt.Errorf("failed to save budget component %s: %w", c.Name, err)
			}
		}

		for i, s := range st.Sources {
			ref, err := json.Marshal(s.Ref)
			if err != nil {
				return fmt.Errorf("failed to encode source ref: %w", err)
			}
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO sources (project_id, position, name, ref, estimated_tokens, uploaded_at)
				VALUES (?, ?, ?, ?, ?, ?)
			`, p.ID, i, s.Name, string(ref), s.EstimatedTokens, s.UploadedAt); err != nil {
				return fmt.Errorf("failed to save source %s: %w", s.Name, err)
			}
		}

		for stage, sc := range st.StageChats {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO stage_chats (project_id, stage, model, thinking, cache_stage, message_count, updated_at)
				VALUES (?, ?, ?, ?, ?, ?, ?)
			`, p.ID, stage, sc.Model, string(sc.Thinking), sc.CacheStage, sc.MessageCount, sc.UpdatedAt); err != nil {
				return fmt.Errorf("failed to save stage chat %s: %w", stage, err)
			}
		}

		for _, h := range st.Caches {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO stage_caches (project_id, stage, provider_cache_name, model, token_count, created_at, expires_at)
				VALUES (?, ?, ?, ?, ?, ?, ?)
			`, p.ID, h.Key.Stage, h.ProviderName, h.Model, h.TokenCount, h.CreatedAt, h.ExpiresAt); err != nil {
				return fmt.Errorf("failed to save stage cache %s: %w", h.Key.Stage, err)
			}
		}

		for stage, sp := range p.Progress {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO stage_progress (
					project_id, stage, is_started, is_completed, progress_percentage,
					current_step, total_steps, completed_steps, updated_at
				) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
			`, p.ID, stage, boolInt(sp.IsStarted), boolInt(sp.IsCompleted), sp.ProgressPercentage,
				sp.CurrentStep, sp.TotalSteps, sp.CompletedSteps, sp.UpdatedAt); err != nil {
				return fmt.Errorf("failed to save progress %s: %w", stage, err)
			}
		}
		return nil
	})
}

// LoadProject reads the full session state.
func (r *StateRepository) LoadProject(ctx context.Context, id string) (*session.State, error) {
	proj, err := getProject(ctx, r.db, id)
	if err != nil {
		return nil, err
	}
	st := &session.State{Project: proj, StageChats: make(map[string]session.StageChat)}

	err = r.db.QueryRowContext(ctx, `
		SELECT max_tokens, prompt_tokens, cached_tokens, output_tokens, total_tokens, requests
		FROM budget_state WHERE project_id = ?
	`, id).Scan(
		&st.Budget.MaxTokens,
		&st.Budget.Total.PromptTokens,
		&st.Budget.Total.CachedTokens,
		&st.Budget.Total.OutputTokens,
		&st.Budget.Total.TotalTokens,
		&st.Budget.Requests,
	)
	if err != nil && err != sql.ErrNoRows {
		return nil, fmt.Errorf("failed to load budget: %w", err)
	}

	if st.Budget.Components, err = r.components(ctx, id); err != nil {
		return nil, err
	}
	if st.Sources, err = r.sources(ctx, id); err != nil {
		return nil, err
	}
	if err := r.stageChats(ctx, id, st.StageChats); err != nil {
		return nil, err
	}
	if st.Caches, err = r.caches(ctx, id); err != nil {
		return nil, err
	}
	return st, nil
}

func (r *StateRepository) components(ctx context.Context, id string) ([]budget.Component, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT name, estimated_tokens, is_cached, preview, added_at
		FROM budget_components WHERE project_id = ? ORDER BY position
	`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to load budget components: %w", err)
	}
	defer rows.Close()

	var out []budget.Component
	for rows.Next() {
		var c budget.Component
		if err := rows.Scan(&c.Name, &c.EstimatedTokens, &c.IsCached, &c.Preview, &c.AddedAt); err != nil {
			return nil, fmt.Errorf("failed to scan budget component: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (r *StateRepository) sources(ctx context.Context, id string) ([]session.Source, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT name, ref, estimated_tokens, uploaded_at
		FROM sources WHERE project_id = ? ORDER BY position
	`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to load sources: %w", err)
	}
	defer rows.Close()

	var out []session.Source
	for rows.Next() {
		var s session.Source
		var ref string
		if err := rows.Scan(&s.Name, &ref, &s.EstimatedTokens, &s.UploadedAt); err != nil {
			return nil, fmt.Errorf("failed to scan source: %w", err)
		}
		if err := json.Unmarshal([]byte(ref), &s.Ref); err != nil {
			return nil, fmt.Errorf("failed to decode source ref %s: %w", s.Name, err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (r *StateRepository) stageChats(ctx context.Context, id string, into map[string]session.StageChat) error {
	rows, err := r.db.QueryContext(ctx, `
		SELECT stage, model, thinking, cache_stage, message_count, updated_at
		FROM stage_chats WHERE project_id = ?
	`, id)
	if err != nil {
		return fmt.Errorf("failed to load stage chats: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var sc session.StageChat
		if err := rows.Scan(&sc.Stage, &sc.Model, &sc.Thinking, &sc.CacheStage, &sc.MessageCount, &sc.UpdatedAt); err != nil {
			return fmt.Errorf("failed to scan stage chat: %w", err)
		}
		into[sc.Stage] = sc
	}
	return rows.Err()
}

func (r *StateRepository) caches(ctx context.Context, id string) ([]cache.Handle, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT stage, provider_cache_name, model, token_count, created_at, expires_at
		FROM stage_caches WHERE project_id = ? ORDER BY stage
	`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to load stage caches: %w", err)
	}
	defer rows.Close()

	var out []cache.Handle
	for rows.Next() {
		h := cache.Handle{Key: cache.Key{ProjectID: id}}
		if err := rows.Scan(&h.Key.Stage, &h.ProviderName, &h.Model, &h.TokenCount, &h.CreatedAt, &h.ExpiresAt); err != nil {
			return nil, fmt.Errorf("failed to scan stage cache: %w", err)
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

// DeleteProject removes a project; child rows cascade. Activity is kept.
func (r *StateRepository) DeleteProject(ctx context.Context, id string) error {
	result, err := r.db.ExecContext(ctx, `DELETE FROM projects WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete project: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check rows affected: %w", err)
	}
	if rows == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// ListProjects lists project summaries, most recently updated first.
func (r *StateRepository) ListProjects(ctx context.Context) ([]project.Summary, error) {
	return listProjects(ctx, r.db)
}
