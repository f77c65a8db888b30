package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/rpggio/storyloom/internal/domain/activity"
)

// ActivityRepository implements activity.Repository for SQLite. Rows carry
// no foreign key so the log outlives deleted projects.
type ActivityRepository struct {
	db *DB
}

// NewActivityRepository creates a new ActivityRepository
func NewActivityRepository(db *DB) *ActivityRepository {
	return &ActivityRepository{db: db}
}

var _ activity.Repository = (*ActivityRepository)(nil)

// Log appends entry and fills in its ID and timestamp.
func (r *ActivityRepository) Log(ctx context.Context, entry *activity.ActivityEntry) error {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	result, err := r.db.ExecContext(ctx, `
		INSERT INTO activity_log (project_id, stage, activity_type, summary, details, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, entry.ProjectID, entry.Stage, string(entry.ActivityType), entry.Summary, entry.Details, entry.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to log activity: %w", err)
	}
	if id, err := result.LastInsertId(); err == nil {
		entry.ID = id
	}
	return nil
}

// List returns entries matching opts, newest first.
func (r *ActivityRepository) List(ctx context.Context, opts activity.ListActivityOptions) ([]activity.ActivityEntry, error) {
	where, args := activityFilter(opts)
	query := `SELECT id, project_id, stage, activity_type, summary, details, created_at FROM activity_log` +
		where + ` ORDER BY created_at DESC, id DESC`

	switch {
	case opts.Limit > 0:
		query += " LIMIT ? OFFSET ?"
		args = append(args, opts.Limit, max(opts.Offset, 0))
	case opts.Offset > 0:
		// SQLite only accepts OFFSET after a LIMIT; -1 means unbounded.
		query += " LIMIT -1 OFFSET ?"
		args = append(args, opts.Offset)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list activity: %w", err)
	}
	defer rows.Close()

	var entries []activity.ActivityEntry
	for rows.Next() {
		var (
			e       activity.ActivityEntry
			typ     string
			details sql.NullString
		)
		if err := rows.Scan(&e.ID, &e.ProjectID, &e.Stage, &typ, &e.Summary, &details, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan activity entry: %w", err)
		}
		e.ActivityType = activity.ActivityType(typ)
		e.Details = details.String
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func activityFilter(opts activity.ListActivityOptions) (string, []any) {
	var (
		conds []string
		args  []any
	)
	add := func(cond string, v any) {
		conds = append(conds, cond)
		args = append(args, v)
	}
	if opts.ProjectID != "" {
		add("project_id = ?", opts.ProjectID)
	}
	if opts.Stage != "" {
		add("stage = ?", opts.Stage)
	}
	if opts.ActivityType != nil {
		add("activity_type = ?", string(*opts.ActivityType))
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}
