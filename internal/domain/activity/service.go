package activity

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// Service handles activity log operations.
type Service struct {
	repo   Repository
	logger *slog.Logger
	now    func() time.Time
}

// NewService creates a new activity service.
func NewService(repo Repository, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Service{repo: repo, logger: logger, now: time.Now}
}

// LogActivity logs an activity entry with the current timestamp if missing.
func (s *Service) LogActivity(ctx context.Context, entry *ActivityEntry) error {
	if entry == nil || strings.TrimSpace(entry.ProjectID) == "" || entry.ActivityType == "" {
		return ErrInvalidInput
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = s.now()
	}
	if err := s.repo.Log(ctx, entry); err != nil {
		return fmt.Errorf("logging activity: %w", err)
	}
	return nil
}

// Record logs an event, encoding details as JSON. Failures are logged and
// swallowed; the activity log never fails the operation it describes.
func (s *Service) Record(ctx context.Context, projectID, stage string, typ ActivityType, summary string, details any) {
	entry := &ActivityEntry{
		ProjectID:    projectID,
		Stage:        stage,
		ActivityType: typ,
		Summary:      summary,
	}
	if details != nil {
		data, err := json.Marshal(details)
		if err != nil {
			s.logger.Warn("encoding activity details", "type", typ, "error", err)
		} else {
			entry.Details = string(data)
		}
	}
	if err := s.LogActivity(ctx, entry); err != nil {
		s.logger.Warn("activity not recorded", "project", projectID, "type", typ, "error", err)
	}
}

// GetRecentActivity lists activity entries with filtering.
func (s *Service) GetRecentActivity(ctx context.Context, opts ListActivityOptions) ([]ActivityEntry, error) {
	if opts.Limit <= 0 {
		opts.Limit = 50
	}
	return s.repo.List(ctx, opts)
}
