package project

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rpggio/storyloom/internal/repository"
)

// Service builds and reads projects.
type Service struct {
	repo     Repository
	defaults Settings
	logger   *slog.Logger
	now      func() time.Time
}

// NewService creates a project service. defaults seed new project settings.
func NewService(repo Repository, defaults Settings, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Service{repo: repo, defaults: defaults, logger: logger, now: time.Now}
}

// CreateRequest defines project creation inputs.
type CreateRequest struct {
	ID          string
	Name        string
	Description string
	Settings    *SettingsPatch
}

// New validates req and builds an unsaved project.
func (s *Service) New(req CreateRequest) (*Project, error) {
	if strings.TrimSpace(req.Name) == "" {
		return nil, fmt.Errorf("%w: name is required", ErrInvalidInput)
	}

	id := strings.TrimSpace(req.ID)
	if id == "" {
		id = uuid.NewString()
	}

	settings := s.defaults
	if req.Settings != nil {
		var err error
		if settings, err = settings.Apply(*req.Settings); err != nil {
			return nil, err
		}
	} else if err := settings.Validate(); err != nil {
		return nil, err
	}

	now := s.now()
	return &Project{
		ID:          id,
		Name:        strings.TrimSpace(req.Name),
		Description: req.Description,
		Settings:    settings,
		Progress:    make(map[string]*StageProgress),
		CreatedAt:   now,
		UpdatedAt:   now,
	}, nil
}

// Get fetches a project by ID.
func (s *Service) Get(ctx context.Context, id string) (*Project, error) {
	proj, err := s.repo.Get(ctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrProjectNotFound
		}
		return nil, fmt.Errorf("getting project: %w", err)
	}
	return proj, nil
}

// List returns project summaries.
func (s *Service) List(ctx context.Context) ([]Summary, error) {
	out, err := s.repo.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing projects: %w", err)
	}
	return out, nil
}
