package screenplay

import (
	"context"

	"github.com/rpggio/storyloom/internal/domain/chat"
	"github.com/rpggio/storyloom/internal/domain/project"
	"github.com/rpggio/storyloom/internal/domain/session"
)

// Repository persists one screenplay document per project. Get returns
// repository.ErrNotFound when none was saved yet.
type Repository interface {
	Get(ctx context.Context, projectID string) (*Document, error)
	Save(ctx context.Context, doc *Document) error
}

// Runner is the project session the workflow drives. *session.Orchestrator
// implements it.
type Runner interface {
	ID() string
	Project() project.Project
	RunStage(ctx context.Context, req session.StageRequest) (*session.StageResult, error)
	RunStageStream(ctx context.Context, req session.StageRequest) (<-chan chat.Event, error)
	UpdateProgress(ctx context.Context, stage string, pct float64, step string, totalSteps int) (project.StageProgress, error)
}

var _ Runner = (*session.Orchestrator)(nil)
