package session

import (
	"context"
	"time"

	"github.com/rpggio/storyloom/internal/domain/activity"
	"github.com/rpggio/storyloom/internal/domain/project"
	"github.com/rpggio/storyloom/internal/provider"
)

// Store persists session state. LoadProject returns repository.ErrNotFound
// for unknown projects.
type Store interface {
	LoadProject(ctx context.Context, id string) (*State, error)
	SaveProject(ctx context.Context, state *State) error
	DeleteProject(ctx context.Context, id string) error
	ListProjects(ctx context.Context) ([]project.Summary, error)
}

// Provider is the part of provider.GenerativeProvider the orchestrator calls
// directly; caches and chats go through their own managers.
type Provider interface {
	Upload(ctx context.Context, req provider.UploadRequest) (provider.ContentRef, error)
	CountTokens(ctx context.Context, model, text string) (int, error)
}

// ActivityLog records orchestration events. Implementations must not fail
// the caller.
type ActivityLog interface {
	Record(ctx context.Context, projectID, stage string, typ activity.ActivityType, summary string, details any)
}

// Metrics receives orchestration measurements.
type Metrics interface {
	RecordUsage(ctx context.Context, stage string, usage provider.Usage)
	RecordStage(ctx context.Context, stage string, d time.Duration, err error)
	RecordCacheCreated(ctx context.Context, stage string)
	RecordChatRecreated(ctx context.Context, stage string)
}

type noopActivity struct{}

func (noopActivity) Record(context.Context, string, string, activity.ActivityType, string, any) {}

type noopMetrics struct{}

func (noopMetrics) RecordUsage(context.Context, string, provider.Usage) {}
func (noopMetrics) RecordStage(context.Context, string, time.Duration, error) {}
func (noopMetrics) RecordCacheCreated(context.Context, string) {}
func (noopMetrics) RecordChatRecreated(context.Context, string) {}
