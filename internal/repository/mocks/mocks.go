package mocks

import (
	"context"

	"github.com/rpggio/storyloom/internal/domain/activity"
	"github.com/rpggio/storyloom/internal/domain/project"
	"github.com/rpggio/storyloom/internal/domain/screenplay"
	"github.com/rpggio/storyloom/internal/domain/session"
	"github.com/stretchr/testify/mock"
)

// ProjectRepository is a mock for project.Repository.
type ProjectRepository struct {
	mock.Mock
}

func (m *ProjectRepository) Get(ctx context.Context, id string) (*project.Project, error) {
	args := m.Called(ctx, id)
	if proj, ok := args.Get(0).(*project.Project); ok {
		return proj, args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *ProjectRepository) List(ctx context.Context) ([]project.Summary, error) {
	args := m.Called(ctx)
	if list, ok := args.Get(0).([]project.Summary); ok {
		return list, args.Error(1)
	}
	return nil, args.Error(1)
}

// ActivityRepository is a mock for activity.Repository.
type ActivityRepository struct {
	mock.Mock
}

func (m *ActivityRepository) Log(ctx context.Context, entry *activity.ActivityEntry) error {
	args := m.Called(ctx, entry)
	return args.Error(0)
}

func (m *ActivityRepository) List(ctx context.Context, opts activity.ListActivityOptions) ([]activity.ActivityEntry, error) {
	args := m.Called(ctx, opts)
	if list, ok := args.Get(0).([]activity.ActivityEntry); ok {
		return list, args.Error(1)
	}
	return nil, args.Error(1)
}

// SessionStore is a mock for session.Store.
type SessionStore struct {
	mock.Mock
}

func (m *SessionStore) LoadProject(ctx context.Context, id string) (*session.State, error) {
	args := m.Called(ctx, id)
	if st, ok := args.Get(0).(*session.State); ok {
		return st, args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *SessionStore) SaveProject(ctx context.Context, state *session.State) error {
	args := m.Called(ctx, state)
	return args.Error(0)
}

func (m *SessionStore) DeleteProject(ctx context.Context, id string) error {
	args := m.Called(ctx, id)
	return args.Error(0)
}

func (m *SessionStore) ListProjects(ctx context.Context) ([]project.Summary, error) {
	args := m.Called(ctx)
	if list, ok := args.Get(0).([]project.Summary); ok {
		return list, args.Error(1)
	}
	return nil, args.Error(1)
}

// ScreenplayRepository is a mock for screenplay.Repository.
type ScreenplayRepository struct {
	mock.Mock
}

func (m *ScreenplayRepository) Get(ctx context.Context, projectID string) (*screenplay.Document, error) {
	args := m.Called(ctx, projectID)
	if doc, ok := args.Get(0).(*screenplay.Document); ok {
		return doc, args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *ScreenplayRepository) Save(ctx context.Context, doc *screenplay.Document) error {
	args := m.Called(ctx, doc)
	return args.Error(0)
}

var (
	_ project.Repository    = (*ProjectRepository)(nil)
	_ activity.Repository   = (*ActivityRepository)(nil)
	_ session.Store         = (*SessionStore)(nil)
	_ screenplay.Repository = (*ScreenplayRepository)(nil)
)
