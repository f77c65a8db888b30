package project_test

import (
	"context"
	"testing"
	"time"

	"github.com/rpggio/storyloom/internal/domain/project"
	"github.com/rpggio/storyloom/internal/repository"
	"github.com/rpggio/storyloom/internal/repository/mocks"
	"github.com/stretchr/testify/require"
)

func defaults() project.Settings {
	return project.Settings{
		Language:              "tr",
		TargetDurationMinutes: 30,
		CacheTTLSeconds:       10800,
		AutoSave:              true,
		StreamingEnabled:      true,
	}
}

func ptr[T any](v T) *T { return &v }

func TestProjectService_NewAppliesDefaults(t *testing.T) {
	svc := project.NewService(&mocks.ProjectRepository{}, defaults(), nil)

	proj, err := svc.New(project.CreateRequest{Name: "  The Lighthouse  "})
	require.NoError(t, err)
	require.NotEmpty(t, proj.ID)
	require.Equal(t, "The Lighthouse", proj.Name)
	require.Equal(t, defaults(), proj.Settings)
}

func TestProjectService_NewValidation(t *testing.T) {
	svc := project.NewService(&mocks.ProjectRepository{}, defaults(), nil)

	_, err := svc.New(project.CreateRequest{Name: ""})
	require.ErrorIs(t, err, project.ErrInvalidInput)

	_, err = svc.New(project.CreateRequest{Name: "x", Settings: &project.SettingsPatch{TargetDurationMinutes: ptr(181)}})
	require.ErrorIs(t, err, project.ErrInvalidInput)

	_, err = svc.New(project.CreateRequest{Name: "x", Settings: &project.SettingsPatch{CacheTTLSeconds: ptr(299)}})
	require.ErrorIs(t, err, project.ErrInvalidInput)

	_, err = svc.New(project.CreateRequest{Name: "x", Settings: &project.SettingsPatch{
		Stages: map[string]project.StageOverride{"write": {ThinkingLevel: "extreme"}},
	}})
	require.ErrorIs(t, err, project.ErrInvalidInput)

	proj, err := svc.New(project.CreateRequest{ID: "p1", Name: "x", Settings: &project.SettingsPatch{
		Language:        ptr("en"),
		CacheTTLSeconds: ptr(86400),
		Stages:          map[string]project.StageOverride{"write": {Model: "gemini-pro", ThinkingLevel: "high"}},
	}})
	require.NoError(t, err)
	require.Equal(t, "p1", proj.ID)
	require.Equal(t, "en", proj.Settings.Language)
	require.Equal(t, "gemini-pro", proj.Settings.Stages["write"].Model)
}

func TestProjectService_GetNotFound(t *testing.T) {
	ctx := context.Background()
	repo := &mocks.ProjectRepository{}
	repo.On("Get", ctx, "missing").Return((*project.Project)(nil), repository.ErrNotFound)

	svc := project.NewService(repo, defaults(), nil)
	_, err := svc.Get(ctx, "missing")
	require.ErrorIs(t, err, project.ErrProjectNotFound)
}

func TestSettingsApply_LeavesReceiverUntouched(t *testing.T) {
	base := defaults()
	base.Stages = map[string]project.StageOverride{"analyze": {Model: "a"}}

	next, err := base.Apply(project.SettingsPatch{Stages: map[string]project.StageOverride{"write": {Model: "w"}}})
	require.NoError(t, err)
	require.Len(t, next.Stages, 2)
	require.Len(t, base.Stages, 1)

	_, err = base.Apply(project.SettingsPatch{TargetDurationMinutes: ptr(0)})
	require.ErrorIs(t, err, project.ErrInvalidInput)
}

func TestStageProgress(t *testing.T) {
	now := time.Now()
	proj := &project.Project{}

	sp := proj.StageProgress("write")
	sp.TotalSteps = 4
	sp.Update(50, "scene 2", now)
	require.True(t, sp.IsStarted)
	require.False(t, sp.IsCompleted)
	require.Equal(t, 2, sp.CompletedSteps)

	sp.Update(140, "", now)
	require.Equal(t, 100.0, sp.ProgressPercentage)
	require.True(t, sp.IsCompleted)
	require.Equal(t, "scene 2", sp.CurrentStep)

	proj.StageProgress("analyze").Update(100, "done", now)
	require.InDelta(t, 50.0, proj.OverallProgress([]string{"analyze", "outline", "write", "review"}), 0.001)
	require.Zero(t, proj.OverallProgress(nil))
}
