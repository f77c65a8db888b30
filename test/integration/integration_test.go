package integration_test

import (
	"context"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/rpggio/storyloom/internal/app"
	"github.com/rpggio/storyloom/internal/config"
	"github.com/rpggio/storyloom/internal/domain/activity"
	"github.com/rpggio/storyloom/internal/domain/chat"
	"github.com/rpggio/storyloom/internal/domain/project"
	"github.com/rpggio/storyloom/internal/domain/session"
	"github.com/rpggio/storyloom/internal/provider"
	"github.com/rpggio/storyloom/internal/provider/fake"
)

// testEnv simulates process restarts: every start builds a fresh App over
// the same database file, while the provider outlives them like a remote
// service would.
type testEnv struct {
	t        *testing.T
	cfg      config.Config
	provider *fake.Provider
	current  *app.App
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	cfg := config.Default()
	cfg.DB.Path = filepath.Join(t.TempDir(), "storyloom.db")
	env := &testEnv{t: t, cfg: cfg, provider: fake.New()}
	t.Cleanup(env.stop)
	return env
}

func (e *testEnv) start() *app.App {
	e.t.Helper()
	e.stop()
	a, err := app.Build(context.Background(), e.cfg, slog.New(slog.DiscardHandler), app.WithProvider(e.provider))
	require.NoError(e.t, err)
	e.current = a
	return a
}

func (e *testEnv) stop() {
	if e.current != nil {
		_ = e.current.Close(context.Background())
		e.current = nil
	}
}

func seed(t *testing.T, a *app.App) *session.Orchestrator {
	t.Helper()
	ctx := context.Background()
	o, err := a.Sessions.Create(ctx, project.CreateRequest{ID: "p1", Name: "The Lighthouse"})
	require.NoError(t, err)
	_, err = o.UploadBytes(ctx, "novel.txt", "", []byte(strings.Repeat("The keeper climbs the stairs. ", 40)))
	require.NoError(t, err)
	return o
}

func TestIntegration_RestartRecreatesChatOnSameCache(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	o := seed(t, env.start())
	first, err := o.RunStage(ctx, session.StageRequest{Stage: "write", Prompt: "Scene one"})
	require.NoError(t, err)
	require.True(t, first.CacheCreated)
	second, err := o.RunStage(ctx, session.StageRequest{Stage: "write", Prompt: "Scene two"})
	require.NoError(t, err)
	require.Equal(t, 2, second.MessageCount)

	a := env.start()
	o, err = a.Sessions.Load(ctx, "p1")
	require.NoError(t, err)

	st := o.Status()
	require.Equal(t, "write", st.Stages[2].Stage)
	require.Equal(t, chat.StateStale, st.Stages[2].ChatState)
	require.Equal(t, 2, st.Stages[2].MessageCount)
	require.NotNil(t, st.Stages[2].Cache)
	require.Equal(t, first.CacheName, st.Stages[2].Cache.ProviderName)

	_, err = o.History("write")
	require.ErrorIs(t, err, chat.ErrChatNotFound)

	third, err := o.RunStage(ctx, session.StageRequest{Stage: "write", Prompt: "Scene three"})
	require.NoError(t, err)
	require.True(t, third.ChatRecreated)
	require.False(t, third.CacheCreated)
	require.Equal(t, 1, third.MessageCount)
	require.Equal(t, first.CacheName, third.CacheName)
	require.Equal(t, 1, env.provider.CacheCount())
	require.Equal(t, 1, env.provider.Calls(fake.OpCreateCache))

	history, err := o.History("write")
	require.NoError(t, err)
	require.Len(t, history, 2)

	report := o.Report()
	require.Equal(t, 3, report.Cumulative.Requests)

	recreated := activity.TypeChatRecreated
	entries, err := a.Activity.GetRecentActivity(ctx, activity.ListActivityOptions{ProjectID: "p1", ActivityType: &recreated})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, "write", entries[0].Stage)
}

func TestIntegration_BudgetSurvivesRestart(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.cfg.Budget.MaxTokens = 400

	o := seed(t, env.start())
	before := o.Status().Budget
	require.Positive(t, before.CurrentTokens)

	o, err := env.start().Sessions.Load(ctx, "p1")
	require.NoError(t, err)
	require.Equal(t, before.CurrentTokens, o.Status().Budget.CurrentTokens)

	_, err = o.UploadBytes(ctx, "sequel.txt", "", []byte(strings.Repeat("x", 1200)))
	require.ErrorIs(t, err, session.ErrCapacityExceeded)
	require.Len(t, o.Sources(), 1)
	require.Equal(t, 1, env.provider.Calls(fake.OpUpload))
}

func TestIntegration_ScreenplayAndDeleteAfterRestart(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.provider.Structured = func(_ provider.Schema, _ string) string {
		return `{"concepts":[{"genre":"Drama","logline":"a","tone":"b"},{"genre":"Noir","logline":"c","tone":"d"},{"genre":"Fable","logline":"e","tone":"f"}],"source_summary":"s"}`
	}

	a := env.start()
	o := seed(t, a)
	_, err := a.Screenplays.Analyze(ctx, o)
	require.NoError(t, err)
	require.Equal(t, 1, env.provider.CacheCount())

	a = env.start()
	o, err = a.Sessions.Load(ctx, "p1")
	require.NoError(t, err)
	doc, err := a.Screenplays.Get(ctx, o)
	require.NoError(t, err)
	require.Len(t, doc.Concepts, 3)
	require.Equal(t, 50.0, o.Project().Progress["analyze"].ProgressPercentage)

	require.NoError(t, a.Sessions.Delete(ctx, "p1"))
	require.Zero(t, env.provider.CacheCount())

	a = env.start()
	_, err = a.Sessions.Load(ctx, "p1")
	require.ErrorIs(t, err, project.ErrProjectNotFound)

	entries, err := a.Activity.GetRecentActivity(ctx, activity.ListActivityOptions{ProjectID: "p1"})
	require.NoError(t, err)
	require.NotEmpty(t, entries)
	require.Equal(t, activity.TypeProjectDeleted, entries[0].ActivityType)
}
