package session_test

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/rpggio/storyloom/internal/domain/cache"
	"github.com/rpggio/storyloom/internal/domain/chat"
	"github.com/rpggio/storyloom/internal/domain/project"
	"github.com/rpggio/storyloom/internal/domain/session"
	"github.com/rpggio/storyloom/internal/provider"
	"github.com/rpggio/storyloom/internal/provider/fake"
	"github.com/rpggio/storyloom/internal/repository"
	"github.com/rpggio/storyloom/internal/repository/mocks"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// memStore round-trips state through JSON so nothing in memory leaks across
// a simulated restart.
type memStore struct {
	mu     sync.Mutex
	states map[string][]byte
	saves  int
}

func newMemStore() *memStore { return &memStore{states: make(map[string][]byte)} }

func (s *memStore) LoadProject(_ context.Context, id string) (*session.State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.states[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	var st session.State
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, err
	}
	return &st, nil
}

func (s *memStore) SaveProject(_ context.Context, st *session.State) error {
	data, err := json.Marshal(st)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states[st.Project.ID] = data
	s.saves++
	return nil
}

func (s *memStore) DeleteProject(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.states[id]; !ok {
		return repository.ErrNotFound
	}
	delete(s.states, id)
	return nil
}

func (s *memStore) ListProjects(ctx context.Context) ([]project.Summary, error) {
	s.mu.Lock()
	ids := make([]string, 0, len(s.states))
	for id := range s.states {
		ids = append(ids, id)
	}
	s.mu.Unlock()
	sort.Strings(ids)

	var out []project.Summary
	for _, id := range ids {
		st, err := s.LoadProject(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, project.Summary{ID: id, Name: st.Project.Name, SourceCount: len(st.Sources)})
	}
	return out, nil
}

func workflow() session.Workflow {
	return session.Workflow{
		Stages: []string{"analyze", "outline", "write", "review"},
		Config: map[string]session.StageConfig{
			"analyze": {Model: "gemini-test", Thinking: provider.ThinkingLow, CacheTTL: 3 * time.Hour, SystemInstruction: "Analyze."},
			"outline": {Model: "gemini-test", Thinking: provider.ThinkingMedium},
			"write":   {Model: "gemini-test", Thinking: provider.ThinkingHigh, CacheTTL: 6 * time.Hour},
			"review":  {Model: "gemini-test"},
		},
		DefaultModel: "gemini-default",
	}
}

func settings() project.Settings {
	return project.Settings{Language: "tr", TargetDurationMinutes: 30, CacheTTLSeconds: 10800, AutoSave: true}
}

// newManager builds a fresh process: new cache index, chat registry and
// session manager over the given store and provider.
func newManager(store session.Store, p *fake.Provider, maxTokens int) *session.Manager {
	caches := cache.NewManager(p, nil)
	return session.NewManager(session.Deps{
		Store:     store,
		Provider:  p,
		Caches:    caches,
		Chats:     chat.NewRegistry(p, caches, nil),
		Projects:  project.NewService(nil, settings(), nil),
		Workflow:  workflow(),
		MaxTokens: maxTokens,
	})
}

func createWithSource(t *testing.T, m *session.Manager) *session.Orchestrator {
	t.Helper()
	ctx := context.Background()
	o, err := m.Create(ctx, project.CreateRequest{ID: "p1", Name: "The Lighthouse"})
	require.NoError(t, err)
	_, err = o.UploadBytes(ctx, "novel.txt", "text/plain", []byte("It was a dark and stormy night on the island."))
	require.NoError(t, err)
	return o
}

func TestRunStage_ReusesChatWithinProcess(t *testing.T) {
	ctx := context.Background()
	p := fake.New()
	m := newManager(newMemStore(), p, 0)
	o := createWithSource(t, m)

	first, err := o.RunStage(ctx, session.StageRequest{Stage: "analyze", Prompt: "Summarize."})
	require.NoError(t, err)
	require.True(t, first.CacheCreated)
	require.False(t, first.ChatRecreated)
	require.Equal(t, 1, first.MessageCount)

	second, err := o.RunStage(ctx, session.StageRequest{Stage: "analyze", Prompt: "Go deeper."})
	require.NoError(t, err)
	require.False(t, second.CacheCreated)
	require.Equal(t, 2, second.MessageCount)
	require.Equal(t, "reply to: Go deeper.", second.Text)

	require.Equal(t, 1, p.Calls(fake.OpCreateCache))
	require.Equal(t, 1, p.Calls(fake.OpCreateChat))

	c, ok := p.Cache(first.CacheName)
	require.True(t, ok)
	require.Equal(t, "Analyze.", c.Request.SystemInstruction)
	require.Equal(t, 3*time.Hour, c.Request.TTL)

	history, err := o.History("analyze")
	require.NoError(t, err)
	require.Len(t, history, 4)

	report := o.Report()
	require.Equal(t, 2, report.Cumulative.Requests)
	require.Equal(t, 2*p.Usage.PromptTokens, report.Cumulative.PromptTokens)
}

func TestRunStage_AfterRestartRecreatesChatOnSameCache(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	p := fake.New()

	o := createWithSource(t, newManager(store, p, 0))
	before, err := o.RunStage(ctx, session.StageRequest{Stage: "write", Prompt: "Scene one."})
	require.NoError(t, err)
	_, err = o.RunStage(ctx, session.StageRequest{Stage: "write", Prompt: "Scene two."})
	require.NoError(t, err)

	restarted := newManager(store, p, 0)
	o2, err := restarted.Load(ctx, "p1")
	require.NoError(t, err)

	status := o2.Status()
	write := status.Stages[2]
	require.Equal(t, "write", write.Stage)
	require.Equal(t, chat.StateStale, write.ChatState)
	require.NotNil(t, write.Cache)
	require.Equal(t, before.CacheName, write.Cache.ProviderName)
	require.True(t, write.Progress.IsStarted)

	_, err = o2.History("write")
	require.ErrorIs(t, err, chat.ErrChatNotFound)

	after, err := o2.RunStage(ctx, session.StageRequest{Stage: "write", Prompt: "Scene three."})
	require.NoError(t, err)
	require.True(t, after.ChatRecreated)
	require.False(t, after.CacheCreated)
	require.Equal(t, before.CacheName, after.CacheName)
	require.Equal(t, 1, after.MessageCount)
	require.Equal(t, 1, p.Calls(fake.OpCreateCache))
	require.Equal(t, 3, o2.Report().Cumulative.Requests)
}

func TestUploadBytes_RejectsOverBudgetBeforeUpload(t *testing.T) {
	ctx := context.Background()
	p := fake.New()
	m := newManager(newMemStore(), p, 10)
	o, err := m.Create(ctx, project.CreateRequest{ID: "p1", Name: "Tiny"})
	require.NoError(t, err)

	_, err = o.UploadBytes(ctx, "big.txt", "text/plain", make([]byte, 44))
	require.ErrorIs(t, err, session.ErrCapacityExceeded)
	require.Zero(t, p.Calls(fake.OpUpload))
	require.Empty(t, o.Sources())

	_, err = o.UploadBytes(ctx, "small.txt", "text/plain", []byte("0123456789abcdef"))
	require.NoError(t, err)
	require.Len(t, o.Sources(), 1)
	require.Equal(t, 4, o.Report().EstimatedTokens)

	_, err = o.UploadBytes(ctx, "small.txt", "text/plain", []byte("0123456789abcdef0123"))
	require.NoError(t, err)
	require.Len(t, o.Sources(), 1)
	require.Equal(t, 5, o.Report().EstimatedTokens)
}

func TestRunStage_Validation(t *testing.T) {
	ctx := context.Background()
	m := newManager(newMemStore(), fake.New(), 0)
	o, err := m.Create(ctx, project.CreateRequest{ID: "p1", Name: "Empty"})
	require.NoError(t, err)

	_, err = o.RunStage(ctx, session.StageRequest{Stage: "analyze", Prompt: "x"})
	require.ErrorIs(t, err, session.ErrNoSources)

	_, err = o.RunStage(ctx, session.StageRequest{Stage: "storyboard", Prompt: "x"})
	require.ErrorIs(t, err, session.ErrUnknownStage)

	_, err = o.RunStage(ctx, session.StageRequest{Stage: "analyze"})
	require.ErrorIs(t, err, session.ErrInvalidInput)
}

func TestRunStage_StructuredOutput(t *testing.T) {
	ctx := context.Background()
	p := fake.New()
	o := createWithSource(t, newManager(newMemStore(), p, 0))

	type concept struct {
		Title string `json:"title"`
	}
	schema := provider.MustSchemaFor[concept]("concept")

	p.Structured = func(provider.Schema, string) string { return `{"title":42}` }
	_, err := o.RunStage(ctx, session.StageRequest{Stage: "analyze", Prompt: "Pitch.", Schema: &schema})
	require.ErrorIs(t, err, provider.ErrSchemaViolation)
	require.Equal(t, 1, o.Report().Cumulative.Requests)

	p.Structured = func(provider.Schema, string) string { return `{"title":"Beacon"}` }
	res, err := o.RunStage(ctx, session.StageRequest{Stage: "analyze", Prompt: "Pitch.", Schema: &schema})
	require.NoError(t, err)

	var c concept
	require.NoError(t, res.Decode(&c))
	require.Equal(t, "Beacon", c.Title)
}

func TestRunStage_ProviderFailureSurfaces(t *testing.T) {
	ctx := context.Background()
	p := fake.New()
	o := createWithSource(t, newManager(newMemStore(), p, 0))

	boom := errors.New("503 unavailable")
	p.Fail(fake.OpSend, boom)
	_, err := o.RunStage(ctx, session.StageRequest{Stage: "analyze", Prompt: "x"})
	require.ErrorIs(t, err, boom)
	require.Zero(t, o.Report().Cumulative.Requests)
}

func TestRunStage_FailedCacheCreationLeavesSupplementOut(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	p := fake.New()
	o := createWithSource(t, newManager(store, p, 0))
	before := o.Report()

	boom := errors.New("cache quota exhausted")
	p.Fail(fake.OpCreateCache, boom)
	_, err := o.RunStage(ctx, session.StageRequest{Stage: "analyze", Prompt: "x", Supplement: "Extra research notes."})
	require.ErrorIs(t, err, boom)

	after := o.Report()
	require.Equal(t, before.EstimatedTokens, after.EstimatedTokens)
	for _, b := range after.Breakdown {
		require.NotEqual(t, "supplement:analyze", b.Name)
	}

	p.Fail(fake.OpCreateCache, nil)
	res, err := o.RunStage(ctx, session.StageRequest{Stage: "analyze", Prompt: "x", Supplement: "Extra research notes."})
	require.NoError(t, err)
	require.True(t, res.CacheCreated)
	require.Greater(t, o.Report().EstimatedTokens, before.EstimatedTokens)
}

func TestRunStage_RebuildsCacheLostOnProvider(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	p := fake.New()
	o := createWithSource(t, newManager(store, p, 0))

	first, err := o.RunStage(ctx, session.StageRequest{Stage: "analyze", Prompt: "x"})
	require.NoError(t, err)
	p.DropCache(first.CacheName)

	_, err = o.RunStage(ctx, session.StageRequest{Stage: "analyze", Prompt: "y"})
	require.ErrorIs(t, err, provider.ErrNotFound)
	st := o.Status().Stages[0]
	require.Equal(t, "analyze", st.Stage)
	require.Nil(t, st.Cache)

	stored, err := store.LoadProject(ctx, "p1")
	require.NoError(t, err)
	require.Empty(t, stored.Caches)

	again, err := o.RunStage(ctx, session.StageRequest{Stage: "analyze", Prompt: "z"})
	require.NoError(t, err)
	require.True(t, again.CacheCreated)
	require.True(t, again.ChatRecreated)
	require.NotEqual(t, first.CacheName, again.CacheName)
	require.Equal(t, 1, p.ChatCount())
}

func TestRunStageStream_PersistsBeforeDone(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	p := fake.New()
	o := createWithSource(t, newManager(store, p, 0))

	events, err := o.RunStageStream(ctx, session.StageRequest{Stage: "outline", Prompt: "Outline the acts."})
	require.NoError(t, err)

	var text string
	for ev := range events {
		switch ev.Type {
		case provider.EventTextDelta:
			text += ev.TextDelta
		case provider.EventDone:
			st, err := store.LoadProject(ctx, "p1")
			require.NoError(t, err)
			require.Equal(t, 1, st.Budget.Requests)
			require.Equal(t, 1, st.StageChats["outline"].MessageCount)
		case provider.EventError:
			t.Fatalf("unexpected error: %v", ev.Err)
		}
	}
	require.Equal(t, "reply to: Outline the acts.", text)
}

func TestRunStageStream_CancelledCallerStillAccounted(t *testing.T) {
	p := fake.New()
	store := newMemStore()
	o := createWithSource(t, newManager(store, p, 0))

	ctx, cancel := context.WithCancel(context.Background())
	events, err := o.RunStageStream(ctx, session.StageRequest{Stage: "outline", Prompt: "Outline."})
	require.NoError(t, err)
	cancel()
	for range events {
	}

	require.Eventually(t, func() bool {
		st, err := store.LoadProject(context.Background(), "p1")
		return err == nil && st.Budget.Requests == 1
	}, time.Second, 10*time.Millisecond)
}

func TestPersistenceFailureIsSurfaced(t *testing.T) {
	ctx := context.Background()
	store := &mocks.SessionStore{}
	store.On("LoadProject", mock.Anything, "p1").Return((*session.State)(nil), repository.ErrNotFound)
	store.On("SaveProject", mock.Anything, mock.Anything).Return(nil).Once()
	store.On("SaveProject", mock.Anything, mock.Anything).Return(errors.New("disk I/O error"))

	m := newManager(store, fake.New(), 0)
	o, err := m.Create(ctx, project.CreateRequest{ID: "p1", Name: "Fragile"})
	require.NoError(t, err)

	_, err = o.UploadBytes(ctx, "novel.txt", "text/plain", []byte("content"))
	require.ErrorIs(t, err, session.ErrPersistence)
	require.Len(t, o.Sources(), 1)
}

func TestCacheOperations(t *testing.T) {
	ctx := context.Background()
	p := fake.New()
	o := createWithSource(t, newManager(newMemStore(), p, 0))

	ok, err := o.DeleteCache(ctx, "review")
	require.NoError(t, err)
	require.False(t, ok)

	ok, err = o.ExtendCache(ctx, "review", time.Hour)
	require.NoError(t, err)
	require.False(t, ok)

	res, err := o.RunStage(ctx, session.StageRequest{Stage: "review", Prompt: "Critique.", Supplement: "Studio notes."})
	require.NoError(t, err)
	c, _ := p.Cache(res.CacheName)
	require.Len(t, c.Request.Contents, 2)
	require.Equal(t, 3*time.Hour, c.Request.TTL)

	ok, err = o.ExtendCache(ctx, "review", 2*time.Hour)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = o.DeleteCache(ctx, "review")
	require.NoError(t, err)
	require.True(t, ok)
	require.Zero(t, p.CacheCount())

	again, err := o.RunStage(ctx, session.StageRequest{Stage: "review", Prompt: "Again."})
	require.NoError(t, err)
	require.True(t, again.CacheCreated)
	require.True(t, again.ChatRecreated)
}

func TestProgressAndSettings(t *testing.T) {
	ctx := context.Background()
	o := createWithSource(t, newManager(newMemStore(), fake.New(), 0))

	sp, err := o.UpdateProgress(ctx, "analyze", 100, "done", 3)
	require.NoError(t, err)
	require.True(t, sp.IsCompleted)
	require.Equal(t, 3, sp.CompletedSteps)

	_, err = o.UpdateProgress(ctx, "nope", 10, "", 0)
	require.ErrorIs(t, err, session.ErrUnknownStage)

	require.InDelta(t, 25.0, o.Status().OverallProgress, 0.001)

	thinking := map[string]project.StageOverride{"analyze": {Model: "gemini-pro", ThinkingLevel: "high"}}
	_, err = o.UpdateSettings(ctx, project.SettingsPatch{Stages: thinking})
	require.NoError(t, err)
	cfg, err := o.ResolveStage("analyze")
	require.NoError(t, err)
	require.Equal(t, "gemini-pro", cfg.Model)
	require.Equal(t, provider.ThinkingHigh, cfg.Thinking)

	cfg, err = o.ResolveStage("review")
	require.NoError(t, err)
	require.Equal(t, "gemini-test", cfg.Model)
	require.Equal(t, provider.ThinkingMedium, cfg.Thinking)
	require.Equal(t, 3*time.Hour, cfg.CacheTTL)
}
