package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/rpggio/storyloom/internal/domain/activity"
	"github.com/rpggio/storyloom/internal/domain/budget"
	"github.com/rpggio/storyloom/internal/domain/cache"
	"github.com/rpggio/storyloom/internal/domain/chat"
	"github.com/rpggio/storyloom/internal/domain/project"
	"github.com/rpggio/storyloom/internal/repository"
)

// Deps wires a Manager.
type Deps struct {
	Store     Store
	Provider  Provider
	Caches    *cache.Manager
	Chats     *chat.Registry
	Projects  *project.Service
	Activity  ActivityLog
	Metrics   Metrics
	Workflow  Workflow
	MaxTokens int
	Logger    *slog.Logger
	Now       func() time.Time
}

// Manager owns the per-process set of loaded project sessions.
type Manager struct {
	deps Deps

	mu     sync.Mutex
	loaded map[string]*Orchestrator
}

// NewManager creates a manager. Nil activity, metrics and logger are
// replaced with no-ops.
func NewManager(deps Deps) *Manager {
	if deps.Logger == nil {
		deps.Logger = slog.New(slog.DiscardHandler)
	}
	if deps.Activity == nil {
		deps.Activity = noopActivity{}
	}
	if deps.Metrics == nil {
		deps.Metrics = noopMetrics{}
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	return &Manager{deps: deps, loaded: make(map[string]*Orchestrator)}
}

// Workflow returns the configured stage order.
func (m *Manager) Workflow() []string {
	return append([]string(nil), m.deps.Workflow.Stages...)
}

// Create builds, persists and loads a new project session.
func (m *Manager) Create(ctx context.Context, req project.CreateRequest) (*Orchestrator, error) {
	proj, err := m.deps.Projects.New(req)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.loaded[proj.ID]; ok {
		return nil, fmt.Errorf("%w: %s", ErrProjectExists, proj.ID)
	}
	if _, err := m.deps.Store.LoadProject(ctx, proj.ID); err == nil {
		return nil, fmt.Errorf("%w: %s", ErrProjectExists, proj.ID)
	} else if !errors.Is(err, repository.ErrNotFound) {
		return nil, fmt.Errorf("checking project: %w", err)
	}

	state := &State{
		Project:    proj,
		StageChats: make(map[string]StageChat),
	}
	o := m.newOrchestrator(state, budget.New(m.deps.MaxTokens))
	if err := o.persist(ctx); err != nil {
		return nil, err
	}
	m.loaded[proj.ID] = o

	m.deps.Logger.Info("project created", "project", proj.ID, "name", proj.Name)
	m.deps.Activity.Record(ctx, proj.ID, "", activity.TypeProjectCreated, "created "+proj.Name, nil)
	return o, nil
}

// Load returns the session for id, rehydrating it from the store on first
// touch. Provider caches and chats are not recreated here; chats come back
// lazily on their next use.
func (m *Manager) Load(ctx context.Context, id string) (*Orchestrator, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.loadLocked(ctx, id)
}

func (m *Manager) loadLocked(ctx context.Context, id string) (*Orchestrator, error) {
	if o, ok := m.loaded[id]; ok {
		return o, nil
	}

	state, err := m.deps.Store.LoadProject(ctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", project.ErrProjectNotFound, id)
		}
		return nil, fmt.Errorf("loading project %s: %w", id, err)
	}
	if state.StageChats == nil {
		state.StageChats = make(map[string]StageChat)
	}

	tracker := budget.Restore(state.Budget)

	seeded := m.deps.Caches.Recover(state.Caches)
	bindings := make(map[chat.Key]chat.Binding, len(state.StageChats))
	for stage, sc := range state.StageChats {
		bindings[chat.Key{ProjectID: id, Stage: stage}] = sc.binding(id)
	}
	m.deps.Chats.Recover(bindings)

	o := m.newOrchestrator(state, tracker)
	m.loaded[id] = o
	m.deps.Logger.Info("project loaded", "project", id, "caches", seeded, "chats", len(bindings))
	return o, nil
}

// Delete tears down provider caches, forgets chats and removes the project
// from the store. Provider teardown failures are logged; the caches expire
// on their own.
func (m *Manager) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, err := m.loadLocked(ctx, id); err != nil {
		return err
	}

	pctx := context.WithoutCancel(ctx)
	g, gctx := errgroup.WithContext(pctx)
	for _, h := range m.deps.Caches.List(id) {
		g.Go(func() error {
			_, err := m.deps.Caches.Delete(gctx, h.Key)
			return err
		})
	}
	if err := g.Wait(); err != nil {
		m.deps.Logger.Warn("cache teardown incomplete", "project", id, "error", err)
	}
	m.deps.Caches.Forget(id)
	m.deps.Chats.Forget(id)

	if err := m.deps.Store.DeleteProject(pctx, id); err != nil {
		m.deps.Logger.Error("deleting project failed", "project", id, "error", err)
		return fmt.Errorf("%w: %w", ErrPersistence, err)
	}
	delete(m.loaded, id)

	m.deps.Logger.Info("project deleted", "project", id)
	m.deps.Activity.Record(ctx, id, "", activity.TypeProjectDeleted, "deleted project", nil)
	return nil
}

// List returns summaries of all persisted projects.
func (m *Manager) List(ctx context.Context) ([]project.Summary, error) {
	out, err := m.deps.Store.ListProjects(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing projects: %w", err)
	}
	return out, nil
}

func (m *Manager) newOrchestrator(state *State, tracker *budget.Tracker) *Orchestrator {
	return &Orchestrator{
		deps:    &m.deps,
		state:   state,
		tracker: tracker,
		logger:  m.deps.Logger.With("project", state.Project.ID),
	}
}
