package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/rpggio/storyloom/internal/provider"
)

// ErrInvalidKey is returned for keys without a project or stage.
var ErrInvalidKey = errors.New("cache key requires project and stage")

// CreateRequest describes the cache to build when none can be reused.
type CreateRequest struct {
	Model             string
	SystemInstruction string
	Contents          []provider.ContentRef
	TTL               time.Duration
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// Manager indexes provider caches by stage key and reuses unexpired ones.
type Manager struct {
	provider Provider
	logger   *slog.Logger
	now      func() time.Time

	mu      sync.RWMutex
	handles map[Key]Handle
}

// NewManager creates an empty manager.
func NewManager(p Provider, logger *slog.Logger, opts ...Option) *Manager {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	m := &Manager{
		provider: p,
		logger:   logger,
		now:      time.Now,
		handles:  make(map[Key]Handle),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// CreateOrReuse returns the unexpired handle for key unchanged, or builds a
// new provider cache. created reports whether the provider was called.
func (m *Manager) CreateOrReuse(ctx context.Context, key Key, req CreateRequest) (Handle, bool, error) {
	if key.ProjectID == "" || key.Stage == "" {
		return Handle{}, false, ErrInvalidKey
	}

	m.mu.RLock()
	existing, ok := m.handles[key]
	m.mu.RUnlock()
	if ok && !existing.IsExpired(m.now()) {
		return existing, false, nil
	}
	if ok {
		m.logger.Info("cache expired, recreating", "key", key.String(), "cache", existing.ProviderName)
	}

	info, err := m.provider.CreateCache(ctx, provider.CacheRequest{
		Model:             req.Model,
		DisplayName:       key.String(),
		SystemInstruction: req.SystemInstruction,
		Contents:          req.Contents,
		TTL:               req.TTL,
	})
	if err != nil {
		return Handle{}, false, fmt.Errorf("creating cache %s: %w", key, err)
	}

	now := m.now()
	h := Handle{
		Key:          key,
		ProviderName: info.Name,
		Model:        req.Model,
		CreatedAt:    now,
		ExpiresAt:    info.ExpiresAt,
		TokenCount:   info.TokenCount,
	}
	if h.ExpiresAt.IsZero() {
		h.ExpiresAt = now.Add(req.TTL)
	}

	m.mu.Lock()
	m.handles[key] = h
	m.mu.Unlock()

	m.logger.Info("cache created", "key", key.String(), "cache", h.ProviderName, "tokens", h.TokenCount)
	return h, true, nil
}

// ExtendTTL pushes expiry to now+ttl on the provider and locally. It returns
// false without error when the key is unknown.
func (m *Manager) ExtendTTL(ctx context.Context, key Key, ttl time.Duration) (bool, error) {
	m.mu.RLock()
	h, ok := m.handles[key]
	m.mu.RUnlock()
	if !ok {
		return false, nil
	}

	if err := m.provider.UpdateCacheTTL(ctx, h.ProviderName, ttl); err != nil {
		return false, fmt.Errorf("extending cache %s: %w", key, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.handles[key]; ok && cur.ProviderName == h.ProviderName {
		cur.ExpiresAt = m.now().Add(ttl)
		m.handles[key] = cur
	}
	return true, nil
}

// Delete removes the cache on the provider and locally. Unknown keys return
// false without error; a provider-side not-found counts as deleted.
func (m *Manager) Delete(ctx context.Context, key Key) (bool, error) {
	m.mu.RLock()
	h, ok := m.handles[key]
	m.mu.RUnlock()
	if !ok {
		return false, nil
	}

	if err := m.provider.DeleteCache(ctx, h.ProviderName); err != nil {
		if !errors.Is(err, provider.ErrNotFound) {
			return false, fmt.Errorf("deleting cache %s: %w", key, err)
		}
		m.logger.Debug("cache already gone on provider", "key", key.String(), "cache", h.ProviderName)
	}

	m.mu.Lock()
	delete(m.handles, key)
	m.mu.Unlock()
	return true, nil
}

// Invalidate drops the local handle for key without calling the provider,
// for caches the provider no longer has. It only drops the handle while it
// still names providerName and reports whether it did.
func (m *Manager) Invalidate(key Key, providerName string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.handles[key]
	if !ok || h.ProviderName != providerName {
		return false
	}
	delete(m.handles, key)
	m.logger.Warn("cache lost on provider, dropping handle", "key", key.String(), "cache", providerName)
	return true
}

// Get returns the handle for key, expired or not.
func (m *Manager) Get(key Key) (Handle, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	h, ok := m.handles[key]
	return h, ok
}

// List returns the handles of a project ordered by stage.
func (m *Manager) List(projectID string) []Handle {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []Handle
	for k, h := range m.handles {
		if k.ProjectID == projectID {
			out = append(out, h)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key.Stage < out[j].Key.Stage })
	return out
}

// Recover seeds the index from persisted handles. Handles without an explicit
// stage are skipped, and keys already present are left alone.
func (m *Manager) Recover(handles []Handle) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	seeded := 0
	for _, h := range handles {
		if h.Key.ProjectID == "" || h.Key.Stage == "" || h.ProviderName == "" {
			m.logger.Warn("skipping persisted cache without stage key", "cache", h.ProviderName)
			continue
		}
		if _, ok := m.handles[h.Key]; ok {
			continue
		}
		m.handles[h.Key] = h
		seeded++
	}
	return seeded
}

// Forget drops every local handle of a project without touching the provider.
func (m *Manager) Forget(projectID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for k := range m.handles {
		if k.ProjectID == projectID {
			delete(m.handles, k)
		}
	}
}
