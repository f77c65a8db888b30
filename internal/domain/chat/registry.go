package chat

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/rpggio/storyloom/internal/domain/cache"
	"github.com/rpggio/storyloom/internal/provider"
)

type liveChat struct {
	handle  Handle
	history []provider.Turn
}

// Registry tracks stage chats. Bindings are durable and seeded by Recover;
// live chats exist only in this process and are recreated from their binding
// on the next send. A recreated chat starts with no prior turns.
type Registry struct {
	provider Provider
	caches   CacheLookup
	logger   *slog.Logger
	now      func() time.Time

	mu       sync.Mutex
	bindings map[Key]Binding
	live     map[Key]*liveChat
}

// NewRegistry creates an empty registry.
func NewRegistry(p Provider, caches CacheLookup, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Registry{
		provider: p,
		caches:   caches,
		logger:   logger,
		now:      time.Now,
		bindings: make(map[Key]Binding),
		live:     make(map[Key]*liveChat),
	}
}

// Bind records the durable binding for key without creating a chat.
func (r *Registry) Bind(key Key, b Binding) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.bindings[key] = b
}

// EnsureChat returns the live chat for key, creating one when absent or stale.
// A live chat whose model or bound cache name no longer matches is replaced.
func (r *Registry) EnsureChat(ctx context.Context, key Key, b Binding) (Handle, error) {
	r.Bind(key, b)

	cacheName, err := r.resolveCache(b)
	if err != nil {
		return Handle{}, fmt.Errorf("chat %s: %w", key, err)
	}

	r.mu.Lock()
	lc, ok := r.live[key]
	if ok && lc.handle.Model == b.Model && lc.handle.CacheName == cacheName && lc.handle.Thinking == b.Thinking {
		h := lc.handle
		r.mu.Unlock()
		return h, nil
	}
	r.mu.Unlock()

	if ok {
		r.logger.Info("chat binding changed, recreating", "key", key.String(), "cache", cacheName)
	}
	return r.create(ctx, key, b, cacheName)
}

func (r *Registry) resolveCache(b Binding) (string, error) {
	if b.CacheKey == (cache.Key{}) {
		return "", nil
	}
	h, ok := r.caches.Get(b.CacheKey)
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrCacheUnavailable, b.CacheKey)
	}
	if h.IsExpired(r.now()) {
		return "", fmt.Errorf("%w: %s expired", ErrCacheUnavailable, b.CacheKey)
	}
	return h.ProviderName, nil
}

func (r *Registry) create(ctx context.Context, key Key, b Binding, cacheName string) (Handle, error) {
	ref, err := r.provider.CreateChat(ctx, provider.ChatConfig{
		Model:     b.Model,
		CacheName: cacheName,
		Thinking:  b.Thinking,
	})
	if err != nil {
		return Handle{}, fmt.Errorf("creating chat %s: %w", key, err)
	}

	h := Handle{
		Key:         key,
		ProviderRef: ref,
		Model:       b.Model,
		Thinking:    b.Thinking,
		CacheKey:    b.CacheKey,
		CacheName:   cacheName,
		CreatedAt:   r.now(),
	}
	r.mu.Lock()
	prev, replaced := r.live[key]
	r.live[key] = &liveChat{handle: h}
	r.mu.Unlock()
	if replaced && prev.handle.ProviderRef != ref {
		r.provider.CloseChat(prev.handle.ProviderRef)
	}

	r.logger.Debug("chat created", "key", key.String(), "ref", ref)
	return h, nil
}

// acquire returns the live chat, recreating it from the binding if stale.
func (r *Registry) acquire(ctx context.Context, key Key) (Handle, error) {
	r.mu.Lock()
	if lc, ok := r.live[key]; ok {
		h := lc.handle
		r.mu.Unlock()
		return h, nil
	}
	b, ok := r.bindings[key]
	r.mu.Unlock()
	if !ok {
		return Handle{}, fmt.Errorf("%w: %s", ErrChatNotFound, key)
	}

	cacheName, err := r.resolveCache(b)
	if err != nil {
		return Handle{}, fmt.Errorf("chat %s: %w", key, err)
	}
	r.logger.Info("recreating stale chat", "key", key.String())
	return r.create(ctx, key, b, cacheName)
}

// record counts a completed exchange on the handle it was sent on.
func (r *Registry) record(key Key, ref, message, reply string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	lc, ok := r.live[key]
	if !ok || lc.handle.ProviderRef != ref {
		return
	}
	lc.handle.MessageCount++
	lc.history = append(lc.history,
		provider.Turn{Role: provider.RoleUser, Text: message},
		provider.Turn{Role: provider.RoleModel, Text: reply},
	)
}

// Send delivers message and waits for the complete reply.
func (r *Registry) Send(ctx context.Context, key Key, message string) (provider.Reply, error) {
	h, err := r.acquire(ctx, key)
	if err != nil {
		return provider.Reply{}, err
	}
	reply, err := r.provider.Send(ctx, h.ProviderRef, message)
	if err != nil {
		return provider.Reply{}, fmt.Errorf("sending to %s: %w", key, err)
	}
	r.record(key, h.ProviderRef, message, reply.Text)
	return reply, nil
}

// Stream delivers message and returns its reply as events. The stream ends
// with exactly one Done or Error; the exchange is counted before Done.
func (r *Registry) Stream(ctx context.Context, key Key, message string) (<-chan Event, error) {
	h, err := r.acquire(ctx, key)
	if err != nil {
		return nil, err
	}
	upstream, err := r.provider.SendStream(ctx, h.ProviderRef, message)
	if err != nil {
		return nil, fmt.Errorf("streaming to %s: %w", key, err)
	}

	out := make(chan Event, 16)
	go func() {
		defer close(out)
		var full strings.Builder
		for ev := range upstream {
			switch ev.Type {
			case provider.EventTextDelta:
				full.WriteString(ev.TextDelta)
			case provider.EventDone:
				r.record(key, h.ProviderRef, message, full.String())
			case provider.EventError:
				ev.Err = fmt.Errorf("streaming to %s: %w", key, ev.Err)
			}
			select {
			case out <- ev:
			case <-ctx.Done():
				return
			}
			if ev.Type != provider.EventTextDelta {
				return
			}
		}
	}()
	return out, nil
}

// SendStructured delivers message and returns a schema-conforming reply.
// Schema violations are returned unrepaired.
func (r *Registry) SendStructured(ctx context.Context, key Key, message string, schema provider.Schema) (json.RawMessage, provider.Usage, error) {
	h, err := r.acquire(ctx, key)
	if err != nil {
		return nil, provider.Usage{}, err
	}
	out, usage, err := r.provider.SendStructured(ctx, h.ProviderRef, message, schema)
	if err != nil {
		return nil, usage, fmt.Errorf("structured send to %s: %w", key, err)
	}
	r.record(key, h.ProviderRef, message, string(out))
	return out, usage, nil
}

// State reports the lifecycle state of key.
func (r *Registry) State(key Key) State {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.live[key]; ok {
		return StateActive
	}
	if _, ok := r.bindings[key]; ok {
		return StateStale
	}
	return StateAbsent
}

// Get returns the live handle for key.
func (r *Registry) Get(key Key) (Handle, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	lc, ok := r.live[key]
	if !ok {
		return Handle{}, false
	}
	return lc.handle, true
}

// Binding returns the durable binding for key.
func (r *Registry) Binding(key Key) (Binding, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.bindings[key]
	return b, ok
}

// History returns the turns exchanged on the live chat.
func (r *Registry) History(key Key) ([]provider.Turn, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	lc, ok := r.live[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrChatNotFound, key)
	}
	return append([]provider.Turn(nil), lc.history...), nil
}

// Recover seeds durable bindings. Live chats are never created here.
func (r *Registry) Recover(bindings map[Key]Binding) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for k, b := range bindings {
		if _, ok := r.bindings[k]; !ok {
			r.bindings[k] = b
		}
	}
}

// Forget drops bindings and live chats of a project and closes the chats
// on the provider side.
func (r *Registry) Forget(projectID string) {
	var refs []string
	r.mu.Lock()
	for k := range r.bindings {
		if k.ProjectID == projectID {
			delete(r.bindings, k)
		}
	}
	for k, lc := range r.live {
		if k.ProjectID == projectID {
			refs = append(refs, lc.handle.ProviderRef)
			delete(r.live, k)
		}
	}
	r.mu.Unlock()

	for _, ref := range refs {
		r.provider.CloseChat(ref)
	}
}
