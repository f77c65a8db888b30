package chat_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rpggio/storyloom/internal/domain/cache"
	"github.com/rpggio/storyloom/internal/domain/chat"
	"github.com/rpggio/storyloom/internal/provider"
	"github.com/rpggio/storyloom/internal/provider/fake"
	"github.com/stretchr/testify/require"
)

var key = chat.Key{ProjectID: "p1", Stage: "analyze"}

func setup(t *testing.T) (*chat.Registry, *cache.Manager, *fake.Provider, chat.Binding) {
	t.Helper()
	p := fake.New()
	caches := cache.NewManager(p, nil)
	_, _, err := caches.CreateOrReuse(context.Background(), key, cache.CreateRequest{
		Model:    "m",
		Contents: []provider.ContentRef{provider.TextContent("source")},
		TTL:      time.Hour,
	})
	require.NoError(t, err)
	b := chat.Binding{Model: "m", Thinking: provider.ThinkingLow, CacheKey: key}
	return chat.NewRegistry(p, caches, nil), caches, p, b
}

func TestEnsureChat_ReturnsSameHandle(t *testing.T) {
	ctx := context.Background()
	reg, _, p, b := setup(t)
	require.Equal(t, chat.StateAbsent, reg.State(key))

	first, err := reg.EnsureChat(ctx, key, b)
	require.NoError(t, err)
	require.Equal(t, chat.StateActive, reg.State(key))
	require.Zero(t, first.MessageCount)

	second, err := reg.EnsureChat(ctx, key, b)
	require.NoError(t, err)
	require.Equal(t, first.ProviderRef, second.ProviderRef)
	require.Equal(t, 1, p.Calls(fake.OpCreateChat))

	cfg, _, ok := p.Chat(first.ProviderRef)
	require.True(t, ok)
	require.Equal(t, first.CacheName, cfg.CacheName)
	require.Equal(t, provider.ThinkingLow, cfg.Thinking)
}

func TestSend_CountsMessagesAndKeepsHistory(t *testing.T) {
	ctx := context.Background()
	reg, _, _, b := setup(t)
	_, err := reg.EnsureChat(ctx, key, b)
	require.NoError(t, err)

	_, err = reg.Send(ctx, key, "first")
	require.NoError(t, err)
	reply, err := reg.Send(ctx, key, "second")
	require.NoError(t, err)
	require.Equal(t, "reply to: second", reply.Text)

	h, ok := reg.Get(key)
	require.True(t, ok)
	require.Equal(t, 2, h.MessageCount)

	history, err := reg.History(key)
	require.NoError(t, err)
	require.Len(t, history, 4)
	require.Equal(t, provider.Turn{Role: provider.RoleUser, Text: "first"}, history[0])
	require.Equal(t, provider.RoleModel, history[3].Role)
}

func TestSend_UnknownKey(t *testing.T) {
	reg, _, _, _ := setup(t)
	_, err := reg.Send(context.Background(), chat.Key{ProjectID: "p1", Stage: "write"}, "hi")
	require.ErrorIs(t, err, chat.ErrChatNotFound)

	_, err = reg.History(chat.Key{ProjectID: "p1", Stage: "write"})
	require.ErrorIs(t, err, chat.ErrChatNotFound)
}

func TestStaleChatIsRecreatedWithoutHistory(t *testing.T) {
	ctx := context.Background()
	reg, caches, p, b := setup(t)
	before, err := reg.EnsureChat(ctx, key, b)
	require.NoError(t, err)
	_, err = reg.Send(ctx, key, "remember this")
	require.NoError(t, err)

	restarted := chat.NewRegistry(p, caches, nil)
	restarted.Recover(map[chat.Key]chat.Binding{key: b})
	require.Equal(t, chat.StateStale, restarted.State(key))
	_, err = restarted.History(key)
	require.ErrorIs(t, err, chat.ErrChatNotFound)

	_, err = restarted.Send(ctx, key, "do you remember?")
	require.NoError(t, err)

	after, ok := restarted.Get(key)
	require.True(t, ok)
	require.NotEqual(t, before.ProviderRef, after.ProviderRef)
	require.Equal(t, before.CacheName, after.CacheName)
	require.Equal(t, 1, after.MessageCount)

	history, err := restarted.History(key)
	require.NoError(t, err)
	require.Len(t, history, 2)
}

func TestEnsureChat_RecreatesWhenCacheRotates(t *testing.T) {
	ctx := context.Background()
	reg, caches, p, b := setup(t)
	first, err := reg.EnsureChat(ctx, key, b)
	require.NoError(t, err)

	_, err = caches.Delete(ctx, key)
	require.NoError(t, err)
	_, err = reg.EnsureChat(ctx, key, b)
	require.ErrorIs(t, err, chat.ErrCacheUnavailable)

	_, _, err = caches.CreateOrReuse(ctx, key, cache.CreateRequest{Model: "m", TTL: time.Hour})
	require.NoError(t, err)
	second, err := reg.EnsureChat(ctx, key, b)
	require.NoError(t, err)
	require.NotEqual(t, first.CacheName, second.CacheName)
	require.NotEqual(t, first.ProviderRef, second.ProviderRef)

	_, _, open := p.Chat(first.ProviderRef)
	require.False(t, open, "replaced chat should be closed")
	require.Equal(t, 1, p.ChatCount())
}

func TestStream(t *testing.T) {
	ctx := context.Background()
	reg, _, p, b := setup(t)
	_, err := reg.EnsureChat(ctx, key, b)
	require.NoError(t, err)

	events, err := reg.Stream(ctx, key, "tell me")
	require.NoError(t, err)

	var text string
	var done *chat.Event
	for ev := range events {
		switch ev.Type {
		case provider.EventTextDelta:
			text += ev.TextDelta
		case provider.EventDone:
			e := ev
			done = &e
		case provider.EventError:
			t.Fatalf("unexpected error: %v", ev.Err)
		}
	}
	require.Equal(t, "reply to: tell me", text)
	require.NotNil(t, done)
	require.Equal(t, p.Usage, done.Usage)

	h, _ := reg.Get(key)
	require.Equal(t, 1, h.MessageCount)
}

func TestSendStructured_SchemaViolationIsNotCounted(t *testing.T) {
	ctx := context.Background()
	reg, _, p, b := setup(t)
	_, err := reg.EnsureChat(ctx, key, b)
	require.NoError(t, err)

	type verdict struct {
		Score int `json:"score"`
	}
	schema := provider.MustSchemaFor[verdict]("verdict")

	p.Structured = func(provider.Schema, string) string { return `{"score":"high"}` }
	_, _, err = reg.SendStructured(ctx, key, "rate it", schema)
	require.ErrorIs(t, err, provider.ErrSchemaViolation)

	p.Structured = func(provider.Schema, string) string { return `{"score":8}` }
	out, _, err := reg.SendStructured(ctx, key, "rate it", schema)
	require.NoError(t, err)
	require.JSONEq(t, `{"score":8}`, string(out))

	h, _ := reg.Get(key)
	require.Equal(t, 1, h.MessageCount)
}

func TestSend_ProviderFailureSurfaces(t *testing.T) {
	ctx := context.Background()
	reg, _, p, b := setup(t)
	_, err := reg.EnsureChat(ctx, key, b)
	require.NoError(t, err)

	boom := errors.New("503")
	p.Fail(fake.OpSend, boom)
	_, err = reg.Send(ctx, key, "hi")
	require.ErrorIs(t, err, boom)
}

func TestForget(t *testing.T) {
	ctx := context.Background()
	reg, _, p, b := setup(t)
	first, err := reg.EnsureChat(ctx, key, b)
	require.NoError(t, err)
	require.Equal(t, 1, p.ChatCount())

	reg.Forget("p1")
	require.Equal(t, chat.StateAbsent, reg.State(key))
	_, _, open := p.Chat(first.ProviderRef)
	require.False(t, open)
	require.Zero(t, p.ChatCount())
}

func TestSend_LostCacheSurfacesNotFound(t *testing.T) {
	ctx := context.Background()
	reg, caches, p, b := setup(t)
	h, err := reg.EnsureChat(ctx, key, b)
	require.NoError(t, err)

	p.DropCache(h.CacheName)
	_, err = reg.Send(ctx, key, "hi")
	require.ErrorIs(t, err, provider.ErrNotFound)

	require.True(t, caches.Invalidate(key, h.CacheName))
	_, err = reg.EnsureChat(ctx, key, b)
	require.ErrorIs(t, err, chat.ErrCacheUnavailable)
}
