package provider_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rpggio/storyloom/internal/provider"
	"github.com/stretchr/testify/require"
)

type capturedRequests struct {
	mu     sync.Mutex
	bodies []map[string]any
}

func (c *capturedRequests) add(t *testing.T, r *http.Request) map[string]any {
	data, err := io.ReadAll(r.Body)
	require.NoError(t, err)
	var body map[string]any
	require.NoError(t, json.Unmarshal(data, &body))
	c.mu.Lock()
	c.bodies = append(c.bodies, body)
	c.mu.Unlock()
	return body
}

func (c *capturedRequests) last() map[string]any {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.bodies[len(c.bodies)-1]
}

func openAIServer(t *testing.T, content string, captured *capturedRequests) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.True(t, strings.HasSuffix(r.URL.Path, "/chat/completions"))
		captured.add(t, r)
		w.Header().Set("Content-Type", "application/json")
		resp := map[string]any{
			"id":      "chatcmpl-1",
			"object":  "chat.completion",
			"created": 1,
			"model":   "gpt-test",
			"choices": []any{map[string]any{
				"index":         0,
				"finish_reason": "stop",
				"message":       map[string]any{"role": "assistant", "content": content},
			}},
			"usage": map[string]any{
				"prompt_tokens":         100,
				"completion_tokens":     10,
				"total_tokens":          110,
				"prompt_tokens_details": map[string]any{"cached_tokens": 80},
			},
		}
		require.NoError(t, json.NewEncoder(w).Encode(resp))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestOpenAIProvider_CachedChatReplaysHistory(t *testing.T) {
	ctx := context.Background()
	captured := &capturedRequests{}
	srv := openAIServer(t, "FADE IN.", captured)
	p := provider.NewOpenAIProvider(provider.OpenAIConfig{APIKey: "k", BaseURL: srv.URL + "/"}, nil, nil)

	ref, err := p.Upload(ctx, provider.UploadRequest{Data: []byte("A lighthouse keeper."), DisplayName: "logline.txt", MIMEType: "text/plain"})
	require.NoError(t, err)

	info, err := p.CreateCache(ctx, provider.CacheRequest{
		Model:             "gpt-test",
		SystemInstruction: "You are a screenwriter.",
		Contents:          []provider.ContentRef{ref},
		TTL:               time.Hour,
	})
	require.NoError(t, err)
	require.NotEmpty(t, info.Name)
	require.Positive(t, info.TokenCount)

	chatRef, err := p.CreateChat(ctx, provider.ChatConfig{Model: "gpt-test", CacheName: info.Name})
	require.NoError(t, err)

	reply, err := p.Send(ctx, chatRef, "Write the opening.")
	require.NoError(t, err)
	require.Equal(t, "FADE IN.", reply.Text)
	require.Equal(t, provider.Usage{PromptTokens: 100, CachedTokens: 80, OutputTokens: 10, TotalTokens: 110}, reply.Usage)

	msgs := captured.last()["messages"].([]any)
	require.Len(t, msgs, 2)
	system := msgs[0].(map[string]any)
	require.Equal(t, "system", system["role"])
	require.Contains(t, system["content"], "You are a screenwriter.")
	require.Contains(t, system["content"], "A lighthouse keeper.")

	_, err = p.Send(ctx, chatRef, "Continue.")
	require.NoError(t, err)
	msgs = captured.last()["messages"].([]any)
	require.Len(t, msgs, 4)
	require.Equal(t, "assistant", msgs[2].(map[string]any)["role"])
}

func TestOpenAIProvider_SendStructured(t *testing.T) {
	ctx := context.Background()
	schema := provider.MustSchemaFor[beat]("beat sheet")

	captured := &capturedRequests{}
	srv := openAIServer(t, `{"title":"Midpoint","page":55}`, captured)
	p := provider.NewOpenAIProvider(provider.OpenAIConfig{APIKey: "k", BaseURL: srv.URL + "/"}, nil, nil)

	chatRef, err := p.CreateChat(ctx, provider.ChatConfig{Model: "gpt-test"})
	require.NoError(t, err)
	out, _, err := p.SendStructured(ctx, chatRef, "Give me the midpoint.", schema)
	require.NoError(t, err)
	require.JSONEq(t, `{"title":"Midpoint","page":55}`, string(out))

	format := captured.last()["response_format"].(map[string]any)
	require.Equal(t, "json_schema", format["type"])
	require.Equal(t, "beat_sheet", format["json_schema"].(map[string]any)["name"])
}

func TestOpenAIProvider_SendStructuredRejectsInvalid(t *testing.T) {
	ctx := context.Background()
	srv := openAIServer(t, `not json`, &capturedRequests{})
	p := provider.NewOpenAIProvider(provider.OpenAIConfig{APIKey: "k", BaseURL: srv.URL + "/"}, nil, nil)

	chatRef, err := p.CreateChat(ctx, provider.ChatConfig{Model: "gpt-test"})
	require.NoError(t, err)
	_, _, err = p.SendStructured(ctx, chatRef, "x", provider.MustSchemaFor[beat]("beat"))
	require.ErrorIs(t, err, provider.ErrSchemaViolation)
}

func TestOpenAIProvider_UnknownChatAndCache(t *testing.T) {
	ctx := context.Background()
	p := provider.NewOpenAIProvider(provider.OpenAIConfig{APIKey: "k"}, nil, nil)

	_, err := p.Send(ctx, "chats/missing", "hi")
	require.ErrorIs(t, err, provider.ErrChatNotFound)

	_, err = p.CreateChat(ctx, provider.ChatConfig{Model: "m", CacheName: "cachedContents/missing"})
	require.ErrorIs(t, err, provider.ErrNotFound)

	require.ErrorIs(t, p.DeleteCache(ctx, "cachedContents/missing"), provider.ErrNotFound)
}

func TestOpenAIProvider_CountTokensByCharacter(t *testing.T) {
	p := provider.NewOpenAIProvider(provider.OpenAIConfig{APIKey: "k"}, nil, nil)

	n, err := p.CountTokens(context.Background(), "gpt-test", strings.Repeat("ğ", 40))
	require.NoError(t, err)
	require.Equal(t, 10, n)
}

func TestOpenAIProvider_CloseChatDropsTurns(t *testing.T) {
	ctx := context.Background()
	captured := &capturedRequests{}
	srv := openAIServer(t, "FADE IN.", captured)
	p := provider.NewOpenAIProvider(provider.OpenAIConfig{APIKey: "k", BaseURL: srv.URL + "/"}, nil, nil)

	chatRef, err := p.CreateChat(ctx, provider.ChatConfig{Model: "gpt-test"})
	require.NoError(t, err)
	_, err = p.Send(ctx, chatRef, "Write the opening.")
	require.NoError(t, err)

	p.CloseChat(chatRef)
	_, err = p.Send(ctx, chatRef, "Again.")
	require.ErrorIs(t, err, provider.ErrChatNotFound)
	p.CloseChat(chatRef)
}
