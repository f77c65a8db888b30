package provider_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rpggio/storyloom/internal/provider"
	"github.com/stretchr/testify/require"
)

func geminiServer(t *testing.T, captured *capturedRequests) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch {
		case r.Method == http.MethodPost && strings.HasSuffix(r.URL.Path, "/cachedContents"):
			captured.add(t, r)
			require.NoError(t, json.NewEncoder(w).Encode(map[string]any{
				"name":          "cachedContents/abc123",
				"model":         "models/gemini-test",
				"expireTime":    "2030-01-01T00:00:00Z",
				"usageMetadata": map[string]any{"totalTokenCount": 1234},
			}))
		case r.Method == http.MethodDelete && strings.Contains(r.URL.Path, "/cachedContents/"):
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"error":{"code":404,"message":"cache not found","status":"NOT_FOUND"}}`))
		case strings.HasSuffix(r.URL.Path, ":generateContent"):
			captured.add(t, r)
			require.NoError(t, json.NewEncoder(w).Encode(map[string]any{
				"candidates": []any{map[string]any{
					"content": map[string]any{"role": "model", "parts": []any{map[string]any{"text": "CUT TO:"}}},
				}},
				"usageMetadata": map[string]any{
					"promptTokenCount":        100,
					"cachedContentTokenCount": 90,
					"candidatesTokenCount":    5,
					"totalTokenCount":         105,
				},
			}))
		default:
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
			w.WriteHeader(http.StatusTeapot)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestGeminiProvider_CacheBoundChat(t *testing.T) {
	ctx := context.Background()
	captured := &capturedRequests{}
	srv := geminiServer(t, captured)
	p, err := provider.NewGeminiProvider(ctx, provider.GeminiConfig{APIKey: "k", BaseURL: srv.URL + "/"}, nil)
	require.NoError(t, err)

	info, err := p.CreateCache(ctx, provider.CacheRequest{
		Model:             "gemini-test",
		SystemInstruction: "You are a screenwriter.",
		Contents:          []provider.ContentRef{provider.TextContent("novel")},
		TTL:               time.Hour,
	})
	require.NoError(t, err)
	require.Equal(t, "cachedContents/abc123", info.Name)
	require.Equal(t, 1234, info.TokenCount)

	chatRef, err := p.CreateChat(ctx, provider.ChatConfig{Model: "gemini-test", CacheName: info.Name, Thinking: provider.ThinkingLow})
	require.NoError(t, err)
	reply, err := p.Send(ctx, chatRef, "Next scene.")
	require.NoError(t, err)
	require.Equal(t, "CUT TO:", reply.Text)
	require.Equal(t, 90, reply.Usage.CachedTokens)

	body := captured.last()
	require.Equal(t, "cachedContents/abc123", body["cachedContent"])
	require.Len(t, body["contents"], 1)

	_, err = p.Send(ctx, chatRef, "And another.")
	require.NoError(t, err)
	require.Len(t, captured.last()["contents"], 3)
}

func TestGeminiProvider_DeleteMissingCacheIsNotFound(t *testing.T) {
	ctx := context.Background()
	srv := geminiServer(t, &capturedRequests{})
	p, err := provider.NewGeminiProvider(ctx, provider.GeminiConfig{APIKey: "k", BaseURL: srv.URL + "/"}, nil)
	require.NoError(t, err)

	err = p.DeleteCache(ctx, "cachedContents/gone")
	require.ErrorIs(t, err, provider.ErrNotFound)
}
