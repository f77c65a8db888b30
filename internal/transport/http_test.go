package transport

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

type pinger struct{ err error }

func (p pinger) PingContext(context.Context) error { return p.err }

func TestRouter_MCP(t *testing.T) {
	var paths []string
	mcpHandler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		paths = append(paths, r.URL.Path)
		w.WriteHeader(http.StatusAccepted)
	})
	server := httptest.NewServer(NewRouter(mcpHandler, nil, nil))
	t.Cleanup(server.Close)

	for _, path := range []string{"/mcp", "/mcp/"} {
		req, err := http.NewRequest(http.MethodPost, server.URL+path, strings.NewReader(`{"jsonrpc":"2.0","method":"ping","id":1}`))
		require.NoError(t, err)
		req.Header.Set("Mcp-Session-Id", "sess1")
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		_ = resp.Body.Close()
		require.Equal(t, http.StatusAccepted, resp.StatusCode)
	}
	require.Equal(t, []string{"/mcp", "/mcp/"}, paths)

	resp, err := http.Get(server.URL + "/other")
	require.NoError(t, err)
	_ = resp.Body.Close()
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestRouter_Health(t *testing.T) {
	server := httptest.NewServer(NewRouter(http.NotFoundHandler(), pinger{}, nil))
	t.Cleanup(server.Close)

	resp, err := http.Get(server.URL + "/health")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "ok", string(body))

	down := httptest.NewServer(NewRouter(http.NotFoundHandler(), pinger{err: errors.New("closed")}, nil))
	t.Cleanup(down.Close)

	resp, err = http.Get(down.URL + "/health")
	require.NoError(t, err)
	_ = resp.Body.Close()
	require.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestRouter_RecoversPanics(t *testing.T) {
	boom := http.HandlerFunc(func(http.ResponseWriter, *http.Request) { panic("boom") })
	server := httptest.NewServer(NewRouter(boom, nil, nil))
	t.Cleanup(server.Close)

	resp, err := http.Post(server.URL+"/mcp", "application/json", strings.NewReader("{}"))
	require.NoError(t, err)
	_ = resp.Body.Close()
	require.Equal(t, http.StatusInternalServerError, resp.StatusCode)
}
