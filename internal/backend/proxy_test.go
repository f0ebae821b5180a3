// ABOUTME: Tests for the proxy runner against a stubbed SSE backend service.
// ABOUTME: Verifies session reuse, event dispatch ordering, and error surfacing.

package backend

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubService emulates the proxy backend's HTTP surface.
func stubService(t *testing.T, sessionCount *atomic.Int32, stream string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/v1/sessions":
			sessionCount.Add(1)
			w.Header().Set("Content-Type", "application/json")
			fmt.Fprint(w, `{"id":"remote-1"}`)
		case r.Method == http.MethodPost && r.URL.Path == "/v1/sessions/remote-1/messages":
			assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
			w.Header().Set("Content-Type", "text/event-stream")
			fmt.Fprint(w, stream)
		default:
			http.NotFound(w, r)
		}
	}))
}

func testProfile(baseURL string) *Profile {
	return &Profile{
		AgentID:  "helper",
		Provider: "anthropic",
		Model:    "claude-sonnet",
		APIKey:   "sk-test",
		Runner:   RunnerProxy,
		BaseURL:  baseURL,
	}
}

func TestProxyRunStreamsEvents(t *testing.T) {
	stream := "event: chunk\n" +
		"data: {\"text\":\"Hel\"}\n\n" +
		"event: chunk\n" +
		"data: {\"text\":\"lo\"}\n\n" +
		"event: tool\n" +
		"data: {\"phase\":\"start\",\"call_id\":\"c1\",\"name\":\"search\"}\n\n" +
		"event: tool\n" +
		"data: {\"phase\":\"end\",\"call_id\":\"c1\",\"name\":\"search\",\"result\":\"ok\"}\n\n" +
		"event: turn_end\n" +
		"data: {\"usage\":{\"input_tokens\":10,\"output_tokens\":4}}\n\n" +
		"event: done\n" +
		"data: {\"text\":\"Hello\"}\n\n"

	var sessions atomic.Int32
	srv := stubService(t, &sessions, stream)
	defer srv.Close()

	b := newProxyBackend(testProfile(srv.URL), slog.Default())
	defer b.Close()

	var chunks []string
	var tools []ToolEvent
	var usage *Usage
	var final string

	err := b.Run(context.Background(), "hi", Events{
		OnChunk:   func(delta string, _ bool) { chunks = append(chunks, delta) },
		OnTool:    func(ev ToolEvent) { tools = append(tools, ev) },
		OnTurnEnd: func(u *Usage) { usage = u },
		OnDone:    func(text string) { final = text },
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"Hel", "lo"}, chunks)
	require.Len(t, tools, 2)
	assert.Equal(t, ToolStart, tools[0].Phase)
	assert.Equal(t, ToolEnd, tools[1].Phase)
	assert.Equal(t, "ok", tools[1].Result)
	require.NotNil(t, usage)
	assert.Equal(t, 10, usage.InputTokens)
	assert.Equal(t, "Hello", final)
}

func TestProxyReusesRemoteSession(t *testing.T) {
	stream := "event: done\ndata: {\"text\":\"ok\"}\n\n"

	var sessions atomic.Int32
	srv := stubService(t, &sessions, stream)
	defer srv.Close()

	b := newProxyBackend(testProfile(srv.URL), slog.Default())
	defer b.Close()

	require.NoError(t, b.Run(context.Background(), "first", Events{}))
	require.NoError(t, b.Run(context.Background(), "second", Events{}))
	assert.Equal(t, int32(1), sessions.Load(), "remote session should be created once")
}

func TestProxyErrorEvent(t *testing.T) {
	stream := "event: chunk\ndata: {\"text\":\"partial\"}\n\n" +
		"event: error\ndata: {\"error\":\"model overloaded\"}\n\n"

	var sessions atomic.Int32
	srv := stubService(t, &sessions, stream)
	defer srv.Close()

	b := newProxyBackend(testProfile(srv.URL), slog.Default())
	defer b.Close()

	var doneCalled bool
	err := b.Run(context.Background(), "hi", Events{
		OnDone: func(string) { doneCalled = true },
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "model overloaded")
	assert.False(t, doneCalled, "done must not fire on an errored turn")
}

func TestProxyTruncatedStream(t *testing.T) {
	stream := "event: chunk\ndata: {\"text\":\"partial\"}\n\n"

	var sessions atomic.Int32
	srv := stubService(t, &sessions, stream)
	defer srv.Close()

	b := newProxyBackend(testProfile(srv.URL), slog.Default())
	defer b.Close()

	err := b.Run(context.Background(), "hi", Events{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "without done")
}

func TestProxySessionCreationFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		fmt.Fprint(w, `{"error":"bad key"}`)
	}))
	defer srv.Close()

	b := newProxyBackend(testProfile(srv.URL), slog.Default())
	defer b.Close()

	err := b.Run(context.Background(), "hi", Events{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad key")
}
