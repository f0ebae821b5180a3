// ABOUTME: Tests for end-to-end inbound routing: dedupe, agent resolution,
// ABOUTME: commands, streaming vs single send, failure paths, and acking.

package channel

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fernworks/hearth/internal/backend"
	"github.com/fernworks/hearth/internal/dedupe"
	"github.com/fernworks/hearth/internal/session"
	"github.com/fernworks/hearth/internal/store"
)

// fakeInvoker scripts turn outcomes and records requests.
type fakeInvoker struct {
	mu     sync.Mutex
	reqs   []session.TurnRequest
	chunks []string
	final  string
	err    error
}

func (f *fakeInvoker) Invoke(ctx context.Context, req session.TurnRequest, ev backend.Events) error {
	f.mu.Lock()
	f.reqs = append(f.reqs, req)
	f.mu.Unlock()

	for _, c := range f.chunks {
		ev.Chunk(c, false)
	}
	ev.TurnEnd(nil)
	if f.err != nil {
		// Mirror the session service: a failed turn still terminates.
		ev.Done(f.final)
		return f.err
	}
	ev.Done(f.final)
	return nil
}

func (f *fakeInvoker) requests() []session.TurnRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]session.TurnRequest(nil), f.reqs...)
}

// plainTransport records single sends; it does not stream.
type plainTransport struct {
	mu    sync.Mutex
	sends []string
}

func (t *plainTransport) Name() string { return "fake" }

func (t *plainTransport) Send(_ context.Context, threadID, text string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sends = append(t.sends, text)
	return nil
}

func (t *plainTransport) sent() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.sends...)
}

// streamTransport also exposes an edit-in-place sink.
type streamTransport struct {
	plainTransport
	sink *fakeSink
}

func (t *streamTransport) SendStream(context.Context, string) (StreamSink, error) {
	return t.sink, nil
}

type fakeSink struct {
	mu       sync.Mutex
	edits    []string
	turnEnds []string
	dones    []string
}

func (s *fakeSink) OnChunk(acc string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.edits = append(s.edits, acc)
	return nil
}

func (s *fakeSink) OnTurnEnd(acc string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.turnEnds = append(s.turnEnds, acc)
	return nil
}

func (s *fakeSink) OnDone(final string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dones = append(s.dones, final)
	return nil
}

func newRouter(inv Invoker, st store.Store, d *dedupe.Cache) *Router {
	return NewRouter(Config{
		Invoker:      inv,
		Store:        st,
		Dedupe:       d,
		DefaultAgent: "helper",
		KnownAgents:  []string{"helper", "coder"},
		EditInterval: 5 * time.Millisecond,
		Logger:       slog.Default(),
	})
}

func inbound(text string, ack func()) UnifiedMessage {
	return UnifiedMessage{
		Channel:           "feishu",
		ThreadID:          "T1",
		UserID:            "u1",
		UserName:          "alice",
		Text:              text,
		PlatformMessageID: "m-" + text,
		Ack:               ack,
	}
}

func TestHandleDefaultAgentSingleSend(t *testing.T) {
	// Scenario: no prior binding; the channel default answers and the
	// transport receives exactly one terminal send with non-empty text.
	inv := &fakeInvoker{final: "hello back"}
	tr := &plainTransport{}
	var acks atomic.Int32

	r := newRouter(inv, nil, nil)
	r.Handle(context.Background(), tr, inbound("hello", func() { acks.Add(1) }))

	reqs := inv.requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, "channel:feishu:T1", reqs[0].BusinessID)
	assert.Equal(t, "helper", reqs[0].AgentID)
	assert.Equal(t, "hello", reqs[0].Text)

	assert.Equal(t, []string{"hello back"}, tr.sent())
	assert.Equal(t, int32(1), acks.Load())
}

func TestHandleStoredBindingWins(t *testing.T) {
	st, err := store.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	defer st.Close()

	now := time.Now()
	require.NoError(t, st.UpsertSession(context.Background(), &store.Session{
		ID: "channel:feishu:T1", AgentID: "coder", Kind: store.SessionKindChat,
		CreatedAt: now, LastActiveAt: now,
	}))

	inv := &fakeInvoker{final: "ok"}
	r := newRouter(inv, st, nil)
	r.Handle(context.Background(), &plainTransport{}, inbound("hi", nil))

	reqs := inv.requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, "coder", reqs[0].AgentID)
}

func TestHandleStreamingThrottledEdits(t *testing.T) {
	inv := &fakeInvoker{chunks: []string{"a", "b", "c"}, final: "abc"}
	tr := &streamTransport{sink: &fakeSink{}}
	var acks atomic.Int32

	r := newRouter(inv, nil, nil)
	r.Handle(context.Background(), tr, inbound("go", func() { acks.Add(1) }))

	sink := tr.sink
	sink.mu.Lock()
	defer sink.mu.Unlock()

	require.Equal(t, []string{"abc"}, sink.dones)
	require.Len(t, sink.turnEnds, 1)
	assert.Equal(t, "abc", sink.turnEnds[0],
		"the turn boundary reflects the full accumulated text")
	assert.Empty(t, tr.sent(), "streaming path never falls back to Send")
	assert.Equal(t, int32(1), acks.Load(), "ack fires after the terminal callback")
}

func TestHandleStreamingNoTextGetsPlaceholder(t *testing.T) {
	inv := &fakeInvoker{final: ""}
	tr := &streamTransport{sink: &fakeSink{}}

	r := newRouter(inv, nil, nil)
	r.Handle(context.Background(), tr, inbound("go", nil))

	tr.sink.mu.Lock()
	defer tr.sink.mu.Unlock()
	require.Len(t, tr.sink.dones, 1)
	assert.Equal(t, noTextPlaceholder, tr.sink.dones[0])
}

func TestHandleFailureStillSendsTerminal(t *testing.T) {
	inv := &fakeInvoker{err: fmt.Errorf("backend exploded"), final: "partial text"}
	tr := &plainTransport{}
	var acks atomic.Int32

	r := newRouter(inv, nil, nil)
	r.Handle(context.Background(), tr, inbound("go", func() { acks.Add(1) }))

	sends := tr.sent()
	require.Len(t, sends, 1)
	assert.Equal(t, "partial text", sends[0])
	assert.Equal(t, int32(1), acks.Load(), "ack still fires so the platform stops retrying")
}

func TestHandleFailureWithoutTextSendsGenericReply(t *testing.T) {
	inv := &fakeInvoker{err: fmt.Errorf("backend exploded")}
	tr := &plainTransport{}

	r := newRouter(inv, nil, nil)
	r.Handle(context.Background(), tr, inbound("go", nil))

	sends := tr.sent()
	require.Len(t, sends, 1)
	assert.Equal(t, failureReply, sends[0])
}

func TestHandleDedupe(t *testing.T) {
	d := dedupe.New(time.Minute, 100)
	defer d.Close()

	inv := &fakeInvoker{final: "ok"}
	tr := &plainTransport{}
	var acks atomic.Int32

	r := newRouter(inv, nil, d)
	msg := inbound("same message", func() { acks.Add(1) })
	r.Handle(context.Background(), tr, msg)
	r.Handle(context.Background(), tr, msg)

	assert.Len(t, inv.requests(), 1, "a redelivered message runs one turn")
	assert.Len(t, tr.sent(), 1)
	assert.Equal(t, int32(2), acks.Load(), "both deliveries still get acknowledged")
}

func TestHandleBareCommandShortCircuits(t *testing.T) {
	inv := &fakeInvoker{}
	tr := &plainTransport{}
	var acks atomic.Int32

	r := newRouter(inv, nil, nil)
	r.Handle(context.Background(), tr, inbound("/agent", func() { acks.Add(1) }))

	assert.Empty(t, inv.requests(), "the confirmation never touches a backend")
	sends := tr.sent()
	require.Len(t, sends, 1)
	assert.Contains(t, sends[0], "helper")
	assert.Equal(t, int32(1), acks.Load())
}

func TestHandleUnknownAgentShortCircuits(t *testing.T) {
	inv := &fakeInvoker{}
	tr := &plainTransport{}

	r := newRouter(inv, nil, nil)
	r.Handle(context.Background(), tr, inbound("/agent ghost hello", nil))

	assert.Empty(t, inv.requests())
	sends := tr.sent()
	require.Len(t, sends, 1)
	assert.Contains(t, sends[0], "not found")
}

func TestHandleSwitchRebindsAndForwards(t *testing.T) {
	st, err := store.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	defer st.Close()

	inv := &fakeInvoker{final: "done"}
	tr := &plainTransport{}

	r := newRouter(inv, st, nil)
	r.Handle(context.Background(), tr, inbound("/agent coder fix it", nil))

	reqs := inv.requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, "coder", reqs[0].AgentID)
	assert.Equal(t, "fix it", reqs[0].Text, "the raw prefix never reaches the backend")

	sess, err := st.GetSession(context.Background(), "channel:feishu:T1")
	require.NoError(t, err)
	assert.Equal(t, "coder", sess.AgentID, "the binding persists for later messages")
}

func TestHandlePersistsExchange(t *testing.T) {
	st, err := store.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	defer st.Close()

	inv := &fakeInvoker{final: "the answer"}
	r := newRouter(inv, st, nil)
	r.Handle(context.Background(), &plainTransport{}, inbound("the question", nil))

	msgs, err := st.GetMessages(context.Background(), "channel:feishu:T1", 0)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, store.RoleUser, msgs[0].Role)
	assert.Equal(t, "the question", msgs[0].Content)
	assert.Equal(t, store.RoleAssistant, msgs[1].Role)
	assert.Equal(t, "the answer", msgs[1].Content)
}
