// ABOUTME: Inbound message routing: dedupe, agent resolution, command
// ABOUTME: preprocessing, turn invocation, and throttled streaming back out.

package channel

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fernworks/hearth/internal/backend"
	"github.com/fernworks/hearth/internal/dedupe"
	"github.com/fernworks/hearth/internal/session"
	"github.com/fernworks/hearth/internal/store"
)

// noTextPlaceholder stands in for a turn that produced no visible text.
const noTextPlaceholder = "(the agent finished without producing a reply)"

// failureReply is the terminal message when a turn failed before any
// text accumulated.
const failureReply = "Something went wrong while handling your message. Please try again."

// Invoker runs one turn. *session.Service satisfies it in-process; the
// bridge binary satisfies it over the gateway protocol.
type Invoker interface {
	Invoke(ctx context.Context, req session.TurnRequest, ev backend.Events) error
}

// Config wires a Router.
type Config struct {
	Invoker       Invoker
	Store         store.Store   // optional; persistence is skipped when nil
	Dedupe        *dedupe.Cache // optional
	DefaultAgent  string
	KnownAgents   []string
	CommandPrefix string
	EditInterval  time.Duration
	Logger        *slog.Logger
}

// Router handles normalized inbound messages: fire-and-forget from the
// transport's view, with completion observed through the message's Ack.
type Router struct {
	invoker      Invoker
	store        store.Store
	dedupe       *dedupe.Cache
	defaultAgent string
	known        []string
	prefix       string
	editInterval time.Duration
	logger       *slog.Logger
}

func NewRouter(cfg Config) *Router {
	prefix := cfg.CommandPrefix
	if prefix == "" {
		prefix = "/agent"
	}
	interval := cfg.EditInterval
	if interval <= 0 {
		interval = 700 * time.Millisecond
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		invoker:      cfg.Invoker,
		store:        cfg.Store,
		dedupe:       cfg.Dedupe,
		defaultAgent: cfg.DefaultAgent,
		known:        cfg.KnownAgents,
		prefix:       prefix,
		editInterval: interval,
		logger:       logger.With("component", "router"),
	}
}

// Handle processes one inbound message end to end. It never leaves the
// transport without a terminal message and acknowledges exactly once.
func (r *Router) Handle(ctx context.Context, transport Transport, msg UnifiedMessage) {
	var ackOnce sync.Once
	ack := func() {
		ackOnce.Do(func() {
			if msg.Ack != nil {
				msg.Ack()
			}
		})
	}

	if r.dedupe != nil && msg.PlatformMessageID != "" {
		key := msg.Channel + ":" + msg.PlatformMessageID
		if r.dedupe.SeenOrMark(key) {
			r.logger.Debug("dropping redelivered message",
				"channel", msg.Channel, "platform_id", msg.PlatformMessageID)
			ack()
			return
		}
	}

	sessionID := SessionID(msg.Channel, msg.ThreadID)
	agentID := r.resolveAgent(ctx, sessionID)

	d := Preprocess(msg.Text, r.prefix, r.defaultAgent, r.known)
	if d.AgentID != "" {
		agentID = d.AgentID
	}
	if d.Switched {
		r.bindAgent(ctx, sessionID, agentID)
	}

	if d.Direct != "" {
		// Short-circuit: the command answered itself, no backend runs.
		r.persistUser(ctx, sessionID, agentID, msg.UserName, msg.Text)
		r.persistAssistant(ctx, sessionID, agentID, d.Direct)
		if err := transport.Send(ctx, msg.ThreadID, d.Direct); err != nil {
			r.logger.Error("sending command reply",
				"channel", msg.Channel, "thread", msg.ThreadID, "error", err)
		}
		ack()
		return
	}

	r.persistUser(ctx, sessionID, agentID, msg.UserName, d.Text)

	req := session.TurnRequest{
		BusinessID: sessionID,
		AgentID:    agentID,
		Kind:       store.SessionKindChat,
		Text:       d.Text,
	}

	if streamer, ok := transport.(Streamer); ok {
		if sink, err := streamer.SendStream(ctx, msg.ThreadID); err == nil {
			r.runStreaming(ctx, req, sink, ack)
			return
		} else {
			r.logger.Warn("opening stream failed, falling back to single send",
				"channel", msg.Channel, "thread", msg.ThreadID, "error", err)
		}
	}
	r.runCollected(ctx, req, transport, msg.ThreadID, ack)
}

// runStreaming forwards turn output to an edit-in-place sink, throttled
// so bursts of deltas collapse into fewer transport calls.
func (r *Router) runStreaming(ctx context.Context, req session.TurnRequest, sink StreamSink, ack func()) {
	var mu sync.Mutex
	var acc strings.Builder

	throttle := NewThrottle(r.editInterval, func(text string) {
		if err := sink.OnChunk(text); err != nil {
			r.logger.Warn("stream edit failed", "session", req.BusinessID, "error", err)
		}
	})

	var doneOnce sync.Once
	finish := func(final string) {
		doneOnce.Do(func() {
			throttle.Stop()
			final = strings.TrimSpace(final)
			if final == "" {
				mu.Lock()
				final = strings.TrimSpace(acc.String())
				mu.Unlock()
			}
			if final == "" {
				final = noTextPlaceholder
			}
			r.persistAssistant(ctx, req.BusinessID, req.AgentID, final)
			if err := sink.OnDone(final); err != nil {
				r.logger.Error("terminal stream send failed",
					"session", req.BusinessID, "error", err)
			}
			// Acknowledge only after the terminal callback settled.
			ack()
		})
	}

	ev := backend.Events{
		OnChunk: func(delta string, thinking bool) {
			if thinking || delta == "" {
				return
			}
			mu.Lock()
			acc.WriteString(delta)
			current := acc.String()
			mu.Unlock()
			throttle.Update(current)
		},
		OnTurnEnd: func(*backend.Usage) {
			// A turn boundary always shows the freshest text.
			throttle.FlushNow()
			mu.Lock()
			current := acc.String()
			mu.Unlock()
			if err := sink.OnTurnEnd(current); err != nil {
				r.logger.Warn("turn boundary send failed", "session", req.BusinessID, "error", err)
			}
		},
		OnDone: finish,
	}

	if err := r.invoker.Invoke(ctx, req, ev); err != nil {
		r.logger.Error("turn failed", "session", req.BusinessID, "agent", req.AgentID, "error", err)
		// The invoker normally terminated through OnDone already; this
		// is the backstop for one that did not.
		mu.Lock()
		partial := strings.TrimSpace(acc.String())
		mu.Unlock()
		if partial == "" {
			partial = failureReply
		}
		finish(partial)
	}
}

// runCollected waits for the full reply and sends it once.
func (r *Router) runCollected(ctx context.Context, req session.TurnRequest, transport Transport, threadID string, ack func()) {
	var mu sync.Mutex
	var final string

	err := r.invoker.Invoke(ctx, req, backend.Events{
		OnDone: func(text string) {
			mu.Lock()
			final = text
			mu.Unlock()
		},
	})

	mu.Lock()
	text := strings.TrimSpace(final)
	mu.Unlock()
	if text == "" {
		if err != nil {
			text = failureReply
		} else {
			text = noTextPlaceholder
		}
	}
	if err != nil {
		r.logger.Error("turn failed", "session", req.BusinessID, "agent", req.AgentID, "error", err)
	}

	r.persistAssistant(ctx, req.BusinessID, req.AgentID, text)
	if sendErr := transport.Send(ctx, threadID, text); sendErr != nil {
		r.logger.Error("terminal send failed", "session", req.BusinessID, "error", sendErr)
	}
	ack()
}

// resolveAgent returns the stored binding for a session, else the
// channel default.
func (r *Router) resolveAgent(ctx context.Context, sessionID string) string {
	if r.store != nil {
		if sess, err := r.store.GetSession(ctx, sessionID); err == nil && sess.AgentID != "" {
			return sess.AgentID
		}
	}
	return r.defaultAgent
}

func (r *Router) bindAgent(ctx context.Context, sessionID, agentID string) {
	if r.store == nil {
		return
	}
	now := time.Now()
	if err := r.store.UpsertSession(ctx, &store.Session{
		ID: sessionID, AgentID: agentID, Kind: store.SessionKindChat,
		CreatedAt: now, LastActiveAt: now,
	}); err != nil {
		r.logger.Warn("binding agent", "session", sessionID, "agent", agentID, "error", err)
	}
}

func (r *Router) persistUser(ctx context.Context, sessionID, agentID, author, text string) {
	if r.store == nil || text == "" {
		return
	}
	now := time.Now()
	if err := r.store.UpsertSession(ctx, &store.Session{
		ID: sessionID, AgentID: agentID, Kind: store.SessionKindChat,
		CreatedAt: now, LastActiveAt: now,
	}); err != nil {
		r.logger.Warn("persisting session", "session", sessionID, "error", err)
	}
	if err := r.store.SaveMessage(ctx, &store.Message{
		ID: uuid.NewString(), SessionID: sessionID,
		Role: store.RoleUser, Author: author, Content: text, CreatedAt: now,
	}); err != nil {
		r.logger.Warn("persisting user message", "session", sessionID, "error", err)
	}
}

func (r *Router) persistAssistant(ctx context.Context, sessionID, agentID, text string) {
	if r.store == nil || text == "" {
		return
	}
	if err := r.store.SaveMessage(ctx, &store.Message{
		ID: uuid.NewString(), SessionID: sessionID,
		Role: store.RoleAssistant, Author: agentID, Content: text, CreatedAt: time.Now(),
	}); err != nil {
		r.logger.Warn("persisting assistant message", "session", sessionID, "error", err)
	}
}
