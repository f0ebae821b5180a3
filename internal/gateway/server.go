// ABOUTME: Gateway server: HTTP lifecycle, WebSocket accept, and turn dispatch.
// ABOUTME: Runs turns through the session service and fans events to subscribers.

package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fernworks/hearth/internal/backend"
	"github.com/fernworks/hearth/internal/config"
	"github.com/fernworks/hearth/internal/session"
	"github.com/fernworks/hearth/internal/store"
)

// Server exposes the gateway protocol over /ws plus the HTTP surface
// for health checks and scheduled-task triggers.
type Server struct {
	cfg         *config.Config
	svc         *session.Service
	store       store.Store
	broadcaster *Broadcaster
	httpServer  *http.Server
	logger      *slog.Logger

	mu          sync.Mutex
	activeTurns map[string]map[string]context.CancelFunc // composite key -> turn id -> cancel
}

// New wires a server from its dependencies. The store may be nil in
// tests; persistence is then skipped.
func New(cfg *config.Config, svc *session.Service, st store.Store, logger *slog.Logger) *Server {
	s := &Server{
		cfg:         cfg,
		svc:         svc,
		store:       st,
		broadcaster: NewBroadcaster(logger),
		logger:      logger.With("component", "gateway"),
		activeTurns: make(map[string]map[string]context.CancelFunc),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/health/ready", s.handleReady)
	mux.HandleFunc("/run-scheduled-task", s.handleRunScheduledTask)
	mux.HandleFunc("/ws", s.handleWebSocket)

	s.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler returns the HTTP handler, for tests that mount it directly.
func (s *Server) Handler() http.Handler { return s.httpServer.Handler }

// Run starts the HTTP server and blocks until ctx is cancelled or the
// server fails. Returns nil on graceful shutdown.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Server.HTTPAddr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.cfg.Server.HTTPAddr, err)
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("gateway listening", "addr", ln.Addr().String())
		if err := s.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()

	var serverErr error
	select {
	case <-ctx.Done():
		s.logger.Info("context canceled, initiating shutdown")
	case serverErr = <-errCh:
		s.logger.Error("server error", "error", serverErr)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	shutdownErr := s.Shutdown(shutdownCtx)

	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// Shutdown stops the HTTP server, cancels in-flight turns, and disposes
// every live backend best-effort.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down gateway")

	err := s.httpServer.Shutdown(ctx)

	s.mu.Lock()
	for _, turns := range s.activeTurns {
		for _, cancel := range turns {
			cancel()
		}
	}
	s.mu.Unlock()

	s.broadcaster.Close()
	s.svc.Registry().Clear()

	if err != nil {
		return fmt.Errorf("HTTP shutdown: %w", err)
	}
	return nil
}

// runTurn executes one turn, publishing its events to session
// subscribers and persisting the exchanged messages. The turn runs on a
// detached context so a dropped originating connection does not kill it
// for other watchers.
func (s *Server) runTurn(businessID, agentID string, kind store.SessionKind, text string, hints session.Hints) {
	ctx, cancel := context.WithCancel(context.Background())
	key := session.Key(businessID, agentID)
	turnID := uuid.NewString()

	// A key can hold several turns at once: one running plus any queued
	// behind it. All of them must be cancellable.
	s.mu.Lock()
	turns := s.activeTurns[key]
	if turns == nil {
		turns = make(map[string]context.CancelFunc)
		s.activeTurns[key] = turns
	}
	turns[turnID] = cancel
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		if turns := s.activeTurns[key]; turns != nil {
			delete(turns, turnID)
			if len(turns) == 0 {
				delete(s.activeTurns, key)
			}
		}
		s.mu.Unlock()
		cancel()
	}()

	s.persistInbound(ctx, businessID, agentID, kind, text)

	ev := backend.Events{
		OnChunk: func(delta string, thinking bool) {
			s.broadcaster.Publish(businessID, &Event{Name: EventChunk, Payload: &ChunkPayload{
				SessionID: businessID, AgentID: agentID, Delta: delta, Thinking: thinking,
			}})
		},
		OnTool: func(te backend.ToolEvent) {
			s.broadcaster.Publish(businessID, &Event{Name: EventTool, Payload: &ToolPayload{
				SessionID: businessID, Type: string(te.Phase), CallID: te.CallID,
				Name: te.Name, Args: te.Args, Result: te.Result, IsError: te.IsError,
			}})
		},
		OnTurnEnd: func(usage *backend.Usage) {
			payload := &TurnEndPayload{SessionID: businessID, AgentID: agentID, Usage: usage}
			s.broadcaster.Publish(businessID, &Event{Name: EventTurnEnd, Payload: payload})
			s.broadcaster.Publish(businessID, &Event{Name: EventTurnEndAlias, Payload: payload})
		},
		OnDone: func(final string) {
			s.persistReply(businessID, agentID, final)
			payload := &EndPayload{SessionID: businessID, AgentID: agentID, FinalText: final}
			s.broadcaster.Publish(businessID, &Event{Name: EventEnd, Payload: payload})
			s.broadcaster.Publish(businessID, &Event{Name: EventEndAlias, Payload: payload})
		},
	}

	if err := s.svc.Invoke(ctx, session.TurnRequest{
		BusinessID: businessID,
		AgentID:    agentID,
		Kind:       kind,
		Text:       text,
		Hints:      hints,
	}, ev); err != nil {
		s.logger.Error("turn failed", "session", businessID, "agent", agentID, "error", err)
	}
}

// cancelTurns aborts every in-flight turn for a business session.
func (s *Server) cancelTurns(businessID string) bool {
	prefix := businessID + "::"

	s.mu.Lock()
	defer s.mu.Unlock()

	cancelled := false
	for key, turns := range s.activeTurns {
		if len(key) >= len(prefix) && key[:len(prefix)] == prefix {
			for _, cancel := range turns {
				cancel()
				cancelled = true
			}
		}
	}
	return cancelled
}

func (s *Server) persistInbound(ctx context.Context, businessID, agentID string, kind store.SessionKind, text string) {
	if s.store == nil {
		return
	}
	now := time.Now()
	if err := s.store.UpsertSession(ctx, &store.Session{
		ID: businessID, AgentID: agentID, Kind: kind,
		CreatedAt: now, LastActiveAt: now,
	}); err != nil {
		s.logger.Warn("persisting session", "session", businessID, "error", err)
	}
	if err := s.store.SaveMessage(ctx, &store.Message{
		ID: uuid.NewString(), SessionID: businessID,
		Role: store.RoleUser, Author: "client", Content: text, CreatedAt: now,
	}); err != nil {
		s.logger.Warn("persisting inbound message", "session", businessID, "error", err)
	}
}

func (s *Server) persistReply(businessID, agentID, final string) {
	if s.store == nil || final == "" {
		return
	}
	// The turn context may already be cancelled; persistence gets its own.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.store.SaveMessage(ctx, &store.Message{
		ID: uuid.NewString(), SessionID: businessID,
		Role: store.RoleAssistant, Author: agentID, Content: final, CreatedAt: time.Now(),
	}); err != nil {
		s.logger.Warn("persisting assistant reply", "session", businessID, "error", err)
	}
}

// resolveAgent picks the active agent for a session: explicit choice,
// then the stored binding, then the configured default.
func (s *Server) resolveAgent(ctx context.Context, businessID, explicit string) string {
	if explicit != "" {
		return explicit
	}
	if s.store != nil {
		if sess, err := s.store.GetSession(ctx, businessID); err == nil && sess.AgentID != "" {
			return sess.AgentID
		}
	}
	return s.cfg.Agents.Default
}
