// ABOUTME: Turn runner over the registry: serialization, timeouts, and the
// ABOUTME: single terminal-callback guarantee for every accepted turn.

package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/fernworks/hearth/internal/backend"
	"github.com/fernworks/hearth/internal/store"
)

// TurnRequest describes one turn to run.
type TurnRequest struct {
	BusinessID string
	AgentID    string
	Kind       store.SessionKind
	Text       string
	Hints      Hints
}

// Service runs turns against registry backends. It guarantees that the
// OnDone callback fires exactly once per accepted turn, that a turn
// producing text but no chunks still yields one synthesized chunk, and
// that turns for one (session, agent) pair queue rather than interleave.
type Service struct {
	registry *Registry
	timeout  time.Duration
	logger   *slog.Logger
}

// NewService creates a turn runner. timeout bounds one full turn;
// zero means no bound.
func NewService(registry *Registry, timeout time.Duration, logger *slog.Logger) *Service {
	return &Service{
		registry: registry,
		timeout:  timeout,
		logger:   logger.With("component", "session.service"),
	}
}

// Registry exposes the underlying registry for lifecycle management.
func (s *Service) Registry() *Registry { return s.registry }

// ephemeral session kinds never outlive a single turn.
func ephemeral(kind store.SessionKind) bool {
	return kind == store.SessionKindScheduled || kind == store.SessionKindSystem
}

// Invoke runs one turn, streaming output through ev. Whatever the
// outcome (success, provisioning failure, backend error, timeout, or
// cancellation), ev.OnDone fires exactly once before Invoke returns.
// The returned error still reports failures to the caller.
func (s *Service) Invoke(ctx context.Context, req TurnRequest, ev backend.Events) error {
	// Ephemeral kinds get a fresh backend every turn.
	if ephemeral(req.Kind) {
		s.registry.Delete(req.BusinessID, req.AgentID)
		defer s.registry.Delete(req.BusinessID, req.AgentID)
	}

	var doneOnce sync.Once
	finish := func(text string) {
		doneOnce.Do(func() { ev.Done(text) })
	}

	entry, err := s.registry.GetOrCreate(ctx, req.BusinessID, req.AgentID, req.Hints)
	if err != nil {
		s.logger.Error("turn aborted: provisioning failed",
			"session", req.BusinessID, "agent", req.AgentID, "error", err)
		finish(remediation(err))
		return err
	}

	// Queue behind any in-flight turn for this pair.
	entry.turnMu.Lock()
	defer entry.turnMu.Unlock()

	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	// Track whether any visible text reached the consumer, so the
	// terminal boundary can synthesize a chunk when the backend only
	// reported a final message.
	var mu sync.Mutex
	var accumulated strings.Builder
	sawVisible := false

	wrapped := backend.Events{
		OnChunk: func(delta string, thinking bool) {
			if ctx.Err() != nil {
				return
			}
			mu.Lock()
			if !thinking && delta != "" {
				sawVisible = true
				accumulated.WriteString(delta)
			}
			mu.Unlock()
			ev.Chunk(delta, thinking)
		},
		OnTool:    ev.OnTool,
		OnTurnEnd: ev.OnTurnEnd,
		OnDone: func(final string) {
			doneOnce.Do(func() {
				mu.Lock()
				if final == "" {
					final = strings.TrimSpace(accumulated.String())
				}
				synthesize := !sawVisible && final != ""
				mu.Unlock()
				if synthesize {
					ev.Chunk(final, false)
				}
				ev.Done(final)
			})
		},
	}

	runErr := entry.Backend().Run(ctx, req.Text, wrapped)
	if runErr != nil {
		s.logger.Error("turn failed",
			"session", req.BusinessID, "agent", req.AgentID, "error", runErr)
		mu.Lock()
		partial := strings.TrimSpace(accumulated.String())
		mu.Unlock()
		if partial == "" {
			partial = remediation(runErr)
		}
		finish(partial)
		return runErr
	}

	finish("")
	return nil
}

// Collect runs one turn and returns its final text and usage, for
// callers that do not stream.
func (s *Service) Collect(ctx context.Context, req TurnRequest) (string, *backend.Usage, error) {
	var mu sync.Mutex
	var final string
	var usage *backend.Usage

	err := s.Invoke(ctx, req, backend.Events{
		OnTurnEnd: func(u *backend.Usage) {
			mu.Lock()
			if u != nil {
				usage = u
			}
			mu.Unlock()
		},
		OnDone: func(text string) {
			mu.Lock()
			final = text
			mu.Unlock()
		},
	})

	mu.Lock()
	defer mu.Unlock()
	return final, usage, err
}

// remediation turns an internal failure into text fit to show a user.
func remediation(err error) string {
	var missing *backend.MissingCredentialError
	if errors.As(err, &missing) {
		return missing.Error()
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "The agent took too long to respond and the turn was stopped. Please try again."
	}
	if errors.Is(err, context.Canceled) {
		return "The turn was cancelled."
	}
	return fmt.Sprintf("The agent could not complete this turn: %v", err)
}
