// ABOUTME: Backend contract shared by all runner kinds.
// ABOUTME: Defines the turn event callbacks, tool lifecycle, and usage accounting.

package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
)

// ToolPhase marks the start or end of one tool invocation.
type ToolPhase string

const (
	ToolStart ToolPhase = "start"
	ToolEnd   ToolPhase = "end"
)

// ToolEvent describes one step of a tool invocation during a turn.
type ToolEvent struct {
	Phase  ToolPhase
	CallID string
	Name   string
	Args   json.RawMessage
	Result string
	// IsError is set on end events whose result is an error payload.
	IsError bool
}

// Usage carries token accounting for one model turn, when the runner
// reports it.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Events is the callback set a caller supplies to observe one turn.
// Any field may be nil; runners emit through the helper methods below.
type Events struct {
	OnChunk   func(delta string, thinking bool)
	OnTool    func(ev ToolEvent)
	OnTurnEnd func(usage *Usage)
	OnDone    func(final string)
}

func (e Events) Chunk(delta string, thinking bool) {
	if e.OnChunk != nil {
		e.OnChunk(delta, thinking)
	}
}

func (e Events) Tool(ev ToolEvent) {
	if e.OnTool != nil {
		e.OnTool(ev)
	}
}

func (e Events) TurnEnd(usage *Usage) {
	if e.OnTurnEnd != nil {
		e.OnTurnEnd(usage)
	}
}

func (e Events) Done(final string) {
	if e.OnDone != nil {
		e.OnDone(final)
	}
}

// Backend is one live conversational engine instance. A Backend holds
// its own conversation context across turns; it is never shared between
// two sessions. Run blocks until the turn reaches its idle boundary.
// Callers must not run two turns concurrently against one Backend.
type Backend interface {
	Run(ctx context.Context, text string, ev Events) error
	Close() error
}

// New constructs a backend for the given profile, dispatching on the
// runner kind.
func New(ctx context.Context, profile *Profile, logger *slog.Logger) (Backend, error) {
	switch profile.Runner {
	case RunnerProxy:
		return newProxyBackend(profile, logger), nil
	case RunnerLocal:
		return newLocalBackend(ctx, profile, logger)
	default:
		return nil, fmt.Errorf("unknown runner kind %q for agent %q", profile.Runner, profile.AgentID)
	}
}
