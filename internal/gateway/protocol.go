// ABOUTME: Wire envelope and event payload types for the WebSocket protocol.
// ABOUTME: One closed payload struct per event name, encoded at this boundary.

package gateway

import (
	"encoding/json"
	"fmt"

	"github.com/fernworks/hearth/internal/backend"
)

// Frame types on the wire.
const (
	TypeRequest  = "request"
	TypeResponse = "response"
	TypeEvent    = "event"
)

// Method names on the request path.
const (
	MethodConnect     = "connect"
	MethodSubscribe   = "subscribe_session"
	MethodUnsubscribe = "unsubscribe_session"
	MethodChat        = "agent.chat"
	MethodCancel      = "agent.cancel"
)

// Event names, with the legacy aliases older clients still listen for.
const (
	EventChunk   = "agent.chunk"
	EventTool    = "agent.tool"
	EventTurnEnd = "turn_end"
	EventEnd     = "agent_end"

	EventTurnEndAlias = "message_complete"
	EventEndAlias     = "conversation_end"
)

// Envelope is one WebSocket frame in either direction.
type Envelope struct {
	Type string `json:"type"`

	// request/response fields
	ID     string          `json:"id,omitempty"`
	Method string          `json:"method,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *ErrorBody      `json:"error,omitempty"`

	// event fields
	Event   string          `json:"event,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// ErrorBody is the failure half of a response frame.
type ErrorBody struct {
	Message string `json:"message"`
}

// ConnectParams binds a connection to a business session.
type ConnectParams struct {
	SessionID   string `json:"session_id"`
	AgentID     string `json:"agent_id,omitempty"`
	SessionKind string `json:"session_kind,omitempty"`
}

// ConnectResult confirms the binding.
type ConnectResult struct {
	SessionID string `json:"session_id"`
	AgentID   string `json:"agent_id"`
}

// SubscribeParams scopes event broadcast for a connection.
type SubscribeParams struct {
	SessionID string `json:"session_id"`
}

// SubscribeResult acknowledges a subscription change.
type SubscribeResult struct {
	Subscribed bool `json:"subscribed"`
}

// ChatParams submits one turn.
type ChatParams struct {
	SessionID string `json:"session_id,omitempty"`
	AgentID   string `json:"agent_id,omitempty"`
	Content   string `json:"content"`
}

// ChatResult acknowledges turn acceptance; output follows as events.
type ChatResult struct {
	Accepted bool `json:"accepted"`
}

// CancelParams aborts the in-flight turn for a session, best-effort.
type CancelParams struct {
	SessionID string `json:"session_id,omitempty"`
}

// CancelResult reports whether a turn was there to cancel.
type CancelResult struct {
	Cancelled bool `json:"cancelled"`
}

// ChunkPayload carries one incremental slice of assistant text.
type ChunkPayload struct {
	SessionID string `json:"session_id"`
	AgentID   string `json:"agent_id"`
	Delta     string `json:"delta"`
	Thinking  bool   `json:"thinking,omitempty"`
}

// ToolPayload carries one tool invocation lifecycle step.
type ToolPayload struct {
	SessionID string          `json:"session_id"`
	Type      string          `json:"type"` // start or end
	CallID    string          `json:"call_id"`
	Name      string          `json:"name"`
	Args      json.RawMessage `json:"args,omitempty"`
	Result    string          `json:"result,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`
}

// TurnEndPayload marks one model turn finished within the run.
type TurnEndPayload struct {
	SessionID string         `json:"session_id"`
	AgentID   string         `json:"agent_id"`
	Usage     *backend.Usage `json:"usage,omitempty"`
}

// EndPayload is the single authoritative idle signal for a run.
type EndPayload struct {
	SessionID string `json:"session_id"`
	AgentID   string `json:"agent_id"`
	FinalText string `json:"final_text"`
}

// Event pairs a name with its decoded payload for broadcast.
type Event struct {
	Name    string
	Payload any
}

// eventFrame encodes an event into a wire envelope.
func eventFrame(ev *Event) (*Envelope, error) {
	payload, err := json.Marshal(ev.Payload)
	if err != nil {
		return nil, fmt.Errorf("encoding %s payload: %w", ev.Name, err)
	}
	return &Envelope{Type: TypeEvent, Event: ev.Name, Payload: payload}, nil
}

// responseFrame encodes a success response for a request id.
func responseFrame(id string, result any) (*Envelope, error) {
	raw, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("encoding result: %w", err)
	}
	return &Envelope{Type: TypeResponse, ID: id, Result: raw}, nil
}

// errorFrame encodes a failure response for a request id.
func errorFrame(id, message string) *Envelope {
	return &Envelope{Type: TypeResponse, ID: id, Error: &ErrorBody{Message: message}}
}
