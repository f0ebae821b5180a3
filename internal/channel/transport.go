// ABOUTME: Channel-agnostic message and transport contracts.
// ABOUTME: Adapters normalize inbound traffic and expose send or stream output.

package channel

import "context"

// UnifiedMessage is one inbound user message, normalized across
// platforms. Immutable once constructed by a transport adapter.
type UnifiedMessage struct {
	Channel  string
	ThreadID string
	UserID   string
	UserName string
	Text     string

	// PlatformMessageID deduplicates redelivered platform events.
	PlatformMessageID string

	// Ack confirms processing to the platform. May be nil.
	Ack func()

	// Raw keeps the provider payload for fallback use.
	Raw any
}

// StreamSink receives a turn's output for edit-in-place transports.
// OnChunk and OnTurnEnd carry the full accumulated text so far; OnDone
// carries the final text.
type StreamSink interface {
	OnChunk(accumulated string) error
	OnTurnEnd(accumulated string) error
	OnDone(final string) error
}

// Transport is one outbound channel adapter. The inbound side calls
// the router's Handle with normalized messages.
type Transport interface {
	Name() string
	Send(ctx context.Context, threadID, text string) error
}

// Streamer is implemented by transports that support edit-in-place
// streaming.
type Streamer interface {
	SendStream(ctx context.Context, threadID string) (StreamSink, error)
}

// SessionID derives the business session id for a channel thread.
func SessionID(channel, threadID string) string {
	return "channel:" + channel + ":" + threadID
}
