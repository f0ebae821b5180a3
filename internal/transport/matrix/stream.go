// ABOUTME: Edit-in-place streaming sink for Matrix rooms.
// ABOUTME: First flush posts a message; later flushes replace it via m.replace edits.

package matrix

import (
	"context"
	"fmt"
	"sync"

	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/fernworks/hearth/internal/channel"
)

// SendStream implements channel.Streamer. The returned sink posts the
// first flush as a new message and applies every later flush as an
// edit of that message, so the room shows one growing reply.
func (a *Adapter) SendStream(ctx context.Context, threadID string) (channel.StreamSink, error) {
	roomID := id.RoomID(threadID)
	a.setTyping(roomID, true)
	return &editStream{adapter: a, roomID: roomID}, nil
}

type editStream struct {
	adapter *Adapter
	roomID  id.RoomID

	mu      sync.Mutex
	eventID id.EventID
	closed  bool
}

func (s *editStream) OnChunk(accumulated string) error {
	return s.flush(accumulated)
}

func (s *editStream) OnTurnEnd(accumulated string) error {
	return s.flush(accumulated)
}

// OnDone closes the sink and sends the final text in one critical
// section. A chunk flush still waiting on mu then observes closed and
// drops its text, so the final edit is the last one the room sees.
func (s *editStream) OnDone(final string) error {
	defer s.adapter.setTyping(s.roomID, false)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.flushLocked(final)
}

// flush writes the full text so far into the room, creating the reply
// message on first call and editing it afterwards.
func (s *editStream) flush(text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	return s.flushLocked(text)
}

func (s *editStream) flushLocked(text string) error {
	if text == "" {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
	defer cancel()

	content := event.MessageEventContent{
		MsgType: event.MsgText,
		Body:    text,
	}
	if s.eventID != "" {
		content.SetEdit(s.eventID)
	}

	resp, err := s.adapter.client.SendMessageEvent(ctx, s.roomID, event.EventMessage, &content)
	if err != nil {
		return fmt.Errorf("streaming to room %s: %w", s.roomID, err)
	}
	if s.eventID == "" {
		s.eventID = resp.EventID
	}
	return nil
}
