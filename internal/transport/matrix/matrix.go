// ABOUTME: Matrix client adapter implementing the channel Transport interface.
// ABOUTME: Handles sync loop, room filtering, and normalization of inbound messages.

package matrix

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/fernworks/hearth/internal/channel"
)

// networkTimeout bounds individual Matrix API calls.
const networkTimeout = 10 * time.Second

// sendTimeout bounds message sends, which can carry large bodies.
const sendTimeout = 30 * time.Second

// typingTimeout is how long a typing indicator stays visible.
const typingTimeout = 30 * time.Second

// Config holds the Matrix connection and behavior settings.
type Config struct {
	Homeserver  string
	UserID      string
	AccessToken string

	// AllowedRooms restricts which rooms the adapter answers in.
	// Empty means all joined rooms.
	AllowedRooms []string

	// TypingIndicator shows a typing notice while a turn streams.
	TypingIndicator bool
}

// Handler receives each normalized inbound message. The router's
// Handle method satisfies this.
type Handler func(ctx context.Context, t channel.Transport, msg channel.UnifiedMessage)

// Adapter bridges a Matrix account to the channel router.
type Adapter struct {
	cfg     Config
	client  *mautrix.Client
	handler Handler
	logger  *slog.Logger

	// started guards against replaying pre-connect history on the
	// first sync.
	started time.Time
}

// New creates a Matrix adapter from an already-authenticated account.
func New(cfg Config, logger *slog.Logger) (*Adapter, error) {
	if cfg.Homeserver == "" {
		return nil, fmt.Errorf("matrix homeserver required")
	}
	if cfg.UserID == "" || cfg.AccessToken == "" {
		return nil, fmt.Errorf("matrix user_id and access_token required")
	}

	client, err := mautrix.NewClient(cfg.Homeserver, id.UserID(cfg.UserID), cfg.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("creating matrix client: %w", err)
	}

	return &Adapter{
		cfg:    cfg,
		client: client,
		logger: logger.With("component", "matrix"),
	}, nil
}

// Name implements channel.Transport.
func (a *Adapter) Name() string { return "matrix" }

// Run starts the sync loop and blocks until ctx is cancelled or the
// sync fails. Inbound text messages are passed to handler.
func (a *Adapter) Run(ctx context.Context, handler Handler) error {
	a.handler = handler
	a.started = time.Now()

	syncer, ok := a.client.Syncer.(*mautrix.DefaultSyncer)
	if !ok {
		return fmt.Errorf("unexpected syncer type: %T", a.client.Syncer)
	}
	syncer.OnEventType(event.EventMessage, a.handleMessageEvent)

	a.logger.Info("starting matrix sync",
		"homeserver", a.cfg.Homeserver,
		"user_id", a.cfg.UserID,
	)

	syncErr := make(chan error, 1)
	go func() {
		syncErr <- a.client.SyncWithContext(ctx)
	}()

	select {
	case <-ctx.Done():
		a.logger.Info("matrix sync stopping")
		return nil
	case err := <-syncErr:
		if err != nil && ctx.Err() == nil {
			return fmt.Errorf("matrix sync failed: %w", err)
		}
		return nil
	}
}

// handleMessageEvent normalizes one inbound room message and hands it
// to the router. Runs on the sync goroutine, so dispatch is async.
func (a *Adapter) handleMessageEvent(ctx context.Context, evt *event.Event) {
	if evt.Sender == id.UserID(a.cfg.UserID) {
		return
	}

	content, ok := evt.Content.Parsed.(*event.MessageEventContent)
	if !ok || content.MsgType != event.MsgText {
		return
	}

	// Edits relate to an earlier message we already handled.
	if content.RelatesTo != nil && content.RelatesTo.Type == event.RelReplace {
		return
	}

	roomID := evt.RoomID.String()
	if !a.roomAllowed(roomID) {
		a.logger.Debug("ignoring message from non-allowed room", "room", roomID)
		return
	}

	// Skip backlog replayed by the initial sync.
	if time.UnixMilli(evt.Timestamp).Before(a.started.Add(-time.Minute)) {
		return
	}

	body := strings.TrimSpace(content.Body)
	if body == "" {
		return
	}

	msg := channel.UnifiedMessage{
		Channel:           a.Name(),
		ThreadID:          roomID,
		UserID:            evt.Sender.String(),
		UserName:          localpart(evt.Sender),
		Text:              body,
		PlatformMessageID: evt.ID.String(),
		Raw:               evt,
	}

	a.logger.Info("received message",
		"room", roomID,
		"sender", msg.UserID,
		"content", truncate(body, 50),
	)

	// Process off the sync goroutine so long turns never stall sync.
	go a.handler(ctx, a, msg)
}

// Send implements channel.Transport with a single plain-text message.
func (a *Adapter) Send(ctx context.Context, threadID, text string) error {
	ctx, cancel := context.WithTimeout(ctx, sendTimeout)
	defer cancel()

	_, err := a.client.SendText(ctx, id.RoomID(threadID), text)
	if err != nil {
		return fmt.Errorf("sending to room %s: %w", threadID, err)
	}
	return nil
}

// setTyping sends or clears the typing indicator for a room. Failures
// are logged and ignored; typing is cosmetic.
func (a *Adapter) setTyping(roomID id.RoomID, typing bool) {
	if !a.cfg.TypingIndicator {
		return
	}
	var timeout time.Duration
	if typing {
		timeout = typingTimeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), networkTimeout)
	defer cancel()
	if _, err := a.client.UserTyping(ctx, roomID, typing, timeout); err != nil {
		a.logger.Debug("failed to set typing indicator", "room", roomID.String(), "error", err)
	}
}

func (a *Adapter) roomAllowed(roomID string) bool {
	if len(a.cfg.AllowedRooms) == 0 {
		return true
	}
	for _, allowed := range a.cfg.AllowedRooms {
		if allowed == roomID {
			return true
		}
	}
	return false
}

// localpart extracts the readable part of a Matrix user ID.
func localpart(userID id.UserID) string {
	local, _, err := userID.Parse()
	if err != nil || local == "" {
		return userID.String()
	}
	return local
}

// truncate shortens a string to maxLen runes for log output.
func truncate(s string, maxLen int) string {
	runes := []rune(s)
	if len(runes) <= maxLen {
		return s
	}
	return string(runes[:maxLen]) + "..."
}
