// ABOUTME: WebSocket gateway client with request correlation and event routing.
// ABOUTME: Implements the channel Invoker by mapping session events onto turn callbacks.

package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"

	"github.com/fernworks/hearth/internal/backend"
	"github.com/fernworks/hearth/internal/gateway"
	"github.com/fernworks/hearth/internal/session"
)

// defaultRequestTimeout bounds a single request/response round trip.
const defaultRequestTimeout = 15 * time.Second

// ErrClosed is returned for operations on a closed client.
var ErrClosed = errors.New("client closed")

// Client is one connection to a gateway. Safe for concurrent use; it
// multiplexes calls and per-session event streams over the socket.
type Client struct {
	ws             *websocket.Conn
	logger         *slog.Logger
	requestTimeout time.Duration

	writeMu sync.Mutex

	mu         sync.Mutex
	pending    map[string]chan *gateway.Envelope
	turns      map[string]*turnState
	turnLocks  map[string]*sync.Mutex
	subscribed map[string]bool
	closed     bool
	readErr    error

	cancelRead context.CancelFunc
}

// turnState tracks one in-flight turn awaiting its idle event.
type turnState struct {
	ev   backend.Events
	done chan error
}

// Dial connects to a gateway's /ws endpoint. The url may use an http
// or ws scheme; the path is appended when missing.
func Dial(ctx context.Context, url string, logger *slog.Logger) (*Client, error) {
	wsURL := strings.Replace(url, "http://", "ws://", 1)
	wsURL = strings.Replace(wsURL, "https://", "wss://", 1)
	if !strings.HasSuffix(wsURL, "/ws") {
		wsURL = strings.TrimSuffix(wsURL, "/") + "/ws"
	}

	ws, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("dialing gateway %s: %w", wsURL, err)
	}

	readCtx, cancel := context.WithCancel(context.Background())
	c := &Client{
		ws:             ws,
		logger:         logger.With("component", "gateway-client"),
		requestTimeout: defaultRequestTimeout,
		pending:        make(map[string]chan *gateway.Envelope),
		turns:          make(map[string]*turnState),
		turnLocks:      make(map[string]*sync.Mutex),
		subscribed:     make(map[string]bool),
		cancelRead:     cancel,
	}
	go c.readLoop(readCtx)
	return c, nil
}

// Close tears down the connection. In-flight calls and turns fail
// with ErrClosed.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.cancelRead()
	err := c.ws.Close(websocket.StatusNormalClosure, "")
	c.fail(ErrClosed)
	return err
}

// Invoke runs one turn through the gateway, forwarding session events
// to ev until the idle boundary. Implements channel.Invoker.
func (c *Client) Invoke(ctx context.Context, req session.TurnRequest, ev backend.Events) error {
	ts := &turnState{ev: ev, done: make(chan error, 1)}

	// Queue behind any in-flight turn for this session.
	lock := c.sessionLock(req.BusinessID)
	lock.Lock()
	defer lock.Unlock()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.turns[req.BusinessID] = ts
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.turns, req.BusinessID)
		c.mu.Unlock()
	}()

	if err := c.ensureSubscribed(ctx, req.BusinessID); err != nil {
		return err
	}

	var accepted gateway.ChatResult
	err := c.call(ctx, gateway.MethodChat, gateway.ChatParams{
		SessionID: req.BusinessID,
		AgentID:   req.AgentID,
		Content:   req.Text,
	}, &accepted)
	if err != nil {
		return err
	}
	if !accepted.Accepted {
		return errors.New("gateway did not accept the turn")
	}

	select {
	case <-ctx.Done():
		// Best-effort; do not hold the caller for the round trip.
		go c.cancelTurn(req.BusinessID)
		return ctx.Err()
	case err := <-ts.done:
		return err
	}
}

// Cancel aborts the in-flight turn for a session, best-effort.
func (c *Client) Cancel(ctx context.Context, sessionID string) (bool, error) {
	var result gateway.CancelResult
	err := c.call(ctx, gateway.MethodCancel, gateway.CancelParams{SessionID: sessionID}, &result)
	return result.Cancelled, err
}

// Subscribe registers for a session's events without running a turn.
func (c *Client) Subscribe(ctx context.Context, sessionID string) error {
	return c.ensureSubscribed(ctx, sessionID)
}

func (c *Client) ensureSubscribed(ctx context.Context, sessionID string) error {
	c.mu.Lock()
	already := c.subscribed[sessionID]
	c.mu.Unlock()
	if already {
		return nil
	}

	var result gateway.SubscribeResult
	if err := c.call(ctx, gateway.MethodSubscribe, gateway.SubscribeParams{SessionID: sessionID}, &result); err != nil {
		return err
	}

	c.mu.Lock()
	c.subscribed[sessionID] = true
	c.mu.Unlock()
	return nil
}

// cancelTurn tells the gateway to abort a turn after the caller's
// context ended. Uses a fresh short context; the caller's is dead.
func (c *Client) cancelTurn(sessionID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := c.Cancel(ctx, sessionID); err != nil {
		c.logger.Debug("cancel request failed", "session", sessionID, "error", err)
	}
}

// call sends one request frame and waits for its response.
func (c *Client) call(ctx context.Context, method string, params, result any) error {
	raw, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("encoding %s params: %w", method, err)
	}

	id := uuid.NewString()
	ch := make(chan *gateway.Envelope, 1)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.pending[id] = ch
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	env := &gateway.Envelope{Type: gateway.TypeRequest, ID: id, Method: method, Params: raw}
	if err := c.write(ctx, env); err != nil {
		return fmt.Errorf("sending %s: %w", method, err)
	}

	timer := time.NewTimer(c.requestTimeout)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return fmt.Errorf("%s timed out after %s", method, c.requestTimeout)
	case resp := <-ch:
		if resp == nil {
			return c.closeReason()
		}
		if resp.Error != nil {
			return fmt.Errorf("%s: %s", method, resp.Error.Message)
		}
		if result != nil && len(resp.Result) > 0 {
			if err := json.Unmarshal(resp.Result, result); err != nil {
				return fmt.Errorf("decoding %s result: %w", method, err)
			}
		}
		return nil
	}
}

func (c *Client) write(ctx context.Context, env *gateway.Envelope) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return wsjson.Write(ctx, c.ws, env)
}

func (c *Client) readLoop(ctx context.Context) {
	for {
		var env gateway.Envelope
		if err := wsjson.Read(ctx, c.ws, &env); err != nil {
			if ctx.Err() == nil {
				c.logger.Debug("connection lost", "error", err)
				c.fail(fmt.Errorf("connection lost: %w", err))
			}
			return
		}

		switch env.Type {
		case gateway.TypeResponse:
			c.mu.Lock()
			ch, ok := c.pending[env.ID]
			c.mu.Unlock()
			if ok {
				ch <- &env
			}
		case gateway.TypeEvent:
			c.routeEvent(&env)
		}
	}
}

// routeEvent delivers one session event to its turn's callbacks. The
// gateway double-publishes terminal events under legacy alias names;
// only the primary names drive callbacks so nothing fires twice.
func (c *Client) routeEvent(env *gateway.Envelope) {
	switch env.Event {
	case gateway.EventChunk:
		var p gateway.ChunkPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			c.logger.Warn("bad chunk payload", "error", err)
			return
		}
		if ts := c.turnFor(p.SessionID); ts != nil {
			ts.ev.Chunk(p.Delta, p.Thinking)
		}

	case gateway.EventTool:
		var p gateway.ToolPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			c.logger.Warn("bad tool payload", "error", err)
			return
		}
		if ts := c.turnFor(p.SessionID); ts != nil {
			ts.ev.Tool(backend.ToolEvent{
				Phase:   backend.ToolPhase(p.Type),
				CallID:  p.CallID,
				Name:    p.Name,
				Args:    p.Args,
				Result:  p.Result,
				IsError: p.IsError,
			})
		}

	case gateway.EventTurnEnd:
		var p gateway.TurnEndPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			c.logger.Warn("bad turn_end payload", "error", err)
			return
		}
		if ts := c.turnFor(p.SessionID); ts != nil {
			ts.ev.TurnEnd(p.Usage)
		}

	case gateway.EventEnd:
		var p gateway.EndPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			c.logger.Warn("bad agent_end payload", "error", err)
			return
		}
		if ts := c.turnFor(p.SessionID); ts != nil {
			ts.ev.Done(p.FinalText)
			ts.done <- nil
		}

	case gateway.EventTurnEndAlias, gateway.EventEndAlias:
		// Duplicates of the primary names above.

	default:
		c.logger.Debug("ignoring unknown event", "event", env.Event)
	}
}

// sessionLock returns the mutex serializing turns for one session,
// creating it on first use.
func (c *Client) sessionLock(sessionID string) *sync.Mutex {
	c.mu.Lock()
	defer c.mu.Unlock()
	lock := c.turnLocks[sessionID]
	if lock == nil {
		lock = &sync.Mutex{}
		c.turnLocks[sessionID] = lock
	}
	return lock
}

func (c *Client) turnFor(sessionID string) *turnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.turns[sessionID]
}

// fail aborts all pending calls and in-flight turns with err.
func (c *Client) fail(err error) {
	c.mu.Lock()
	if c.readErr == nil {
		c.readErr = err
	}
	pending := c.pending
	turns := c.turns
	c.pending = make(map[string]chan *gateway.Envelope)
	c.turns = make(map[string]*turnState)
	c.mu.Unlock()

	for _, ch := range pending {
		ch <- nil
	}
	for _, ts := range turns {
		ts.done <- err
	}
}

func (c *Client) closeReason() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.readErr != nil {
		return c.readErr
	}
	return ErrClosed
}
