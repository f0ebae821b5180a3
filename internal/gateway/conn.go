// ABOUTME: Per-connection WebSocket state: read loop, method dispatch,
// ABOUTME: subscription pumps, and the one-reply-per-request guarantee.

package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/fernworks/hearth/internal/session"
	"github.com/fernworks/hearth/internal/store"
)

// conn is one live WebSocket client. Writes are serialized with a
// mutex; turn events reach the socket through subscription pumps.
type conn struct {
	srv    *Server
	ws     *websocket.Conn
	logger *slog.Logger

	writeMu sync.Mutex

	mu        sync.Mutex
	sessionID string
	agentID   string
	kind      store.SessionKind
	subs      map[string]string // sessionID -> subID
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	ws, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket accept failed", "error", err)
		return
	}

	c := &conn{
		srv:    s,
		ws:     ws,
		logger: s.logger.With("remote", r.RemoteAddr),
		subs:   make(map[string]string),
	}

	// The connection context tears down subscription pumps when the
	// read loop ends for any reason.
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	c.readLoop(ctx)
	ws.Close(websocket.StatusNormalClosure, "")
}

func (c *conn) readLoop(ctx context.Context) {
	for {
		var env Envelope
		if err := wsjson.Read(ctx, c.ws, &env); err != nil {
			if ctx.Err() == nil && websocket.CloseStatus(err) == -1 {
				c.logger.Debug("read loop ended", "error", err)
			}
			return
		}

		if env.Type != TypeRequest {
			c.logger.Debug("ignoring non-request frame", "type", env.Type)
			continue
		}
		c.dispatch(ctx, &env)
	}
}

// dispatch routes one request frame and sends exactly one reply for its
// id. Malformed and unknown requests get an error response; the
// connection stays open.
func (c *conn) dispatch(ctx context.Context, env *Envelope) {
	if env.ID == "" {
		c.logger.Warn("request frame without id", "method", env.Method)
		return
	}

	var result any
	var err error
	switch env.Method {
	case MethodConnect:
		result, err = c.handleConnect(ctx, env.Params)
	case MethodSubscribe:
		result, err = c.handleSubscribe(ctx, env.Params)
	case MethodUnsubscribe:
		result, err = c.handleUnsubscribe(env.Params)
	case MethodChat:
		result, err = c.handleChat(ctx, env.Params)
	case MethodCancel:
		result, err = c.handleCancel(env.Params)
	default:
		err = fmt.Errorf("unknown method %q", env.Method)
	}

	if err != nil {
		c.write(ctx, errorFrame(env.ID, err.Error()))
		return
	}

	frame, encErr := responseFrame(env.ID, result)
	if encErr != nil {
		c.write(ctx, errorFrame(env.ID, encErr.Error()))
		return
	}
	c.write(ctx, frame)
}

func (c *conn) write(ctx context.Context, env *Envelope) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := wsjson.Write(ctx, c.ws, env); err != nil {
		c.logger.Debug("write failed", "error", err)
	}
}

func (c *conn) handleConnect(ctx context.Context, params json.RawMessage) (any, error) {
	var p ConnectParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, fmt.Errorf("invalid connect params: %w", err)
	}
	if p.SessionID == "" {
		return nil, errors.New("connect requires session_id")
	}

	kind := store.SessionKind(p.SessionKind)
	if kind == "" {
		kind = store.SessionKindChat
	}
	agentID := c.srv.resolveAgent(ctx, p.SessionID, p.AgentID)

	c.mu.Lock()
	c.sessionID = p.SessionID
	c.agentID = agentID
	c.kind = kind
	c.mu.Unlock()

	// Connecting implies watching your own session.
	c.addSubscription(ctx, p.SessionID)

	c.logger.Info("client connected to session", "session", p.SessionID, "agent", agentID)
	return &ConnectResult{SessionID: p.SessionID, AgentID: agentID}, nil
}

func (c *conn) handleSubscribe(ctx context.Context, params json.RawMessage) (any, error) {
	var p SubscribeParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, fmt.Errorf("invalid subscribe params: %w", err)
	}
	if p.SessionID == "" {
		return nil, errors.New("subscribe_session requires session_id")
	}

	c.addSubscription(ctx, p.SessionID)
	return &SubscribeResult{Subscribed: true}, nil
}

func (c *conn) handleUnsubscribe(params json.RawMessage) (any, error) {
	var p SubscribeParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, fmt.Errorf("invalid unsubscribe params: %w", err)
	}

	c.mu.Lock()
	subID, ok := c.subs[p.SessionID]
	delete(c.subs, p.SessionID)
	c.mu.Unlock()

	if ok {
		c.srv.broadcaster.Unsubscribe(p.SessionID, subID)
	}
	return &SubscribeResult{Subscribed: false}, nil
}

func (c *conn) handleChat(ctx context.Context, params json.RawMessage) (any, error) {
	var p ChatParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, fmt.Errorf("invalid chat params: %w", err)
	}

	c.mu.Lock()
	sessionID := c.sessionID
	agentID := c.agentID
	kind := c.kind
	c.mu.Unlock()

	if p.SessionID != "" {
		sessionID = p.SessionID
	}
	if sessionID == "" {
		return nil, errors.New("agent.chat requires session_id or a prior connect")
	}
	if p.Content == "" {
		return nil, errors.New("agent.chat requires content")
	}
	if p.AgentID != "" {
		agentID = p.AgentID
	}
	if agentID == "" {
		agentID = c.srv.resolveAgent(ctx, sessionID, "")
	}
	if kind == "" {
		kind = store.SessionKindChat
	}

	// The reply only acknowledges acceptance; output arrives as events.
	go c.srv.runTurn(sessionID, agentID, kind, p.Content, session.Hints{})

	return &ChatResult{Accepted: true}, nil
}

func (c *conn) handleCancel(params json.RawMessage) (any, error) {
	var p CancelParams
	if len(params) > 0 {
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, fmt.Errorf("invalid cancel params: %w", err)
		}
	}

	sessionID := p.SessionID
	if sessionID == "" {
		c.mu.Lock()
		sessionID = c.sessionID
		c.mu.Unlock()
	}
	if sessionID == "" {
		return nil, errors.New("agent.cancel requires session_id or a prior connect")
	}

	return &CancelResult{Cancelled: c.srv.cancelTurns(sessionID)}, nil
}

// addSubscription registers for a session's events once per connection
// and pumps them to the socket until the subscription closes.
func (c *conn) addSubscription(ctx context.Context, sessionID string) {
	c.mu.Lock()
	if _, exists := c.subs[sessionID]; exists {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	ch, subID := c.srv.broadcaster.Subscribe(ctx, sessionID)

	c.mu.Lock()
	c.subs[sessionID] = subID
	c.mu.Unlock()

	go func() {
		for ev := range ch {
			frame, err := eventFrame(ev)
			if err != nil {
				c.logger.Warn("encoding event", "event", ev.Name, "error", err)
				continue
			}
			c.write(ctx, frame)
		}
	}()
}
