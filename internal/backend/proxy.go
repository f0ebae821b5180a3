// ABOUTME: Proxy runner: streams turns from an external backend service over SSE.
// ABOUTME: Creates a remote session lazily and parses event/data frames per turn.

package backend

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"
)

// sseEvent is one parsed Server-Sent Event from the proxy service.
type sseEvent struct {
	Type string
	Data string
}

type chunkEventData struct {
	Text     string `json:"text"`
	Thinking bool   `json:"thinking,omitempty"`
}

type toolEventData struct {
	Phase   string          `json:"phase"`
	CallID  string          `json:"call_id"`
	Name    string          `json:"name"`
	Args    json.RawMessage `json:"args,omitempty"`
	Result  string          `json:"result,omitempty"`
	IsError bool            `json:"is_error,omitempty"`
}

type turnEndEventData struct {
	Usage *Usage `json:"usage,omitempty"`
}

type doneEventData struct {
	Text string `json:"text"`
}

type errorEventData struct {
	Error string `json:"error"`
}

// createSessionRequest opens a conversation on the proxy service.
type createSessionRequest struct {
	Provider     string   `json:"provider"`
	Model        string   `json:"model"`
	SystemPrompt string   `json:"system_prompt,omitempty"`
	Workspace    string   `json:"workspace,omitempty"`
	Tools        []string `json:"tools,omitempty"`
}

type createSessionResponse struct {
	ID string `json:"id"`
}

type turnRequest struct {
	Content string `json:"content"`
}

// proxyBackend holds one remote conversation on an external backend
// service. The remote session is created on the first turn.
type proxyBackend struct {
	profile *Profile
	baseURL string
	client  *http.Client
	logger  *slog.Logger

	mu        sync.Mutex
	remoteID  string
	closeOnce sync.Once
}

func newProxyBackend(profile *Profile, logger *slog.Logger) *proxyBackend {
	return &proxyBackend{
		profile: profile,
		baseURL: strings.TrimSuffix(profile.BaseURL, "/"),
		client:  &http.Client{},
		logger:  logger.With("component", "backend.proxy", "agent", profile.AgentID),
	}
}

// Run submits one turn and streams its SSE events through ev. It blocks
// until the service reports the idle boundary or the context ends.
func (b *proxyBackend) Run(ctx context.Context, text string, ev Events) error {
	remoteID, err := b.ensureRemoteSession(ctx)
	if err != nil {
		return err
	}

	body, err := json.Marshal(turnRequest{Content: text})
	if err != nil {
		return fmt.Errorf("marshaling turn request: %w", err)
	}

	url := fmt.Sprintf("%s/v1/sessions/%s/messages", b.baseURL, remoteID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("creating turn request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Authorization", "Bearer "+b.profile.APIKey)

	resp, err := b.client.Do(req)
	if err != nil {
		return fmt.Errorf("sending turn: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return b.errorFromResponse(resp)
	}

	return b.consumeStream(ctx, resp.Body, ev)
}

// ensureRemoteSession creates the remote conversation once.
func (b *proxyBackend) ensureRemoteSession(ctx context.Context) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.remoteID != "" {
		return b.remoteID, nil
	}

	prompt := b.profile.SystemPrompt
	if b.profile.CompactionSummary != "" {
		prompt = strings.TrimSpace(prompt + "\n\nEarlier conversation summary:\n" + b.profile.CompactionSummary)
	}

	body, err := json.Marshal(createSessionRequest{
		Provider:     b.profile.Provider,
		Model:        b.profile.Model,
		SystemPrompt: prompt,
		Workspace:    b.profile.Workspace,
		Tools:        b.profile.Tools,
	})
	if err != nil {
		return "", fmt.Errorf("marshaling session request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		b.baseURL+"/v1/sessions", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("creating session request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+b.profile.APIKey)

	resp, err := b.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("creating remote session: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return "", b.errorFromResponse(resp)
	}

	var created createSessionResponse
	if err := json.NewDecoder(resp.Body).Decode(&created); err != nil {
		return "", fmt.Errorf("decoding session response: %w", err)
	}
	if created.ID == "" {
		return "", fmt.Errorf("backend service returned empty session id")
	}

	b.remoteID = created.ID
	b.logger.Debug("remote session created", "remote_id", created.ID)
	return created.ID, nil
}

func (b *proxyBackend) errorFromResponse(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
	if strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
		var data errorEventData
		if json.Unmarshal(body, &data) == nil && data.Error != "" {
			return fmt.Errorf("backend service error (%d): %s", resp.StatusCode, data.Error)
		}
	}
	return fmt.Errorf("backend service returned status %d: %s", resp.StatusCode, string(body))
}

// consumeStream parses SSE frames and dispatches them to ev until the
// done event. Event and data lines accumulate until a blank line ends
// the frame.
func (b *proxyBackend) consumeStream(ctx context.Context, body io.Reader, ev Events) error {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	var eventType string
	var dataLines []string

	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		line := scanner.Text()

		if line == "" {
			if eventType != "" && len(dataLines) > 0 {
				frame := sseEvent{Type: eventType, Data: strings.Join(dataLines, "\n")}
				done, err := b.dispatch(frame, ev)
				if err != nil {
					return err
				}
				if done {
					return nil
				}
			}
			eventType = ""
			dataLines = nil
			continue
		}

		if strings.HasPrefix(line, "event:") {
			eventType = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
			continue
		}
		if strings.HasPrefix(line, "data:") {
			dataLines = append(dataLines, strings.TrimPrefix(line, "data:"))
			continue
		}
	}

	if err := scanner.Err(); err != nil {
		return fmt.Errorf("reading event stream: %w", err)
	}
	return fmt.Errorf("event stream ended without done event")
}

// dispatch maps one SSE frame to the callback set. Returns done=true on
// the terminal frame.
func (b *proxyBackend) dispatch(frame sseEvent, ev Events) (bool, error) {
	switch frame.Type {
	case "chunk":
		var data chunkEventData
		if err := json.Unmarshal([]byte(frame.Data), &data); err != nil {
			return false, fmt.Errorf("decoding chunk event: %w", err)
		}
		ev.Chunk(data.Text, data.Thinking)

	case "tool":
		var data toolEventData
		if err := json.Unmarshal([]byte(frame.Data), &data); err != nil {
			return false, fmt.Errorf("decoding tool event: %w", err)
		}
		ev.Tool(ToolEvent{
			Phase:   ToolPhase(data.Phase),
			CallID:  data.CallID,
			Name:    data.Name,
			Args:    data.Args,
			Result:  data.Result,
			IsError: data.IsError,
		})

	case "turn_end":
		var data turnEndEventData
		if err := json.Unmarshal([]byte(frame.Data), &data); err != nil {
			return false, fmt.Errorf("decoding turn_end event: %w", err)
		}
		ev.TurnEnd(data.Usage)

	case "done":
		var data doneEventData
		if err := json.Unmarshal([]byte(frame.Data), &data); err != nil {
			return false, fmt.Errorf("decoding done event: %w", err)
		}
		ev.Done(data.Text)
		return true, nil

	case "error":
		var data errorEventData
		if json.Unmarshal([]byte(frame.Data), &data) == nil && data.Error != "" {
			return false, fmt.Errorf("backend error: %s", data.Error)
		}
		return false, fmt.Errorf("backend error: %s", frame.Data)

	default:
		b.logger.Debug("ignoring unknown stream event", "type", frame.Type)
	}
	return false, nil
}

// Close releases the remote session best-effort.
func (b *proxyBackend) Close() error {
	var err error
	b.closeOnce.Do(func() {
		b.mu.Lock()
		remoteID := b.remoteID
		b.mu.Unlock()
		if remoteID == "" {
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		url := fmt.Sprintf("%s/v1/sessions/%s", b.baseURL, remoteID)
		req, reqErr := http.NewRequestWithContext(ctx, http.MethodDelete, url, nil)
		if reqErr != nil {
			err = reqErr
			return
		}
		req.Header.Set("Authorization", "Bearer "+b.profile.APIKey)

		resp, doErr := b.client.Do(req)
		if doErr != nil {
			err = fmt.Errorf("releasing remote session: %w", doErr)
			return
		}
		resp.Body.Close()
	})
	return err
}
