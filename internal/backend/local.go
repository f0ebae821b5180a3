// ABOUTME: Local runner: a child process holding the conversation, driven
// ABOUTME: over stdio with one JSON object per line in each direction.

package backend

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
)

// stdioLine is the wire shape for both directions of the child pipe.
// Outbound types: init, user. Inbound types: chunk, tool, turn_end,
// done, error.
type stdioLine struct {
	Type string `json:"type"`

	Text     string `json:"text,omitempty"`
	Thinking bool   `json:"thinking,omitempty"`

	Phase   string          `json:"phase,omitempty"`
	CallID  string          `json:"call_id,omitempty"`
	Name    string          `json:"name,omitempty"`
	Args    json.RawMessage `json:"args,omitempty"`
	Result  string          `json:"result,omitempty"`
	IsError bool            `json:"is_error,omitempty"`

	Usage *Usage `json:"usage,omitempty"`
	Error string `json:"error,omitempty"`

	// init fields
	Provider     string   `json:"provider,omitempty"`
	Model        string   `json:"model,omitempty"`
	SystemPrompt string   `json:"system_prompt,omitempty"`
	Tools        []string `json:"tools,omitempty"`
}

// localBackend owns one child process whose lifetime matches the
// conversation. Turn output arrives on stdout as JSON lines; a reader
// goroutine feeds them to Run through a channel so reads honor ctx.
type localBackend struct {
	profile *Profile
	logger  *slog.Logger
	cmd     *exec.Cmd
	stdin   io.WriteCloser

	lines   chan stdioLine
	readErr chan error
	done    chan struct{}

	mu        sync.Mutex
	closeOnce sync.Once
}

func newLocalBackend(ctx context.Context, profile *Profile, logger *slog.Logger) (*localBackend, error) {
	if len(profile.Command) == 0 {
		return nil, fmt.Errorf("local runner for agent %q has no command", profile.AgentID)
	}

	cmd := exec.Command(profile.Command[0], profile.Command[1:]...)
	cmd.Dir = profile.Workspace
	cmd.Env = append(os.Environ(), envKeyName(profile.Provider)+"="+profile.APIKey)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("creating stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		stdin.Close()
		return nil, fmt.Errorf("creating stdout pipe: %w", err)
	}
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		stdin.Close()
		return nil, fmt.Errorf("starting backend process: %w", err)
	}

	b := &localBackend{
		profile: profile,
		logger:  logger.With("component", "backend.local", "agent", profile.AgentID),
		cmd:     cmd,
		stdin:   stdin,
		lines:   make(chan stdioLine, 64),
		readErr: make(chan error, 1),
		done:    make(chan struct{}),
	}
	go b.readLoop(stdout)

	b.logger.Debug("backend process started",
		"command", profile.Command[0], "pid", cmd.Process.Pid)

	prompt := profile.SystemPrompt
	if profile.CompactionSummary != "" {
		prompt = prompt + "\n\nEarlier conversation summary:\n" + profile.CompactionSummary
	}
	if err := b.writeLine(stdioLine{
		Type:         "init",
		Provider:     profile.Provider,
		Model:        profile.Model,
		SystemPrompt: prompt,
		Tools:        profile.Tools,
	}); err != nil {
		b.Close()
		return nil, fmt.Errorf("sending init: %w", err)
	}

	return b, nil
}

func (b *localBackend) readLoop(stdout io.Reader) {
	defer close(b.lines)

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		raw := scanner.Bytes()
		if len(raw) == 0 {
			continue
		}
		var line stdioLine
		if err := json.Unmarshal(raw, &line); err != nil {
			b.logger.Warn("dropping malformed line from backend process", "error", err)
			continue
		}
		select {
		case b.lines <- line:
		case <-b.done:
			return
		}
	}
	if err := scanner.Err(); err != nil {
		b.readErr <- fmt.Errorf("reading backend process output: %w", err)
	}
}

func (b *localBackend) writeLine(line stdioLine) error {
	raw, err := json.Marshal(line)
	if err != nil {
		return fmt.Errorf("marshaling line: %w", err)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, err := b.stdin.Write(append(raw, '\n')); err != nil {
		return fmt.Errorf("writing to backend process: %w", err)
	}
	return nil
}

// drainStale discards output buffered from an earlier turn that was
// abandoned mid-stream, so a new turn never consumes the old turn's
// chunks or terminates on its done line.
func (b *localBackend) drainStale() {
	for {
		select {
		case line, ok := <-b.lines:
			if !ok {
				return
			}
			b.logger.Debug("discarding line from abandoned turn", "type", line.Type)
		case <-b.readErr:
		default:
			return
		}
	}
}

// Run sends one user turn and dispatches output lines until the done
// line. Context cancellation stops delivery; the child keeps its state.
func (b *localBackend) Run(ctx context.Context, text string, ev Events) error {
	b.drainStale()
	if err := b.writeLine(stdioLine{Type: "user", Text: text}); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-b.readErr:
			return err
		case line, ok := <-b.lines:
			if !ok {
				return fmt.Errorf("backend process exited mid-turn")
			}
			switch line.Type {
			case "chunk":
				ev.Chunk(line.Text, line.Thinking)
			case "tool":
				ev.Tool(ToolEvent{
					Phase:   ToolPhase(line.Phase),
					CallID:  line.CallID,
					Name:    line.Name,
					Args:    line.Args,
					Result:  line.Result,
					IsError: line.IsError,
				})
			case "turn_end":
				ev.TurnEnd(line.Usage)
			case "done":
				ev.Done(line.Text)
				return nil
			case "error":
				return fmt.Errorf("backend error: %s", line.Error)
			default:
				b.logger.Debug("ignoring unknown line type", "type", line.Type)
			}
		}
	}
}

// Close ends the child process: stdin closes first for a graceful exit,
// then the process is killed and reaped.
func (b *localBackend) Close() error {
	b.closeOnce.Do(func() {
		close(b.done)
		b.stdin.Close()
		if b.cmd.Process != nil {
			_ = b.cmd.Process.Kill()
		}
		_ = b.cmd.Wait()
	})
	return nil
}
