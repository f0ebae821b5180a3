// ABOUTME: Tests for the local stdio runner using a shell stand-in process.
// ABOUTME: Verifies line dispatch, done termination, and close behavior.

package backend

import (
	"context"
	"log/slog"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scriptBackend spawns a shell that emits the given JSON lines on stdout
// and then blocks reading stdin, mimicking an idle agent process.
func scriptBackend(t *testing.T, script string) *localBackend {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell stand-in requires a POSIX shell")
	}

	profile := &Profile{
		AgentID:  "helper",
		Provider: "anthropic",
		APIKey:   "sk-test",
		Runner:   RunnerLocal,
		Command:  []string{"/bin/sh", "-c", script},
	}
	b, err := newLocalBackend(context.Background(), profile, slog.Default())
	require.NoError(t, err)
	t.Cleanup(func() { b.Close() })
	return b
}

func TestLocalRunDispatchesLines(t *testing.T) {
	b := scriptBackend(t, `
		printf '%s\n' '{"type":"chunk","text":"Hel"}'
		printf '%s\n' '{"type":"chunk","text":"lo","thinking":false}'
		printf '%s\n' '{"type":"turn_end","usage":{"input_tokens":3,"output_tokens":2}}'
		printf '%s\n' '{"type":"done","text":"Hello"}'
		cat >/dev/null
	`)

	var chunks []string
	var usage *Usage
	var final string

	err := b.Run(context.Background(), "hi", Events{
		OnChunk:   func(delta string, _ bool) { chunks = append(chunks, delta) },
		OnTurnEnd: func(u *Usage) { usage = u },
		OnDone:    func(text string) { final = text },
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"Hel", "lo"}, chunks)
	require.NotNil(t, usage)
	assert.Equal(t, 3, usage.InputTokens)
	assert.Equal(t, "Hello", final)
}

func TestLocalRunErrorLine(t *testing.T) {
	b := scriptBackend(t, `
		printf '%s\n' '{"type":"error","error":"workspace missing"}'
		cat >/dev/null
	`)

	err := b.Run(context.Background(), "hi", Events{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "workspace missing")
}

func TestLocalRunProcessExit(t *testing.T) {
	// Stand-in consumes the init line, then exits before the turn.
	b := scriptBackend(t, `read x; exit 0`)

	err := b.Run(context.Background(), "hi", Events{})
	require.Error(t, err)
}

func TestLocalRunContextCancel(t *testing.T) {
	// The stand-in never answers, so only cancellation ends the turn.
	b := scriptBackend(t, `cat >/dev/null`)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := b.Run(ctx, "hi", Events{})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestLocalRunDiscardsAbandonedTurnOutput(t *testing.T) {
	// The stand-in answers the first turn only after its deadline has
	// passed, then answers the second turn promptly.
	b := scriptBackend(t, `
		read init
		read u1
		sleep 0.2
		printf '%s\n' '{"type":"chunk","text":"stale"}'
		printf '%s\n' '{"type":"done","text":"old answer"}'
		read u2
		printf '%s\n' '{"type":"done","text":"fresh answer"}'
		cat >/dev/null
	`)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := b.Run(ctx, "first", Events{})
	require.ErrorIs(t, err, context.DeadlineExceeded)

	// Let the late first-turn lines reach the buffer.
	time.Sleep(300 * time.Millisecond)

	var chunks []string
	var final string
	err = b.Run(context.Background(), "second", Events{
		OnChunk: func(delta string, _ bool) { chunks = append(chunks, delta) },
		OnDone:  func(text string) { final = text },
	})
	require.NoError(t, err)
	assert.Empty(t, chunks, "second turn must not see the first turn's chunks")
	assert.Equal(t, "fresh answer", final, "second turn must not terminate on the first turn's done line")
}

func TestLocalMissingCommand(t *testing.T) {
	_, err := newLocalBackend(context.Background(), &Profile{AgentID: "x", Runner: RunnerLocal}, slog.Default())
	assert.Error(t, err)
}

func TestLocalCloseIsIdempotent(t *testing.T) {
	b := scriptBackend(t, `cat >/dev/null`)
	require.NoError(t, b.Close())
	require.NoError(t, b.Close())
}
