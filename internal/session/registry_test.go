// ABOUTME: Tests for the backend registry: single-instance, LRU eviction,
// ABOUTME: shared provisioning, and bulk deletion.

package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fernworks/hearth/internal/backend"
)

// fakeBackend records turns and closure for registry tests.
type fakeBackend struct {
	mu     sync.Mutex
	closed bool
	turns  []string
	// delay stretches Run so queueing is observable.
	delay time.Duration
	// reply is sent as the done text.
	reply string
}

func (f *fakeBackend) Run(ctx context.Context, text string, ev backend.Events) error {
	f.mu.Lock()
	f.turns = append(f.turns, text)
	f.mu.Unlock()
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	ev.Done(f.reply)
	return nil
}

func (f *fakeBackend) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeBackend) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// provisionFakes returns a ProvisionFunc handing out fresh fakeBackends
// and a counter of provisioning calls.
func provisionFakes(made *[]*fakeBackend, calls *atomic.Int32) ProvisionFunc {
	var mu sync.Mutex
	return func(ctx context.Context, businessID, agentID string, hints Hints) (backend.Backend, error) {
		calls.Add(1)
		fb := &fakeBackend{reply: "ok"}
		mu.Lock()
		*made = append(*made, fb)
		mu.Unlock()
		return fb, nil
	}
}

func TestGetOrCreateSingleInstance(t *testing.T) {
	var made []*fakeBackend
	var calls atomic.Int32
	r := NewRegistry(0, provisionFakes(&made, &calls), slog.Default())

	// Many concurrent calls for the same pair share one backend.
	var wg sync.WaitGroup
	entries := make([]*Entry, 20)
	for i := range entries {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			e, err := r.GetOrCreate(context.Background(), "S1", "helper", Hints{})
			require.NoError(t, err)
			entries[i] = e
		}(i)
	}
	wg.Wait()

	for _, e := range entries[1:] {
		assert.Same(t, entries[0].Backend(), e.Backend())
	}
	assert.Equal(t, 1, r.Len())
	assert.Equal(t, int32(1), calls.Load(), "provisioning must run once per key")
}

func TestDistinctAgentsGetDistinctBackends(t *testing.T) {
	var made []*fakeBackend
	var calls atomic.Int32
	r := NewRegistry(0, provisionFakes(&made, &calls), slog.Default())

	a, err := r.GetOrCreate(context.Background(), "S1", "helper", Hints{})
	require.NoError(t, err)
	b, err := r.GetOrCreate(context.Background(), "S1", "coder", Hints{})
	require.NoError(t, err)

	assert.NotSame(t, a.Backend(), b.Backend())
	assert.Equal(t, 2, r.Len())
}

func TestEvictionDisposesOldest(t *testing.T) {
	var made []*fakeBackend
	var calls atomic.Int32
	r := NewRegistry(1, provisionFakes(&made, &calls), slog.Default())

	_, err := r.GetOrCreate(context.Background(), "S1", "helper", Hints{})
	require.NoError(t, err)
	_, err = r.GetOrCreate(context.Background(), "S2", "helper", Hints{})
	require.NoError(t, err)

	assert.Equal(t, 1, r.Len())
	require.Len(t, made, 2)
	assert.Eventually(t, made[0].isClosed, time.Second, 10*time.Millisecond,
		"evicted backend must be disposed")
	assert.False(t, made[1].isClosed())
}

func TestEvictionClosesVictimBeforeProvisioningReplacement(t *testing.T) {
	var mu sync.Mutex
	var made []*fakeBackend
	var priorClosed []bool
	provision := func(ctx context.Context, businessID, agentID string, hints Hints) (backend.Backend, error) {
		mu.Lock()
		defer mu.Unlock()
		for _, fb := range made {
			priorClosed = append(priorClosed, fb.isClosed())
		}
		fb := &fakeBackend{reply: "ok"}
		made = append(made, fb)
		return fb, nil
	}
	r := NewRegistry(1, provision, slog.Default())

	_, err := r.GetOrCreate(context.Background(), "S1", "helper", Hints{})
	require.NoError(t, err)
	_, err = r.GetOrCreate(context.Background(), "S2", "helper", Hints{})
	require.NoError(t, err)

	// At most one backend may be alive at a time: by the time the S2
	// backend is provisioned, the evicted S1 backend is already closed.
	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []bool{true}, priorClosed)
}

func TestEvictionPicksLeastRecentlyTouched(t *testing.T) {
	var made []*fakeBackend
	var calls atomic.Int32
	r := NewRegistry(2, provisionFakes(&made, &calls), slog.Default())

	ctx := context.Background()
	_, err := r.GetOrCreate(ctx, "S1", "helper", Hints{})
	require.NoError(t, err)
	_, err = r.GetOrCreate(ctx, "S2", "helper", Hints{})
	require.NoError(t, err)

	// Touch S1 so S2 becomes the eviction candidate.
	_, err = r.GetOrCreate(ctx, "S1", "helper", Hints{})
	require.NoError(t, err)

	_, err = r.GetOrCreate(ctx, "S3", "helper", Hints{})
	require.NoError(t, err)

	assert.Equal(t, 2, r.Len())
	assert.Eventually(t, made[1].isClosed, time.Second, 10*time.Millisecond,
		"S2 was least recently touched")
	assert.False(t, made[0].isClosed())
	assert.Equal(t, int32(3), calls.Load())
}

func TestProvisioningFailureIsNotCached(t *testing.T) {
	var calls atomic.Int32
	fail := true
	var mu sync.Mutex
	provision := func(ctx context.Context, businessID, agentID string, hints Hints) (backend.Backend, error) {
		calls.Add(1)
		mu.Lock()
		defer mu.Unlock()
		if fail {
			return nil, fmt.Errorf("provider unreachable")
		}
		return &fakeBackend{reply: "ok"}, nil
	}
	r := NewRegistry(0, provision, slog.Default())

	_, err := r.GetOrCreate(context.Background(), "S1", "helper", Hints{})
	require.Error(t, err)
	assert.Equal(t, 0, r.Len())

	mu.Lock()
	fail = false
	mu.Unlock()

	_, err = r.GetOrCreate(context.Background(), "S1", "helper", Hints{})
	require.NoError(t, err)
	assert.Equal(t, int32(2), calls.Load(), "a failed attempt must not poison the key")
}

func TestDeleteByBusinessID(t *testing.T) {
	var made []*fakeBackend
	var calls atomic.Int32
	r := NewRegistry(0, provisionFakes(&made, &calls), slog.Default())

	ctx := context.Background()
	_, _ = r.GetOrCreate(ctx, "S1", "helper", Hints{})
	_, _ = r.GetOrCreate(ctx, "S1", "coder", Hints{})
	_, _ = r.GetOrCreate(ctx, "S2", "helper", Hints{})

	r.DeleteByBusinessID("S1")

	assert.Equal(t, 1, r.Len())
	assert.Eventually(t, func() bool {
		return made[0].isClosed() && made[1].isClosed()
	}, time.Second, 10*time.Millisecond)
	assert.False(t, made[2].isClosed())
}

func TestClear(t *testing.T) {
	var made []*fakeBackend
	var calls atomic.Int32
	r := NewRegistry(0, provisionFakes(&made, &calls), slog.Default())

	ctx := context.Background()
	_, _ = r.GetOrCreate(ctx, "S1", "helper", Hints{})
	_, _ = r.GetOrCreate(ctx, "S2", "helper", Hints{})

	r.Clear()

	assert.Equal(t, 0, r.Len())
	for _, fb := range made {
		assert.True(t, fb.isClosed())
	}
}

func TestKey(t *testing.T) {
	assert.Equal(t, "channel:room:thread::helper", Key("channel:room:thread", "helper"))
}
