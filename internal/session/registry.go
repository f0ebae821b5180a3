// ABOUTME: Composite-key registry of live backends with LRU eviction.
// ABOUTME: Guarantees at most one backend instance per (session, agent) pair.

package session

import (
	"container/list"
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/fernworks/hearth/internal/backend"
)

// Key builds the composite registry key for a business session and agent.
func Key(businessID, agentID string) string {
	return businessID + "::" + agentID
}

// Hints carries per-call provisioning overrides, such as the workspace
// for a scheduled task.
type Hints struct {
	APIKeyOverride string
	Workspace      string

	// CompactionSummary seeds a fresh backend with the compacted prior
	// conversation for this business session.
	CompactionSummary string
}

// ProvisionFunc constructs a ready backend for a (session, agent) pair.
type ProvisionFunc func(ctx context.Context, businessID, agentID string, hints Hints) (backend.Backend, error)

// Entry is one registry slot. Waiters block on ready until provisioning
// settles; turnMu serializes turns against the backend.
type Entry struct {
	key        string
	businessID string
	agentID    string

	ready chan struct{}
	be    backend.Backend
	err   error

	elem     *list.Element
	lastUsed time.Time

	turnMu sync.Mutex
}

// Backend returns the live backend handle. Valid only after a
// successful GetOrCreate returned this entry.
func (e *Entry) Backend() backend.Backend { return e.be }

// Registry maps composite keys to live backend entries. When maxLive is
// positive and the pool is full, the least-recently-used entry is
// evicted before a new one is provisioned.
type Registry struct {
	mu        sync.Mutex
	entries   map[string]*Entry
	order     *list.List // LRU order, oldest at front
	maxLive   int
	provision ProvisionFunc
	logger    *slog.Logger
}

// NewRegistry creates a registry. maxLive <= 0 means unbounded.
func NewRegistry(maxLive int, provision ProvisionFunc, logger *slog.Logger) *Registry {
	return &Registry{
		entries:   make(map[string]*Entry),
		order:     list.New(),
		maxLive:   maxLive,
		provision: provision,
		logger:    logger.With("component", "session.registry"),
	}
}

// GetOrCreate returns the live entry for the pair, provisioning one on
// miss. Concurrent callers for the same key share a single provisioning
// attempt and receive the same entry.
func (r *Registry) GetOrCreate(ctx context.Context, businessID, agentID string, hints Hints) (*Entry, error) {
	key := Key(businessID, agentID)

	r.mu.Lock()
	if e, ok := r.entries[key]; ok {
		e.lastUsed = time.Now()
		r.order.MoveToBack(e.elem)
		r.mu.Unlock()
		return r.await(ctx, e)
	}

	// Miss: make room first, then reserve the slot before any slow work
	// so a concurrent call for the same key joins this attempt.
	var evicted []*Entry
	if r.maxLive > 0 {
		for len(r.entries) >= r.maxLive {
			victim := r.evictOldestLocked()
			if victim == nil {
				break
			}
			evicted = append(evicted, victim)
		}
	}

	e := &Entry{
		key:        key,
		businessID: businessID,
		agentID:    agentID,
		ready:      make(chan struct{}),
		lastUsed:   time.Now(),
	}
	e.elem = r.order.PushBack(e)
	r.entries[key] = e
	r.mu.Unlock()

	// maxLive caps live backends. Close the evicted ones before the
	// replacement exists so the cap holds throughout.
	for _, victim := range evicted {
		r.dispose(victim)
	}

	be, err := r.provision(ctx, businessID, agentID, hints)
	if err != nil {
		r.mu.Lock()
		r.removeLocked(e)
		r.mu.Unlock()
		e.err = fmt.Errorf("provisioning backend for %s: %w", key, err)
		close(e.ready)
		return nil, e.err
	}

	e.be = be
	close(e.ready)
	r.logger.Info("backend provisioned", "session", businessID, "agent", agentID)
	return e, nil
}

// await blocks until the entry's provisioning settles or ctx ends.
func (r *Registry) await(ctx context.Context, e *Entry) (*Entry, error) {
	select {
	case <-e.ready:
		if e.err != nil {
			return nil, e.err
		}
		return e, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// evictOldestLocked removes the LRU entry from the registry and returns
// it for disposal by the caller. Must be called with mu held.
func (r *Registry) evictOldestLocked() *Entry {
	front := r.order.Front()
	if front == nil {
		return nil
	}
	e := front.Value.(*Entry)
	r.removeLocked(e)
	r.logger.Info("evicting least-recently-used backend",
		"session", e.businessID, "agent", e.agentID)
	return e
}

// dispose closes an entry's backend once it exists. Close failures are
// logged, never fatal.
func (r *Registry) dispose(e *Entry) {
	<-e.ready
	if e.be == nil {
		return
	}
	if err := e.be.Close(); err != nil {
		r.logger.Warn("closing evicted backend",
			"session", e.businessID, "agent", e.agentID, "error", err)
	}
}

func (r *Registry) removeLocked(e *Entry) {
	delete(r.entries, e.key)
	r.order.Remove(e.elem)
}

// Delete removes and disposes the entry for one pair, if present.
func (r *Registry) Delete(businessID, agentID string) {
	key := Key(businessID, agentID)

	r.mu.Lock()
	e, ok := r.entries[key]
	if ok {
		r.removeLocked(e)
	}
	r.mu.Unlock()

	if ok {
		go r.dispose(e)
	}
}

// DeleteByBusinessID removes every entry belonging to a business
// session, across all agents.
func (r *Registry) DeleteByBusinessID(businessID string) {
	r.mu.Lock()
	var victims []*Entry
	for _, e := range r.entries {
		if e.businessID == businessID {
			victims = append(victims, e)
		}
	}
	for _, e := range victims {
		r.removeLocked(e)
	}
	r.mu.Unlock()

	for _, e := range victims {
		go r.dispose(e)
	}
}

// Clear removes every entry, disposing backends best-effort. Used on
// shutdown.
func (r *Registry) Clear() {
	r.mu.Lock()
	victims := make([]*Entry, 0, len(r.entries))
	for _, e := range r.entries {
		victims = append(victims, e)
	}
	r.entries = make(map[string]*Entry)
	r.order.Init()
	r.mu.Unlock()

	var wg sync.WaitGroup
	for _, e := range victims {
		wg.Add(1)
		go func(e *Entry) {
			defer wg.Done()
			r.dispose(e)
		}(e)
	}
	wg.Wait()
}

// Len reports the number of live entries.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}
