// ABOUTME: TTL-bounded seen-set for platform message IDs.
// ABOUTME: Channel routers consult it so retried deliveries are processed once.

package dedupe

import (
	"container/list"
	"sync"
	"time"
)

type record struct {
	seenAt time.Time
	elem   *list.Element
}

// Cache remembers recently seen keys for a fixed window. Entries beyond
// the size cap are dropped oldest-first, tracked with a linked list so
// eviction stays O(1).
type Cache struct {
	mu     sync.Mutex
	byKey  map[string]*record
	order  *list.List // oldest at front
	window time.Duration
	cap    int
	done   chan struct{}
	closed bool
}

// New creates a cache that remembers keys for the given window, holding
// at most cap entries. Expired entries are swept by a background goroutine.
func New(window time.Duration, cap int) *Cache {
	c := &Cache{
		byKey:  make(map[string]*record),
		order:  list.New(),
		window: window,
		cap:    cap,
		done:   make(chan struct{}),
	}
	go c.sweepLoop()
	return c
}

// Seen reports whether key was marked within the window.
func (c *Cache) Seen(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	rec, ok := c.byKey[key]
	return ok && time.Since(rec.seenAt) < c.window
}

// SeenOrMark atomically checks key and marks it when new. It returns true
// for a duplicate, false when the key is fresh and now recorded.
func (c *Cache) SeenOrMark(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if rec, ok := c.byKey[key]; ok && time.Since(rec.seenAt) < c.window {
		return true
	}
	c.markLocked(key)
	return false
}

// Mark records key as seen, evicting the oldest entry at capacity.
func (c *Cache) Mark(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.markLocked(key)
}

func (c *Cache) markLocked(key string) {
	now := time.Now()

	if rec, ok := c.byKey[key]; ok {
		rec.seenAt = now
		c.order.MoveToBack(rec.elem)
		return
	}

	if len(c.byKey) >= c.cap {
		if front := c.order.Front(); front != nil {
			c.order.Remove(front)
			delete(c.byKey, front.Value.(string))
		}
	}

	c.byKey[key] = &record{seenAt: now, elem: c.order.PushBack(key)}
}

func (c *Cache) sweepLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.sweep()
		case <-c.done:
			return
		}
	}
}

func (c *Cache) sweep() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	for key, rec := range c.byKey {
		if now.Sub(rec.seenAt) > c.window {
			c.order.Remove(rec.elem)
			delete(c.byKey, key)
		}
	}
}

// Close stops the sweep goroutine. Safe to call more than once.
func (c *Cache) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.closed {
		close(c.done)
		c.closed = true
	}
}
