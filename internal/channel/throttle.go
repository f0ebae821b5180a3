// ABOUTME: Time-window coalescing of rapid stream updates.
// ABOUTME: Leading edge fires immediately; bursts collapse into one trailing call.

package channel

import (
	"sync"
	"time"
)

// Throttle forwards at most one update per interval to fn, always with
// the latest value. The first update in a quiet period fires
// immediately; later ones within the window coalesce into a single
// trailing call.
type Throttle struct {
	interval time.Duration
	fn       func(string)

	mu       sync.Mutex
	latest   string
	dirty    bool
	lastFire time.Time
	timer    *time.Timer
	stopped  bool
}

func NewThrottle(interval time.Duration, fn func(string)) *Throttle {
	return &Throttle{interval: interval, fn: fn}
}

// Update records the newest value and fires or schedules delivery.
func (t *Throttle) Update(text string) {
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return
	}
	t.latest = text
	t.dirty = true

	if t.timer != nil {
		// A trailing call is already scheduled; it picks up the latest.
		t.mu.Unlock()
		return
	}

	elapsed := time.Since(t.lastFire)
	if elapsed >= t.interval {
		fire := t.takeLocked()
		t.mu.Unlock()
		t.fn(fire)
		return
	}

	t.timer = time.AfterFunc(t.interval-elapsed, t.onTimer)
	t.mu.Unlock()
}

func (t *Throttle) onTimer() {
	t.mu.Lock()
	t.timer = nil
	if t.stopped || !t.dirty {
		t.mu.Unlock()
		return
	}
	fire := t.takeLocked()
	t.mu.Unlock()
	t.fn(fire)
}

// FlushNow delivers any pending value immediately, bypassing the
// window. The next Update starts a fresh window.
func (t *Throttle) FlushNow() {
	t.mu.Lock()
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
	if t.stopped || !t.dirty {
		t.mu.Unlock()
		return
	}
	fire := t.takeLocked()
	t.mu.Unlock()
	t.fn(fire)
}

// Stop drops any pending value and ignores further updates.
func (t *Throttle) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
	t.dirty = false
	t.stopped = true
}

// takeLocked marks the pending value delivered. Must hold mu.
func (t *Throttle) takeLocked() string {
	t.dirty = false
	t.lastFire = time.Now()
	return t.latest
}
