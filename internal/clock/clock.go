// Package clock provides the session stopwatch every recording component
// derives its notion of recording time from.
package clock

import (
	"sync"
	"time"
)

// Elapsed is the read-only view of a SessionClock handed to workers.
type Elapsed interface {
	ElapsedMs() int64
}

// SessionClock is a monotonic stopwatch started when recording begins. A
// clock belongs to exactly one session and is discarded when it stops.
type SessionClock struct {
	now func() time.Time

	mu      sync.RWMutex
	started time.Time
	valid   bool
}

// New returns a stopped clock. If now is nil, time.Now is used; its
// monotonic reading makes elapsed time immune to wall-clock steps.
func New(now func() time.Time) *SessionClock {
	if now == nil {
		now = time.Now
	}
	return &SessionClock{now: now}
}

// Start (re)starts the stopwatch at zero.
func (c *SessionClock) Start() {
	c.mu.Lock()
	c.started = c.now()
	c.valid = true
	c.mu.Unlock()
}

// Valid reports whether Start has been called.
func (c *SessionClock) Valid() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.valid
}

// ElapsedMs returns milliseconds since Start, or 0 for a stopped clock.
// The value never decreases.
func (c *SessionClock) ElapsedMs() int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if !c.valid {
		return 0
	}
	d := c.now().Sub(c.started)
	if d < 0 {
		return 0
	}
	return d.Milliseconds()
}

// StartedAt returns the instant Start was called.
func (c *SessionClock) StartedAt() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.started
}

// Manual is a hand-driven time source for tests and offline tools.
type Manual struct {
	mu sync.Mutex
	t  time.Time
}

// NewManual returns a Manual time source positioned at t.
func NewManual(t time.Time) *Manual {
	return &Manual{t: t}
}

// Now returns the current manual time.
func (m *Manual) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.t
}

// Advance moves the manual time forward by d.
func (m *Manual) Advance(d time.Duration) {
	m.mu.Lock()
	m.t = m.t.Add(d)
	m.mu.Unlock()
}
