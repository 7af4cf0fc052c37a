// Package transport keeps the playback position of the replay operator's
// deck: play, pause, variable and reverse speed, seeks and frame steps.
package transport

import (
	"math"
	"sync"
	"time"
)

// Clock is an anchor-based playback clock. The position is the anchor
// position plus the time elapsed since the anchor scaled by speed; every
// state change re-anchors so polling at any rate never drifts.
type Clock struct {
	now func() time.Time
	fps int

	mu        sync.Mutex
	anchorPos float64 // ms
	anchorAt  time.Time
	speed     float64
	playing   bool
}

// State is a snapshot of the clock.
type State struct {
	PositionMs int64   `json:"positionMs"`
	Speed      float64 `json:"speed"`
	Playing    bool    `json:"playing"`
}

// New returns a paused clock at zero with speed 1. If now is nil, time.Now
// is used.
func New(fps int, now func() time.Time) *Clock {
	if now == nil {
		now = time.Now
	}
	if fps <= 0 {
		fps = 30
	}
	return &Clock{now: now, fps: fps, speed: 1, anchorAt: now()}
}

// positionLocked evaluates the position and applies the lower clamp. A
// reversing clock that reaches zero pauses there.
func (c *Clock) positionLocked(at time.Time) float64 {
	pos := c.anchorPos
	if c.playing {
		pos += float64(at.Sub(c.anchorAt)) / float64(time.Millisecond) * c.speed
	}
	if pos <= 0 {
		pos = 0
		if c.playing && c.speed < 0 {
			c.playing = false
			c.anchorPos, c.anchorAt = 0, at
		}
	}
	return pos
}

func (c *Clock) reanchorLocked() {
	at := c.now()
	c.anchorPos = c.positionLocked(at)
	c.anchorAt = at
}

// Position returns the current position in ms.
func (c *Clock) Position() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return int64(math.Round(c.positionLocked(c.now())))
}

// PositionExact returns the current position in fractional ms.
func (c *Clock) PositionExact() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.positionLocked(c.now())
}

// Play starts advancing at the current speed.
func (c *Clock) Play() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reanchorLocked()
	c.playing = true
}

// Pause freezes the position.
func (c *Clock) Pause() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reanchorLocked()
	c.playing = false
}

// TogglePlay flips between playing and paused and reports the new state.
func (c *Clock) TogglePlay() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reanchorLocked()
	c.playing = !c.playing
	return c.playing
}

// SetSpeed changes the playback rate, rounded to two decimals. Negative
// speeds play in reverse.
func (c *Clock) SetSpeed(s float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reanchorLocked()
	c.speed = math.Round(s*100) / 100
}

// Speed returns the playback rate.
func (c *Clock) Speed() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.speed
}

// Playing reports whether the clock advances.
func (c *Clock) Playing() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.positionLocked(c.now())
	return c.playing
}

// SeekTo jumps to ms, clamped at zero.
func (c *Clock) SeekTo(ms int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.anchorPos = math.Max(0, float64(ms))
	c.anchorAt = c.now()
}

// Step pauses and moves by frames output frames (negative steps back).
func (c *Clock) Step(frames int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reanchorLocked()
	c.playing = false
	c.anchorPos = math.Max(0, c.anchorPos+float64(frames)*1000/float64(c.fps))
}

// FrameDuration returns one output frame in ms.
func (c *Clock) FrameDuration() float64 {
	return 1000 / float64(c.fps)
}

// State returns a snapshot.
func (c *Clock) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	pos := c.positionLocked(c.now())
	return State{
		PositionMs: int64(math.Round(pos)),
		Speed:      c.speed,
		Playing:    c.playing,
	}
}
