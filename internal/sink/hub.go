// Package sink fans decoded playback frames out to whatever displays a
// view: the HTTP frame endpoint, the snapshot writer, embedded renderers.
package sink

import (
	"image"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

// DefaultBuffer is the per-subscriber channel depth.
const DefaultBuffer = 2

// Frame is one picture ready for display.
type Frame struct {
	View  int
	PTS   int64 // ms on the recording timeline
	Image *image.RGBA
	// YCbCr is the decoded picture before display conversion.
	YCbCr *image.YCbCr
}

// Stats reports delivery counters of a hub.
type Stats struct {
	View        int   `json:"view"`
	Subscribers int   `json:"subscribers"`
	Delivered   int64 `json:"delivered"`
	Dropped     int64 `json:"dropped"`
	LastPTS     int64 `json:"lastPts"`
}

// Hub is the fan-out point of one view. It caches the latest frame so a
// subscriber binding late starts with a picture immediately.
type Hub struct {
	log  *slog.Logger
	view int

	mu     sync.RWMutex
	subs   map[string]chan *Frame
	latest *Frame

	delivered atomic.Int64
	dropped   atomic.Int64
}

// NewHub creates a hub for view. If log is nil, slog.Default() is used.
func NewHub(view int, log *slog.Logger) *Hub {
	if log == nil {
		log = slog.Default()
	}
	return &Hub{
		log:  log.With("component", "sink", "view", view),
		view: view,
		subs: make(map[string]chan *Frame),
	}
}

// NewHubs creates one hub per view.
func NewHubs(views int, log *slog.Logger) []*Hub {
	hubs := make([]*Hub, views)
	for i := range hubs {
		hubs[i] = NewHub(i, log)
	}
	return hubs
}

// Bind registers a subscriber and returns its id and frame channel. The
// channel is pre-loaded with the latest frame when one exists.
func (h *Hub) Bind() (string, <-chan *Frame) {
	id := uuid.NewString()
	ch := make(chan *Frame, DefaultBuffer)

	h.mu.Lock()
	if h.latest != nil {
		ch <- h.latest
	}
	h.subs[id] = ch
	n := len(h.subs)
	h.mu.Unlock()

	h.log.Debug("subscriber bound", "id", id, "subscribers", n)
	return id, ch
}

// Unbind removes a subscriber and closes its channel.
func (h *Hub) Unbind(id string) {
	h.mu.Lock()
	ch, ok := h.subs[id]
	delete(h.subs, id)
	h.mu.Unlock()

	if ok {
		close(ch)
		h.log.Debug("subscriber unbound", "id", id)
	}
}

// Deliver publishes f to every subscriber without blocking. A subscriber
// whose channel is full loses its oldest queued frame.
func (h *Hub) Deliver(f *Frame) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.latest = f
	for _, ch := range h.subs {
		h.send(ch, f)
	}
	h.delivered.Add(1)
}

func (h *Hub) send(ch chan *Frame, f *Frame) {
	for {
		select {
		case ch <- f:
			return
		default:
		}
		select {
		case <-ch:
			h.dropped.Add(1)
		default:
		}
	}
}

// Latest returns the most recently delivered frame, or nil.
func (h *Hub) Latest() *Frame {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.latest
}

// Reset drops the cached frame, e.g. when a new recording opens.
func (h *Hub) Reset() {
	h.mu.Lock()
	h.latest = nil
	h.mu.Unlock()
}

// Subscribers returns the number of bound subscribers.
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Stats returns delivery counters.
func (h *Hub) Stats() Stats {
	h.mu.RLock()
	defer h.mu.RUnlock()
	st := Stats{
		View:        h.view,
		Subscribers: len(h.subs),
		Delivered:   h.delivered.Load(),
		Dropped:     h.dropped.Load(),
	}
	if h.latest != nil {
		st.LastPTS = h.latest.PTS
	}
	return st
}
