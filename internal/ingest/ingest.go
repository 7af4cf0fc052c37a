// Package ingest tracks transport streams pushed to the recorder, coupling
// each publisher's byte pipe with metadata until a source claims it.
package ingest

import (
	"context"
	"errors"
	"io"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// ErrAborted is returned by Claim when its abort predicate fired.
var ErrAborted = errors.New("ingest: claim aborted")

// pollInterval is how often Claim consults its abort predicate.
const pollInterval = 50 * time.Millisecond

// IngestStats captures connection-level metrics for a pushed stream.
type IngestStats struct {
	BytesReceived int64  `json:"bytesReceived"`
	ReadCount     int64  `json:"readCount"`
	ConnectedAt   int64  `json:"connectedAt"`
	UptimeMs      int64  `json:"uptimeMs"`
	RemoteAddr    string `json:"remoteAddr"`
	Claimed       bool   `json:"claimed"`
}

// Stream represents an active publish connection. Bytes written to the
// internal pipe by the transport receiver are read by whichever source
// claimed the stream.
type Stream struct {
	Key       string
	StartedAt time.Time
	input     *io.PipeReader
	pw        *io.PipeWriter
	done      chan struct{}
	closeOnce sync.Once
	claimed   atomic.Bool

	bytesReceived atomic.Int64
	readCount     atomic.Int64
	remoteAddr    atomic.Value
}

// RecordRead increments the byte and read counters, called by the
// receiver after each successful socket read.
func (s *Stream) RecordRead(n int) {
	s.bytesReceived.Add(int64(n))
	s.readCount.Add(1)
}

// SetRemoteAddr stores the remote address of the connection.
func (s *Stream) SetRemoteAddr(addr string) {
	s.remoteAddr.Store(addr)
}

// Done is closed when the stream is unregistered.
func (s *Stream) Done() <-chan struct{} {
	return s.done
}

// IngestStats returns a snapshot of connection metrics.
func (s *Stream) IngestStats() IngestStats {
	addr, _ := s.remoteAddr.Load().(string)
	return IngestStats{
		BytesReceived: s.bytesReceived.Load(),
		ReadCount:     s.readCount.Load(),
		ConnectedAt:   s.StartedAt.UnixMilli(),
		UptimeMs:      time.Since(s.StartedAt).Milliseconds(),
		RemoteAddr:    addr,
		Claimed:       s.claimed.Load(),
	}
}

// Registry tracks pushed streams by key. It is the rendezvous point between
// the listener and the sources configured with publish:// URLs.
type Registry struct {
	mu      sync.Mutex
	streams map[string]*Stream
	changed chan struct{}
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		streams: make(map[string]*Stream),
		changed: make(chan struct{}),
	}
}

// Register creates a stream under key, returning it and the Writer the
// receiver should copy into. A stream already registered under key is
// replaced and its pipe closed.
func (r *Registry) Register(key string) (*Stream, io.Writer) {
	pr, pw := io.Pipe()
	stream := &Stream{
		Key:       key,
		StartedAt: time.Now(),
		input:     pr,
		pw:        pw,
		done:      make(chan struct{}),
	}

	r.mu.Lock()
	old := r.streams[key]
	r.streams[key] = stream
	r.notifyLocked()
	r.mu.Unlock()

	if old != nil {
		old.close()
	}
	return stream, pw
}

// Unregister removes stream from key if it is still the registered one,
// closing its pipe and signaling Done.
func (r *Registry) Unregister(key string, stream *Stream) {
	r.mu.Lock()
	cur, ok := r.streams[key]
	if ok && (stream == nil || cur == stream) {
		delete(r.streams, key)
		r.notifyLocked()
	} else {
		ok = false
	}
	r.mu.Unlock()

	if ok {
		cur.close()
	} else if stream != nil {
		stream.close()
	}
}

// Get returns the Stream for key, or false if not found.
func (r *Registry) Get(key string) (*Stream, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.streams[key]
	return s, ok
}

// Keys returns the registered stream keys in sorted order.
func (r *Registry) Keys() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.streams))
	for k := range r.streams {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Claim waits until an unclaimed stream is published under key and returns
// its byte reader. Closing the reader disconnects the publisher. Claim
// returns ErrAborted as soon as abort reports true.
func (r *Registry) Claim(ctx context.Context, key string, abort func() bool) (io.ReadCloser, *Stream, error) {
	t := time.NewTicker(pollInterval)
	defer t.Stop()
	for {
		r.mu.Lock()
		s, ok := r.streams[key]
		if ok && s.claimed.CompareAndSwap(false, true) {
			r.mu.Unlock()
			return s.input, s, nil
		}
		changed := r.changed
		r.mu.Unlock()

		select {
		case <-changed:
		case <-ctx.Done():
			return nil, nil, ctx.Err()
		case <-t.C:
			if abort != nil && abort() {
				return nil, nil, ErrAborted
			}
		}
	}
}

func (r *Registry) notifyLocked() {
	close(r.changed)
	r.changed = make(chan struct{})
}

func (s *Stream) close() {
	s.closeOnce.Do(func() {
		s.pw.Close()
		close(s.done)
	})
}
