// Package capture opens network video sources and yields their compressed
// pictures. Every blocking call polls an Interrupter so a stopping, restarting
// or stalled source can be torn down without waiting on the network.
package capture

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/zsiec/replay/internal/media"
)

var (
	// ErrInterrupted is returned when the Interrupter aborted a blocking call.
	ErrInterrupted = errors.New("capture: interrupted")
	// ErrNoVideoStream is returned when a source carries no video track.
	ErrNoVideoStream = errors.New("capture: no video stream")
	// ErrUnsupportedURL is returned for source URLs no opener handles.
	ErrUnsupportedURL = errors.New("capture: unsupported source url")
)

// pollInterval is how often blocking operations consult their Interrupter.
const pollInterval = 50 * time.Millisecond

// Interrupter decides whether in-flight I/O should be abandoned.
type Interrupter interface {
	Interrupt() bool
}

// InterruptFunc adapts a predicate to the Interrupter interface.
type InterruptFunc func() bool

// Interrupt calls f.
func (f InterruptFunc) Interrupt() bool { return f() }

// AlwaysInterrupt aborts every blocking call. Teardown paths install it so
// closing a connection never lingers.
var AlwaysInterrupt Interrupter = InterruptFunc(func() bool { return true })

// Input is one open connection to a source.
type Input interface {
	// ReadPacket blocks until the next compressed picture arrives. It
	// returns io.EOF when the source ended and ErrInterrupted when the
	// Interrupter fired.
	ReadPacket() (media.Packet, error)
	// Stats reports connection counters.
	Stats() InputStats
	// Close releases the connection. It may block while the transport
	// lingers; callers hand it to a Reaper.
	Close() error
}

// Interruptible is implemented by inputs whose Interrupter can be replaced,
// so teardown can switch them to AlwaysInterrupt.
type Interruptible interface {
	SetInterrupter(Interrupter)
}

// Opener connects to source URLs.
type Opener interface {
	Open(ctx context.Context, url string, intr Interrupter) (Input, error)
}

// InputStats captures connection-level metrics for a source.
type InputStats struct {
	BytesReceived int64  `json:"bytesReceived"`
	ReadCount     int64  `json:"readCount"`
	ConnectedAt   int64  `json:"connectedAt"`
	UptimeMs      int64  `json:"uptimeMs"`
	RemoteAddr    string `json:"remoteAddr,omitempty"`
}

// counters is embedded by inputs to implement Stats.
type counters struct {
	startedAt     time.Time
	bytesReceived atomic.Int64
	readCount     atomic.Int64
	remoteAddr    atomic.Value
}

func (c *counters) recordRead(n int) {
	c.bytesReceived.Add(int64(n))
	c.readCount.Add(1)
}

func (c *counters) setRemoteAddr(addr string) {
	c.remoteAddr.Store(addr)
}

func (c *counters) snapshot() InputStats {
	addr, _ := c.remoteAddr.Load().(string)
	return InputStats{
		BytesReceived: c.bytesReceived.Load(),
		ReadCount:     c.readCount.Load(),
		ConnectedAt:   c.startedAt.UnixMilli(),
		UptimeMs:      time.Since(c.startedAt).Milliseconds(),
		RemoteAddr:    addr,
	}
}

// interrupter holds a replaceable Interrupter.
type interrupter struct {
	v atomic.Pointer[Interrupter]
}

func (i *interrupter) set(intr Interrupter) {
	if intr == nil {
		intr = InterruptFunc(func() bool { return false })
	}
	i.v.Store(&intr)
}

func (i *interrupter) fired() bool {
	p := i.v.Load()
	return p != nil && (*p).Interrupt()
}

// waitInterruptible blocks until ch yields, ctx ends, or intr fires.
func waitInterruptible[T any](ctx context.Context, ch <-chan T, intr Interrupter) (T, error) {
	t := time.NewTicker(pollInterval)
	defer t.Stop()
	for {
		select {
		case v := <-ch:
			return v, nil
		case <-ctx.Done():
			var zero T
			return zero, ctx.Err()
		case <-t.C:
			if intr != nil && intr.Interrupt() {
				var zero T
				return zero, ErrInterrupted
			}
		}
	}
}
