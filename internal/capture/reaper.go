package capture

import (
	"io"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"
)

// Reaper closes inputs off the caller's goroutine. Closing a network
// connection can linger on transport teardown; the capture loop hands the
// old input here and reconnects immediately.
type Reaper struct {
	log *slog.Logger
	g   errgroup.Group
	wg  sync.WaitGroup
}

// NewReaper returns a Reaper running at most limit closes at once before
// spilling into extra goroutines. If log is nil, slog.Default() is used.
func NewReaper(limit int, log *slog.Logger) *Reaper {
	if log == nil {
		log = slog.Default()
	}
	r := &Reaper{log: log.With("component", "reaper")}
	if limit > 0 {
		r.g.SetLimit(limit)
	}
	return r
}

// Close schedules c to be closed and returns immediately. Inputs that accept
// an Interrupter are switched to AlwaysInterrupt first.
func (r *Reaper) Close(name string, c io.Closer) {
	if c == nil {
		return
	}
	if in, ok := c.(Interruptible); ok {
		in.SetInterrupter(AlwaysInterrupt)
	}
	fn := func() error {
		if err := c.Close(); err != nil {
			r.log.Debug("close failed", "source", name, "error", err)
		}
		return nil
	}
	if r.g.TryGo(fn) {
		return
	}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		_ = fn()
	}()
}

// Wait blocks until every scheduled close has finished.
func (r *Reaper) Wait() {
	_ = r.g.Wait()
	r.wg.Wait()
}
