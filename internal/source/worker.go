// Package source runs one capture worker per configured camera. A worker
// keeps a connection to its source alive, decodes and scales every picture
// into a jitter buffer stamped on the recording timeline, and on each
// heartbeat pulse encodes the most recent due picture into its mapped view.
package source

import (
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"golang.org/x/time/rate"

	"github.com/zsiec/replay/internal/capture"
	"github.com/zsiec/replay/internal/clock"
	"github.com/zsiec/replay/internal/codec"
	"github.com/zsiec/replay/internal/media"
	"github.com/zsiec/replay/internal/metrics"
)

// Defaults applied by Config for zero values.
const (
	DefaultJitterWindow   = 200 * time.Millisecond
	DefaultStallTimeout   = 8 * time.Second
	DefaultQueueCap       = 1000
	DefaultBackoffInitial = time.Second
	DefaultBackoffMax     = 10 * time.Second
)

// mailboxCap bounds pulses waiting for a slow worker; the oldest is dropped.
const mailboxCap = 256

// Unmapped is the view of a worker whose source is on no view.
const Unmapped = -1

// State is a worker's capture state.
type State int32

// Capture states.
const (
	StateIdle State = iota
	StateConnecting
	StateCapturing
	StateBackoff
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateCapturing:
		return "capturing"
	case StateBackoff:
		return "backoff"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Config describes one source and the output it is normalized to.
type Config struct {
	ID   string
	Name string
	URL  string

	Width   int
	Height  int
	FPS     int
	Quality int

	JitterWindow   time.Duration
	StallTimeout   time.Duration
	QueueCap       int
	BackoffInitial time.Duration
	BackoffMax     time.Duration
}

func (c *Config) applyDefaults() {
	if c.JitterWindow <= 0 {
		c.JitterWindow = DefaultJitterWindow
	}
	if c.StallTimeout <= 0 {
		c.StallTimeout = DefaultStallTimeout
	}
	if c.QueueCap <= 0 {
		c.QueueCap = DefaultQueueCap
	}
	if c.BackoffInitial <= 0 {
		c.BackoffInitial = DefaultBackoffInitial
	}
	if c.BackoffMax < c.BackoffInitial {
		c.BackoffMax = max(DefaultBackoffMax, c.BackoffInitial)
	}
	if c.Name == "" {
		c.Name = c.ID
	}
}

// PacketWriter receives encoded view packets. mux.Muxer implements it.
type PacketWriter interface {
	WritePacket(media.Packet) error
	TimeBase(stream int) media.Rational
}

// Pulse is one heartbeat: the output frame index to produce, the session
// time it was derived from and the view to write it to. View is resolved
// when the pulse is sent, so a remap never redirects a queued pulse.
type Pulse struct {
	Index     int64
	ElapsedMs int64
	View      int // Unmapped writes nothing
}

// Stats is a snapshot of worker counters.
type Stats struct {
	ID             string              `json:"id"`
	Name           string              `json:"name"`
	URL            string              `json:"url"`
	State          string              `json:"state"`
	View           int                 `json:"view"`
	Connects       int64               `json:"connects"`
	Reconnects     int64               `json:"reconnects"`
	FramesDecoded  int64               `json:"framesDecoded"`
	DecodeErrors   int64               `json:"decodeErrors"`
	FramesDropped  int64               `json:"framesDropped"`
	PacketsWritten int64               `json:"packetsWritten"`
	PulsesDropped  int64               `json:"pulsesDropped"`
	QueueDepth     int                 `json:"queueDepth"`
	Input          *capture.InputStats `json:"input,omitempty"`
}

type queuedFrame struct {
	img *image.YCbCr
	pts int64 // ms on the recording timeline
}

type mail struct {
	pulse   Pulse
	barrier chan struct{}
}

// Worker owns one source's connection, jitter buffer and encoder.
type Worker struct {
	cfg    Config
	log    *slog.Logger
	opener capture.Opener
	clock  clock.Elapsed
	out    PacketWriter
	reaper *capture.Reaper
	now    func() time.Time
	fill   *image.YCbCr

	view       atomic.Int32
	restart    atomic.Bool
	paintFill  atomic.Bool
	stopping   atomic.Bool
	lastPacket atomic.Int64 // unix nanos
	state      atomic.Int32
	kick       chan struct{}

	urlMu sync.Mutex
	url   string

	mu     sync.Mutex
	queue  []queuedFrame
	latest *image.YCbCr
	input  capture.Input

	mailMu  sync.Mutex
	mailbox []mail
	closed  bool
	wake    chan struct{}

	// pulse goroutine only
	encoder  *codec.Encoder
	lastImg  *image.YCbCr
	lastData []byte

	connects       atomic.Int64
	reconnects     atomic.Int64
	framesDecoded  atomic.Int64
	decodeErrors   atomic.Int64
	framesDropped  atomic.Int64
	packetsWritten atomic.Int64
	pulsesDropped  atomic.Int64

	decodeLog rate.Sometimes
	writeLog  rate.Sometimes
}

// NewWorker returns a worker for cfg writing into out. The worker is idle
// until Run. If log is nil, slog.Default() is used.
func NewWorker(cfg Config, opener capture.Opener, clk clock.Elapsed, out PacketWriter, reaper *capture.Reaper, log *slog.Logger) (*Worker, error) {
	if cfg.ID == "" {
		return nil, errors.New("source: id is required")
	}
	if opener == nil || clk == nil || out == nil {
		return nil, errors.New("source: opener, clock and output are required")
	}
	cfg.applyDefaults()
	enc, err := codec.NewEncoder(cfg.Width, cfg.Height, cfg.FPS, cfg.Quality)
	if err != nil {
		return nil, fmt.Errorf("source %s: %w", cfg.ID, err)
	}
	if log == nil {
		log = slog.Default()
	}
	if reaper == nil {
		reaper = capture.NewReaper(0, log)
	}
	fill := media.NewFillImage(cfg.Width, cfg.Height, media.FillColor)
	w := &Worker{
		cfg:       cfg,
		log:       log.With("component", "source", "source", cfg.ID),
		opener:    opener,
		clock:     clk,
		out:       out,
		reaper:    reaper,
		now:       time.Now,
		fill:      fill,
		latest:    fill,
		url:       cfg.URL,
		encoder:   enc,
		kick:      make(chan struct{}, 1),
		wake:      make(chan struct{}, 1),
		decodeLog: rate.Sometimes{First: 3, Interval: 10 * time.Second},
		writeLog:  rate.Sometimes{First: 3, Interval: 10 * time.Second},
	}
	w.view.Store(Unmapped)
	return w, nil
}

// ID returns the source id.
func (w *Worker) ID() string { return w.cfg.ID }

// Name returns the source display name.
func (w *Worker) Name() string { return w.cfg.Name }

// SetView records the view the worker is mapped onto, or Unmapped, for
// Stats. Pulses carry the view they are written to.
func (w *Worker) SetView(v int) {
	if v < 0 {
		v = Unmapped
	}
	w.view.Store(int32(v))
}

// View returns the mapped view, or Unmapped.
func (w *Worker) View() int {
	return int(w.view.Load())
}

// URL returns the current source URL.
func (w *Worker) URL() string {
	w.urlMu.Lock()
	defer w.urlMu.Unlock()
	return w.url
}

// SetURL replaces the source URL and forces a reconnect. An empty URL idles
// the worker and paints its view with the fill color.
func (w *Worker) SetURL(url string) {
	w.urlMu.Lock()
	w.url = url
	w.urlMu.Unlock()
	if url == "" {
		w.paintFill.Store(true)
	}
	w.restart.Store(true)
	select {
	case w.kick <- struct{}{}:
	default:
	}
}

// State returns the capture state.
func (w *Worker) State() State {
	return State(w.state.Load())
}

func (w *Worker) setState(s State) {
	if State(w.state.Swap(int32(s))) == s {
		return
	}
	up := 0.0
	if s == StateCapturing {
		up = 1
	}
	metrics.SourceUp.WithLabelValues(w.cfg.ID).Set(up)
}

// shouldInterrupt tells the capture layer to abandon blocking I/O.
func (w *Worker) shouldInterrupt() bool {
	if w.stopping.Load() || w.restart.Load() {
		return true
	}
	last := w.lastPacket.Load()
	return last != 0 && w.now().UnixNano()-last > w.cfg.StallTimeout.Nanoseconds()
}

// Pulse queues a heartbeat for the worker. It never blocks.
func (w *Worker) Pulse(p Pulse) {
	w.post(mail{pulse: p})
}

// Flush waits until every pulse queued before the call has been handled.
func (w *Worker) Flush(ctx context.Context) error {
	barrier := make(chan struct{})
	w.post(mail{barrier: barrier})
	select {
	case <-barrier:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *Worker) post(m mail) {
	w.mailMu.Lock()
	if w.closed {
		w.mailMu.Unlock()
		if m.barrier != nil {
			close(m.barrier)
		}
		return
	}
	if m.barrier == nil && len(w.mailbox) >= mailboxCap {
		for i, old := range w.mailbox {
			if old.barrier == nil {
				w.mailbox = append(w.mailbox[:i], w.mailbox[i+1:]...)
				w.pulsesDropped.Add(1)
				break
			}
		}
	}
	w.mailbox = append(w.mailbox, m)
	w.mailMu.Unlock()
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

// Run captures and services pulses until ctx ends. Pulses already queued
// when ctx ends are still handled; Run returns once the capture goroutine
// has exited.
func (w *Worker) Run(ctx context.Context) error {
	captureDone := make(chan struct{})
	go func() {
		defer close(captureDone)
		w.captureLoop(ctx)
	}()

loop:
	for {
		select {
		case <-w.wake:
			w.drain()
		case <-ctx.Done():
			break loop
		}
	}

	w.stopping.Store(true)
	w.mailMu.Lock()
	w.closed = true
	w.mailMu.Unlock()
	w.drain()

	<-captureDone
	w.setState(StateStopped)
	return nil
}

func (w *Worker) drain() {
	w.mailMu.Lock()
	pending := w.mailbox
	w.mailbox = nil
	w.mailMu.Unlock()

	for _, m := range pending {
		if m.barrier != nil {
			close(m.barrier)
			continue
		}
		w.onPulse(m.pulse)
	}
}

// onPulse advances the jitter buffer to the pulse's target time and writes
// the latest picture into the pulse's view.
func (w *Worker) onPulse(p Pulse) {
	if w.paintFill.CompareAndSwap(true, false) {
		w.mu.Lock()
		w.latest = w.fill
		w.queue = nil
		w.mu.Unlock()
	}

	target := p.ElapsedMs - w.cfg.JitterWindow.Milliseconds()
	w.mu.Lock()
	n := 0
	for n < len(w.queue) && w.queue[n].pts <= target {
		w.latest = w.queue[n].img
		w.queue[n] = queuedFrame{}
		n++
	}
	w.queue = w.queue[n:]
	img := w.latest
	w.mu.Unlock()

	view := p.View
	if view < 0 || img == nil {
		return
	}

	pkt, err := w.encode(img, p.Index)
	if err != nil {
		w.writeLog.Do(func() { w.log.Warn("encode failed", "index", p.Index, "error", err) })
		return
	}
	pkt.StreamIndex = view
	pkt.RescaleTS(w.out.TimeBase(view))
	if err := w.out.WritePacket(pkt); err != nil {
		w.writeLog.Do(func() { w.log.Warn("write failed", "view", view, "error", err) })
		return
	}
	w.packetsWritten.Add(1)
}

// encode compresses img stamped with frame index idx. A picture that has not
// changed since the previous pulse reuses the previous payload.
func (w *Worker) encode(img *image.YCbCr, idx int64) (media.Packet, error) {
	if img == w.lastImg && w.lastData != nil {
		return media.Packet{
			PTS:      idx,
			DTS:      idx,
			Duration: 1,
			Keyframe: true,
			Data:     w.lastData,
			TimeBase: w.encoder.TimeBase(),
		}, nil
	}
	pkt, err := w.encoder.Encode(media.Frame{Image: img, PTS: idx, TimeBase: w.encoder.TimeBase()})
	if err != nil {
		return media.Packet{}, err
	}
	w.lastImg, w.lastData = img, pkt.Data
	return pkt, nil
}

func (w *Worker) enqueue(img *image.YCbCr, pts int64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.queue) >= w.cfg.QueueCap {
		drop := len(w.queue) - w.cfg.QueueCap + 1
		clear(w.queue[:drop])
		w.queue = w.queue[drop:]
		w.framesDropped.Add(int64(drop))
		metrics.SourceFramesDroppedTotal.WithLabelValues(w.cfg.ID).Add(float64(drop))
	}
	w.queue = append(w.queue, queuedFrame{img: img, pts: pts})
}

// captureLoop keeps a connection open for the current URL until ctx ends.
func (w *Worker) captureLoop(ctx context.Context) {
	b := &backoff.ExponentialBackOff{
		InitialInterval:     w.cfg.BackoffInitial,
		RandomizationFactor: 0,
		Multiplier:          2,
		MaxInterval:         w.cfg.BackoffMax,
	}
	b.Reset()

	sessions := 0
	for ctx.Err() == nil {
		w.restart.Store(false)
		url := w.URL()
		if url == "" {
			w.setState(StateIdle)
			w.wait(ctx, -1)
			continue
		}

		w.setState(StateConnecting)
		w.lastPacket.Store(w.now().UnixNano())
		in, err := w.opener.Open(ctx, url, capture.InterruptFunc(w.shouldInterrupt))
		if err != nil {
			if ctx.Err() != nil || w.stopping.Load() {
				return
			}
			if w.restart.Load() {
				continue
			}
			metrics.SourceConnectsTotal.WithLabelValues(w.cfg.ID, "error").Inc()
			d := b.NextBackOff()
			w.log.Warn("connect failed", "url", url, "error", err, "retry_in", d)
			w.setState(StateBackoff)
			w.wait(ctx, d)
			continue
		}

		b.Reset()
		metrics.SourceConnectsTotal.WithLabelValues(w.cfg.ID, "ok").Inc()
		w.connects.Add(1)
		if sessions > 0 {
			w.reconnects.Add(1)
		}
		sessions++
		w.log.Info("connected", "url", url)

		w.mu.Lock()
		w.input = in
		w.mu.Unlock()
		w.setState(StateCapturing)

		reason := w.readLoop(ctx, in)

		w.mu.Lock()
		w.input = nil
		w.mu.Unlock()
		w.reaper.Close(w.cfg.ID, in)

		metrics.SourceDisconnectsTotal.WithLabelValues(w.cfg.ID, reason).Inc()
		if ctx.Err() != nil || w.stopping.Load() {
			return
		}
		if w.restart.Load() {
			w.log.Info("restarting", "reason", reason)
			continue
		}
		d := b.NextBackOff()
		w.log.Warn("capture ended", "reason", reason, "retry_in", d)
		w.setState(StateBackoff)
		w.wait(ctx, d)
	}
}

// wait sleeps for d (forever when negative) or until ctx ends or SetURL
// requests a restart.
func (w *Worker) wait(ctx context.Context, d time.Duration) {
	var timeout <-chan time.Time
	if d >= 0 {
		t := time.NewTimer(d)
		defer t.Stop()
		timeout = t.C
	}
	select {
	case <-timeout:
	case <-ctx.Done():
	case <-w.kick:
	}
}

// readLoop decodes pictures into the jitter buffer until the input fails.
// It returns the disconnect reason.
func (w *Worker) readLoop(ctx context.Context, in capture.Input) string {
	dec := codec.NewDecoder()
	scaler := codec.NewScaler(w.cfg.Width, w.cfg.Height)
	first := media.NoPTS
	var anchor int64

	for {
		pkt, err := in.ReadPacket()
		if err != nil {
			switch {
			case w.stopping.Load() || ctx.Err() != nil:
				return "stopped"
			case w.restart.Load():
				return "restart"
			case errors.Is(err, capture.ErrInterrupted):
				return "stall"
			case errors.Is(err, io.EOF):
				return "eof"
			default:
				w.log.Warn("read failed", "error", err)
				return "read_error"
			}
		}
		w.lastPacket.Store(w.now().UnixNano())

		ts := pkt.PTS
		if ts == media.NoPTS {
			ts = pkt.DTS
		}
		if ts == media.NoPTS || !pkt.TimeBase.Valid() {
			continue
		}

		img, err := dec.Decode(pkt.Data)
		if err != nil {
			w.decodeErrors.Add(1)
			metrics.SourceDecodeErrorsTotal.WithLabelValues(w.cfg.ID).Inc()
			w.decodeLog.Do(func() { w.log.Debug("decode failed", "error", err) })
			continue
		}
		w.framesDecoded.Add(1)

		if first == media.NoPTS {
			first = ts
			anchor = w.clock.ElapsedMs()
		}
		pts := anchor + media.Rescale(ts-first, pkt.TimeBase, media.Millis)
		w.enqueue(scaler.Scale(img), pts)
	}
}

// Stats returns a snapshot of the worker's counters.
func (w *Worker) Stats() Stats {
	w.mu.Lock()
	depth := len(w.queue)
	in := w.input
	w.mu.Unlock()

	st := Stats{
		ID:             w.cfg.ID,
		Name:           w.cfg.Name,
		URL:            w.URL(),
		State:          w.State().String(),
		View:           w.View(),
		Connects:       w.connects.Load(),
		Reconnects:     w.reconnects.Load(),
		FramesDecoded:  w.framesDecoded.Load(),
		DecodeErrors:   w.decodeErrors.Load(),
		FramesDropped:  w.framesDropped.Load(),
		PacketsWritten: w.packetsWritten.Load(),
		PulsesDropped:  w.pulsesDropped.Load(),
		QueueDepth:     depth,
	}
	if in != nil {
		is := in.Stats()
		st.Input = &is
	}
	return st
}

// Latest returns the most recent picture handed to the encoder side.
func (w *Worker) Latest() *image.YCbCr {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.latest
}
