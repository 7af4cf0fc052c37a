package source

import (
	"context"
	"image"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/zsiec/replay/internal/capture"
	"github.com/zsiec/replay/internal/codec"
	"github.com/zsiec/replay/internal/media"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeElapsed struct{ atomic.Int64 }

func (f *fakeElapsed) ElapsedMs() int64 { return f.Load() }

type recordingWriter struct {
	mu   sync.Mutex
	pkts []media.Packet
}

func (r *recordingWriter) WritePacket(p media.Packet) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pkts = append(r.pkts, p)
	return nil
}

func (r *recordingWriter) TimeBase(int) media.Rational { return media.Millis }

func (r *recordingWriter) packets() []media.Packet {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]media.Packet(nil), r.pkts...)
}

// scriptedInput yields its packets, then either ends or blocks like a
// silent network source until interrupted.
type scriptedInput struct {
	pkts   []media.Packet
	hang   bool
	intr   capture.Interrupter
	closed atomic.Bool
}

func (in *scriptedInput) ReadPacket() (media.Packet, error) {
	if len(in.pkts) > 0 {
		p := in.pkts[0]
		in.pkts = in.pkts[1:]
		return p, nil
	}
	if !in.hang {
		return media.Packet{}, io.EOF
	}
	for !in.intr.Interrupt() {
		time.Sleep(5 * time.Millisecond)
	}
	return media.Packet{}, capture.ErrInterrupted
}

func (in *scriptedInput) Stats() capture.InputStats { return capture.InputStats{} }

func (in *scriptedInput) Close() error {
	in.closed.Store(true)
	return nil
}

// scriptedOpener hands out one connection per Open call. Before returning
// connection k it sets the session clock to elapsed[k]. Once the script is
// exhausted, Open blocks until interrupted.
type scriptedOpener struct {
	clock   *fakeElapsed
	mu      sync.Mutex
	conns   []*scriptedInput
	elapsed []int64
	urls    []string
}

func (o *scriptedOpener) Open(ctx context.Context, url string, intr capture.Interrupter) (capture.Input, error) {
	o.mu.Lock()
	o.urls = append(o.urls, url)
	if len(o.conns) > 0 {
		in := o.conns[0]
		o.conns = o.conns[1:]
		if len(o.elapsed) > 0 {
			o.clock.Store(o.elapsed[0])
			o.elapsed = o.elapsed[1:]
		}
		o.mu.Unlock()
		in.intr = intr
		return in, nil
	}
	o.mu.Unlock()
	for !intr.Interrupt() {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(5 * time.Millisecond):
		}
	}
	return nil, capture.ErrInterrupted
}

func (o *scriptedOpener) openedURLs() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]string(nil), o.urls...)
}

func jpegPackets(t *testing.T, tss ...int64) []media.Packet {
	t.Helper()
	enc, err := codec.NewEncoder(16, 16, 30, 80)
	require.NoError(t, err)
	pkt, err := enc.Encode(media.Frame{Image: media.NewFillImage(16, 16, media.FillColor), TimeBase: enc.TimeBase()})
	require.NoError(t, err)

	out := make([]media.Packet, len(tss))
	for i, ts := range tss {
		out[i] = media.Packet{PTS: ts, DTS: ts, Keyframe: true, Data: pkt.Data, TimeBase: media.Millis}
	}
	return out
}

func newTestWorker(t *testing.T, cfg Config, opener capture.Opener, clk *fakeElapsed, out PacketWriter) *Worker {
	t.Helper()
	cfg.ID = "cam1"
	cfg.Width, cfg.Height, cfg.FPS = 16, 16, 30
	if cfg.BackoffInitial == 0 {
		cfg.BackoffInitial = 10 * time.Millisecond
		cfg.BackoffMax = 20 * time.Millisecond
	}
	if opener == nil {
		opener = &scriptedOpener{clock: clk}
	}
	w, err := NewWorker(cfg, opener, clk, out, nil, nil)
	require.NoError(t, err)
	return w
}

func queuedPTS(w *Worker) []int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]int64, len(w.queue))
	for i, f := range w.queue {
		out[i] = f.pts
	}
	return out
}

func TestPulseEncodesWithFrameIndex(t *testing.T) {
	t.Parallel()
	out := &recordingWriter{}
	w := newTestWorker(t, Config{}, nil, &fakeElapsed{}, out)
	w.SetView(2)

	w.onPulse(Pulse{Index: 5, ElapsedMs: 167, View: 2})
	w.onPulse(Pulse{Index: 6, ElapsedMs: 200, View: 2})

	pkts := out.packets()
	require.Len(t, pkts, 2, "a mapped source that never connected still writes its fill picture")
	assert.Equal(t, 2, pkts[0].StreamIndex)
	assert.Equal(t, media.Millis, pkts[0].TimeBase)
	assert.Equal(t, int64(167), pkts[0].PTS)
	assert.Equal(t, int64(200), pkts[1].DTS)
	assert.True(t, pkts[0].Keyframe)
	assert.Equal(t, int64(2), w.Stats().PacketsWritten)
	assert.Equal(t, 2, w.Stats().View)
}

func TestPulseViewFixedWhenSent(t *testing.T) {
	t.Parallel()
	out := &recordingWriter{}
	w := newTestWorker(t, Config{}, nil, &fakeElapsed{}, out)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)

	w.SetView(1)
	w.Pulse(Pulse{Index: 0, ElapsedMs: 0, View: 1})
	w.Pulse(Pulse{Index: 1, ElapsedMs: 33, View: 1})
	// Remapped before the queued pulses are handled.
	w.SetView(Unmapped)
	w.Pulse(Pulse{Index: 2, ElapsedMs: 67, View: Unmapped})
	go func() { done <- w.Run(ctx) }()
	require.NoError(t, w.Flush(context.Background()))

	pkts := out.packets()
	require.Len(t, pkts, 2, "queued pulses keep the view they were sent for")
	assert.Equal(t, 1, pkts[0].StreamIndex)
	assert.Equal(t, 1, pkts[1].StreamIndex)
	assert.Equal(t, int64(33), pkts[1].PTS)
	assert.Equal(t, Unmapped, w.Stats().View)

	cancel()
	require.NoError(t, <-done)
}

func TestUnmappedWorkerWritesNothing(t *testing.T) {
	t.Parallel()
	out := &recordingWriter{}
	w := newTestWorker(t, Config{}, nil, &fakeElapsed{}, out)

	img := media.NewFillImage(16, 16, media.FillColor)
	w.enqueue(img, 0)
	w.onPulse(Pulse{Index: 10, ElapsedMs: 333, View: Unmapped})

	assert.Empty(t, out.packets())
	assert.Same(t, img, w.Latest(), "unmapped workers still advance their latest picture")
}

func TestJitterWindowLastWins(t *testing.T) {
	t.Parallel()
	w := newTestWorker(t, Config{}, nil, &fakeElapsed{}, &recordingWriter{})

	imgs := make([]*image.YCbCr, 4)
	for i := range imgs {
		imgs[i] = media.NewFillImage(16, 16, media.FillColor)
		w.enqueue(imgs[i], int64(i*100))
	}

	// target = 450 - 200 = 250: frames at 0, 100 and 200 are due.
	w.onPulse(Pulse{Index: 13, ElapsedMs: 450, View: Unmapped})
	assert.Same(t, imgs[2], w.Latest())
	assert.Equal(t, []int64{300}, queuedPTS(w))

	// Nothing new is due; latest is repeated.
	w.onPulse(Pulse{Index: 14, ElapsedMs: 480, View: Unmapped})
	assert.Same(t, imgs[2], w.Latest())

	w.onPulse(Pulse{Index: 15, ElapsedMs: 500, View: Unmapped})
	assert.Same(t, imgs[3], w.Latest())
	assert.Empty(t, queuedPTS(w))
}

func TestQueueCapEvictsOldest(t *testing.T) {
	t.Parallel()
	w := newTestWorker(t, Config{QueueCap: 3}, nil, &fakeElapsed{}, &recordingWriter{})

	for i := int64(0); i < 5; i++ {
		w.enqueue(w.fill, i)
	}
	assert.Equal(t, []int64{2, 3, 4}, queuedPTS(w))
	st := w.Stats()
	assert.Equal(t, int64(2), st.FramesDropped)
	assert.Equal(t, 3, st.QueueDepth)
}

func TestEmptyURLPaintsFill(t *testing.T) {
	t.Parallel()
	w := newTestWorker(t, Config{}, nil, &fakeElapsed{}, &recordingWriter{})

	img := media.NewFillImage(16, 16, media.FillColor)
	w.enqueue(img, 0)
	w.enqueue(img, 5000)
	w.onPulse(Pulse{Index: 30, ElapsedMs: 1000, View: Unmapped})
	require.Same(t, img, w.Latest())

	w.SetURL("")
	w.onPulse(Pulse{Index: 31, ElapsedMs: 1033, View: Unmapped})
	assert.Same(t, w.fill, w.Latest())
	assert.Empty(t, queuedPTS(w), "paint fill clears the jitter buffer")
}

func TestReanchorOnReconnect(t *testing.T) {
	t.Parallel()
	clk := &fakeElapsed{}
	opener := &scriptedOpener{
		clock: clk,
		conns: []*scriptedInput{
			{pkts: jpegPackets(t, 1000, 1033)},
			{pkts: jpegPackets(t, 90000, 90040)},
		},
		elapsed: []int64{500, 2000},
	}
	w := newTestWorker(t, Config{URL: "rtsp://cam1/main"}, opener, clk, &recordingWriter{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	require.Eventually(t, func() bool { return w.Stats().FramesDecoded == 4 },
		5*time.Second, 5*time.Millisecond)
	assert.Equal(t, []int64{500, 533, 2000, 2040}, queuedPTS(w))
	st := w.Stats()
	assert.Equal(t, int64(2), st.Connects)
	assert.Equal(t, int64(1), st.Reconnects)

	cancel()
	require.NoError(t, <-done)
	assert.Equal(t, StateStopped, w.State())
}

func TestTimestampFallsBackToDTS(t *testing.T) {
	t.Parallel()
	clk := &fakeElapsed{}
	pkts := jpegPackets(t, 0, 40, 80)
	for i := range pkts {
		pkts[i].PTS = media.NoPTS
	}
	untimed := pkts[0]
	untimed.DTS = media.NoPTS
	pkts = append([]media.Packet{untimed}, pkts...)

	opener := &scriptedOpener{
		clock:   clk,
		conns:   []*scriptedInput{{pkts: pkts}},
		elapsed: []int64{700},
	}
	w := newTestWorker(t, Config{URL: "rtsp://cam1/main"}, opener, clk, &recordingWriter{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	require.Eventually(t, func() bool { return w.Stats().FramesDecoded == 3 },
		5*time.Second, 5*time.Millisecond)
	assert.Equal(t, []int64{700, 740, 780}, queuedPTS(w),
		"packets without a PTS are anchored on their DTS; untimed packets are skipped")

	cancel()
	require.NoError(t, <-done)
}

func TestStallTriggersReconnect(t *testing.T) {
	t.Parallel()
	clk := &fakeElapsed{}
	first := &scriptedInput{pkts: jpegPackets(t, 0), hang: true}
	opener := &scriptedOpener{
		clock: clk,
		conns: []*scriptedInput{first, {hang: true}},
	}
	w := newTestWorker(t, Config{URL: "udp://239.0.0.1:5000", StallTimeout: 50 * time.Millisecond}, opener, clk, &recordingWriter{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	require.Eventually(t, func() bool { return w.Stats().Connects >= 2 },
		5*time.Second, 5*time.Millisecond)
	require.Eventually(t, first.closed.Load, time.Second, 5*time.Millisecond,
		"stalled input must be handed to the reaper")

	cancel()
	require.NoError(t, <-done)
}

func TestSetURLRestartsImmediately(t *testing.T) {
	t.Parallel()
	clk := &fakeElapsed{}
	opener := &scriptedOpener{
		clock: clk,
		conns: []*scriptedInput{{hang: true}, {hang: true}},
	}
	w := newTestWorker(t, Config{
		URL:            "srt://10.0.0.1:9000",
		BackoffInitial: time.Hour,
		BackoffMax:     time.Hour,
	}, opener, clk, &recordingWriter{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	require.Eventually(t, func() bool { return w.State() == StateCapturing },
		5*time.Second, 5*time.Millisecond)
	w.SetURL("srt://10.0.0.2:9000")
	require.Eventually(t, func() bool { return len(opener.openedURLs()) == 2 },
		5*time.Second, 5*time.Millisecond, "restart must not wait for backoff")
	assert.Equal(t, "srt://10.0.0.2:9000", opener.openedURLs()[1])

	w.SetURL("")
	require.Eventually(t, func() bool { return w.State() == StateIdle },
		5*time.Second, 5*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
}

func TestFlushAndStopDrainPulses(t *testing.T) {
	t.Parallel()
	out := &recordingWriter{}
	w := newTestWorker(t, Config{}, nil, &fakeElapsed{}, out)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	for i := int64(0); i < 10; i++ {
		w.Pulse(Pulse{Index: i, ElapsedMs: i * 33, View: 0})
	}
	require.NoError(t, w.Flush(context.Background()))
	assert.Len(t, out.packets(), 10)

	cancel()
	require.NoError(t, <-done)

	// Flush after stop returns at once.
	require.NoError(t, w.Flush(context.Background()))
}

func TestNewWorkerValidation(t *testing.T) {
	t.Parallel()
	clk := &fakeElapsed{}
	opener := &scriptedOpener{clock: clk}
	_, err := NewWorker(Config{Width: 16, Height: 16, FPS: 30}, opener, clk, &recordingWriter{}, nil, nil)
	assert.Error(t, err, "missing id")
	_, err = NewWorker(Config{ID: "a", Width: 0, Height: 16, FPS: 30}, opener, clk, &recordingWriter{}, nil, nil)
	assert.Error(t, err, "bad geometry")
	_, err = NewWorker(Config{ID: "a", Width: 16, Height: 16, FPS: 30}, nil, clk, &recordingWriter{}, nil, nil)
	assert.Error(t, err, "missing opener")
}

func TestRegistryRejectsDuplicate(t *testing.T) {
	t.Parallel()
	clk := &fakeElapsed{}
	r := NewRegistry(nil)
	a := newTestWorker(t, Config{}, nil, clk, &recordingWriter{})
	b := newTestWorker(t, Config{}, nil, clk, &recordingWriter{})

	assert.True(t, r.Add(a))
	assert.False(t, r.Add(b), "one worker per source")
	got, ok := r.Get("cam1")
	require.True(t, ok)
	assert.Same(t, a, got)

	r.Remove("cam1")
	assert.Equal(t, 0, r.Len())
	assert.Empty(t, r.List())
}
