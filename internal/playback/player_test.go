package playback

import (
	"context"
	"image/color"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/zsiec/replay/internal/codec"
	"github.com/zsiec/replay/internal/media"
	"github.com/zsiec/replay/internal/mux"
	"github.com/zsiec/replay/internal/sink"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fixedPosition struct{ ms atomic.Int64 }

func (p *fixedPosition) Position() int64 { return p.ms.Load() }

// picture returns one small encoded picture.
func picture(t *testing.T) []byte {
	t.Helper()
	enc, err := codec.NewEncoder(16, 16, 25, 80)
	require.NoError(t, err)
	pkt, err := enc.Encode(media.Frame{Image: media.NewFillImage(16, 16, color.YCbCr{Y: 90, Cb: 100, Cr: 160})})
	require.NoError(t, err)
	return pkt.Data
}

func openRecording(t *testing.T, views int) (*mux.Muxer, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "rec.mkv")
	m := mux.New(nil)
	require.NoError(t, m.Init(path, mux.Params{ViewCount: views, Width: 16, Height: 16, FPS: 25}))
	t.Cleanup(func() { _ = m.Close() })
	return m, path
}

// writeFrames writes pictures at 40ms spacing for indices [from, to) on
// every view.
func writeFrames(t *testing.T, m *mux.Muxer, views, from, to int, data []byte) {
	t.Helper()
	for i := from; i < to; i++ {
		for v := 0; v < views; v++ {
			require.NoError(t, m.WritePacket(media.Packet{
				StreamIndex: v,
				PTS:         int64(i * 40),
				DTS:         int64(i * 40),
				Keyframe:    true,
				Data:        data,
				TimeBase:    media.Millis,
			}))
		}
	}
}

func startPlayer(t *testing.T, path string, pos Position, views int) (*TailingPlayer, []*sink.Hub) {
	t.Helper()
	hubs := sink.NewHubs(views, nil)
	p, err := New(Config{Path: path}, pos, hubs, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		require.NoError(t, <-done)
	})
	return p, hubs
}

func latestPTS(h *sink.Hub) int64 {
	if f := h.Latest(); f != nil {
		return f.PTS
	}
	return -1
}

func TestSeekDeliversFrameAtOrBeforeTarget(t *testing.T) {
	t.Parallel()
	m, path := openRecording(t, 2)
	writeFrames(t, m, 2, 0, 100, picture(t))
	require.NoError(t, m.Close())

	pos := &fixedPosition{}
	pos.ms.Store(1020)
	p, hubs := startPlayer(t, path, pos, 2)

	for _, h := range hubs {
		h := h
		require.Eventually(t, func() bool { return latestPTS(h) == 1000 }, 5*time.Second, 5*time.Millisecond)
	}
	f := hubs[1].Latest()
	require.NotNil(t, f.Image)
	assert.Equal(t, 16, f.Image.Bounds().Dx())
	assert.Equal(t, 1, f.View)

	st := p.Stats()
	assert.Equal(t, int64(1), st.Seeks)
	assert.Positive(t, st.Clusters)
}

func TestStepBackServedFromRing(t *testing.T) {
	t.Parallel()
	m, path := openRecording(t, 1)
	writeFrames(t, m, 1, 0, 100, picture(t))
	require.NoError(t, m.Close())

	pos := &fixedPosition{}
	pos.ms.Store(2000)
	p, hubs := startPlayer(t, path, pos, 1)
	require.Eventually(t, func() bool { return latestPTS(hubs[0]) == 2000 }, 5*time.Second, 5*time.Millisecond)

	// 1500 falls between frames; the one at or before it is shown.
	for _, step := range []struct{ pos, want int64 }{{1960, 1960}, {1920, 1920}, {1500, 1480}} {
		pos.ms.Store(step.pos)
		require.Eventually(t, func() bool { return latestPTS(hubs[0]) == step.want }, 5*time.Second, 5*time.Millisecond,
			"position %d", step.pos)
	}
	assert.Equal(t, int64(1), p.Stats().Seeks, "pictures within the lookback need no seek")
}

func TestJumpBackBeyondRingSeeks(t *testing.T) {
	t.Parallel()
	m, path := openRecording(t, 1)
	writeFrames(t, m, 1, 0, 150, picture(t))
	require.NoError(t, m.Close())

	pos := &fixedPosition{}
	pos.ms.Store(5000)
	p, hubs := startPlayer(t, path, pos, 1)
	require.Eventually(t, func() bool { return latestPTS(hubs[0]) == 5000 }, 5*time.Second, 5*time.Millisecond)

	pos.ms.Store(410)
	require.Eventually(t, func() bool { return latestPTS(hubs[0]) == 400 }, 5*time.Second, 5*time.Millisecond)
	assert.GreaterOrEqual(t, p.Stats().Seeks, int64(2))
}

func TestRequestedSeekRereads(t *testing.T) {
	t.Parallel()
	m, path := openRecording(t, 1)
	writeFrames(t, m, 1, 0, 50, picture(t))
	require.NoError(t, m.Close())

	pos := &fixedPosition{}
	pos.ms.Store(800)
	p, hubs := startPlayer(t, path, pos, 1)
	require.Eventually(t, func() bool { return latestPTS(hubs[0]) == 800 }, 5*time.Second, 5*time.Millisecond)

	pos.ms.Store(1200)
	p.Seek()
	require.Eventually(t, func() bool { return latestPTS(hubs[0]) == 1200 }, 5*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return p.Stats().Seeks >= 2 }, 5*time.Second, 5*time.Millisecond)
}

func TestTailsGrowingFile(t *testing.T) {
	t.Parallel()
	m, path := openRecording(t, 2)
	data := picture(t)
	writeFrames(t, m, 2, 0, 10, data)

	pos := &fixedPosition{}
	p, hubs := startPlayer(t, path, pos, 2)
	require.Eventually(t, func() bool { return latestPTS(hubs[0]) == 0 }, 5*time.Second, 5*time.Millisecond)

	pos.ms.Store(2000)
	require.Eventually(t, func() bool { return p.Stats().AtEOF }, 5*time.Second, 5*time.Millisecond)

	writeFrames(t, m, 2, 10, 51, data)
	require.NoError(t, m.Close())

	for _, h := range hubs {
		h := h
		require.Eventually(t, func() bool { return latestPTS(h) == 2000 }, 5*time.Second, 5*time.Millisecond)
	}
	assert.Positive(t, p.Stats().EOFWaits)
}

func TestWaitsForFileToAppear(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "later.mkv")
	pos := &fixedPosition{}
	pos.ms.Store(120)
	_, hubs := startPlayer(t, path, pos, 1)

	time.Sleep(30 * time.Millisecond)
	assert.Nil(t, hubs[0].Latest())

	m := mux.New(nil)
	require.NoError(t, m.Init(path, mux.Params{ViewCount: 1, Width: 16, Height: 16, FPS: 25}))
	writeFrames(t, m, 1, 0, 5, picture(t))
	require.NoError(t, m.Close())

	require.Eventually(t, func() bool { return latestPTS(hubs[0]) == 120 }, 5*time.Second, 5*time.Millisecond)
}

func TestNewValidation(t *testing.T) {
	t.Parallel()
	_, err := New(Config{}, &fixedPosition{}, nil, nil)
	require.Error(t, err)
	_, err = New(Config{Path: "x.mkv"}, nil, nil, nil)
	require.Error(t, err)
}

func TestRingOrdersAndEvicts(t *testing.T) {
	t.Parallel()
	r := newRing(3)
	for _, pts := range []int64{0, 80, 40, 120} {
		r.push(entry{pts: pts})
	}
	oldest, _ := r.oldest()
	newest, _ := r.newest()
	assert.Equal(t, int64(40), oldest)
	assert.Equal(t, int64(120), newest)

	e, ok := r.at(100)
	require.True(t, ok)
	assert.Equal(t, int64(80), e.pts)

	_, ok = r.at(10)
	assert.False(t, ok)

	r.push(entry{pts: 10})
	assert.Equal(t, 3, r.len(), "entries older than a full ring are dropped")
}

func TestClusterIndexLookup(t *testing.T) {
	t.Parallel()
	var x clusterIndex
	x.add(100, 0)
	x.add(200, 100)
	x.add(200, 100)
	x.add(300, 200)

	c, ok := x.lookup(150)
	require.True(t, ok)
	assert.Equal(t, int64(200), c.off)
	assert.True(t, x.covers(150))
	assert.False(t, x.covers(250))
	assert.Len(t, x.entries, 3)
}
