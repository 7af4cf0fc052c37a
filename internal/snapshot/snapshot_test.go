package snapshot

import (
	"errors"
	"image/color"
	"image/jpeg"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zsiec/replay/internal/media"
	"github.com/zsiec/replay/internal/sink"
)

func TestName(t *testing.T) {
	t.Parallel()
	at := time.Date(2026, 3, 14, 15, 9, 26, 535_897_000, time.Local)
	if got, want := Name(2, at), "snapshot_view3_20260314_150926_535.jpg"; got != want {
		t.Errorf("Name() = %q, want %q", got, want)
	}
}

func TestCaptureWritesJPEG(t *testing.T) {
	t.Parallel()
	dir := filepath.Join(t.TempDir(), "snaps")
	w := NewWriter(dir, 90, nil)
	w.now = func() time.Time { return time.Date(2026, 3, 14, 15, 9, 26, 0, time.Local) }

	h := sink.NewHub(1, nil)
	h.Deliver(&sink.Frame{View: 1, PTS: 4200, YCbCr: media.NewFillImage(32, 16, color.YCbCr{Y: 200, Cb: 128, Cr: 128})})

	path, err := w.Capture(h)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "snapshot_view2_20260314_150926_000.jpg"), path)

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	img, err := jpeg.Decode(f)
	require.NoError(t, err)
	assert.Equal(t, 32, img.Bounds().Dx())
	assert.Equal(t, 16, img.Bounds().Dy())

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestCaptureWithoutFrame(t *testing.T) {
	t.Parallel()
	w := NewWriter(t.TempDir(), 0, nil)
	_, err := w.Capture(sink.NewHub(0, nil))
	if !errors.Is(err, ErrNoFrame) {
		t.Fatalf("Capture() error = %v, want ErrNoFrame", err)
	}
}
