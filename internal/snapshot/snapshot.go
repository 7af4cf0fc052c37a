// Package snapshot saves the picture a view is showing as a JPEG file.
package snapshot

import (
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/renameio/v2"

	"github.com/zsiec/replay/internal/codec"
	"github.com/zsiec/replay/internal/sink"
)

// ErrNoFrame is returned when the view has not shown a picture yet.
var ErrNoFrame = errors.New("snapshot: no frame to capture")

const timeLayout = "20060102_150405"

// Writer writes snapshots into a directory.
type Writer struct {
	dir     string
	quality int
	log     *slog.Logger
	now     func() time.Time
}

// NewWriter returns a writer for dir. Quality outside 1..100 selects
// codec.DefaultQuality. If log is nil, slog.Default() is used.
func NewWriter(dir string, quality int, log *slog.Logger) *Writer {
	if quality < 1 || quality > 100 {
		quality = codec.DefaultQuality
	}
	if log == nil {
		log = slog.Default()
	}
	return &Writer{
		dir:     dir,
		quality: quality,
		log:     log.With("component", "snapshot"),
		now:     time.Now,
	}
}

// Name returns the file name of a snapshot of view (zero-based) taken at t.
// Views are numbered from 1 in names.
func Name(view int, t time.Time) string {
	return fmt.Sprintf("snapshot_view%d_%s_%03d.jpg", view+1, t.Format(timeLayout), t.Nanosecond()/int(time.Millisecond))
}

// Capture writes the hub's latest frame and returns the file path.
func (w *Writer) Capture(h *sink.Hub) (string, error) {
	f := h.Latest()
	if f == nil {
		return "", ErrNoFrame
	}
	return w.Write(f)
}

// Write encodes f and stores it atomically.
func (w *Writer) Write(f *sink.Frame) (string, error) {
	var img image.Image
	switch {
	case f.YCbCr != nil:
		img = f.YCbCr
	case f.Image != nil:
		img = f.Image
	default:
		return "", ErrNoFrame
	}

	if err := os.MkdirAll(w.dir, 0o755); err != nil {
		return "", fmt.Errorf("snapshot: create %s: %w", w.dir, err)
	}
	path := filepath.Join(w.dir, Name(f.View, w.now()))

	pending, err := renameio.NewPendingFile(path, renameio.WithPermissions(0o644))
	if err != nil {
		return "", fmt.Errorf("snapshot: create pending file: %w", err)
	}
	defer func() { _ = pending.Cleanup() }()

	if err := jpeg.Encode(pending, img, &jpeg.Options{Quality: w.quality}); err != nil {
		return "", fmt.Errorf("snapshot: encode: %w", err)
	}
	if err := pending.CloseAtomicallyReplace(); err != nil {
		return "", fmt.Errorf("snapshot: replace %s: %w", path, err)
	}

	w.log.Info("snapshot saved", "path", path, "view", f.View, "pts_ms", f.PTS)
	return path, nil
}
