package playback

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// tailFile is a read-only handle on a file another process is still
// appending to. Wait blocks until the writer appended something, the
// fallback interval elapsed, or ctx ended.
type tailFile struct {
	*os.File
	log      *slog.Logger
	name     string
	fallback time.Duration
	watcher  *fsnotify.Watcher
}

// openTail opens path, waiting for it to appear. A watcher failure degrades
// to polling at the fallback interval.
func openTail(ctx context.Context, path string, fallback time.Duration, log *slog.Logger) (*tailFile, error) {
	t := &tailFile{log: log, name: filepath.Base(path), fallback: fallback}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		log.Warn("file watcher unavailable, polling", "error", err)
	} else if err := watcher.Add(filepath.Dir(path)); err != nil {
		log.Warn("cannot watch recording directory, polling", "dir", filepath.Dir(path), "error", err)
		_ = watcher.Close()
	} else {
		t.watcher = watcher
	}

	for {
		f, err := os.Open(path) // #nosec G304
		if err == nil {
			t.File = f
			return t, nil
		}
		if !os.IsNotExist(err) {
			t.closeWatcher()
			return nil, fmt.Errorf("playback: open %s: %w", path, err)
		}
		if err := t.Wait(ctx); err != nil {
			t.closeWatcher()
			return nil, err
		}
	}
}

// Wait blocks until the file may have grown.
func (t *tailFile) Wait(ctx context.Context) error {
	timer := time.NewTimer(t.fallback)
	defer timer.Stop()

	var events <-chan fsnotify.Event
	var errs <-chan error
	if t.watcher != nil {
		events, errs = t.watcher.Events, t.watcher.Errors
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
			return nil
		case event, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if filepath.Base(event.Name) == t.name &&
				(event.Has(fsnotify.Write) || event.Has(fsnotify.Create)) {
				return nil
			}
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			t.log.Debug("file watcher error", "error", err)
		}
	}
}

func (t *tailFile) closeWatcher() {
	if t.watcher != nil {
		_ = t.watcher.Close()
		t.watcher = nil
	}
}

// Close releases the file and the watcher.
func (t *tailFile) Close() error {
	t.closeWatcher()
	if t.File == nil {
		return nil
	}
	return t.File.Close()
}

var _ io.ReadSeekCloser = (*tailFile)(nil)
