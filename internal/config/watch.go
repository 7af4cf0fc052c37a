package config

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultDebounce collapses the burst of events an editor save produces.
const DefaultDebounce = 500 * time.Millisecond

// Watcher reloads a configuration file when it changes on disk. A file
// that fails to parse or validate is logged and ignored; the previous
// configuration stays in effect.
type Watcher struct {
	path     string
	log      *slog.Logger
	debounce time.Duration
	onChange func(*Config)
}

// NewWatcher returns a watcher for path that calls onChange with each valid
// reload. If log is nil, slog.Default() is used.
func NewWatcher(path string, onChange func(*Config), log *slog.Logger) *Watcher {
	if log == nil {
		log = slog.Default()
	}
	return &Watcher{
		path:     path,
		log:      log.With("component", "config", "path", path),
		debounce: DefaultDebounce,
		onChange: onChange,
	}
}

// Run watches until ctx ends. The parent directory is watched so saves
// that replace the file by rename are seen.
func (w *Watcher) Run(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("config: create watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(filepath.Dir(w.path)); err != nil {
		return fmt.Errorf("config: watch %s: %w", w.path, err)
	}
	w.log.Info("watching for changes")

	name := filepath.Base(w.path)
	timer := time.NewTimer(time.Hour)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Base(event.Name) != name {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename) {
				timer.Reset(w.debounce)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			w.log.Warn("watcher error", "error", err)
		case <-timer.C:
			w.reload()
		}
	}
}

func (w *Watcher) reload() {
	cfg, err := Load(w.path)
	if err != nil {
		w.log.Error("reload failed, keeping previous configuration", "error", err)
		return
	}
	w.log.Info("configuration reloaded", "sources", len(cfg.Sources))
	if w.onChange != nil {
		w.onChange(cfg)
	}
}

// SourceUpdater receives live source changes.
// *session.Orchestrator implements it.
type SourceUpdater interface {
	SetSourceURL(id, url string) error
	SetSourceEnabled(id string, enabled bool) error
}

// ApplySources pushes URL and enabled changes between prev and next to u.
// Sources added or removed need a new recording and are reported in the
// returned error; the other changes are still applied.
func ApplySources(u SourceUpdater, prev, next []Source) error {
	old := make(map[string]Source, len(prev))
	for _, s := range prev {
		old[s.ID] = s
	}
	var errs []error
	for _, s := range next {
		p, ok := old[s.ID]
		if !ok {
			errs = append(errs, fmt.Errorf("config: source %q added; restart the recording to use it", s.ID))
			continue
		}
		delete(old, s.ID)
		if p.URL != s.URL {
			if err := u.SetSourceURL(s.ID, s.URL); err != nil {
				errs = append(errs, err)
			}
		}
		if p.IsEnabled() != s.IsEnabled() {
			if err := u.SetSourceEnabled(s.ID, s.IsEnabled()); err != nil {
				errs = append(errs, err)
			}
		}
	}
	for id := range old {
		errs = append(errs, fmt.Errorf("config: source %q removed; restart the recording to drop it", id))
	}
	return errors.Join(errs...)
}
