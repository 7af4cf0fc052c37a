// Package session owns a recording from start to stop: the session clock,
// the muxer, the filler encoder, one source worker per camera, the view map
// and the heartbeat that drives every worker at the output frame rate.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/zsiec/replay/internal/capture"
	"github.com/zsiec/replay/internal/clock"
	"github.com/zsiec/replay/internal/codec"
	"github.com/zsiec/replay/internal/metrics"
	"github.com/zsiec/replay/internal/mux"
	"github.com/zsiec/replay/internal/source"
)

var (
	// ErrNotRecording is returned by operations that need a live session.
	ErrNotRecording = errors.New("session: not recording")
	// ErrAlreadyRecording is returned by Start while a session is live.
	ErrAlreadyRecording = errors.New("session: already recording")
	// ErrUnknownSource is returned for a source id or index not configured.
	ErrUnknownSource = errors.New("session: unknown source")
)

// fileTimeLayout is the timestamp embedded in recording file names.
const fileTimeLayout = "20060102_150405"

// maxFPS keeps the heartbeat period at one millisecond or more.
const maxFPS = 1000

// handoverTimeout bounds how long a tick waits for a view's previous writer
// to finish its queued pulses before another writer takes the view.
const handoverTimeout = 250 * time.Millisecond

// SourceConfig is one configured camera.
type SourceConfig struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	URL     string `json:"url"`
	Enabled bool   `json:"enabled"`
}

// Config fixes the output layout and the cameras.
type Config struct {
	OutputDir string
	BaseName  string
	Title     string

	Width   int
	Height  int
	FPS     int
	Views   int
	Quality int

	ViewNames []string
	Sources   []SourceConfig
	// Mapping is the initial view map. Nil maps the first enabled sources
	// onto views in order.
	Mapping ViewSlotMap

	// Worker supplies the jitter, stall, queue and backoff tuning applied
	// to every source.
	Worker source.Config
	// MaxCatchUp bounds how many frame indices one late heartbeat emits.
	MaxCatchUp int
}

func (c *Config) validate() error {
	if c.Width <= 0 || c.Height <= 0 || c.FPS <= 0 || c.FPS > maxFPS {
		return fmt.Errorf("session: invalid geometry %dx%d@%d", c.Width, c.Height, c.FPS)
	}
	if c.Views <= 0 {
		return fmt.Errorf("session: view count must be positive, got %d", c.Views)
	}
	seen := make(map[string]bool, len(c.Sources))
	for i, s := range c.Sources {
		if s.ID == "" {
			return fmt.Errorf("session: source %d has no id", i)
		}
		if seen[s.ID] {
			return fmt.Errorf("session: duplicate source id %q", s.ID)
		}
		seen[s.ID] = true
	}
	if c.BaseName == "" {
		c.BaseName = "replay"
	}
	if c.OutputDir == "" {
		c.OutputDir = "."
	}
	if c.MaxCatchUp <= 0 {
		c.MaxCatchUp = c.FPS
	}
	return nil
}

// Session describes one recording. It is immutable.
type Session struct {
	ID        string    `json:"id"`
	StartedAt time.Time `json:"startedAt"`
	Path      string    `json:"path"`
	Width     int       `json:"width"`
	Height    int       `json:"height"`
	FPS       int       `json:"fps"`
	Views     int       `json:"views"`
}

// recording holds the objects that live exactly as long as one session.
type recording struct {
	session *Session
	clock   *clock.SessionClock
	mux     *mux.Muxer
	filler  *codec.Filler
	workers *source.Registry
	ordered []*source.Worker
	reaper  *capture.Reaper

	cancelWorkers context.CancelFunc
	group         errgroup.Group
	stopHeartbeat context.CancelFunc
	heartbeatDone chan struct{}

	// heartbeat goroutine only
	nextIdx int64
	owners  ViewSlotMap // writer of each view on the previous tick
}

// Orchestrator starts and stops recordings and applies live changes to the
// view map and the sources.
type Orchestrator struct {
	cfg    Config
	log    *slog.Logger
	opener capture.Opener
	now    func() time.Time

	// manualHeartbeat leaves tick to the caller.
	manualHeartbeat bool

	life sync.Mutex // serializes Start and Stop

	mu      sync.Mutex
	sources []SourceConfig
	mapping ViewSlotMap
	rec     *recording
}

// New validates cfg and returns an idle orchestrator. If log is nil,
// slog.Default() is used.
func New(cfg Config, opener capture.Opener, log *slog.Logger) (*Orchestrator, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if opener == nil {
		return nil, errors.New("session: opener is required")
	}
	if log == nil {
		log = slog.Default()
	}
	o := &Orchestrator{
		cfg:     cfg,
		log:     log.With("component", "session"),
		opener:  opener,
		now:     time.Now,
		sources: append([]SourceConfig(nil), cfg.Sources...),
	}
	if cfg.Mapping != nil {
		if err := cfg.Mapping.Validate(cfg.Views, len(cfg.Sources)); err != nil {
			return nil, err
		}
		o.mapping = cfg.Mapping.Clone()
	} else {
		o.mapping = DefaultViewSlotMap(cfg.Views, o.enabledLocked())
	}
	return o, nil
}

// Start opens a new recording file and begins capturing every source. Mux
// initialization errors are returned and leave the orchestrator idle.
func (o *Orchestrator) Start(ctx context.Context) (*Session, error) {
	o.life.Lock()
	defer o.life.Unlock()

	o.mu.Lock()
	live := o.rec != nil
	o.mu.Unlock()
	if live {
		return nil, ErrAlreadyRecording
	}

	start := o.now()
	if err := os.MkdirAll(o.cfg.OutputDir, 0o755); err != nil {
		return nil, fmt.Errorf("session: create output dir: %w", err)
	}
	sess := &Session{
		ID:        uuid.NewString(),
		StartedAt: start.UTC(),
		Path: filepath.Join(o.cfg.OutputDir,
			fmt.Sprintf("%s_%s.mkv", o.cfg.BaseName, start.Local().Format(fileTimeLayout))),
		Width:  o.cfg.Width,
		Height: o.cfg.Height,
		FPS:    o.cfg.FPS,
		Views:  o.cfg.Views,
	}

	filler, err := codec.NewFiller(o.cfg.Width, o.cfg.Height, o.cfg.FPS, o.cfg.Quality)
	if err != nil {
		return nil, fmt.Errorf("session: %w", err)
	}

	// Every view opens on the fill picture at frame 0, so the heartbeat
	// starts at frame 1.
	m := mux.New(o.log)
	if err := m.Init(sess.Path, mux.Params{
		ViewCount: o.cfg.Views,
		Width:     o.cfg.Width,
		Height:    o.cfg.Height,
		FPS:       o.cfg.FPS,
		ViewNames: o.cfg.ViewNames,
		Title:     o.cfg.Title,
		StartedAt: start,
		Prime:     filler.Data(),
	}); err != nil {
		return nil, err
	}

	rec := &recording{
		session: sess,
		clock:   clock.New(o.now),
		mux:     m,
		filler:  filler,
		workers: source.NewRegistry(o.log),
		reaper:  capture.NewReaper(len(o.cfg.Sources), o.log),
		nextIdx: 1,
	}

	o.mu.Lock()
	inv := o.mapping.Inverse(len(o.sources))
	for i, sc := range o.sources {
		wc := o.cfg.Worker
		wc.ID, wc.Name, wc.URL = sc.ID, sc.Name, ""
		if sc.Enabled {
			wc.URL = sc.URL
		}
		wc.Width, wc.Height, wc.FPS, wc.Quality = o.cfg.Width, o.cfg.Height, o.cfg.FPS, o.cfg.Quality
		w, err := source.NewWorker(wc, o.opener, rec.clock, m, rec.reaper, o.log)
		if err != nil {
			o.mu.Unlock()
			m.Close()
			return nil, err
		}
		w.SetView(inv[i])
		rec.workers.Add(w)
		rec.ordered = append(rec.ordered, w)
	}
	o.rec = rec
	o.mu.Unlock()

	rec.clock.Start()

	wctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	rec.cancelWorkers = cancel
	for _, w := range rec.ordered {
		rec.group.Go(func() error { return w.Run(wctx) })
	}

	hctx, stop := context.WithCancel(context.Background())
	rec.stopHeartbeat = stop
	rec.heartbeatDone = make(chan struct{})
	if o.manualHeartbeat {
		close(rec.heartbeatDone)
	} else {
		go o.heartbeat(hctx, rec)
	}

	o.log.Info("recording started", "session", sess.ID, "path", sess.Path,
		"views", sess.Views, "sources", len(rec.ordered))
	return sess, nil
}

func (o *Orchestrator) heartbeat(ctx context.Context, rec *recording) {
	defer close(rec.heartbeatDone)
	t := time.NewTicker(time.Second / time.Duration(o.cfg.FPS))
	defer t.Stop()

	o.tick(rec)
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			o.tick(rec)
		}
	}
}

// tick emits every frame index reached since the previous tick: each index
// is pulsed to every worker with the view it writes, and unmapped views get
// one filler packet. Targets come from one map snapshot, so every view is
// written by exactly one of them.
func (o *Orchestrator) tick(rec *recording) {
	elapsed := rec.clock.ElapsedMs()
	idx := elapsed * int64(o.cfg.FPS) / 1000
	if idx < rec.nextIdx {
		return
	}

	from := rec.nextIdx
	if n := idx - from + 1; n > int64(o.cfg.MaxCatchUp) {
		skipped := n - int64(o.cfg.MaxCatchUp)
		o.log.Warn("heartbeat fell behind, skipping frames", "skipped", skipped, "index", idx)
		from += skipped
	}
	if idx > from {
		metrics.HeartbeatCatchUpTotal.Add(float64(idx - from))
	}

	o.mu.Lock()
	views := o.mapping.Clone()
	o.mu.Unlock()

	inv := views.Inverse(len(rec.ordered))
	var unmapped []int
	for v, s := range views {
		if s == Unmapped {
			unmapped = append(unmapped, v)
		}
	}
	o.handover(rec, views)

	for i := from; i <= idx; i++ {
		for s, w := range rec.ordered {
			w.Pulse(source.Pulse{Index: i, ElapsedMs: elapsed, View: inv[s]})
		}
		for _, v := range unmapped {
			if err := rec.mux.WritePacket(rec.filler.Packet(v, i, rec.mux.TimeBase(v))); err != nil {
				o.log.Warn("filler write failed", "view", v, "error", err)
				continue
			}
			metrics.FillerPacketsTotal.Inc()
		}
	}
	rec.nextIdx = idx + 1
}

// handover waits for every worker that loses a view since the previous tick
// to write its queued pulses, so a view's frames reach the muxer in order.
func (o *Orchestrator) handover(rec *recording, views ViewSlotMap) {
	prev := rec.owners
	rec.owners = views
	if len(prev) != len(views) {
		return
	}
	flushed := make(map[int]bool)
	for v, s := range prev {
		if s == Unmapped || s == views[v] || flushed[s] || s >= len(rec.ordered) {
			continue
		}
		flushed[s] = true
		ctx, cancel := context.WithTimeout(context.Background(), handoverTimeout)
		if err := rec.ordered[s].Flush(ctx); err != nil {
			o.log.Warn("view handover timed out", "view", v, "source", rec.ordered[s].ID(), "error", err)
		}
		cancel()
	}
}

// Stop ends the recording: the heartbeat stops, every worker is stopped
// and joined after handling its queued pulses, then the file is closed.
func (o *Orchestrator) Stop() error {
	o.life.Lock()
	defer o.life.Unlock()

	o.mu.Lock()
	rec := o.rec
	o.mu.Unlock()
	if rec == nil {
		return ErrNotRecording
	}

	rec.stopHeartbeat()
	<-rec.heartbeatDone
	rec.cancelWorkers()
	_ = rec.group.Wait()

	err := rec.mux.Close()

	o.mu.Lock()
	o.rec = nil
	o.mu.Unlock()

	o.log.Info("recording stopped", "session", rec.session.ID, "path", rec.session.Path,
		"elapsed_ms", rec.clock.ElapsedMs())
	return err
}

// UpdateViewMapping replaces the view map. Workers pick up their new view
// on the next pulse; no connection or codec is touched.
func (o *Orchestrator) UpdateViewMapping(m ViewSlotMap) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if err := m.Validate(o.cfg.Views, len(o.sources)); err != nil {
		return err
	}
	o.mapping = m.Clone()
	o.applyMappingLocked()
	return nil
}

// SelectFeed maps source index s onto view, removing it from any other view.
func (o *Orchestrator) SelectFeed(view, s int) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if view < 0 || view >= o.cfg.Views {
		return fmt.Errorf("%w: view %d", ErrInvalidMapping, view)
	}
	if s < 0 || s >= len(o.sources) {
		return fmt.Errorf("%w: %d", ErrUnknownSource, s)
	}
	o.mapping.Assign(view, s)
	o.applyMappingLocked()
	return nil
}

// SetSourceURL changes a source's URL. A live enabled source reconnects
// immediately.
func (o *Orchestrator) SetSourceURL(id, url string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	i := o.indexLocked(id)
	if i < 0 {
		return fmt.Errorf("%w: %q", ErrUnknownSource, id)
	}
	o.sources[i].URL = url
	if w := o.workerLocked(i); w != nil && o.sources[i].Enabled {
		w.SetURL(url)
	}
	return nil
}

// SetSourceEnabled enables or disables a source. Disabling a mapped source
// frees its view, which is taken over by the first enabled source not on
// any view or else shows the fill color. A disabled source's worker idles.
func (o *Orchestrator) SetSourceEnabled(id string, enabled bool) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	i := o.indexLocked(id)
	if i < 0 {
		return fmt.Errorf("%w: %q", ErrUnknownSource, id)
	}
	if o.sources[i].Enabled == enabled {
		return nil
	}
	o.sources[i].Enabled = enabled

	if !enabled {
		if v := o.mapping.Release(i); v != Unmapped {
			s := o.mapping.AutoFill(v, o.enabledLocked())
			o.log.Info("view released", "view", v, "source", id, "replacement", s)
		}
		o.applyMappingLocked()
	}

	if w := o.workerLocked(i); w != nil {
		if enabled {
			w.SetURL(o.sources[i].URL)
		} else {
			w.SetURL("")
		}
	}
	return nil
}

// ToggleSourceEnabled flips a source's enabled flag and returns the new value.
func (o *Orchestrator) ToggleSourceEnabled(id string) (bool, error) {
	o.mu.Lock()
	i := o.indexLocked(id)
	var enabled bool
	if i >= 0 {
		enabled = !o.sources[i].Enabled
	}
	o.mu.Unlock()
	if i < 0 {
		return false, fmt.Errorf("%w: %q", ErrUnknownSource, id)
	}
	return enabled, o.SetSourceEnabled(id, enabled)
}

// Session returns the live session, or nil.
func (o *Orchestrator) Session() *Session {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.rec == nil {
		return nil
	}
	return o.rec.session
}

// Recording reports whether a session is live.
func (o *Orchestrator) Recording() bool {
	return o.Session() != nil
}

// ElapsedMs returns the live session's elapsed time, or 0.
func (o *Orchestrator) ElapsedMs() int64 {
	o.mu.Lock()
	rec := o.rec
	o.mu.Unlock()
	if rec == nil {
		return 0
	}
	return rec.clock.ElapsedMs()
}

// ViewMapping returns a copy of the view map.
func (o *Orchestrator) ViewMapping() ViewSlotMap {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.mapping.Clone()
}

// Sources returns the configured sources with their current URL and state.
func (o *Orchestrator) Sources() []SourceConfig {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]SourceConfig(nil), o.sources...)
}

// Views returns the number of output views.
func (o *Orchestrator) Views() int { return o.cfg.Views }

// FPS returns the output frame rate.
func (o *Orchestrator) FPS() int { return o.cfg.FPS }

// WorkerStats returns per-source worker stats, empty when idle.
func (o *Orchestrator) WorkerStats() []source.Stats {
	o.mu.Lock()
	rec := o.rec
	o.mu.Unlock()
	if rec == nil {
		return nil
	}
	out := make([]source.Stats, 0, len(rec.ordered))
	for _, w := range rec.workers.List() {
		out = append(out, w.Stats())
	}
	return out
}

// MuxStats returns the live muxer's counters.
func (o *Orchestrator) MuxStats() (mux.Stats, error) {
	o.mu.Lock()
	rec := o.rec
	o.mu.Unlock()
	if rec == nil {
		return mux.Stats{}, ErrNotRecording
	}
	return rec.mux.Stats(), nil
}

// flush waits until every worker has handled the pulses queued so far.
func (o *Orchestrator) flush(ctx context.Context) error {
	o.mu.Lock()
	rec := o.rec
	o.mu.Unlock()
	if rec == nil {
		return ErrNotRecording
	}
	for _, w := range rec.ordered {
		if err := w.Flush(ctx); err != nil {
			return err
		}
	}
	return nil
}

func (o *Orchestrator) applyMappingLocked() {
	if o.rec == nil {
		return
	}
	inv := o.mapping.Inverse(len(o.sources))
	for i, w := range o.rec.ordered {
		w.SetView(inv[i])
	}
}

func (o *Orchestrator) indexLocked(id string) int {
	for i, s := range o.sources {
		if s.ID == id {
			return i
		}
	}
	return -1
}

func (o *Orchestrator) workerLocked(i int) *source.Worker {
	if o.rec == nil || i >= len(o.rec.ordered) {
		return nil
	}
	return o.rec.ordered[i]
}

func (o *Orchestrator) enabledLocked() []bool {
	out := make([]bool, len(o.sources))
	for i, s := range o.sources {
		out[i] = s.Enabled
	}
	return out
}
