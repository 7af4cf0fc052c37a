// Package control turns operator commands into transport, player and
// recorder actions, and serves them over HTTP.
package control

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/zsiec/replay/internal/playback"
	"github.com/zsiec/replay/internal/session"
	"github.com/zsiec/replay/internal/sink"
	"github.com/zsiec/replay/internal/snapshot"
	"github.com/zsiec/replay/internal/source"
	"github.com/zsiec/replay/internal/transport"
)

// Errors returned by Dispatch.
var (
	ErrUnknownAction = errors.New("control: unknown action")
	ErrInvalidView   = errors.New("control: invalid view")
	ErrNoRecorder    = errors.New("control: no recorder attached")
	ErrNoPlayback    = errors.New("control: nothing to play")
)

// maxShuttle is the fastest shuttle speed in either direction.
const maxShuttle = 16

// Action names an operator command.
type Action string

// Operator commands.
const (
	ActionPlay        Action = "play"
	ActionPause       Action = "pause"
	ActionTogglePlay  Action = "toggle_play"
	ActionStepForward Action = "step_forward"
	ActionStepBack    Action = "step_back"
	ActionFastForward Action = "fast_forward"
	ActionFastReverse Action = "fast_reverse"
	ActionLive        Action = "live"
	ActionSnapshot    Action = "snapshot"
	ActionMultiview   Action = "multiview"
	ActionSingleView  Action = "single_view"
	ActionSelectFeed  Action = "select_feed"
	ActionSeek        Action = "seek"
	ActionSpeed       Action = "speed"
	ActionFollowLive  Action = "follow_live"
)

// Command is one operator command. Only the fields its action uses are read.
type Command struct {
	Action Action  `json:"action"`
	View   int     `json:"view,omitempty"`
	Source int     `json:"source,omitempty"`
	Ms     int64   `json:"ms,omitempty"`
	Speed  float64 `json:"speed,omitempty"`
	Frames int     `json:"frames,omitempty"`
	Follow *bool   `json:"follow,omitempty"`
}

// Result reports what a command produced.
type Result struct {
	Snapshot string `json:"snapshot,omitempty"`
}

// Mode is the display layout.
type Mode string

// Display layouts.
const (
	ModeMultiview Mode = "multiview"
	ModeSingle    Mode = "single"
)

// Recorder is the recording side the controller drives.
// *session.Orchestrator implements it.
type Recorder interface {
	Start(ctx context.Context) (*session.Session, error)
	Stop() error
	Session() *session.Session
	ElapsedMs() int64
	ViewMapping() session.ViewSlotMap
	UpdateViewMapping(m session.ViewSlotMap) error
	SelectFeed(view, s int) error
	Sources() []session.SourceConfig
	SetSourceURL(id, url string) error
	ToggleSourceEnabled(id string) (bool, error)
	WorkerStats() []source.Stats
}

// PlayerFactory builds a player for a recording file.
type PlayerFactory func(path string) (*playback.TailingPlayer, error)

// Config tunes the controller.
type Config struct {
	// LiveBuffer is how far behind the live edge follow-live plays.
	LiveBuffer time.Duration
	// FollowTolerance is how far the playhead may wander from its
	// follow-live target before it is re-seeked.
	FollowTolerance time.Duration
	// FollowInterval is how often follow-live is evaluated.
	FollowInterval time.Duration
}

func (c *Config) applyDefaults() {
	if c.LiveBuffer <= 0 {
		c.LiveBuffer = time.Second
	}
	if c.FollowTolerance <= 0 {
		c.FollowTolerance = 50 * time.Millisecond
	}
	if c.FollowInterval <= 0 {
		c.FollowInterval = 33 * time.Millisecond
	}
}

// SourceStatus is one camera in the status feed.
type SourceStatus struct {
	session.SourceConfig
	Worker *source.Stats `json:"worker,omitempty"`
}

// Status is the state shown to the operator.
type Status struct {
	Recording  bool             `json:"recording"`
	Session    *session.Session `json:"session,omitempty"`
	ElapsedMs  int64            `json:"elapsedMs"`
	PositionMs int64            `json:"positionMs"`
	Speed      float64          `json:"speed"`
	Playing    bool             `json:"playing"`
	FollowLive bool             `json:"followLive"`
	// TimeOfDay is the wall-clock time the picture at the playhead was
	// recorded.
	TimeOfDay *time.Time      `json:"timeOfDay,omitempty"`
	Mode      Mode            `json:"mode"`
	Focus     int             `json:"focus"`
	Views     []int           `json:"views"`
	Sources   []SourceStatus  `json:"sources"`
	Player    *playback.Stats `json:"player,omitempty"`
}

// Controller is the replay operator's deck.
type Controller struct {
	cfg       Config
	log       *slog.Logger
	rec       Recorder
	transport *transport.Clock
	hubs      []*sink.Hub
	snaps     *snapshot.Writer
	newPlayer PlayerFactory

	mu         sync.Mutex
	followLive bool
	mode       Mode
	focus      int
	started    time.Time
	player     *playback.TailingPlayer
	stopPlayer context.CancelFunc
	playerDone chan error
}

// New returns a controller. rec may be nil for playback of a finished
// file. If log is nil, slog.Default() is used.
func New(cfg Config, rec Recorder, clk *transport.Clock, hubs []*sink.Hub,
	snaps *snapshot.Writer, newPlayer PlayerFactory, log *slog.Logger,
) *Controller {
	cfg.applyDefaults()
	if log == nil {
		log = slog.Default()
	}
	return &Controller{
		cfg:       cfg,
		log:       log.With("component", "control"),
		rec:       rec,
		transport: clk,
		hubs:      hubs,
		snaps:     snaps,
		newPlayer: newPlayer,
		mode:      ModeMultiview,
	}
}

// Hubs returns the per-view sinks.
func (c *Controller) Hubs() []*sink.Hub { return c.hubs }

// StartRecording starts a session and plays it from the start, following
// live.
func (c *Controller) StartRecording(ctx context.Context) (*session.Session, error) {
	if c.rec == nil {
		return nil, ErrNoRecorder
	}
	s, err := c.rec.Start(ctx)
	if err != nil {
		return nil, err
	}
	if err := c.Open(ctx, s.Path, s.StartedAt); err != nil {
		_ = c.rec.Stop()
		return nil, err
	}
	c.mu.Lock()
	c.followLive = true
	c.mu.Unlock()
	c.transport.Play()
	return s, nil
}

// StopRecording ends the session and stops playback.
func (c *Controller) StopRecording() error {
	if c.rec == nil {
		return ErrNoRecorder
	}
	err := c.rec.Stop()
	c.transport.Pause()
	c.mu.Lock()
	c.followLive = false
	c.mu.Unlock()
	if perr := c.closePlayer(); perr != nil {
		err = errors.Join(err, perr)
	}
	return err
}

// Open plays path from the start, replacing any current player. startedAt
// anchors the time-of-day display and may be zero.
func (c *Controller) Open(ctx context.Context, path string, startedAt time.Time) error {
	if err := c.closePlayer(); err != nil {
		c.log.Warn("previous player ended with error", "error", err)
	}
	p, err := c.newPlayer(path)
	if err != nil {
		return err
	}
	for _, h := range c.hubs {
		h.Reset()
	}
	c.transport.Pause()
	c.transport.SetSpeed(1)
	c.transport.SeekTo(0)

	pctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	done := make(chan error, 1)
	go func() { done <- p.Run(pctx) }()

	c.mu.Lock()
	c.player, c.stopPlayer, c.playerDone = p, cancel, done
	c.started = startedAt
	c.mu.Unlock()
	c.log.Info("playback started", "path", path)
	return nil
}

// Close stops playback.
func (c *Controller) Close() error {
	return c.closePlayer()
}

func (c *Controller) closePlayer() error {
	c.mu.Lock()
	cancel, done := c.stopPlayer, c.playerDone
	c.player, c.stopPlayer, c.playerDone = nil, nil, nil
	c.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	return <-done
}

// Run evaluates follow-live until ctx ends.
func (c *Controller) Run(ctx context.Context) error {
	t := time.NewTicker(c.cfg.FollowInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			c.follow()
		}
	}
}

// follow re-seeks a playing transport to live minus the buffer when it
// wandered off by more than the tolerance.
func (c *Controller) follow() {
	c.mu.Lock()
	on := c.followLive
	c.mu.Unlock()
	if !on || !c.transport.Playing() {
		return
	}
	live, ok := c.liveEdge()
	if !ok {
		return
	}
	target := max(0, live-c.cfg.LiveBuffer.Milliseconds())
	if d := c.transport.Position() - target; d > c.cfg.FollowTolerance.Milliseconds() || -d > c.cfg.FollowTolerance.Milliseconds() {
		c.transport.SeekTo(target)
	}
}

// liveEdge is the recorded duration, or the last picture read when
// playing a file without a live recording.
func (c *Controller) liveEdge() (int64, bool) {
	if c.rec != nil && c.rec.Session() != nil {
		return c.rec.ElapsedMs(), true
	}
	c.mu.Lock()
	p := c.player
	c.mu.Unlock()
	if p == nil {
		return 0, false
	}
	if head := p.Stats().HeadMs; head >= 0 {
		return head, true
	}
	return 0, false
}

// Dispatch executes one command.
func (c *Controller) Dispatch(cmd Command) (Result, error) {
	switch cmd.Action {
	case ActionPlay:
		c.transport.Play()
	case ActionPause:
		c.transport.Pause()
	case ActionTogglePlay:
		c.transport.TogglePlay()
	case ActionStepForward, ActionStepBack:
		n := max(cmd.Frames, 1)
		if cmd.Action == ActionStepBack {
			n = -n
		}
		c.manual()
		c.transport.Step(n)
	case ActionFastForward:
		c.manual()
		c.shuttle(1)
	case ActionFastReverse:
		c.manual()
		c.shuttle(-1)
	case ActionLive:
		return Result{}, c.jumpToLive()
	case ActionSnapshot:
		path, err := c.snapshot()
		return Result{Snapshot: path}, err
	case ActionMultiview:
		c.mu.Lock()
		c.mode = ModeMultiview
		c.mu.Unlock()
	case ActionSingleView:
		if err := c.checkView(cmd.View); err != nil {
			return Result{}, err
		}
		c.mu.Lock()
		c.mode, c.focus = ModeSingle, cmd.View
		c.mu.Unlock()
	case ActionSelectFeed:
		if c.rec == nil {
			return Result{}, ErrNoRecorder
		}
		c.mu.Lock()
		view := c.focus
		c.mu.Unlock()
		return Result{}, c.rec.SelectFeed(view, cmd.Source)
	case ActionSeek:
		c.manual()
		c.seek(cmd.Ms)
	case ActionSpeed:
		c.manual()
		c.transport.SetSpeed(cmd.Speed)
	case ActionFollowLive:
		var on bool
		if cmd.Follow != nil {
			on = *cmd.Follow
		} else {
			c.mu.Lock()
			on = !c.followLive
			c.mu.Unlock()
		}
		if on {
			return Result{}, c.jumpToLive()
		}
		c.manual()
	default:
		return Result{}, fmt.Errorf("%w: %q", ErrUnknownAction, cmd.Action)
	}
	return Result{}, nil
}

// manual disables follow-live; any operator move of the playhead does.
func (c *Controller) manual() {
	c.mu.Lock()
	c.followLive = false
	c.mu.Unlock()
}

// shuttle steps the speed ladder 2, 4, 8, 16 in dir, starting playback.
// Changing direction starts the ladder over.
func (c *Controller) shuttle(dir float64) {
	s := c.transport.Speed()
	next := 2 * dir
	if s*dir >= 2 {
		next = min(s*dir*2, maxShuttle) * dir
	}
	c.transport.SetSpeed(next)
	c.transport.Play()
}

func (c *Controller) seek(ms int64) {
	if live, ok := c.liveEdge(); ok && ms > live {
		ms = live
	}
	c.transport.SeekTo(ms)
	c.mu.Lock()
	p := c.player
	c.mu.Unlock()
	if p != nil {
		p.Seek()
	}
}

func (c *Controller) jumpToLive() error {
	live, ok := c.liveEdge()
	if !ok {
		return ErrNoPlayback
	}
	c.mu.Lock()
	c.followLive = true
	c.mu.Unlock()
	c.transport.SetSpeed(1)
	c.seek(max(0, live-c.cfg.LiveBuffer.Milliseconds()))
	c.transport.Play()
	return nil
}

func (c *Controller) snapshot() (string, error) {
	if c.snaps == nil {
		return "", errors.New("control: snapshots not configured")
	}
	c.mu.Lock()
	view := c.focus
	c.mu.Unlock()
	if err := c.checkView(view); err != nil {
		return "", err
	}
	return c.snaps.Capture(c.hubs[view])
}

func (c *Controller) checkView(v int) error {
	if v < 0 || v >= len(c.hubs) {
		return fmt.Errorf("%w: %d", ErrInvalidView, v)
	}
	return nil
}

// Status returns the operator's view of the deck and the recorder.
func (c *Controller) Status() Status {
	ts := c.transport.State()
	c.mu.Lock()
	st := Status{
		PositionMs: ts.PositionMs,
		Speed:      ts.Speed,
		Playing:    ts.Playing,
		FollowLive: c.followLive,
		Mode:       c.mode,
		Focus:      c.focus,
	}
	started, p := c.started, c.player
	c.mu.Unlock()

	if p != nil {
		ps := p.Stats()
		st.Player = &ps
	}
	if live, ok := c.liveEdge(); ok {
		st.ElapsedMs = live
		st.PositionMs = min(st.PositionMs, live)
	}
	if !started.IsZero() {
		tod := started.Add(time.Duration(st.PositionMs) * time.Millisecond)
		st.TimeOfDay = &tod
	}

	if c.rec == nil {
		st.Views = make([]int, len(c.hubs))
		for i := range st.Views {
			st.Views[i] = i
		}
		return st
	}

	st.Session = c.rec.Session()
	st.Recording = st.Session != nil
	st.Views = c.rec.ViewMapping()

	stats := make(map[string]source.Stats)
	for _, ws := range c.rec.WorkerStats() {
		stats[ws.ID] = ws
	}
	for _, sc := range c.rec.Sources() {
		ss := SourceStatus{SourceConfig: sc}
		if ws, ok := stats[sc.ID]; ok {
			ss.Worker = &ws
		}
		st.Sources = append(st.Sources, ss)
	}
	return st
}
