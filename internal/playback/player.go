// Package playback plays back the recording while it is still being
// written. A TailingPlayer follows a transport clock: it reads ahead of the
// playhead, keeps a short ring of pictures per view for stepping back, hard
// seeks when the playhead jumps, and waits for the writer at end of file.
package playback

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zsiec/replay/internal/codec"
	"github.com/zsiec/replay/internal/metrics"
	"github.com/zsiec/replay/internal/mkv"
	"github.com/zsiec/replay/internal/sink"
)

// Defaults applied by Config for zero values.
const (
	DefaultRingSize       = 30
	DefaultPacketCeiling  = 600
	DefaultDriftThreshold = 500 * time.Millisecond
	DefaultPaceSleep      = 5 * time.Millisecond
	DefaultEOFWait        = 10 * time.Millisecond
	DefaultLookback       = time.Second
)

// Position is the playhead the player follows. transport.Clock implements it.
type Position interface {
	Position() int64
}

// Config tunes a TailingPlayer.
type Config struct {
	Path string
	// RingSize is the number of pictures kept per view.
	RingSize int
	// PacketCeiling bounds the packets read by one hard seek.
	PacketCeiling  int
	DriftThreshold time.Duration
	PaceSleep      time.Duration
	EOFWait        time.Duration
	// Lookback is how far before a seek target reading starts, so the ring
	// holds pictures to step back through.
	Lookback time.Duration
}

func (c *Config) applyDefaults() {
	if c.RingSize <= 0 {
		c.RingSize = DefaultRingSize
	}
	if c.PacketCeiling <= 0 {
		c.PacketCeiling = DefaultPacketCeiling
	}
	if c.DriftThreshold <= 0 {
		c.DriftThreshold = DefaultDriftThreshold
	}
	if c.PaceSleep <= 0 {
		c.PaceSleep = DefaultPaceSleep
	}
	if c.EOFWait <= 0 {
		c.EOFWait = DefaultEOFWait
	}
	if c.Lookback < 0 {
		c.Lookback = 0
	} else if c.Lookback == 0 {
		c.Lookback = DefaultLookback
	}
}

// Stats is a snapshot of player counters.
type Stats struct {
	Path       string  `json:"path"`
	PositionMs int64   `json:"positionMs"`
	HeadMs     int64   `json:"headMs"`
	AtEOF      bool    `json:"atEof"`
	Seeks      int64   `json:"seeks"`
	EOFWaits   int64   `json:"eofWaits"`
	Clusters   int     `json:"clusters"`
	Delivered  []int64 `json:"delivered"`
	RingDepth  []int   `json:"ringDepth"`
}

// TailingPlayer reads a growing recording and delivers the picture due at
// the playhead to each view's hub.
type TailingPlayer struct {
	cfg  Config
	log  *slog.Logger
	pos  Position
	hubs []*sink.Hub

	seekReq atomic.Bool

	// run goroutine only
	file      *tailFile
	r         *mkv.Reader
	header    *mkv.Header
	dataStart int64
	dec       *codec.Decoder
	index     clusterIndex
	rings     []*ring
	shown     []int64
	head      int64
	eof       bool
	// floor is the earliest picture time in the file, known once a seek
	// has read from the first cluster.
	floor int64

	mu    sync.Mutex
	stats Stats
}

// New returns a player for cfg.Path following pos and delivering to hubs,
// one per track. If log is nil, slog.Default() is used.
func New(cfg Config, pos Position, hubs []*sink.Hub, log *slog.Logger) (*TailingPlayer, error) {
	if cfg.Path == "" {
		return nil, errors.New("playback: path is required")
	}
	if pos == nil {
		return nil, errors.New("playback: position source is required")
	}
	cfg.applyDefaults()
	if log == nil {
		log = slog.Default()
	}
	return &TailingPlayer{
		cfg:   cfg,
		log:   log.With("component", "player", "path", cfg.Path),
		pos:   pos,
		hubs:  hubs,
		dec:   codec.NewDecoder(),
		stats: Stats{Path: cfg.Path},
	}, nil
}

// Seek asks the player to hard seek on its next iteration. The caller moves
// the transport; this only forces the reread.
func (p *TailingPlayer) Seek() {
	p.seekReq.Store(true)
}

// Stats returns a snapshot of the player's counters.
func (p *TailingPlayer) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	st := p.stats
	st.Delivered = append([]int64(nil), p.stats.Delivered...)
	st.RingDepth = append([]int(nil), p.stats.RingDepth...)
	return st
}

// Run plays until ctx ends. It waits for the file and its header to appear.
func (p *TailingPlayer) Run(ctx context.Context) error {
	if err := p.open(ctx); err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil
		}
		return err
	}
	defer p.file.Close()

	p.seekReq.Store(true)
	for ctx.Err() == nil {
		if err := p.step(ctx); err != nil {
			if ctx.Err() != nil {
				break
			}
			return err
		}
	}
	return nil
}

func (p *TailingPlayer) open(ctx context.Context) error {
	f, err := openTail(ctx, p.cfg.Path, p.cfg.EOFWait, p.log)
	if err != nil {
		return err
	}
	r := mkv.NewReader(f)
	for {
		h, err := r.ReadHeader()
		if err == nil {
			p.file, p.r, p.header = f, r, h
			break
		}
		if !errors.Is(err, io.EOF) && !errors.Is(err, mkv.ErrIncomplete) {
			f.Close()
			return fmt.Errorf("playback: %w", err)
		}
		if err := f.Wait(ctx); err != nil {
			f.Close()
			return err
		}
	}

	p.dataStart = p.r.Offset()
	n := len(p.header.Tracks)
	p.rings = make([]*ring, n)
	p.shown = make([]int64, n)
	for i := range p.rings {
		p.rings[i] = newRing(p.cfg.RingSize)
		p.shown[i] = -1
	}
	p.head = -1
	p.floor = math.MinInt64

	p.mu.Lock()
	p.stats.Delivered = make([]int64, n)
	p.stats.RingDepth = make([]int, n)
	p.mu.Unlock()

	p.log.Info("playback opened", "tracks", n)
	return nil
}

// step runs one iteration: hard seek when needed, otherwise deliver what is
// due and read or wait.
func (p *TailingPlayer) step(ctx context.Context) error {
	pos := p.pos.Position()
	frame := p.frameMs()

	if p.seekReq.Swap(false) {
		return p.hardSeek(ctx, pos, "request")
	}
	if cause := p.drift(pos, frame); cause != "" {
		return p.hardSeek(ctx, pos, cause)
	}

	p.deliver(pos)

	if p.head > pos+frame {
		p.sleep(ctx, p.cfg.PaceSleep)
		return nil
	}

	b, err := p.r.Next()
	switch {
	case err == nil:
	case errors.Is(err, io.EOF), errors.Is(err, mkv.ErrIncomplete):
		p.waitEOF(ctx)
		return nil
	case errors.Is(err, mkv.ErrLaced):
		return nil
	default:
		p.log.Warn("unreadable data, seeking to recover", "offset", p.r.Offset(), "error", err)
		return p.recover(ctx, pos)
	}
	p.eof = false
	p.push(b)
	return nil
}

// drift reports why the read position can no longer serve pos, or "".
// Running ahead of data at end of file is not drift: the writer has not
// produced that time yet. Neither is a playhead before the first picture
// of the file.
func (p *TailingPlayer) drift(pos, frame int64) string {
	threshold := p.cfg.DriftThreshold.Milliseconds()
	if pos-p.head > threshold && !p.eof {
		return "drift_forward"
	}
	if oldest, ok := p.oldest(); ok && pos < oldest-frame && oldest > p.floor {
		return "drift_backward"
	}
	return ""
}

// hardSeek repositions reading at the cluster before target minus the
// lookback, refills the rings and delivers the picture at target.
func (p *TailingPlayer) hardSeek(ctx context.Context, target int64, cause string) error {
	metrics.PlayerSeeksTotal.WithLabelValues(cause).Inc()
	p.mu.Lock()
	p.stats.Seeks++
	p.mu.Unlock()

	start := target - p.cfg.Lookback.Milliseconds()
	if err := p.extendIndex(ctx, start); err != nil {
		return err
	}
	off := p.dataStart
	if c, ok := p.index.lookup(start); ok && c.ms <= start {
		off = c.off
	}
	if err := p.r.SeekCluster(off); err != nil {
		return err
	}
	p.dec.Flush()
	for _, r := range p.rings {
		r.reset()
	}
	for i := range p.shown {
		p.shown[i] = -1
	}
	p.head = -1
	p.eof = false

	for packets := 0; packets < p.cfg.PacketCeiling; packets++ {
		if p.reached(target) {
			break
		}
		b, err := p.r.Next()
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, mkv.ErrIncomplete) {
				p.markEOF()
				break
			}
			if errors.Is(err, mkv.ErrLaced) {
				continue
			}
			return fmt.Errorf("playback: seek read: %w", err)
		}
		p.push(b)
	}
	if first, ok := p.index.first(); off == p.dataStart || (ok && off == first.off) {
		if oldest, ok := p.oldest(); ok {
			p.floor = oldest
		}
	}

	p.deliver(target)
	p.log.Debug("hard seek", "target_ms", target, "cause", cause, "offset", off, "head_ms", p.head)
	return nil
}

// extendIndex reads forward without decoding until the index covers ms or
// the file ends, so a seek past everything read so far finds its cluster.
func (p *TailingPlayer) extendIndex(ctx context.Context, ms int64) error {
	if p.index.covers(ms) {
		return nil
	}
	off := p.dataStart
	if last, ok := p.index.last(); ok {
		off = last.off
	}
	if err := p.r.SeekCluster(off); err != nil {
		return err
	}
	for ctx.Err() == nil {
		b, err := p.r.Next()
		switch {
		case err == nil:
		case errors.Is(err, mkv.ErrLaced):
			continue
		case errors.Is(err, io.EOF), errors.Is(err, mkv.ErrIncomplete):
			return nil
		default:
			return fmt.Errorf("playback: index: %w", err)
		}
		p.index.add(b.ClusterOffset, b.ClusterTimecode)
		if b.ClusterTimecode > ms {
			return nil
		}
	}
	return ctx.Err()
}

// reached reports whether every track has read up to target.
func (p *TailingPlayer) reached(target int64) bool {
	for _, r := range p.rings {
		newest, ok := r.newest()
		if !ok || newest < target {
			return false
		}
	}
	return len(p.rings) > 0
}

func (p *TailingPlayer) push(b mkv.Block) {
	p.index.add(b.ClusterOffset, b.ClusterTimecode)
	i := p.header.TrackIndex(b.Track)
	if i < 0 {
		return
	}
	ms := b.Ms()
	p.rings[i].push(entry{pts: ms, data: b.Data})
	if ms > p.head {
		p.head = ms
	}
}

// deliver decodes and hands each view the picture due at pos, when it
// differs from the one shown.
func (p *TailingPlayer) deliver(pos int64) {
	for i, r := range p.rings {
		e, ok := r.at(pos)
		if !ok || e.pts == p.shown[i] {
			continue
		}
		img, err := p.dec.Decode(e.data)
		if err != nil {
			p.log.Debug("decode failed", "track", i, "pts", e.pts, "error", err)
			p.shown[i] = e.pts
			continue
		}
		p.shown[i] = e.pts
		if i < len(p.hubs) && p.hubs[i] != nil {
			p.hubs[i].Deliver(&sink.Frame{View: i, PTS: e.pts, Image: codec.ToRGBA(img), YCbCr: img})
		}
		metrics.PlayerFramesDeliveredTotal.WithLabelValues(metrics.Label(i)).Inc()
		p.mu.Lock()
		p.stats.Delivered[i]++
		p.mu.Unlock()
	}
	p.publish(pos)
}

func (p *TailingPlayer) publish(pos int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stats.PositionMs = pos
	p.stats.HeadMs = p.head
	p.stats.AtEOF = p.eof
	p.stats.Clusters = len(p.index.entries)
	for i, r := range p.rings {
		p.stats.RingDepth[i] = r.len()
	}
}

func (p *TailingPlayer) oldest() (int64, bool) {
	var min int64
	found := false
	for _, r := range p.rings {
		if o, ok := r.oldest(); ok && (!found || o < min) {
			min, found = o, true
		}
	}
	return min, found
}

// frameMs is one picture duration from the first track's default duration.
func (p *TailingPlayer) frameMs() int64 {
	if len(p.header.Tracks) > 0 {
		if d := p.header.Tracks[0].DefaultDuration.Milliseconds(); d > 0 {
			return d
		}
	}
	return 33
}

// markEOF records that reading caught up with the writer.
func (p *TailingPlayer) markEOF() {
	if p.eof {
		return
	}
	p.eof = true
	metrics.PlayerEOFWaitsTotal.Inc()
	p.mu.Lock()
	p.stats.EOFWaits++
	p.mu.Unlock()
}

func (p *TailingPlayer) waitEOF(ctx context.Context) {
	p.markEOF()
	p.publish(p.pos.Position())
	_ = p.file.Wait(ctx)
}

// recover skips past damaged data by reseeking to the last indexed cluster
// after the current head.
func (p *TailingPlayer) recover(ctx context.Context, pos int64) error {
	p.sleep(ctx, p.cfg.EOFWait)
	if _, ok := p.index.last(); !ok {
		return p.r.SeekCluster(p.dataStart)
	}
	return p.hardSeek(ctx, pos, "recover")
}

func (p *TailingPlayer) sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
