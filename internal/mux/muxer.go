// Package mux writes the live multi-view recording. One Muxer owns the
// container file; every source worker and the filler path write through it.
package mux

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/at-wat/ebml-go/mkvcore"
	"github.com/at-wat/ebml-go/webm"

	"github.com/zsiec/replay/internal/codec"
	"github.com/zsiec/replay/internal/media"
	"github.com/zsiec/replay/internal/metrics"
)

// clusterInterval bounds how much data a cluster holds, so a seek never has
// to start far before its target.
const clusterInterval = 100 // ms

// maxClusterSpan is the longest cluster the block writer ever produces: a
// block timecode is an int16 relative to its cluster.
const maxClusterSpan = 0x7FFF

// closeTimeout bounds how long Close waits for queued blocks to drain.
const closeTimeout = 5 * time.Second

// AppName is written as the muxing and writing application.
const AppName = "replay"

var (
	// ErrNotInitialized is returned when writing before Init or after Close.
	ErrNotInitialized = errors.New("mux: not initialized")
	// ErrInvalidStream is returned for a stream index outside the view range.
	ErrInvalidStream = errors.New("mux: invalid stream index")
)

// Params fixes the layout of a recording. It cannot change after Init.
type Params struct {
	ViewCount int
	Width     int
	Height    int
	FPS       int
	ViewNames []string
	Title     string
	StartedAt time.Time
	// Prime, when set, is written as a keyframe at time 0 on every track
	// before Init returns, pinning the file timeline to the session clock.
	Prime []byte
}

// Stats is a snapshot of muxer counters.
type Stats struct {
	Path    string  `json:"path"`
	Packets []int64 `json:"packets"`
	Repairs []int64 `json:"repairs"`
	LastDTS []int64 `json:"lastDts"`
}

type ebmlHeader struct {
	EBMLVersion        uint64 `ebml:"EBMLVersion"`
	EBMLReadVersion    uint64 `ebml:"EBMLReadVersion"`
	EBMLMaxIDLength    uint64 `ebml:"EBMLMaxIDLength"`
	EBMLMaxSizeLength  uint64 `ebml:"EBMLMaxSizeLength"`
	DocType            string `ebml:"EBMLDocType"`
	DocTypeVersion     uint64 `ebml:"EBMLDocTypeVersion"`
	DocTypeReadVersion uint64 `ebml:"EBMLDocTypeReadVersion"`
}

type segmentInfo struct {
	TimecodeScale uint64    `ebml:"TimecodeScale"`
	Title         string    `ebml:"Title,omitempty"`
	MuxingApp     string    `ebml:"MuxingApp"`
	WritingApp    string    `ebml:"WritingApp"`
	DateUTC       time.Time `ebml:"DateUTC"`
}

// fileSink hands ebml-go an unbuffered file so every block reaches the OS
// as soon as it is written, and reports when the writer goroutine is done.
type fileSink struct {
	f    *os.File
	once sync.Once
	done chan struct{}
}

func (s *fileSink) Write(p []byte) (int, error) {
	return s.f.Write(p)
}

func (s *fileSink) Close() error {
	s.once.Do(func() { close(s.done) })
	return nil
}

// Muxer is the single writer of the live container file.
type Muxer struct {
	log *slog.Logger

	mu      sync.Mutex
	sink    *fileSink
	tracks  []webm.BlockWriteCloser
	path    string
	lastDTS []int64
	packets []int64
	repairs []int64
	labels  []string

	fatal atomic.Pointer[error]
}

// New returns an uninitialized Muxer. If log is nil, slog.Default() is used.
func New(log *slog.Logger) *Muxer {
	if log == nil {
		log = slog.Default()
	}
	return &Muxer{log: log.With("component", "muxer")}
}

// Init creates the file at path and writes the container header with one
// video track per view. The header is on disk when Init returns.
func (m *Muxer) Init(path string, p Params) error {
	if p.ViewCount <= 0 {
		return fmt.Errorf("mux: view count must be positive, got %d", p.ViewCount)
	}
	if p.Width <= 0 || p.Height <= 0 || p.FPS <= 0 {
		return fmt.Errorf("mux: invalid geometry %dx%d@%d", p.Width, p.Height, p.FPS)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sink != nil {
		return errors.New("mux: already initialized")
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("mux: create %s: %w", path, err)
	}
	sink := &fileSink{f: f, done: make(chan struct{})}

	frameDur := uint64(time.Second) / uint64(p.FPS)
	entries := make([]webm.TrackEntry, p.ViewCount)
	for i := range entries {
		entries[i] = webm.TrackEntry{
			Name:            viewName(p.ViewNames, i),
			TrackNumber:     uint64(i + 1),
			TrackUID:        uint64(i + 1),
			CodecID:         codec.CodecID,
			TrackType:       1,
			DefaultDuration: frameDur,
			Video: &webm.Video{
				PixelWidth:  uint64(p.Width),
				PixelHeight: uint64(p.Height),
			},
		}
	}

	startedAt := p.StartedAt
	if startedAt.IsZero() {
		startedAt = time.Now()
	}

	m.fatal.Store(nil)
	writers, err := webm.NewSimpleBlockWriter(sink, entries,
		mkvcore.WithEBMLHeader(&ebmlHeader{
			EBMLVersion:        1,
			EBMLReadVersion:    1,
			EBMLMaxIDLength:    4,
			EBMLMaxSizeLength:  8,
			DocType:            "matroska",
			DocTypeVersion:     4,
			DocTypeReadVersion: 2,
		}),
		mkvcore.WithSegmentInfo(&segmentInfo{
			TimecodeScale: 1_000_000,
			Title:         p.Title,
			MuxingApp:     AppName,
			WritingApp:    AppName,
			DateUTC:       startedAt.UTC(),
		}),
		mkvcore.WithBlockInterceptor(nil),
		// The writer opens a cluster once a track 1 keyframe is at least
		// maxClusterSpan-interval past the current cluster start.
		mkvcore.WithMaxKeyframeInterval(1, maxClusterSpan-clusterInterval),
		mkvcore.WithOnFatalHandler(func(err error) {
			m.log.Error("container write failed", "path", path, "error", err)
			m.fatal.Store(&err)
		}),
	)
	if err != nil {
		f.Close()
		return fmt.Errorf("mux: write header: %w", err)
	}
	if p.Prime != nil {
		for i, t := range writers {
			if _, err := t.Write(true, 0, p.Prime); err != nil {
				for _, t := range writers {
					t.Close()
				}
				f.Close()
				return fmt.Errorf("mux: prime track %d: %w", i+1, err)
			}
		}
	}

	m.sink = sink
	m.tracks = writers
	m.path = path
	m.lastDTS = make([]int64, p.ViewCount)
	m.packets = make([]int64, p.ViewCount)
	m.repairs = make([]int64, p.ViewCount)
	m.labels = make([]string, p.ViewCount)
	for i := range m.lastDTS {
		m.lastDTS[i] = media.NoPTS
		m.labels[i] = metrics.Label(i)
	}
	if p.Prime != nil {
		for i := range m.lastDTS {
			m.lastDTS[i] = 0
			m.packets[i] = 1
		}
	}

	m.log.Info("recording opened", "path", path, "views", p.ViewCount,
		"width", p.Width, "height", p.Height, "fps", p.FPS)
	return nil
}

// TimeBase returns the time base packets for stream must be expressed in.
func (m *Muxer) TimeBase(int) media.Rational {
	return media.Millis
}

// WritePacket appends pkt to its stream. A decode timestamp that does not
// advance past the stream's previous one is bumped to previous+1 rather
// than dropped; presentation time is raised to match.
func (m *Muxer) WritePacket(pkt media.Packet) error {
	if pkt.TimeBase.Valid() && pkt.TimeBase != media.Millis {
		pkt.RescaleTS(media.Millis)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.sink == nil {
		return ErrNotInitialized
	}
	if pkt.StreamIndex < 0 || pkt.StreamIndex >= len(m.tracks) {
		return fmt.Errorf("%w: %d", ErrInvalidStream, pkt.StreamIndex)
	}
	if errp := m.fatal.Load(); errp != nil {
		metrics.MuxWriteErrorsTotal.WithLabelValues(m.labels[pkt.StreamIndex]).Inc()
		return fmt.Errorf("mux: writer failed: %w", *errp)
	}

	s := pkt.StreamIndex
	if pkt.DTS == media.NoPTS {
		pkt.DTS = pkt.PTS
	}
	if last := m.lastDTS[s]; last != media.NoPTS && pkt.DTS <= last {
		pkt.DTS = last + 1
		m.repairs[s]++
		metrics.MuxDTSRepairsTotal.WithLabelValues(m.labels[s]).Inc()
	}
	if pkt.PTS == media.NoPTS || pkt.PTS < pkt.DTS {
		pkt.PTS = pkt.DTS
	}

	if _, err := m.tracks[s].Write(pkt.Keyframe, pkt.PTS, pkt.Data); err != nil {
		metrics.MuxWriteErrorsTotal.WithLabelValues(m.labels[s]).Inc()
		return fmt.Errorf("mux: write stream %d: %w", s, err)
	}
	m.lastDTS[s] = pkt.DTS
	m.packets[s]++
	metrics.MuxPacketsTotal.WithLabelValues(m.labels[s]).Inc()
	return nil
}

// Stats returns per-stream counters.
func (m *Muxer) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Stats{
		Path:    m.path,
		Packets: append([]int64(nil), m.packets...),
		Repairs: append([]int64(nil), m.repairs...),
		LastDTS: append([]int64(nil), m.lastDTS...),
	}
}

// Path returns the file being written, or "" when not initialized.
func (m *Muxer) Path() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.path
}

// Close finishes the recording and releases the file. It is a no-op when
// the muxer is not initialized and may be called repeatedly.
func (m *Muxer) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sink == nil {
		return nil
	}

	var errs []error
	for i, t := range m.tracks {
		if err := t.Close(); err != nil && !errors.Is(err, io.ErrClosedPipe) {
			errs = append(errs, fmt.Errorf("close track %d: %w", i+1, err))
		}
	}

	select {
	case <-m.sink.done:
	case <-time.After(closeTimeout):
		m.log.Warn("timed out waiting for container writer to drain", "path", m.path)
	}

	if err := m.sink.f.Sync(); err != nil {
		errs = append(errs, fmt.Errorf("sync: %w", err))
	}
	if err := m.sink.f.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close: %w", err))
	}

	m.log.Info("recording closed", "path", m.path, "packets", m.packets, "repairs", m.repairs)
	m.sink = nil
	m.tracks = nil
	m.path = ""
	if len(errs) > 0 {
		return fmt.Errorf("mux: %w", errors.Join(errs...))
	}
	return nil
}

func viewName(names []string, i int) string {
	if i < len(names) && names[i] != "" {
		return names[i]
	}
	return fmt.Sprintf("View %d", i+1)
}
