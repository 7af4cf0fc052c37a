package capture

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zsiec/replay/internal/media"
	"github.com/zsiec/replay/internal/mkv"
)

// FFmpegConfig controls the decoder process launched per connection.
type FFmpegConfig struct {
	Binary string
	// Width and Height are the geometry pictures are scaled to before they
	// leave the process.
	Width  int
	Height int
	// Quality is the intermediate MJPEG quantizer (2 best .. 31 worst).
	Quality        int
	ConnectTimeout time.Duration
	InputArgs      []string
}

// FFmpeg opens sources by running ffmpeg, which demuxes and transcodes any
// network protocol it supports into intra-only MJPEG carried in Matroska on
// stdout. The Matroska stream is parsed with mkv.Reader.
type FFmpeg struct {
	cfg FFmpegConfig
	log *slog.Logger
}

// NewFFmpeg returns an opener. If log is nil, slog.Default() is used.
func NewFFmpeg(cfg FFmpegConfig, log *slog.Logger) *FFmpeg {
	if log == nil {
		log = slog.Default()
	}
	if cfg.Binary == "" {
		cfg.Binary = "ffmpeg"
	}
	if cfg.Quality < 2 || cfg.Quality > 31 {
		cfg.Quality = 3
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}
	return &FFmpeg{cfg: cfg, log: log.With("component", "ffmpeg")}
}

// Open starts a decoder process reading url directly.
func (f *FFmpeg) Open(ctx context.Context, url string, intr Interrupter) (Input, error) {
	in, err := f.start(ctx, url, url, "", nil, intr)
	if err != nil {
		return nil, err
	}
	return in, nil
}

// OpenStream starts a decoder process fed from src in the given container
// format. src is closed with the input.
func (f *FFmpeg) OpenStream(ctx context.Context, name string, src io.ReadCloser, format string, intr Interrupter) (Input, error) {
	in, err := f.start(ctx, name, "pipe:0", format, src, intr)
	if err != nil {
		return nil, err
	}
	return in, nil
}

// Args returns the ffmpeg command line for input.
func (f *FFmpeg) Args(input, format string) []string {
	args := []string{"-hide_banner", "-loglevel", "error"}
	if input != "pipe:0" {
		args = append(args, "-nostdin")
	}
	args = append(args, "-fflags", "nobuffer", "-flags", "low_delay")
	if strings.HasPrefix(input, "rtsp://") || strings.HasPrefix(input, "rtsps://") {
		args = append(args, "-rtsp_transport", "tcp")
	}
	if format != "" {
		args = append(args, "-f", format)
	}
	args = append(args, f.cfg.InputArgs...)
	args = append(args,
		"-i", input,
		"-map", "0:v:0", "-an", "-sn", "-dn",
	)
	if f.cfg.Width > 0 && f.cfg.Height > 0 {
		args = append(args, "-vf", fmt.Sprintf("scale=%d:%d,format=yuvj420p", f.cfg.Width, f.cfg.Height))
	} else {
		args = append(args, "-vf", "format=yuvj420p")
	}
	return append(args,
		"-c:v", "mjpeg", "-q:v", strconv.Itoa(f.cfg.Quality),
		"-f", "matroska", "-live", "1", "-cluster_time_limit", "1",
		"-flush_packets", "1", "pipe:1",
	)
}

func (f *FFmpeg) start(ctx context.Context, name, input, format string, src io.ReadCloser, intr Interrupter) (*ffmpegInput, error) {
	cmd := exec.Command(f.cfg.Binary, f.Args(input, format)...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		closeQuiet(src)
		return nil, fmt.Errorf("capture: stdout pipe: %w", err)
	}
	stderr := NewLineRing(20)
	cmd.Stderr = stderr

	var stdin io.WriteCloser
	if src != nil {
		if stdin, err = cmd.StdinPipe(); err != nil {
			closeQuiet(src)
			return nil, fmt.Errorf("capture: stdin pipe: %w", err)
		}
	}

	if err := cmd.Start(); err != nil {
		closeQuiet(src)
		return nil, fmt.Errorf("capture: start %s: %w", f.cfg.Binary, err)
	}

	in := &ffmpegInput{
		log:    f.log.With("source", name),
		name:   name,
		cmd:    cmd,
		src:    src,
		stderr: stderr,
		done:   make(chan struct{}),
	}
	in.startedAt = time.Now()
	in.intr.set(intr)
	in.r = mkv.NewReader(&countingReader{r: stdout, c: &in.counters})

	go in.watch(ctx, f.cfg.ConnectTimeout)
	if src != nil {
		go in.feed(stdin)
	}

	h, err := in.r.ReadHeader()
	if err != nil {
		in.Close()
		return nil, in.openError(err)
	}
	in.track = 0
	for _, t := range h.Tracks {
		if strings.HasPrefix(t.CodecID, "V_") {
			in.track = t.Number
			break
		}
	}
	if in.track == 0 {
		in.Close()
		return nil, ErrNoVideoStream
	}
	in.opened.Store(true)
	return in, nil
}

type ffmpegInput struct {
	log    *slog.Logger
	name   string
	cmd    *exec.Cmd
	src    io.ReadCloser
	stderr *LineRing
	r      *mkv.Reader
	track  uint64
	intr   interrupter
	counters

	opened    atomic.Bool
	timedOut  atomic.Bool
	killed    atomic.Bool
	done      chan struct{}
	closeOnce sync.Once
	closeErr  error
}

// watch kills the process once the Interrupter fires, the context ends, or
// no header arrived within the connect timeout.
func (in *ffmpegInput) watch(ctx context.Context, connectTimeout time.Duration) {
	t := time.NewTicker(pollInterval)
	defer t.Stop()
	deadline := time.Now().Add(connectTimeout)
	for {
		select {
		case <-in.done:
			return
		case <-ctx.Done():
			in.kill()
			return
		case <-t.C:
			if in.intr.fired() {
				in.kill()
				return
			}
			if !in.opened.Load() && time.Now().After(deadline) {
				in.timedOut.Store(true)
				in.kill()
				return
			}
		}
	}
}

// feed copies the upstream transport into the process's stdin.
func (in *ffmpegInput) feed(stdin io.WriteCloser) {
	defer stdin.Close()
	buf := make([]byte, 32<<10)
	for {
		n, err := in.src.Read(buf)
		if n > 0 {
			if _, werr := stdin.Write(buf[:n]); werr != nil {
				in.log.Debug("decoder stdin closed", "error", werr)
				return
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				in.log.Debug("upstream read error", "error", err)
			}
			return
		}
	}
}

func (in *ffmpegInput) kill() {
	if in.killed.CompareAndSwap(false, true) && in.cmd.Process != nil {
		_ = in.cmd.Process.Kill()
	}
}

func (in *ffmpegInput) openError(err error) error {
	switch {
	case in.intr.fired():
		return ErrInterrupted
	case in.timedOut.Load():
		return fmt.Errorf("capture: %s: no video within connect timeout", in.name)
	case errors.Is(err, io.EOF), errors.Is(err, mkv.ErrIncomplete):
		if tail := in.stderr.Lines(); len(tail) > 0 {
			return fmt.Errorf("capture: %s: decoder exited: %s", in.name, tail[len(tail)-1])
		}
		return fmt.Errorf("capture: %s: decoder exited before producing video", in.name)
	default:
		return fmt.Errorf("capture: %s: %w", in.name, err)
	}
}

func (in *ffmpegInput) ReadPacket() (media.Packet, error) {
	for {
		b, err := in.r.Next()
		if err != nil {
			if errors.Is(err, mkv.ErrLaced) {
				continue
			}
			if errors.Is(err, io.EOF) || errors.Is(err, mkv.ErrIncomplete) {
				if in.intr.fired() {
					return media.Packet{}, ErrInterrupted
				}
				return media.Packet{}, io.EOF
			}
			if in.intr.fired() {
				return media.Packet{}, ErrInterrupted
			}
			return media.Packet{}, fmt.Errorf("capture: %s: %w", in.name, err)
		}
		if b.Track != in.track {
			continue
		}
		return media.Packet{
			PTS:      b.Timecode,
			DTS:      b.Timecode,
			Keyframe: b.Keyframe,
			Data:     b.Data,
			TimeBase: b.TimeBase,
		}, nil
	}
}

func (in *ffmpegInput) Stats() InputStats {
	return in.snapshot()
}

func (in *ffmpegInput) SetInterrupter(intr Interrupter) {
	in.intr.set(intr)
}

// Close kills the process and reaps it.
func (in *ffmpegInput) Close() error {
	in.closeOnce.Do(func() {
		close(in.done)
		in.kill()
		closeQuiet(in.src)
		err := in.cmd.Wait()
		var exitErr *exec.ExitError
		if err != nil && !errors.As(err, &exitErr) {
			in.closeErr = err
		}
	})
	return in.closeErr
}

type countingReader struct {
	r io.Reader
	c *counters
}

func (cr *countingReader) Read(p []byte) (int, error) {
	n, err := cr.r.Read(p)
	if n > 0 {
		cr.c.recordRead(n)
	}
	return n, err
}

func closeQuiet(c io.Closer) {
	if c != nil {
		_ = c.Close()
	}
}
