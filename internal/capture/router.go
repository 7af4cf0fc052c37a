package capture

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/zsiec/replay/internal/ingest"
	"github.com/zsiec/replay/internal/ingest/srt"
)

// Router dispatches source URLs by scheme. srt:// URLs are dialed in caller
// mode and publish://key URLs wait for a publisher on the SRT listener; both
// feed the transport stream to the decoder process. Every other URL is
// handed to the decoder process directly.
type Router struct {
	FFmpeg      *FFmpeg
	Publish     *ingest.Registry
	DialTimeout time.Duration
}

// Open implements Opener.
func (r *Router) Open(ctx context.Context, url string, intr Interrupter) (Input, error) {
	scheme, rest, ok := strings.Cut(url, "://")
	if !ok || rest == "" || r.FFmpeg == nil {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedURL, url)
	}
	abort := func() bool { return intr != nil && intr.Interrupt() }

	switch strings.ToLower(scheme) {
	case "srt":
		req, err := srt.ParseURL(url)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrUnsupportedURL, err)
		}
		conn, err := srt.Dial(ctx, req, r.DialTimeout, abort)
		if err != nil {
			if errors.Is(err, srt.ErrDialAborted) {
				return nil, ErrInterrupted
			}
			return nil, fmt.Errorf("capture: %w", err)
		}
		in, err := r.FFmpeg.start(ctx, url, "pipe:0", "mpegts", conn, intr)
		if err != nil {
			return nil, err
		}
		in.setRemoteAddr(conn.RemoteAddr())
		return in, nil

	case "publish":
		if r.Publish == nil {
			return nil, fmt.Errorf("%w: no SRT listener configured for %q", ErrUnsupportedURL, url)
		}
		rc, stream, err := r.Publish.Claim(ctx, rest, abort)
		if err != nil {
			if errors.Is(err, ingest.ErrAborted) {
				return nil, ErrInterrupted
			}
			return nil, err
		}
		in, err := r.FFmpeg.start(ctx, url, "pipe:0", "mpegts", rc, intr)
		if err != nil {
			return nil, err
		}
		in.setRemoteAddr(stream.IngestStats().RemoteAddr)
		return in, nil

	default:
		return r.FFmpeg.Open(ctx, url, intr)
	}
}
