package srt

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestExtractStreamKey(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		streamID string
		want     string
	}{
		{name: "simple key", streamID: "camera1", want: "camera1"},
		{name: "leading slash", streamID: "/camera1", want: "camera1"},
		{name: "live prefix", streamID: "live/camera1", want: "camera1"},
		{name: "slash and live prefix", streamID: "/live/camera1", want: "camera1"},
		{name: "empty returns default", streamID: "", want: "default"},
		{name: "just slash returns default", streamID: "/", want: "default"},
		{name: "just live/ returns default", streamID: "live/", want: "default"},
		{name: "nested path preserved", streamID: "studio/camera1", want: "studio/camera1"},
		{name: "live in name preserved", streamID: "liveshow", want: "liveshow"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got := extractStreamKey(tc.streamID)
			if got != tc.want {
				t.Errorf("extractStreamKey(%q) = %q, want %q", tc.streamID, got, tc.want)
			}
		})
	}
}

func TestParseURL(t *testing.T) {
	t.Parallel()

	req, err := ParseURL("srt://10.0.0.5:9000?streamid=live/cam2")
	if err != nil {
		t.Fatalf("ParseURL: %v", err)
	}
	if req.Address != "10.0.0.5:9000" {
		t.Errorf("address: got %q, want %q", req.Address, "10.0.0.5:9000")
	}
	if req.StreamID != "live/cam2" {
		t.Errorf("streamid: got %q, want %q", req.StreamID, "live/cam2")
	}

	for _, bad := range []string{"rtsp://cam/stream", "srt://nohost", "::"} {
		if _, err := ParseURL(bad); err == nil {
			t.Errorf("ParseURL(%q): expected error", bad)
		}
	}
}

func TestDialRequiresAddress(t *testing.T) {
	t.Parallel()
	if _, err := Dial(context.Background(), PullRequest{}, time.Second, nil); err == nil {
		t.Fatal("expected error for empty address")
	}
}

func TestDialAbort(t *testing.T) {
	t.Parallel()

	// Nothing listens on the discard port; the abort predicate must win
	// over the handshake timeout.
	start := time.Now()
	_, err := Dial(context.Background(), PullRequest{Address: "127.0.0.1:9"}, 5*time.Second,
		func() bool { return true })
	if err == nil {
		t.Fatal("expected error")
	}
	if !errors.Is(err, ErrDialAborted) && time.Since(start) > 2*time.Second {
		t.Fatalf("dial not aborted promptly: %v after %s", err, time.Since(start))
	}
}
