package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestEmptyFileYieldsDefaults(t *testing.T) {
	t.Parallel()
	cfg, err := Parse(nil)
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestParseOverridesDefaults(t *testing.T) {
	t.Parallel()
	cfg, err := Parse([]byte(`
output:
  dir: /srv/replays
  fps: 25
  views: 2
  mapping: [1, -1]
sources:
  - id: wide
    url: rtsp://10.0.0.5/main
  - id: tight
    name: Tight
    url: publish://tight
    enabled: false
capture:
  stall_timeout: 3s
playback:
  live_buffer: 1500ms
`))
	require.NoError(t, err)

	assert.Equal(t, "/srv/replays", cfg.Output.Dir)
	assert.Equal(t, 25, cfg.Output.FPS)
	assert.Equal(t, 1280, cfg.Output.Width, "unset fields keep defaults")
	assert.Equal(t, 3*time.Second, cfg.Capture.StallTimeout)
	assert.Equal(t, 1500*time.Millisecond, cfg.Playback.LiveBuffer)
	assert.True(t, cfg.Sources[0].IsEnabled())
	assert.False(t, cfg.Sources[1].IsEnabled())

	sc := cfg.SessionConfig()
	assert.Equal(t, 2, sc.Views)
	assert.Equal(t, []int{1, -1}, []int(sc.Mapping))
	assert.False(t, sc.Sources[1].Enabled)
	assert.Equal(t, 3*time.Second, sc.Worker.StallTimeout)

	assert.Equal(t, []string{"tight"}, cfg.PublishKeys())
	assert.Equal(t, "ffmpeg", cfg.FFmpegConfig().Binary)
	assert.Equal(t, "rec.mkv", cfg.PlayerConfig("rec.mkv").Path)
}

func TestParseRejectsUnknownKeys(t *testing.T) {
	t.Parallel()
	_, err := Parse([]byte("output:\n  frame_rate: 30\n"))
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"odd width", func(c *Config) { c.Output.Width = 1279 }},
		{"zero fps", func(c *Config) { c.Output.FPS = 0 }},
		{"no views", func(c *Config) { c.Output.Views = 0 }},
		{"quality", func(c *Config) { c.Output.Quality = 101 }},
		{"base name with slash", func(c *Config) { c.Output.BaseName = "a/b" }},
		{"source without id", func(c *Config) { c.Sources = []Source{{URL: "x"}} }},
		{"duplicate source", func(c *Config) { c.Sources = []Source{{ID: "a"}, {ID: "a"}} }},
		{"mapping length", func(c *Config) { c.Output.Mapping = []int{0} }},
		{"mapping duplicate", func(c *Config) {
			c.Sources = []Source{{ID: "a"}, {ID: "b"}}
			c.Output.Mapping = []int{0, 0, -1, -1}
		}},
		{"backoff order", func(c *Config) { c.Capture.BackoffMax = c.Capture.BackoffInitial / 2 }},
		{"ring size", func(c *Config) { c.Playback.RingSize = 0 }},
		{"api addr", func(c *Config) { c.API.Addr = "" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if !errors.Is(err, ErrInvalid) {
				t.Errorf("Validate() = %v, want ErrInvalid", err)
			}
		})
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "conf", "replay.yaml")
	off := false
	cfg := Default()
	cfg.Sources = []Source{
		{ID: "a", Name: "Wide", URL: "srt://10.0.0.9:9000?streamid=wide"},
		{ID: "b", URL: "udp://239.0.0.1:5000", Enabled: &off},
	}
	cfg.Capture.JitterWindow = 150 * time.Millisecond
	require.NoError(t, Save(path, cfg))

	got, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, cfg, got)

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "no temporary files left behind")
}

func TestSaveRejectsInvalid(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "replay.yaml")
	cfg := Default()
	cfg.Output.FPS = -1
	require.ErrorIs(t, Save(path, cfg), ErrInvalid)
	_, err := os.Stat(path)
	assert.True(t, os.IsNotExist(err))
}

type recordingUpdater struct {
	mu      sync.Mutex
	urls    map[string]string
	enabled map[string]bool
}

func (r *recordingUpdater) SetSourceURL(id, url string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.urls[id] = url
	return nil
}

func (r *recordingUpdater) SetSourceEnabled(id string, enabled bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.enabled[id] = enabled
	return nil
}

func TestApplySources(t *testing.T) {
	t.Parallel()
	off := false
	prev := []Source{{ID: "a", URL: "udp://a"}, {ID: "b", URL: "udp://b"}, {ID: "gone", URL: "udp://x"}}
	next := []Source{{ID: "a", URL: "udp://a2"}, {ID: "b", URL: "udp://b", Enabled: &off}, {ID: "new", URL: "udp://n"}}

	u := &recordingUpdater{urls: map[string]string{}, enabled: map[string]bool{}}
	err := ApplySources(u, prev, next)
	require.Error(t, err)
	assert.Contains(t, err.Error(), `"new" added`)
	assert.Contains(t, err.Error(), `"gone" removed`)

	assert.Equal(t, map[string]string{"a": "udp://a2"}, u.urls)
	assert.Equal(t, map[string]bool{"b": false}, u.enabled)
}

func TestWatcherReloadsOnChange(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "replay.yaml")
	require.NoError(t, os.WriteFile(path, []byte("output:\n  fps: 30\n"), 0o644))

	got := make(chan *Config, 4)
	w := NewWatcher(path, func(c *Config) {
		select {
		case got <- c:
		default:
		}
	}, nil)
	w.debounce = 20 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()
	defer func() {
		cancel()
		require.NoError(t, <-done)
	}()

	// An invalid write is ignored; the following valid one is delivered.
	deadline := time.After(5 * time.Second)
	tick := time.NewTicker(50 * time.Millisecond)
	defer tick.Stop()
	require.NoError(t, os.WriteFile(path, []byte("output:\n  fps: 0\n"), 0o644))
	for {
		select {
		case c := <-got:
			if c.Output.FPS == 25 {
				return
			}
		case <-tick.C:
			require.NoError(t, os.WriteFile(path, []byte("output:\n  fps: 25\n"), 0o644))
		case <-deadline:
			t.Fatal("no reload delivered")
		}
	}
}
