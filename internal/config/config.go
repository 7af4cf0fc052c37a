// Package config loads, validates and saves the recorder configuration.
// The file is YAML; every field has a default so an empty file is valid.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/renameio/v2"
	"gopkg.in/yaml.v3"

	"github.com/zsiec/replay/internal/capture"
	"github.com/zsiec/replay/internal/codec"
	"github.com/zsiec/replay/internal/playback"
	"github.com/zsiec/replay/internal/session"
	"github.com/zsiec/replay/internal/source"
)

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("config: invalid")

// Config is the whole recorder configuration.
type Config struct {
	Output   Output   `yaml:"output"`
	Sources  []Source `yaml:"sources"`
	Capture  Capture  `yaml:"capture"`
	Playback Playback `yaml:"playback"`
	SRT      SRT      `yaml:"srt"`
	API      API      `yaml:"api"`
}

// Output fixes the recording layout.
type Output struct {
	Dir       string   `yaml:"dir"`
	BaseName  string   `yaml:"base_name"`
	Title     string   `yaml:"title,omitempty"`
	Width     int      `yaml:"width"`
	Height    int      `yaml:"height"`
	FPS       int      `yaml:"fps"`
	Views     int      `yaml:"views"`
	Quality   int      `yaml:"quality"`
	ViewNames []string `yaml:"view_names,omitempty"`
	// Mapping assigns a source index to each view; -1 leaves a view on
	// the fill color. Empty maps enabled sources in order.
	Mapping []int `yaml:"mapping,omitempty"`
}

// Source is one camera.
type Source struct {
	ID      string `yaml:"id"`
	Name    string `yaml:"name,omitempty"`
	URL     string `yaml:"url"`
	Enabled *bool  `yaml:"enabled,omitempty"`
}

// IsEnabled reports whether the source records; unset means enabled.
func (s Source) IsEnabled() bool {
	return s.Enabled == nil || *s.Enabled
}

// Capture tunes the source workers and the decoder process.
type Capture struct {
	FFmpeg         string        `yaml:"ffmpeg"`
	InputArgs      []string      `yaml:"input_args,omitempty"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	JitterWindow   time.Duration `yaml:"jitter_window"`
	StallTimeout   time.Duration `yaml:"stall_timeout"`
	QueueCap       int           `yaml:"queue_cap"`
	BackoffInitial time.Duration `yaml:"backoff_initial"`
	BackoffMax     time.Duration `yaml:"backoff_max"`
}

// Playback tunes the tailing player and follow-live.
type Playback struct {
	RingSize        int           `yaml:"ring_size"`
	PacketCeiling   int           `yaml:"packet_ceiling"`
	DriftThreshold  time.Duration `yaml:"drift_threshold"`
	Lookback        time.Duration `yaml:"lookback"`
	LiveBuffer      time.Duration `yaml:"live_buffer"`
	FollowTolerance time.Duration `yaml:"follow_tolerance"`
}

// SRT configures the publish listener. An empty Addr disables it.
type SRT struct {
	Addr string `yaml:"addr,omitempty"`
	// Keys limits accepted stream keys. Empty accepts the keys of
	// publish:// sources.
	Keys []string `yaml:"keys,omitempty"`
}

// API configures the control server.
type API struct {
	Addr        string `yaml:"addr"`
	TLS         bool   `yaml:"tls,omitempty"`
	CertDir     string `yaml:"cert_dir,omitempty"`
	SnapshotDir string `yaml:"snapshot_dir"`
	CORSOrigin  string `yaml:"cors_origin,omitempty"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Output: Output{
			Dir:      ".",
			BaseName: "replay",
			Width:    1280,
			Height:   720,
			FPS:      30,
			Views:    4,
			Quality:  codec.DefaultQuality,
		},
		Capture: Capture{
			FFmpeg:         "ffmpeg",
			ConnectTimeout: 10 * time.Second,
			JitterWindow:   source.DefaultJitterWindow,
			StallTimeout:   source.DefaultStallTimeout,
			QueueCap:       source.DefaultQueueCap,
			BackoffInitial: source.DefaultBackoffInitial,
			BackoffMax:     source.DefaultBackoffMax,
		},
		Playback: Playback{
			RingSize:        playback.DefaultRingSize,
			PacketCeiling:   playback.DefaultPacketCeiling,
			DriftThreshold:  playback.DefaultDriftThreshold,
			Lookback:        playback.DefaultLookback,
			LiveBuffer:      time.Second,
			FollowTolerance: 50 * time.Millisecond,
		},
		API: API{
			Addr:        ":8080",
			SnapshotDir: ".",
		},
	}
}

// Load reads path over the defaults and validates the result. Unknown keys
// are rejected.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path) // #nosec G304
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes YAML over the defaults and validates the result.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes cfg to path atomically.
func Save(path string, cfg *Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(cfg); err != nil {
		return fmt.Errorf("config: encode: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("config: encode: %w", err)
	}

	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("config: create %s: %w", dir, err)
		}
	}
	pending, err := renameio.NewPendingFile(path, renameio.WithPermissions(0o644))
	if err != nil {
		return fmt.Errorf("config: create pending file: %w", err)
	}
	defer func() { _ = pending.Cleanup() }()

	if _, err := pending.Write(buf.Bytes()); err != nil {
		return fmt.Errorf("config: write: %w", err)
	}
	if err := pending.CloseAtomicallyReplace(); err != nil {
		return fmt.Errorf("config: replace %s: %w", path, err)
	}
	return nil
}

// Validate reports every problem found, joined, each wrapping ErrInvalid.
func (c *Config) Validate() error {
	var errs []error
	bad := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("%w: "+format, append([]any{ErrInvalid}, args...)...))
	}

	o := c.Output
	if o.Width <= 0 || o.Height <= 0 {
		bad("output geometry %dx%d", o.Width, o.Height)
	}
	if o.Width%2 != 0 || o.Height%2 != 0 {
		bad("output geometry %dx%d must be even", o.Width, o.Height)
	}
	if o.FPS <= 0 || o.FPS > 120 {
		bad("output fps %d out of range 1..120", o.FPS)
	}
	if o.Views <= 0 {
		bad("output views %d must be positive", o.Views)
	}
	if o.Quality < 1 || o.Quality > 100 {
		bad("output quality %d out of range 1..100", o.Quality)
	}
	if o.BaseName == "" || strings.ContainsAny(o.BaseName, `/\`) {
		bad("output base_name %q", o.BaseName)
	}

	seen := make(map[string]bool, len(c.Sources))
	for i, s := range c.Sources {
		switch {
		case s.ID == "":
			bad("source %d has no id", i)
		case seen[s.ID]:
			bad("duplicate source id %q", s.ID)
		}
		seen[s.ID] = true
	}
	if len(o.Mapping) > 0 {
		if len(o.Mapping) != o.Views {
			bad("mapping has %d entries for %d views", len(o.Mapping), o.Views)
		} else if err := session.ViewSlotMap(o.Mapping).Validate(o.Views, len(c.Sources)); err != nil {
			bad("mapping: %v", err)
		}
	}

	cp := c.Capture
	if cp.FFmpeg == "" {
		bad("capture ffmpeg binary is empty")
	}
	if cp.JitterWindow < 0 || cp.StallTimeout <= 0 || cp.ConnectTimeout <= 0 {
		bad("capture timeouts must be positive")
	}
	if cp.QueueCap <= 0 {
		bad("capture queue_cap %d must be positive", cp.QueueCap)
	}
	if cp.BackoffInitial <= 0 || cp.BackoffMax < cp.BackoffInitial {
		bad("capture backoff %s..%s", cp.BackoffInitial, cp.BackoffMax)
	}

	p := c.Playback
	if p.RingSize <= 0 || p.PacketCeiling <= 0 {
		bad("playback ring_size and packet_ceiling must be positive")
	}
	if p.DriftThreshold <= 0 || p.LiveBuffer < 0 || p.FollowTolerance <= 0 || p.Lookback < 0 {
		bad("playback durations out of range")
	}

	if c.API.Addr == "" {
		bad("api addr is empty")
	}
	return errors.Join(errs...)
}

// SessionConfig maps the configuration onto a recording layout.
func (c *Config) SessionConfig() session.Config {
	sources := make([]session.SourceConfig, len(c.Sources))
	for i, s := range c.Sources {
		sources[i] = session.SourceConfig{ID: s.ID, Name: s.Name, URL: s.URL, Enabled: s.IsEnabled()}
	}
	var mapping session.ViewSlotMap
	if len(c.Output.Mapping) > 0 {
		mapping = append(session.ViewSlotMap(nil), c.Output.Mapping...)
	}
	return session.Config{
		OutputDir: c.Output.Dir,
		BaseName:  c.Output.BaseName,
		Title:     c.Output.Title,
		Width:     c.Output.Width,
		Height:    c.Output.Height,
		FPS:       c.Output.FPS,
		Views:     c.Output.Views,
		Quality:   c.Output.Quality,
		ViewNames: c.Output.ViewNames,
		Sources:   sources,
		Mapping:   mapping,
		Worker: source.Config{
			JitterWindow:   c.Capture.JitterWindow,
			StallTimeout:   c.Capture.StallTimeout,
			QueueCap:       c.Capture.QueueCap,
			BackoffInitial: c.Capture.BackoffInitial,
			BackoffMax:     c.Capture.BackoffMax,
		},
	}
}

// FFmpegConfig maps the configuration onto the decoder process settings.
func (c *Config) FFmpegConfig() capture.FFmpegConfig {
	return capture.FFmpegConfig{
		Binary:         c.Capture.FFmpeg,
		Width:          c.Output.Width,
		Height:         c.Output.Height,
		ConnectTimeout: c.Capture.ConnectTimeout,
		InputArgs:      c.Capture.InputArgs,
	}
}

// PlayerConfig maps the configuration onto a player for path.
func (c *Config) PlayerConfig(path string) playback.Config {
	return playback.Config{
		Path:           path,
		RingSize:       c.Playback.RingSize,
		PacketCeiling:  c.Playback.PacketCeiling,
		DriftThreshold: c.Playback.DriftThreshold,
		Lookback:       c.Playback.Lookback,
	}
}

// PublishKeys returns the stream keys the SRT listener accepts.
func (c *Config) PublishKeys() []string {
	if len(c.SRT.Keys) > 0 {
		return append([]string(nil), c.SRT.Keys...)
	}
	var keys []string
	for _, s := range c.Sources {
		if k, ok := strings.CutPrefix(s.URL, "publish://"); ok && k != "" {
			keys = append(keys, k)
		}
	}
	return keys
}
