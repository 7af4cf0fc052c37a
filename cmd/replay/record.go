package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/zsiec/replay/internal/capture"
	"github.com/zsiec/replay/internal/certs"
	"github.com/zsiec/replay/internal/config"
	"github.com/zsiec/replay/internal/control"
	"github.com/zsiec/replay/internal/ingest"
	srtingest "github.com/zsiec/replay/internal/ingest/srt"
	"github.com/zsiec/replay/internal/playback"
	"github.com/zsiec/replay/internal/session"
	"github.com/zsiec/replay/internal/sink"
	"github.com/zsiec/replay/internal/snapshot"
	"github.com/zsiec/replay/internal/transport"
)

func newRecordCmd(opts *rootOptions) *cobra.Command {
	var (
		noAutostart bool
		watch       bool
	)
	cmd := &cobra.Command{
		Use:   "record",
		Short: "Record all sources and serve the replay deck",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, path, err := loadConfig(cmd, opts.configPath)
			if err != nil {
				return err
			}
			ctx, cancel := signalContext()
			defer cancel()
			return runRecord(ctx, cfg, path, !noAutostart, watch)
		},
	}
	cmd.Flags().BoolVar(&noAutostart, "no-autostart", false, "wait for a session/start request before recording")
	cmd.Flags().BoolVar(&watch, "watch", true, "apply source changes when the configuration file is edited")
	return cmd
}

// loadConfig reads path. A missing file falls back to the defaults unless
// the path was given explicitly; the returned path is empty in that case.
func loadConfig(cmd *cobra.Command, path string) (*config.Config, string, error) {
	cfg, err := config.Load(path)
	switch {
	case err == nil:
		return cfg, path, nil
	case isNotExist(err) && !cmd.Flags().Changed("config"):
		slog.Warn("no configuration file, using defaults", "path", path)
		return config.Default(), "", nil
	default:
		return nil, "", err
	}
}

func runRecord(ctx context.Context, cfg *config.Config, cfgPath string, autostart, watch bool) error {
	registry := ingest.NewRegistry()
	router := &capture.Router{
		FFmpeg:      capture.NewFFmpeg(cfg.FFmpegConfig(), nil),
		Publish:     registry,
		DialTimeout: cfg.Capture.ConnectTimeout,
	}
	orch, err := session.New(cfg.SessionConfig(), router, nil)
	if err != nil {
		return err
	}

	tr := transport.New(cfg.Output.FPS, nil)
	hubs := sink.NewHubs(cfg.Output.Views, nil)
	ctl := newController(cfg, orch, tr, hubs)
	defer ctl.Close()

	srv, err := newServer(cfg, ctl)
	if err != nil {
		return err
	}

	srtAddr := envOr("SRT_ADDR", cfg.SRT.Addr)
	slog.Info("replay starting",
		"version", version,
		"api", srv.Addr(),
		"srt", srtAddr,
		"output", cfg.Output.Dir,
		"views", cfg.Output.Views,
		"sources", len(cfg.Sources),
	)

	g, ctx := errgroup.WithContext(ctx)
	if srtAddr != "" {
		srtSrv := srtingest.NewServer(srtAddr, registry, allowKeys(cfg.PublishKeys()), nil)
		g.Go(func() error { return srtSrv.Start(ctx) })
	}
	g.Go(func() error { return srv.Start(ctx) })
	g.Go(func() error { return ctl.Run(ctx) })

	if watch && cfgPath != "" {
		prev := cfg
		w := config.NewWatcher(cfgPath, func(next *config.Config) {
			if err := config.ApplySources(orch, prev.Sources, next.Sources); err != nil {
				slog.Warn("some source changes need a restart", "error", err)
			}
			prev = next
		}, nil)
		g.Go(func() error { return w.Run(ctx) })
	}

	if autostart {
		if _, err := ctl.StartRecording(ctx); err != nil {
			return fmt.Errorf("start recording: %w", err)
		}
	}

	g.Go(func() error {
		<-ctx.Done()
		if err := ctl.StopRecording(); err != nil && !errors.Is(err, session.ErrNotRecording) {
			return fmt.Errorf("stop recording: %w", err)
		}
		return nil
	})
	return g.Wait()
}

func newController(cfg *config.Config, rec control.Recorder, tr *transport.Clock, hubs []*sink.Hub) *control.Controller {
	newPlayer := func(path string) (*playback.TailingPlayer, error) {
		return playback.New(cfg.PlayerConfig(path), tr, hubs, nil)
	}
	return control.New(control.Config{
		LiveBuffer:      cfg.Playback.LiveBuffer,
		FollowTolerance: cfg.Playback.FollowTolerance,
		FollowInterval:  time.Second / time.Duration(cfg.Output.FPS),
	}, rec, tr, hubs, snapshot.NewWriter(cfg.API.SnapshotDir, cfg.Output.Quality, nil), newPlayer, nil)
}

func newServer(cfg *config.Config, ctl *control.Controller) (*control.Server, error) {
	scfg := control.ServerConfig{
		Addr:       envOr("API_ADDR", cfg.API.Addr),
		CORSOrigin: cfg.API.CORSOrigin,
	}
	if cfg.API.TLS {
		cert, err := certs.LoadOrGenerate(cfg.API.CertDir, certs.DefaultValidity, nil)
		if err != nil {
			return nil, fmt.Errorf("TLS certificate: %w", err)
		}
		slog.Info("TLS enabled",
			"fingerprint", cert.FingerprintBase64(),
			"expires", cert.NotAfter.Format(time.RFC3339),
		)
		scfg.Cert = cert
	}
	return control.NewServer(scfg, ctl, nil)
}

// allowKeys accepts only the listed stream keys, or any key when none are
// listed.
func allowKeys(keys []string) func(string) bool {
	if len(keys) == 0 {
		return nil
	}
	return func(key string) bool { return slices.Contains(keys, key) }
}
