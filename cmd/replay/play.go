package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/zsiec/replay/internal/config"
	"github.com/zsiec/replay/internal/control"
	"github.com/zsiec/replay/internal/mkv"
	"github.com/zsiec/replay/internal/sink"
	"github.com/zsiec/replay/internal/transport"
)

func newPlayCmd(opts *rootOptions) *cobra.Command {
	var paused bool
	cmd := &cobra.Command{
		Use:   "play FILE",
		Short: "Serve the replay deck for an existing recording",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := loadConfig(cmd, opts.configPath)
			if err != nil {
				return err
			}
			ctx, cancel := signalContext()
			defer cancel()
			return runPlay(ctx, cfg, args[0], !paused)
		},
	}
	cmd.Flags().BoolVar(&paused, "paused", false, "open the file paused at the start")
	return cmd
}

// probe reads the recording header for its view count and frame rate.
func probe(path string) (*mkv.Header, error) {
	f, err := os.Open(path) // #nosec G304
	if err != nil {
		return nil, err
	}
	defer f.Close()
	h, err := mkv.NewReader(f).ReadHeader()
	if err != nil {
		return nil, fmt.Errorf("%s: %w", filepath.Base(path), err)
	}
	if len(h.Tracks) == 0 {
		return nil, errors.New(filepath.Base(path) + ": no video tracks")
	}
	return h, nil
}

func runPlay(ctx context.Context, cfg *config.Config, path string, autoplay bool) error {
	h, err := probe(path)
	if err != nil {
		return err
	}
	fps := cfg.Output.FPS
	if d := h.Tracks[0].DefaultDuration; d > 0 {
		fps = max(1, int((1e9+d.Nanoseconds()/2)/d.Nanoseconds()))
	}

	tr := transport.New(fps, nil)
	hubs := sink.NewHubs(len(h.Tracks), nil)
	ctl := newController(cfg, nil, tr, hubs)
	defer ctl.Close()

	srv, err := newServer(cfg, ctl)
	if err != nil {
		return err
	}
	if err := ctl.Open(ctx, path, h.DateUTC); err != nil {
		return err
	}
	if autoplay {
		if _, err := ctl.Dispatch(control.Command{Action: control.ActionPlay}); err != nil {
			return err
		}
	}
	slog.Info("replay playing file",
		"version", version,
		"path", path,
		"views", len(h.Tracks),
		"fps", fps,
		"title", h.Title,
		"api", srv.Addr(),
	)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.Start(ctx) })
	g.Go(func() error { return ctl.Run(ctx) })
	return g.Wait()
}
