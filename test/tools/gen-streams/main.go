// gen-streams renders synthetic camera feeds as MPEG-TS files for exercising
// the recorder without real cameras. Each feed burns its camera name and a
// running timecode into a distinct test pattern, so views are easy to tell
// apart and sync drift between them is visible.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"golang.org/x/sync/errgroup"
)

type StreamConfig struct {
	Number      int     `json:"number"`
	Key         string  `json:"key"`
	Pattern     string  `json:"pattern"`
	DurationSec float64 `json:"durationSec"`
	Width       int     `json:"width"`
	Height      int     `json:"height"`
	FPS         int     `json:"fps"`
}

type Manifest struct {
	Generated string         `json:"generated"`
	Streams   []StreamConfig `json:"streams"`
}

// patterns cycles through lavfi sources with visibly different content.
var patterns = []string{"testsrc2", "smptehdbars", "mandelbrot", "rgbtestsrc", "testsrc", "cellauto"}

func main() {
	count := flag.Int("n", 4, "number of camera feeds")
	duration := flag.Float64("duration", 60, "feed length in seconds")
	width := flag.Int("width", 1280, "frame width")
	height := flag.Int("height", 720, "frame height")
	fps := flag.Int("fps", 30, "frame rate")
	jobs := flag.Int("j", 2, "parallel encodes")
	out := flag.String("out", "", "output directory (default test/streams under the module root)")
	flag.Parse()

	checkDeps()
	if *count < 1 || *fps < 1 || *duration <= 0 {
		fatal("invalid flags: -n, -fps and -duration must be positive")
	}

	streamsDir := *out
	if streamsDir == "" {
		streamsDir = filepath.Join(findProjectRoot(), "test", "streams")
	}
	if err := os.MkdirAll(streamsDir, 0o755); err != nil {
		fatal("create streams dir: %v", err)
	}

	streams := make([]StreamConfig, *count)
	for i := range streams {
		streams[i] = StreamConfig{
			Number:      i + 1,
			Key:         fmt.Sprintf("cam%d", i+1),
			Pattern:     patterns[i%len(patterns)],
			DurationSec: *duration,
			Width:       *width,
			Height:      *height,
			FPS:         *fps,
		}
	}

	fmt.Println("=== Replay Stream Generator ===")
	fmt.Printf("Rendering %d camera feeds (%dx%d@%d, %.0fs) into %s\n\n",
		len(streams), *width, *height, *fps, *duration, streamsDir)

	var g errgroup.Group
	g.SetLimit(*jobs)
	for _, sc := range streams {
		g.Go(func() error {
			output := filepath.Join(streamsDir, fmt.Sprintf("stream_%d.ts", sc.Number))
			start := time.Now()
			if err := encodeFeed(sc, output); err != nil {
				return fmt.Errorf("%s: %w", sc.Key, err)
			}
			fmt.Printf("  [%d] %s (%s) done in %s\n", sc.Number, sc.Key, sc.Pattern,
				time.Since(start).Truncate(time.Millisecond))
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		fatal("%v", err)
	}

	m := Manifest{Generated: time.Now().UTC().Format(time.RFC3339), Streams: streams}
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		fatal("encode manifest: %v", err)
	}
	if err := os.WriteFile(filepath.Join(streamsDir, "manifest.json"), data, 0o644); err != nil {
		fatal("write manifest: %v", err)
	}
	fmt.Println("\nManifest written. Push with: go run ./test/tools/srt-push --all")
}

func checkDeps() {
	if _, err := exec.LookPath("ffmpeg"); err != nil {
		fatal("ffmpeg not found in PATH")
	}
}

func findProjectRoot() string {
	dir, err := os.Getwd()
	if err != nil {
		fatal("getwd: %v", err)
	}
	for {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			fatal("go.mod not found above the working directory")
		}
		dir = parent
	}
}

func fatal(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "error: "+format+"\n", args...)
	os.Exit(1)
}
