// srt-push publishes MPEG-TS files to the recorder's SRT listener in real
// time, looping forever. ffmpeg paces the file and rewrites timestamps at
// the loop seam; the transport stream is relayed over SRT.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	srt "github.com/zsiec/srtgo"
)

const chunkSize = 188 * 7

type streamManifestEntry struct {
	Number int    `json:"number"`
	Key    string `json:"key"`
}

type manifest struct {
	Streams []streamManifestEntry `json:"streams"`
}

func main() {
	allFlag := flag.Bool("all", false, "Push every stream listed in test/streams/manifest.json")
	fileFlag := flag.String("file", "", "Single TS file to push")
	keyFlag := flag.String("key", "", "Stream key (default: filename without extension)")
	addrFlag := flag.String("addr", "127.0.0.1:6000", "SRT listener address")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	if *allFlag {
		pushAll(ctx, *addrFlag)
		return
	}

	filePath := *fileFlag
	if filePath == "" && flag.NArg() > 0 {
		filePath = flag.Arg(0)
	}
	if filePath == "" {
		fmt.Fprintf(os.Stderr, "Usage:\n")
		fmt.Fprintf(os.Stderr, "  srt-push --all                        Push all generated camera feeds\n")
		fmt.Fprintf(os.Stderr, "  srt-push --file cam.ts --key cam1     Push a single feed\n")
		os.Exit(1)
	}
	pushSingle(ctx, filePath, streamKey(filePath, *keyFlag), *addrFlag)
}

// streamKey returns override, or the file name without its extension.
func streamKey(path, override string) string {
	if override != "" {
		return override
	}
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

func pushAll(ctx context.Context, addr string) {
	streamsDir := filepath.Join(findProjectRoot(), "test", "streams")
	data, err := os.ReadFile(filepath.Join(streamsDir, "manifest.json"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Cannot read manifest: %v\n", err)
		fmt.Fprintf(os.Stderr, "Run 'go run ./test/tools/gen-streams' first.\n")
		os.Exit(1)
	}
	var m manifest
	if err := json.Unmarshal(data, &m); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid manifest: %v\n", err)
		os.Exit(1)
	}
	if len(m.Streams) == 0 {
		fmt.Fprintf(os.Stderr, "No streams in manifest\n")
		os.Exit(1)
	}

	fmt.Printf("Pushing %d streams to %s\n", len(m.Streams), addr)
	var wg sync.WaitGroup
	for _, s := range m.Streams {
		tsFile := filepath.Join(streamsDir, fmt.Sprintf("stream_%d.ts", s.Number))
		if _, err := os.Stat(tsFile); err != nil {
			fmt.Printf("  Skipping stream %d (%s): %v\n", s.Number, s.Key, err)
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			fmt.Printf("  Stream %d: %s -> publish://%s\n", s.Number, tsFile, s.Key)
			pushSingle(ctx, tsFile, s.Key, addr)
		}()
	}
	wg.Wait()
}

// pushSingle relays file to addr until ctx ends, reconnecting with
// exponential backoff when the connection drops.
func pushSingle(ctx context.Context, file, key, addr string) {
	op := func() (struct{}, error) {
		fmt.Printf("[%s] Connecting to SRT %s...\n", key, addr)
		cfg := srt.DefaultConfig()
		cfg.StreamID = key
		conn, err := srt.Dial(addr, cfg)
		if err != nil {
			return struct{}{}, fmt.Errorf("connect: %w", err)
		}
		defer conn.Close()
		fmt.Printf("[%s] Connected, streaming %s\n", key, file)
		err = relay(ctx, conn, file, key)
		if ctx.Err() != nil {
			return struct{}{}, backoff.Permanent(ctx.Err())
		}
		return struct{}{}, err
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxInterval = 5 * time.Second
	for ctx.Err() == nil {
		_, err := backoff.Retry(ctx, op,
			backoff.WithBackOff(b),
			backoff.WithMaxElapsedTime(0),
			backoff.WithNotify(func(err error, d time.Duration) {
				fmt.Fprintf(os.Stderr, "[%s] %v, retrying in %s\n", key, err, d)
			}),
		)
		if err != nil && !errors.Is(err, context.Canceled) {
			fmt.Fprintf(os.Stderr, "[%s] giving up: %v\n", key, err)
			return
		}
	}
}

func ffmpegArgs(file string) []string {
	return []string{
		"-hide_banner", "-loglevel", "error",
		"-re", "-stream_loop", "-1",
		"-i", file,
		"-c", "copy",
		"-f", "mpegts",
		"pipe:1",
	}
}

// relay runs ffmpeg on file and copies its output to w until either side
// fails or ctx ends.
func relay(ctx context.Context, w io.Writer, file, key string) error {
	cmd := exec.CommandContext(ctx, "ffmpeg", ffmpegArgs(file)...)
	cmd.Stderr = os.Stderr
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return err
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start ffmpeg: %w", err)
	}

	var sent int64
	start := time.Now()
	lastLog := start
	buf := make([]byte, chunkSize)
	var copyErr error
	for {
		n, rerr := io.ReadFull(stdout, buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				copyErr = fmt.Errorf("write: %w", werr)
				break
			}
			sent += int64(n)
		}
		if rerr != nil {
			copyErr = fmt.Errorf("ffmpeg output: %w", rerr)
			break
		}
		if time.Since(lastLog) >= 10*time.Second {
			fmt.Printf("[%s] rate=%.0f B/s total=%.1f MB\n", key,
				float64(sent)/time.Since(start).Seconds(), float64(sent)/(1024*1024))
			lastLog = time.Now()
		}
	}
	_ = cmd.Process.Kill()
	_ = cmd.Wait()
	return copyErr
}

func findProjectRoot() string {
	dir, err := os.Getwd()
	if err != nil {
		return "."
	}
	for {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "."
		}
		dir = parent
	}
}
