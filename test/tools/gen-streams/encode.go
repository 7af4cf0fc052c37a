package main

import (
	"fmt"
	"os/exec"
	"strconv"
)

const (
	targetBitrate  = "4000k"
	gopDurationSec = 1
)

// feedArgs builds the ffmpeg command line for one synthetic camera. The
// burnt-in label shows the camera key and the source timecode.
func feedArgs(sc StreamConfig, output string) []string {
	src := fmt.Sprintf("%s=size=%dx%d:rate=%d:duration=%g",
		sc.Pattern, sc.Width, sc.Height, sc.FPS, sc.DurationSec)
	label := fmt.Sprintf("drawtext=text='%s %%{pts\\:hms}':fontsize=%d:fontcolor=white:box=1:boxcolor=black@0.6:x=24:y=24",
		sc.Key, max(16, sc.Height/12))
	gop := strconv.Itoa(sc.FPS * gopDurationSec)
	return []string{
		"-y", "-hide_banner", "-loglevel", "error",
		"-f", "lavfi", "-i", src,
		"-vf", label,
		"-c:v", "libx264",
		"-preset", "veryfast",
		"-b:v", targetBitrate,
		"-g", gop,
		"-keyint_min", gop,
		"-sc_threshold", "0",
		"-pix_fmt", "yuv420p",
		"-f", "mpegts",
		"-mpegts_flags", "resend_headers",
		output,
	}
}

func encodeFeed(sc StreamConfig, output string) error {
	cmd := exec.Command("ffmpeg", feedArgs(sc, output)...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("ffmpeg encode: %w\n%s", err, string(out))
	}
	return nil
}
