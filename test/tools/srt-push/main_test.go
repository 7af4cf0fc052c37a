package main

import (
	"slices"
	"testing"
)

func TestStreamKey(t *testing.T) {
	tests := []struct {
		name     string
		path     string
		override string
		want     string
	}{
		{"from file name", "test/streams/cam1.ts", "", "cam1"},
		{"override wins", "test/streams/stream_3.ts", "tight", "tight"},
		{"no extension", "/tmp/wide", "", "wide"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := streamKey(tt.path, tt.override); got != tt.want {
				t.Errorf("streamKey(%q, %q) = %q, want %q", tt.path, tt.override, got, tt.want)
			}
		})
	}
}

func TestFFmpegArgsLoopInRealTime(t *testing.T) {
	args := ffmpegArgs("cam.ts")
	for _, want := range []string{"-re", "-stream_loop", "pipe:1"} {
		if !slices.Contains(args, want) {
			t.Errorf("ffmpegArgs missing %q: %v", want, args)
		}
	}
}
