package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zsiec/replay/internal/config"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestConfigInitAndCheck(t *testing.T) {
	path := filepath.Join(t.TempDir(), "replay.yaml")

	out, err := execute(t, "--config", path, "config", "init")
	require.NoError(t, err)
	assert.Contains(t, out, path)

	cfg, err := config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, config.Default().Output, cfg.Output)

	_, err = execute(t, "--config", path, "config", "init")
	require.Error(t, err)
	_, err = execute(t, "--config", path, "config", "init", "--force")
	require.NoError(t, err)

	out, err = execute(t, "--config", path, "config", "check")
	require.NoError(t, err)
	assert.Contains(t, out, "base_name: replay")
}

func TestConfigCheckRejectsInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "replay.yaml")
	require.NoError(t, os.WriteFile(path, []byte("output:\n  fps: 0\n"), 0o644))
	_, err := execute(t, "--config", path, "config", "check")
	assert.ErrorIs(t, err, config.ErrInvalid)
}

func TestInvalidLogLevel(t *testing.T) {
	_, err := execute(t, "--log-level", "loud", "config", "check")
	assert.ErrorContains(t, err, "invalid --log-level")
}

func TestPlayRequiresReadableFile(t *testing.T) {
	_, err := execute(t, "--config", filepath.Join(t.TempDir(), "missing.yaml"), "play", "nope.mkv")
	require.Error(t, err)
}

func TestAllowKeys(t *testing.T) {
	assert.Nil(t, allowKeys(nil))
	allow := allowKeys([]string{"cam1", "cam2"})
	assert.True(t, allow("cam2"))
	assert.False(t, allow("cam3"))
}
