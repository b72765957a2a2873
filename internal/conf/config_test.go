package conf

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atekin/mprt/internal/errors"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestDefaults(t *testing.T) {
	t.Parallel()

	s := Defaults()
	require.NoError(t, ValidateSettings(s))
	assert.Equal(t, "info", s.Log.Level)
	assert.Equal(t, DeviceMalgo, s.Output.Device)
	assert.Equal(t, 200, s.Output.Volume)
	assert.Equal(t, 10*time.Minute, s.Manager.FinishedTTL)
	assert.Equal(t, 100*time.Millisecond, s.Manager.WaitInterval)
	assert.Equal(t, 20, s.Manager.WaitRetries)
	assert.Equal(t, 16, s.Scheduler.MaxTimerCount)
}

func TestEmbeddedConfigMatchesDefaults(t *testing.T) {
	t.Parallel()

	loaded, err := Load(writeConfig(t, string(DefaultConfigYAML())))
	require.NoError(t, err)

	defaults := Defaults()
	assert.Empty(t, loaded.Decoder.Priority)
	loaded.Decoder.Priority, defaults.Decoder.Priority = nil, nil
	assert.Equal(t, defaults, loaded)
}

func TestLoadFile(t *testing.T) {
	t.Parallel()

	path := writeConfig(t, `
log:
  level: debug
output:
  device: wav
  path: /tmp/x.wav
  volume: 150
  bufferduration: 2s
manager:
  finishedttl: 30s
decoder:
  priority:
    mp3: 300
`)
	s, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "debug", s.Log.Level)
	assert.Equal(t, DeviceWAV, s.Output.Device)
	assert.Equal(t, "/tmp/x.wav", s.Output.Path)
	assert.Equal(t, 150, s.Output.Volume)
	assert.Equal(t, 2*time.Second, s.Output.BufferDuration)
	assert.Equal(t, 30*time.Second, s.Manager.FinishedTTL)
	assert.Equal(t, map[string]int{"mp3": 300}, s.Decoder.Priority)
	// untouched keys keep their defaults
	assert.Equal(t, 128*1024, s.Input.MaxChunkBytes)
}

func TestLoadMissingExplicitFile(t *testing.T) {
	t.Parallel()

	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
	assert.True(t, errors.IsCategory(err, errors.CategoryConfiguration))
}

func TestLoadRejectsInvalidFile(t *testing.T) {
	t.Parallel()

	_, err := Load(writeConfig(t, "output:\n  device: speaker\n  volume: 300\n"))
	require.Error(t, err)

	var ve ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Len(t, ve.Errors, 2)
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("MPRT_OUTPUT_DEVICE", "null")
	t.Setenv("MPRT_OUTPUT_VOLUME", "120")
	t.Setenv("MPRT_LOG_LEVEL", "warn")

	s, err := Load(writeConfig(t, "output:\n  device: wav\n"))
	require.NoError(t, err)
	assert.Equal(t, DeviceNull, s.Output.Device)
	assert.Equal(t, 120, s.Output.Volume)
	assert.Equal(t, "warn", s.Log.Level)
}

func TestLoadEnvInvalid(t *testing.T) {
	t.Setenv("MPRT_OUTPUT_VOLUME", "loud")

	_, err := Load(writeConfig(t, ""))
	require.Error(t, err)
	assert.True(t, errors.IsCategory(err, errors.CategoryValidation))
	assert.Contains(t, err.Error(), "MPRT_OUTPUT_VOLUME")
}

func TestToYAML(t *testing.T) {
	t.Parallel()

	out, err := Defaults().ToYAML()
	require.NoError(t, err)
	assert.Contains(t, string(out), "finishedttl: 10m0s")
	assert.Contains(t, string(out), "device: malgo")
}
