package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSlogLoggerFieldsAndLevel(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	log := NewSlogLogger(&buf, LogLevelInfo).Module("scheduler")

	log.Debug("hidden")
	log.Info("timer fired",
		Uint64("stream_id", 3),
		Duration("delay", 1500*time.Millisecond),
		Float64("gain", 0.123456),
		Time("starved_since", time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)),
		Error(errors.New("boom")))

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, "module=scheduler")
	assert.Contains(t, out, "stream_id=3")
	assert.Contains(t, out, "delay=1.5s")
	assert.Contains(t, out, "gain=0.123")
	assert.Contains(t, out, "starved_since=2026-01-02T03:04:05")
	assert.Contains(t, out, "error=boom")
	assert.NotContains(t, out, "time=")
}

func TestSubModuleAndWith(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	log := NewSlogLogger(&buf, LogLevelTrace).Module("output").Module("wav")
	log.With(String("device", "wav")).Trace("wrote frames")

	out := buf.String()
	assert.Contains(t, out, "module=output.wav")
	assert.Contains(t, out, "device=wav")
	assert.Contains(t, out, "level=TRACE")
}

func TestWithContextTraceID(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	log := NewSlogLogger(&buf, LogLevelInfo)
	ctx := WithTraceID(context.Background(), "run-1")
	log.WithContext(ctx).Info("started")

	assert.Contains(t, buf.String(), "trace_id=run-1")
}

func TestCentralLoggerFileOutput(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "logs", "mprt.log")
	cl, err := NewCentralLogger(&LoggingConfig{
		DefaultLevel: "debug",
		Console:      &ConsoleOutput{Enabled: false},
		FileOutput:   &FileOutput{Enabled: true, Path: path},
		ModuleLevels: map[string]string{"noisy": "error"},
	})
	require.NoError(t, err)

	cl.Module("streammgr").Debug("decode step", Int("n", 1))
	cl.Module("noisy").Warn("dropped")
	require.NoError(t, cl.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 1)

	var rec map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &rec))
	assert.Equal(t, "decode step", rec["msg"])
	assert.Equal(t, "streammgr", rec["module"])
	assert.Equal(t, "DEBUG", rec["level"])
}

func TestParseLogLevel(t *testing.T) {
	t.Parallel()

	assert.Equal(t, traceLevelValue, parseLogLevel("trace"))
	assert.Equal(t, parseLogLevel("info"), parseLogLevel("bogus"))
}
