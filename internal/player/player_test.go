package player

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atekin/mprt/internal/conf"
	"github.com/atekin/mprt/internal/logger"
	"github.com/atekin/mprt/internal/output"
	"github.com/atekin/mprt/internal/sound"
)

const testRate = 8000

func quietLogger() logger.Logger {
	return logger.NewSlogLogger(io.Discard, logger.LogLevelError)
}

func ramp(n, amplitude int) []int {
	s := make([]int, n)
	for i := range s {
		s[i] = i%(2*amplitude) - amplitude
	}
	return s
}

// writeWAV stores a mono 16-bit file in fs.
func writeWAV(t *testing.T, fs afero.Fs, path string, samples []int) {
	t.Helper()

	f, err := fs.Create(path)
	require.NoError(t, err)
	enc := wav.NewEncoder(f, testRate, 16, 1, 1)
	require.NoError(t, enc.Write(&audio.IntBuffer{
		Format:         &audio.Format{NumChannels: 1, SampleRate: testRate},
		Data:           samples,
		SourceBitDepth: 16,
	}))
	require.NoError(t, enc.Close())
	require.NoError(t, f.Close())
}

func readWAV(t *testing.T, fs afero.Fs, path string) []int {
	t.Helper()

	f, err := fs.Open(path)
	require.NoError(t, err)
	defer f.Close()

	buf, err := wav.NewDecoder(f).FullPCMBuffer()
	require.NoError(t, err)
	return buf.Data
}

func testSettings() *conf.Settings {
	s := conf.Defaults()
	s.Output.Device = conf.DeviceNull
	s.Metrics.Enabled = false
	return s
}

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

type progressLog struct {
	mu   sync.Mutex
	last map[sound.StreamID]int64
}

func (p *progressLog) record(id sound.StreamID, ms int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.last[id] = ms
}

func (p *progressLog) get(id sound.StreamID) int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.last[id]
}

func TestRunPlaysFilesToWAV(t *testing.T) {
	t.Parallel()

	fs := afero.NewMemMapFs()
	first := ramp(testRate, 1000)
	second := ramp(testRate/2, 500)
	writeWAV(t, fs, "/a.wav", first)
	writeWAV(t, fs, "/b.wav", second)

	s := testSettings()
	s.Output.Device = conf.DeviceWAV
	s.Output.Path = "/out.wav"

	err := Run(testContext(t), s, Request{Files: []string{"/a.wav", "/b.wav"}, Volume: -1},
		WithFs(fs), WithLogger(quietLogger()))
	require.NoError(t, err)

	got := readWAV(t, fs, "/out.wav")
	want := append(append([]int{}, first...), second...)
	assert.Equal(t, want, got)
}

func TestPlayerWaitAndProgress(t *testing.T) {
	t.Parallel()

	fs := afero.NewMemMapFs()
	samples := ramp(testRate/2, 800)
	writeWAV(t, fs, "/tone.wav", samples)

	dev := output.NewNullDevice(false)
	progress := &progressLog{last: make(map[sound.StreamID]int64)}
	p, err := New(testSettings(), WithFs(fs), WithDevice(dev),
		WithLogger(quietLogger()), WithProgress(progress.record))
	require.NoError(t, err)
	defer func() { assert.NoError(t, p.Close()) }()

	id, err := p.Add("/tone.wav")
	require.NoError(t, err)
	p.Start()

	require.NoError(t, p.Wait(testContext(t)))
	assert.EqualValues(t, len(samples)*2, dev.Written())
	assert.EqualValues(t, 500, progress.get(id))

	require.NoError(t, p.SeekWhenOpened(testContext(t), id, time.Second),
		"finished stream is not waited for")
}

func TestPlayerWaitIdle(t *testing.T) {
	t.Parallel()

	p, err := New(testSettings(), WithFs(afero.NewMemMapFs()), WithLogger(quietLogger()))
	require.NoError(t, err)
	defer func() { assert.NoError(t, p.Close()) }()

	require.NoError(t, p.Wait(testContext(t)))
}

func TestPlayerWaitHonoursContext(t *testing.T) {
	t.Parallel()

	fs := afero.NewMemMapFs()
	writeWAV(t, fs, "/tone.wav", ramp(testRate, 100))
	p, err := New(testSettings(), WithFs(fs), WithDevice(output.NewNullDevice(false)), WithLogger(quietLogger()))
	require.NoError(t, err)
	defer func() { assert.NoError(t, p.Close()) }()

	_, err = p.Add("/tone.wav")
	require.NoError(t, err)

	// never started, so the stream stays pending
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, p.Wait(ctx), context.DeadlineExceeded)
}

func TestPlayerAddRejectsBadPaths(t *testing.T) {
	t.Parallel()

	fs := afero.NewMemMapFs()
	require.NoError(t, fs.MkdirAll("/music", 0o755))
	p, err := New(testSettings(), WithFs(fs), WithLogger(quietLogger()))
	require.NoError(t, err)
	defer func() { assert.NoError(t, p.Close()) }()

	_, err = p.Add("/missing.wav")
	assert.Error(t, err)
	_, err = p.Add("/music")
	assert.Error(t, err)

	require.NoError(t, p.Wait(testContext(t)), "rejected files are not pending")
}

func TestRunMissingFile(t *testing.T) {
	t.Parallel()

	err := Run(testContext(t), testSettings(), Request{Files: []string{"/nope.wav"}, Volume: -1},
		WithFs(afero.NewMemMapFs()), WithLogger(quietLogger()))
	assert.Error(t, err)
}

func TestNewDevice(t *testing.T) {
	t.Parallel()

	fs := afero.NewMemMapFs()

	dev, err := NewDevice(conf.OutputSettings{Device: conf.DeviceWAV, Path: "/x.wav"}, fs)
	require.NoError(t, err)
	assert.IsType(t, &output.WAVDevice{}, dev)

	dev, err = NewDevice(conf.OutputSettings{Device: conf.DeviceNull}, fs)
	require.NoError(t, err)
	assert.IsType(t, &output.NullDevice{}, dev)

	_, err = NewDevice(conf.OutputSettings{Device: "speaker"}, fs)
	assert.Error(t, err)
}
