package output

import (
	"testing"
	"time"

	"github.com/go-audio/wav"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atekin/mprt/internal/errors"
	"github.com/atekin/mprt/internal/sound"
)

func TestNullDeviceRealtimePacing(t *testing.T) {
	t.Parallel()

	clock := time.Unix(0, 0)
	n := NewNullDevice(true)
	n.latency = 10 * time.Millisecond
	n.now = func() time.Time { return clock }

	require.NoError(t, n.Open(testDetails()))

	// 10 ms of headroom at 4 bytes per millisecond
	got, err := n.Write(make([]byte, 400))
	require.NoError(t, err)
	assert.Equal(t, 40, got)

	got, _ = n.Write(make([]byte, 400))
	assert.Zero(t, got)

	clock = clock.Add(25 * time.Millisecond)
	got, _ = n.Write(make([]byte, 400))
	assert.Equal(t, 100, got)

	require.NoError(t, n.Pause())
	got, _ = n.Write(make([]byte, 400))
	assert.Zero(t, got)

	require.NoError(t, n.Resume())
	got, _ = n.Write(make([]byte, 400))
	assert.Equal(t, 40, got)
	assert.Equal(t, int64(180), n.Written())
}

func TestNullDeviceUnpaced(t *testing.T) {
	t.Parallel()

	n := NewNullDevice(false)
	require.NoError(t, n.Open(testDetails()))
	got, err := n.Write(make([]byte, 4096))
	require.NoError(t, err)
	assert.Equal(t, 4096, got)
}

func TestWAVDeviceWritesFile(t *testing.T) {
	t.Parallel()

	fs := afero.NewMemMapFs()
	w := NewWAVDevice(fs, "/out.wav")

	d := sound.Details{Channels: 2, SampleRate: 8000, BitsPerSample: 16}
	require.NoError(t, w.Open(d))

	samples := make([]int, 200)
	for i := range samples {
		samples[i] = i*100 - 10000
	}
	p := sound.PackIntLE(nil, samples, 2)
	got, err := w.Write(append(p, 0x01)) // trailing partial frame is not accepted
	require.NoError(t, err)
	assert.Equal(t, len(p), got)
	require.NoError(t, w.Close())

	f, err := fs.Open("/out.wav")
	require.NoError(t, err)
	defer f.Close()

	dec := wav.NewDecoder(f)
	buf, err := dec.FullPCMBuffer()
	require.NoError(t, err)
	assert.Equal(t, 2, buf.Format.NumChannels)
	assert.Equal(t, 8000, buf.Format.SampleRate)
	assert.Equal(t, samples, buf.Data)
}

func TestWAVDeviceConvertsFloat(t *testing.T) {
	t.Parallel()

	fs := afero.NewMemMapFs()
	w := NewWAVDevice(fs, "/f.wav")
	d := sound.Details{Channels: 1, SampleRate: 8000, BitsPerSample: 32, Float: true}
	require.NoError(t, w.Open(d))

	p := make([]byte, 8)
	copy(p, []byte{0, 0, 0, 0x3f, 0, 0, 0, 0xbf}) // 0.5, -0.5
	_, err := w.Write(p)
	require.NoError(t, err)
	require.NoError(t, w.Close())

	f, err := fs.Open("/f.wav")
	require.NoError(t, err)
	defer f.Close()
	dec := wav.NewDecoder(f)
	buf, err := dec.FullPCMBuffer()
	require.NoError(t, err)
	assert.Equal(t, 16, int(dec.BitDepth))
	assert.Equal(t, sound.Float32LEToInts(nil, p, 16), buf.Data)
}

func TestWAVDeviceRejectsFormatChange(t *testing.T) {
	t.Parallel()

	w := NewWAVDevice(afero.NewMemMapFs(), "/x.wav")
	require.NoError(t, w.Open(sound.Details{Channels: 2, SampleRate: 8000, BitsPerSample: 16}))
	err := w.Open(sound.Details{Channels: 1, SampleRate: 8000, BitsPerSample: 16})
	require.Error(t, err)
	assert.True(t, errors.IsCategory(err, errors.CategoryOutput))
	require.NoError(t, w.Close())
}

func TestWAVDeviceWriteBeforeOpen(t *testing.T) {
	t.Parallel()

	_, err := NewWAVDevice(afero.NewMemMapFs(), "/y.wav").Write(make([]byte, 4))
	require.Error(t, err)
}

func TestMalgoBackendNames(t *testing.T) {
	t.Parallel()

	for _, name := range []string{"", "auto", "ALSA", "pulseaudio", "jack", "wasapi", "coreaudio"} {
		_, err := NewMalgoDevice(name, 0)
		assert.NoError(t, err, name)
	}
	_, err := NewMalgoDevice("oss", 0)
	require.Error(t, err)
	assert.True(t, errors.IsCategory(err, errors.CategoryConfiguration))
}
