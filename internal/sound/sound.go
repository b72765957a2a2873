// Package sound holds the stream identity and PCM format record shared by
// every pipeline stage, plus the conversions between samples, bytes and
// playback time.
package sound

import (
	"math"
	"sync/atomic"
	"time"
)

// StreamID identifies one input/decode/output session.
type StreamID uint64

var lastStreamID atomic.Uint64

// NewStreamID returns the next process-wide stream id. Ids start at 1.
func NewStreamID() StreamID {
	return StreamID(lastStreamID.Add(1))
}

// Details describes a decoded stream. Sample counts are per channel.
type Details struct {
	ID            StreamID
	Channels      int
	SampleRate    int
	BitsPerSample int
	Float         bool
	TotalSamples  int64 // zero when unknown
	Seekable      bool
}

// FrameBytes returns the size of one sample across all channels.
func (d Details) FrameBytes() int {
	return d.Channels * d.BitsPerSample / 8
}

// Valid reports whether the format can carry audio.
func (d Details) Valid() bool {
	return d.Channels > 0 && d.SampleRate > 0 && d.BitsPerSample > 0 && d.BitsPerSample%8 == 0
}

// SamplesToBytes converts a per-channel sample count to bytes.
func (d Details) SamplesToBytes(samples int64) int64 {
	if samples <= 0 {
		return 0
	}
	return samples * int64(d.FrameBytes())
}

// BytesToSamples converts bytes to a per-channel sample count, truncating.
func (d Details) BytesToSamples(n int64) int64 {
	fb := int64(d.FrameBytes())
	if fb == 0 {
		return 0
	}
	return n / fb
}

// BytesToDuration converts bytes to playback time, rounded to the microsecond.
func (d Details) BytesToDuration(n int64) time.Duration {
	rate := float64(d.SampleRate) * float64(d.FrameBytes())
	if rate == 0 {
		return 0
	}
	return time.Duration(math.Round(1e6*float64(n)/rate)) * time.Microsecond
}

// DurationToBytes converts playback time to bytes, rounded to the byte.
func (d Details) DurationToBytes(t time.Duration) int64 {
	us := float64(t / time.Microsecond)
	return int64(math.Round(us * float64(d.SampleRate) * float64(d.FrameBytes()) / 1e6))
}

// SamplesToDuration converts a per-channel sample count to playback time.
func (d Details) SamplesToDuration(samples int64) time.Duration {
	if d.SampleRate == 0 {
		return 0
	}
	return time.Duration(math.Round(1e6*float64(samples)/float64(d.SampleRate))) * time.Microsecond
}

// DurationToSamples converts playback time to a per-channel sample count.
func (d Details) DurationToSamples(t time.Duration) int64 {
	us := float64(t / time.Microsecond)
	return int64(math.Round(us * float64(d.SampleRate) / 1e6))
}

// TotalDuration returns the stream length, zero when unknown.
func (d Details) TotalDuration() time.Duration {
	return d.SamplesToDuration(d.TotalSamples)
}

// BitCount rounds a bit depth up to a whole number of bytes.
func BitCount(bits int) int {
	return 8 * ((bits + 7) / 8)
}

// MaxVolume is unity gain.
const MaxVolume = 200

// SoftVolumeGain maps a 0..200 volume to a linear gain on a 100 dB scale,
// with 200 as unity. Out-of-range volumes are clamped.
func SoftVolumeGain(volume int) float64 {
	volume = min(max(volume, 0), MaxVolume)
	db := -100 + float64(volume)*0.5
	return math.Pow(10, db/20)
}
