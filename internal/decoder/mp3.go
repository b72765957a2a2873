package decoder

import (
	"io"
	"time"

	gomp3 "github.com/hajimehoshi/go-mp3"

	"github.com/atekin/mprt/internal/bufpool"
	"github.com/atekin/mprt/internal/errors"
	"github.com/atekin/mprt/internal/sound"
	"github.com/atekin/mprt/internal/streammgr"
)

// go-mp3 always produces 16-bit stereo
const (
	mp3Channels   = 2
	mp3FrameBytes = 4
)

type mp3State struct {
	dec     *gomp3.Decoder
	details sound.Details
	scratch []byte
}

func (st *mp3State) reset() {
	st.dec = nil
}

// MP3 decodes MPEG-1/2 layer III with go-mp3.
type MP3 struct {
	opts   Options
	states *bufpool.Pool[sound.StreamID, *mp3State]
}

var _ streammgr.DecoderSink = (*MP3)(nil)

// NewMP3 returns an MP3 decoder.
func NewMP3(opts Options) *MP3 {
	opts = opts.withDefaults()
	return &MP3{
		opts:   opts,
		states: bufpool.New[sound.StreamID, *mp3State]("decoder_mp3", opts.MaxCacheCount, bufpool.WithMetrics(opts.Metrics)),
	}
}

func (d *MP3) Name() string { return "mp3" }

func (d *MP3) InitStream(s streammgr.DecodeStream) error {
	dec, err := gomp3.NewDecoder(s)
	if err != nil {
		return decodeError(err, d.Name(), "init", s.ID())
	}

	st := d.states.Checkout(s.ID(), func() *mp3State {
		return &mp3State{scratch: make([]byte, d.opts.StepFrames*mp3FrameBytes)}
	})
	st.dec = dec

	total := int64(0)
	if n := dec.Length(); n > 0 {
		total = n / mp3FrameBytes
	}
	st.details = sound.Details{
		Channels:      mp3Channels,
		SampleRate:    dec.SampleRate(),
		BitsPerSample: 16,
		TotalSamples:  total,
		Seekable:      s.Length() >= 0,
	}
	return s.Opened(st.details)
}

func (d *MP3) DecodeStep(s streammgr.DecodeStream) error {
	st, ok := d.states.Get(s.ID())
	if !ok || st.dec == nil {
		return decodeError(errNoState, d.Name(), "decode", s.ID())
	}

	n, err := io.ReadFull(st.dec, st.scratch)
	n -= n % mp3FrameBytes
	if n > 0 {
		if werr := s.WritePCM(st.scratch[:n]); werr != nil {
			return werr
		}
	}
	switch {
	case err == nil:
		return nil
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
		return io.EOF
	default:
		return decodeError(err, d.Name(), "decode", s.ID())
	}
}

func (d *MP3) SeekDuration(s streammgr.DecodeStream, ms int64) error {
	st, ok := d.states.Get(s.ID())
	if !ok || st.dec == nil {
		return decodeError(errNoState, d.Name(), "seek", s.ID())
	}
	off := st.details.DurationToBytes(time.Duration(ms) * time.Millisecond)
	off -= off % mp3FrameBytes
	if _, err := st.dec.Seek(off, io.SeekStart); err != nil {
		return decodeError(err, d.Name(), "seek", s.ID())
	}
	return nil
}

func (d *MP3) ReleaseStream(id sound.StreamID) {
	d.states.Checkin(id, (*mp3State).reset)
}
