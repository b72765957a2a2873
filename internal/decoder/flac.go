package decoder

import (
	"io"
	"time"

	"github.com/tphakala/flac"

	"github.com/atekin/mprt/internal/bufpool"
	"github.com/atekin/mprt/internal/errors"
	"github.com/atekin/mprt/internal/sound"
	"github.com/atekin/mprt/internal/streammgr"
)

type flacState struct {
	dec      *flac.Decoder
	srcBits  int
	srcFrame int
	details  sound.Details
	pending  []byte // converted PCM left over from a seek
	out      []byte
}

func (st *flacState) reset() {
	st.dec = nil
	st.pending = st.pending[:0]
}

// FLAC decodes one FLAC frame per step. The decoder has no seek table
// support, so a duration seek rewinds and skips frames.
type FLAC struct {
	opts   Options
	states *bufpool.Pool[sound.StreamID, *flacState]
}

var _ streammgr.DecoderSink = (*FLAC)(nil)

// NewFLAC returns a FLAC decoder.
func NewFLAC(opts Options) *FLAC {
	opts = opts.withDefaults()
	return &FLAC{
		opts:   opts,
		states: bufpool.New[sound.StreamID, *flacState]("decoder_flac", opts.MaxCacheCount, bufpool.WithMetrics(opts.Metrics)),
	}
}

func (f *FLAC) Name() string { return "flac" }

func (f *FLAC) InitStream(s streammgr.DecodeStream) error {
	dec, err := flac.NewDecoder(s)
	if err != nil {
		return decodeError(err, f.Name(), "init", s.ID())
	}
	bits := dec.BitsPerSample
	if bits != 16 && bits != 24 && bits != 32 {
		return decodeErrorf(f.Name(), "init", s.ID(), "unsupported bit depth %d", bits)
	}
	outBits := bits
	if bits == 24 {
		outBits = 32
	}

	st := f.states.Checkout(s.ID(), func() *flacState { return &flacState{} })
	st.reset()
	st.dec = dec
	st.srcBits = bits
	st.srcFrame = dec.NChannels * bits / 8
	st.details = sound.Details{
		Channels:      dec.NChannels,
		SampleRate:    dec.SampleRate,
		BitsPerSample: outBits,
		TotalSamples:  int64(dec.TotalSamples),
		Seekable:      true,
	}
	return s.Opened(st.details)
}

func (f *FLAC) DecodeStep(s streammgr.DecodeStream) error {
	st, ok := f.states.Get(s.ID())
	if !ok || st.dec == nil {
		return decodeError(errNoState, f.Name(), "decode", s.ID())
	}
	if len(st.pending) > 0 {
		err := s.WritePCM(st.pending)
		st.pending = st.pending[:0]
		return err
	}

	frame, err := st.dec.Next()
	if errors.Is(err, io.EOF) {
		return io.EOF
	}
	if err != nil {
		return decodeError(err, f.Name(), "decode", s.ID())
	}
	st.out = convertFLAC(st.out[:0], frame, st.srcBits)
	return s.WritePCM(st.out)
}

func (f *FLAC) SeekDuration(s streammgr.DecodeStream, ms int64) error {
	st, ok := f.states.Get(s.ID())
	if !ok {
		return decodeError(errNoState, f.Name(), "seek", s.ID())
	}

	if _, err := s.Seek(0, io.SeekStart); err != nil {
		return decodeError(err, f.Name(), "seek", s.ID())
	}
	dec, err := flac.NewDecoder(s)
	if err != nil {
		return decodeError(err, f.Name(), "seek", s.ID())
	}
	st.dec = dec
	st.pending = st.pending[:0]

	skip := st.details.DurationToSamples(time.Duration(ms) * time.Millisecond)
	for skip > 0 {
		frame, err := dec.Next()
		if errors.Is(err, io.EOF) {
			s.Finish()
			return nil
		}
		if err != nil {
			return decodeError(err, f.Name(), "seek", s.ID())
		}
		frames := int64(len(frame) / st.srcFrame)
		if frames <= skip {
			skip -= frames
			continue
		}
		st.pending = convertFLAC(st.pending, frame[skip*int64(st.srcFrame):], st.srcBits)
		skip = 0
	}
	return nil
}

func (f *FLAC) ReleaseStream(id sound.StreamID) {
	f.states.Checkin(id, (*flacState).reset)
}

func convertFLAC(dst, src []byte, bits int) []byte {
	if bits == 24 {
		return sound.Widen24To32LE(dst, src)
	}
	return append(dst, src...)
}
