package decoder

import (
	"io"
	"time"

	"github.com/jfreymuth/oggvorbis"

	"github.com/atekin/mprt/internal/bufpool"
	"github.com/atekin/mprt/internal/errors"
	"github.com/atekin/mprt/internal/sound"
	"github.com/atekin/mprt/internal/streammgr"
)

type vorbisState struct {
	dec     *oggvorbis.Reader
	details sound.Details
	samples []float32
	out     []byte
}

func (st *vorbisState) reset() {
	st.dec = nil
}

// Vorbis decodes Ogg Vorbis to 16-bit PCM.
type Vorbis struct {
	opts   Options
	states *bufpool.Pool[sound.StreamID, *vorbisState]
}

var _ streammgr.DecoderSink = (*Vorbis)(nil)

// NewVorbis returns an Ogg Vorbis decoder.
func NewVorbis(opts Options) *Vorbis {
	opts = opts.withDefaults()
	return &Vorbis{
		opts:   opts,
		states: bufpool.New[sound.StreamID, *vorbisState]("decoder_vorbis", opts.MaxCacheCount, bufpool.WithMetrics(opts.Metrics)),
	}
}

func (v *Vorbis) Name() string { return "vorbis" }

func (v *Vorbis) InitStream(s streammgr.DecodeStream) error {
	dec, err := oggvorbis.NewReader(s)
	if err != nil {
		return decodeError(err, v.Name(), "init", s.ID())
	}

	st := v.states.Checkout(s.ID(), func() *vorbisState { return &vorbisState{} })
	st.dec = dec
	if need := v.opts.StepFrames * dec.Channels(); cap(st.samples) < need {
		st.samples = make([]float32, need)
	}
	st.samples = st.samples[:v.opts.StepFrames*dec.Channels()]

	st.details = sound.Details{
		Channels:      dec.Channels(),
		SampleRate:    dec.SampleRate(),
		BitsPerSample: 16,
		TotalSamples:  max(0, dec.Length()),
		Seekable:      s.Length() >= 0,
	}
	return s.Opened(st.details)
}

func (v *Vorbis) DecodeStep(s streammgr.DecodeStream) error {
	st, ok := v.states.Get(s.ID())
	if !ok || st.dec == nil {
		return decodeError(errNoState, v.Name(), "decode", s.ID())
	}

	n, err := st.dec.Read(st.samples)
	if n > 0 {
		st.out = sound.Float32ToInt16LE(st.out[:0], st.samples[:n])
		if werr := s.WritePCM(st.out); werr != nil {
			return werr
		}
	}
	switch {
	case err == nil:
		return nil
	case errors.Is(err, io.EOF):
		return io.EOF
	default:
		return decodeError(err, v.Name(), "decode", s.ID())
	}
}

func (v *Vorbis) SeekDuration(s streammgr.DecodeStream, ms int64) error {
	st, ok := v.states.Get(s.ID())
	if !ok || st.dec == nil {
		return decodeError(errNoState, v.Name(), "seek", s.ID())
	}
	pos := st.details.DurationToSamples(time.Duration(ms) * time.Millisecond)
	if err := st.dec.SetPosition(pos); err != nil {
		return decodeError(err, v.Name(), "seek", s.ID())
	}
	return nil
}

func (v *Vorbis) ReleaseStream(id sound.StreamID) {
	v.states.Checkin(id, (*vorbisState).reset)
}
