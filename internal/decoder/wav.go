package decoder

import (
	"io"
	"time"

	"github.com/go-audio/wav"

	"github.com/atekin/mprt/internal/bufpool"
	"github.com/atekin/mprt/internal/errors"
	"github.com/atekin/mprt/internal/sound"
	"github.com/atekin/mprt/internal/streammgr"
)

const (
	wavFormatPCM   = 1
	wavFormatFloat = 3
)

type wavState struct {
	dataStart int64
	dataLen   int64
	remaining int64
	srcBits   int
	srcFrame  int
	details   sound.Details
	carry     []byte // partial frame from the previous read
	scratch   []byte
	out       []byte
}

func (st *wavState) reset() {
	st.dataStart, st.dataLen, st.remaining = 0, 0, 0
	st.carry = st.carry[:0]
}

// WAV decodes RIFF/WAVE PCM. The header is parsed with go-audio/wav and
// sample data is read straight from the stream, so seeking is a byte seek.
type WAV struct {
	opts   Options
	states *bufpool.Pool[sound.StreamID, *wavState]
}

var _ streammgr.DecoderSink = (*WAV)(nil)

// NewWAV returns a WAV decoder.
func NewWAV(opts Options) *WAV {
	opts = opts.withDefaults()
	return &WAV{
		opts:   opts,
		states: bufpool.New[sound.StreamID, *wavState]("decoder_wav", opts.MaxCacheCount, bufpool.WithMetrics(opts.Metrics)),
	}
}

func (w *WAV) Name() string { return "wav" }

func (w *WAV) InitStream(s streammgr.DecodeStream) error {
	dec := wav.NewDecoder(s)
	dec.ReadInfo()
	if !dec.IsValidFile() {
		return decodeErrorf(w.Name(), "init", s.ID(), "not a valid wav stream")
	}
	if err := dec.FwdToPCM(); err != nil {
		return decodeError(err, w.Name(), "init", s.ID())
	}

	chans, bits := int(dec.NumChans), int(dec.BitDepth)
	isFloat := dec.WavAudioFormat == wavFormatFloat
	switch {
	case dec.WavAudioFormat != wavFormatPCM && !isFloat:
		return decodeErrorf(w.Name(), "init", s.ID(), "unsupported wav format %d", dec.WavAudioFormat)
	case isFloat && bits != 32:
		return decodeErrorf(w.Name(), "init", s.ID(), "unsupported float depth %d", bits)
	case bits != 8 && bits != 16 && bits != 24 && bits != 32:
		return decodeErrorf(w.Name(), "init", s.ID(), "unsupported bit depth %d", bits)
	}

	outBits := bits
	switch bits {
	case 8:
		outBits = 16
	case 24:
		outBits = 32
	}

	st := w.states.Checkout(s.ID(), func() *wavState { return &wavState{} })
	st.reset()
	st.dataStart, _ = s.Seek(0, io.SeekCurrent)
	st.dataLen = dec.PCMLen()
	if l := s.Length(); l >= 0 && st.dataStart+st.dataLen > l {
		// truncated file or streaming writer that never patched the size
		st.dataLen = l - st.dataStart
	}
	st.remaining = st.dataLen
	st.srcBits = bits
	st.srcFrame = chans * bits / 8
	st.details = sound.Details{
		Channels:      chans,
		SampleRate:    int(dec.SampleRate),
		BitsPerSample: outBits,
		Float:         isFloat,
		TotalSamples:  st.dataLen / int64(st.srcFrame),
		Seekable:      true,
	}
	return s.Opened(st.details)
}

func (w *WAV) DecodeStep(s streammgr.DecodeStream) error {
	st, ok := w.states.Get(s.ID())
	if !ok {
		return decodeError(errNoState, w.Name(), "decode", s.ID())
	}
	if st.remaining <= 0 {
		return io.EOF
	}

	want := int(min(int64(w.opts.StepFrames*st.srcFrame), st.remaining))
	st.scratch = append(st.scratch[:0], st.carry...)
	st.carry = st.carry[:0]
	head := len(st.scratch)
	st.scratch = append(st.scratch, make([]byte, want)...)

	n, err := io.ReadFull(s, st.scratch[head:])
	st.remaining -= int64(n)
	data := st.scratch[:head+n]
	if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
		st.remaining = 0
		err = nil
	}
	if err != nil {
		return decodeError(err, w.Name(), "read", s.ID())
	}

	whole := len(data) - len(data)%st.srcFrame
	st.carry = append(st.carry, data[whole:]...)
	if whole == 0 {
		return nil
	}
	st.out = convertWAV(st.out[:0], data[:whole], st.srcBits)
	return s.WritePCM(st.out)
}

func (w *WAV) SeekDuration(s streammgr.DecodeStream, ms int64) error {
	st, ok := w.states.Get(s.ID())
	if !ok {
		return decodeError(errNoState, w.Name(), "seek", s.ID())
	}
	frames := st.details.DurationToSamples(time.Duration(ms) * time.Millisecond)
	frames = max(0, min(frames, st.details.TotalSamples))
	off := frames * int64(st.srcFrame)

	if _, err := s.Seek(st.dataStart+off, io.SeekStart); err != nil {
		return decodeError(err, w.Name(), "seek", s.ID())
	}
	st.remaining = st.dataLen - off
	st.carry = st.carry[:0]
	return nil
}

func (w *WAV) ReleaseStream(id sound.StreamID) {
	w.states.Checkin(id, (*wavState).reset)
}

// convertWAV maps WAV sample encodings onto what outputs accept: 8-bit
// unsigned becomes 16-bit signed and 24-bit is widened to 32-bit.
func convertWAV(dst, src []byte, bits int) []byte {
	switch bits {
	case 8:
		for _, b := range src {
			v := int16(int(b)-128) << 8
			dst = append(dst, byte(v), byte(v>>8))
		}
		return dst
	case 24:
		return sound.Widen24To32LE(dst, src)
	default:
		return append(dst, src...)
	}
}
