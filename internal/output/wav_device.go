package output

import (
	"sync"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/spf13/afero"

	"github.com/atekin/mprt/internal/errors"
	"github.com/atekin/mprt/internal/sound"
)

const wavFormatPCM = 1

// WAVDevice renders everything it is given into one WAV file. A stream
// with a different format than the first one is rejected.
type WAVDevice struct {
	mu      sync.Mutex
	fs      afero.Fs
	path    string
	file    afero.File
	enc     *wav.Encoder
	format  sound.Details
	outBits int
	ints    []int
	paused  bool
}

// NewWAVDevice writes to path on fs.
func NewWAVDevice(fs afero.Fs, path string) *WAVDevice {
	return &WAVDevice{fs: fs, path: path}
}

func (w *WAVDevice) Name() string { return "wav" }

func (w *WAVDevice) Open(d sound.Details) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.enc != nil {
		if !sameFormat(d, w.format) {
			return errors.Newf("wav output already holds %dch %dHz %d bits", w.format.Channels, w.format.SampleRate, w.format.BitsPerSample).
				Component("output").
				Category(errors.CategoryOutput).
				Context("path", w.path).
				Build()
		}
		return nil
	}

	f, err := w.fs.Create(w.path)
	if err != nil {
		return errors.New(err).
			Component("output").
			Category(errors.CategoryFileIO).
			Context("path", w.path).
			Build()
	}
	w.outBits = d.BitsPerSample
	if d.Float {
		w.outBits = 16
	}
	w.file = f
	w.format = d
	w.enc = wav.NewEncoder(f, d.SampleRate, w.outBits, d.Channels, wavFormatPCM)
	return nil
}

func (w *WAVDevice) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.enc == nil {
		return 0, errors.Newf("wav output not opened").
			Component("output").
			Category(errors.CategoryState).
			Build()
	}
	if w.paused {
		return 0, nil
	}
	fb := w.format.FrameBytes()
	p = p[:len(p)-len(p)%fb]
	if len(p) == 0 {
		return 0, nil
	}

	if w.format.Float {
		w.ints = sound.Float32LEToInts(w.ints, p, w.outBits)
	} else {
		w.ints = sound.UnpackIntLE(w.ints, p, w.format.BitsPerSample)
	}
	err := w.enc.Write(&audio.IntBuffer{
		Format:         &audio.Format{NumChannels: w.format.Channels, SampleRate: w.format.SampleRate},
		Data:           w.ints,
		SourceBitDepth: w.outBits,
	})
	if err != nil {
		return 0, errors.New(err).
			Component("output").
			Category(errors.CategoryFileIO).
			Context("path", w.path).
			Build()
	}
	return len(p), nil
}

func (w *WAVDevice) Pause() error {
	w.mu.Lock()
	w.paused = true
	w.mu.Unlock()
	return nil
}

func (w *WAVDevice) Resume() error {
	w.mu.Lock()
	w.paused = false
	w.mu.Unlock()
	return nil
}

// Clear is a no-op: written audio cannot be taken back.
func (w *WAVDevice) Clear() {}

// Close finalizes the WAV header.
func (w *WAVDevice) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.enc == nil {
		return nil
	}
	err := errors.Join(w.enc.Close(), w.file.Close())
	w.enc, w.file = nil, nil
	return err
}
