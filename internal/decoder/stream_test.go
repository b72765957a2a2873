package decoder

import (
	"bytes"

	"github.com/atekin/mprt/internal/sound"
	"github.com/atekin/mprt/internal/streammgr"
)

// memStream is a DecodeStream over an in-memory file.
type memStream struct {
	*bytes.Reader
	id       sound.StreamID
	details  sound.Details
	opened   bool
	pcm      []byte
	finished bool
}

var _ streammgr.DecodeStream = (*memStream)(nil)

func newMemStream(data []byte) *memStream {
	return &memStream{Reader: bytes.NewReader(data), id: sound.NewStreamID()}
}

func (m *memStream) ID() sound.StreamID     { return m.id }
func (m *memStream) Length() int64          { return m.Size() }
func (m *memStream) Details() sound.Details { return m.details }
func (m *memStream) Finish()                { m.finished = true }

func (m *memStream) Opened(d sound.Details) error {
	d.ID = m.id
	m.details = d
	m.opened = true
	return nil
}

func (m *memStream) WritePCM(p []byte) error {
	m.pcm = append(m.pcm, p...)
	return nil
}

// decodeAll runs steps until the decoder reports the end.
func decodeAll(d streammgr.DecoderSink, s *memStream, maxSteps int) error {
	for range maxSteps {
		if s.finished {
			return nil
		}
		if err := d.DecodeStep(s); err != nil {
			return err
		}
	}
	return nil
}
