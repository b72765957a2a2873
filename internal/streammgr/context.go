package streammgr

import (
	"github.com/atekin/mprt/internal/sound"
	"github.com/atekin/mprt/internal/streambuf"
)

type contextState int

const (
	stateActive contextState = iota
	stateFinished
	stateReleased
)

// outputBinding is one attached output buffer of a stream.
type outputBinding struct {
	name     string
	buf      *streambuf.StreamBuffer
	pending  []byte // decoded bytes that did not fit yet
	playDone bool
}

// streamContext is the per-stream record. It is only touched on the
// manager goroutine; collaborators see it through Stream handles.
type streamContext struct {
	info        StreamInfo
	state       contextState
	input       *streambuf.StreamBuffer
	pos         int64
	lastRead    []byte
	details     sound.Details
	opened      bool
	decoder     DecoderSink
	initialized bool
	decodeDone  bool
	written     int64 // samples per channel handed to outputs
	seekMS      int64 // last duration seek, applied to late outputs
	sought      bool
	resuming    int // outputs yet to acknowledge a seek
	outputs     []*outputBinding
	stream      *Stream
}

func (c *streamContext) binding(name string) *outputBinding {
	for _, b := range c.outputs {
		if b.name == name {
			return b
		}
	}
	return nil
}

func (c *streamContext) hasPending() bool {
	for _, b := range c.outputs {
		if len(b.pending) > 0 {
			return true
		}
	}
	return false
}

// writeBuffer pushes p through the producer side of buf and returns how
// many bytes fit.
func writeBuffer(buf *streambuf.StreamBuffer, p []byte) int {
	written := 0
	for written < len(p) {
		c := buf.AcquireProducerChunk()
		if c == nil {
			break
		}
		n, _ := c.Write(p[written:])
		buf.ReleaseProducerChunk(false)
		if n == 0 {
			break
		}
		written += n
	}
	return written
}
