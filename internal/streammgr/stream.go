package streammgr

import (
	"io"
	"time"

	"github.com/atekin/mprt/internal/errors"
	"github.com/atekin/mprt/internal/logger"
	"github.com/atekin/mprt/internal/sound"
)

// Stream is the handle decoders use to reach a stream. It holds only the
// stream id; every call resolves the live context on the manager, so a
// handle of a released stream fails with ErrStreamGone. Methods must be
// called from decoder callbacks, which run on the manager goroutine.
type Stream struct {
	m  *Manager
	id sound.StreamID
}

var _ DecodeStream = (*Stream)(nil)

func (s *Stream) ctx() *streamContext {
	c := s.m.lookup(s.id)
	if c == nil || c.state == stateReleased {
		return nil
	}
	return c
}

func (s *Stream) ID() sound.StreamID {
	return s.id
}

func (s *Stream) URL() string {
	if c := s.ctx(); c != nil {
		return c.info.URL
	}
	return ""
}

func (s *Stream) Ext() string {
	if c := s.ctx(); c != nil {
		return c.info.Ext
	}
	return ""
}

// Length is the raw stream length in bytes, negative when unknown.
func (s *Stream) Length() int64 {
	if c := s.ctx(); c != nil {
		return c.info.Length
	}
	return -1
}

// Position is the raw byte offset of the next Read.
func (s *Stream) Position() int64 {
	if c := s.ctx(); c != nil {
		return c.pos
	}
	return 0
}

func (s *Stream) Seekable() bool {
	if c := s.ctx(); c != nil {
		return c.info.Seekable
	}
	return false
}

// Details returns the format reported with Opened.
func (s *Stream) Details() sound.Details {
	if c := s.ctx(); c != nil {
		return c.details
	}
	return sound.Details{}
}

// SamplesWritten is the number of samples per channel handed to outputs.
func (s *Stream) SamplesWritten() int64 {
	if c := s.ctx(); c != nil {
		return c.written
	}
	return 0
}

// Opened records the decoded format. Outputs are told once the decoder
// has been accepted.
func (s *Stream) Opened(d sound.Details) error {
	c := s.ctx()
	if c == nil {
		return ErrStreamGone
	}
	if !d.Valid() {
		return errors.Newf("invalid stream format %dch %dHz %d bits", d.Channels, d.SampleRate, d.BitsPerSample).
			Component("streammgr").
			Category(errors.CategoryDecode).
			Context("stream_id", uint64(s.id)).
			Build()
	}
	d.ID = s.id
	c.details = d
	c.opened = true
	return nil
}

// WritePCM hands decoded interleaved PCM to every attached output. Bytes
// that do not fit are kept and flushed before the next decode step.
func (s *Stream) WritePCM(p []byte) error {
	c := s.ctx()
	if c == nil {
		return ErrStreamGone
	}
	if len(p) == 0 {
		return nil
	}
	for _, b := range c.outputs {
		rest := p
		if len(b.pending) == 0 {
			rest = p[writeBuffer(b.buf, p):]
		}
		if len(rest) > 0 {
			b.pending = append(b.pending, rest...)
		}
	}
	if fb := c.details.FrameBytes(); fb > 0 {
		c.written += int64(len(p) / fb)
	}
	return nil
}

// Finish marks the end of decoding. The manager completes the stream on
// its next continuation.
func (s *Stream) Finish() {
	if c := s.ctx(); c != nil {
		c.decodeDone = true
	}
}

// Read reads raw input bytes, waiting a bounded time for the input stage.
// A short read is returned when the wait gives up with some data resident.
func (s *Stream) Read(p []byte) (int, error) {
	c := s.ctx()
	if c == nil {
		return 0, ErrStreamGone
	}
	if len(p) == 0 {
		return 0, nil
	}
	want := min(len(p), c.input.Capacity())
	if c.info.Length >= 0 {
		remaining := c.info.Length - c.pos
		if remaining <= 0 {
			return 0, io.EOF
		}
		want = int(min(int64(want), remaining))
	}

	in := c.input
	start := time.Now()
	ready := in.Await(s.m.waitCtx, func() bool {
		return !in.IsDataEmpty() && in.TotalBytes() >= want
	}, s.m.cfg.Wait)

	n := in.WriteInto(p[:want], true)
	if n == 0 {
		if !ready {
			s.m.metrics.RecordWaitTimeout("read")
			s.m.log.Warn("read timed out",
				logger.Uint64("stream_id", uint64(s.id)),
				logger.Int64("position", c.pos))
			return 0, timeoutError(ErrReadTimeout, "read", c, time.Since(start))
		}
		return 0, nil
	}
	c.pos += int64(n)
	c.lastRead = append(c.lastRead[:0], p[:n]...)
	return n, nil
}

// Seek implements io.Seeker over the raw stream.
func (s *Stream) Seek(offset int64, whence int) (int64, error) {
	c := s.ctx()
	if c == nil {
		return 0, ErrStreamGone
	}
	var target int64
	switch whence {
	case io.SeekStart:
		target = offset
	case io.SeekCurrent:
		target = c.pos + offset
	case io.SeekEnd:
		if c.info.Length < 0 {
			return c.pos, errors.New(ErrSeekRange).
				Component("streammgr").
				Category(errors.CategoryValidation).
				Context("reason", "unknown length").
				Build()
		}
		target = c.info.Length + offset
	default:
		return c.pos, errors.Newf("invalid whence %d", whence).
			Component("streammgr").
			Category(errors.CategoryValidation).
			Build()
	}
	if err := s.m.seekBytes(c, target); err != nil {
		return c.pos, err
	}
	return c.pos, nil
}
