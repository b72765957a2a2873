package streammgr

import (
	"time"

	"github.com/atekin/mprt/internal/errors"
)

var (
	// ErrSeekTimeout is returned when a byte seek gave up waiting for data.
	ErrSeekTimeout = errors.NewStd("seek timed out waiting for input")
	// ErrSeekRange is returned for a byte seek outside the stream.
	ErrSeekRange = errors.NewStd("seek offset out of range")
	// ErrReadTimeout is returned when a read gave up waiting for input.
	ErrReadTimeout = errors.NewStd("read timed out waiting for input")
	// ErrStreamGone is returned by handles of released streams.
	ErrStreamGone = errors.NewStd("stream released")
	// ErrNoDecoder is returned when no decoder accepted a stream.
	ErrNoDecoder = errors.NewStd("no decoder accepted the stream")
)

func timeoutError(err error, op string, c *streamContext, waited time.Duration) error {
	return errors.New(err).
		Component("streammgr").
		Category(errors.CategoryTimeout).
		Timing(op, waited).
		Context("stream_id", uint64(c.info.ID)).
		Context("position", c.pos).
		Build()
}
