package streammgr

import (
	"io"
	"time"

	"github.com/atekin/mprt/internal/errors"
	"github.com/atekin/mprt/internal/logger"
	"github.com/atekin/mprt/internal/scheduler"
)

// kick schedules advance unless a run is already queued, so at most one
// continuation chain exists.
func (m *Manager) kick() {
	if m.kicked {
		return
	}
	m.kicked = true
	m.sched.Post(func() {
		m.kicked = false
		m.advance()
	})
}

// advance runs one decode continuation for the current stream and
// schedules the next one. It is the only place decoding happens.
func (m *Manager) advance() {
	if !m.IsPlaying() || m.sched.IsActive(m.retry) {
		return
	}
	c := m.current()
	if c == nil || c.resuming > 0 {
		return
	}

	if !c.initialized {
		if err := m.initDecoder(c); err != nil {
			m.log.Error("no decoder for stream",
				logger.Uint64("stream_id", uint64(c.info.ID)),
				logger.String("ext", c.info.Ext),
				logger.Error(err))
			m.finish(c, "no_decoder")
			return
		}
	}

	if len(c.outputs) == 0 {
		m.retryAfter(m.cfg.OutputRetryDelay, "no_output")
		return
	}
	for _, b := range c.outputs {
		if b.buf.IsCacheEmpty() {
			m.retryAfter(m.cfg.StarveBackoff, "output_full")
			return
		}
	}

	if c.hasPending() {
		m.flushPending(c)
		if c.hasPending() {
			m.retryAfter(m.cfg.StarveBackoff, "output_full")
			return
		}
	}

	if c.decodeDone {
		m.finish(c, "eof")
		return
	}

	err := c.decoder.DecodeStep(c.stream)
	m.metrics.RecordDecodeStep(c.decoder.Name())
	switch {
	case err == nil:
	case errors.Is(err, io.EOF):
		c.decodeDone = true
	default:
		m.log.Warn("decode step failed, ending stream",
			logger.Uint64("stream_id", uint64(c.info.ID)),
			logger.String("decoder", c.decoder.Name()),
			logger.Error(err))
		c.decodeDone = true
	}
	m.kick()
}

// retryAfter arms the single continuation timer.
func (m *Manager) retryAfter(d time.Duration, reason string) {
	m.metrics.RecordDecodeBackoff(reason)
	m.retryDelay = d
	m.retry = m.sched.PostAfter(m.advance, d)
}

// initDecoder tries every decoder registered for the extension in order.
// A failed attempt rewinds the stream before the next one.
func (m *Manager) initDecoder(c *streamContext) error {
	candidates := m.decoders.Resolve(c.info.Ext)
	var errs []error
	for _, d := range candidates {
		c.decoder = d
		err := d.InitStream(c.stream)
		if err == nil && c.opened {
			c.initialized = true
			m.log.Debug("decoder selected",
				logger.Uint64("stream_id", uint64(c.info.ID)),
				logger.String("decoder", d.Name()))
			for _, o := range m.outputs {
				o.OpenStream(c.details, m)
			}
			return nil
		}
		if err == nil {
			err = errors.Newf("decoder %s did not report a format", d.Name()).
				Component("streammgr").
				Category(errors.CategoryDecode).
				Build()
		}
		errs = append(errs, err)
		d.ReleaseStream(c.info.ID)
		c.decoder = nil
		c.opened = false
		if _, serr := c.stream.Seek(0, io.SeekStart); serr != nil {
			errs = append(errs, serr)
			break
		}
	}
	return errors.New(errors.Join(append([]error{ErrNoDecoder}, errs...)...)).
		Component("streammgr").
		Category(errors.CategoryDecode).
		Context("ext", c.info.Ext).
		Context("candidates", len(candidates)).
		Build()
}

// flushPending moves leftover decoded bytes into output buffers.
func (m *Manager) flushPending(c *streamContext) {
	for _, b := range c.outputs {
		if len(b.pending) == 0 {
			continue
		}
		n := writeBuffer(b.buf, b.pending)
		b.pending = b.pending[n:]
		if len(b.pending) == 0 {
			b.pending = nil
		}
	}
}

// finish moves the current stream into the finished map and advances to
// the next queued stream.
func (m *Manager) finish(c *streamContext, reason string) {
	id := c.info.ID

	if c.opened && c.details.TotalSamples != c.written {
		m.log.Debug("correcting total samples",
			logger.Uint64("stream_id", uint64(id)),
			logger.Int64("reported", c.details.TotalSamples),
			logger.Int64("written", c.written))
	}
	c.details.TotalSamples = c.written
	for _, b := range c.outputs {
		b.buf.SyncCache()
		if o := m.outputSink(b.name); o != nil {
			o.UpdateTotalSamples(id, c.written)
		}
	}

	m.removeActive(c)
	c.state = stateFinished
	m.metrics.RecordStreamFinished(reason)
	m.log.Info("stream decoded",
		logger.Uint64("stream_id", uint64(id)),
		logger.String("reason", reason),
		logger.Int64("samples", c.written))

	if m.cb.OnStreamFinished != nil {
		m.cb.OnStreamFinished(id)
	}

	if len(c.outputs) == 0 {
		m.release(c)
	} else {
		m.finished.SetDefault(key(id), c)
	}

	m.sched.Cancel(m.retry)
	m.retry = scheduler.TimerHandle{}
	m.kick()
}
