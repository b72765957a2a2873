package streammgr

import (
	"context"
	"time"

	"github.com/atekin/mprt/internal/errors"
	"github.com/atekin/mprt/internal/logger"
	"github.com/atekin/mprt/internal/sound"
)

// seekBytes repositions the raw read position of c. Data already resident
// in the input buffer is reused; only a target outside it goes back to the
// input stage. Waiting for the repositioned input is bounded and a timeout
// fails the seek.
func (m *Manager) seekBytes(c *streamContext, target int64) error {
	if target < 0 || (c.info.Length >= 0 && target > c.info.Length) {
		return errors.New(ErrSeekRange).
			Component("streammgr").
			Category(errors.CategoryValidation).
			Context("stream_id", uint64(c.info.ID)).
			Context("target", target).
			Context("length", c.info.Length).
			Build()
	}
	if target == c.pos {
		return nil
	}
	in := c.input

	// backward into the block handed out by the last Read
	if back := c.pos - target; back > 0 && back <= int64(len(c.lastRead)) {
		tail := c.lastRead[len(c.lastRead)-int(back):]
		if in.Await(m.waitCtx, func() bool { return !in.IsDataEmpty() }, m.cfg.Wait) && in.PrependData(tail) {
			c.pos = target
			c.lastRead = c.lastRead[:len(c.lastRead)-int(back)]
			m.metrics.RecordSeek("byte", "lookback")
			return nil
		}
	}

	// forward within resident data
	if fwd := target - c.pos; fwd > 0 && fwd <= int64(in.TotalBytes()) {
		n, err := in.DiscardUpTo(m.waitCtx, int(fwd), m.cfg.Wait)
		c.pos += int64(n)
		c.lastRead = c.lastRead[:0]
		if err == nil {
			m.metrics.RecordSeek("byte", "resident")
			return nil
		}
		m.log.Debug("resident seek fell short",
			logger.Uint64("stream_id", uint64(c.info.ID)),
			logger.Int64("discarded", int64(n)),
			logger.Error(err))
	}

	if c.info.Input == nil || !c.info.Seekable {
		m.metrics.RecordSeek("byte", "unseekable")
		return errors.Newf("stream is not seekable").
			Component("streammgr").
			Category(errors.CategoryInput).
			Context("stream_id", uint64(c.info.ID)).
			Context("target", target).
			Build()
	}

	start := time.Now()
	c.info.Input.SeekStream(c.info.ID, target)
	c.lastRead = c.lastRead[:0]

	if c.info.Length >= 0 && target == c.info.Length {
		in.ClearData()
		c.pos = target
		m.metrics.RecordSeek("byte", "input")
		return nil
	}

	// Only a chunk tagged with the target starts the repositioned data.
	// Anything else was read before the input applied the seek.
	ctx, cancel := context.WithTimeout(m.waitCtx, m.cfg.Wait.Budget())
	defer cancel()
	dropped := 0
	for {
		if !in.Await(ctx, func() bool { return !in.IsDataEmpty() }, m.cfg.Wait) {
			m.metrics.RecordSeek("byte", "timeout")
			m.metrics.RecordWaitTimeout("seek")
			err := timeoutError(ErrSeekTimeout, "seek", c, time.Since(start))
			m.log.Warn("byte seek timed out",
				logger.Uint64("stream_id", uint64(c.info.ID)),
				logger.Int64("target", target),
				logger.Int("stale_chunks", dropped),
				logger.Duration("waited", time.Since(start)))
			return err
		}
		ch := in.AcquireConsumerChunk()
		if ch == nil {
			continue
		}
		if ch.Offset() == target {
			in.ReleaseConsumerChunk(false)
			break
		}
		in.ReleaseConsumerChunk(true)
		dropped++
	}

	c.pos = target
	m.metrics.RecordSeek("byte", "input")
	return nil
}

// SeekDuration repositions a stream to ms from its start. A finished stream
// still known to the manager is revived. The sought stream becomes the
// current one and every attached output drops what it buffered; decoding
// resumes after the outputs have acknowledged. An output that attaches
// later starts at the sought position.
func (m *Manager) SeekDuration(id sound.StreamID, ms int64) {
	m.sched.Post(func() {
		m.seekDuration(id, ms)
		if m.cb.OnSeekFinished != nil {
			m.cb.OnSeekFinished(id, ms)
		}
	})
}

func (m *Manager) seekDuration(id sound.StreamID, ms int64) {
	c := m.lookup(id)
	if c == nil || c.state == stateReleased {
		m.metrics.RecordSeek("duration", "unknown_stream")
		m.log.Warn("seek for unknown stream", logger.Uint64("stream_id", uint64(id)))
		return
	}

	if c.state == stateFinished {
		// flip the state first so eviction does not release it
		c.state = stateActive
		m.finished.Delete(key(id))
		for _, b := range c.outputs {
			b.playDone = false
		}
	} else {
		m.removeActive(c)
	}
	m.active = append([]*streamContext{c}, m.active...)
	m.metrics.UpdateActiveStreams(len(m.active))
	m.cancelRetry()

	if !c.initialized {
		if err := m.initDecoder(c); err != nil {
			m.metrics.RecordSeek("duration", "error")
			m.log.Error("seek on undecodable stream",
				logger.Uint64("stream_id", uint64(id)),
				logger.Error(err))
			m.kick()
			return
		}
	}

	if err := c.decoder.SeekDuration(c.stream, ms); err != nil {
		m.metrics.RecordSeek("duration", "error")
		m.log.Warn("duration seek failed",
			logger.Uint64("stream_id", uint64(id)),
			logger.Int64("ms", ms),
			logger.Error(err))
		// abandon the stream; the next continuation finishes it
		c.decodeDone = true
		m.kick()
		return
	}

	c.decodeDone = false
	c.written = c.details.DurationToSamples(time.Duration(ms) * time.Millisecond)
	c.seekMS, c.sought = ms, true
	for _, b := range c.outputs {
		b.pending = nil
		b.buf.ClearCache()
	}
	for _, o := range m.boundOutputs(c) {
		o.PausePlay()
		o.ClearPlayData(id)
		o.FillDrain()
		o.SetSeekDuration(id, ms)
		c.resuming++
		o.ResumeClearPlay(id, func() {
			m.sched.Post(func() { m.outputResumed(c) })
		})
	}

	m.metrics.RecordSeek("duration", "ok")
	m.log.Debug("duration seek",
		logger.Uint64("stream_id", uint64(id)),
		logger.Int64("ms", ms))
	m.kick()
}

// outputResumed counts one output that dropped its pre-seek data. Decoding
// of c continues once every output has done so.
func (m *Manager) outputResumed(c *streamContext) {
	if c.resuming > 0 {
		c.resuming--
	}
	if c.resuming == 0 && c == m.current() {
		m.kick()
	}
}
