// Package streammgr drives decoding for the streams opened by the input
// stage: it owns the queue of active streams, runs the decode-continuation
// loop, implements byte and duration seeking and moves streams through the
// finished state until every output has played them.
package streammgr

import (
	"context"
	"slices"
	"strconv"
	"time"

	"github.com/patrickmn/go-cache"

	"github.com/atekin/mprt/internal/bufpool"
	"github.com/atekin/mprt/internal/logger"
	"github.com/atekin/mprt/internal/observability/metrics"
	"github.com/atekin/mprt/internal/scheduler"
	"github.com/atekin/mprt/internal/sound"
	"github.com/atekin/mprt/internal/streambuf"
)

// Config holds the manager tunables.
type Config struct {
	// OutputRetryDelay is the reschedule delay while no output is attached.
	OutputRetryDelay time.Duration
	// StarveBackoff is the reschedule delay while an output has no free chunk.
	StarveBackoff time.Duration
	// Wait bounds blocking reads and seeks on the input buffer.
	Wait streambuf.Wait
	// FinishedTTL evicts finished streams nobody reported as played.
	FinishedTTL time.Duration
	// InputBuffer sizes the per-stream raw input buffers.
	InputBuffer streambuf.Config
	// MaxCacheCount bounds idle input buffers kept for reuse.
	MaxCacheCount int
	// MaxTimerCount bounds the scheduler timer pool.
	MaxTimerCount int
}

// DefaultConfig returns the stock tunables.
func DefaultConfig() Config {
	return Config{
		OutputRetryDelay: 100 * time.Millisecond,
		StarveBackoff:    time.Second,
		Wait:             streambuf.DefaultWait,
		FinishedTTL:      10 * time.Minute,
		InputBuffer:      streambuf.Config{CapacityBytes: 1 << 20, ChunkBytes: 64 << 10},
		MaxCacheCount:    4,
		MaxTimerCount:    scheduler.DefaultMaxTimerCount,
	}
}

// Callbacks are optional notifications. They run on the manager goroutine
// and must not block.
type Callbacks struct {
	OnStreamFinished func(id sound.StreamID)
	OnPlayFinished   func(id sound.StreamID)
	OnSeekFinished   func(id sound.StreamID, ms int64)
}

// Manager is the decode stage. All of its state lives on its own scheduler.
type Manager struct {
	*scheduler.Lifecycle

	sched    *scheduler.Scheduler
	cfg      Config
	log      logger.Logger
	metrics  *metrics.PipelineMetrics
	decoders DecoderResolver
	outputs  []OutputSink
	cb       Callbacks

	waitCtx    context.Context
	cancelWait context.CancelFunc

	inputPool *bufpool.Pool[sound.StreamID, *streambuf.StreamBuffer]
	active    []*streamContext
	finished  *cache.Cache

	kicked     bool
	retry      scheduler.TimerHandle
	retryDelay time.Duration
	janitor    scheduler.TimerHandle
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger overrides the module logger.
func WithLogger(l logger.Logger) Option {
	return func(m *Manager) { m.log = l }
}

// WithMetrics records pipeline metrics.
func WithMetrics(pm *metrics.PipelineMetrics) Option {
	return func(m *Manager) { m.metrics = pm }
}

// WithCallbacks installs notifications.
func WithCallbacks(cb Callbacks) Option {
	return func(m *Manager) { m.cb = cb }
}

// New creates a stopped manager. Call Resume to start decoding.
func New(cfg Config, decoders DecoderResolver, outputs []OutputSink, opts ...Option) *Manager {
	def := DefaultConfig()
	if cfg.OutputRetryDelay <= 0 {
		cfg.OutputRetryDelay = def.OutputRetryDelay
	}
	if cfg.StarveBackoff <= 0 {
		cfg.StarveBackoff = def.StarveBackoff
	}
	if cfg.Wait.Interval <= 0 {
		cfg.Wait = def.Wait
	}
	if cfg.FinishedTTL <= 0 {
		cfg.FinishedTTL = def.FinishedTTL
	}
	if cfg.InputBuffer.CapacityBytes <= 0 {
		cfg.InputBuffer = def.InputBuffer
	}

	m := &Manager{
		cfg:      cfg,
		log:      logger.Global().Module("streammgr"),
		decoders: decoders,
		outputs:  outputs,
	}
	for _, opt := range opts {
		opt(m)
	}

	m.waitCtx, m.cancelWait = context.WithCancel(context.Background())
	m.sched = scheduler.New(scheduler.Config{
		Name:          "decode",
		MaxTimerCount: cfg.MaxTimerCount,
		Logger:        m.log,
		Metrics:       m.metrics,
	})
	m.Lifecycle = scheduler.NewLifecycle(m.sched, scheduler.Hooks{
		OnResume: m.kick,
		OnStop:   m.cancelRetry,
		OnQuit: func() {
			m.cancelRetry()
			m.sched.Cancel(m.janitor)
		},
	})
	m.inputPool = bufpool.New[sound.StreamID, *streambuf.StreamBuffer]("input", cfg.MaxCacheCount,
		bufpool.WithMetrics(m.metrics))

	// no janitor goroutine: expiry is driven by a scheduler job
	m.finished = cache.New(cfg.FinishedTTL, 0)
	m.finished.OnEvicted(m.onEvicted)
	m.sched.Post(m.scheduleJanitor)
	return m
}

// Scheduler exposes the manager scheduler so tests and tools can
// synchronize with it.
func (m *Manager) Scheduler() *scheduler.Scheduler {
	return m.sched
}

// Close quits the stage, aborts bounded waits and stops the scheduler.
func (m *Manager) Close() {
	m.Quit()
	m.cancelWait()
	m.sched.Close()
}

// StreamOpened registers a stream announced by an input stage.
func (m *Manager) StreamOpened(info StreamInfo) {
	m.sched.Post(func() {
		if m.lookup(info.ID) != nil {
			m.log.Warn("stream already registered", logger.Uint64("stream_id", uint64(info.ID)))
			return
		}
		c := &streamContext{info: info, state: stateActive}
		c.stream = &Stream{m: m, id: info.ID}
		c.input = m.inputPool.Checkout(info.ID, func() *streambuf.StreamBuffer {
			return streambuf.New(m.cfg.InputBuffer)
		})
		m.active = append(m.active, c)
		m.metrics.UpdateActiveStreams(len(m.active))

		m.log.Debug("stream opened",
			logger.Uint64("stream_id", uint64(info.ID)),
			logger.String("url", info.URL),
			logger.Int64("length", info.Length))

		if info.Input != nil {
			info.Input.SetStreamBuffer(info.ID, c.input)
		}
		m.kick()
	})
}

// AttachOutput implements OutputHost.
func (m *Manager) AttachOutput(id sound.StreamID, output string, buf *streambuf.StreamBuffer) {
	m.sched.Post(func() {
		c := m.lookup(id)
		if c == nil {
			m.log.Debug("attach for unknown stream", logger.Uint64("stream_id", uint64(id)))
			return
		}
		if c.binding(output) == nil {
			c.outputs = append(c.outputs, &outputBinding{name: output, buf: buf})
			if o := m.outputSink(output); o != nil && c.sought {
				o.SetSeekDuration(id, c.seekMS)
			}
		}
		if c == m.current() {
			m.cancelRetry()
		}
		m.kick()
	})
}

// PlayFinished implements OutputHost. Once every attached output has
// reported, the stream is released.
func (m *Manager) PlayFinished(id sound.StreamID, output string) {
	m.sched.Post(func() {
		c := m.lookup(id)
		if c == nil {
			return
		}
		if b := c.binding(output); b != nil {
			b.playDone = true
		}
		for _, b := range c.outputs {
			if !b.playDone {
				return
			}
		}

		switch c.state {
		case stateFinished:
			m.finished.Delete(key(id))
		case stateActive:
			// the output gave up before decoding ended
			m.log.Warn("output finished before decoder", logger.Uint64("stream_id", uint64(id)))
			m.removeActive(c)
			m.release(c)
			m.kick()
		}
	})
}

// Remove drops a stream wherever it is.
func (m *Manager) Remove(id sound.StreamID) {
	m.sched.Post(func() {
		c := m.lookup(id)
		if c == nil {
			return
		}
		if c.state == stateFinished {
			m.finished.Delete(key(id))
			return
		}
		m.removeActive(c)
		m.release(c)
		m.kick()
	})
}

// ActiveIDs returns the active queue order. It is a synchronous query.
func (m *Manager) ActiveIDs(ctx context.Context) ([]sound.StreamID, error) {
	var ids []sound.StreamID
	err := m.sched.Invoke(ctx, func() {
		for _, c := range m.active {
			ids = append(ids, c.info.ID)
		}
	})
	return ids, err
}

func key(id sound.StreamID) string {
	return strconv.FormatUint(uint64(id), 10)
}

// lookup finds a context in the active queue or the finished map.
func (m *Manager) lookup(id sound.StreamID) *streamContext {
	for _, c := range m.active {
		if c.info.ID == id {
			return c
		}
	}
	if v, ok := m.finished.Get(key(id)); ok {
		return v.(*streamContext)
	}
	return nil
}

func (m *Manager) current() *streamContext {
	if len(m.active) == 0 {
		return nil
	}
	return m.active[0]
}

func (m *Manager) removeActive(c *streamContext) {
	if i := slices.Index(m.active, c); i >= 0 {
		m.active = slices.Delete(m.active, i, i+1)
		m.metrics.UpdateActiveStreams(len(m.active))
	}
}

// onEvicted runs synchronously inside cache Delete/DeleteExpired, which are
// only called on the manager goroutine.
func (m *Manager) onEvicted(_ string, v any) {
	c, ok := v.(*streamContext)
	if !ok || c.state != stateFinished {
		return
	}
	m.release(c)
}

// release returns every resource of a stream.
func (m *Manager) release(c *streamContext) {
	if c.state == stateReleased {
		return
	}
	c.state = stateReleased
	id := c.info.ID

	m.inputPool.Checkin(id, func(b *streambuf.StreamBuffer) { b.Reset() })
	if c.decoder != nil {
		c.decoder.ReleaseStream(id)
	}
	if c.info.Input != nil {
		c.info.Input.CloseStream(id)
	}
	m.log.Debug("stream released", logger.Uint64("stream_id", uint64(id)))
	if m.cb.OnPlayFinished != nil {
		m.cb.OnPlayFinished(id)
	}
}

func (m *Manager) scheduleJanitor() {
	m.janitor = m.sched.PostAfter(func() {
		m.finished.DeleteExpired()
		m.scheduleJanitor()
	}, m.cfg.FinishedTTL/2)
}

func (m *Manager) cancelRetry() {
	m.sched.Cancel(m.retry)
}

func (m *Manager) outputSink(name string) OutputSink {
	for _, o := range m.outputs {
		if o.Name() == name {
			return o
		}
	}
	return nil
}

// boundOutputs returns the sinks attached to c.
func (m *Manager) boundOutputs(c *streamContext) []OutputSink {
	sinks := make([]OutputSink, 0, len(c.outputs))
	for _, b := range c.outputs {
		if o := m.outputSink(b.name); o != nil {
			sinks = append(sinks, o)
		}
	}
	return sinks
}
