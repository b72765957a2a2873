package output

import (
	"context"
	"slices"
	"time"

	"golang.org/x/time/rate"

	"github.com/atekin/mprt/internal/bufpool"
	"github.com/atekin/mprt/internal/logger"
	"github.com/atekin/mprt/internal/observability/metrics"
	"github.com/atekin/mprt/internal/scheduler"
	"github.com/atekin/mprt/internal/sound"
	"github.com/atekin/mprt/internal/streambuf"
	"github.com/atekin/mprt/internal/streammgr"
)

// Defaults for Config fields left zero.
const (
	DefaultBufferDuration   = time.Second
	DefaultDrainDuration    = 50 * time.Millisecond
	DefaultProgressInterval = time.Second
	DefaultStarveTimeout    = 10 * time.Second
	DefaultPlayInterval     = 10 * time.Millisecond
	DefaultMaxCacheCount    = 4
	DefaultChunksPerBuffer  = 8
)

// referenceFormat sizes every pooled output buffer so a buffer can be
// reused for any stream format.
var referenceFormat = sound.Details{Channels: 2, SampleRate: 48000, BitsPerSample: 32}

// Config configures a Stage.
type Config struct {
	Name             string
	BufferDuration   time.Duration
	DrainDuration    time.Duration
	Volume           int
	ProgressInterval time.Duration
	StarveTimeout    time.Duration
	PlayInterval     time.Duration
	MaxCacheCount    int
	MaxTimerCount    int
}

func (c Config) withDefaults() Config {
	if c.BufferDuration <= 0 {
		c.BufferDuration = DefaultBufferDuration
	}
	if c.DrainDuration <= 0 {
		c.DrainDuration = DefaultDrainDuration
	}
	if c.ProgressInterval <= 0 {
		c.ProgressInterval = DefaultProgressInterval
	}
	if c.StarveTimeout <= 0 {
		c.StarveTimeout = DefaultStarveTimeout
	}
	if c.PlayInterval <= 0 {
		c.PlayInterval = DefaultPlayInterval
	}
	if c.MaxCacheCount <= 0 {
		c.MaxCacheCount = DefaultMaxCacheCount
	}
	c.Volume = min(max(c.Volume, 0), sound.MaxVolume)
	return c
}

// ProgressFunc receives the playback position of the stream being played.
type ProgressFunc func(id sound.StreamID, ms int64)

type playItem struct {
	details    sound.Details
	host       streammgr.OutputHost
	buf        *streambuf.StreamBuffer
	played     int64 // samples handed to the device
	total      int64
	totalFinal bool
	pending    []byte // bytes taken from buf but not accepted by the device
	starved    time.Time
}

// Stage plays queued streams in order through one Device. All state is
// owned by the stage scheduler.
type Stage struct {
	*scheduler.Lifecycle

	sched    *scheduler.Scheduler
	cfg      Config
	dev      Device
	log      logger.Logger
	metrics  *metrics.PipelineMetrics
	pool     *bufpool.Pool[sound.StreamID, *streambuf.StreamBuffer]
	progress ProgressFunc
	limiter  *rate.Sometimes

	items     []*playItem // front is playing
	opened    sound.Details
	devOpen   bool
	seekPause bool
	gain      float64
	playTimer scheduler.TimerHandle
	out       []byte
	now       func() time.Time
}

var _ streammgr.OutputSink = (*Stage)(nil)

// Option configures a Stage.
type Option func(*Stage)

// WithLogger overrides the module logger.
func WithLogger(l logger.Logger) Option {
	return func(s *Stage) { s.log = l }
}

// WithMetrics records bytes played and pool usage.
func WithMetrics(m *metrics.PipelineMetrics) Option {
	return func(s *Stage) { s.metrics = m }
}

// WithProgress sets the progress callback. It runs on the stage scheduler.
func WithProgress(fn ProgressFunc) Option {
	return func(s *Stage) { s.progress = fn }
}

// NewStage returns a stopped output stage playing through dev.
func NewStage(dev Device, cfg Config, opts ...Option) *Stage {
	cfg = cfg.withDefaults()
	if cfg.Name == "" {
		cfg.Name = dev.Name()
	}

	s := &Stage{
		cfg:     cfg,
		dev:     dev,
		log:     logger.Global().Module("output"),
		limiter: &rate.Sometimes{Interval: cfg.ProgressInterval},
		gain:    sound.SoftVolumeGain(cfg.Volume),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = s.log.With(logger.String("output", cfg.Name))
	s.pool = bufpool.New[sound.StreamID, *streambuf.StreamBuffer]("output."+cfg.Name, cfg.MaxCacheCount,
		bufpool.WithMetrics(s.metrics))

	s.sched = scheduler.New(scheduler.Config{
		Name:          "output." + cfg.Name,
		MaxTimerCount: cfg.MaxTimerCount,
		Logger:        s.log,
		Metrics:       s.metrics,
	})
	s.Lifecycle = scheduler.NewLifecycle(s.sched, scheduler.Hooks{
		OnResume: s.onResume,
		OnPause:  s.onPause,
		OnStop:   s.onPause,
		OnQuit:   s.onQuit,
	})
	return s
}

// Name implements streammgr.OutputSink.
func (s *Stage) Name() string {
	return s.cfg.Name
}

// Scheduler exposes the stage scheduler.
func (s *Stage) Scheduler() *scheduler.Scheduler {
	return s.sched
}

// Close quits the stage, closes the device and stops the scheduler.
func (s *Stage) Close() {
	s.Quit()
	s.sched.Close()
}

// bufferConfig sizes output buffers by BufferDuration at the reference format.
func (s *Stage) bufferConfig() streambuf.Config {
	capacity := int(referenceFormat.DurationToBytes(s.cfg.BufferDuration))
	return streambuf.Config{
		CapacityBytes: capacity,
		ChunkBytes:    max(capacity/DefaultChunksPerBuffer, referenceFormat.FrameBytes()),
	}
}

// OpenStream implements streammgr.OutputSink.
func (s *Stage) OpenStream(d sound.Details, host streammgr.OutputHost) {
	s.sched.Post(func() {
		if s.find(d.ID) != nil {
			return
		}
		buf := s.pool.Checkout(d.ID, func() *streambuf.StreamBuffer {
			return streambuf.New(s.bufferConfig())
		})
		s.items = append(s.items, &playItem{details: d, host: host, buf: buf})
		s.log.Debug("stream queued",
			logger.Uint64("stream_id", uint64(d.ID)),
			logger.Int("sample_rate", d.SampleRate),
			logger.Int("channels", d.Channels),
			logger.Int("bits_per_sample", d.BitsPerSample))
		host.AttachOutput(d.ID, s.cfg.Name, buf)
		s.schedulePlay(0)
	})
}

// UpdateTotalSamples implements streammgr.OutputSink. The total is final:
// the stream ends once that many samples have been played.
func (s *Stage) UpdateTotalSamples(id sound.StreamID, total int64) {
	s.sched.Post(func() {
		if it := s.find(id); it != nil {
			it.total = total
			it.totalFinal = true
			s.schedulePlay(0)
		}
	})
}

// PausePlay implements streammgr.OutputSink.
func (s *Stage) PausePlay() {
	s.sched.Post(func() {
		s.seekPause = true
		s.cancelPlay()
		s.pauseDevice()
	})
}

// ResumePlay implements streammgr.OutputSink.
func (s *Stage) ResumePlay() {
	s.sched.Post(func() {
		s.seekPause = false
		s.resumeDevice()
		s.schedulePlay(0)
	})
}

// ResumeClearPlay implements streammgr.OutputSink. Audio already on the
// device, such as drain silence, is kept.
func (s *Stage) ResumeClearPlay(id sound.StreamID, done func()) {
	s.sched.Post(func() {
		if done != nil {
			defer done()
		}
		s.seekPause = false
		if len(s.items) > 0 {
			s.items[0].pending = nil
			s.items[0].starved = time.Time{}
		}
		s.limiter = &rate.Sometimes{Interval: s.cfg.ProgressInterval}
		s.resumeDevice()
		s.schedulePlay(0)
	})
}

// ClearPlayData implements streammgr.OutputSink.
func (s *Stage) ClearPlayData(id sound.StreamID) {
	s.sched.Post(func() {
		it := s.find(id)
		if it == nil {
			return
		}
		if s.devOpen && s.items[0] == it {
			s.dev.Clear()
		}
		it.buf.ClearData()
		it.pending = nil
	})
}

// FillDrain implements streammgr.OutputSink.
func (s *Stage) FillDrain() {
	s.sched.Post(func() {
		if !s.devOpen {
			return
		}
		silence := make([]byte, s.opened.DurationToBytes(s.cfg.DrainDuration))
		if _, err := s.dev.Write(silence); err != nil {
			s.log.Warn("drain write failed", logger.Error(err))
		}
	})
}

// SetSeekDuration implements streammgr.OutputSink. The stream moves to the
// front of the queue and its total is no longer final.
func (s *Stage) SetSeekDuration(id sound.StreamID, ms int64) {
	s.sched.Post(func() {
		it := s.find(id)
		if it == nil {
			return
		}
		if s.items[0] != it {
			s.items = slices.DeleteFunc(s.items, func(x *playItem) bool { return x == it })
			s.items = append([]*playItem{it}, s.items...)
		}
		it.played = it.details.DurationToSamples(time.Duration(ms) * time.Millisecond)
		it.totalFinal = false
		it.pending = nil
		it.starved = time.Time{}
		s.log.Debug("playback position set",
			logger.Uint64("stream_id", uint64(id)),
			logger.Int64("position_ms", ms))
	})
}

// SetVolume sets the software volume, clamped to [0, sound.MaxVolume].
func (s *Stage) SetVolume(volume int) {
	s.sched.Post(func() {
		s.cfg.Volume = min(max(volume, 0), sound.MaxVolume)
		s.gain = sound.SoftVolumeGain(s.cfg.Volume)
		s.log.Debug("volume set",
			logger.Int("volume", s.cfg.Volume),
			logger.Float64("gain", s.gain))
	})
}

// Position reports the stream being played and its position. It is a
// synchronous query for tools and tests.
func (s *Stage) Position(ctx context.Context) (id sound.StreamID, ms int64, ok bool, err error) {
	err = s.sched.Invoke(ctx, func() {
		if len(s.items) == 0 {
			return
		}
		it := s.items[0]
		id, ms, ok = it.details.ID, positionMS(it), true
	})
	return id, ms, ok, err
}

// Queued returns the ids waiting to be played, front first.
func (s *Stage) Queued(ctx context.Context) ([]sound.StreamID, error) {
	var ids []sound.StreamID
	err := s.sched.Invoke(ctx, func() {
		for _, it := range s.items {
			ids = append(ids, it.details.ID)
		}
	})
	return ids, err
}

func positionMS(it *playItem) int64 {
	return it.details.SamplesToDuration(it.played).Milliseconds()
}

func (s *Stage) find(id sound.StreamID) *playItem {
	for _, it := range s.items {
		if it.details.ID == id {
			return it
		}
	}
	return nil
}

func (s *Stage) onResume() {
	if !s.seekPause {
		s.resumeDevice()
	}
	s.schedulePlay(0)
}

func (s *Stage) onPause() {
	s.cancelPlay()
	s.pauseDevice()
}

func (s *Stage) onQuit() {
	s.cancelPlay()
	for _, it := range s.items {
		s.pool.Checkin(it.details.ID, (*streambuf.StreamBuffer).Reset)
	}
	s.items = nil
	if err := s.dev.Close(); err != nil {
		s.log.Error("device close failed", logger.Error(err))
	}
	s.devOpen = false
}

func (s *Stage) pauseDevice() {
	if !s.devOpen {
		return
	}
	if err := s.dev.Pause(); err != nil {
		s.log.Warn("device pause failed", logger.Error(err))
	}
}

func (s *Stage) resumeDevice() {
	if !s.devOpen || !s.IsPlaying() {
		return
	}
	if err := s.dev.Resume(); err != nil {
		s.log.Warn("device resume failed", logger.Error(err))
	}
}

func (s *Stage) cancelPlay() {
	s.sched.Cancel(s.playTimer)
}

func (s *Stage) schedulePlay(d time.Duration) {
	if !s.IsPlaying() || s.seekPause || len(s.items) == 0 || s.sched.IsActive(s.playTimer) {
		return
	}
	s.playTimer = s.sched.PostAfter(s.play, d)
}

// openDevice (re)opens the device when the front stream's format differs
// from the one it was opened with.
func (s *Stage) openDevice(d sound.Details) bool {
	if s.devOpen && sameFormat(s.opened, d) {
		return true
	}
	if err := s.dev.Open(d); err != nil {
		s.log.Error("cannot open device",
			logger.String("device", s.dev.Name()),
			logger.Uint64("stream_id", uint64(d.ID)),
			logger.Error(err))
		s.devOpen = false
		return false
	}
	s.devOpen = true
	s.opened = d
	return true
}

// play hands one batch of the front stream to the device and schedules
// itself again.
func (s *Stage) play() {
	if !s.IsPlaying() || s.seekPause || len(s.items) == 0 {
		return
	}
	delay := s.cfg.PlayInterval
	defer func() { s.schedulePlay(delay) }()

	it := s.items[0]
	if !s.openDevice(it.details) {
		s.finishFront("device_error")
		delay = 0
		return
	}

	fb := it.details.FrameBytes()
	want := int(max(it.details.DurationToBytes(4*s.cfg.PlayInterval), int64(fb)))
	if need := want - len(it.pending); need > 0 {
		start := len(it.pending)
		it.pending = slices.Grow(it.pending, need)[:start+need]
		n := it.buf.WriteInto(it.pending[start:], true)
		it.pending = it.pending[:start+n]
	}

	aligned := len(it.pending) - len(it.pending)%fb
	if aligned == 0 {
		if s.ended(it) {
			s.finishFront("played")
			delay = 0
		}
		return
	}
	it.starved = time.Time{}

	s.out = append(s.out[:0], it.pending[:aligned]...)
	if s.cfg.Volume != sound.MaxVolume {
		if it.details.Float {
			sound.ApplyGainFloat32LE(s.out, s.gain)
		} else {
			sound.ApplyGain(s.out, it.details.BitsPerSample, s.gain)
		}
	}
	n, err := s.dev.Write(s.out)
	if err != nil {
		s.log.Error("device write failed",
			logger.String("device", s.dev.Name()),
			logger.Uint64("stream_id", uint64(it.details.ID)),
			logger.Error(err))
		s.finishFront("device_error")
		delay = 0
		return
	}
	n -= n % fb
	it.pending = it.pending[:copy(it.pending, it.pending[n:])]
	it.played += int64(n / fb)
	s.metrics.RecordBytesPlayed(s.cfg.Name, n)

	s.limiter.Do(func() {
		if s.progress != nil {
			s.progress(it.details.ID, positionMS(it))
		}
	})

	if it.totalFinal && it.played >= it.total {
		s.finishFront("played")
		delay = 0
		return
	}
	if n == aligned {
		delay = 0
	}
}

// ended reports whether a front stream with nothing to play is done: its
// total is final and nothing is left, or it starved past StarveTimeout.
func (s *Stage) ended(it *playItem) bool {
	if it.totalFinal && (it.played >= it.total || it.buf.TotalBytes() == 0) {
		return true
	}
	now := s.now()
	if it.starved.IsZero() {
		it.starved = now
		return false
	}
	if now.Sub(it.starved) >= s.cfg.StarveTimeout {
		s.log.Warn("stream starved",
			logger.Uint64("stream_id", uint64(it.details.ID)),
			logger.Time("starved_since", it.starved),
			logger.Duration("timeout", s.cfg.StarveTimeout))
		return true
	}
	return false
}

// finishFront reports the front stream as played and recycles its buffer.
func (s *Stage) finishFront(reason string) {
	it := s.items[0]
	s.items = s.items[1:]
	s.pool.Checkin(it.details.ID, (*streambuf.StreamBuffer).Reset)
	s.limiter = &rate.Sometimes{Interval: s.cfg.ProgressInterval}
	if s.progress != nil {
		s.progress(it.details.ID, positionMS(it))
	}
	s.log.Info("stream played",
		logger.Uint64("stream_id", uint64(it.details.ID)),
		logger.String("reason", reason),
		logger.Int64("samples", it.played))
	it.host.PlayFinished(it.details.ID, s.cfg.Name)
}
