// Package player wires the input, decode and output stages into one
// playback pipeline and owns its startup and shutdown.
package player

import (
	"context"
	"sync"
	"time"

	"github.com/spf13/afero"
	"golang.org/x/sync/errgroup"

	"github.com/atekin/mprt/internal/buildinfo"
	"github.com/atekin/mprt/internal/conf"
	"github.com/atekin/mprt/internal/decoder"
	"github.com/atekin/mprt/internal/errors"
	"github.com/atekin/mprt/internal/input"
	"github.com/atekin/mprt/internal/logger"
	"github.com/atekin/mprt/internal/observability"
	"github.com/atekin/mprt/internal/observability/metrics"
	"github.com/atekin/mprt/internal/output"
	"github.com/atekin/mprt/internal/scheduler"
	"github.com/atekin/mprt/internal/sound"
	"github.com/atekin/mprt/internal/streambuf"
	"github.com/atekin/mprt/internal/streammgr"
)

// Player is one playback pipeline: a file input stage, the stream manager
// and a single output stage.
type Player struct {
	settings *conf.Settings
	build    *buildinfo.Context
	fs       afero.Fs
	log      logger.Logger
	metrics  *observability.Metrics
	device   output.Device
	progress output.ProgressFunc

	input   *input.FileStage
	manager *streammgr.Manager
	output  *output.Stage

	mu      sync.Mutex
	pending map[sound.StreamID]struct{}
	idle    chan struct{} // closed while nothing is pending
	closed  bool
}

// Option configures a Player.
type Option func(*Player)

// WithFs reads input files from fs instead of the OS filesystem.
func WithFs(fs afero.Fs) Option {
	return func(p *Player) { p.fs = fs }
}

// WithDevice overrides the device selected by the output settings.
func WithDevice(dev output.Device) Option {
	return func(p *Player) { p.device = dev }
}

// WithLogger overrides the module logger.
func WithLogger(l logger.Logger) Option {
	return func(p *Player) { p.log = l }
}

// WithMetrics records pipeline metrics into m.
func WithMetrics(m *observability.Metrics) Option {
	return func(p *Player) { p.metrics = m }
}

// WithProgress receives playback positions from the output stage.
func WithProgress(fn output.ProgressFunc) Option {
	return func(p *Player) { p.progress = fn }
}

// WithBuildInfo tags logs and error reports with build metadata.
func WithBuildInfo(b *buildinfo.Context) Option {
	return func(p *Player) { p.build = b }
}

// NewDevice builds the output device named by the settings.
func NewDevice(o conf.OutputSettings, fs afero.Fs) (output.Device, error) {
	switch o.Device {
	case conf.DeviceWAV:
		return output.NewWAVDevice(fs, o.Path), nil
	case conf.DeviceNull:
		return output.NewNullDevice(true), nil
	case conf.DeviceMalgo:
		return output.NewMalgoDevice(o.Backend, o.Latency)
	}
	return nil, errors.Newf("unknown output device %q", o.Device).
		Component("player").
		Category(errors.CategoryConfiguration).
		Build()
}

// New builds a stopped pipeline from settings.
func New(settings *conf.Settings, opts ...Option) (*Player, error) {
	p := &Player{
		settings: settings,
		fs:       afero.NewOsFs(),
		log:      logger.Global().Module("player"),
		pending:  make(map[sound.StreamID]struct{}),
		idle:     make(chan struct{}),
	}
	close(p.idle)
	for _, opt := range opts {
		opt(p)
	}
	if p.build == nil {
		p.build = buildinfo.NewContext("", "")
	}
	p.log = p.log.With(logger.String("session", p.build.GetSessionID()))

	if p.metrics == nil && settings.Metrics.Enabled {
		m, err := observability.NewMetrics()
		if err != nil {
			return nil, err
		}
		p.metrics = m
	}
	var pipeline *metrics.PipelineMetrics
	if p.metrics != nil {
		pipeline = p.metrics.Pipeline
	}

	if p.device == nil {
		dev, err := NewDevice(settings.Output, p.fs)
		if err != nil {
			return nil, err
		}
		p.device = dev
	}

	timers := settings.Scheduler.MaxTimerCount
	p.input = input.NewFileStage(p.fs, input.Config{
		MaxChunkBytes:    settings.Input.MaxChunkBytes,
		MaxFinishedFiles: settings.Input.MaxFinishedFiles,
		MaxTimerCount:    timers,
	}, input.WithMetrics(pipeline))

	outOpts := []output.Option{output.WithMetrics(pipeline)}
	if p.progress != nil {
		outOpts = append(outOpts, output.WithProgress(p.progress))
	}
	o := settings.Output
	p.output = output.NewStage(p.device, output.Config{
		Name:             o.Device,
		BufferDuration:   o.BufferDuration,
		DrainDuration:    o.DrainDuration,
		Volume:           o.Volume,
		ProgressInterval: o.ProgressInterval,
		StarveTimeout:    o.StarveTimeout,
		MaxCacheCount:    settings.Buffer.MaxCacheCount,
		MaxTimerCount:    timers,
	}, outOpts...)

	registry := decoder.NewDefaultRegistry(decoder.Config{
		Priority: settings.Decoder.Priority,
		Options:  decoder.Options{MaxCacheCount: settings.Buffer.MaxCacheCount, Metrics: pipeline},
	})

	m := settings.Manager
	p.manager = streammgr.New(streammgr.Config{
		OutputRetryDelay: m.RetryDelay,
		StarveBackoff:    m.StarveBackoff,
		Wait:             streambuf.Wait{Interval: m.WaitInterval, Retries: m.WaitRetries},
		FinishedTTL:      m.FinishedTTL,
		InputBuffer: streambuf.Config{
			CapacityBytes: settings.Buffer.CapacityBytes,
			ChunkBytes:    settings.Buffer.ChunkBytes,
		},
		MaxCacheCount: settings.Buffer.MaxCacheCount,
		MaxTimerCount: timers,
	}, registry, []streammgr.OutputSink{p.output},
		streammgr.WithMetrics(pipeline),
		streammgr.WithCallbacks(streammgr.Callbacks{
			OnStreamFinished: p.onStreamFinished,
			OnPlayFinished:   p.onPlayFinished,
			OnSeekFinished:   p.onSeekFinished,
		}))
	p.input.SetOpener(p.manager)

	p.log.Info("player ready",
		logger.String("device", p.device.Name()),
		logger.String("version", p.build.GetVersion()))
	return p, nil
}

// Metrics returns the metrics the pipeline records into, or nil.
func (p *Player) Metrics() *observability.Metrics {
	return p.metrics
}

// Output returns the output stage.
func (p *Player) Output() *output.Stage {
	return p.output
}

func (p *Player) stages() []scheduler.Stage {
	return []scheduler.Stage{p.output, p.manager, p.input}
}

// Start sets every stage playing, downstream first.
func (p *Player) Start() {
	for _, s := range p.stages() {
		s.Resume()
	}
}

// Pause pauses every stage.
func (p *Player) Pause() {
	for _, s := range p.stages() {
		s.Pause()
	}
}

// Resume resumes every stage.
func (p *Player) Resume() {
	p.Start()
}

// Add queues a file for playback. The file must exist.
func (p *Player) Add(path string) (sound.StreamID, error) {
	info, err := p.fs.Stat(path)
	if err != nil {
		return 0, errors.New(err).
			Component("player").
			Category(errors.CategoryFileIO).
			Context("path", path).
			Build()
	}
	if info.IsDir() {
		return 0, errors.Newf("%s is a directory", path).
			Component("player").
			Category(errors.CategoryValidation).
			Context("path", path).
			Build()
	}

	id := sound.NewStreamID()
	p.mu.Lock()
	if len(p.pending) == 0 {
		p.idle = make(chan struct{})
	}
	p.pending[id] = struct{}{}
	p.mu.Unlock()

	p.input.AddWithID(path, id)
	return id, nil
}

// Seek moves a stream to the given position.
func (p *Player) Seek(id sound.StreamID, pos time.Duration) {
	p.manager.SeekDuration(id, pos.Milliseconds())
}

// SeekWhenOpened waits until the manager knows the stream, then seeks it.
// A stream that finished playing before it was seen is left alone.
func (p *Player) SeekWhenOpened(ctx context.Context, id sound.StreamID, pos time.Duration) error {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for {
		if !p.isPending(id) {
			return nil
		}
		ids, err := p.manager.ActiveIDs(ctx)
		if err != nil {
			return err
		}
		for _, active := range ids {
			if active == id {
				p.Seek(id, pos)
				return nil
			}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// SetVolume sets the output volume, 0 to sound.MaxVolume.
func (p *Player) SetVolume(volume int) {
	p.output.SetVolume(volume)
}

// Wait blocks until every added stream has been played or ctx is done.
func (p *Player) Wait(ctx context.Context) error {
	p.mu.Lock()
	idle := p.idle
	p.mu.Unlock()

	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close quits all stages and waits for their schedulers to stop.
func (p *Player) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	var g errgroup.Group
	g.Go(func() error { p.input.Close(); return nil })
	g.Go(func() error { p.manager.Close(); return nil })
	g.Go(func() error { p.output.Close(); return nil })
	err := g.Wait()
	p.log.Info("player stopped")
	return err
}

func (p *Player) isPending(id sound.StreamID) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.pending[id]
	return ok
}

func (p *Player) onStreamFinished(id sound.StreamID) {
	p.log.Debug("stream decoded", logger.Uint64("stream_id", uint64(id)))
}

func (p *Player) onPlayFinished(id sound.StreamID) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.pending[id]; !ok {
		return
	}
	delete(p.pending, id)
	p.log.Info("stream finished", logger.Uint64("stream_id", uint64(id)))
	if len(p.pending) == 0 {
		close(p.idle)
	}
}

func (p *Player) onSeekFinished(id sound.StreamID, ms int64) {
	p.log.Debug("seek finished",
		logger.Uint64("stream_id", uint64(id)),
		logger.Int64("position_ms", ms))
}
