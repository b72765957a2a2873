package output

import (
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/gen2brain/malgo"
	"github.com/smallnest/ringbuffer"

	"github.com/atekin/mprt/internal/errors"
	"github.com/atekin/mprt/internal/logger"
	"github.com/atekin/mprt/internal/sound"
)

// DefaultDeviceLatency is the amount of audio queued between Write and the
// playback callback.
const DefaultDeviceLatency = 200 * time.Millisecond

// MalgoDevice plays through the system audio backend. Write feeds a ring
// buffer that the playback callback drains; underruns play silence.
type MalgoDevice struct {
	mu       sync.Mutex
	log      logger.Logger
	backends []malgo.Backend
	latency  time.Duration

	ctx    *malgo.AllocatedContext
	dev    *malgo.Device
	ring   *ringbuffer.RingBuffer
	format sound.Details
	paused bool
}

// NewMalgoDevice returns an unopened system playback device. An empty or
// "auto" backend picks the native backend of the OS.
func NewMalgoDevice(backend string, latency time.Duration) (*MalgoDevice, error) {
	if latency <= 0 {
		latency = DefaultDeviceLatency
	}
	backends, err := backendsFor(backend)
	if err != nil {
		return nil, err
	}
	return &MalgoDevice{
		log:      logger.Global().Module("output.malgo"),
		backends: backends,
		latency:  latency,
	}, nil
}

func (m *MalgoDevice) Name() string { return "malgo" }

func backendsFor(name string) ([]malgo.Backend, error) {
	switch strings.ToLower(name) {
	case "", "auto":
		return backendForOS(), nil
	case "alsa":
		return []malgo.Backend{malgo.BackendAlsa}, nil
	case "pulseaudio":
		return []malgo.Backend{malgo.BackendPulseaudio}, nil
	case "jack":
		return []malgo.Backend{malgo.BackendJack}, nil
	case "wasapi":
		return []malgo.Backend{malgo.BackendWasapi}, nil
	case "coreaudio":
		return []malgo.Backend{malgo.BackendCoreaudio}, nil
	}
	return nil, errors.Newf("unknown audio backend %q", name).
		Component("output").
		Category(errors.CategoryConfiguration).
		Build()
}

func backendForOS() []malgo.Backend {
	switch runtime.GOOS {
	case "linux":
		return []malgo.Backend{malgo.BackendAlsa}
	case "windows":
		return []malgo.Backend{malgo.BackendWasapi}
	case "darwin":
		return []malgo.Backend{malgo.BackendCoreaudio}
	}
	return nil
}

func formatFor(d sound.Details) (malgo.FormatType, error) {
	switch {
	case d.Float && d.BitsPerSample == 32:
		return malgo.FormatF32, nil
	case !d.Float && d.BitsPerSample == 16:
		return malgo.FormatS16, nil
	case !d.Float && d.BitsPerSample == 32:
		return malgo.FormatS32, nil
	}
	return malgo.FormatUnknown, errors.Newf("unsupported playback format: %d bits, float %t", d.BitsPerSample, d.Float).
		Component("output").
		Category(errors.CategoryOutput).
		Build()
}

// Open (re)initializes the playback device when the format changes.
func (m *MalgoDevice) Open(d sound.Details) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.dev != nil && sameFormat(m.format, d) {
		return nil
	}
	format, err := formatFor(d)
	if err != nil {
		return err
	}
	m.closeDeviceLocked()

	if m.ctx == nil {
		ctx, err := malgo.InitContext(m.backends, malgo.ContextConfig{}, func(message string) {
			m.log.Debug("backend message", logger.String("message", message))
		})
		if err != nil {
			return errors.New(err).
				Component("output").
				Category(errors.CategoryOutput).
				Context("operation", "init_context").
				Build()
		}
		m.ctx = ctx
	}

	ring := ringbuffer.New(max(int(d.DurationToBytes(m.latency)), d.FrameBytes()))
	cfg := malgo.DefaultDeviceConfig(malgo.Playback)
	cfg.Playback.Format = format
	cfg.Playback.Channels = uint32(d.Channels)
	cfg.SampleRate = uint32(d.SampleRate)
	cfg.Alsa.NoMMap = 1

	onSamples := func(out, _ []byte, _ uint32) {
		n, _ := ring.Read(out)
		clear(out[n:])
	}
	dev, err := malgo.InitDevice(m.ctx.Context, cfg, malgo.DeviceCallbacks{Data: onSamples})
	if err != nil {
		return errors.New(err).
			Component("output").
			Category(errors.CategoryOutput).
			Context("operation", "init_device").
			Context("sample_rate", d.SampleRate).
			Context("channels", d.Channels).
			Build()
	}
	if !m.paused {
		if err := dev.Start(); err != nil {
			dev.Uninit()
			return errors.New(err).
				Component("output").
				Category(errors.CategoryOutput).
				Context("operation", "start_device").
				Build()
		}
	}

	m.dev, m.ring, m.format = dev, ring, d
	m.log.Info("playback device opened",
		logger.Int("sample_rate", d.SampleRate),
		logger.Int("channels", d.Channels),
		logger.Int("bits_per_sample", d.BitsPerSample),
		logger.Bool("float", d.Float))
	return nil
}

func (m *MalgoDevice) Write(p []byte) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.dev == nil {
		return 0, errors.Newf("playback device not opened").
			Component("output").
			Category(errors.CategoryState).
			Build()
	}
	free := m.ring.Free()
	n := min(len(p), free-free%m.format.FrameBytes())
	if n <= 0 {
		return 0, nil
	}
	return m.ring.Write(p[:n])
}

func (m *MalgoDevice) Pause() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.paused = true
	if m.dev == nil || !m.dev.IsStarted() {
		return nil
	}
	return m.dev.Stop()
}

func (m *MalgoDevice) Resume() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.paused = false
	if m.dev == nil || m.dev.IsStarted() {
		return nil
	}
	return m.dev.Start()
}

func (m *MalgoDevice) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.ring != nil {
		m.ring.Reset()
	}
}

func (m *MalgoDevice) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.closeDeviceLocked()
	if m.ctx != nil {
		err := m.ctx.Uninit()
		m.ctx.Free()
		m.ctx = nil
		return err
	}
	return nil
}

func (m *MalgoDevice) closeDeviceLocked() {
	if m.dev == nil {
		return
	}
	if m.dev.IsStarted() {
		_ = m.dev.Stop()
	}
	m.dev.Uninit()
	m.dev, m.ring = nil, nil
}

func sameFormat(a, b sound.Details) bool {
	return a.Channels == b.Channels && a.SampleRate == b.SampleRate &&
		a.BitsPerSample == b.BitsPerSample && a.Float == b.Float
}
