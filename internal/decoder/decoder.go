// Package decoder holds the format decoders plugged into the stream
// manager and the registry that picks them by file extension.
package decoder

import (
	"cmp"
	"slices"
	"strings"
	"sync"

	"github.com/atekin/mprt/internal/errors"
	"github.com/atekin/mprt/internal/logger"
	"github.com/atekin/mprt/internal/observability/metrics"
	"github.com/atekin/mprt/internal/sound"
	"github.com/atekin/mprt/internal/streammgr"
)

const (
	// DefaultPriority is used for decoders without a configured priority.
	DefaultPriority = 100

	// DefaultStepFrames is how many frames one decode step aims to produce.
	DefaultStepFrames = 4096

	// DefaultMaxCacheCount bounds the idle per-stream states kept per decoder.
	DefaultMaxCacheCount = 4
)

// Options are shared by every decoder.
type Options struct {
	StepFrames    int
	MaxCacheCount int
	Metrics       *metrics.PipelineMetrics
}

func (o Options) withDefaults() Options {
	if o.StepFrames <= 0 {
		o.StepFrames = DefaultStepFrames
	}
	if o.MaxCacheCount <= 0 {
		o.MaxCacheCount = DefaultMaxCacheCount
	}
	return o
}

// Config configures the default registry.
type Config struct {
	// Priority overrides decoder priorities by name. Higher wins.
	Priority map[string]int
	Options
}

type entry struct {
	sink     streammgr.DecoderSink
	exts     []string
	priority int
	order    int
}

// Registry resolves decoders by extension. Streams with an unknown
// extension are offered to every decoder.
type Registry struct {
	mu      sync.RWMutex
	entries []entry
	log     logger.Logger
}

var _ streammgr.DecoderResolver = (*Registry)(nil)

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{log: logger.Global().Module("decoder")}
}

// NewDefaultRegistry registers every built-in decoder.
func NewDefaultRegistry(cfg Config) *Registry {
	r := NewRegistry()
	opts := cfg.Options.withDefaults()
	r.Register(NewWAV(opts), DefaultPriority, "wav", "wave")
	r.Register(NewFLAC(opts), DefaultPriority, "flac")
	r.Register(NewMP3(opts), DefaultPriority, "mp3")
	r.Register(NewVorbis(opts), DefaultPriority, "ogg", "oga")
	for name, p := range cfg.Priority {
		if !r.SetPriority(name, p) {
			r.log.Warn("priority for unknown decoder", logger.String("decoder", name))
		}
	}
	return r
}

// Register adds a decoder for the given extensions.
func (r *Registry) Register(sink streammgr.DecoderSink, priority int, exts ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	norm := make([]string, 0, len(exts))
	for _, e := range exts {
		norm = append(norm, normalizeExt(e))
	}
	r.entries = append(r.entries, entry{
		sink:     sink,
		exts:     norm,
		priority: priority,
		order:    len(r.entries),
	})
}

// SetPriority changes the priority of a registered decoder.
func (r *Registry) SetPriority(name string, priority int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i := range r.entries {
		if r.entries[i].sink.Name() == name {
			r.entries[i].priority = priority
			return true
		}
	}
	return false
}

// Resolve returns the decoders for ext, best first.
func (r *Registry) Resolve(ext string) []streammgr.DecoderSink {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ext = normalizeExt(ext)
	var matched []entry
	for _, e := range r.entries {
		if slices.Contains(e.exts, ext) {
			matched = append(matched, e)
		}
	}
	if len(matched) == 0 {
		matched = slices.Clone(r.entries)
	}
	slices.SortStableFunc(matched, func(a, b entry) int {
		if c := cmp.Compare(b.priority, a.priority); c != 0 {
			return c
		}
		return cmp.Compare(a.order, b.order)
	})

	sinks := make([]streammgr.DecoderSink, len(matched))
	for i, e := range matched {
		sinks[i] = e.sink
	}
	return sinks
}

// Names lists registered decoders in registration order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, len(r.entries))
	for i, e := range r.entries {
		names[i] = e.sink.Name()
	}
	return names
}

func normalizeExt(ext string) string {
	return strings.ToLower(strings.TrimPrefix(ext, "."))
}

func decodeError(err error, decoder, op string, id sound.StreamID) error {
	return errors.New(err).
		Component("decoder").
		Category(errors.CategoryDecode).
		Context("decoder", decoder).
		Context("operation", op).
		Context("stream_id", uint64(id)).
		Build()
}

func decodeErrorf(decoder, op string, id sound.StreamID, format string, args ...any) error {
	return errors.Newf(format, args...).
		Component("decoder").
		Category(errors.CategoryDecode).
		Context("decoder", decoder).
		Context("operation", op).
		Context("stream_id", uint64(id)).
		Build()
}

// errNoState is returned when a stream reaches a decoder it was not
// initialized with.
var errNoState = errors.NewStd("stream not initialized by this decoder")
