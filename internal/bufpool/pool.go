// Package bufpool provides a keyed checkout/checkin pool with a bounded
// free list, used to recycle stream buffers and per-stream decoder state
// across stream switches.
package bufpool

import (
	"sync"

	"github.com/atekin/mprt/internal/observability/metrics"
)

// DefaultMaxCacheCount is used when New is given a non-positive bound.
const DefaultMaxCacheCount = 4

// Stats are cumulative pool counters.
type Stats struct {
	Hits    int // checkouts served from the free list
	Misses  int // checkouts that invoked the factory
	Dropped int // idle values evicted by a checkin into a full free list
}

// Pool maps keys to checked-out values and keeps up to maxCacheCount idle
// values for reuse. It is safe for concurrent use.
type Pool[K comparable, T any] struct {
	name          string
	maxCacheCount int
	metrics       *metrics.PipelineMetrics

	mu    sync.Mutex
	inUse map[K]T
	free  []T
	stats Stats
}

// Option configures a Pool.
type Option func(*options)

type options struct {
	metrics *metrics.PipelineMetrics
}

// WithMetrics records hits, misses and drops under the pool name.
func WithMetrics(m *metrics.PipelineMetrics) Option {
	return func(o *options) { o.metrics = m }
}

// New creates a pool that keeps at most maxCacheCount idle values.
func New[K comparable, T any](name string, maxCacheCount int, opts ...Option) *Pool[K, T] {
	if maxCacheCount <= 0 {
		maxCacheCount = DefaultMaxCacheCount
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	return &Pool[K, T]{
		name:          name,
		maxCacheCount: maxCacheCount,
		metrics:       o.metrics,
		inUse:         make(map[K]T),
	}
}

// Checkout returns the value mapped to key. An unmapped key gets a value
// from the free list, or from factory when the free list is empty.
func (p *Pool[K, T]) Checkout(key K, factory func() T) T {
	p.mu.Lock()
	if v, ok := p.inUse[key]; ok {
		p.mu.Unlock()
		return v
	}

	if n := len(p.free); n > 0 {
		v := p.free[n-1]
		var zero T
		p.free[n-1] = zero
		p.free = p.free[:n-1]
		p.inUse[key] = v
		p.stats.Hits++
		p.mu.Unlock()
		p.metrics.RecordPoolCheckout(p.name, true)
		return v
	}
	p.stats.Misses++
	p.mu.Unlock()
	p.metrics.RecordPoolCheckout(p.name, false)

	// factory runs unlocked; a racing checkout of the same key keeps the
	// first mapped value and this one goes to the free list.
	v := factory()

	p.mu.Lock()
	defer p.mu.Unlock()
	if existing, ok := p.inUse[key]; ok {
		p.pushFreeLocked(v)
		return existing
	}
	p.inUse[key] = v
	return v
}

// Checkin unmaps key, runs cleanup on its value and keeps the value for
// reuse. A full free list gives up its oldest idle value. It reports
// whether key was mapped.
func (p *Pool[K, T]) Checkin(key K, cleanup func(T)) bool {
	p.mu.Lock()
	v, ok := p.inUse[key]
	if !ok {
		p.mu.Unlock()
		return false
	}
	delete(p.inUse, key)
	p.mu.Unlock()

	if cleanup != nil {
		cleanup(v)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.pushFreeLocked(v)
	return true
}

func (p *Pool[K, T]) pushFreeLocked(v T) {
	if n := len(p.free); n >= p.maxCacheCount {
		copy(p.free, p.free[1:])
		p.free[n-1] = v
		p.stats.Dropped++
		p.metrics.RecordPoolDrop(p.name)
		return
	}
	p.free = append(p.free, v)
}

// Get returns the value mapped to key without checking anything out.
func (p *Pool[K, T]) Get(key K) (T, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	v, ok := p.inUse[key]
	return v, ok
}

// Contains reports whether key is checked out.
func (p *Pool[K, T]) Contains(key K) bool {
	_, ok := p.Get(key)
	return ok
}

// Len returns the number of checked-out values.
func (p *Pool[K, T]) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.inUse)
}

// FreeLen returns the number of idle values.
func (p *Pool[K, T]) FreeLen() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.free)
}

// Stats returns a snapshot of the counters.
func (p *Pool[K, T]) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stats
}

// Reset drops every mapped and idle value.
func (p *Pool[K, T]) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.inUse = make(map[K]T)
	p.free = nil
}
