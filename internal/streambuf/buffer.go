// Package streambuf implements the dual-ring chunk buffer used as the
// hand-off channel between a producing and a consuming pipeline stage.
//
// Chunks circulate between a cache ring (empty or being filled by the
// producer) and a data ring (filled, waiting for the consumer). Rotation
// between the rings is the only operation shared by both sides.
package streambuf

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/atekin/mprt/internal/errors"
)

var (
	// ErrChunkFull is returned by a short Chunk.Write.
	ErrChunkFull = errors.NewStd("chunk full")
	// ErrChunkEmpty is returned by Chunk.Read on an empty chunk.
	ErrChunkEmpty = errors.NewStd("chunk empty")
	// ErrDiscardTimeout is returned when DiscardUpTo runs out of retries.
	ErrDiscardTimeout = errors.NewStd("discard timed out waiting for data")
)

// DefaultChunkBytes is used when Config.ChunkBytes is zero.
const DefaultChunkBytes = 16 * 1024

// Config sizes a StreamBuffer.
type Config struct {
	CapacityBytes int
	ChunkBytes    int
}

// Wait bounds a blocking operation to Retries polls of Interval each. The
// budget is absolute; progress on the buffer does not extend it.
type Wait struct {
	Interval time.Duration
	Retries  int
}

// DefaultWait gives up after two seconds.
var DefaultWait = Wait{Interval: 100 * time.Millisecond, Retries: 20}

func (w Wait) withDefaults() Wait {
	if w.Interval <= 0 {
		return DefaultWait
	}
	if w.Retries <= 0 {
		w.Retries = 1
	}
	return w
}

// Budget is the longest a single wait may block.
func (w Wait) Budget() time.Duration {
	w = w.withDefaults()
	return time.Duration(w.Retries) * w.Interval
}

// StreamBuffer is a pooled pair of chunk rings with an atomic byte count.
type StreamBuffer struct {
	capacity  int
	chunkSize int
	chunks    int // N+1

	mu      sync.Mutex
	cache   chunkRing
	data    chunkRing
	granted int // outstanding producer write allowance
	changed chan struct{}

	total atomic.Int64

	prodChunk  *Chunk
	prodBefore int
	consChunk  *Chunk
	consBefore int
}

// New builds a buffer holding ceil(capacity/chunk)+1 chunks, all starting in
// the cache ring.
func New(cfg Config) *StreamBuffer {
	if cfg.ChunkBytes <= 0 {
		cfg.ChunkBytes = DefaultChunkBytes
	}
	if cfg.CapacityBytes <= 0 {
		cfg.CapacityBytes = cfg.ChunkBytes
	}
	n := (cfg.CapacityBytes + cfg.ChunkBytes - 1) / cfg.ChunkBytes

	b := &StreamBuffer{
		capacity:  cfg.CapacityBytes,
		chunkSize: cfg.ChunkBytes,
		chunks:    n + 1,
		cache:     newChunkRing(n + 1),
		data:      newChunkRing(n + 1),
		changed:   make(chan struct{}),
	}
	for range n + 1 {
		b.cache.push(newChunk(cfg.ChunkBytes))
	}
	return b
}

// Capacity returns the configured byte capacity.
func (b *StreamBuffer) Capacity() int {
	return b.capacity
}

// ChunkBytes returns the configured chunk size.
func (b *StreamBuffer) ChunkBytes() int {
	return b.chunkSize
}

// ChunkCount returns the number of chunks in circulation.
func (b *StreamBuffer) ChunkCount() int {
	return b.chunks
}

// TotalBytes returns the bytes resident across both rings.
func (b *StreamBuffer) TotalBytes() int {
	return int(b.total.Load())
}

// AvailableBytes returns Capacity - TotalBytes.
func (b *StreamBuffer) AvailableBytes() int {
	return b.capacity - b.TotalBytes()
}

// DataSize returns the data ring occupancy. Advisory under concurrency.
func (b *StreamBuffer) DataSize() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.data.len()
}

// CacheSize returns the cache ring occupancy. Advisory under concurrency.
func (b *StreamBuffer) CacheSize() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.cache.len()
}

// IsCacheEmpty reports that every chunk is waiting in the data ring.
func (b *StreamBuffer) IsCacheEmpty() bool {
	return b.CacheSize() == 0
}

// IsCacheFull reports that every chunk is in the cache ring.
func (b *StreamBuffer) IsCacheFull() bool {
	return b.CacheSize() == b.chunks
}

// IsDataEmpty reports that nothing is ready for the consumer.
func (b *StreamBuffer) IsDataEmpty() bool {
	return b.DataSize() == 0
}

// Changed returns a channel closed on the next rotation, producer release,
// clear or reset.
func (b *StreamBuffer) Changed() <-chan struct{} {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.changed
}

func (b *StreamBuffer) notifyLocked() {
	close(b.changed)
	b.changed = make(chan struct{})
}

// AcquireProducerChunk returns the cache front without removing it, or nil
// when the cache ring is empty. The chunk's write allowance is capped so the
// buffer never exceeds its capacity.
func (b *StreamBuffer) AcquireProducerChunk() *Chunk {
	b.mu.Lock()
	defer b.mu.Unlock()

	c := b.cache.front()
	if c == nil {
		return nil
	}
	b.granted = max(0, min(c.ring.Free(), b.capacity-b.TotalBytes()))
	c.room = b.granted
	b.prodChunk = c
	b.prodBefore = c.Len()
	return c
}

// ReleaseProducerChunk accounts the bytes written since the acquire and
// rotates the chunk into the data ring when it is full, when the buffer has
// no room left, or when forced. Forcing an empty chunk is a no-op.
func (b *StreamBuffer) ReleaseProducerChunk(force bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	c := b.prodChunk
	if c == nil || c != b.cache.front() {
		b.prodChunk = nil
		b.granted = 0
		return
	}
	delta := c.Len() - b.prodBefore
	b.total.Add(int64(delta))
	b.prodChunk = nil
	b.granted = 0
	c.room = 0

	if !c.IsEmpty() && (force || c.IsFull() || b.TotalBytes() >= b.capacity) {
		b.data.push(b.cache.pop())
		b.notifyLocked()
		return
	}
	if delta > 0 {
		b.notifyLocked()
	}
}

// AcquireConsumerChunk returns the data front without removing it, or nil
// when the data ring is empty.
func (b *StreamBuffer) AcquireConsumerChunk() *Chunk {
	b.mu.Lock()
	defer b.mu.Unlock()

	c := b.data.front()
	if c == nil {
		return nil
	}
	b.consChunk = c
	b.consBefore = c.Len()
	return c
}

// ReleaseConsumerChunk accounts the bytes consumed since the acquire and
// returns the chunk, cleared, to the cache ring when it is empty or forced.
func (b *StreamBuffer) ReleaseConsumerChunk(force bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	c := b.consChunk
	b.consChunk = nil
	if c == nil || c != b.data.front() {
		return
	}
	b.total.Add(-int64(b.consBefore - c.Len()))

	if force || c.IsEmpty() {
		b.recycleFrontLocked()
	}
}

// recycleFrontLocked moves the data front back to the cache ring, cleared.
func (b *StreamBuffer) recycleFrontLocked() {
	c := b.data.pop()
	b.total.Add(-int64(c.Len()))
	c.clear()
	b.cache.push(c)
	b.notifyLocked()
}

// WriteInto copies up to len(dst) bytes from the front of the data ring into
// dst, crossing chunk boundaries. With remove set the bytes are consumed,
// emptied chunks rotate back to the cache ring and chunk offsets advance.
func (b *StreamBuffer) WriteInto(dst []byte, remove bool) int {
	if !remove {
		return b.peek(dst)
	}

	written := 0
	for written < len(dst) {
		c := b.AcquireConsumerChunk()
		if c == nil {
			break
		}
		n, _ := c.Read(dst[written:])
		written += n
		b.ReleaseConsumerChunk(false)
	}
	return written
}

func (b *StreamBuffer) peek(dst []byte) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	written := 0
	for i := 0; i < b.data.len() && written < len(dst); i++ {
		written += b.data.at(i).Peek(dst[written:])
	}
	return written
}

// PrependData splices p back onto the front of the data ring as the bytes
// preceding its first chunk. It refuses when the data ring is empty or the
// bytes would exceed the capacity.
func (b *StreamBuffer) PrependData(p []byte) bool {
	if len(p) == 0 {
		return true
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	c := b.data.front()
	if c == nil || b.capacity-b.TotalBytes()-b.granted < len(p) {
		return false
	}
	c.prepend(p)
	b.total.Add(int64(len(p)))
	b.notifyLocked()
	return true
}

// DiscardUpTo drops up to n bytes from the front of the data ring, waiting
// for data while fewer bytes have been discarded. The whole call shares one
// wait budget. It returns the number of bytes dropped and ErrDiscardTimeout
// when the wait gave up.
func (b *StreamBuffer) DiscardUpTo(ctx context.Context, n int, wait Wait) (int, error) {
	waitCtx, cancel := context.WithTimeout(ctx, wait.Budget())
	defer cancel()

	discarded := 0
	for discarded < n {
		if !b.Await(waitCtx, func() bool { return !b.IsDataEmpty() }, wait) {
			if err := ctx.Err(); err != nil {
				return discarded, err
			}
			return discarded, ErrDiscardTimeout
		}
		c := b.AcquireConsumerChunk()
		if c == nil {
			continue
		}
		discarded += c.Discard(n - discarded)
		b.ReleaseConsumerChunk(false)
	}
	return discarded, nil
}

// Await blocks until cond holds. cond is checked on every buffer change and
// once per wait.Interval. Await gives up when wait.Budget has passed, or
// when ctx is done.
func (b *StreamBuffer) Await(ctx context.Context, cond func() bool, wait Wait) bool {
	wait = wait.withDefaults()
	deadline := time.NewTimer(wait.Budget())
	defer deadline.Stop()
	poll := time.NewTicker(wait.Interval)
	defer poll.Stop()

	for {
		ch := b.Changed()
		if cond() {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-deadline.C:
			return cond()
		case <-ch:
		case <-poll.C:
		}
	}
}

// SyncCache flushes the partially filled cache front into the data ring.
func (b *StreamBuffer) SyncCache() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if c := b.cache.front(); c != nil && !c.IsEmpty() && c != b.prodChunk {
		b.data.push(b.cache.pop())
		b.notifyLocked()
	}
}

// ClearCache drops bytes still being produced into the cache ring.
func (b *StreamBuffer) ClearCache() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for i := range b.cache.len() {
		c := b.cache.at(i)
		b.total.Add(-int64(c.Len()))
		c.clear()
	}
	b.prodChunk = nil
	b.granted = 0
	b.notifyLocked()
}

// ClearData returns every data chunk, cleared, to the cache ring.
func (b *StreamBuffer) ClearData() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for b.data.len() > 0 {
		b.recycleFrontLocked()
	}
	b.consChunk = nil
}

// Reset returns every chunk to the cache ring, empty.
func (b *StreamBuffer) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for b.data.len() > 0 {
		c := b.data.pop()
		c.clear()
		b.cache.push(c)
	}
	for i := range b.cache.len() {
		b.cache.at(i).clear()
	}
	b.total.Store(0)
	b.prodChunk = nil
	b.consChunk = nil
	b.granted = 0
	b.notifyLocked()
}
