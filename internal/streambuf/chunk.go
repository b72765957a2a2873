package streambuf

import (
	"github.com/smallnest/ringbuffer"
)

// Chunk is a fixed-capacity byte ring tagged with the stream offset of its
// first byte. A chunk is owned by exactly one ring of its StreamBuffer at a
// time; the producer only touches the cache front, the consumer only the
// data front.
type Chunk struct {
	ring   *ringbuffer.RingBuffer
	offset int64
	room   int // write allowance granted by the last producer acquire
}

func newChunk(size int) *Chunk {
	return &Chunk{ring: ringbuffer.New(size)}
}

// Len returns the number of buffered bytes.
func (c *Chunk) Len() int {
	return c.ring.Length()
}

// Cap returns the chunk capacity in bytes.
func (c *Chunk) Cap() int {
	return c.ring.Capacity()
}

// Free returns how many bytes the producer may still write.
func (c *Chunk) Free() int {
	return min(c.ring.Free(), c.room)
}

// IsEmpty reports whether the chunk holds no bytes.
func (c *Chunk) IsEmpty() bool {
	return c.ring.IsEmpty()
}

// IsFull reports whether the chunk cannot take more bytes.
func (c *Chunk) IsFull() bool {
	return c.ring.IsFull()
}

// Offset returns the stream position of the first buffered byte.
func (c *Chunk) Offset() int64 {
	return c.offset
}

// SetOffset tags the chunk. Producers tag a chunk when they start filling it.
func (c *Chunk) SetOffset(off int64) {
	c.offset = off
}

// Write appends as much of p as the chunk allows. A short write returns
// ErrChunkFull.
func (c *Chunk) Write(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	want := min(len(p), c.Free())
	if want == 0 {
		return 0, ErrChunkFull
	}
	n, _ := c.ring.Write(p[:want])
	c.room -= n
	if n < len(p) {
		return n, ErrChunkFull
	}
	return n, nil
}

// Read moves up to len(p) bytes out of the chunk and advances the offset.
func (c *Chunk) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	if c.ring.IsEmpty() {
		return 0, ErrChunkEmpty
	}
	n, _ := c.ring.Read(p)
	c.offset += int64(n)
	return n, nil
}

// Discard drops up to n bytes from the front and advances the offset.
func (c *Chunk) Discard(n int) int {
	n = min(n, c.Len())
	if n <= 0 {
		return 0
	}
	scratch := make([]byte, n)
	got, _ := c.ring.Read(scratch)
	c.offset += int64(got)
	return got
}

// Peek copies up to len(p) bytes from the front without consuming them.
func (c *Chunk) Peek(p []byte) int {
	if len(p) == 0 || c.ring.IsEmpty() {
		return 0
	}
	all := c.drain()
	n := copy(p, all)
	_, _ = c.ring.Write(all)
	return n
}

// prepend puts p in front of the buffered bytes and moves the offset back,
// growing the ring if needed.
func (c *Chunk) prepend(p []byte) {
	rest := c.drain()
	if need := len(p) + len(rest); need > c.ring.Capacity() {
		c.ring = ringbuffer.New(need)
	}
	_, _ = c.ring.Write(p)
	_, _ = c.ring.Write(rest)
	c.offset -= int64(len(p))
}

func (c *Chunk) drain() []byte {
	all := make([]byte, c.ring.Length())
	if len(all) > 0 {
		_, _ = c.ring.Read(all)
	}
	c.ring.Reset()
	return all
}

// clear empties the chunk and drops its tag.
func (c *Chunk) clear() {
	c.ring.Reset()
	c.offset = 0
	c.room = 0
}
