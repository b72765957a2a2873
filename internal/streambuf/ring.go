package streambuf

// chunkRing is a bounded FIFO of chunk pointers.
type chunkRing struct {
	items []*Chunk
	head  int
	size  int
}

func newChunkRing(capacity int) chunkRing {
	return chunkRing{items: make([]*Chunk, capacity)}
}

func (r *chunkRing) len() int {
	return r.size
}

func (r *chunkRing) full() bool {
	return r.size == len(r.items)
}

func (r *chunkRing) front() *Chunk {
	if r.size == 0 {
		return nil
	}
	return r.items[r.head]
}

// at returns the i-th chunk from the front.
func (r *chunkRing) at(i int) *Chunk {
	return r.items[(r.head+i)%len(r.items)]
}

func (r *chunkRing) push(c *Chunk) bool {
	if r.full() {
		return false
	}
	r.items[(r.head+r.size)%len(r.items)] = c
	r.size++
	return true
}

func (r *chunkRing) pop() *Chunk {
	if r.size == 0 {
		return nil
	}
	c := r.items[r.head]
	r.items[r.head] = nil
	r.head = (r.head + 1) % len(r.items)
	r.size--
	return c
}
