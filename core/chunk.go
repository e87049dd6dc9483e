package core

import (
	"fmt"
	"os"
	"sync/atomic"
)

// Chunk is an immutable, reference-counted byte buffer: the unit of file
// I/O. Sub-chunks share their parent's lifetime; the release hook runs when
// the last reference drops.
type Chunk struct {
	data    []byte
	refs    *atomic.Int64
	release func()
}

// NewChunk wraps data in a chunk with an initial reference.
func NewChunk(data []byte) *Chunk {
	refs := &atomic.Int64{}
	refs.Store(1)
	return &Chunk{data: data, refs: refs}
}

// ChunkFromFile loads a file into a chunk.
func ChunkFromFile(path string) (*Chunk, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("chunk: read %s: %w", path, err)
	}
	return NewChunk(data), nil
}

// Bytes returns the underlying buffer. Callers must not mutate it.
func (c *Chunk) Bytes() []byte { return c.data }

// Len returns the chunk size in bytes.
func (c *Chunk) Len() int { return len(c.data) }

// Ref acquires an additional reference.
func (c *Chunk) Ref() *Chunk {
	c.refs.Add(1)
	return c
}

// Release drops one reference, running the release hook on the last drop.
func (c *Chunk) Release() {
	if c.refs.Add(-1) == 0 && c.release != nil {
		c.release()
	}
}

// Slice returns a sub-chunk sharing this chunk's reference count.
func (c *Chunk) Slice(begin, end int) *Chunk {
	c.refs.Add(1)
	return &Chunk{data: c.data[begin:end], refs: c.refs, release: c.release}
}
