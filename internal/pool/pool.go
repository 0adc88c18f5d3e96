package pool

import (
	"bytes"
	"sync"
	"sync/atomic"
)

// DefaultMaxBufferSize is the largest buffer returned to the default pool.
const DefaultMaxBufferSize = 4 << 20

// BufferPool is a pool of byte buffers for request bodies. Buffers that
// grew beyond the limit are dropped so one huge batch does not pin memory.
type BufferPool struct {
	pool    sync.Pool
	maxSize int

	hits    atomic.Uint64
	misses  atomic.Uint64
	dropped atomic.Uint64
}

// NewBufferPool creates a buffer pool that keeps buffers up to maxSize bytes
func NewBufferPool(maxSize int) *BufferPool {
	p := &BufferPool{maxSize: maxSize}
	p.pool.New = func() interface{} {
		p.misses.Add(1)
		return new(bytes.Buffer)
	}
	return p
}

// Get retrieves an empty buffer from the pool
func (p *BufferPool) Get() *bytes.Buffer {
	buf := p.pool.Get().(*bytes.Buffer)
	p.hits.Add(1)
	buf.Reset()
	return buf
}

// Put returns a buffer to the pool
func (p *BufferPool) Put(buf *bytes.Buffer) {
	if buf == nil {
		return
	}
	if p.maxSize > 0 && buf.Cap() > p.maxSize {
		p.dropped.Add(1)
		return
	}
	buf.Reset()
	p.pool.Put(buf)
}

// Stats returns pooling statistics
type Stats struct {
	Gets    uint64
	Allocs  uint64
	Dropped uint64
}

// Stats returns counters since the pool was created.
func (p *BufferPool) Stats() Stats {
	return Stats{Gets: p.hits.Load(), Allocs: p.misses.Load(), Dropped: p.dropped.Load()}
}

var defaultPool = NewBufferPool(DefaultMaxBufferSize)

// GetBuffer retrieves a buffer from the default pool
func GetBuffer() *bytes.Buffer { return defaultPool.Get() }

// PutBuffer returns a buffer to the default pool
func PutBuffer(buf *bytes.Buffer) { defaultPool.Put(buf) }
