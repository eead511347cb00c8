package pool

import (
	"bytes"
	"sync"
)

// sync.Pool caches allocated but unused objects for later reuse, relieving
// pressure on the garbage collector. Items are dropped during garbage
// collection, so it suits short-lived buffers but not connections.

// FixedBufferPool hands out byte slices of one fixed size. The transcoder
// uses it for its streaming copy buffer.
type FixedBufferPool struct {
	size int64
	pool sync.Pool
}

// NewFixedBuffer creates a pool of size-byte slices.
func NewFixedBuffer(size int64) *FixedBufferPool {
	return &FixedBufferPool{
		size: size,
		pool: sync.Pool{
			New: func() any {
				b := make([]byte, int(size))
				return &b
			},
		},
	}
}

// Size returns the length of the slices handed out by the pool.
func (fp *FixedBufferPool) Size() int64 {
	return fp.size
}

func (fp *FixedBufferPool) Get() *[]byte {
	return fp.pool.Get().(*[]byte)
}

func (fp *FixedBufferPool) Put(b *[]byte) {
	// Only put it back if it's the right size.
	if b == nil || int64(cap(*b)) != fp.size {
		return
	}
	*b = (*b)[:fp.size]
	fp.pool.Put(b)
}

// StagingBufferPool recycles bytes.Buffers used to stage compressed payloads
// in memory before they are uploaded to a remote backend.
type StagingBufferPool struct {
	maxRetained int
	pool        sync.Pool
}

// NewStagingBufferPool creates a pool that keeps buffers whose capacity does
// not exceed maxRetained bytes. Larger buffers are left to the GC.
func NewStagingBufferPool(maxRetained int) *StagingBufferPool {
	return &StagingBufferPool{
		maxRetained: maxRetained,
		pool: sync.Pool{
			New: func() any {
				return new(bytes.Buffer)
			},
		},
	}
}

func (sp *StagingBufferPool) Get() *bytes.Buffer {
	b := sp.pool.Get().(*bytes.Buffer)
	b.Reset()
	return b
}

func (sp *StagingBufferPool) Put(b *bytes.Buffer) {
	if b == nil || b.Cap() > sp.maxRetained {
		return
	}
	b.Reset()
	sp.pool.Put(b)
}
