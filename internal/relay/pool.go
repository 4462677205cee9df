package relay

import (
	"net/http/httputil"
	"sync"
)

// BufferSize is the largest chunk a pump moves per read.
const BufferSize = 1024

var defaultPool = NewBufferPool(BufferSize)

// bufferPool hands out fixed-size chunks. A buffer is owned by one pump
// between Get and Put and never shared.
type bufferPool struct {
	size int
	pool sync.Pool
}

// NewBufferPool returns a pool of size-byte buffers.
func NewBufferPool(size int) httputil.BufferPool {
	p := &bufferPool{size: size}
	p.pool.New = func() any {
		b := make([]byte, size)
		return &b
	}
	return p
}

func (p *bufferPool) Get() []byte {
	return *p.pool.Get().(*[]byte)
}

// Put takes b back unless it was resliced below the pool's size.
func (p *bufferPool) Put(b []byte) {
	if cap(b) < p.size {
		return
	}
	b = b[:p.size]
	// &b escapes: one small allocation per Put.
	p.pool.Put(&b)
}
