package volume

import "sync"

// BufferPool hands out reusable scratch buffers of one fixed size, so bulk
// operations reuse per-worker buffers instead of allocating per unit.
// Buffers are returned with stale contents.
type BufferPool struct {
	size int
	pool sync.Pool
}

// NewBufferPool creates a pool of size-byte buffers.
func NewBufferPool(size int) *BufferPool {
	p := &BufferPool{size: size}
	p.pool.New = func() interface{} {
		b := make([]byte, size)
		return &b
	}
	return p
}

// Size returns the buffer size.
func (p *BufferPool) Size() int {
	return p.size
}

// Get returns a buffer of exactly Size bytes.
func (p *BufferPool) Get() *[]byte {
	return p.pool.Get().(*[]byte)
}

// Put returns a buffer obtained from Get.
func (p *BufferPool) Put(b *[]byte) {
	if b == nil || len(*b) != p.size {
		return
	}
	p.pool.Put(b)
}
