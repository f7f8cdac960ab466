// Package buffer pools block-sized byte buffers to reduce GC pressure. Data
// blocks over-allocate their value buffers to the cluster's maximum value
// size, so a cluster's blocks all draw from one fixed-size bucket.
package buffer

import "sync"

// Pool hands out buffers of one fixed capacity.
type Pool struct {
	size int
	pool sync.Pool
}

// NewPool creates a pool of buffers with the given capacity.
func NewPool(size int) *Pool {
	p := &Pool{size: size}
	p.pool.New = func() interface{} {
		return make([]byte, size)
	}
	return p
}

// Size returns the capacity of pooled buffers.
func (p *Pool) Size() int { return p.size }

// Get returns a zeroed buffer of the pool's capacity.
func (p *Pool) Get() []byte {
	buf := p.pool.Get().([]byte)
	for i := range buf {
		buf[i] = 0
	}
	return buf[:p.size]
}

// Put returns a buffer for reuse. Buffers of a different capacity are left
// to the garbage collector.
func (p *Pool) Put(buf []byte) {
	if cap(buf) != p.size {
		return
	}
	//nolint:staticcheck // SA6002: slice values are expected here
	p.pool.Put(buf[:p.size])
}
