package optimize

import (
	"sync"
)

// BytePool is a pool of byte slices to reduce allocations on hot paths
// such as frame encoding. Buffers larger than maxRetained are not returned
// to the pool so one oversized frame cannot pin memory.
type BytePool struct {
	pool        sync.Pool
	size        int
	maxRetained int
}

// NewBytePool creates a pool whose fresh buffers have capacity size.
func NewBytePool(size int) *BytePool {
	p := &BytePool{
		size:        size,
		maxRetained: size * 4,
	}
	p.pool.New = func() interface{} {
		b := make([]byte, 0, size)
		return &b
	}
	return p
}

// Get returns a buffer of length n. Its contents are unspecified.
func (p *BytePool) Get(n int) *[]byte {
	bp := p.pool.Get().(*[]byte)
	*bp = GrowSlice(*bp, n)
	return bp
}

// Put returns a buffer to the pool
func (p *BytePool) Put(bp *[]byte) {
	if bp == nil || cap(*bp) > p.maxRetained {
		return
	}
	*bp = (*bp)[:0]
	p.pool.Put(bp)
}

// GrowSlice grows a slice efficiently
func GrowSlice[T any](s []T, newLen int) []T {
	if newLen <= cap(s) {
		return s[:newLen]
	}

	newCap := cap(s) * 2
	if newCap < newLen {
		newCap = newLen
	}

	newSlice := make([]T, newLen, newCap)
	copy(newSlice, s)
	return newSlice
}
