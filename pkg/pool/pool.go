// Package pool provides generic object pooling used to keep hot read
// paths from allocating a fresh buffer on every call; the local filler
// handler's zstd decompression is its user. It wraps sync.Pool with typed
// Get/Put and basic hit/miss statistics.
package pool

import (
	"sync"
	"sync/atomic"
)

// Pool is a generic, type-safe object pool. It is safe for concurrent use.
type Pool[T any] struct {
	pool  sync.Pool
	newFn func() T
	reset func(T)
	stats struct {
		allocated int64
		inUse     int64
		hits      int64
		misses    int64
	}
}

// New creates a new typed pool. new is called when the pool is empty and a
// new object is needed; reset, if non-nil, is called before an object is
// returned to the pool so it can be handed out clean on the next Get.
func New[T any](new func() T, reset func(T)) *Pool[T] {
	return &Pool[T]{newFn: new, reset: reset}
}

// Get retrieves an object from the pool, allocating a new one if empty.
func (p *Pool[T]) Get() T {
	atomic.AddInt64(&p.stats.inUse, 1)
	if obj, ok := p.pool.Get().(T); ok {
		atomic.AddInt64(&p.stats.hits, 1)
		return obj
	}
	atomic.AddInt64(&p.stats.allocated, 1)
	atomic.AddInt64(&p.stats.misses, 1)
	return p.newFn()
}

// Put returns an object to the pool, resetting it first if a reset function
// was provided to New.
func (p *Pool[T]) Put(obj T) {
	if p.reset != nil {
		p.reset(obj)
	}
	atomic.AddInt64(&p.stats.inUse, -1)
	p.pool.Put(obj)
}

// Stats returns allocation, in-use, hit, and miss counters.
func (p *Pool[T]) Stats() (allocated, inUse, hits, misses int64) {
	return atomic.LoadInt64(&p.stats.allocated),
		atomic.LoadInt64(&p.stats.inUse),
		atomic.LoadInt64(&p.stats.hits),
		atomic.LoadInt64(&p.stats.misses)
}

// BufferPool manages byte-buffer pooling with size-based buckets so
// payload buffers of common sizes avoid per-call allocation. Buffers
// requested above the largest bucket bypass the pool.
type BufferPool struct {
	pools []*Pool[[]byte]
	sizes []int
}

// NewBufferPool creates a buffer pool with power-of-2 buckets from 512B to
// 16MB, which covers everything from a single descriptor page to a
// multi-megabyte area-detector chunk.
func NewBufferPool() *BufferPool {
	sizes := []int{512, 1024, 4096, 16384, 65536, 262144, 1048576, 4194304, 16777216}

	pools := make([]*Pool[[]byte], len(sizes))
	for i, size := range sizes {
		size := size
		pools[i] = New(
			func() []byte { return make([]byte, size) },
			func(b []byte) {},
		)
	}

	return &BufferPool{pools: pools, sizes: sizes}
}

// Get returns a buffer of at least size bytes, sliced down to exactly size.
func (p *BufferPool) Get(size int) []byte {
	for i, s := range p.sizes {
		if s >= size {
			buf := p.pools[i].Get()
			return buf[:size]
		}
	}
	return make([]byte, size)
}

// Put returns a buffer to the pool matching its capacity. Buffers whose
// capacity does not match a bucket are left for the garbage collector.
func (p *BufferPool) Put(buf []byte) {
	size := cap(buf)
	for i, s := range p.sizes {
		if s == size {
			p.pools[i].Put(buf[:size])
			return
		}
	}
}

// GlobalBufferPool is the shared buffer pool the local filler handler
// draws its zstd decompression buffers from.
var GlobalBufferPool = NewBufferPool()
