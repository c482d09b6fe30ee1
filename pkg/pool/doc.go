// Package pool implements a small, type-safe object pooling layer built on
// sync.Pool. It exists to keep allocation-heavy read paths off the
// garbage collector; the local filler handler's zstd decompression
// buffers are its one user.
//
// Core types:
//
//   - Pool[T]: generic pool for any type T, with hit/miss statistics
//   - BufferPool: size-bucketed []byte pool built on Pool[[]byte]
//
// GlobalBufferPool is shared process-wide; callers needing isolated
// statistics should construct their own Pool[T] or BufferPool instead.
package pool
