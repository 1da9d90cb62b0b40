// Copyright (c) 2013-2016 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wire

import "sync"

// BufferPool hands out byte slices sized for a single frame, so a
// connection's read/send loop reuses one buffer per goroutine instead of
// allocating a fresh one per message.
type BufferPool struct {
	pool sync.Pool
}

// NewBufferPool returns a BufferPool whose buffers start at capacity cap.
func NewBufferPool(cap int) *BufferPool {
	return &BufferPool{
		pool: sync.Pool{
			New: func() interface{} {
				return make([]byte, 0, cap)
			},
		},
	}
}

// Get returns a zero-length buffer with at least the capacity given to
// NewBufferPool.
func (p *BufferPool) Get() []byte {
	return p.pool.Get().([]byte)[:0]
}

// Put returns buf to the pool for reuse.
func (p *BufferPool) Put(buf []byte) {
	p.pool.Put(buf)
}
