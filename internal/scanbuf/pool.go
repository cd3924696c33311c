// Package scanbuf implements the Scan Buffer Pool: a small set of
// reusable byte buffers handed out to iterator-driven range scans, kept
// separate from the compaction pipeline's own Block Pool so read-path
// scans never compete with compaction for block buffers (spec.md §1).
package scanbuf

import "sync"

// Pool hands out fixed-size scan buffers and recycles them via sync.Pool.
type Pool struct {
	bufSize int
	pool    sync.Pool
}

// New creates a pool of buffers sized bufSize bytes.
func New(bufSize int) *Pool {
	p := &Pool{bufSize: bufSize}
	p.pool.New = func() any {
		return make([]byte, p.bufSize)
	}
	return p
}

// Get returns a buffer of Pool's configured size.
func (p *Pool) Get() []byte {
	return p.pool.Get().([]byte)
}

// Put returns buf to the pool for reuse. buf must have been obtained from
// Get and not resliced beyond its original length.
func (p *Pool) Put(buf []byte) {
	if cap(buf) < p.bufSize {
		return
	}
	p.pool.Put(buf[:p.bufSize])
}
