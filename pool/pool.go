// pool.go implements a generic object pool with optional finalizers.

// Package pool provides generic object pools for per-frame buffers.
package pool

import (
	"runtime"
	"sync"
)

var ReuseMemory = true

type Pool[T any] struct {
	sync.Pool
	ResetFunc func(*T)
}

// NewPool returns a pool; freeFunc is installed as a finalizer and may be
// nil for objects that own only Go memory.
func NewPool[T any](
	allocFunc func() *T,
	resetFunc func(*T),
	freeFunc func(*T),
) *Pool[T] {
	return &Pool[T]{
		Pool: sync.Pool{
			New: func() any {
				v := allocFunc()
				if freeFunc != nil {
					runtime.SetFinalizer(v, func(v *T) {
						freeFunc(v)
					})
				}
				return v
			},
		},
		ResetFunc: resetFunc,
	}
}

func (p *Pool[T]) Get() *T {
	return p.Pool.Get().(*T)
}

func (p *Pool[T]) Put(items ...*T) {
	if !ReuseMemory {
		return
	}
	for _, item := range items {
		if item == nil {
			continue
		}
		if p.ResetFunc != nil {
			p.ResetFunc(item)
		}
		p.Pool.Put(item)
	}
}

// Bytes is a pool of byte slices; Get returns a zeroed slice of the requested length.
type Bytes struct {
	pool *Pool[[]byte]
}

func NewBytes() *Bytes {
	return &Bytes{
		pool: NewPool(
			func() *[]byte { return new([]byte) },
			func(b *[]byte) { *b = (*b)[:0] },
			nil,
		),
	}
}

func (b *Bytes) Get(size int) []byte {
	buf := b.pool.Get()
	if cap(*buf) < size {
		*buf = make([]byte, size)
		return *buf
	}
	s := (*buf)[:size]
	clear(s)
	return s
}

func (b *Bytes) Put(buf []byte) {
	if buf == nil {
		return
	}
	b.pool.Put(&buf)
}
