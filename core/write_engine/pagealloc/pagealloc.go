// Package pagealloc provides reference-counted page buffers backed by a
// block allocator. The cache manager uses the reference count to decide
// whether a page is pinned: a buffer only held by the cache has a count of
// one and may be evicted, any additional holder pins it in place.
package pagealloc

import (
	"sync"
	"sync/atomic"

	"github.com/demirole/compoundfs/core/storage_engine/rawfile"
)

// Buffer is one page-sized, reference-counted memory buffer. A fresh buffer
// starts with a count of one owned by the caller of Allocate.
type Buffer struct {
	alloc *Allocator
	data  []byte
	refs  atomic.Int32
}

// Data returns the page-sized backing slice.
func (b *Buffer) Data() []byte { return b.data }

// Retain adds a reference. Every Retain must be paired with a Release.
func (b *Buffer) Retain() *Buffer {
	b.refs.Add(1)
	return b
}

// Release drops a reference. When the last reference is dropped the buffer
// returns to its allocator's free list.
func (b *Buffer) Release() {
	n := b.refs.Add(-1)
	if n < 0 {
		panic("pagealloc: buffer released more often than retained")
	}
	if n == 0 {
		b.alloc.recycle(b)
	}
}

// RefCount returns the current reference count.
func (b *Buffer) RefCount() int32 { return b.refs.Load() }

// Allocator hands out page buffers carved from larger memory blocks to keep
// per-page allocation overhead low. Released buffers are reused before a new
// block is requested from the runtime.
type Allocator struct {
	mu            sync.Mutex
	free          []*Buffer
	pagesPerBlock int
}

// NewAllocator creates an allocator that grows in blocks of pagesPerBlock
// pages. pagesPerBlock must be positive.
func NewAllocator(pagesPerBlock int) *Allocator {
	if pagesPerBlock <= 0 {
		panic("pagealloc: pagesPerBlock must be positive")
	}
	return &Allocator{pagesPerBlock: pagesPerBlock}
}

// Allocate returns a zero-filled buffer with a reference count of one.
func (a *Allocator) Allocate() *Buffer {
	a.mu.Lock()
	if len(a.free) == 0 {
		a.grow()
	}
	b := a.free[len(a.free)-1]
	a.free = a.free[:len(a.free)-1]
	a.mu.Unlock()

	clear(b.data)
	b.refs.Store(1)
	return b
}

// FreePages returns the number of currently unused buffers held by the
// allocator.
func (a *Allocator) FreePages() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.free)
}

func (a *Allocator) grow() {
	block := make([]byte, a.pagesPerBlock*rawfile.PageSize)
	for i := 0; i < a.pagesPerBlock; i++ {
		a.free = append(a.free, &Buffer{
			alloc: a,
			data:  block[i*rawfile.PageSize : (i+1)*rawfile.PageSize : (i+1)*rawfile.PageSize],
		})
	}
}

func (a *Allocator) recycle(b *Buffer) {
	a.mu.Lock()
	a.free = append(a.free, b)
	a.mu.Unlock()
}
