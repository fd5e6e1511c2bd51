// Package freestore collects page indexes released by committed
// transactions and hands them back to the cache manager for reuse, so the
// compound file does not grow on every update.
package freestore

import (
	"sort"
	"sync"

	"github.com/demirole/compoundfs/core/storage_engine/rawfile"
)

// Store is the pool of reusable page indexes. Pages enter the pool through
// Deallocate after the transaction that freed them committed and leave it
// through the interval allocator of the next transaction.
type Store struct {
	mu   sync.Mutex
	free []rawfile.PageIndex
}

// New returns an empty store.
func New() *Store {
	return &Store{}
}

// Deallocate marks one page as reusable. Deallocating the same page twice
// is a protocol violation and panics.
func (s *Store) Deallocate(id rawfile.PageIndex) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.insert(id)
}

// DeallocateAll marks every page of ids as reusable.
func (s *Store) DeallocateAll(ids []rawfile.PageIndex) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		s.insert(id)
	}
}

func (s *Store) insert(id rawfile.PageIndex) {
	pos := sort.Search(len(s.free), func(i int) bool { return s.free[i] >= id })
	if pos < len(s.free) && s.free[pos] == id {
		panic("freestore: page deallocated twice")
	}
	s.free = append(s.free, 0)
	copy(s.free[pos+1:], s.free[pos:])
	s.free[pos] = id
}

// Size returns the number of pages currently available for reuse.
func (s *Store) Size() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.free)
}

// Allocate removes and returns a contiguous run of up to maxPages pages
// from the pool. An exhausted pool yields an interval beginning with
// InvalidPageIndex, which tells the cache manager to fall back to growing
// the file.
func (s *Store) Allocate(maxPages int) rawfile.Interval {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.free) == 0 || maxPages < 1 {
		return rawfile.Interval{Begin: rawfile.InvalidPageIndex, End: rawfile.InvalidPageIndex}
	}

	// The pool is sorted, so a contiguous run is a maximal prefix of
	// adjacent indexes starting at the lowest free page.
	n := 1
	for n < len(s.free) && n < maxPages && s.free[n] == s.free[n-1]+1 {
		n++
	}
	iv := rawfile.Interval{Begin: s.free[0], End: s.free[n-1] + 1}
	s.free = s.free[n:]
	return iv
}
