// Package lockproto implements the three-stage locking protocol used by the
// storage engine to coordinate readers, a single writer and the commit phase
// over one shared file.
package lockproto

import "sync"

// LockProtocol owns the three mutexes of the protocol. Acquisition always
// goes signal first, then the target mutex, then the signal mutex is
// released. The signal mutex is never held while blocking on user code, it
// only serializes the acquisition step so a committer cannot be starved by a
// steady stream of new readers.
type LockProtocol struct {
	signal sync.Mutex
	shared sync.RWMutex
	writer sync.Mutex
}

// NewLockProtocol creates an unlocked protocol instance.
func NewLockProtocol() *LockProtocol {
	return &LockProtocol{}
}

// ReadLock is a held shared lock. Readers may coexist with each other and
// with a writer, but not with a committer.
type ReadLock struct {
	lp       *LockProtocol
	released bool
}

// WriteLock is the held writer lock. At most one writer exists at a time;
// readers continue in parallel.
type WriteLock struct {
	lp       *LockProtocol
	released bool
}

// CommitLock is the exclusive lock held during commit. It subsumes the
// writer lock it was upgraded from and additionally excludes all readers.
type CommitLock struct {
	lp       *LockProtocol
	released bool
}

// ReadAccess blocks until shared access is granted.
func (lp *LockProtocol) ReadAccess() *ReadLock {
	lp.signal.Lock()
	lp.shared.RLock()
	lp.signal.Unlock()
	return &ReadLock{lp: lp}
}

// TryReadAccess attempts to take shared access without blocking. On failure
// no mutex remains held.
func (lp *LockProtocol) TryReadAccess() (*ReadLock, bool) {
	if !lp.signal.TryLock() {
		return nil, false
	}
	if !lp.shared.TryRLock() {
		lp.signal.Unlock()
		return nil, false
	}
	lp.signal.Unlock()
	return &ReadLock{lp: lp}, true
}

// WriteAccess blocks until the single writer slot is granted.
func (lp *LockProtocol) WriteAccess() *WriteLock {
	lp.signal.Lock()
	lp.writer.Lock()
	lp.signal.Unlock()
	return &WriteLock{lp: lp}
}

// TryWriteAccess attempts to take the writer slot without blocking. On
// failure no mutex remains held.
func (lp *LockProtocol) TryWriteAccess() (*WriteLock, bool) {
	if !lp.signal.TryLock() {
		return nil, false
	}
	if !lp.writer.TryLock() {
		lp.signal.Unlock()
		return nil, false
	}
	lp.signal.Unlock()
	return &WriteLock{lp: lp}, true
}

// CommitAccess upgrades a writer lock to the exclusive commit lock. The
// writer lock is consumed; releasing the returned CommitLock releases the
// writer slot as well. Passing a lock obtained from a different protocol
// instance panics.
func (lp *LockProtocol) CommitAccess(w *WriteLock) *CommitLock {
	w.mustBelongTo(lp)
	lp.signal.Lock()
	lp.shared.Lock()
	lp.signal.Unlock()
	w.released = true
	return &CommitLock{lp: lp}
}

// TryCommitAccess attempts the upgrade without blocking. On failure the
// writer lock stays intact and usable.
func (lp *LockProtocol) TryCommitAccess(w *WriteLock) (*CommitLock, bool) {
	w.mustBelongTo(lp)
	if !lp.signal.TryLock() {
		return nil, false
	}
	if !lp.shared.TryLock() {
		lp.signal.Unlock()
		return nil, false
	}
	lp.signal.Unlock()
	w.released = true
	return &CommitLock{lp: lp}, true
}

func (w *WriteLock) mustBelongTo(lp *LockProtocol) {
	if w == nil || w.released {
		panic("lockproto: commit upgrade from a released write lock")
	}
	if w.lp != lp {
		panic("lockproto: write lock belongs to a different protocol instance")
	}
}

// Release gives up shared access. Releasing twice panics.
func (r *ReadLock) Release() {
	if r.released {
		panic("lockproto: read lock released twice")
	}
	r.released = true
	r.lp.shared.RUnlock()
}

// Release gives up the writer slot. Releasing twice, or releasing after the
// lock was upgraded to a commit lock, panics.
func (w *WriteLock) Release() {
	if w.released {
		panic("lockproto: write lock released twice")
	}
	w.released = true
	w.lp.writer.Unlock()
}

// Release gives up both the exclusive access and the underlying writer
// slot. Releasing twice panics.
func (c *CommitLock) Release() {
	if c.released {
		panic("lockproto: commit lock released twice")
	}
	c.released = true
	c.lp.shared.Unlock()
	c.lp.writer.Unlock()
}
