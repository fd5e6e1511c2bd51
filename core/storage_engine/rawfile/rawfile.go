// Package rawfile defines the page-oriented file abstraction the storage
// engine is built on, together with an in-memory implementation for tests
// and an OS-file implementation for production use.
package rawfile

import (
	"errors"

	"github.com/demirole/compoundfs/core/storage_engine/lockproto"
)

// PageSize is the fixed size of every page in bytes.
const PageSize = 4096

// PageIndex identifies a page inside a file. Page 0 is the first page.
type PageIndex = uint32

// InvalidPageIndex is the reserved sentinel; no valid page ever has it.
const InvalidPageIndex = ^PageIndex(0)

var (
	// ErrPageOutOfRange is returned when a page access addresses a page
	// beyond the current end of the file.
	ErrPageOutOfRange = errors.New("page index beyond end of file")
	// ErrInvalidPageOffset is returned when an intra-page offset and length
	// do not fit into a single page.
	ErrInvalidPageOffset = errors.New("page offset and length exceed page size")
	// ErrFileSizeLimit is returned when growing the file would exceed the
	// addressable page range.
	ErrFileSizeLimit = errors.New("file size limit reached")
	// ErrReadOnly is returned for mutating operations on a read-only file.
	ErrReadOnly = errors.New("file is opened read-only")
	// ErrFileLocked is returned when another process holds the file lock.
	ErrFileLocked = errors.New("file is locked by another process")
)

// Interval is a half-open range of page indexes [Begin, End).
type Interval struct {
	Begin PageIndex
	End   PageIndex
}

// Empty reports whether the interval contains no pages.
func (iv Interval) Empty() bool { return iv.Begin >= iv.End }

// Length returns the number of pages in the interval.
func (iv Interval) Length() PageIndex {
	if iv.Empty() {
		return 0
	}
	return iv.End - iv.Begin
}

// File is the page-oriented storage abstraction. All offsets are in bytes
// relative to the start of the addressed page and every access must stay
// within that single page.
type File interface {
	// NewInterval grows the file by maxPages pages and returns the newly
	// valid index range. Growing past the addressable page range fails with
	// ErrFileSizeLimit and leaves the file unchanged.
	NewInterval(maxPages int) (Interval, error)
	// WritePage writes data into page id starting at pageOffset.
	WritePage(id PageIndex, pageOffset int, data []byte) error
	// ReadPage fills buf from page id starting at pageOffset.
	ReadPage(id PageIndex, pageOffset int, buf []byte) error
	// CurrentSize returns the file size in pages.
	CurrentSize() (PageIndex, error)
	// Flush forces previously written pages to durable storage.
	Flush() error
	// Truncate shrinks the file to numberOfPages pages.
	Truncate(numberOfPages PageIndex) error

	// ReadAccess acquires a shared lock for a read transaction.
	ReadAccess() *lockproto.ReadLock
	// WriteAccess acquires the single-writer lock for a write transaction.
	WriteAccess() *lockproto.WriteLock
	// CommitAccess upgrades a write lock to the exclusive commit lock.
	CommitAccess(w *lockproto.WriteLock) *lockproto.CommitLock
}

// lockedFile provides the lock acquisition part of the File interface. Both
// file implementations embed it so every user of the same File value goes
// through the same protocol instance.
type lockedFile struct {
	lp *lockproto.LockProtocol
}

func newLockedFile() lockedFile {
	return lockedFile{lp: lockproto.NewLockProtocol()}
}

func (lf *lockedFile) ReadAccess() *lockproto.ReadLock   { return lf.lp.ReadAccess() }
func (lf *lockedFile) WriteAccess() *lockproto.WriteLock { return lf.lp.WriteAccess() }
func (lf *lockedFile) CommitAccess(w *lockproto.WriteLock) *lockproto.CommitLock {
	return lf.lp.CommitAccess(w)
}

func checkPageRange(pageOffset, length int) error {
	if pageOffset < 0 || length < 0 || pageOffset+length > PageSize {
		return ErrInvalidPageOffset
	}
	return nil
}
