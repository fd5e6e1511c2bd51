package rawfile

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// OpenMode controls how an OSFile is opened.
type OpenMode int

const (
	// OpenModeCreate truncates an existing file or creates a new one.
	OpenModeCreate OpenMode = iota
	// OpenModeOpen opens an existing file for reading and writing, creating
	// it when absent.
	OpenModeOpen
	// OpenModeReadOnly opens an existing file for reading only.
	OpenModeReadOnly
)

// OSFile implements File on top of an operating system file. An advisory
// flock guards the file against concurrent use from other processes;
// in-process coordination goes through the lock protocol.
type OSFile struct {
	lockedFile
	file     *os.File
	readOnly bool
}

var _ File = (*OSFile)(nil)

// OpenOSFile opens path according to mode and takes the advisory file lock.
// Read-only opens take a shared lock, writable opens an exclusive one. If
// another process already holds a conflicting lock, ErrFileLocked is
// returned.
func OpenOSFile(path string, mode OpenMode) (*OSFile, error) {
	var flags int
	switch mode {
	case OpenModeCreate:
		flags = os.O_RDWR | os.O_CREATE | os.O_TRUNC
	case OpenModeOpen:
		flags = os.O_RDWR | os.O_CREATE
	case OpenModeReadOnly:
		flags = os.O_RDONLY
	default:
		return nil, fmt.Errorf("unknown open mode %d", mode)
	}

	file, err := os.OpenFile(path, flags, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}

	how := unix.LOCK_EX
	if mode == OpenModeReadOnly {
		how = unix.LOCK_SH
	}
	if err := unix.Flock(int(file.Fd()), how|unix.LOCK_NB); err != nil {
		file.Close()
		if err == unix.EWOULDBLOCK {
			return nil, fmt.Errorf("%s: %w", path, ErrFileLocked)
		}
		return nil, fmt.Errorf("failed to lock %s: %w", path, err)
	}

	return &OSFile{
		lockedFile: newLockedFile(),
		file:       file,
		readOnly:   mode == OpenModeReadOnly,
	}, nil
}

// NewInterval extends the file by maxPages pages. The new pages read as
// zeroes until written.
func (f *OSFile) NewInterval(maxPages int) (Interval, error) {
	if f.readOnly {
		return Interval{}, ErrReadOnly
	}
	size, err := f.CurrentSize()
	if err != nil {
		return Interval{}, err
	}
	if uint64(size)+uint64(maxPages) >= uint64(InvalidPageIndex) {
		return Interval{}, ErrFileSizeLimit
	}
	end := size + PageIndex(maxPages)
	if err := f.file.Truncate(int64(end) * PageSize); err != nil {
		return Interval{}, fmt.Errorf("failed to grow file to %d pages: %w", end, err)
	}
	return Interval{Begin: size, End: end}, nil
}

func (f *OSFile) WritePage(id PageIndex, pageOffset int, data []byte) error {
	if f.readOnly {
		return ErrReadOnly
	}
	if err := checkPageRange(pageOffset, len(data)); err != nil {
		return err
	}
	size, err := f.CurrentSize()
	if err != nil {
		return err
	}
	if id >= size {
		return ErrPageOutOfRange
	}
	off := int64(id)*PageSize + int64(pageOffset)
	if _, err := f.file.WriteAt(data, off); err != nil {
		return fmt.Errorf("failed to write page %d: %w", id, err)
	}
	return nil
}

func (f *OSFile) ReadPage(id PageIndex, pageOffset int, buf []byte) error {
	if err := checkPageRange(pageOffset, len(buf)); err != nil {
		return err
	}
	size, err := f.CurrentSize()
	if err != nil {
		return err
	}
	if id >= size {
		return ErrPageOutOfRange
	}
	off := int64(id)*PageSize + int64(pageOffset)
	if _, err := f.file.ReadAt(buf, off); err != nil {
		return fmt.Errorf("failed to read page %d: %w", id, err)
	}
	return nil
}

// CurrentSize returns the size in whole pages. A trailing partial page, which
// only a crash during NewInterval can leave behind, is not counted.
func (f *OSFile) CurrentSize() (PageIndex, error) {
	info, err := f.file.Stat()
	if err != nil {
		return 0, fmt.Errorf("failed to stat file: %w", err)
	}
	return PageIndex(info.Size() / PageSize), nil
}

func (f *OSFile) Flush() error {
	if f.readOnly {
		return nil
	}
	if err := f.file.Sync(); err != nil {
		return fmt.Errorf("failed to sync file: %w", err)
	}
	return nil
}

func (f *OSFile) Truncate(numberOfPages PageIndex) error {
	if f.readOnly {
		return ErrReadOnly
	}
	size, err := f.CurrentSize()
	if err != nil {
		return err
	}
	if numberOfPages >= size {
		return nil
	}
	if err := f.file.Truncate(int64(numberOfPages) * PageSize); err != nil {
		return fmt.Errorf("failed to truncate to %d pages: %w", numberOfPages, err)
	}
	return nil
}

// Close releases the advisory lock and closes the underlying file.
func (f *OSFile) Close() error {
	_ = unix.Flock(int(f.file.Fd()), unix.LOCK_UN)
	return f.file.Close()
}
