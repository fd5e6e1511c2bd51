package rawfile

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMemoryFileGrowsByIntervals(t *testing.T) {
	f := NewMemoryFile()
	size, err := f.CurrentSize()
	require.NoError(t, err)
	require.Equal(t, PageIndex(0), size)

	iv, err := f.NewInterval(3)
	require.NoError(t, err)
	require.Equal(t, Interval{Begin: 0, End: 3}, iv)
	require.Equal(t, PageIndex(3), iv.Length())

	iv, err = f.NewInterval(2)
	require.NoError(t, err)
	require.Equal(t, Interval{Begin: 3, End: 5}, iv)

	size, err = f.CurrentSize()
	require.NoError(t, err)
	require.Equal(t, PageIndex(5), size)
}

func TestMemoryFileReadsWhatWasWritten(t *testing.T) {
	f := NewMemoryFile()
	_, err := f.NewInterval(2)
	require.NoError(t, err)

	require.NoError(t, f.WritePage(1, 100, []byte("payload")))

	buf := make([]byte, 7)
	require.NoError(t, f.ReadPage(1, 100, buf))
	require.Equal(t, "payload", string(buf))

	// The neighbouring page stays untouched.
	require.NoError(t, f.ReadPage(0, 100, buf))
	require.Equal(t, make([]byte, 7), buf)
}

func TestMemoryFileRejectsInvalidAccess(t *testing.T) {
	f := NewMemoryFile()
	_, err := f.NewInterval(1)
	require.NoError(t, err)

	require.ErrorIs(t, f.WritePage(1, 0, []byte{1}), ErrPageOutOfRange)
	require.ErrorIs(t, f.ReadPage(1, 0, make([]byte, 1)), ErrPageOutOfRange)
	require.ErrorIs(t, f.WritePage(0, PageSize, []byte{1}), ErrInvalidPageOffset)
	require.ErrorIs(t, f.ReadPage(0, PageSize-1, make([]byte, 2)), ErrInvalidPageOffset)
	require.ErrorIs(t, f.WritePage(0, -1, []byte{1}), ErrInvalidPageOffset)
}

func TestMemoryFileTruncateShrinksOnly(t *testing.T) {
	f := NewMemoryFile()
	_, err := f.NewInterval(5)
	require.NoError(t, err)

	require.NoError(t, f.Truncate(2))
	size, err := f.CurrentSize()
	require.NoError(t, err)
	require.Equal(t, PageIndex(2), size)

	require.NoError(t, f.Truncate(10))
	size, err = f.CurrentSize()
	require.NoError(t, err)
	require.Equal(t, PageIndex(2), size)
}

func TestMemoryFileCloneIsIndependent(t *testing.T) {
	f := NewMemoryFile()
	_, err := f.NewInterval(1)
	require.NoError(t, err)
	require.NoError(t, f.WritePage(0, 0, []byte{1}))

	clone := f.Clone()
	require.NoError(t, f.WritePage(0, 0, []byte{2}))

	buf := make([]byte, 1)
	require.NoError(t, clone.ReadPage(0, 0, buf))
	require.Equal(t, byte(1), buf[0])
}
