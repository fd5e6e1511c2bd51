package pagealloc

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/demirole/compoundfs/core/storage_engine/rawfile"
)

func TestAllocateReturnsZeroFilledBuffer(t *testing.T) {
	a := NewAllocator(4)
	b := a.Allocate()
	require.Len(t, b.Data(), rawfile.PageSize)
	require.Equal(t, int32(1), b.RefCount())
	for _, v := range b.Data() {
		require.Zero(t, v)
	}
	b.Release()
}

func TestReleasedBuffersAreRecycled(t *testing.T) {
	a := NewAllocator(4)
	b := a.Allocate()
	require.Equal(t, 3, a.FreePages())
	b.Data()[0] = 0xFF
	b.Release()
	require.Equal(t, 4, a.FreePages())

	// A recycled buffer comes back clean.
	b = a.Allocate()
	require.Zero(t, b.Data()[0])
	b.Release()
}

func TestRetainPinsTheBuffer(t *testing.T) {
	a := NewAllocator(4)
	b := a.Allocate()
	b.Retain()
	require.Equal(t, int32(2), b.RefCount())

	b.Release()
	require.Equal(t, 3, a.FreePages())
	b.Release()
	require.Equal(t, 4, a.FreePages())
}

func TestAllocatorGrowsInBlocks(t *testing.T) {
	a := NewAllocator(4)
	buffers := make([]*Buffer, 5)
	for i := range buffers {
		buffers[i] = a.Allocate()
	}
	require.Equal(t, 3, a.FreePages())
	for _, b := range buffers {
		b.Release()
	}
	require.Equal(t, 8, a.FreePages())
}

func TestOverReleasePanics(t *testing.T) {
	a := NewAllocator(1)
	b := a.Allocate()
	b.Release()
	require.Panics(t, func() { b.Release() })
}

func TestInvalidBlockSizePanics(t *testing.T) {
	require.Panics(t, func() { NewAllocator(0) })
}
