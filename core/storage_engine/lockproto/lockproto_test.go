package lockproto

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestReadersCoexistWithAWriter(t *testing.T) {
	lp := NewLockProtocol()

	r1 := lp.ReadAccess()
	r2 := lp.ReadAccess()
	w, ok := lp.TryWriteAccess()
	require.True(t, ok)

	r1.Release()
	r2.Release()
	w.Release()
}

func TestOnlyOneWriterAtATime(t *testing.T) {
	lp := NewLockProtocol()

	w := lp.WriteAccess()
	_, ok := lp.TryWriteAccess()
	require.False(t, ok)

	w.Release()
	w, ok = lp.TryWriteAccess()
	require.True(t, ok)
	w.Release()
}

func TestCommitExcludesReaders(t *testing.T) {
	lp := NewLockProtocol()

	w := lp.WriteAccess()
	c := lp.CommitAccess(w)
	_, ok := lp.TryReadAccess()
	require.False(t, ok)

	// Releasing the commit lock frees the writer slot as well.
	c.Release()
	r, ok := lp.TryReadAccess()
	require.True(t, ok)
	w, ok = lp.TryWriteAccess()
	require.True(t, ok)
	r.Release()
	w.Release()
}

func TestCommitUpgradeWaitsForReaders(t *testing.T) {
	lp := NewLockProtocol()

	r := lp.ReadAccess()
	w := lp.WriteAccess()
	_, ok := lp.TryCommitAccess(w)
	require.False(t, ok)

	// The failed upgrade leaves the writer lock intact.
	r.Release()
	c, ok := lp.TryCommitAccess(w)
	require.True(t, ok)
	c.Release()
}

func TestLockMisuseIsDetected(t *testing.T) {
	lp := NewLockProtocol()

	r := lp.ReadAccess()
	r.Release()
	require.Panics(t, func() { r.Release() })

	w := lp.WriteAccess()
	w.Release()
	require.Panics(t, func() { w.Release() })
	require.Panics(t, func() { lp.CommitAccess(w) })

	w = lp.WriteAccess()
	other := NewLockProtocol()
	require.Panics(t, func() { other.CommitAccess(w) })
	w.Release()
}
