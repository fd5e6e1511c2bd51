package cache

import (
	"sort"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/demirole/compoundfs/core/storage_engine/rawfile"
)

func modifyPages(t *testing.T, m *Manager, ids []rawfile.PageIndex, stamp func(i int) byte) {
	t.Helper()
	for i, id := range ids {
		p, err := m.LoadPage(id)
		require.NoError(t, err)
		m.MakePageWritable(p)
		p.Data()[0] = stamp(i)
		p.Release()
	}
}

func pageRange(n int) []rawfile.PageIndex {
	ids := make([]rawfile.PageIndex, n)
	for i := range ids {
		ids[i] = rawfile.PageIndex(i)
	}
	return ids
}

func TestCommitWritesNewPages(t *testing.T) {
	f := rawfile.NewMemoryFile()
	m := newTestManager(f)
	fillNewPages(t, m, 10)

	require.NoError(t, m.BuildCommitHandler().Commit())

	require.Equal(t, rawfile.PageIndex(10), fileSize(t, f))
	for i := 0; i < 10; i++ {
		require.Equal(t, byte(i+1), fileByte(t, f, rawfile.PageIndex(i)))
	}
	recs, err := ScanLogs(f)
	require.NoError(t, err)
	require.Empty(t, recs)
}

func TestEmptyCommitIsANoOp(t *testing.T) {
	f := rawfile.NewMemoryFile()
	m := newTestManager(f)
	require.NoError(t, m.BuildCommitHandler().Commit())
	require.Equal(t, rawfile.PageIndex(0), fileSize(t, f))
}

// Committing modified pages overwrites their committed locations and leaves
// no recovery state behind; the scratch copies and log pages are truncated
// away.
func TestCommitOverwritesCommittedPagesAndCleansUp(t *testing.T) {
	m, f := committedFile(t)
	modifyPages(t, m, pageRange(10), func(i int) byte { return byte(i + 10) })

	require.NoError(t, m.BuildCommitHandler().Commit())

	require.Equal(t, rawfile.PageIndex(10), fileSize(t, f))
	for i := 0; i < 10; i++ {
		require.Equal(t, byte(i+10), fileByte(t, f, rawfile.PageIndex(i)))
	}
	recs, err := ScanLogs(f)
	require.NoError(t, err)
	require.Empty(t, recs)
}

// Dirty pages already evicted to diverted locations are copied back to
// their committed locations during commit.
func TestCommitUpdatesPagesFromDivertedLocations(t *testing.T) {
	m, f := committedFile(t)
	modifyPages(t, m, pageRange(10), func(i int) byte { return byte(i + 10) })
	_, err := m.Trim(0)
	require.NoError(t, err)
	require.Equal(t, rawfile.PageIndex(20), fileSize(t, f))

	require.NoError(t, m.BuildCommitHandler().Commit())

	require.Equal(t, rawfile.PageIndex(20), fileSize(t, f))
	for i := 0; i < 10; i++ {
		require.Equal(t, byte(i+10), fileByte(t, f, rawfile.PageIndex(i)))
	}
	recs, err := ScanLogs(f)
	require.NoError(t, err)
	require.Empty(t, recs)
}

// The dirty page ids name the committed locations that will be overwritten,
// independent of where the current content happens to live.
func TestGetDirtyPageIdsCoversEvictedPages(t *testing.T) {
	m, _ := committedFile(t)
	modifyPages(t, m, pageRange(10), func(i int) byte { return byte(i + 10) })
	_, err := m.Trim(0)
	require.NoError(t, err)

	h := m.BuildCommitHandler()
	require.Equal(t, pageRange(10), h.GetDirtyPageIds())
	require.NoError(t, h.Commit())
}

// A crash after the copy and log phases leaves the committed content of
// every dirty page discoverable through the trailing log pages.
func TestInterruptedCommitLeavesRecoveryState(t *testing.T) {
	m, f := committedFile(t)
	modifyPages(t, m, pageRange(5), func(i int) byte { return byte(i + 10) })

	h := m.BuildCommitHandler()
	dirty := h.GetDirtyPageIds()
	require.Equal(t, pageRange(5), dirty)

	recs, err := h.CopyDirtyPages(dirty)
	require.NoError(t, err)
	require.Len(t, recs, 5)
	require.NoError(t, h.WriteLogs(recs))

	// Every copy preserves the committed byte of its original page.
	for _, rec := range recs {
		require.Equal(t, byte(rec.Original+1), fileByte(t, f, rec.Copy))
	}

	got, err := ScanLogs(f)
	require.NoError(t, err)
	sort.Slice(got, func(i, j int) bool { return got[i].Original < got[j].Original })
	require.Equal(t, recs, got)
}
