package cache

import (
	"sort"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/demirole/compoundfs/core/storage_engine/rawfile"
)

func TestLogPageHoldsRecords(t *testing.T) {
	buf := make([]byte, rawfile.PageSize)
	lp := newLogPage(buf)
	require.True(t, hasLogSignature(buf))
	require.Equal(t, 0, lp.count())

	recs := []DivertRecord{{Original: 1, Copy: 11}, {Original: 2, Copy: 12}, {Original: 3, Copy: 13}}
	for _, rec := range recs {
		require.True(t, lp.pushBack(rec))
	}
	require.Equal(t, recs, lp.records())
}

func TestLogPageCapacity(t *testing.T) {
	require.Equal(t, 510, MaxLogRecordsPerPage)

	lp := newLogPage(make([]byte, rawfile.PageSize))
	for i := 0; i < MaxLogRecordsPerPage; i++ {
		require.True(t, lp.pushBack(DivertRecord{Original: rawfile.PageIndex(i), Copy: rawfile.PageIndex(i + 1)}))
	}
	require.True(t, lp.full())
	require.False(t, lp.pushBack(DivertRecord{}))
	require.Len(t, lp.records(), MaxLogRecordsPerPage)
}

func TestDataPagesCarryNoLogSignature(t *testing.T) {
	require.False(t, hasLogSignature(make([]byte, rawfile.PageSize)))
	page := make([]byte, rawfile.PageSize)
	page[0] = 0x01
	require.False(t, hasLogSignature(page))
}

func TestScanLogsOnFileWithoutLogs(t *testing.T) {
	f := rawfile.NewMemoryFile()
	recs, err := ScanLogs(f)
	require.NoError(t, err)
	require.Empty(t, recs)

	m := newTestManager(f)
	fillNewPages(t, m, 3)
	require.NoError(t, m.BuildCommitHandler().Commit())
	recs, err = ScanLogs(f)
	require.NoError(t, err)
	require.Empty(t, recs)
}

// Records that do not fit into one log page spill over into further pages;
// scanning the file back in recovers all of them.
func TestWriteLogsSpansMultiplePages(t *testing.T) {
	f := rawfile.NewMemoryFile()
	m := newTestManager(f)
	fillNewPages(t, m, 1)
	require.NoError(t, m.BuildCommitHandler().Commit())

	recs := make([]DivertRecord, 1000)
	for i := range recs {
		recs[i] = DivertRecord{Original: rawfile.PageIndex(i), Copy: rawfile.PageIndex(i + 1000)}
	}
	m = newTestManager(f)
	h := m.BuildCommitHandler()
	require.NoError(t, h.WriteLogs(append([]DivertRecord(nil), recs...)))
	require.Equal(t, rawfile.PageIndex(3), fileSize(t, f))

	got, err := ScanLogs(f)
	require.NoError(t, err)
	sort.Slice(got, func(i, j int) bool { return got[i].Original < got[j].Original })
	require.Equal(t, recs, got)
}
