package cache

import (
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/demirole/compoundfs/core/storage_engine/rawfile"
)

func newTestManager(file rawfile.File) *Manager {
	return NewManager(file, 1000, zap.NewNop(), nil)
}

// fillNewPages allocates count fresh pages through the cache and stamps the
// first byte of page i with i+1.
func fillNewPages(t *testing.T, m *Manager, count int) {
	t.Helper()
	for i := 0; i < count; i++ {
		p, err := m.NewPage()
		require.NoError(t, err)
		require.Equal(t, rawfile.PageIndex(i), p.Id())
		p.Data()[0] = byte(i + 1)
		p.Release()
	}
}

func fileByte(t *testing.T, f rawfile.File, id rawfile.PageIndex) byte {
	t.Helper()
	buf := make([]byte, 1)
	require.NoError(t, f.ReadPage(id, 0, buf))
	return buf[0]
}

func fileSize(t *testing.T, f rawfile.File) rawfile.PageIndex {
	t.Helper()
	size, err := f.CurrentSize()
	require.NoError(t, err)
	return size
}

// A fresh page lives in the cache only; its file location stays zeroed until
// the page is evicted or committed.
func TestNewPageIsCachedButNotWritten(t *testing.T) {
	f := rawfile.NewMemoryFile()
	m := newTestManager(f)

	p, err := m.NewPage()
	require.NoError(t, err)
	p.Data()[0] = 42
	p.Release()

	require.Equal(t, 1, m.CachedPages())
	require.Equal(t, byte(0), fileByte(t, f, p.Id()))
}

func TestLoadPageReadsThroughTheCache(t *testing.T) {
	f := rawfile.NewMemoryFile()
	_, err := f.NewInterval(1)
	require.NoError(t, err)
	require.NoError(t, f.WritePage(0, 0, []byte{7}))

	m := newTestManager(f)
	p, err := m.LoadPage(0)
	require.NoError(t, err)
	require.Equal(t, byte(7), p.Data()[0])
	p.Release()

	// The second load must not touch the file again; mutate the file copy
	// and expect the cached content.
	require.NoError(t, f.WritePage(0, 0, []byte{8}))
	p, err = m.LoadPage(0)
	require.NoError(t, err)
	require.Equal(t, byte(7), p.Data()[0])
	p.Release()
}

func TestLoadPageBeyondEndOfFileFails(t *testing.T) {
	m := newTestManager(rawfile.NewMemoryFile())
	_, err := m.LoadPage(17)
	require.ErrorIs(t, err, rawfile.ErrPageOutOfRange)
}

func TestTrimReducesSizeOfCache(t *testing.T) {
	m := newTestManager(rawfile.NewMemoryFile())
	fillNewPages(t, m, 10)

	for _, step := range []struct{ target, want int }{
		{20, 10}, {9, 9}, {5, 5}, {0, 0},
	} {
		n, err := m.Trim(step.target)
		require.NoError(t, err)
		require.Equal(t, step.want, n)
		require.Equal(t, step.want, m.CachedPages())
	}
}

func TestNewPagesAreWrittenToFileOnTrim(t *testing.T) {
	f := rawfile.NewMemoryFile()
	m := newTestManager(f)
	fillNewPages(t, m, 10)

	_, err := m.Trim(0)
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		require.Equal(t, byte(i+1), fileByte(t, f, rawfile.PageIndex(i)))
	}
}

func TestPinnedPagesSurviveTrim(t *testing.T) {
	m := newTestManager(rawfile.NewMemoryFile())
	fillNewPages(t, m, 10)

	p1, err := m.LoadPage(3)
	require.NoError(t, err)
	p2, err := m.LoadPage(7)
	require.NoError(t, err)

	n, err := m.Trim(0)
	require.NoError(t, err)
	require.Equal(t, 2, n)

	p1.Release()
	p2.Release()
	n, err = m.Trim(0)
	require.NoError(t, err)
	require.Equal(t, 0, n)
}

// A page allocated in the current transaction keeps writing to its own
// location, even after it was evicted and loaded back in.
func TestEvictedNewPageIsUpdatedInPlace(t *testing.T) {
	f := rawfile.NewMemoryFile()
	m := newTestManager(f)
	fillNewPages(t, m, 10)
	_, err := m.Trim(0)
	require.NoError(t, err)

	for i := 0; i < 10; i++ {
		p, err := m.LoadPage(rawfile.PageIndex(i))
		require.NoError(t, err)
		m.MakePageWritable(p)
		p.Data()[0] = byte(i + 10)
		p.Release()
	}
	_, err = m.Trim(0)
	require.NoError(t, err)

	require.Equal(t, rawfile.PageIndex(10), fileSize(t, f))
	for i := 0; i < 10; i++ {
		require.Equal(t, byte(i+10), fileByte(t, f, rawfile.PageIndex(i)))
	}
}

// Writing through a read handle without marking the page dirty is a
// protocol violation; the cache is free to drop the changes.
func TestUnmarkedModificationIsLostOnTrim(t *testing.T) {
	f := rawfile.NewMemoryFile()
	m := newTestManager(f)
	fillNewPages(t, m, 10)
	_, err := m.Trim(0)
	require.NoError(t, err)

	p, err := m.LoadPage(4)
	require.NoError(t, err)
	p.Data()[0] = 99
	p.Release()
	_, err = m.Trim(0)
	require.NoError(t, err)

	require.Equal(t, byte(5), fileByte(t, f, 4))
}

// committedFile returns a file holding ten committed pages with bytes 1..10
// together with a fresh manager attached to it, modeling the start of a new
// transaction over previously committed data.
func committedFile(t *testing.T) (*Manager, *rawfile.MemoryFile) {
	t.Helper()
	f := rawfile.NewMemoryFile()
	m := newTestManager(f)
	fillNewPages(t, m, 10)
	require.NoError(t, m.BuildCommitHandler().Commit())
	return newTestManager(m.HandOverFile()), f
}

// Evicting a modified committed page must not overwrite the committed
// content; the page is written to a diverted location instead and later
// loads follow the diversion.
func TestDirtyPagesAreDivertedOnEviction(t *testing.T) {
	m, f := committedFile(t)

	for i := 0; i < 10; i++ {
		p, err := m.LoadPage(rawfile.PageIndex(i))
		require.NoError(t, err)
		m.MakePageWritable(p)
		p.Data()[0] = byte(i + 10)
		p.Release()
	}
	_, err := m.Trim(0)
	require.NoError(t, err)

	require.Equal(t, rawfile.PageIndex(20), fileSize(t, f))
	diverted := m.GetDivertedPageIds()
	require.Len(t, diverted, 10)
	for _, id := range diverted {
		require.GreaterOrEqual(t, id, rawfile.PageIndex(10))
	}
	for i := 0; i < 10; i++ {
		require.Equal(t, byte(i+1), fileByte(t, f, rawfile.PageIndex(i)))
		p, err := m.LoadPage(rawfile.PageIndex(i))
		require.NoError(t, err)
		require.Equal(t, byte(i+10), p.Data()[0])
		p.Release()
	}
}

// A diverted location holds no committed data, so a second eviction of the
// same page writes in place instead of diverting again.
func TestDirtyPagesCanBeEvictedTwice(t *testing.T) {
	m, f := committedFile(t)

	for round := 0; round < 2; round++ {
		for i := 0; i < 10; i++ {
			p, err := m.LoadPage(rawfile.PageIndex(i))
			require.NoError(t, err)
			m.MakePageWritable(p)
			p.Data()[0] = byte(i + 10*(round+1))
			p.Release()
		}
		_, err := m.Trim(0)
		require.NoError(t, err)
	}

	require.Equal(t, rawfile.PageIndex(20), fileSize(t, f))
	require.Len(t, m.GetDivertedPageIds(), 10)
	for i := 0; i < 10; i++ {
		require.Equal(t, byte(i+1), fileByte(t, f, rawfile.PageIndex(i)))
		p, err := m.LoadPage(rawfile.PageIndex(i))
		require.NoError(t, err)
		require.Equal(t, byte(i+20), p.Data()[0])
		p.Release()
	}
}

func TestRepurposeServesCachedContent(t *testing.T) {
	m := newTestManager(rawfile.NewMemoryFile())
	p, err := m.NewPage()
	require.NoError(t, err)
	p.Data()[0] = 42
	id := p.Id()
	p.Release()

	r := m.Repurpose(id)
	require.Equal(t, byte(42), r.Data()[0])
	r.Release()
}

func TestRepurposeSkipsFileRead(t *testing.T) {
	f := rawfile.NewMemoryFile()
	m := newTestManager(f)
	fillNewPages(t, m, 1)
	_, err := m.Trim(0)
	require.NoError(t, err)
	require.Equal(t, byte(1), fileByte(t, f, 0))

	r := m.Repurpose(0)
	require.Equal(t, byte(0), r.Data()[0])
	r.Release()
}

func TestPageIntervalAllocatorIsConsultedFirst(t *testing.T) {
	f := rawfile.NewMemoryFile()
	_, err := f.NewInterval(10)
	require.NoError(t, err)
	m := newTestManager(f)

	used := false
	m.SetPageIntervalAllocator(func(maxPages int) rawfile.Interval {
		if used {
			return rawfile.Interval{Begin: rawfile.InvalidPageIndex, End: rawfile.InvalidPageIndex}
		}
		used = true
		return rawfile.Interval{Begin: 5, End: 6}
	})

	p, err := m.NewPage()
	require.NoError(t, err)
	require.Equal(t, rawfile.PageIndex(5), p.Id())
	p.Release()

	// The exhausted allocator is dropped and the file grows again.
	p, err = m.NewPage()
	require.NoError(t, err)
	require.Equal(t, rawfile.PageIndex(10), p.Id())
	p.Release()
}
