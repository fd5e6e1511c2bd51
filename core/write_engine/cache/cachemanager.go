// Package cache implements the transactional page cache of the storage
// engine. Pages are classified as read, new or dirty; dirty pages evicted
// under memory pressure are written to freshly allocated locations and
// tracked in a diversion map so the committed file image stays untouched
// until commit.
package cache

import (
	"fmt"
	"sort"
	"sync"

	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/demirole/compoundfs/core/storage_engine/rawfile"
	"github.com/demirole/compoundfs/core/write_engine/pagealloc"
)

// DefaultMaxCachedPages is the cache capacity used when none is configured.
const DefaultMaxCachedPages = 256

// PageClass describes what the cache knows about a page's relation to the
// committed file image.
type PageClass int

const (
	// PageClassRead pages mirror the file and can be dropped without a
	// write.
	PageClassRead PageClass = iota
	// PageClassNew pages were allocated in the current transaction; their
	// location holds no committed data, so eviction writes them in place.
	PageClassNew
	// PageClassDirty pages modify committed data; eviction writes them to a
	// diverted location to preserve the committed image.
	PageClassDirty
)

func (c PageClass) String() string {
	switch c {
	case PageClassRead:
		return "read"
	case PageClassNew:
		return "new"
	case PageClassDirty:
		return "dirty"
	default:
		return fmt.Sprintf("class(%d)", int(c))
	}
}

// PageRef is a handle to a pinned cached page. The page cannot be evicted
// while the handle is held; callers release it when done. The Id is the
// logical page index, unaffected by any diversion.
type PageRef struct {
	buffer *pagealloc.Buffer
	id     rawfile.PageIndex
}

// Id returns the logical page index.
func (p PageRef) Id() rawfile.PageIndex { return p.id }

// Data returns the page content. Writing through it is only legal after
// MakePageWritable or Repurpose.
func (p PageRef) Data() []byte { return p.buffer.Data() }

// Release unpins the page. The handle must not be used afterwards.
func (p PageRef) Release() { p.buffer.Release() }

type cachedPage struct {
	buffer *pagealloc.Buffer
	class  PageClass
	usage  int64
}

type victim struct {
	id rawfile.PageIndex
	cp *cachedPage
}

// IntervalAllocator hands out page intervals for reuse, typically backed by
// the free store. Returning an interval with Begin == InvalidPageIndex
// signals exhaustion.
type IntervalAllocator func(maxPages int) rawfile.Interval

// Manager is the transactional page cache over a single raw file.
type Manager struct {
	log     *zap.Logger
	metrics *cacheMetrics

	mu            sync.Mutex
	file          rawfile.File
	alloc         *pagealloc.Allocator
	maxPages      int
	pages         map[rawfile.PageIndex]*cachedPage
	diversions    map[rawfile.PageIndex]rawfile.PageIndex
	newPages      map[rawfile.PageIndex]struct{}
	intervalAlloc IntervalAllocator
}

// NewManager creates a cache manager over file. maxPages values below one
// select DefaultMaxCachedPages. A nil logger disables logging, a nil meter
// disables metrics.
func NewManager(file rawfile.File, maxPages int, logger *zap.Logger, meter metric.Meter) *Manager {
	if maxPages < 1 {
		maxPages = DefaultMaxCachedPages
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		log:        logger,
		metrics:    newCacheMetrics(meter),
		file:       file,
		alloc:      pagealloc.NewAllocator(16),
		maxPages:   maxPages,
		pages:      make(map[rawfile.PageIndex]*cachedPage),
		diversions: make(map[rawfile.PageIndex]rawfile.PageIndex),
		newPages:   make(map[rawfile.PageIndex]struct{}),
	}
}

// NewPage allocates a fresh page and returns it pinned and writable. The
// page lives only in the cache until it is evicted or committed.
func (m *Manager) NewPage() (PageRef, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	iv, err := m.allocatePageInterval(1)
	if err != nil {
		return PageRef{}, err
	}
	id := iv.Begin
	buf := m.alloc.Allocate()
	m.pages[id] = &cachedPage{buffer: buf.Retain(), class: PageClassNew}
	m.newPages[id] = struct{}{}
	m.trimCheck()
	return PageRef{buffer: buf, id: id}, nil
}

// LoadPage returns the page with the given logical index, reading it from
// its current physical location unless it is already cached.
func (m *Manager) LoadPage(id rawfile.PageIndex) (PageRef, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	physical := m.redirect(id)
	if cp, ok := m.pages[physical]; ok {
		cp.usage++
		m.metrics.cacheHits.Add(bg, 1)
		return PageRef{buffer: cp.buffer.Retain(), id: id}, nil
	}

	buf := m.alloc.Allocate()
	if err := m.file.ReadPage(physical, 0, buf.Data()); err != nil {
		buf.Release()
		return PageRef{}, fmt.Errorf("failed to load page %d: %w", id, err)
	}
	m.pages[physical] = &cachedPage{buffer: buf.Retain(), class: PageClassRead}
	m.metrics.pageLoads.Add(bg, 1)
	m.trimCheck()
	return PageRef{buffer: buf, id: id}, nil
}

// Repurpose returns the page pinned and writable without reading it from
// the file. Use it when the content is about to be fully overwritten.
func (m *Manager) Repurpose(id rawfile.PageIndex) PageRef {
	m.mu.Lock()
	defer m.mu.Unlock()

	physical := m.redirect(id)
	class := PageClassDirty
	if _, isNew := m.newPages[physical]; isNew {
		class = PageClassNew
	}
	if cp, ok := m.pages[physical]; ok {
		cp.usage++
		cp.class = class
		m.metrics.cacheHits.Add(bg, 1)
		return PageRef{buffer: cp.buffer.Retain(), id: id}
	}
	buf := m.alloc.Allocate()
	m.pages[physical] = &cachedPage{buffer: buf.Retain(), class: class}
	m.trimCheck()
	return PageRef{buffer: buf, id: id}
}

// MakePageWritable marks the page behind an existing handle as dirty so its
// modifications survive eviction and commit.
func (m *Manager) MakePageWritable(p PageRef) PageRef {
	m.SetPageDirty(p.id)
	return p
}

// SetPageDirty marks a currently cached page as modified. Calling it for a
// page that is not cached is a protocol violation and panics; holders of a
// PageRef always have the page cached because the handle pins it.
func (m *Manager) SetPageDirty(id rawfile.PageIndex) {
	m.mu.Lock()
	defer m.mu.Unlock()

	physical := m.redirect(id)
	cp, ok := m.pages[physical]
	if !ok {
		panic(fmt.Sprintf("cache: SetPageDirty for uncached page %d", id))
	}
	if _, isNew := m.newPages[physical]; isNew {
		cp.class = PageClassNew
	} else if cp.class != PageClassNew {
		cp.class = PageClassDirty
	}
}

// SetPageIntervalAllocator installs an allocator that is consulted before
// growing the file, allowing freed pages to be reused. It stays installed
// until it signals exhaustion.
func (m *Manager) SetPageIntervalAllocator(fn IntervalAllocator) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.intervalAlloc = fn
}

// Trim evicts unpinned pages until at most target pages remain cached and
// returns the number of pages still cached. Pinned pages are never evicted,
// so the result can exceed target.
func (m *Manager) Trim(target int) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.trim(target)
}

// CachedPages returns the current number of cached pages.
func (m *Manager) CachedPages() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pages)
}

// trimCheck keeps the cache below its configured capacity by trimming down
// to three quarters of it once the capacity is exceeded.
func (m *Manager) trimCheck() {
	if len(m.pages) > m.maxPages {
		if _, err := m.trim(m.maxPages * 3 / 4); err != nil {
			m.log.Error("cache trim failed", zap.Error(err))
		}
	}
}

func (m *Manager) trim(target int) (int, error) {
	if len(m.pages) <= target {
		return len(m.pages), nil
	}

	candidates := make([]victim, 0, len(m.pages))
	for id, cp := range m.pages {
		if cp.buffer.RefCount() == 1 {
			candidates = append(candidates, victim{id: id, cp: cp})
		}
	}

	toEvict := len(m.pages) - target
	if toEvict > len(candidates) {
		toEvict = len(candidates)
	}
	if toEvict == 0 {
		return len(m.pages), nil
	}

	// Cheapest victims first: reads cost nothing, new pages one write,
	// dirty pages a write plus a diversion. Within a class the least used
	// page goes first.
	sort.Slice(candidates, func(i, j int) bool {
		ci, cj := candidates[i].cp, candidates[j].cp
		if ci.class != cj.class {
			return ci.class < cj.class
		}
		return ci.usage < cj.usage
	})
	victims := candidates[:toEvict]

	var dirty, fresh []victim
	for _, v := range victims {
		switch v.cp.class {
		case PageClassDirty:
			dirty = append(dirty, v)
		case PageClassNew:
			fresh = append(fresh, v)
		}
	}

	if err := m.evictDirtyPages(dirty); err != nil {
		return len(m.pages), err
	}
	if err := m.evictNewPages(fresh); err != nil {
		return len(m.pages), err
	}

	for _, v := range victims {
		delete(m.pages, v.id)
		v.cp.buffer.Release()
		m.metrics.recordEviction(v.cp.class, 1)
	}
	return len(m.pages), nil
}

// evictDirtyPages writes each victim to a freshly allocated location and
// records the diversion so future loads find the modified content.
func (m *Manager) evictDirtyPages(victims []victim) error {
	if len(victims) == 0 {
		return nil
	}
	targets, err := m.allocatePages(len(victims))
	if err != nil {
		return err
	}
	for i, v := range victims {
		if err := m.file.WritePage(targets[i], 0, v.cp.buffer.Data()); err != nil {
			return fmt.Errorf("failed to evict dirty page %d: %w", v.id, err)
		}
		m.divertPage(v.id, targets[i])
		m.newPages[targets[i]] = struct{}{}
		m.metrics.diversions.Add(bg, 1)
	}
	return nil
}

// evictNewPages writes each victim to its own location; new pages never
// overlay committed data.
func (m *Manager) evictNewPages(victims []victim) error {
	for _, v := range victims {
		if err := m.file.WritePage(v.id, 0, v.cp.buffer.Data()); err != nil {
			return fmt.Errorf("failed to evict new page %d: %w", v.id, err)
		}
	}
	return nil
}

// divertPage records that the content of page from now lives at page to.
// If from is itself the target of an earlier diversion, the original entry
// is rewritten so the map always leads from a committed index to the latest
// location in one step.
func (m *Manager) divertPage(from, to rawfile.PageIndex) {
	for orig, div := range m.diversions {
		if div == from {
			m.diversions[orig] = to
			return
		}
	}
	m.diversions[from] = to
}

func (m *Manager) redirect(id rawfile.PageIndex) rawfile.PageIndex {
	if div, ok := m.diversions[id]; ok {
		return div
	}
	return id
}

func (m *Manager) allocatePageInterval(maxPages int) (rawfile.Interval, error) {
	if m.intervalAlloc != nil {
		iv := m.intervalAlloc(maxPages)
		if iv.Begin != rawfile.InvalidPageIndex && !iv.Empty() {
			return iv, nil
		}
		m.intervalAlloc = nil
	}
	return m.file.NewInterval(maxPages)
}

// allocatePages gathers exactly n page indexes, calling the interval
// allocator repeatedly if it hands out short intervals.
func (m *Manager) allocatePages(n int) ([]rawfile.PageIndex, error) {
	ids := make([]rawfile.PageIndex, 0, n)
	for len(ids) < n {
		iv, err := m.allocatePageInterval(n - len(ids))
		if err != nil {
			return nil, err
		}
		for p := iv.Begin; p < iv.End; p++ {
			ids = append(ids, p)
		}
	}
	return ids, nil
}

// ReadLogs scans backwards from the end of the file and collects the divert
// records of all trailing commit log pages. A file without trailing log
// pages yields an empty result.
func (m *Manager) ReadLogs() ([]DivertRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return readLogs(m.file)
}

// ScanLogs reads the trailing commit log pages of a file without a cache
// manager. Recovery uses it before any page gets cached.
func ScanLogs(file rawfile.File) ([]DivertRecord, error) {
	return readLogs(file)
}

func readLogs(file rawfile.File) ([]DivertRecord, error) {
	size, err := file.CurrentSize()
	if err != nil {
		return nil, err
	}
	var recs []DivertRecord
	buf := make([]byte, rawfile.PageSize)
	for id := size; id > 0; id-- {
		if err := file.ReadPage(id-1, 0, buf); err != nil {
			return nil, fmt.Errorf("failed to read log candidate page %d: %w", id-1, err)
		}
		if !hasLogSignature(buf) {
			break
		}
		recs = append(recs, logPage{data: buf}.records()...)
	}
	return recs, nil
}

// GetDivertedPageIds returns the physical locations currently holding
// diverted page content, in ascending order.
func (m *Manager) GetDivertedPageIds() []rawfile.PageIndex {
	m.mu.Lock()
	defer m.mu.Unlock()

	ids := make([]rawfile.PageIndex, 0, len(m.diversions))
	for _, div := range m.diversions {
		ids = append(ids, div)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// BuildCommitHandler moves the transactional state of the cache into a
// commit handler. The manager is left empty and should be discarded or
// reused only after the commit completed.
func (m *Manager) BuildCommitHandler() *CommitHandler {
	m.mu.Lock()
	defer m.mu.Unlock()

	h := &CommitHandler{
		log:        m.log,
		metrics:    m.metrics,
		file:       m.file,
		pages:      m.pages,
		diversions: m.diversions,
		newPages:   m.newPages,
	}
	m.pages = make(map[rawfile.PageIndex]*cachedPage)
	m.diversions = make(map[rawfile.PageIndex]rawfile.PageIndex)
	m.newPages = make(map[rawfile.PageIndex]struct{})
	return h
}

// HandOverFile detaches and returns the underlying file so a fresh cache
// manager can take over. The receiver must not be used afterwards.
func (m *Manager) HandOverFile() rawfile.File {
	m.mu.Lock()
	defer m.mu.Unlock()

	f := m.file
	m.file = nil
	return f
}
