package cache

import (
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/demirole/compoundfs/core/storage_engine/rawfile"
)

// CommitHandler owns the transactional state moved out of a cache manager
// and drives it through the commit protocol. The protocol first copies the
// committed content of every dirty page to scratch space at the end of the
// file, then makes the copies discoverable through log pages, and only then
// overwrites the committed locations. A crash at any point leaves either
// the previous committed state or enough information to restore it.
type CommitHandler struct {
	log     *zap.Logger
	metrics *cacheMetrics

	file       rawfile.File
	pages      map[rawfile.PageIndex]*cachedPage
	diversions map[rawfile.PageIndex]rawfile.PageIndex
	newPages   map[rawfile.PageIndex]struct{}
}

// GetDirtyPageIds returns the logical indexes of all pages whose committed
// content will be overwritten, in ascending order. This covers diverted
// pages as well as cached pages of the dirty class.
func (h *CommitHandler) GetDirtyPageIds() []rawfile.PageIndex {
	set := make(map[rawfile.PageIndex]struct{}, len(h.diversions))
	for orig := range h.diversions {
		set[orig] = struct{}{}
	}

	reverse := make(map[rawfile.PageIndex]rawfile.PageIndex, len(h.diversions))
	for orig, div := range h.diversions {
		reverse[div] = orig
	}
	for physical, cp := range h.pages {
		if cp.class != PageClassDirty {
			continue
		}
		if orig, ok := reverse[physical]; ok {
			set[orig] = struct{}{}
		} else {
			set[physical] = struct{}{}
		}
	}

	ids := make([]rawfile.PageIndex, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// GetDivertedPageIds returns the physical locations of diverted page
// content, in ascending order. After commit these locations hold garbage
// and can be recycled.
func (h *CommitHandler) GetDivertedPageIds() []rawfile.PageIndex {
	ids := make([]rawfile.PageIndex, 0, len(h.diversions))
	for _, div := range h.diversions {
		ids = append(ids, div)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// CopyDirtyPages copies the committed content of every dirty page into
// fresh pages appended to the end of the file and flushes. The copies are
// taken from the original locations, which still hold the state of the last
// commit.
func (h *CommitHandler) CopyDirtyPages(dirtyPageIds []rawfile.PageIndex) ([]DivertRecord, error) {
	if len(dirtyPageIds) == 0 {
		return nil, nil
	}
	iv, err := h.file.NewInterval(len(dirtyPageIds))
	if err != nil {
		return nil, fmt.Errorf("failed to allocate copy area: %w", err)
	}
	if iv.Length() != rawfile.PageIndex(len(dirtyPageIds)) {
		return nil, fmt.Errorf("copy area too small: got %d pages, need %d", iv.Length(), len(dirtyPageIds))
	}

	recs := make([]DivertRecord, 0, len(dirtyPageIds))
	for i, orig := range dirtyPageIds {
		target := iv.Begin + rawfile.PageIndex(i)
		if err := copyPage(h.file, orig, target); err != nil {
			return nil, fmt.Errorf("failed to copy dirty page %d: %w", orig, err)
		}
		recs = append(recs, DivertRecord{Original: orig, Copy: target})
	}
	if err := h.file.Flush(); err != nil {
		return nil, err
	}
	return recs, nil
}

// WriteLogs appends log pages describing the given records to the end of
// the file and flushes. Recovery finds them by scanning backwards from the
// file end.
func (h *CommitHandler) WriteLogs(recs []DivertRecord) error {
	buf := make([]byte, rawfile.PageSize)
	for len(recs) > 0 {
		iv, err := h.file.NewInterval(1)
		if err != nil {
			return fmt.Errorf("failed to allocate log page: %w", err)
		}
		lp := newLogPage(buf)
		for len(recs) > 0 && lp.pushBack(recs[0]) {
			recs = recs[1:]
		}
		if err := h.file.WritePage(iv.Begin, 0, buf); err != nil {
			return fmt.Errorf("failed to write log page %d: %w", iv.Begin, err)
		}
		h.metrics.logPages.Add(bg, 1)
	}
	return h.file.Flush()
}

// UpdateDirtyPages writes the current content of every dirty page to its
// committed location. Cached pages are written from their buffer, evicted
// pages are copied back from their diverted location. Written pages leave
// the cache so WriteCachedPages does not touch them again.
func (h *CommitHandler) UpdateDirtyPages(dirtyPageIds []rawfile.PageIndex) error {
	for _, orig := range dirtyPageIds {
		physical := orig
		if div, ok := h.diversions[orig]; ok {
			physical = div
		}
		if cp, ok := h.pages[physical]; ok {
			if err := h.file.WritePage(orig, 0, cp.buffer.Data()); err != nil {
				return fmt.Errorf("failed to update dirty page %d: %w", orig, err)
			}
			delete(h.pages, physical)
			cp.buffer.Release()
			continue
		}
		if physical == orig {
			panic(fmt.Sprintf("cache: dirty page %d neither cached nor diverted", orig))
		}
		if err := copyPage(h.file, physical, orig); err != nil {
			return fmt.Errorf("failed to update dirty page %d from diversion %d: %w", orig, physical, err)
		}
	}
	return nil
}

// WriteCachedPages writes the remaining cached pages that do not mirror the
// file, which after UpdateDirtyPages are the new pages still held in
// memory.
func (h *CommitHandler) WriteCachedPages() error {
	for id, cp := range h.pages {
		if cp.class == PageClassRead {
			continue
		}
		if err := h.file.WritePage(id, 0, cp.buffer.Data()); err != nil {
			return fmt.Errorf("failed to write cached page %d: %w", id, err)
		}
	}
	return nil
}

// Commit runs the full protocol. When no page modifies committed data the
// copy and log phases are skipped entirely. After a successful commit the
// scratch copies and log pages are truncated away, so a cleanly committed
// file carries no recovery state.
func (h *CommitHandler) Commit() error {
	dirty := h.GetDirtyPageIds()
	if len(dirty) > 0 {
		sizeBeforeCopies, err := h.file.CurrentSize()
		if err != nil {
			return err
		}
		recs, err := h.CopyDirtyPages(dirty)
		if err != nil {
			return err
		}
		if err := h.WriteLogs(recs); err != nil {
			return err
		}
		if err := h.UpdateDirtyPages(dirty); err != nil {
			return err
		}
		if err := h.WriteCachedPages(); err != nil {
			return err
		}
		if err := h.file.Flush(); err != nil {
			return err
		}
		if err := h.file.Truncate(sizeBeforeCopies); err != nil {
			return err
		}
		h.log.Debug("commit completed",
			zap.Int("dirty_pages", len(dirty)),
			zap.Uint32("file_size_pages", uint32(sizeBeforeCopies)))
	} else {
		if err := h.WriteCachedPages(); err != nil {
			return err
		}
		if err := h.file.Flush(); err != nil {
			return err
		}
		h.log.Debug("commit completed", zap.Int("dirty_pages", 0))
	}

	h.releaseBuffers()
	h.metrics.commits.Add(bg, 1)
	return nil
}

func (h *CommitHandler) releaseBuffers() {
	for id, cp := range h.pages {
		cp.buffer.Release()
		delete(h.pages, id)
	}
}

func copyPage(file rawfile.File, from, to rawfile.PageIndex) error {
	buf := make([]byte, rawfile.PageSize)
	if err := file.ReadPage(from, 0, buf); err != nil {
		return err
	}
	return file.WritePage(to, 0, buf)
}
