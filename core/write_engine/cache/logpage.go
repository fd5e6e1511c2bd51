package cache

import (
	"bytes"
	"encoding/binary"

	"github.com/demirole/compoundfs/core/storage_engine/rawfile"
)

// DivertRecord pairs the original location of a dirty page with the location
// its pre-update content was copied to during commit.
type DivertRecord struct {
	Original rawfile.PageIndex
	Copy     rawfile.PageIndex
}

// logPageMagic marks a page as a commit log page. It must never collide with
// the first bytes of a tree node page, which start with a node-type marker
// well below 0x80.
var logPageMagic = [8]byte{0xC0, 0x4D, 0x50, 0x4E, 0x44, 0x4C, 0x4F, 0x47}

const (
	logPageHeaderSize = len(logPageMagic) + 4
	logRecordSize     = 8

	// MaxLogRecordsPerPage is how many divert records fit into one log page.
	MaxLogRecordsPerPage = (rawfile.PageSize - logPageHeaderSize) / logRecordSize
)

// logPage serializes divert records into one fixed-size page. Layout: the
// magic, a little-endian uint32 record count, then packed
// (original, copy) uint32 pairs.
type logPage struct {
	data []byte
}

func newLogPage(buf []byte) logPage {
	copy(buf, logPageMagic[:])
	binary.LittleEndian.PutUint32(buf[len(logPageMagic):], 0)
	return logPage{data: buf}
}

func (lp logPage) count() int {
	return int(binary.LittleEndian.Uint32(lp.data[len(logPageMagic):]))
}

func (lp logPage) full() bool { return lp.count() >= MaxLogRecordsPerPage }

func (lp logPage) pushBack(rec DivertRecord) bool {
	n := lp.count()
	if n >= MaxLogRecordsPerPage {
		return false
	}
	off := logPageHeaderSize + n*logRecordSize
	binary.LittleEndian.PutUint32(lp.data[off:], rec.Original)
	binary.LittleEndian.PutUint32(lp.data[off+4:], rec.Copy)
	binary.LittleEndian.PutUint32(lp.data[len(logPageMagic):], uint32(n+1))
	return true
}

func (lp logPage) records() []DivertRecord {
	n := lp.count()
	if n > MaxLogRecordsPerPage {
		n = MaxLogRecordsPerPage
	}
	recs := make([]DivertRecord, 0, n)
	for i := 0; i < n; i++ {
		off := logPageHeaderSize + i*logRecordSize
		recs = append(recs, DivertRecord{
			Original: binary.LittleEndian.Uint32(lp.data[off:]),
			Copy:     binary.LittleEndian.Uint32(lp.data[off+4:]),
		})
	}
	return recs
}

// hasLogSignature reports whether the page content starts with the log page
// magic.
func hasLogSignature(data []byte) bool {
	return len(data) >= len(logPageMagic) && bytes.Equal(data[:len(logPageMagic)], logPageMagic[:])
}
