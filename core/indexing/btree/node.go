package btree

import (
	"bytes"
	"encoding/binary"
	"sort"

	"github.com/demirole/compoundfs/core/storage_engine/rawfile"
)

// Node pages come in two kinds. Leaves hold the key/value entries and are
// chained into a doubly linked list for in-order iteration. Inner nodes
// hold separator keys and child references.
//
// Leaf layout:
//
//	[0]     node type marker (nodeTypeLeaf)
//	[1]     unused
//	[2:4]   entry count, little endian
//	[4:6]   data end offset
//	[6:8]   unused
//	[8:12]  previous leaf page index
//	[12:16] next leaf page index
//	[16:]   packed entries: klen u16, vlen u16, key, value
//	tail    offset table, one u16 per entry in key order, growing backwards
//
// Inner layout:
//
//	[0]     node type marker (nodeTypeInner)
//	[1]     unused
//	[2:4]   entry count
//	[4:6]   data end offset
//	[6:8]   unused
//	[8:12]  leftmost child page index
//	[12:]   packed entries: klen u16, key, child u32
//	tail    offset table as above
//
// The type markers stay clear of the commit log page magic, whose first
// byte has the high bit set.
const (
	nodeTypeLeaf  = 0x01
	nodeTypeInner = 0x02

	leafHeaderSize  = 16
	innerHeaderSize = 12
	slotSize        = 2

	// A node whose payload drops below this is merged with a sibling.
	nodeMinPayload = rawfile.PageSize / 4
)

// MaxKeyValueSize is the largest combined key and value length accepted for
// a single entry. It guarantees that any leaf can hold at least two
// entries, which keeps separator propagation during splits well defined.
const MaxKeyValueSize = (rawfile.PageSize-leafHeaderSize-2*slotSize)/2 - 4

type leaf struct{ d []byte }

func initLeaf(d []byte, prev, next rawfile.PageIndex) leaf {
	clear(d)
	d[0] = nodeTypeLeaf
	l := leaf{d: d}
	l.setDataEnd(leafHeaderSize)
	l.setPrev(prev)
	l.setNext(next)
	return l
}

func asLeaf(d []byte) leaf {
	if d[0] != nodeTypeLeaf {
		panic("btree: page is not a leaf node")
	}
	return leaf{d: d}
}

func isLeafPage(d []byte) bool { return d[0] == nodeTypeLeaf }

func (l leaf) count() int        { return int(binary.LittleEndian.Uint16(l.d[2:])) }
func (l leaf) setCount(n int)    { binary.LittleEndian.PutUint16(l.d[2:], uint16(n)) }
func (l leaf) dataEnd() int      { return int(binary.LittleEndian.Uint16(l.d[4:])) }
func (l leaf) setDataEnd(n int)  { binary.LittleEndian.PutUint16(l.d[4:], uint16(n)) }
func (l leaf) prev() rawfile.PageIndex { return binary.LittleEndian.Uint32(l.d[8:]) }
func (l leaf) setPrev(p rawfile.PageIndex) { binary.LittleEndian.PutUint32(l.d[8:], p) }
func (l leaf) next() rawfile.PageIndex { return binary.LittleEndian.Uint32(l.d[12:]) }
func (l leaf) setNext(p rawfile.PageIndex) { binary.LittleEndian.PutUint32(l.d[12:], p) }

func (l leaf) slotOffset(i int) int { return rawfile.PageSize - slotSize*(i+1) }

func (l leaf) entryOffset(i int) int {
	return int(binary.LittleEndian.Uint16(l.d[l.slotOffset(i):]))
}

func (l leaf) setEntryOffset(i, off int) {
	binary.LittleEndian.PutUint16(l.d[l.slotOffset(i):], uint16(off))
}

func (l leaf) key(i int) []byte {
	off := l.entryOffset(i)
	klen := int(binary.LittleEndian.Uint16(l.d[off:]))
	return l.d[off+4 : off+4+klen]
}

func (l leaf) value(i int) []byte {
	off := l.entryOffset(i)
	klen := int(binary.LittleEndian.Uint16(l.d[off:]))
	vlen := int(binary.LittleEndian.Uint16(l.d[off+2:]))
	return l.d[off+4+klen : off+4+klen+vlen]
}

func (l leaf) entrySize(i int) int {
	off := l.entryOffset(i)
	klen := int(binary.LittleEndian.Uint16(l.d[off:]))
	vlen := int(binary.LittleEndian.Uint16(l.d[off+2:]))
	return 4 + klen + vlen
}

// find returns the slot of key, or the slot it would be inserted at.
func (l leaf) find(key []byte) (int, bool) {
	n := l.count()
	pos := sort.Search(n, func(i int) bool { return bytes.Compare(l.key(i), key) >= 0 })
	return pos, pos < n && bytes.Equal(l.key(pos), key)
}

func (l leaf) freeSpace() int {
	return rawfile.PageSize - slotSize*l.count() - l.dataEnd()
}

// payload is the number of bytes the entries and their slots occupy.
func (l leaf) payload() int {
	return l.dataEnd() - leafHeaderSize + slotSize*l.count()
}

func (l leaf) canAbsorb(src leaf) bool {
	return src.payload() <= l.freeSpace()
}

// appendFrom copies every entry of src behind the existing entries. All of
// src's keys must sort after l's last key.
func (l leaf) appendFrom(src leaf) {
	n := l.count()
	for i := 0; i < src.count(); i++ {
		l.insertAt(n+i, src.key(i), src.value(i))
	}
}

func (l leaf) fits(key, value []byte) bool {
	return 4+len(key)+len(value)+slotSize <= l.freeSpace()
}

func (l leaf) insertAt(pos int, key, value []byte) {
	off := l.dataEnd()
	binary.LittleEndian.PutUint16(l.d[off:], uint16(len(key)))
	binary.LittleEndian.PutUint16(l.d[off+2:], uint16(len(value)))
	copy(l.d[off+4:], key)
	copy(l.d[off+4+len(key):], value)
	l.setDataEnd(off + 4 + len(key) + len(value))

	n := l.count()
	for i := n; i > pos; i-- {
		l.setEntryOffset(i, l.entryOffset(i-1))
	}
	l.setEntryOffset(pos, off)
	l.setCount(n + 1)
}

// replaceInPlace overwrites the value of entry pos; both values must have
// the same length.
func (l leaf) replaceInPlace(pos int, value []byte) {
	copy(l.value(pos), value)
}

// removeAt deletes entry pos, compacting the data area so the freed bytes
// become reusable.
func (l leaf) removeAt(pos int) {
	off := l.entryOffset(pos)
	size := l.entrySize(pos)
	end := l.dataEnd()

	copy(l.d[off:], l.d[off+size:end])
	l.setDataEnd(end - size)

	n := l.count()
	for i := pos; i < n-1; i++ {
		l.setEntryOffset(i, l.entryOffset(i+1))
	}
	l.setCount(n - 1)
	for i := 0; i < n-1; i++ {
		if o := l.entryOffset(i); o > off {
			l.setEntryOffset(i, o-size)
		}
	}
}

// splitInto moves the upper half of the entries into the freshly
// initialized right leaf and returns the first key of the right leaf.
func (l leaf) splitInto(right leaf) []byte {
	n := l.count()
	mid := n / 2
	for i := mid; i < n; i++ {
		right.insertAt(i-mid, l.key(i), l.value(i))
	}
	for i := n - 1; i >= mid; i-- {
		l.removeAt(i)
	}
	return append([]byte(nil), right.key(0)...)
}

type inner struct{ d []byte }

func initInner(d []byte, leftmost rawfile.PageIndex) inner {
	clear(d)
	d[0] = nodeTypeInner
	in := inner{d: d}
	in.setDataEnd(innerHeaderSize)
	in.setLeftmost(leftmost)
	return in
}

func asInner(d []byte) inner {
	if d[0] != nodeTypeInner {
		panic("btree: page is not an inner node")
	}
	return inner{d: d}
}

func (in inner) count() int       { return int(binary.LittleEndian.Uint16(in.d[2:])) }
func (in inner) setCount(n int)   { binary.LittleEndian.PutUint16(in.d[2:], uint16(n)) }
func (in inner) dataEnd() int     { return int(binary.LittleEndian.Uint16(in.d[4:])) }
func (in inner) setDataEnd(n int) { binary.LittleEndian.PutUint16(in.d[4:], uint16(n)) }
func (in inner) leftmost() rawfile.PageIndex { return binary.LittleEndian.Uint32(in.d[8:]) }
func (in inner) setLeftmost(p rawfile.PageIndex) { binary.LittleEndian.PutUint32(in.d[8:], p) }

func (in inner) slotOffset(i int) int { return rawfile.PageSize - slotSize*(i+1) }

func (in inner) entryOffset(i int) int {
	return int(binary.LittleEndian.Uint16(in.d[in.slotOffset(i):]))
}

func (in inner) setEntryOffset(i, off int) {
	binary.LittleEndian.PutUint16(in.d[in.slotOffset(i):], uint16(off))
}

func (in inner) key(i int) []byte {
	off := in.entryOffset(i)
	klen := int(binary.LittleEndian.Uint16(in.d[off:]))
	return in.d[off+2 : off+2+klen]
}

func (in inner) child(i int) rawfile.PageIndex {
	off := in.entryOffset(i)
	klen := int(binary.LittleEndian.Uint16(in.d[off:]))
	return binary.LittleEndian.Uint32(in.d[off+2+klen:])
}

func (in inner) setChild(i int, p rawfile.PageIndex) {
	off := in.entryOffset(i)
	klen := int(binary.LittleEndian.Uint16(in.d[off:]))
	binary.LittleEndian.PutUint32(in.d[off+2+klen:], p)
}

func (in inner) entrySize(i int) int {
	off := in.entryOffset(i)
	klen := int(binary.LittleEndian.Uint16(in.d[off:]))
	return 2 + klen + 4
}

// findChild returns the slot whose subtree covers key. Slot -1 denotes the
// leftmost child.
func (in inner) findChild(key []byte) int {
	n := in.count()
	pos := sort.Search(n, func(i int) bool { return bytes.Compare(in.key(i), key) > 0 })
	return pos - 1
}

func (in inner) childAt(slot int) rawfile.PageIndex {
	if slot < 0 {
		return in.leftmost()
	}
	return in.child(slot)
}

func (in inner) freeSpace() int {
	return rawfile.PageSize - slotSize*in.count() - in.dataEnd()
}

func (in inner) payload() int {
	return in.dataEnd() - innerHeaderSize + slotSize*in.count()
}

// canAbsorb reports whether src plus the separator pulled down from the
// parent fit into this node.
func (in inner) canAbsorb(src inner, sep []byte) bool {
	return 2+len(sep)+4+slotSize+src.payload() <= in.freeSpace()
}

// appendFrom pulls sep down as the entry covering src's leftmost child and
// copies src's entries behind it.
func (in inner) appendFrom(sep []byte, src inner) {
	n := in.count()
	in.insertAt(n, sep, src.leftmost())
	for i := 0; i < src.count(); i++ {
		in.insertAt(n+1+i, src.key(i), src.child(i))
	}
}

func (in inner) fits(key []byte) bool {
	return 2+len(key)+4+slotSize <= in.freeSpace()
}

func (in inner) insertAt(pos int, key []byte, child rawfile.PageIndex) {
	off := in.dataEnd()
	binary.LittleEndian.PutUint16(in.d[off:], uint16(len(key)))
	copy(in.d[off+2:], key)
	binary.LittleEndian.PutUint32(in.d[off+2+len(key):], child)
	in.setDataEnd(off + 2 + len(key) + 4)

	n := in.count()
	for i := n; i > pos; i-- {
		in.setEntryOffset(i, in.entryOffset(i-1))
	}
	in.setEntryOffset(pos, off)
	in.setCount(n + 1)
}

func (in inner) removeAt(pos int) {
	off := in.entryOffset(pos)
	size := in.entrySize(pos)
	end := in.dataEnd()

	copy(in.d[off:], in.d[off+size:end])
	in.setDataEnd(end - size)

	n := in.count()
	for i := pos; i < n-1; i++ {
		in.setEntryOffset(i, in.entryOffset(i+1))
	}
	in.setCount(n - 1)
	for i := 0; i < n-1; i++ {
		if o := in.entryOffset(i); o > off {
			in.setEntryOffset(i, o-size)
		}
	}
}

// splitInto moves the upper entries into the freshly initialized right
// inner node and returns the separator key that moves up to the parent.
// The right node's leftmost child is the subtree of the separator entry.
func (in inner) splitInto(right inner) []byte {
	n := in.count()
	mid := n / 2

	sep := append([]byte(nil), in.key(mid)...)
	right.setLeftmost(in.child(mid))
	for i := mid + 1; i < n; i++ {
		right.insertAt(i-mid-1, in.key(i), in.child(i))
	}
	for i := n - 1; i >= mid; i-- {
		in.removeAt(i)
	}
	return sep
}
