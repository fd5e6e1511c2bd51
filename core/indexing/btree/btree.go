// Package btree implements a B+-tree over the transactional page cache.
// Keys and values are arbitrary byte strings ordered lexicographically.
// All page modifications go through the cache manager, so the tree
// participates in the copy-on-write commit protocol without any logic of
// its own.
package btree

import (
	"bytes"
	"errors"
	"fmt"
	"sort"

	"github.com/demirole/compoundfs/core/storage_engine/rawfile"
	"github.com/demirole/compoundfs/core/write_engine/cache"
)

// ErrEntryTooLarge is returned for entries exceeding MaxKeyValueSize.
var ErrEntryTooLarge = errors.New("combined key and value size exceeds limit")

// ReplacePolicy decides whether an insert may overwrite the value already
// stored under the same key. A nil policy always replaces.
type ReplacePolicy func(currentValue []byte) bool

// InsertResult is the outcome of an Insert. It is one of Inserted,
// Replaced or Unchanged.
type InsertResult interface {
	isInsertResult()
}

// Inserted reports that the key was not present before.
type Inserted struct{}

// Replaced reports that an existing value was overwritten and carries the
// previous value.
type Replaced struct {
	BeforeValue []byte
}

// Unchanged reports that the replace policy declined the overwrite and
// carries the value currently stored.
type Unchanged struct {
	CurrentValue []byte
}

func (Inserted) isInsertResult()  {}
func (Replaced) isInsertResult()  {}
func (Unchanged) isInsertResult() {}

type pathElem struct {
	ref  cache.PageRef
	slot int
}

// BTree is the tree handle. The root page index is stable for the lifetime
// of the file; root splits push the content into two fresh children
// instead of moving the root.
type BTree struct {
	cm        *cache.Manager
	root      rawfile.PageIndex
	freePages []rawfile.PageIndex
}

// Create allocates an empty tree whose root is a fresh leaf page.
func Create(cm *cache.Manager) (*BTree, error) {
	p, err := cm.NewPage()
	if err != nil {
		return nil, fmt.Errorf("failed to allocate root page: %w", err)
	}
	initLeaf(p.Data(), rawfile.InvalidPageIndex, rawfile.InvalidPageIndex)
	root := p.Id()
	p.Release()
	return &BTree{cm: cm, root: root}, nil
}

// Open attaches to an existing tree rooted at root.
func Open(cm *cache.Manager, root rawfile.PageIndex) *BTree {
	return &BTree{cm: cm, root: root}
}

// RootIndex returns the stable root page index.
func (t *BTree) RootIndex() rawfile.PageIndex { return t.root }

// GetFreePages returns the pages released by node merges since the tree
// was opened, in ascending order. They become reusable once the current
// transaction commits.
func (t *BTree) GetFreePages() []rawfile.PageIndex {
	ids := append([]rawfile.PageIndex(nil), t.freePages...)
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// descend walks from the root to the leaf covering key. The returned path
// holds a pinned reference per inner node together with the child slot
// taken; the leaf comes back pinned separately.
func (t *BTree) descend(key []byte) (cache.PageRef, []pathElem, error) {
	ref, err := t.cm.LoadPage(t.root)
	if err != nil {
		return cache.PageRef{}, nil, err
	}
	var path []pathElem
	for !isLeafPage(ref.Data()) {
		in := asInner(ref.Data())
		slot := in.findChild(key)
		child := in.childAt(slot)
		path = append(path, pathElem{ref: ref, slot: slot})
		if ref, err = t.cm.LoadPage(child); err != nil {
			releasePath(path)
			return cache.PageRef{}, nil, err
		}
	}
	return ref, path, nil
}

func releasePath(path []pathElem) {
	for _, e := range path {
		e.ref.Release()
	}
}

// Insert stores value under key, overwriting an existing value.
func (t *BTree) Insert(key, value []byte) (InsertResult, error) {
	return t.InsertWithPolicy(key, value, nil)
}

// InsertWithPolicy stores value under key. When the key already exists the
// policy is consulted with the current value; if it declines, the tree is
// left untouched and the result is Unchanged. An existing value of equal
// length is replaced in place, a different length goes through remove and
// re-insert.
func (t *BTree) InsertWithPolicy(key, value []byte, policy ReplacePolicy) (InsertResult, error) {
	if len(key)+len(value) > MaxKeyValueSize {
		return nil, fmt.Errorf("entry of %d bytes: %w", len(key)+len(value), ErrEntryTooLarge)
	}

	ref, path, err := t.descend(key)
	if err != nil {
		return nil, err
	}
	defer releasePath(path)
	defer ref.Release()

	lf := asLeaf(ref.Data())
	pos, found := lf.find(key)
	if found {
		current := lf.value(pos)
		if policy != nil && !policy(current) {
			return Unchanged{CurrentValue: append([]byte(nil), current...)}, nil
		}
		before := append([]byte(nil), current...)
		t.cm.MakePageWritable(ref)
		if len(current) == len(value) {
			lf.replaceInPlace(pos, value)
			return Replaced{BeforeValue: before}, nil
		}
		lf.removeAt(pos)
		if err := t.insertIntoLeaf(ref, key, value, path); err != nil {
			return nil, err
		}
		return Replaced{BeforeValue: before}, nil
	}

	t.cm.MakePageWritable(ref)
	if err := t.insertIntoLeaf(ref, key, value, path); err != nil {
		return nil, err
	}
	return Inserted{}, nil
}

// insertIntoLeaf places the entry into the already writable leaf, splitting
// it when full. ref stays owned by the caller.
func (t *BTree) insertIntoLeaf(ref cache.PageRef, key, value []byte, path []pathElem) error {
	lf := asLeaf(ref.Data())
	if lf.fits(key, value) {
		pos, _ := lf.find(key)
		lf.insertAt(pos, key, value)
		return nil
	}

	if ref.Id() == t.root {
		return t.splitRootLeaf(ref, key, value)
	}

	rightRef, err := t.cm.NewPage()
	if err != nil {
		return err
	}
	defer rightRef.Release()

	oldNext := lf.next()
	right := initLeaf(rightRef.Data(), ref.Id(), oldNext)
	sep := lf.splitInto(right)
	lf.setNext(rightRef.Id())
	if oldNext != rawfile.InvalidPageIndex {
		nref, err := t.cm.LoadPage(oldNext)
		if err != nil {
			return err
		}
		t.cm.MakePageWritable(nref)
		asLeaf(nref.Data()).setPrev(rightRef.Id())
		nref.Release()
	}

	target := lf
	if bytes.Compare(key, sep) >= 0 {
		target = right
	}
	pos, _ := target.find(key)
	target.insertAt(pos, key, value)

	return t.insertIntoParent(path, sep, rightRef.Id())
}

// splitRootLeaf turns a full root leaf into an inner root with two fresh
// leaf children, then places the entry.
func (t *BTree) splitRootLeaf(rootRef cache.PageRef, key, value []byte) error {
	leftRef, err := t.cm.NewPage()
	if err != nil {
		return err
	}
	defer leftRef.Release()
	rightRef, err := t.cm.NewPage()
	if err != nil {
		return err
	}
	defer rightRef.Release()

	copy(leftRef.Data(), rootRef.Data())
	left := asLeaf(leftRef.Data())
	right := initLeaf(rightRef.Data(), leftRef.Id(), rawfile.InvalidPageIndex)
	sep := left.splitInto(right)
	left.setPrev(rawfile.InvalidPageIndex)
	left.setNext(rightRef.Id())

	target := left
	if bytes.Compare(key, sep) >= 0 {
		target = right
	}
	pos, _ := target.find(key)
	target.insertAt(pos, key, value)

	newRoot := t.cm.Repurpose(t.root)
	root := initInner(newRoot.Data(), leftRef.Id())
	root.insertAt(0, sep, rightRef.Id())
	newRoot.Release()
	return nil
}

// insertIntoParent propagates a separator and its right child up the path,
// splitting inner nodes as needed.
func (t *BTree) insertIntoParent(path []pathElem, sep []byte, rightId rawfile.PageIndex) error {
	if len(path) == 0 {
		panic("btree: separator propagation above the root")
	}
	elem := path[len(path)-1]
	rest := path[:len(path)-1]

	in := asInner(elem.ref.Data())
	t.cm.MakePageWritable(elem.ref)
	if in.fits(sep) {
		in.insertAt(in.findChild(sep)+1, sep, rightId)
		return nil
	}

	if elem.ref.Id() == t.root {
		return t.splitRootInner(elem.ref, sep, rightId)
	}

	newRef, err := t.cm.NewPage()
	if err != nil {
		return err
	}
	defer newRef.Release()

	newRight := initInner(newRef.Data(), 0)
	upSep := in.splitInto(newRight)

	target := in
	if bytes.Compare(sep, upSep) >= 0 {
		target = newRight
	}
	target.insertAt(target.findChild(sep)+1, sep, rightId)

	return t.insertIntoParent(rest, upSep, newRef.Id())
}

// splitRootInner turns a full inner root into a root with two fresh inner
// children, then places the pending separator.
func (t *BTree) splitRootInner(rootRef cache.PageRef, sep []byte, rightId rawfile.PageIndex) error {
	leftRef, err := t.cm.NewPage()
	if err != nil {
		return err
	}
	defer leftRef.Release()
	rightSplitRef, err := t.cm.NewPage()
	if err != nil {
		return err
	}
	defer rightSplitRef.Release()

	copy(leftRef.Data(), rootRef.Data())
	left := asInner(leftRef.Data())
	rightSplit := initInner(rightSplitRef.Data(), 0)
	upSep := left.splitInto(rightSplit)

	target := left
	if bytes.Compare(sep, upSep) >= 0 {
		target = rightSplit
	}
	target.insertAt(target.findChild(sep)+1, sep, rightId)

	newRoot := t.cm.Repurpose(t.root)
	root := initInner(newRoot.Data(), leftRef.Id())
	root.insertAt(0, upSep, rightSplitRef.Id())
	newRoot.Release()
	return nil
}

// Find returns a cursor positioned on key, or an invalid cursor when the
// key is absent.
func (t *BTree) Find(key []byte) (*Cursor, error) {
	ref, path, err := t.descend(key)
	if err != nil {
		return nil, err
	}
	releasePath(path)

	lf := asLeaf(ref.Data())
	pos, found := lf.find(key)
	if !found {
		ref.Release()
		return &Cursor{}, nil
	}
	return &Cursor{tree: t, ref: ref, pos: pos, valid: true}, nil
}

// Remove deletes key and returns the removed value. A leaf whose payload
// falls below the fill minimum is merged with a sibling, the left one when
// both have room; merged-away pages accumulate for GetFreePages.
func (t *BTree) Remove(key []byte) ([]byte, bool, error) {
	ref, path, err := t.descend(key)
	if err != nil {
		return nil, false, err
	}
	defer releasePath(path)
	defer ref.Release()

	lf := asLeaf(ref.Data())
	pos, found := lf.find(key)
	if !found {
		return nil, false, nil
	}
	before := append([]byte(nil), lf.value(pos)...)
	t.cm.MakePageWritable(ref)
	lf.removeAt(pos)

	if ref.Id() != t.root && lf.payload() < nodeMinPayload {
		if err := t.mergeLeaf(ref, path); err != nil {
			return nil, false, err
		}
	}
	return before, true, nil
}

// mergeLeaf folds the underfull leaf at ref into an adjacent sibling under
// the same parent. The left sibling is preferred; the right one is used
// when the left cannot absorb the entries. A leaf whose neighbours are both
// too full stays as it is.
func (t *BTree) mergeLeaf(ref cache.PageRef, path []pathElem) error {
	elem := path[len(path)-1]
	in := asInner(elem.ref.Data())
	lf := asLeaf(ref.Data())

	if elem.slot >= 0 {
		lref, err := t.cm.LoadPage(in.childAt(elem.slot - 1))
		if err != nil {
			return err
		}
		left := asLeaf(lref.Data())
		if left.canAbsorb(lf) {
			t.cm.MakePageWritable(lref)
			left.appendFrom(lf)
			left.setNext(lf.next())
			survivor := lref.Id()
			lref.Release()
			if err := t.relinkPrev(lf.next(), survivor); err != nil {
				return err
			}
			t.freePages = append(t.freePages, ref.Id())
			return t.removeSeparator(path, elem.slot)
		}
		lref.Release()
	}

	if elem.slot < in.count()-1 {
		rref, err := t.cm.LoadPage(in.child(elem.slot + 1))
		if err != nil {
			return err
		}
		right := asLeaf(rref.Data())
		if lf.canAbsorb(right) {
			lf.appendFrom(right)
			lf.setNext(right.next())
			freed := rref.Id()
			next := right.next()
			rref.Release()
			if err := t.relinkPrev(next, ref.Id()); err != nil {
				return err
			}
			t.freePages = append(t.freePages, freed)
			return t.removeSeparator(path, elem.slot+1)
		}
		rref.Release()
	}
	return nil
}

// relinkPrev points the prev reference of leaf id at newPrev.
func (t *BTree) relinkPrev(id, newPrev rawfile.PageIndex) error {
	if id == rawfile.InvalidPageIndex {
		return nil
	}
	nref, err := t.cm.LoadPage(id)
	if err != nil {
		return err
	}
	t.cm.MakePageWritable(nref)
	asLeaf(nref.Data()).setPrev(newPrev)
	nref.Release()
	return nil
}

// removeSeparator drops the entry at slot from the deepest inner node on
// the path after one of its children was merged away, rebalancing upwards.
// The root page is never freed; a root left with a single child takes over
// that child's content, and when the tree empties out completely the root
// reverts to an empty leaf.
func (t *BTree) removeSeparator(path []pathElem, slot int) error {
	elem := path[len(path)-1]
	rest := path[:len(path)-1]

	t.cm.MakePageWritable(elem.ref)
	in := asInner(elem.ref.Data())
	in.removeAt(slot)

	if len(rest) == 0 {
		if in.count() > 0 {
			return nil
		}
		childId := in.leftmost()
		cref, err := t.cm.LoadPage(childId)
		if err != nil {
			return err
		}
		newRoot := t.cm.Repurpose(t.root)
		copy(newRoot.Data(), cref.Data())
		newRoot.Release()
		cref.Release()
		t.freePages = append(t.freePages, childId)
		return nil
	}
	if in.payload() >= nodeMinPayload {
		return nil
	}
	return t.mergeInner(elem, rest)
}

// mergeInner folds an underfull inner node into an adjacent sibling,
// pulling the separator between them down from the parent. As with leaves
// the left sibling is preferred. A keyless node whose siblings are both too
// full is spliced out in favour of its single child.
func (t *BTree) mergeInner(elem pathElem, rest []pathElem) error {
	parent := rest[len(rest)-1]
	pin := asInner(parent.ref.Data())
	in := asInner(elem.ref.Data())

	if parent.slot >= 0 {
		lref, err := t.cm.LoadPage(pin.childAt(parent.slot - 1))
		if err != nil {
			return err
		}
		left := asInner(lref.Data())
		if sep := pin.key(parent.slot); left.canAbsorb(in, sep) {
			t.cm.MakePageWritable(lref)
			left.appendFrom(sep, in)
			lref.Release()
			t.freePages = append(t.freePages, elem.ref.Id())
			return t.removeSeparator(rest, parent.slot)
		}
		lref.Release()
	}

	if parent.slot < pin.count()-1 {
		rref, err := t.cm.LoadPage(pin.child(parent.slot + 1))
		if err != nil {
			return err
		}
		right := asInner(rref.Data())
		if sep := pin.key(parent.slot + 1); in.canAbsorb(right, sep) {
			in.appendFrom(sep, right)
			t.freePages = append(t.freePages, rref.Id())
			rref.Release()
			return t.removeSeparator(rest, parent.slot+1)
		}
		rref.Release()
	}

	if in.count() == 0 {
		childId := in.leftmost()
		t.cm.MakePageWritable(parent.ref)
		if parent.slot < 0 {
			pin.setLeftmost(childId)
		} else {
			pin.setChild(parent.slot, childId)
		}
		t.freePages = append(t.freePages, elem.ref.Id())
	}
	return nil
}
