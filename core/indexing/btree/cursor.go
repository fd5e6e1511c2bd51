package btree

import (
	"github.com/demirole/compoundfs/core/storage_engine/rawfile"
	"github.com/demirole/compoundfs/core/write_engine/cache"
)

// Cursor points at one entry of the tree. While a cursor is open it pins
// its leaf page in the cache; callers must Close it when done. Key and
// Value return slices into the pinned page, valid until the cursor moves,
// is closed, or the tree is modified.
type Cursor struct {
	tree  *BTree
	ref   cache.PageRef
	pos   int
	valid bool
}

// Valid reports whether the cursor points at an entry.
func (c *Cursor) Valid() bool { return c.valid }

// Key returns the key of the current entry.
func (c *Cursor) Key() []byte {
	c.mustBeValid()
	return asLeaf(c.ref.Data()).key(c.pos)
}

// Value returns the value of the current entry.
func (c *Cursor) Value() []byte {
	c.mustBeValid()
	return asLeaf(c.ref.Data()).value(c.pos)
}

// Next advances to the following entry in key order and reports whether
// the cursor is still valid. Advancing past the last entry closes the
// underlying pin; advancing an invalid cursor keeps it invalid.
func (c *Cursor) Next() (bool, error) {
	if !c.valid {
		return false, nil
	}

	lf := asLeaf(c.ref.Data())
	if c.pos+1 < lf.count() {
		c.pos++
		return true, nil
	}

	next := lf.next()
	c.ref.Release()
	c.valid = false
	if next == rawfile.InvalidPageIndex {
		return false, nil
	}
	ref, err := c.tree.cm.LoadPage(next)
	if err != nil {
		return false, err
	}
	c.ref = ref
	c.pos = 0
	c.valid = true
	return true, nil
}

// Close releases the pinned leaf. Closing an invalid cursor is a no-op.
func (c *Cursor) Close() {
	if c.valid {
		c.ref.Release()
		c.valid = false
	}
}

func (c *Cursor) mustBeValid() {
	if !c.valid {
		panic("btree: use of an invalid cursor")
	}
}

// Begin returns a cursor on the smallest key not less than key, or an
// invalid cursor when no such key exists. An empty key positions on the
// first entry of the tree.
func (t *BTree) Begin(key []byte) (*Cursor, error) {
	ref, path, err := t.descend(key)
	if err != nil {
		return nil, err
	}
	releasePath(path)

	lf := asLeaf(ref.Data())
	pos, _ := lf.find(key)
	if pos < lf.count() {
		return &Cursor{tree: t, ref: ref, pos: pos, valid: true}, nil
	}

	// Key sorts after everything in this leaf; the following leaf starts
	// with the next larger key.
	next := lf.next()
	ref.Release()
	if next == rawfile.InvalidPageIndex {
		return &Cursor{}, nil
	}
	if ref, err = t.cm.LoadPage(next); err != nil {
		return nil, err
	}
	if asLeaf(ref.Data()).count() == 0 {
		ref.Release()
		return &Cursor{}, nil
	}
	return &Cursor{tree: t, ref: ref, pos: 0, valid: true}, nil
}
