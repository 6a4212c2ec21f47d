package btree

import (
	"sort"

	"github.com/rthomasv3/GaldrDb-sub002/internal/types"
)

// Entry is one key/location pair yielded by a range scan.
type Entry struct {
	Key []byte
	Loc types.DocumentLocation
}

// Iterator walks ascending keys starting at a leaf, following next_leaf
// sibling pointers; it never re-descends from the root between leaves.
type Iterator struct {
	tree    *Tree
	hi      []byte // inclusive upper bound, nil for unbounded
	cur     *Node
	idx     int
	err     error
	started bool
}

// Range returns an iterator over all keys in [lo, hi]. A nil lo starts at
// the first key in the tree; a nil hi has no upper bound.
func (t *Tree) Range(lo, hi []byte) (*Iterator, error) {
	it := &Iterator{tree: t, hi: hi}
	if t.root == types.InvalidPageID {
		return it, nil
	}
	var leaf *Node
	var err error
	if lo == nil {
		leaf, err = t.leftmostLeaf()
	} else {
		_, leaf, err = t.descendToLeaf(lo)
	}
	if err != nil {
		return nil, err
	}
	it.cur = leaf
	if lo != nil {
		v := decodeLeaf(leaf)
		it.idx = sort.Search(len(v.keys), func(i int) bool { return t.cmp(v.keys[i], lo) >= 0 })
	}
	return it, nil
}

func (t *Tree) leftmostLeaf() (*Node, error) {
	id := t.root
	for {
		n, err := t.store.Get(id)
		if err != nil {
			return nil, err
		}
		if n.IsLeaf() {
			return n, nil
		}
		v := decodeInternal(n)
		if len(v.children) > 0 {
			id = v.children[0]
		} else {
			id = v.rightmost
		}
	}
}

// Next advances the iterator and reports whether it produced a value.
func (it *Iterator) Next() (Entry, bool) {
	for it.cur != nil {
		v := decodeLeaf(it.cur)
		if it.idx < len(v.keys) {
			key := v.keys[it.idx]
			if it.hi != nil && it.tree.cmp(key, it.hi) > 0 {
				it.cur = nil
				return Entry{}, false
			}
			loc := v.locs[it.idx]
			it.idx++
			return Entry{Key: key, Loc: loc}, true
		}
		next := it.cur.NextLeaf()
		if next == types.InvalidPageID {
			it.cur = nil
			return Entry{}, false
		}
		n, err := it.tree.store.Get(next)
		if err != nil {
			it.err = err
			it.cur = nil
			return Entry{}, false
		}
		it.cur = n
		it.idx = 0
	}
	return Entry{}, false
}

// Err reports any error encountered while walking sibling pages.
func (it *Iterator) Err() error { return it.err }
