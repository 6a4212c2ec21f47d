package btree

import (
	"sort"

	"github.com/rthomasv3/GaldrDb-sub002/internal/types"
)

// Store is the page-allocation seam between a Tree and whatever owns
// durability for it: the buffered page layer inside a transaction, or
// the page manager directly for recovery and maintenance code.
type Store interface {
	Get(id types.PageID) (*Node, error)
	New(n *Node) (types.PageID, error)
	Put(id types.PageID, n *Node) error
}

// Tree is an order-bounded B+-tree over fixed-width byte keys. One Tree
// instance backs one index (primary or secondary) of one collection.
type Tree struct {
	root     types.PageID
	keySize  int
	order    int
	pageSize int
	store    Store
	cmp      CompareFunc
}

// New wraps an existing root page id (types.InvalidPageID for a
// brand-new, still-empty index). pageSize must match the page size of
// every buffer Store hands back from Get/New.
func New(root types.PageID, keySize, order, pageSize int, store Store, cmp CompareFunc) *Tree {
	if cmp == nil {
		cmp = BytesCompare
	}
	return &Tree{root: root, keySize: keySize, order: order, pageSize: pageSize, store: store, cmp: cmp}
}

func (t *Tree) Root() types.PageID { return t.root }

// Search returns the document location stored under key, if any.
func (t *Tree) Search(key []byte) (types.DocumentLocation, bool, error) {
	if err := checkKeySize(t.keySize, key); err != nil {
		return types.DocumentLocation{}, false, err
	}
	if t.root == types.InvalidPageID {
		return types.DocumentLocation{}, false, nil
	}
	_, leaf, err := t.descendToLeaf(key)
	if err != nil {
		return types.DocumentLocation{}, false, err
	}
	v := decodeLeaf(leaf)
	i := sort.Search(len(v.keys), func(i int) bool { return t.cmp(v.keys[i], key) >= 0 })
	if i < len(v.keys) && t.cmp(v.keys[i], key) == 0 {
		return v.locs[i], true, nil
	}
	return types.DocumentLocation{}, false, nil
}

// descendToLeaf walks from the root to the leaf that would contain key,
// returning both the leaf node and the page id it lives at (needed by
// Delete to write the updated leaf back to the right page).
func (t *Tree) descendToLeaf(key []byte) (types.PageID, *Node, error) {
	id := t.root
	for {
		n, err := t.store.Get(id)
		if err != nil {
			return 0, nil, err
		}
		if n.IsLeaf() {
			return id, n, nil
		}
		v := decodeInternal(n)
		id = childFor(v, key, t.cmp)
	}
}

// childFor picks which child of an internal node covers key: the smallest
// index i such that key < keys[i] selects allChildren[i]; if key is >=
// every separator key, the rightmost child covers it.
func childFor(v internalView, key []byte, cmp CompareFunc) types.PageID {
	k := len(v.keys)
	i := sort.Search(k, func(i int) bool { return cmp(v.keys[i], key) > 0 })
	all := v.allChildren()
	return all[i]
}

// promotion reports a completed child split back up to the caller that
// descended into it.
type promotion struct {
	split    bool
	splitKey []byte
	leftID   types.PageID
	rightID  types.PageID
}

// Insert upserts key -> loc: an existing key's location is overwritten in
// place, a new key grows the tree, splitting nodes bottom-up as needed.
// It returns the tree's (possibly new) root id.
func (t *Tree) Insert(key []byte, loc types.DocumentLocation) (types.PageID, error) {
	if err := checkKeySize(t.keySize, key); err != nil {
		return t.root, err
	}
	if t.root == types.InvalidPageID {
		buf := make([]byte, t.pageSize)
		n := encodeLeaf(buf, t.keySize, t.order, leafView{keys: [][]byte{key}, locs: []types.DocumentLocation{loc}}, types.InvalidPageID, types.InvalidPageID)
		id, err := t.store.New(n)
		if err != nil {
			return t.root, err
		}
		t.root = id
		return t.root, nil
	}

	p, err := t.insertRec(t.root, key, loc)
	if err != nil {
		return t.root, err
	}
	if p == nil || !p.split {
		return t.root, nil
	}
	// the root itself split: grow the tree by one level.
	buf := make([]byte, t.pageSize)
	newRoot := encodeInternal(buf, t.keySize, t.order, internalView{
		keys:      [][]byte{p.splitKey},
		children:  []types.PageID{p.leftID},
		rightmost: p.rightID,
	}, types.InvalidPageID)
	id, err := t.store.New(newRoot)
	if err != nil {
		return t.root, err
	}
	t.root = id
	return t.root, nil
}

func (t *Tree) insertRec(id types.PageID, key []byte, loc types.DocumentLocation) (*promotion, error) {
	n, err := t.store.Get(id)
	if err != nil {
		return nil, err
	}

	if n.IsLeaf() {
		v := decodeLeaf(n)
		i := sort.Search(len(v.keys), func(i int) bool { return t.cmp(v.keys[i], key) >= 0 })
		if i < len(v.keys) && t.cmp(v.keys[i], key) == 0 {
			v.locs[i] = loc
			if err := t.store.Put(id, encodeLeaf(n.Bytes(), t.keySize, t.order, v, n.NextLeaf(), n.Parent())); err != nil {
				return nil, err
			}
			return nil, nil
		}
		v.keys = insertKey(v.keys, i, key)
		v.locs = insertLoc(v.locs, i, loc)

		if len(v.keys) <= t.order {
			if err := t.store.Put(id, encodeLeaf(n.Bytes(), t.keySize, t.order, v, n.NextLeaf(), n.Parent())); err != nil {
				return nil, err
			}
			return nil, nil
		}
		return t.splitLeaf(id, n, v)
	}

	v := decodeInternal(n)
	childIdx := sort.Search(len(v.keys), func(i int) bool { return t.cmp(v.keys[i], key) > 0 })
	all := v.allChildren()
	childID := all[childIdx]

	childProm, err := t.insertRec(childID, key, loc)
	if err != nil {
		return nil, err
	}
	if childProm == nil || !childProm.split {
		return nil, nil
	}

	newKeys := insertKey(v.keys, childIdx, childProm.splitKey)
	newAll := insertPageID(all, childIdx+1, childProm.rightID)

	if len(newKeys) <= t.order {
		v.keys = newKeys
		v.children = newAll[:len(newAll)-1]
		v.rightmost = newAll[len(newAll)-1]
		if err := t.store.Put(id, encodeInternal(n.Bytes(), t.keySize, t.order, v, n.Parent())); err != nil {
			return nil, err
		}
		return nil, nil
	}
	return t.splitInternal(id, n, newKeys, newAll)
}

func (t *Tree) splitLeaf(id types.PageID, n *Node, v leafView) (*promotion, error) {
	mid := len(v.keys) / 2
	left := leafView{keys: v.keys[:mid], locs: v.locs[:mid]}
	right := leafView{keys: v.keys[mid:], locs: v.locs[mid:]}

	rightBuf := make([]byte, len(n.Bytes()))
	rightNode := encodeLeaf(rightBuf, t.keySize, t.order, right, n.NextLeaf(), n.Parent())
	rightID, err := t.store.New(rightNode)
	if err != nil {
		return nil, err
	}

	leftNode := encodeLeaf(n.Bytes(), t.keySize, t.order, left, rightID, n.Parent())
	if err := t.store.Put(id, leftNode); err != nil {
		return nil, err
	}

	return &promotion{split: true, splitKey: right.keys[0], leftID: id, rightID: rightID}, nil
}

func (t *Tree) splitInternal(id types.PageID, n *Node, keys [][]byte, allChildren []types.PageID) (*promotion, error) {
	mid := len(keys) / 2
	promotedKey := keys[mid]

	leftKeys := keys[:mid]
	leftChildren := allChildren[:mid+1]
	leftView := internalView{keys: leftKeys, children: leftChildren[:len(leftChildren)-1], rightmost: leftChildren[len(leftChildren)-1]}

	rightKeys := keys[mid+1:]
	rightChildren := allChildren[mid+1:]
	rightView := internalView{keys: rightKeys, children: rightChildren[:len(rightChildren)-1], rightmost: rightChildren[len(rightChildren)-1]}

	rightBuf := make([]byte, len(n.Bytes()))
	rightNode := encodeInternal(rightBuf, t.keySize, t.order, rightView, n.Parent())
	rightID, err := t.store.New(rightNode)
	if err != nil {
		return nil, err
	}

	leftNode := encodeInternal(n.Bytes(), t.keySize, t.order, leftView, n.Parent())
	if err := t.store.Put(id, leftNode); err != nil {
		return nil, err
	}

	return &promotion{split: true, splitKey: promotedKey, leftID: id, rightID: rightID}, nil
}

// Delete removes key if present. Deletion never merges or rebalances
// sibling nodes: the entry is dropped in place, and an emptied leaf is
// just a leaf with zero live keys. Search still terminates there and
// correctly reports not-found for every key in its range, at the cost of
// fanout efficiency on delete-heavy workloads.
func (t *Tree) Delete(key []byte) (found bool, err error) {
	if err := checkKeySize(t.keySize, key); err != nil {
		return false, err
	}
	if t.root == types.InvalidPageID {
		return false, nil
	}
	id, leaf, err := t.descendToLeaf(key)
	if err != nil {
		return false, err
	}
	v := decodeLeaf(leaf)
	i := sort.Search(len(v.keys), func(i int) bool { return t.cmp(v.keys[i], key) >= 0 })
	if i >= len(v.keys) || t.cmp(v.keys[i], key) != 0 {
		return false, nil
	}
	v.keys = append(v.keys[:i], v.keys[i+1:]...)
	v.locs = append(v.locs[:i], v.locs[i+1:]...)

	updated := encodeLeaf(leaf.Bytes(), t.keySize, t.order, v, leaf.NextLeaf(), leaf.Parent())
	if err := t.store.Put(id, updated); err != nil {
		return false, err
	}
	return true, nil
}

func insertKey(keys [][]byte, i int, key []byte) [][]byte {
	out := make([][]byte, 0, len(keys)+1)
	out = append(out, keys[:i]...)
	out = append(out, key)
	out = append(out, keys[i:]...)
	return out
}

func insertLoc(locs []types.DocumentLocation, i int, loc types.DocumentLocation) []types.DocumentLocation {
	out := make([]types.DocumentLocation, 0, len(locs)+1)
	out = append(out, locs[:i]...)
	out = append(out, loc)
	out = append(out, locs[i:]...)
	return out
}

func insertPageID(ids []types.PageID, i int, id types.PageID) []types.PageID {
	out := make([]types.PageID, 0, len(ids)+1)
	out = append(out, ids[:i]...)
	out = append(out, id)
	out = append(out, ids[i:]...)
	return out
}
