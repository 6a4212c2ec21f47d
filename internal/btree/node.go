// Package btree implements the ordered key-to-location map behind every
// index: root-to-leaf descent with binary search per node, splits on
// overflow with median promotion, and sibling-linked leaves for range
// scans. A Node is a thin struct over a raw page buffer with byte-offset
// accessors; leaves pair keys with document locations, internal nodes
// pair keys with child page ids plus a separately stored rightmost child.
package btree

import (
	"encoding/binary"

	"github.com/rthomasv3/GaldrDb-sub002/internal/galdrerr"
	"github.com/rthomasv3/GaldrDb-sub002/internal/types"
)

// NodeType distinguishes leaf pages (which hold document locations) from
// internal pages (which hold child page ids).
type NodeType uint8

const (
	Leaf     NodeType = 2 // matches page.PageTypeBTreeLeaf
	Internal NodeType = 3 // matches page.PageTypeBTreeInternal
)

// Node header byte offsets: node_type:u8, reserved:u8, key_count:u16,
// order:u16, next_leaf:u32, parent:u32, reserved:u16.
const (
	hOffType      = 0
	hOffKeyCount  = 2
	hOffOrder     = 4
	hOffNextLeaf  = 6
	hOffParent    = 10
	HeaderSize    = 16
	// rightmostOff holds an internal node's rightmost-child pointer,
	// placed immediately after the fixed header, before the entry array.
	rightmostOff = HeaderSize
	dataOffset   = HeaderSize + 4

	locationSize = 6 // PageID(4) + SlotIndex(2)
	childSize    = 4 // PageID(4)
)

// Node wraps one page-sized buffer as a B-tree node of fixed key width.
type Node struct {
	buf     []byte
	keySize int
}

// NewLeaf initializes buf as an empty leaf node.
func NewLeaf(buf []byte, keySize, order int) *Node {
	n := &Node{buf: buf, keySize: keySize}
	n.setType(Leaf)
	n.setKeyCount(0)
	n.SetOrder(order)
	n.SetNextLeaf(types.InvalidPageID)
	n.SetParent(types.InvalidPageID)
	return n
}

// NewInternal initializes buf as an empty internal node with the given
// sole (rightmost) child.
func NewInternal(buf []byte, keySize, order int, rightmost types.PageID) *Node {
	n := &Node{buf: buf, keySize: keySize}
	n.setType(Internal)
	n.setKeyCount(0)
	n.SetOrder(order)
	n.SetParent(types.InvalidPageID)
	n.setRightmost(rightmost)
	return n
}

// Wrap adapts an existing on-disk node buffer for reading/mutation.
func Wrap(buf []byte, keySize int) *Node { return &Node{buf: buf, keySize: keySize} }

func (n *Node) Bytes() []byte { return n.buf }

func (n *Node) Type() NodeType { return NodeType(n.buf[hOffType]) }
func (n *Node) setType(t NodeType) { n.buf[hOffType] = byte(t) }
func (n *Node) IsLeaf() bool { return n.Type() == Leaf }

func (n *Node) KeyCount() int { return int(binary.LittleEndian.Uint16(n.buf[hOffKeyCount:])) }
func (n *Node) setKeyCount(c int) { binary.LittleEndian.PutUint16(n.buf[hOffKeyCount:], uint16(c)) }

func (n *Node) Order() int { return int(binary.LittleEndian.Uint16(n.buf[hOffOrder:])) }
func (n *Node) SetOrder(o int) { binary.LittleEndian.PutUint16(n.buf[hOffOrder:], uint16(o)) }

func (n *Node) NextLeaf() types.PageID {
	return types.PageID(binary.LittleEndian.Uint32(n.buf[hOffNextLeaf:]))
}
func (n *Node) SetNextLeaf(id types.PageID) {
	binary.LittleEndian.PutUint32(n.buf[hOffNextLeaf:], uint32(id))
}

// Parent is advisory only: the canonical parent is the one discovered
// during root-to-leaf descent, not this field.
func (n *Node) Parent() types.PageID {
	return types.PageID(binary.LittleEndian.Uint32(n.buf[hOffParent:]))
}
func (n *Node) SetParent(id types.PageID) {
	binary.LittleEndian.PutUint32(n.buf[hOffParent:], uint32(id))
}

func (n *Node) rightmost() types.PageID {
	return types.PageID(binary.LittleEndian.Uint32(n.buf[rightmostOff:]))
}
func (n *Node) setRightmost(id types.PageID) {
	binary.LittleEndian.PutUint32(n.buf[rightmostOff:], uint32(id))
}

func (n *Node) entrySize() int {
	if n.IsLeaf() {
		return n.keySize + locationSize
	}
	return n.keySize + childSize
}

func (n *Node) entryOffset(i int) int { return dataOffset + i*n.entrySize() }

// Key returns the raw (possibly truncated-with-spill) key bytes at index i.
func (n *Node) Key(i int) []byte {
	off := n.entryOffset(i)
	return n.buf[off : off+n.keySize]
}

func (n *Node) setKey(i int, key []byte) {
	off := n.entryOffset(i)
	copy(n.buf[off:off+n.keySize], key)
}

// Location returns the document location stored at leaf entry i.
func (n *Node) Location(i int) types.DocumentLocation {
	off := n.entryOffset(i) + n.keySize
	return types.DocumentLocation{
		Page: types.PageID(binary.LittleEndian.Uint32(n.buf[off:])),
		Slot: types.SlotIndex(binary.LittleEndian.Uint16(n.buf[off+4:])),
	}
}

func (n *Node) setLocation(i int, loc types.DocumentLocation) {
	off := n.entryOffset(i) + n.keySize
	binary.LittleEndian.PutUint32(n.buf[off:], uint32(loc.Page))
	binary.LittleEndian.PutUint16(n.buf[off+4:], uint16(loc.Slot))
}

// Child returns the left-child page id paired with internal entry i.
func (n *Node) Child(i int) types.PageID {
	off := n.entryOffset(i) + n.keySize
	return types.PageID(binary.LittleEndian.Uint32(n.buf[off:]))
}

func (n *Node) setChild(i int, id types.PageID) {
	off := n.entryOffset(i) + n.keySize
	binary.LittleEndian.PutUint32(n.buf[off:], uint32(id))
}

// Capacity reports how many entries fit in one page at the given key
// width; a tree's order is chosen so a full node still fits its page.
func Capacity(pageSize, keySize int) int {
	entry := keySize + locationSize // leaf entries are the larger of the two
	n := (pageSize - dataOffset) / entry
	if n < 3 {
		return 3
	}
	return n
}

// leafView/internalView decode a node's entries into plain slices for the
// insert/split arithmetic in tree.go, which is far less error-prone done
// over slices than via direct in-buffer shifting.

type leafView struct {
	keys [][]byte
	locs []types.DocumentLocation
}

func decodeLeaf(n *Node) leafView {
	v := leafView{}
	for i := 0; i < n.KeyCount(); i++ {
		k := make([]byte, n.keySize)
		copy(k, n.Key(i))
		v.keys = append(v.keys, k)
		v.locs = append(v.locs, n.Location(i))
	}
	return v
}

func encodeLeaf(buf []byte, keySize, order int, v leafView, nextLeaf, parent types.PageID) *Node {
	n := NewLeaf(buf, keySize, order)
	n.SetNextLeaf(nextLeaf)
	n.SetParent(parent)
	n.setKeyCount(len(v.keys))
	for i := range v.keys {
		n.setKey(i, v.keys[i])
		n.setLocation(i, v.locs[i])
	}
	return n
}

type internalView struct {
	keys      [][]byte
	children  []types.PageID // len(children) == len(keys)
	rightmost types.PageID
}

func decodeInternal(n *Node) internalView {
	v := internalView{rightmost: n.rightmost()}
	for i := 0; i < n.KeyCount(); i++ {
		k := make([]byte, n.keySize)
		copy(k, n.Key(i))
		v.keys = append(v.keys, k)
		v.children = append(v.children, n.Child(i))
	}
	return v
}

func encodeInternal(buf []byte, keySize, order int, v internalView, parent types.PageID) *Node {
	n := NewInternal(buf, keySize, order, v.rightmost)
	n.SetParent(parent)
	n.setKeyCount(len(v.keys))
	for i := range v.keys {
		n.setKey(i, v.keys[i])
		n.setChild(i, v.children[i])
	}
	return n
}

// Children returns every child page id of an internal node (the keyed
// children plus the rightmost), or nil for a leaf. Used by maintenance
// code that walks a tree without descending through Tree itself.
func (n *Node) Children() []types.PageID {
	if n.IsLeaf() {
		return nil
	}
	return decodeInternal(n).allChildren()
}

// allChildren returns the combined child list (the key_count "left"
// children followed by the rightmost child), length key_count+1.
func (v internalView) allChildren() []types.PageID {
	all := make([]types.PageID, 0, len(v.children)+1)
	all = append(all, v.children...)
	all = append(all, v.rightmost)
	return all
}

func checkKeySize(keySize int, key []byte) error {
	if len(key) != keySize {
		return galdrerr.InvalidArgument("key is %d bytes, tree expects %d", len(key), keySize)
	}
	return nil
}
