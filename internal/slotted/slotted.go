// Package slotted implements the slotted document page: a page that
// packs variable-length payloads at the high end and indexes them
// through a slot directory growing from the low end. Deletion leaves a
// tombstone in place; compaction repacks payload bytes without ever
// renumbering slots, so a (page, slot) location stays valid for the
// lifetime of the document version it names.
package slotted

import (
	"encoding/binary"
	"errors"

	"github.com/rthomasv3/GaldrDb-sub002/internal/galdrerr"
	"github.com/rthomasv3/GaldrDb-sub002/internal/page"
	"github.com/rthomasv3/GaldrDb-sub002/internal/types"
)

// ErrNoSpace is returned by AddDocument when the page cannot hold the new
// inline payload plus a slot entry. Callers respond by allocating a fresh
// page.
var ErrNoSpace = errors.New("slotted: no space on page")

const (
	HeaderSize    = 16
	SlotEntrySize = 16
)

// Header field offsets: page_type:u8, reserved:u8, slot_count:u16,
// free_space_offset:u16, free_space_end:u16, next_leaf_page_id:u32,
// checksum:u32.
const (
	hOffPageType     = 0
	hOffSlotCount    = 2
	hOffFreeSpaceOff = 4
	hOffFreeSpaceEnd = 6
	hOffNextLeaf     = 8
	hOffChecksum     = 12
)

// Slot entry field offsets: offset:u16, length:u16, total_size:u32,
// page_count:u16, first_overflow:u32, reserved:u16.
const (
	sOffOffset        = 0
	sOffLength        = 2
	sOffTotalSize     = 4
	sOffPageCount     = 8
	sOffFirstOverflow = 10
	sOffReserved      = 14
)

// Slot is the decoded form of one slot-directory entry.
type Slot struct {
	Offset        uint16
	Length        uint16
	TotalSize     uint32
	PageCount     uint16
	FirstOverflow types.PageID
}

// IsTombstone reports whether the slot has been deleted.
func (s Slot) IsTombstone() bool { return s.Length == 0 && s.PageCount == 0 }

// Page wraps a single page-sized buffer as a slotted document page.
type Page struct {
	buf []byte
}

// New initializes buf (which must be pageSize bytes, typically freshly
// zeroed) as an empty slotted page of the given type.
func New(buf []byte, pageType byte) *Page {
	p := &Page{buf: buf}
	buf[hOffPageType] = pageType
	p.setSlotCount(0)
	p.setFreeSpaceOffset(HeaderSize)
	p.setFreeSpaceEnd(len(buf))
	return p
}

// Wrap adapts an existing page buffer (e.g. one just read off disk) without
// resetting it.
func Wrap(buf []byte) *Page { return &Page{buf: buf} }

func (p *Page) Bytes() []byte { return p.buf }

func (p *Page) PageType() byte { return p.buf[hOffPageType] }

func (p *Page) SlotCount() int {
	return int(binary.LittleEndian.Uint16(p.buf[hOffSlotCount:]))
}

func (p *Page) setSlotCount(n int) {
	binary.LittleEndian.PutUint16(p.buf[hOffSlotCount:], uint16(n))
}

func (p *Page) FreeSpaceOffset() int {
	return int(binary.LittleEndian.Uint16(p.buf[hOffFreeSpaceOff:]))
}

func (p *Page) setFreeSpaceOffset(off int) {
	binary.LittleEndian.PutUint16(p.buf[hOffFreeSpaceOff:], uint16(off))
}

func (p *Page) FreeSpaceEnd() int {
	return int(binary.LittleEndian.Uint16(p.buf[hOffFreeSpaceEnd:]))
}

func (p *Page) setFreeSpaceEnd(off int) {
	binary.LittleEndian.PutUint16(p.buf[hOffFreeSpaceEnd:], uint16(off))
}

// NextLeaf / SetNextLeaf chain document pages into a walkable roster (and
// catalog pages into their chains). B-tree leaves carry their own sibling
// pointer in the node header; this field is not that one.
func (p *Page) NextLeaf() types.PageID {
	return types.PageID(binary.LittleEndian.Uint32(p.buf[hOffNextLeaf:]))
}

func (p *Page) SetNextLeaf(id types.PageID) {
	binary.LittleEndian.PutUint32(p.buf[hOffNextLeaf:], uint32(id))
}

// ContiguousFree returns FreeSpaceEnd - FreeSpaceOffset, the unfragmented
// free space available for a new slot entry plus its inline payload.
func (p *Page) ContiguousFree() int {
	return p.FreeSpaceEnd() - p.FreeSpaceOffset()
}

// LogicalFree is the contiguous free space plus the inline bytes occupied
// by tombstoned slots, the space compaction could recover.
func (p *Page) LogicalFree() int {
	return p.ContiguousFree() + p.tombstoneBytes()
}

func (p *Page) tombstoneBytes() int {
	total := 0
	for i := 0; i < p.SlotCount(); i++ {
		off := HeaderSize + i*SlotEntrySize
		length := binary.LittleEndian.Uint16(p.buf[off+sOffLength:])
		pageCount := binary.LittleEndian.Uint16(p.buf[off+sOffPageCount:])
		totalSize := binary.LittleEndian.Uint32(p.buf[off+sOffTotalSize:])
		if length == 0 && pageCount == 0 && totalSize > 0 {
			// tombstoned slot whose former inline length we no longer
			// have: reconstructed lazily isn't possible once
			// zeroed, so Delete() instead preserves TotalSize as the
			// reclaimable-byte marker (see Delete).
			total += int(totalSize)
		}
	}
	return total
}

// Slot returns the decoded slot-directory entry at index i. Callers must
// ensure i < SlotCount().
func (p *Page) Slot(i types.SlotIndex) Slot {
	off := HeaderSize + int(i)*SlotEntrySize
	return Slot{
		Offset:        binary.LittleEndian.Uint16(p.buf[off+sOffOffset:]),
		Length:        binary.LittleEndian.Uint16(p.buf[off+sOffLength:]),
		TotalSize:     binary.LittleEndian.Uint32(p.buf[off+sOffTotalSize:]),
		PageCount:     binary.LittleEndian.Uint16(p.buf[off+sOffPageCount:]),
		FirstOverflow: types.PageID(binary.LittleEndian.Uint32(p.buf[off+sOffFirstOverflow:])),
	}
}

func (p *Page) setSlot(i types.SlotIndex, s Slot) {
	off := HeaderSize + int(i)*SlotEntrySize
	binary.LittleEndian.PutUint16(p.buf[off+sOffOffset:], s.Offset)
	binary.LittleEndian.PutUint16(p.buf[off+sOffLength:], s.Length)
	binary.LittleEndian.PutUint32(p.buf[off+sOffTotalSize:], s.TotalSize)
	binary.LittleEndian.PutUint16(p.buf[off+sOffPageCount:], s.PageCount)
	binary.LittleEndian.PutUint32(p.buf[off+sOffFirstOverflow:], uint32(s.FirstOverflow))
	binary.LittleEndian.PutUint16(p.buf[off+sOffReserved:], 0)
}

// IsTombstone reports whether slot i has been deleted or is out of range.
func (p *Page) IsTombstone(i types.SlotIndex) bool {
	if int(i) >= p.SlotCount() {
		return true
	}
	return p.Slot(i).IsTombstone()
}

// Get returns the inline payload bytes stored at slot i, or (nil, false) if
// the slot is a tombstone or out of range. Callers needing the full,
// possibly-overflowed payload use Slot(i) to discover the overflow chain.
func (p *Page) Get(i types.SlotIndex) ([]byte, bool) {
	if int(i) >= p.SlotCount() {
		return nil, false
	}
	s := p.Slot(i)
	if s.IsTombstone() {
		return nil, false
	}
	return p.buf[s.Offset : int(s.Offset)+int(s.Length)], true
}

// AddDocument appends a new slot holding the given inline payload.
// totalSize/pageCount/firstOverflow describe an overflow chain carrying the
// remainder of the document when it doesn't fit inline; pageCount==0 means
// the payload is stored entirely inline (totalSize == len(payload)).
//
// Slot indices are never reused: every call appends at slot_count, even
// across intervening deletes, so a tombstoned index never refers to a
// different logical document later.
func (p *Page) AddDocument(payload []byte, totalSize uint32, pageCount uint16, firstOverflow types.PageID) (types.SlotIndex, error) {
	needed := len(payload) + SlotEntrySize
	if p.ContiguousFree() < needed {
		return 0, ErrNoSpace
	}
	newEnd := p.FreeSpaceEnd() - len(payload)
	copy(p.buf[newEnd:], payload)
	p.setFreeSpaceEnd(newEnd)

	idx := types.SlotIndex(p.SlotCount())
	p.setSlot(idx, Slot{
		Offset:        uint16(newEnd),
		Length:        uint16(len(payload)),
		TotalSize:     totalSize,
		PageCount:     pageCount,
		FirstOverflow: firstOverflow,
	})
	p.setFreeSpaceOffset(p.FreeSpaceOffset() + SlotEntrySize)
	p.setSlotCount(p.SlotCount() + 1)
	return idx, nil
}

// UpdateInPlace rewrites the inline payload of an existing, non-tombstoned
// slot. It only succeeds if the new payload is no longer than the slot's
// current Length; a longer payload must instead be written via
// Delete+AddDocument (or relocated to another page) by the caller.
func (p *Page) UpdateInPlace(i types.SlotIndex, payload []byte, totalSize uint32, pageCount uint16, firstOverflow types.PageID) error {
	if int(i) >= p.SlotCount() {
		return galdrerr.InvalidArgument("slot %d out of range", i)
	}
	s := p.Slot(i)
	if s.IsTombstone() {
		return galdrerr.InvalidArgument("slot %d is a tombstone", i)
	}
	if len(payload) > int(s.Length) {
		return galdrerr.InvalidArgument("payload of %d bytes exceeds slot capacity %d", len(payload), s.Length)
	}
	copy(p.buf[s.Offset:], payload)
	p.setSlot(i, Slot{
		Offset:        s.Offset,
		Length:        uint16(len(payload)),
		TotalSize:     totalSize,
		PageCount:     pageCount,
		FirstOverflow: firstOverflow,
	})
	return nil
}

// Delete tombstones slot i. The inline payload bytes remain in the packed
// region until the next Compact().
func (p *Page) Delete(i types.SlotIndex) error {
	if int(i) >= p.SlotCount() {
		return galdrerr.InvalidArgument("slot %d out of range", i)
	}
	s := p.Slot(i)
	if s.IsTombstone() {
		return nil
	}
	reclaimable := uint32(s.Length)
	p.setSlot(i, Slot{TotalSize: reclaimable})
	return nil
}

// NeedsCompaction reports whether the logical free space exceeds the
// contiguous free space by at least minGain bytes.
func (p *Page) NeedsCompaction(minGain int) bool {
	return p.LogicalFree()-p.ContiguousFree() >= minGain
}

// Compact rewrites the payload region bottom-up in slot-index order,
// skipping tombstones. Slot offsets are rewritten; FreeSpaceOffset (and
// therefore slot indices) never change. Idempotent.
func (p *Page) Compact() {
	type live struct {
		idx  types.SlotIndex
		data []byte
	}
	var keep []live
	n := p.SlotCount()
	for i := 0; i < n; i++ {
		idx := types.SlotIndex(i)
		s := p.Slot(idx)
		if s.IsTombstone() {
			continue
		}
		data := make([]byte, s.Length)
		copy(data, p.buf[s.Offset:int(s.Offset)+int(s.Length)])
		keep = append(keep, live{idx: idx, data: data})
	}

	end := len(p.buf)
	for _, l := range keep {
		end -= len(l.data)
		copy(p.buf[end:], l.data)
		s := p.Slot(l.idx)
		s.Offset = uint16(end)
		p.setSlot(l.idx, s)
	}
	p.setFreeSpaceEnd(end)
}

// RecomputeChecksum stores a fresh integrity checksum over the whole page
// (with the checksum field itself zeroed while hashing).
func (p *Page) RecomputeChecksum() {
	binary.LittleEndian.PutUint32(p.buf[hOffChecksum:], 0)
	sum := page.Checksum(p.buf)
	binary.LittleEndian.PutUint32(p.buf[hOffChecksum:], sum)
}

// VerifyChecksum reports whether the stored checksum matches the page
// content.
func (p *Page) VerifyChecksum() bool {
	stored := binary.LittleEndian.Uint32(p.buf[hOffChecksum:])
	tmp := make([]byte, len(p.buf))
	copy(tmp, p.buf)
	binary.LittleEndian.PutUint32(tmp[hOffChecksum:], 0)
	return page.Checksum(tmp) == stored
}

// InlineBudget returns the maximum inline payload size a brand-new slot on
// an otherwise-empty page of this size could hold, used by the
// document-page orchestrator to decide when a payload must spill to
// overflow pages.
func InlineBudget(pageSize int) int {
	return pageSize - HeaderSize - SlotEntrySize
}
