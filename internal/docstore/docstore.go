// Package docstore places document payloads onto slotted pages, spilling
// large payloads across chained overflow pages, and reads them back. It
// sits between the engine's collection operations and the buffered page
// layer: every write goes through a transaction's write-set, every read
// prefers it.
package docstore

import (
	"encoding/binary"

	"github.com/golang/snappy"

	"github.com/rthomasv3/GaldrDb-sub002/internal/buffer"
	"github.com/rthomasv3/GaldrDb-sub002/internal/galdrerr"
	"github.com/rthomasv3/GaldrDb-sub002/internal/page"
	"github.com/rthomasv3/GaldrDb-sub002/internal/slotted"
	"github.com/rthomasv3/GaldrDb-sub002/internal/types"
)

// Overflow pages carry a small header ahead of their chunk bytes:
// page_type:u8, reserved:u8, used:u16, next:u32.
const overflowHeaderSize = 8

const (
	ovOffType = 0
	ovOffUsed = 2
	ovOffNext = 4
)

// Store reads and writes document payloads for all collections. It holds
// no per-collection state; callers hand it the tail page of the
// collection's page roster and get back the (possibly new) tail.
type Store struct {
	pm  *page.Manager
	buf *buffer.Layer
}

func New(pm *page.Manager, buf *buffer.Layer) *Store {
	return &Store{pm: pm, buf: buf}
}

func (s *Store) pageSize() int { return s.pm.Header().PageSize }

// inlineCap is the largest payload written inline into a slotted page.
// Anything larger is snappy-compressed and chunked across overflow pages,
// keeping any single document from monopolizing a shared page.
func (s *Store) inlineCap() int {
	return slotted.InlineBudget(s.pageSize()) / 4
}

func (s *Store) allocate(ws buffer.WriteSet) (types.PageID, error) {
	return s.pm.Allocate(func(id types.PageID) (types.PageID, error) {
		buf, err := s.buf.Read(id, ws)
		if err != nil {
			return 0, err
		}
		return page.ReadFreeListNext(buf), nil
	})
}

// Write stores payload and returns its location. tail is the current tail
// page of the collection's document-page roster (InvalidPageID when the
// collection has no pages yet); when the tail is full a fresh page is
// allocated and returned as newTail so the caller can grow the roster.
func (s *Store) Write(ws buffer.WriteSet, payload []byte, tail types.PageID) (loc types.DocumentLocation, newTail types.PageID, err error) {
	inline := payload
	totalSize := uint32(len(payload))
	var pageCount uint16
	firstOverflow := types.InvalidPageID

	if len(payload) > s.inlineCap() {
		firstOverflow, pageCount, err = s.writeOverflow(ws, payload)
		if err != nil {
			return loc, tail, err
		}
		inline = nil
	}

	// Try the roster tail first; fall back to a fresh page on NoSpace.
	if tail != types.InvalidPageID {
		buf, err := s.buf.Read(tail, ws)
		if err != nil {
			return loc, tail, err
		}
		p := slotted.Wrap(buf)
		if p.NeedsCompaction(64) {
			p.Compact()
		}
		slot, err := p.AddDocument(inline, totalSize, pageCount, firstOverflow)
		if err == nil {
			p.RecomputeChecksum()
			if err := s.buf.Write(ws, tail, buf); err != nil {
				return loc, tail, err
			}
			return types.DocumentLocation{Page: tail, Slot: slot}, tail, nil
		}
		if err != slotted.ErrNoSpace {
			return loc, tail, err
		}
	}

	id, err := s.allocate(ws)
	if err != nil {
		return loc, tail, err
	}
	buf := make([]byte, s.pageSize())
	p := slotted.New(buf, page.PageTypeDocument)
	slot, err := p.AddDocument(inline, totalSize, pageCount, firstOverflow)
	if err != nil {
		return loc, tail, err
	}
	p.RecomputeChecksum()
	if err := s.buf.Write(ws, id, buf); err != nil {
		return loc, tail, err
	}

	// Chain the old tail to the new page so the collection's page roster
	// stays walkable from its first page.
	if tail != types.InvalidPageID {
		prev, err := s.buf.Read(tail, ws)
		if err != nil {
			return loc, tail, err
		}
		pp := slotted.Wrap(prev)
		pp.SetNextLeaf(id)
		pp.RecomputeChecksum()
		if err := s.buf.Write(ws, tail, prev); err != nil {
			return loc, tail, err
		}
	}
	return types.DocumentLocation{Page: id, Slot: slot}, id, nil
}

// WalkRoster visits every document page of a collection's roster chain in
// order, starting from its first page.
func (s *Store) WalkRoster(ws buffer.WriteSet, first types.PageID, fn func(id types.PageID, p *slotted.Page) error) error {
	id := first
	for id != types.InvalidPageID {
		buf, err := s.buf.Read(id, ws)
		if err != nil {
			return err
		}
		p := slotted.Wrap(buf)
		if err := fn(id, p); err != nil {
			return err
		}
		id = p.NextLeaf()
	}
	return nil
}

func (s *Store) writeOverflow(ws buffer.WriteSet, payload []byte) (types.PageID, uint16, error) {
	compressed := snappy.Encode(nil, payload)
	chunk := s.pageSize() - overflowHeaderSize

	var ids []types.PageID
	for off := 0; off < len(compressed); off += chunk {
		id, err := s.allocate(ws)
		if err != nil {
			return 0, 0, err
		}
		ids = append(ids, id)
	}

	for i, id := range ids {
		start := i * chunk
		end := start + chunk
		if end > len(compressed) {
			end = len(compressed)
		}
		buf := make([]byte, s.pageSize())
		buf[ovOffType] = page.PageTypeOverflow
		binary.LittleEndian.PutUint16(buf[ovOffUsed:], uint16(end-start))
		next := types.InvalidPageID
		if i+1 < len(ids) {
			next = ids[i+1]
		}
		binary.LittleEndian.PutUint32(buf[ovOffNext:], uint32(next))
		copy(buf[overflowHeaderSize:], compressed[start:end])
		if err := s.buf.Write(ws, id, buf); err != nil {
			return 0, 0, err
		}
	}
	return ids[0], uint16(len(ids)), nil
}

// Read fetches the full payload at loc, reassembling and decompressing
// the overflow chain when the document was spilled. Returns NotFound for
// a tombstoned or out-of-range slot.
func (s *Store) Read(ws buffer.WriteSet, loc types.DocumentLocation) ([]byte, error) {
	buf, err := s.buf.Read(loc.Page, ws)
	if err != nil {
		return nil, err
	}
	p := slotted.Wrap(buf)
	if p.IsTombstone(loc.Slot) {
		return nil, galdrerr.NotFound("no document at %s", loc)
	}
	sl := p.Slot(loc.Slot)
	if sl.PageCount == 0 {
		inline, _ := p.Get(loc.Slot)
		out := make([]byte, len(inline))
		copy(out, inline)
		return out, nil
	}
	return s.readOverflow(ws, sl)
}

func (s *Store) readOverflow(ws buffer.WriteSet, sl slotted.Slot) ([]byte, error) {
	var compressed []byte
	id := sl.FirstOverflow
	for i := 0; i < int(sl.PageCount); i++ {
		if id == types.InvalidPageID {
			return nil, galdrerr.Corruption("overflow chain ends after %d of %d pages", i, sl.PageCount)
		}
		buf, err := s.buf.Read(id, ws)
		if err != nil {
			return nil, err
		}
		if buf[ovOffType] != page.PageTypeOverflow {
			return nil, galdrerr.Corruption("page %d in overflow chain has type %d", id, buf[ovOffType])
		}
		used := int(binary.LittleEndian.Uint16(buf[ovOffUsed:]))
		compressed = append(compressed, buf[overflowHeaderSize:overflowHeaderSize+used]...)
		id = types.PageID(binary.LittleEndian.Uint32(buf[ovOffNext:]))
	}
	payload, err := snappy.Decode(nil, compressed)
	if err != nil {
		return nil, galdrerr.Wrap(galdrerr.KindCorruption, err, "overflow payload does not decompress")
	}
	if uint32(len(payload)) != sl.TotalSize {
		return nil, galdrerr.Corruption("overflow payload is %d bytes, slot records %d", len(payload), sl.TotalSize)
	}
	return payload, nil
}

// Delete tombstones the slot at loc and returns its overflow chain to the
// free list. The inline payload bytes stay on the page until the next
// compaction.
func (s *Store) Delete(ws buffer.WriteSet, loc types.DocumentLocation) error {
	buf, err := s.buf.Read(loc.Page, ws)
	if err != nil {
		return err
	}
	p := slotted.Wrap(buf)
	if p.IsTombstone(loc.Slot) {
		return nil
	}
	sl := p.Slot(loc.Slot)
	if err := p.Delete(loc.Slot); err != nil {
		return err
	}
	p.RecomputeChecksum()
	if err := s.buf.Write(ws, loc.Page, buf); err != nil {
		return err
	}

	id := sl.FirstOverflow
	for i := 0; i < int(sl.PageCount) && id != types.InvalidPageID; i++ {
		buf, err := s.buf.Read(id, ws)
		if err != nil {
			return err
		}
		next := types.PageID(binary.LittleEndian.Uint32(buf[ovOffNext:]))
		if err := s.free(ws, id); err != nil {
			return err
		}
		id = next
	}
	return nil
}

func (s *Store) free(ws buffer.WriteSet, id types.PageID) error {
	writeID, fill := s.pm.FreeListEntry(id)
	buf := make([]byte, s.pageSize())
	fill(buf)
	return s.buf.Write(ws, writeID, buf)
}

// WriteSpill persists the full text of an over-length string index key on
// its own overflow page and returns that page's id.
func (s *Store) WriteSpill(ws buffer.WriteSet, full string) (types.PageID, error) {
	if len(full) > s.pageSize()-overflowHeaderSize {
		return 0, galdrerr.InvalidArgument("string key of %d bytes exceeds the spill-page capacity", len(full))
	}
	id, err := s.allocate(ws)
	if err != nil {
		return 0, err
	}
	buf := make([]byte, s.pageSize())
	buf[ovOffType] = page.PageTypeOverflow
	binary.LittleEndian.PutUint16(buf[ovOffUsed:], uint16(len(full)))
	binary.LittleEndian.PutUint32(buf[ovOffNext:], uint32(types.InvalidPageID))
	copy(buf[overflowHeaderSize:], full)
	if err := s.buf.Write(ws, id, buf); err != nil {
		return 0, err
	}
	return id, nil
}

// ReadSpill reads back a string persisted by WriteSpill.
func (s *Store) ReadSpill(ws buffer.WriteSet, id types.PageID) (string, error) {
	buf, err := s.buf.Read(id, ws)
	if err != nil {
		return "", err
	}
	if buf[ovOffType] != page.PageTypeOverflow {
		return "", galdrerr.Corruption("spill page %d has type %d", id, buf[ovOffType])
	}
	used := int(binary.LittleEndian.Uint16(buf[ovOffUsed:]))
	return string(buf[overflowHeaderSize : overflowHeaderSize+used]), nil
}
