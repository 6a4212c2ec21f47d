package catalog

import (
	"encoding/binary"
	"sort"

	"github.com/rthomasv3/GaldrDb-sub002/internal/btree"
	"github.com/rthomasv3/GaldrDb-sub002/internal/page"
	"github.com/rthomasv3/GaldrDb-sub002/internal/record"
	"github.com/rthomasv3/GaldrDb-sub002/internal/slotted"
	"github.com/rthomasv3/GaldrDb-sub002/internal/types"
)

// Orphans is the result of reconciling catalog entries against the
// physical pages of the file: schema without backing, and backing without
// schema. A crash between a page allocation and the catalog write (or a
// partial log replay) produces both kinds.
type Orphans struct {
	// Collections without physical backing: the catalog names them but
	// their roster or primary-index root page is missing or mistyped.
	Collections []string
	// Index entries whose root page is missing or mistyped, as
	// "collection.field".
	Indexes []string
	// Physical B-tree pages reachable from no catalog root.
	IndexPages []types.PageID
	// Overflow pages referenced by no live slot and no index key.
	OverflowPages []types.PageID
}

// Empty reports whether reconciliation found nothing to clean.
func (o Orphans) Empty() bool {
	return len(o.Collections) == 0 && len(o.Indexes) == 0 &&
		len(o.IndexPages) == 0 && len(o.OverflowPages) == 0
}

// Reconcile scans every allocated page, classifies it, and compares the
// result against the catalog.
func (c *Catalog) Reconcile() (Orphans, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var o Orphans
	h := c.pm.Header()
	limit := h.NextPageID

	typeOf := func(id types.PageID) (byte, error) {
		if id == types.InvalidPageID || id >= limit {
			return page.PageTypeFree, nil
		}
		buf, err := c.buf.Read(id, nil)
		if err != nil {
			return 0, err
		}
		return buf[0], nil
	}

	reachable := map[types.PageID]bool{page.HeaderPageID: true}

	// Free-list chain.
	for id := h.FreeListHead; id != types.InvalidPageID; {
		reachable[id] = true
		buf, err := c.buf.Read(id, nil)
		if err != nil {
			return o, err
		}
		id = page.ReadFreeListNext(buf)
	}

	names := make([]string, 0, len(c.collections))
	for name := range c.collections {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		def := c.collections[name]
		broken := false

		// Roster chain and the overflow chains its live slots own.
		if def.FirstPage != types.InvalidPageID {
			t, err := typeOf(def.FirstPage)
			if err != nil {
				return o, err
			}
			if t != page.PageTypeDocument {
				broken = true
			} else if err := c.markRoster(def.FirstPage, reachable); err != nil {
				return o, err
			}
		}

		if def.PrimaryRoot != types.InvalidPageID {
			t, err := typeOf(def.PrimaryRoot)
			if err != nil {
				return o, err
			}
			if t != page.PageTypeBTreeLeaf && t != page.PageTypeBTreeInternal {
				broken = true
			} else if err := c.markTree(def.PrimaryRoot, 8, reachable); err != nil {
				return o, err
			}
		}
		if broken {
			o.Collections = append(o.Collections, name)
		}

		fields := make([]string, 0, len(def.Secondary))
		for f := range def.Secondary {
			fields = append(fields, f)
		}
		sort.Strings(fields)
		for _, f := range fields {
			idx := def.Secondary[f]
			if idx.Root == types.InvalidPageID {
				continue
			}
			t, err := typeOf(idx.Root)
			if err != nil {
				return o, err
			}
			if t != page.PageTypeBTreeLeaf && t != page.PageTypeBTreeInternal {
				o.Indexes = append(o.Indexes, name+"."+f)
				continue
			}
			keySize := record.KeyWidth(idx.Kind) + 8
			if err := c.markTree(idx.Root, keySize, reachable); err != nil {
				return o, err
			}
			if idx.Kind == record.KindString {
				if err := c.markSpills(idx.Root, keySize, reachable); err != nil {
					return o, err
				}
			}
		}
	}

	for id := types.PageID(1); id < limit; id++ {
		if reachable[id] {
			continue
		}
		t, err := typeOf(id)
		if err != nil {
			return o, err
		}
		switch t {
		case page.PageTypeBTreeLeaf, page.PageTypeBTreeInternal:
			o.IndexPages = append(o.IndexPages, id)
		case page.PageTypeOverflow:
			o.OverflowPages = append(o.OverflowPages, id)
		}
	}
	return o, nil
}

// liveDocumentCount walks a roster chain counting non-tombstoned slots.
func (c *Catalog) liveDocumentCount(first types.PageID) (int, error) {
	count := 0
	id := first
	seen := map[types.PageID]bool{}
	for id != types.InvalidPageID && !seen[id] {
		seen[id] = true
		buf, err := c.buf.Read(id, nil)
		if err != nil {
			return 0, err
		}
		p := slotted.Wrap(buf)
		for i := 0; i < p.SlotCount(); i++ {
			if !p.IsTombstone(types.SlotIndex(i)) {
				count++
			}
		}
		id = p.NextLeaf()
	}
	return count, nil
}

func (c *Catalog) markRoster(first types.PageID, reachable map[types.PageID]bool) error {
	id := first
	for id != types.InvalidPageID {
		if reachable[id] {
			return nil // cycle guard
		}
		reachable[id] = true
		buf, err := c.buf.Read(id, nil)
		if err != nil {
			return err
		}
		p := slotted.Wrap(buf)
		for i := 0; i < p.SlotCount(); i++ {
			sl := p.Slot(types.SlotIndex(i))
			if sl.IsTombstone() || sl.PageCount == 0 {
				continue
			}
			ov := sl.FirstOverflow
			for j := 0; j < int(sl.PageCount) && ov != types.InvalidPageID; j++ {
				reachable[ov] = true
				obuf, err := c.buf.Read(ov, nil)
				if err != nil {
					return err
				}
				ov = types.PageID(binary.LittleEndian.Uint32(obuf[4:]))
			}
		}
		id = p.NextLeaf()
	}
	return nil
}

func (c *Catalog) markTree(root types.PageID, keySize int, reachable map[types.PageID]bool) error {
	stack := []types.PageID{root}
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if id == types.InvalidPageID || reachable[id] {
			continue
		}
		reachable[id] = true
		buf, err := c.buf.Read(id, nil)
		if err != nil {
			return err
		}
		n := btree.Wrap(buf, keySize)
		if n.IsLeaf() {
			continue
		}
		stack = append(stack, n.Children()...)
	}
	return nil
}

// markSpills walks a string index's leaves marking the spill pages its
// over-length keys point to.
func (c *Catalog) markSpills(root types.PageID, keySize int, reachable map[types.PageID]bool) error {
	stack := []types.PageID{root}
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if id == types.InvalidPageID {
			continue
		}
		buf, err := c.buf.Read(id, nil)
		if err != nil {
			return err
		}
		n := btree.Wrap(buf, keySize)
		if !n.IsLeaf() {
			stack = append(stack, n.Children()...)
			continue
		}
		for i := 0; i < n.KeyCount(); i++ {
			key := n.Key(i)
			// The field-value prefix of a composite key is a fixed-width
			// string encoding; its last 4 bytes are the spill page id.
			fieldWidth := keySize - 8
			spill := types.PageID(binary.BigEndian.Uint32(key[fieldWidth-4 : fieldWidth]))
			if spill != types.InvalidPageID {
				reachable[spill] = true
			}
		}
	}
	return nil
}

// Cleanup removes the orphans found by Reconcile: broken catalog entries
// are dropped (their index entries with them) and unreachable index and
// overflow pages are returned to the free list. A broken collection whose
// roster still holds live documents is only dropped when deleteDocuments
// is set; otherwise it is skipped and reported again next time. The
// cleaned orphan set is returned.
func (c *Catalog) Cleanup(ws WriteSetWriter, deleteDocuments bool) (Orphans, error) {
	o, err := c.Reconcile()
	if err != nil {
		return Orphans{}, err
	}
	if o.Empty() {
		return o, nil
	}

	cleaned := Orphans{IndexPages: o.IndexPages, OverflowPages: o.OverflowPages}

	c.mu.Lock()
	for _, name := range o.Collections {
		def := c.collections[name]
		if def != nil && def.FirstPage != types.InvalidPageID && !deleteDocuments {
			n, err := c.liveDocumentCount(def.FirstPage)
			if err == nil && n > 0 {
				continue
			}
		}
		delete(c.collections, name)
		cleaned.Collections = append(cleaned.Collections, name)
	}
	for _, qualified := range o.Indexes {
		for _, def := range c.collections {
			for f := range def.Secondary {
				if def.Name+"."+f == qualified {
					delete(def.Secondary, f)
					cleaned.Indexes = append(cleaned.Indexes, qualified)
				}
			}
		}
	}
	c.mu.Unlock()

	for _, id := range append(append([]types.PageID{}, o.IndexPages...), o.OverflowPages...) {
		writeID, fill := c.pm.FreeListEntry(id)
		buf := make([]byte, c.pm.Header().PageSize)
		fill(buf)
		if err := ws.Write(writeID, buf); err != nil {
			return cleaned, err
		}
	}
	return cleaned, nil
}

// WriteSetWriter is the slice of the buffered page layer Cleanup needs:
// somewhere to put the freed pages' new free-list entries.
type WriteSetWriter interface {
	Write(id types.PageID, buf []byte) error
}
