package galdrdb

import (
	"github.com/rthomasv3/GaldrDb-sub002/internal/btree"
	"github.com/rthomasv3/GaldrDb-sub002/internal/buffer"
	"github.com/rthomasv3/GaldrDb-sub002/internal/catalog"
	"github.com/rthomasv3/GaldrDb-sub002/internal/galdrerr"
	"github.com/rthomasv3/GaldrDb-sub002/internal/record"
	"github.com/rthomasv3/GaldrDb-sub002/internal/slotted"
	"github.com/rthomasv3/GaldrDb-sub002/internal/types"
)

// Insert stores doc in its own transaction and returns the new id.
func (e *Engine) Insert(collection string, doc *record.Document) (types.DocID, error) {
	t, err := e.Begin()
	if err != nil {
		return 0, err
	}
	id, err := t.Insert(collection, doc)
	if err != nil {
		t.Abort()
		return 0, err
	}
	if err := t.Commit(); err != nil {
		t.Abort()
		return 0, err
	}
	return id, nil
}

// GetByID fetches the newest committed version of a document.
func (e *Engine) GetByID(collection string, id types.DocID) (*record.Document, error) {
	t, err := e.BeginReadOnly()
	if err != nil {
		return nil, err
	}
	defer t.Dispose()
	return t.Get(collection, id)
}

// Update replaces a document's content in its own transaction.
func (e *Engine) Update(collection string, id types.DocID, doc *record.Document) error {
	t, err := e.Begin()
	if err != nil {
		return err
	}
	if err := t.Update(collection, id, doc); err != nil {
		t.Abort()
		return err
	}
	if err := t.Commit(); err != nil {
		t.Abort()
		return err
	}
	return nil
}

// Delete removes a document in its own transaction.
func (e *Engine) Delete(collection string, id types.DocID) error {
	t, err := e.Begin()
	if err != nil {
		return err
	}
	if err := t.Delete(collection, id); err != nil {
		t.Abort()
		return err
	}
	if err := t.Commit(); err != nil {
		t.Abort()
		return err
	}
	return nil
}

// CreateCollection adds a collection whose schema comes from the
// registered metadata: its id field becomes the primary index and every
// descriptor marked Indexed gets a secondary index.
func (e *Engine) CreateCollection(name string) error {
	if err := e.checkWritable(); err != nil {
		return err
	}
	meta, err := e.registry.Lookup(name)
	if err != nil {
		return err
	}

	e.commitMu.Lock()
	defer e.commitMu.Unlock()

	if _, err := e.cat.Create(name, meta.IDField); err != nil {
		return err
	}
	for _, f := range meta.Fields {
		if !f.Indexed || f.Name == meta.IDField {
			continue
		}
		if _, err := e.cat.AddIndex(name, f.Name, f.Kind, f.Nullable); err != nil {
			e.cat.Drop(name)
			return err
		}
	}
	if err := e.persistSchema(); err != nil {
		e.cat.Drop(name)
		return err
	}
	e.log.Debug().Str("collection", name).Msg("collection created")
	return nil
}

// DropCollection removes a collection. A non-empty collection is only
// dropped when deleteDocuments is set; its pages are returned to the free
// list either way.
func (e *Engine) DropCollection(name string, deleteDocuments bool) error {
	if err := e.checkWritable(); err != nil {
		return err
	}
	e.commitMu.Lock()
	defer e.commitMu.Unlock()

	def, err := e.cat.Get(name)
	if err != nil {
		return err
	}

	live := 0
	snapshot := e.txm.LastCommitted()
	for _, id := range e.versions.DocIDs(name) {
		if _, ok := e.versions.GetVisibleFor(name, id, snapshot, types.NoTx); ok {
			live++
		}
	}
	if live > 0 && !deleteDocuments {
		return galdrerr.InvalidOperation("%d document(s) still in collection %q; pass deleteDocuments to remove them", live, name)
	}

	ws := buffer.WriteSet{}
	if err := e.freeRoster(ws, def.FirstPage); err != nil {
		return e.latchCorruption(err)
	}
	if err := e.freeTree(ws, def.PrimaryRoot, 8); err != nil {
		return e.latchCorruption(err)
	}
	for _, idx := range def.Secondary {
		if err := e.freeTree(ws, idx.Root, record.KeyWidth(idx.Kind)+8); err != nil {
			return e.latchCorruption(err)
		}
	}

	if err := e.cat.Drop(name); err != nil {
		return err
	}
	if err := e.persistSchemaWith(ws); err != nil {
		return err
	}
	e.versions.Drop(name)
	e.docMu.Lock()
	delete(e.nextDoc, name)
	e.docMu.Unlock()
	e.log.Debug().Str("collection", name).Int("documents", live).Msg("collection dropped")
	return nil
}

// CreateIndex adds a secondary index on collection.field and backfills it
// from every committed document.
func (e *Engine) CreateIndex(collection, field string) error {
	if err := e.checkWritable(); err != nil {
		return err
	}
	meta, err := e.registry.Lookup(collection)
	if err != nil {
		return err
	}
	fd, ok := meta.Field(field)
	if !ok {
		return galdrerr.NotFound("collection %q has no field %q", collection, field)
	}

	e.commitMu.Lock()
	defer e.commitMu.Unlock()

	idx, err := e.cat.AddIndex(collection, field, fd.Kind, fd.Nullable)
	if err != nil {
		return err
	}

	ws := buffer.WriteSet{}
	snapshot := e.txm.LastCommitted()
	spill := func(full string) (types.PageID, error) {
		return e.docs.WriteSpill(ws, full)
	}
	for _, id := range e.versions.DocIDs(collection) {
		v, okv := e.versions.GetVisibleFor(collection, id, snapshot, types.NoTx)
		if !okv {
			continue
		}
		payload, err := e.docs.Read(ws, v.Location)
		if err != nil {
			e.cat.DropIndex(collection, field)
			return e.latchCorruption(err)
		}
		doc, err := record.Decode(payload)
		if err != nil {
			e.cat.DropIndex(collection, field)
			return e.latchCorruption(err)
		}
		fv, okf := doc.Get(field)
		if !okf {
			fv = record.NullOf(fd.Kind)
		}
		key, err := record.EncodeIndexKey(fv, spill)
		if err != nil {
			e.cat.DropIndex(collection, field)
			return err
		}
		tree := e.secondaryTree(idx, ws)
		newRoot, err := tree.Insert(btree.CompositeKey(key, id), types.DocumentLocation{})
		if err != nil {
			e.cat.DropIndex(collection, field)
			return e.latchCorruption(err)
		}
		idx.Root = newRoot
	}

	if err := e.persistSchemaWith(ws); err != nil {
		e.cat.DropIndex(collection, field)
		return err
	}
	e.log.Debug().Str("collection", collection).Str("field", field).Msg("index created")
	return nil
}

// DropIndex removes the secondary index on collection.field, returning
// its pages to the free list.
func (e *Engine) DropIndex(collection, field string) error {
	if err := e.checkWritable(); err != nil {
		return err
	}
	e.commitMu.Lock()
	defer e.commitMu.Unlock()

	def, err := e.cat.Get(collection)
	if err != nil {
		return err
	}
	idx, ok := def.Secondary[field]
	if !ok {
		return galdrerr.NotFound("no index on %s.%s", collection, field)
	}

	ws := buffer.WriteSet{}
	if err := e.freeTree(ws, idx.Root, record.KeyWidth(idx.Kind)+8); err != nil {
		return e.latchCorruption(err)
	}
	if err := e.cat.DropIndex(collection, field); err != nil {
		return err
	}
	if err := e.persistSchemaWith(ws); err != nil {
		return err
	}
	e.log.Debug().Str("collection", collection).Str("field", field).Msg("index dropped")
	return nil
}

// GetCollectionNames lists the user collections.
func (e *Engine) GetCollectionNames() ([]string, error) {
	if err := e.check(); err != nil {
		return nil, err
	}
	return e.cat.Names(), nil
}

// GetIndexNames lists the secondary-indexed fields of a collection.
func (e *Engine) GetIndexNames(collection string) ([]string, error) {
	if err := e.check(); err != nil {
		return nil, err
	}
	return e.cat.IndexNames(collection)
}

// GetOrphanedSchema reconciles the catalog against the file's physical
// pages and reports the differences.
func (e *Engine) GetOrphanedSchema() (catalog.Orphans, error) {
	if err := e.check(); err != nil {
		return catalog.Orphans{}, err
	}
	o, err := e.cat.Reconcile()
	return o, e.latchCorruption(err)
}

// CleanupOrphanedSchema removes orphaned catalog entries and frees
// orphaned pages, returning what was cleaned.
func (e *Engine) CleanupOrphanedSchema(deleteDocuments bool) (catalog.Orphans, error) {
	if err := e.checkWritable(); err != nil {
		return catalog.Orphans{}, err
	}
	e.commitMu.Lock()
	defer e.commitMu.Unlock()

	ws := buffer.WriteSet{}
	cleaned, err := e.cat.Cleanup(wsWriter{ws}, deleteDocuments)
	if err != nil {
		return cleaned, e.latchCorruption(err)
	}
	if cleaned.Empty() {
		return cleaned, nil
	}
	if err := e.persistSchemaWith(ws); err != nil {
		return cleaned, err
	}
	e.log.Warn().
		Strs("collections", cleaned.Collections).
		Strs("indexes", cleaned.Indexes).
		Int("index_pages", len(cleaned.IndexPages)).
		Int("overflow_pages", len(cleaned.OverflowPages)).
		Msg("orphaned schema cleaned")
	return cleaned, nil
}

// Vacuum reclaims document versions no active snapshot can observe,
// tombstoning their payload slots, and trims the recent-commits log.
// Returns the number of versions reclaimed.
func (e *Engine) Vacuum() (int, error) {
	if err := e.checkWritable(); err != nil {
		return 0, err
	}
	minSnap := e.txm.MinActiveSnapshot()
	reclaimed := e.versions.Vacuum(minSnap)
	e.buf.GC(minSnap)
	if len(reclaimed) == 0 {
		return 0, nil
	}

	e.commitMu.Lock()
	defer e.commitMu.Unlock()
	ws := buffer.WriteSet{}
	for _, r := range reclaimed {
		if r.Location.Page == types.InvalidPageID {
			continue
		}
		if err := e.docs.Delete(ws, r.Location); err != nil {
			return 0, e.latchCorruption(err)
		}
	}
	if err := e.flushDirect(ws); err != nil {
		return 0, err
	}
	e.met.VersionsReclaimed.Add(float64(len(reclaimed)))
	e.log.Debug().Int("versions", len(reclaimed)).Msg("vacuum reclaimed versions")
	return len(reclaimed), nil
}

// Checkpoint makes the main file durable and truncates the write-ahead
// log. Returns false when no WAL is configured.
func (e *Engine) Checkpoint() (bool, error) {
	if err := e.checkWritable(); err != nil {
		return false, err
	}
	if e.redo == nil {
		return false, nil
	}
	e.commitMu.Lock()
	defer e.commitMu.Unlock()

	e.txm.Checkpoint()
	last := e.txm.LastCommitted()
	err := e.redo.Checkpoint(func() error {
		if err := e.flushHeader(); err != nil {
			return err
		}
		return e.dev.Sync()
	}, last)
	if err != nil {
		return false, err
	}
	e.log.Debug().Uint64("high_water", uint64(last)).Msg("checkpoint complete")
	return true, nil
}

// persistSchema writes the catalog through a direct write-set, outside
// any transaction; callers hold commitMu.
func (e *Engine) persistSchema() error {
	return e.persistSchemaWith(buffer.WriteSet{})
}

func (e *Engine) persistSchemaWith(ws buffer.WriteSet) error {
	if err := e.cat.Persist(ws, func() (types.PageID, error) {
		return e.allocate(ws)
	}); err != nil {
		return e.latchCorruption(err)
	}
	return e.flushDirect(ws)
}

// flushDirect applies a maintenance write-set straight to the device and
// re-syncs the header. Used by schema DDL and vacuum, which run under
// commitMu rather than through the optimistic commit path.
func (e *Engine) flushDirect(ws buffer.WriteSet) error {
	for id, buf := range ws {
		if err := e.buf.WriteDirect(id, buf); err != nil {
			return e.latchCorruption(err)
		}
	}
	return e.latchCorruption(e.flushHeader())
}

// freeTree walks a B-tree returning every node page to the free list.
func (e *Engine) freeTree(ws buffer.WriteSet, root types.PageID, keySize int) error {
	if root == types.InvalidPageID {
		return nil
	}
	store := &treeStore{e: e, ws: ws, keySize: keySize}
	stack := []types.PageID{root}
	var pages []types.PageID
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		n, err := store.Get(id)
		if err != nil {
			return err
		}
		pages = append(pages, id)
		stack = append(stack, n.Children()...)
	}
	for _, id := range pages {
		if err := e.freePage(ws, id); err != nil {
			return err
		}
	}
	return nil
}

// freeRoster returns a collection's document pages (and their overflow
// chains) to the free list.
func (e *Engine) freeRoster(ws buffer.WriteSet, first types.PageID) error {
	var pages []types.PageID
	err := e.docs.WalkRoster(ws, first, func(id types.PageID, p *slotted.Page) error {
		pages = append(pages, id)
		for i := 0; i < p.SlotCount(); i++ {
			sl := p.Slot(types.SlotIndex(i))
			if sl.IsTombstone() || sl.PageCount == 0 {
				continue
			}
			if err := e.docs.Delete(ws, types.DocumentLocation{Page: id, Slot: types.SlotIndex(i)}); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	for _, id := range pages {
		if err := e.freePage(ws, id); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) freePage(ws buffer.WriteSet, id types.PageID) error {
	writeID, fill := e.pm.FreeListEntry(id)
	buf := make([]byte, e.opts.PageSize)
	fill(buf)
	return e.buf.Write(ws, writeID, buf)
}

// wsWriter adapts a write-set to the catalog cleanup seam.
type wsWriter struct{ ws buffer.WriteSet }

func (w wsWriter) Write(id types.PageID, buf []byte) error {
	b := make([]byte, len(buf))
	copy(b, buf)
	w.ws[id] = b
	return nil
}
