package galdrdb

import (
	"github.com/rthomasv3/GaldrDb-sub002/internal/btree"
	"github.com/rthomasv3/GaldrDb-sub002/internal/buffer"
	"github.com/rthomasv3/GaldrDb-sub002/internal/catalog"
	"github.com/rthomasv3/GaldrDb-sub002/internal/galdrerr"
	"github.com/rthomasv3/GaldrDb-sub002/internal/mvcc"
	"github.com/rthomasv3/GaldrDb-sub002/internal/record"
	"github.com/rthomasv3/GaldrDb-sub002/internal/txn"
	"github.com/rthomasv3/GaldrDb-sub002/internal/types"
)

const (
	opAddVersion = iota
	opMarkDeleted
)

// versionOp records one version-index mutation so an abort can undo it.
type versionOp struct {
	op         int
	collection string
	id         types.DocID
}

// Tx is one transaction's handle. A Tx must not be shared across
// goroutines; the engine it came from may be.
type Tx struct {
	e     *Engine
	inner *txn.Transaction

	// schema stages catalog changes (grown rosters, moved roots) visible
	// only inside this transaction until commit.
	schema     map[string]*catalog.Collection
	versionOps []versionOp
	done       bool
}

// Begin starts a read-write transaction.
func (e *Engine) Begin() (*Tx, error) {
	if err := e.checkWritable(); err != nil {
		return nil, err
	}
	t := &Tx{e: e, inner: e.txm.Begin(), schema: map[string]*catalog.Collection{}}
	e.met.ActiveTransactions.Inc()
	return t, nil
}

// BeginReadOnly starts a transaction that holds a snapshot but can never
// write or commit; it is finished with Dispose (or Abort, which is
// equivalent for it).
func (e *Engine) BeginReadOnly() (*Tx, error) {
	if err := e.check(); err != nil {
		return nil, err
	}
	t := &Tx{e: e, inner: e.txm.BeginReadOnly()}
	e.met.ActiveTransactions.Inc()
	return t, nil
}

// ID returns the transaction's id (zero for read-only transactions).
func (t *Tx) ID() types.TxID { return t.inner.ID }

// Snapshot returns the snapshot bounding this transaction's reads.
func (t *Tx) Snapshot() types.TxID { return t.inner.SnapshotTxID }

func (t *Tx) ws() buffer.WriteSet { return t.inner.WriteSet }

func (t *Tx) checkActive(write bool) error {
	if t.done {
		return galdrerr.Disposed("transaction is finished")
	}
	if t.inner.State != txn.Active {
		return galdrerr.InvalidOperation("transaction is not active")
	}
	if write {
		if t.inner.ReadOnly {
			return galdrerr.InvalidOperation("transaction is read-only")
		}
		return t.e.checkWritable()
	}
	return t.e.check()
}

// def returns the catalog entry as this transaction sees it: its own
// staged copy if it has touched the collection, the live entry otherwise.
func (t *Tx) def(collection string) (*catalog.Collection, error) {
	if t.schema != nil {
		if def, ok := t.schema[collection]; ok {
			if def == nil {
				return nil, galdrerr.NotFound("collection %q does not exist", collection)
			}
			return def, nil
		}
	}
	return t.e.cat.Get(collection)
}

// defForWrite is def, cloning the live entry into the staging area on
// first touch.
func (t *Tx) defForWrite(collection string) (*catalog.Collection, error) {
	if def, ok := t.schema[collection]; ok {
		if def == nil {
			return nil, galdrerr.NotFound("collection %q does not exist", collection)
		}
		return def, nil
	}
	live, err := t.e.cat.Get(collection)
	if err != nil {
		return nil, err
	}
	staged := live.Clone()
	t.schema[collection] = staged
	return staged, nil
}

func (t *Tx) spillWriter() func(string) (types.PageID, error) {
	return func(full string) (types.PageID, error) {
		return t.e.docs.WriteSpill(t.ws(), full)
	}
}

// Insert stores doc as a new document and returns its assigned id. The
// metadata's id field is set on (a copy of) the document; any value the
// caller put there is overwritten.
func (t *Tx) Insert(collection string, doc *record.Document) (types.DocID, error) {
	if err := t.checkActive(true); err != nil {
		return 0, err
	}
	meta, err := t.e.registry.Lookup(collection)
	if err != nil {
		return 0, err
	}
	def, err := t.defForWrite(collection)
	if err != nil {
		return 0, err
	}

	id := t.e.nextDocID(collection)
	doc = doc.Clone()
	doc.Set(meta.IDField, record.Uint64(uint64(id)))
	payload := record.Encode(doc)

	loc, newTail, err := t.e.docs.Write(t.ws(), payload, def.TailPage)
	if err != nil {
		return 0, t.e.latchCorruption(err)
	}
	if def.FirstPage == types.InvalidPageID {
		def.FirstPage = newTail
	}
	def.TailPage = newTail

	primary := t.e.primaryTree(def, t.ws())
	newRoot, err := primary.Insert(btree.EncodeDocID(id), loc)
	if err != nil {
		return 0, t.e.latchCorruption(err)
	}
	def.PrimaryRoot = newRoot

	for field, idx := range def.Secondary {
		v, ok := doc.Get(field)
		if !ok {
			v = record.NullOf(idx.Kind)
		}
		if err := t.indexInsert(idx, v, id); err != nil {
			return 0, t.e.latchCorruption(err)
		}
	}

	t.e.versions.AddVersion(collection, id, t.inner.ID, loc)
	t.versionOps = append(t.versionOps, versionOp{op: opAddVersion, collection: collection, id: id})
	return id, nil
}

func (t *Tx) indexInsert(idx *catalog.Index, v record.Value, id types.DocID) error {
	key, err := record.EncodeIndexKey(v, t.spillWriter())
	if err != nil {
		return err
	}
	tree := t.e.secondaryTree(idx, t.ws())
	newRoot, err := tree.Insert(btree.CompositeKey(key, id), types.DocumentLocation{})
	if err != nil {
		return err
	}
	idx.Root = newRoot
	return nil
}

func (t *Tx) indexDelete(idx *catalog.Index, v record.Value, id types.DocID) error {
	key, err := record.EncodeIndexKey(v, record.NoSpill)
	if err != nil {
		return err
	}
	tree := t.e.secondaryTree(idx, t.ws())
	_, err = tree.Delete(btree.CompositeKey(key, id))
	return err
}

// visible resolves the version of (collection, id) this transaction sees.
func (t *Tx) visible(collection string, id types.DocID) (*mvcc.Version, bool) {
	self := types.NoTx
	if !t.inner.ReadOnly {
		self = t.inner.ID
	}
	return t.e.versions.GetVisibleFor(collection, id, t.inner.SnapshotTxID, self)
}

// Get fetches the document visible to this transaction's snapshot.
func (t *Tx) Get(collection string, id types.DocID) (*record.Document, error) {
	if err := t.checkActive(false); err != nil {
		return nil, err
	}
	if _, err := t.def(collection); err != nil {
		return nil, err
	}
	v, ok := t.visible(collection, id)
	if !ok {
		return nil, galdrerr.NotFound("document %d in %q", id, collection)
	}
	payload, err := t.e.docs.Read(t.ws(), v.Location)
	if err != nil {
		return nil, t.e.latchCorruption(err)
	}
	doc, err := record.Decode(payload)
	if err != nil {
		return nil, t.e.latchCorruption(err)
	}
	return doc, nil
}

// Update replaces the document's content with doc, creating a new
// version. The previous version stays readable by older snapshots.
func (t *Tx) Update(collection string, id types.DocID, doc *record.Document) error {
	if err := t.checkActive(true); err != nil {
		return err
	}
	meta, err := t.e.registry.Lookup(collection)
	if err != nil {
		return err
	}
	def, err := t.defForWrite(collection)
	if err != nil {
		return err
	}
	old, ok := t.visible(collection, id)
	if !ok {
		return galdrerr.NotFound("document %d in %q", id, collection)
	}
	oldPayload, err := t.e.docs.Read(t.ws(), old.Location)
	if err != nil {
		return t.e.latchCorruption(err)
	}
	oldDoc, err := record.Decode(oldPayload)
	if err != nil {
		return t.e.latchCorruption(err)
	}

	doc = doc.Clone()
	doc.Set(meta.IDField, record.Uint64(uint64(id)))
	payload := record.Encode(doc)

	loc, newTail, err := t.e.docs.Write(t.ws(), payload, def.TailPage)
	if err != nil {
		return t.e.latchCorruption(err)
	}
	def.TailPage = newTail

	primary := t.e.primaryTree(def, t.ws())
	newRoot, err := primary.Insert(btree.EncodeDocID(id), loc)
	if err != nil {
		return t.e.latchCorruption(err)
	}
	def.PrimaryRoot = newRoot

	for field, idx := range def.Secondary {
		oldV, ok := oldDoc.Get(field)
		if !ok {
			oldV = record.NullOf(idx.Kind)
		}
		newV, ok := doc.Get(field)
		if !ok {
			newV = record.NullOf(idx.Kind)
		}
		if sameIndexValue(oldV, newV) {
			continue
		}
		if err := t.indexDelete(idx, oldV, id); err != nil {
			return t.e.latchCorruption(err)
		}
		if err := t.indexInsert(idx, newV, id); err != nil {
			return t.e.latchCorruption(err)
		}
	}

	t.e.versions.AddVersion(collection, id, t.inner.ID, loc)
	t.versionOps = append(t.versionOps, versionOp{op: opAddVersion, collection: collection, id: id})
	return nil
}

func sameIndexValue(a, b record.Value) bool {
	if a.Null != b.Null || a.Kind != b.Kind {
		return false
	}
	if a.Null {
		return true
	}
	c, err := record.Compare(a, b)
	return err == nil && c == 0
}

// Delete hides the document from every snapshot at or after this
// transaction. The payload bytes stay in place for older snapshots until
// a vacuum pass reclaims them.
func (t *Tx) Delete(collection string, id types.DocID) error {
	if err := t.checkActive(true); err != nil {
		return err
	}
	def, err := t.defForWrite(collection)
	if err != nil {
		return err
	}
	old, ok := t.visible(collection, id)
	if !ok {
		return galdrerr.NotFound("document %d in %q", id, collection)
	}
	oldPayload, err := t.e.docs.Read(t.ws(), old.Location)
	if err != nil {
		return t.e.latchCorruption(err)
	}
	oldDoc, err := record.Decode(oldPayload)
	if err != nil {
		return t.e.latchCorruption(err)
	}

	if err := t.e.versions.MarkDeletedVisible(collection, id, t.inner.ID, t.inner.SnapshotTxID); err != nil {
		return err
	}
	t.versionOps = append(t.versionOps, versionOp{op: opMarkDeleted, collection: collection, id: id})

	primary := t.e.primaryTree(def, t.ws())
	if _, err := primary.Delete(btree.EncodeDocID(id)); err != nil {
		return t.e.latchCorruption(err)
	}

	for field, idx := range def.Secondary {
		v, ok := oldDoc.Get(field)
		if !ok {
			v = record.NullOf(idx.Kind)
		}
		if err := t.indexDelete(idx, v, id); err != nil {
			return t.e.latchCorruption(err)
		}
	}
	return nil
}

// Commit validates this transaction's write-set against every commit
// since its snapshot and, if no page intersects, makes its writes
// durable. On PageConflict the transaction stays open so the caller can
// RefreshSnapshot and retry, or Abort.
func (t *Tx) Commit() error {
	if t.done {
		return galdrerr.Disposed("transaction is finished")
	}
	if t.inner.ReadOnly {
		return galdrerr.InvalidOperation("cannot commit a read-only transaction")
	}
	if err := t.e.checkWritable(); err != nil {
		return err
	}

	t.e.commitMu.Lock()
	defer t.e.commitMu.Unlock()

	// Only schema-visible changes (a moved root, a grown roster) need the
	// catalog rewritten; staged clones that still match the live entries
	// are dropped so plain writes don't contend on catalog pages.
	t.pruneUnchangedSchema()
	if len(t.schema) > 0 {
		if err := t.e.cat.PersistOverlay(t.ws(), func() (types.PageID, error) {
			return t.e.allocate(t.ws())
		}, t.schema); err != nil {
			return t.e.latchCorruption(err)
		}
	}

	if err := t.e.txm.Commit(t.inner); err != nil {
		if galdrerr.KindOf(err) == galdrerr.KindPageConflict {
			t.e.met.Conflicts.Inc()
			t.e.log.Debug().Uint64("tx", uint64(t.inner.ID)).Msg("commit lost a page conflict")
		}
		return err
	}

	// Committed: nothing below may be undone by a later Abort.
	t.done = true
	t.versionOps = nil
	t.e.cat.Apply(t.schema)
	t.e.met.Commits.Inc()
	t.e.met.ActiveTransactions.Dec()
	return t.e.latchCorruption(t.e.flushHeader())
}

func (t *Tx) pruneUnchangedSchema() {
	for name, staged := range t.schema {
		if staged == nil {
			continue
		}
		live, err := t.e.cat.Get(name)
		if err != nil {
			continue
		}
		if !schemaEqual(staged, live) {
			continue
		}
		delete(t.schema, name)
	}
}

func schemaEqual(a, b *catalog.Collection) bool {
	if a.FirstPage != b.FirstPage || a.TailPage != b.TailPage || a.PrimaryRoot != b.PrimaryRoot {
		return false
	}
	if len(a.Secondary) != len(b.Secondary) {
		return false
	}
	for f, ai := range a.Secondary {
		bi, ok := b.Secondary[f]
		if !ok || ai.Root != bi.Root {
			return false
		}
	}
	return true
}

// rollbackVersions undoes this transaction's version-index mutations, in
// reverse order.
func (t *Tx) rollbackVersions() {
	for i := len(t.versionOps) - 1; i >= 0; i-- {
		op := t.versionOps[i]
		switch op.op {
		case opAddVersion:
			t.e.versions.RollbackVersion(op.collection, op.id, t.inner.ID)
		case opMarkDeleted:
			t.e.versions.RollbackDelete(op.collection, op.id, t.inner.ID)
		}
	}
	t.versionOps = nil
}

// Abort discards the write-set and every staged change. No I/O occurs.
func (t *Tx) Abort() {
	if t.done {
		return
	}
	t.rollbackVersions()
	t.schema = map[string]*catalog.Collection{}
	if t.inner.ReadOnly {
		t.e.txm.Dispose(t.inner)
	} else {
		t.e.txm.Abort(t.inner)
	}
	t.e.met.ActiveTransactions.Dec()
	t.done = true
}

// Dispose finishes a read-only transaction.
func (t *Tx) Dispose() { t.Abort() }

// RefreshSnapshot restarts a conflicted transaction: its buffered writes
// and version-index changes are discarded, its snapshot moves to the
// newest committed state, and its tx id is kept, so the caller can redo
// the work and commit again.
func (t *Tx) RefreshSnapshot() error {
	if t.done {
		return galdrerr.Disposed("transaction is finished")
	}
	t.rollbackVersions()
	t.schema = map[string]*catalog.Collection{}
	return t.e.txm.ResetForRetry(t.inner)
}
