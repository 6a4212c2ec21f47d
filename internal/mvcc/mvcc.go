// Package mvcc implements the version index: per-(collection, document)
// version chains and the snapshot-visibility predicate. Chains are
// newest-first and append-only at the head; old versions stay reachable
// for as long as some snapshot may still resolve to them.
package mvcc

import (
	"sync"

	"github.com/rthomasv3/GaldrDb-sub002/internal/galdrerr"
	"github.com/rthomasv3/GaldrDb-sub002/internal/types"
)

// Version is one immutable entry in a document's version chain.
type Version struct {
	CreatedBy types.TxID
	Location  types.DocumentLocation
	DeletedBy types.TxID // types.NoTx if not (yet) deleted
	Previous  *Version
}

// Visible is the snapshot-visibility predicate: created_by is inclusive
// on the left (a transaction sees its own writes), deleted_by is
// exclusive on the right (deletion at T hides from snapshots >= T).
func Visible(v *Version, snapshot types.TxID) bool {
	if v.CreatedBy > snapshot {
		return false
	}
	if v.DeletedBy != types.NoTx && snapshot >= v.DeletedBy {
		return false
	}
	return true
}

type chain struct {
	mu   sync.RWMutex
	head map[types.DocID]*Version
}

// Index is keyed by (collection_name, document_id) and maps to the head
// of each version chain. Reads are lock-free against each other: each
// collection gets its own RWMutex so unrelated collections never contend.
type Index struct {
	mu          sync.Mutex // guards creation of per-collection chains
	collections map[string]*chain
}

func NewIndex() *Index {
	return &Index{collections: map[string]*chain{}}
}

func (idx *Index) chainFor(collection string) *chain {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	c, ok := idx.collections[collection]
	if !ok {
		c = &chain{head: map[types.DocID]*Version{}}
		idx.collections[collection] = c
	}
	return c
}

// AddVersion prepends a new head version for (collection, id).
func (idx *Index) AddVersion(collection string, id types.DocID, tx types.TxID, loc types.DocumentLocation) *Version {
	c := idx.chainFor(collection)
	c.mu.Lock()
	defer c.mu.Unlock()
	v := &Version{CreatedBy: tx, Location: loc, Previous: c.head[id]}
	c.head[id] = v
	return v
}

// MarkDeleted sets deleted_by on the current head of (collection, id).
func (idx *Index) MarkDeleted(collection string, id types.DocID, tx types.TxID) error {
	c := idx.chainFor(collection)
	c.mu.Lock()
	defer c.mu.Unlock()
	head, ok := c.head[id]
	if !ok {
		return galdrerr.NotFound("no version chain for document %d in %q", id, collection)
	}
	head.DeletedBy = tx
	return nil
}

// MarkDeletedVisible sets deleted_by on the version the deleting
// transaction actually sees (the newest version it created itself or
// that had committed by its snapshot) rather than the raw head, which
// may be another transaction's uncommitted version that could still be
// rolled back.
func (idx *Index) MarkDeletedVisible(collection string, id types.DocID, tx, snapshot types.TxID) error {
	c := idx.chainFor(collection)
	c.mu.Lock()
	defer c.mu.Unlock()
	v := c.head[id]
	for v != nil && v.CreatedBy > snapshot && v.CreatedBy != tx {
		v = v.Previous
	}
	if v == nil {
		return galdrerr.NotFound("no version chain for document %d in %q", id, collection)
	}
	v.DeletedBy = tx
	return nil
}

// Head returns the current head version for (collection, id), if any.
func (idx *Index) Head(collection string, id types.DocID) (*Version, bool) {
	c := idx.chainFor(collection)
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.head[id]
	return v, ok
}

// GetVisible finds the version that was current as of snapshot, the
// newest version with CreatedBy <= snapshot, and returns it only if
// that version is itself visible (not deleted as of snapshot). It never
// falls through to an older version: once the version current at a given
// snapshot is known to be deleted, the document is absent at that
// snapshot regardless of what existed before it.
func (idx *Index) GetVisible(collection string, id types.DocID, snapshot types.TxID) (*Version, bool) {
	c := idx.chainFor(collection)
	c.mu.RLock()
	defer c.mu.RUnlock()

	v := c.head[id]
	for v != nil && v.CreatedBy > snapshot {
		v = v.Previous
	}
	if v == nil || !Visible(v, snapshot) {
		return nil, false
	}
	return v, true
}

// GetVisibleFor is GetVisible extended with the reading transaction's own
// id: a version the transaction itself created is always visible to it,
// and a deletion it performed always hides the document from it, before
// the snapshot rule applies. self may be types.NoTx for read-only
// transactions, reducing this to the plain snapshot rule.
func (idx *Index) GetVisibleFor(collection string, id types.DocID, snapshot, self types.TxID) (*Version, bool) {
	c := idx.chainFor(collection)
	c.mu.RLock()
	defer c.mu.RUnlock()

	v := c.head[id]
	for v != nil && v.CreatedBy > snapshot && !(self != types.NoTx && v.CreatedBy == self) {
		v = v.Previous
	}
	if v == nil {
		return nil, false
	}
	if v.DeletedBy != types.NoTx {
		if v.DeletedBy == self {
			return nil, false
		}
		if snapshot >= v.DeletedBy {
			return nil, false
		}
	}
	return v, true
}

// RollbackVersion undoes an AddVersion performed by an aborting
// transaction: if the head of (collection, id) was created by tx it is
// popped, restoring the previous head.
func (idx *Index) RollbackVersion(collection string, id types.DocID, tx types.TxID) {
	c := idx.chainFor(collection)
	c.mu.Lock()
	defer c.mu.Unlock()
	head, ok := c.head[id]
	if !ok || head.CreatedBy != tx {
		return
	}
	if head.Previous == nil {
		delete(c.head, id)
		return
	}
	c.head[id] = head.Previous
}

// RollbackDelete clears a deletion mark placed by an aborting
// transaction.
func (idx *Index) RollbackDelete(collection string, id types.DocID, tx types.TxID) {
	c := idx.chainFor(collection)
	c.mu.Lock()
	defer c.mu.Unlock()
	head, ok := c.head[id]
	if !ok {
		return
	}
	for v := head; v != nil; v = v.Previous {
		if v.DeletedBy == tx {
			v.DeletedBy = types.NoTx
		}
	}
}

// Drop removes a whole collection's chains, for drop-collection.
func (idx *Index) Drop(collection string) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	delete(idx.collections, collection)
}

// DocIDs returns every document id with a chain in the collection.
func (idx *Index) DocIDs(collection string) []types.DocID {
	c := idx.chainFor(collection)
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]types.DocID, 0, len(c.head))
	for id := range c.head {
		out = append(out, id)
	}
	return out
}

// Vacuum drops chain tails no active snapshot could still resolve to
// and returns them for slot reclamation. minActiveSnapshot is the smallest
// snapshot_tx_id among all still-active transactions (or the engine's
// current high-water mark if none are active); every active snapshot
// resolves to a version at or newer than the one current as of
// minActiveSnapshot, so anything older than that is safe to cut.
func (idx *Index) Vacuum(minActiveSnapshot types.TxID) []Reclaimed {
	idx.mu.Lock()
	collections := make(map[string]*chain, len(idx.collections))
	for name, c := range idx.collections {
		collections[name] = c
	}
	idx.mu.Unlock()

	var reclaimed []Reclaimed
	for name, c := range collections {
		c.mu.Lock()
		for id, head := range c.head {
			v := head
			for v != nil && v.CreatedBy > minActiveSnapshot {
				v = v.Previous
			}
			if v == nil {
				continue
			}
			// A version deleted at or before the oldest live snapshot is
			// invisible to everyone, along with its whole tail: the chain
			// is dead once no newer version exists either.
			if v == head && v.DeletedBy != types.NoTx && minActiveSnapshot >= v.DeletedBy {
				for p := v; p != nil; p = p.Previous {
					reclaimed = append(reclaimed, Reclaimed{Collection: name, DocID: id, Location: p.Location})
				}
				delete(c.head, id)
				continue
			}
			for p := v.Previous; p != nil; p = p.Previous {
				reclaimed = append(reclaimed, Reclaimed{Collection: name, DocID: id, Location: p.Location})
			}
			v.Previous = nil
		}
		c.mu.Unlock()
	}
	return reclaimed
}

// Reclaimed names one version cut loose by Vacuum, so the caller can
// tombstone its payload slot.
type Reclaimed struct {
	Collection string
	DocID      types.DocID
	Location   types.DocumentLocation
}
