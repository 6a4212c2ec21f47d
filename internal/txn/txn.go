// Package txn implements the transaction manager: TxId allocation,
// snapshot issuance, and commit/abort dispatch to the buffered page
// layer. Manager is the one place this state lives; every subsystem
// receives a *Manager by reference rather than reaching for package-level
// globals.
package txn

import (
	"sync"

	"github.com/rthomasv3/GaldrDb-sub002/internal/buffer"
	"github.com/rthomasv3/GaldrDb-sub002/internal/galdrerr"
	"github.com/rthomasv3/GaldrDb-sub002/internal/page"
	"github.com/rthomasv3/GaldrDb-sub002/internal/types"
)

// State is a Transaction's lifecycle stage.
type State int

const (
	Active State = iota
	Committed
	Aborted
)

// Transaction pairs a write-capable tx id with the snapshot bounding its
// reads and the write-set holding its buffered pages. A read-only
// transaction has ID == types.NoTx and never touches WriteSet.
type Transaction struct {
	ID           types.TxID
	SnapshotTxID types.TxID
	WriteSet     buffer.WriteSet
	State        State
	ReadOnly     bool
}

// persistEvery bounds how often the TxId counter is flushed to the header
// page between checkpoints.
const persistEvery = 16

// Manager owns TxId allocation and the set of currently active
// transactions, and is the sole entry point for beginning, committing,
// and aborting transactions against a single buffer.Layer.
type Manager struct {
	mu                  sync.Mutex
	pm                  *page.Manager
	buf                 *buffer.Layer
	lastCommitted       types.TxID
	nextTxID            types.TxID
	active              map[*Transaction]struct{}
	commitsSincePersist int
}

func NewManager(pm *page.Manager, buf *buffer.Layer) *Manager {
	next := pm.NextTxID()
	// On reopen, everything durably in the file was committed by some
	// transaction below the persisted counter, so the baseline snapshot
	// must already see it.
	return &Manager{
		pm:            pm,
		buf:           buf,
		lastCommitted: next - 1,
		nextTxID:      next,
		active:        map[*Transaction]struct{}{},
	}
}

// Begin captures the current last-committed TxId as the new
// transaction's snapshot, then allocates a fresh write-capable TxId.
func (m *Manager) Begin() *Transaction {
	m.mu.Lock()
	defer m.mu.Unlock()

	tx := &Transaction{
		ID:           m.nextTxID,
		SnapshotTxID: m.lastCommitted,
		WriteSet:     buffer.WriteSet{},
		State:        Active,
	}
	m.nextTxID++
	m.active[tx] = struct{}{}
	return tx
}

// BeginReadOnly captures a snapshot without allocating a write TxId.
func (m *Manager) BeginReadOnly() *Transaction {
	m.mu.Lock()
	defer m.mu.Unlock()

	tx := &Transaction{ID: types.NoTx, SnapshotTxID: m.lastCommitted, State: Active, ReadOnly: true}
	m.active[tx] = struct{}{}
	return tx
}

// Commit validates and flushes tx's write-set through the buffered page
// layer, then marks it Committed and retires it from the active set.
func (m *Manager) Commit(tx *Transaction) error {
	if tx.ReadOnly {
		return galdrerr.InvalidOperation("cannot commit a read-only transaction")
	}
	if tx.State != Active {
		return galdrerr.InvalidOperation("transaction is not active")
	}

	if err := m.buf.Commit(tx.SnapshotTxID, tx.ID, tx.WriteSet); err != nil {
		return err
	}

	m.mu.Lock()
	tx.State = Committed
	delete(m.active, tx)
	if tx.ID > m.lastCommitted {
		m.lastCommitted = tx.ID
	}
	m.commitsSincePersist++
	if m.commitsSincePersist >= persistEvery {
		m.persistLocked()
	}
	m.mu.Unlock()
	return nil
}

// Abort discards tx's write-set; no I/O occurs.
func (m *Manager) Abort(tx *Transaction) {
	m.mu.Lock()
	defer m.mu.Unlock()
	tx.State = Aborted
	tx.WriteSet = nil
	delete(m.active, tx)
}

// Dispose retires a read-only transaction, which has no commit path.
func (m *Manager) Dispose(tx *Transaction) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.active, tx)
}

// RefreshSnapshot installs a fresh snapshot_tx_id without reassigning
// tx_id, for retrying after a PageConflict.
func (m *Manager) RefreshSnapshot(tx *Transaction) {
	m.mu.Lock()
	defer m.mu.Unlock()
	tx.SnapshotTxID = m.lastCommitted
}

// ResetForRetry returns a conflicted (or aborted) transaction to Active
// with an empty write-set and a fresh snapshot, keeping its tx_id, so the
// caller can redo its writes and try committing again.
func (m *Manager) ResetForRetry(tx *Transaction) error {
	if tx.ReadOnly {
		return galdrerr.InvalidOperation("cannot retry a read-only transaction")
	}
	if tx.State == Committed {
		return galdrerr.InvalidOperation("transaction already committed")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	tx.WriteSet = buffer.WriteSet{}
	tx.State = Active
	tx.SnapshotTxID = m.lastCommitted
	m.active[tx] = struct{}{}
	return nil
}

// LastCommitted returns the newest committed tx id.
func (m *Manager) LastCommitted() types.TxID {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastCommitted
}

// ActiveCount reports how many transactions are currently active.
func (m *Manager) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.active)
}

// MinActiveSnapshot returns the smallest snapshot_tx_id among currently
// active transactions, or the last committed TxId if none are active:
// the watermark mvcc.Index.Vacuum and buffer.Layer.GC use to decide what
// is safe to reclaim.
func (m *Manager) MinActiveSnapshot() types.TxID {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.active) == 0 {
		return m.lastCommitted
	}
	min := types.TxID(^uint64(0))
	for tx := range m.active {
		if tx.SnapshotTxID < min {
			min = tx.SnapshotTxID
		}
	}
	return min
}

// Checkpoint flushes the TxId counter to the header page unconditionally,
// independent of the persistEvery cadence.
func (m *Manager) Checkpoint() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.persistLocked()
}

func (m *Manager) persistLocked() {
	m.pm.SetNextTxID(m.nextTxID)
	m.commitsSincePersist = 0
}
