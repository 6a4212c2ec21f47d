package txn

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rthomasv3/GaldrDb-sub002/internal/buffer"
	"github.com/rthomasv3/GaldrDb-sub002/internal/page"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	dir := t.TempDir()
	path := dir + "/db.galdr"
	require.NoError(t, page.CreateFile(path, page.MinPageSize, false))
	dev, err := page.OpenFileDevice(path, page.MinPageSize)
	require.NoError(t, err)
	t.Cleanup(func() { dev.Close() })
	require.NoError(t, dev.Grow(10))

	pm, err := page.OpenManager(dev)
	require.NoError(t, err)

	return NewManager(pm, buffer.NewLayer(dev))
}

func TestBeginAssignsMonotonicIDs(t *testing.T) {
	m := newTestManager(t)
	t1 := m.Begin()
	t2 := m.Begin()
	assert.Less(t, t1.ID, t2.ID)
	assert.Equal(t, Active, t1.State)
}

func TestBeginReadOnlyDoesNotConsumeTxID(t *testing.T) {
	m := newTestManager(t)
	before := m.Begin()
	m.Abort(before)

	ro := m.BeginReadOnly()
	assert.True(t, ro.ReadOnly)
	assert.Zero(t, ro.ID)

	after := m.Begin()
	assert.Equal(t, before.ID+1, after.ID, "a read-only begin must not burn a write TxId")
}

func TestCommitAdvancesLastCommitted(t *testing.T) {
	m := newTestManager(t)
	tx := m.Begin()
	require.NoError(t, m.Commit(tx))
	assert.Equal(t, Committed, tx.State)

	next := m.Begin()
	assert.GreaterOrEqual(t, next.SnapshotTxID, tx.ID, "a transaction beginning after a commit must see it")
}

// Concurrent transactions (B's snapshot predates A's commit) see none of
// each other's effects.
func TestConcurrentTransactionsDoNotSeeEachOther(t *testing.T) {
	m := newTestManager(t)
	a := m.Begin()
	b := m.Begin()
	assert.Equal(t, a.SnapshotTxID, b.SnapshotTxID, "both began before either committed")

	require.NoError(t, m.Commit(a))
	assert.Less(t, b.SnapshotTxID, a.ID, "B's snapshot predates A's commit")
}

func TestAbortDiscardsWriteSet(t *testing.T) {
	m := newTestManager(t)
	tx := m.Begin()
	tx.WriteSet[1] = []byte("data")
	m.Abort(tx)
	assert.Equal(t, Aborted, tx.State)
	assert.Nil(t, tx.WriteSet)
}

func TestCommitRejectsReadOnlyAndNonActive(t *testing.T) {
	m := newTestManager(t)
	ro := m.BeginReadOnly()
	assert.Error(t, m.Commit(ro))

	tx := m.Begin()
	require.NoError(t, m.Commit(tx))
	assert.Error(t, m.Commit(tx), "committing twice must fail")
}

func TestRefreshSnapshotKeepsTxID(t *testing.T) {
	m := newTestManager(t)
	other := m.Begin()
	require.NoError(t, m.Commit(other))

	tx := m.Begin()
	originalID := tx.ID
	m.RefreshSnapshot(tx)
	assert.Equal(t, originalID, tx.ID)
	assert.Equal(t, other.ID, tx.SnapshotTxID)
}

func TestMinActiveSnapshotTracksActiveTransactions(t *testing.T) {
	m := newTestManager(t)
	tx1 := m.Begin()
	require.NoError(t, m.Commit(tx1))

	tx2 := m.Begin()
	assert.Equal(t, tx2.SnapshotTxID, m.MinActiveSnapshot())

	m.Abort(tx2)
	assert.Equal(t, m.lastCommitted, m.MinActiveSnapshot())
}
