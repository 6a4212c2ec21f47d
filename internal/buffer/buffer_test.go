package buffer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rthomasv3/GaldrDb-sub002/internal/galdrerr"
	"github.com/rthomasv3/GaldrDb-sub002/internal/page"
	"github.com/rthomasv3/GaldrDb-sub002/internal/types"
)

func newTestDevice(t *testing.T) page.BlockDevice {
	t.Helper()
	dir := t.TempDir()
	path := dir + "/db.galdr"
	require.NoError(t, page.CreateFile(path, page.MinPageSize, false))
	dev, err := page.OpenFileDevice(path, page.MinPageSize)
	require.NoError(t, err)
	require.NoError(t, dev.Grow(20))
	t.Cleanup(func() { dev.Close() })
	return dev
}

func fill(b byte, n int) []byte {
	buf := make([]byte, n)
	for i := range buf {
		buf[i] = b
	}
	return buf
}

func TestReadYourOwnWrites(t *testing.T) {
	l := NewLayer(newTestDevice(t))
	ws := WriteSet{}
	require.NoError(t, l.Write(ws, 10, fill(0xAB, page.MinPageSize)))

	got, err := l.Read(10, ws)
	require.NoError(t, err)
	assert.Equal(t, fill(0xAB, page.MinPageSize), got)
}

func TestWriteRequiresWriteSet(t *testing.T) {
	l := NewLayer(newTestDevice(t))
	err := l.Write(nil, 10, fill(1, page.MinPageSize))
	assert.Error(t, err)
}

func TestCommitFlushesAndIsVisible(t *testing.T) {
	dev := newTestDevice(t)
	l := NewLayer(dev)
	ws := WriteSet{10: fill(0x11, page.MinPageSize)}

	require.NoError(t, l.Commit(0, 1, ws))

	out, err := l.Read(10, nil)
	require.NoError(t, err)
	assert.Equal(t, fill(0x11, page.MinPageSize), out)
}

// Page-level conflict:
// T1 begin@s=1, writes p=10. T2 begin@s=1, writes p=10, commits -> ok.
// T1 commit -> PageConflict. T1 abort, refresh snapshot, re-write p=10,
// commit -> ok. Final read(p=10) is T1's bytes.
func TestCommitDetectsPageConflict(t *testing.T) {
	dev := newTestDevice(t)
	l := NewLayer(dev)

	snapshotAtBegin := types.TxID(1)
	t1ws := WriteSet{10: fill(0xAA, page.MinPageSize)}
	t2ws := WriteSet{10: fill(0xBB, page.MinPageSize)}

	// T2 commits first under commitTxID 3.
	require.NoError(t, l.Commit(snapshotAtBegin, 3, t2ws))

	// T1 (tx id 2, snapshot 1) now conflicts: an entry with
	// commitTxID(3) > snapshotTxID(1) touches the same page.
	err := l.Commit(snapshotAtBegin, 2, t1ws)
	require.Error(t, err)
	assert.Equal(t, galdrerr.KindPageConflict, galdrerr.KindOf(err))

	// T1 aborts (discards its write-set, nothing to do here), refreshes
	// its snapshot to 3, rewrites p=10, and retries.
	refreshedSnapshot := types.TxID(3)
	t1Retry := WriteSet{10: fill(0xAA, page.MinPageSize)}
	require.NoError(t, l.Commit(refreshedSnapshot, 4, t1Retry))

	out, err := l.Read(10, nil)
	require.NoError(t, err)
	assert.Equal(t, fill(0xAA, page.MinPageSize), out, "final state must be T1's bytes")
}

func TestCommitNoConflictOnDifferentPages(t *testing.T) {
	dev := newTestDevice(t)
	l := NewLayer(dev)

	require.NoError(t, l.Commit(0, 1, WriteSet{10: fill(1, page.MinPageSize)}))
	require.NoError(t, l.Commit(0, 2, WriteSet{11: fill(2, page.MinPageSize)}))
}

func TestGCDropsOldEntries(t *testing.T) {
	dev := newTestDevice(t)
	l := NewLayer(dev)
	require.NoError(t, l.Commit(0, 1, WriteSet{10: fill(1, page.MinPageSize)}))
	require.NoError(t, l.Commit(0, 2, WriteSet{11: fill(1, page.MinPageSize)}))
	require.Equal(t, 2, l.RecentCommitCount())

	l.GC(2)
	assert.Equal(t, 0, l.RecentCommitCount())
}
