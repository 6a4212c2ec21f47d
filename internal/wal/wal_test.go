package wal

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rthomasv3/GaldrDb-sub002/internal/page"
	"github.com/rthomasv3/GaldrDb-sub002/internal/types"
)

const testPageSize = page.MinPageSize

func fill(b byte) []byte {
	buf := make([]byte, testPageSize)
	for i := range buf {
		buf[i] = b
	}
	return buf
}

func openTestLog(t *testing.T, dbPath string) *Log {
	t.Helper()
	l, err := Open(dbPath, testPageSize)
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	return l
}

func TestAppendThenReplay(t *testing.T) {
	dbPath := t.TempDir() + "/db.galdr"
	l := openTestLog(t, dbPath)

	require.NoError(t, l.Append(5, map[types.PageID][]byte{3: fill(0xA3), 7: fill(0xA7)}))
	require.NoError(t, l.Append(6, map[types.PageID][]byte{3: fill(0xB3)}))

	got := map[types.PageID]byte{}
	applied, err := l.Replay(func(commitTx types.TxID, id types.PageID, img []byte) error {
		got[id] = img[0]
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, applied)
	assert.Equal(t, byte(0xB3), got[3], "later record wins on replay")
	assert.Equal(t, byte(0xA7), got[7])
}

func TestReplaySkipsCheckpointedRecords(t *testing.T) {
	dbPath := t.TempDir() + "/db.galdr"
	l := openTestLog(t, dbPath)

	require.NoError(t, l.Append(5, map[types.PageID][]byte{3: fill(1)}))
	require.NoError(t, l.Checkpoint(func() error { return nil }, 5))
	require.NoError(t, l.Append(6, map[types.PageID][]byte{4: fill(2)}))

	applied, err := l.Replay(func(commitTx types.TxID, id types.PageID, img []byte) error {
		assert.Equal(t, types.TxID(6), commitTx)
		assert.Equal(t, types.PageID(4), id)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, applied)
}

func TestHighWaterSurvivesReopen(t *testing.T) {
	dbPath := t.TempDir() + "/db.galdr"
	l := openTestLog(t, dbPath)
	require.NoError(t, l.Append(9, map[types.PageID][]byte{3: fill(1)}))
	require.NoError(t, l.Checkpoint(func() error { return nil }, 9))
	require.NoError(t, l.Close())

	reopened, err := Open(dbPath, testPageSize)
	require.NoError(t, err)
	defer reopened.Close()
	assert.Equal(t, types.TxID(9), reopened.HighWater())

	applied, err := reopened.Replay(func(types.TxID, types.PageID, []byte) error { return nil })
	require.NoError(t, err)
	assert.Equal(t, 0, applied, "checkpointed log replays nothing")
}

func TestCheckpointArchivesSegment(t *testing.T) {
	dbPath := t.TempDir() + "/db.galdr"
	l := openTestLog(t, dbPath)
	require.NoError(t, l.Append(4, map[types.PageID][]byte{3: fill(1)}))
	require.NoError(t, l.Checkpoint(func() error { return nil }, 4))

	_, err := os.Stat(archivePath(dbPath, 4))
	assert.NoError(t, err, "checkpoint leaves a compressed archive of the segment")

	fi, err := os.Stat(walPath(dbPath))
	require.NoError(t, err)
	assert.Zero(t, fi.Size(), "checkpoint truncates the live log")
}

func TestReplayStopsAtCorruptTail(t *testing.T) {
	dbPath := t.TempDir() + "/db.galdr"
	l := openTestLog(t, dbPath)
	require.NoError(t, l.Append(5, map[types.PageID][]byte{3: fill(1)}))
	require.NoError(t, l.Append(6, map[types.PageID][]byte{4: fill(2)}))

	// Flip a byte inside the second record's image.
	f, err := os.OpenFile(walPath(dbPath), os.O_RDWR, 0)
	require.NoError(t, err)
	recordSize := int64(recordHeaderSize + testPageSize + 4)
	_, err = f.WriteAt([]byte{0xFF}, recordSize+recordHeaderSize+10)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	applied, err := l.Replay(func(types.TxID, types.PageID, []byte) error { return nil })
	require.NoError(t, err)
	assert.Equal(t, 1, applied, "replay applies the intact prefix and stops at the corrupt record")
}
