package slotted

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rthomasv3/GaldrDb-sub002/internal/page"
	"github.com/rthomasv3/GaldrDb-sub002/internal/types"
)

const testPageSize = 4096

func newTestPage() *Page {
	buf := make([]byte, testPageSize)
	return New(buf, page.PageTypeDocument)
}

func TestAddGetRoundTrip(t *testing.T) {
	p := newTestPage()
	payload := []byte("hello, galdrdb")

	idx, err := p.AddDocument(payload, uint32(len(payload)), 0, types.InvalidPageID)
	require.NoError(t, err)

	got, ok := p.Get(idx)
	require.True(t, ok)
	assert.Equal(t, payload, got)
}

func TestDeleteTombstones(t *testing.T) {
	p := newTestPage()
	idx, err := p.AddDocument([]byte("data"), 4, 0, types.InvalidPageID)
	require.NoError(t, err)

	require.NoError(t, p.Delete(idx))
	_, ok := p.Get(idx)
	assert.False(t, ok)
	assert.True(t, p.IsTombstone(idx))
}

// Compaction preserves the bytes of every live slot exactly.
func TestCompactPreservesLiveSlots(t *testing.T) {
	p := newTestPage()
	var idxs []types.SlotIndex
	var payloads [][]byte
	for i := 0; i < 10; i++ {
		payload := []byte{byte(i), byte(i), byte(i)}
		idx, err := p.AddDocument(payload, uint32(len(payload)), 0, types.InvalidPageID)
		require.NoError(t, err)
		idxs = append(idxs, idx)
		payloads = append(payloads, payload)
	}
	// delete every third document to create tombstones.
	for i := 0; i < len(idxs); i += 3 {
		require.NoError(t, p.Delete(idxs[i]))
	}

	p.Compact()

	for i, idx := range idxs {
		if i%3 == 0 {
			_, ok := p.Get(idx)
			assert.False(t, ok, "slot %d should remain a tombstone", idx)
			continue
		}
		got, ok := p.Get(idx)
		require.True(t, ok)
		assert.Equal(t, payloads[i], got, "slot %d bytes must survive compaction byte-for-byte", idx)
	}
}

// Compaction is idempotent: compact(compact(p)) == compact(p).
func TestCompactIsIdempotent(t *testing.T) {
	p := newTestPage()
	for i := 0; i < 5; i++ {
		_, err := p.AddDocument([]byte{byte(i)}, 1, 0, types.InvalidPageID)
		require.NoError(t, err)
	}
	require.NoError(t, p.Delete(types.SlotIndex(1)))

	p.Compact()
	snapshot := append([]byte(nil), p.Bytes()...)
	p.Compact()
	assert.Equal(t, snapshot, p.Bytes())
}

// Free-space accounting: contiguous_free + sum(tombstone lengths) == logical_free, always.
func TestFreeSpaceAccounting(t *testing.T) {
	p := newTestPage()
	var idxs []types.SlotIndex
	for i := 0; i < 8; i++ {
		idx, err := p.AddDocument([]byte("0123456789"), 10, 0, types.InvalidPageID)
		require.NoError(t, err)
		idxs = append(idxs, idx)
	}

	tombstoneBytes := 0
	for i, idx := range idxs {
		if i%2 == 0 {
			tombstoneBytes += 10
			require.NoError(t, p.Delete(idx))
		}
	}

	assert.Equal(t, p.ContiguousFree()+tombstoneBytes, p.LogicalFree())
}

func TestNeedsCompaction(t *testing.T) {
	p := newTestPage()
	idx, err := p.AddDocument(make([]byte, 200), 200, 0, types.InvalidPageID)
	require.NoError(t, err)
	assert.False(t, p.NeedsCompaction(64))

	require.NoError(t, p.Delete(idx))
	assert.True(t, p.NeedsCompaction(64))
}

func TestAddDocumentNoSpace(t *testing.T) {
	p := newTestPage()
	huge := make([]byte, testPageSize)
	_, err := p.AddDocument(huge, uint32(len(huge)), 0, types.InvalidPageID)
	assert.ErrorIs(t, err, ErrNoSpace)
}

func TestUpdateInPlaceRejectsGrowth(t *testing.T) {
	p := newTestPage()
	idx, err := p.AddDocument([]byte("abc"), 3, 0, types.InvalidPageID)
	require.NoError(t, err)

	require.NoError(t, p.UpdateInPlace(idx, []byte("ab"), 2, 0, types.InvalidPageID))
	got, ok := p.Get(idx)
	require.True(t, ok)
	assert.Equal(t, []byte("ab"), got)

	err = p.UpdateInPlace(idx, []byte("abcdef"), 6, 0, types.InvalidPageID)
	assert.Error(t, err)
}

func TestChecksumRoundTrip(t *testing.T) {
	p := newTestPage()
	_, err := p.AddDocument([]byte("payload"), 7, 0, types.InvalidPageID)
	require.NoError(t, err)
	p.RecomputeChecksum()
	assert.True(t, p.VerifyChecksum())

	p.Bytes()[100] ^= 0xFF
	assert.False(t, p.VerifyChecksum())
}
