package mvcc

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rthomasv3/GaldrDb-sub002/internal/types"
)

func loc(p int) types.DocumentLocation {
	return types.DocumentLocation{Page: types.PageID(p)}
}

func TestAddVersionAndGetVisible(t *testing.T) {
	idx := NewIndex()
	idx.AddVersion("widgets", 1, 5, loc(1))

	v, ok := idx.GetVisible("widgets", 1, 5)
	require.True(t, ok)
	assert.Equal(t, loc(1), v.Location)

	_, ok = idx.GetVisible("widgets", 1, 4)
	assert.False(t, ok, "a snapshot before creation must not see the document")
}

// visible(v, s) <=> v.created_by <= s && (v.deleted_by == none || s < v.deleted_by).
func TestVisibilityPredicate(t *testing.T) {
	v := &Version{CreatedBy: 10}
	assert.False(t, Visible(v, 9))
	assert.True(t, Visible(v, 10))
	assert.True(t, Visible(v, 11))

	v.DeletedBy = 20
	assert.True(t, Visible(v, 19))
	assert.False(t, Visible(v, 20), "equality on deleted_by is exclusive")
	assert.False(t, Visible(v, 21))
}

func TestMarkDeletedHidesFromLaterSnapshots(t *testing.T) {
	idx := NewIndex()
	idx.AddVersion("widgets", 1, 5, loc(1))
	require.NoError(t, idx.MarkDeleted("widgets", 1, 8))

	_, ok := idx.GetVisible("widgets", 1, 7)
	assert.True(t, ok, "snapshot before the delete still sees it")

	_, ok = idx.GetVisible("widgets", 1, 8)
	assert.False(t, ok, "snapshot at the delete tx sees it as absent")

	_, ok = idx.GetVisible("widgets", 1, 100)
	assert.False(t, ok)
}

func TestMarkDeletedUnknownDocument(t *testing.T) {
	idx := NewIndex()
	err := idx.MarkDeleted("widgets", 99, 1)
	assert.Error(t, err)
}

func TestUpdateCreatesNewVisibleHead(t *testing.T) {
	idx := NewIndex()
	idx.AddVersion("widgets", 1, 5, loc(1))
	idx.AddVersion("widgets", 1, 9, loc(2))

	v, ok := idx.GetVisible("widgets", 1, 7)
	require.True(t, ok)
	assert.Equal(t, loc(1), v.Location, "a snapshot before the update sees the old location")

	v, ok = idx.GetVisible("widgets", 1, 9)
	require.True(t, ok)
	assert.Equal(t, loc(2), v.Location, "a snapshot at/after the update sees the new location")
}

func TestVacuumCutsUnreachableTail(t *testing.T) {
	idx := NewIndex()
	idx.AddVersion("widgets", 1, 1, loc(1))
	idx.AddVersion("widgets", 1, 5, loc(2))
	idx.AddVersion("widgets", 1, 9, loc(3))

	reclaimed := idx.Vacuum(9)
	assert.Len(t, reclaimed, 2)

	head, ok := idx.Head("widgets", 1)
	require.True(t, ok)
	assert.Nil(t, head.Previous, "everything older than the minimum active snapshot's version is cut")

	v, ok := idx.GetVisible("widgets", 1, 9)
	require.True(t, ok)
	assert.Equal(t, loc(3), v.Location)
}

func TestVacuumKeepsVersionsStillNeeded(t *testing.T) {
	idx := NewIndex()
	idx.AddVersion("widgets", 1, 1, loc(1))
	idx.AddVersion("widgets", 1, 5, loc(2))

	reclaimed := idx.Vacuum(3) // an active snapshot at 3 still needs version created_by=1
	assert.Empty(t, reclaimed)

	v, ok := idx.GetVisible("widgets", 1, 3)
	require.True(t, ok)
	assert.Equal(t, loc(1), v.Location)
}
