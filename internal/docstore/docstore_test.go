package docstore

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rthomasv3/GaldrDb-sub002/internal/buffer"
	"github.com/rthomasv3/GaldrDb-sub002/internal/galdrerr"
	"github.com/rthomasv3/GaldrDb-sub002/internal/page"
	"github.com/rthomasv3/GaldrDb-sub002/internal/slotted"
	"github.com/rthomasv3/GaldrDb-sub002/internal/types"
)

func newTestStore(t *testing.T) (*Store, *buffer.Layer) {
	t.Helper()
	path := t.TempDir() + "/db.galdr"
	require.NoError(t, page.CreateFile(path, page.MinPageSize, false))
	dev, err := page.OpenFileDevice(path, page.MinPageSize)
	require.NoError(t, err)
	t.Cleanup(func() { dev.Close() })

	pm, err := page.OpenManager(dev)
	require.NoError(t, err)
	buf := buffer.NewLayer(dev)
	return New(pm, buf), buf
}

func TestWriteReadInline(t *testing.T) {
	s, _ := newTestStore(t)
	ws := buffer.WriteSet{}

	loc, tail, err := s.Write(ws, []byte("hello"), types.InvalidPageID)
	require.NoError(t, err)
	assert.Equal(t, tail, loc.Page)

	got, err := s.Read(ws, loc)
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), got)
}

func TestWriteReusesTailPage(t *testing.T) {
	s, _ := newTestStore(t)
	ws := buffer.WriteSet{}

	loc1, tail, err := s.Write(ws, []byte("one"), types.InvalidPageID)
	require.NoError(t, err)
	loc2, tail2, err := s.Write(ws, []byte("two"), tail)
	require.NoError(t, err)

	assert.Equal(t, tail, tail2, "second small document lands on the same page")
	assert.Equal(t, loc1.Page, loc2.Page)
	assert.NotEqual(t, loc1.Slot, loc2.Slot)
}

func TestLargePayloadSpillsToOverflowAndRoundTrips(t *testing.T) {
	s, _ := newTestStore(t)
	ws := buffer.WriteSet{}

	payload := bytes.Repeat([]byte("abcdefgh"), 3000) // ~24 KiB, several pages
	loc, _, err := s.Write(ws, payload, types.InvalidPageID)
	require.NoError(t, err)

	got, err := s.Read(ws, loc)
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}

func TestDeleteTombstonesAndFreesOverflow(t *testing.T) {
	s, _ := newTestStore(t)
	ws := buffer.WriteSet{}

	payload := bytes.Repeat([]byte{0x5A}, 10000)
	loc, _, err := s.Write(ws, payload, types.InvalidPageID)
	require.NoError(t, err)

	require.NoError(t, s.Delete(ws, loc))

	_, err = s.Read(ws, loc)
	require.Error(t, err)
	assert.Equal(t, galdrerr.KindNotFound, galdrerr.KindOf(err))

	// The overflow chain went back to the free list: the next allocation
	// reuses one of its pages instead of growing the file.
	before := s.pm.Header().NextPageID
	id, err := s.allocate(ws)
	require.NoError(t, err)
	assert.Less(t, id, before, "freed overflow page is reused")
}

func TestRosterChainLinksPages(t *testing.T) {
	s, _ := newTestStore(t)
	ws := buffer.WriteSet{}

	big := bytes.Repeat([]byte{1}, s.inlineCap()) // largest inline doc; three fit on a page
	_, tail, err := s.Write(ws, big, types.InvalidPageID)
	require.NoError(t, err)
	first := tail
	for i := 0; i < 6; i++ {
		_, tail, err = s.Write(ws, big, tail)
		require.NoError(t, err)
	}
	require.NotEqual(t, first, tail)

	var visited []types.PageID
	docs := 0
	require.NoError(t, s.WalkRoster(ws, first, func(id types.PageID, p *slotted.Page) error {
		visited = append(visited, id)
		docs += p.SlotCount()
		return nil
	}))
	assert.GreaterOrEqual(t, len(visited), 2, "roster spans several chained pages")
	assert.Equal(t, tail, visited[len(visited)-1], "chain ends at the tail")
	assert.Equal(t, 7, docs)
}

func TestSpillRoundTrip(t *testing.T) {
	s, _ := newTestStore(t)
	ws := buffer.WriteSet{}

	id, err := s.WriteSpill(ws, "a fairly long string index key value")
	require.NoError(t, err)
	got, err := s.ReadSpill(ws, id)
	require.NoError(t, err)
	assert.Equal(t, "a fairly long string index key value", got)
}
