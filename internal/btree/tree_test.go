package btree

import (
	"fmt"
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rthomasv3/GaldrDb-sub002/internal/types"
)

const testKeySize = 8
const testPageSize = 256 // small pages to force splits with few keys

// memStore is an in-memory Store for exercising Tree without any paging
// machinery.
type memStore struct {
	pages   map[types.PageID][]byte
	next    types.PageID
	keySize int
}

func newMemStore() *memStore {
	return &memStore{pages: map[types.PageID][]byte{}, next: 1, keySize: testKeySize}
}

func (s *memStore) Get(id types.PageID) (*Node, error) {
	buf, ok := s.pages[id]
	if !ok {
		return nil, fmt.Errorf("no such page %d", id)
	}
	return Wrap(buf, s.keySize), nil
}

func (s *memStore) New(n *Node) (types.PageID, error) {
	id := s.next
	s.next++
	s.pages[id] = n.Bytes()
	return id, nil
}

func (s *memStore) Put(id types.PageID, n *Node) error {
	s.pages[id] = n.Bytes()
	return nil
}

func newTestTree() (*Tree, *memStore) {
	store := newMemStore()
	order := Capacity(testPageSize, testKeySize)
	return New(types.InvalidPageID, testKeySize, order, testPageSize, store, BytesCompare), store
}

func locFor(i int) types.DocumentLocation {
	return types.DocumentLocation{Page: types.PageID(i + 1), Slot: types.SlotIndex(i % 7)}
}

func TestInsertSearchRoundTrip(t *testing.T) {
	tree, _ := newTestTree()
	const n = 200
	order := rand.New(rand.NewSource(1)).Perm(n)
	for _, i := range order {
		key := EncodeUint64(uint64(i))
		_, err := tree.Insert(key, locFor(i))
		require.NoError(t, err)
	}
	for i := 0; i < n; i++ {
		loc, ok, err := tree.Search(EncodeUint64(uint64(i)))
		require.NoError(t, err)
		require.True(t, ok, "key %d should be found", i)
		assert.Equal(t, locFor(i), loc)
	}
	_, ok, err := tree.Search(EncodeUint64(uint64(n + 1)))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestUpsertOverwritesLocation(t *testing.T) {
	tree, _ := newTestTree()
	key := EncodeUint64(5)
	_, err := tree.Insert(key, locFor(5))
	require.NoError(t, err)
	_, err = tree.Insert(key, locFor(99))
	require.NoError(t, err)

	loc, ok, err := tree.Search(key)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, locFor(99), loc)
}

// A leaf-chain range scan visits every key in strictly ascending order.
func TestRangeAscendingOrder(t *testing.T) {
	tree, _ := newTestTree()
	const n = 150
	for _, i := range rand.New(rand.NewSource(2)).Perm(n) {
		_, err := tree.Insert(EncodeUint64(uint64(i)), locFor(i))
		require.NoError(t, err)
	}

	it, err := tree.Range(nil, nil)
	require.NoError(t, err)

	var last uint64
	first := true
	count := 0
	for {
		e, ok := it.Next()
		if !ok {
			break
		}
		v := DecodeUint64(e.Key)
		if !first {
			assert.Greater(t, v, last, "keys must come out strictly ascending")
		}
		last = v
		first = false
		count++
	}
	require.NoError(t, it.Err())
	assert.Equal(t, n, count)
}

func TestRangeBounded(t *testing.T) {
	tree, _ := newTestTree()
	for i := 0; i < 50; i++ {
		_, err := tree.Insert(EncodeUint64(uint64(i)), locFor(i))
		require.NoError(t, err)
	}

	it, err := tree.Range(EncodeUint64(10), EncodeUint64(20))
	require.NoError(t, err)
	var got []uint64
	for {
		e, ok := it.Next()
		if !ok {
			break
		}
		got = append(got, DecodeUint64(e.Key))
	}
	require.Len(t, got, 11)
	assert.Equal(t, uint64(10), got[0])
	assert.Equal(t, uint64(20), got[len(got)-1])
}

func TestDeleteRemovesKey(t *testing.T) {
	tree, _ := newTestTree()
	for i := 0; i < 30; i++ {
		_, err := tree.Insert(EncodeUint64(uint64(i)), locFor(i))
		require.NoError(t, err)
	}

	found, err := tree.Delete(EncodeUint64(15))
	require.NoError(t, err)
	assert.True(t, found)

	_, ok, err := tree.Search(EncodeUint64(15))
	require.NoError(t, err)
	assert.False(t, ok)

	// neighboring keys remain intact (no merge/rebalance, per the
	// documented simplification, but nothing else should move).
	loc, ok, err := tree.Search(EncodeUint64(14))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, locFor(14), loc)

	found, err = tree.Delete(EncodeUint64(15))
	require.NoError(t, err)
	assert.False(t, found, "deleting an already-deleted key reports not found")
}

func TestManySplitsPreserveSearch(t *testing.T) {
	tree, store := newTestTree()
	const n = 500
	for i := 0; i < n; i++ {
		_, err := tree.Insert(EncodeUint64(uint64(i)), locFor(i))
		require.NoError(t, err)
	}
	assert.Greater(t, len(store.pages), 1, "500 keys at a tiny page size must force splits")
	for i := 0; i < n; i += 37 {
		_, ok, err := tree.Search(EncodeUint64(uint64(i)))
		require.NoError(t, err)
		assert.True(t, ok)
	}
}

func TestCompositeSecondaryKeyOrdering(t *testing.T) {
	tree, _ := newTestTree16()
	type pair struct {
		val uint64
		doc types.DocID
	}
	pairs := []pair{{1, 5}, {1, 1}, {1, 9}, {2, 0}, {0, 100}}
	for _, p := range pairs {
		key := CompositeKey(EncodeUint64(p.val), p.doc)
		_, err := tree.Insert(key, types.DocumentLocation{Page: types.PageID(p.doc + 1)})
		require.NoError(t, err)
	}

	it, err := tree.Range(nil, nil)
	require.NoError(t, err)
	var seen []pair
	for {
		e, ok := it.Next()
		if !ok {
			break
		}
		v, d := SplitComposite(e.Key)
		seen = append(seen, pair{DecodeUint64(v), d})
	}
	require.Len(t, seen, len(pairs))
	for i := 1; i < len(seen); i++ {
		prevKey := CompositeKey(EncodeUint64(seen[i-1].val), seen[i-1].doc)
		curKey := CompositeKey(EncodeUint64(seen[i].val), seen[i].doc)
		assert.True(t, BytesCompare(prevKey, curKey) < 0, "composite keys must sort strictly ascending")
	}
}

func newTestTree16() (*Tree, *memStore) {
	store := newMemStore()
	store.keySize = 16
	order := Capacity(testPageSize, 16)
	return New(types.InvalidPageID, 16, order, testPageSize, store, BytesCompare), store
}

func TestEncodeInt64Ordering(t *testing.T) {
	values := []int64{math.MinInt64, -1000, -1, 0, 1, 1000, math.MaxInt64}
	for i := 1; i < len(values); i++ {
		a, b := EncodeInt64(values[i-1]), EncodeInt64(values[i])
		assert.True(t, BytesCompare(a, b) < 0, "%d should sort before %d", values[i-1], values[i])
		assert.Equal(t, values[i-1], DecodeInt64(a))
	}
}

func TestEncodeFloat64Ordering(t *testing.T) {
	values := []float64{math.Inf(-1), -1.5, -0.0, 0.0, 1.5, math.Inf(1)}
	for i := 1; i < len(values); i++ {
		a, b := EncodeFloat64(values[i-1]), EncodeFloat64(values[i])
		assert.True(t, BytesCompare(a, b) <= 0, "%v should sort before or equal %v", values[i-1], values[i])
	}
	assert.Equal(t, EncodeFloat64(0.0), EncodeFloat64(math.Copysign(0, -1)), "+0 and -0 must canonicalize equal")

	nanEnc := EncodeFloat64(math.NaN())
	maxEnc := EncodeFloat64(math.MaxFloat64)
	assert.True(t, BytesCompare(maxEnc, nanEnc) < 0, "NaN must sort after every real value")
}

func TestStringComparatorResolvesSpill(t *testing.T) {
	const width = 16 // 1 + prefix(10) + 1 + 4
	spillPages := map[types.PageID]string{}
	var nextID types.PageID = 1
	write := func(full string) (types.PageID, error) {
		id := nextID
		nextID++
		spillPages[id] = full
		return id, nil
	}
	fetch := func(id types.PageID) (string, error) { return spillPages[id], nil }

	a, err := EncodeString("aaaaaaaaaaAAA", width, write)
	require.NoError(t, err)
	b, err := EncodeString("aaaaaaaaaaZZZ", width, write)
	require.NoError(t, err)

	// raw bytes collide on the truncated prefix.
	assert.Equal(t, a[:1+width-6], b[:1+width-6])

	cmp := StringComparator(width, fetch)
	assert.True(t, cmp(a, b) < 0, "full strings differ past the truncated prefix")
}

func TestEncodeNullStringSortsFirst(t *testing.T) {
	const width = 16
	null := EncodeNullString(width)
	present, err := EncodeString("x", width, nil)
	require.NoError(t, err)
	assert.True(t, BytesCompare(null, present) < 0)
}
