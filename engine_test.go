package galdrdb_test

import (
	"fmt"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	galdrdb "github.com/rthomasv3/GaldrDb-sub002"
	"github.com/rthomasv3/GaldrDb-sub002/internal/galdrerr"
	"github.com/rthomasv3/GaldrDb-sub002/internal/record"
	"github.com/rthomasv3/GaldrDb-sub002/internal/types"
)

func peopleMetadata() *record.Metadata {
	return &record.Metadata{
		Collection: "people",
		IDField:    "id",
		Fields: []record.FieldDescriptor{
			{Name: "id", Kind: record.KindUint64, Indexed: true},
			{Name: "name", Kind: record.KindString, Indexed: true},
			{Name: "age", Kind: record.KindInt64},
			{Name: "nullable_int", Kind: record.KindInt64, Nullable: true, Indexed: true},
		},
	}
}

func newTestEngine(t *testing.T, opts galdrdb.Options) (*galdrdb.Engine, string) {
	t.Helper()
	path := t.TempDir() + "/people.galdr"
	if opts.PageSize == 0 {
		opts = galdrdb.DefaultOptions()
	}
	e, err := galdrdb.Create(path, opts)
	require.NoError(t, err)
	e.SetLogger(zerolog.Nop())
	t.Cleanup(func() { e.Close() })

	require.NoError(t, e.RegisterMetadata(peopleMetadata()))
	require.NoError(t, e.CreateCollection("people"))
	return e, path
}

func person(name string, age int64) *record.Document {
	return record.NewDocument().
		Set("name", record.String(name)).
		Set("age", record.Int64(age))
}

func name(t *testing.T, doc *record.Document) string {
	t.Helper()
	require.NotNil(t, doc)
	v, ok := doc.Get("name")
	require.True(t, ok)
	return v.AsString()
}

func TestInsertAndGetByID(t *testing.T) {
	e, _ := newTestEngine(t, galdrdb.Options{})

	id, err := e.Insert("people", person("Quinn", 30))
	require.NoError(t, err)
	require.NotZero(t, id)

	doc, err := e.GetByID("people", id)
	require.NoError(t, err)
	assert.Equal(t, "Quinn", name(t, doc))

	_, err = e.GetByID("people", id+100)
	assert.Equal(t, galdrerr.KindNotFound, galdrerr.KindOf(err))
}

func TestTransactionReadsItsOwnWritesAndAbortDiscards(t *testing.T) {
	e, _ := newTestEngine(t, galdrdb.Options{})

	tx, err := e.Begin()
	require.NoError(t, err)
	id, err := tx.Insert("people", person("Uncommitted", 1))
	require.NoError(t, err)

	doc, err := tx.Get("people", id)
	require.NoError(t, err)
	assert.Equal(t, "Uncommitted", name(t, doc))

	// Nobody else sees the uncommitted insert.
	_, err = e.GetByID("people", id)
	assert.Equal(t, galdrerr.KindNotFound, galdrerr.KindOf(err))

	tx.Abort()
	_, err = e.GetByID("people", id)
	assert.Equal(t, galdrerr.KindNotFound, galdrerr.KindOf(err))
}

// Two transactions writing the same document contend on the same pages;
// the loser gets PageConflict, refreshes its snapshot, redoes its write,
// and succeeds.
func TestWriteConflictRefreshAndRetry(t *testing.T) {
	e, _ := newTestEngine(t, galdrdb.Options{})

	id, err := e.Insert("people", person("base", 0))
	require.NoError(t, err)

	t1, err := e.Begin()
	require.NoError(t, err)
	t2, err := e.Begin()
	require.NoError(t, err)

	require.NoError(t, t1.Update("people", id, person("from-t1", 1)))
	require.NoError(t, t2.Update("people", id, person("from-t2", 2)))

	require.NoError(t, t2.Commit())

	err = t1.Commit()
	require.Error(t, err)
	assert.Equal(t, galdrerr.KindPageConflict, galdrerr.KindOf(err))

	require.NoError(t, t1.RefreshSnapshot())
	require.NoError(t, t1.Update("people", id, person("from-t1", 1)))
	require.NoError(t, t1.Commit())

	doc, err := e.GetByID("people", id)
	require.NoError(t, err)
	assert.Equal(t, "from-t1", name(t, doc))
}

// Snapshot isolation across versions: each open snapshot keeps seeing the
// version that was newest when it began, regardless of later commits.
func TestSnapshotIsolationAcrossVersions(t *testing.T) {
	e, _ := newTestEngine(t, galdrdb.Options{})

	id, err := e.Insert("people", person("Quinn v1", 1))
	require.NoError(t, err)

	txA, err := e.BeginReadOnly()
	require.NoError(t, err)
	defer txA.Dispose()

	require.NoError(t, e.Update("people", id, person("Quinn v2", 2)))

	txC, err := e.BeginReadOnly()
	require.NoError(t, err)
	defer txC.Dispose()

	require.NoError(t, e.Update("people", id, person("Quinn v3", 3)))

	docA, err := txA.Get("people", id)
	require.NoError(t, err)
	assert.Equal(t, "Quinn v1", name(t, docA))

	docC, err := txC.Get("people", id)
	require.NoError(t, err)
	assert.Equal(t, "Quinn v2", name(t, docC))

	latest, err := e.GetByID("people", id)
	require.NoError(t, err)
	assert.Equal(t, "Quinn v3", name(t, latest))
}

func TestPlannerPriorityAndExplain(t *testing.T) {
	e, _ := newTestEngine(t, galdrdb.Options{})
	for i := 0; i < 10; i++ {
		_, err := e.Insert("people", person(fmt.Sprintf("Test%d", i), int64(i)))
		require.NoError(t, err)
	}

	q := e.Query("people").
		Where("name", galdrdb.StartsWith, record.String("Test")).
		Where("name", galdrdb.Equals, record.String("Test5"))

	ex, err := q.Explain()
	require.NoError(t, err)
	assert.Equal(t, "SecondaryIndex", ex.ScanType)
	assert.Equal(t, "name", ex.IndexedField)
	assert.Equal(t, 2, ex.FiltersUsedByIndex)
	assert.Equal(t, 0, ex.ResidualFilterCount)

	docs, err := q.ToList()
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, "Test5", name(t, docs[0]))
}

// A range comparison never matches documents whose indexed field is null.
func TestRangeQueryExcludesNulls(t *testing.T) {
	e, _ := newTestEngine(t, galdrdb.Options{})

	for i := 0; i < 50; i++ {
		doc := person(fmt.Sprintf("with-%d", i), int64(i)).
			Set("nullable_int", record.Int64(int64(i)))
		_, err := e.Insert("people", doc)
		require.NoError(t, err)
	}
	for i := 0; i < 50; i++ {
		doc := person(fmt.Sprintf("null-%d", i), int64(i)).
			Set("nullable_int", record.NullOf(record.KindInt64))
		_, err := e.Insert("people", doc)
		require.NoError(t, err)
	}

	docs, err := e.Query("people").
		Where("nullable_int", galdrdb.GreaterThan, record.Int64(40)).
		ToList()
	require.NoError(t, err)
	assert.Len(t, docs, 9)

	n, err := e.Query("people").
		Where("nullable_int", galdrdb.GreaterThan, record.Int64(40)).
		Count()
	require.NoError(t, err)
	assert.Equal(t, 9, n)
}

func TestBulkDeleteSurvivesReopen(t *testing.T) {
	e, path := newTestEngine(t, galdrdb.Options{})

	ids := make([]types.DocID, 0, 100)
	for i := 0; i < 100; i++ {
		id, err := e.Insert("people", person(fmt.Sprintf("person-%d", i), int64(i)))
		require.NoError(t, err)
		ids = append(ids, id)
	}
	for i := 0; i < 50; i++ {
		require.NoError(t, e.Delete("people", ids[i]))
	}

	check := func(e *galdrdb.Engine) {
		for i := 0; i < 50; i++ {
			_, err := e.GetByID("people", ids[i])
			assert.Equal(t, galdrerr.KindNotFound, galdrerr.KindOf(err), "deleted document %d", ids[i])
		}
		for i := 50; i < 100; i++ {
			doc, err := e.GetByID("people", ids[i])
			require.NoError(t, err)
			assert.Equal(t, fmt.Sprintf("person-%d", i), name(t, doc))
		}
	}
	check(e)

	require.NoError(t, e.Close())

	reopened, err := galdrdb.Open(path)
	require.NoError(t, err)
	reopened.SetLogger(zerolog.Nop())
	defer reopened.Close()
	require.NoError(t, reopened.RegisterMetadata(peopleMetadata()))
	check(reopened)
}

func TestQueryPaginationAndOrdering(t *testing.T) {
	e, _ := newTestEngine(t, galdrdb.Options{})
	for i := 0; i < 20; i++ {
		_, err := e.Insert("people", person(fmt.Sprintf("p%02d", i), int64(i)))
		require.NoError(t, err)
	}

	docs, err := e.Query("people").
		Where("name", galdrdb.GreaterThanOrEqual, record.String("p05")).
		Skip(2).Limit(3).
		ToList()
	require.NoError(t, err)
	require.Len(t, docs, 3)
	assert.Equal(t, "p07", name(t, docs[0]), "index scans yield ascending key order")
	assert.Equal(t, "p09", name(t, docs[2]))

	first, err := e.Query("people").
		Where("name", galdrdb.StartsWith, record.String("p1")).
		FirstOrDefault()
	require.NoError(t, err)
	assert.Equal(t, "p10", name(t, first))

	missing, err := e.Query("people").
		Where("name", galdrdb.Equals, record.String("nobody")).
		FirstOrDefault()
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestFullScanWithResidualFilter(t *testing.T) {
	e, _ := newTestEngine(t, galdrdb.Options{})
	for i := 0; i < 10; i++ {
		_, err := e.Insert("people", person(fmt.Sprintf("p%d", i), int64(i)))
		require.NoError(t, err)
	}

	// age is not indexed, so this is a full scan with a residual filter.
	q := e.Query("people").Where("age", galdrdb.LessThan, record.Int64(3))
	ex, err := q.Explain()
	require.NoError(t, err)
	assert.Equal(t, "FullScan", ex.ScanType)
	assert.Equal(t, 1, ex.ResidualFilterCount)

	docs, err := q.ToList()
	require.NoError(t, err)
	assert.Len(t, docs, 3)
}

func TestQueryInsideTransactionSeesOwnWrites(t *testing.T) {
	e, _ := newTestEngine(t, galdrdb.Options{})
	_, err := e.Insert("people", person("committed", 1))
	require.NoError(t, err)

	tx, err := e.Begin()
	require.NoError(t, err)
	defer tx.Abort()
	_, err = tx.Insert("people", person("pending", 2))
	require.NoError(t, err)

	n, err := tx.Query("people").Count()
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = e.Query("people").Count()
	require.NoError(t, err)
	assert.Equal(t, 1, n, "another snapshot does not see the pending insert")
}

func TestLargeDocumentRoundTrip(t *testing.T) {
	e, _ := newTestEngine(t, galdrdb.Options{})

	bio := strings.Repeat("long biography text. ", 2000) // ~40 KiB payload
	doc := person("big", 1).Set("bio", record.String(bio))
	id, err := e.Insert("people", doc)
	require.NoError(t, err)

	got, err := e.GetByID("people", id)
	require.NoError(t, err)
	v, ok := got.Get("bio")
	require.True(t, ok)
	assert.Equal(t, bio, v.AsString())
}

func TestDropCollectionRefusesWhenNotEmpty(t *testing.T) {
	e, _ := newTestEngine(t, galdrdb.Options{})
	_, err := e.Insert("people", person("keeper", 1))
	require.NoError(t, err)

	err = e.DropCollection("people", false)
	require.Error(t, err)
	assert.Equal(t, galdrerr.KindInvalidOperation, galdrerr.KindOf(err))
	assert.Contains(t, err.Error(), "document(s)")
	assert.Contains(t, err.Error(), "deleteDocuments")

	require.NoError(t, e.DropCollection("people", true))
	names, err := e.GetCollectionNames()
	require.NoError(t, err)
	assert.Empty(t, names)
}

func TestCreateAndDropIndex(t *testing.T) {
	e, _ := newTestEngine(t, galdrdb.Options{})
	for i := 0; i < 5; i++ {
		_, err := e.Insert("people", person(fmt.Sprintf("p%d", i), int64(i)))
		require.NoError(t, err)
	}

	require.NoError(t, e.CreateIndex("people", "age"))
	fields, err := e.GetIndexNames("people")
	require.NoError(t, err)
	assert.Contains(t, fields, "age")

	// The backfilled index serves queries immediately.
	ex, err := e.Query("people").Where("age", galdrdb.GreaterThanOrEqual, record.Int64(3)).Explain()
	require.NoError(t, err)
	assert.Equal(t, "SecondaryIndex", ex.ScanType)
	docs, err := e.Query("people").Where("age", galdrdb.GreaterThanOrEqual, record.Int64(3)).ToList()
	require.NoError(t, err)
	assert.Len(t, docs, 2)

	require.NoError(t, e.DropIndex("people", "age"))
	ex, err = e.Query("people").Where("age", galdrdb.GreaterThanOrEqual, record.Int64(3)).Explain()
	require.NoError(t, err)
	assert.Equal(t, "FullScan", ex.ScanType)
}

func TestVacuumReclaimsOldVersions(t *testing.T) {
	e, _ := newTestEngine(t, galdrdb.Options{})

	id, err := e.Insert("people", person("v1", 1))
	require.NoError(t, err)
	require.NoError(t, e.Update("people", id, person("v2", 2)))
	require.NoError(t, e.Update("people", id, person("v3", 3)))

	n, err := e.Vacuum()
	require.NoError(t, err)
	assert.Equal(t, 2, n, "both superseded versions are reclaimed")

	doc, err := e.GetByID("people", id)
	require.NoError(t, err)
	assert.Equal(t, "v3", name(t, doc))

	gone, err := e.Insert("people", person("doomed", 1))
	require.NoError(t, err)
	require.NoError(t, e.Delete("people", gone))
	n, err = e.Vacuum()
	require.NoError(t, err)
	assert.Equal(t, 1, n, "a fully deleted chain is reclaimed")
	_, err = e.GetByID("people", gone)
	assert.Equal(t, galdrerr.KindNotFound, galdrerr.KindOf(err))
}

func TestCheckpointWithAndWithoutWAL(t *testing.T) {
	e, _ := newTestEngine(t, galdrdb.Options{})
	ok, err := e.Checkpoint()
	require.NoError(t, err)
	assert.False(t, ok, "no WAL configured")

	opts := galdrdb.DefaultOptions()
	opts.UseWAL = true
	walEngine, _ := newTestEngine(t, opts)
	_, err = walEngine.Insert("people", person("logged", 1))
	require.NoError(t, err)
	ok, err = walEngine.Checkpoint()
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestWALEngineSurvivesReopen(t *testing.T) {
	opts := galdrdb.DefaultOptions()
	opts.UseWAL = true
	e, path := newTestEngine(t, opts)

	id, err := e.Insert("people", person("durable", 1))
	require.NoError(t, err)
	require.NoError(t, e.Close())

	reopened, err := galdrdb.Open(path)
	require.NoError(t, err)
	reopened.SetLogger(zerolog.Nop())
	defer reopened.Close()
	require.NoError(t, reopened.RegisterMetadata(peopleMetadata()))

	doc, err := reopened.GetByID("people", id)
	require.NoError(t, err)
	assert.Equal(t, "durable", name(t, doc))
}

func TestOrphanScanOnHealthyDatabase(t *testing.T) {
	e, _ := newTestEngine(t, galdrdb.Options{})
	_, err := e.Insert("people", person("fine", 1))
	require.NoError(t, err)

	o, err := e.GetOrphanedSchema()
	require.NoError(t, err)
	assert.True(t, o.Empty())
}

func TestUseAfterCloseIsDisposed(t *testing.T) {
	path := t.TempDir() + "/people.galdr"
	e, err := galdrdb.Create(path, galdrdb.DefaultOptions())
	require.NoError(t, err)
	e.SetLogger(zerolog.Nop())
	require.NoError(t, e.Close())

	_, err = e.Begin()
	assert.Equal(t, galdrerr.KindDisposed, galdrerr.KindOf(err))
	err = e.Close()
	assert.Equal(t, galdrerr.KindDisposed, galdrerr.KindOf(err))
}
