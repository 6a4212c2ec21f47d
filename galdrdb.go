// Package galdrdb is an embedded, single-process document database:
// typed documents in named collections, stable integer document ids,
// point and range lookups through B+-tree primary and secondary indexes,
// and snapshot-isolated MVCC with optimistic write conflict detection,
// all over a paged single-file format.
package galdrdb

import (
	"os"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/rthomasv3/GaldrDb-sub002/internal/btree"
	"github.com/rthomasv3/GaldrDb-sub002/internal/buffer"
	"github.com/rthomasv3/GaldrDb-sub002/internal/catalog"
	"github.com/rthomasv3/GaldrDb-sub002/internal/config"
	"github.com/rthomasv3/GaldrDb-sub002/internal/docstore"
	"github.com/rthomasv3/GaldrDb-sub002/internal/galdrerr"
	"github.com/rthomasv3/GaldrDb-sub002/internal/metrics"
	"github.com/rthomasv3/GaldrDb-sub002/internal/mvcc"
	"github.com/rthomasv3/GaldrDb-sub002/internal/page"
	"github.com/rthomasv3/GaldrDb-sub002/internal/record"
	"github.com/rthomasv3/GaldrDb-sub002/internal/txn"
	"github.com/rthomasv3/GaldrDb-sub002/internal/types"
	"github.com/rthomasv3/GaldrDb-sub002/internal/wal"
)

// Options re-exports the engine configuration; see config.Options.
type Options = config.Options

// DefaultOptions returns the options used when the caller specifies
// nothing.
func DefaultOptions() Options { return config.Default() }

// LoadOptions reads Options from a HuJSON config file.
func LoadOptions(path string) (Options, error) { return config.LoadFile(path) }

// Engine is one open database. All methods are safe for use from
// multiple goroutines; individual transactions are not.
type Engine struct {
	path string
	opts Options

	dev      page.BlockDevice
	pm       *page.Manager
	buf      *buffer.Layer
	txm      *txn.Manager
	versions *mvcc.Index
	cat      *catalog.Catalog
	docs     *docstore.Store
	registry *record.Registry
	redo     *wal.Log
	met      *metrics.Set
	log      zerolog.Logger

	instanceID string

	// commitMu serializes write-transaction commits and schema changes at
	// the engine level, on top of the buffered layer's own commit mutex,
	// so catalog staging and its page writes land atomically.
	commitMu sync.Mutex

	// nextDoc hands out document ids per collection.
	docMu   sync.Mutex
	nextDoc map[string]*uint64

	readOnly atomic.Bool // latched on detected corruption
	closed   atomic.Bool
}

// Create lays out a new database file at path and opens it.
func Create(path string, opts Options) (*Engine, error) {
	if opts.PageSize == 0 {
		opts = fillDefaults(opts)
	}
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	if err := page.CreateFile(path, opts.PageSize, opts.UseWAL); err != nil {
		return nil, err
	}
	e, err := open(path, opts, true)
	if err != nil {
		return nil, err
	}
	e.log.Debug().Int("page_size", opts.PageSize).Bool("wal", opts.UseWAL).Msg("database created")
	return e, nil
}

// Open opens an existing database with default runtime options; the page
// size and WAL flag come from the file's header.
func Open(path string) (*Engine, error) {
	return OpenWithOptions(path, fillDefaults(Options{PageSize: page.MinPageSize}))
}

// OpenWithOptions opens an existing database. The header's page size and
// WAL flag override whatever opts carries for those two fields.
func OpenWithOptions(path string, opts Options) (*Engine, error) {
	return open(path, opts, false)
}

func fillDefaults(opts Options) Options {
	def := config.Default()
	if opts.PageSize == 0 {
		opts.PageSize = def.PageSize
	}
	if opts.CacheBytes == 0 {
		opts.CacheBytes = def.CacheBytes
	}
	return opts
}

func open(path string, opts Options, creating bool) (*Engine, error) {
	pageSize, err := probePageSize(path)
	if err != nil {
		return nil, err
	}
	opts.PageSize = pageSize

	var dev page.BlockDevice
	if opts.UseMmap {
		dev, err = page.OpenMmapDevice(path, pageSize)
	} else {
		dev, err = page.OpenFileDevice(path, pageSize)
	}
	if err != nil {
		return nil, err
	}

	pm, err := page.OpenManager(dev)
	if err != nil {
		dev.Close()
		return nil, err
	}

	buf := buffer.NewLayer(dev)
	buf.SetCacheBytes(opts.CacheBytes)

	instanceID := uuid.NewString()
	logger := zerolog.New(os.Stderr).With().
		Timestamp().
		Str("component", "galdrdb").
		Str("instance", instanceID).
		Str("path", path).
		Logger()

	e := &Engine{
		path:       path,
		opts:       opts,
		dev:        dev,
		pm:         pm,
		buf:        buf,
		versions:   mvcc.NewIndex(),
		docs:       docstore.New(pm, buf),
		registry:   record.NewRegistry(),
		met:        metrics.New(instanceID),
		log:        logger,
		instanceID: instanceID,
		nextDoc:    map[string]*uint64{},
	}

	if pm.WALEnabled() {
		redo, err := wal.Open(path, pageSize)
		if err != nil {
			dev.Close()
			return nil, err
		}
		e.redo = redo
		if !creating {
			if err := e.replay(); err != nil {
				redo.Close()
				dev.Close()
				return nil, err
			}
		}
		buf.SetRedoLog(redo)
	}

	if creating {
		cat, err := catalog.Bootstrap(pm, buf)
		if err != nil {
			e.teardown()
			return nil, err
		}
		e.cat = cat
		if err := e.flushHeader(); err != nil {
			e.teardown()
			return nil, err
		}
	} else {
		cat, err := catalog.Load(pm, buf)
		if err != nil {
			e.teardown()
			return nil, err
		}
		e.cat = cat
	}

	e.txm = txn.NewManager(pm, buf)

	if !creating {
		if err := e.rebuild(); err != nil {
			e.teardown()
			return nil, err
		}
	}
	return e, nil
}

// probePageSize reads the page-size field straight out of the file header
// before any device exists to read whole pages with.
func probePageSize(path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, galdrerr.IO(err, "open %s", path)
	}
	defer f.Close()
	hdr := make([]byte, page.HeaderEncodedLen)
	if _, err := f.ReadAt(hdr, 0); err != nil {
		return 0, galdrerr.Corruption("file too short for a header page")
	}
	h, err := page.Decode(hdr)
	if err != nil {
		return 0, err
	}
	return h.PageSize, nil
}

// replay applies redo records past the last checkpoint and advances the
// transaction counter past everything the log names.
func (e *Engine) replay() error {
	var maxTx types.TxID
	applied, err := e.redo.Replay(func(commitTx types.TxID, id types.PageID, img []byte) error {
		if commitTx > maxTx {
			maxTx = commitTx
		}
		return e.buf.WriteDirect(id, img)
	})
	if err != nil {
		return err
	}
	if applied > 0 {
		// The persisted counter lags the log by up to a persistence
		// interval; clear every replayed commit.
		if maxTx >= e.pm.NextTxID() {
			e.pm.SetNextTxID(maxTx + 1)
		}
		e.met.WALRecordsReplayed.Add(float64(applied))
		e.log.Warn().Int("records", applied).Msg("replayed write-ahead log")
	}
	return nil
}

// rebuild reconstructs the in-memory version index and per-collection
// document-id counters from the primary indexes.
func (e *Engine) rebuild() error {
	baseline := e.pm.NextTxID() - 1
	for _, name := range e.cat.Names() {
		def, err := e.cat.Get(name)
		if err != nil {
			return err
		}
		if def.PrimaryRoot == types.InvalidPageID {
			continue
		}
		tree := e.primaryTree(def, nil)
		it, err := tree.Range(nil, nil)
		if err != nil {
			return err
		}
		var maxID types.DocID
		for {
			entry, ok := it.Next()
			if !ok {
				break
			}
			id := types.DocID(btree.DecodeUint64(entry.Key))
			e.versions.AddVersion(name, id, baseline, entry.Loc)
			if id > maxID {
				maxID = id
			}
		}
		if err := it.Err(); err != nil {
			return err
		}
		next := uint64(maxID) + 1
		e.nextDoc[name] = &next
	}
	return nil
}

func (e *Engine) teardown() {
	if e.redo != nil {
		e.redo.Close()
	}
	e.dev.Close()
}

// Close flushes the header and releases the file. Transactions still
// active are implicitly aborted by the process letting go of them.
func (e *Engine) Close() error {
	if e.closed.Swap(true) {
		return galdrerr.Disposed("engine already closed")
	}
	e.txm.Checkpoint()
	if err := e.flushHeader(); err != nil {
		return err
	}
	if err := e.dev.Sync(); err != nil {
		return err
	}
	if e.redo != nil {
		if err := e.redo.Close(); err != nil {
			return err
		}
	}
	return e.dev.Close()
}

// InstanceID returns the random id stamped into this engine's log lines
// and metric labels.
func (e *Engine) InstanceID() string { return e.instanceID }

// Metrics returns the engine's Prometheus registry.
func (e *Engine) Metrics() *metrics.Set { return e.met }

// Logger returns the engine's structured logger, for embedding processes
// that want to redirect or silence it.
func (e *Engine) Logger() *zerolog.Logger { return &e.log }

// SetLogger replaces the engine's logger.
func (e *Engine) SetLogger(l zerolog.Logger) { e.log = l }

// RegisterMetadata installs the field-descriptor table for a collection.
// Tables normally come from generated code; tests and dynamic callers
// build them by hand.
func (e *Engine) RegisterMetadata(m *record.Metadata) error {
	return e.registry.Register(m)
}

func (e *Engine) check() error {
	if e.closed.Load() {
		return galdrerr.Disposed("engine is closed")
	}
	return nil
}

func (e *Engine) checkWritable() error {
	if err := e.check(); err != nil {
		return err
	}
	if e.readOnly.Load() {
		return galdrerr.InvalidOperation("engine is read-only after detected corruption; reopen to recover")
	}
	return nil
}

// latchCorruption marks the engine read-only when err reports corruption,
// and always returns err unchanged.
func (e *Engine) latchCorruption(err error) error {
	if err != nil && galdrerr.KindOf(err) == galdrerr.KindCorruption {
		if !e.readOnly.Swap(true) {
			e.log.Error().Err(err).Msg("corruption detected; engine is now read-only")
		}
	}
	return err
}

// flushHeader writes the cached header page back to the device.
func (e *Engine) flushHeader() error {
	buf := make([]byte, e.opts.PageSize)
	e.pm.Header().Encode(buf)
	return e.buf.WriteDirect(page.HeaderPageID, buf)
}

// allocate hands out a fresh page, reading any free-list page through the
// transaction's write-set.
func (e *Engine) allocate(ws buffer.WriteSet) (types.PageID, error) {
	id, err := e.pm.Allocate(func(free types.PageID) (types.PageID, error) {
		buf, err := e.buf.Read(free, ws)
		if err != nil {
			return 0, err
		}
		return page.ReadFreeListNext(buf), nil
	})
	if err == nil {
		e.met.PagesAllocated.Inc()
	}
	return id, err
}

// nextDocID allocates the next document id for a collection.
func (e *Engine) nextDocID(collection string) types.DocID {
	e.docMu.Lock()
	defer e.docMu.Unlock()
	ctr, ok := e.nextDoc[collection]
	if !ok {
		one := uint64(1)
		ctr = &one
		e.nextDoc[collection] = ctr
	}
	id := *ctr
	*ctr++
	return types.DocID(id)
}

// treeStore adapts the buffered page layer to the B-tree's storage seam
// for one transaction's write-set.
type treeStore struct {
	e       *Engine
	ws      buffer.WriteSet
	keySize int
}

func (s *treeStore) Get(id types.PageID) (*btree.Node, error) {
	buf, err := s.e.buf.Read(id, s.ws)
	if err != nil {
		return nil, err
	}
	return btree.Wrap(buf, s.keySize), nil
}

func (s *treeStore) New(n *btree.Node) (types.PageID, error) {
	id, err := s.e.allocate(s.ws)
	if err != nil {
		return 0, err
	}
	if err := s.e.buf.Write(s.ws, id, n.Bytes()); err != nil {
		return 0, err
	}
	return id, nil
}

func (s *treeStore) Put(id types.PageID, n *btree.Node) error {
	return s.e.buf.Write(s.ws, id, n.Bytes())
}

// primaryTree opens a collection's primary index (8-byte document-id
// keys) over ws.
func (e *Engine) primaryTree(def *catalog.Collection, ws buffer.WriteSet) *btree.Tree {
	const keySize = 8
	store := &treeStore{e: e, ws: ws, keySize: keySize}
	return btree.New(def.PrimaryRoot, keySize, btree.Capacity(e.opts.PageSize, keySize), e.opts.PageSize, store, btree.BytesCompare)
}

// secondaryTree opens one secondary index over ws. Keys are composite:
// the fixed-width field encoding followed by the document id.
func (e *Engine) secondaryTree(idx *catalog.Index, ws buffer.WriteSet) *btree.Tree {
	fieldWidth := record.KeyWidth(idx.Kind)
	keySize := fieldWidth + 8
	store := &treeStore{e: e, ws: ws, keySize: keySize}
	cmp := e.compositeCompare(idx, ws)
	return btree.New(idx.Root, keySize, btree.Capacity(e.opts.PageSize, keySize), e.opts.PageSize, store, cmp)
}

// compositeCompare orders composite keys: field encoding first (with
// spill resolution for string fields), document id as the tie-break.
func (e *Engine) compositeCompare(idx *catalog.Index, ws buffer.WriteSet) btree.CompareFunc {
	fieldWidth := record.KeyWidth(idx.Kind)
	fieldCmp := btree.BytesCompare
	if idx.Kind == record.KindString {
		fieldCmp = btree.StringComparator(fieldWidth, func(id types.PageID) (string, error) {
			return e.docs.ReadSpill(ws, id)
		})
	}
	return func(a, b []byte) int {
		if c := fieldCmp(a[:fieldWidth], b[:fieldWidth]); c != 0 {
			return c
		}
		return btree.BytesCompare(a[fieldWidth:], b[fieldWidth:])
	}
}
