// Package catalog persists the collection and index schema. The schema
// itself is stored as documents in two reserved collections: one whose
// documents each describe a collection, one whose documents each describe
// a secondary index. The catalog is read and written with the same
// slotted-page machinery as user data. The header page's catalog root
// points at the first page of the collections chain; document pages of a
// chain are linked through their next-page field.
package catalog

import (
	"sort"
	"sync"

	"github.com/rthomasv3/GaldrDb-sub002/internal/buffer"
	"github.com/rthomasv3/GaldrDb-sub002/internal/galdrerr"
	"github.com/rthomasv3/GaldrDb-sub002/internal/page"
	"github.com/rthomasv3/GaldrDb-sub002/internal/record"
	"github.com/rthomasv3/GaldrDb-sub002/internal/slotted"
	"github.com/rthomasv3/GaldrDb-sub002/internal/types"
)

// Reserved collection names. User collections may not start with the
// "galdr." prefix.
const (
	CollectionsCollection = "galdr.collections"
	IndexesCollection     = "galdr.indexes"
	reservedPrefix        = "galdr."
)

// Collection is one catalog entry: where the collection's document pages
// and primary index live.
type Collection struct {
	Name        string
	IDField     string
	FirstPage   types.PageID // head of the document-page roster chain
	TailPage    types.PageID // current insertion target
	PrimaryRoot types.PageID
	Secondary   map[string]*Index // keyed by field name
}

// Index is one secondary-index catalog entry.
type Index struct {
	Collection string
	Field      string
	Root       types.PageID
	Kind       record.Kind
	Nullable   bool
}

// Catalog is the in-memory schema, loaded from and persisted to the
// reserved collections' page chains.
type Catalog struct {
	mu  sync.RWMutex
	pm  *page.Manager
	buf *buffer.Layer

	collections map[string]*Collection
	// chain pages currently backing each reserved collection; Persist
	// reuses them in order and allocates/frees the difference.
	collectionsChain []types.PageID
	indexesChain     []types.PageID
}

// Bootstrap lays out the reserved collections in a brand-new file: one
// page per chain, written directly (no transaction exists yet). The
// returned catalog already describes both reserved collections.
func Bootstrap(pm *page.Manager, buf *buffer.Layer) (*Catalog, error) {
	c := &Catalog{pm: pm, buf: buf, collections: map[string]*Collection{}}

	collPage, err := c.allocateDirect()
	if err != nil {
		return nil, err
	}
	idxPage, err := c.allocateDirect()
	if err != nil {
		return nil, err
	}
	c.collectionsChain = []types.PageID{collPage}
	c.indexesChain = []types.PageID{idxPage}

	c.collections[CollectionsCollection] = &Collection{
		Name: CollectionsCollection, IDField: "id",
		FirstPage: collPage, TailPage: collPage,
		Secondary: map[string]*Index{},
	}
	c.collections[IndexesCollection] = &Collection{
		Name: IndexesCollection, IDField: "id",
		FirstPage: idxPage, TailPage: idxPage,
		Secondary: map[string]*Index{},
	}

	pm.SetCatalogRoot(collPage)
	if err := c.persistDirect(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Catalog) allocateDirect() (types.PageID, error) {
	return c.pm.Allocate(func(id types.PageID) (types.PageID, error) {
		buf, err := c.buf.Read(id, nil)
		if err != nil {
			return 0, err
		}
		return page.ReadFreeListNext(buf), nil
	})
}

// Load reads the schema back from the chains rooted at the header's
// catalog root.
func Load(pm *page.Manager, buf *buffer.Layer) (*Catalog, error) {
	c := &Catalog{pm: pm, buf: buf, collections: map[string]*Collection{}}
	root := pm.CatalogRoot()
	if root == types.InvalidPageID {
		return nil, galdrerr.Corruption("header has no catalog root")
	}

	collDocs, collPages, err := c.readChain(root)
	if err != nil {
		return nil, err
	}
	c.collectionsChain = collPages
	for _, d := range collDocs {
		def, err := decodeCollection(d)
		if err != nil {
			return nil, err
		}
		c.collections[def.Name] = def
	}

	idxColl, ok := c.collections[IndexesCollection]
	if !ok {
		return nil, galdrerr.Corruption("catalog has no %q entry", IndexesCollection)
	}
	idxDocs, idxPages, err := c.readChain(idxColl.FirstPage)
	if err != nil {
		return nil, err
	}
	c.indexesChain = idxPages
	for _, d := range idxDocs {
		def, err := decodeIndex(d)
		if err != nil {
			return nil, err
		}
		coll, ok := c.collections[def.Collection]
		if !ok {
			// An index def pointing at a collection the catalog no longer
			// names: keep it out of the live schema; the orphan scan will
			// surface it.
			continue
		}
		coll.Secondary[def.Field] = def
	}
	return c, nil
}

func (c *Catalog) readChain(first types.PageID) ([]*record.Document, []types.PageID, error) {
	var docs []*record.Document
	var pages []types.PageID
	id := first
	for id != types.InvalidPageID {
		buf, err := c.buf.Read(id, nil)
		if err != nil {
			return nil, nil, err
		}
		p := slotted.Wrap(buf)
		if p.PageType() != page.PageTypeDocument {
			return nil, nil, galdrerr.Corruption("catalog page %d has type %d", id, p.PageType())
		}
		if !p.VerifyChecksum() {
			return nil, nil, galdrerr.Corruption("catalog page %d fails its checksum", id)
		}
		pages = append(pages, id)
		for i := 0; i < p.SlotCount(); i++ {
			payload, ok := p.Get(types.SlotIndex(i))
			if !ok {
				continue
			}
			d, err := record.Decode(payload)
			if err != nil {
				return nil, nil, err
			}
			docs = append(docs, d)
		}
		id = p.NextLeaf()
	}
	return docs, pages, nil
}

func encodeCollection(def *Collection) []byte {
	d := record.NewDocument().
		Set("name", record.String(def.Name)).
		Set("id_field", record.String(def.IDField)).
		Set("first_page", record.Uint32(uint32(def.FirstPage))).
		Set("tail_page", record.Uint32(uint32(def.TailPage))).
		Set("primary_root", record.Uint32(uint32(def.PrimaryRoot)))
	return record.Encode(d)
}

func decodeCollection(d *record.Document) (*Collection, error) {
	name, ok := d.Get("name")
	if !ok {
		return nil, galdrerr.Corruption("catalog collection record has no name")
	}
	idField, _ := d.Get("id_field")
	first, _ := d.Get("first_page")
	tail, _ := d.Get("tail_page")
	root, _ := d.Get("primary_root")
	return &Collection{
		Name:        name.AsString(),
		IDField:     idField.AsString(),
		FirstPage:   types.PageID(first.AsUint64()),
		TailPage:    types.PageID(tail.AsUint64()),
		PrimaryRoot: types.PageID(root.AsUint64()),
		Secondary:   map[string]*Index{},
	}, nil
}

func encodeIndex(def *Index) []byte {
	d := record.NewDocument().
		Set("collection", record.String(def.Collection)).
		Set("field", record.String(def.Field)).
		Set("root", record.Uint32(uint32(def.Root))).
		Set("kind", record.Uint8(uint8(def.Kind))).
		Set("nullable", record.Bool(def.Nullable))
	return record.Encode(d)
}

func decodeIndex(d *record.Document) (*Index, error) {
	coll, ok := d.Get("collection")
	if !ok {
		return nil, galdrerr.Corruption("catalog index record has no collection")
	}
	field, _ := d.Get("field")
	root, _ := d.Get("root")
	kind, _ := d.Get("kind")
	nullable, _ := d.Get("nullable")
	return &Index{
		Collection: coll.AsString(),
		Field:      field.AsString(),
		Root:       types.PageID(root.AsUint64()),
		Kind:       record.Kind(kind.AsUint64()),
		Nullable:   nullable.AsBool(),
	}, nil
}

// Get returns the catalog entry for a collection.
func (c *Catalog) Get(name string) (*Collection, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	def, ok := c.collections[name]
	if !ok {
		return nil, galdrerr.NotFound("collection %q does not exist", name)
	}
	return def, nil
}

// Names returns every user collection name, sorted.
func (c *Catalog) Names() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var out []string
	for name := range c.collections {
		if name == CollectionsCollection || name == IndexesCollection {
			continue
		}
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// IndexNames returns the secondary-indexed field names of a collection,
// sorted.
func (c *Catalog) IndexNames(name string) ([]string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	def, ok := c.collections[name]
	if !ok {
		return nil, galdrerr.NotFound("collection %q does not exist", name)
	}
	var out []string
	for field := range def.Secondary {
		out = append(out, field)
	}
	sort.Strings(out)
	return out, nil
}

// Create adds a new, empty collection entry. Pages are allocated lazily
// on first insert.
func (c *Catalog) Create(name, idField string) (*Collection, error) {
	if name == "" {
		return nil, galdrerr.InvalidArgument("collection name is empty")
	}
	if len(name) >= len(reservedPrefix) && name[:len(reservedPrefix)] == reservedPrefix {
		return nil, galdrerr.InvalidArgument("collection name %q uses the reserved prefix %q", name, reservedPrefix)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.collections[name]; ok {
		return nil, galdrerr.InvalidOperation("collection %q already exists", name)
	}
	def := &Collection{Name: name, IDField: idField, Secondary: map[string]*Index{}}
	c.collections[name] = def
	return def, nil
}

// Drop removes a collection entry and its index entries.
func (c *Catalog) Drop(name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.collections[name]; !ok {
		return galdrerr.NotFound("collection %q does not exist", name)
	}
	delete(c.collections, name)
	return nil
}

// AddIndex records a new secondary index for collection.field.
func (c *Catalog) AddIndex(collection, field string, kind record.Kind, nullable bool) (*Index, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	def, ok := c.collections[collection]
	if !ok {
		return nil, galdrerr.NotFound("collection %q does not exist", collection)
	}
	if _, ok := def.Secondary[field]; ok {
		return nil, galdrerr.InvalidOperation("index on %s.%s already exists", collection, field)
	}
	idx := &Index{Collection: collection, Field: field, Kind: kind, Nullable: nullable}
	def.Secondary[field] = idx
	return idx, nil
}

// DropIndex removes the secondary index entry for collection.field.
func (c *Catalog) DropIndex(collection, field string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	def, ok := c.collections[collection]
	if !ok {
		return galdrerr.NotFound("collection %q does not exist", collection)
	}
	if _, ok := def.Secondary[field]; !ok {
		return galdrerr.NotFound("no index on %s.%s", collection, field)
	}
	delete(def.Secondary, field)
	return nil
}

// Clone returns a deep copy of a catalog entry, for transactions that
// need to stage schema changes (new roots, grown rosters) without
// exposing them before commit.
func (def *Collection) Clone() *Collection {
	out := &Collection{
		Name: def.Name, IDField: def.IDField,
		FirstPage: def.FirstPage, TailPage: def.TailPage,
		PrimaryRoot: def.PrimaryRoot,
		Secondary:   make(map[string]*Index, len(def.Secondary)),
	}
	for f, idx := range def.Secondary {
		cp := *idx
		out.Secondary[f] = &cp
	}
	return out
}

// Apply installs previously staged entries, replacing the live ones. A
// nil staged value drops the entry.
func (c *Catalog) Apply(staged map[string]*Collection) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for name, def := range staged {
		if def == nil {
			delete(c.collections, name)
			continue
		}
		c.collections[name] = def
	}
}

// Persist rewrites both catalog chains through ws. alloc hands out fresh
// pages when a chain outgrows its current run. Pages a chain no longer
// needs after shrinking are dropped from it: they are not relinked, not
// reused by later growth, and not returned to the free list.
func (c *Catalog) Persist(ws buffer.WriteSet, alloc func() (types.PageID, error)) error {
	return c.PersistOverlay(ws, alloc, nil)
}

// PersistOverlay is Persist with staged entries overriding (or, when nil,
// hiding) the live ones at encode time. The live entries themselves are
// untouched; the caller Applies the overlay only once the transaction
// carrying these pages has committed.
func (c *Catalog) PersistOverlay(ws buffer.WriteSet, alloc func() (types.PageID, error), overlay map[string]*Collection) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	effective := make(map[string]*Collection, len(c.collections))
	for name, def := range c.collections {
		effective[name] = def
	}
	for name, def := range overlay {
		if def == nil {
			delete(effective, name)
			continue
		}
		effective[name] = def
	}

	var collPayloads [][]byte
	names := make([]string, 0, len(effective))
	for name := range effective {
		names = append(names, name)
	}
	sort.Strings(names)
	var idxPayloads [][]byte
	for _, name := range names {
		def := effective[name]
		collPayloads = append(collPayloads, encodeCollection(def))
		fields := make([]string, 0, len(def.Secondary))
		for f := range def.Secondary {
			fields = append(fields, f)
		}
		sort.Strings(fields)
		for _, f := range fields {
			idxPayloads = append(idxPayloads, encodeIndex(def.Secondary[f]))
		}
	}

	newColl, err := c.writeChain(ws, c.collectionsChain, collPayloads, alloc)
	if err != nil {
		return err
	}
	c.collectionsChain = newColl
	newIdx, err := c.writeChain(ws, c.indexesChain, idxPayloads, alloc)
	if err != nil {
		return err
	}
	c.indexesChain = newIdx

	// The reserved collections' own entries track their chains.
	c.collections[CollectionsCollection].FirstPage = newColl[0]
	c.collections[CollectionsCollection].TailPage = newColl[len(newColl)-1]
	c.collections[IndexesCollection].FirstPage = newIdx[0]
	c.collections[IndexesCollection].TailPage = newIdx[len(newIdx)-1]
	return nil
}

func (c *Catalog) writeChain(ws buffer.WriteSet, chain []types.PageID, payloads [][]byte, alloc func() (types.PageID, error)) ([]types.PageID, error) {
	pageSize := c.pm.Header().PageSize
	var used []types.PageID
	next := 0 // next payload to place

	pageAt := func(i int) (types.PageID, error) {
		if i < len(chain) {
			return chain[i], nil
		}
		return alloc()
	}

	for i := 0; next < len(payloads) || i == 0; i++ {
		id, err := pageAt(i)
		if err != nil {
			return nil, err
		}
		buf := make([]byte, pageSize)
		p := slotted.New(buf, page.PageTypeDocument)
		placed := 0
		for next < len(payloads) {
			if _, err := p.AddDocument(payloads[next], uint32(len(payloads[next])), 0, types.InvalidPageID); err != nil {
				if err == slotted.ErrNoSpace {
					break
				}
				return nil, err
			}
			next++
			placed++
		}
		if next < len(payloads) && placed == 0 {
			return nil, galdrerr.InvalidArgument("catalog record of %d bytes does not fit a page", len(payloads[next]))
		}
		used = append(used, id)
		p.RecomputeChecksum()
		if err := c.buf.Write(ws, id, buf); err != nil {
			return nil, err
		}
	}

	// Link the chain, terminating at the last used page.
	for i, id := range used {
		buf, err := c.buf.Read(id, ws)
		if err != nil {
			return nil, err
		}
		p := slotted.Wrap(buf)
		nextID := types.InvalidPageID
		if i+1 < len(used) {
			nextID = used[i+1]
		}
		p.SetNextLeaf(nextID)
		p.RecomputeChecksum()
		if err := c.buf.Write(ws, id, buf); err != nil {
			return nil, err
		}
	}
	return used, nil
}

// persistDirect writes the chains outside any transaction, for bootstrap.
func (c *Catalog) persistDirect() error {
	ws := buffer.WriteSet{}
	err := c.Persist(ws, c.allocateDirect)
	if err != nil {
		return err
	}
	for id, buf := range ws {
		if err := c.buf.WriteDirect(id, buf); err != nil {
			return err
		}
	}
	return nil
}
