package galdrdb

import (
	"github.com/rthomasv3/GaldrDb-sub002/internal/btree"
	"github.com/rthomasv3/GaldrDb-sub002/internal/buffer"
	"github.com/rthomasv3/GaldrDb-sub002/internal/catalog"
	"github.com/rthomasv3/GaldrDb-sub002/internal/galdrerr"
	"github.com/rthomasv3/GaldrDb-sub002/internal/query"
	"github.com/rthomasv3/GaldrDb-sub002/internal/record"
	"github.com/rthomasv3/GaldrDb-sub002/internal/slotted"
	"github.com/rthomasv3/GaldrDb-sub002/internal/types"
)

// Re-exported predicate operators, so callers build queries without
// importing internal packages.
const (
	Equals             = query.Equals
	StartsWith         = query.StartsWith
	LessThan           = query.LessThan
	LessThanOrEqual    = query.LessThanOrEqual
	GreaterThan        = query.GreaterThan
	GreaterThanOrEqual = query.GreaterThanOrEqual
	Between            = query.Between
)

// Explain is a query plan summary.
type Explain = query.Explain

// Query is a builder over one collection. Terminal calls (ToList, Count,
// FirstOrDefault, Explain) execute it; a Query built from the engine
// rather than a transaction runs against a fresh read-only snapshot.
type Query struct {
	e          *Engine
	tx         *Tx
	collection string
	preds      []query.Predicate
	skip       int
	limit      int
	hasLimit   bool
}

// Query starts a query against the newest committed snapshot.
func (e *Engine) Query(collection string) *Query {
	return &Query{e: e, collection: collection}
}

// Query starts a query inside this transaction's snapshot.
func (t *Tx) Query(collection string) *Query {
	return &Query{e: t.e, tx: t, collection: collection}
}

// Where adds a (field, op, value) predicate.
func (q *Query) Where(field string, op query.Op, v record.Value) *Query {
	q.preds = append(q.preds, query.Predicate{Field: field, Op: op, Value: v})
	return q
}

// WhereBetween adds an inclusive range predicate.
func (q *Query) WhereBetween(field string, lo, hi record.Value) *Query {
	q.preds = append(q.preds, query.Predicate{Field: field, Op: query.Between, Value: lo, High: hi})
	return q
}

// Skip drops the first n matches.
func (q *Query) Skip(n int) *Query {
	q.skip = n
	return q
}

// Limit caps the number of matches returned.
func (q *Query) Limit(n int) *Query {
	q.limit = n
	q.hasLimit = true
	return q
}

// ToList executes the query and returns the matching documents in access-
// path order: ascending key order for index scans, insertion order for
// full scans.
func (q *Query) ToList() ([]*record.Document, error) {
	var out []*record.Document
	err := q.run(func(doc *record.Document) bool {
		out = append(out, doc)
		return true
	})
	return out, err
}

// FirstOrDefault returns the first match, or nil when nothing matches.
func (q *Query) FirstOrDefault() (*record.Document, error) {
	var first *record.Document
	err := q.run(func(doc *record.Document) bool {
		first = doc
		return false
	})
	return first, err
}

// Count returns the number of matches. When every predicate is absorbed
// by the chosen index with exact key bounds, documents are never
// deserialized.
func (q *Query) Count() (int, error) {
	exec, done, err := q.prepare()
	if err != nil {
		return 0, err
	}
	defer done()

	if len(exec.plan.Residual) == 0 && exec.exactBounds && exec.plan.Scan != query.FullScan {
		n := 0
		err := exec.scanIDs(func(types.DocID) bool {
			n++
			return true
		})
		return n, err
	}

	n := 0
	err = exec.scanDocs(0, -1, func(*record.Document) bool {
		n++
		return true
	})
	return n, err
}

// Explain describes the plan the executor would use, including an
// estimate of the rows the access path scans before filtering.
func (q *Query) Explain() (Explain, error) {
	exec, done, err := q.prepare()
	if err != nil {
		return Explain{}, err
	}
	defer done()

	estimated := 0
	switch exec.plan.Scan {
	case query.FullScan:
		err = exec.e.docs.WalkRoster(exec.ws(), exec.def.FirstPage, func(id types.PageID, p *slotted.Page) error {
			for i := 0; i < p.SlotCount(); i++ {
				if !p.IsTombstone(types.SlotIndex(i)) {
					estimated++
				}
			}
			return nil
		})
	default:
		err = exec.scanRange(func(types.DocID) bool {
			estimated++
			return true
		})
	}
	if err != nil {
		return Explain{}, err
	}
	return exec.plan.Explain(estimated), nil
}

// run materializes matches, applying residual filters and pagination, and
// feeds them to emit until it returns false.
func (q *Query) run(emit func(*record.Document) bool) error {
	exec, done, err := q.prepare()
	if err != nil {
		return err
	}
	defer done()

	limit := -1
	if q.hasLimit {
		limit = q.limit
	}
	return exec.scanDocs(q.skip, limit, emit)
}

// executor carries one query execution's resolved state.
type executor struct {
	e     *Engine
	tx    *Tx
	meta  *record.Metadata
	def   *catalog.Collection
	plan  query.Plan
	preds []query.Predicate

	// chosen index (nil for primary/full scans)
	idx        *catalog.Index
	fieldWidth int
	lo, hi     *scanBound
	// exactBounds is false when a string predicate was truncated into its
	// probe key, making key-level bounds a superset of the true matches.
	exactBounds bool
	// recheck lists index-used predicate positions that must still be
	// evaluated against the materialized document (truncated strings).
	recheck []int
}

type scanBound struct {
	key  []byte
	excl bool
}

func (x *executor) ws() buffer.WriteSet {
	if x.tx == nil {
		return nil
	}
	return x.tx.ws()
}

func (q *Query) prepare() (*executor, func(), error) {
	t := q.tx
	done := func() {}
	if t == nil {
		var err error
		t, err = q.e.BeginReadOnly()
		if err != nil {
			return nil, nil, err
		}
		done = t.Dispose
	}
	if err := t.checkActive(false); err != nil {
		done()
		return nil, nil, err
	}

	meta, err := q.e.registry.Lookup(q.collection)
	if err != nil {
		done()
		return nil, nil, err
	}
	def, err := t.def(q.collection)
	if err != nil {
		done()
		return nil, nil, err
	}

	plan := query.Build(meta, func(field string) bool {
		_, ok := def.Secondary[field]
		return ok
	}, q.preds)

	x := &executor{
		e: q.e, tx: t, meta: meta, def: def,
		plan: plan, preds: q.preds, exactBounds: true,
	}
	if plan.Scan == query.SecondaryIndex {
		x.idx = def.Secondary[plan.IndexedField]
		x.fieldWidth = record.KeyWidth(x.idx.Kind)
	}
	if plan.Scan != query.FullScan {
		if err := x.computeBounds(); err != nil {
			done()
			return nil, nil, err
		}
	}
	return x, done, nil
}

// stringPrefixCap is the number of string bytes an index key can hold
// before truncating; probe keys built from longer predicate values bound
// a superset of the matches and force a recheck on materialized rows.
const stringPrefixCap = record.StringKeyWidth - 6

func (x *executor) encodeProbe(v record.Value) ([]byte, error) {
	if x.plan.Scan == query.PrimaryIndex {
		return btree.EncodeUint64(v.AsUint64()), nil
	}
	return record.EncodeIndexKey(v, record.NoSpill)
}

func (x *executor) computeBounds() error {
	cmp := x.fieldCompare()
	tighterLo := func(nb *scanBound) {
		if x.lo == nil || cmp(nb.key, x.lo.key) > 0 || (cmp(nb.key, x.lo.key) == 0 && nb.excl && !x.lo.excl) {
			x.lo = nb
		}
	}
	tighterHi := func(nb *scanBound) {
		if x.hi == nil || cmp(nb.key, x.hi.key) < 0 || (cmp(nb.key, x.hi.key) == 0 && nb.excl && !x.hi.excl) {
			x.hi = nb
		}
	}

	for _, i := range x.plan.IndexUsed {
		p := x.preds[i]
		if p.Value.Kind == record.KindString && len(p.Value.AsString()) > stringPrefixCap {
			x.exactBounds = false
			x.recheck = append(x.recheck, i)
		}
		switch p.Op {
		case query.Equals:
			k, err := x.encodeProbe(p.Value)
			if err != nil {
				return err
			}
			tighterLo(&scanBound{key: k})
			tighterHi(&scanBound{key: k})
		case query.LessThan:
			k, err := x.encodeProbe(p.Value)
			if err != nil {
				return err
			}
			tighterHi(&scanBound{key: k, excl: true})
		case query.LessThanOrEqual:
			k, err := x.encodeProbe(p.Value)
			if err != nil {
				return err
			}
			tighterHi(&scanBound{key: k})
		case query.GreaterThan:
			k, err := x.encodeProbe(p.Value)
			if err != nil {
				return err
			}
			tighterLo(&scanBound{key: k, excl: true})
		case query.GreaterThanOrEqual:
			k, err := x.encodeProbe(p.Value)
			if err != nil {
				return err
			}
			tighterLo(&scanBound{key: k})
		case query.Between:
			klo, err := x.encodeProbe(p.Value)
			if err != nil {
				return err
			}
			khi, err := x.encodeProbe(p.High)
			if err != nil {
				return err
			}
			tighterLo(&scanBound{key: klo})
			tighterHi(&scanBound{key: khi})
		case query.StartsWith:
			klo, err := x.encodeProbe(p.Value)
			if err != nil {
				return err
			}
			tighterLo(&scanBound{key: klo})
			if ub, ok := query.PrefixUpperBound(p.Value.AsString()); ok {
				khi, err := x.encodeProbe(record.String(ub))
				if err != nil {
					return err
				}
				tighterHi(&scanBound{key: khi, excl: true})
			}
		}
	}

	// A secondary range with no lower bound still starts above the null
	// region: comparisons never match null-valued documents.
	if x.plan.Scan == query.SecondaryIndex && x.lo == nil {
		floor := make([]byte, x.fieldWidth)
		floor[0] = 1
		x.lo = &scanBound{key: floor}
	}
	return nil
}

func (x *executor) fieldCompare() btree.CompareFunc {
	if x.idx != nil && x.idx.Kind == record.KindString {
		ws := x.ws()
		return btree.StringComparator(x.fieldWidth, func(id types.PageID) (string, error) {
			return x.e.docs.ReadSpill(ws, id)
		})
	}
	return btree.BytesCompare
}

// scanRange walks the chosen index between the computed bounds, yielding
// every document id in key order without visibility checks.
func (x *executor) scanRange(yield func(types.DocID) bool) error {
	var tree *btree.Tree
	fieldWidth := 8
	if x.plan.Scan == query.PrimaryIndex {
		tree = x.e.primaryTree(x.def, x.ws())
	} else {
		tree = x.e.secondaryTree(x.idx, x.ws())
		fieldWidth = x.fieldWidth
	}
	if tree.Root() == types.InvalidPageID {
		return nil
	}

	var start []byte
	if x.lo != nil {
		start = x.lo.key
		if x.plan.Scan == query.SecondaryIndex {
			start = append(append([]byte{}, x.lo.key...), make([]byte, 8)...)
		}
	}
	it, err := tree.Range(start, nil)
	if err != nil {
		return x.e.latchCorruption(err)
	}
	cmp := x.fieldCompare()
	for {
		entry, ok := it.Next()
		if !ok {
			break
		}
		field := entry.Key[:fieldWidth]
		if x.lo != nil {
			c := cmp(field, x.lo.key)
			if c < 0 || (c == 0 && x.lo.excl) {
				continue
			}
		}
		if x.hi != nil {
			c := cmp(field, x.hi.key)
			if c > 0 || (c == 0 && x.hi.excl) {
				break
			}
		}
		var id types.DocID
		if x.plan.Scan == query.PrimaryIndex {
			id = types.DocID(btree.DecodeUint64(entry.Key))
		} else {
			_, id = btree.SplitComposite(entry.Key)
		}
		if !yield(id) {
			break
		}
	}
	return x.e.latchCorruption(it.Err())
}

// scanIDs is scanRange filtered to ids whose document is visible at this
// snapshot.
func (x *executor) scanIDs(yield func(types.DocID) bool) error {
	return x.scanRange(func(id types.DocID) bool {
		if _, ok := x.tx.visible(x.def.Name, id); !ok {
			return true
		}
		return yield(id)
	})
}

// scanDocs materializes visible matches in path order, applies residual
// predicates and pagination, and feeds emit until it returns false.
func (x *executor) scanDocs(skip, limit int, emit func(*record.Document) bool) error {
	matched := 0
	emitted := 0
	stop := galdrerr.New(galdrerr.KindInvalidOperation, "stop")

	handle := func(doc *record.Document) error {
		ok, err := x.matches(doc)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		matched++
		if matched <= skip {
			return nil
		}
		if limit >= 0 && emitted >= limit {
			return stop
		}
		emitted++
		if !emit(doc) {
			return stop
		}
		if limit >= 0 && emitted >= limit {
			return stop
		}
		return nil
	}

	var err error
	if x.plan.Scan == query.FullScan {
		err = x.fullScan(handle)
	} else {
		err = x.indexScan(handle)
	}
	if err == stop {
		return nil
	}
	return err
}

func (x *executor) matches(doc *record.Document) (bool, error) {
	for _, i := range x.plan.Residual {
		ok, err := query.Evaluate(x.preds[i], doc)
		if err != nil || !ok {
			return false, err
		}
	}
	for _, i := range x.recheck {
		ok, err := query.Evaluate(x.preds[i], doc)
		if err != nil || !ok {
			return false, err
		}
	}
	return true, nil
}

func (x *executor) materialize(id types.DocID) (*record.Document, error) {
	collection := x.def.Name
	v, ok := x.tx.visible(collection, id)
	if !ok {
		return nil, nil
	}
	payload, err := x.e.docs.Read(x.ws(), v.Location)
	if err != nil {
		return nil, x.e.latchCorruption(err)
	}
	doc, err := record.Decode(payload)
	if err != nil {
		return nil, x.e.latchCorruption(err)
	}
	return doc, nil
}

func (x *executor) indexScan(handle func(*record.Document) error) error {
	var scanErr error
	err := x.scanRange(func(id types.DocID) bool {
		doc, err := x.materialize(id)
		if err != nil {
			scanErr = err
			return false
		}
		if doc == nil {
			return true
		}
		if err := handle(doc); err != nil {
			scanErr = err
			return false
		}
		return true
	})
	if scanErr != nil {
		return scanErr
	}
	return err
}

// fullScan walks the roster in page order, yielding each document whose
// visible version lives in the slot being looked at, so every visible
// document appears exactly once, in insertion order.
func (x *executor) fullScan(handle func(*record.Document) error) error {
	collection := x.def.Name
	return x.e.docs.WalkRoster(x.ws(), x.def.FirstPage, func(pid types.PageID, p *slotted.Page) error {
		for i := 0; i < p.SlotCount(); i++ {
			slot := types.SlotIndex(i)
			if p.IsTombstone(slot) {
				continue
			}
			payload, err := x.e.docs.Read(x.ws(), types.DocumentLocation{Page: pid, Slot: slot})
			if err != nil {
				return x.e.latchCorruption(err)
			}
			doc, err := record.Decode(payload)
			if err != nil {
				return x.e.latchCorruption(err)
			}
			idv, ok := doc.Get(x.meta.IDField)
			if !ok {
				continue
			}
			id := types.DocID(idv.AsUint64())
			v, ok := x.tx.visible(collection, id)
			if !ok {
				continue
			}
			if v.Location.Page != pid || v.Location.Slot != slot {
				continue
			}
			if err := handle(doc); err != nil {
				return err
			}
		}
		return nil
	})
}
