package record

import (
	"sync"

	"github.com/rthomasv3/GaldrDb-sub002/internal/btree"
	"github.com/rthomasv3/GaldrDb-sub002/internal/galdrerr"
	"github.com/rthomasv3/GaldrDb-sub002/internal/types"
)

// FieldDescriptor describes one field of a collection's documents: its
// kind, nullability, and whether it carries a secondary index. Descriptor
// tables are normally produced by an external code-generation step; the
// engine only ever consumes them through the Registry.
type FieldDescriptor struct {
	Name     string
	Kind     Kind
	Nullable bool
	Indexed  bool
}

// Metadata is the full descriptor table for one collection. IDField names
// the primary-key field, which is always of KindUint64 (the stable
// integer document id) and always indexed via the primary index.
type Metadata struct {
	Collection string
	IDField    string
	Fields     []FieldDescriptor
}

// Field returns the descriptor for the named field.
func (m *Metadata) Field(name string) (FieldDescriptor, bool) {
	for _, f := range m.Fields {
		if f.Name == name {
			return f, true
		}
	}
	return FieldDescriptor{}, false
}

// IndexedFields returns the names of every secondary-indexed field, in
// descriptor order.
func (m *Metadata) IndexedFields() []string {
	var out []string
	for _, f := range m.Fields {
		if f.Indexed && f.Name != m.IDField {
			out = append(out, f.Name)
		}
	}
	return out
}

// Registry maps collection names to their descriptor tables. One Registry
// is owned by the engine and shared by the catalog and planner.
type Registry struct {
	mu   sync.RWMutex
	meta map[string]*Metadata
}

func NewRegistry() *Registry {
	return &Registry{meta: map[string]*Metadata{}}
}

// Register installs (or replaces) the descriptor table for a collection.
func (r *Registry) Register(m *Metadata) error {
	if m.Collection == "" {
		return galdrerr.InvalidArgument("metadata has no collection name")
	}
	if m.IDField == "" {
		return galdrerr.InvalidArgument("metadata for %q has no id field", m.Collection)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.meta[m.Collection] = m
	return nil
}

// Lookup returns the descriptor table for a collection.
func (r *Registry) Lookup(collection string) (*Metadata, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.meta[collection]
	if !ok {
		return nil, galdrerr.NotFound("no metadata registered for collection %q", collection)
	}
	return m, nil
}

// Collections returns the registered collection names.
func (r *Registry) Collections() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.meta))
	for name := range r.meta {
		out = append(out, name)
	}
	return out
}

// StringKeyWidth is the fixed in-node width of string index keys: one
// presence byte, an 18-byte prefix, a spill flag, and a 4-byte spill page
// id. Strings longer than the prefix are truncated in-node and spilled to
// an auxiliary page; comparison falls back to the full value only when
// two truncated prefixes collide.
const StringKeyWidth = 24

// KeyWidth returns the fixed index-key width for a field kind. Every
// encoding starts with a one-byte null/present tag so null sorts below
// all non-null values.
func KeyWidth(k Kind) int {
	switch k {
	case KindBool:
		return 2
	case KindChar, KindEnum:
		return 5
	case KindString:
		return StringKeyWidth
	default:
		return 9
	}
}

// EncodeIndexKey produces the fixed-width, order-preserving index key for
// v. spill persists an over-length string out-of-band and returns the
// page it landed on; it is only invoked for strings longer than the
// in-node prefix and may be nil when the caller knows the value is not a
// string (comparisons against a probe key pass NoSpill).
func EncodeIndexKey(v Value, spill func(full string) (types.PageID, error)) ([]byte, error) {
	width := KeyWidth(v.Kind)
	if v.Null {
		out := make([]byte, width)
		return out, nil
	}
	switch {
	case v.Kind == KindString:
		return btree.EncodeString(v.S, width, spill)
	case v.Kind == KindBool:
		out := make([]byte, 2)
		out[0] = 1
		if v.U != 0 {
			out[1] = 1
		}
		return out, nil
	case v.Kind == KindChar || v.Kind == KindEnum:
		out := make([]byte, 5)
		out[0] = 1
		u := uint32(v.U)
		out[1] = byte(u >> 24)
		out[2] = byte(u >> 16)
		out[3] = byte(u >> 8)
		out[4] = byte(u)
		return out, nil
	case v.Kind.IsUnsigned():
		return withPresence(btree.EncodeUint64(v.U)), nil
	case v.Kind.IsSigned():
		return withPresence(btree.EncodeInt64(v.I)), nil
	case v.Kind.IsFloat():
		return withPresence(btree.EncodeFloat64(v.F)), nil
	}
	return nil, galdrerr.InvalidArgument("kind %s is not indexable", v.Kind)
}

// NoSpill is an EncodeIndexKey spill callback for probe keys built from
// query predicates, where writing a spill page would be wrong: the
// truncated prefix alone is enough to position a descent, and the
// comparator's prefix-first rule keeps the probe ordered correctly
// against stored keys.
func NoSpill(string) (types.PageID, error) {
	return types.InvalidPageID, nil
}

func withPresence(encoded []byte) []byte {
	out := make([]byte, 1+len(encoded))
	out[0] = 1
	copy(out[1:], encoded)
	return out
}
