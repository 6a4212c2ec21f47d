package btree

import (
	"encoding/binary"
	"math"

	"github.com/rthomasv3/GaldrDb-sub002/internal/types"
)

// The functions below turn primitive field values into fixed-width,
// order-preserving byte strings, so that the tree itself never needs to
// know a key's logical type: every comparison is a plain byte compare
// (or, for spilled strings, one extra read-and-compare, see
// StringComparator).

const (
	// nullPrefix/presentPrefix implement "null sorts below all non-null
	// values" with a one-byte tag ahead of the encoded value.
	nullPrefix    = 0x00
	presentPrefix = 0x01
)

// EncodeInt64 big-endian, bias-flipped so two's-complement ordering
// becomes unsigned lexicographic ordering: flipping the sign bit maps
// the signed range onto an unsigned range that sorts identically.
func EncodeInt64(v int64) []byte {
	u := uint64(v) ^ (1 << 63)
	out := make([]byte, 8)
	binary.BigEndian.PutUint64(out, u)
	return out
}

func DecodeInt64(b []byte) int64 {
	u := binary.BigEndian.Uint64(b)
	return int64(u ^ (1 << 63))
}

// EncodeUint64 is already order-preserving in plain big-endian form.
func EncodeUint64(v uint64) []byte {
	out := make([]byte, 8)
	binary.BigEndian.PutUint64(out, v)
	return out
}

func DecodeUint64(b []byte) uint64 { return binary.BigEndian.Uint64(b) }

// EncodeFloat64 canonicalizes IEEE-754 so that bytewise comparison
// matches float ordering: for non-negative floats, flipping the sign bit
// suffices (matches big-endian unsigned ordering already); for negative
// floats every bit must be flipped (reverses the ordering, since more
// negative magnitudes have larger raw bit patterns). NaN is mapped to the
// largest possible encoding so it always sorts last; +0 and -0 canonicalize
// to the same encoding so they compare equal.
func EncodeFloat64(v float64) []byte {
	if math.IsNaN(v) {
		out := make([]byte, 8)
		for i := range out {
			out[i] = 0xFF
		}
		return out
	}
	if v == 0 {
		v = 0 // canonicalize -0.0 to +0.0
	}
	bits := math.Float64bits(v)
	if bits&(1<<63) != 0 {
		bits = ^bits
	} else {
		bits |= 1 << 63
	}
	out := make([]byte, 8)
	binary.BigEndian.PutUint64(out, bits)
	return out
}

func DecodeFloat64(b []byte) float64 {
	bits := binary.BigEndian.Uint64(b)
	if bits&(1<<63) != 0 {
		bits &^= 1 << 63
	} else {
		bits = ^bits
	}
	return math.Float64frombits(bits)
}

// EncodeBool sorts false before true.
func EncodeBool(v bool) []byte {
	if v {
		return []byte{1}
	}
	return []byte{0}
}

// EncodeDocID is the primary-index key: the document id itself, already
// order-preserving as an unsigned integer.
func EncodeDocID(id types.DocID) []byte { return EncodeUint64(uint64(id)) }

// stringSpillTag marks a truncated string key whose full value lives on a
// dedicated overflow page: keys longer than the in-node budget are
// truncated to fit, with a flag byte and the spill page id appended so a
// full comparison can still be made when two keys collide on their
// truncated prefix.
const stringSpillTag = 0x01

// EncodeString produces a fixed-width (width bytes) key for a string
// field: 1 presence byte, then (width-6) prefix bytes, a spill flag byte,
// and a 4-byte spill PageID (0 if not spilled). Strings that fit within
// width-6 bytes are stored inline with the spill id left as
// types.InvalidPageID and the flag unset; longer strings are truncated to
// the same prefix length and the flag set, with spillWriter invoked to
// persist the full value and return its page id.
func EncodeString(s string, width int, spillWriter func(full string) (types.PageID, error)) ([]byte, error) {
	out := make([]byte, width)
	out[0] = presentPrefix
	prefixLen := width - 1 - 1 - 4 // presence byte, spill flag byte, spill page id
	prefix := []byte(s)
	spilled := false
	if len(prefix) > prefixLen {
		spilled = true
		prefix = prefix[:prefixLen]
	}
	copy(out[1:1+prefixLen], prefix)
	flagOff := 1 + prefixLen
	var spillID types.PageID
	if spilled {
		out[flagOff] = stringSpillTag
		id, err := spillWriter(s)
		if err != nil {
			return nil, err
		}
		spillID = id
	}
	binary.BigEndian.PutUint32(out[flagOff+1:], uint32(spillID))
	return out, nil
}

// EncodeNullString produces the "null sorts below all non-null" key of the
// given width for a missing/absent string field.
func EncodeNullString(width int) []byte {
	out := make([]byte, width)
	out[0] = nullPrefix
	return out
}

// CompareFunc orders two encoded keys of equal width.
type CompareFunc func(a, b []byte) int

// BytesCompare is the default comparator: plain lexicographic comparison,
// sufficient for every fixed-width encoding above except spilled strings.
func BytesCompare(a, b []byte) int {
	for i := 0; i < len(a) && i < len(b); i++ {
		if a[i] != b[i] {
			if a[i] < b[i] {
				return -1
			}
			return 1
		}
	}
	switch {
	case len(a) < len(b):
		return -1
	case len(a) > len(b):
		return 1
	default:
		return 0
	}
}

// StringComparator wraps BytesCompare with spill resolution: when two keys
// share an identical truncated prefix and at least one carries the spill
// flag, it
// reads the full strings back (via fetch) and compares those instead,
// so truncation never silently misorders colliding keys.
func StringComparator(width int, fetch func(types.PageID) (string, error)) CompareFunc {
	prefixLen := width - 1 - 1 - 4
	flagOff := 1 + prefixLen
	return func(a, b []byte) int {
		if c := BytesCompare(a[:flagOff], b[:flagOff]); c != 0 {
			return c
		}
		if a[0] == nullPrefix || b[0] == nullPrefix {
			return 0
		}
		aSpilled := a[flagOff] == stringSpillTag
		bSpilled := b[flagOff] == stringSpillTag
		if !aSpilled && !bSpilled {
			return 0
		}
		aFull, bFull := stringOf(a, prefixLen, flagOff, fetch), stringOf(b, prefixLen, flagOff, fetch)
		switch {
		case aFull < bFull:
			return -1
		case aFull > bFull:
			return 1
		default:
			return 0
		}
	}
}

func stringOf(k []byte, prefixLen, flagOff int, fetch func(types.PageID) (string, error)) string {
	if k[flagOff] != stringSpillTag {
		return string(k[1 : 1+prefixLen])
	}
	id := types.PageID(binary.BigEndian.Uint32(k[flagOff+1:]))
	full, err := fetch(id)
	if err != nil {
		return string(k[1 : 1+prefixLen])
	}
	return full
}

// CompositeKey builds a secondary-index key: the encoded field value
// followed by the document id, making every composite key unique even
// when many documents share a field value.
func CompositeKey(fieldValue []byte, docID types.DocID) []byte {
	out := make([]byte, len(fieldValue)+8)
	copy(out, fieldValue)
	binary.BigEndian.PutUint64(out[len(fieldValue):], uint64(docID))
	return out
}

// SplitComposite separates a composite secondary-index key back into its
// field-value prefix and trailing document id.
func SplitComposite(key []byte) (fieldValue []byte, docID types.DocID) {
	n := len(key) - 8
	return key[:n], types.DocID(binary.BigEndian.Uint64(key[n:]))
}
