package record

import (
	"encoding/binary"
	"math"

	"github.com/rthomasv3/GaldrDb-sub002/internal/galdrerr"
)

// Field is one named value inside a Document.
type Field struct {
	Name  string
	Value Value
}

// Document is an ordered list of named fields. Order is the insertion
// order of Set calls and is preserved by the codec, so encoding the same
// document twice yields identical bytes.
type Document struct {
	fields []Field
}

func NewDocument() *Document { return &Document{} }

// Set upserts a field by name, keeping its original position on update.
func (d *Document) Set(name string, v Value) *Document {
	for i := range d.fields {
		if d.fields[i].Name == name {
			d.fields[i].Value = v
			return d
		}
	}
	d.fields = append(d.fields, Field{Name: name, Value: v})
	return d
}

// Get returns the value of the named field.
func (d *Document) Get(name string) (Value, bool) {
	for i := range d.fields {
		if d.fields[i].Name == name {
			return d.fields[i].Value, true
		}
	}
	return Value{}, false
}

// Fields returns the document's fields in order.
func (d *Document) Fields() []Field { return d.fields }

// Len returns the field count.
func (d *Document) Len() int { return len(d.fields) }

// Clone returns a deep copy of d.
func (d *Document) Clone() *Document {
	out := &Document{fields: make([]Field, len(d.fields))}
	copy(out.fields, d.fields)
	return out
}

// Wire format: u16 field count, then per field a u16-length-prefixed
// name, a kind byte, a null byte, and a kind-dependent value encoding.
// Everything little-endian, matching the file format's byte order.

// Encode serializes d to its payload bytes.
func Encode(d *Document) []byte {
	size := 2
	for _, f := range d.fields {
		size += 2 + len(f.Name) + 2
		if !f.Value.Null {
			size += valueSize(f.Value)
		}
	}
	out := make([]byte, 0, size)
	var tmp [8]byte

	binary.LittleEndian.PutUint16(tmp[:2], uint16(len(d.fields)))
	out = append(out, tmp[:2]...)
	for _, f := range d.fields {
		binary.LittleEndian.PutUint16(tmp[:2], uint16(len(f.Name)))
		out = append(out, tmp[:2]...)
		out = append(out, f.Name...)
		out = append(out, byte(f.Value.Kind))
		if f.Value.Null {
			out = append(out, 1)
			continue
		}
		out = append(out, 0)
		out = appendValue(out, f.Value)
	}
	return out
}

func valueSize(v Value) int {
	switch v.Kind {
	case KindUint8, KindInt8, KindBool:
		return 1
	case KindUint16, KindInt16:
		return 2
	case KindUint32, KindInt32, KindFloat32, KindChar, KindEnum:
		return 4
	case KindUint64, KindInt64, KindFloat64, KindTimestamp, KindDuration:
		return 8
	case KindString:
		return 4 + len(v.S)
	}
	return 0
}

func appendValue(out []byte, v Value) []byte {
	var tmp [8]byte
	switch v.Kind {
	case KindUint8, KindBool:
		return append(out, byte(v.U))
	case KindInt8:
		return append(out, byte(int8(v.I)))
	case KindUint16:
		binary.LittleEndian.PutUint16(tmp[:2], uint16(v.U))
		return append(out, tmp[:2]...)
	case KindInt16:
		binary.LittleEndian.PutUint16(tmp[:2], uint16(int16(v.I)))
		return append(out, tmp[:2]...)
	case KindUint32, KindChar, KindEnum:
		binary.LittleEndian.PutUint32(tmp[:4], uint32(v.U))
		return append(out, tmp[:4]...)
	case KindInt32:
		binary.LittleEndian.PutUint32(tmp[:4], uint32(int32(v.I)))
		return append(out, tmp[:4]...)
	case KindFloat32:
		binary.LittleEndian.PutUint32(tmp[:4], math.Float32bits(float32(v.F)))
		return append(out, tmp[:4]...)
	case KindUint64:
		binary.LittleEndian.PutUint64(tmp[:8], v.U)
		return append(out, tmp[:8]...)
	case KindInt64, KindTimestamp, KindDuration:
		binary.LittleEndian.PutUint64(tmp[:8], uint64(v.I))
		return append(out, tmp[:8]...)
	case KindFloat64:
		binary.LittleEndian.PutUint64(tmp[:8], math.Float64bits(v.F))
		return append(out, tmp[:8]...)
	case KindString:
		binary.LittleEndian.PutUint32(tmp[:4], uint32(len(v.S)))
		out = append(out, tmp[:4]...)
		return append(out, v.S...)
	}
	return out
}

// Decode parses payload bytes back into a Document. Truncated or
// malformed input is reported as corruption, since payloads only ever
// come back off a page the engine itself wrote.
func Decode(buf []byte) (*Document, error) {
	d := &Document{}
	if len(buf) < 2 {
		return nil, galdrerr.Corruption("document payload truncated: %d bytes", len(buf))
	}
	count := int(binary.LittleEndian.Uint16(buf))
	pos := 2
	for i := 0; i < count; i++ {
		if pos+2 > len(buf) {
			return nil, galdrerr.Corruption("document field %d: truncated name length", i)
		}
		nameLen := int(binary.LittleEndian.Uint16(buf[pos:]))
		pos += 2
		if pos+nameLen+2 > len(buf) {
			return nil, galdrerr.Corruption("document field %d: truncated name or tag", i)
		}
		name := string(buf[pos : pos+nameLen])
		pos += nameLen
		kind := Kind(buf[pos])
		null := buf[pos+1] != 0
		pos += 2
		if null {
			d.fields = append(d.fields, Field{Name: name, Value: NullOf(kind)})
			continue
		}
		v, n, err := decodeValue(kind, buf[pos:])
		if err != nil {
			return nil, galdrerr.Wrap(galdrerr.KindCorruption, err, "document field %q", name)
		}
		pos += n
		d.fields = append(d.fields, Field{Name: name, Value: v})
	}
	return d, nil
}

func decodeValue(kind Kind, buf []byte) (Value, int, error) {
	need := valueSize(Value{Kind: kind})
	if kind == KindString {
		need = 4
	}
	if len(buf) < need {
		return Value{}, 0, galdrerr.Corruption("truncated %s value", kind)
	}
	switch kind {
	case KindUint8:
		return Uint8(buf[0]), 1, nil
	case KindBool:
		return Bool(buf[0] != 0), 1, nil
	case KindInt8:
		return Int8(int8(buf[0])), 1, nil
	case KindUint16:
		return Uint16(binary.LittleEndian.Uint16(buf)), 2, nil
	case KindInt16:
		return Int16(int16(binary.LittleEndian.Uint16(buf))), 2, nil
	case KindUint32:
		return Uint32(binary.LittleEndian.Uint32(buf)), 4, nil
	case KindChar:
		return Char(rune(binary.LittleEndian.Uint32(buf))), 4, nil
	case KindEnum:
		return Enum(binary.LittleEndian.Uint32(buf)), 4, nil
	case KindInt32:
		return Int32(int32(binary.LittleEndian.Uint32(buf))), 4, nil
	case KindFloat32:
		return Float32(math.Float32frombits(binary.LittleEndian.Uint32(buf))), 4, nil
	case KindUint64:
		return Uint64(binary.LittleEndian.Uint64(buf)), 8, nil
	case KindInt64:
		return Int64(int64(binary.LittleEndian.Uint64(buf))), 8, nil
	case KindTimestamp:
		return Value{Kind: KindTimestamp, I: int64(binary.LittleEndian.Uint64(buf))}, 8, nil
	case KindDuration:
		return Value{Kind: KindDuration, I: int64(binary.LittleEndian.Uint64(buf))}, 8, nil
	case KindFloat64:
		return Float64(math.Float64frombits(binary.LittleEndian.Uint64(buf))), 8, nil
	case KindString:
		n := int(binary.LittleEndian.Uint32(buf))
		if len(buf) < 4+n {
			return Value{}, 0, galdrerr.Corruption("truncated string value")
		}
		return String(string(buf[4 : 4+n])), 4 + n, nil
	}
	return Value{}, 0, galdrerr.Corruption("unknown field kind %d", kind)
}
