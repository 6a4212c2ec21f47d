// Package record defines the typed field model documents are made of:
// field kinds, tagged values, per-collection field descriptors, and the
// binary document codec. The engine itself never interprets payload bytes
// beyond what this package decodes; everything above it (indexes, the
// planner) works on Values and their order-preserving key encodings.
package record

import (
	"fmt"
	"time"

	"github.com/rthomasv3/GaldrDb-sub002/internal/galdrerr"
)

// Kind enumerates the indexable field kinds.
type Kind uint8

const (
	KindInvalid Kind = iota
	KindUint8
	KindUint16
	KindUint32
	KindUint64
	KindInt8
	KindInt16
	KindInt32
	KindInt64
	KindFloat32
	KindFloat64
	KindString
	KindBool
	KindTimestamp
	KindDuration
	KindChar
	KindEnum
)

func (k Kind) String() string {
	switch k {
	case KindUint8:
		return "uint8"
	case KindUint16:
		return "uint16"
	case KindUint32:
		return "uint32"
	case KindUint64:
		return "uint64"
	case KindInt8:
		return "int8"
	case KindInt16:
		return "int16"
	case KindInt32:
		return "int32"
	case KindInt64:
		return "int64"
	case KindFloat32:
		return "float32"
	case KindFloat64:
		return "float64"
	case KindString:
		return "string"
	case KindBool:
		return "bool"
	case KindTimestamp:
		return "timestamp"
	case KindDuration:
		return "duration"
	case KindChar:
		return "char"
	case KindEnum:
		return "enum"
	default:
		return "invalid"
	}
}

// IsUnsigned reports whether k stores its payload in Value.U as an
// unsigned quantity. Enum values are stored as their underlying integer.
func (k Kind) IsUnsigned() bool {
	switch k {
	case KindUint8, KindUint16, KindUint32, KindUint64, KindBool, KindChar, KindEnum:
		return true
	}
	return false
}

// IsSigned reports whether k stores its payload in Value.I.
func (k Kind) IsSigned() bool {
	switch k {
	case KindInt8, KindInt16, KindInt32, KindInt64, KindTimestamp, KindDuration:
		return true
	}
	return false
}

// IsFloat reports whether k stores its payload in Value.F.
func (k Kind) IsFloat() bool {
	return k == KindFloat32 || k == KindFloat64
}

// Value is one tagged field value. Null carries a kind so that a null
// still knows which index encoding (and key width) it belongs to.
type Value struct {
	Kind Kind
	Null bool
	U    uint64
	I    int64
	F    float64
	S    string
}

func Uint8(v uint8) Value   { return Value{Kind: KindUint8, U: uint64(v)} }
func Uint16(v uint16) Value { return Value{Kind: KindUint16, U: uint64(v)} }
func Uint32(v uint32) Value { return Value{Kind: KindUint32, U: uint64(v)} }
func Uint64(v uint64) Value { return Value{Kind: KindUint64, U: v} }
func Int8(v int8) Value     { return Value{Kind: KindInt8, I: int64(v)} }
func Int16(v int16) Value   { return Value{Kind: KindInt16, I: int64(v)} }
func Int32(v int32) Value   { return Value{Kind: KindInt32, I: int64(v)} }
func Int64(v int64) Value   { return Value{Kind: KindInt64, I: v} }
func Float32(v float32) Value {
	return Value{Kind: KindFloat32, F: float64(v)}
}
func Float64(v float64) Value { return Value{Kind: KindFloat64, F: v} }
func String(v string) Value   { return Value{Kind: KindString, S: v} }
func Bool(v bool) Value {
	u := uint64(0)
	if v {
		u = 1
	}
	return Value{Kind: KindBool, U: u}
}
func Timestamp(v time.Time) Value {
	return Value{Kind: KindTimestamp, I: v.UnixNano()}
}
func Duration(v time.Duration) Value {
	return Value{Kind: KindDuration, I: int64(v)}
}
func Char(v rune) Value { return Value{Kind: KindChar, U: uint64(uint32(v))} }
func Enum(v uint32) Value {
	return Value{Kind: KindEnum, U: uint64(v)}
}

// NullOf returns the null value of the given kind.
func NullOf(k Kind) Value { return Value{Kind: k, Null: true} }

func (v Value) AsUint64() uint64 { return v.U }
func (v Value) AsInt64() int64   { return v.I }
func (v Value) AsFloat64() float64 {
	return v.F
}
func (v Value) AsString() string { return v.S }
func (v Value) AsBool() bool     { return v.U != 0 }
func (v Value) AsTime() time.Time {
	return time.Unix(0, v.I)
}
func (v Value) AsDuration() time.Duration { return time.Duration(v.I) }

func (v Value) String() string {
	if v.Null {
		return "null"
	}
	switch {
	case v.Kind == KindString:
		return fmt.Sprintf("%q", v.S)
	case v.Kind == KindBool:
		return fmt.Sprintf("%t", v.U != 0)
	case v.Kind.IsUnsigned():
		return fmt.Sprintf("%d", v.U)
	case v.Kind.IsSigned():
		return fmt.Sprintf("%d", v.I)
	case v.Kind.IsFloat():
		return fmt.Sprintf("%g", v.F)
	default:
		return "?"
	}
}

// Compare orders two non-null values of the same kind; strings compare
// lexicographically, numerics numerically. Null handling (null sorts
// below all non-null values) is the caller's job since predicate
// semantics and index encodings treat null specially.
func Compare(a, b Value) (int, error) {
	if a.Kind != b.Kind {
		return 0, galdrerr.InvalidArgument("cannot compare %s against %s", a.Kind, b.Kind)
	}
	switch {
	case a.Kind == KindString:
		switch {
		case a.S < b.S:
			return -1, nil
		case a.S > b.S:
			return 1, nil
		}
		return 0, nil
	case a.Kind.IsUnsigned():
		switch {
		case a.U < b.U:
			return -1, nil
		case a.U > b.U:
			return 1, nil
		}
		return 0, nil
	case a.Kind.IsSigned():
		switch {
		case a.I < b.I:
			return -1, nil
		case a.I > b.I:
			return 1, nil
		}
		return 0, nil
	case a.Kind.IsFloat():
		switch {
		case a.F < b.F:
			return -1, nil
		case a.F > b.F:
			return 1, nil
		}
		return 0, nil
	}
	return 0, galdrerr.InvalidArgument("kind %s is not comparable", a.Kind)
}
