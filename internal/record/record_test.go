package record

import (
	"bytes"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rthomasv3/GaldrDb-sub002/internal/types"
)

func TestDocumentRoundTrip(t *testing.T) {
	when := time.Unix(1700000000, 42)
	d := NewDocument().
		Set("id", Uint64(7)).
		Set("name", String("Quinn")).
		Set("age", Int32(-3)).
		Set("score", Float64(2.5)).
		Set("active", Bool(true)).
		Set("joined", Timestamp(when)).
		Set("ttl", Duration(3*time.Second)).
		Set("grade", Char('B')).
		Set("state", Enum(2)).
		Set("note", NullOf(KindString))

	out, err := Decode(Encode(d))
	require.NoError(t, err)

	if diff := cmp.Diff(d.Fields(), out.Fields()); diff != "" {
		t.Fatalf("round trip mismatch (-want +got):\n%s", diff)
	}

	v, ok := out.Get("joined")
	require.True(t, ok)
	assert.True(t, when.Equal(v.AsTime()))
}

func TestEncodeIsDeterministic(t *testing.T) {
	d := NewDocument().Set("a", Uint64(1)).Set("b", String("x"))
	assert.Equal(t, Encode(d), Encode(d))
}

func TestSetOverwritesInPlace(t *testing.T) {
	d := NewDocument().Set("a", Uint64(1)).Set("b", Uint64(2)).Set("a", Uint64(9))
	require.Equal(t, 2, d.Len())
	v, _ := d.Get("a")
	assert.Equal(t, uint64(9), v.AsUint64())
	assert.Equal(t, "a", d.Fields()[0].Name, "update keeps field position")
}

func TestDecodeRejectsTruncatedPayload(t *testing.T) {
	d := NewDocument().Set("name", String("hello world"))
	enc := Encode(d)
	_, err := Decode(enc[:len(enc)-4])
	assert.Error(t, err)
}

func keyOf(t *testing.T, v Value) []byte {
	t.Helper()
	k, err := EncodeIndexKey(v, NoSpill)
	require.NoError(t, err)
	return k
}

// Order-preserving encodings: bytewise comparison of keys must match
// value comparison, with null below everything.
func TestIndexKeyOrdering(t *testing.T) {
	cases := []struct {
		name   string
		sorted []Value
	}{
		{"int64", []Value{NullOf(KindInt64), Int64(-50), Int64(-1), Int64(0), Int64(1), Int64(1 << 40)}},
		{"uint64", []Value{NullOf(KindUint64), Uint64(0), Uint64(9), Uint64(1 << 50)}},
		{"float64", []Value{NullOf(KindFloat64), Float64(-12.5), Float64(-0.0), Float64(0.25), Float64(1e18)}},
		{"string", []Value{NullOf(KindString), String(""), String("a"), String("ab"), String("b")}},
		{"bool", []Value{NullOf(KindBool), Bool(false), Bool(true)}},
		{"timestamp", []Value{NullOf(KindTimestamp), Timestamp(time.Unix(0, 1)), Timestamp(time.Unix(500, 0))}},
		{"char", []Value{NullOf(KindChar), Char('A'), Char('a'), Char('€')}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			for i := 1; i < len(tc.sorted); i++ {
				a := keyOf(t, tc.sorted[i-1])
				b := keyOf(t, tc.sorted[i])
				assert.Negative(t, bytes.Compare(a, b),
					"%s must sort below %s", tc.sorted[i-1], tc.sorted[i])
			}
		})
	}
}

func TestIndexKeyWidthIsFixedPerKind(t *testing.T) {
	assert.Len(t, keyOf(t, Int64(5)), KeyWidth(KindInt64))
	assert.Len(t, keyOf(t, String("abc")), KeyWidth(KindString))
	assert.Len(t, keyOf(t, NullOf(KindString)), KeyWidth(KindString))
	assert.Len(t, keyOf(t, Bool(true)), KeyWidth(KindBool))
}

func TestLongStringKeySpills(t *testing.T) {
	long := "this string is much longer than the in-node prefix budget"
	spillCalls := 0
	k, err := EncodeIndexKey(String(long), func(full string) (types.PageID, error) {
		spillCalls++
		assert.Equal(t, long, full)
		return 42, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, spillCalls)
	assert.Len(t, k, StringKeyWidth)

	short, err := EncodeIndexKey(String("abc"), func(string) (types.PageID, error) {
		t.Fatal("short strings must not spill")
		return 0, nil
	})
	require.NoError(t, err)
	assert.Len(t, short, StringKeyWidth)
}

func TestRegistryLookup(t *testing.T) {
	r := NewRegistry()
	_, err := r.Lookup("people")
	assert.Error(t, err)

	require.NoError(t, r.Register(&Metadata{
		Collection: "people",
		IDField:    "id",
		Fields: []FieldDescriptor{
			{Name: "id", Kind: KindUint64, Indexed: true},
			{Name: "name", Kind: KindString, Indexed: true},
			{Name: "age", Kind: KindInt64},
		},
	}))

	m, err := r.Lookup("people")
	require.NoError(t, err)
	assert.Equal(t, []string{"name"}, m.IndexedFields())

	err = r.Register(&Metadata{Collection: "broken"})
	assert.Error(t, err, "metadata without an id field must be rejected")
}
