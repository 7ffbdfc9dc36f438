// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package rtype_test

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/grailbio/rvd/interval"
	"github.com/grailbio/rvd/region"
	"github.com/grailbio/rvd/rtype"
	"github.com/grailbio/testutil/expect"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testStructType() *rtype.TStruct {
	return rtype.NewStruct(true,
		rtype.Field{Name: "a", Typ: &rtype.TInt32{Req: true}},
		rtype.Field{Name: "b", Typ: &rtype.TString{}},
		rtype.Field{Name: "c", Typ: &rtype.TArray{Elt: &rtype.TInt32{}}},
		rtype.Field{Name: "d", Typ: &rtype.TFloat64{}},
		rtype.Field{Name: "e", Typ: &rtype.TLocus{}},
		rtype.Field{Name: "f", Typ: &rtype.TSet{Elt: &rtype.TString{Req: true}}},
		rtype.Field{Name: "g", Typ: &rtype.TDict{Key: &rtype.TString{Req: true}, Value: &rtype.TInt64{}}},
		rtype.Field{Name: "h", Typ: &rtype.TInterval{Point: &rtype.TInt32{Req: true}}},
	)
}

func testValue() rtype.Row {
	return rtype.Row{
		int32(42),
		"forty-two",
		[]rtype.Annotation{int32(1), nil, int32(3)},
		nil, // d missing
		rtype.Locus{Contig: "chr2", Position: 271828},
		[]rtype.Annotation{"x", "a"},
		[]rtype.DictEntry{{Key: "k2", Value: int64(2)}, {Key: "k1", Value: int64(1)}},
		interval.Interval{Start: int32(5), End: int32(10), IncludesStart: true, IncludesEnd: false},
	}
}

func canonical(t *testing.T, typ rtype.Type, a rtype.Annotation) rtype.Annotation {
	// Sets and dicts canonicalize (sort) on write; round-trip once to
	// obtain the canonical form.
	r := region.New(64)
	b := rtype.NewBuilder(r)
	b.Start(typ)
	b.AddAnnotation(typ, a)
	return rtype.ReadAnnotation(typ, r, b.End())
}

func TestStructLayout(t *testing.T) {
	st := testStructType()
	expect.EQ(t, st.MissingBytes(), int64(1))
	// Field 0 follows the missing byte, aligned to 4.
	expect.EQ(t, st.FieldOffset(0, 0), int64(4))
	allReq := rtype.NewStruct(true,
		rtype.Field{Name: "x", Typ: &rtype.TInt32{Req: true}},
		rtype.Field{Name: "y", Typ: &rtype.TInt64{Req: true}})
	expect.EQ(t, allReq.MissingBytes(), int64(0))
	expect.EQ(t, allReq.FieldOffset(0, 0), int64(0))
	expect.EQ(t, allReq.FieldOffset(0, 1), int64(8))
	expect.EQ(t, allReq.ByteSize(), int64(16))
}

func TestBuilderRoundTrip(t *testing.T) {
	st := testStructType()
	val := testValue()
	require.True(t, st.TypeCheck(val))
	r := region.New(64)
	b := rtype.NewBuilder(r)
	b.Start(st)
	b.AddAnnotation(st, val)
	off := b.End()
	got := rtype.ReadAnnotation(st, r, off)
	assert.Equal(t, canonical(t, st, val), got)
}

func TestBuilderTypedAdds(t *testing.T) {
	st := rtype.NewStruct(true,
		rtype.Field{Name: "i", Typ: &rtype.TInt32{Req: true}},
		rtype.Field{Name: "l", Typ: &rtype.TInt64{}},
		rtype.Field{Name: "s", Typ: &rtype.TString{}},
	)
	r := region.New(64)
	b := rtype.NewBuilder(r)
	b.Start(st)
	b.StartStruct()
	b.AddInt(7)
	b.SetMissing()
	b.AddString("hi")
	b.EndStruct()
	off := b.End()
	expect.EQ(t, off, int64(0))
	got := rtype.ReadAnnotation(st, r, off).(rtype.Row)
	expect.EQ(t, got[0], int32(7))
	expect.True(t, got[1] == nil)
	expect.EQ(t, got[2], "hi")
}

func TestCodecRoundTrip(t *testing.T) {
	st := testStructType()
	val := testValue()
	r := region.New(64)
	b := rtype.NewBuilder(r)
	b.Start(st)
	b.AddAnnotation(st, val)
	rv := region.RegionValue{R: r, Off: b.End()}
	data := rtype.EncodeValue(st, rv)
	r2 := region.New(64)
	rv2, err := rtype.DecodeValue(st, data, r2)
	require.NoError(t, err)
	assert.Equal(t,
		rtype.ReadAnnotation(st, rv.R, rv.Off),
		rtype.ReadAnnotation(st, rv2.R, rv2.Off))
}

func TestUnsafeOrderingAgreesWithLogical(t *testing.T) {
	st := rtype.NewStruct(true,
		rtype.Field{Name: "a", Typ: &rtype.TInt32{}},
		rtype.Field{Name: "b", Typ: &rtype.TString{}},
	)
	vals := []rtype.Row{
		{int32(1), "a"},
		{int32(1), "b"},
		{int32(2), "a"},
		{int32(1), nil},
		{nil, "z"},
	}
	r := region.New(64)
	offs := make([]int64, len(vals))
	for i, v := range vals {
		b := rtype.NewBuilder(r)
		b.Start(st)
		b.AddAnnotation(st, v)
		offs[i] = b.End()
	}
	for _, mg := range []bool{true, false} {
		unsafeOrd := rtype.UnsafeOrdering(st, mg)
		ord := rtype.Ordering(st, mg)
		for i := range vals {
			for j := range vals {
				want := ord(vals[i], vals[j])
				got := unsafeOrd(r, offs[i], r, offs[j])
				if got != want {
					t.Errorf("missingGreatest=%v: compare(%v, %v) = %d, want %d",
						mg, vals[i], vals[j], got, want)
				}
			}
		}
	}
}

func TestIntervalOrdering(t *testing.T) {
	it := &rtype.TInterval{Point: &rtype.TInt32{Req: true}}
	ord := rtype.Ordering(it, true)
	closed := interval.Interval{Start: int32(1), End: int32(5), IncludesStart: true, IncludesEnd: true}
	open := interval.Interval{Start: int32(1), End: int32(5), IncludesStart: false, IncludesEnd: true}
	expect.True(t, ord(closed, open) < 0) // inclusive start sorts first
	later := interval.Interval{Start: int32(2), End: int32(3), IncludesStart: true, IncludesEnd: true}
	expect.True(t, ord(closed, later) < 0)
}

func TestJSONRoundTrip(t *testing.T) {
	st := testStructType()
	val := canonical(t, st, testValue())
	exported := rtype.ExportAnnotation(st, val)
	data, err := json.Marshal(exported)
	require.NoError(t, err)
	var decoded interface{}
	require.NoError(t, json.Unmarshal(data, &decoded))
	imp := &rtype.Importer{}
	got, err := imp.Import(st, decoded)
	require.NoError(t, err)
	assert.Equal(t, val, got)
}

func TestJSONImportLenient(t *testing.T) {
	st := rtype.NewStruct(true,
		rtype.Field{Name: "n", Typ: &rtype.TInt64{Req: true}},
		rtype.Field{Name: "f", Typ: &rtype.TFloat64{}},
	)
	imp := &rtype.Importer{}
	var jv interface{}
	require.NoError(t, json.Unmarshal([]byte(`{"n": "123", "f": "-Infinity", "junk": 1}`), &jv))
	got, err := imp.Import(st, jv)
	require.NoError(t, err)
	row := got.(rtype.Row)
	expect.EQ(t, row[0], int64(123))
	expect.True(t, row[1].(float64) < 0)

	// A null for a required field is an error.
	require.NoError(t, json.Unmarshal([]byte(`{"n": null}`), &jv))
	_, err = imp.Import(st, jv)
	require.Error(t, err)
	expect.True(t, strings.Contains(err.Error(), "required"))
}

func TestTypeDescriptorRoundTrip(t *testing.T) {
	st := testStructType()
	data, err := rtype.MarshalType(st)
	require.NoError(t, err)
	got, err := rtype.UnmarshalType(data)
	require.NoError(t, err)
	expect.EQ(t, got.String(), st.String())
}
