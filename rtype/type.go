// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package rtype describes the logical types of row values and their compact
// binary layout inside a region.
//
// Every type carries a "required" flag. An optional (non-required) value may
// be missing; missingness is recorded in bit vectors owned by the enclosing
// struct or array, never as a sentinel. Arrays of required elements and
// structs whose fields are all required allocate no missing bits; any other
// struct reserves one bit per field, indexed by field position, and the
// bits of its required fields stay clear.
//
// The layout of a struct T{f1..fn} is a header of ceil(n/8) bytes of
// missing bits (absent when every field is required) followed by the fields at fixed,
// aligned offsets. Arrays store a 4-byte length, then element missing bits,
// then aligned elements. Variable-size values (strings, arrays and their
// derivates) are stored inside structs and arrays as 8-byte region offsets.
//
// Set, Dict, Interval, Locus and Call are logical views over a fundamental
// representation (sorted array, array of key/value structs, a 4-field
// struct, a (contig, position) struct, and int32 respectively); the codec
// and the accessors operate on the fundamental type.
package rtype

import (
	"fmt"
	"strings"
)

// Kind enumerates the logical type kinds.
type Kind int

const (
	BoolKind Kind = iota
	Int32Kind
	Int64Kind
	Float32Kind
	Float64Kind
	StringKind
	BinaryKind
	ArrayKind
	SetKind
	DictKind
	StructKind
	TupleKind
	IntervalKind
	LocusKind
	CallKind
)

// Type is a logical row-value type.
type Type interface {
	Kind() Kind
	// Required reports whether values of this type can never be missing.
	Required() bool
	// ByteSize is the number of bytes a value of this type occupies when
	// stored inline. Variable-size types report the size of their inline
	// representation at a reference site; see StoredSize.
	ByteSize() int64
	// Alignment is the required alignment of the inline representation.
	Alignment() int64
	// Fundamental returns the on-wire representation type. For most types
	// it is the type itself.
	Fundamental() Type
	// TypeCheck reports whether the annotation is a valid value of this
	// type. nil checks as valid iff the type is not required.
	TypeCheck(a Annotation) bool
	String() string
}

// TBool is a boolean stored as one byte.
type TBool struct{ Req bool }

// TInt32 is a 32-bit signed integer.
type TInt32 struct{ Req bool }

// TInt64 is a 64-bit signed integer.
type TInt64 struct{ Req bool }

// TFloat32 is a 32-bit IEEE float.
type TFloat32 struct{ Req bool }

// TFloat64 is a 64-bit IEEE float.
type TFloat64 struct{ Req bool }

// TString is a UTF-8 string, stored as 4-byte length plus bytes and
// referenced by an 8-byte offset.
type TString struct{ Req bool }

// TBinary is an arbitrary byte string with TString's layout.
type TBinary struct{ Req bool }

// TCall is a genotype call, fundamentally an int32.
type TCall struct{ Req bool }

// TLocus is a genomic position, fundamentally Struct{contig: String+, position: Int32+}.
type TLocus struct {
	Req         bool
	fundamental *TStruct
}

func (t *TBool) Kind() Kind    { return BoolKind }
func (t *TInt32) Kind() Kind   { return Int32Kind }
func (t *TInt64) Kind() Kind   { return Int64Kind }
func (t *TFloat32) Kind() Kind { return Float32Kind }
func (t *TFloat64) Kind() Kind { return Float64Kind }
func (t *TString) Kind() Kind  { return StringKind }
func (t *TBinary) Kind() Kind  { return BinaryKind }
func (t *TCall) Kind() Kind    { return CallKind }
func (t *TLocus) Kind() Kind   { return LocusKind }

func (t *TBool) Required() bool    { return t.Req }
func (t *TInt32) Required() bool   { return t.Req }
func (t *TInt64) Required() bool   { return t.Req }
func (t *TFloat32) Required() bool { return t.Req }
func (t *TFloat64) Required() bool { return t.Req }
func (t *TString) Required() bool  { return t.Req }
func (t *TBinary) Required() bool  { return t.Req }
func (t *TCall) Required() bool    { return t.Req }
func (t *TLocus) Required() bool   { return t.Req }

func (t *TBool) ByteSize() int64    { return 1 }
func (t *TInt32) ByteSize() int64   { return 4 }
func (t *TInt64) ByteSize() int64   { return 8 }
func (t *TFloat32) ByteSize() int64 { return 4 }
func (t *TFloat64) ByteSize() int64 { return 8 }
func (t *TCall) ByteSize() int64    { return 4 }

func (t *TBool) Alignment() int64    { return 1 }
func (t *TInt32) Alignment() int64   { return 4 }
func (t *TInt64) Alignment() int64   { return 8 }
func (t *TFloat32) Alignment() int64 { return 4 }
func (t *TFloat64) Alignment() int64 { return 8 }
func (t *TCall) Alignment() int64    { return 4 }

// Strings and binaries are 4-byte length + payload; references to them are
// 8-byte offsets, so the inline size only matters at the value itself.
func (t *TString) ByteSize() int64  { return 8 }
func (t *TBinary) ByteSize() int64  { return 8 }
func (t *TString) Alignment() int64 { return 4 }
func (t *TBinary) Alignment() int64 { return 4 }

func (t *TLocus) ByteSize() int64  { return t.Fundamental().ByteSize() }
func (t *TLocus) Alignment() int64 { return t.Fundamental().Alignment() }

func (t *TBool) Fundamental() Type    { return t }
func (t *TInt32) Fundamental() Type   { return t }
func (t *TInt64) Fundamental() Type   { return t }
func (t *TFloat32) Fundamental() Type { return t }
func (t *TFloat64) Fundamental() Type { return t }
func (t *TString) Fundamental() Type  { return t }
func (t *TBinary) Fundamental() Type  { return t }
func (t *TCall) Fundamental() Type    { return &TInt32{Req: t.Req} }

func (t *TLocus) Fundamental() Type {
	if t.fundamental == nil {
		t.fundamental = NewStruct(t.Req,
			Field{"contig", &TString{Req: true}},
			Field{"position", &TInt32{Req: true}})
	}
	return t.fundamental
}

func reqPrefix(req bool) string {
	if req {
		return "+"
	}
	return ""
}

func (t *TBool) String() string    { return reqPrefix(t.Req) + "bool" }
func (t *TInt32) String() string   { return reqPrefix(t.Req) + "int32" }
func (t *TInt64) String() string   { return reqPrefix(t.Req) + "int64" }
func (t *TFloat32) String() string { return reqPrefix(t.Req) + "float32" }
func (t *TFloat64) String() string { return reqPrefix(t.Req) + "float64" }
func (t *TString) String() string  { return reqPrefix(t.Req) + "string" }
func (t *TBinary) String() string  { return reqPrefix(t.Req) + "binary" }
func (t *TCall) String() string    { return reqPrefix(t.Req) + "call" }
func (t *TLocus) String() string   { return reqPrefix(t.Req) + "locus" }

// Field is one named struct field.
type Field struct {
	Name string
	Typ  Type
}

// TStruct is a record of named, ordered fields laid out at fixed offsets.
type TStruct struct {
	Req    bool
	Fields []Field

	missingBytes int64
	offsets      []int64
	size         int64
	alignment    int64
}

// NewStruct builds a struct type and computes its layout.
func NewStruct(required bool, fields ...Field) *TStruct {
	t := &TStruct{Req: required, Fields: fields}
	t.computeLayout()
	return t
}

func (t *TStruct) computeLayout() {
	allRequired := true
	for _, f := range t.Fields {
		if !f.Typ.Required() {
			allRequired = false
			break
		}
	}
	if allRequired || len(t.Fields) == 0 {
		t.missingBytes = 0
	} else {
		t.missingBytes = int64(len(t.Fields)+7) / 8
	}
	t.offsets = make([]int64, len(t.Fields))
	t.alignment = 1
	off := t.missingBytes
	for i, f := range t.Fields {
		a := StoredAlignment(f.Typ)
		off = (off + a - 1) &^ (a - 1)
		t.offsets[i] = off
		off += StoredSize(f.Typ)
		if a > t.alignment {
			t.alignment = a
		}
	}
	t.size = off
	if t.size == 0 {
		t.size = 1 // a zero-field struct still occupies an addressable byte
	}
}

func (t *TStruct) Kind() Kind        { return StructKind }
func (t *TStruct) Required() bool    { return t.Req }
func (t *TStruct) ByteSize() int64   { return t.size }
func (t *TStruct) Alignment() int64  { return t.alignment }
func (t *TStruct) Fundamental() Type { return t }

func (t *TStruct) String() string {
	var b strings.Builder
	b.WriteString(reqPrefix(t.Req))
	b.WriteString("struct{")
	for i, f := range t.Fields {
		if i > 0 {
			b.WriteString(",")
		}
		fmt.Fprintf(&b, "%s:%s", f.Name, f.Typ)
	}
	b.WriteString("}")
	return b.String()
}

// FieldIndex returns the index of the named field, or -1.
func (t *TStruct) FieldIndex(name string) int {
	for i, f := range t.Fields {
		if f.Name == name {
			return i
		}
	}
	return -1
}

// Select returns a struct over the named fields, plus their indices in t.
func (t *TStruct) Select(names []string) (*TStruct, []int) {
	fields := make([]Field, len(names))
	idx := make([]int, len(names))
	for i, name := range names {
		j := t.FieldIndex(name)
		if j < 0 {
			panic(fmt.Sprintf("rtype: no field %q in %v", name, t))
		}
		fields[i] = t.Fields[j]
		idx[i] = j
	}
	return NewStruct(t.Req, fields...), idx
}

// TTuple is a positional record; layout-wise a struct with index names.
type TTuple struct {
	Req   bool
	Types []Type

	rep *TStruct
}

// NewTuple builds a tuple type.
func NewTuple(required bool, types ...Type) *TTuple {
	t := &TTuple{Req: required, Types: types}
	fields := make([]Field, len(types))
	for i, typ := range types {
		fields[i] = Field{fmt.Sprintf("%d", i), typ}
	}
	t.rep = NewStruct(required, fields...)
	return t
}

func (t *TTuple) Kind() Kind        { return TupleKind }
func (t *TTuple) Required() bool    { return t.Req }
func (t *TTuple) ByteSize() int64   { return t.rep.ByteSize() }
func (t *TTuple) Alignment() int64  { return t.rep.Alignment() }
func (t *TTuple) Fundamental() Type { return t.rep }

// Rep returns the struct representation used for layout.
func (t *TTuple) Rep() *TStruct { return t.rep }

func (t *TTuple) String() string {
	var b strings.Builder
	b.WriteString(reqPrefix(t.Req))
	b.WriteString("tuple(")
	for i, typ := range t.Types {
		if i > 0 {
			b.WriteString(",")
		}
		b.WriteString(typ.String())
	}
	b.WriteString(")")
	return b.String()
}

// TArray is a variable-length sequence.
type TArray struct {
	Req bool
	Elt Type
}

func (t *TArray) Kind() Kind        { return ArrayKind }
func (t *TArray) Required() bool    { return t.Req }
func (t *TArray) ByteSize() int64   { return 8 }
func (t *TArray) Alignment() int64  { return ContentsAlignment(t) }
func (t *TArray) Fundamental() Type { return t }
func (t *TArray) String() string    { return reqPrefix(t.Req) + "array<" + t.Elt.String() + ">" }

// TSet is a sorted, duplicate-free array.
type TSet struct {
	Req bool
	Elt Type
}

func (t *TSet) Kind() Kind        { return SetKind }
func (t *TSet) Required() bool    { return t.Req }
func (t *TSet) ByteSize() int64   { return 8 }
func (t *TSet) Alignment() int64  { return ContentsAlignment(t) }
func (t *TSet) Fundamental() Type { return &TArray{Req: t.Req, Elt: t.Elt} }
func (t *TSet) String() string    { return reqPrefix(t.Req) + "set<" + t.Elt.String() + ">" }

// TDict is a key-sorted array of (key, value) structs.
type TDict struct {
	Req   bool
	Key   Type
	Value Type

	fundamental *TArray
}

func (t *TDict) Kind() Kind     { return DictKind }
func (t *TDict) Required() bool { return t.Req }

func (t *TDict) Fundamental() Type {
	if t.fundamental == nil {
		t.fundamental = &TArray{
			Req: t.Req,
			Elt: NewStruct(true, Field{"key", t.Key}, Field{"value", t.Value}),
		}
	}
	return t.fundamental
}

func (t *TDict) ByteSize() int64  { return 8 }
func (t *TDict) Alignment() int64 { return t.Fundamental().Alignment() }
func (t *TDict) String() string {
	return reqPrefix(t.Req) + "dict<" + t.Key.String() + "," + t.Value.String() + ">"
}

// TInterval is an interval over a point type, fundamentally
// Struct{start: P, end: P, includesStart: Bool+, includesEnd: Bool+}.
type TInterval struct {
	Req   bool
	Point Type

	fundamental *TStruct
}

func (t *TInterval) Kind() Kind     { return IntervalKind }
func (t *TInterval) Required() bool { return t.Req }

func (t *TInterval) Fundamental() Type {
	if t.fundamental == nil {
		t.fundamental = NewStruct(t.Req,
			Field{"start", t.Point},
			Field{"end", t.Point},
			Field{"includesStart", &TBool{Req: true}},
			Field{"includesEnd", &TBool{Req: true}})
	}
	return t.fundamental
}

func (t *TInterval) ByteSize() int64  { return t.Fundamental().ByteSize() }
func (t *TInterval) Alignment() int64 { return t.Fundamental().Alignment() }
func (t *TInterval) String() string {
	return reqPrefix(t.Req) + "interval<" + t.Point.String() + ">"
}

// StoredSize is the number of bytes a value of t occupies at a reference
// site (a struct field or array element): 8 for by-reference types, the
// inline size otherwise.
func StoredSize(t Type) int64 {
	if StoredByReference(t) {
		return 8
	}
	return t.Fundamental().ByteSize()
}

// StoredAlignment is the alignment of a value of t at a reference site.
func StoredAlignment(t Type) int64 {
	if StoredByReference(t) {
		return 8
	}
	return t.Fundamental().Alignment()
}

// StoredByReference reports whether values of t are stored as 8-byte
// region offsets rather than inline.
func StoredByReference(t Type) bool {
	switch t.Kind() {
	case StringKind, BinaryKind, ArrayKind, SetKind, DictKind:
		return true
	}
	return false
}

// ContentsAlignment is the alignment of a type's own storage (for
// by-reference types, the alignment of the pointed-to block).
func ContentsAlignment(t Type) int64 {
	switch tt := t.Fundamental().(type) {
	case *TString, *TBinary:
		return 4
	case *TArray:
		// The block leads with a 4-byte length; elements may demand more.
		if a := StoredAlignment(tt.Elt); a > 4 {
			return a
		}
		return 4
	}
	return t.Fundamental().Alignment()
}
