// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package rtype

import (
	"fmt"

	"github.com/grailbio/rvd/interval"
	"github.com/grailbio/rvd/region"
)

// This file implements the read side of the row codec: offset arithmetic
// and loads against a region, per the layout contract in the package
// comment. Callers must test definedness before loading a field or
// element; loading a missing slot is undefined.

// FieldOffset returns the offset of field i of the struct at structOff.
func (t *TStruct) FieldOffset(structOff int64, i int) int64 {
	return structOff + t.offsets[i]
}

// MissingBytes returns the size of the struct's missing-bit header.
func (t *TStruct) MissingBytes() int64 { return t.missingBytes }

// IsFieldMissing reports whether field i of the struct at off is missing.
func (t *TStruct) IsFieldMissing(r *region.Region, off int64, i int) bool {
	if t.Fields[i].Typ.Required() || t.missingBytes == 0 {
		return false
	}
	return r.LoadBit(off, int64(i))
}

// IsFieldDefined is the negation of IsFieldMissing.
func (t *TStruct) IsFieldDefined(r *region.Region, off int64, i int) bool {
	return !t.IsFieldMissing(r, off, i)
}

// LoadField returns the offset at which field i's value lives, following
// the stored reference when the field type is stored by reference.
//
// Requires: IsFieldDefined(r, off, i).
func (t *TStruct) LoadField(r *region.Region, off int64, i int) int64 {
	fo := off + t.offsets[i]
	if StoredByReference(t.Fields[i].Typ) {
		return r.LoadInt64(fo)
	}
	return fo
}

// ElementsOffset returns the offset, relative to the array block, of
// element storage for an n-element array.
func (t *TArray) ElementsOffset(n int) int64 {
	off := int64(4) + t.missingBytesFor(n)
	a := StoredAlignment(t.Elt)
	return (off + a - 1) &^ (a - 1)
}

func (t *TArray) missingBytesFor(n int) int64 {
	if t.Elt.Required() {
		return 0
	}
	return int64(n+7) / 8
}

// ElementStride is the byte distance between consecutive elements.
func (t *TArray) ElementStride() int64 {
	sz := StoredSize(t.Elt)
	a := StoredAlignment(t.Elt)
	return (sz + a - 1) &^ (a - 1)
}

// LoadLength returns the length of the array block at off.
func (t *TArray) LoadLength(r *region.Region, off int64) int {
	return int(r.LoadInt32(off))
}

// IsElementMissing reports whether element i of the n-element array at off
// is missing.
func (t *TArray) IsElementMissing(r *region.Region, off int64, i int) bool {
	if t.Elt.Required() {
		return false
	}
	return r.LoadBit(off+4, int64(i))
}

// IsElementDefined is the negation of IsElementMissing.
func (t *TArray) IsElementDefined(r *region.Region, off int64, i int) bool {
	return !t.IsElementMissing(r, off, i)
}

// ElementOffset returns the offset of element i's slot in an n-element
// array block at off.
func (t *TArray) ElementOffset(off int64, n, i int) int64 {
	return off + t.ElementsOffset(n) + int64(i)*t.ElementStride()
}

// LoadElement returns the offset at which element i's value lives,
// following the stored reference for by-reference element types.
//
// Requires: IsElementDefined(r, off, i).
func (t *TArray) LoadElement(r *region.Region, off int64, n, i int) int64 {
	eo := t.ElementOffset(off, n, i)
	if StoredByReference(t.Elt) {
		return r.LoadInt64(eo)
	}
	return eo
}

// LoadBytes reads a string/binary block (4-byte length + payload) at off.
func LoadBytes(r *region.Region, off int64) []byte {
	n := int64(r.LoadInt32(off))
	return r.LoadBytes(off+4, n)
}

// LoadString reads a string block at off without copying the payload.
func LoadString(r *region.Region, off int64) string {
	n := int64(r.LoadInt32(off))
	return r.LoadString(off+4, n)
}

// LoadIntervalStart returns the offset of the interval's start point and
// whether it is defined.
func (t *TInterval) LoadIntervalStart(r *region.Region, off int64) (int64, bool) {
	rep := t.Fundamental().(*TStruct)
	if rep.IsFieldMissing(r, off, 0) {
		return 0, false
	}
	return rep.LoadField(r, off, 0), true
}

// LoadIntervalEnd returns the offset of the interval's end point (field
// index 1 of the representation) and whether it is defined.
func (t *TInterval) LoadIntervalEnd(r *region.Region, off int64) (int64, bool) {
	rep := t.Fundamental().(*TStruct)
	if rep.IsFieldMissing(r, off, 1) {
		return 0, false
	}
	return rep.LoadField(r, off, 1), true
}

// LoadIncludesStart reads the interval's includesStart flag.
func (t *TInterval) LoadIncludesStart(r *region.Region, off int64) bool {
	rep := t.Fundamental().(*TStruct)
	return r.LoadBool(rep.FieldOffset(off, 2))
}

// LoadIncludesEnd reads the interval's includesEnd flag.
func (t *TInterval) LoadIncludesEnd(r *region.Region, off int64) bool {
	rep := t.Fundamental().(*TStruct)
	return r.LoadBool(rep.FieldOffset(off, 3))
}

// ReadAnnotation materializes the value of type t at (r, off) as an
// annotation. Inverse of Builder.AddAnnotation for defined values.
func ReadAnnotation(t Type, r *region.Region, off int64) Annotation {
	switch tt := t.(type) {
	case *TBool:
		return r.LoadBool(off)
	case *TInt32:
		return r.LoadInt32(off)
	case *TInt64:
		return r.LoadInt64(off)
	case *TFloat32:
		return r.LoadFloat32(off)
	case *TFloat64:
		return r.LoadFloat64(off)
	case *TString:
		s := LoadString(r, off)
		return string(append([]byte(nil), s...)) // copy out of the region
	case *TBinary:
		return append([]byte(nil), LoadBytes(r, off)...)
	case *TCall:
		return Call(r.LoadInt32(off))
	case *TLocus:
		rep := tt.Fundamental().(*TStruct)
		return Locus{
			Contig:   ReadAnnotation(&TString{Req: true}, r, rep.LoadField(r, off, 0)).(string),
			Position: r.LoadInt32(rep.LoadField(r, off, 1)),
		}
	case *TArray:
		n := tt.LoadLength(r, off)
		out := make([]Annotation, n)
		for i := 0; i < n; i++ {
			if tt.IsElementDefined(r, off, i) {
				out[i] = ReadAnnotation(tt.Elt, r, tt.LoadElement(r, off, n, i))
			}
		}
		return out
	case *TSet:
		return ReadAnnotation(tt.Fundamental(), r, off)
	case *TDict:
		arr := ReadAnnotation(tt.Fundamental(), r, off).([]Annotation)
		out := make([]DictEntry, len(arr))
		for i, e := range arr {
			row := e.(Row)
			out[i] = DictEntry{Key: row[0], Value: row[1]}
		}
		return out
	case *TStruct:
		out := make(Row, len(tt.Fields))
		for i, f := range tt.Fields {
			if tt.IsFieldDefined(r, off, i) {
				out[i] = ReadAnnotation(f.Typ, r, tt.LoadField(r, off, i))
			}
		}
		return out
	case *TTuple:
		return ReadAnnotation(tt.rep, r, off)
	case *TInterval:
		var start, end Annotation
		if so, ok := tt.LoadIntervalStart(r, off); ok {
			start = ReadAnnotation(tt.Point, r, so)
		}
		if eo, ok := tt.LoadIntervalEnd(r, off); ok {
			end = ReadAnnotation(tt.Point, r, eo)
		}
		return interval.Interval{
			Start:         start,
			End:           end,
			IncludesStart: tt.LoadIncludesStart(r, off),
			IncludesEnd:   tt.LoadIncludesEnd(r, off),
		}
	}
	panic(fmt.Sprintf("rtype: unhandled type %v", t))
}
