// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package rtype

import (
	"fmt"

	"github.com/grailbio/rvd/interval"
	"github.com/grailbio/rvd/region"
)

// Builder constructs a single row value in a region, field by field, in
// the exact layout dictated by the value's type. The typed Add* calls are
// the hot path; AddAnnotation is the unchecked generic path used by
// import/export.
//
// Usage: Start(t), then a sequence of Start/End/Add/SetMissing calls that
// traverses t, then End() which returns the offset of the completed value.
type Builder struct {
	r    *region.Region
	root Type

	// Parallel stacks describing the path from the root to the slot under
	// construction. typestk holds fundamental container types (*TStruct or
	// *TArray).
	typestk   []Type
	offsetstk []int64 // container block offsets
	indexstk  []int   // next field/element index per container
	lenstk    []int   // array lengths (meaningless for structs)

	rootOff int64
	rootSet bool
}

// NewBuilder returns a builder writing into r.
func NewBuilder(r *region.Region) *Builder { return &Builder{r: r} }

// Region returns the builder's destination region.
func (b *Builder) Region() *region.Region { return b.r }

// Start begins construction of a value of type t.
func (b *Builder) Start(t Type) {
	b.root = t.Fundamental()
	b.typestk = b.typestk[:0]
	b.offsetstk = b.offsetstk[:0]
	b.indexstk = b.indexstk[:0]
	b.lenstk = b.lenstk[:0]
	b.rootSet = false
}

func (b *Builder) depth() int { return len(b.typestk) }

// currentType returns the type of the slot about to be written.
func (b *Builder) currentType() Type {
	if b.depth() == 0 {
		return b.root
	}
	switch t := b.typestk[b.depth()-1].(type) {
	case *TStruct:
		return t.Fields[b.indexstk[b.depth()-1]].Typ
	case *TArray:
		return t.Elt
	}
	panic("rtype: corrupt builder stack")
}

// currentSlot returns the offset of the slot about to be written.
// Must not be called at the root (root slots are allocated by the Add /
// StartStruct / StartArray that fills them).
func (b *Builder) currentSlot() int64 {
	d := b.depth() - 1
	switch t := b.typestk[d].(type) {
	case *TStruct:
		return t.FieldOffset(b.offsetstk[d], b.indexstk[d])
	case *TArray:
		return t.ElementOffset(b.offsetstk[d], b.lenstk[d], b.indexstk[d])
	}
	panic("rtype: corrupt builder stack")
}

// Advance moves past the current slot without writing it. Used after the
// slot's bytes were produced by other means.
func (b *Builder) Advance() {
	if d := b.depth(); d > 0 {
		b.indexstk[d-1]++
	}
}

// SetMissing marks the current slot missing and advances.
func (b *Builder) SetMissing() {
	d := b.depth() - 1
	if d < 0 {
		panic("rtype: cannot set root missing")
	}
	switch t := b.typestk[d].(type) {
	case *TStruct:
		i := b.indexstk[d]
		if t.Fields[i].Typ.Required() {
			panic(fmt.Sprintf("rtype: setMissing on required field %s", t.Fields[i].Name))
		}
		b.r.SetBit(b.offsetstk[d], int64(i))
	case *TArray:
		if t.Elt.Required() {
			panic("rtype: setMissing on required element")
		}
		b.r.SetBit(b.offsetstk[d]+4, int64(b.indexstk[d]))
	}
	b.Advance()
}

// placeInline allocates (or locates) the block for an inline container of
// the given size/alignment and returns its offset, handling the root case.
func (b *Builder) placeInline(size, align int64) int64 {
	if b.depth() == 0 {
		off := b.r.AllocateAligned(size, align)
		b.rootOff, b.rootSet = off, true
		return off
	}
	return b.currentSlot()
}

// placeRef allocates a fresh by-reference block and stores its offset in
// the current slot (or makes it the root).
func (b *Builder) placeRef(size, align int64) int64 {
	off := b.r.AllocateAligned(size, align)
	if b.depth() == 0 {
		b.rootOff, b.rootSet = off, true
	} else {
		b.r.StoreInt64(b.currentSlot(), off)
	}
	return off
}

// StartStruct begins the struct value occupying the current slot, with
// missing bits cleared.
func (b *Builder) StartStruct() { b.StartStructInit(true) }

// StartStructInit is StartStruct with explicit control over missing-bit
// initialization; pass init=false when every field will be written.
func (b *Builder) StartStructInit(init bool) {
	t := b.currentType().Fundamental().(*TStruct)
	off := b.placeInline(t.ByteSize(), t.Alignment())
	if init {
		for i := int64(0); i < t.missingBytes; i++ {
			b.r.StoreByte(off+i, 0)
		}
	}
	b.typestk = append(b.typestk, t)
	b.offsetstk = append(b.offsetstk, off)
	b.indexstk = append(b.indexstk, 0)
	b.lenstk = append(b.lenstk, 0)
}

// EndStruct completes the struct begun by the matching StartStruct.
func (b *Builder) EndStruct() {
	d := b.depth() - 1
	t := b.typestk[d].(*TStruct)
	if b.indexstk[d] != len(t.Fields) {
		panic(fmt.Sprintf("rtype: endStruct after %d of %d fields", b.indexstk[d], len(t.Fields)))
	}
	b.pop()
}

// StartArray begins an n-element array in the current slot, with missing
// bits cleared.
func (b *Builder) StartArray(n int) { b.StartArrayInit(n, true) }

// StartArrayInit is StartArray with explicit missing-bit initialization.
func (b *Builder) StartArrayInit(n int, init bool) {
	t := b.currentType().Fundamental().(*TArray)
	size := t.ElementsOffset(n) + int64(n)*t.ElementStride()
	off := b.placeRef(size, ContentsAlignment(t))
	b.r.StoreInt32(off, int32(n))
	if init {
		for i := int64(0); i < t.missingBytesFor(n); i++ {
			b.r.StoreByte(off+4+i, 0)
		}
	}
	b.typestk = append(b.typestk, t)
	b.offsetstk = append(b.offsetstk, off)
	b.indexstk = append(b.indexstk, 0)
	b.lenstk = append(b.lenstk, n)
}

// EndArray completes the array begun by the matching StartArray.
func (b *Builder) EndArray() {
	d := b.depth() - 1
	if b.indexstk[d] != b.lenstk[d] {
		panic(fmt.Sprintf("rtype: endArray after %d of %d elements", b.indexstk[d], b.lenstk[d]))
	}
	b.pop()
}

func (b *Builder) pop() {
	d := b.depth() - 1
	b.typestk = b.typestk[:d]
	b.offsetstk = b.offsetstk[:d]
	b.indexstk = b.indexstk[:d]
	b.lenstk = b.lenstk[:d]
	b.Advance()
}

// AddBool writes a boolean into the current slot and advances.
func (b *Builder) AddBool(v bool) {
	off := b.placeInline(1, 1)
	b.r.StoreBool(off, v)
	b.Advance()
}

// AddInt writes an int32 into the current slot and advances.
func (b *Builder) AddInt(v int32) {
	off := b.placeInline(4, 4)
	b.r.StoreInt32(off, v)
	b.Advance()
}

// AddLong writes an int64 into the current slot and advances.
func (b *Builder) AddLong(v int64) {
	off := b.placeInline(8, 8)
	b.r.StoreInt64(off, v)
	b.Advance()
}

// AddFloat writes a float32 into the current slot and advances.
func (b *Builder) AddFloat(v float32) {
	off := b.placeInline(4, 4)
	b.r.StoreFloat32(off, v)
	b.Advance()
}

// AddDouble writes a float64 into the current slot and advances.
func (b *Builder) AddDouble(v float64) {
	off := b.placeInline(8, 8)
	b.r.StoreFloat64(off, v)
	b.Advance()
}

// AddBinary writes a length-prefixed byte block and references it from the
// current slot.
func (b *Builder) AddBinary(v []byte) {
	off := b.placeRef(4+int64(len(v)), 4)
	b.r.StoreInt32(off, int32(len(v)))
	b.r.StoreBytes(off+4, v)
	b.Advance()
}

// AddString writes a string like AddBinary.
func (b *Builder) AddString(v string) {
	off := b.placeRef(4+int64(len(v)), 4)
	b.r.StoreInt32(off, int32(len(v)))
	b.r.StoreBytes(off+4, []byte(v))
	b.Advance()
}

// AddAnnotation writes an arbitrary annotation of type t into the current
// slot. This is the unchecked generic path; it panics on a type mismatch.
func (b *Builder) AddAnnotation(t Type, a Annotation) {
	if a == nil {
		b.SetMissing()
		return
	}
	switch tt := t.(type) {
	case *TBool:
		b.AddBool(a.(bool))
	case *TInt32:
		b.AddInt(a.(int32))
	case *TInt64:
		b.AddLong(a.(int64))
	case *TFloat32:
		b.AddFloat(a.(float32))
	case *TFloat64:
		b.AddDouble(a.(float64))
	case *TString:
		b.AddString(a.(string))
	case *TBinary:
		b.AddBinary(a.([]byte))
	case *TCall:
		b.AddInt(int32(a.(Call)))
	case *TLocus:
		l := a.(Locus)
		b.addStructAnnotation(tt.Fundamental().(*TStruct), Row{l.Contig, l.Position})
	case *TArray:
		arr := a.([]Annotation)
		b.StartArray(len(arr))
		for _, e := range arr {
			b.AddAnnotation(tt.Elt, e)
		}
		b.EndArray()
	case *TSet:
		arr := append([]Annotation(nil), a.([]Annotation)...)
		SortSet(tt.Elt, arr)
		b.AddAnnotation(tt.Fundamental(), arr)
	case *TDict:
		entries := append([]DictEntry(nil), a.([]DictEntry)...)
		SortDict(tt.Key, entries)
		arr := make([]Annotation, len(entries))
		for i, e := range entries {
			arr[i] = Row{e.Key, e.Value}
		}
		b.AddAnnotation(tt.Fundamental(), arr)
	case *TStruct:
		b.addStructAnnotation(tt, a.(Row))
	case *TTuple:
		b.addStructAnnotation(tt.rep, a.(Row))
	case *TInterval:
		iv := a.(interval.Interval)
		b.addStructAnnotation(tt.Fundamental().(*TStruct),
			Row{iv.Start, iv.End, iv.IncludesStart, iv.IncludesEnd})
	default:
		panic(fmt.Sprintf("rtype: unhandled type %v", t))
	}
}

func (b *Builder) addStructAnnotation(t *TStruct, row Row) {
	if len(row) != len(t.Fields) {
		panic(fmt.Sprintf("rtype: row width %d != %d fields of %v", len(row), len(t.Fields), t))
	}
	b.StartStruct()
	for i, f := range t.Fields {
		b.AddAnnotation(f.Typ, row[i])
	}
	b.EndStruct()
}

// AddRegionValue deep-copies a value of type srcType from another region
// into the current slot.
func (b *Builder) AddRegionValue(srcType Type, src region.RegionValue) {
	b.AddAnnotation(srcType, ReadAnnotation(srcType, src.R, src.Off))
}

// End completes construction and returns the offset of the value.
func (b *Builder) End() int64 {
	if b.depth() != 0 {
		panic("rtype: end with unclosed container")
	}
	if !b.rootSet {
		panic("rtype: end before any value was added")
	}
	return b.rootOff
}
