// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package rtype

import (
	"bytes"
	"math"
	"sort"

	"github.com/grailbio/rvd/interval"
)

// Annotation is the dynamic carrier for a logical value. It is a sum over
// the core kinds, matched against the static Type:
//
//	bool, int32, int64, float32, float64, string, []byte,
//	[]Annotation (array/set), []DictEntry (dict), Row (struct/tuple),
//	interval.Interval, Locus, Call, and nil for missing.
//
// Annotations appear only on the generic import/export paths and in tests;
// hot paths use region values.
type Annotation = interface{}

// Row is the annotation carrier for struct and tuple values; element i is
// field i's annotation.
type Row []Annotation

// DictEntry is one key/value pair of a dict annotation. Dict annotations
// are sorted by key.
type DictEntry struct {
	Key   Annotation
	Value Annotation
}

// Locus is a genomic position.
type Locus struct {
	Contig   string
	Position int32
}

// Call is a genotype call encoded as an int32.
type Call int32

func (t *TBool) TypeCheck(a Annotation) bool    { _, ok := a.(bool); return checkOpt(t.Req, a, ok) }
func (t *TInt32) TypeCheck(a Annotation) bool   { _, ok := a.(int32); return checkOpt(t.Req, a, ok) }
func (t *TInt64) TypeCheck(a Annotation) bool   { _, ok := a.(int64); return checkOpt(t.Req, a, ok) }
func (t *TFloat32) TypeCheck(a Annotation) bool { _, ok := a.(float32); return checkOpt(t.Req, a, ok) }
func (t *TFloat64) TypeCheck(a Annotation) bool { _, ok := a.(float64); return checkOpt(t.Req, a, ok) }
func (t *TString) TypeCheck(a Annotation) bool  { _, ok := a.(string); return checkOpt(t.Req, a, ok) }
func (t *TBinary) TypeCheck(a Annotation) bool  { _, ok := a.([]byte); return checkOpt(t.Req, a, ok) }
func (t *TCall) TypeCheck(a Annotation) bool    { _, ok := a.(Call); return checkOpt(t.Req, a, ok) }
func (t *TLocus) TypeCheck(a Annotation) bool   { _, ok := a.(Locus); return checkOpt(t.Req, a, ok) }

func checkOpt(required bool, a Annotation, ok bool) bool {
	if a == nil {
		return !required
	}
	return ok
}

func (t *TArray) TypeCheck(a Annotation) bool {
	if a == nil {
		return !t.Req
	}
	arr, ok := a.([]Annotation)
	if !ok {
		return false
	}
	for _, e := range arr {
		if !t.Elt.TypeCheck(e) {
			return false
		}
	}
	return true
}

func (t *TSet) TypeCheck(a Annotation) bool {
	return (&TArray{Req: t.Req, Elt: t.Elt}).TypeCheck(a)
}

func (t *TDict) TypeCheck(a Annotation) bool {
	if a == nil {
		return !t.Req
	}
	entries, ok := a.([]DictEntry)
	if !ok {
		return false
	}
	for _, e := range entries {
		if !t.Key.TypeCheck(e.Key) || !t.Value.TypeCheck(e.Value) {
			return false
		}
	}
	return true
}

func (t *TStruct) TypeCheck(a Annotation) bool {
	if a == nil {
		return !t.Req
	}
	row, ok := a.(Row)
	if !ok || len(row) != len(t.Fields) {
		return false
	}
	for i, f := range t.Fields {
		if !f.Typ.TypeCheck(row[i]) {
			return false
		}
	}
	return true
}

func (t *TTuple) TypeCheck(a Annotation) bool { return t.rep.TypeCheck(a) }

func (t *TInterval) TypeCheck(a Annotation) bool {
	if a == nil {
		return !t.Req
	}
	iv, ok := a.(interval.Interval)
	if !ok {
		return false
	}
	return t.Point.TypeCheck(iv.Start) && t.Point.TypeCheck(iv.End)
}

// Ordering returns a total order over annotations of type t, extended to
// missing (nil) values: missing sorts last when missingGreatest, first
// otherwise.
func Ordering(t Type, missingGreatest bool) func(a, b Annotation) int {
	return func(a, b Annotation) int {
		if a == nil {
			if b == nil {
				return 0
			}
			if missingGreatest {
				return 1
			}
			return -1
		}
		if b == nil {
			if missingGreatest {
				return -1
			}
			return 1
		}
		return compareNonMissing(t, missingGreatest, a, b)
	}
}

func compareNonMissing(t Type, mg bool, a, b Annotation) int {
	switch tt := t.(type) {
	case *TBool:
		x, y := a.(bool), b.(bool)
		if x == y {
			return 0
		}
		if !x {
			return -1
		}
		return 1
	case *TInt32:
		return cmpInt64(int64(a.(int32)), int64(b.(int32)))
	case *TInt64:
		return cmpInt64(a.(int64), b.(int64))
	case *TFloat32:
		return cmpFloat64(float64(a.(float32)), float64(b.(float32)))
	case *TFloat64:
		return cmpFloat64(a.(float64), b.(float64))
	case *TString:
		x, y := a.(string), b.(string)
		if x < y {
			return -1
		} else if x > y {
			return 1
		}
		return 0
	case *TBinary:
		return bytes.Compare(a.([]byte), b.([]byte))
	case *TCall:
		return cmpInt64(int64(a.(Call)), int64(b.(Call)))
	case *TLocus:
		x, y := a.(Locus), b.(Locus)
		if x.Contig != y.Contig {
			if x.Contig < y.Contig {
				return -1
			}
			return 1
		}
		return cmpInt64(int64(x.Position), int64(y.Position))
	case *TArray:
		return compareArrays(tt.Elt, mg, a.([]Annotation), b.([]Annotation))
	case *TSet:
		return compareArrays(tt.Elt, mg, a.([]Annotation), b.([]Annotation))
	case *TDict:
		x, y := a.([]DictEntry), b.([]DictEntry)
		n := len(x)
		if len(y) < n {
			n = len(y)
		}
		kord := Ordering(tt.Key, mg)
		vord := Ordering(tt.Value, mg)
		for i := 0; i < n; i++ {
			if c := kord(x[i].Key, y[i].Key); c != 0 {
				return c
			}
			if c := vord(x[i].Value, y[i].Value); c != 0 {
				return c
			}
		}
		return cmpInt64(int64(len(x)), int64(len(y)))
	case *TStruct:
		x, y := a.(Row), b.(Row)
		for i, f := range tt.Fields {
			if c := Ordering(f.Typ, mg)(x[i], y[i]); c != 0 {
				return c
			}
		}
		return 0
	case *TTuple:
		return compareNonMissing(tt.rep, mg, a, b)
	case *TInterval:
		x, y := a.(interval.Interval), b.(interval.Interval)
		pord := Ordering(tt.Point, mg)
		if c := pord(x.Start, y.Start); c != 0 {
			return c
		}
		// An interval including its start point sorts before one that
		// excludes it.
		if x.IncludesStart != y.IncludesStart {
			if x.IncludesStart {
				return -1
			}
			return 1
		}
		if c := pord(x.End, y.End); c != 0 {
			return c
		}
		if x.IncludesEnd != y.IncludesEnd {
			if x.IncludesEnd {
				return 1
			}
			return -1
		}
		return 0
	}
	panic("rtype: unhandled type in compare")
}

func compareArrays(elt Type, mg bool, x, y []Annotation) int {
	ord := Ordering(elt, mg)
	n := len(x)
	if len(y) < n {
		n = len(y)
	}
	for i := 0; i < n; i++ {
		if c := ord(x[i], y[i]); c != 0 {
			return c
		}
	}
	return cmpInt64(int64(len(x)), int64(len(y)))
}

func cmpInt64(x, y int64) int {
	switch {
	case x < y:
		return -1
	case x > y:
		return 1
	}
	return 0
}

// cmpFloat64 orders NaN after +Inf so the order is total.
func cmpFloat64(x, y float64) int {
	xn, yn := math.IsNaN(x), math.IsNaN(y)
	if xn || yn {
		if xn && yn {
			return 0
		}
		if yn {
			return -1
		}
		return 1
	}
	switch {
	case x < y:
		return -1
	case x > y:
		return 1
	}
	return 0
}

// SortSet sorts a set annotation into its canonical order.
func SortSet(elt Type, a []Annotation) {
	ord := Ordering(elt, true)
	sort.SliceStable(a, func(i, j int) bool { return ord(a[i], a[j]) < 0 })
}

// SortDict sorts a dict annotation by key.
func SortDict(key Type, a []DictEntry) {
	ord := Ordering(key, true)
	sort.SliceStable(a, func(i, j int) bool { return ord(a[i].Key, a[j].Key) < 0 })
}
