// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package rtype

import (
	"bytes"
	"fmt"

	"github.com/grailbio/rvd/region"
)

// UnsafeOrderingFn compares two region values of a common type without
// materializing them.
type UnsafeOrderingFn func(r1 *region.Region, o1 int64, r2 *region.Region, o2 int64) int

// UnsafeOrdering returns a comparator over region values of type t.
// Struct ordering is lexicographic over fields; intervals order by
// (start, ¬includesStart, end, includesEnd); missing fields and elements
// sort last when missingGreatest, first otherwise. The unsafe ordering
// agrees with Ordering(t, missingGreatest) on values round-tripped
// through the row builder.
func UnsafeOrdering(t Type, missingGreatest bool) UnsafeOrderingFn {
	switch tt := t.(type) {
	case *TBool:
		return func(r1 *region.Region, o1 int64, r2 *region.Region, o2 int64) int {
			x, y := r1.LoadBool(o1), r2.LoadBool(o2)
			if x == y {
				return 0
			}
			if !x {
				return -1
			}
			return 1
		}
	case *TInt32, *TCall:
		return func(r1 *region.Region, o1 int64, r2 *region.Region, o2 int64) int {
			return cmpInt64(int64(r1.LoadInt32(o1)), int64(r2.LoadInt32(o2)))
		}
	case *TInt64:
		return func(r1 *region.Region, o1 int64, r2 *region.Region, o2 int64) int {
			return cmpInt64(r1.LoadInt64(o1), r2.LoadInt64(o2))
		}
	case *TFloat32:
		return func(r1 *region.Region, o1 int64, r2 *region.Region, o2 int64) int {
			return cmpFloat64(float64(r1.LoadFloat32(o1)), float64(r2.LoadFloat32(o2)))
		}
	case *TFloat64:
		return func(r1 *region.Region, o1 int64, r2 *region.Region, o2 int64) int {
			return cmpFloat64(r1.LoadFloat64(o1), r2.LoadFloat64(o2))
		}
	case *TString, *TBinary:
		return func(r1 *region.Region, o1 int64, r2 *region.Region, o2 int64) int {
			return bytes.Compare(LoadBytes(r1, o1), LoadBytes(r2, o2))
		}
	case *TLocus:
		return UnsafeOrdering(tt.Fundamental(), missingGreatest)
	case *TArray:
		return unsafeArrayOrdering(tt, missingGreatest)
	case *TSet:
		return UnsafeOrdering(tt.Fundamental(), missingGreatest)
	case *TDict:
		return UnsafeOrdering(tt.Fundamental(), missingGreatest)
	case *TStruct:
		return unsafeStructOrdering(tt, missingGreatest)
	case *TTuple:
		return UnsafeOrdering(tt.rep, missingGreatest)
	case *TInterval:
		return unsafeIntervalOrdering(tt, missingGreatest)
	}
	panic(fmt.Sprintf("rtype: no unsafe ordering for %v", t))
}

func missingCompare(m1, m2, missingGreatest bool) (int, bool) {
	if !m1 && !m2 {
		return 0, false
	}
	if m1 && m2 {
		return 0, true
	}
	c := 1 // m1 missing, m2 defined
	if !m1 {
		c = -1
	}
	if !missingGreatest {
		c = -c
	}
	return c, true
}

func unsafeStructOrdering(t *TStruct, mg bool) UnsafeOrderingFn {
	fieldOrds := make([]UnsafeOrderingFn, len(t.Fields))
	for i, f := range t.Fields {
		fieldOrds[i] = UnsafeOrdering(f.Typ, mg)
	}
	return func(r1 *region.Region, o1 int64, r2 *region.Region, o2 int64) int {
		for i := range t.Fields {
			m1 := t.IsFieldMissing(r1, o1, i)
			m2 := t.IsFieldMissing(r2, o2, i)
			if c, done := missingCompare(m1, m2, mg); done {
				if c != 0 {
					return c
				}
				continue
			}
			if c := fieldOrds[i](r1, t.LoadField(r1, o1, i), r2, t.LoadField(r2, o2, i)); c != 0 {
				return c
			}
		}
		return 0
	}
}

func unsafeArrayOrdering(t *TArray, mg bool) UnsafeOrderingFn {
	eltOrd := UnsafeOrdering(t.Elt, mg)
	return func(r1 *region.Region, o1 int64, r2 *region.Region, o2 int64) int {
		n1, n2 := t.LoadLength(r1, o1), t.LoadLength(r2, o2)
		n := n1
		if n2 < n {
			n = n2
		}
		for i := 0; i < n; i++ {
			m1 := t.IsElementMissing(r1, o1, i)
			m2 := t.IsElementMissing(r2, o2, i)
			if c, done := missingCompare(m1, m2, mg); done {
				if c != 0 {
					return c
				}
				continue
			}
			if c := eltOrd(r1, t.LoadElement(r1, o1, n1, i), r2, t.LoadElement(r2, o2, n2, i)); c != 0 {
				return c
			}
		}
		return cmpInt64(int64(n1), int64(n2))
	}
}

func unsafeIntervalOrdering(t *TInterval, mg bool) UnsafeOrderingFn {
	pointOrd := UnsafeOrdering(t.Point, mg)
	return func(r1 *region.Region, o1 int64, r2 *region.Region, o2 int64) int {
		s1, ok1 := t.LoadIntervalStart(r1, o1)
		s2, ok2 := t.LoadIntervalStart(r2, o2)
		if c, done := missingCompare(!ok1, !ok2, mg); done && c != 0 {
			return c
		} else if !done {
			if c := pointOrd(r1, s1, r2, s2); c != 0 {
				return c
			}
		}
		i1, i2 := t.LoadIncludesStart(r1, o1), t.LoadIncludesStart(r2, o2)
		if i1 != i2 {
			if i1 {
				return -1
			}
			return 1
		}
		e1, ok1 := t.LoadIntervalEnd(r1, o1)
		e2, ok2 := t.LoadIntervalEnd(r2, o2)
		if c, done := missingCompare(!ok1, !ok2, mg); done && c != 0 {
			return c
		} else if !done {
			if c := pointOrd(r1, e1, r2, e2); c != 0 {
				return c
			}
		}
		i1, i2 = t.LoadIncludesEnd(r1, o1), t.LoadIncludesEnd(r2, o2)
		if i1 != i2 {
			if i1 {
				return 1
			}
			return -1
		}
		return 0
	}
}
