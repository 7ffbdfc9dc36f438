// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package interval provides intervals with inclusive/exclusive endpoints
// over an arbitrary ordered point type, and an interval tree for partition
// lookup.
//
// Points are dynamically-typed annotations; every operation takes the point
// ordering explicitly so this package stays independent of the type system.
package interval

import "fmt"

// PointOrder is a total order over points. It must treat a nil point as
// missing per the caller's convention; intervals used here never carry nil
// endpoints.
type PointOrder func(a, b interface{}) int

// Interval is a range of points with inclusive or exclusive endpoints.
type Interval struct {
	Start         interface{}
	End           interface{}
	IncludesStart bool
	IncludesEnd   bool
}

// New returns the interval [start, end] with the given endpoint
// inclusivity. It panics if end < start under ord.
func New(ord PointOrder, start, end interface{}, includesStart, includesEnd bool) Interval {
	if ord(start, end) > 0 {
		panic(fmt.Sprintf("interval: start %v > end %v", start, end))
	}
	return Interval{Start: start, End: end, IncludesStart: includesStart, IncludesEnd: includesEnd}
}

// DefinitelyEmpty reports whether the interval provably contains no point:
// start == end and at least one endpoint is exclusive.
func (i Interval) DefinitelyEmpty(ord PointOrder) bool {
	return ord(i.Start, i.End) == 0 && !(i.IncludesStart && i.IncludesEnd)
}

// Contains reports whether p lies inside the interval.
func (i Interval) Contains(ord PointOrder, p interface{}) bool {
	c := ord(p, i.Start)
	if c < 0 || (c == 0 && !i.IncludesStart) {
		return false
	}
	c = ord(p, i.End)
	if c > 0 || (c == 0 && !i.IncludesEnd) {
		return false
	}
	return true
}

// IsAbovePosition reports whether every point of the interval is > p.
func (i Interval) IsAbovePosition(ord PointOrder, p interface{}) bool {
	c := ord(i.Start, p)
	return c > 0 || (c == 0 && !i.IncludesStart)
}

// IsBelowPosition reports whether every point of the interval is < p.
func (i Interval) IsBelowPosition(ord PointOrder, p interface{}) bool {
	c := ord(i.End, p)
	return c < 0 || (c == 0 && !i.IncludesEnd)
}

// MayOverlap reports whether i ∩ j is non-empty, per ord and endpoint
// inclusivity.
func (i Interval) MayOverlap(ord PointOrder, j Interval) bool {
	if i.DefinitelyEmpty(ord) || j.DefinitelyEmpty(ord) {
		return false
	}
	// Disjoint iff one ends before the other starts.
	if c := ord(i.End, j.Start); c < 0 || (c == 0 && !(i.IncludesEnd && j.IncludesStart)) {
		return false
	}
	if c := ord(j.End, i.Start); c < 0 || (c == 0 && !(j.IncludesEnd && i.IncludesStart)) {
		return false
	}
	return true
}

// Compare orders intervals by (start, ¬includesStart, end, includesEnd).
func Compare(ord PointOrder, i, j Interval) int {
	if c := ord(i.Start, j.Start); c != 0 {
		return c
	}
	if i.IncludesStart != j.IncludesStart {
		if i.IncludesStart {
			return -1
		}
		return 1
	}
	if c := ord(i.End, j.End); c != 0 {
		return c
	}
	if i.IncludesEnd != j.IncludesEnd {
		if i.IncludesEnd {
			return 1
		}
		return -1
	}
	return 0
}

func (i Interval) String() string {
	lo, hi := "(", ")"
	if i.IncludesStart {
		lo = "["
	}
	if i.IncludesEnd {
		hi = "]"
	}
	return fmt.Sprintf("%s%v-%v%s", lo, i.Start, i.End, hi)
}
