// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package interval

import (
	"math/rand"
	"testing"

	"github.com/grailbio/testutil/expect"
)

func intOrder(a, b interface{}) int {
	x, y := a.(int), b.(int)
	switch {
	case x < y:
		return -1
	case x > y:
		return 1
	}
	return 0
}

func TestPredicates(t *testing.T) {
	iv := New(intOrder, 5, 10, true, false)
	expect.True(t, iv.Contains(intOrder, 5))
	expect.True(t, iv.Contains(intOrder, 9))
	expect.False(t, iv.Contains(intOrder, 10))
	expect.False(t, iv.Contains(intOrder, 4))
	expect.True(t, iv.IsAbovePosition(intOrder, 4))
	expect.True(t, iv.IsBelowPosition(intOrder, 10))
	expect.False(t, iv.IsBelowPosition(intOrder, 9))

	empty := Interval{Start: 3, End: 3, IncludesStart: true, IncludesEnd: false}
	expect.True(t, empty.DefinitelyEmpty(intOrder))
	point := Interval{Start: 3, End: 3, IncludesStart: true, IncludesEnd: true}
	expect.False(t, point.DefinitelyEmpty(intOrder))
}

func TestMayOverlap(t *testing.T) {
	a := Interval{Start: 0, End: 5, IncludesStart: true, IncludesEnd: true}
	b := Interval{Start: 5, End: 9, IncludesStart: true, IncludesEnd: true}
	c := Interval{Start: 5, End: 9, IncludesStart: false, IncludesEnd: true}
	d := Interval{Start: 6, End: 9, IncludesStart: true, IncludesEnd: true}
	expect.True(t, a.MayOverlap(intOrder, b))  // share the point 5
	expect.False(t, a.MayOverlap(intOrder, c)) // 5 excluded on one side
	expect.False(t, a.MayOverlap(intOrder, d))
	expect.True(t, b.MayOverlap(intOrder, d))
}

func TestCompare(t *testing.T) {
	a := Interval{Start: 1, End: 5, IncludesStart: true, IncludesEnd: true}
	b := Interval{Start: 1, End: 5, IncludesStart: false, IncludesEnd: true}
	expect.True(t, Compare(intOrder, a, b) < 0)
	expect.EQ(t, Compare(intOrder, a, a), 0)
}

// brute-force oracle for tree queries.
func overlapOracle(ivs []Interval, q Interval) []int {
	var out []int
	for i, iv := range ivs {
		if iv.MayOverlap(intOrder, q) {
			out = append(out, i)
		}
	}
	return out
}

func TestTreeRandomized(t *testing.T) {
	rnd := rand.New(rand.NewSource(0))
	for trial := 0; trial < 20; trial++ {
		n := 1 + rnd.Intn(40)
		ivs := make([]Interval, n)
		for i := range ivs {
			s := rnd.Intn(100)
			e := s + rnd.Intn(20)
			incS, incE := rnd.Intn(2) == 0, rnd.Intn(2) == 0
			if s == e {
				incS, incE = true, true
			}
			ivs[i] = Interval{Start: s, End: e, IncludesStart: incS, IncludesEnd: incE}
		}
		tree := NewTree(intOrder, ivs)
		expect.EQ(t, tree.Len(), n)
		for q := 0; q < 20; q++ {
			s := rnd.Intn(110) - 5
			e := s + rnd.Intn(20)
			query := Interval{Start: s, End: e, IncludesStart: true, IncludesEnd: true}
			want := overlapOracle(ivs, query)
			got := tree.QueryOverlapping(query, nil)
			sortInts(got)
			expect.EQ(t, got, want)
			expect.EQ(t, tree.Overlaps(query), len(want) > 0)
		}
		for p := -5; p < 110; p++ {
			var want []int
			for i, iv := range ivs {
				if iv.Contains(intOrder, p) {
					want = append(want, i)
				}
			}
			got := tree.QueryPoint(p, nil)
			sortInts(got)
			expect.EQ(t, got, want)
		}
	}
}

func TestContainingIndexOnPartitionBounds(t *testing.T) {
	// Weakly adjacent, non-overlapping bounds as the partitioner builds.
	ivs := []Interval{
		{Start: 0, End: 10, IncludesStart: true, IncludesEnd: true},
		{Start: 10, End: 20, IncludesStart: false, IncludesEnd: true},
		{Start: 20, End: 30, IncludesStart: false, IncludesEnd: true},
	}
	tree := NewTree(intOrder, ivs)
	expect.EQ(t, tree.ContainingIndex(0), 0)
	expect.EQ(t, tree.ContainingIndex(10), 0)
	expect.EQ(t, tree.ContainingIndex(11), 1)
	expect.EQ(t, tree.ContainingIndex(20), 1)
	expect.EQ(t, tree.ContainingIndex(30), 2)
	expect.EQ(t, tree.ContainingIndex(31), -1)
	expect.EQ(t, tree.ContainingIndex(-1), -1)
}

func sortInts(s []int) {
	for i := 1; i < len(s); i++ {
		for j := i; j > 0 && s[j] < s[j-1]; j-- {
			s[j], s[j-1] = s[j-1], s[j]
		}
	}
}
