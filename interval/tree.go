// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package interval

import "sort"

// Tree is a balanced, start-keyed interval tree with max-end annotations.
// Each stored interval carries an integer payload (typically a partition
// index). The tree is immutable after construction.
type Tree struct {
	ord  PointOrder
	root *node
	n    int
}

type node struct {
	iv      Interval
	payload int
	left    *node
	right   *node
	// maxEnd is the greatest end point in this subtree; maxEndIncl is
	// whether some interval attains it inclusively.
	maxEnd     interface{}
	maxEndIncl bool
}

// NewTree builds a tree over the given intervals; interval i carries
// payload i. Intervals need not be sorted. Construction is O(n log n)
// when unsorted and linear for sorted input (median split).
func NewTree(ord PointOrder, ivs []Interval) *Tree {
	t := &Tree{ord: ord, n: len(ivs)}
	idx := make([]int, len(ivs))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool {
		return Compare(ord, ivs[idx[a]], ivs[idx[b]]) < 0
	})
	t.root = t.build(ivs, idx)
	return t
}

func (t *Tree) build(ivs []Interval, idx []int) *node {
	if len(idx) == 0 {
		return nil
	}
	mid := len(idx) / 2
	nd := &node{iv: ivs[idx[mid]], payload: idx[mid]}
	nd.left = t.build(ivs, idx[:mid])
	nd.right = t.build(ivs, idx[mid+1:])
	nd.maxEnd, nd.maxEndIncl = nd.iv.End, nd.iv.IncludesEnd
	for _, c := range []*node{nd.left, nd.right} {
		if c == nil {
			continue
		}
		cmp := t.ord(c.maxEnd, nd.maxEnd)
		if cmp > 0 || (cmp == 0 && c.maxEndIncl && !nd.maxEndIncl) {
			nd.maxEnd, nd.maxEndIncl = c.maxEnd, c.maxEndIncl
		}
	}
	return nd
}

// Len returns the number of stored intervals.
func (t *Tree) Len() int { return t.n }

// subtreeBelow reports whether every interval in the subtree ends before p.
func (t *Tree) subtreeBelow(nd *node, p interface{}) bool {
	c := t.ord(nd.maxEnd, p)
	return c < 0 || (c == 0 && !nd.maxEndIncl)
}

// QueryPoint appends to out the payloads of all intervals containing p,
// in interval order; for non-overlapping intervals given to NewTree in
// sorted order this is ascending payload order.
func (t *Tree) QueryPoint(p interface{}, out []int) []int {
	return t.queryPoint(t.root, p, out)
}

func (t *Tree) queryPoint(nd *node, p interface{}, out []int) []int {
	if nd == nil || t.subtreeBelow(nd, p) {
		return out
	}
	out = t.queryPoint(nd.left, p, out)
	if nd.iv.Contains(t.ord, p) {
		out = append(out, nd.payload)
	}
	// Intervals right of nd start at or after nd's start; if nd's start is
	// already above p, so are they.
	if !nd.iv.IsAbovePosition(t.ord, p) {
		out = t.queryPoint(nd.right, p, out)
	}
	return out
}

// ContainingIndex returns the payload of an interval containing p, or -1.
// When the stored intervals are pairwise non-overlapping the result is the
// unique containing interval.
func (t *Tree) ContainingIndex(p interface{}) int {
	nd := t.root
	for nd != nil {
		if t.subtreeBelow(nd, p) {
			return -1
		}
		if nd.iv.Contains(t.ord, p) {
			return nd.payload
		}
		if nd.left != nil && !t.subtreeBelow(nd.left, p) {
			nd = nd.left
			continue
		}
		if nd.iv.IsAbovePosition(t.ord, p) {
			return -1
		}
		nd = nd.right
	}
	return -1
}

// QueryOverlapping appends to out the payloads of all intervals that may
// overlap iv.
func (t *Tree) QueryOverlapping(iv Interval, out []int) []int {
	return t.queryOverlapping(t.root, iv, out)
}

func (t *Tree) queryOverlapping(nd *node, iv Interval, out []int) []int {
	if nd == nil {
		return out
	}
	// Prune subtrees that end entirely before iv starts.
	c := t.ord(nd.maxEnd, iv.Start)
	if c < 0 || (c == 0 && !(nd.maxEndIncl && iv.IncludesStart)) {
		return out
	}
	out = t.queryOverlapping(nd.left, iv, out)
	if nd.iv.MayOverlap(t.ord, iv) {
		out = append(out, nd.payload)
	}
	// Right subtree starts at or after nd's start; prune when nd already
	// starts past iv's end.
	cs := t.ord(nd.iv.Start, iv.End)
	if cs < 0 || (cs == 0 && nd.iv.IncludesStart && iv.IncludesEnd) {
		out = t.queryOverlapping(nd.right, iv, out)
	}
	return out
}

// Overlaps reports whether any stored interval may overlap iv.
func (t *Tree) Overlaps(iv Interval) bool {
	return len(t.QueryOverlapping(iv, nil)) > 0
}
