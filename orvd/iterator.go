// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package orvd

import (
	"container/heap"

	"github.com/grailbio/rvd/pstream"
	"github.com/grailbio/rvd/region"
)

// Rows flow through pstream iterators as region.RegionValue values. The
// combinators here implement the ordered-dataset iterator algebra: peeking,
// equal-key run ("staircase") traversal, two-pointer merges, and the lazy
// per-run key sort used by the LOCAL_SORT coercion path.

func rowOf(v interface{}) region.RegionValue { return v.(region.RegionValue) }

// peekIterator decorates an iterator with one-row lookahead.
type peekIterator struct {
	it     pstream.Iterator
	peeked bool
	head   region.RegionValue
	done   bool
}

func newPeekIterator(it pstream.Iterator) *peekIterator {
	return &peekIterator{it: it}
}

// hasNext reports whether another row is available, filling the lookahead.
func (p *peekIterator) hasNext() bool {
	if p.peeked {
		return true
	}
	if p.done || !p.it.Scan() {
		p.done = true
		return false
	}
	p.head = rowOf(p.it.Value())
	p.peeked = true
	return true
}

// peek returns the next row without consuming it.
//
// Requires: hasNext().
func (p *peekIterator) peek() region.RegionValue { return p.head }

// next consumes and returns the next row.
//
// Requires: hasNext().
func (p *peekIterator) next() region.RegionValue {
	p.peeked = false
	return p.head
}

func (p *peekIterator) err() error { return p.it.Err() }
func (p *peekIterator) close()     { p.it.Close() }

// staircaseIterator walks maximal runs of rows equal under a key compare.
// Rows of the current run are deep-copied into a staging region owned by
// the iterator (they outlive the producer's per-row lifetime); a run is
// valid until the next nextRun call.
type staircaseIterator struct {
	typ     *RVDType
	p       *peekIterator
	cmp     func(a, b region.RegionValue) int
	staging *region.Region
}

func newStaircaseIterator(typ *RVDType, it pstream.Iterator, cmp func(a, b region.RegionValue) int) *staircaseIterator {
	return &staircaseIterator{
		typ:     typ,
		p:       newPeekIterator(it),
		cmp:     cmp,
		staging: region.New(256),
	}
}

func (s *staircaseIterator) hasNext() bool { return s.p.hasNext() }

// nextRun consumes and returns the next maximal equal-key run.
func (s *staircaseIterator) nextRun() []region.RegionValue {
	s.staging.Clear()
	first := s.typ.CopyRow(s.p.next(), s.staging)
	run := []region.RegionValue{first}
	for s.p.hasNext() && s.cmp(first, s.p.peek()) == 0 {
		run = append(run, s.typ.CopyRow(s.p.next(), s.staging))
	}
	return run
}

func (s *staircaseIterator) err() error { return s.p.err() }
func (s *staircaseIterator) close()     { s.p.close() }

// mergeIterator interleaves two key-sorted streams into one, preferring
// the left stream on ties (a stable two-pointer K-merge).
type mergeIterator struct {
	l, r *peekIterator
	cmp  func(a, b region.RegionValue) int
	cur  region.RegionValue
	err_ error
}

func newMergeIterator(l, r pstream.Iterator, cmp func(a, b region.RegionValue) int) *mergeIterator {
	return &mergeIterator{l: newPeekIterator(l), r: newPeekIterator(r), cmp: cmp}
}

func (m *mergeIterator) Scan() bool {
	lOK, rOK := m.l.hasNext(), m.r.hasNext()
	switch {
	case !lOK && !rOK:
		if m.err_ == nil {
			if m.err_ = m.l.err(); m.err_ == nil {
				m.err_ = m.r.err()
			}
		}
		return false
	case !rOK:
		m.cur = m.l.next()
	case !lOK:
		m.cur = m.r.next()
	default:
		if m.cmp(m.l.peek(), m.r.peek()) <= 0 {
			m.cur = m.l.next()
		} else {
			m.cur = m.r.next()
		}
	}
	return true
}

func (m *mergeIterator) Value() interface{} { return m.cur }
func (m *mergeIterator) Err() error         { return m.err_ }
func (m *mergeIterator) Close() {
	m.l.close()
	m.r.close()
}

// rowHeap orders buffered rows by the full key for the local sort.
type rowHeap struct {
	rows []region.RegionValue
	cmp  func(a, b region.RegionValue) int
}

func (h *rowHeap) Len() int            { return len(h.rows) }
func (h *rowHeap) Less(i, j int) bool  { return h.cmp(h.rows[i], h.rows[j]) < 0 }
func (h *rowHeap) Swap(i, j int)       { h.rows[i], h.rows[j] = h.rows[j], h.rows[i] }
func (h *rowHeap) Push(x interface{})  { h.rows = append(h.rows, x.(region.RegionValue)) }
func (h *rowHeap) Pop() interface{} {
	n := len(h.rows)
	x := h.rows[n-1]
	h.rows = h.rows[:n-1]
	return x
}

// localKSortIterator lazily K-sorts a PK-sorted stream: rows of each
// PK-equivalent run are staged into a small priority queue (deep-copied
// into an owned region, since they outlive the producer's row lifetime)
// and emitted in K order before the next run is read.
type localKSortIterator struct {
	typ    *RVDType
	p      *peekIterator
	h      rowHeap
	staged *region.Region
	cur    region.RegionValue
}

func newLocalKSortIterator(typ *RVDType, it pstream.Iterator) *localKSortIterator {
	s := &localKSortIterator{
		typ:    typ,
		p:      newPeekIterator(it),
		staged: region.New(256),
	}
	s.h.cmp = typ.KeyCompare
	return s
}

func (s *localKSortIterator) fill() {
	if s.h.Len() > 0 || !s.p.hasNext() {
		return
	}
	s.staged.Clear()
	first := s.p.next()
	s.h.rows = append(s.h.rows[:0], s.typ.CopyRow(first, s.staged))
	for s.p.hasNext() && s.typ.PKCompare(first, s.p.peek()) == 0 {
		s.h.rows = append(s.h.rows, s.typ.CopyRow(s.p.next(), s.staged))
	}
	heap.Init(&s.h)
}

func (s *localKSortIterator) Scan() bool {
	s.fill()
	if s.h.Len() == 0 {
		return false
	}
	s.cur = heap.Pop(&s.h).(region.RegionValue)
	return true
}

func (s *localKSortIterator) Value() interface{} { return s.cur }
func (s *localKSortIterator) Err() error         { return s.p.err() }
func (s *localKSortIterator) Close()             { s.p.close() }

// filterIterator keeps rows satisfying a predicate.
type filterIterator struct {
	it   pstream.Iterator
	pred func(region.RegionValue) bool
	cur  region.RegionValue
}

func newFilterIterator(it pstream.Iterator, pred func(region.RegionValue) bool) *filterIterator {
	return &filterIterator{it: it, pred: pred}
}

func (f *filterIterator) Scan() bool {
	for f.it.Scan() {
		rv := rowOf(f.it.Value())
		if f.pred(rv) {
			f.cur = rv
			return true
		}
	}
	return false
}

func (f *filterIterator) Value() interface{} { return f.cur }
func (f *filterIterator) Err() error         { return f.it.Err() }
func (f *filterIterator) Close()             { f.it.Close() }

// takeIterator passes through at most n rows.
type takeIterator struct {
	it pstream.Iterator
	n  int64
}

func newTakeIterator(it pstream.Iterator, n int64) *takeIterator {
	return &takeIterator{it: it, n: n}
}

func (t *takeIterator) Scan() bool {
	if t.n <= 0 {
		return false
	}
	if !t.it.Scan() {
		return false
	}
	t.n--
	return true
}

func (t *takeIterator) Value() interface{} { return t.it.Value() }
func (t *takeIterator) Err() error         { return t.it.Err() }
func (t *takeIterator) Close()             { t.it.Close() }
