// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package pstream

// SliceIterator iterates over a materialized row slice.
type SliceIterator struct {
	rows []interface{}
	pos  int
	cur  interface{}
}

// NewSliceIterator returns an iterator over rows.
func NewSliceIterator(rows []interface{}) *SliceIterator {
	return &SliceIterator{rows: rows}
}

// Scan implements Iterator.
func (it *SliceIterator) Scan() bool {
	if it.pos >= len(it.rows) {
		return false
	}
	it.cur = it.rows[it.pos]
	it.pos++
	return true
}

// Value implements Iterator.
func (it *SliceIterator) Value() interface{} { return it.cur }

// Err implements Iterator.
func (it *SliceIterator) Err() error { return nil }

// Close implements Iterator.
func (it *SliceIterator) Close() {}

// FuncIterator adapts a next function to the Iterator interface.
type FuncIterator struct {
	next  func() (interface{}, bool, error)
	close func()
	cur   interface{}
	err   error
}

// NewFuncIterator returns an iterator driven by next; close may be nil.
func NewFuncIterator(next func() (interface{}, bool, error), close func()) *FuncIterator {
	return &FuncIterator{next: next, close: close}
}

// Scan implements Iterator.
func (it *FuncIterator) Scan() bool {
	if it.err != nil {
		return false
	}
	v, ok, err := it.next()
	if err != nil {
		it.err = err
		return false
	}
	if !ok {
		return false
	}
	it.cur = v
	return true
}

// Value implements Iterator.
func (it *FuncIterator) Value() interface{} { return it.cur }

// Err implements Iterator.
func (it *FuncIterator) Err() error { return it.err }

// Close implements Iterator.
func (it *FuncIterator) Close() {
	if it.close != nil {
		it.close()
	}
}

// concatIterator concatenates a run of partition thunks.
type concatIterator struct {
	srcs []func() Iterator
	cur  Iterator
	idx  int
	err  error
}

func newConcatIterator(srcs []func() Iterator) *concatIterator {
	return &concatIterator{srcs: srcs}
}

func (it *concatIterator) Scan() bool {
	for {
		if it.cur == nil {
			if it.err != nil || it.idx >= len(it.srcs) {
				return false
			}
			it.cur = it.srcs[it.idx]()
			it.idx++
		}
		if it.cur.Scan() {
			return true
		}
		it.err = it.cur.Err()
		it.cur.Close()
		it.cur = nil
		if it.err != nil {
			return false
		}
	}
}

func (it *concatIterator) Value() interface{} { return it.cur.Value() }

func (it *concatIterator) Err() error { return it.err }

func (it *concatIterator) Close() {
	if it.cur != nil {
		it.cur.Close()
		it.cur = nil
	}
}
