// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package pstream provides the partitioned-stream capability consumed by
// the ordered dataset layer: lazily-computed partitions of row values,
// evaluated in parallel, with broadcast and shuffle-by-partition support.
//
// This is the single seam where a concrete execution runtime binds. The
// implementation here runs partitions on local goroutines via
// base/traverse; a distributed runtime would supply the same surface.
//
// Partition iterators are cooperative pull-based streams: the consumer
// drives one row at a time and must Close the iterator when abandoning it
// early.
package pstream

import (
	"sync"

	"github.com/grailbio/base/traverse"
)

// Iterator is a pull-based stream of rows.
type Iterator interface {
	// Scan advances to the next row, reporting false at end of stream or
	// on error.
	Scan() bool
	// Value returns the current row. Valid only after a true Scan.
	Value() interface{}
	// Err returns the error that terminated the stream, if any.
	Err() error
	// Close releases resources; the iterator must not be used afterwards.
	Close()
}

// Dataset is an ordered sequence of lazily-computed partitions.
type Dataset struct {
	parts []func() Iterator
}

// New returns a dataset over the given partition thunks.
func New(parts []func() Iterator) *Dataset { return &Dataset{parts: parts} }

// Empty returns a dataset with n empty partitions.
func Empty(n int) *Dataset {
	parts := make([]func() Iterator, n)
	for i := range parts {
		parts[i] = func() Iterator { return NewSliceIterator(nil) }
	}
	return New(parts)
}

// Parallelize splits rows into n roughly equal partitions.
func Parallelize(rows []interface{}, n int) *Dataset {
	if n < 1 {
		n = 1
	}
	parts := make([]func() Iterator, n)
	for i := range parts {
		lo := i * len(rows) / n
		hi := (i + 1) * len(rows) / n
		chunk := rows[lo:hi]
		parts[i] = func() Iterator { return NewSliceIterator(chunk) }
	}
	return New(parts)
}

// NumPartitions returns the partition count.
func (d *Dataset) NumPartitions() int { return len(d.parts) }

// Part computes partition i.
func (d *Dataset) Part(i int) Iterator { return d.parts[i]() }

// MapPartitions derives a dataset by transforming each partition stream.
func (d *Dataset) MapPartitions(f func(Iterator) Iterator) *Dataset {
	return d.MapPartitionsWithIndex(func(_ int, it Iterator) Iterator { return f(it) })
}

// MapPartitionsWithIndex is MapPartitions with the partition index.
func (d *Dataset) MapPartitionsWithIndex(f func(int, Iterator) Iterator) *Dataset {
	parts := make([]func() Iterator, len(d.parts))
	for i := range d.parts {
		i, src := i, d.parts[i]
		parts[i] = func() Iterator { return f(i, src()) }
	}
	return New(parts)
}

// ZipPartitions pairs equal-indexed partitions of two datasets.
//
// Requires: a and b have the same partition count.
func ZipPartitions(a, b *Dataset, f func(Iterator, Iterator) Iterator) *Dataset {
	if len(a.parts) != len(b.parts) {
		panic("pstream: zip of datasets with different partition counts")
	}
	parts := make([]func() Iterator, len(a.parts))
	for i := range a.parts {
		pa, pb := a.parts[i], b.parts[i]
		parts[i] = func() Iterator { return f(pa(), pb()) }
	}
	return New(parts)
}

// Subset keeps the named partitions, in the given order.
func (d *Dataset) Subset(keep []int) *Dataset {
	parts := make([]func() Iterator, len(keep))
	for i, k := range keep {
		parts[i] = d.parts[k]
	}
	return New(parts)
}

// CoalesceGroups concatenates runs of consecutive partitions; group i
// spans partitions (ends[i-1], ends[i]], with ends[len-1] = count-1.
func (d *Dataset) CoalesceGroups(ends []int) *Dataset {
	parts := make([]func() Iterator, len(ends))
	prev := -1
	for i, end := range ends {
		lo, hi := prev+1, end
		srcs := d.parts[lo : hi+1]
		parts[i] = func() Iterator { return newConcatIterator(srcs) }
		prev = end
	}
	return New(parts)
}

// Concat returns an iterator that drains the partition thunks in order.
func Concat(srcs []func() Iterator) Iterator { return newConcatIterator(srcs) }

// CollectParts evaluates every partition concurrently and returns the
// materialized rows per partition, in partition order.
func (d *Dataset) CollectParts() ([][]interface{}, error) {
	out := make([][]interface{}, len(d.parts))
	err := traverse.Each(len(d.parts), func(i int) error {
		it := d.parts[i]()
		defer it.Close()
		for it.Scan() {
			out[i] = append(out[i], it.Value())
		}
		return it.Err()
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Collect evaluates the dataset and concatenates partitions in order.
func (d *Dataset) Collect() ([]interface{}, error) {
	parts, err := d.CollectParts()
	if err != nil {
		return nil, err
	}
	var out []interface{}
	for _, p := range parts {
		out = append(out, p...)
	}
	return out, nil
}

// RunPartitions consumes every partition concurrently, invoking f with
// each partition's index and iterator. f owns the iterator.
func (d *Dataset) RunPartitions(f func(i int, it Iterator) error) error {
	return traverse.Each(len(d.parts), func(i int) error {
		return f(i, d.parts[i]())
	})
}

// ShuffleByKey redistributes rows into numParts partitions per the part
// function. Rows must be self-contained (already serialized or deep-
// copied); the shuffle is a barrier that materializes its input.
func (d *Dataset) ShuffleByKey(numParts int, part func(row interface{}) int) (*Dataset, error) {
	buckets := make([][]interface{}, numParts)
	var mu sync.Mutex
	err := traverse.Each(len(d.parts), func(i int) error {
		it := d.parts[i]()
		defer it.Close()
		local := make([][]interface{}, numParts)
		for it.Scan() {
			p := part(it.Value())
			local[p] = append(local[p], it.Value())
		}
		if err := it.Err(); err != nil {
			return err
		}
		mu.Lock()
		for p := range local {
			buckets[p] = append(buckets[p], local[p]...)
		}
		mu.Unlock()
		return nil
	})
	if err != nil {
		return nil, err
	}
	parts := make([]func() Iterator, numParts)
	for i := range parts {
		rows := buckets[i]
		parts[i] = func() Iterator { return NewSliceIterator(rows) }
	}
	return New(parts), nil
}

// Broadcast is an immutable value shared by reference across partition
// workers, initialized lazily on first use.
type Broadcast struct {
	once sync.Once
	f    func() interface{}
	v    interface{}
}

// NewBroadcast returns a broadcast computing its value from f on first
// Value call.
func NewBroadcast(f func() interface{}) *Broadcast { return &Broadcast{f: f} }

// Value returns the broadcast value, computing it once.
func (b *Broadcast) Value() interface{} {
	b.once.Do(func() { b.v = b.f() })
	return b.v
}
