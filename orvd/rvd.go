// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package orvd

import (
	"github.com/dgryski/go-farm"
	"github.com/pkg/errors"
	"v.io/x/lib/vlog"

	"github.com/grailbio/rvd/interval"
	"github.com/grailbio/rvd/pstream"
	"github.com/grailbio/rvd/region"
	"github.com/grailbio/rvd/rtype"
)

// RVD is an ordered, range-partitioned dataset of region values.
//
// Invariants: within each partition rows are non-decreasing by the full
// key; every row's partition key lies inside the partitioner's bound for
// that partition.
type RVD struct {
	Typ  *RVDType
	Part *Partitioner
	rdd  *pstream.Dataset
}

// New assembles an RVD from its parts.
//
// Requires: the partitioner has one bound per dataset partition.
func New(typ *RVDType, part *Partitioner, rdd *pstream.Dataset) *RVD {
	doassert(part.NumPartitions() == rdd.NumPartitions())
	return &RVD{Typ: typ, Part: part, rdd: rdd}
}

// NumPartitions returns the partition count.
func (d *RVD) NumPartitions() int { return d.rdd.NumPartitions() }

// Dataset exposes the underlying partitioned stream.
func (d *RVD) Dataset() *pstream.Dataset { return d.rdd }

// MapPartitionsPreserving transforms each partition stream, trusting the
// caller that f preserves the sort order and partition-key assignment.
// newType must have the same partition key type.
func (d *RVD) MapPartitionsPreserving(newType *RVDType, f func(pstream.Iterator) pstream.Iterator) *RVD {
	return d.MapPartitionsWithIndexPreserving(newType, func(_ int, it pstream.Iterator) pstream.Iterator {
		return f(it)
	})
}

// MapPartitionsWithIndexPreserving is MapPartitionsPreserving with the
// partition index.
func (d *RVD) MapPartitionsWithIndexPreserving(newType *RVDType, f func(int, pstream.Iterator) pstream.Iterator) *RVD {
	return New(newType, d.Part, d.rdd.MapPartitionsWithIndex(f))
}

// VerifyOrdering re-checks, per partition, that rows are non-decreasing by
// key and that every row's PK lies in its partition's bound. Used by tests
// and debug assertions after order-trusting transforms.
func (d *RVD) VerifyOrdering() error {
	part := d.Part
	typ := d.Typ
	kOrd := rtype.UnsafeOrdering(typ.KType, true)
	return d.rdd.RunPartitions(func(i int, it pstream.Iterator) error {
		defer it.Close()
		bound := part.Bounds[i]
		prevKey := region.NewWritable()
		curKey := region.NewWritable()
		first := true
		for it.Scan() {
			rv := rowOf(it.Value())
			typ.ProjectKey(rv, curKey)
			if !first && kOrd(prevKey.R, prevKey.Off, curKey.R, curKey.Off) > 0 {
				return errors.Errorf("orvd: partition %d: keys are not monotone", i)
			}
			if !bound.Contains(part.ord, typ.PKFromRow(rv)) {
				return errors.Errorf("orvd: partition %d: row key %v outside bound %v",
					i, typ.PKFromRow(rv), bound)
			}
			prevKey, curKey = curKey, prevKey
			first = false
		}
		return it.Err()
	})
}

// Filter keeps rows satisfying p; order and partitioning are preserved.
func (d *RVD) Filter(p func(region.RegionValue) bool) *RVD {
	return New(d.Typ, d.Part, d.rdd.MapPartitions(func(it pstream.Iterator) pstream.Iterator {
		return newFilterIterator(it, p)
	}))
}

// Sample keeps each row with probability p, deterministically per (seed,
// key): a row is kept when the seeded hash of its encoded key falls below
// the threshold. Order and partitioning are preserved.
func (d *RVD) Sample(p float64, seed uint64) *RVD {
	if p >= 1 {
		return d
	}
	threshold := uint64(p * (1 << 63) * 2)
	typ := d.Typ
	return d.Filter(func(rv region.RegionValue) bool {
		var buf []byte
		for _, i := range typ.kIdx {
			if typ.Row.IsFieldDefined(rv.R, rv.Off, i) {
				buf = rtype.Encode(typ.Row.Fields[i].Typ, rv.R, typ.Row.LoadField(rv.R, rv.Off, i), buf)
			} else {
				buf = append(buf, 0xff)
			}
		}
		return farm.Hash64WithSeed(buf, seed) < threshold
	})
}

// ZipPartitionsPreserving pairs equal-indexed partitions of two identically
// partitioned datasets.
func (d *RVD) ZipPartitionsPreserving(other *RVD, newType *RVDType,
	f func(a, b pstream.Iterator) pstream.Iterator) *RVD {
	doassert(d.NumPartitions() == other.NumPartitions())
	return New(newType, d.Part, pstream.ZipPartitions(d.rdd, other.rdd, f))
}

// CountPerPartition evaluates the dataset and returns per-partition row
// counts.
func (d *RVD) CountPerPartition() ([]int64, error) {
	counts := make([]int64, d.NumPartitions())
	err := d.rdd.RunPartitions(func(i int, it pstream.Iterator) error {
		defer it.Close()
		for it.Scan() {
			counts[i]++
		}
		return it.Err()
	})
	return counts, err
}

// Count returns the total row count.
func (d *RVD) Count() (int64, error) {
	counts, err := d.CountPerPartition()
	if err != nil {
		return 0, err
	}
	var n int64
	for _, c := range counts {
		n += c
	}
	return n, nil
}

// Collect materializes every row as an annotation, in global key order.
func (d *RVD) Collect() ([]rtype.Annotation, error) {
	parts, err := d.rdd.MapPartitions(func(it pstream.Iterator) pstream.Iterator {
		typ := d.Typ
		return pstream.NewFuncIterator(func() (interface{}, bool, error) {
			if !it.Scan() {
				return nil, false, it.Err()
			}
			rv := rowOf(it.Value())
			return rtype.ReadAnnotation(typ.Row, rv.R, rv.Off), true, nil
		}, it.Close)
	}).Collect()
	if err != nil {
		return nil, err
	}
	out := make([]rtype.Annotation, len(parts))
	copy(out, parts)
	return out, nil
}

// Head keeps the first n rows in key order, dropping tail partitions and
// truncating the partitioner's bounds to the kept prefix.
func (d *RVD) Head(n int64) (*RVD, error) {
	counts, err := d.CountPerPartition()
	if err != nil {
		return nil, err
	}
	var acc int64
	keep := 0
	takeLast := int64(0)
	for i, c := range counts {
		if acc+c >= n {
			keep = i + 1
			takeLast = n - acc
			break
		}
		acc += c
		keep = i + 1
		takeLast = c
	}
	if keep == 0 {
		keep, takeLast = 1, 0
	}
	idx := make([]int, keep)
	for i := range idx {
		idx[i] = i
	}
	rdd := d.rdd.Subset(idx).MapPartitionsWithIndex(func(i int, it pstream.Iterator) pstream.Iterator {
		if i == keep-1 {
			return newTakeIterator(it, takeLast)
		}
		return it
	})
	part := &Partitioner{
		PKType: d.Part.PKType,
		Bounds: append([]interval.Interval(nil), d.Part.Bounds[:keep]...),
		ord:    d.Part.ord,
	}
	return New(d.Typ, part, rdd), nil
}

// SubsetPartitions keeps the given ascending partition indices.
func (d *RVD) SubsetPartitions(keep []int) *RVD {
	return New(d.Typ, d.Part.Subset(keep), d.rdd.Subset(keep))
}

// ConstrainToPartitioner redistributes the dataset to newPart (whose point
// type must be compatible with the current PK) without a shuffle: each new
// partition concatenates the slices of old partitions whose bounds overlap
// its bound, filtered to the bound.
func (d *RVD) ConstrainToPartitioner(newPart *Partitioner) *RVD {
	old := d
	parts := make([]func() pstream.Iterator, newPart.NumPartitions())
	for i := range parts {
		bound := newPart.Bounds[i]
		overlap := old.Part.GetPartitionRange(bound)
		parts[i] = func() pstream.Iterator {
			srcs := make([]func() pstream.Iterator, len(overlap))
			for j, p := range overlap {
				p := p
				srcs[j] = func() pstream.Iterator { return old.rdd.Part(p) }
			}
			return newFilterIterator(pstream.Concat(srcs), func(rv region.RegionValue) bool {
				return bound.Contains(newPart.ord, old.Typ.PKFromRow(rv))
			})
		}
	}
	return New(d.Typ, newPart, pstream.New(parts))
}

// FilterIntervals narrows the dataset to rows whose partition key lies in
// one of the query intervals, reading only partitions whose bounds the
// interval tree reports as overlapping.
func (d *RVD) FilterIntervals(queries []interval.Interval) *RVD {
	qtree := interval.NewTree(d.Part.ord, queries)
	keepSet := make(map[int]bool)
	for _, q := range queries {
		for _, p := range d.Part.GetPartitionRange(q) {
			keepSet[p] = true
		}
	}
	keep := make([]int, 0, len(keepSet))
	for i := 0; i < d.NumPartitions(); i++ {
		if keepSet[i] {
			keep = append(keep, i)
		}
	}
	if len(keep) == 0 {
		vlog.VI(1).Infof("filterIntervals: no partition overlaps %d query intervals", len(queries))
		// Retain a single empty partition so the dataset stays well formed.
		keep = []int{0}
		sub := d.SubsetPartitions(keep)
		return sub.Filter(func(region.RegionValue) bool { return false })
	}
	vlog.VI(1).Infof("filterIntervals: loading %d of %d partitions", len(keep), d.NumPartitions())
	typ := d.Typ
	return d.SubsetPartitions(keep).Filter(func(rv region.RegionValue) bool {
		return len(qtree.QueryPoint(typ.PKFromRow(rv), nil)) > 0
	})
}
