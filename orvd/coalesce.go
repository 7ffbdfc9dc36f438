// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package orvd

import (
	"sort"

	"github.com/pkg/errors"
	"v.io/x/lib/vlog"
)

// BlockCoalesce merges contiguous runs of partitions; partEnds lists the
// final old partition index of each new partition, ending at the last
// partition. Range bounds are recomputed deterministically by spanning
// each merged run.
func (d *RVD) BlockCoalesce(partEnds []int) *RVD {
	return New(d.Typ, d.Part.CoalesceRangeBounds(partEnds), d.rdd.CoalesceGroups(partEnds))
}

// NaiveCoalesce groups partitions into at most maxPartitions contiguous
// blocks of near-equal partition count, ignoring row counts.
func (d *RVD) NaiveCoalesce(maxPartitions int) *RVD {
	n := d.NumPartitions()
	if maxPartitions >= n {
		return d
	}
	ends := make([]int, maxPartitions)
	for i := range ends {
		ends[i] = (i+1)*n/maxPartitions - 1
	}
	return d.BlockCoalesce(ends)
}

// Coalesce reduces the partition count to at most maxPartitions. Without
// shuffling, partitions are merged contiguously with block ends chosen to
// approximately equalize row counts (binary search over cumulative sums,
// advancing on ties to keep the ends monotone); with maxPartitions at or
// above the current count this is a no-op. With shuffle=true the dataset
// is re-ranged from key samples and redistributed.
func (d *RVD) Coalesce(maxPartitions int, shuffle bool) (*RVD, error) {
	if maxPartitions < 1 {
		return nil, errors.Errorf("orvd: cannot coalesce to %d partitions", maxPartitions)
	}
	if shuffle {
		return d.shuffleToPartitions(maxPartitions)
	}
	n := d.NumPartitions()
	if maxPartitions >= n {
		return d, nil
	}
	counts, err := d.CountPerPartition()
	if err != nil {
		return nil, err
	}
	cum := make([]int64, n)
	var total int64
	for i, c := range counts {
		total += c
		cum[i] = total
	}
	ends := make([]int, 0, maxPartitions)
	prev := -1
	for i := 1; i <= maxPartitions; i++ {
		if i == maxPartitions {
			ends = append(ends, n-1)
			break
		}
		target := total * int64(i) / int64(maxPartitions)
		e := sort.Search(n, func(j int) bool { return cum[j] >= target })
		if e >= n {
			e = n - 1
		}
		if e <= prev {
			e = prev + 1 // advance on ties so ends stay monotone
		}
		if e >= n-1 {
			ends = append(ends, n-1)
			break
		}
		ends = append(ends, e)
		prev = e
	}
	vlog.VI(1).Infof("coalesce: %d partitions -> %d (ends %v)", n, len(ends), ends)
	return d.BlockCoalesce(ends), nil
}
