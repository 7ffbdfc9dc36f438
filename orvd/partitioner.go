// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package orvd

import (
	"fmt"
	"sync"

	"github.com/pkg/errors"
	"v.io/x/lib/vlog"

	"github.com/grailbio/rvd/interval"
	"github.com/grailbio/rvd/rtype"
)

// Partitioner maps partition keys to partition indices through an ordered
// sequence of pairwise non-overlapping, weakly adjacent bounds. Bound i's
// end equals bound i+1's start with exactly one endpoint inclusive, and no
// bound is definitely empty.
type Partitioner struct {
	PKType *rtype.TStruct
	Bounds []interval.Interval

	ord interval.PointOrder

	// The interval tree is built lazily on first lookup; partitioners are
	// broadcast-shared across partition workers.
	treeOnce sync.Once
	tree     *interval.Tree
}

// NewPartitioner validates the bounds and returns a partitioner over them.
func NewPartitioner(typ *RVDType, bounds []interval.Interval) (*Partitioner, error) {
	p := &Partitioner{PKType: typ.PKType, Bounds: bounds, ord: typ.PKOrder()}
	if err := p.check(); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *Partitioner) check() error {
	for i, b := range p.Bounds {
		if p.ord(b.Start, b.End) > 0 {
			return errors.Errorf("orvd: bound %d start %v after end %v", i, b.Start, b.End)
		}
		if b.DefinitelyEmpty(p.ord) {
			return errors.Errorf("orvd: bound %d is empty: %v", i, b)
		}
		if i == 0 {
			continue
		}
		prev := p.Bounds[i-1]
		if c := p.ord(prev.End, b.Start); c != 0 {
			return errors.Errorf("orvd: bounds %d and %d are not adjacent: %v, %v", i-1, i, prev, b)
		}
		if prev.IncludesEnd == b.IncludesStart {
			return errors.Errorf("orvd: bounds %d and %d must include the shared endpoint exactly once: %v, %v",
				i-1, i, prev, b)
		}
	}
	return nil
}

func doassert(b bool) {
	if !b {
		panic("assertion failed")
	}
}

// NumPartitions returns the number of bounds.
func (p *Partitioner) NumPartitions() int { return len(p.Bounds) }

// Range returns the interval spanning every bound.
func (p *Partitioner) Range() interval.Interval {
	doassert(len(p.Bounds) > 0)
	first, last := p.Bounds[0], p.Bounds[len(p.Bounds)-1]
	return interval.Interval{
		Start:         first.Start,
		End:           last.End,
		IncludesStart: first.IncludesStart,
		IncludesEnd:   last.IncludesEnd,
	}
}

// Tree returns the partition interval tree, building it on first use.
func (p *Partitioner) Tree() *interval.Tree {
	p.treeOnce.Do(func() {
		p.tree = interval.NewTree(p.ord, p.Bounds)
	})
	return p.tree
}

// GetPartition maps a key point (a PK row, or a longer key row which is
// projected to the PK prefix) to its partition. Keys below the overall
// range clamp to 0; keys above clamp to the last partition.
func (p *Partitioner) GetPartition(key rtype.Row) int {
	doassert(len(p.Bounds) > 0)
	r := p.Range()
	if !r.Contains(p.ord, key) {
		if r.IsAbovePosition(p.ord, key) {
			return 0
		}
		return len(p.Bounds) - 1
	}
	i := p.Tree().ContainingIndex(key)
	if i < 0 {
		// The bounds tile the range, so an in-range key always lands in
		// exactly one bound.
		vlog.Fatalf("partitioner: in-range key %v has no containing bound", key)
	}
	return i
}

// GetPartitionRange returns the indices of partitions whose bounds may
// overlap the query interval, in ascending order.
func (p *Partitioner) GetPartitionRange(query interval.Interval) []int {
	return p.Tree().QueryOverlapping(query, nil)
}

// GetPartitionsForPoint returns the partitions containing the point;
// at most one for a valid partitioner.
func (p *Partitioner) GetPartitionsForPoint(key rtype.Row) []int {
	return p.Tree().QueryPoint(key, nil)
}

// EnlargeToRange extends the first bound's start and the last bound's end
// (inclusively) to cover newRange. Enlarging with a point type different
// from the partitioner's is unsupported.
func (p *Partitioner) EnlargeToRange(pointType *rtype.TStruct, newRange interval.Interval) (*Partitioner, error) {
	if pointType.String() != p.PKType.String() {
		return nil, errors.Errorf(
			"orvd: cannot enlarge a partitioner over %v to a range over %v", p.PKType, pointType)
	}
	bounds := append([]interval.Interval(nil), p.Bounds...)
	first := &bounds[0]
	if p.ord(newRange.Start, first.Start) < 0 {
		first.Start = newRange.Start
		first.IncludesStart = true
	}
	last := &bounds[len(bounds)-1]
	if p.ord(newRange.End, last.End) > 0 {
		last.End = newRange.End
		last.IncludesEnd = true
	}
	return &Partitioner{PKType: p.PKType, Bounds: bounds, ord: p.ord}, nil
}

// CoalesceRangeBounds merges contiguous partitions into the groups whose
// final indices are newPartEnd; group i spans the bounds
// (newPartEnd[i-1], newPartEnd[i]].
func (p *Partitioner) CoalesceRangeBounds(newPartEnd []int) *Partitioner {
	doassert(len(newPartEnd) > 0)
	doassert(newPartEnd[len(newPartEnd)-1] == len(p.Bounds)-1)
	bounds := make([]interval.Interval, len(newPartEnd))
	prev := -1
	for i, end := range newPartEnd {
		doassert(end > prev)
		lo, hi := p.Bounds[prev+1], p.Bounds[end]
		bounds[i] = interval.Interval{
			Start:         lo.Start,
			End:           hi.End,
			IncludesStart: lo.IncludesStart,
			IncludesEnd:   hi.IncludesEnd,
		}
		prev = end
	}
	return &Partitioner{PKType: p.PKType, Bounds: bounds, ord: p.ord}
}

// Subset keeps the given (ascending) partition indices, stretching each
// kept bound's start back to its predecessor's end so the result remains
// weakly adjacent.
func (p *Partitioner) Subset(keep []int) *Partitioner {
	bounds := make([]interval.Interval, len(keep))
	for i, k := range keep {
		b := p.Bounds[k]
		if i > 0 {
			prev := bounds[i-1]
			b.Start = prev.End
			b.IncludesStart = !prev.IncludesEnd
		}
		bounds[i] = b
	}
	return &Partitioner{PKType: p.PKType, Bounds: bounds, ord: p.ord}
}

// Copy returns a deep copy (sharing immutable points).
func (p *Partitioner) Copy() *Partitioner {
	return &Partitioner{
		PKType: p.PKType,
		Bounds: append([]interval.Interval(nil), p.Bounds...),
		ord:    p.ord,
	}
}

func (p *Partitioner) String() string {
	return fmt.Sprintf("partitioner(%d bounds over %v)", len(p.Bounds), p.PKType)
}
