// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package orvd

import (
	"github.com/pkg/errors"

	"github.com/grailbio/rvd/pstream"
	"github.com/grailbio/rvd/region"
	"github.com/grailbio/rvd/rtype"
)

// JoinType selects the null behavior of the non-matching side.
type JoinType int

// Join types.
const (
	JoinInner JoinType = iota
	JoinLeft
	JoinRight
	JoinOuter
)

// GroupByKey groups each partition's equal-by-key runs into one row of
// (key fields, valuesField: array of the non-key remainder). Partitioning
// is preserved: the partitioner is keyed by PK, a prefix of K, so no group
// spans partitions.
func (d *RVD) GroupByKey(valuesField string) (*RVD, error) {
	keySet := make(map[string]bool)
	for _, k := range d.Typ.Key {
		keySet[k] = true
	}
	var valueFields []rtype.Field
	var valueIdx []int
	for i, f := range d.Typ.Row.Fields {
		if !keySet[f.Name] {
			valueFields = append(valueFields, f)
			valueIdx = append(valueIdx, i)
		}
	}
	valueStruct := rtype.NewStruct(true, valueFields...)
	var newFields []rtype.Field
	for _, i := range d.Typ.kIdx {
		newFields = append(newFields, d.Typ.Row.Fields[i])
	}
	newFields = append(newFields, rtype.Field{
		Name: valuesField,
		Typ:  &rtype.TArray{Req: true, Elt: valueStruct},
	})
	newRow := rtype.NewStruct(true, newFields...)
	newType, err := NewRVDType(newRow, d.Typ.Key, d.Typ.PartitionKey)
	if err != nil {
		return nil, err
	}
	typ := d.Typ
	return d.MapPartitionsPreserving(newType, func(it pstream.Iterator) pstream.Iterator {
		stair := newStaircaseIterator(typ, it, typ.KeyCompare)
		out := region.New(256)
		return pstream.NewFuncIterator(func() (interface{}, bool, error) {
			if !stair.hasNext() {
				return nil, false, stair.err()
			}
			run := stair.nextRun()
			out.Clear()
			b := rtype.NewBuilder(out)
			b.Start(newRow)
			b.StartStruct()
			first := run[0]
			for _, i := range typ.kIdx {
				copyField(b, typ.Row, first, i)
			}
			b.StartArray(len(run))
			for _, rv := range run {
				b.StartStruct()
				for _, i := range valueIdx {
					copyField(b, typ.Row, rv, i)
				}
				b.EndStruct()
			}
			b.EndArray()
			b.EndStruct()
			return region.RegionValue{R: out, Off: b.End()}, true, nil
		}, stair.close)
	}), nil
}

// copyField copies field i of src's row (with its missingness) into the
// builder's current slot.
func copyField(b *rtype.Builder, row *rtype.TStruct, src region.RegionValue, i int) {
	if row.IsFieldMissing(src.R, src.Off, i) {
		b.SetMissing()
		return
	}
	b.AddRegionValue(row.Fields[i].Typ,
		region.RegionValue{R: src.R, Off: row.LoadField(src.R, src.Off, i)})
}

// DistinctByKey keeps the first row of each equal-by-key run within each
// partition.
func (d *RVD) DistinctByKey() *RVD {
	typ := d.Typ
	return d.MapPartitionsPreserving(d.Typ, func(it pstream.Iterator) pstream.Iterator {
		stair := newStaircaseIterator(typ, it, typ.KeyCompare)
		return pstream.NewFuncIterator(func() (interface{}, bool, error) {
			if !stair.hasNext() {
				return nil, false, stair.err()
			}
			return stair.nextRun()[0], true, nil
		}, stair.close)
	})
}

// PartitionSortedUnion merges two datasets of identical type and
// partitioner with a per-partition two-pointer K-merge.
func (d *RVD) PartitionSortedUnion(other *RVD) (*RVD, error) {
	if d.Typ.Row.String() != other.Typ.Row.String() {
		return nil, errors.Errorf("orvd: union of mismatched types %v, %v", d.Typ.Row, other.Typ.Row)
	}
	if d.NumPartitions() != other.NumPartitions() {
		return nil, errors.Errorf("orvd: union of mismatched partitioners (%d vs %d partitions)",
			d.NumPartitions(), other.NumPartitions())
	}
	typ := d.Typ
	return d.ZipPartitionsPreserving(other, d.Typ, func(a, b pstream.Iterator) pstream.Iterator {
		return newMergeIterator(a, b, typ.KeyCompare)
	}), nil
}

// joinedType computes the result type of a join: every left row field,
// then the right row's non-key fields. Fields of the missing side are
// optional.
func joinedType(left, right *RVDType) (*RVDType, *rtype.TStruct, []int, error) {
	keySet := make(map[string]bool)
	for _, k := range right.Key {
		keySet[k] = true
	}
	fields := make([]rtype.Field, 0, len(left.Row.Fields))
	for _, f := range left.Row.Fields {
		fields = append(fields, rtype.Field{Name: f.Name, Typ: optionalType(f.Typ)})
	}
	var rightValueIdx []int
	for i, f := range right.Row.Fields {
		if keySet[f.Name] {
			continue
		}
		if left.Row.FieldIndex(f.Name) >= 0 {
			return nil, nil, nil, errors.Errorf("orvd: join field collision on %q", f.Name)
		}
		fields = append(fields, rtype.Field{Name: f.Name, Typ: optionalType(f.Typ)})
		rightValueIdx = append(rightValueIdx, i)
	}
	row := rtype.NewStruct(true, fields...)
	typ, err := NewRVDType(row, left.Key, left.PartitionKey)
	if err != nil {
		return nil, nil, nil, err
	}
	return typ, row, rightValueIdx, nil
}

func optionalType(t rtype.Type) rtype.Type {
	if !t.Required() {
		return t
	}
	switch tt := t.(type) {
	case *rtype.TBool:
		return &rtype.TBool{}
	case *rtype.TInt32:
		return &rtype.TInt32{}
	case *rtype.TInt64:
		return &rtype.TInt64{}
	case *rtype.TFloat32:
		return &rtype.TFloat32{}
	case *rtype.TFloat64:
		return &rtype.TFloat64{}
	case *rtype.TString:
		return &rtype.TString{}
	case *rtype.TBinary:
		return &rtype.TBinary{}
	case *rtype.TCall:
		return &rtype.TCall{}
	case *rtype.TLocus:
		return &rtype.TLocus{}
	case *rtype.TArray:
		return &rtype.TArray{Elt: tt.Elt}
	case *rtype.TSet:
		return &rtype.TSet{Elt: tt.Elt}
	case *rtype.TDict:
		return &rtype.TDict{Key: tt.Key, Value: tt.Value}
	case *rtype.TInterval:
		return &rtype.TInterval{Point: tt.Point}
	case *rtype.TStruct:
		return rtype.NewStruct(false, tt.Fields...)
	case *rtype.TTuple:
		return rtype.NewTuple(false, tt.Types...)
	}
	return t
}

// crossKeyCompare orders a left row against a right row over their key
// fields, which must agree in type.
func crossKeyCompare(l, r *RVDType) func(a, b region.RegionValue) int {
	n := len(l.kIdx)
	ords := l.kFieldOrds
	return func(a, b region.RegionValue) int {
		for i := 0; i < n; i++ {
			li, ri := l.kIdx[i], r.kIdx[i]
			am := l.Row.IsFieldMissing(a.R, a.Off, li)
			bm := r.Row.IsFieldMissing(b.R, b.Off, ri)
			if am || bm {
				if am && bm {
					continue
				}
				if am {
					return 1
				}
				return -1
			}
			c := ords[i](a.R, l.Row.LoadField(a.R, a.Off, li), b.R, r.Row.LoadField(b.R, b.Off, ri))
			if c != 0 {
				return c
			}
		}
		return 0
	}
}

// zipJoinRun is one key-aligned pair of equal-key runs; either side may be
// empty, never both.
type zipJoinRun struct {
	left  []region.RegionValue
	right []region.RegionValue
}

// zipJoinIterator aligns two key-sorted streams into key-matched run
// pairs. Runs are staged by the staircase iterators and remain valid until
// the owning side next advances.
type zipJoinIterator struct {
	l, r *staircaseIterator
	cmp  func(a, b region.RegionValue) int
	cur  zipJoinRun
}

func newZipJoinIterator(ltyp, rtyp *RVDType, l, r pstream.Iterator) *zipJoinIterator {
	return &zipJoinIterator{
		l:   newStaircaseIterator(ltyp, l, ltyp.KeyCompare),
		r:   newStaircaseIterator(rtyp, r, rtyp.KeyCompare),
		cmp: crossKeyCompare(ltyp, rtyp),
	}
}

// scan advances to the next run pair.
func (z *zipJoinIterator) scan() bool {
	lOK, rOK := z.l.hasNext(), z.r.hasNext()
	if !lOK && !rOK {
		return false
	}
	switch {
	case !rOK:
		z.cur = zipJoinRun{left: z.l.nextRun()}
	case !lOK:
		z.cur = zipJoinRun{right: z.r.nextRun()}
	default:
		c := z.cmp(z.l.p.peek(), z.r.p.peek())
		switch {
		case c < 0:
			z.cur = zipJoinRun{left: z.l.nextRun()}
		case c > 0:
			z.cur = zipJoinRun{right: z.r.nextRun()}
		default:
			z.cur = zipJoinRun{left: z.l.nextRun(), right: z.r.nextRun()}
		}
	}
	return true
}

func (z *zipJoinIterator) err() error {
	if err := z.l.err(); err != nil {
		return err
	}
	return z.r.err()
}

func (z *zipJoinIterator) close() {
	z.l.close()
	z.r.close()
}

// OrderedJoin keys both sides, aligns the right dataset to the left's
// partitioner, and merge-joins co-partitioned streams. distinct collapses
// duplicate right keys to the run's first row.
func (d *RVD) OrderedJoin(other *RVD, jt JoinType, distinct bool) (*RVD, error) {
	newType, newRow, rightValueIdx, err := joinedType(d.Typ, other.Typ)
	if err != nil {
		return nil, err
	}
	part := d.Part
	if (jt == JoinRight || jt == JoinOuter) && other.NumPartitions() > 0 {
		// The join must not drop right keys outside the left range.
		part, err = d.Part.EnlargeToRange(other.Part.PKType, other.Part.Range())
		if err != nil {
			return nil, err
		}
	}
	aligned := other.ConstrainToPartitioner(part)
	ltyp, rtyp := d.Typ, other.Typ
	left := New(d.Typ, part, d.rdd)
	out := left.ZipPartitionsPreserving(aligned, newType, func(a, b pstream.Iterator) pstream.Iterator {
		zj := newZipJoinIterator(ltyp, rtyp, a, b)
		outRegion := region.New(256)
		var pending []region.RegionValue
		emitRun := func(run zipJoinRun) []region.RegionValue {
			left, right := run.left, run.right
			if distinct && len(right) > 1 {
				right = right[:1]
			}
			outRegion.Clear()
			var rows []region.RegionValue
			build := func(l, r region.RegionValue) {
				b := rtype.NewBuilder(outRegion)
				b.Start(newRow)
				b.StartStruct()
				if l.IsDefined() {
					for i := range ltyp.Row.Fields {
						copyField(b, ltyp.Row, l, i)
					}
				} else {
					// Key fields come from the right side on a right/outer
					// non-match; remaining left fields are missing.
					for i := range ltyp.Row.Fields {
						ki := keyPosition(ltyp, i)
						if ki >= 0 {
							copyField(b, rtyp.Row, r, rtyp.kIdx[ki])
						} else {
							b.SetMissing()
						}
					}
				}
				if r.IsDefined() {
					for _, i := range rightValueIdx {
						copyField(b, rtyp.Row, r, i)
					}
				} else {
					for range rightValueIdx {
						b.SetMissing()
					}
				}
				b.EndStruct()
				rows = append(rows, region.RegionValue{R: outRegion, Off: b.End()})
			}
			switch {
			case len(left) == 0:
				if jt == JoinRight || jt == JoinOuter {
					for _, r := range right {
						build(region.RegionValue{}, r)
					}
				}
			case len(right) == 0:
				if jt == JoinLeft || jt == JoinOuter {
					for _, l := range left {
						build(l, region.RegionValue{})
					}
				}
			default:
				for _, l := range left {
					for _, r := range right {
						build(l, r)
					}
				}
			}
			return rows
		}
		return pstream.NewFuncIterator(func() (interface{}, bool, error) {
			for len(pending) == 0 {
				if !zj.scan() {
					return nil, false, zj.err()
				}
				pending = emitRun(zj.cur)
			}
			rv := pending[0]
			pending = pending[1:]
			return rv, true, nil
		}, zj.close)
	})
	return out, nil
}

// OrderedJoinDistinct is OrderedJoin with duplicate right keys collapsed.
func (d *RVD) OrderedJoinDistinct(other *RVD, jt JoinType) (*RVD, error) {
	return d.OrderedJoin(other, jt, true)
}

// OrderedZipJoin aligns the right dataset to the left's partitioner,
// enlarged to cover the right range, and streams key-matched run pairs to
// f per partition, in key order.
func (d *RVD) OrderedZipJoin(other *RVD, f func(part int, left, right []region.RegionValue) error) error {
	part := d.Part
	if d.NumPartitions() > 0 && other.NumPartitions() > 0 {
		// Right keys outside the left range must still reach f.
		var err error
		part, err = d.Part.EnlargeToRange(other.Part.PKType, other.Part.Range())
		if err != nil {
			return err
		}
	}
	aligned := other.ConstrainToPartitioner(part)
	ltyp, rtyp := d.Typ, other.Typ
	zipped := pstream.ZipPartitions(d.rdd, aligned.rdd, func(a, b pstream.Iterator) pstream.Iterator {
		zj := newZipJoinIterator(ltyp, rtyp, a, b)
		return pstream.NewFuncIterator(func() (interface{}, bool, error) {
			if !zj.scan() {
				return nil, false, zj.err()
			}
			return zj.cur, true, nil
		}, zj.close)
	})
	return zipped.RunPartitions(func(i int, it pstream.Iterator) error {
		defer it.Close()
		for it.Scan() {
			run := it.Value().(zipJoinRun)
			if err := f(i, run.left, run.right); err != nil {
				return err
			}
		}
		return it.Err()
	})
}

// keyPosition returns i's position in the type's key list, or -1 for a
// non-key field.
func keyPosition(t *RVDType, fieldIdx int) int {
	for k, idx := range t.kIdx {
		if idx == fieldIdx {
			return k
		}
	}
	return -1
}
