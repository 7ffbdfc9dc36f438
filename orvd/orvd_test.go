// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package orvd_test

import (
	"sort"
	"testing"

	"github.com/grailbio/rvd/interval"
	"github.com/grailbio/rvd/orvd"
	"github.com/grailbio/rvd/pstream"
	"github.com/grailbio/rvd/region"
	"github.com/grailbio/rvd/rtype"
	"github.com/grailbio/testutil/expect"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// intKeyType is a row of {pos: +int32, v: int32}, keyed and partitioned by
// pos.
func intKeyType(t *testing.T) *orvd.RVDType {
	t.Helper()
	row := rtype.NewStruct(true,
		rtype.Field{Name: "pos", Typ: &rtype.TInt32{Req: true}},
		rtype.Field{Name: "v", Typ: &rtype.TInt32{}},
	)
	typ, err := orvd.NewRVDType(row, []string{"pos"}, []string{"pos"})
	require.NoError(t, err)
	return typ
}

// locusKeyType is a row of {contig: +string, pos: +int32, v: int32} keyed
// by (contig, pos).
func locusKeyType(t *testing.T, pk []string) *orvd.RVDType {
	t.Helper()
	row := rtype.NewStruct(true,
		rtype.Field{Name: "contig", Typ: &rtype.TString{Req: true}},
		rtype.Field{Name: "pos", Typ: &rtype.TInt32{Req: true}},
		rtype.Field{Name: "v", Typ: &rtype.TInt32{}},
	)
	typ, err := orvd.NewRVDType(row, []string{"contig", "pos"}, pk)
	require.NoError(t, err)
	return typ
}

// mkDataset builds a partitioned stream whose partition i holds parts[i],
// materialized into a fresh region on each computation.
func mkDataset(rowType *rtype.TStruct, parts [][]rtype.Row) *pstream.Dataset {
	thunks := make([]func() pstream.Iterator, len(parts))
	for i := range parts {
		rows := parts[i]
		thunks[i] = func() pstream.Iterator {
			r := region.New(256)
			vals := make([]interface{}, len(rows))
			for j, row := range rows {
				b := rtype.NewBuilder(r)
				b.Start(rowType)
				b.AddAnnotation(rowType, row)
				vals[j] = region.RegionValue{R: r, Off: b.End()}
			}
			return pstream.NewSliceIterator(vals)
		}
	}
	return pstream.New(thunks)
}

func collectRows(t *testing.T, d *orvd.RVD) []rtype.Row {
	t.Helper()
	anns, err := d.Collect()
	require.NoError(t, err)
	out := make([]rtype.Row, len(anns))
	for i, a := range anns {
		out[i] = a.(rtype.Row)
	}
	return out
}

func intBound(lo, hi int32, incLo, incHi bool) interval.Interval {
	return interval.Interval{
		Start: rtype.Row{lo}, End: rtype.Row{hi},
		IncludesStart: incLo, IncludesEnd: incHi,
	}
}

func TestPartitionerInvariants(t *testing.T) {
	typ := intKeyType(t)
	ok := []interval.Interval{
		intBound(0, 10, true, true),
		intBound(10, 20, false, true),
	}
	p, err := orvd.NewPartitioner(typ, ok)
	require.NoError(t, err)
	expect.EQ(t, p.NumPartitions(), 2)

	// Overlapping endpoint inclusivity.
	_, err = orvd.NewPartitioner(typ, []interval.Interval{
		intBound(0, 10, true, true),
		intBound(10, 20, true, true),
	})
	assert.Error(t, err)
	// Non-adjacent bounds.
	_, err = orvd.NewPartitioner(typ, []interval.Interval{
		intBound(0, 10, true, true),
		intBound(11, 20, true, true),
	})
	assert.Error(t, err)
	// Definitely-empty bound.
	_, err = orvd.NewPartitioner(typ, []interval.Interval{
		intBound(0, 0, true, false),
	})
	assert.Error(t, err)
}

func TestPartitionerLookup(t *testing.T) {
	typ := intKeyType(t)
	p, err := orvd.NewPartitioner(typ, []interval.Interval{
		intBound(0, 10, true, true),
		intBound(10, 20, false, true),
		intBound(20, 30, false, true),
	})
	require.NoError(t, err)
	expect.EQ(t, p.GetPartition(rtype.Row{int32(5)}), 0)
	expect.EQ(t, p.GetPartition(rtype.Row{int32(10)}), 0)
	expect.EQ(t, p.GetPartition(rtype.Row{int32(11)}), 1)
	expect.EQ(t, p.GetPartition(rtype.Row{int32(30)}), 2)
	// Out-of-range keys clamp.
	expect.EQ(t, p.GetPartition(rtype.Row{int32(-5)}), 0)
	expect.EQ(t, p.GetPartition(rtype.Row{int32(99)}), 2)

	got := p.GetPartitionRange(intBound(5, 15, true, true))
	assert.Equal(t, []int{0, 1}, got)
}

func TestPartitionerEnlargeAndCoalesce(t *testing.T) {
	typ := intKeyType(t)
	p, err := orvd.NewPartitioner(typ, []interval.Interval{
		intBound(0, 10, true, true),
		intBound(10, 20, false, true),
		intBound(20, 30, false, true),
	})
	require.NoError(t, err)

	e, err := p.EnlargeToRange(typ.PKType, intBound(-100, 100, true, true))
	require.NoError(t, err)
	expect.EQ(t, e.GetPartition(rtype.Row{int32(-50)}), 0)
	r := e.Range()
	assert.Equal(t, rtype.Row{int32(-100)}, r.Start)
	assert.Equal(t, rtype.Row{int32(100)}, r.End)

	// A different point type is unsupported.
	other := locusKeyType(t, []string{"contig"})
	_, err = p.EnlargeToRange(other.PKType, intBound(0, 1, true, true))
	assert.Error(t, err)

	c := p.CoalesceRangeBounds([]int{1, 2})
	expect.EQ(t, c.NumPartitions(), 2)
	assert.Equal(t, rtype.Row{int32(0)}, c.Bounds[0].Start)
	assert.Equal(t, rtype.Row{int32(20)}, c.Bounds[0].End)
	expect.True(t, c.Bounds[0].IncludesEnd)
	expect.False(t, c.Bounds[1].IncludesStart)
}

// Ordering preservation: a key-preserving map keeps per-partition
// monotonicity.
func TestMapPartitionsPreserving(t *testing.T) {
	typ := intKeyType(t)
	d := coerced(t, typ, sortedParts(4, 40))
	mapped := d.MapPartitionsPreserving(typ, func(it pstream.Iterator) pstream.Iterator {
		return it
	})
	require.NoError(t, mapped.VerifyOrdering())
}

func TestFilterAndCount(t *testing.T) {
	typ := intKeyType(t)
	d := coerced(t, typ, sortedParts(4, 40))
	n, err := d.Count()
	require.NoError(t, err)
	expect.EQ(t, n, int64(40))
	f := d.Filter(func(rv region.RegionValue) bool {
		return typ.PKFromRow(rv)[0].(int32)%2 == 0
	})
	fn, err := f.Count()
	require.NoError(t, err)
	expect.EQ(t, fn, int64(20))
	require.NoError(t, f.VerifyOrdering())
}

func TestHead(t *testing.T) {
	typ := intKeyType(t)
	d := coerced(t, typ, sortedParts(4, 40))
	h, err := d.Head(25)
	require.NoError(t, err)
	rows := collectRows(t, h)
	expect.EQ(t, len(rows), 25)
	for i, row := range rows {
		expect.EQ(t, row[0], int32(i))
	}
	require.NoError(t, h.VerifyOrdering())
}

func TestCoalesce(t *testing.T) {
	typ := intKeyType(t)
	d := coerced(t, typ, sortedParts(8, 80))
	// No-op when the target is at or above the partition count.
	same, err := d.Coalesce(100, false)
	require.NoError(t, err)
	expect.EQ(t, same.NumPartitions(), d.NumPartitions())

	c, err := d.Coalesce(3, false)
	require.NoError(t, err)
	expect.True(t, c.NumPartitions() <= 3)
	n, err := c.Count()
	require.NoError(t, err)
	expect.EQ(t, n, int64(80))
	require.NoError(t, c.VerifyOrdering())

	shuffled, err := d.Coalesce(3, true)
	require.NoError(t, err)
	expect.True(t, shuffled.NumPartitions() <= 3)
	n, err = shuffled.Count()
	require.NoError(t, err)
	expect.EQ(t, n, int64(80))
	require.NoError(t, shuffled.VerifyOrdering())
}

func TestSubsetPartitions(t *testing.T) {
	typ := intKeyType(t)
	d := coerced(t, typ, sortedParts(5, 50))
	s := d.SubsetPartitions([]int{0, 2, 4})
	expect.EQ(t, s.NumPartitions(), 3)
	require.NoError(t, s.VerifyOrdering())
}

func TestSampleDeterministic(t *testing.T) {
	typ := intKeyType(t)
	d := coerced(t, typ, sortedParts(4, 400))
	a := collectRows(t, d.Sample(0.5, 7))
	b := collectRows(t, d.Sample(0.5, 7))
	assert.Equal(t, a, b)
	expect.True(t, len(a) > 100 && len(a) < 300)
}

// sortedParts builds nParts sorted partitions covering pos 0..total-1.
func sortedParts(nParts, total int) [][]rtype.Row {
	parts := make([][]rtype.Row, nParts)
	for i := 0; i < total; i++ {
		p := i * nParts / total
		parts[p] = append(parts[p], rtype.Row{int32(i), int32(i * 10)})
	}
	return parts
}

// coerced builds an ordered RVD from already-sorted partitions.
func coerced(t *testing.T, typ *orvd.RVDType, parts [][]rtype.Row) *orvd.RVD {
	t.Helper()
	d, err := orvd.Coerce(typ, mkDataset(typ.Row, parts), orvd.CoerceOpts{})
	require.NoError(t, err)
	require.NoError(t, d.VerifyOrdering())
	return d
}

func sortedByKey(rows []rtype.Row) bool {
	return sort.SliceIsSorted(rows, func(a, b int) bool {
		return rows[a][0].(int32) < rows[b][0].(int32)
	})
}
