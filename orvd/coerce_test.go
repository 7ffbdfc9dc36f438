// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package orvd_test

import (
	"math/rand"
	"testing"

	"github.com/grailbio/rvd/interval"
	"github.com/grailbio/rvd/orvd"
	"github.com/grailbio/rvd/rtype"
	"github.com/grailbio/testutil/expect"
	"github.com/stretchr/testify/require"
)

// Seed scenario: a shuffled input of 10 partitions with an int partition
// key goes through the SHUFFLE path; the result has 10 partitions whose
// key ranges cover min..max, and every row lands in its assigned range.
func TestCoerceShuffledInput(t *testing.T) {
	typ := intKeyType(t)
	const nParts, total = 10, 200
	rnd := rand.New(rand.NewSource(1))
	perm := rnd.Perm(total)
	parts := make([][]rtype.Row, nParts)
	for i, pos := range perm {
		parts[i%nParts] = append(parts[i%nParts], rtype.Row{int32(pos), int32(pos)})
	}
	d, err := orvd.Coerce(typ, mkDataset(typ.Row, parts), orvd.CoerceOpts{})
	require.NoError(t, err)
	expect.EQ(t, d.NumPartitions(), nParts)

	// The overall range covers min..max.
	r := d.Part.Range()
	expect.EQ(t, r.Start.(rtype.Row)[0], int32(0))
	expect.EQ(t, r.End.(rtype.Row)[0], int32(total-1))

	// Every row lies in its assigned bound, in order.
	require.NoError(t, d.VerifyOrdering())
	rows := collectRows(t, d)
	expect.EQ(t, len(rows), total)
	expect.True(t, sortedByKey(rows))
}

func TestCoerceAdoptsSortedInput(t *testing.T) {
	typ := intKeyType(t)
	d := coerced(t, typ, sortedParts(4, 40))
	expect.EQ(t, d.NumPartitions(), 4)
	rows := collectRows(t, d)
	expect.EQ(t, len(rows), 40)
	expect.True(t, sortedByKey(rows))
}

// Partitions PK-sorted with shuffled key suffixes take the LOCAL_SORT
// path.
func TestCoerceLocalSort(t *testing.T) {
	typ := locusKeyType(t, []string{"contig"})
	parts := [][]rtype.Row{
		{
			{"1", int32(30), int32(0)},
			{"1", int32(10), int32(0)},
			{"1", int32(20), int32(0)},
		},
		{
			{"2", int32(5), int32(0)},
			{"2", int32(1), int32(0)},
		},
	}
	d, err := orvd.Coerce(typ, mkDataset(typ.Row, parts), orvd.CoerceOpts{})
	require.NoError(t, err)
	require.NoError(t, d.VerifyOrdering())
	rows := collectRows(t, d)
	expect.EQ(t, len(rows), 5)
	want := []int32{10, 20, 30, 1, 5}
	for i, row := range rows {
		expect.EQ(t, row[1], want[i])
	}
}

// Adjacent partitions sharing a boundary partition key are adjusted: the
// predecessor keeps the boundary rows.
func TestCoerceBoundaryAdjustment(t *testing.T) {
	typ := locusKeyType(t, []string{"contig", "pos"})
	parts := [][]rtype.Row{
		{
			{"1", int32(1), int32(0)},
			{"1", int32(5), int32(0)},
		},
		{
			{"1", int32(5), int32(1)}, // same PK as predecessor's max
			{"1", int32(9), int32(0)},
		},
	}
	d, err := orvd.Coerce(typ, mkDataset(typ.Row, parts), orvd.CoerceOpts{})
	require.NoError(t, err)
	require.NoError(t, d.VerifyOrdering())
	n, err := d.Count()
	require.NoError(t, err)
	expect.EQ(t, n, int64(4))
}

func TestCoerceEmpty(t *testing.T) {
	typ := intKeyType(t)
	d, err := orvd.Coerce(typ, mkDataset(typ.Row, nil), orvd.CoerceOpts{})
	require.NoError(t, err)
	expect.EQ(t, d.NumPartitions(), 0)
}

func TestFilterIntervals(t *testing.T) {
	typ := locusKeyType(t, []string{"contig", "pos"})
	// 20 partitions over contigs 1 and 2, positions 0..199 each.
	var parts [][]rtype.Row
	for _, contig := range []string{"1", "2"} {
		for p := 0; p < 10; p++ {
			var rows []rtype.Row
			for i := 0; i < 20; i++ {
				pos := int32(p*20 + i)
				rows = append(rows, rtype.Row{contig, pos, int32(0)})
			}
			parts = append(parts, rows)
		}
	}
	d, err := orvd.Coerce(typ, mkDataset(typ.Row, parts), orvd.CoerceOpts{})
	require.NoError(t, err)

	queries := []interval.Interval{
		{
			Start: rtype.Row{"1", int32(100)}, End: rtype.Row{"1", int32(200)},
			IncludesStart: true, IncludesEnd: true,
		},
		{
			Start: rtype.Row{"2", int32(50)}, End: rtype.Row{"2", int32(150)},
			IncludesStart: true, IncludesEnd: true,
		},
	}
	f := d.FilterIntervals(queries)
	expect.True(t, f.NumPartitions() < d.NumPartitions())
	rows := collectRows(t, f)
	expect.True(t, len(rows) > 0)
	for _, row := range rows {
		contig := row[0].(string)
		pos := row[1].(int32)
		in := (contig == "1" && pos >= 100 && pos <= 200) ||
			(contig == "2" && pos >= 50 && pos <= 150)
		if !in {
			t.Fatalf("row (%s, %d) outside the requested intervals", contig, pos)
		}
	}
	expect.EQ(t, len(rows), 100+101)
}
