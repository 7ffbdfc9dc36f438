// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package orvd_test

import (
	"testing"

	"github.com/grailbio/rvd/orvd"
	"github.com/grailbio/rvd/region"
	"github.com/grailbio/rvd/rtype"
	"github.com/grailbio/testutil/expect"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Seed scenario: two datasets partitioned identically on (contig, pos)
// over contig "1", positions 1..1000, split at {250, 500, 750, 1000};
// PartitionSortedUnion yields a sorted interleave and counts add exactly.
func TestPartitionSortedUnion(t *testing.T) {
	typ := locusKeyType(t, []string{"contig", "pos"})
	split := func(v int32) [][]rtype.Row {
		parts := make([][]rtype.Row, 4)
		for pos := int32(1); pos <= 1000; pos++ {
			p := int((pos - 1) / 250)
			parts[p] = append(parts[p], rtype.Row{"1", pos, v})
		}
		return parts
	}
	a := coerced(t, typ, split(1))
	b := coerced(t, typ, split(2))
	require.EqualValues(t, 4, a.NumPartitions())

	u, err := a.PartitionSortedUnion(b)
	require.NoError(t, err)
	require.NoError(t, u.VerifyOrdering())
	rows := collectRows(t, u)
	expect.EQ(t, len(rows), 2000)
	for i := 1; i < len(rows); i++ {
		expect.True(t, rows[i-1][1].(int32) <= rows[i][1].(int32))
	}
	// Each position appears exactly twice.
	counts := map[int32]int{}
	for _, row := range rows {
		counts[row[1].(int32)]++
	}
	for pos := int32(1); pos <= 1000; pos++ {
		expect.EQ(t, counts[pos], 2)
	}
}

func joinFixtures(t *testing.T) (*orvd.RVD, *orvd.RVD) {
	ltyp := locusKeyType(t, []string{"contig", "pos"})
	left := coerced(t, ltyp, [][]rtype.Row{
		{
			{"1", int32(1), int32(10)},
			{"1", int32(2), int32(20)},
			{"1", int32(2), int32(21)},
		},
		{
			{"1", int32(5), int32(50)},
			{"1", int32(7), int32(70)},
		},
	})
	rrowT := rtype.NewStruct(true,
		rtype.Field{Name: "contig", Typ: &rtype.TString{Req: true}},
		rtype.Field{Name: "pos", Typ: &rtype.TInt32{Req: true}},
		rtype.Field{Name: "w", Typ: &rtype.TInt32{}},
	)
	rtypR, err := orvd.NewRVDType(rrowT, []string{"contig", "pos"}, []string{"contig", "pos"})
	require.NoError(t, err)
	right, err := orvd.Coerce(rtypR, mkDataset(rrowT, [][]rtype.Row{
		{
			{"1", int32(2), int32(200)},
			{"1", int32(2), int32(201)},
			{"1", int32(5), int32(500)},
			{"1", int32(9), int32(900)},
		},
	}), orvd.CoerceOpts{})
	require.NoError(t, err)
	return left, right
}

func TestOrderedJoinInner(t *testing.T) {
	left, right := joinFixtures(t)
	j, err := left.OrderedJoin(right, orvd.JoinInner, false)
	require.NoError(t, err)
	rows := collectRows(t, j)
	// pos 2: 2 left x 2 right = 4; pos 5: 1 x 1 = 1.
	expect.EQ(t, len(rows), 5)
	for _, row := range rows {
		expect.True(t, row[3] != nil) // w present on every inner row
	}
}

func TestOrderedJoinLeft(t *testing.T) {
	left, right := joinFixtures(t)
	j, err := left.OrderedJoin(right, orvd.JoinLeft, false)
	require.NoError(t, err)
	rows := collectRows(t, j)
	// Inner 5 plus unmatched left pos 1 and pos 7.
	expect.EQ(t, len(rows), 7)
	var unmatched int
	for _, row := range rows {
		if row[3] == nil {
			unmatched++
		}
	}
	expect.EQ(t, unmatched, 2)
}

func TestOrderedJoinOuter(t *testing.T) {
	left, right := joinFixtures(t)
	j, err := left.OrderedJoin(right, orvd.JoinOuter, false)
	require.NoError(t, err)
	rows := collectRows(t, j)
	// Inner 5 + unmatched left 2 + unmatched right pos 9.
	expect.EQ(t, len(rows), 8)
	var rightOnly int
	for _, row := range rows {
		if row[2] == nil && row[3] != nil { // v missing, w present
			rightOnly++
			expect.EQ(t, row[1], int32(9)) // key recovered from the right side
		}
	}
	expect.EQ(t, rightOnly, 1)
}

func TestOrderedJoinDistinct(t *testing.T) {
	left, right := joinFixtures(t)
	j, err := left.OrderedJoinDistinct(right, orvd.JoinInner)
	require.NoError(t, err)
	rows := collectRows(t, j)
	// pos 2: 2 left x 1 (distinct right) = 2; pos 5: 1.
	expect.EQ(t, len(rows), 3)
	for _, row := range rows {
		if row[1].(int32) == 2 {
			expect.EQ(t, row[3], int32(200)) // first right row wins
		}
	}
}

func TestGroupByKey(t *testing.T) {
	typ := locusKeyType(t, []string{"contig", "pos"})
	d := coerced(t, typ, [][]rtype.Row{
		{
			{"1", int32(1), int32(10)},
			{"1", int32(1), int32(11)},
			{"1", int32(2), int32(20)},
		},
		{
			{"1", int32(5), int32(50)},
		},
	})
	g, err := d.GroupByKey("values")
	require.NoError(t, err)
	require.NoError(t, g.VerifyOrdering())
	rows := collectRows(t, g)
	expect.EQ(t, len(rows), 3)
	first := rows[0]
	expect.EQ(t, first[0], "1")
	expect.EQ(t, first[1], int32(1))
	assert.Equal(t,
		[]rtype.Annotation{rtype.Row{int32(10)}, rtype.Row{int32(11)}},
		first[2])
}

func TestDistinctByKey(t *testing.T) {
	typ := locusKeyType(t, []string{"contig", "pos"})
	d := coerced(t, typ, [][]rtype.Row{
		{
			{"1", int32(1), int32(10)},
			{"1", int32(1), int32(11)},
			{"1", int32(2), int32(20)},
		},
	})
	rows := collectRows(t, d.DistinctByKey())
	expect.EQ(t, len(rows), 2)
	expect.EQ(t, rows[0][2], int32(10))
	expect.EQ(t, rows[1][2], int32(20))
}

func TestZipJoinRuns(t *testing.T) {
	left, right := joinFixtures(t)
	type runShape struct{ l, r int }
	var runs []runShape
	err := left.OrderedZipJoin(right, func(part int, l, r []region.RegionValue) error {
		runs = append(runs, runShape{len(l), len(r)})
		return nil
	})
	require.NoError(t, err)
	var lTotal, rTotal int
	for _, run := range runs {
		expect.True(t, run.l > 0 || run.r > 0)
		lTotal += run.l
		rTotal += run.r
	}
	expect.EQ(t, lTotal, 5)
	expect.EQ(t, rTotal, 4)
}
