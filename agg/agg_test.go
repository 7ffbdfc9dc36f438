// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package agg_test

import (
	"math"
	"testing"

	"github.com/grailbio/rvd/agg"
	"github.com/grailbio/rvd/region"
	"github.com/grailbio/rvd/rtype"
	"github.com/grailbio/testutil/expect"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// result materializes an aggregator's result through a one-field tuple so
// missing results are observable.
func result(t *testing.T, a agg.Aggregator, resType rtype.Type) rtype.Annotation {
	t.Helper()
	wrapper := rtype.NewTuple(true, resType)
	r := region.New(64)
	b := rtype.NewBuilder(r)
	b.Start(wrapper)
	b.StartStruct()
	a.Result(b)
	b.EndStruct()
	row := rtype.ReadAnnotation(wrapper, r, b.End()).(rtype.Row)
	return row[0]
}

func TestSumInt(t *testing.T) {
	typ := &rtype.TInt32{}
	a, err := agg.New(agg.OpSum, typ)
	require.NoError(t, err)
	a.SeqOp(nil, uint64(uint32(int32(3))), false)
	a.SeqOp(nil, 0, true) // missing contributes nothing
	negOne := int32(-1)
	a.SeqOp(nil, uint64(uint32(negOne)), false)
	resType, err := agg.ResultType(agg.OpSum, typ)
	require.NoError(t, err)
	expect.EQ(t, result(t, a, resType), int64(2))

	// The empty sum is zero and defined.
	expect.EQ(t, result(t, a.Clone(), resType), int64(0))
}

func TestSumFloatCombine(t *testing.T) {
	typ := &rtype.TFloat64{}
	a, err := agg.New(agg.OpSum, typ)
	require.NoError(t, err)
	b := a.Clone()
	a.SeqOp(nil, math.Float64bits(1.5), false)
	b.SeqOp(nil, math.Float64bits(2.25), false)
	a.Combine(b)
	resType, _ := agg.ResultType(agg.OpSum, typ)
	expect.EQ(t, result(t, a, resType), 3.75)
}

func TestCount(t *testing.T) {
	a, err := agg.New(agg.OpCount, &rtype.TInt32{})
	require.NoError(t, err)
	a.SeqOp(nil, 1, false)
	a.SeqOp(nil, 0, true) // count includes missing elements
	resType, _ := agg.ResultType(agg.OpCount, &rtype.TInt32{})
	expect.EQ(t, result(t, a, resType), int64(2))
}

func TestMinMaxMissingResult(t *testing.T) {
	typ := &rtype.TInt64{}
	resType, _ := agg.ResultType(agg.OpMin, typ)
	a, err := agg.New(agg.OpMin, typ)
	require.NoError(t, err)
	// No defined input: the result is missing.
	a.SeqOp(nil, 0, true)
	expect.True(t, result(t, a, resType) == nil)

	b, _ := agg.New(agg.OpMin, typ)
	b.SeqOp(nil, uint64(int64(5)), false)
	b.SeqOp(nil, uint64(int64(2)), false)
	expect.EQ(t, result(t, b, resType), int64(2))

	c, _ := agg.New(agg.OpMax, typ)
	c.SeqOp(nil, uint64(int64(5)), false)
	c.SeqOp(nil, uint64(int64(2)), false)
	resTypeMax, _ := agg.ResultType(agg.OpMax, typ)
	expect.EQ(t, result(t, c, resTypeMax), int64(5))
}

func TestCollectAndTake(t *testing.T) {
	typ := &rtype.TInt32{}
	a, err := agg.New(agg.OpCollect, typ)
	require.NoError(t, err)
	a.SeqOp(nil, uint64(uint32(int32(1))), false)
	a.SeqOp(nil, 0, true)
	a.SeqOp(nil, uint64(uint32(int32(3))), false)
	resType, _ := agg.ResultType(agg.OpCollect, typ)
	assert.Equal(t, []rtype.Annotation{int32(1), nil, int32(3)}, result(t, a, resType))

	tk, err := agg.New(agg.OpTake, typ, 2)
	require.NoError(t, err)
	for i := int32(0); i < 5; i++ {
		tk.SeqOp(nil, uint64(uint32(i)), false)
	}
	resType, _ = agg.ResultType(agg.OpTake, typ)
	assert.Equal(t, []rtype.Annotation{int32(0), int32(1)}, result(t, tk, resType))
}

func TestFraction(t *testing.T) {
	a, err := agg.New(agg.OpFraction, &rtype.TBool{})
	require.NoError(t, err)
	a.SeqOp(nil, 1, false)
	a.SeqOp(nil, 0, false)
	a.SeqOp(nil, 1, false)
	a.SeqOp(nil, 0, true) // missing excluded from the denominator
	resType, _ := agg.ResultType(agg.OpFraction, &rtype.TBool{})
	expect.EQ(t, result(t, a, resType), 2.0/3.0)
}

func TestStats(t *testing.T) {
	typ := &rtype.TFloat64{}
	a, err := agg.New(agg.OpStats, typ)
	require.NoError(t, err)
	for _, v := range []float64{1, 2, 3, 4} {
		a.SeqOp(nil, math.Float64bits(v), false)
	}
	resType, _ := agg.ResultType(agg.OpStats, typ)
	row := result(t, a, resType).(rtype.Row)
	expect.EQ(t, row[0], 2.5)       // mean
	expect.EQ(t, row[4], int64(4))  // n
	expect.EQ(t, row[5], 10.0)      // sum
	expect.EQ(t, row[2], 1.0)       // min
	expect.EQ(t, row[3], 4.0)       // max
}

func TestCombineAssociative(t *testing.T) {
	typ := &rtype.TInt64{}
	mk := func(vals ...int64) agg.Aggregator {
		a, err := agg.New(agg.OpSum, typ)
		require.NoError(t, err)
		for _, v := range vals {
			a.SeqOp(nil, uint64(v), false)
		}
		return a
	}
	left := mk(1, 2)
	left.Combine(mk(3))
	left.Combine(mk(4, 5))
	right := mk(1, 2)
	mid := mk(3)
	mid.Combine(mk(4, 5))
	right.Combine(mid)
	resType, _ := agg.ResultType(agg.OpSum, typ)
	expect.EQ(t, result(t, left, resType), result(t, right, resType))
}
