// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package ir_test

import (
	"testing"

	"github.com/grailbio/rvd/agg"
	"github.com/grailbio/rvd/ir"
	"github.com/grailbio/rvd/region"
	"github.com/grailbio/rvd/rtype"
	"github.com/grailbio/testutil/expect"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// eval compiles root with the given argument types and evaluates it over
// annotation arguments.
func eval(t *testing.T, root ir.Node, argTypes []rtype.Type, args ...rtype.Annotation) rtype.Annotation {
	t.Helper()
	prog, err := ir.Compile(root, &ir.InferContext{Args: argTypes})
	require.NoError(t, err)
	r := region.New(128)
	fr := prog.NewFrame(r)
	block := make([]uint64, 0, 2*len(args))
	for i, a := range args {
		v, m := ir.PackAnnotation(argTypes[i], a, r)
		block = append(block, v, m)
	}
	v, missing := prog.Run(fr, block)
	return ir.UnpackAnnotation(prog.Typ(), r, v, missing)
}

func evalFatal(t *testing.T, root ir.Node, argTypes []rtype.Type, args ...rtype.Annotation) (msg string) {
	t.Helper()
	defer func() {
		if r := recover(); r != nil {
			fe, ok := r.(*ir.FatalError)
			require.True(t, ok, "panic was not a FatalError: %v", r)
			msg = fe.Msg
		}
	}()
	eval(t, root, argTypes, args...)
	t.Fatal("expected a fatal error")
	return
}

func i32(v int32) ir.Node { return &ir.I32{V: v} }

func TestLiteralsAndArithmetic(t *testing.T) {
	expect.EQ(t, eval(t, &ir.Binary{Op: ir.OpAdd, L: i32(2), R: i32(3)}, nil), int32(5))
	expect.EQ(t, eval(t, &ir.Binary{Op: ir.OpMul, L: &ir.I64{V: 6}, R: &ir.I64{V: 7}}, nil), int64(42))
	expect.EQ(t, eval(t, &ir.Binary{Op: ir.OpDiv, L: i32(7), R: i32(2)}, nil), 3.5)
	expect.EQ(t, eval(t, &ir.Binary{Op: ir.OpFloorDiv, L: i32(-7), R: i32(2)}, nil), int32(-4))
	expect.EQ(t, eval(t, &ir.Unary{Op: "-", X: &ir.F64{V: 2.5}}, nil), -2.5)
	// Mixed-width operands promote.
	expect.EQ(t, eval(t, &ir.Binary{Op: ir.OpAdd, L: i32(1), R: &ir.F64{V: 0.5}}, nil), 1.5)
	expect.EQ(t, eval(t, &ir.Cast{X: &ir.F64{V: 2.75}, To: &rtype.TInt32{Req: true}}, nil), int32(2))
	expect.EQ(t, eval(t, &ir.Cast{X: i32(3), To: &rtype.TInt64{Req: true}}, nil), int64(3))
}

func TestMissingnessPropagation(t *testing.T) {
	i32opt := &rtype.TInt32{}
	na := &ir.NA{T: i32opt}
	expect.True(t, eval(t, &ir.Binary{Op: ir.OpAdd, L: na, R: i32(1)}, nil) == nil)
	expect.EQ(t, eval(t, &ir.IsNA{X: na}, nil), true)
	expect.EQ(t, eval(t, &ir.IsNA{X: i32(1)}, nil), false)

	// MapNA short-circuits the body.
	n := &ir.MapNA{Name: "x", Value: na,
		Body: &ir.Binary{Op: ir.OpAdd, L: &ir.Ref{Name: "x"}, R: i32(1)}}
	expect.True(t, eval(t, n, nil) == nil)
}

// Seed scenario: If(IsNA(x), 0, x + 1) over x in {null, 4, 7} gives
// {0, 5, 8}.
func TestIfIsNA(t *testing.T) {
	argTypes := []rtype.Type{&rtype.TInt32{}}
	x := &ir.In{Idx: 0}
	root := &ir.If{
		Cond: &ir.IsNA{X: x},
		Then: i32(0),
		Else: &ir.Binary{Op: ir.OpAdd, L: &ir.In{Idx: 0}, R: i32(1)},
	}
	expect.EQ(t, eval(t, root, argTypes, nil), int32(0))
	expect.EQ(t, eval(t, root, argTypes, int32(4)), int32(5))
	expect.EQ(t, eval(t, root, argTypes, int32(7)), int32(8))
}

func TestKleeneLogic(t *testing.T) {
	naBool := &ir.NA{T: &rtype.TBool{}}
	f := &ir.Bool{V: false}
	tr := &ir.Bool{V: true}
	expect.EQ(t, eval(t, &ir.Binary{Op: ir.OpAnd, L: f, R: naBool}, nil), false)
	expect.True(t, eval(t, &ir.Binary{Op: ir.OpAnd, L: tr, R: naBool}, nil) == nil)
	expect.EQ(t, eval(t, &ir.Binary{Op: ir.OpOr, L: tr, R: naBool}, nil), true)
	expect.True(t, eval(t, &ir.Binary{Op: ir.OpOr, L: f, R: naBool}, nil) == nil)
}

func TestLetEvaluatesOnce(t *testing.T) {
	// let x = 3 in x * x
	n := &ir.Let{Name: "x", Value: i32(3),
		Body: &ir.Binary{Op: ir.OpMul, L: &ir.Ref{Name: "x"}, R: &ir.Ref{Name: "x"}}}
	expect.EQ(t, eval(t, n, nil), int32(9))
}

// Seed scenario: ArrayRange(0, 10, 3) = [0, 3, 6, 9]; step 0 is fatal;
// ArrayRange(10, 0, -3) = [10, 7, 4, 1].
func TestArrayRange(t *testing.T) {
	mk := func(start, stop, step int32) ir.Node {
		return &ir.ArrayRange{Start: i32(start), Stop: i32(stop), Step: i32(step)}
	}
	assert.Equal(t, []rtype.Annotation{int32(0), int32(3), int32(6), int32(9)},
		eval(t, mk(0, 10, 3), nil))
	assert.Equal(t, []rtype.Annotation{int32(10), int32(7), int32(4), int32(1)},
		eval(t, mk(10, 0, -3), nil))
	assert.Equal(t, []rtype.Annotation{}, eval(t, mk(0, 0, 1), nil))
	msg := evalFatal(t, mk(0, 10, 0), nil)
	expect.True(t, len(msg) > 0)
}

func TestArrayRef(t *testing.T) {
	arr := &ir.MakeArray{Elts: []ir.Node{i32(10), i32(20), i32(30)}}
	expect.EQ(t, eval(t, &ir.ArrayRef{A: arr, I: i32(1)}, nil), int32(20))
	expect.EQ(t, eval(t, &ir.ArrayLen{A: arr}, nil), int32(3))
	// A defined out-of-bounds index is fatal, not missing.
	arr2 := &ir.MakeArray{Elts: []ir.Node{i32(10), i32(20), i32(30)}}
	msg := evalFatal(t, &ir.ArrayRef{A: arr2, I: i32(3)}, nil)
	expect.True(t, len(msg) > 0)
	// A missing index yields missing.
	arr3 := &ir.MakeArray{Elts: []ir.Node{i32(10)}}
	expect.True(t, eval(t, &ir.ArrayRef{A: arr3, I: &ir.NA{T: &rtype.TInt32{}}}, nil) == nil)
}

func TestArrayMapFilterFlatMap(t *testing.T) {
	rng := &ir.ArrayRange{Start: i32(0), Stop: i32(5), Step: i32(1)}
	mapped := &ir.ArrayMap{A: rng, Name: "x",
		Body: &ir.Binary{Op: ir.OpMul, L: &ir.Ref{Name: "x"}, R: i32(2)}}
	assert.Equal(t, []rtype.Annotation{int32(0), int32(2), int32(4), int32(6), int32(8)},
		eval(t, mapped, nil))

	rng2 := &ir.ArrayRange{Start: i32(0), Stop: i32(6), Step: i32(1)}
	filtered := &ir.ArrayFilter{A: rng2, Name: "x",
		Body: &ir.Binary{Op: ir.OpEq,
			L: &ir.Binary{Op: ir.OpMod, L: &ir.Ref{Name: "x"}, R: i32(2)}, R: i32(0)}}
	assert.Equal(t, []rtype.Annotation{int32(0), int32(2), int32(4)}, eval(t, filtered, nil))

	rng3 := &ir.ArrayRange{Start: i32(1), Stop: i32(4), Step: i32(1)}
	flat := &ir.ArrayFlatMap{A: rng3, Name: "x",
		Body: &ir.ArrayRange{Start: i32(0), Stop: &ir.Ref{Name: "x"}, Step: i32(1)}}
	assert.Equal(t, []rtype.Annotation{int32(0), int32(0), int32(1), int32(0), int32(1), int32(2)},
		eval(t, flat, nil))
}

func TestArrayFold(t *testing.T) {
	rng := &ir.ArrayRange{Start: i32(1), Stop: i32(5), Step: i32(1)}
	sum := &ir.ArrayFold{A: rng, Zero: i32(0), AccName: "acc", EltName: "x",
		Body: &ir.Binary{Op: ir.OpAdd, L: &ir.Ref{Name: "acc"}, R: &ir.Ref{Name: "x"}}}
	expect.EQ(t, eval(t, sum, nil), int32(10))

	// A missing array folds to missing.
	na := &ir.NA{T: &rtype.TArray{Elt: &rtype.TInt32{Req: true}}}
	sum2 := &ir.ArrayFold{A: na, Zero: i32(0), AccName: "acc", EltName: "x",
		Body: &ir.Binary{Op: ir.OpAdd, L: &ir.Ref{Name: "acc"}, R: &ir.Ref{Name: "x"}}}
	expect.True(t, eval(t, sum2, nil) == nil)
}

func TestStructOps(t *testing.T) {
	mk := &ir.MakeStruct{Fields: []ir.StructField{
		{Name: "a", N: i32(1)},
		{Name: "b", N: &ir.NA{T: &rtype.TInt32{}}},
		{Name: "c", N: &ir.Str{V: "hey"}},
	}}
	expect.EQ(t, eval(t, &ir.GetField{O: mk, Name: "a"}, nil), int32(1))
	expect.True(t, eval(t, &ir.GetField{O: mk, Name: "b"}, nil) == nil)
	expect.EQ(t, eval(t, &ir.GetField{O: mk, Name: "c"}, nil), "hey")

	ins := &ir.InsertFields{O: mk, Fields: []ir.StructField{
		{Name: "b", N: i32(5)},  // override recovers from missing
		{Name: "d", N: i32(42)}, // appended
	}}
	expect.EQ(t, eval(t, &ir.GetField{O: ins, Name: "b"}, nil), int32(5))
	expect.EQ(t, eval(t, &ir.GetField{O: ins, Name: "d"}, nil), int32(42))
	expect.EQ(t, eval(t, &ir.GetField{O: ins, Name: "a"}, nil), int32(1))

	tup := &ir.MakeTuple{Elts: []ir.Node{i32(8), &ir.Str{V: "z"}}}
	expect.EQ(t, eval(t, &ir.GetTupleElement{O: tup, Idx: 0}, nil), int32(8))
	expect.EQ(t, eval(t, &ir.GetTupleElement{O: tup, Idx: 1}, nil), "z")
}

func TestApply(t *testing.T) {
	expect.EQ(t, eval(t, &ir.Apply{Name: "abs", Args: []ir.Node{i32(-4)}}, nil), int32(4))
	expect.EQ(t, eval(t, &ir.Apply{Name: "min", Args: []ir.Node{i32(3), i32(8)}}, nil), int32(3))
	expect.EQ(t, eval(t, &ir.Apply{Name: "strlen", Args: []ir.Node{&ir.Str{V: "abcd"}}}, nil), int32(4))
	// Strict in missing arguments.
	expect.True(t, eval(t, &ir.Apply{Name: "abs",
		Args: []ir.Node{&ir.NA{T: &rtype.TInt32{}}}}, nil) == nil)
}

func TestInferErrors(t *testing.T) {
	// Unbound reference.
	_, err := ir.Compile(&ir.Ref{Name: "nope"}, &ir.InferContext{})
	assert.Error(t, err)
	// AggIn outside an aggregation.
	_, err = ir.Compile(&ir.AggIn{}, &ir.InferContext{})
	assert.Error(t, err)
	// Nested aggregation.
	elem := &rtype.TInt32{}
	nested := &ir.ApplyAggOp{
		Agg: &ir.AggMap{Name: "x", A: &ir.AggIn{},
			Body: &ir.ApplyAggOp{Agg: &ir.AggIn{}, Op: agg.OpCount}},
		Op: agg.OpCount,
	}
	_, err = ir.Compile(nested, &ir.InferContext{AggElem: elem})
	assert.Error(t, err)
}

// Seed scenario: sum(filter(a, x -> x > 0)) over [1, null, -2, 3] is 4;
// over all-missing input it is the sum's zero with a defined result.
func TestAggSumFilter(t *testing.T) {
	elem := &rtype.TInt32{}
	root := &ir.ApplyAggOp{
		Agg: &ir.AggFilter{Name: "x", A: &ir.AggIn{},
			Body: &ir.Binary{Op: ir.OpGT, L: &ir.Ref{Name: "x"}, R: i32(0)}},
		Op: agg.OpSum,
	}
	prog, err := ir.Compile(root, &ir.InferContext{AggElem: elem})
	require.NoError(t, err)

	run := func(vals []rtype.Annotation) (rtype.Annotation, bool) {
		r := region.New(64)
		fr := prog.NewFrame(r)
		for _, v := range vals {
			pv, pm := ir.PackAnnotation(elem, v, r)
			prog.SeqOp(fr, pv, pm != 0, nil)
		}
		v, missing := prog.Run(fr, nil)
		return ir.UnpackAnnotation(prog.Typ(), r, v, missing), missing
	}
	got, missing := run([]rtype.Annotation{int32(1), nil, int32(-2), int32(3)})
	expect.False(t, missing)
	expect.EQ(t, got, int64(4))

	got, missing = run([]rtype.Annotation{nil, nil})
	expect.False(t, missing)
	expect.EQ(t, got, int64(0))
}

func TestAggMapFlatMapCollect(t *testing.T) {
	elem := &rtype.TInt32{}
	// collect(map(a, x -> x * 10))
	root := &ir.ApplyAggOp{
		Agg: &ir.AggMap{Name: "x", A: &ir.AggIn{},
			Body: &ir.Binary{Op: ir.OpMul, L: &ir.Ref{Name: "x"}, R: i32(10)}},
		Op: agg.OpCollect,
	}
	prog, err := ir.Compile(root, &ir.InferContext{AggElem: elem})
	require.NoError(t, err)
	r := region.New(64)
	fr := prog.NewFrame(r)
	for _, v := range []rtype.Annotation{int32(1), nil, int32(3)} {
		pv, pm := ir.PackAnnotation(elem, v, r)
		prog.SeqOp(fr, pv, pm != 0, nil)
	}
	v, missing := prog.Run(fr, nil)
	require.False(t, missing)
	assert.Equal(t, []rtype.Annotation{int32(10), nil, int32(30)},
		ir.UnpackAnnotation(prog.Typ(), r, v, missing))

	// flatMap(a, x -> range(0, x, 1)) under count.
	root2 := &ir.ApplyAggOp{
		Agg: &ir.AggFlatMap{Name: "x", A: &ir.AggIn{},
			Body: &ir.ArrayRange{Start: i32(0), Stop: &ir.Ref{Name: "x"}, Step: i32(1)}},
		Op: agg.OpCount,
	}
	prog2, err := ir.Compile(root2, &ir.InferContext{AggElem: elem})
	require.NoError(t, err)
	fr2 := prog2.NewFrame(region.New(64))
	for _, v := range []rtype.Annotation{int32(2), int32(3)} {
		pv, pm := ir.PackAnnotation(elem, v, fr2.Region)
		prog2.SeqOp(fr2, pv, pm != 0, nil)
	}
	v2, m2 := prog2.Run(fr2, nil)
	require.False(t, m2)
	expect.EQ(t, int64(v2), int64(5))
}

// Partial aggregation across frames combines associatively.
func TestAggCombine(t *testing.T) {
	elem := &rtype.TInt64{}
	root := &ir.ApplyAggOp{Agg: &ir.AggIn{}, Op: agg.OpSum}
	prog, err := ir.Compile(root, &ir.InferContext{AggElem: elem})
	require.NoError(t, err)
	frA := prog.NewFrame(region.New(64))
	frB := prog.NewFrame(region.New(64))
	for i := int64(1); i <= 10; i++ {
		fr := frA
		if i%2 == 0 {
			fr = frB
		}
		prog.SeqOp(fr, uint64(i), false, nil)
	}
	prog.Combine(frA, frB)
	v, missing := prog.Run(frA, nil)
	require.False(t, missing)
	expect.EQ(t, int64(v), int64(55))
}
