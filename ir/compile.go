// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package ir

import (
	"github.com/pkg/errors"

	"github.com/grailbio/rvd/agg"
	"github.com/grailbio/rvd/region"
	"github.com/grailbio/rvd/rtype"
)

// Program is a compiled routine. A program with aggregations is driven in
// two phases: SeqOp per aggregable element (possibly across many rows),
// then Run to read the aggregated results; a pure program needs only Run.
type Program struct {
	typ     rtype.Type
	nArgs   int
	nLocals int
	root    triplet

	aggProtos []agg.Aggregator
	seqOps    []func(fr *Frame, cont func(v uint64, m bool))
}

// Compile type-checks root against ctx and lowers it to a specialized
// routine.
func Compile(root Node, ctx *InferContext) (*Program, error) {
	if ctx == nil {
		ctx = &InferContext{}
	}
	if err := Infer(root, ctx); err != nil {
		return nil, err
	}
	c := &compiler{ctx: ctx}
	collectAggOps(root, &c.aggOps)

	p := &Program{nArgs: len(ctx.Args), typ: root.Typ()}
	for i, op := range c.aggOps {
		op.aggIndex = i
		proto, err := agg.New(op.Op, op.Agg.Typ(), op.Args...)
		if err != nil {
			return nil, err
		}
		p.aggProtos = append(p.aggProtos, proto)
		var aggEnv *cenv
		for k, sv := range ctx.AggScope {
			aggEnv = aggEnv.bind(sv.Name, binding{scope: true, slot: k})
		}
		em, err := c.emitAgg(op.Agg, aggEnv)
		if err != nil {
			return nil, err
		}
		p.seqOps = append(p.seqOps, em)
	}

	tr, err := c.emit(root, nil)
	if err != nil {
		return nil, err
	}
	p.root = tr
	p.nLocals = c.nLocals
	return p, nil
}

// collectAggOps gathers ApplyAggOp nodes in syntactic (depth-first)
// order; each gets one aggregator state slot.
func collectAggOps(n Node, out *[]*ApplyAggOp) {
	if op, ok := n.(*ApplyAggOp); ok {
		*out = append(*out, op)
		return // nested aggregations were rejected during inference
	}
	for _, ch := range children(n) {
		collectAggOps(ch, out)
	}
}

func children(n Node) []Node {
	switch nn := n.(type) {
	case *Let:
		return []Node{nn.Value, nn.Body}
	case *MapNA:
		return []Node{nn.Value, nn.Body}
	case *If:
		return []Node{nn.Cond, nn.Then, nn.Else}
	case *IsNA:
		return []Node{nn.X}
	case *Cast:
		return []Node{nn.X}
	case *Unary:
		return []Node{nn.X}
	case *Binary:
		return []Node{nn.L, nn.R}
	case *MakeArray:
		return nn.Elts
	case *ArrayRef:
		return []Node{nn.A, nn.I}
	case *ArrayLen:
		return []Node{nn.A}
	case *ArrayRange:
		return []Node{nn.Start, nn.Stop, nn.Step}
	case *ArrayMap:
		return []Node{nn.A, nn.Body}
	case *ArrayFilter:
		return []Node{nn.A, nn.Body}
	case *ArrayFlatMap:
		return []Node{nn.A, nn.Body}
	case *ArrayFold:
		return []Node{nn.A, nn.Zero, nn.Body}
	case *MakeStruct:
		out := make([]Node, len(nn.Fields))
		for i, f := range nn.Fields {
			out[i] = f.N
		}
		return out
	case *MakeTuple:
		return nn.Elts
	case *GetField:
		return []Node{nn.O}
	case *GetTupleElement:
		return []Node{nn.O}
	case *InsertFields:
		out := []Node{nn.O}
		for _, f := range nn.Fields {
			out = append(out, f.N)
		}
		return out
	case *AggMap:
		return []Node{nn.A, nn.Body}
	case *AggFilter:
		return []Node{nn.A, nn.Body}
	case *AggFlatMap:
		return []Node{nn.A, nn.Body}
	case *ApplyAggOp:
		return []Node{nn.Agg}
	case *Apply:
		return nn.Args
	}
	return nil
}

// emitAgg lowers an aggregable expression to an imperative block that,
// for every element the aggregable yields, invokes a continuation with
// the element's (value, missing) pair. The combinators compose on the
// continuation.
func (c *compiler) emitAgg(n Node, env *cenv) (func(fr *Frame, cont func(v uint64, m bool)), error) {
	switch nn := n.(type) {
	case *AggIn:
		return func(fr *Frame, cont func(v uint64, m bool)) {
			cont(fr.AggElem, fr.AggElemMissing)
		}, nil
	case *AggMap:
		inner, err := c.emitAgg(nn.A, env)
		if err != nil {
			return nil, err
		}
		eltSlot := c.newSlot()
		body, err := c.emit(nn.Body, env.bind(nn.Name, binding{slot: eltSlot}))
		if err != nil {
			return nil, err
		}
		return func(fr *Frame, cont func(v uint64, m bool)) {
			inner(fr, func(v uint64, m bool) {
				if m {
					storeMissing(fr, eltSlot)
				} else {
					storeValue(fr, eltSlot, v)
				}
				body.setup(fr)
				cont(body.v(fr), body.m(fr))
			})
		}, nil
	case *AggFilter:
		inner, err := c.emitAgg(nn.A, env)
		if err != nil {
			return nil, err
		}
		eltSlot := c.newSlot()
		pred, err := c.emit(nn.Body, env.bind(nn.Name, binding{slot: eltSlot}))
		if err != nil {
			return nil, err
		}
		return func(fr *Frame, cont func(v uint64, m bool)) {
			inner(fr, func(v uint64, m bool) {
				if m {
					storeMissing(fr, eltSlot)
				} else {
					storeValue(fr, eltSlot, v)
				}
				pred.setup(fr)
				// Elements failing the predicate, or for which it is
				// missing, are suppressed.
				if !pred.m(fr) && pred.v(fr) != 0 {
					cont(v, m)
				}
			})
		}, nil
	case *AggFlatMap:
		inner, err := c.emitAgg(nn.A, env)
		if err != nil {
			return nil, err
		}
		eltSlot := c.newSlot()
		benv := env.bind(nn.Name, binding{slot: eltSlot})
		bodyIter, err := c.emitIter(nn.Body, benv)
		if err != nil {
			return nil, err
		}
		return func(fr *Frame, cont func(v uint64, m bool)) {
			inner(fr, func(v uint64, m bool) {
				if m {
					storeMissing(fr, eltSlot)
				} else {
					storeValue(fr, eltSlot, v)
				}
				bodyIter.setup(fr)
				if !bodyIter.m(fr) {
					bodyIter.emit(fr, cont)
				}
			})
		}, nil
	}
	return nil, errors.Errorf("ir: %T is not an aggregable", n)
}

// emitAggResult reads aggregator aggIndex's result in the main routine.
// The result is staged through a one-field tuple so aggregators with
// missing results (min/max of nothing) have a missing bit to set.
func (c *compiler) emitAggResult(nn *ApplyAggOp) triplet {
	idx := nn.aggIndex
	resType := nn.Typ()
	wrapper := rtype.NewTuple(true, resType)
	rep := wrapper.Rep()
	out := c.newSlot()
	t := slotTriplet(out)
	t.setup = func(fr *Frame) {
		b := rtype.NewBuilder(fr.Region)
		b.Start(wrapper)
		b.StartStruct()
		fr.Aggs[idx].Result(b)
		b.EndStruct()
		off := b.End()
		if rep.IsFieldMissing(fr.Region, off, 0) {
			storeMissing(fr, out)
		} else {
			storeValue(fr, out, loadPacked(resType, fr.Region, rep.LoadField(fr.Region, off, 0)))
		}
	}
	return t
}

// emitApply resolves the function at compile time and memoizes the bound
// implementation in the emitted closure, one per call site. Missing
// arguments make the call's result missing; the implementation only sees
// defined arguments.
func (c *compiler) emitApply(nn *Apply, env *cenv) (triplet, error) {
	argTypes := make([]rtype.Type, len(nn.Args))
	children := make([]triplet, len(nn.Args))
	for i, a := range nn.Args {
		argTypes[i] = a.Typ()
		t, err := c.emit(a, env)
		if err != nil {
			return triplet{}, err
		}
		children[i] = t
	}
	impl, err := c.ctx.Registry.Lookup(nn.Name, argTypes)
	if err != nil {
		return triplet{}, err
	}
	out := c.newSlot()
	t := slotTriplet(out)
	t.setup = func(fr *Frame) {
		vals := make([]uint64, len(children))
		for i, ch := range children {
			ch.setup(fr)
			if ch.m(fr) {
				storeMissing(fr, out)
				return
			}
			vals[i] = ch.v(fr)
		}
		v, m := impl.Fn(fr, vals)
		if m {
			storeMissing(fr, out)
		} else {
			storeValue(fr, out, v)
		}
	}
	return t, nil
}

// Typ returns the routine's result type.
func (p *Program) Typ() rtype.Type { return p.typ }

// HasAggregations reports whether the program carries aggregator state.
func (p *Program) HasAggregations() bool { return len(p.aggProtos) > 0 }

// NewFrame returns a frame for running the program, with fresh aggregator
// states cloned from the compiled prototypes.
func (p *Program) NewFrame(r *region.Region) *Frame {
	fr := &Frame{
		Region:  r,
		locals:  make([]uint64, p.nLocals),
		localsM: make([]bool, p.nLocals),
	}
	if len(p.aggProtos) > 0 {
		fr.Aggs = make([]agg.Aggregator, len(p.aggProtos))
		for i, proto := range p.aggProtos {
			fr.Aggs[i] = proto.Clone()
		}
	}
	return fr
}

// SeqOp feeds one aggregable element (with its scope variable pairs)
// through every aggregation of the program.
func (p *Program) SeqOp(fr *Frame, elem uint64, elemMissing bool, scope []uint64) {
	fr.AggElem, fr.AggElemMissing, fr.Scope = elem, elemMissing, scope
	for i, em := range p.seqOps {
		aggState := fr.Aggs[i]
		em(fr, func(v uint64, m bool) {
			aggState.SeqOp(fr.Region, v, m)
		})
	}
}

// Combine merges other's partial aggregator states into fr's.
func (p *Program) Combine(fr, other *Frame) {
	for i := range fr.Aggs {
		fr.Aggs[i].Combine(other.Aggs[i])
	}
}

// Run evaluates the routine with the given packed argument block
// (value/missing pairs) and returns the packed result and its missingness.
func (p *Program) Run(fr *Frame, args []uint64) (uint64, bool) {
	if len(args) != 2*p.nArgs {
		panic(errors.Errorf("ir: argument block has %d words, want %d", len(args), 2*p.nArgs))
	}
	fr.Args = args
	p.root.setup(fr)
	if p.root.m(fr) {
		return 0, true
	}
	return p.root.v(fr), false
}

// PackAnnotation converts an annotation into the packed argument pair for
// type t, materializing compound values into r.
func PackAnnotation(t rtype.Type, a rtype.Annotation, r *region.Region) (uint64, uint64) {
	if a == nil {
		return 0, 1
	}
	switch t.Kind() {
	case rtype.BoolKind:
		return packBool(a.(bool)), 0
	case rtype.Int32Kind:
		return packI32(a.(int32)), 0
	case rtype.Int64Kind:
		return uint64(a.(int64)), 0
	case rtype.Float32Kind:
		return packF32(a.(float32)), 0
	case rtype.Float64Kind:
		return packF64(a.(float64)), 0
	case rtype.CallKind:
		return packI32(int32(a.(rtype.Call))), 0
	}
	b := rtype.NewBuilder(r)
	b.Start(t)
	b.AddAnnotation(t, a)
	return uint64(b.End()), 0
}

// UnpackAnnotation converts a packed result back into an annotation.
func UnpackAnnotation(t rtype.Type, r *region.Region, v uint64, missing bool) rtype.Annotation {
	if missing {
		return nil
	}
	switch t.Kind() {
	case rtype.BoolKind:
		return v != 0
	case rtype.Int32Kind:
		return unpackI32(v)
	case rtype.Int64Kind:
		return int64(v)
	case rtype.Float32Kind:
		return unpackF32(v)
	case rtype.Float64Kind:
		return unpackF64(v)
	case rtype.CallKind:
		return rtype.Call(unpackI32(v))
	}
	return rtype.ReadAnnotation(t, r, int64(v))
}
