// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package ir

import (
	"fmt"
	"math"

	"github.com/pkg/errors"

	"github.com/grailbio/rvd/agg"
	"github.com/grailbio/rvd/region"
	"github.com/grailbio/rvd/rtype"
)

// FatalError is raised (as a panic) by emitted code for conditions defined
// to be fatal: a defined out-of-bounds index, a zero range step, a range
// longer than an int32 can count. Missingness never raises; it propagates
// through the missing-bit channel.
type FatalError struct {
	Msg string
}

func (e *FatalError) Error() string { return e.Msg }

func fatalf(format string, args ...interface{}) {
	panic(&FatalError{Msg: fmt.Sprintf(format, args...)})
}

// Frame is the mutable execution state of one compiled routine invocation.
// The region is the routine's first special argument; Args holds the user
// input block as value/missing-word pairs (input i at Args[2i], Args[2i+1]).
// Aggregator routines additionally carry the aggregator state block, the
// ambient element pair, and the scope variable pairs, in that order.
type Frame struct {
	Region *region.Region
	Args   []uint64

	Aggs           []agg.Aggregator
	AggElem        uint64
	AggElemMissing bool
	Scope          []uint64

	locals  []uint64
	localsM []bool
}

// Values are passed between compiled nodes as packed machine words: bool
// as 0/1, int32/float32 in the low 32 bits, int64/float64 as their bits,
// and compound values as a region offset.

func packBool(b bool) uint64 {
	if b {
		return 1
	}
	return 0
}

func packI32(v int32) uint64   { return uint64(uint32(v)) }
func packF32(v float32) uint64 { return uint64(math.Float32bits(v)) }
func packF64(v float64) uint64 { return math.Float64bits(v) }

func unpackI32(v uint64) int32   { return int32(uint32(v)) }
func unpackF32(v uint64) float32 { return math.Float32frombits(uint32(v)) }
func unpackF64(v uint64) float64 { return math.Float64frombits(v) }

// triplet is one compiled node: an imperative preamble, a missingness
// test, and the value. setup executes on every static path that could
// observe m or v; v is valid only when !m, and every slot written on a
// missing path holds a zero default so no stale read is possible.
type triplet struct {
	setup func(*Frame)
	m     func(*Frame) bool
	v     func(*Frame) uint64
}

func nopSetup(*Frame) {}

func constTriplet(v uint64) triplet {
	return triplet{
		setup: nopSetup,
		m:     func(*Frame) bool { return false },
		v:     func(*Frame) uint64 { return v },
	}
}

func missingTriplet() triplet {
	return triplet{
		setup: nopSetup,
		m:     func(*Frame) bool { return true },
		v:     func(*Frame) uint64 { return 0 },
	}
}

// binding resolves a name to storage: a frame local or a scope pair.
type binding struct {
	scope bool
	slot  int
}

type cenv struct {
	parent *cenv
	name   string
	b      binding
}

func (e *cenv) bind(name string, b binding) *cenv {
	return &cenv{parent: e, name: name, b: b}
}

func (e *cenv) lookup(name string) (binding, bool) {
	for ; e != nil; e = e.parent {
		if e.name == name {
			return e.b, true
		}
	}
	return binding{}, false
}

type compiler struct {
	ctx     *InferContext
	nLocals int
	aggOps  []*ApplyAggOp
}

func (c *compiler) newSlot() int {
	i := c.nLocals
	c.nLocals++
	return i
}

func slotTriplet(slot int) triplet {
	return triplet{
		setup: nopSetup,
		m:     func(fr *Frame) bool { return fr.localsM[slot] },
		v:     func(fr *Frame) uint64 { return fr.locals[slot] },
	}
}

func storeMissing(fr *Frame, slot int) {
	fr.localsM[slot] = true
	fr.locals[slot] = 0 // default value; never observed defined
}

func storeValue(fr *Frame, slot int, v uint64) {
	fr.localsM[slot] = false
	fr.locals[slot] = v
}

func storeTriplet(fr *Frame, slot int, t triplet) {
	if t.m(fr) {
		storeMissing(fr, slot)
	} else {
		storeValue(fr, slot, t.v(fr))
	}
}

// stage binds a triplet's result to a fresh local so it is evaluated at
// most once per setup, regardless of how many times the consumer reads it.
func (c *compiler) stage(t triplet) triplet {
	slot := c.newSlot()
	out := slotTriplet(slot)
	out.setup = func(fr *Frame) {
		t.setup(fr)
		storeTriplet(fr, slot, t)
	}
	return out
}

func (c *compiler) emit(n Node, env *cenv) (triplet, error) {
	switch nn := n.(type) {
	case *I32:
		return constTriplet(packI32(nn.V)), nil
	case *I64:
		return constTriplet(uint64(nn.V)), nil
	case *F32:
		return constTriplet(packF32(nn.V)), nil
	case *F64:
		return constTriplet(packF64(nn.V)), nil
	case *Bool:
		return constTriplet(packBool(nn.V)), nil
	case *Str:
		s := nn.V
		slot := c.newSlot()
		out := slotTriplet(slot)
		out.setup = func(fr *Frame) {
			b := rtype.NewBuilder(fr.Region)
			b.Start(nn.Typ())
			b.AddString(s)
			storeValue(fr, slot, uint64(b.End()))
		}
		return out, nil
	case *NA:
		return missingTriplet(), nil
	case *In:
		i := nn.Idx
		return triplet{
			setup: nopSetup,
			m:     func(fr *Frame) bool { return fr.Args[2*i+1] != 0 },
			v:     func(fr *Frame) uint64 { return fr.Args[2*i] },
		}, nil
	case *AggIn:
		return triplet{
			setup: nopSetup,
			m:     func(fr *Frame) bool { return fr.AggElemMissing },
			v:     func(fr *Frame) uint64 { return fr.AggElem },
		}, nil
	case *Ref:
		b, ok := env.lookup(nn.Name)
		if !ok {
			return triplet{}, errors.Errorf("ir: unbound reference %q at emit", nn.Name)
		}
		if b.scope {
			k := b.slot
			return triplet{
				setup: nopSetup,
				m:     func(fr *Frame) bool { return fr.Scope[2*k+1] != 0 },
				v:     func(fr *Frame) uint64 { return fr.Scope[2*k] },
			}, nil
		}
		return slotTriplet(b.slot), nil
	case *Let:
		value, err := c.emit(nn.Value, env)
		if err != nil {
			return triplet{}, err
		}
		slot := c.newSlot()
		body, err := c.emit(nn.Body, env.bind(nn.Name, binding{slot: slot}))
		if err != nil {
			return triplet{}, err
		}
		return triplet{
			setup: func(fr *Frame) {
				value.setup(fr)
				storeTriplet(fr, slot, value)
				body.setup(fr)
			},
			m: body.m,
			v: body.v,
		}, nil
	case *MapNA:
		return c.emitMapNA(nn, env)
	case *If:
		return c.emitIf(nn, env)
	case *IsNA:
		x, err := c.emit(nn.X, env)
		if err != nil {
			return triplet{}, err
		}
		slot := c.newSlot()
		out := slotTriplet(slot)
		out.setup = func(fr *Frame) {
			x.setup(fr)
			storeValue(fr, slot, packBool(x.m(fr)))
		}
		return out, nil
	case *Cast:
		x, err := c.emit(nn.X, env)
		if err != nil {
			return triplet{}, err
		}
		conv := coercion(nn.X.Typ(), nn.To)
		slot := c.newSlot()
		out := slotTriplet(slot)
		out.setup = func(fr *Frame) {
			x.setup(fr)
			if x.m(fr) {
				storeMissing(fr, slot)
			} else {
				storeValue(fr, slot, conv(x.v(fr)))
			}
		}
		return out, nil
	case *Unary:
		return c.emitUnary(nn, env)
	case *Binary:
		return c.emitBinary(nn, env)
	case *MakeStruct:
		children := make([]triplet, len(nn.Fields))
		for i, f := range nn.Fields {
			t, err := c.emit(f.N, env)
			if err != nil {
				return triplet{}, err
			}
			children[i] = t
		}
		return c.emitConstruct(nn.Typ().Fundamental().(*rtype.TStruct), children), nil
	case *MakeTuple:
		children := make([]triplet, len(nn.Elts))
		for i, e := range nn.Elts {
			t, err := c.emit(e, env)
			if err != nil {
				return triplet{}, err
			}
			children[i] = t
		}
		return c.emitConstruct(nn.Typ().Fundamental().(*rtype.TStruct), children), nil
	case *InsertFields:
		return c.emitInsertFields(nn, env)
	case *GetField:
		st := nn.O.Typ().Fundamental().(*rtype.TStruct)
		return c.emitGetField(nn.O, st, st.FieldIndex(nn.Name), env)
	case *GetTupleElement:
		st := nn.O.Typ().Fundamental().(*rtype.TStruct)
		return c.emitGetField(nn.O, st, nn.Idx, env)
	case *ArrayRef:
		return c.emitArrayRef(nn, env)
	case *ArrayLen:
		a, err := c.emit(nn.A, env)
		if err != nil {
			return triplet{}, err
		}
		at := nn.A.Typ().Fundamental().(*rtype.TArray)
		slot := c.newSlot()
		out := slotTriplet(slot)
		out.setup = func(fr *Frame) {
			a.setup(fr)
			if a.m(fr) {
				storeMissing(fr, slot)
			} else {
				storeValue(fr, slot, packI32(int32(at.LoadLength(fr.Region, int64(a.v(fr))))))
			}
		}
		return out, nil
	case *MakeArray, *ArrayRange, *ArrayMap, *ArrayFilter, *ArrayFlatMap:
		iter, err := c.emitIter(n, env)
		if err != nil {
			return triplet{}, err
		}
		return c.iterToValue(iter, n.Typ().Fundamental().(*rtype.TArray)), nil
	case *ArrayFold:
		return c.emitFold(nn, env)
	case *ApplyAggOp:
		return c.emitAggResult(nn), nil
	case *Apply:
		return c.emitApply(nn, env)
	}
	return triplet{}, errors.Errorf("ir: unhandled node %T at emit", n)
}

func (c *compiler) emitMapNA(nn *MapNA, env *cenv) (triplet, error) {
	value, err := c.emit(nn.Value, env)
	if err != nil {
		return triplet{}, err
	}
	bindSlot := c.newSlot()
	body, err := c.emit(nn.Body, env.bind(nn.Name, binding{slot: bindSlot}))
	if err != nil {
		return triplet{}, err
	}
	out := c.newSlot()
	t := slotTriplet(out)
	t.setup = func(fr *Frame) {
		value.setup(fr)
		if value.m(fr) {
			storeMissing(fr, out)
			return
		}
		storeValue(fr, bindSlot, value.v(fr))
		body.setup(fr)
		storeTriplet(fr, out, body)
	}
	return t, nil
}

func (c *compiler) emitIf(nn *If, env *cenv) (triplet, error) {
	cond, err := c.emit(nn.Cond, env)
	if err != nil {
		return triplet{}, err
	}
	then, err := c.emit(nn.Then, env)
	if err != nil {
		return triplet{}, err
	}
	els, err := c.emit(nn.Else, env)
	if err != nil {
		return triplet{}, err
	}
	coerceT := coercion(nn.Then.Typ(), nn.Typ())
	coerceE := coercion(nn.Else.Typ(), nn.Typ())
	out := c.newSlot()
	t := slotTriplet(out)
	t.setup = func(fr *Frame) {
		cond.setup(fr)
		if cond.m(fr) {
			storeMissing(fr, out)
			return
		}
		if cond.v(fr) != 0 {
			then.setup(fr)
			if then.m(fr) {
				storeMissing(fr, out)
			} else {
				storeValue(fr, out, coerceT(then.v(fr)))
			}
		} else {
			els.setup(fr)
			if els.m(fr) {
				storeMissing(fr, out)
			} else {
				storeValue(fr, out, coerceE(els.v(fr)))
			}
		}
	}
	return t, nil
}

// coercion returns a word converter from one numeric representation to
// another; identity when the kinds agree.
func coercion(from, to rtype.Type) func(uint64) uint64 {
	if from.Kind() == to.Kind() {
		return func(v uint64) uint64 { return v }
	}
	toF64 := func(v uint64) float64 {
		switch from.Kind() {
		case rtype.Int32Kind:
			return float64(unpackI32(v))
		case rtype.Int64Kind:
			return float64(int64(v))
		case rtype.Float32Kind:
			return float64(unpackF32(v))
		default:
			return unpackF64(v)
		}
	}
	switch to.Kind() {
	case rtype.Int64Kind:
		if from.Kind() == rtype.Int32Kind {
			return func(v uint64) uint64 { return uint64(int64(unpackI32(v))) }
		}
		return func(v uint64) uint64 { return uint64(int64(toF64(v))) }
	case rtype.Float32Kind:
		return func(v uint64) uint64 { return packF32(float32(toF64(v))) }
	case rtype.Float64Kind:
		return func(v uint64) uint64 { return packF64(toF64(v)) }
	case rtype.Int32Kind:
		return func(v uint64) uint64 { return packI32(int32(toF64(v))) }
	}
	panic("ir: no coercion to " + to.String())
}

func (c *compiler) emitUnary(nn *Unary, env *cenv) (triplet, error) {
	x, err := c.emit(nn.X, env)
	if err != nil {
		return triplet{}, err
	}
	var op func(uint64) uint64
	switch nn.Op {
	case "!":
		op = func(v uint64) uint64 { return packBool(v == 0) }
	case "-":
		switch nn.Typ().Kind() {
		case rtype.Int32Kind:
			op = func(v uint64) uint64 { return packI32(-unpackI32(v)) }
		case rtype.Int64Kind:
			op = func(v uint64) uint64 { return uint64(-int64(v)) }
		case rtype.Float32Kind:
			op = func(v uint64) uint64 { return packF32(-unpackF32(v)) }
		default:
			op = func(v uint64) uint64 { return packF64(-unpackF64(v)) }
		}
	}
	out := c.newSlot()
	t := slotTriplet(out)
	t.setup = func(fr *Frame) {
		x.setup(fr)
		if x.m(fr) {
			storeMissing(fr, out)
		} else {
			storeValue(fr, out, op(x.v(fr)))
		}
	}
	return t, nil
}

func (c *compiler) emitBinary(nn *Binary, env *cenv) (triplet, error) {
	l, err := c.emit(nn.L, env)
	if err != nil {
		return triplet{}, err
	}
	r, err := c.emit(nn.R, env)
	if err != nil {
		return triplet{}, err
	}
	if nn.Op == OpAnd || nn.Op == OpOr {
		return c.emitLogical(nn.Op, l, r), nil
	}
	opType, err := unify(nn.L.Typ(), nn.R.Typ())
	if err != nil {
		return triplet{}, err
	}
	coerceL := coercion(nn.L.Typ(), opType)
	coerceR := coercion(nn.R.Typ(), opType)
	var op func(fr *Frame, a, b uint64) uint64
	switch nn.Op {
	case OpAdd, OpSub, OpMul, OpDiv, OpFloorDiv, OpMod:
		op, err = arithOp(nn.Op, opType, nn.Typ())
	case OpEq, OpNE, OpLT, OpLE, OpGT, OpGE:
		op, err = compareOp(nn.Op, opType)
	default:
		err = errors.Errorf("ir: unhandled operator %v", nn.Op)
	}
	if err != nil {
		return triplet{}, err
	}
	out := c.newSlot()
	t := slotTriplet(out)
	t.setup = func(fr *Frame) {
		l.setup(fr)
		r.setup(fr)
		if l.m(fr) || r.m(fr) {
			storeMissing(fr, out)
		} else {
			storeValue(fr, out, op(fr, coerceL(l.v(fr)), coerceR(r.v(fr))))
		}
	}
	return t, nil
}

// emitLogical implements Kleene && and ||: a defined dominating operand
// (false for &&, true for ||) decides the result even when the other side
// is missing; the right operand is evaluated lazily.
func (c *compiler) emitLogical(op BinOp, l, r triplet) triplet {
	dominator := packBool(op == OpOr)
	out := c.newSlot()
	t := slotTriplet(out)
	t.setup = func(fr *Frame) {
		l.setup(fr)
		if !l.m(fr) && l.v(fr) == dominator {
			storeValue(fr, out, dominator)
			return
		}
		r.setup(fr)
		if !r.m(fr) && r.v(fr) == dominator {
			storeValue(fr, out, dominator)
			return
		}
		if l.m(fr) || r.m(fr) {
			storeMissing(fr, out)
			return
		}
		if op == OpAnd {
			storeValue(fr, out, packBool(l.v(fr) != 0 && r.v(fr) != 0))
		} else {
			storeValue(fr, out, packBool(l.v(fr) != 0 || r.v(fr) != 0))
		}
	}
	return t
}

func arithOp(op BinOp, t rtype.Type, resType rtype.Type) (func(fr *Frame, a, b uint64) uint64, error) {
	isInt := t.Kind() == rtype.Int32Kind || t.Kind() == rtype.Int64Kind
	if op == OpDiv {
		// True division: integral operands promote to float64.
		conv := coercion(t, resType)
		return func(fr *Frame, a, b uint64) uint64 {
			x, y := conv(a), conv(b)
			if resType.Kind() == rtype.Float32Kind {
				return packF32(unpackF32(x) / unpackF32(y))
			}
			return packF64(unpackF64(x) / unpackF64(y))
		}, nil
	}
	if isInt {
		wide := t.Kind() == rtype.Int64Kind
		iop := func(x, y int64) int64 {
			switch op {
			case OpAdd:
				return x + y
			case OpSub:
				return x - y
			case OpMul:
				return x * y
			case OpFloorDiv:
				if y == 0 {
					fatalf("division by zero")
				}
				q := x / y
				if x%y != 0 && (x < 0) != (y < 0) {
					q--
				}
				return q
			case OpMod:
				if y == 0 {
					fatalf("division by zero")
				}
				return x % y
			}
			panic("unreachable")
		}
		if wide {
			return func(fr *Frame, a, b uint64) uint64 {
				return uint64(iop(int64(a), int64(b)))
			}, nil
		}
		return func(fr *Frame, a, b uint64) uint64 {
			return packI32(int32(iop(int64(unpackI32(a)), int64(unpackI32(b)))))
		}, nil
	}
	single := t.Kind() == rtype.Float32Kind
	fop := func(x, y float64) float64 {
		switch op {
		case OpAdd:
			return x + y
		case OpSub:
			return x - y
		case OpMul:
			return x * y
		case OpFloorDiv:
			return math.Floor(x / y)
		case OpMod:
			return math.Mod(x, y)
		}
		panic("unreachable")
	}
	if single {
		return func(fr *Frame, a, b uint64) uint64 {
			return packF32(float32(fop(float64(unpackF32(a)), float64(unpackF32(b)))))
		}, nil
	}
	return func(fr *Frame, a, b uint64) uint64 {
		return packF64(fop(unpackF64(a), unpackF64(b)))
	}, nil
}

func compareOp(op BinOp, t rtype.Type) (func(fr *Frame, a, b uint64) uint64, error) {
	var cmp func(fr *Frame, a, b uint64) int
	switch t.Kind() {
	case rtype.BoolKind, rtype.Int32Kind:
		cmp = func(fr *Frame, a, b uint64) int { return int(int64(unpackI32(a)) - int64(unpackI32(b))) }
	case rtype.Int64Kind:
		cmp = func(fr *Frame, a, b uint64) int {
			x, y := int64(a), int64(b)
			switch {
			case x < y:
				return -1
			case x > y:
				return 1
			}
			return 0
		}
	case rtype.Float32Kind, rtype.Float64Kind:
		cmp = func(fr *Frame, a, b uint64) int {
			var x, y float64
			if t.Kind() == rtype.Float32Kind {
				x, y = float64(unpackF32(a)), float64(unpackF32(b))
			} else {
				x, y = unpackF64(a), unpackF64(b)
			}
			switch {
			case x < y:
				return -1
			case x > y:
				return 1
			}
			return 0
		}
	case rtype.StringKind:
		cmp = func(fr *Frame, a, b uint64) int {
			x := rtype.LoadString(fr.Region, int64(a))
			y := rtype.LoadString(fr.Region, int64(b))
			switch {
			case x < y:
				return -1
			case x > y:
				return 1
			}
			return 0
		}
	default:
		return nil, errors.Errorf("ir: cannot compare %v", t)
	}
	return func(fr *Frame, a, b uint64) uint64 {
		c := cmp(fr, a, b)
		switch op {
		case OpEq:
			return packBool(c == 0)
		case OpNE:
			return packBool(c != 0)
		case OpLT:
			return packBool(c < 0)
		case OpLE:
			return packBool(c <= 0)
		case OpGT:
			return packBool(c > 0)
		default:
			return packBool(c >= 0)
		}
	}, nil
}

// emitConstruct builds a struct (or tuple representation) from child
// triplets: run every child's setup, then stream fields into the row
// builder, setting the missing bit where a child is missing.
func (c *compiler) emitConstruct(st *rtype.TStruct, children []triplet) triplet {
	out := c.newSlot()
	t := slotTriplet(out)
	t.setup = func(fr *Frame) {
		for _, ch := range children {
			ch.setup(fr)
		}
		b := rtype.NewBuilder(fr.Region)
		b.Start(st)
		b.StartStruct()
		for i, ch := range children {
			if ch.m(fr) {
				b.SetMissing()
			} else {
				addPacked(b, st.Fields[i].Typ, fr, ch.v(fr))
			}
		}
		b.EndStruct()
		storeValue(fr, out, uint64(b.End()))
	}
	return t
}

func (c *compiler) emitInsertFields(nn *InsertFields, env *cenv) (triplet, error) {
	o, err := c.emit(nn.O, env)
	if err != nil {
		return triplet{}, err
	}
	oldT := nn.O.Typ().Fundamental().(*rtype.TStruct)
	newT := nn.Typ().Fundamental().(*rtype.TStruct)
	children := make([]triplet, len(nn.Fields))
	for i, f := range nn.Fields {
		t, err := c.emit(f.N, env)
		if err != nil {
			return triplet{}, err
		}
		children[i] = t
	}
	// For each output field, either the index of the override child or
	// the index of the source field in the old struct.
	override := make([]int, len(newT.Fields))
	source := make([]int, len(newT.Fields))
	for i, f := range newT.Fields {
		override[i] = -1
		source[i] = oldT.FieldIndex(f.Name)
		for j, nf := range nn.Fields {
			if nf.Name == f.Name {
				override[i] = j
			}
		}
	}
	out := c.newSlot()
	t := slotTriplet(out)
	t.setup = func(fr *Frame) {
		o.setup(fr)
		if o.m(fr) {
			storeMissing(fr, out)
			return
		}
		for _, ch := range children {
			ch.setup(fr)
		}
		oldOff := int64(o.v(fr))
		b := rtype.NewBuilder(fr.Region)
		b.Start(newT)
		b.StartStruct()
		for i := range newT.Fields {
			if j := override[i]; j >= 0 {
				if children[j].m(fr) {
					b.SetMissing()
				} else {
					addPacked(b, newT.Fields[i].Typ, fr, children[j].v(fr))
				}
				continue
			}
			si := source[i]
			if oldT.IsFieldMissing(fr.Region, oldOff, si) {
				b.SetMissing()
			} else {
				addPacked(b, newT.Fields[i].Typ, fr,
					loadPacked(newT.Fields[i].Typ, fr.Region, oldT.LoadField(fr.Region, oldOff, si)))
			}
		}
		b.EndStruct()
		storeValue(fr, out, uint64(b.End()))
	}
	return t, nil
}

func (c *compiler) emitGetField(o Node, st *rtype.TStruct, idx int, env *cenv) (triplet, error) {
	ot, err := c.emit(o, env)
	if err != nil {
		return triplet{}, err
	}
	ft := st.Fields[idx].Typ
	out := c.newSlot()
	t := slotTriplet(out)
	t.setup = func(fr *Frame) {
		ot.setup(fr)
		if ot.m(fr) {
			storeMissing(fr, out)
			return
		}
		off := int64(ot.v(fr))
		if st.IsFieldMissing(fr.Region, off, idx) {
			storeMissing(fr, out)
			return
		}
		storeValue(fr, out, loadPacked(ft, fr.Region, st.LoadField(fr.Region, off, idx)))
	}
	return t, nil
}

func (c *compiler) emitArrayRef(nn *ArrayRef, env *cenv) (triplet, error) {
	a, err := c.emit(nn.A, env)
	if err != nil {
		return triplet{}, err
	}
	i, err := c.emit(nn.I, env)
	if err != nil {
		return triplet{}, err
	}
	at := nn.A.Typ().Fundamental().(*rtype.TArray)
	out := c.newSlot()
	t := slotTriplet(out)
	t.setup = func(fr *Frame) {
		a.setup(fr)
		i.setup(fr)
		if a.m(fr) || i.m(fr) {
			storeMissing(fr, out)
			return
		}
		off := int64(a.v(fr))
		idx := int(unpackI32(i.v(fr)))
		n := at.LoadLength(fr.Region, off)
		if idx < 0 || idx >= n {
			fatalf("array index out of bounds: %d / %d", idx, n)
		}
		if at.IsElementMissing(fr.Region, off, idx) {
			storeMissing(fr, out)
			return
		}
		storeValue(fr, out, loadPacked(at.Elt, fr.Region, at.LoadElement(fr.Region, off, n, idx)))
	}
	return t, nil
}

func (c *compiler) emitFold(nn *ArrayFold, env *cenv) (triplet, error) {
	iter, err := c.emitIter(nn.A, env)
	if err != nil {
		return triplet{}, err
	}
	zero, err := c.emit(nn.Zero, env)
	if err != nil {
		return triplet{}, err
	}
	accSlot := c.newSlot()
	eltSlot := c.newSlot()
	benv := env.bind(nn.AccName, binding{slot: accSlot}).bind(nn.EltName, binding{slot: eltSlot})
	body, err := c.emit(nn.Body, benv)
	if err != nil {
		return triplet{}, err
	}
	out := c.newSlot()
	t := slotTriplet(out)
	t.setup = func(fr *Frame) {
		iter.setup(fr)
		if iter.m(fr) {
			storeMissing(fr, out)
			return
		}
		zero.setup(fr)
		storeTriplet(fr, accSlot, zero)
		iter.emit(fr, func(v uint64, m bool) {
			if m {
				storeMissing(fr, eltSlot)
			} else {
				storeValue(fr, eltSlot, v)
			}
			body.setup(fr)
			storeTriplet(fr, accSlot, body)
		})
		if fr.localsM[accSlot] {
			storeMissing(fr, out)
		} else {
			storeValue(fr, out, fr.locals[accSlot])
		}
	}
	return t, nil
}

// addPacked writes a packed word of type t into the builder's current slot.
func addPacked(b *rtype.Builder, t rtype.Type, fr *Frame, v uint64) {
	switch t.Kind() {
	case rtype.BoolKind:
		b.AddBool(v != 0)
	case rtype.Int32Kind, rtype.CallKind:
		b.AddInt(unpackI32(v))
	case rtype.Int64Kind:
		b.AddLong(int64(v))
	case rtype.Float32Kind:
		b.AddFloat(unpackF32(v))
	case rtype.Float64Kind:
		b.AddDouble(unpackF64(v))
	default:
		b.AddRegionValue(t, region.RegionValue{R: fr.Region, Off: int64(v)})
	}
}

// loadPacked reads the value of type t at off into a packed word.
func loadPacked(t rtype.Type, r *region.Region, off int64) uint64 {
	switch t.Kind() {
	case rtype.BoolKind:
		return packBool(r.LoadBool(off))
	case rtype.Int32Kind, rtype.CallKind:
		return packI32(r.LoadInt32(off))
	case rtype.Int64Kind:
		return uint64(r.LoadInt64(off))
	case rtype.Float32Kind:
		return packF32(r.LoadFloat32(off))
	case rtype.Float64Kind:
		return packF64(r.LoadFloat64(off))
	default:
		return uint64(off)
	}
}
