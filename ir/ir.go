// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package ir implements a typed row-expression tree and a staged emitter
// that compiles trees into specialized routines over region values.
//
// Every node carries its result type, assigned by Infer. Variable bindings
// resolve by lexical environment lookup. Missingness is a first-class
// channel: each compiled node produces a (setup, isMissing, value) triplet,
// and a missing value never raises an error; fatal conditions (index out
// of bounds, zero range step) raise FatalError from the emitted code.
package ir

import (
	"github.com/pkg/errors"

	"github.com/grailbio/rvd/agg"
	"github.com/grailbio/rvd/rtype"
)

// Node is one typed expression node. Typ returns the result type assigned
// by Infer and panics if inference has not run.
type Node interface {
	Typ() rtype.Type
}

type typed struct {
	typ rtype.Type
}

func (t *typed) Typ() rtype.Type {
	if t.typ == nil {
		panic("ir: type not inferred")
	}
	return t.typ
}

// I32 is an int32 literal.
type I32 struct {
	typed
	V int32
}

// I64 is an int64 literal.
type I64 struct {
	typed
	V int64
}

// F32 is a float32 literal.
type F32 struct {
	typed
	V float32
}

// F64 is a float64 literal.
type F64 struct {
	typed
	V float64
}

// Str is a string literal.
type Str struct {
	typed
	V string
}

// Bool is a boolean literal.
type Bool struct {
	typed
	V bool
}

// NA is a missing value of an explicit type.
type NA struct {
	typed
	T rtype.Type
}

// In references user input i (value/missing slot pair i of the routine's
// argument block).
type In struct {
	typed
	Idx int
}

// AggIn references the ambient aggregable's element inside an aggregator
// subtree.
type AggIn struct {
	typed
}

// Ref references a let- or lambda-bound name.
type Ref struct {
	typed
	Name string
}

// Let binds Value to Name and evaluates Body; Value is evaluated once.
type Let struct {
	typed
	Name  string
	Value Node
	Body  Node
}

// MapNA short-circuits: if Value is missing the result is missing and
// Body is skipped; otherwise Name is bound to the (defined) value.
type MapNA struct {
	typed
	Name  string
	Value Node
	Body  Node
}

// If evaluates the chosen branch; a missing condition yields missing.
type If struct {
	typed
	Cond Node
	Then Node
	Else Node
}

// IsNA tests missingness; its result is never missing.
type IsNA struct {
	typed
	X Node
}

// Cast converts between numeric types.
type Cast struct {
	typed
	X  Node
	To rtype.Type
}

// BinOp names a binary operator.
type BinOp string

// Binary operators.
const (
	OpAdd      BinOp = "+"
	OpSub      BinOp = "-"
	OpMul      BinOp = "*"
	OpDiv      BinOp = "/"
	OpFloorDiv BinOp = "//"
	OpMod      BinOp = "%"
	OpEq       BinOp = "=="
	OpNE       BinOp = "!="
	OpLT       BinOp = "<"
	OpLE       BinOp = "<="
	OpGT       BinOp = ">"
	OpGE       BinOp = ">="
	OpAnd      BinOp = "&&"
	OpOr       BinOp = "||"
)

// Binary applies a binary operator.
type Binary struct {
	typed
	Op BinOp
	L  Node
	R  Node
}

// Unary applies a unary operator: "-" (negate) or "!".
type Unary struct {
	typed
	Op string
	X  Node
}

// MakeArray constructs an array from element expressions of a common type.
type MakeArray struct {
	typed
	T    *rtype.TArray
	Elts []Node
}

// ArrayRef indexes an array. A defined out-of-bounds index is fatal.
type ArrayRef struct {
	typed
	A Node
	I Node
}

// ArrayLen returns an array's length.
type ArrayLen struct {
	typed
	A Node
}

// ArrayRange produces [start, stop) stepping by step. step==0 is fatal;
// a length exceeding int32 is fatal.
type ArrayRange struct {
	typed
	Start Node
	Stop  Node
	Step  Node
}

// ArrayMap maps Body over the array with Name bound per element.
type ArrayMap struct {
	typed
	A    Node
	Name string
	Body Node
}

// ArrayFilter keeps elements for which Body is defined and true.
type ArrayFilter struct {
	typed
	A    Node
	Name string
	Body Node
}

// ArrayFlatMap concatenates the arrays produced by Body per element.
type ArrayFlatMap struct {
	typed
	A    Node
	Name string
	Body Node
}

// ArrayFold folds Body over the array with AccName/EltName bound. A
// missing array yields a missing result.
type ArrayFold struct {
	typed
	A       Node
	Zero    Node
	AccName string
	EltName string
	Body    Node
}

// StructField is one named field expression of MakeStruct/InsertFields.
type StructField struct {
	Name string
	N    Node
}

// MakeStruct constructs a struct from field expressions.
type MakeStruct struct {
	typed
	Fields []StructField
}

// MakeTuple constructs a tuple from element expressions.
type MakeTuple struct {
	typed
	Elts []Node
}

// GetField loads a struct field; missing if the struct or field is.
type GetField struct {
	typed
	O    Node
	Name string
}

// GetTupleElement loads tuple element Idx.
type GetTupleElement struct {
	typed
	O   Node
	Idx int
}

// InsertFields overrides or appends fields of a struct. An overridden
// field recovers from the old field's missingness.
type InsertFields struct {
	typed
	O      Node
	Fields []StructField
}

// AggMap maps Body over the ambient aggregable.
type AggMap struct {
	typed
	Name string
	A    Node
	Body Node
}

// AggFilter suppresses aggregable elements failing Body.
type AggFilter struct {
	typed
	Name string
	A    Node
	Body Node
}

// AggFlatMap expands each aggregable element into the array produced by
// Body.
type AggFlatMap struct {
	typed
	Name string
	A    Node
	Body Node
}

// ApplyAggOp aggregates the aggregable expression Agg with the given
// operation. Nested aggregations are rejected at inference time.
type ApplyAggOp struct {
	typed
	Agg  Node
	Op   agg.Op
	Args []int64

	aggIndex int // assigned during compilation
}

// Apply invokes a registry function.
type Apply struct {
	typed
	Name string
	Args []Node
}

// inferEnv is the lexical environment for inference.
type inferEnv struct {
	parent *inferEnv
	name   string
	typ    rtype.Type
}

func (e *inferEnv) bind(name string, t rtype.Type) *inferEnv {
	return &inferEnv{parent: e, name: name, typ: t}
}

func (e *inferEnv) lookup(name string) (rtype.Type, bool) {
	for ; e != nil; e = e.parent {
		if e.name == name {
			return e.typ, true
		}
	}
	return nil, false
}

// InferContext carries the ambient typing of a routine: the user argument
// types and, for aggregator routines, the aggregable element type plus the
// scope variables declared by the aggregable's symbol table.
type InferContext struct {
	Args     []rtype.Type
	AggElem  rtype.Type
	AggScope []ScopeVar
	Registry *FunctionRegistry
}

// ScopeVar is one aggregable scope variable (name and type); scope value/
// missing pairs follow the element pair in the aggregator routine's
// argument block.
type ScopeVar struct {
	Name string
	Typ  rtype.Type
}

// Infer assigns result types to every node of root, or reports the first
// type error.
func Infer(root Node, ctx *InferContext) error {
	if ctx.Registry == nil {
		ctx.Registry = Builtins()
	}
	var env *inferEnv
	for _, sv := range ctx.AggScope {
		env = env.bind(sv.Name, sv.Typ)
	}
	return infer(root, ctx, env, false)
}

func isNumeric(t rtype.Type) bool {
	switch t.Kind() {
	case rtype.Int32Kind, rtype.Int64Kind, rtype.Float32Kind, rtype.Float64Kind:
		return true
	}
	return false
}

// unify finds the common numeric type of two operands.
func unify(a, b rtype.Type) (rtype.Type, error) {
	if !isNumeric(a) || !isNumeric(b) {
		if a.Kind() == b.Kind() {
			return a, nil
		}
		return nil, errors.Errorf("ir: cannot unify %v and %v", a, b)
	}
	k := a.Kind()
	if b.Kind() > k {
		k = b.Kind()
	}
	switch k {
	case rtype.Int32Kind:
		return &rtype.TInt32{}, nil
	case rtype.Int64Kind:
		return &rtype.TInt64{}, nil
	case rtype.Float32Kind:
		return &rtype.TFloat32{}, nil
	default:
		return &rtype.TFloat64{}, nil
	}
}

func infer(n Node, ctx *InferContext, env *inferEnv, inAgg bool) error {
	switch nn := n.(type) {
	case *I32:
		nn.typ = &rtype.TInt32{Req: true}
	case *I64:
		nn.typ = &rtype.TInt64{Req: true}
	case *F32:
		nn.typ = &rtype.TFloat32{Req: true}
	case *F64:
		nn.typ = &rtype.TFloat64{Req: true}
	case *Str:
		nn.typ = &rtype.TString{Req: true}
	case *Bool:
		nn.typ = &rtype.TBool{Req: true}
	case *NA:
		nn.typ = nn.T
	case *In:
		if inAgg {
			return errors.New("ir: In is not allowed inside an aggregator subtree")
		}
		if nn.Idx < 0 || nn.Idx >= len(ctx.Args) {
			return errors.Errorf("ir: input %d out of range (%d inputs)", nn.Idx, len(ctx.Args))
		}
		nn.typ = ctx.Args[nn.Idx]
	case *AggIn:
		if !inAgg {
			return errors.New("ir: AggIn outside an aggregator subtree")
		}
		if ctx.AggElem == nil {
			return errors.New("ir: no ambient aggregable element type")
		}
		nn.typ = ctx.AggElem
	case *Ref:
		t, ok := env.lookup(nn.Name)
		if !ok {
			return errors.Errorf("ir: unbound reference %q", nn.Name)
		}
		nn.typ = t
	case *Let:
		if err := infer(nn.Value, ctx, env, inAgg); err != nil {
			return err
		}
		if err := infer(nn.Body, ctx, env.bind(nn.Name, nn.Value.Typ()), inAgg); err != nil {
			return err
		}
		nn.typ = nn.Body.Typ()
	case *MapNA:
		if err := infer(nn.Value, ctx, env, inAgg); err != nil {
			return err
		}
		if err := infer(nn.Body, ctx, env.bind(nn.Name, nn.Value.Typ()), inAgg); err != nil {
			return err
		}
		nn.typ = nn.Body.Typ()
	case *If:
		if err := inferAll(ctx, env, inAgg, nn.Cond, nn.Then, nn.Else); err != nil {
			return err
		}
		if nn.Cond.Typ().Kind() != rtype.BoolKind {
			return errors.Errorf("ir: if condition must be bool, got %v", nn.Cond.Typ())
		}
		t, err := unify(nn.Then.Typ(), nn.Else.Typ())
		if err != nil {
			return err
		}
		nn.typ = t
	case *IsNA:
		if err := infer(nn.X, ctx, env, inAgg); err != nil {
			return err
		}
		nn.typ = &rtype.TBool{Req: true}
	case *Cast:
		if err := infer(nn.X, ctx, env, inAgg); err != nil {
			return err
		}
		if !isNumeric(nn.X.Typ()) || !isNumeric(nn.To) {
			return errors.Errorf("ir: cannot cast %v to %v", nn.X.Typ(), nn.To)
		}
		nn.typ = nn.To
	case *Unary:
		if err := infer(nn.X, ctx, env, inAgg); err != nil {
			return err
		}
		switch nn.Op {
		case "-":
			if !isNumeric(nn.X.Typ()) {
				return errors.Errorf("ir: cannot negate %v", nn.X.Typ())
			}
			nn.typ = nn.X.Typ()
		case "!":
			if nn.X.Typ().Kind() != rtype.BoolKind {
				return errors.Errorf("ir: cannot logically negate %v", nn.X.Typ())
			}
			nn.typ = &rtype.TBool{}
		default:
			return errors.Errorf("ir: unknown unary operator %q", nn.Op)
		}
	case *Binary:
		if err := inferAll(ctx, env, inAgg, nn.L, nn.R); err != nil {
			return err
		}
		lt, rt := nn.L.Typ(), nn.R.Typ()
		switch nn.Op {
		case OpAdd, OpSub, OpMul, OpFloorDiv, OpMod:
			t, err := unify(lt, rt)
			if err != nil || !isNumeric(t) {
				return errors.Errorf("ir: %v undefined over %v, %v", nn.Op, lt, rt)
			}
			nn.typ = t
		case OpDiv:
			t, err := unify(lt, rt)
			if err != nil || !isNumeric(t) {
				return errors.Errorf("ir: %v undefined over %v, %v", nn.Op, lt, rt)
			}
			// True division is floating.
			if t.Kind() == rtype.Int32Kind || t.Kind() == rtype.Int64Kind {
				t = &rtype.TFloat64{}
			}
			nn.typ = t
		case OpEq, OpNE, OpLT, OpLE, OpGT, OpGE:
			if _, err := unify(lt, rt); err != nil {
				return err
			}
			nn.typ = &rtype.TBool{}
		case OpAnd, OpOr:
			if lt.Kind() != rtype.BoolKind || rt.Kind() != rtype.BoolKind {
				return errors.Errorf("ir: %v requires bool operands", nn.Op)
			}
			nn.typ = &rtype.TBool{}
		default:
			return errors.Errorf("ir: unknown operator %q", nn.Op)
		}
	case *MakeArray:
		for _, e := range nn.Elts {
			if err := infer(e, ctx, env, inAgg); err != nil {
				return err
			}
		}
		if nn.T == nil {
			if len(nn.Elts) == 0 {
				return errors.New("ir: MakeArray with no elements needs an explicit type")
			}
			nn.T = &rtype.TArray{Elt: nn.Elts[0].Typ()}
		}
		for _, e := range nn.Elts {
			if e.Typ().Kind() != nn.T.Elt.Kind() {
				return errors.Errorf("ir: array element %v does not match %v", e.Typ(), nn.T.Elt)
			}
		}
		nn.typ = nn.T
	case *ArrayRef:
		if err := inferAll(ctx, env, inAgg, nn.A, nn.I); err != nil {
			return err
		}
		at, ok := nn.A.Typ().Fundamental().(*rtype.TArray)
		if !ok {
			return errors.Errorf("ir: cannot index %v", nn.A.Typ())
		}
		if nn.I.Typ().Kind() != rtype.Int32Kind {
			return errors.Errorf("ir: array index must be int32, got %v", nn.I.Typ())
		}
		nn.typ = at.Elt
	case *ArrayLen:
		if err := infer(nn.A, ctx, env, inAgg); err != nil {
			return err
		}
		if _, ok := nn.A.Typ().Fundamental().(*rtype.TArray); !ok {
			return errors.Errorf("ir: cannot take length of %v", nn.A.Typ())
		}
		nn.typ = &rtype.TInt32{Req: true}
	case *ArrayRange:
		if err := inferAll(ctx, env, inAgg, nn.Start, nn.Stop, nn.Step); err != nil {
			return err
		}
		for _, c := range []Node{nn.Start, nn.Stop, nn.Step} {
			if c.Typ().Kind() != rtype.Int32Kind {
				return errors.Errorf("ir: range bounds must be int32, got %v", c.Typ())
			}
		}
		nn.typ = &rtype.TArray{Elt: &rtype.TInt32{Req: true}}
	case *ArrayMap:
		if _, err := inferArrayLambda(ctx, env, inAgg, nn.A, nn.Name, nn.Body); err != nil {
			return err
		}
		nn.typ = &rtype.TArray{Elt: nn.Body.Typ()}
	case *ArrayFilter:
		if _, err := inferArrayLambda(ctx, env, inAgg, nn.A, nn.Name, nn.Body); err != nil {
			return err
		}
		if nn.Body.Typ().Kind() != rtype.BoolKind {
			return errors.Errorf("ir: filter predicate must be bool, got %v", nn.Body.Typ())
		}
		nn.typ = nn.A.Typ()
	case *ArrayFlatMap:
		if _, err := inferArrayLambda(ctx, env, inAgg, nn.A, nn.Name, nn.Body); err != nil {
			return err
		}
		bt, ok := nn.Body.Typ().Fundamental().(*rtype.TArray)
		if !ok {
			return errors.Errorf("ir: flatmap body must produce an array, got %v", nn.Body.Typ())
		}
		nn.typ = &rtype.TArray{Elt: bt.Elt}
	case *ArrayFold:
		if err := infer(nn.A, ctx, env, inAgg); err != nil {
			return err
		}
		at, ok := nn.A.Typ().Fundamental().(*rtype.TArray)
		if !ok {
			return errors.Errorf("ir: cannot fold %v", nn.A.Typ())
		}
		if err := infer(nn.Zero, ctx, env, inAgg); err != nil {
			return err
		}
		benv := env.bind(nn.AccName, nn.Zero.Typ()).bind(nn.EltName, at.Elt)
		if err := infer(nn.Body, ctx, benv, inAgg); err != nil {
			return err
		}
		if nn.Body.Typ().Kind() != nn.Zero.Typ().Kind() {
			return errors.Errorf("ir: fold body %v does not match zero %v", nn.Body.Typ(), nn.Zero.Typ())
		}
		nn.typ = nn.Zero.Typ()
	case *MakeStruct:
		fields := make([]rtype.Field, len(nn.Fields))
		for i, f := range nn.Fields {
			if err := infer(f.N, ctx, env, inAgg); err != nil {
				return err
			}
			fields[i] = rtype.Field{Name: f.Name, Typ: f.N.Typ()}
		}
		nn.typ = rtype.NewStruct(true, fields...)
	case *MakeTuple:
		types := make([]rtype.Type, len(nn.Elts))
		for i, e := range nn.Elts {
			if err := infer(e, ctx, env, inAgg); err != nil {
				return err
			}
			types[i] = e.Typ()
		}
		nn.typ = rtype.NewTuple(true, types...)
	case *GetField:
		if err := infer(nn.O, ctx, env, inAgg); err != nil {
			return err
		}
		st, ok := nn.O.Typ().Fundamental().(*rtype.TStruct)
		if !ok {
			return errors.Errorf("ir: cannot select field of %v", nn.O.Typ())
		}
		i := st.FieldIndex(nn.Name)
		if i < 0 {
			return errors.Errorf("ir: no field %q in %v", nn.Name, st)
		}
		nn.typ = st.Fields[i].Typ
	case *GetTupleElement:
		if err := infer(nn.O, ctx, env, inAgg); err != nil {
			return err
		}
		tt, ok := nn.O.Typ().(*rtype.TTuple)
		if !ok {
			return errors.Errorf("ir: cannot select element of %v", nn.O.Typ())
		}
		if nn.Idx < 0 || nn.Idx >= len(tt.Types) {
			return errors.Errorf("ir: tuple index %d out of range", nn.Idx)
		}
		nn.typ = tt.Types[nn.Idx]
	case *InsertFields:
		if err := infer(nn.O, ctx, env, inAgg); err != nil {
			return err
		}
		st, ok := nn.O.Typ().Fundamental().(*rtype.TStruct)
		if !ok {
			return errors.Errorf("ir: cannot insert fields into %v", nn.O.Typ())
		}
		fields := append([]rtype.Field(nil), st.Fields...)
		for _, f := range nn.Fields {
			if err := infer(f.N, ctx, env, inAgg); err != nil {
				return err
			}
			nf := rtype.Field{Name: f.Name, Typ: f.N.Typ()}
			if i := st.FieldIndex(f.Name); i >= 0 {
				fields[i] = nf
			} else {
				fields = append(fields, nf)
			}
		}
		nn.typ = rtype.NewStruct(st.Req, fields...)
	case *AggMap:
		if err := inferAggLambda(ctx, env, nn.A, nn.Name, nn.Body, &nn.typ); err != nil {
			return err
		}
		nn.typ = nn.Body.Typ()
	case *AggFilter:
		if err := inferAggLambda(ctx, env, nn.A, nn.Name, nn.Body, &nn.typ); err != nil {
			return err
		}
		if nn.Body.Typ().Kind() != rtype.BoolKind {
			return errors.Errorf("ir: agg filter predicate must be bool, got %v", nn.Body.Typ())
		}
		nn.typ = nn.A.Typ()
	case *AggFlatMap:
		if err := inferAggLambda(ctx, env, nn.A, nn.Name, nn.Body, &nn.typ); err != nil {
			return err
		}
		bt, ok := nn.Body.Typ().Fundamental().(*rtype.TArray)
		if !ok {
			return errors.Errorf("ir: agg flatmap body must produce an array, got %v", nn.Body.Typ())
		}
		nn.typ = bt.Elt
	case *ApplyAggOp:
		if inAgg {
			return errors.New("ir: nested aggregations are not supported")
		}
		if err := infer(nn.Agg, ctx, env, true); err != nil {
			return err
		}
		t, err := agg.ResultType(nn.Op, nn.Agg.Typ())
		if err != nil {
			return err
		}
		nn.typ = t
	case *Apply:
		if inAgg {
			return errors.New("ir: Apply is not allowed inside an aggregator subtree")
		}
		argTypes := make([]rtype.Type, len(nn.Args))
		for i, a := range nn.Args {
			if err := infer(a, ctx, env, inAgg); err != nil {
				return err
			}
			argTypes[i] = a.Typ()
		}
		impl, err := ctx.Registry.Lookup(nn.Name, argTypes)
		if err != nil {
			return err
		}
		nn.typ = impl.RetType
	default:
		return errors.Errorf("ir: unhandled node %T", n)
	}
	return nil
}

func inferAll(ctx *InferContext, env *inferEnv, inAgg bool, ns ...Node) error {
	for _, n := range ns {
		if err := infer(n, ctx, env, inAgg); err != nil {
			return err
		}
	}
	return nil
}

func inferArrayLambda(ctx *InferContext, env *inferEnv, inAgg bool, a Node, name string, body Node) (*rtype.TArray, error) {
	if err := infer(a, ctx, env, inAgg); err != nil {
		return nil, err
	}
	at, ok := a.Typ().Fundamental().(*rtype.TArray)
	if !ok {
		return nil, errors.Errorf("ir: expected an array, got %v", a.Typ())
	}
	if err := infer(body, ctx, env.bind(name, at.Elt), inAgg); err != nil {
		return nil, err
	}
	return at, nil
}

// inferAggLambda types an aggregable combinator: A is the inner aggregable
// (typed with inAgg=true) and Body the per-element lambda.
func inferAggLambda(ctx *InferContext, env *inferEnv, a Node, name string, body Node, _ *rtype.Type) error {
	if err := infer(a, ctx, env, true); err != nil {
		return err
	}
	return infer(body, ctx, env.bind(name, a.Typ()), true)
}
