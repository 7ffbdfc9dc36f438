// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package agg implements the aggregator protocol invoked by emitted row
// code. An aggregator holds mutable state; SeqOp folds one element into
// the state in-partition, Combine merges partial states across partitions,
// and Result writes the final value through a row builder.
//
// Values arrive packed in the emitter's machine-word convention: bool as
// 0/1, int32/int64 as their bits, float32/float64 via math.Float32bits/math.Float64bits,
// and compound values as an offset into the accompanying region.
//
// Combine is associative for every aggregator here, and commutative except
// for Collect and Take, which are order-sensitive and combined strictly in
// partition order.
package agg

import (
	"math"

	"github.com/pkg/errors"

	"github.com/grailbio/rvd/region"
	"github.com/grailbio/rvd/rtype"
)

// Op names an aggregation operation.
type Op int

const (
	OpCount Op = iota
	OpSum
	OpProduct
	OpMin
	OpMax
	OpCollect
	OpTake
	OpFraction
	OpStats
)

func (op Op) String() string {
	switch op {
	case OpCount:
		return "count"
	case OpSum:
		return "sum"
	case OpProduct:
		return "product"
	case OpMin:
		return "min"
	case OpMax:
		return "max"
	case OpCollect:
		return "collect"
	case OpTake:
		return "take"
	case OpFraction:
		return "fraction"
	case OpStats:
		return "stats"
	}
	return "unknown"
}

// Aggregator is the per-partition state of one aggregation.
type Aggregator interface {
	// SeqOp folds one element into the state. r is the region holding
	// compound values; missing elements carry an undefined v.
	SeqOp(r *region.Region, v uint64, missing bool)
	// Combine merges other (an aggregator of the same concrete type and
	// zero or more SeqOps) into the receiver.
	Combine(other Aggregator)
	// Result writes the final value into the builder's current slot.
	Result(b *rtype.Builder)
	// Clone returns a fresh aggregator with zero state.
	Clone() Aggregator
}

// statsResultType is the result of OpStats.
var statsResultType = rtype.NewStruct(false,
	rtype.Field{Name: "mean", Typ: &rtype.TFloat64{}},
	rtype.Field{Name: "stdev", Typ: &rtype.TFloat64{}},
	rtype.Field{Name: "min", Typ: &rtype.TFloat64{}},
	rtype.Field{Name: "max", Typ: &rtype.TFloat64{}},
	rtype.Field{Name: "n", Typ: &rtype.TInt64{Req: true}},
	rtype.Field{Name: "sum", Typ: &rtype.TFloat64{Req: true}},
)

// ResultType returns the logical result type of op over elements of
// inputType.
func ResultType(op Op, inputType rtype.Type) (rtype.Type, error) {
	switch op {
	case OpCount:
		return &rtype.TInt64{Req: true}, nil
	case OpFraction:
		return &rtype.TFloat64{Req: true}, nil
	case OpSum, OpProduct:
		switch inputType.Kind() {
		case rtype.Int32Kind, rtype.Int64Kind:
			return &rtype.TInt64{Req: true}, nil
		case rtype.Float32Kind, rtype.Float64Kind:
			return &rtype.TFloat64{Req: true}, nil
		}
		return nil, errors.Errorf("agg: %v undefined over %v", op, inputType)
	case OpMin, OpMax:
		switch inputType.Kind() {
		case rtype.Int32Kind, rtype.Int64Kind, rtype.Float32Kind, rtype.Float64Kind:
			return optional(inputType), nil
		}
		return nil, errors.Errorf("agg: %v undefined over %v", op, inputType)
	case OpCollect, OpTake:
		return &rtype.TArray{Req: true, Elt: inputType}, nil
	case OpStats:
		switch inputType.Kind() {
		case rtype.Int32Kind, rtype.Int64Kind, rtype.Float32Kind, rtype.Float64Kind:
			return statsResultType, nil
		}
		return nil, errors.Errorf("agg: stats undefined over %v", inputType)
	}
	return nil, errors.Errorf("agg: unknown op %v", op)
}

func optional(t rtype.Type) rtype.Type {
	switch tt := t.(type) {
	case *rtype.TInt32:
		return &rtype.TInt32{}
	case *rtype.TInt64:
		return &rtype.TInt64{}
	case *rtype.TFloat32:
		return &rtype.TFloat32{}
	case *rtype.TFloat64:
		return &rtype.TFloat64{}
	default:
		return tt
	}
}

// New returns a zero-state aggregator for op over elements of inputType.
// args carries op-specific parameters (Take: [n]).
func New(op Op, inputType rtype.Type, args ...int64) (Aggregator, error) {
	if _, err := ResultType(op, inputType); err != nil {
		return nil, err
	}
	isFloat := inputType.Kind() == rtype.Float32Kind || inputType.Kind() == rtype.Float64Kind
	unpack := unpackerFor(inputType)
	switch op {
	case OpCount:
		return &countAgg{}, nil
	case OpFraction:
		if inputType.Kind() != rtype.BoolKind {
			return nil, errors.Errorf("agg: fraction requires bool input, got %v", inputType)
		}
		return &fractionAgg{}, nil
	case OpSum:
		if isFloat {
			return &sumFloatAgg{unpack: unpack}, nil
		}
		return &sumIntAgg{typ: inputType}, nil
	case OpProduct:
		if isFloat {
			return &productFloatAgg{unpack: unpack, state: 1}, nil
		}
		return &productIntAgg{typ: inputType, state: 1}, nil
	case OpMin:
		return &minMaxAgg{unpack: unpack, typ: inputType, isMin: true}, nil
	case OpMax:
		return &minMaxAgg{unpack: unpack, typ: inputType, isMin: false}, nil
	case OpCollect:
		return &collectAgg{typ: inputType}, nil
	case OpTake:
		if len(args) != 1 || args[0] < 0 {
			return nil, errors.Errorf("agg: take requires a non-negative count")
		}
		return &takeAgg{typ: inputType, n: int(args[0])}, nil
	case OpStats:
		return &statsAgg{unpack: unpack}, nil
	}
	return nil, errors.Errorf("agg: unknown op %v", op)
}

// unpackerFor converts a packed machine word into a float64 for numeric
// aggregators; integral inputs convert exactly for the int variants.
func unpackerFor(t rtype.Type) func(uint64) float64 {
	switch t.Kind() {
	case rtype.Int32Kind:
		return func(v uint64) float64 { return float64(int32(uint32(v))) }
	case rtype.Int64Kind:
		return func(v uint64) float64 { return float64(int64(v)) }
	case rtype.Float32Kind:
		return func(v uint64) float64 { return float64(math.Float32frombits(uint32(v))) }
	case rtype.Float64Kind:
		return func(v uint64) float64 { return math.Float64frombits(v) }
	}
	return nil
}

func unpackInt(t rtype.Type, v uint64) int64 {
	if t.Kind() == rtype.Int32Kind {
		return int64(int32(uint32(v)))
	}
	return int64(v)
}
