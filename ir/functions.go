// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package ir

import (
	"math"

	"github.com/pkg/errors"

	"github.com/grailbio/rvd/rtype"
)

// FunctionImpl is one registered user function, keyed by name and declared
// argument kinds. The emitter resolves a call site once and memoizes the
// bound implementation in the compiled routine.
type FunctionImpl struct {
	Name     string
	ArgTypes []rtype.Type
	RetType  rtype.Type
	// Fn receives defined, packed arguments; missing arguments never
	// reach it (the call is strict). A true second result marks the
	// call's result missing.
	Fn func(fr *Frame, args []uint64) (uint64, bool)
}

// FunctionRegistry resolves Apply nodes. Overloads are distinguished by
// argument kinds; the first registration whose declared kinds equal the
// actual argument kinds wins. Arguments are not promoted or unified to
// reach an overload: an int32 argument does not match an int64 parameter.
type FunctionRegistry struct {
	impls map[string][]*FunctionImpl
}

// NewRegistry returns an empty registry.
func NewRegistry() *FunctionRegistry {
	return &FunctionRegistry{impls: make(map[string][]*FunctionImpl)}
}

// Register adds an implementation.
func (r *FunctionRegistry) Register(impl *FunctionImpl) {
	r.impls[impl.Name] = append(r.impls[impl.Name], impl)
}

// Lookup resolves name against the actual argument types.
func (r *FunctionRegistry) Lookup(name string, argTypes []rtype.Type) (*FunctionImpl, error) {
	for _, impl := range r.impls[name] {
		if len(impl.ArgTypes) != len(argTypes) {
			continue
		}
		ok := true
		for i, dt := range impl.ArgTypes {
			if dt.Kind() != argTypes[i].Kind() {
				ok = false
				break
			}
		}
		if ok {
			return impl, nil
		}
	}
	return nil, errors.Errorf("ir: no function %q over %v", name, argTypes)
}

var builtins *FunctionRegistry

// Builtins returns the shared registry of built-in functions.
func Builtins() *FunctionRegistry {
	if builtins != nil {
		return builtins
	}
	r := NewRegistry()
	f64 := &rtype.TFloat64{Req: true}
	i32 := &rtype.TInt32{Req: true}
	i64 := &rtype.TInt64{Req: true}
	str := &rtype.TString{Req: true}

	unaryF64 := func(name string, fn func(float64) float64) {
		r.Register(&FunctionImpl{
			Name: name, ArgTypes: []rtype.Type{f64}, RetType: f64,
			Fn: func(fr *Frame, args []uint64) (uint64, bool) {
				return packF64(fn(unpackF64(args[0]))), false
			},
		})
	}
	unaryF64("sqrt", math.Sqrt)
	unaryF64("log", math.Log)
	unaryF64("log10", math.Log10)
	unaryF64("exp", math.Exp)
	unaryF64("floor", math.Floor)
	unaryF64("ceil", math.Ceil)
	unaryF64("abs", math.Abs)

	r.Register(&FunctionImpl{
		Name: "abs", ArgTypes: []rtype.Type{i32}, RetType: i32,
		Fn: func(fr *Frame, args []uint64) (uint64, bool) {
			v := unpackI32(args[0])
			if v < 0 {
				v = -v
			}
			return packI32(v), false
		},
	})
	r.Register(&FunctionImpl{
		Name: "abs", ArgTypes: []rtype.Type{i64}, RetType: i64,
		Fn: func(fr *Frame, args []uint64) (uint64, bool) {
			v := int64(args[0])
			if v < 0 {
				v = -v
			}
			return uint64(v), false
		},
	})

	binNum := func(name string, fn func(x, y int64) int64) {
		r.Register(&FunctionImpl{
			Name: name, ArgTypes: []rtype.Type{i32, i32}, RetType: i32,
			Fn: func(fr *Frame, args []uint64) (uint64, bool) {
				return packI32(int32(fn(int64(unpackI32(args[0])), int64(unpackI32(args[1]))))), false
			},
		})
		r.Register(&FunctionImpl{
			Name: name, ArgTypes: []rtype.Type{i64, i64}, RetType: i64,
			Fn: func(fr *Frame, args []uint64) (uint64, bool) {
				return uint64(fn(int64(args[0]), int64(args[1]))), false
			},
		})
	}
	binNum("min", func(x, y int64) int64 {
		if x < y {
			return x
		}
		return y
	})
	binNum("max", func(x, y int64) int64 {
		if x > y {
			return x
		}
		return y
	})
	r.Register(&FunctionImpl{
		Name: "min", ArgTypes: []rtype.Type{f64, f64}, RetType: f64,
		Fn: func(fr *Frame, args []uint64) (uint64, bool) {
			return packF64(math.Min(unpackF64(args[0]), unpackF64(args[1]))), false
		},
	})
	r.Register(&FunctionImpl{
		Name: "max", ArgTypes: []rtype.Type{f64, f64}, RetType: f64,
		Fn: func(fr *Frame, args []uint64) (uint64, bool) {
			return packF64(math.Max(unpackF64(args[0]), unpackF64(args[1]))), false
		},
	})
	r.Register(&FunctionImpl{
		Name: "strlen", ArgTypes: []rtype.Type{str}, RetType: i32,
		Fn: func(fr *Frame, args []uint64) (uint64, bool) {
			return packI32(int32(len(rtype.LoadString(fr.Region, int64(args[0]))))), false
		},
	})
	builtins = r
	return r
}
