// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package agg

import (
	"math"

	"github.com/grailbio/rvd/region"
	"github.com/grailbio/rvd/rtype"
)

// countAgg counts every element, missing or not.
type countAgg struct {
	n int64
}

func (a *countAgg) SeqOp(r *region.Region, v uint64, missing bool) { a.n++ }
func (a *countAgg) Combine(other Aggregator)                       { a.n += other.(*countAgg).n }
func (a *countAgg) Result(b *rtype.Builder)                        { b.AddLong(a.n) }
func (a *countAgg) Clone() Aggregator                              { return &countAgg{} }

// fractionAgg computes the fraction of defined elements that are true.
// The result is NaN when no defined element was seen.
type fractionAgg struct {
	nTrue    int64
	nDefined int64
}

func (a *fractionAgg) SeqOp(r *region.Region, v uint64, missing bool) {
	if missing {
		return
	}
	a.nDefined++
	if v != 0 {
		a.nTrue++
	}
}

func (a *fractionAgg) Combine(other Aggregator) {
	o := other.(*fractionAgg)
	a.nTrue += o.nTrue
	a.nDefined += o.nDefined
}

func (a *fractionAgg) Result(b *rtype.Builder) {
	if a.nDefined == 0 {
		b.AddDouble(math.NaN())
		return
	}
	b.AddDouble(float64(a.nTrue) / float64(a.nDefined))
}

func (a *fractionAgg) Clone() Aggregator { return &fractionAgg{} }

// sumIntAgg sums integral inputs; missing elements contribute nothing and
// the zero result is defined.
type sumIntAgg struct {
	typ   rtype.Type
	state int64
}

func (a *sumIntAgg) SeqOp(r *region.Region, v uint64, missing bool) {
	if !missing {
		a.state += unpackInt(a.typ, v)
	}
}

func (a *sumIntAgg) Combine(other Aggregator) { a.state += other.(*sumIntAgg).state }
func (a *sumIntAgg) Result(b *rtype.Builder)  { b.AddLong(a.state) }
func (a *sumIntAgg) Clone() Aggregator        { return &sumIntAgg{typ: a.typ} }

type sumFloatAgg struct {
	unpack func(uint64) float64
	state  float64
}

func (a *sumFloatAgg) SeqOp(r *region.Region, v uint64, missing bool) {
	if !missing {
		a.state += a.unpack(v)
	}
}

func (a *sumFloatAgg) Combine(other Aggregator) { a.state += other.(*sumFloatAgg).state }
func (a *sumFloatAgg) Result(b *rtype.Builder)  { b.AddDouble(a.state) }
func (a *sumFloatAgg) Clone() Aggregator        { return &sumFloatAgg{unpack: a.unpack} }

type productIntAgg struct {
	typ   rtype.Type
	state int64
}

func (a *productIntAgg) SeqOp(r *region.Region, v uint64, missing bool) {
	if !missing {
		a.state *= unpackInt(a.typ, v)
	}
}

func (a *productIntAgg) Combine(other Aggregator) { a.state *= other.(*productIntAgg).state }
func (a *productIntAgg) Result(b *rtype.Builder)  { b.AddLong(a.state) }
func (a *productIntAgg) Clone() Aggregator        { return &productIntAgg{typ: a.typ, state: 1} }

type productFloatAgg struct {
	unpack func(uint64) float64
	state  float64
}

func (a *productFloatAgg) SeqOp(r *region.Region, v uint64, missing bool) {
	if !missing {
		a.state *= a.unpack(v)
	}
}

func (a *productFloatAgg) Combine(other Aggregator) { a.state *= other.(*productFloatAgg).state }
func (a *productFloatAgg) Result(b *rtype.Builder)  { b.AddDouble(a.state) }
func (a *productFloatAgg) Clone() Aggregator {
	return &productFloatAgg{unpack: a.unpack, state: 1}
}

// minMaxAgg keeps the extreme defined input; its result is missing when no
// defined element was seen.
type minMaxAgg struct {
	typ    rtype.Type
	unpack func(uint64) float64
	isMin  bool

	seen  bool
	state uint64
}

func (a *minMaxAgg) SeqOp(r *region.Region, v uint64, missing bool) {
	if missing {
		return
	}
	if !a.seen {
		a.seen, a.state = true, v
		return
	}
	if a.better(v, a.state) {
		a.state = v
	}
}

func (a *minMaxAgg) better(x, y uint64) bool {
	c := cmp(a.unpack(x), a.unpack(y))
	if a.isMin {
		return c < 0
	}
	return c > 0
}

func cmp(x, y float64) int {
	switch {
	case x < y:
		return -1
	case x > y:
		return 1
	}
	return 0
}

func (a *minMaxAgg) Combine(other Aggregator) {
	o := other.(*minMaxAgg)
	if !o.seen {
		return
	}
	a.SeqOp(nil, o.state, false)
}

func (a *minMaxAgg) Result(b *rtype.Builder) {
	if !a.seen {
		b.SetMissing()
		return
	}
	switch a.typ.Kind() {
	case rtype.Int32Kind:
		b.AddInt(int32(uint32(a.state)))
	case rtype.Int64Kind:
		b.AddLong(int64(a.state))
	case rtype.Float32Kind:
		b.AddFloat(math.Float32frombits(uint32(a.state)))
	case rtype.Float64Kind:
		b.AddDouble(math.Float64frombits(a.state))
	}
}

func (a *minMaxAgg) Clone() Aggregator {
	return &minMaxAgg{typ: a.typ, unpack: a.unpack, isMin: a.isMin}
}

// collectAgg gathers every element, including missing ones, in order.
// Compound inputs are materialized out of their region at SeqOp time, so
// the state survives region clears.
type collectAgg struct {
	typ  rtype.Type
	vals []rtype.Annotation
}

func (a *collectAgg) SeqOp(r *region.Region, v uint64, missing bool) {
	if missing {
		a.vals = append(a.vals, nil)
		return
	}
	a.vals = append(a.vals, materialize(a.typ, r, v))
}

func (a *collectAgg) Combine(other Aggregator) {
	a.vals = append(a.vals, other.(*collectAgg).vals...)
}

func (a *collectAgg) Result(b *rtype.Builder) {
	b.StartArray(len(a.vals))
	for _, v := range a.vals {
		b.AddAnnotation(a.typ, v)
	}
	b.EndArray()
}

func (a *collectAgg) Clone() Aggregator { return &collectAgg{typ: a.typ} }

// takeAgg keeps the first n elements in order.
type takeAgg struct {
	typ  rtype.Type
	n    int
	vals []rtype.Annotation
}

func (a *takeAgg) SeqOp(r *region.Region, v uint64, missing bool) {
	if len(a.vals) >= a.n {
		return
	}
	if missing {
		a.vals = append(a.vals, nil)
		return
	}
	a.vals = append(a.vals, materialize(a.typ, r, v))
}

func (a *takeAgg) Combine(other Aggregator) {
	for _, v := range other.(*takeAgg).vals {
		if len(a.vals) >= a.n {
			return
		}
		a.vals = append(a.vals, v)
	}
}

func (a *takeAgg) Result(b *rtype.Builder) {
	b.StartArray(len(a.vals))
	for _, v := range a.vals {
		b.AddAnnotation(a.typ, v)
	}
	b.EndArray()
}

func (a *takeAgg) Clone() Aggregator { return &takeAgg{typ: a.typ, n: a.n} }

// statsAgg accumulates moments for numeric inputs.
type statsAgg struct {
	unpack func(uint64) float64

	n          int64
	sum        float64
	sumSq      float64
	min, max   float64
	hasExtrema bool
}

func (a *statsAgg) SeqOp(r *region.Region, v uint64, missing bool) {
	if missing {
		return
	}
	x := a.unpack(v)
	a.n++
	a.sum += x
	a.sumSq += x * x
	if !a.hasExtrema || x < a.min {
		a.min = x
	}
	if !a.hasExtrema || x > a.max {
		a.max = x
	}
	a.hasExtrema = true
}

func (a *statsAgg) Combine(other Aggregator) {
	o := other.(*statsAgg)
	if o.n == 0 {
		return
	}
	if !a.hasExtrema || o.min < a.min {
		a.min = o.min
	}
	if !a.hasExtrema || o.max > a.max {
		a.max = o.max
	}
	a.hasExtrema = true
	a.n += o.n
	a.sum += o.sum
	a.sumSq += o.sumSq
}

func (a *statsAgg) Result(b *rtype.Builder) {
	b.StartStruct()
	if a.n == 0 {
		b.SetMissing() // mean
		b.SetMissing() // stdev
		b.SetMissing() // min
		b.SetMissing() // max
	} else {
		mean := a.sum / float64(a.n)
		b.AddDouble(mean)
		b.AddDouble(math.Sqrt(a.sumSq/float64(a.n) - mean*mean))
		b.AddDouble(a.min)
		b.AddDouble(a.max)
	}
	b.AddLong(a.n)
	b.AddDouble(a.sum)
	b.EndStruct()
}

func (a *statsAgg) Clone() Aggregator { return &statsAgg{unpack: a.unpack} }

// materialize converts a packed word into an annotation of type t;
// compound values are read out of r at offset v.
func materialize(t rtype.Type, r *region.Region, v uint64) rtype.Annotation {
	switch t.Kind() {
	case rtype.BoolKind:
		return v != 0
	case rtype.Int32Kind:
		return int32(uint32(v))
	case rtype.Int64Kind:
		return int64(v)
	case rtype.Float32Kind:
		return math.Float32frombits(uint32(v))
	case rtype.Float64Kind:
		return math.Float64frombits(uint64(v))
	case rtype.CallKind:
		return rtype.Call(int32(uint32(v)))
	}
	return rtype.ReadAnnotation(t, r, int64(v))
}
