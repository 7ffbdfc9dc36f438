// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package ir

import (
	"math"

	"github.com/grailbio/rvd/rtype"
)

// arrayIter is the compiled form of an array-producing node: a setup
// preamble, a missingness test for the whole array, an optional known
// length, and an emitter that pushes each element through a continuation
// exactly once. Filter and FlatMap drop the known length.
type arrayIter struct {
	setup func(*Frame)
	m     func(*Frame) bool
	// knownLength is non-nil when the element count is computable before
	// iteration; valid after setup when !m.
	knownLength func(*Frame) int32
	emit        func(fr *Frame, cont func(v uint64, m bool))
}

func (c *compiler) emitIter(n Node, env *cenv) (arrayIter, error) {
	switch nn := n.(type) {
	case *ArrayRange:
		return c.emitRangeIter(nn, env)
	case *ArrayMap:
		inner, err := c.emitIter(nn.A, env)
		if err != nil {
			return arrayIter{}, err
		}
		eltSlot := c.newSlot()
		body, err := c.emit(nn.Body, env.bind(nn.Name, binding{slot: eltSlot}))
		if err != nil {
			return arrayIter{}, err
		}
		return arrayIter{
			setup:       inner.setup,
			m:           inner.m,
			knownLength: inner.knownLength,
			emit: func(fr *Frame, cont func(v uint64, m bool)) {
				inner.emit(fr, func(v uint64, m bool) {
					if m {
						storeMissing(fr, eltSlot)
					} else {
						storeValue(fr, eltSlot, v)
					}
					body.setup(fr)
					cont(body.v(fr), body.m(fr))
				})
			},
		}, nil
	case *ArrayFilter:
		inner, err := c.emitIter(nn.A, env)
		if err != nil {
			return arrayIter{}, err
		}
		eltSlot := c.newSlot()
		pred, err := c.emit(nn.Body, env.bind(nn.Name, binding{slot: eltSlot}))
		if err != nil {
			return arrayIter{}, err
		}
		return arrayIter{
			setup: inner.setup,
			m:     inner.m,
			emit: func(fr *Frame, cont func(v uint64, m bool)) {
				inner.emit(fr, func(v uint64, m bool) {
					if m {
						storeMissing(fr, eltSlot)
					} else {
						storeValue(fr, eltSlot, v)
					}
					pred.setup(fr)
					// A missing predicate drops the element.
					if !pred.m(fr) && pred.v(fr) != 0 {
						cont(v, m)
					}
				})
			},
		}, nil
	case *ArrayFlatMap:
		inner, err := c.emitIter(nn.A, env)
		if err != nil {
			return arrayIter{}, err
		}
		eltSlot := c.newSlot()
		benv := env.bind(nn.Name, binding{slot: eltSlot})
		bodyIter, err := c.emitIter(nn.Body, benv)
		if err != nil {
			return arrayIter{}, err
		}
		return arrayIter{
			setup: inner.setup,
			m:     inner.m,
			emit: func(fr *Frame, cont func(v uint64, m bool)) {
				inner.emit(fr, func(v uint64, m bool) {
					if m {
						storeMissing(fr, eltSlot)
					} else {
						storeValue(fr, eltSlot, v)
					}
					bodyIter.setup(fr)
					// A missing inner array contributes no elements.
					if !bodyIter.m(fr) {
						bodyIter.emit(fr, cont)
					}
				})
			},
		}, nil
	case *MakeArray:
		children := make([]triplet, len(nn.Elts))
		for i, e := range nn.Elts {
			t, err := c.emit(e, env)
			if err != nil {
				return arrayIter{}, err
			}
			children[i] = t
		}
		coerces := make([]func(uint64) uint64, len(nn.Elts))
		for i, e := range nn.Elts {
			coerces[i] = coercion(e.Typ(), nn.T.Elt)
		}
		n32 := int32(len(children))
		return arrayIter{
			setup: func(fr *Frame) {
				for _, ch := range children {
					ch.setup(fr)
				}
			},
			m:           func(*Frame) bool { return false },
			knownLength: func(*Frame) int32 { return n32 },
			emit: func(fr *Frame, cont func(v uint64, m bool)) {
				for i, ch := range children {
					if ch.m(fr) {
						cont(0, true)
					} else {
						cont(coerces[i](ch.v(fr)), false)
					}
				}
			},
		}, nil
	}
	// Generic case: any array-valued expression; iterate its elements out
	// of the region.
	tr, err := c.emit(n, env)
	if err != nil {
		return arrayIter{}, err
	}
	at := n.Typ().Fundamental().(*rtype.TArray)
	staged := c.stage(tr)
	return arrayIter{
		setup: staged.setup,
		m:     staged.m,
		knownLength: func(fr *Frame) int32 {
			return int32(at.LoadLength(fr.Region, int64(staged.v(fr))))
		},
		emit: func(fr *Frame, cont func(v uint64, m bool)) {
			off := int64(staged.v(fr))
			n := at.LoadLength(fr.Region, off)
			for i := 0; i < n; i++ {
				if at.IsElementMissing(fr.Region, off, i) {
					cont(0, true)
				} else {
					cont(loadPacked(at.Elt, fr.Region, at.LoadElement(fr.Region, off, n, i)), false)
				}
			}
		},
	}, nil
}

func (c *compiler) emitRangeIter(nn *ArrayRange, env *cenv) (arrayIter, error) {
	start, err := c.emit(nn.Start, env)
	if err != nil {
		return arrayIter{}, err
	}
	stop, err := c.emit(nn.Stop, env)
	if err != nil {
		return arrayIter{}, err
	}
	step, err := c.emit(nn.Step, env)
	if err != nil {
		return arrayIter{}, err
	}
	mSlot := c.newSlot()
	startSlot := c.newSlot()
	stepSlot := c.newSlot()
	lenSlot := c.newSlot()
	return arrayIter{
		setup: func(fr *Frame) {
			start.setup(fr)
			stop.setup(fr)
			step.setup(fr)
			if start.m(fr) || stop.m(fr) || step.m(fr) {
				storeMissing(fr, mSlot)
				storeValue(fr, startSlot, 0)
				storeValue(fr, stepSlot, 0)
				storeValue(fr, lenSlot, 0)
				return
			}
			s := int64(unpackI32(start.v(fr)))
			e := int64(unpackI32(stop.v(fr)))
			d := int64(unpackI32(step.v(fr)))
			if d == 0 {
				fatalf("Array range cannot have step size 0.")
			}
			llen := ceilDiv(e-s, d)
			if llen < 0 {
				llen = 0
			}
			if llen > math.MaxInt32 {
				fatalf("Array range cannot have more than MAXINT elements.")
			}
			storeValue(fr, mSlot, 0)
			storeValue(fr, startSlot, uint64(s))
			storeValue(fr, stepSlot, uint64(d))
			storeValue(fr, lenSlot, uint64(llen))
		},
		m: func(fr *Frame) bool { return fr.localsM[mSlot] },
		knownLength: func(fr *Frame) int32 {
			return int32(int64(fr.locals[lenSlot]))
		},
		emit: func(fr *Frame, cont func(v uint64, m bool)) {
			s := int64(fr.locals[startSlot])
			d := int64(fr.locals[stepSlot])
			n := int64(fr.locals[lenSlot])
			for k := int64(0); k < n; k++ {
				cont(packI32(int32(s+k*d)), false)
			}
		},
	}, nil
}

// ceilDiv computes ceil(a/b) for b != 0.
func ceilDiv(a, b int64) int64 {
	q := a / b
	if a%b != 0 && (a >= 0) == (b >= 0) {
		q++
	}
	return q
}

// iterToValue materializes an array iterator as an array value. With a
// known length the array is preallocated via the row builder and filled by
// a single pass; otherwise elements are buffered into growable value and
// missing-bit arrays, then copied.
func (c *compiler) iterToValue(iter arrayIter, at *rtype.TArray) triplet {
	out := c.newSlot()
	t := slotTriplet(out)
	t.setup = func(fr *Frame) {
		iter.setup(fr)
		if iter.m(fr) {
			storeMissing(fr, out)
			return
		}
		b := rtype.NewBuilder(fr.Region)
		b.Start(at)
		if iter.knownLength != nil {
			n := int(iter.knownLength(fr))
			b.StartArray(n)
			iter.emit(fr, func(v uint64, m bool) {
				if m {
					b.SetMissing()
				} else {
					addPacked(b, at.Elt, fr, v)
				}
			})
			b.EndArray()
			storeValue(fr, out, uint64(b.End()))
			return
		}
		var vals []uint64
		var miss []bool
		iter.emit(fr, func(v uint64, m bool) {
			vals = append(vals, v)
			miss = append(miss, m)
		})
		b.StartArray(len(vals))
		for i, v := range vals {
			if miss[i] {
				b.SetMissing()
			} else {
				addPacked(b, at.Elt, fr, v)
			}
		}
		b.EndArray()
		storeValue(fr, out, uint64(b.End()))
	}
	return t
}
