// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package region_test

import (
	"testing"

	"github.com/grailbio/rvd/region"
	"github.com/grailbio/testutil/expect"
)

func TestAllocateAligned(t *testing.T) {
	r := region.New(4)
	r.Allocate(3)
	off := r.AllocateAligned(8, 8)
	expect.EQ(t, off, int64(8))
	expect.EQ(t, r.Size(), int64(16))
	r.Clear()
	expect.EQ(t, r.Allocate(1), int64(0))
}

func TestLoadStore(t *testing.T) {
	r := region.New(16)
	off := r.Allocate(64)
	r.StoreInt32(off, -12345)
	r.StoreInt64(off+8, 1<<40)
	r.StoreFloat64(off+16, 3.25)
	r.StoreFloat32(off+24, -0.5)
	r.StoreBool(off+28, true)
	expect.EQ(t, r.LoadInt32(off), int32(-12345))
	expect.EQ(t, r.LoadInt64(off+8), int64(1<<40))
	expect.EQ(t, r.LoadFloat64(off+16), 3.25)
	expect.EQ(t, r.LoadFloat32(off+24), float32(-0.5))
	expect.True(t, r.LoadBool(off+28))
}

func TestBits(t *testing.T) {
	r := region.New(16)
	off := r.Allocate(4)
	for i := int64(0); i < 4; i++ {
		r.StoreByte(off+i, 0)
	}
	r.SetBit(off, 0)
	r.SetBit(off, 9)
	r.SetBit(off, 17)
	expect.True(t, r.LoadBit(off, 0))
	expect.True(t, r.LoadBit(off, 9))
	expect.True(t, r.LoadBit(off, 17))
	expect.False(t, r.LoadBit(off, 1))
	r.ClearBit(off, 9)
	expect.False(t, r.LoadBit(off, 9))
}

func TestCopy(t *testing.T) {
	r := region.New(8)
	off := r.AppendBytes([]byte("hello"))
	c := r.Copy()
	r.StoreByte(off, 'H')
	expect.EQ(t, string(c.LoadBytes(off, 5)), "hello")
	expect.EQ(t, string(r.LoadBytes(off, 5)), "Hello")
}

func TestGrow(t *testing.T) {
	r := region.New(2)
	off := r.Allocate(100)
	r.StoreInt64(off+90, 7)
	expect.EQ(t, r.LoadInt64(off+90), int64(7))
}
