// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package rtype

import (
	"math"

	"github.com/pkg/errors"

	"github.com/grailbio/rvd/region"
)

// This file implements the binary value codec used to ship rows across
// partition boundaries and to store them in partition files. The encoding
// is a canonical depth-first walk of the fundamental type: primitives are
// little-endian, strings are 4-byte length + payload, arrays are length +
// missing bits + defined elements, structs are missing bits + defined
// fields. Decoding rebuilds the value in a fresh region via the row
// builder, so decoded values are valid region values of the same type.

// Encode appends the canonical encoding of the value of type t at
// (r, off) to buf and returns the extended buffer.
func Encode(t Type, r *region.Region, off int64, buf []byte) []byte {
	switch tt := t.Fundamental().(type) {
	case *TBool:
		if r.LoadBool(off) {
			return append(buf, 1)
		}
		return append(buf, 0)
	case *TInt32, *TCall:
		return appendUint32(buf, uint32(r.LoadInt32(off)))
	case *TInt64:
		return appendUint64(buf, uint64(r.LoadInt64(off)))
	case *TFloat32:
		return appendUint32(buf, math.Float32bits(r.LoadFloat32(off)))
	case *TFloat64:
		return appendUint64(buf, math.Float64bits(r.LoadFloat64(off)))
	case *TString, *TBinary:
		b := LoadBytes(r, off)
		buf = appendUint32(buf, uint32(len(b)))
		return append(buf, b...)
	case *TArray:
		n := tt.LoadLength(r, off)
		buf = appendUint32(buf, uint32(n))
		if !tt.Elt.Required() {
			nb := int(tt.missingBytesFor(n))
			buf = append(buf, r.LoadBytes(off+4, int64(nb))...)
		}
		for i := 0; i < n; i++ {
			if tt.IsElementDefined(r, off, i) {
				buf = Encode(tt.Elt, r, tt.LoadElement(r, off, n, i), buf)
			}
		}
		return buf
	case *TStruct:
		if tt.missingBytes > 0 {
			buf = append(buf, r.LoadBytes(off, tt.missingBytes)...)
		}
		for i, f := range tt.Fields {
			if tt.IsFieldDefined(r, off, i) {
				buf = Encode(f.Typ, r, tt.LoadField(r, off, i), buf)
			}
		}
		return buf
	}
	panic("rtype: unencodable type " + t.String())
}

func appendUint32(buf []byte, v uint32) []byte {
	return append(buf, byte(v), byte(v>>8), byte(v>>16), byte(v>>24))
}

func appendUint64(buf []byte, v uint64) []byte {
	return append(buf, byte(v), byte(v>>8), byte(v>>16), byte(v>>24),
		byte(v>>32), byte(v>>40), byte(v>>48), byte(v>>56))
}

// Decoder decodes canonical encodings produced by Encode.
type Decoder struct {
	data []byte
	pos  int
}

// NewDecoder returns a decoder over data.
func NewDecoder(data []byte) *Decoder { return &Decoder{data: data} }

// Done reports whether the input is exhausted.
func (d *Decoder) Done() bool { return d.pos >= len(d.data) }

func (d *Decoder) take(n int) ([]byte, error) {
	if d.pos+n > len(d.data) {
		return nil, errors.Errorf("rtype: truncated value: need %d bytes at %d of %d", n, d.pos, len(d.data))
	}
	b := d.data[d.pos : d.pos+n]
	d.pos += n
	return b, nil
}

func (d *Decoder) uint32() (uint32, error) {
	b, err := d.take(4)
	if err != nil {
		return 0, err
	}
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24, nil
}

func (d *Decoder) uint64() (uint64, error) {
	b, err := d.take(8)
	if err != nil {
		return 0, err
	}
	return uint64(b[0]) | uint64(b[1])<<8 | uint64(b[2])<<16 | uint64(b[3])<<24 |
		uint64(b[4])<<32 | uint64(b[5])<<40 | uint64(b[6])<<48 | uint64(b[7])<<56, nil
}

// Decode reads one value of type t into the builder's current slot. The
// caller brackets the call with Start/End when decoding a root value.
func (d *Decoder) Decode(t Type, b *Builder) error {
	switch tt := t.Fundamental().(type) {
	case *TBool:
		v, err := d.take(1)
		if err != nil {
			return err
		}
		b.AddBool(v[0] != 0)
	case *TInt32, *TCall:
		v, err := d.uint32()
		if err != nil {
			return err
		}
		b.AddInt(int32(v))
	case *TInt64:
		v, err := d.uint64()
		if err != nil {
			return err
		}
		b.AddLong(int64(v))
	case *TFloat32:
		v, err := d.uint32()
		if err != nil {
			return err
		}
		b.AddFloat(math.Float32frombits(v))
	case *TFloat64:
		v, err := d.uint64()
		if err != nil {
			return err
		}
		b.AddDouble(math.Float64frombits(v))
	case *TString:
		n, err := d.uint32()
		if err != nil {
			return err
		}
		v, err := d.take(int(n))
		if err != nil {
			return err
		}
		b.AddString(string(v))
	case *TBinary:
		n, err := d.uint32()
		if err != nil {
			return err
		}
		v, err := d.take(int(n))
		if err != nil {
			return err
		}
		b.AddBinary(v)
	case *TArray:
		un, err := d.uint32()
		if err != nil {
			return err
		}
		n := int(int32(un))
		var mbits []byte
		if !tt.Elt.Required() {
			if mbits, err = d.take(int(tt.missingBytesFor(n))); err != nil {
				return err
			}
		}
		b.StartArray(n)
		for i := 0; i < n; i++ {
			if mbits != nil && mbits[i>>3]&(1<<uint(i&7)) != 0 {
				b.SetMissing()
				continue
			}
			if err := d.Decode(tt.Elt, b); err != nil {
				return err
			}
		}
		b.EndArray()
	case *TStruct:
		var mbits []byte
		var err error
		if tt.missingBytes > 0 {
			if mbits, err = d.take(int(tt.missingBytes)); err != nil {
				return err
			}
		}
		b.StartStruct()
		for i, f := range tt.Fields {
			if mbits != nil && mbits[i>>3]&(1<<uint(i&7)) != 0 {
				b.SetMissing()
				continue
			}
			if err := d.Decode(f.Typ, b); err != nil {
				return err
			}
		}
		b.EndStruct()
	default:
		return errors.Errorf("rtype: undecodable type %v", t)
	}
	return nil
}

// DecodeValue decodes one root value of type t into r, returning its
// region value.
func DecodeValue(t Type, data []byte, r *region.Region) (region.RegionValue, error) {
	d := NewDecoder(data)
	b := NewBuilder(r)
	b.Start(t)
	if err := d.Decode(t, b); err != nil {
		return region.RegionValue{}, err
	}
	return region.RegionValue{R: r, Off: b.End()}, nil
}

// EncodeValue encodes the root value of type t at rv.
func EncodeValue(t Type, rv region.RegionValue) []byte {
	return Encode(t, rv.R, rv.Off, nil)
}
