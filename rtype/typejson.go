// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package rtype

import (
	"encoding/json"

	"github.com/pkg/errors"
)

// typeDescriptor is the JSON form of a Type, used by dataset manifests.
type typeDescriptor struct {
	Kind     string            `json:"kind"`
	Required bool              `json:"required,omitempty"`
	Elt      *typeDescriptor   `json:"elt,omitempty"`
	Key      *typeDescriptor   `json:"key,omitempty"`
	Value    *typeDescriptor   `json:"value,omitempty"`
	Point    *typeDescriptor   `json:"point,omitempty"`
	Fields   []fieldDescriptor `json:"fields,omitempty"`
	Types    []typeDescriptor  `json:"types,omitempty"`
}

type fieldDescriptor struct {
	Name string         `json:"name"`
	Type typeDescriptor `json:"type"`
}

func descriptorOf(t Type) typeDescriptor {
	d := typeDescriptor{Required: t.Required()}
	switch tt := t.(type) {
	case *TBool:
		d.Kind = "bool"
	case *TInt32:
		d.Kind = "int32"
	case *TInt64:
		d.Kind = "int64"
	case *TFloat32:
		d.Kind = "float32"
	case *TFloat64:
		d.Kind = "float64"
	case *TString:
		d.Kind = "string"
	case *TBinary:
		d.Kind = "binary"
	case *TCall:
		d.Kind = "call"
	case *TLocus:
		d.Kind = "locus"
	case *TArray:
		d.Kind = "array"
		e := descriptorOf(tt.Elt)
		d.Elt = &e
	case *TSet:
		d.Kind = "set"
		e := descriptorOf(tt.Elt)
		d.Elt = &e
	case *TDict:
		d.Kind = "dict"
		k, v := descriptorOf(tt.Key), descriptorOf(tt.Value)
		d.Key, d.Value = &k, &v
	case *TStruct:
		d.Kind = "struct"
		d.Fields = make([]fieldDescriptor, len(tt.Fields))
		for i, f := range tt.Fields {
			d.Fields[i] = fieldDescriptor{Name: f.Name, Type: descriptorOf(f.Typ)}
		}
	case *TTuple:
		d.Kind = "tuple"
		d.Types = make([]typeDescriptor, len(tt.Types))
		for i, typ := range tt.Types {
			d.Types[i] = descriptorOf(typ)
		}
	case *TInterval:
		d.Kind = "interval"
		p := descriptorOf(tt.Point)
		d.Point = &p
	default:
		panic("rtype: undescribable type " + t.String())
	}
	return d
}

func (d *typeDescriptor) build() (Type, error) {
	switch d.Kind {
	case "bool":
		return &TBool{Req: d.Required}, nil
	case "int32":
		return &TInt32{Req: d.Required}, nil
	case "int64":
		return &TInt64{Req: d.Required}, nil
	case "float32":
		return &TFloat32{Req: d.Required}, nil
	case "float64":
		return &TFloat64{Req: d.Required}, nil
	case "string":
		return &TString{Req: d.Required}, nil
	case "binary":
		return &TBinary{Req: d.Required}, nil
	case "call":
		return &TCall{Req: d.Required}, nil
	case "locus":
		return &TLocus{Req: d.Required}, nil
	case "array", "set":
		if d.Elt == nil {
			return nil, errors.Errorf("rtype: %s descriptor missing elt", d.Kind)
		}
		elt, err := d.Elt.build()
		if err != nil {
			return nil, err
		}
		if d.Kind == "set" {
			return &TSet{Req: d.Required, Elt: elt}, nil
		}
		return &TArray{Req: d.Required, Elt: elt}, nil
	case "dict":
		if d.Key == nil || d.Value == nil {
			return nil, errors.New("rtype: dict descriptor missing key/value")
		}
		k, err := d.Key.build()
		if err != nil {
			return nil, err
		}
		v, err := d.Value.build()
		if err != nil {
			return nil, err
		}
		return &TDict{Req: d.Required, Key: k, Value: v}, nil
	case "struct":
		fields := make([]Field, len(d.Fields))
		for i, fd := range d.Fields {
			t, err := fd.Type.build()
			if err != nil {
				return nil, err
			}
			fields[i] = Field{Name: fd.Name, Typ: t}
		}
		return NewStruct(d.Required, fields...), nil
	case "tuple":
		types := make([]Type, len(d.Types))
		for i := range d.Types {
			t, err := d.Types[i].build()
			if err != nil {
				return nil, err
			}
			types[i] = t
		}
		return NewTuple(d.Required, types...), nil
	case "interval":
		if d.Point == nil {
			return nil, errors.New("rtype: interval descriptor missing point")
		}
		p, err := d.Point.build()
		if err != nil {
			return nil, err
		}
		return &TInterval{Req: d.Required, Point: p}, nil
	}
	return nil, errors.Errorf("rtype: unknown type kind %q", d.Kind)
}

// MarshalType returns the JSON descriptor of t.
func MarshalType(t Type) ([]byte, error) {
	d := descriptorOf(t)
	return json.Marshal(&d)
}

// UnmarshalType parses a JSON type descriptor.
func UnmarshalType(data []byte) (Type, error) {
	var d typeDescriptor
	if err := json.Unmarshal(data, &d); err != nil {
		return nil, errors.Wrap(err, "rtype: bad type descriptor")
	}
	return d.build()
}
