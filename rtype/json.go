// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package rtype

import (
	"encoding/base64"
	"fmt"
	"math"
	"strconv"

	"github.com/grailbio/base/log"
	"github.com/pkg/errors"

	"github.com/grailbio/rvd/interval"
)

// JSON bindings for values. Integers parse from both JSON numbers and
// numeric strings; "Infinity", "-Infinity" and "NaN" are accepted for
// floats; intervals are {start, end, includeStart, includeEnd}; unknown
// struct fields are warned (rate-limited) and ignored; a null for a
// required field is an error.

// ExportAnnotation converts a value of type t into a JSON-encodable Go
// value (the encoding/json intermediate form).
func ExportAnnotation(t Type, a Annotation) interface{} {
	if a == nil {
		return nil
	}
	switch tt := t.(type) {
	case *TBool, *TInt32, *TInt64, *TString:
		return a
	case *TFloat32:
		return exportFloat(float64(a.(float32)))
	case *TFloat64:
		return exportFloat(a.(float64))
	case *TBinary:
		return base64.StdEncoding.EncodeToString(a.([]byte))
	case *TCall:
		return int32(a.(Call))
	case *TLocus:
		l := a.(Locus)
		return map[string]interface{}{"contig": l.Contig, "position": l.Position}
	case *TArray:
		arr := a.([]Annotation)
		out := make([]interface{}, len(arr))
		for i, e := range arr {
			out[i] = ExportAnnotation(tt.Elt, e)
		}
		return out
	case *TSet:
		return ExportAnnotation(tt.Fundamental(), a)
	case *TDict:
		entries := a.([]DictEntry)
		out := make([]interface{}, len(entries))
		for i, e := range entries {
			out[i] = map[string]interface{}{
				"key":   ExportAnnotation(tt.Key, e.Key),
				"value": ExportAnnotation(tt.Value, e.Value),
			}
		}
		return out
	case *TStruct:
		row := a.(Row)
		out := make(map[string]interface{}, len(tt.Fields))
		for i, f := range tt.Fields {
			out[f.Name] = ExportAnnotation(f.Typ, row[i])
		}
		return out
	case *TTuple:
		row := a.(Row)
		out := make([]interface{}, len(tt.Types))
		for i, typ := range tt.Types {
			out[i] = ExportAnnotation(typ, row[i])
		}
		return out
	case *TInterval:
		iv := a.(interval.Interval)
		return map[string]interface{}{
			"start":        ExportAnnotation(tt.Point, iv.Start),
			"end":          ExportAnnotation(tt.Point, iv.End),
			"includeStart": iv.IncludesStart,
			"includeEnd":   iv.IncludesEnd,
		}
	}
	panic(fmt.Sprintf("rtype: unexportable type %v", t))
}

func exportFloat(f float64) interface{} {
	switch {
	case math.IsInf(f, 1):
		return "Infinity"
	case math.IsInf(f, -1):
		return "-Infinity"
	case math.IsNaN(f):
		return "NaN"
	}
	return f
}

// Importer converts JSON intermediate values into annotations. Unknown-
// field warnings are rate-limited per importer, so one importer should be
// used per partition or per import job.
type Importer struct {
	warnings int
}

const maxImportWarnings = 10

func (imp *Importer) warnf(format string, args ...interface{}) {
	imp.warnings++
	if imp.warnings <= maxImportWarnings {
		log.Printf("import: "+format, args...)
	}
}

// Import converts jv (as produced by encoding/json unmarshalling into
// interface{}) into an annotation of type t.
func (imp *Importer) Import(t Type, jv interface{}) (Annotation, error) {
	if jv == nil {
		if t.Required() {
			return nil, errors.Errorf("import: null value for required type %v", t)
		}
		return nil, nil
	}
	switch tt := t.(type) {
	case *TBool:
		b, ok := jv.(bool)
		if !ok {
			return nil, errors.Errorf("import: expected bool, got %T", jv)
		}
		return b, nil
	case *TInt32:
		v, err := importInt(jv)
		if err != nil {
			return nil, err
		}
		if v < math.MinInt32 || v > math.MaxInt32 {
			return nil, errors.Errorf("import: %d out of int32 range", v)
		}
		return int32(v), nil
	case *TInt64:
		v, err := importInt(jv)
		if err != nil {
			return nil, err
		}
		return v, nil
	case *TFloat32:
		v, err := importFloat(jv)
		if err != nil {
			return nil, err
		}
		return float32(v), nil
	case *TFloat64:
		return importFloat(jv)
	case *TString:
		s, ok := jv.(string)
		if !ok {
			return nil, errors.Errorf("import: expected string, got %T", jv)
		}
		return s, nil
	case *TBinary:
		s, ok := jv.(string)
		if !ok {
			return nil, errors.Errorf("import: expected base64 string, got %T", jv)
		}
		b, err := base64.StdEncoding.DecodeString(s)
		if err != nil {
			return nil, errors.Wrap(err, "import: bad base64")
		}
		return b, nil
	case *TCall:
		v, err := importInt(jv)
		if err != nil {
			return nil, err
		}
		return Call(v), nil
	case *TLocus:
		m, ok := jv.(map[string]interface{})
		if !ok {
			return nil, errors.Errorf("import: expected locus object, got %T", jv)
		}
		contig, ok := m["contig"].(string)
		if !ok {
			return nil, errors.Errorf("import: locus missing contig")
		}
		pos, err := importInt(m["position"])
		if err != nil {
			return nil, err
		}
		return Locus{Contig: contig, Position: int32(pos)}, nil
	case *TArray:
		return imp.importArray(tt.Elt, jv)
	case *TSet:
		a, err := imp.importArray(tt.Elt, jv)
		if err != nil || a == nil {
			return a, err
		}
		arr := a.([]Annotation)
		SortSet(tt.Elt, arr)
		return arr, nil
	case *TDict:
		arr, ok := jv.([]interface{})
		if !ok {
			return nil, errors.Errorf("import: expected dict array, got %T", jv)
		}
		out := make([]DictEntry, len(arr))
		for i, e := range arr {
			m, ok := e.(map[string]interface{})
			if !ok {
				return nil, errors.Errorf("import: expected dict entry object, got %T", e)
			}
			k, err := imp.Import(tt.Key, m["key"])
			if err != nil {
				return nil, err
			}
			v, err := imp.Import(tt.Value, m["value"])
			if err != nil {
				return nil, err
			}
			out[i] = DictEntry{Key: k, Value: v}
		}
		SortDict(tt.Key, out)
		return out, nil
	case *TStruct:
		m, ok := jv.(map[string]interface{})
		if !ok {
			return nil, errors.Errorf("import: expected object for %v, got %T", t, jv)
		}
		for name := range m {
			if tt.FieldIndex(name) < 0 {
				imp.warnf("unknown field %q for %v; ignored", name, tt)
			}
		}
		row := make(Row, len(tt.Fields))
		for i, f := range tt.Fields {
			v, err := imp.Import(f.Typ, m[f.Name])
			if err != nil {
				return nil, errors.Wrapf(err, "field %q", f.Name)
			}
			row[i] = v
		}
		return row, nil
	case *TTuple:
		arr, ok := jv.([]interface{})
		if !ok || len(arr) != len(tt.Types) {
			return nil, errors.Errorf("import: expected %d-tuple, got %T", len(tt.Types), jv)
		}
		row := make(Row, len(tt.Types))
		for i, typ := range tt.Types {
			v, err := imp.Import(typ, arr[i])
			if err != nil {
				return nil, err
			}
			row[i] = v
		}
		return row, nil
	case *TInterval:
		m, ok := jv.(map[string]interface{})
		if !ok {
			imp.warnf("unrecognized interval shape %T; treating as missing", jv)
			if t.Required() {
				return nil, errors.Errorf("import: unrecognized interval for required type %v", t)
			}
			return nil, nil
		}
		start, err := imp.Import(tt.Point, m["start"])
		if err != nil {
			return nil, err
		}
		end, err := imp.Import(tt.Point, m["end"])
		if err != nil {
			return nil, err
		}
		incS, _ := m["includeStart"].(bool)
		incE, _ := m["includeEnd"].(bool)
		return interval.Interval{Start: start, End: end, IncludesStart: incS, IncludesEnd: incE}, nil
	}
	return nil, errors.Errorf("import: unhandled type %v", t)
}

func (imp *Importer) importArray(elt Type, jv interface{}) (Annotation, error) {
	arr, ok := jv.([]interface{})
	if !ok {
		return nil, errors.Errorf("import: expected array, got %T", jv)
	}
	out := make([]Annotation, len(arr))
	for i, e := range arr {
		v, err := imp.Import(elt, e)
		if err != nil {
			return nil, errors.Wrapf(err, "element %d", i)
		}
		out[i] = v
	}
	return out, nil
}

func importInt(jv interface{}) (int64, error) {
	switch v := jv.(type) {
	case float64:
		if v != math.Trunc(v) {
			return 0, errors.Errorf("import: %v is not an integer", v)
		}
		return int64(v), nil
	case string:
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return 0, errors.Errorf("import: %q is not an integer", v)
		}
		return n, nil
	case int32:
		return int64(v), nil
	case int64:
		return v, nil
	case int:
		return int64(v), nil
	}
	return 0, errors.Errorf("import: expected integer, got %T", jv)
}

func importFloat(jv interface{}) (float64, error) {
	switch v := jv.(type) {
	case float64:
		return v, nil
	case string:
		switch v {
		case "Infinity":
			return math.Inf(1), nil
		case "-Infinity":
			return math.Inf(-1), nil
		case "NaN":
			return math.NaN(), nil
		}
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return 0, errors.Errorf("import: %q is not a float", v)
		}
		return f, nil
	}
	return 0, errors.Errorf("import: expected float, got %T", jv)
}
