// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package orvd implements ordered, range-partitioned distributed datasets
// of region values. A dataset is a triple of row type descriptor, ordered
// partitioner, and a stream of partitioned region values; within each
// partition rows are non-decreasing by the full sort key K, and each row's
// partition key PK (a prefix of K) lies inside the partition's bound.
package orvd

import (
	"github.com/pkg/errors"

	"github.com/grailbio/rvd/interval"
	"github.com/grailbio/rvd/region"
	"github.com/grailbio/rvd/rtype"
)

// RVDType describes the rows of an ordered dataset: the row struct, the
// full sort key K (field names), and the partition key PK, a prefix of K.
type RVDType struct {
	Row          *rtype.TStruct
	Key          []string
	PartitionKey []string

	KType  *rtype.TStruct
	PKType *rtype.TStruct

	kIdx  []int
	pkIdx []int

	kFieldOrds []rtype.UnsafeOrderingFn
}

// NewRVDType builds the derived key types and orderings.
func NewRVDType(row *rtype.TStruct, key, partitionKey []string) (*RVDType, error) {
	if len(partitionKey) == 0 || len(partitionKey) > len(key) {
		return nil, errors.Errorf("orvd: partition key %v is not a prefix of key %v", partitionKey, key)
	}
	for i, pk := range partitionKey {
		if key[i] != pk {
			return nil, errors.Errorf("orvd: partition key %v is not a prefix of key %v", partitionKey, key)
		}
	}
	t := &RVDType{Row: row, Key: key, PartitionKey: partitionKey}
	t.KType, t.kIdx = row.Select(key)
	t.PKType, t.pkIdx = row.Select(partitionKey)
	t.kFieldOrds = make([]rtype.UnsafeOrderingFn, len(key))
	for i, idx := range t.kIdx {
		t.kFieldOrds[i] = rtype.UnsafeOrdering(row.Fields[idx].Typ, true)
	}
	return t, nil
}

// KeyCompare orders two rows by the full key K, missing fields greatest.
func (t *RVDType) KeyCompare(a, b region.RegionValue) int {
	return t.keyCompareN(a, b, len(t.kIdx))
}

// PKCompare orders two rows by the partition key prefix.
func (t *RVDType) PKCompare(a, b region.RegionValue) int {
	return t.keyCompareN(a, b, len(t.pkIdx))
}

func (t *RVDType) keyCompareN(a, b region.RegionValue, n int) int {
	for i := 0; i < n; i++ {
		idx := t.kIdx[i]
		am := t.Row.IsFieldMissing(a.R, a.Off, idx)
		bm := t.Row.IsFieldMissing(b.R, b.Off, idx)
		if am || bm {
			if am && bm {
				continue
			}
			if am {
				return 1
			}
			return -1
		}
		c := t.kFieldOrds[i](a.R, t.Row.LoadField(a.R, a.Off, idx), b.R, t.Row.LoadField(b.R, b.Off, idx))
		if c != 0 {
			return c
		}
	}
	return 0
}

// PKFromRow projects the row's partition key as an annotation point.
func (t *RVDType) PKFromRow(rv region.RegionValue) rtype.Row {
	return t.projectKey(rv, t.pkIdx)
}

// KFromRow projects the row's full key as an annotation.
func (t *RVDType) KFromRow(rv region.RegionValue) rtype.Row {
	return t.projectKey(rv, t.kIdx)
}

func (t *RVDType) projectKey(rv region.RegionValue, idx []int) rtype.Row {
	out := make(rtype.Row, len(idx))
	for i, j := range idx {
		if t.Row.IsFieldDefined(rv.R, rv.Off, j) {
			out[i] = rtype.ReadAnnotation(t.Row.Fields[j].Typ, rv.R, t.Row.LoadField(rv.R, rv.Off, j))
		}
	}
	return out
}

// PKOrder is the partitioner point ordering: key rows compare field by
// field over the PK types, truncated to the shorter point. Prefix keys
// (and full K points) are thereby honored by projection.
func (t *RVDType) PKOrder() interval.PointOrder {
	ords := make([]func(a, b rtype.Annotation) int, len(t.pkIdx))
	for i, j := range t.pkIdx {
		ords[i] = rtype.Ordering(t.Row.Fields[j].Typ, true)
	}
	return func(a, b interface{}) int {
		ra, rb := a.(rtype.Row), b.(rtype.Row)
		n := len(ra)
		if len(rb) < n {
			n = len(rb)
		}
		if len(ords) < n {
			n = len(ords)
		}
		for i := 0; i < n; i++ {
			if c := ords[i](ra[i], rb[i]); c != 0 {
				return c
			}
		}
		return 0
	}
}

// KOrderAnn orders full-key annotations.
func (t *RVDType) KOrderAnn() func(a, b rtype.Annotation) int {
	ord := rtype.Ordering(t.KType, true)
	return func(a, b rtype.Annotation) int { return ord(a, b) }
}

// ProjectKey materializes the row's full key as a KType value in w's own
// region, replacing w's previous contents. The projection survives the
// source row's region lifetime, so it can be staged across rows.
func (t *RVDType) ProjectKey(rv region.RegionValue, w *region.WritableRegionValue) {
	w.Clear()
	b := rtype.NewBuilder(w.R)
	b.Start(t.KType)
	b.StartStruct()
	for _, j := range t.kIdx {
		if t.Row.IsFieldMissing(rv.R, rv.Off, j) {
			b.SetMissing()
			continue
		}
		b.AddRegionValue(t.Row.Fields[j].Typ,
			region.RegionValue{R: rv.R, Off: t.Row.LoadField(rv.R, rv.Off, j)})
	}
	b.EndStruct()
	w.Off = b.End()
}

// CopyRow deep-copies a row into dst, so it survives the source region's
// next clear.
func (t *RVDType) CopyRow(rv region.RegionValue, dst *region.Region) region.RegionValue {
	b := rtype.NewBuilder(dst)
	b.Start(t.Row)
	b.AddRegionValue(t.Row, rv)
	return region.RegionValue{R: dst, Off: b.End()}
}
