// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package region

// RegionValue is a (region, offset) handle to a value whose logical type
// is known from context. A RegionValue borrowed beyond its region's next
// Clear() is undefined.
type RegionValue struct {
	R   *Region
	Off int64
}

// IsDefined reports whether rv refers into a region at all. The zero
// RegionValue is the conventional "no row" marker in iterators.
func (rv RegionValue) IsDefined() bool { return rv.R != nil }

// WritableRegionValue owns a region for materializing a value, typically a
// projection of key fields staged across row boundaries.
type WritableRegionValue struct {
	RegionValue
}

// NewWritable returns a WritableRegionValue with a fresh region.
func NewWritable() *WritableRegionValue {
	return &WritableRegionValue{RegionValue{R: New(64)}}
}

// Clear resets the owned region.
func (w *WritableRegionValue) Clear() {
	w.R.Clear()
	w.Off = 0
}
