// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package orvd

import (
	"sort"

	"v.io/x/lib/vlog"

	"github.com/grailbio/rvd/interval"
	"github.com/grailbio/rvd/pstream"
	"github.com/grailbio/rvd/region"
	"github.com/grailbio/rvd/rtype"
)

// Sortedness describes what order a partition's rows were observed in.
type Sortedness int

// Sortedness levels, weakest first. TSorted is a cross-partition property
// (PK blocks do not interleave across partitions); within a partition the
// scanner reports one of the other three.
const (
	Unsorted Sortedness = iota
	PKSorted
	TSorted
	KSorted
)

// CoerceOpts controls coercion sampling.
type CoerceOpts struct {
	// SamplesPerPartition bounds the per-partition key sample (default 100);
	// the global sample is capped at 10^6 keys.
	SamplesPerPartition int
}

const maxGlobalSamples = 1000000

func (o CoerceOpts) samplesPerPartition(nParts int) int {
	k := o.SamplesPerPartition
	if k <= 0 {
		k = 100
	}
	if nParts > 0 && k*nParts > maxGlobalSamples {
		k = maxGlobalSamples / nParts
		if k < 1 {
			k = 1
		}
	}
	return k
}

// partKeyInfo summarizes one scanned partition: row count, extreme keys,
// observed sortedness, and a key sample.
type partKeyInfo struct {
	idx        int
	n          int64
	min, max   rtype.Row // full-K annotations
	sortedness Sortedness
	samples    []rtype.Row
}

func (t *RVDType) pkOf(k rtype.Row) rtype.Row { return k[:len(t.pkIdx)] }

// scanPartitionKeys computes a partKeyInfo per non-empty partition.
func scanPartitionKeys(typ *RVDType, d *pstream.Dataset, maxSamples int) ([]partKeyInfo, error) {
	infos := make([]partKeyInfo, d.NumPartitions())
	err := d.RunPartitions(func(i int, it pstream.Iterator) error {
		defer it.Close()
		info := partKeyInfo{idx: i, sortedness: KSorted}
		kOrd := typ.KOrderAnn()
		pkOrd := typ.PKOrder()
		stride := 1
		var prev rtype.Row
		for it.Scan() {
			rv := rowOf(it.Value())
			k := typ.KFromRow(rv)
			if info.n == 0 {
				info.min, info.max = k, k
			} else {
				if kOrd(k, info.min) < 0 {
					info.min = k
				}
				if kOrd(k, info.max) > 0 {
					info.max = k
				}
				if info.sortedness == KSorted && kOrd(prev, k) > 0 {
					info.sortedness = PKSorted
				}
				if info.sortedness == PKSorted && pkOrd(typ.pkOf(prev), typ.pkOf(k)) > 0 {
					info.sortedness = Unsorted
				}
			}
			if int(info.n)%stride == 0 {
				info.samples = append(info.samples, k)
				if len(info.samples) >= 2*maxSamples {
					half := info.samples[:0]
					for j := 0; j < len(info.samples); j += 2 {
						half = append(half, info.samples[j])
					}
					info.samples = half
					stride *= 2
				}
			}
			prev = k
			info.n++
		}
		infos[i] = info
		return it.Err()
	})
	if err != nil {
		return nil, err
	}
	out := infos[:0]
	for _, info := range infos {
		if info.n > 0 {
			out = append(out, info)
		}
	}
	return out, nil
}

// Coerce builds an ordered dataset from an arbitrary partitioned stream of
// rows of typ.Row. Partition key summaries decide the cheapest path:
// adopt the partitions as-is when they are key-sorted and non-overlapping
// (resolving equal partition keys at partition boundaries by shifting the
// boundary rows to the predecessor), interpose a lazy local key sort when
// partitions are only PK-sorted, and otherwise shuffle into fresh key
// ranges computed from the sample.
func Coerce(typ *RVDType, d *pstream.Dataset, opts CoerceOpts) (*RVD, error) {
	k := opts.samplesPerPartition(d.NumPartitions())
	infos, err := scanPartitionKeys(typ, d, k)
	if err != nil {
		return nil, err
	}
	if len(infos) == 0 {
		return New(typ, &Partitioner{PKType: typ.PKType, ord: typ.PKOrder()}, pstream.Empty(0)), nil
	}
	kOrd := typ.KOrderAnn()
	sort.SliceStable(infos, func(a, b int) bool { return kOrd(infos[a].min, infos[b].min) < 0 })

	pkOrd := typ.PKOrder()
	allKSorted, allPKSorted := true, true
	overlapping, kBoundaryOverlap := false, false
	for i, info := range infos {
		if info.sortedness < KSorted {
			allKSorted = false
		}
		if info.sortedness < PKSorted {
			allPKSorted = false
		}
		if i > 0 {
			if pkOrd(typ.pkOf(infos[i-1].max), typ.pkOf(info.min)) > 0 {
				overlapping = true
			}
			if kOrd(infos[i-1].max, info.min) > 0 {
				kBoundaryOverlap = true
			}
		}
	}
	if allPKSorted && !overlapping {
		// A boundary where only key suffixes interleave is fixed by the
		// local sort, not a shuffle.
		localSort := !allKSorted || kBoundaryOverlap
		if localSort {
			vlog.VI(1).Infof("coerce: adopting %d partitions with local key sort", len(infos))
		} else {
			vlog.VI(1).Infof("coerce: adopting %d partitions as-is", len(infos))
		}
		return adoptSorted(typ, d, infos, localSort)
	}
	vlog.VI(1).Infof("coerce: shuffling %d partitions", len(infos))
	var samples []rtype.Row
	for _, info := range infos {
		samples = append(samples, info.samples...)
	}
	minPK := typ.pkOf(infos[0].min)
	maxPK := minPK
	for _, info := range infos {
		if pkOrd(typ.pkOf(info.max), maxPK) > 0 {
			maxPK = typ.pkOf(info.max)
		}
	}
	return shuffleByKeyRanges(typ, d, samples, minPK, maxPK, len(infos))
}

// adoptSorted adopts the scanned partitions in min-key order. Partitions
// sharing a partition key at a boundary are adjusted: the predecessor
// keeps the boundary rows, and successors' leading equal rows shift to it.
func adoptSorted(typ *RVDType, d *pstream.Dataset, infos []partKeyInfo, localSort bool) (*RVD, error) {
	pkOrd := typ.PKOrder()
	// Partitions whose rows all carry the predecessor's boundary PK are
	// wholly consumed by its adjustment and disappear.
	type adopted struct {
		info partKeyInfo
		pos  int // position in sorted infos
	}
	kept := make([]adopted, 0, len(infos))
	for p, info := range infos {
		if len(kept) > 0 {
			prevMax := typ.pkOf(kept[len(kept)-1].info.max)
			if pkOrd(typ.pkOf(info.min), prevMax) == 0 && pkOrd(typ.pkOf(info.max), prevMax) == 0 {
				continue
			}
		}
		kept = append(kept, adopted{info: info, pos: p})
	}
	bounds := make([]interval.Interval, len(kept))
	parts := make([]func() pstream.Iterator, len(kept))
	for j := range kept {
		info := kept[j].info
		var prevMaxPK rtype.Row
		if j > 0 {
			prevMaxPK = typ.pkOf(kept[j-1].info.max)
		}
		myMaxPK := typ.pkOf(info.max)
		// Later partitions (in scanned-min order) whose leading rows carry
		// this partition's final PK contribute those rows here.
		var tails []int
		for t := kept[j].pos + 1; t < len(infos); t++ {
			if pkOrd(typ.pkOf(infos[t].min), myMaxPK) != 0 {
				break
			}
			tails = append(tails, infos[t].idx)
		}
		j := j
		info := info
		prevPK := prevMaxPK
		maxPK := myMaxPK
		tailIdx := tails
		parts[j] = func() pstream.Iterator {
			body := d.Part(info.idx)
			var it pstream.Iterator = body
			if prevPK != nil {
				it = dropLeadingPK(typ, it, prevPK)
			}
			srcs := []func() pstream.Iterator{func() pstream.Iterator { return it }}
			for _, t := range tailIdx {
				t := t
				srcs = append(srcs, func() pstream.Iterator {
					return takeLeadingPK(typ, d.Part(t), maxPK)
				})
			}
			out := pstream.Concat(srcs)
			if localSort {
				return newLocalKSortIterator(typ, out)
			}
			return out
		}
		start, incS := interface{}(typ.pkOf(info.min)), true
		if j > 0 {
			start, incS = interface{}(prevMaxPK), false
		}
		bounds[j] = interval.Interval{
			Start: start, End: myMaxPK,
			IncludesStart: incS, IncludesEnd: true,
		}
	}
	part, err := NewPartitioner(typ, bounds)
	if err != nil {
		return nil, err
	}
	return New(typ, part, pstream.New(parts)), nil
}

// dropLeadingPK skips the stream's leading rows whose PK equals pk.
func dropLeadingPK(typ *RVDType, it pstream.Iterator, pk rtype.Row) pstream.Iterator {
	ord := typ.PKOrder()
	dropped := false
	return pstream.NewFuncIterator(func() (interface{}, bool, error) {
		for it.Scan() {
			rv := rowOf(it.Value())
			if !dropped && ord(typ.PKFromRow(rv), pk) == 0 {
				continue
			}
			dropped = true
			return rv, true, nil
		}
		return nil, false, it.Err()
	}, it.Close)
}

// takeLeadingPK yields only the stream's leading rows whose PK equals pk.
func takeLeadingPK(typ *RVDType, it pstream.Iterator, pk rtype.Row) pstream.Iterator {
	ord := typ.PKOrder()
	done := false
	return pstream.NewFuncIterator(func() (interface{}, bool, error) {
		if done {
			return nil, false, nil
		}
		if !it.Scan() {
			done = true
			return nil, false, it.Err()
		}
		rv := rowOf(it.Value())
		if ord(typ.PKFromRow(rv), pk) != 0 {
			done = true
			return nil, false, nil
		}
		return rv, true, nil
	}, it.Close)
}

// shuffledRow is one encoded row in flight through a shuffle.
type shuffledRow struct {
	part int
	data []byte
}

// shuffleByKeyRanges computes evenly spaced target key ranges from the
// sample (extending ties so no two partitions share a partition key),
// ships encoded rows through the shuffle, and key-sorts each destination
// partition.
func shuffleByKeyRanges(typ *RVDType, d *pstream.Dataset, samples []rtype.Row,
	minPK, maxPK rtype.Row, nParts int) (*RVD, error) {
	pkOrd := typ.PKOrder()
	pks := make([]rtype.Row, len(samples))
	for i, s := range samples {
		pks[i] = typ.pkOf(s)
	}
	sort.SliceStable(pks, func(a, b int) bool { return pkOrd(pks[a], pks[b]) < 0 })

	// Cut points at sample quantiles, skipping duplicates.
	var cuts []rtype.Row
	for i := 1; i < nParts; i++ {
		q := pks[i*len(pks)/nParts]
		if len(cuts) > 0 && pkOrd(cuts[len(cuts)-1], q) >= 0 {
			continue
		}
		if pkOrd(q, maxPK) >= 0 {
			break
		}
		cuts = append(cuts, q)
	}
	bounds := make([]interval.Interval, 0, len(cuts)+1)
	start, incS := minPK, true
	for _, cut := range cuts {
		bounds = append(bounds, interval.Interval{
			Start: start, End: cut, IncludesStart: incS, IncludesEnd: true,
		})
		start, incS = cut, false
	}
	bounds = append(bounds, interval.Interval{
		Start: start, End: maxPK, IncludesStart: incS, IncludesEnd: true,
	})
	part, err := NewPartitioner(typ, bounds)
	if err != nil {
		return nil, err
	}

	encoded := d.MapPartitions(func(it pstream.Iterator) pstream.Iterator {
		return pstream.NewFuncIterator(func() (interface{}, bool, error) {
			if !it.Scan() {
				return nil, false, it.Err()
			}
			rv := rowOf(it.Value())
			return shuffledRow{
				part: part.GetPartition(typ.PKFromRow(rv)),
				data: rtype.EncodeValue(typ.Row, rv),
			}, true, nil
		}, it.Close)
	})
	shuffled, err := encoded.ShuffleByKey(len(bounds), func(row interface{}) int {
		return row.(shuffledRow).part
	})
	if err != nil {
		return nil, err
	}
	decoded := shuffled.MapPartitions(func(it pstream.Iterator) pstream.Iterator {
		r := region.New(1024)
		var rows []region.RegionValue
		loaded := false
		pos := 0
		return pstream.NewFuncIterator(func() (interface{}, bool, error) {
			if !loaded {
				for it.Scan() {
					rv, err := rtype.DecodeValue(typ.Row, it.Value().(shuffledRow).data, r)
					if err != nil {
						return nil, false, err
					}
					rows = append(rows, rv)
				}
				if err := it.Err(); err != nil {
					return nil, false, err
				}
				sort.SliceStable(rows, func(a, b int) bool {
					return typ.KeyCompare(rows[a], rows[b]) < 0
				})
				loaded = true
			}
			if pos >= len(rows) {
				return nil, false, nil
			}
			rv := rows[pos]
			pos++
			return rv, true, nil
		}, it.Close)
	})
	return New(typ, part, decoded), nil
}

// shuffleToPartitions re-ranges the dataset into at most maxPartitions by
// sampling keys and shuffling.
func (d *RVD) shuffleToPartitions(maxPartitions int) (*RVD, error) {
	opts := CoerceOpts{}
	infos, err := scanPartitionKeys(d.Typ, d.rdd, opts.samplesPerPartition(d.NumPartitions()))
	if err != nil {
		return nil, err
	}
	if len(infos) == 0 {
		return d, nil
	}
	pkOrd := d.Typ.PKOrder()
	var samples []rtype.Row
	minPK := d.Typ.pkOf(infos[0].min)
	maxPK := minPK
	for _, info := range infos {
		samples = append(samples, info.samples...)
		if pkOrd(d.Typ.pkOf(info.min), minPK) < 0 {
			minPK = d.Typ.pkOf(info.min)
		}
		if pkOrd(d.Typ.pkOf(info.max), maxPK) > 0 {
			maxPK = d.Typ.pkOf(info.max)
		}
	}
	return shuffleByKeyRanges(d.Typ, d.rdd, samples, minPK, maxPK, maxPartitions)
}
