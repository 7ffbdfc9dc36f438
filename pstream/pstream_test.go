// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package pstream_test

import (
	"sync/atomic"
	"testing"

	"github.com/grailbio/rvd/pstream"
	"github.com/grailbio/testutil/expect"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func rows(vals ...int) []interface{} {
	out := make([]interface{}, len(vals))
	for i, v := range vals {
		out[i] = v
	}
	return out
}

func TestParallelizeCollect(t *testing.T) {
	d := pstream.Parallelize(rows(1, 2, 3, 4, 5), 3)
	expect.EQ(t, d.NumPartitions(), 3)
	got, err := d.Collect()
	require.NoError(t, err)
	assert.Equal(t, rows(1, 2, 3, 4, 5), got)
}

func TestMapPartitionsWithIndex(t *testing.T) {
	d := pstream.Parallelize(rows(1, 2, 3, 4), 2)
	m := d.MapPartitionsWithIndex(func(i int, it pstream.Iterator) pstream.Iterator {
		return pstream.NewFuncIterator(func() (interface{}, bool, error) {
			if !it.Scan() {
				return nil, false, it.Err()
			}
			return it.Value().(int)*10 + i, true, nil
		}, it.Close)
	})
	got, err := m.Collect()
	require.NoError(t, err)
	assert.Equal(t, rows(10, 20, 31, 41), got)
}

func TestZipPartitions(t *testing.T) {
	a := pstream.Parallelize(rows(1, 2, 3, 4), 2)
	b := pstream.Parallelize(rows(10, 20, 30, 40), 2)
	z := pstream.ZipPartitions(a, b, func(x, y pstream.Iterator) pstream.Iterator {
		return pstream.NewFuncIterator(func() (interface{}, bool, error) {
			if !x.Scan() || !y.Scan() {
				return nil, false, nil
			}
			return x.Value().(int) + y.Value().(int), true, nil
		}, func() { x.Close(); y.Close() })
	})
	got, err := z.Collect()
	require.NoError(t, err)
	assert.Equal(t, rows(11, 22, 33, 44), got)
}

func TestCoalesceGroups(t *testing.T) {
	d := pstream.Parallelize(rows(1, 2, 3, 4, 5, 6), 3)
	c := d.CoalesceGroups([]int{1, 2})
	expect.EQ(t, c.NumPartitions(), 2)
	got, err := c.Collect()
	require.NoError(t, err)
	assert.Equal(t, rows(1, 2, 3, 4, 5, 6), got)
}

func TestShuffleByKey(t *testing.T) {
	d := pstream.Parallelize(rows(5, 3, 8, 1, 4, 9, 2), 3)
	s, err := d.ShuffleByKey(2, func(row interface{}) int {
		if row.(int) < 5 {
			return 0
		}
		return 1
	})
	require.NoError(t, err)
	parts, err := s.CollectParts()
	require.NoError(t, err)
	expect.EQ(t, len(parts), 2)
	for _, v := range parts[0] {
		expect.True(t, v.(int) < 5)
	}
	for _, v := range parts[1] {
		expect.True(t, v.(int) >= 5)
	}
	expect.EQ(t, len(parts[0])+len(parts[1]), 7)
}

func TestBroadcastOnce(t *testing.T) {
	var calls int32
	b := pstream.NewBroadcast(func() interface{} {
		atomic.AddInt32(&calls, 1)
		return 42
	})
	done := make(chan bool)
	for i := 0; i < 8; i++ {
		go func() {
			expect.EQ(t, b.Value(), 42)
			done <- true
		}()
	}
	for i := 0; i < 8; i++ {
		<-done
	}
	expect.EQ(t, atomic.LoadInt32(&calls), int32(1))
}

func TestEmpty(t *testing.T) {
	d := pstream.Empty(4)
	got, err := d.Collect()
	require.NoError(t, err)
	expect.EQ(t, len(got), 0)
}
