// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package orvd_test

import (
	"testing"

	"github.com/grailbio/base/vcontext"
	"github.com/grailbio/rvd/orvd"
	"github.com/grailbio/rvd/rtype"
	"github.com/grailbio/testutil"
	"github.com/grailbio/testutil/expect"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteReadRoundTrip(t *testing.T) {
	tempDir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	ctx := vcontext.Background()

	typ := locusKeyType(t, []string{"contig", "pos"})
	d := coerced(t, typ, [][]rtype.Row{
		{
			{"1", int32(1), int32(10)},
			{"1", int32(5), nil},
		},
		{
			{"2", int32(2), int32(20)},
			{"2", int32(9), int32(90)},
		},
	})
	dir := tempDir + "/ds"
	require.NoError(t, d.Write(ctx, dir, orvd.WriteOpts{}))

	got, err := orvd.Read(ctx, dir)
	require.NoError(t, err)
	expect.EQ(t, got.NumPartitions(), d.NumPartitions())
	expect.EQ(t, got.Typ.Row.String(), typ.Row.String())
	require.NoError(t, got.VerifyOrdering())
	assert.Equal(t, collectRows(t, d), collectRows(t, got))
}

func TestReadMissingManifest(t *testing.T) {
	tempDir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	_, err := orvd.Read(vcontext.Background(), tempDir+"/nope")
	assert.Error(t, err)
}
