// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package orvd

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"hash"

	"blainsmith.com/go/seahash"
	"github.com/grailbio/base/errorreporter"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/recordio"
	"github.com/grailbio/base/recordio/recordiozstd"
	"github.com/klauspost/compress/gzip"
	"github.com/pkg/errors"
	"v.io/x/lib/vlog"

	"github.com/grailbio/rvd/interval"
	"github.com/grailbio/rvd/pstream"
	"github.com/grailbio/rvd/region"
	"github.com/grailbio/rvd/rtype"
)

// A written dataset is a directory of per-partition recordio files plus a
// gzip'd JSON manifest recording the row type, sort keys, codec, part file
// list (partition index = list index), per-file checksums, and the
// partitioner's range bounds.

const manifestFile = "metadata.json.gz"

// WriteOpts configures dataset writing.
type WriteOpts struct {
	// Codec names the record transformer; default "zstd".
	Codec string
}

type boundJSON struct {
	Start        interface{} `json:"start"`
	End          interface{} `json:"end"`
	IncludeStart bool        `json:"includeStart"`
	IncludeEnd   bool        `json:"includeEnd"`
}

type manifest struct {
	Type          json.RawMessage `json:"type"`
	Key           []string        `json:"key"`
	PartitionKey  []string        `json:"partitionKey"`
	Codec         string          `json:"codec"`
	PartFiles     []string        `json:"partFiles"`
	PartChecksums []string        `json:"partChecksums"`
	RangeBounds   []boundJSON     `json:"rangeBounds"`
}

func partFileName(i int) string { return fmt.Sprintf("part-%05d", i) }

// datasetPath joins a dataset directory and a file name. Plain string
// concatenation keeps S3-style paths intact.
func datasetPath(dir, name string) string { return dir + "/" + name }

const rowCountTrailerVersion = 1

func rowCountTrailer(n int64) []byte {
	var buf bytes.Buffer
	binary.Write(&buf, binary.LittleEndian, int64(rowCountTrailerVersion)) // nolint: errcheck
	binary.Write(&buf, binary.LittleEndian, n)                             // nolint: errcheck
	return buf.Bytes()
}

func parseRowCountTrailer(trailer []byte) (int64, error) {
	r := bytes.NewReader(trailer)
	var version, n int64
	if err := binary.Read(r, binary.LittleEndian, &version); err != nil {
		return 0, err
	}
	if version != rowCountTrailerVersion {
		return 0, errors.Errorf("orvd: unrecognized trailer version %d", version)
	}
	if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
		return 0, err
	}
	return n, nil
}

// Write serializes the dataset under dir.
func (d *RVD) Write(ctx context.Context, dir string, opts WriteOpts) error {
	recordiozstd.Init()
	codec := opts.Codec
	if codec == "" {
		codec = recordiozstd.Name
	}
	typ := d.Typ
	n := d.NumPartitions()
	checksums := make([]string, n)
	err := d.rdd.RunPartitions(func(i int, it pstream.Iterator) error {
		defer it.Close()
		path := datasetPath(dir, partFileName(i))
		out, err := file.Create(ctx, path)
		if err != nil {
			return errors.Wrapf(err, "create %v", path)
		}
		rio := recordio.NewWriter(out.Writer(ctx), recordio.WriterOpts{
			Transformers: []string{codec},
		})
		rio.AddHeader(recordio.KeyTrailer, true)
		h := seahash.New()
		var rows int64
		for it.Scan() {
			rv := rowOf(it.Value())
			data := rtype.EncodeValue(typ.Row, rv)
			h.Write(data) // nolint: errcheck
			rio.Append(data)
			rows++
		}
		rio.SetTrailer(rowCountTrailer(rows))
		e := errorreporter.T{}
		e.Set(it.Err())
		e.Set(rio.Finish())
		e.Set(out.Close(ctx))
		checksums[i] = fmt.Sprintf("%016x", h.Sum64())
		vlog.VI(1).Infof("wrote %v: %d rows", path, rows)
		return e.Err()
	})
	if err != nil {
		return err
	}
	typeJSON, err := rtype.MarshalType(typ.Row)
	if err != nil {
		return err
	}
	m := manifest{
		Type:          typeJSON,
		Key:           typ.Key,
		PartitionKey:  typ.PartitionKey,
		Codec:         codec,
		PartFiles:     make([]string, n),
		PartChecksums: checksums,
	}
	for i := range m.PartFiles {
		m.PartFiles[i] = partFileName(i)
	}
	for _, b := range d.Part.Bounds {
		m.RangeBounds = append(m.RangeBounds, boundJSON{
			Start:        rtype.ExportAnnotation(typ.PKType, rtype.Row(b.Start.(rtype.Row))),
			End:          rtype.ExportAnnotation(typ.PKType, rtype.Row(b.End.(rtype.Row))),
			IncludeStart: b.IncludesStart,
			IncludeEnd:   b.IncludesEnd,
		})
	}
	return writeManifest(ctx, dir, &m)
}

func writeManifest(ctx context.Context, dir string, m *manifest) error {
	out, err := file.Create(ctx, datasetPath(dir, manifestFile))
	if err != nil {
		return err
	}
	e := errorreporter.T{}
	gz := gzip.NewWriter(out.Writer(ctx))
	e.Set(json.NewEncoder(gz).Encode(m))
	e.Set(gz.Close())
	e.Set(out.Close(ctx))
	return e.Err()
}

func readManifest(ctx context.Context, dir string) (*manifest, error) {
	in, err := file.Open(ctx, datasetPath(dir, manifestFile))
	if err != nil {
		return nil, err
	}
	defer in.Close(ctx) // nolint: errcheck
	gz, err := gzip.NewReader(in.Reader(ctx))
	if err != nil {
		return nil, errors.Wrap(err, "orvd: bad manifest compression")
	}
	var m manifest
	if err := json.NewDecoder(gz).Decode(&m); err != nil {
		return nil, errors.Wrap(err, "orvd: bad manifest")
	}
	if err := gz.Close(); err != nil {
		return nil, err
	}
	return &m, nil
}

// Read opens a dataset written by Write. Partition files are opened
// lazily; checksums are verified as each partition is drained.
func Read(ctx context.Context, dir string) (*RVD, error) {
	recordiozstd.Init()
	m, err := readManifest(ctx, dir)
	if err != nil {
		return nil, err
	}
	rowType, err := rtype.UnmarshalType(m.Type)
	if err != nil {
		return nil, err
	}
	row, ok := rowType.(*rtype.TStruct)
	if !ok {
		return nil, errors.Errorf("orvd: manifest row type %v is not a struct", rowType)
	}
	typ, err := NewRVDType(row, m.Key, m.PartitionKey)
	if err != nil {
		return nil, err
	}
	if len(m.RangeBounds) != len(m.PartFiles) {
		return nil, errors.Errorf("orvd: %d bounds for %d part files", len(m.RangeBounds), len(m.PartFiles))
	}
	imp := &rtype.Importer{}
	bounds := make([]interval.Interval, len(m.RangeBounds))
	for i, bj := range m.RangeBounds {
		start, err := imp.Import(typ.PKType, bj.Start)
		if err != nil {
			return nil, errors.Wrapf(err, "bound %d start", i)
		}
		end, err := imp.Import(typ.PKType, bj.End)
		if err != nil {
			return nil, errors.Wrapf(err, "bound %d end", i)
		}
		bounds[i] = interval.Interval{
			Start:         start.(rtype.Row),
			End:           end.(rtype.Row),
			IncludesStart: bj.IncludeStart,
			IncludesEnd:   bj.IncludeEnd,
		}
	}
	part, err := NewPartitioner(typ, bounds)
	if err != nil {
		return nil, err
	}
	parts := make([]func() pstream.Iterator, len(m.PartFiles))
	for i := range m.PartFiles {
		path := datasetPath(dir, m.PartFiles[i])
		wantSum := m.PartChecksums[i]
		parts[i] = func() pstream.Iterator {
			return newPartFileIterator(ctx, typ, path, wantSum)
		}
	}
	return New(typ, part, pstream.New(parts)), nil
}

// partFileIterator streams one partition file, decoding rows into an
// owned region and verifying the file checksum at end of stream.
type partFileIterator struct {
	ctx     context.Context
	typ     *RVDType
	path    string
	wantSum string

	f       file.File
	scanner recordio.Scanner
	r       *region.Region
	h       hash.Hash64
	cur     region.RegionValue
	err     error
}

func newPartFileIterator(ctx context.Context, typ *RVDType, path, wantSum string) pstream.Iterator {
	it := &partFileIterator{
		ctx: ctx, typ: typ, path: path, wantSum: wantSum,
		r: region.New(1024),
		h: seahash.New(),
	}
	f, err := file.Open(ctx, path)
	if err != nil {
		it.err = errors.Wrapf(err, "open %v", path)
		return it
	}
	it.f = f
	it.scanner = recordio.NewScanner(f.Reader(ctx), recordio.ScannerOpts{})
	return it
}

func (it *partFileIterator) Scan() bool {
	if it.err != nil || it.scanner == nil {
		return false
	}
	if !it.scanner.Scan() {
		it.err = it.scanner.Err()
		if it.err == nil && it.wantSum != "" {
			if got := fmt.Sprintf("%016x", it.h.Sum64()); got != it.wantSum {
				it.err = errors.Errorf("orvd: %v: checksum mismatch: %s != %s", it.path, got, it.wantSum)
			}
		}
		if it.err == nil {
			if trailer := it.scanner.Trailer(); len(trailer) > 0 {
				if _, terr := parseRowCountTrailer(trailer); terr != nil {
					vlog.Errorf("%v: bad trailer: %v", it.path, terr)
				}
			}
		}
		return false
	}
	data := it.scanner.Get().([]byte)
	it.h.Write(data) // nolint: errcheck
	rv, err := rtype.DecodeValue(it.typ.Row, data, it.r)
	if err != nil {
		it.err = errors.Wrapf(err, "decode %v", it.path)
		return false
	}
	it.cur = rv
	return true
}

func (it *partFileIterator) Value() interface{} { return it.cur }

func (it *partFileIterator) Err() error { return it.err }

func (it *partFileIterator) Close() {
	if it.f != nil {
		it.f.Close(it.ctx) // nolint: errcheck
		it.f = nil
	}
}
