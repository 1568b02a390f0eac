// Copyright (C) 2026 Storj Labs, Inc.
// See LICENSE for copying information.

package fragstore_test

import (
	"bytes"
	"crypto/md5"
	"encoding/hex"
	"io"
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"storj.io/reconstructor/fragstore"
	"storj.io/reconstructor/private/testcontext"
)

func newStore(t *testing.T, ctx *testcontext.Context) *fragstore.Store {
	dir := fragstore.NewDir(ctx.Dir("sdb1"))
	require.NoError(t, dir.Mount())
	return fragstore.New(zaptest.NewLogger(t), dir)
}

func writeArchive(t *testing.T, ctx *testcontext.Context, store *fragstore.Store, ref fragstore.Ref, ts fragstore.Timestamp, durable bool, body []byte) fragstore.Header {
	w, err := store.Create(ctx, ref)
	require.NoError(t, err)
	_, err = w.Write(body)
	require.NoError(t, err)

	sum := md5.Sum(body)
	header, err := w.Commit(ctx, fragstore.Header{
		Timestamp:     ts,
		ETag:          hex.EncodeToString(sum[:]),
		ContentLength: int64(len(body)) * 4,
		Durable:       durable,
		Metadata: map[string]string{
			"X-Object-Meta-Foo": "meta-foo",
			"content-type":      "ignored",
		},
	})
	require.NoError(t, err)
	return header
}

func randomBytes(n int) []byte {
	data := make([]byte, n)
	_, _ = rand.New(rand.NewSource(int64(n))).Read(data)
	return data
}

func TestWriteAndRead(t *testing.T) {
	ctx := testcontext.New(t)
	store := newStore(t, ctx)

	ref := fragstore.Ref{Policy: 1, Partition: 3, Object: "obj", FragmentIndex: 2}
	body := randomBytes(10000)
	written := writeArchive(t, ctx, store, ref, 100, true, body)

	require.Equal(t, int64(len(body)), written.FragmentSize)
	require.Equal(t, fragstore.HashBody(body), written.BodyHash)
	require.Equal(t, map[string]string{"x-object-meta-foo": "meta-foo"}, written.Metadata)
	require.Equal(t, uint32(3), written.Partition)
	require.Equal(t, 2, written.FragmentIndex)

	reader, err := store.Open(ctx, ref)
	require.NoError(t, err)
	data, err := io.ReadAll(reader)
	require.NoError(t, err)
	require.NoError(t, reader.Close())
	require.True(t, bytes.Equal(body, data))
	require.Equal(t, written, reader.Header())

	stat, err := store.Stat(ctx, fragstore.Ref{Policy: 1, Partition: 3, Object: "obj", FragmentIndex: fragstore.AnyIndex})
	require.NoError(t, err)
	require.Equal(t, written, stat)

	path := filepath.Join(store.Dir().ObjectPath(1, 3, "obj"), "0000000000000000100#2#d.data")
	info, err := os.Stat(path)
	require.NoError(t, err)
	require.Equal(t, int64(fragstore.HeaderReservedArea+len(body)), info.Size())
}

func TestCancelLeavesNothing(t *testing.T) {
	ctx := testcontext.New(t)
	store := newStore(t, ctx)

	ref := fragstore.Ref{Policy: 0, Partition: 1, Object: "obj", FragmentIndex: 0}
	w, err := store.Create(ctx, ref)
	require.NoError(t, err)
	_, err = w.Write([]byte("partial"))
	require.NoError(t, err)
	require.NoError(t, w.Cancel(ctx))

	_, err = store.Stat(ctx, ref)
	require.True(t, fragstore.ErrNotFound.Has(err), err)

	entries, err := os.ReadDir(filepath.Join(store.Dir().Path(), "tmp"))
	require.NoError(t, err)
	require.Empty(t, entries)
}

func TestNewerCommitReplacesOlder(t *testing.T) {
	ctx := testcontext.New(t)
	store := newStore(t, ctx)

	ref := fragstore.Ref{Policy: 1, Partition: 0, Object: "obj", FragmentIndex: 1}
	writeArchive(t, ctx, store, ref, 100, true, []byte("old"))
	newer := writeArchive(t, ctx, store, ref, 200, true, []byte("newer"))

	stat, err := store.Stat(ctx, ref)
	require.NoError(t, err)
	require.Equal(t, newer, stat)

	entries, err := os.ReadDir(store.Dir().ObjectPath(1, 0, "obj"))
	require.NoError(t, err)
	require.Len(t, entries, 1)
}

func TestNonDurableIsPending(t *testing.T) {
	ctx := testcontext.New(t)
	store := newStore(t, ctx)

	ref := fragstore.Ref{Policy: 1, Partition: 0, Object: "obj", FragmentIndex: 1}
	durable := writeArchive(t, ctx, store, ref, 100, true, []byte("durable"))
	writeArchive(t, ctx, store, ref, 200, false, []byte("pending"))

	stat, err := store.Stat(ctx, ref)
	require.NoError(t, err)
	require.Equal(t, durable.Timestamp, stat.Timestamp)

	infos, err := store.List(ctx, 1, 0)
	require.NoError(t, err)
	require.Len(t, infos, 1)
	require.True(t, infos[0].Durable)
	require.Equal(t, fragstore.Timestamp(200), infos[0].Pending)
	require.Equal(t, durable, infos[0].Header)
	require.Equal(t, fragstore.ObjectHash("obj"), infos[0].Hash)
}

func TestCorruptBodyDetected(t *testing.T) {
	ctx := testcontext.New(t)
	store := newStore(t, ctx)

	ref := fragstore.Ref{Policy: 1, Partition: 2, Object: "obj", FragmentIndex: 0}
	writeArchive(t, ctx, store, ref, 100, true, randomBytes(2048))

	path := filepath.Join(store.Dir().ObjectPath(1, 2, "obj"), "0000000000000000100#0#d.data")
	file, err := os.OpenFile(path, os.O_RDWR, 0)
	require.NoError(t, err)
	_, err = file.WriteAt([]byte{0xff, 0x00, 0xff}, fragstore.HeaderReservedArea+100)
	require.NoError(t, err)
	require.NoError(t, file.Close())

	// the header and size are intact
	_, err = store.Stat(ctx, ref)
	require.NoError(t, err)

	_, err = store.Verify(ctx, ref)
	require.True(t, fragstore.ErrCorrupt.Has(err), err)
}

func TestTruncatedArchiveIsCorrupt(t *testing.T) {
	ctx := testcontext.New(t)
	store := newStore(t, ctx)

	ref := fragstore.Ref{Policy: 1, Partition: 2, Object: "obj", FragmentIndex: 0}
	writeArchive(t, ctx, store, ref, 100, true, randomBytes(2048))

	path := filepath.Join(store.Dir().ObjectPath(1, 2, "obj"), "0000000000000000100#0#d.data")
	require.NoError(t, os.Truncate(path, fragstore.HeaderReservedArea+10))

	_, err := store.Stat(ctx, ref)
	require.True(t, fragstore.ErrCorrupt.Has(err), err)

	require.NoError(t, os.Truncate(path, 10))
	infos, err := store.List(ctx, 1, 2)
	require.NoError(t, err)
	require.Len(t, infos, 1)
	require.True(t, fragstore.ErrCorrupt.Has(infos[0].Err), infos[0].Err)
	require.Equal(t, fragstore.Timestamp(100), infos[0].Header.Timestamp)
}

func TestMeta(t *testing.T) {
	ctx := testcontext.New(t)
	store := newStore(t, ctx)

	ref := fragstore.Ref{Policy: 1, Partition: 4, Object: "obj", FragmentIndex: 3}
	header := writeArchive(t, ctx, store, ref, 100, true, []byte("body"))

	meta, err := store.ReadMeta(ctx, 1, 4, "obj")
	require.NoError(t, err)
	require.Nil(t, meta)
	require.Equal(t, header.Metadata, fragstore.EffectiveMetadata(header, meta))

	require.NoError(t, store.WriteMeta(ctx, 1, 4, fragstore.Meta{
		Object:    "obj",
		Timestamp: 300,
		Metadata:  map[string]string{"X-Object-Meta-Bar": "meta-bar"},
	}))
	// older updates are ignored
	require.NoError(t, store.WriteMeta(ctx, 1, 4, fragstore.Meta{
		Object:    "obj",
		Timestamp: 200,
		Metadata:  map[string]string{"x-object-meta-old": "old"},
	}))

	meta, err = store.ReadMeta(ctx, 1, 4, "obj")
	require.NoError(t, err)
	require.NotNil(t, meta)
	require.Equal(t, fragstore.Timestamp(300), meta.Timestamp)
	require.Equal(t, map[string]string{"x-object-meta-bar": "meta-bar"}, fragstore.EffectiveMetadata(header, meta))

	infos, err := store.List(ctx, 1, 4)
	require.NoError(t, err)
	require.Len(t, infos, 1)
	require.Equal(t, meta, infos[0].Meta)
}

func TestUnavailableDevice(t *testing.T) {
	ctx := testcontext.New(t)
	store := newStore(t, ctx)

	ref := fragstore.Ref{Policy: 1, Partition: 0, Object: "obj", FragmentIndex: 0}
	writeArchive(t, ctx, store, ref, 100, true, []byte("body"))

	require.NoError(t, store.Dir().Unmount())

	_, err := store.Stat(ctx, ref)
	require.True(t, fragstore.ErrUnavailable.Has(err), err)
	_, err = store.Create(ctx, ref)
	require.True(t, fragstore.ErrUnavailable.Has(err), err)
	_, err = store.List(ctx, 1, 0)
	require.True(t, fragstore.ErrUnavailable.Has(err), err)

	require.NoError(t, store.Dir().Mount())
	_, err = store.Stat(ctx, ref)
	require.NoError(t, err)
}

func TestListMissingPartition(t *testing.T) {
	ctx := testcontext.New(t)
	store := newStore(t, ctx)

	_, err := store.List(ctx, 1, 9)
	require.True(t, fragstore.ErrNotFound.Has(err), err)
}

func TestParseTimestamp(t *testing.T) {
	ts := fragstore.Timestamp(1234567)
	parsed, err := fragstore.ParseTimestamp(ts.String())
	require.NoError(t, err)
	require.Equal(t, ts, parsed)

	_, err = fragstore.ParseTimestamp("not-a-time")
	require.Error(t, err)
}
