// Copyright (C) 2026 Storj Labs, Inc.
// See LICENSE for copying information.

package fragstore

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/zeebo/errs"
	"github.com/zeebo/xxh3"
)

// Writer writes the body of a fragment archive into a temporary file.
type Writer struct {
	store *Store
	ref   Ref
	file  *os.File
	hash  *xxh3.Hasher
	size  int64

	closed bool
}

// Write appends p to the archive body.
func (w *Writer) Write(p []byte) (int, error) {
	if w.closed {
		return 0, Error.New("already closed")
	}
	n, err := w.file.Write(p)
	w.size += int64(n)
	_, _ = w.hash.Write(p[:n])
	return n, Error.Wrap(err)
}

// Size returns the number of body bytes written so far.
func (w *Writer) Size() int64 { return w.size }

// Hash returns the hash of the body written so far.
func (w *Writer) Hash() string { return BodyHash(w.hash.Sum64()) }

// Commit fills in the size fields of header, writes it and makes the archive
// visible under its final name. The committed header is returned.
func (w *Writer) Commit(ctx context.Context, header Header) (_ Header, err error) {
	defer mon.Task()(&ctx)(&err)
	if w.closed {
		return Header{}, Error.New("already closed")
	}
	w.closed = true

	header.Version = HeaderVersion
	header.Object = w.ref.Object
	header.PolicyIndex = w.ref.Policy
	header.Partition = uint32(w.ref.Partition)
	header.FragmentIndex = w.ref.FragmentIndex
	header.FragmentSize = w.size
	header.BodyHash = w.Hash()
	header.Metadata = NormalizeMetadata(header.Metadata)

	area, err := marshalHeader(header)
	if err != nil {
		return Header{}, errs.Combine(err, w.discard())
	}
	if _, err := w.file.WriteAt(area, 0); err != nil {
		return Header{}, errs.Combine(Error.Wrap(err), w.discard())
	}
	if err := ctx.Err(); err != nil {
		return Header{}, errs.Combine(err, w.discard())
	}

	name := archiveName{
		name:          dataFileName(header.Timestamp, header.FragmentIndex, header.Durable),
		timestamp:     header.Timestamp,
		fragmentIndex: header.FragmentIndex,
		durable:       header.Durable,
	}
	objectPath := w.store.dir.ObjectPath(w.ref.Policy, w.ref.Partition, w.ref.Object)
	if err := w.store.dir.Commit(w.file, filepath.Join(objectPath, name.name)); err != nil {
		return Header{}, err
	}
	w.store.cleanup(objectPath, name)
	return header, nil
}

// Cancel discards the archive.
func (w *Writer) Cancel(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)
	if w.closed {
		return nil
	}
	w.closed = true
	return w.discard()
}

func (w *Writer) discard() error {
	return errs.Combine(Error.Wrap(w.file.Close()), Error.Wrap(ignoreNotExist(os.Remove(w.file.Name()))))
}

// Reader reads the body of a fragment archive. Reaching the end of the body
// with a hash mismatch returns ErrCorrupt.
type Reader struct {
	header Header
	file   *os.File
	body   *io.SectionReader
	hash   *xxh3.Hasher
}

func newReader(file *os.File, header Header) *Reader {
	return &Reader{
		header: header,
		file:   file,
		body:   io.NewSectionReader(file, HeaderReservedArea, header.FragmentSize),
		hash:   xxh3.New(),
	}
}

// Header returns the archive header.
func (r *Reader) Header() Header { return r.header }

// Size returns the size of the body.
func (r *Reader) Size() int64 { return r.header.FragmentSize }

// Read implements io.Reader.
func (r *Reader) Read(p []byte) (int, error) {
	n, err := r.body.Read(p)
	_, _ = r.hash.Write(p[:n])
	if err == io.EOF {
		if got := BodyHash(r.hash.Sum64()); got != r.header.BodyHash {
			return n, ErrCorrupt.New("%s: body hash %s, expected %s", filepath.Base(r.file.Name()), got, r.header.BodyHash)
		}
	}
	return n, err
}

// Close closes the underlying file.
func (r *Reader) Close() error {
	return Error.Wrap(r.file.Close())
}

// BodyHash formats a body hash.
func BodyHash(sum uint64) string {
	return fmt.Sprintf("%016x", sum)
}

// HashBody returns the body hash of data.
func HashBody(data []byte) string {
	return BodyHash(xxh3.Hash(data))
}
