// Copyright (C) 2026 Storj Labs, Inc.
// See LICENSE for copying information.

// Package fragstore stores fragment archives on a local device.
package fragstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"github.com/zeebo/xxh3"
	"go.uber.org/zap"

	"storj.io/reconstructor/ring"
)

var (
	// Error is the default fragstore error class.
	Error = errs.Class("fragstore")
	// ErrNotFound is returned when the archive does not exist on the device.
	ErrNotFound = errs.Class("fragment not found")
	// ErrCorrupt is returned when an archive fails its integrity check.
	ErrCorrupt = errs.Class("fragment corrupt")
	// ErrUnavailable is returned when the device is not usable.
	ErrUnavailable = errs.Class("device unavailable")

	mon = monkit.Package()
)

// AnyIndex matches archives of any fragment index.
const AnyIndex = -1

// Ref identifies the archive of an object fragment on a device.
type Ref struct {
	Policy        int
	Partition     ring.Partition
	Object        string
	FragmentIndex int
}

// String implements fmt.Stringer.
func (ref Ref) String() string {
	return fmt.Sprintf("%d/%d/%s#%d", ref.Policy, ref.Partition, ref.Object, ref.FragmentIndex)
}

// ObjectInfo describes the newest durable archive of an object in a partition.
type ObjectInfo struct {
	Hash   string
	Header Header
	Meta   *Meta
	// Pending is the timestamp of a newer archive that was never made
	// durable, or zero.
	Pending Timestamp
	// Durable is false when the object directory holds no durable archive.
	Durable bool
	// Err is set to an ErrCorrupt error when the archive can't be used.
	Err error
}

// Store implements fragment archive storage on a single device.
type Store struct {
	log *zap.Logger
	dir *Dir
}

// New creates a store for the device directory.
func New(log *zap.Logger, dir *Dir) *Store {
	return &Store{log: log, dir: dir}
}

// NewAt creates a store for the device at path.
func NewAt(log *zap.Logger, path string) *Store {
	return New(log, NewDir(path))
}

// Dir returns the device directory.
func (store *Store) Dir() *Dir { return store.dir }

// Device returns the device name.
func (store *Store) Device() string { return store.dir.Name() }

// Create returns a writer for a new archive. Nothing is visible until
// Commit succeeds.
func (store *Store) Create(ctx context.Context, ref Ref) (_ *Writer, err error) {
	defer mon.Task()(&ctx)(&err)
	if err := store.dir.Available(); err != nil {
		return nil, err
	}
	file, err := store.dir.CreateTemporaryFile()
	if err != nil {
		return nil, err
	}
	if _, err := file.Seek(HeaderReservedArea, io.SeekStart); err != nil {
		return nil, errs.Combine(Error.Wrap(err), file.Close(), os.Remove(file.Name()))
	}
	return &Writer{
		store: store,
		ref:   ref,
		file:  file,
		hash:  xxh3.New(),
	}, nil
}

// Open returns a reader for the newest durable archive matching ref.
// The reader verifies the body hash when it reaches the end.
func (store *Store) Open(ctx context.Context, ref Ref) (_ *Reader, err error) {
	defer mon.Task()(&ctx)(&err)
	path, _, err := store.locate(ref)
	if err != nil {
		return nil, err
	}

	file, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound.New("%s", ref)
		}
		return nil, Error.Wrap(err)
	}
	header, err := checkArchive(file)
	if err != nil {
		return nil, errs.Combine(err, file.Close())
	}
	return newReader(file, header), nil
}

// Stat returns the header of the newest durable archive matching ref.
func (store *Store) Stat(ctx context.Context, ref Ref) (_ Header, err error) {
	defer mon.Task()(&ctx)(&err)
	path, _, err := store.locate(ref)
	if err != nil {
		return Header{}, err
	}
	return statArchive(path)
}

// Verify reads the whole archive matching ref and checks its body hash.
func (store *Store) Verify(ctx context.Context, ref Ref) (_ Header, err error) {
	defer mon.Task()(&ctx)(&err)
	reader, err := store.Open(ctx, ref)
	if err != nil {
		return Header{}, err
	}
	defer func() { err = errs.Combine(err, reader.Close()) }()

	if _, err := io.Copy(io.Discard, reader); err != nil {
		return Header{}, err
	}
	return reader.Header(), nil
}

// Check verifies the body of a listed durable archive. A hash mismatch is
// recorded in info.Err; other failures are returned.
func (store *Store) Check(ctx context.Context, policy int, partition ring.Partition, info *ObjectInfo) (err error) {
	defer mon.Task()(&ctx)(&err)
	if info.Err != nil || !info.Durable {
		return nil
	}
	_, err = store.Verify(ctx, Ref{
		Policy:        policy,
		Partition:     partition,
		Object:        info.Header.Object,
		FragmentIndex: info.Header.FragmentIndex,
	})
	if ErrCorrupt.Has(err) {
		info.Err = err
		return nil
	}
	return err
}

// ReadMeta returns the newest metadata update of an object, or nil.
func (store *Store) ReadMeta(ctx context.Context, policy int, partition ring.Partition, object string) (_ *Meta, err error) {
	defer mon.Task()(&ctx)(&err)
	if err := store.dir.Available(); err != nil {
		return nil, err
	}
	return readNewestMeta(store.dir.ObjectPath(policy, partition, object))
}

// WriteMeta stores a metadata update. Updates that aren't newer than the
// existing one are ignored.
func (store *Store) WriteMeta(ctx context.Context, policy int, partition ring.Partition, meta Meta) (err error) {
	defer mon.Task()(&ctx)(&err)
	if err := store.dir.Available(); err != nil {
		return err
	}
	objectPath := store.dir.ObjectPath(policy, partition, meta.Object)
	existing, err := readNewestMeta(objectPath)
	if err != nil && !ErrCorrupt.Has(err) {
		return err
	}
	if existing != nil && existing.Timestamp >= meta.Timestamp {
		return nil
	}

	meta.Metadata = NormalizeMetadata(meta.Metadata)
	data, err := json.Marshal(meta)
	if err != nil {
		return Error.Wrap(err)
	}

	file, err := store.dir.CreateTemporaryFile()
	if err != nil {
		return err
	}
	if _, err := file.Write(data); err != nil {
		return errs.Combine(Error.Wrap(err), file.Close(), os.Remove(file.Name()))
	}
	if err := store.dir.Commit(file, filepath.Join(objectPath, metaFileName(meta.Timestamp))); err != nil {
		return err
	}
	if existing != nil {
		store.removeQuietly(filepath.Join(objectPath, metaFileName(existing.Timestamp)))
	}
	return nil
}

// List returns the newest durable archive of every object in a partition.
func (store *Store) List(ctx context.Context, policy int, partition ring.Partition) (_ []ObjectInfo, err error) {
	defer mon.Task()(&ctx)(&err)
	if err := store.dir.Available(); err != nil {
		return nil, err
	}

	partitionPath := store.dir.PartitionPath(policy, partition)
	entries, err := os.ReadDir(partitionPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound.New("partition %d", partition)
		}
		return nil, Error.Wrap(err)
	}

	var infos []ObjectInfo
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if !entry.IsDir() {
			continue
		}
		objectPath := filepath.Join(partitionPath, entry.Name())
		info, found := store.describe(objectPath)
		if !found {
			continue
		}
		info.Hash = entry.Name()
		infos = append(infos, info)
	}
	return infos, nil
}

func (store *Store) describe(objectPath string) (info ObjectInfo, found bool) {
	names, err := listArchives(objectPath)
	if err != nil {
		info.Err = ErrCorrupt.Wrap(err)
		return info, true
	}
	for _, name := range names {
		if name.meta {
			continue
		}
		found = true
		if !name.durable {
			if info.Pending == 0 {
				info.Pending = name.timestamp
				info.Header.FragmentIndex = name.fragmentIndex
			}
			continue
		}
		info.Durable = true
		header, err := statArchive(filepath.Join(objectPath, name.name))
		if err != nil {
			info.Err = err
			info.Header.Timestamp = name.timestamp
			info.Header.FragmentIndex = name.fragmentIndex
			return info, true
		}
		info.Header = header
		info.Meta, err = readNewestMeta(objectPath)
		if err != nil {
			store.log.Warn("ignoring unreadable metadata update", zap.String("path", objectPath), zap.Error(err))
			info.Meta = nil
		}
		return info, true
	}
	return info, found
}

// locate returns the path of the newest durable archive matching ref.
func (store *Store) locate(ref Ref) (string, archiveName, error) {
	if err := store.dir.Available(); err != nil {
		return "", archiveName{}, err
	}
	objectPath := store.dir.ObjectPath(ref.Policy, ref.Partition, ref.Object)
	names, err := listArchives(objectPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", archiveName{}, ErrNotFound.New("%s", ref)
		}
		return "", archiveName{}, Error.Wrap(err)
	}
	for _, name := range names {
		if name.meta || !name.durable {
			continue
		}
		if ref.FragmentIndex != AnyIndex && name.fragmentIndex != ref.FragmentIndex {
			continue
		}
		return filepath.Join(objectPath, name.name), name, nil
	}
	return "", archiveName{}, ErrNotFound.New("%s", ref)
}

// cleanup removes archives of the same fragment index that are shadowed by
// a committed durable archive.
func (store *Store) cleanup(objectPath string, committed archiveName) {
	if !committed.durable {
		return
	}
	names, err := listArchives(objectPath)
	if err != nil {
		return
	}
	for _, name := range names {
		if name.meta || name.name == committed.name || name.fragmentIndex != committed.fragmentIndex {
			continue
		}
		if name.timestamp < committed.timestamp || (name.timestamp == committed.timestamp && !name.durable) {
			store.removeQuietly(filepath.Join(objectPath, name.name))
		}
	}
}

func (store *Store) removeQuietly(path string) {
	if err := ignoreNotExist(os.Remove(path)); err != nil {
		store.log.Debug("failed to remove obsolete file", zap.String("path", path), zap.Error(err))
	}
}

func statArchive(path string) (Header, error) {
	file, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Header{}, ErrNotFound.New("%s", filepath.Base(path))
		}
		return Header{}, Error.Wrap(err)
	}
	defer func() { _ = file.Close() }()
	return checkArchive(file)
}

// checkArchive reads the header and checks the file size against it.
func checkArchive(file *os.File) (Header, error) {
	header, err := readHeader(file)
	if err != nil {
		return Header{}, err
	}
	info, err := file.Stat()
	if err != nil {
		return Header{}, Error.Wrap(err)
	}
	if info.Size() != HeaderReservedArea+header.FragmentSize {
		return Header{}, ErrCorrupt.New("%s: size %d, expected %d", filepath.Base(file.Name()), info.Size(), HeaderReservedArea+header.FragmentSize)
	}
	return header, nil
}

func readNewestMeta(objectPath string) (*Meta, error) {
	names, err := listArchives(objectPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, Error.Wrap(err)
	}
	for _, name := range names {
		if !name.meta {
			continue
		}
		data, err := os.ReadFile(filepath.Join(objectPath, name.name))
		if err != nil {
			return nil, Error.Wrap(err)
		}
		var meta Meta
		if err := json.Unmarshal(data, &meta); err != nil {
			return nil, ErrCorrupt.New("%s: %v", name.name, err)
		}
		meta.Timestamp = name.timestamp
		return &meta, nil
	}
	return nil, nil
}
