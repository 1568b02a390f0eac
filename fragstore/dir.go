// Copyright (C) 2026 Storj Labs, Inc.
// See LICENSE for copying information.

package fragstore

import (
	"crypto/md5"
	"encoding/hex"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/zeebo/errs"

	"storj.io/reconstructor/ring"
)

const (
	// MountMarker is the file whose presence marks a device as usable.
	MountMarker = ".mounted"

	tempDirName = "tmp"

	dataExt = ".data"
	metaExt = ".meta"
)

// Dir implements the on-disk layout of a single device:
//
//	<device>/.mounted
//	<device>/tmp/
//	<device>/objects-<policy>/<partition>/<md5(object)>/<timestamp>#<index>[#d].data
//	<device>/objects-<policy>/<partition>/<md5(object)>/<timestamp>.meta
type Dir struct {
	path string
}

// NewDir returns the directory of the device at path.
func NewDir(path string) *Dir {
	return &Dir{path: path}
}

// Path returns the root of the device.
func (dir *Dir) Path() string { return dir.path }

// Name returns the device name.
func (dir *Dir) Name() string { return filepath.Base(dir.path) }

// Mount prepares the device directory and marks it usable.
func (dir *Dir) Mount() error {
	if err := os.MkdirAll(filepath.Join(dir.path, tempDirName), 0755); err != nil {
		return Error.Wrap(err)
	}
	return Error.Wrap(os.WriteFile(filepath.Join(dir.path, MountMarker), nil, 0644))
}

// Unmount removes the mount marker. The device reports unavailable afterwards.
func (dir *Dir) Unmount() error {
	err := os.Remove(filepath.Join(dir.path, MountMarker))
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return Error.Wrap(err)
}

// Available returns ErrUnavailable when the device isn't mounted.
func (dir *Dir) Available() error {
	info, err := os.Stat(dir.path)
	if err != nil {
		return ErrUnavailable.New("%s: %v", dir.Name(), err)
	}
	if !info.IsDir() {
		return ErrUnavailable.New("%s: not a directory", dir.Name())
	}
	if _, err := os.Stat(filepath.Join(dir.path, MountMarker)); err != nil {
		return ErrUnavailable.New("%s: not mounted", dir.Name())
	}
	return nil
}

// PolicyPath returns the directory of all partitions of a policy.
func (dir *Dir) PolicyPath(policy int) string {
	name := "objects"
	if policy > 0 {
		name += "-" + strconv.Itoa(policy)
	}
	return filepath.Join(dir.path, name)
}

// PartitionPath returns the directory of a partition.
func (dir *Dir) PartitionPath(policy int, partition ring.Partition) string {
	return filepath.Join(dir.PolicyPath(policy), partition.String())
}

// ObjectPath returns the directory holding the archives of an object.
func (dir *Dir) ObjectPath(policy int, partition ring.Partition, object string) string {
	return filepath.Join(dir.PartitionPath(policy, partition), ObjectHash(object))
}

// ObjectHash returns the directory name of an object.
func ObjectHash(object string) string {
	sum := md5.Sum([]byte(object))
	return hex.EncodeToString(sum[:])
}

// CreateTemporaryFile creates a file in the device's temp directory.
func (dir *Dir) CreateTemporaryFile() (*os.File, error) {
	tmp := filepath.Join(dir.path, tempDirName)
	if err := os.MkdirAll(tmp, 0755); err != nil {
		return nil, Error.Wrap(err)
	}
	file, err := os.CreateTemp(tmp, "frag-*.partial")
	return file, Error.Wrap(err)
}

// Commit syncs and closes file and moves it to path, replacing any existing
// file there. Readers observe either the old or the new file.
func (dir *Dir) Commit(file *os.File, path string) (err error) {
	defer func() {
		if err != nil {
			err = errs.Combine(err, ignoreNotExist(os.Remove(file.Name())))
		}
	}()

	if err := file.Sync(); err != nil {
		return errs.Combine(Error.Wrap(err), file.Close())
	}
	if err := file.Close(); err != nil {
		return Error.Wrap(err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return Error.Wrap(err)
	}
	if err := os.Rename(file.Name(), path); err != nil {
		return Error.Wrap(err)
	}
	return syncDir(filepath.Dir(path))
}

func syncDir(path string) error {
	dir, err := os.Open(path)
	if err != nil {
		return Error.Wrap(err)
	}
	// some filesystems don't support syncing directories
	_ = dir.Sync()
	return Error.Wrap(dir.Close())
}

func ignoreNotExist(err error) error {
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}

// archiveName describes a parsed file name inside an object directory.
type archiveName struct {
	name          string
	timestamp     Timestamp
	fragmentIndex int
	durable       bool
	meta          bool
}

func dataFileName(ts Timestamp, index int, durable bool) string {
	name := ts.String() + "#" + strconv.Itoa(index)
	if durable {
		name += "#d"
	}
	return name + dataExt
}

func metaFileName(ts Timestamp) string {
	return ts.String() + metaExt
}

func parseArchiveName(name string) (archiveName, bool) {
	switch {
	case strings.HasSuffix(name, metaExt):
		ts, err := ParseTimestamp(strings.TrimSuffix(name, metaExt))
		if err != nil {
			return archiveName{}, false
		}
		return archiveName{name: name, timestamp: ts, meta: true, fragmentIndex: -1}, true

	case strings.HasSuffix(name, dataExt):
		parts := strings.Split(strings.TrimSuffix(name, dataExt), "#")
		if len(parts) < 2 || len(parts) > 3 {
			return archiveName{}, false
		}
		ts, err := ParseTimestamp(parts[0])
		if err != nil {
			return archiveName{}, false
		}
		index, err := strconv.Atoi(parts[1])
		if err != nil || index < 0 {
			return archiveName{}, false
		}
		durable := len(parts) == 3
		if durable && parts[2] != "d" {
			return archiveName{}, false
		}
		return archiveName{name: name, timestamp: ts, fragmentIndex: index, durable: durable}, true
	}
	return archiveName{}, false
}

// listArchives returns the parsed names in an object directory, newest first.
func listArchives(path string) ([]archiveName, error) {
	entries, err := os.ReadDir(path)
	if err != nil {
		return nil, err
	}
	var names []archiveName
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if parsed, ok := parseArchiveName(entry.Name()); ok {
			names = append(names, parsed)
		}
	}
	sort.SliceStable(names, func(i, k int) bool {
		if names[i].timestamp != names[k].timestamp {
			return names[i].timestamp > names[k].timestamp
		}
		// data before meta, durable before non-durable for the same time
		if names[i].meta != names[k].meta {
			return !names[i].meta
		}
		return names[i].durable && !names[k].durable
	})
	return names, nil
}
