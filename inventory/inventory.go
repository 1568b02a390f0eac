// Copyright (C) 2026 Storj Labs, Inc.
// See LICENSE for copying information.

// Package inventory walks the fragment archives of a local device.
package inventory

import (
	"context"
	"errors"

	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"storj.io/reconstructor/fragstore"
	"storj.io/reconstructor/ring"
)

var (
	// Error is the default inventory error class.
	Error = errs.Class("inventory")

	mon = monkit.Package()
)

// State is the local state of an expected fragment archive.
type State int

const (
	// Current means the newest durable archive of the expected index is present.
	Current State = iota
	// Stale means an archive is present but shadowed or of the wrong index.
	Stale
	// Absent means no usable archive is present.
	Absent
)

// String implements fmt.Stringer.
func (state State) String() string {
	switch state {
	case Current:
		return "current"
	case Stale:
		return "stale"
	case Absent:
		return "absent"
	default:
		return "unknown"
	}
}

// Entry is the local state of one object in a partition. An entry with an
// empty Hash stands for a partition that is missing entirely.
type Entry struct {
	Partition     ring.Partition
	ExpectedIndex int
	Object        string
	Hash          string
	Local         *fragstore.Header
	Meta          *fragstore.Meta
	State         State
	Corrupt       bool
}

// Inventory scans devices.
type Inventory struct {
	log     *zap.Logger
	limiter *rate.Limiter
}

// New creates an inventory. A nil limiter doesn't limit the scan rate.
func New(log *zap.Logger, limiter *rate.Limiter) *Inventory {
	return &Inventory{log: log, limiter: limiter}
}

// Scan calls fn for every object in every partition that r assigns to
// device. Partitions that can't be read produce a single Absent entry.
func (inventory *Inventory) Scan(ctx context.Context, r *ring.Ring, device ring.Device, store *fragstore.Store, fn func(Entry) error) (err error) {
	defer mon.Task()(&ctx)(&err)
	for _, partition := range r.PartitionsFor(device.ID) {
		entries, err := inventory.ScanPartition(ctx, r, device, store, partition)
		if err != nil {
			return err
		}
		for _, entry := range entries {
			if err := fn(entry); err != nil {
				return err
			}
		}
	}
	return nil
}

// ScanPartition returns the entries of one partition.
func (inventory *Inventory) ScanPartition(ctx context.Context, r *ring.Ring, device ring.Device, store *fragstore.Store, partition ring.Partition) (_ []Entry, err error) {
	defer mon.Task()(&ctx)(&err)
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	expected, ok := r.FragmentIndex(partition, device.ID)
	if !ok {
		return nil, Error.New("partition %d isn't assigned to %s", partition, device)
	}

	infos, err := store.List(ctx, r.Policy().Index, partition)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}
		level := inventory.log.Debug
		if !fragstore.ErrNotFound.Has(err) {
			level = inventory.log.Warn
		}
		level("partition not readable",
			zap.Stringer("device", device),
			zap.Stringer("partition", partition),
			zap.Error(err))
		return []Entry{{Partition: partition, ExpectedIndex: expected, State: Absent}}, nil
	}

	entries := make([]Entry, 0, len(infos))
	for _, info := range infos {
		if inventory.limiter != nil {
			if err := inventory.limiter.Wait(ctx); err != nil {
				return nil, err
			}
		}
		if info.Header.FragmentIndex == expected {
			if err := store.Check(ctx, r.Policy().Index, partition, &info); err != nil {
				if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
					return nil, err
				}
				inventory.log.Warn("archive not verifiable",
					zap.Stringer("device", device),
					zap.String("hash", info.Hash),
					zap.Error(err))
			}
		}
		entries = append(entries, classify(partition, expected, info))
	}
	return entries, nil
}

func classify(partition ring.Partition, expected int, info fragstore.ObjectInfo) Entry {
	entry := Entry{
		Partition:     partition,
		ExpectedIndex: expected,
		Object:        info.Header.Object,
		Hash:          info.Hash,
		Meta:          info.Meta,
	}
	switch {
	case info.Err != nil:
		entry.State = Absent
		entry.Corrupt = true
	case !info.Durable:
		entry.State = Stale
	default:
		header := info.Header
		entry.Local = &header
		entry.State = Current
		if header.FragmentIndex != expected || info.Pending > header.Timestamp {
			entry.State = Stale
		}
	}
	return entry
}
