// Copyright (C) 2026 Storj Labs, Inc.
// See LICENSE for copying information.

package peer

import (
	"context"
	"io"
	"sort"

	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"storj.io/reconstructor/fragstore"
	"storj.io/reconstructor/ring"
)

// Node serves fragment operations for the local devices of one server.
type Node struct {
	log         *zap.Logger
	ringVersion func() uint64
	stores      map[string]*fragstore.Store
}

// NewNode creates a node serving stores. ringVersion returns the ring
// version currently used by the server.
func NewNode(log *zap.Logger, ringVersion func() uint64, stores ...*fragstore.Store) *Node {
	node := &Node{
		log:         log,
		ringVersion: ringVersion,
		stores:      make(map[string]*fragstore.Store, len(stores)),
	}
	for _, store := range stores {
		node.stores[store.Device()] = store
	}
	return node
}

// RingVersion returns the ring version used by the node.
func (node *Node) RingVersion() uint64 {
	if node.ringVersion == nil {
		return 0
	}
	return node.ringVersion()
}

// Devices returns the names of the served devices.
func (node *Node) Devices() []string {
	names := make([]string, 0, len(node.stores))
	for name := range node.stores {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Store returns the store of a device.
func (node *Node) Store(device string) (*fragstore.Store, error) {
	store, ok := node.stores[device]
	if !ok {
		return nil, fragstore.ErrUnavailable.New("unknown device %q", device)
	}
	return store, nil
}

// Head returns the newest durable archive header matching ref.
func (node *Node) Head(ctx context.Context, device string, ref fragstore.Ref) (_ Info, err error) {
	defer mon.Task()(&ctx)(&err)
	store, err := node.Store(device)
	if err != nil {
		return Info{}, err
	}
	header, err := store.Stat(ctx, ref)
	if err != nil {
		return Info{}, err
	}
	return node.info(ctx, store, header), nil
}

// Open returns a reader for the newest durable archive matching ref.
func (node *Node) Open(ctx context.Context, device string, ref fragstore.Ref) (_ Info, _ *fragstore.Reader, err error) {
	defer mon.Task()(&ctx)(&err)
	store, err := node.Store(device)
	if err != nil {
		return Info{}, nil, err
	}
	reader, err := store.Open(ctx, ref)
	if err != nil {
		return Info{}, nil, err
	}
	return node.info(ctx, store, reader.Header()), reader, nil
}

func (node *Node) info(ctx context.Context, store *fragstore.Store, header fragstore.Header) Info {
	meta, err := store.ReadMeta(ctx, header.PolicyIndex, ring.Partition(header.Partition), header.Object)
	if err != nil {
		node.log.Warn("ignoring unreadable metadata update",
			zap.String("device", store.Device()),
			zap.String("object", header.Object),
			zap.Error(err))
		meta = nil
	}
	return Info{Header: header, Meta: meta, RingVersion: node.RingVersion()}
}

// Put writes an archive from body. A non-empty header.BodyHash must match
// the received body. A non-zero ringVersion must match the node's.
func (node *Node) Put(ctx context.Context, device string, ref fragstore.Ref, header fragstore.Header, ringVersion uint64, body io.Reader) (_ fragstore.Header, err error) {
	defer mon.Task()(&ctx)(&err)
	if current := node.RingVersion(); ringVersion != 0 && current != 0 && ringVersion != current {
		return fragstore.Header{}, ErrRingMismatch.New("request uses ring %d, node uses %d", ringVersion, current)
	}
	store, err := node.Store(device)
	if err != nil {
		return fragstore.Header{}, err
	}

	w, err := store.Create(ctx, ref)
	if err != nil {
		return fragstore.Header{}, err
	}
	if _, err := io.Copy(w, body); err != nil {
		return fragstore.Header{}, errs.Combine(ErrPeerUnavailable.Wrap(err), w.Cancel(ctx))
	}
	if header.BodyHash != "" && w.Hash() != header.BodyHash {
		return fragstore.Header{}, errs.Combine(
			ErrFragmentCorrupt.New("received body hash %s, expected %s", w.Hash(), header.BodyHash),
			w.Cancel(ctx))
	}
	if header.FragmentSize != 0 && w.Size() != header.FragmentSize {
		return fragstore.Header{}, errs.Combine(
			ErrFragmentCorrupt.New("received %d bytes, expected %d", w.Size(), header.FragmentSize),
			w.Cancel(ctx))
	}

	committed, err := w.Commit(ctx, header)
	if err != nil {
		return fragstore.Header{}, err
	}
	node.log.Debug("stored fragment",
		zap.String("device", device),
		zap.Stringer("ref", ref),
		zap.Stringer("timestamp", committed.Timestamp))
	return committed, nil
}

// Post stores a metadata update.
func (node *Node) Post(ctx context.Context, device string, policy int, partition ring.Partition, meta fragstore.Meta) (err error) {
	defer mon.Task()(&ctx)(&err)
	store, err := node.Store(device)
	if err != nil {
		return err
	}
	return store.WriteMeta(ctx, policy, partition, meta)
}

// List returns the objects of a partition.
func (node *Node) List(ctx context.Context, device string, policy int, partition ring.Partition) (_ []Listing, err error) {
	defer mon.Task()(&ctx)(&err)
	store, err := node.Store(device)
	if err != nil {
		return nil, err
	}
	infos, err := store.List(ctx, policy, partition)
	if err != nil {
		return nil, err
	}
	listings := make([]Listing, 0, len(infos))
	for _, info := range infos {
		if err := store.Check(ctx, policy, partition, &info); err != nil {
			return nil, err
		}
		listing := Listing{
			Hash:          info.Hash,
			Object:        info.Header.Object,
			FragmentIndex: info.Header.FragmentIndex,
			Timestamp:     info.Header.Timestamp,
			Durable:       info.Durable,
			Pending:       info.Pending,
			Corrupt:       info.Err != nil,
		}
		if info.Meta != nil {
			listing.MetaTimestamp = info.Meta.Timestamp
		}
		listings = append(listings, listing)
	}
	sort.Slice(listings, func(i, k int) bool { return listings[i].Hash < listings[k].Hash })
	return listings, nil
}
