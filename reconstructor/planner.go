// Copyright (C) 2026 Storj Labs, Inc.
// See LICENSE for copying information.

package reconstructor

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"storj.io/reconstructor/fragstore"
	"storj.io/reconstructor/inventory"
	"storj.io/reconstructor/peer"
	"storj.io/reconstructor/ring"
)

// Planner produces the jobs needed to bring the partitions of local devices
// and their sync targets up to date.
type Planner struct {
	log       *zap.Logger
	node      string
	stores    map[string]*fragstore.Store
	inventory *inventory.Inventory
	client    peer.Client
	config    Config
}

// NewPlanner creates a planner for the devices of the server at node.
func NewPlanner(log *zap.Logger, node string, stores []*fragstore.Store, inventory *inventory.Inventory, client peer.Client, config Config) *Planner {
	planner := &Planner{
		log:       log,
		node:      node,
		stores:    make(map[string]*fragstore.Store, len(stores)),
		inventory: inventory,
		client:    client,
		config:    config,
	}
	for _, store := range stores {
		planner.stores[store.Device()] = store
	}
	return planner
}

// LocalDevices returns the ring devices served by this server that are
// selected by scope.
func (planner *Planner) LocalDevices(r *ring.Ring, scope Scope) []ring.Device {
	var devices []ring.Device
	for _, device := range r.Devices() {
		if device.Node != planner.node {
			continue
		}
		if _, ok := planner.stores[device.Name]; !ok {
			continue
		}
		if scope.IncludesDevice(device) {
			devices = append(devices, device)
		}
	}
	return devices
}

// IsLocal reports whether device is served by this server.
func (planner *Planner) IsLocal(device ring.Device) bool {
	_, ok := planner.stores[device.Name]
	return ok && device.Node == planner.node
}

// Plan calls emit for every job needed by the local devices in scope. Jobs
// are produced one partition at a time.
func (planner *Planner) Plan(ctx context.Context, r *ring.Ring, scope Scope, emit func(SyncJob) error) (err error) {
	defer mon.Task()(&ctx)(&err)
	if !scope.IncludesPolicy(r.Policy().Index) {
		return nil
	}
	for _, device := range planner.LocalDevices(r, scope) {
		store := planner.stores[device.Name]
		if err := store.Dir().Available(); err != nil {
			planner.log.Warn("skipping unavailable device",
				zap.Stringer("device", device),
				zap.Error(err))
			continue
		}
		for _, partition := range r.PartitionsFor(device.ID) {
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := planner.PlanPartition(ctx, r, device, store, partition, emit); err != nil {
				return err
			}
		}
	}
	return nil
}

// peerState is what a peer reported about a partition.
type peerState struct {
	status  peer.Status
	objects map[string]peer.Listing
}

// objectState is the newest durable write of an object known to the planner.
type objectState struct {
	name   string
	newest fragstore.Timestamp
	meta   fragstore.Timestamp
}

// PlanPartition emits the jobs of one partition of a local device.
func (planner *Planner) PlanPartition(ctx context.Context, r *ring.Ring, device ring.Device, store *fragstore.Store, partition ring.Partition, emit func(SyncJob) error) (err error) {
	defer mon.Task()(&ctx)(&err)

	nodes, err := r.Nodes(partition)
	if err != nil {
		return Error.Wrap(err)
	}
	self, ok := r.FragmentIndex(partition, device.ID)
	if !ok {
		return Error.New("partition %d isn't assigned to %s", partition, device)
	}
	device = nodes[self]

	entries, err := planner.inventory.ScanPartition(ctx, r, device, store, partition)
	if err != nil {
		return Error.Wrap(err)
	}
	local := make(map[string]inventory.Entry, len(entries))
	for _, entry := range entries {
		if entry.Hash != "" {
			local[entry.Hash] = entry
		}
	}

	peers := planner.listPeers(ctx, r.Policy().Index, nodes, self, partition)
	if err := ctx.Err(); err != nil {
		return err
	}

	objects := map[string]*objectState{}
	observe := func(hash, name string, timestamp, meta fragstore.Timestamp) {
		state, ok := objects[hash]
		if !ok {
			state = &objectState{}
			objects[hash] = state
		}
		if state.name == "" {
			state.name = name
		}
		if timestamp > state.newest {
			state.newest = timestamp
		}
		if meta > state.meta {
			state.meta = meta
		}
	}
	for hash, entry := range local {
		var timestamp fragstore.Timestamp
		if entry.Local != nil {
			timestamp = entry.Local.Timestamp
		}
		observe(hash, entry.Object, timestamp, metaTimestamp(entry.Meta))
	}
	for _, state := range peers {
		for hash, listing := range state.objects {
			timestamp := listing.Timestamp
			if !listing.Durable || listing.Corrupt {
				timestamp = 0
			}
			observe(hash, listing.Object, timestamp, listing.MetaTimestamp)
		}
	}

	hashes := make([]string, 0, len(objects))
	for hash := range objects {
		hashes = append(hashes, hash)
	}
	sort.Strings(hashes)

	targets := pushTargets(nodes, self, peers)
	for _, hash := range hashes {
		object := objects[hash]
		if object.newest == 0 || object.name == "" {
			planner.log.Debug("no durable write known",
				zap.Stringer("device", device),
				zap.Stringer("partition", partition),
				zap.String("hash", hash))
			continue
		}

		job := SyncJob{
			Policy:      r.Policy().Index,
			Partition:   partition,
			Object:      object.name,
			Timestamp:   object.newest,
			RingVersion: r.Version(),
		}
		// metadata updates older than the data they describe are obsolete
		if object.meta > object.newest {
			job.MetaTimestamp = object.meta
		}

		entry, found := local[hash]
		reason := localReason(entry, found, object.newest)
		if reason == "" && metaTimestamp(entry.Meta) < job.MetaTimestamp {
			reason = ReasonMeta
		}
		if reason != "" {
			job.Target = device
			job.Local = true
			job.Reason = reason
			if err := emit(job); err != nil {
				return err
			}
			continue
		}

		for _, target := range targets {
			listing, found := peers[target.ID].objects[hash]
			reason := remoteReason(listing, found, object.newest, target.Index)
			if reason == "" && listing.MetaTimestamp < job.MetaTimestamp {
				reason = ReasonMeta
			}
			if reason == "" {
				continue
			}
			job.Target = target
			job.Local = planner.IsLocal(target)
			job.Reason = reason
			if err := emit(job); err != nil {
				return err
			}
		}
	}
	return nil
}

// listPeers lists the partition on every other node of the partition.
func (planner *Planner) listPeers(ctx context.Context, policy int, nodes []ring.Device, self int, partition ring.Partition) map[int]peerState {
	var mu sync.Mutex
	states := make(map[int]peerState, len(nodes))

	var group errgroup.Group
	if planner.config.ListConcurrency > 0 {
		group.SetLimit(planner.config.ListConcurrency)
	}
	for _, node := range nodes {
		if node.Index == self {
			continue
		}
		group.Go(func() error {
			callCtx, cancel := withTimeout(ctx, planner.config.NodeTimeout)
			defer cancel()

			listings, err := planner.client.List(callCtx, node, policy, partition)
			state := peerState{status: peer.Classify(err), objects: map[string]peer.Listing{}}
			switch state.status {
			case peer.Healthy:
				for _, listing := range listings {
					state.objects[listing.Hash] = listing
				}
			case peer.Absent:
				// the partition doesn't exist on the peer yet
			default:
				planner.log.Debug("peer listing failed",
					zap.Stringer("peer", node),
					zap.Stringer("partition", partition),
					zap.Stringer("status", state.status),
					zap.Error(err))
			}

			mu.Lock()
			states[node.ID] = state
			mu.Unlock()
			return nil
		})
	}
	_ = group.Wait()
	return states
}

// pushTargets returns the partners of self, plus one alternate node for
// every partner that is unavailable.
func pushTargets(nodes []ring.Device, self int, peers map[int]peerState) []ring.Device {
	ordered := ring.SyncTargets(nodes, self)
	partners := len(ring.Partners(self, len(nodes)))

	var targets []ring.Device
	missing := 0
	for _, target := range ordered[:partners] {
		if peers[target.ID].status == peer.Unavailable {
			missing++
			continue
		}
		targets = append(targets, target)
	}
	for _, alternate := range ordered[partners:] {
		if missing == 0 {
			break
		}
		if peers[alternate.ID].status == peer.Unavailable {
			continue
		}
		targets = append(targets, alternate)
		missing--
	}
	return targets
}

func localReason(entry inventory.Entry, found bool, newest fragstore.Timestamp) Reason {
	switch {
	case !found:
		return ReasonMissing
	case entry.Corrupt:
		return ReasonCorrupt
	case entry.State == inventory.Absent:
		return ReasonMissing
	case entry.State == inventory.Stale:
		return ReasonStale
	case entry.Local == nil || entry.Local.Timestamp < newest:
		return ReasonStale
	}
	return ""
}

func remoteReason(listing peer.Listing, found bool, newest fragstore.Timestamp, index int) Reason {
	switch {
	case !found:
		return ReasonMissing
	case listing.Corrupt:
		return ReasonCorrupt
	case !listing.Durable, listing.Timestamp < newest, listing.FragmentIndex != index:
		return ReasonStale
	}
	return ""
}

func metaTimestamp(meta *fragstore.Meta) fragstore.Timestamp {
	if meta == nil {
		return 0
	}
	return meta.Timestamp
}

func withTimeout(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, timeout)
}
