// Copyright (C) 2026 Storj Labs, Inc.
// See LICENSE for copying information.

// Package testcluster runs a cluster of fragment servers inside a test.
package testcluster

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"net"
	"os"
	"sort"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"github.com/zeebo/errs"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"storj.io/reconstructor/erasure"
	"storj.io/reconstructor/fragstore"
	"storj.io/reconstructor/peer"
	"storj.io/reconstructor/private/testcontext"
	"storj.io/reconstructor/reconstructor"
	"storj.io/reconstructor/ring"
)

// DefaultPolicy is a 4+2 policy with 1 MiB segments.
var DefaultPolicy = ring.Policy{
	Index:           1,
	Name:            "ec42",
	Type:            ring.TypeInfectious,
	DataFragments:   4,
	ParityFragments: 2,
	SegmentSize:     1 << 20,
}

// Config describes the cluster layout.
type Config struct {
	Policy           ring.Policy
	Servers          int
	DevicesPerServer int
	PartPower        uint
	// HTTP serves the devices of every server with a peer.Server and
	// reconstructors talk to remote servers over HTTP.
	HTTP bool
}

func (config *Config) setDefaults() {
	if config.Policy.Type == "" {
		config.Policy = DefaultPolicy
	}
	if config.Servers == 0 {
		config.Servers = 4
	}
	if config.DevicesPerServer == 0 {
		config.DevicesPerServer = 2
	}
	if config.PartPower == 0 {
		config.PartPower = 2
	}
}

// Server is a server of the cluster.
type Server struct {
	Number  int
	Address string
	Node    *peer.Node
	Stores  []*fragstore.Store
	Peer    *peer.Server
}

// Cluster is a set of servers sharing a ring.
type Cluster struct {
	t      testing.TB
	log    *zap.Logger
	config Config

	Root    string
	Ring    *ring.Ring
	Holder  *ring.Holder
	Direct  *peer.Direct
	Servers []*Server
	Codec   *erasure.Codec

	clock atomic.Int64
}

// New creates and starts a cluster.
func New(t testing.TB, ctx *testcontext.Context, config Config) *Cluster {
	config.setDefaults()
	log := zaptest.NewLogger(t)

	cluster := &Cluster{
		t:      t,
		log:    log,
		config: config,
		Root:   ctx.Dir("cluster"),
		Direct: peer.NewDirect(),
	}
	cluster.clock.Store(int64(fragstore.Now()))

	listeners := make([]net.Listener, config.Servers)
	for i := 0; i < config.Servers; i++ {
		address := fmt.Sprintf("127.0.0.1:60%d0", i+1)
		if config.HTTP {
			listener, err := net.Listen("tcp", "127.0.0.1:0")
			require.NoError(t, err)
			listeners[i] = listener
			address = listener.Addr().String()
		}
		cluster.Servers = append(cluster.Servers, &Server{Number: i + 1, Address: address})
	}

	// devices are striped over servers so consecutive fragment indexes land
	// on different servers
	var devices []ring.Device
	for slot := 0; slot < config.DevicesPerServer; slot++ {
		for _, server := range cluster.Servers {
			devices = append(devices, ring.Device{
				ID:     len(devices),
				Server: server.Number,
				Node:   server.Address,
				Name:   fmt.Sprintf("sdb%d", server.Number+slot*config.Servers),
			})
		}
	}
	total := config.Policy.TotalFragments()
	require.GreaterOrEqual(t, len(devices), total, "not enough devices for the policy")

	assignments := make([][]int, 1<<config.PartPower)
	for p := range assignments {
		row := make([]int, total)
		for i := range row {
			row[i] = devices[(p+i)%len(devices)].ID
		}
		assignments[p] = row
	}

	r, err := ring.New(1, config.Policy, config.PartPower, devices, assignments)
	require.NoError(t, err)
	ringPath := ctx.File("cluster", "ring.yaml")
	require.NoError(t, r.Save(ringPath))
	cluster.Ring = r
	cluster.Holder = ring.NewHolder(ringPath, r)

	cluster.Codec, err = erasure.CodecForPolicy(config.Policy)
	require.NoError(t, err)

	for i, server := range cluster.Servers {
		for _, device := range devices {
			if device.Server != server.Number {
				continue
			}
			dir := fragstore.NewDir(ctx.Dir("cluster", fmt.Sprintf("node%d", server.Number), device.Name))
			require.NoError(t, dir.Mount())
			server.Stores = append(server.Stores, fragstore.New(log.Named(device.Name), dir))
		}
		server.Node = peer.NewNode(log.Named(fmt.Sprintf("node%d", server.Number)), cluster.Holder.Version, server.Stores...)
		cluster.Direct.AddNode(server.Address, server.Node)

		if config.HTTP {
			server.Peer = peer.NewServer(log.Named("peer"), listeners[i], server.Node, prometheus.NewRegistry())
			peerServer := server.Peer
			ctx.Go(func() error { return peerServer.Run(ctx) })
			t.Cleanup(func() { _ = peerServer.Close() })
		}
	}
	return cluster
}

// Log returns the cluster logger.
func (cluster *Cluster) Log() *zap.Logger { return cluster.log }

func (cluster *Cluster) timestamp() fragstore.Timestamp {
	now := int64(fragstore.Now())
	for {
		last := cluster.clock.Load()
		next := max(now, last+1)
		if cluster.clock.CompareAndSwap(last, next) {
			return fragstore.Timestamp(next)
		}
	}
}

// Server returns the server with number (1-based).
func (cluster *Cluster) Server(number int) *Server {
	return cluster.Servers[number-1]
}

// Store returns the store of device.
func (cluster *Cluster) Store(device ring.Device) *fragstore.Store {
	store, err := cluster.Server(device.Server).Node.Store(device.Name)
	require.NoError(cluster.t, err)
	return store
}

// Nodes returns the partition and the primary devices of object.
func (cluster *Cluster) Nodes(object string) (ring.Partition, []ring.Device) {
	r := cluster.Holder.Ring()
	partition := r.Partition(object)
	nodes, err := r.Nodes(partition)
	require.NoError(cluster.t, err)
	return partition, nodes
}

// Client returns the client used by the reconstructor of server.
func (cluster *Cluster) Client(server *Server) peer.Client {
	var remote peer.Client = cluster.Direct
	if cluster.config.HTTP {
		remote = peer.NewHTTPClient(cluster.log.Named("http"), peer.ClientConfig{
			Timeout:      10 * time.Second,
			Retries:      1,
			RetryBackoff: 10 * time.Millisecond,
		}, cluster.Holder.Version)
	}
	return peer.NewRouted(server.Address, server.Node, remote)
}

// Put writes object to every primary. It fails when a primary can't store
// its fragment.
func (cluster *Cluster) Put(ctx context.Context, object string, data []byte, metadata map[string]string) (fragstore.Timestamp, error) {
	partition, nodes := cluster.Nodes(object)
	fragments, err := cluster.Codec.EncodeBytes(ctx, data)
	if err != nil {
		return 0, err
	}
	sum := md5.Sum(data)
	ts := cluster.timestamp()

	var group errs.Group
	for _, node := range nodes {
		body := fragments[node.Index]
		_, err := cluster.Direct.Put(ctx, node, fragstore.Ref{
			Policy:        cluster.Ring.Policy().Index,
			Partition:     partition,
			Object:        object,
			FragmentIndex: node.Index,
		}, fragstore.Header{
			Timestamp:     ts,
			ETag:          hex.EncodeToString(sum[:]),
			ContentLength: int64(len(data)),
			FragmentSize:  int64(len(body)),
			BodyHash:      fragstore.HashBody(body),
			Durable:       true,
			Metadata:      metadata,
		}, bytes.NewReader(body))
		group.Add(err)
	}
	return ts, group.Err()
}

// Post replaces the user metadata of object on every primary.
func (cluster *Cluster) Post(ctx context.Context, object string, metadata map[string]string) error {
	partition, nodes := cluster.Nodes(object)
	meta := fragstore.Meta{Object: object, Timestamp: cluster.timestamp(), Metadata: metadata}
	var group errs.Group
	for _, node := range nodes {
		group.Add(cluster.Direct.Post(ctx, node, cluster.Ring.Policy().Index, partition, meta))
	}
	return group.Err()
}

// Get reads object from the first fragments available, checks its etag and
// returns it with its effective metadata.
func (cluster *Cluster) Get(ctx context.Context, object string) ([]byte, map[string]string, error) {
	partition, nodes := cluster.Nodes(object)
	required := cluster.Codec.RequiredCount()

	fragments := map[int]io.Reader{}
	var header fragstore.Header
	var meta *fragstore.Meta
	var group errs.Group
	for _, node := range nodes {
		if len(fragments) == required {
			break
		}
		info, body, err := cluster.Direct.Get(ctx, node, fragstore.Ref{
			Policy:        cluster.Ring.Policy().Index,
			Partition:     partition,
			Object:        object,
			FragmentIndex: node.Index,
		})
		if err != nil {
			group.Add(err)
			continue
		}
		if len(fragments) > 0 && !info.Header.MatchesArchive(header) {
			continue
		}
		header = info.Header
		if info.Meta != nil && (meta == nil || info.Meta.Timestamp > meta.Timestamp) {
			meta = info.Meta
		}
		fragments[node.Index] = bytes.NewReader(body)
	}
	if len(fragments) < required {
		return nil, nil, errs.Combine(peer.ErrPeerAbsent.New("%s: %d of %d fragments", object, len(fragments), required), group.Err())
	}

	var out bytes.Buffer
	if err := cluster.Codec.Decode(ctx, fragments, header.ContentLength, &out); err != nil {
		return nil, nil, err
	}
	sum := md5.Sum(out.Bytes())
	if etag := hex.EncodeToString(sum[:]); etag != header.ETag {
		return nil, nil, peer.ErrFragmentCorrupt.New("%s: etag %s, expected %s", object, etag, header.ETag)
	}
	return out.Bytes(), fragstore.EffectiveMetadata(header, meta), nil
}

// Fragment reads the archive of object held by device directly from disk.
func (cluster *Cluster) Fragment(ctx context.Context, device ring.Device, object string) (fragstore.Header, []byte, error) {
	partition := cluster.Holder.Ring().Partition(object)
	reader, err := cluster.Store(device).Open(ctx, fragstore.Ref{
		Policy:        cluster.Ring.Policy().Index,
		Partition:     partition,
		Object:        object,
		FragmentIndex: device.Index,
	})
	if err != nil {
		return fragstore.Header{}, nil, err
	}
	body, err := io.ReadAll(reader)
	err = errs.Combine(err, reader.Close())
	return reader.Header(), body, err
}

// DeletePartition removes the partition directory of device.
func (cluster *Cluster) DeletePartition(device ring.Device, partition ring.Partition) {
	path := cluster.Store(device).Dir().PartitionPath(cluster.Ring.Policy().Index, partition)
	require.NoError(cluster.t, os.RemoveAll(path))
}

// KillDrive makes device unavailable.
func (cluster *Cluster) KillDrive(device ring.Device) {
	require.NoError(cluster.t, cluster.Store(device).Dir().Unmount())
}

// ReviveDrive makes device available again.
func (cluster *Cluster) ReviveDrive(device ring.Device) {
	require.NoError(cluster.t, cluster.Store(device).Dir().Mount())
}

// Service creates a reconstructor for server.
func (cluster *Cluster) Service(server *Server, config reconstructor.Config) *reconstructor.Service {
	stats, err := reconstructor.NewStats(prometheus.NewRegistry())
	require.NoError(cluster.t, err)
	return reconstructor.NewService(
		cluster.log.Named(fmt.Sprintf("reconstructor%d", server.Number)),
		config, cluster.Holder, server.Address, server.Stores, cluster.Client(server), nil, stats)
}

// Reconstruct runs a single pass of the reconstructor of server limited to
// devices. No devices means all devices of the server.
func (cluster *Cluster) Reconstruct(ctx context.Context, server *Server, devices ...string) reconstructor.Report {
	config := reconstructor.DefaultConfig()
	config.NodeTimeout = 5 * time.Second
	report, err := cluster.Service(server, config).Run(ctx, reconstructor.Scope{Devices: devices, Once: true})
	require.NoError(cluster.t, err)
	return report
}

// DeviceNames returns the sorted names of all devices.
func (cluster *Cluster) DeviceNames() []string {
	var names []string
	for _, device := range cluster.Ring.Devices() {
		names = append(names, device.Name)
	}
	sort.Strings(names)
	return names
}
