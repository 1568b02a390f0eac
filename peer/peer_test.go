// Copyright (C) 2026 Storj Labs, Inc.
// See LICENSE for copying information.

package peer_test

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"storj.io/reconstructor/fragstore"
	"storj.io/reconstructor/peer"
	"storj.io/reconstructor/private/testcontext"
	"storj.io/reconstructor/ring"
)

type testNode struct {
	node    *peer.Node
	stores  []*fragstore.Store
	version uint64
}

func newTestNode(t *testing.T, ctx *testcontext.Context, name string, devices ...string) *testNode {
	tn := &testNode{version: 5}
	for _, device := range devices {
		dir := fragstore.NewDir(ctx.Dir(name, device))
		require.NoError(t, dir.Mount())
		tn.stores = append(tn.stores, fragstore.New(zaptest.NewLogger(t), dir))
	}
	tn.node = peer.NewNode(zaptest.NewLogger(t), func() uint64 { return tn.version }, tn.stores...)
	return tn
}

func testHeader(body []byte) fragstore.Header {
	return fragstore.Header{
		Timestamp:     1000,
		ETag:          "d41d8cd98f00b204e9800998ecf8427e",
		ContentLength: int64(len(body)) * 4,
		FragmentSize:  int64(len(body)),
		BodyHash:      fragstore.HashBody(body),
		Durable:       true,
		Metadata:      map[string]string{"x-object-meta-foo": "meta-foo"},
	}
}

// exerciseClient runs the same checks against every Client implementation.
func exerciseClient(t *testing.T, ctx context.Context, client peer.Client, device ring.Device, tn *testNode) {
	ref := fragstore.Ref{Policy: 1, Partition: 7, Object: "dir/some object", FragmentIndex: 2}
	body := bytes.Repeat([]byte("fragment"), 1000)

	_, err := client.Head(ctx, device, ref)
	require.Equal(t, peer.Absent, peer.Classify(err), err)

	committed, err := client.Put(ctx, device, ref, testHeader(body), bytes.NewReader(body))
	require.NoError(t, err)
	require.Equal(t, ref.Object, committed.Object)
	require.Equal(t, 2, committed.FragmentIndex)
	require.Equal(t, fragstore.HashBody(body), committed.BodyHash)

	info, err := client.Head(ctx, device, ref)
	require.NoError(t, err)
	require.Equal(t, committed, info.Header)
	require.Nil(t, info.Meta)
	require.Equal(t, uint64(5), info.RingVersion)

	require.NoError(t, client.Post(ctx, device, 1, 7, fragstore.Meta{
		Object:    ref.Object,
		Timestamp: 2000,
		Metadata:  map[string]string{"x-object-meta-bar": "meta-bar"},
	}))

	info, data, err := client.Get(ctx, device, fragstore.Ref{Policy: 1, Partition: 7, Object: ref.Object, FragmentIndex: fragstore.AnyIndex})
	require.NoError(t, err)
	require.True(t, bytes.Equal(body, data))
	require.NotNil(t, info.Meta)
	require.Equal(t, fragstore.Timestamp(2000), info.Meta.Timestamp)

	listings, err := client.List(ctx, device, 1, 7)
	require.NoError(t, err)
	require.Equal(t, []peer.Listing{{
		Hash:          fragstore.ObjectHash(ref.Object),
		Object:        ref.Object,
		FragmentIndex: 2,
		Timestamp:     1000,
		Durable:       true,
		MetaTimestamp: 2000,
	}}, listings)

	_, err = client.List(ctx, device, 1, 8)
	require.Equal(t, peer.Absent, peer.Classify(err), err)

	// mismatching body hash is rejected and nothing is stored
	bad := testHeader(body)
	bad.BodyHash = "0000000000000000"
	_, err = client.Put(ctx, device, fragstore.Ref{Policy: 1, Partition: 7, Object: "other", FragmentIndex: 2}, bad, bytes.NewReader(body))
	require.Equal(t, peer.Corrupt, peer.Classify(err), err)
	_, err = client.Head(ctx, device, fragstore.Ref{Policy: 1, Partition: 7, Object: "other", FragmentIndex: 2})
	require.Equal(t, peer.Absent, peer.Classify(err), err)

	// writes made with a different ring version are rejected
	_, err = client.Put(peer.WithRingVersion(ctx, 4), device, ref, testHeader(body), bytes.NewReader(body))
	require.True(t, peer.ErrRingMismatch.Has(err), err)

	// a damaged body behind an intact header shows up in listings
	store := tn.stores[0]
	path := filepath.Join(store.Dir().ObjectPath(1, 7, ref.Object), "0000000000000001000#2#d.data")
	file, err := os.OpenFile(path, os.O_RDWR, 0)
	require.NoError(t, err)
	_, err = file.WriteAt([]byte("X"), fragstore.HeaderReservedArea+1)
	require.NoError(t, err)
	require.NoError(t, file.Close())

	_, err = client.Head(ctx, device, ref)
	require.NoError(t, err)
	listings, err = client.List(ctx, device, 1, 7)
	require.NoError(t, err)
	require.Len(t, listings, 1)
	require.True(t, listings[0].Corrupt)
	_, _, err = client.Get(ctx, device, ref)
	require.Equal(t, peer.Corrupt, peer.Classify(err), err)

	// corrupt archives are reported
	require.NoError(t, os.Truncate(path, fragstore.HeaderReservedArea+10))
	_, err = client.Head(ctx, device, ref)
	require.Equal(t, peer.Corrupt, peer.Classify(err), err)

	// unmounted devices are unavailable
	require.NoError(t, store.Dir().Unmount())
	_, err = client.Head(ctx, device, ref)
	require.Equal(t, peer.Unavailable, peer.Classify(err), err)
	require.NoError(t, store.Dir().Mount())
}

func TestDirect(t *testing.T) {
	ctx := testcontext.New(t)
	tn := newTestNode(t, ctx, "node1", "sdb1")

	direct := peer.NewDirect()
	direct.AddNode("node1:6200", tn.node)
	device := ring.Device{ID: 1, Node: "node1:6200", Name: "sdb1"}

	exerciseClient(t, ctx, direct, device, tn)

	direct.SetDown("node1:6200", true)
	_, err := direct.List(ctx, device, 1, 7)
	require.Equal(t, peer.Unavailable, peer.Classify(err), err)
	direct.SetDown("node1:6200", false)

	failure := errors.New("connection reset")
	direct.SetHook(func(ctx context.Context, op peer.Operation, device ring.Device) error {
		if op == peer.OpGet {
			return failure
		}
		return nil
	})
	_, _, err = direct.Get(ctx, device, fragstore.Ref{Policy: 1, Partition: 7, Object: "dir/some object", FragmentIndex: 2})
	require.ErrorIs(t, err, failure)
	require.Equal(t, peer.Unavailable, peer.Classify(err))

	_, err = direct.Head(ctx, ring.Device{Node: "unknown:1", Name: "sdb1"}, fragstore.Ref{Object: "x"})
	require.Equal(t, peer.Unavailable, peer.Classify(err), err)
}

func TestHTTP(t *testing.T) {
	ctx := testcontext.New(t)
	tn := newTestNode(t, ctx, "node1", "sdb1", "sdb2")

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	registry := prometheus.NewRegistry()
	server := peer.NewServer(zaptest.NewLogger(t), listener, tn.node, registry)
	serverCtx, cancel := context.WithCancel(ctx)
	ctx.Go(func() error { return server.Run(serverCtx) })
	defer cancel()

	client := peer.NewHTTPClient(zaptest.NewLogger(t), peer.ClientConfig{
		Timeout:      5 * time.Second,
		Retries:      1,
		RetryBackoff: time.Millisecond,
	}, func() uint64 { return tn.version })
	device := ring.Device{ID: 1, Node: server.Addr(), Name: "sdb1"}

	exerciseClient(t, ctx, client, device, tn)

	// unknown devices report insufficient storage
	_, err = client.Head(ctx, ring.Device{Node: server.Addr(), Name: "sdz9"}, fragstore.Ref{Policy: 1, Partition: 7, Object: "x"})
	require.Equal(t, peer.Unavailable, peer.Classify(err), err)

	resp, err := http.Get("http://" + server.Addr() + "/metrics")
	require.NoError(t, err)
	metrics, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())
	require.Contains(t, string(metrics), "reconstructor_peer_requests_total")

	resp, err = http.Get("http://" + server.Addr() + "/health/sdb2")
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())
	require.Equal(t, http.StatusOK, resp.StatusCode)

	require.NoError(t, tn.stores[1].Dir().Unmount())
	resp, err = http.Get("http://" + server.Addr() + "/health")
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())
	require.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	cancel()
}

func TestHTTPUnreachable(t *testing.T) {
	ctx := testcontext.New(t)

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := listener.Addr().String()
	require.NoError(t, listener.Close())

	client := peer.NewHTTPClient(zaptest.NewLogger(t), peer.ClientConfig{
		Timeout:      time.Second,
		Retries:      2,
		RetryBackoff: time.Millisecond,
	}, nil)
	_, err = client.Head(ctx, ring.Device{Node: addr, Name: "sdb1"}, fragstore.Ref{Object: "x", FragmentIndex: fragstore.AnyIndex})
	require.Error(t, err)
	require.Equal(t, peer.Unavailable, peer.Classify(err))
}

func TestClassify(t *testing.T) {
	require.Equal(t, peer.Healthy, peer.Classify(nil))
	require.Equal(t, peer.Absent, peer.Classify(peer.ErrPeerAbsent.New("gone")))
	require.Equal(t, peer.Absent, peer.Classify(fragstore.ErrNotFound.New("gone")))
	require.Equal(t, peer.Corrupt, peer.Classify(fragstore.ErrCorrupt.New("bad")))
	require.Equal(t, peer.Corrupt, peer.Classify(peer.ErrFragmentCorrupt.New("bad")))
	require.Equal(t, peer.Unavailable, peer.Classify(fragstore.ErrUnavailable.New("unmounted")))
	require.Equal(t, peer.Unavailable, peer.Classify(context.DeadlineExceeded))
	require.Equal(t, peer.Unavailable, peer.Classify(errors.New("anything else")))

	require.Equal(t, peer.Unavailable, peer.Classify(&net.OpError{Op: "read", Net: "tcp", Err: os.ErrDeadlineExceeded}))
	require.Equal(t, peer.Absent, peer.Classify(fragstore.ErrNotFound.Wrap(context.DeadlineExceeded)))

	response := peer.NewResponse(ring.Device{ID: 3}, peer.Info{RingVersion: 1}, peer.ErrPeerAbsent.New("gone"))
	require.Equal(t, peer.Absent, response.Status)
	require.Equal(t, peer.Info{}, response.Info)
	require.Equal(t, "absent", response.Status.String())
}
