// Copyright (C) 2026 Storj Labs, Inc.
// See LICENSE for copying information.

package reconstructor_test

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"testing"
	"time"

	"github.com/golang/mock/gomock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"storj.io/reconstructor/erasure"
	"storj.io/reconstructor/fragstore"
	"storj.io/reconstructor/peer"
	"storj.io/reconstructor/peer/peermock"
	"storj.io/reconstructor/private/testcontext"
	"storj.io/reconstructor/reconstructor"
	"storj.io/reconstructor/ring"
)

var mockPolicy = ring.Policy{
	Index:           3,
	Name:            "ec32",
	Type:            ring.TypeKlauspost,
	DataFragments:   3,
	ParityFragments: 2,
	SegmentSize:     4096,
}

// mockFixture is a single partition spread over five remote devices.
type mockFixture struct {
	holder    *ring.Holder
	nodes     []ring.Device
	headers   []fragstore.Header
	fragments [][]byte
}

func newMockFixture(t *testing.T, ctx context.Context) *mockFixture {
	devices := make([]ring.Device, mockPolicy.TotalFragments())
	row := make([]int, len(devices))
	for i := range devices {
		devices[i] = ring.Device{ID: i, Server: i + 1, Node: fmt.Sprintf("10.0.0.%d:6200", i+1), Name: "sdb"}
		row[i] = i
	}
	r, err := ring.New(7, mockPolicy, 0, devices, [][]int{row})
	require.NoError(t, err)
	nodes, err := r.Nodes(0)
	require.NoError(t, err)

	codec, err := erasure.CodecForPolicy(mockPolicy)
	require.NoError(t, err)
	data := randomData(30, 50000)
	fragments, err := codec.EncodeBytes(ctx, data)
	require.NoError(t, err)

	headers := make([]fragstore.Header, len(fragments))
	for i, fragment := range fragments {
		headers[i] = fragstore.Header{
			Version:       fragstore.HeaderVersion,
			Object:        "obj",
			PolicyIndex:   mockPolicy.Index,
			FragmentIndex: i,
			Timestamp:     100,
			ETag:          "etag",
			ContentLength: int64(len(data)),
			FragmentSize:  int64(len(fragment)),
			BodyHash:      fragstore.HashBody(fragment),
			Durable:       true,
		}
	}
	return &mockFixture{holder: ring.NewHolder("", r), nodes: nodes, headers: headers, fragments: fragments}
}

func (fixture *mockFixture) job(target int, reason reconstructor.Reason) reconstructor.SyncJob {
	return reconstructor.SyncJob{
		Policy:      mockPolicy.Index,
		Partition:   0,
		Object:      "obj",
		Target:      fixture.nodes[target],
		Reason:      reason,
		Timestamp:   100,
		RingVersion: fixture.holder.Version(),
	}
}

// serve answers Head and Get from the fixture unless failures has an error
// for the device and operation.
func (fixture *mockFixture) serve(client *peermock.MockClient, failures map[int]map[peer.Operation]error) {
	failure := func(op peer.Operation, device ring.Device) error {
		return failures[device.ID][op]
	}
	client.EXPECT().Head(gomock.Any(), gomock.Any(), gomock.Any()).DoAndReturn(
		func(ctx context.Context, device ring.Device, ref fragstore.Ref) (peer.Info, error) {
			if err := failure(peer.OpHead, device); err != nil {
				return peer.Info{}, err
			}
			return peer.Info{Header: fixture.headers[device.Index], RingVersion: 7}, nil
		}).AnyTimes()
	client.EXPECT().Get(gomock.Any(), gomock.Any(), gomock.Any()).DoAndReturn(
		func(ctx context.Context, device ring.Device, ref fragstore.Ref) (peer.Info, []byte, error) {
			if err := failure(peer.OpGet, device); err != nil {
				return peer.Info{}, nil, err
			}
			return peer.Info{Header: fixture.headers[device.Index], RingVersion: 7}, fixture.fragments[device.Index], nil
		}).AnyTimes()
}

func TestECRebuilderSourceFailures(t *testing.T) {
	for _, tt := range []struct {
		name     string
		failures map[int]map[peer.Operation]error
	}{
		{"not found", map[int]map[peer.Operation]error{
			0: {peer.OpHead: peer.ErrPeerAbsent.New("404 Not Found")},
		}},
		{"insufficient storage", map[int]map[peer.Operation]error{
			1: {peer.OpHead: peer.ErrPeerUnavailable.New("507 Insufficient Storage")},
		}},
		{"timeout", map[int]map[peer.Operation]error{
			2: {peer.OpHead: context.DeadlineExceeded},
		}},
		{"corrupt body", map[int]map[peer.Operation]error{
			0: {peer.OpGet: peer.ErrFragmentCorrupt.New("body hash mismatch")},
		}},
		{"download timeout", map[int]map[peer.Operation]error{
			1: {peer.OpGet: context.DeadlineExceeded},
		}},
	} {
		t.Run(tt.name, func(t *testing.T) {
			ctx := testcontext.New(t)
			ctrl := gomock.NewController(t)
			defer ctrl.Finish()

			fixture := newMockFixture(t, ctx)
			client := peermock.NewMockClient(ctrl)
			fixture.serve(client, tt.failures)

			target := 4
			client.EXPECT().Put(gomock.Any(), fixture.nodes[target], gomock.Any(), gomock.Any(), gomock.Any()).DoAndReturn(
				func(ctx context.Context, device ring.Device, ref fragstore.Ref, header fragstore.Header, body io.Reader) (fragstore.Header, error) {
					data, err := io.ReadAll(body)
					require.NoError(t, err)
					require.True(t, bytes.Equal(fixture.fragments[target], data))
					require.Equal(t, fixture.headers[target].BodyHash, header.BodyHash)
					require.Equal(t, target, ref.FragmentIndex)
					return header, nil
				}).Times(1)

			rebuilder := reconstructor.NewECRebuilder(zaptest.NewLogger(t), client, nil, fixture.holder, time.Second)
			result := rebuilder.Execute(ctx, fixture.job(target, reconstructor.ReasonMissing))
			require.NoError(t, result.Err)
			require.Equal(t, reconstructor.OutcomeRebuilt, result.Outcome)
			require.Equal(t, int64(len(fixture.fragments[target])), result.Bytes)
		})
	}
}

func TestECRebuilderQuorumNotMet(t *testing.T) {
	ctx := testcontext.New(t)
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	fixture := newMockFixture(t, ctx)
	client := peermock.NewMockClient(ctrl)
	fixture.serve(client, map[int]map[peer.Operation]error{
		0: {peer.OpHead: peer.ErrPeerAbsent.New("404 Not Found")},
		2: {peer.OpGet: peer.ErrFragmentCorrupt.New("body hash mismatch")},
	})
	client.EXPECT().Put(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).Times(0)

	rebuilder := reconstructor.NewECRebuilder(zaptest.NewLogger(t), client, nil, fixture.holder, time.Second)
	result := rebuilder.Execute(ctx, fixture.job(4, reconstructor.ReasonMissing))
	require.Equal(t, reconstructor.OutcomeDeferred, result.Outcome)
	require.True(t, reconstructor.ErrQuorumNotMet.Has(result.Err), result.Err)
}

func TestECRebuilderTargetUnavailable(t *testing.T) {
	ctx := testcontext.New(t)
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	fixture := newMockFixture(t, ctx)
	client := peermock.NewMockClient(ctrl)
	fixture.serve(client, nil)
	client.EXPECT().Put(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).
		Return(fragstore.Header{}, peer.ErrPeerUnavailable.New("507 Insufficient Storage"))

	rebuilder := reconstructor.NewECRebuilder(zaptest.NewLogger(t), client, nil, fixture.holder, time.Second)
	result := rebuilder.Execute(ctx, fixture.job(3, reconstructor.ReasonMissing))
	require.Equal(t, reconstructor.OutcomeDeferred, result.Outcome)
	require.Equal(t, peer.Unavailable, peer.Classify(result.Err), result.Err)
}

func TestECRebuilderMetaOnly(t *testing.T) {
	ctx := testcontext.New(t)
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	fixture := newMockFixture(t, ctx)
	meta := &fragstore.Meta{Object: "obj", Timestamp: 200, Metadata: map[string]string{"x-object-meta-color": "blue"}}

	client := peermock.NewMockClient(ctrl)
	client.EXPECT().Head(gomock.Any(), fixture.nodes[0], gomock.Any()).
		Return(peer.Info{}, peer.ErrPeerAbsent.New("404 Not Found"))
	client.EXPECT().Head(gomock.Any(), fixture.nodes[1], gomock.Any()).
		Return(peer.Info{Header: fixture.headers[1], Meta: meta, RingVersion: 7}, nil)
	client.EXPECT().Post(gomock.Any(), fixture.nodes[2], mockPolicy.Index, ring.Partition(0), *meta).Return(nil)

	job := fixture.job(2, reconstructor.ReasonMeta)
	job.MetaTimestamp = meta.Timestamp

	rebuilder := reconstructor.NewECRebuilder(zaptest.NewLogger(t), client, nil, fixture.holder, time.Second)
	result := rebuilder.Execute(ctx, job)
	require.NoError(t, result.Err)
	require.Equal(t, reconstructor.OutcomeRebuilt, result.Outcome)
	require.Zero(t, result.Bytes)
}
