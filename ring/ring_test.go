// Copyright (C) 2026 Storj Labs, Inc.
// See LICENSE for copying information.

package ring_test

import (
	"fmt"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"storj.io/reconstructor/ring"
)

var testPolicy = ring.Policy{
	Index:           1,
	Name:            "ec42",
	Type:            ring.TypeInfectious,
	DataFragments:   4,
	ParityFragments: 2,
	SegmentSize:     64 << 10,
}

func testDevices(n int) []ring.Device {
	devices := make([]ring.Device, n)
	for i := range devices {
		devices[i] = ring.Device{
			ID:     i,
			Server: i%4 + 1,
			Node:   fmt.Sprintf("127.0.0.1:60%d0", i%4+1),
			Name:   fmt.Sprintf("sdb%d", i+1),
		}
	}
	return devices
}

func rotatingAssignments(partPower uint, total, devices int) [][]int {
	assignments := make([][]int, 1<<partPower)
	for p := range assignments {
		row := make([]int, total)
		for i := range row {
			row[i] = (p + i) % devices
		}
		assignments[p] = row
	}
	return assignments
}

func TestNodesAssignsFragmentIndexes(t *testing.T) {
	r, err := ring.New(7, testPolicy, 2, testDevices(8), rotatingAssignments(2, 6, 8))
	require.NoError(t, err)

	require.Equal(t, uint64(7), r.Version())
	require.Equal(t, 4, r.PartitionCount())

	nodes, err := r.Nodes(3)
	require.NoError(t, err)
	require.Len(t, nodes, 6)
	for index, node := range nodes {
		require.Equal(t, index, node.Index)
		require.Equal(t, (3+index)%8, node.ID)

		fi, ok := r.FragmentIndex(3, node.ID)
		require.True(t, ok)
		require.Equal(t, index, fi)
	}

	_, err = r.Nodes(4)
	require.Error(t, err)

	// returned slices are copies
	nodes[0].Name = "changed"
	again, err := r.Nodes(3)
	require.NoError(t, err)
	require.NotEqual(t, "changed", again[0].Name)
}

func TestNewRejectsInvalidRings(t *testing.T) {
	devices := testDevices(8)

	_, err := ring.New(1, testPolicy, 2, devices, rotatingAssignments(2, 5, 8))
	require.Error(t, err, "short rows")

	_, err = ring.New(1, testPolicy, 2, devices, rotatingAssignments(1, 6, 8))
	require.Error(t, err, "wrong partition count")

	duplicated := rotatingAssignments(2, 6, 8)
	duplicated[1][2] = duplicated[1][3]
	_, err = ring.New(1, testPolicy, 2, devices, duplicated)
	require.Error(t, err, "device twice in a partition")

	unknown := rotatingAssignments(2, 6, 8)
	unknown[0][0] = 99
	_, err = ring.New(1, testPolicy, 2, devices, unknown)
	require.Error(t, err, "unknown device")

	badPolicy := testPolicy
	badPolicy.Type = "liberasurecode"
	_, err = ring.New(1, badPolicy, 2, devices, rotatingAssignments(2, 6, 8))
	require.Error(t, err)
	require.True(t, ring.Error.Has(err))
}

func TestPartitionsFor(t *testing.T) {
	r, err := ring.New(1, testPolicy, 3, testDevices(8), rotatingAssignments(3, 6, 8))
	require.NoError(t, err)

	total := 0
	for _, device := range r.Devices() {
		partitions := r.PartitionsFor(device.ID)
		total += len(partitions)
		for _, partition := range partitions {
			_, ok := r.FragmentIndex(partition, device.ID)
			require.True(t, ok)
		}
	}
	require.Equal(t, r.PartitionCount()*testPolicy.TotalFragments(), total)
}

func TestPartitionIsStable(t *testing.T) {
	r, err := ring.New(1, testPolicy, 3, testDevices(8), rotatingAssignments(3, 6, 8))
	require.NoError(t, err)

	for i := 0; i < 100; i++ {
		name := fmt.Sprintf("AUTH_test/container/object-%d", i)
		p := r.Partition(name)
		require.Less(t, int(p), r.PartitionCount())
		require.Equal(t, p, r.Partition(name))
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	r, err := ring.New(11, testPolicy, 2, testDevices(8), rotatingAssignments(2, 6, 8))
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "object-1.ring.yaml")
	require.NoError(t, r.Save(path))

	loaded, err := ring.Load(path)
	require.NoError(t, err)
	require.Equal(t, r.Version(), loaded.Version())
	require.Equal(t, r.Policy(), loaded.Policy())
	require.Empty(t, cmp.Diff(r.Devices(), loaded.Devices()))
	for p := 0; p < r.PartitionCount(); p++ {
		want, err := r.Nodes(ring.Partition(p))
		require.NoError(t, err)
		got, err := loaded.Nodes(ring.Partition(p))
		require.NoError(t, err)
		require.Empty(t, cmp.Diff(want, got))
	}
}

func TestParseRejectsUnknownFields(t *testing.T) {
	_, err := ring.Parse([]byte("version: 1\nreplicas: 3\n"))
	require.Error(t, err)
}

func TestHolderReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ring.yaml")

	first, err := ring.New(1, testPolicy, 2, testDevices(8), rotatingAssignments(2, 6, 8))
	require.NoError(t, err)
	require.NoError(t, first.Save(path))

	holder, err := ring.LoadHolder(path)
	require.NoError(t, err)
	require.Equal(t, uint64(1), holder.Version())

	changed, err := holder.Reload()
	require.NoError(t, err)
	require.False(t, changed)

	second, err := ring.New(2, testPolicy, 2, testDevices(8), rotatingAssignments(2, 6, 8))
	require.NoError(t, err)
	require.NoError(t, second.Save(path))

	old := holder.Ring()
	changed, err = holder.Reload()
	require.NoError(t, err)
	require.True(t, changed)
	require.Equal(t, uint64(2), holder.Version())
	require.Equal(t, uint64(1), old.Version(), "previously loaded ring must not change")
}
