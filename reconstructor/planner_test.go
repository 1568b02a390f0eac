// Copyright (C) 2026 Storj Labs, Inc.
// See LICENSE for copying information.

package reconstructor

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"storj.io/reconstructor/fragstore"
	"storj.io/reconstructor/inventory"
	"storj.io/reconstructor/peer"
	"storj.io/reconstructor/ring"
)

func testNodes(n int) []ring.Device {
	nodes := make([]ring.Device, n)
	for i := range nodes {
		nodes[i] = ring.Device{ID: 10 + i, Index: i}
	}
	return nodes
}

func indexes(devices []ring.Device) []int {
	var out []int
	for _, device := range devices {
		out = append(out, device.Index)
	}
	return out
}

func TestPushTargets(t *testing.T) {
	nodes := testNodes(6)
	status := func(statuses map[int]peer.Status) map[int]peerState {
		peers := map[int]peerState{}
		for _, node := range nodes {
			peers[node.ID] = peerState{status: peer.Healthy}
		}
		for index, s := range statuses {
			peers[nodes[index].ID] = peerState{status: s}
		}
		return peers
	}

	for _, test := range []struct {
		name     string
		self     int
		statuses map[int]peer.Status
		want     []int
	}{
		{name: "all healthy", self: 0, want: []int{5, 1}},
		{name: "absent partner is still a target", self: 2, statuses: map[int]peer.Status{1: peer.Absent}, want: []int{1, 3}},
		{name: "one partner down", self: 0, statuses: map[int]peer.Status{1: peer.Unavailable}, want: []int{5, 2}},
		{name: "alternate down too", self: 0, statuses: map[int]peer.Status{1: peer.Unavailable, 2: peer.Unavailable}, want: []int{5, 3}},
		{name: "both partners down", self: 3, statuses: map[int]peer.Status{2: peer.Unavailable, 4: peer.Unavailable}, want: []int{0, 1}},
		{name: "everyone down", self: 3, statuses: map[int]peer.Status{0: peer.Unavailable, 1: peer.Unavailable, 2: peer.Unavailable, 4: peer.Unavailable, 5: peer.Unavailable}},
	} {
		t.Run(test.name, func(t *testing.T) {
			got := indexes(pushTargets(nodes, test.self, status(test.statuses)))
			if diff := cmp.Diff(test.want, got); diff != "" {
				t.Errorf("targets (-want +got):\n%s", diff)
			}
		})
	}
}

func TestLocalReason(t *testing.T) {
	const newest = fragstore.Timestamp(100)
	current := &fragstore.Header{Timestamp: newest, Durable: true}
	old := &fragstore.Header{Timestamp: newest - 1, Durable: true}

	assert.Equal(t, ReasonMissing, localReason(inventory.Entry{}, false, newest))
	assert.Equal(t, ReasonMissing, localReason(inventory.Entry{State: inventory.Absent}, true, newest))
	assert.Equal(t, ReasonCorrupt, localReason(inventory.Entry{State: inventory.Absent, Corrupt: true}, true, newest))
	assert.Equal(t, ReasonStale, localReason(inventory.Entry{State: inventory.Stale, Local: current}, true, newest))
	assert.Equal(t, ReasonStale, localReason(inventory.Entry{State: inventory.Current, Local: old}, true, newest))
	assert.Equal(t, Reason(""), localReason(inventory.Entry{State: inventory.Current, Local: current}, true, newest))
}

func TestRemoteReason(t *testing.T) {
	const newest = fragstore.Timestamp(100)
	current := peer.Listing{FragmentIndex: 3, Timestamp: newest, Durable: true}

	assert.Equal(t, ReasonMissing, remoteReason(peer.Listing{}, false, newest, 3))
	assert.Equal(t, Reason(""), remoteReason(current, true, newest, 3))

	wrongIndex := current
	wrongIndex.FragmentIndex = 2
	assert.Equal(t, ReasonStale, remoteReason(wrongIndex, true, newest, 3))

	older := current
	older.Timestamp = newest - 5
	assert.Equal(t, ReasonStale, remoteReason(older, true, newest, 3))

	pending := current
	pending.Durable = false
	assert.Equal(t, ReasonStale, remoteReason(pending, true, newest, 3))

	corrupt := current
	corrupt.Corrupt = true
	assert.Equal(t, ReasonCorrupt, remoteReason(corrupt, true, newest, 3))
}

func TestReport(t *testing.T) {
	var report Report
	report.Add(Result{Outcome: OutcomeRebuilt, Bytes: 2048})
	report.Add(Result{Outcome: OutcomeRebuilt, Bytes: 1024})
	report.Add(Result{Outcome: OutcomeDeferred})
	report.Add(Result{Outcome: OutcomeSkipped})
	report.Passes = 1
	report.Duration = time.Second

	var total Report
	total.Merge(report)
	total.Merge(report)
	require.Equal(t, Report{Passes: 2, Rebuilt: 4, Deferred: 2, Skipped: 2, Bytes: 6144, Duration: 2 * time.Second}, total)
	require.Equal(t, 8, total.Jobs())
	require.Equal(t, "passes=2 jobs=8 rebuilt=4 deferred=2 skipped=2 failed=0 bytes=6.0 KiB duration=2s", total.String())
}

func TestSyncJobKey(t *testing.T) {
	job := SyncJob{
		Policy:    1,
		Partition: 7,
		Object:    "a/b",
		Target:    ring.Device{Node: "127.0.0.1:6010", Name: "sdb1", Index: 2},
	}
	other := job
	other.Target.Index = 3
	other.Reason = ReasonStale
	require.Equal(t, job.Key(), other.Key())

	other.Target.Name = "sdb2"
	require.NotEqual(t, job.Key(), other.Key())

	require.Equal(t, fragstore.Ref{Policy: 1, Partition: 7, Object: "a/b", FragmentIndex: 2}, job.Ref())
}

func TestScope(t *testing.T) {
	device := ring.Device{Server: 2, Name: "sdb3"}
	require.True(t, Scope{}.IncludesDevice(device))
	require.True(t, Scope{Devices: []string{"sdb3"}, Servers: []int{2}}.IncludesDevice(device))
	require.False(t, Scope{Devices: []string{"sdb1"}}.IncludesDevice(device))
	require.False(t, Scope{Servers: []int{1}}.IncludesDevice(device))

	require.True(t, Scope{}.IncludesPolicy(4))
	require.False(t, Scope{Policies: []int{1}}.IncludesPolicy(4))
}
