// Copyright (C) 2026 Storj Labs, Inc.
// See LICENSE for copying information.

// Package ring implements the immutable, versioned mapping from partitions
// to the ordered devices holding each fragment index.
package ring

import (
	"crypto/md5"
	"encoding/binary"
	"fmt"
	"sort"
	"strconv"

	"github.com/zeebo/errs"
)

// Error is the default ring error class.
var Error = errs.Class("ring")

// MaxPartPower is the largest supported partition power.
const MaxPartPower = 24

// Partition identifies a shard of the keyspace.
type Partition uint32

// String implements fmt.Stringer.
func (p Partition) String() string { return strconv.FormatUint(uint64(p), 10) }

// Device is a single storage device known to the ring.
//
// Index is only meaningful for devices returned by Ring.Nodes, where it holds
// the fragment index the device is responsible for in that partition.
type Device struct {
	ID     int    `yaml:"id"`
	Server int    `yaml:"server"`
	Node   string `yaml:"node"`
	Name   string `yaml:"name"`

	Index int `yaml:"-"`
}

// String implements fmt.Stringer.
func (device Device) String() string {
	return fmt.Sprintf("%s/%s#%d", device.Node, device.Name, device.Index)
}

// Ring maps partitions to devices for a single storage policy.
type Ring struct {
	version     uint64
	policy      Policy
	partPower   uint
	devices     map[int]Device
	assignments [][]int
	byDevice    map[int][]Partition
}

// New validates the assignments and returns an immutable ring.
//
// assignments[partition] lists device ids, where the position in the list is
// the fragment index of the device.
func New(version uint64, policy Policy, partPower uint, devices []Device, assignments [][]int) (*Ring, error) {
	if err := policy.Validate(); err != nil {
		return nil, err
	}
	if partPower > MaxPartPower {
		return nil, Error.New("part power %d larger than %d", partPower, MaxPartPower)
	}
	if len(assignments) != 1<<partPower {
		return nil, Error.New("expected %d partitions, got %d", 1<<partPower, len(assignments))
	}

	ring := &Ring{
		version:     version,
		policy:      policy,
		partPower:   partPower,
		devices:     make(map[int]Device, len(devices)),
		assignments: make([][]int, len(assignments)),
		byDevice:    make(map[int][]Partition),
	}
	for _, device := range devices {
		if _, exists := ring.devices[device.ID]; exists {
			return nil, Error.New("duplicate device id %d", device.ID)
		}
		if device.Name == "" {
			return nil, Error.New("device %d has no name", device.ID)
		}
		device.Index = -1
		ring.devices[device.ID] = device
	}

	total := policy.TotalFragments()
	for partition, row := range assignments {
		if len(row) != total {
			return nil, Error.New("partition %d has %d devices, policy requires %d", partition, len(row), total)
		}
		seen := make(map[int]bool, len(row))
		for _, id := range row {
			if _, ok := ring.devices[id]; !ok {
				return nil, Error.New("partition %d references unknown device %d", partition, id)
			}
			if seen[id] {
				return nil, Error.New("partition %d assigns device %d twice", partition, id)
			}
			seen[id] = true
			ring.byDevice[id] = append(ring.byDevice[id], Partition(partition))
		}
		ring.assignments[partition] = append([]int(nil), row...)
	}

	return ring, nil
}

// Version returns the ring version.
func (ring *Ring) Version() uint64 { return ring.version }

// Policy returns the storage policy of the ring.
func (ring *Ring) Policy() Policy { return ring.policy }

// PartitionCount returns the number of partitions.
func (ring *Ring) PartitionCount() int { return len(ring.assignments) }

// Partition returns the partition an object name maps to.
func (ring *Ring) Partition(object string) Partition {
	sum := md5.Sum([]byte(object))
	if ring.partPower == 0 {
		return 0
	}
	return Partition(binary.BigEndian.Uint32(sum[:4]) >> (32 - ring.partPower))
}

// Nodes returns the ordered devices of a partition with Index set to
// their fragment index.
func (ring *Ring) Nodes(partition Partition) ([]Device, error) {
	if int(partition) >= len(ring.assignments) {
		return nil, Error.New("partition %d out of range", partition)
	}
	row := ring.assignments[partition]
	nodes := make([]Device, len(row))
	for index, id := range row {
		device := ring.devices[id]
		device.Index = index
		nodes[index] = device
	}
	return nodes, nil
}

// FragmentIndex returns the fragment index the device holds for the partition.
func (ring *Ring) FragmentIndex(partition Partition, deviceID int) (int, bool) {
	if int(partition) >= len(ring.assignments) {
		return -1, false
	}
	for index, id := range ring.assignments[partition] {
		if id == deviceID {
			return index, true
		}
	}
	return -1, false
}

// Device returns the device with the given id.
func (ring *Ring) Device(id int) (Device, bool) {
	device, ok := ring.devices[id]
	return device, ok
}

// Devices returns all devices sorted by id.
func (ring *Ring) Devices() []Device {
	devices := make([]Device, 0, len(ring.devices))
	for _, device := range ring.devices {
		devices = append(devices, device)
	}
	sort.Slice(devices, func(i, k int) bool { return devices[i].ID < devices[k].ID })
	return devices
}

// PartitionsFor returns the partitions assigned to the device in ascending order.
func (ring *Ring) PartitionsFor(deviceID int) []Partition {
	return append([]Partition(nil), ring.byDevice[deviceID]...)
}
