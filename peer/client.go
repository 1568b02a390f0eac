// Copyright (C) 2026 Storj Labs, Inc.
// See LICENSE for copying information.

package peer

//go:generate mockgen -destination=peermock/client.go -package=peermock storj.io/reconstructor/peer Client

import (
	"context"
	"io"

	"storj.io/reconstructor/fragstore"
	"storj.io/reconstructor/ring"
)

// Info describes a fragment archive held by a peer.
type Info struct {
	Header fragstore.Header `json:"header"`
	// Meta is the newest metadata update of the object, if any.
	Meta *fragstore.Meta `json:"meta,omitempty"`
	// RingVersion is the ring version the peer currently uses.
	RingVersion uint64 `json:"ring_version"`
}

// Listing describes the newest state of one object in a partition of a peer.
type Listing struct {
	Hash          string              `json:"hash"`
	Object        string              `json:"object,omitempty"`
	FragmentIndex int                 `json:"frag_index"`
	Timestamp     fragstore.Timestamp `json:"timestamp"`
	Durable       bool                `json:"durable"`
	Pending       fragstore.Timestamp `json:"pending,omitempty"`
	Corrupt       bool                `json:"corrupt,omitempty"`
	MetaTimestamp fragstore.Timestamp `json:"meta_timestamp,omitempty"`
}

// Client accesses the fragment archives of remote devices.
type Client interface {
	// Head returns the header of the newest durable archive.
	Head(ctx context.Context, device ring.Device, ref fragstore.Ref) (Info, error)
	// Get returns the header and the verified body of the newest durable archive.
	Get(ctx context.Context, device ring.Device, ref fragstore.Ref) (Info, []byte, error)
	// Put stores an archive on the device. The peer commits it atomically.
	Put(ctx context.Context, device ring.Device, ref fragstore.Ref, header fragstore.Header, body io.Reader) (fragstore.Header, error)
	// Post stores a metadata update of an object.
	Post(ctx context.Context, device ring.Device, policy int, partition ring.Partition, meta fragstore.Meta) error
	// List returns the objects of a partition.
	List(ctx context.Context, device ring.Device, policy int, partition ring.Partition) ([]Listing, error)
}
