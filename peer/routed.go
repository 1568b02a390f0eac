// Copyright (C) 2026 Storj Labs, Inc.
// See LICENSE for copying information.

package peer

import (
	"context"
	"io"

	"storj.io/reconstructor/fragstore"
	"storj.io/reconstructor/ring"
)

// Routed is a Client that serves the devices of the local node directly and
// sends everything else to a remote client.
type Routed struct {
	address string
	local   *Direct
	remote  Client
}

var _ Client = (*Routed)(nil)

// NewRouted creates a client that handles devices at address with node.
func NewRouted(address string, node *Node, remote Client) *Routed {
	local := NewDirect()
	local.AddNode(address, node)
	return &Routed{address: address, local: local, remote: remote}
}

func (routed *Routed) route(device ring.Device) Client {
	if device.Node == routed.address {
		return routed.local
	}
	return routed.remote
}

// Head implements Client.
func (routed *Routed) Head(ctx context.Context, device ring.Device, ref fragstore.Ref) (Info, error) {
	return routed.route(device).Head(ctx, device, ref)
}

// Get implements Client.
func (routed *Routed) Get(ctx context.Context, device ring.Device, ref fragstore.Ref) (Info, []byte, error) {
	return routed.route(device).Get(ctx, device, ref)
}

// Put implements Client.
func (routed *Routed) Put(ctx context.Context, device ring.Device, ref fragstore.Ref, header fragstore.Header, body io.Reader) (fragstore.Header, error) {
	return routed.route(device).Put(ctx, device, ref, header, body)
}

// Post implements Client.
func (routed *Routed) Post(ctx context.Context, device ring.Device, policy int, partition ring.Partition, meta fragstore.Meta) error {
	return routed.route(device).Post(ctx, device, policy, partition, meta)
}

// List implements Client.
func (routed *Routed) List(ctx context.Context, device ring.Device, policy int, partition ring.Partition) ([]Listing, error) {
	return routed.route(device).List(ctx, device, policy, partition)
}
