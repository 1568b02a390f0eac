// Copyright (C) 2026 Storj Labs, Inc.
// See LICENSE for copying information.

package peer

import (
	"bytes"
	"context"
	"io"
	"sync"

	"github.com/zeebo/errs"

	"storj.io/reconstructor/fragstore"
	"storj.io/reconstructor/ring"
)

// Operation names a peer call.
type Operation string

// Peer calls that can be intercepted with a Hook.
const (
	OpHead Operation = "HEAD"
	OpGet  Operation = "GET"
	OpPut  Operation = "PUT"
	OpPost Operation = "POST"
	OpList Operation = "LIST"
)

// Hook is called before every call of a Direct client. A non-nil error fails
// the call as if the transport failed.
type Hook func(ctx context.Context, op Operation, device ring.Device) error

// Direct is a Client that calls nodes in the same process.
type Direct struct {
	mu    sync.Mutex
	nodes map[string]*Node
	down  map[string]bool
	hook  Hook
}

var _ Client = (*Direct)(nil)

// NewDirect creates an empty in-process client.
func NewDirect() *Direct {
	return &Direct{
		nodes: map[string]*Node{},
		down:  map[string]bool{},
	}
}

// AddNode makes node reachable at address.
func (direct *Direct) AddNode(address string, node *Node) {
	direct.mu.Lock()
	defer direct.mu.Unlock()
	direct.nodes[address] = node
}

// SetDown marks every device of the node at address unreachable.
func (direct *Direct) SetDown(address string, down bool) {
	direct.mu.Lock()
	defer direct.mu.Unlock()
	if down {
		direct.down[address] = true
	} else {
		delete(direct.down, address)
	}
}

// SetHook replaces the call hook. A nil hook disables it.
func (direct *Direct) SetHook(hook Hook) {
	direct.mu.Lock()
	defer direct.mu.Unlock()
	direct.hook = hook
}

func (direct *Direct) node(ctx context.Context, op Operation, device ring.Device) (*Node, error) {
	if err := ctx.Err(); err != nil {
		return nil, ErrPeerUnavailable.Wrap(err)
	}

	direct.mu.Lock()
	node, ok := direct.nodes[device.Node]
	down := direct.down[device.Node]
	hook := direct.hook
	direct.mu.Unlock()

	if !ok || down {
		return nil, ErrPeerUnavailable.New("%s: connection refused", device.Node)
	}
	if hook != nil {
		if err := hook(ctx, op, device); err != nil {
			return nil, ErrPeerUnavailable.Wrap(err)
		}
	}
	return node, nil
}

// Head implements Client.
func (direct *Direct) Head(ctx context.Context, device ring.Device, ref fragstore.Ref) (_ Info, err error) {
	defer mon.Task()(&ctx)(&err)
	node, err := direct.node(ctx, OpHead, device)
	if err != nil {
		return Info{}, err
	}
	return node.Head(ctx, device.Name, ref)
}

// Get implements Client.
func (direct *Direct) Get(ctx context.Context, device ring.Device, ref fragstore.Ref) (_ Info, _ []byte, err error) {
	defer mon.Task()(&ctx)(&err)
	node, err := direct.node(ctx, OpGet, device)
	if err != nil {
		return Info{}, nil, err
	}
	info, reader, err := node.Open(ctx, device.Name, ref)
	if err != nil {
		return Info{}, nil, err
	}
	body, err := ReadBody(reader, reader.Size())
	err = errs.Combine(err, reader.Close())
	if err != nil {
		return Info{}, nil, err
	}
	return info, body, nil
}

// Put implements Client.
func (direct *Direct) Put(ctx context.Context, device ring.Device, ref fragstore.Ref, header fragstore.Header, body io.Reader) (_ fragstore.Header, err error) {
	defer mon.Task()(&ctx)(&err)
	node, err := direct.node(ctx, OpPut, device)
	if err != nil {
		return fragstore.Header{}, err
	}
	// the request carries the ring version of the caller
	return node.Put(ctx, device.Name, ref, header, ringVersionFrom(ctx), body)
}

// Post implements Client.
func (direct *Direct) Post(ctx context.Context, device ring.Device, policy int, partition ring.Partition, meta fragstore.Meta) (err error) {
	defer mon.Task()(&ctx)(&err)
	node, err := direct.node(ctx, OpPost, device)
	if err != nil {
		return err
	}
	return node.Post(ctx, device.Name, policy, partition, meta)
}

// List implements Client.
func (direct *Direct) List(ctx context.Context, device ring.Device, policy int, partition ring.Partition) (_ []Listing, err error) {
	defer mon.Task()(&ctx)(&err)
	node, err := direct.node(ctx, OpList, device)
	if err != nil {
		return nil, err
	}
	return node.List(ctx, device.Name, policy, partition)
}

// ReadBody reads an archive body into memory.
func ReadBody(r io.Reader, size int64) ([]byte, error) {
	var buf bytes.Buffer
	if size > 0 {
		buf.Grow(int(size))
	}
	_, err := io.Copy(&buf, r)
	return buf.Bytes(), err
}

type ringVersionKey struct{}

// WithRingVersion returns a context whose peer calls carry the ring version.
// Peers reject writes made with a ring version different from their own.
func WithRingVersion(ctx context.Context, version uint64) context.Context {
	return context.WithValue(ctx, ringVersionKey{}, version)
}

func ringVersionFrom(ctx context.Context) uint64 {
	version, _ := ctx.Value(ringVersionKey{}).(uint64)
	return version
}
