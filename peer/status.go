// Copyright (C) 2026 Storj Labs, Inc.
// See LICENSE for copying information.

// Package peer implements access to fragment archives held by other devices.
package peer

import (
	"context"
	"errors"
	"net"

	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"

	"storj.io/reconstructor/fragstore"
	"storj.io/reconstructor/ring"
)

var (
	// Error is the default peer error class.
	Error = errs.Class("peer")
	// ErrPeerAbsent is returned when the peer doesn't hold the fragment.
	ErrPeerAbsent = errs.Class("peer absent")
	// ErrPeerUnavailable is returned when the peer or its device can't be used.
	ErrPeerUnavailable = errs.Class("peer unavailable")
	// ErrFragmentCorrupt is returned when a fragment fails its integrity check.
	ErrFragmentCorrupt = errs.Class("fragment corrupt")
	// ErrRingMismatch is returned when the peer uses a different ring version.
	ErrRingMismatch = errs.Class("ring version mismatch")

	mon = monkit.Package()
)

// Status is the health of a single peer response.
type Status int

const (
	// Healthy means the peer returned a usable fragment or header.
	Healthy Status = iota
	// Absent means the peer doesn't hold the fragment.
	Absent
	// Unavailable means the peer, its device or the transport failed.
	Unavailable
	// Corrupt means the peer holds the fragment but it failed verification.
	Corrupt
)

// String implements fmt.Stringer.
func (status Status) String() string {
	switch status {
	case Healthy:
		return "healthy"
	case Absent:
		return "absent"
	case Unavailable:
		return "unavailable"
	case Corrupt:
		return "corrupt"
	default:
		return "unknown"
	}
}

// Classify maps the result of a peer call to a status. Anything that isn't
// recognized is treated as unavailable.
func Classify(err error) Status {
	switch {
	case err == nil:
		return Healthy
	case ErrPeerAbsent.Has(err), fragstore.ErrNotFound.Has(err):
		return Absent
	case ErrFragmentCorrupt.Has(err), fragstore.ErrCorrupt.Has(err):
		return Corrupt
	case isTimeout(err):
		return Unavailable
	default:
		return Unavailable
	}
}

// isTimeout reports whether err is a deadline or network timeout.
func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// Response is the classified result of probing one device.
type Response struct {
	Device ring.Device
	Status Status
	Info   Info
	Err    error
}

// NewResponse classifies the result of a call to device.
func NewResponse(device ring.Device, info Info, err error) Response {
	status := Classify(err)
	if status != Healthy {
		info = Info{}
	}
	return Response{Device: device, Status: status, Info: info, Err: err}
}
