// Copyright (C) 2026 Storj Labs, Inc.
// See LICENSE for copying information.

// Package erasure implements systematic Reed-Solomon coding of objects into
// fragment archives and the reconstruction of single fragments.
package erasure

import (
	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"

	"storj.io/reconstructor/ring"
)

var (
	// Error is the default erasure errs class.
	Error = errs.Class("erasure")

	// ErrNotEnoughShares is returned when fewer than the required number of
	// shares are available for reconstruction.
	ErrNotEnoughShares = errs.Class("not enough shares")

	mon = monkit.Package()
)

// Scheme represents the general format of a systematic erasure code.
//
// Shares 0..RequiredCount()-1 are the data shares, the remaining ones are
// parity. Identical input always yields identical shares.
type Scheme interface {
	// Encode splits stripe, whose length must be a multiple of RequiredCount,
	// into TotalCount shares.
	Encode(stripe []byte) ([][]byte, error)

	// Reconstruct fills the nil entries of shares. At least RequiredCount
	// entries must be present and all present entries must have equal size.
	Reconstruct(shares [][]byte) error

	// RequiredCount returns the number of shares needed to decode (k).
	RequiredCount() int

	// TotalCount returns the number of shares produced by Encode (n).
	TotalCount() int
}

// NewScheme returns the scheme implementation named by kind.
func NewScheme(kind string, required, total int) (Scheme, error) {
	if required <= 0 || total <= required {
		return nil, Error.New("invalid scheme %d/%d", required, total)
	}
	switch kind {
	case ring.TypeInfectious:
		return NewInfectiousScheme(required, total)
	case ring.TypeKlauspost:
		return NewKlauspostScheme(required, total)
	default:
		return nil, Error.New("unknown erasure type %q", kind)
	}
}

// SchemeForPolicy returns the scheme for a ring policy.
func SchemeForPolicy(policy ring.Policy) (Scheme, error) {
	return NewScheme(policy.Type, policy.DataFragments, policy.TotalFragments())
}

func checkShares(shares [][]byte, required, total int) (size int, present int, err error) {
	if len(shares) != total {
		return 0, 0, Error.New("expected %d shares, got %d", total, len(shares))
	}
	size = -1
	for _, share := range shares {
		if share == nil {
			continue
		}
		if size >= 0 && len(share) != size {
			return 0, 0, Error.New("share sizes differ: %d != %d", len(share), size)
		}
		size = len(share)
		present++
	}
	if present < required {
		return 0, present, ErrNotEnoughShares.New("%d available < %d required", present, required)
	}
	return size, present, nil
}
