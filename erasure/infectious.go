// Copyright (C) 2026 Storj Labs, Inc.
// See LICENSE for copying information.

package erasure

import (
	"github.com/vivint/infectious"
)

// InfectiousScheme implements Scheme on top of infectious.FEC.
type InfectiousScheme struct {
	fec *infectious.FEC
}

// NewInfectiousScheme returns a k/n scheme backed by infectious.
func NewInfectiousScheme(required, total int) (*InfectiousScheme, error) {
	fec, err := infectious.NewFEC(required, total)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	return &InfectiousScheme{fec: fec}, nil
}

// Encode implements Scheme.
func (scheme *InfectiousScheme) Encode(stripe []byte) ([][]byte, error) {
	if len(stripe)%scheme.fec.Required() != 0 {
		return nil, Error.New("stripe of %d bytes not a multiple of %d", len(stripe), scheme.fec.Required())
	}
	shares := make([][]byte, scheme.fec.Total())
	err := scheme.fec.Encode(stripe, func(share infectious.Share) {
		// the share data is only valid during the callback
		shares[share.Number] = append([]byte(nil), share.Data...)
	})
	if err != nil {
		return nil, Error.Wrap(err)
	}
	return shares, nil
}

// Reconstruct implements Scheme.
func (scheme *InfectiousScheme) Reconstruct(shares [][]byte) error {
	required, total := scheme.fec.Required(), scheme.fec.Total()
	size, present, err := checkShares(shares, required, total)
	if err != nil {
		return err
	}
	if present == total {
		return nil
	}

	available := make([]infectious.Share, 0, required)
	for num, share := range shares {
		if share == nil {
			continue
		}
		available = append(available, infectious.Share{Number: num, Data: append([]byte(nil), share...)})
		if len(available) == required {
			break
		}
	}

	stripe := make([]byte, size*required)
	err = scheme.fec.Rebuild(available, func(share infectious.Share) {
		copy(stripe[share.Number*size:], share.Data)
	})
	if err != nil {
		return Error.Wrap(err)
	}

	for num := range shares {
		if shares[num] != nil {
			continue
		}
		if num < required {
			shares[num] = append([]byte(nil), stripe[num*size:(num+1)*size]...)
			continue
		}
		out := make([]byte, size)
		if err := scheme.fec.EncodeSingle(stripe, out, num); err != nil {
			return Error.Wrap(err)
		}
		shares[num] = out
	}
	return nil
}

// RequiredCount implements Scheme.
func (scheme *InfectiousScheme) RequiredCount() int { return scheme.fec.Required() }

// TotalCount implements Scheme.
func (scheme *InfectiousScheme) TotalCount() int { return scheme.fec.Total() }
