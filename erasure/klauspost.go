// Copyright (C) 2026 Storj Labs, Inc.
// See LICENSE for copying information.

package erasure

import (
	"github.com/klauspost/reedsolomon"
)

// KlauspostScheme implements Scheme on top of reedsolomon.Encoder.
type KlauspostScheme struct {
	enc      reedsolomon.Encoder
	required int
	total    int
}

// NewKlauspostScheme returns a k/n scheme backed by klauspost/reedsolomon.
func NewKlauspostScheme(required, total int) (*KlauspostScheme, error) {
	enc, err := reedsolomon.New(required, total-required)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	return &KlauspostScheme{enc: enc, required: required, total: total}, nil
}

// Encode implements Scheme.
func (scheme *KlauspostScheme) Encode(stripe []byte) ([][]byte, error) {
	if len(stripe)%scheme.required != 0 {
		return nil, Error.New("stripe of %d bytes not a multiple of %d", len(stripe), scheme.required)
	}
	size := len(stripe) / scheme.required
	shares := make([][]byte, scheme.total)
	for num := range shares {
		if num < scheme.required {
			shares[num] = append([]byte(nil), stripe[num*size:(num+1)*size]...)
		} else {
			shares[num] = make([]byte, size)
		}
	}
	if size == 0 {
		return shares, nil
	}
	if err := scheme.enc.Encode(shares); err != nil {
		return nil, Error.Wrap(err)
	}
	return shares, nil
}

// Reconstruct implements Scheme.
func (scheme *KlauspostScheme) Reconstruct(shares [][]byte) error {
	size, present, err := checkShares(shares, scheme.required, scheme.total)
	if err != nil {
		return err
	}
	if present == scheme.total {
		return nil
	}
	if size == 0 {
		for num := range shares {
			if shares[num] == nil {
				shares[num] = []byte{}
			}
		}
		return nil
	}
	return Error.Wrap(scheme.enc.Reconstruct(shares))
}

// RequiredCount implements Scheme.
func (scheme *KlauspostScheme) RequiredCount() int { return scheme.required }

// TotalCount implements Scheme.
func (scheme *KlauspostScheme) TotalCount() int { return scheme.total }
