// Copyright (C) 2026 Storj Labs, Inc.
// See LICENSE for copying information.

package ring

const (
	// TypeInfectious selects the github.com/vivint/infectious Reed-Solomon back end.
	TypeInfectious = "infectious_rs"
	// TypeKlauspost selects the github.com/klauspost/reedsolomon back end.
	TypeKlauspost = "klauspost_rs"
)

// Policy describes an erasure-coded storage policy.
type Policy struct {
	Index           int    `yaml:"index"`
	Name            string `yaml:"name"`
	Type            string `yaml:"type"`
	DataFragments   int    `yaml:"data_fragments"`
	ParityFragments int    `yaml:"parity_fragments"`
	SegmentSize     int64  `yaml:"segment_size"`
}

// TotalFragments returns k+m.
func (policy Policy) TotalFragments() int {
	return policy.DataFragments + policy.ParityFragments
}

// Validate checks that the policy describes a usable erasure scheme.
func (policy Policy) Validate() error {
	switch policy.Type {
	case TypeInfectious, TypeKlauspost:
	default:
		return Error.New("policy %d: unknown erasure type %q", policy.Index, policy.Type)
	}
	if policy.DataFragments <= 0 {
		return Error.New("policy %d: data fragments must be positive", policy.Index)
	}
	if policy.ParityFragments <= 0 {
		return Error.New("policy %d: parity fragments must be positive", policy.Index)
	}
	if policy.TotalFragments() > 256 {
		return Error.New("policy %d: at most 256 fragments supported", policy.Index)
	}
	if policy.SegmentSize <= 0 {
		return Error.New("policy %d: segment size must be positive", policy.Index)
	}
	return nil
}
