// Copyright (C) 2026 Storj Labs, Inc.
// See LICENSE for copying information.

package ring

import (
	"sync/atomic"
)

// Holder keeps the current ring for a policy. A loaded ring is never
// modified; reloading swaps in a new value.
type Holder struct {
	path    string
	current atomic.Pointer[Ring]
}

// NewHolder returns a holder serving ring. When path is not empty, Reload
// reads the ring from it.
func NewHolder(path string, ring *Ring) *Holder {
	holder := &Holder{path: path}
	holder.current.Store(ring)
	return holder
}

// LoadHolder loads the ring from path and returns a holder for it.
func LoadHolder(path string) (*Holder, error) {
	ring, err := Load(path)
	if err != nil {
		return nil, err
	}
	return NewHolder(path, ring), nil
}

// Ring returns the current ring.
func (holder *Holder) Ring() *Ring { return holder.current.Load() }

// Version returns the version of the current ring.
func (holder *Holder) Version() uint64 { return holder.current.Load().Version() }

// Set replaces the current ring.
func (holder *Holder) Set(ring *Ring) { holder.current.Store(ring) }

// Reload reads the ring file and swaps it in when its version differs from
// the current one.
func (holder *Holder) Reload() (changed bool, err error) {
	if holder.path == "" {
		return false, nil
	}
	ring, err := Load(holder.path)
	if err != nil {
		return false, err
	}
	if ring.Version() == holder.Version() {
		return false, nil
	}
	holder.current.Store(ring)
	return true, nil
}
