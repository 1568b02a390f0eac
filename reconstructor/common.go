// Copyright (C) 2026 Storj Labs, Inc.
// See LICENSE for copying information.

// Package reconstructor rebuilds missing, stale and corrupt fragment archives
// from the surviving fragments of the same object.
package reconstructor

import (
	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
)

var (
	// Error is the default reconstructor error class.
	Error = errs.Class("reconstructor")
	// ErrQuorumNotMet is returned when fewer than the required number of
	// matching fragments could be gathered.
	ErrQuorumNotMet = errs.Class("quorum not met")
	// ErrLocalWriteFailure is returned when the rebuilt archive couldn't be
	// persisted.
	ErrLocalWriteFailure = errs.Class("local write failure")
	// ErrTargetUnavailable is returned when the device of a local target
	// isn't mounted.
	ErrTargetUnavailable = errs.Class("target unavailable")
	// ErrRingVersionMismatch is returned when the ring changed while a job
	// was running.
	ErrRingVersionMismatch = errs.Class("ring version mismatch")

	mon = monkit.Package()
)
