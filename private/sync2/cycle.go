// Copyright (C) 2026 Storj Labs, Inc.
// See LICENSE for copying information.

package sync2

import (
	"context"
	"sync"
	"time"
)

// Cycle runs a function immediately and then on every interval until the
// context is done. TriggerWait runs it out of schedule.
type Cycle struct {
	interval time.Duration

	init     sync.Once
	requests chan chan struct{}
	stopped  chan struct{}
}

// NewCycle creates a cycle with the specified interval.
func NewCycle(interval time.Duration) *Cycle {
	return &Cycle{interval: interval}
}

func (cycle *Cycle) initialize() {
	cycle.init.Do(func() {
		cycle.requests = make(chan chan struct{})
		cycle.stopped = make(chan struct{})
	})
}

// Run calls fn until ctx is done or fn returns an error.
// A cycle can be run only once.
func (cycle *Cycle) Run(ctx context.Context, fn func(ctx context.Context) error) error {
	cycle.initialize()
	defer close(cycle.stopped)

	ticker := time.NewTicker(cycle.interval)
	defer ticker.Stop()

	if err := fn(ctx); err != nil {
		return err
	}
	for {
		// cancellation wins over pending ticks
		if err := ctx.Err(); err != nil {
			return err
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case done := <-cycle.requests:
			err := fn(ctx)
			close(done)
			if err != nil {
				return err
			}
			ticker.Reset(cycle.interval)
		case <-ticker.C:
			if err := fn(ctx); err != nil {
				return err
			}
		}
	}
}

// TriggerWait runs fn out of schedule and waits for it to finish. It
// returns immediately when the cycle has stopped.
func (cycle *Cycle) TriggerWait() {
	cycle.initialize()
	done := make(chan struct{})
	select {
	case cycle.requests <- done:
	case <-cycle.stopped:
		return
	}
	select {
	case <-done:
	case <-cycle.stopped:
	}
}
