// Copyright (C) 2026 Storj Labs, Inc.
// See LICENSE for copying information.

package sync2_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"storj.io/reconstructor/private/sync2"
)

func TestLimiterBoundsConcurrency(t *testing.T) {
	const limit = 3
	limiter := sync2.NewLimiter(limit)

	var running, peak int32
	for i := 0; i < 20; i++ {
		require.True(t, limiter.Go(context.Background(), func() {
			current := atomic.AddInt32(&running, 1)
			for {
				old := atomic.LoadInt32(&peak)
				if current <= old || atomic.CompareAndSwapInt32(&peak, old, current) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			atomic.AddInt32(&running, -1)
		}))
	}
	limiter.Wait()

	require.LessOrEqual(t, atomic.LoadInt32(&peak), int32(limit))
	require.Equal(t, int32(0), atomic.LoadInt32(&running))
}

func TestLimiterCanceled(t *testing.T) {
	limiter := sync2.NewLimiter(1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.False(t, limiter.Go(ctx, func() { t.Fatal("should not run") }))
	limiter.Wait()
}

func TestKeyLockSerializesSameKey(t *testing.T) {
	locks := sync2.NewKeyLock()
	ctx := context.Background()

	var inside int32
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock, err := locks.Lock(ctx, "sdb1/17/3")
			if !assert.NoError(t, err) {
				return
			}
			defer unlock()

			assert.Equal(t, int32(1), atomic.AddInt32(&inside, 1))
			time.Sleep(time.Millisecond)
			atomic.AddInt32(&inside, -1)
		}()
	}
	wg.Wait()

	// every key was released
	unlock, err := locks.Lock(ctx, "sdb1/17/3")
	require.NoError(t, err)
	unlock()
}

func TestKeyLockIndependentKeys(t *testing.T) {
	locks := sync2.NewKeyLock()
	ctx := context.Background()

	unlockA, err := locks.Lock(ctx, "a")
	require.NoError(t, err)

	blocked, cancel := context.WithTimeout(ctx, 10*time.Millisecond)
	defer cancel()
	_, err = locks.Lock(blocked, "a")
	require.ErrorIs(t, err, context.DeadlineExceeded)

	unlockB, err := locks.Lock(blocked, "b")
	require.NoError(t, err)

	unlockA()
	unlockA() // idempotent
	unlockB()

	unlockA, err = locks.Lock(ctx, "a")
	require.NoError(t, err)
	unlockA()
}

func TestKeyLockContextCanceled(t *testing.T) {
	locks := sync2.NewKeyLock()
	unlock, err := locks.Lock(context.Background(), "x")
	require.NoError(t, err)
	defer unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = locks.Lock(ctx, "x")
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestCycleTrigger(t *testing.T) {
	cycle := sync2.NewCycle(time.Hour)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var count int32
	done := make(chan error, 1)
	go func() {
		done <- cycle.Run(ctx, func(ctx context.Context) error {
			atomic.AddInt32(&count, 1)
			return nil
		})
	}()

	cycle.TriggerWait()
	cycle.TriggerWait()
	require.GreaterOrEqual(t, atomic.LoadInt32(&count), int32(3))

	cancel()
	require.ErrorIs(t, <-done, context.Canceled)

	// triggering a stopped cycle doesn't block
	cycle.TriggerWait()
}

func TestCycleContextCanceled(t *testing.T) {
	cycle := sync2.NewCycle(time.Millisecond)
	ctx, cancel := context.WithCancel(context.Background())

	var count int32
	err := cycle.Run(ctx, func(ctx context.Context) error {
		if atomic.AddInt32(&count, 1) == 3 {
			cancel()
		}
		return nil
	})
	require.ErrorIs(t, err, context.Canceled)
	require.GreaterOrEqual(t, atomic.LoadInt32(&count), int32(3))
}
