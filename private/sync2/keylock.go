// Copyright (C) 2026 Storj Labs, Inc.
// See LICENSE for copying information.

package sync2

import (
	"context"
	"sync"
)

// KeyLock serializes work per key while letting different keys proceed
// in parallel.
type KeyLock struct {
	mu    sync.Mutex
	locks map[string]*keyLockEntry
}

type keyLockEntry struct {
	sem  chan struct{}
	refs int
}

// NewKeyLock returns an empty KeyLock.
func NewKeyLock() *KeyLock {
	return &KeyLock{locks: map[string]*keyLockEntry{}}
}

// Lock acquires the lock for key. It returns a function that releases it.
// When the context is canceled before the lock is acquired, the error is returned.
func (kl *KeyLock) Lock(ctx context.Context, key string) (unlock func(), err error) {
	kl.mu.Lock()
	entry, ok := kl.locks[key]
	if !ok {
		entry = &keyLockEntry{sem: make(chan struct{}, 1)}
		kl.locks[key] = entry
	}
	entry.refs++
	kl.mu.Unlock()

	select {
	case entry.sem <- struct{}{}:
	case <-ctx.Done():
		kl.release(key, entry)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-entry.sem
			kl.release(key, entry)
		})
	}, nil
}

func (kl *KeyLock) release(key string, entry *keyLockEntry) {
	kl.mu.Lock()
	defer kl.mu.Unlock()
	entry.refs--
	if entry.refs == 0 {
		delete(kl.locks, key)
	}
}
