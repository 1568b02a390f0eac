// Copyright (C) 2026 Storj Labs, Inc.
// See LICENSE for copying information.

package retrydb_test

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"storj.io/reconstructor/private/testcontext"
	"storj.io/reconstructor/reconstructor/retrydb"
)

func TestRecordBackoff(t *testing.T) {
	ctx := testcontext.New(t)

	db, err := retrydb.Open(zaptest.NewLogger(t), ctx.File("retry.db"), retrydb.Backoff{Initial: time.Second, Max: 5 * time.Second})
	require.NoError(t, err)
	defer ctx.Check(db.Close)

	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	due, err := db.Due("a", now)
	require.NoError(t, err)
	require.True(t, due)

	entry, err := db.Record("a", "deferred", errors.New("quorum not met"), now)
	require.NoError(t, err)
	require.Equal(t, 1, entry.Attempts)
	require.Equal(t, now.Add(time.Second), entry.NextAttempt)
	require.Equal(t, "quorum not met", entry.LastError)

	due, err = db.Due("a", now.Add(500*time.Millisecond))
	require.NoError(t, err)
	require.False(t, due)

	for i := 0; i < 4; i++ {
		entry, err = db.Record("a", "deferred", nil, now)
		require.NoError(t, err)
	}
	require.Equal(t, 5, entry.Attempts)
	require.Equal(t, now.Add(5*time.Second), entry.NextAttempt)

	_, err = db.Record("b", "failed", errors.New("disk full"), now)
	require.NoError(t, err)

	entries, err := db.List()
	require.NoError(t, err)
	require.Len(t, entries, 2)
	require.Equal(t, "a", entries[0].Key)
	require.Equal(t, "b", entries[1].Key)

	require.NoError(t, db.Delete("a"))
	_, found, err := db.Get("a")
	require.NoError(t, err)
	require.False(t, found)
}

func TestReopen(t *testing.T) {
	ctx := testcontext.New(t)
	path := ctx.File("retry.db")

	db, err := retrydb.Open(zaptest.NewLogger(t), path, retrydb.Backoff{})
	require.NoError(t, err)
	_, err = db.Record("job", "deferred", nil, time.Now())
	require.NoError(t, err)
	require.NoError(t, db.Close())

	db, err = retrydb.Open(zaptest.NewLogger(t), path, retrydb.Backoff{})
	require.NoError(t, err)
	defer ctx.Check(db.Close)

	entry, found, err := db.Get("job")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, 1, entry.Attempts)

	due, err := db.Due("job", time.Now())
	require.NoError(t, err)
	require.True(t, due)
}

func TestBackoffDelay(t *testing.T) {
	backoff := retrydb.Backoff{Initial: 100 * time.Millisecond, Max: time.Second}
	require.Equal(t, time.Duration(0), backoff.Delay(0))
	require.Equal(t, 100*time.Millisecond, backoff.Delay(1))
	require.Equal(t, 200*time.Millisecond, backoff.Delay(2))
	require.Equal(t, 800*time.Millisecond, backoff.Delay(4))
	require.Equal(t, time.Second, backoff.Delay(5))
	require.Equal(t, time.Second, backoff.Delay(50))
	require.Equal(t, time.Duration(0), retrydb.Backoff{}.Delay(3))

	// delays are deterministic
	require.Equal(t, backoff.Delay(3), backoff.Delay(3))
	require.Equal(t, 400*time.Millisecond, backoff.Delay(3))

	uncapped := retrydb.Backoff{Initial: time.Second}
	require.Equal(t, 8*time.Second, uncapped.Delay(4))

	inverted := retrydb.Backoff{Initial: 2 * time.Second, Max: time.Second}
	require.Equal(t, time.Second, inverted.Delay(1))
}
