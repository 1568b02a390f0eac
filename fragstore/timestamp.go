// Copyright (C) 2026 Storj Labs, Inc.
// See LICENSE for copying information.

package fragstore

import (
	"fmt"
	"strconv"
	"time"
)

// Timestamp is a write time in nanoseconds since the unix epoch.
type Timestamp int64

// TimestampOf converts t to a Timestamp.
func TimestampOf(t time.Time) Timestamp { return Timestamp(t.UnixNano()) }

// Now returns the current time as a Timestamp.
func Now() Timestamp { return TimestampOf(time.Now()) }

// String returns the fixed width form used in file names, which sorts in
// time order.
func (ts Timestamp) String() string { return fmt.Sprintf("%019d", int64(ts)) }

// Time converts the timestamp to time.Time.
func (ts Timestamp) Time() time.Time { return time.Unix(0, int64(ts)).UTC() }

// IsZero reports whether the timestamp is unset.
func (ts Timestamp) IsZero() bool { return ts == 0 }

// ParseTimestamp parses the output of Timestamp.String.
func ParseTimestamp(s string) (Timestamp, error) {
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil || v < 0 {
		return 0, Error.New("invalid timestamp %q", s)
	}
	return Timestamp(v), nil
}
