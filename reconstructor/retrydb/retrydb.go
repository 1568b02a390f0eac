// Copyright (C) 2026 Storj Labs, Inc.
// See LICENSE for copying information.

// Package retrydb keeps track of jobs that were deferred or failed, so that
// repeated attempts back off.
package retrydb

import (
	"math"
	"sort"
	"time"

	"github.com/cenkalti/backoff/v4"
	jsoniter "github.com/json-iterator/go"
	"github.com/zeebo/errs"
	"go.etcd.io/bbolt"
	"go.uber.org/zap"
)

// Error is the default retrydb error class.
var Error = errs.Class("retrydb")

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const (
	// fileMode sets permissions so owner can read and write
	fileMode = 0600

	defaultTimeout = time.Second
)

var bucketName = []byte("retries")

// Entry is the retry state of one job.
type Entry struct {
	Key         string    `json:"key"`
	Attempts    int       `json:"attempts"`
	Outcome     string    `json:"outcome"`
	LastError   string    `json:"last_error,omitempty"`
	LastAttempt time.Time `json:"last_attempt"`
	NextAttempt time.Time `json:"next_attempt"`
}

// Backoff computes the delay before the next attempt.
type Backoff struct {
	Initial time.Duration
	Max     time.Duration
}

// Delay returns the delay after the given number of attempts: Initial
// after the first one, doubling with every further attempt up to Max.
func (policy Backoff) Delay(attempts int) time.Duration {
	if policy.Initial <= 0 || attempts <= 0 {
		return 0
	}
	limit := policy.Max
	if limit <= 0 {
		limit = math.MaxInt64
	}

	schedule := backoff.NewExponentialBackOff()
	schedule.InitialInterval = policy.Initial
	schedule.MaxInterval = limit
	schedule.RandomizationFactor = 0
	schedule.Multiplier = 2
	schedule.MaxElapsedTime = 0
	schedule.Reset()

	var delay time.Duration
	for i := 0; i < attempts; i++ {
		delay = schedule.NextBackOff()
		if delay >= limit {
			return limit
		}
	}
	return delay
}

// DB stores retry entries in a bolt database.
type DB struct {
	log     *zap.Logger
	db      *bbolt.DB
	backoff Backoff
	Path    string
}

// Open opens or creates the database at path.
func Open(log *zap.Logger, path string, policy Backoff) (*DB, error) {
	db, err := bbolt.Open(path, fileMode, &bbolt.Options{Timeout: defaultTimeout})
	if err != nil {
		return nil, Error.Wrap(err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketName)
		return err
	})
	if err != nil {
		return nil, errs.Combine(Error.Wrap(err), db.Close())
	}
	return &DB{log: log, db: db, backoff: policy, Path: path}, nil
}

// Close closes the database.
func (db *DB) Close() error {
	return Error.Wrap(db.db.Close())
}

// Record counts an unsuccessful attempt of key and schedules the next one.
func (db *DB) Record(key, outcome string, cause error, now time.Time) (entry Entry, err error) {
	err = db.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketName)
		if data := bucket.Get([]byte(key)); data != nil {
			if err := json.Unmarshal(data, &entry); err != nil {
				db.log.Warn("resetting unreadable retry entry", zap.String("key", key), zap.Error(err))
				entry = Entry{}
			}
		}
		entry.Key = key
		entry.Attempts++
		entry.Outcome = outcome
		entry.LastError = ""
		if cause != nil {
			entry.LastError = cause.Error()
		}
		entry.LastAttempt = now.UTC()
		entry.NextAttempt = entry.LastAttempt.Add(db.backoff.Delay(entry.Attempts))

		data, err := json.Marshal(entry)
		if err != nil {
			return err
		}
		return bucket.Put([]byte(key), data)
	})
	return entry, Error.Wrap(err)
}

// Get returns the entry of key.
func (db *DB) Get(key string) (entry Entry, found bool, err error) {
	err = db.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketName).Get([]byte(key))
		if data == nil {
			return nil
		}
		found = true
		return json.Unmarshal(data, &entry)
	})
	return entry, found, Error.Wrap(err)
}

// Due reports whether key may be attempted at now.
func (db *DB) Due(key string, now time.Time) (bool, error) {
	entry, found, err := db.Get(key)
	if err != nil || !found {
		return true, err
	}
	return !now.Before(entry.NextAttempt), nil
}

// Delete removes the entry of key.
func (db *DB) Delete(key string) error {
	return Error.Wrap(db.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketName).Delete([]byte(key))
	}))
}

// List returns all entries ordered by key.
func (db *DB) List() ([]Entry, error) {
	var entries []Entry
	err := db.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketName).ForEach(func(key, data []byte) error {
			var entry Entry
			if err := json.Unmarshal(data, &entry); err != nil {
				return err
			}
			entries = append(entries, entry)
			return nil
		})
	})
	sort.Slice(entries, func(i, k int) bool { return entries[i].Key < entries[k].Key })
	return entries, Error.Wrap(err)
}
