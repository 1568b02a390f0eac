// Copyright (C) 2026 Storj Labs, Inc.
// See LICENSE for copying information.

package reconstructor

import (
	"time"

	"github.com/spf13/pflag"
)

// Config contains configurable values for the reconstructor.
type Config struct {
	Workers          int           `help:"maximum number of jobs executed concurrently" default:"4"`
	Interval         time.Duration `help:"how frequently a continuous run starts a new pass" default:"30s"`
	NodeTimeout      time.Duration `help:"time limit of a single peer call" default:"10s"`
	JobTimeout       time.Duration `help:"time limit of a single job" default:"5m0s"`
	JobsPerSecond    float64       `help:"maximum number of jobs started per second, 0 for unlimited" default:"0"`
	ObjectsPerSecond float64       `help:"maximum number of objects inspected per second, 0 for unlimited" default:"0"`
	ListConcurrency  int           `help:"number of peers listed concurrently for a partition" default:"4"`
	RetryBackoff     time.Duration `help:"initial delay before a deferred job is attempted again" default:"0s"`
	MaxRetryBackoff  time.Duration `help:"maximum delay before a deferred job is attempted again" default:"1h0m0s"`
}

// DefaultConfig returns the configuration matching the flag defaults.
func DefaultConfig() Config {
	return Config{
		Workers:         4,
		Interval:        30 * time.Second,
		NodeTimeout:     10 * time.Second,
		JobTimeout:      5 * time.Minute,
		ListConcurrency: 4,
		MaxRetryBackoff: time.Hour,
	}
}

// BindFlags registers the configuration flags with the "reconstructor."
// prefix.
func (config *Config) BindFlags(flags *pflag.FlagSet) {
	defaults := DefaultConfig()
	flags.IntVar(&config.Workers, "reconstructor.workers", defaults.Workers, "maximum number of jobs executed concurrently")
	flags.DurationVar(&config.Interval, "reconstructor.interval", defaults.Interval, "how frequently a continuous run starts a new pass")
	flags.DurationVar(&config.NodeTimeout, "reconstructor.node-timeout", defaults.NodeTimeout, "time limit of a single peer call")
	flags.DurationVar(&config.JobTimeout, "reconstructor.job-timeout", defaults.JobTimeout, "time limit of a single job")
	flags.Float64Var(&config.JobsPerSecond, "reconstructor.jobs-per-second", defaults.JobsPerSecond, "maximum number of jobs started per second, 0 for unlimited")
	flags.Float64Var(&config.ObjectsPerSecond, "reconstructor.objects-per-second", defaults.ObjectsPerSecond, "maximum number of objects inspected per second, 0 for unlimited")
	flags.IntVar(&config.ListConcurrency, "reconstructor.list-concurrency", defaults.ListConcurrency, "number of peers listed concurrently for a partition")
	flags.DurationVar(&config.RetryBackoff, "reconstructor.retry-backoff", defaults.RetryBackoff, "initial delay before a deferred job is attempted again")
	flags.DurationVar(&config.MaxRetryBackoff, "reconstructor.max-retry-backoff", defaults.MaxRetryBackoff, "maximum delay before a deferred job is attempted again")
}
