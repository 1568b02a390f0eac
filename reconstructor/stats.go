// Copyright (C) 2026 Storj Labs, Inc.
// See LICENSE for copying information.

package reconstructor

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Stats exports the results of the reconstructor.
type Stats struct {
	jobs     *prometheus.CounterVec
	bytes    prometheus.Counter
	passes   prometheus.Counter
	duration prometheus.Histogram
}

// NewStats creates the reconstructor metrics and registers them with
// registerer, when it is not nil.
func NewStats(registerer prometheus.Registerer) (*Stats, error) {
	stats := &Stats{
		jobs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "reconstructor",
			Name:      "jobs_total",
			Help:      "Executed jobs by reason and outcome.",
		}, []string{"reason", "outcome"}),
		bytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "reconstructor",
			Name:      "rebuilt_bytes_total",
			Help:      "Bytes of fragment archives rebuilt and persisted.",
		}),
		passes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "reconstructor",
			Name:      "passes_total",
			Help:      "Completed passes over the local devices.",
		}),
		duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "reconstructor",
			Name:      "job_duration_seconds",
			Help:      "Duration of executed jobs.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 4, 10),
		}),
	}
	if registerer != nil {
		for _, collector := range []prometheus.Collector{stats.jobs, stats.bytes, stats.passes, stats.duration} {
			if err := registerer.Register(collector); err != nil {
				return nil, Error.Wrap(err)
			}
		}
	}
	return stats, nil
}

// Record counts the result of a job.
func (stats *Stats) Record(result Result) {
	if stats == nil {
		return
	}
	stats.jobs.WithLabelValues(string(result.Job.Reason), string(result.Outcome)).Inc()
	stats.bytes.Add(float64(result.Bytes))
	stats.duration.Observe(result.Duration.Seconds())

	mon.Meter("job_" + string(result.Outcome)).Mark(1)
	mon.IntVal("rebuilt_bytes").Observe(result.Bytes)
}

// Pass counts a completed pass.
func (stats *Stats) Pass(report Report) {
	if stats == nil {
		return
	}
	stats.passes.Inc()
	mon.DurationVal("pass_duration").Observe(report.Duration)
}

// Jobs returns the number of jobs counted for reason and outcome.
func (stats *Stats) Jobs(reason Reason, outcome Outcome) prometheus.Counter {
	return stats.jobs.WithLabelValues(string(reason), string(outcome))
}
