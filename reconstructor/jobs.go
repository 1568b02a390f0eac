// Copyright (C) 2026 Storj Labs, Inc.
// See LICENSE for copying information.

package reconstructor

import (
	"fmt"
	"slices"
	"time"

	"github.com/dustin/go-humanize"

	"storj.io/reconstructor/fragstore"
	"storj.io/reconstructor/ring"
)

// Reason is why a job was planned.
type Reason string

const (
	// ReasonMissing means the target holds no archive of the object.
	ReasonMissing Reason = "missing"
	// ReasonStale means the target holds an archive older than the newest
	// durable write, or of the wrong fragment index.
	ReasonStale Reason = "stale"
	// ReasonCorrupt means the target archive failed verification.
	ReasonCorrupt Reason = "corrupt"
	// ReasonMeta means the target holds the current archive but misses the
	// newest metadata update.
	ReasonMeta Reason = "meta"
)

// SyncJob is a unit of work: restore one fragment archive on one device.
type SyncJob struct {
	Policy    int
	Partition ring.Partition
	Object    string
	// Target is the device to restore, Target.Index is the fragment index.
	Target ring.Device
	// Local is true when Target is a device of this server.
	Local  bool
	Reason Reason
	// Timestamp is the durable write being restored.
	Timestamp fragstore.Timestamp
	// MetaTimestamp is the newest metadata update known for the object.
	MetaTimestamp fragstore.Timestamp
	RingVersion   uint64
}

// Key identifies the target archive of the job.
func (job SyncJob) Key() string {
	return fmt.Sprintf("%s/%s/%d/%d/%s", job.Target.Node, job.Target.Name, job.Policy, job.Partition, job.Object)
}

// Ref returns the reference of the target archive.
func (job SyncJob) Ref() fragstore.Ref {
	return fragstore.Ref{
		Policy:        job.Policy,
		Partition:     job.Partition,
		Object:        job.Object,
		FragmentIndex: job.Target.Index,
	}
}

// String implements fmt.Stringer.
func (job SyncJob) String() string {
	return fmt.Sprintf("%s %s#%d on %s (%s)", job.Reason, job.Object, job.Target.Index, job.Target, job.Partition)
}

// Outcome is the result of executing a job.
type Outcome string

const (
	// OutcomeRebuilt means the archive was rebuilt and persisted.
	OutcomeRebuilt Outcome = "rebuilt"
	// OutcomeDeferred means the job couldn't run now and should be retried.
	OutcomeDeferred Outcome = "deferred"
	// OutcomeSkipped means the target was already current.
	OutcomeSkipped Outcome = "skipped"
	// OutcomeFailed means the job failed.
	OutcomeFailed Outcome = "failed"
)

// Outcomes lists every outcome.
var Outcomes = []Outcome{OutcomeRebuilt, OutcomeDeferred, OutcomeSkipped, OutcomeFailed}

// Result is the result of a job.
type Result struct {
	Job     SyncJob
	Outcome Outcome
	Err     error
	// Bytes is the size of the persisted archive body.
	Bytes    int64
	Duration time.Duration
}

// Report summarizes the results of one or more passes.
type Report struct {
	Passes   int
	Rebuilt  int
	Deferred int
	Skipped  int
	Failed   int
	Bytes    int64
	Duration time.Duration
}

// Add counts result.
func (report *Report) Add(result Result) {
	switch result.Outcome {
	case OutcomeRebuilt:
		report.Rebuilt++
		report.Bytes += result.Bytes
	case OutcomeDeferred:
		report.Deferred++
	case OutcomeSkipped:
		report.Skipped++
	case OutcomeFailed:
		report.Failed++
	}
}

// Merge adds the counts of other.
func (report *Report) Merge(other Report) {
	report.Passes += other.Passes
	report.Rebuilt += other.Rebuilt
	report.Deferred += other.Deferred
	report.Skipped += other.Skipped
	report.Failed += other.Failed
	report.Bytes += other.Bytes
	report.Duration += other.Duration
}

// Jobs returns the number of executed jobs.
func (report Report) Jobs() int {
	return report.Rebuilt + report.Deferred + report.Skipped + report.Failed
}

// String implements fmt.Stringer.
func (report Report) String() string {
	return fmt.Sprintf("passes=%d jobs=%d rebuilt=%d deferred=%d skipped=%d failed=%d bytes=%s duration=%s",
		report.Passes, report.Jobs(), report.Rebuilt, report.Deferred, report.Skipped, report.Failed,
		humanize.IBytes(uint64(report.Bytes)), report.Duration.Round(time.Millisecond))
}

// Scope selects what a run works on. Empty selectors select everything.
type Scope struct {
	Devices  []string
	Servers  []int
	Policies []int
	Once     bool
	Interval time.Duration
}

// IncludesDevice reports whether device is selected.
func (scope Scope) IncludesDevice(device ring.Device) bool {
	return (len(scope.Devices) == 0 || slices.Contains(scope.Devices, device.Name)) &&
		(len(scope.Servers) == 0 || slices.Contains(scope.Servers, device.Server))
}

// IncludesPolicy reports whether the policy is selected.
func (scope Scope) IncludesPolicy(policy int) bool {
	return len(scope.Policies) == 0 || slices.Contains(scope.Policies, policy)
}
