// Copyright (C) 2026 Storj Labs, Inc.
// See LICENSE for copying information.

package reconstructor

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"storj.io/reconstructor/fragstore"
	"storj.io/reconstructor/inventory"
	"storj.io/reconstructor/peer"
	"storj.io/reconstructor/private/sync2"
	"storj.io/reconstructor/reconstructor/retrydb"
	"storj.io/reconstructor/ring"
)

// Service plans and executes jobs for the local devices of a server.
//
// architecture: Worker
type Service struct {
	log       *zap.Logger
	config    Config
	holder    *ring.Holder
	client    peer.Client
	planner   *Planner
	rebuilder *ECRebuilder
	retries   *retrydb.DB
	stats     *Stats

	Limiter *sync2.Limiter
	locks   *sync2.KeyLock
	rate    *rate.Limiter

	mu   sync.Mutex
	loop *sync2.Cycle

	now func() time.Time
}

// NewService creates the service for the server at node, owning stores.
// client must reach every device in the ring. retries and stats may be nil.
func NewService(log *zap.Logger, config Config, holder *ring.Holder, node string, stores []*fragstore.Store, client peer.Client, retries *retrydb.DB, stats *Stats) *Service {
	var objectLimiter *rate.Limiter
	if config.ObjectsPerSecond > 0 {
		objectLimiter = rate.NewLimiter(rate.Limit(config.ObjectsPerSecond), 1)
	}
	var jobLimiter *rate.Limiter
	if config.JobsPerSecond > 0 {
		jobLimiter = rate.NewLimiter(rate.Limit(config.JobsPerSecond), 1)
	}

	inv := inventory.New(log.Named("inventory"), objectLimiter)
	return &Service{
		log:       log,
		config:    config,
		holder:    holder,
		client:    client,
		planner:   NewPlanner(log.Named("planner"), node, stores, inv, client, config),
		rebuilder: NewECRebuilder(log.Named("rebuilder"), client, stores, holder, config.NodeTimeout),
		retries:   retries,
		stats:     stats,

		Limiter: sync2.NewLimiter(config.Workers),
		locks:   sync2.NewKeyLock(),
		rate:    jobLimiter,

		now: time.Now,
	}
}

// Run runs passes over scope. A scope with Once set runs a single pass;
// otherwise passes repeat every interval until ctx is done. Running jobs
// finish before Run returns. Run may be called again after it returns.
func (service *Service) Run(ctx context.Context, scope Scope) (total Report, err error) {
	defer mon.Task()(&ctx)(&err)

	if scope.Once {
		return service.RunOnce(ctx, scope)
	}
	interval := service.config.Interval
	if scope.Interval > 0 {
		interval = scope.Interval
	}
	loop := sync2.NewCycle(interval)

	service.mu.Lock()
	service.loop = loop
	service.mu.Unlock()
	defer func() {
		service.mu.Lock()
		service.loop = nil
		service.mu.Unlock()
	}()

	err = loop.Run(ctx, func(ctx context.Context) error {
		report, err := service.RunOnce(ctx, scope)
		total.Merge(report)
		if err != nil && ctx.Err() == nil {
			service.log.Error("pass failed", zap.Error(Error.Wrap(err)))
		}
		return nil
	})
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		err = nil
	}
	return total, err
}

// Trigger starts the next pass of a running Run without waiting for the
// interval, and waits for it to complete. It returns false when Run isn't
// running.
func (service *Service) Trigger() bool {
	service.mu.Lock()
	loop := service.loop
	service.mu.Unlock()
	if loop == nil {
		return false
	}
	loop.TriggerWait()
	return true
}

// RunOnce runs a single pass over scope and waits for its jobs.
func (service *Service) RunOnce(ctx context.Context, scope Scope) (report Report, err error) {
	defer mon.Task()(&ctx)(&err)
	start := service.now()

	changed, err := service.holder.Reload()
	if err != nil {
		service.log.Warn("ring reload failed, using current ring", zap.Error(err))
	} else if changed {
		service.log.Info("ring reloaded", zap.Uint64("version", service.holder.Version()))
	}
	r := service.holder.Ring()

	var mu sync.Mutex
	record := func(result Result) {
		mu.Lock()
		defer mu.Unlock()
		report.Add(result)
	}

	planErr := service.planner.Plan(ctx, r, scope, func(job SyncJob) error {
		if service.rate != nil {
			if err := service.rate.Wait(ctx); err != nil {
				return err
			}
		}
		started := service.Limiter.Go(ctx, func() {
			record(service.Execute(ctx, job))
		})
		if !started {
			return ctx.Err()
		}
		return nil
	})
	service.Limiter.Wait()

	mu.Lock()
	report.Passes = 1
	report.Duration = service.now().Sub(start)
	mu.Unlock()

	service.stats.Pass(report)
	service.log.Info("pass completed",
		zap.Uint64("ring", r.Version()),
		zap.Stringer("report", report))
	return report, planErr
}

// Execute runs a single job: it serializes jobs of the same target, skips
// targets that became current and records the result.
func (service *Service) Execute(ctx context.Context, job SyncJob) (result Result) {
	var err error
	defer mon.Task()(&ctx)(&err)
	defer func() {
		err = result.Err
		service.finish(result)
	}()

	unlock, err := service.locks.Lock(ctx, job.Key())
	if err != nil {
		return Result{Job: job, Outcome: OutcomeDeferred, Err: Error.Wrap(err)}
	}
	defer unlock()

	if service.config.JobTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, service.config.JobTimeout)
		defer cancel()
	}

	if service.retries != nil {
		due, err := service.retries.Due(job.Key(), service.now())
		if err != nil {
			service.log.Warn("retry state unavailable", zap.Error(err))
		} else if !due {
			return Result{Job: job, Outcome: OutcomeDeferred, Err: Error.New("backing off after earlier attempts")}
		}
	}

	if service.targetCurrent(ctx, job) {
		return Result{Job: job, Outcome: OutcomeSkipped}
	}
	return service.rebuilder.Execute(ctx, job)
}

// targetCurrent reports whether the target already holds the durable write
// the job restores. Archives planned as corrupt are read back in full, so
// only a body that passes its hash check counts as current.
func (service *Service) targetCurrent(ctx context.Context, job SyncJob) bool {
	callCtx, cancel := withTimeout(ctx, service.config.NodeTimeout)
	defer cancel()

	var info peer.Info
	var err error
	if job.Reason == ReasonCorrupt {
		info, _, err = service.client.Get(callCtx, job.Target, job.Ref())
	} else {
		info, err = service.client.Head(callCtx, job.Target, job.Ref())
	}
	if err != nil {
		return false
	}
	header := info.Header
	if !header.Durable || header.FragmentIndex != job.Target.Index || header.Timestamp < job.Timestamp {
		return false
	}
	if job.Reason == ReasonMeta && (info.Meta == nil || info.Meta.Timestamp < job.MetaTimestamp) {
		return false
	}
	return true
}

func (service *Service) finish(result Result) {
	service.stats.Record(result)

	fields := []zap.Field{
		zap.Stringer("job", result.Job),
		zap.String("outcome", string(result.Outcome)),
		zap.Duration("duration", result.Duration),
	}
	switch result.Outcome {
	case OutcomeRebuilt:
		service.log.Info("fragment rebuilt", append(fields, zap.Int64("bytes", result.Bytes))...)
	case OutcomeSkipped:
		service.log.Debug("fragment already current", fields...)
	case OutcomeDeferred:
		service.log.Info("job deferred", append(fields, zap.Error(result.Err))...)
	default:
		service.log.Error("job failed", append(fields, zap.Error(result.Err))...)
	}

	if service.retries == nil {
		return
	}
	key := result.Job.Key()
	var err error
	switch result.Outcome {
	case OutcomeRebuilt, OutcomeSkipped:
		err = service.retries.Delete(key)
	default:
		_, err = service.retries.Record(key, string(result.Outcome), result.Err, service.now())
	}
	if err != nil {
		service.log.Warn("failed to update retry state", zap.String("key", key), zap.Error(err))
	}
}
