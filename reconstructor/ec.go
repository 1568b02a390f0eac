// Copyright (C) 2026 Storj Labs, Inc.
// See LICENSE for copying information.

package reconstructor

import (
	"bytes"
	"context"
	"io"
	"sync"
	"time"

	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"storj.io/reconstructor/erasure"
	"storj.io/reconstructor/fragstore"
	"storj.io/reconstructor/peer"
	"storj.io/reconstructor/private/sync2"
	"storj.io/reconstructor/ring"
)

// ECRebuilder gathers surviving fragments of an object, rebuilds the
// fragment of a job's target and persists it.
type ECRebuilder struct {
	log         *zap.Logger
	client      peer.Client
	stores      map[string]*fragstore.Store
	holder      *ring.Holder
	nodeTimeout time.Duration
}

// NewECRebuilder creates a rebuilder. stores are the devices of this server.
func NewECRebuilder(log *zap.Logger, client peer.Client, stores []*fragstore.Store, holder *ring.Holder, nodeTimeout time.Duration) *ECRebuilder {
	ec := &ECRebuilder{
		log:         log,
		client:      client,
		stores:      make(map[string]*fragstore.Store, len(stores)),
		holder:      holder,
		nodeTimeout: nodeTimeout,
	}
	for _, store := range stores {
		ec.stores[store.Device()] = store
	}
	return ec
}

// Execute runs job and returns its result. Errors are contained in the result.
func (ec *ECRebuilder) Execute(ctx context.Context, job SyncJob) (result Result) {
	var err error
	defer mon.Task()(&ctx)(&err)

	start := time.Now()
	result.Job = job
	result.Bytes, result.Outcome, err = ec.rebuild(ctx, job)
	result.Err = err
	result.Duration = time.Since(start)
	return result
}

// source is a peer holding a matching fragment of the write being restored.
type source struct {
	device ring.Device
	info   peer.Info
}

// gatherer probes the candidates of a job in ring order.
type gatherer struct {
	ec         *ECRebuilder
	job        SyncJob
	codec      *erasure.Codec
	candidates []ring.Device
	next       int

	etag    string
	healthy []source
	newest  *fragstore.Meta
	newer   bool
}

// probe asks further candidates until at least need matching sources are
// queued or all candidates were asked.
func (g *gatherer) probe(ctx context.Context, need int) {
	for len(g.healthy) < need && g.next < len(g.candidates) {
		if ctx.Err() != nil {
			return
		}
		device := g.candidates[g.next]
		g.next++

		callCtx, cancel := withTimeout(ctx, g.ec.nodeTimeout)
		info, err := g.ec.client.Head(callCtx, device, fragstore.Ref{
			Policy:        g.job.Policy,
			Partition:     g.job.Partition,
			Object:        g.job.Object,
			FragmentIndex: device.Index,
		})
		cancel()

		response := peer.NewResponse(device, info, err)
		if response.Status != peer.Healthy {
			g.ec.log.Debug("fragment not usable",
				zap.Stringer("job", g.job),
				zap.Stringer("peer", device),
				zap.Stringer("status", response.Status),
				zap.Error(err))
			continue
		}
		if !g.matches(device, response.Info.Header) {
			continue
		}
		g.observeMeta(response.Info.Meta)
		g.healthy = append(g.healthy, source{device: device, info: response.Info})
	}
}

// matches reports whether header belongs to the write being restored.
func (g *gatherer) matches(device ring.Device, header fragstore.Header) bool {
	if header.Timestamp > g.job.Timestamp {
		g.newer = true
	}
	if header.Timestamp != g.job.Timestamp || !header.Durable || header.FragmentIndex != device.Index {
		return false
	}
	if header.FragmentSize != g.codec.FragmentSize(header.ContentLength) {
		g.ec.log.Warn("fragment size doesn't match the policy",
			zap.Stringer("job", g.job),
			zap.Stringer("peer", device),
			zap.Int64("size", header.FragmentSize))
		return false
	}
	if g.etag == "" {
		g.etag = header.ETag
	}
	return header.ETag == g.etag
}

func (g *gatherer) observeMeta(meta *fragstore.Meta) {
	if meta != nil && (g.newest == nil || meta.Timestamp > g.newest.Timestamp) {
		g.newest = meta
	}
}

// take removes up to n sources from the queue.
func (g *gatherer) take(n int) []source {
	if n > len(g.healthy) {
		n = len(g.healthy)
	}
	batch := g.healthy[:n:n]
	g.healthy = g.healthy[n:]
	return batch
}

func (ec *ECRebuilder) rebuild(ctx context.Context, job SyncJob) (_ int64, _ Outcome, err error) {
	defer mon.Task()(&ctx)(&err)

	r := ec.holder.Ring()
	if r.Version() != job.RingVersion {
		return 0, OutcomeDeferred, ErrRingVersionMismatch.New("job planned with ring %d, current ring is %d", job.RingVersion, r.Version())
	}
	nodes, err := r.Nodes(job.Partition)
	if err != nil {
		return 0, OutcomeFailed, Error.Wrap(err)
	}
	if job.Target.Index < 0 || job.Target.Index >= len(nodes) || nodes[job.Target.Index].ID != job.Target.ID {
		return 0, OutcomeDeferred, ErrRingVersionMismatch.New("%s no longer holds fragment %d", job.Target, job.Target.Index)
	}
	if job.Local {
		if err := ec.localAvailable(job.Target); err != nil {
			return 0, OutcomeDeferred, err
		}
	}
	if job.Reason == ReasonMeta {
		return ec.syncMeta(ctx, job, nodes)
	}
	codec, err := erasure.CodecForPolicy(r.Policy())
	if err != nil {
		return 0, OutcomeFailed, Error.Wrap(err)
	}
	required := codec.RequiredCount()

	g := &gatherer{ec: ec, job: job, codec: codec}
	for _, node := range nodes {
		if node.ID != job.Target.ID {
			g.candidates = append(g.candidates, node)
		}
	}

	g.probe(ctx, required)
	if len(g.healthy) < required {
		return 0, OutcomeDeferred, ec.quorumError(ctx, g, len(g.healthy), required)
	}

	fragments := make(map[int][]byte, required)
	var base fragstore.Header
	for len(fragments) < required {
		need := required - len(fragments)
		g.probe(ctx, need)
		batch := g.take(need)
		if len(batch) == 0 {
			return 0, OutcomeDeferred, ec.quorumError(ctx, g, len(fragments), required)
		}
		for _, fetched := range ec.fetch(ctx, g, batch) {
			fragments[fetched.device.Index] = fetched.body
			base = fetched.info.Header
			g.observeMeta(fetched.info.Meta)
		}
	}

	readers := make(map[int]io.Reader, len(fragments))
	for index, body := range fragments {
		readers[index] = bytes.NewReader(body)
	}
	var rebuilt bytes.Buffer
	rebuilt.Grow(int(base.FragmentSize))
	if err := codec.Rebuild(ctx, readers, base.ContentLength, job.Target.Index, &rebuilt); err != nil {
		return 0, OutcomeFailed, Error.Wrap(err)
	}

	header := fragstore.Header{
		Timestamp:     base.Timestamp,
		ETag:          base.ETag,
		ContentLength: base.ContentLength,
		Durable:       true,
		Metadata:      base.Metadata,
	}

	if version := ec.holder.Version(); version != job.RingVersion {
		return 0, OutcomeDeferred, ErrRingVersionMismatch.New("ring changed from %d to %d during rebuild", job.RingVersion, version)
	}

	if job.Local {
		if err := ec.persistLocal(ctx, job, header, rebuilt.Bytes(), g.newest); err != nil {
			return 0, OutcomeFailed, err
		}
	} else {
		if outcome, err := ec.persistRemote(ctx, job, header, rebuilt.Bytes(), g.newest); err != nil {
			return 0, outcome, err
		}
	}
	return int64(rebuilt.Len()), OutcomeRebuilt, nil
}

// localAvailable checks that a local target can be written before any
// source is contacted.
func (ec *ECRebuilder) localAvailable(target ring.Device) error {
	store, ok := ec.stores[target.Name]
	if !ok {
		return ErrLocalWriteFailure.New("%s isn't a local device", target)
	}
	if err := store.Dir().Available(); err != nil {
		return ErrTargetUnavailable.Wrap(err)
	}
	return nil
}

// syncMeta copies the newest metadata update of the object to a target
// that already holds the current archive.
func (ec *ECRebuilder) syncMeta(ctx context.Context, job SyncJob, nodes []ring.Device) (_ int64, _ Outcome, err error) {
	defer mon.Task()(&ctx)(&err)

	var newest *fragstore.Meta
	for _, node := range nodes {
		if node.ID == job.Target.ID {
			continue
		}
		callCtx, cancel := withTimeout(ctx, ec.nodeTimeout)
		info, err := ec.client.Head(callCtx, node, fragstore.Ref{
			Policy:        job.Policy,
			Partition:     job.Partition,
			Object:        job.Object,
			FragmentIndex: node.Index,
		})
		cancel()
		if err != nil {
			continue
		}
		if info.Meta != nil && (newest == nil || info.Meta.Timestamp > newest.Timestamp) {
			newest = info.Meta
		}
		if newest != nil && newest.Timestamp >= job.MetaTimestamp {
			break
		}
	}
	if newest == nil || newest.Timestamp < job.MetaTimestamp {
		if err := ctx.Err(); err != nil {
			return 0, OutcomeDeferred, err
		}
		return 0, OutcomeDeferred, ErrQuorumNotMet.New("no peer holds metadata %s of %s", job.MetaTimestamp, job.Object)
	}

	if version := ec.holder.Version(); version != job.RingVersion {
		return 0, OutcomeDeferred, ErrRingVersionMismatch.New("ring changed from %d to %d during metadata sync", job.RingVersion, version)
	}

	if job.Local {
		store := ec.stores[job.Target.Name]
		if err := store.WriteMeta(ctx, job.Policy, job.Partition, *newest); err != nil {
			return 0, OutcomeFailed, ErrLocalWriteFailure.Wrap(err)
		}
		return 0, OutcomeRebuilt, nil
	}

	ctx = peer.WithRingVersion(ctx, job.RingVersion)
	callCtx, cancel := withTimeout(ctx, ec.nodeTimeout)
	defer cancel()
	if err := ec.client.Post(callCtx, job.Target, job.Policy, job.Partition, *newest); err != nil {
		outcome, err := remoteOutcome(err)
		return 0, outcome, err
	}
	return 0, OutcomeRebuilt, nil
}

type fetched struct {
	device ring.Device
	info   peer.Info
	body   []byte
}

// fetch downloads the bodies of batch concurrently and returns the ones
// that arrived intact.
func (ec *ECRebuilder) fetch(ctx context.Context, g *gatherer, batch []source) []fetched {
	var mu sync.Mutex
	var results []fetched

	limiter := sync2.NewLimiter(len(batch))
	for _, src := range batch {
		limiter.Go(ctx, func() {
			callCtx, cancel := withTimeout(ctx, ec.nodeTimeout)
			defer cancel()

			info, body, err := ec.client.Get(callCtx, src.device, fragstore.Ref{
				Policy:        g.job.Policy,
				Partition:     g.job.Partition,
				Object:        g.job.Object,
				FragmentIndex: src.device.Index,
			})
			if err == nil && !info.Header.MatchesArchive(src.info.Header) {
				err = peer.ErrPeerUnavailable.New("archive changed since probe")
			}
			if err != nil {
				level := ec.log.Debug
				if peer.Classify(err) == peer.Corrupt {
					level = ec.log.Warn
				}
				level("fragment download failed",
					zap.Stringer("job", g.job),
					zap.Stringer("peer", src.device),
					zap.Error(err))
				return
			}

			mu.Lock()
			defer mu.Unlock()
			results = append(results, fetched{device: src.device, info: info, body: body})
		})
	}
	limiter.Wait()
	return results
}

func (ec *ECRebuilder) quorumError(ctx context.Context, g *gatherer, have, required int) error {
	if err := ctx.Err(); err != nil {
		return errs.Combine(ErrQuorumNotMet.New("%d of %d fragments of %s", have, required, g.job.Object), err)
	}
	if g.newer {
		return ErrQuorumNotMet.New("%d of %d fragments of %s, newer write exists", have, required, g.job.Object)
	}
	return ErrQuorumNotMet.New("%d of %d fragments of %s", have, required, g.job.Object)
}

func (ec *ECRebuilder) persistLocal(ctx context.Context, job SyncJob, header fragstore.Header, body []byte, meta *fragstore.Meta) (err error) {
	defer mon.Task()(&ctx)(&err)

	store, ok := ec.stores[job.Target.Name]
	if !ok {
		return ErrLocalWriteFailure.New("%s isn't a local device", job.Target)
	}
	w, err := store.Create(ctx, job.Ref())
	if err != nil {
		return ErrLocalWriteFailure.Wrap(err)
	}
	if _, err := w.Write(body); err != nil {
		return ErrLocalWriteFailure.Wrap(errs.Combine(err, w.Cancel(ctx)))
	}
	if _, err := w.Commit(ctx, header); err != nil {
		return ErrLocalWriteFailure.Wrap(err)
	}
	if meta != nil && meta.Timestamp > header.Timestamp {
		if err := store.WriteMeta(ctx, job.Policy, job.Partition, *meta); err != nil {
			return ErrLocalWriteFailure.Wrap(err)
		}
	}
	return nil
}

func (ec *ECRebuilder) persistRemote(ctx context.Context, job SyncJob, header fragstore.Header, body []byte, meta *fragstore.Meta) (_ Outcome, err error) {
	defer mon.Task()(&ctx)(&err)

	header.FragmentSize = int64(len(body))
	header.BodyHash = fragstore.HashBody(body)

	ctx = peer.WithRingVersion(ctx, job.RingVersion)
	callCtx, cancel := withTimeout(ctx, ec.nodeTimeout)
	defer cancel()

	if _, err := ec.client.Put(callCtx, job.Target, job.Ref(), header, bytes.NewReader(body)); err != nil {
		return remoteOutcome(err)
	}
	if meta != nil && meta.Timestamp > header.Timestamp {
		if err := ec.client.Post(callCtx, job.Target, job.Policy, job.Partition, *meta); err != nil {
			return remoteOutcome(err)
		}
	}
	return OutcomeRebuilt, nil
}

func remoteOutcome(err error) (Outcome, error) {
	switch {
	case peer.ErrRingMismatch.Has(err):
		return OutcomeDeferred, ErrRingVersionMismatch.Wrap(err)
	case peer.Classify(err) == peer.Unavailable:
		return OutcomeDeferred, err
	default:
		return OutcomeFailed, err
	}
}
