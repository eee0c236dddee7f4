// Copyright 2025 James Ross

// Package admission implements the API-side queue: quota-checked FIFO
// admission and a single-flight drain that dispatches to the bus within a
// bounded in-flight budget.
package admission

import (
	"context"
	"encoding/json"
	"strconv"
	"sync"
	"time"

	"github.com/flyingrobots/go-reasoning-orchestrator/internal/accounting"
	"github.com/flyingrobots/go-reasoning-orchestrator/internal/bus"
	"github.com/flyingrobots/go-reasoning-orchestrator/internal/job"
	"github.com/flyingrobots/go-reasoning-orchestrator/internal/obs"
	"github.com/flyingrobots/go-reasoning-orchestrator/internal/schema"
	"go.uber.org/zap"
)

type pendingEntry struct {
	job        job.ReasoningJob
	enqueuedAt time.Time
}

// AdmitInfo is what the submission handler reports back to the caller.
type AdmitInfo struct {
	Position   int
	QueueDepth int
	Quota      int
	Usage      accounting.Usage
}

type Queue struct {
	mu         sync.Mutex
	pending    []pendingEntry
	draining   bool
	drainAgain bool
	inFlight   int

	maxInFlight int
	acct        *accounting.Accounting
	registry    *schema.Registry
	sender      bus.Sender
	sink        obs.Sink
	log         *zap.Logger

	// base context for dispatch I/O; enqueue callers' request contexts end
	// before the drain does.
	ctx context.Context
}

func NewQueue(ctx context.Context, acct *accounting.Accounting, registry *schema.Registry, sender bus.Sender, maxDispatchInFlight int, sink obs.Sink, log *zap.Logger) *Queue {
	return &Queue{
		maxInFlight: maxDispatchInFlight,
		acct:        acct,
		registry:    registry,
		sender:      sender,
		sink:        sink,
		log:         log,
		ctx:         ctx,
	}
}

// Enqueue validates and admits a job, then triggers a drain. The returned
// AdmitInfo reflects counters at admission time.
func (q *Queue) Enqueue(j job.ReasoningJob) (AdmitInfo, error) {
	if q.sender == nil {
		return AdmitInfo{}, ErrBusUnavailable
	}
	if err := q.registry.Validate(schema.Job, j); err != nil {
		return AdmitInfo{}, InvalidJobError{Err: err}
	}

	result, usage := q.acct.TryAdmit(j.TenantID)
	switch result {
	case accounting.DepthExceeded:
		depth := q.acct.QueueDepth()
		q.sink.TrackEvent(obs.EventQueueBackpressure, map[string]string{
			"tenantId": j.TenantID,
			"jobId":    j.JobID,
			"reason":   "QueueDepthExceeded",
			"depth":    strconv.Itoa(depth),
		})
		return AdmitInfo{}, QueueDepthExceededError{Depth: depth, Limit: q.acct.Snapshot().MaxQueueDepth}
	case accounting.QuotaExceeded:
		quota := q.acct.QuotaFor(j.TenantID)
		q.sink.TrackEvent(obs.EventQueueBackpressure, map[string]string{
			"tenantId": j.TenantID,
			"jobId":    j.JobID,
			"reason":   "TenantQuotaExceeded",
			"quota":    strconv.Itoa(quota),
		})
		return AdmitInfo{}, TenantQuotaExceededError{TenantID: j.TenantID, Quota: quota, Usage: usage}
	}

	q.mu.Lock()
	q.pending = append(q.pending, pendingEntry{job: j, enqueuedAt: time.Now()})
	position := len(q.pending)
	q.mu.Unlock()

	depth := q.acct.QueueDepth()
	q.sink.TrackEvent(obs.EventQueueEnqueued, map[string]string{
		"tenantId": j.TenantID,
		"jobId":    j.JobID,
		"position": strconv.Itoa(position),
		"depth":    strconv.Itoa(depth),
	})
	q.sink.TrackMetric(obs.MetricQueueDepth, float64(depth), nil)

	go q.Drain()

	return AdmitInfo{
		Position:   position,
		QueueDepth: depth,
		Quota:      q.acct.QuotaFor(j.TenantID),
		Usage:      usage,
	}, nil
}

// Drain pops pending entries and dispatches them while capacity allows. Two
// concurrent invocations collapse to one: a call landing mid-drain flags the
// running loop to take another pass. No lock is held across bus I/O.
func (q *Queue) Drain() {
	q.mu.Lock()
	if q.draining {
		q.drainAgain = true
		q.mu.Unlock()
		return
	}
	q.draining = true
	q.mu.Unlock()

	for {
		q.mu.Lock()
		if len(q.pending) == 0 || q.inFlight >= q.maxInFlight {
			if q.drainAgain {
				q.drainAgain = false
				q.mu.Unlock()
				continue
			}
			q.draining = false
			q.mu.Unlock()
			return
		}
		entry := q.pending[0]
		q.pending = q.pending[1:]
		q.inFlight++
		q.mu.Unlock()

		q.acct.OnDispatchStart(entry.job.TenantID)
		go q.dispatch(entry)
	}
}

func (q *Queue) dispatch(entry pendingEntry) {
	dispCtx, span := obs.StartDispatchSpan(q.ctx, entry.job.TenantID, entry.job.JobID)
	defer span.End()

	body, err := json.Marshal(entry.job)
	if err == nil {
		err = q.sender.Send(dispCtx, body, map[string]string{bus.PropertyTenantID: entry.job.TenantID})
	}

	if err != nil {
		obs.RecordError(dispCtx, err)
		obs.DispatchFailures.Inc()
		// Revert counters and put the job back at the head; the next enqueue
		// or retry tick tries again.
		q.acct.OnDispatchFailed(entry.job.TenantID)
		q.mu.Lock()
		q.pending = append([]pendingEntry{entry}, q.pending...)
		q.inFlight--
		q.mu.Unlock()
		q.sink.TrackException(err, map[string]string{
			"tenantId": entry.job.TenantID,
			"jobId":    entry.job.JobID,
			"stage":    "dispatch",
		})
		q.log.Warn("dispatch failed, job requeued at head",
			obs.String("jobId", entry.job.JobID),
			obs.String("tenantId", entry.job.TenantID),
			obs.Err(err))
		return
	}

	obs.SetSpanSuccess(dispCtx)
	q.mu.Lock()
	q.inFlight--
	q.mu.Unlock()
	q.sink.TrackEvent(obs.EventQueueDispatched, map[string]string{
		"tenantId": entry.job.TenantID,
		"jobId":    entry.job.JobID,
	})
	q.sink.TrackMetric(obs.MetricQueueDepth, float64(q.acct.QueueDepth()), nil)
	q.log.Info("job dispatched",
		obs.String("jobId", entry.job.JobID),
		obs.String("tenantId", entry.job.TenantID))

	// The freed slot may unblock the next pending entry.
	q.Drain()
}

// PendingLen reports the current pending count.
func (q *Queue) PendingLen() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Run retries stalled dispatches on a timer until ctx is done. A failed
// dispatch requeues its job without starting another drain; without traffic
// nothing else would retry.
func (q *Queue) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			q.Drain()
		}
	}
}
