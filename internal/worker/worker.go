// Copyright 2025 James Ross

// Package worker pulls reasoning jobs off the bus and runs them through the
// pipeline. A bounded in-process buffer sits between bus delivery and
// execution so redelivery pressure and pipeline throughput stay decoupled;
// overflow is abandoned back to the bus, which is the backpressure signal.
package worker

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/flyingrobots/go-reasoning-orchestrator/internal/accounting"
	"github.com/flyingrobots/go-reasoning-orchestrator/internal/bus"
	"github.com/flyingrobots/go-reasoning-orchestrator/internal/config"
	"github.com/flyingrobots/go-reasoning-orchestrator/internal/job"
	"github.com/flyingrobots/go-reasoning-orchestrator/internal/obs"
	"github.com/flyingrobots/go-reasoning-orchestrator/internal/pipeline"
	"github.com/flyingrobots/go-reasoning-orchestrator/internal/schema"
	"github.com/flyingrobots/go-reasoning-orchestrator/internal/usage"
	"go.uber.org/zap"
)

const deadLetterReason = "PipelineFailure"

type Worker struct {
	cfg      config.Worker
	quotaFor func(tenantID string) int
	receiver bus.Receiver
	out      bus.Sender
	pipe     *pipeline.Pipeline
	registry *schema.Registry
	poster   usage.Poster
	sink     obs.Sink
	log      *zap.Logger

	mu     sync.Mutex
	active map[string]int

	pending chan bus.Message
}

func New(cfg config.Worker, quotaFor func(string) int, receiver bus.Receiver, out bus.Sender, pipe *pipeline.Pipeline, registry *schema.Registry, poster usage.Poster, sink obs.Sink, log *zap.Logger) *Worker {
	return &Worker{
		cfg:      cfg,
		quotaFor: quotaFor,
		receiver: receiver,
		out:      out,
		pipe:     pipe,
		registry: registry,
		poster:   poster,
		sink:     sink,
		log:      log,
		active:   make(map[string]int),
		pending:  make(chan bus.Message, cfg.PendingBuffer),
	}
}

// Run blocks until ctx is done. The subscription delivers one message at a
// time; Concurrency goroutines drain the pending buffer.
func (w *Worker) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	for i := 0; i < w.cfg.Concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case msg := <-w.pending:
					obs.WorkerPending.Set(float64(len(w.pending)))
					obs.WorkerActive.Inc()
					w.process(ctx, msg)
					obs.WorkerActive.Dec()
				}
			}
		}()
	}

	err := w.receiver.Subscribe(ctx, bus.Handler{
		OnMessage: func(msgCtx context.Context, msg bus.Message) {
			select {
			case w.pending <- msg:
				obs.WorkerPending.Set(float64(len(w.pending)))
			default:
				// Buffer full: hand the message back for redelivery.
				obs.WorkerAbandoned.Inc()
				if err := msg.Abandon(msgCtx); err != nil {
					w.sink.TrackException(err, map[string]string{"stage": "abandon"})
				}
			}
		},
		OnError: func(err error) {
			w.sink.TrackException(err, map[string]string{"stage": "subscribe"})
		},
	})
	wg.Wait()
	if err == context.Canceled || err == context.DeadlineExceeded {
		return nil
	}
	return err
}

func (w *Worker) process(ctx context.Context, msg bus.Message) {
	j, ok := w.decode(ctx, msg)
	if !ok {
		return
	}

	quota := w.quotaFor(j.TenantID)
	if current, admitted := w.tryStart(j.TenantID, quota); !admitted {
		w.reject(ctx, msg, j, quota, current)
		return
	}
	defer w.finish(j.TenantID)

	w.postEvent(ctx, j.TenantID, accounting.EventStarted)
	w.sink.TrackEvent(obs.EventJobStarted, map[string]string{
		"tenantId": j.TenantID,
		"jobId":    j.JobID,
	})
	startedAt := time.Now()

	pipeCtx, span := obs.StartPipelineSpan(ctx, j.TenantID, j.JobID)
	result, err := w.pipe.Run(pipeCtx, j)
	if err != nil {
		obs.RecordError(pipeCtx, err)
		span.End()
		w.fail(ctx, msg, j, err)
		return
	}
	obs.SetSpanSuccess(pipeCtx)
	span.End()

	envelope := job.CompletionEnvelope(j, result, time.Now())
	if err := w.emit(ctx, envelope); err != nil {
		w.fail(ctx, msg, j, err)
		return
	}
	if err := msg.Complete(ctx); err != nil {
		w.sink.TrackException(err, map[string]string{"jobId": j.JobID, "stage": "complete"})
	}
	durationMs := float64(time.Since(startedAt).Milliseconds())
	w.sink.TrackEvent(obs.EventJobCompleted, map[string]string{
		"tenantId": j.TenantID,
		"jobId":    j.JobID,
	})
	w.sink.TrackMetric(obs.MetricJobDurationMs, durationMs, map[string]string{
		"tenantId": j.TenantID,
		"jobId":    j.JobID,
	})
	w.postEvent(ctx, j.TenantID, accounting.EventCompleted)
	w.log.Info("job completed",
		obs.String("jobId", j.JobID),
		obs.String("tenantId", j.TenantID),
		obs.Int("duration_ms", int(durationMs)))
}

// decode parses and schema-validates the message body. Invalid payloads are
// dead-lettered without touching tenant counters.
func (w *Worker) decode(ctx context.Context, msg bus.Message) (job.ReasoningJob, bool) {
	if err := w.registry.Validate(schema.Job, msg.Body()); err != nil {
		w.log.Error("invalid job payload", obs.Err(err))
		if dlErr := msg.DeadLetter(ctx, deadLetterReason, err.Error()); dlErr != nil {
			w.sink.TrackException(dlErr, map[string]string{"stage": "dead_letter"})
		}
		return job.ReasoningJob{}, false
	}
	j, err := job.Unmarshal(string(msg.Body()))
	if err != nil {
		w.log.Error("undecodable job payload", obs.Err(err))
		if dlErr := msg.DeadLetter(ctx, deadLetterReason, err.Error()); dlErr != nil {
			w.sink.TrackException(dlErr, map[string]string{"stage": "dead_letter"})
		}
		return job.ReasoningJob{}, false
	}
	return j, true
}

// tryStart reserves a pipeline slot for the tenant unless it is at quota.
func (w *Worker) tryStart(tenantID string, quota int) (int, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	current := w.active[tenantID]
	if current >= quota {
		return current, false
	}
	w.active[tenantID] = current + 1
	return current, true
}

func (w *Worker) finish(tenantID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.active[tenantID] > 0 {
		w.active[tenantID]--
	}
	if w.active[tenantID] == 0 {
		delete(w.active, tenantID)
	}
}

// ActiveForTenant reports this worker's running pipelines for a tenant.
func (w *Worker) ActiveForTenant(tenantID string) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.active[tenantID]
}

// reject emits a rejection envelope and completes (not dead-letters) the
// message: the job was well-formed, the tenant just has no capacity.
func (w *Worker) reject(ctx context.Context, msg bus.Message, j job.ReasoningJob, quota, active int) {
	envelope := job.RejectionEnvelope(j, quota, active, time.Now())
	if err := w.emit(ctx, envelope); err != nil {
		w.sink.TrackException(err, map[string]string{"jobId": j.JobID, "stage": "reject"})
	}
	if err := msg.Complete(ctx); err != nil {
		w.sink.TrackException(err, map[string]string{"jobId": j.JobID, "stage": "complete"})
	}
	w.sink.TrackEvent(obs.EventJobRejected, map[string]string{
		"tenantId": j.TenantID,
		"jobId":    j.JobID,
		"quota":    strconv.Itoa(quota),
		"active":   strconv.Itoa(active),
	})
	w.postEvent(ctx, j.TenantID, accounting.EventRejected)
	w.log.Warn("job rejected at quota",
		obs.String("jobId", j.JobID),
		obs.String("tenantId", j.TenantID),
		obs.Int("quota", quota),
		obs.Int("active", active))
}

func (w *Worker) fail(ctx context.Context, msg bus.Message, j job.ReasoningJob, cause error) {
	if err := msg.DeadLetter(ctx, deadLetterReason, cause.Error()); err != nil {
		w.sink.TrackException(err, map[string]string{"jobId": j.JobID, "stage": "dead_letter"})
	}
	w.sink.TrackEvent(obs.EventJobFailed, map[string]string{
		"tenantId": j.TenantID,
		"jobId":    j.JobID,
		"error":    cause.Error(),
	})
	w.postEvent(ctx, j.TenantID, accounting.EventFailed)
	w.log.Error("job failed",
		obs.String("jobId", j.JobID),
		obs.String("tenantId", j.TenantID),
		obs.Err(cause))
}

func (w *Worker) emit(ctx context.Context, envelope job.Envelope) error {
	payload, err := envelope.Marshal()
	if err != nil {
		return err
	}
	return w.out.Send(ctx, []byte(payload), map[string]string{bus.PropertyTenantID: envelope.TenantID})
}

// postEvent reports a lifecycle transition to admission accounting; delivery
// failures are recorded but never fail the job.
func (w *Worker) postEvent(ctx context.Context, tenantID string, event accounting.EventType) {
	if w.poster == nil {
		return
	}
	if err := w.poster.Post(ctx, usage.Event{TenantID: tenantID, Type: event}); err != nil {
		w.sink.TrackException(err, map[string]string{
			"tenantId": tenantID,
			"event":    string(event),
		})
	}
}
