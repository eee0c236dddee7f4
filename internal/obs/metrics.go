// Copyright 2025 James Ross
package obs

import (
	"context"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	promhttp "github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	QueueEnqueued = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "reasoning_queue_enqueued_total",
		Help: "Total number of jobs admitted into the pending queue",
	})
	QueueDispatched = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "reasoning_queue_dispatched_total",
		Help: "Total number of jobs dispatched to the bus",
	})
	QueueBackpressure = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "reasoning_queue_backpressure_total",
		Help: "Total number of submissions refused by quota or depth limits",
	})
	QueueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "reasoning_queue_depth",
		Help: "Jobs currently queued or active across all tenants",
	})
	DispatchFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "reasoning_dispatch_failures_total",
		Help: "Total number of bus send failures after admission",
	})
	JobsStarted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "reasoning_jobs_started_total",
		Help: "Total number of pipeline executions started",
	})
	JobsCompleted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "reasoning_jobs_completed_total",
		Help: "Total number of pipeline executions completed",
	})
	JobsFailed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "reasoning_jobs_failed_total",
		Help: "Total number of pipeline executions that dead-lettered",
	})
	JobsRejected = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "reasoning_jobs_rejected_total",
		Help: "Total number of jobs rejected worker-side at quota",
	})
	JobDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "reasoning_job_duration_seconds",
		Help:    "Histogram of end-to-end pipeline durations",
		Buckets: prometheus.ExponentialBuckets(0.5, 2, 12),
	})
	StageDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "reasoning_stage_duration_seconds",
		Help:    "Histogram of per-stage LLM round-trip durations",
		Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
	}, []string{"stage"})
	WorkerActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "reasoning_worker_active",
		Help: "Pipelines currently executing",
	})
	WorkerPending = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "reasoning_worker_pending",
		Help: "Messages buffered worker-side awaiting a pipeline slot",
	})
	WorkerAbandoned = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "reasoning_worker_abandoned_total",
		Help: "Messages returned to the bus because the pending buffer was full",
	})
	DeadLettered = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "reasoning_dead_letter_total",
		Help: "Messages moved to the dead-letter list",
	})
	ReaperRecovered = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "reasoning_reaper_recovered_total",
		Help: "Messages requeued from processing lists with expired heartbeats",
	})
	LLMBreakerState = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "reasoning_llm_breaker_state",
		Help: "0 Closed, 1 HalfOpen, 2 Open",
	})
)

func init() {
	prometheus.MustRegister(
		QueueEnqueued, QueueDispatched, QueueBackpressure, QueueDepth,
		DispatchFailures, JobsStarted, JobsCompleted, JobsFailed, JobsRejected,
		JobDuration, StageDuration, WorkerActive, WorkerPending,
		WorkerAbandoned, DeadLettered, ReaperRecovered, LLMBreakerState,
	)
}

// StartHTTPServer exposes /metrics, /healthz and /readyz.
// readiness should return nil when the process is ready to serve.
func StartHTTPServer(port int, readiness func(context.Context) error) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if readiness != nil {
			if err := readiness(r.Context()); err != nil {
				http.Error(w, fmt.Sprintf("not ready: %v", err), http.StatusServiceUnavailable)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	})
	srv := &http.Server{Addr: fmt.Sprintf(":%d", port), Handler: mux}
	go func() { _ = srv.ListenAndServe() }()
	return srv
}
