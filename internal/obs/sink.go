// Copyright 2025 James Ross
package obs

import (
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// Sink is the typed event/metric/exception emitter the queue and worker
// report through. Callers hold a Sink unconditionally and never branch on
// presence. The binary always wires a ZapSink; no configuration selects
// NopSink, which tests use.
type Sink interface {
	TrackMetric(name string, value float64, props map[string]string)
	TrackEvent(name string, props map[string]string)
	TrackException(err error, props map[string]string)
}

// NopSink discards everything.
type NopSink struct{}

func (NopSink) TrackMetric(string, float64, map[string]string) {}
func (NopSink) TrackEvent(string, map[string]string)           {}
func (NopSink) TrackException(error, map[string]string)        {}

// Well-known event and metric names.
const (
	EventQueueEnqueued     = "reasoning.queue.enqueued"
	EventQueueDispatched   = "reasoning.queue.dispatched"
	EventQueueBackpressure = "reasoning.queue.backpressure"
	EventJobStarted        = "reasoning.job.started"
	EventJobCompleted      = "reasoning.job.completed"
	EventJobFailed         = "reasoning.job.failed"
	EventJobRejected       = "reasoning.job.rejected"
	MetricQueueDepth       = "reasoning.queue.depth"
	MetricJobDurationMs    = "reasoning.job.duration_ms"
)

var eventCounters = map[string]prometheus.Counter{
	EventQueueEnqueued:     QueueEnqueued,
	EventQueueDispatched:   QueueDispatched,
	EventQueueBackpressure: QueueBackpressure,
	EventJobStarted:        JobsStarted,
	EventJobCompleted:      JobsCompleted,
	EventJobFailed:         JobsFailed,
	EventJobRejected:       JobsRejected,
}

// ZapSink logs every emission as structured JSON and mirrors the well-known
// names into the prometheus registry.
type ZapSink struct {
	log *zap.Logger
}

func NewZapSink(log *zap.Logger) *ZapSink {
	return &ZapSink{log: log}
}

func (s *ZapSink) TrackMetric(name string, value float64, props map[string]string) {
	switch name {
	case MetricQueueDepth:
		QueueDepth.Set(value)
	case MetricJobDurationMs:
		JobDuration.Observe(value / 1000)
	}
	s.log.Debug("metric", append(propFields(props), zap.String("name", name), zap.Float64("value", value))...)
}

func (s *ZapSink) TrackEvent(name string, props map[string]string) {
	if c, ok := eventCounters[name]; ok {
		c.Inc()
	}
	s.log.Info("event", append(propFields(props), zap.String("name", name))...)
}

func (s *ZapSink) TrackException(err error, props map[string]string) {
	s.log.Error("exception", append(propFields(props), zap.Error(err))...)
}

func propFields(props map[string]string) []zap.Field {
	fields := make([]zap.Field, 0, len(props)+2)
	for k, v := range props {
		fields = append(fields, zap.String(k, v))
	}
	return fields
}
