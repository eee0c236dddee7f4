// Copyright 2025 James Ross
package obs

import (
	"context"
	"fmt"
	"os"

	"github.com/flyingrobots/go-reasoning-orchestrator/internal/config"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
)

// MaybeInitTracing optionally initializes a global tracer provider. Returns
// nil when tracing is disabled; callers treat that as "no tracing" and spans
// become no-ops through the default provider.
func MaybeInitTracing(cfg *config.Config) (*sdktrace.TracerProvider, error) {
	tc := cfg.Observability.Tracing
	if !tc.Enabled || tc.Endpoint == "" {
		return nil, nil
	}

	opts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(tc.Endpoint)}
	if tc.Insecure {
		opts = append(opts, otlptracehttp.WithInsecure())
	}
	exporter, err := otlptrace.New(context.Background(), otlptracehttp.NewClient(opts...))
	if err != nil {
		return nil, err
	}

	hostname, _ := os.Hostname()
	res := resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceNameKey.String("reasoning-orchestrator"),
		semconv.HostNameKey.String(hostname),
		attribute.String("environment", tc.Environment),
	)

	rate := tc.SamplingRate
	if rate <= 0 {
		rate = 1
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.TraceIDRatioBased(rate)),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	return tp, nil
}

// StartEnqueueSpan wraps admission of a job into the pending queue.
func StartEnqueueSpan(ctx context.Context, tenantID, jobID string) (context.Context, trace.Span) {
	return otel.Tracer("admission").Start(ctx, "queue.enqueue",
		trace.WithAttributes(
			attribute.String("tenant.id", tenantID),
			attribute.String("job.id", jobID),
		),
	)
}

// StartDispatchSpan wraps the bus send of an admitted job.
func StartDispatchSpan(ctx context.Context, tenantID, jobID string) (context.Context, trace.Span) {
	return otel.Tracer("admission").Start(ctx, "queue.dispatch",
		trace.WithAttributes(
			attribute.String("tenant.id", tenantID),
			attribute.String("job.id", jobID),
		),
	)
}

// StartPipelineSpan wraps a full six-stage pipeline execution.
func StartPipelineSpan(ctx context.Context, tenantID, jobID string) (context.Context, trace.Span) {
	return otel.Tracer("worker").Start(ctx, "pipeline.run",
		trace.WithAttributes(
			attribute.String("tenant.id", tenantID),
			attribute.String("job.id", jobID),
		),
	)
}

// StartStageSpan wraps a single pipeline stage (one LLM round trip).
func StartStageSpan(ctx context.Context, stage string) (context.Context, trace.Span) {
	return otel.Tracer("worker").Start(ctx, "pipeline.stage",
		trace.WithAttributes(attribute.String("stage", stage)),
	)
}

// RecordError records an error on the span if one exists in the context.
func RecordError(ctx context.Context, err error) {
	span := trace.SpanFromContext(ctx)
	if span.IsRecording() && err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}

// SetSpanSuccess marks the span as successful.
func SetSpanSuccess(ctx context.Context) {
	span := trace.SpanFromContext(ctx)
	if span.IsRecording() {
		span.SetStatus(codes.Ok, "success")
	}
}

// AddEvent adds an event to the current span.
func AddEvent(ctx context.Context, name string, attrs ...attribute.KeyValue) {
	span := trace.SpanFromContext(ctx)
	if span.IsRecording() {
		span.AddEvent(name, trace.WithAttributes(attrs...))
	}
}

// TracerShutdown gracefully shuts down the tracer provider.
func TracerShutdown(ctx context.Context, tp *sdktrace.TracerProvider) error {
	if tp == nil {
		return nil
	}
	return tp.Shutdown(ctx)
}

// KeyValue creates an attribute key-value pair for use in spans and events.
func KeyValue(key string, value interface{}) attribute.KeyValue {
	switch v := value.(type) {
	case string:
		return attribute.String(key, v)
	case int:
		return attribute.Int(key, v)
	case int64:
		return attribute.Int64(key, v)
	case float64:
		return attribute.Float64(key, v)
	case bool:
		return attribute.Bool(key, v)
	default:
		return attribute.String(key, fmt.Sprintf("%v", v))
	}
}
