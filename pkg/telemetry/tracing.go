// Package telemetry configures OpenTelemetry tracing for the engine.
//
// Spans follow the OTel GenAI semantic conventions where applicable:
//   - gen_ai.request.model: the model name
//
// Custom span attributes use the `ensemble.` prefix.
package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "ensemblekit.dev/engine"

// Tracer returns the package-level tracer.
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// InitTraceProvider initialises the OTel trace provider with an OTLP
// gRPC exporter. If endpoint is empty, tracing is disabled (noop
// provider is used). Returns a shutdown function that must be called on
// application exit.
func InitTraceProvider(ctx context.Context, endpoint string, version string) (func(context.Context) error, error) {
	if endpoint == "" {
		return func(context.Context) error { return nil }, nil
	}

	exporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(endpoint),
		otlptracegrpc.WithInsecure(), // TLS configurable via env (OTEL_EXPORTER_OTLP_INSECURE)
	)
	if err != nil {
		return nil, fmt.Errorf("create OTLP exporter: %w", err)
	}

	res, err := resource.New(ctx,
		resource.WithHost(),
		resource.WithAttributes(
			semconv.ServiceNameKey.String("ensemble"),
			semconv.ServiceVersionKey.String(version),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("create resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	)

	otel.SetTracerProvider(tp)

	return tp.Shutdown, nil
}

// --- Span helpers ---

// StartClusterSpan creates the parent span for a cluster run.
func StartClusterSpan(ctx context.Context, clusterID string, agents int) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "cluster.run",
		trace.WithAttributes(
			attribute.String("ensemble.cluster_id", clusterID),
			attribute.Int("ensemble.agents", agents),
		),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// StartTaskSpan creates a child span for one agent task execution.
func StartTaskSpan(ctx context.Context, agent, model string, iteration int) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "agent.task",
		trace.WithAttributes(
			attribute.String("ensemble.agent", agent),
			attribute.String("gen_ai.request.model", model),
			attribute.Int("ensemble.iteration", iteration),
		),
		trace.WithSpanKind(trace.SpanKindClient),
	)
}

// EndTaskSpan enriches the task span with its outcome.
func EndTaskSpan(span trace.Span, success bool, outputBytes int) {
	span.SetAttributes(
		attribute.Bool("ensemble.success", success),
		attribute.Int("ensemble.output_bytes", outputBytes),
	)
	span.End()
}

// StartTriggerSpan creates a child span for one trigger evaluation.
func StartTriggerSpan(ctx context.Context, agent, topic string) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "trigger.evaluate",
		trace.WithAttributes(
			attribute.String("ensemble.agent", agent),
			attribute.String("ensemble.topic", topic),
		),
	)
}
