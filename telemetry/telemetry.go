// Package telemetry sets up OpenTelemetry tracing and starts the spans the
// client facade records around send, poll and commit.
package telemetry

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/kilpp/devops-pocs"

type Option func(*options)

type options struct {
	endpoint string
	exporter sdktrace.SpanExporter
}

// WithEndpoint of an OTLP gRPC collector (host:port, no TLS).
func WithEndpoint(endpoint string) Option {
	return func(o *options) { o.endpoint = endpoint }
}

// WithExporter exports spans synchronously to exp. For tests.
func WithExporter(exp sdktrace.SpanExporter) Option {
	return func(o *options) { o.exporter = exp }
}

// Init installs a global tracer provider. Call Shutdown on it to flush
// spans before exit.
func Init(ctx context.Context, opts ...Option) (*sdktrace.TracerProvider, error) {
	o := &options{}
	for _, opt := range opts {
		opt(o)
	}
	var tp *sdktrace.TracerProvider
	switch {
	case o.exporter != nil:
		tp = sdktrace.NewTracerProvider(sdktrace.WithSyncer(o.exporter))
	case o.endpoint != "":
		exp, err := otlptracegrpc.New(ctx,
			otlptracegrpc.WithEndpoint(o.endpoint),
			otlptracegrpc.WithInsecure(),
		)
		if err != nil {
			return nil, fmt.Errorf("error creating otlp exporter: %w", err)
		}
		tp = sdktrace.NewTracerProvider(sdktrace.WithBatcher(exp))
	default:
		return nil, errors.New("no otlp endpoint or exporter")
	}
	otel.SetTracerProvider(tp)
	return tp, nil
}

func Tracer() trace.Tracer {
	return otel.Tracer(instrumentationName)
}

func StartProduceSpan(ctx context.Context, topic string) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "kafka.produce",
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			attribute.String("messaging.system", "kafka"),
			attribute.String("messaging.destination.name", topic),
		),
	)
}

// EndProduceSpan records the delivery result of a record on span and ends it.
// An offset below 0 (not acknowledged) is left out.
func EndProduceSpan(span trace.Span, partition int32, offset int64, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		span.End()
		return
	}
	span.SetAttributes(attribute.Int("messaging.destination.partition.id", int(partition)))
	if offset >= 0 {
		span.SetAttributes(attribute.Int64("messaging.kafka.offset", offset))
	}
	span.End()
}

func StartPollSpan(ctx context.Context, group string) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "kafka.poll",
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("messaging.system", "kafka"),
			attribute.String("messaging.consumer.group.name", group),
		),
	)
}

func StartCommitSpan(ctx context.Context, group string) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "kafka.commit",
		trace.WithAttributes(
			attribute.String("messaging.system", "kafka"),
			attribute.String("messaging.consumer.group.name", group),
		),
	)
}
