package observability

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("eventual")

// SpanManager handles trace span lifecycle.
// Use NewSpanManager() for OTel tracing or NoopSpanManager{} when disabled.
type SpanManager interface {
	// StartUnitOfWorkSpan starts a span covering one interactive unit of work.
	StartUnitOfWorkSpan(ctx context.Context) (context.Context, trace.Span)

	// StartPublishSpan starts a producer span for one broker publish.
	StartPublishSpan(ctx context.Context, exchange, eventType, eventID string) (context.Context, trace.Span)

	// StartConsumeSpan starts a consumer span for one delivery.
	StartConsumeSpan(ctx context.Context, queue, eventType string, retryCount int) (context.Context, trace.Span)

	// EndSpanWithError completes a span, optionally recording an error.
	EndSpanWithError(span trace.Span, err error)

	// AddSpanEvent adds an event to the current span in context.
	AddSpanEvent(ctx context.Context, name string, attrs ...attribute.KeyValue)
}

type otelSpanManager struct{}

// NewSpanManager returns a SpanManager backed by the global OTel tracer provider.
func NewSpanManager() SpanManager {
	return &otelSpanManager{}
}

func (m *otelSpanManager) StartUnitOfWorkSpan(ctx context.Context) (context.Context, trace.Span) {
	return tracer.Start(ctx, "eventual.uow", trace.WithSpanKind(trace.SpanKindInternal))
}

func (m *otelSpanManager) StartPublishSpan(ctx context.Context, exchange, eventType, eventID string) (context.Context, trace.Span) {
	return tracer.Start(ctx, "eventual.publish",
		trace.WithAttributes(
			attribute.String("messaging.system", "rabbitmq"),
			attribute.String("messaging.destination.name", exchange),
			attribute.String("event.type", eventType),
			attribute.String("event.id", eventID),
		),
		trace.WithSpanKind(trace.SpanKindProducer),
	)
}

func (m *otelSpanManager) StartConsumeSpan(ctx context.Context, queue, eventType string, retryCount int) (context.Context, trace.Span) {
	return tracer.Start(ctx, "eventual.consume",
		trace.WithAttributes(
			attribute.String("messaging.system", "rabbitmq"),
			attribute.String("messaging.source.name", queue),
			attribute.String("event.type", eventType),
			attribute.Int("retry.count", retryCount),
		),
		trace.WithSpanKind(trace.SpanKindConsumer),
	)
}

func (m *otelSpanManager) EndSpanWithError(span trace.Span, err error) {
	EndSpanWithError(span, err)
}

func (m *otelSpanManager) AddSpanEvent(ctx context.Context, name string, attrs ...attribute.KeyValue) {
	span := trace.SpanFromContext(ctx)
	if !span.IsRecording() {
		return
	}
	span.AddEvent(name, trace.WithAttributes(attrs...))
}

// EndSpanWithError completes a span, optionally recording an error.
func EndSpanWithError(span trace.Span, err error) {
	if span == nil {
		return
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

// Inject writes the trace context of ctx into carrier using the global propagator.
func Inject(ctx context.Context, carrier propagation.TextMapCarrier) {
	otel.GetTextMapPropagator().Inject(ctx, carrier)
}

// Extract returns ctx extended with the trace context found in carrier.
func Extract(ctx context.Context, carrier propagation.TextMapCarrier) context.Context {
	return otel.GetTextMapPropagator().Extract(ctx, carrier)
}

// NoopSpanManager starts no spans. Each Start method returns ctx unchanged
// with the span already in it, so a trace context extracted from a delivery
// still reaches handlers.
type NoopSpanManager struct{}

var _ SpanManager = NoopSpanManager{}

func (NoopSpanManager) StartUnitOfWorkSpan(ctx context.Context) (context.Context, trace.Span) {
	return ctx, trace.SpanFromContext(ctx)
}

func (NoopSpanManager) StartPublishSpan(ctx context.Context, _, _, _ string) (context.Context, trace.Span) {
	return ctx, trace.SpanFromContext(ctx)
}

func (NoopSpanManager) StartConsumeSpan(ctx context.Context, _, _ string, _ int) (context.Context, trace.Span) {
	return ctx, trace.SpanFromContext(ctx)
}

// EndSpanWithError leaves the span open; it belongs to whoever started it.
func (NoopSpanManager) EndSpanWithError(trace.Span, error) {}

func (NoopSpanManager) AddSpanEvent(context.Context, string, ...attribute.KeyValue) {}
