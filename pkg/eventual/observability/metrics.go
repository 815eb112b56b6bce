package observability

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Routing modes recorded by RecordRouted.
const (
	ModeBuffered   = "buffered"
	ModeDispatched = "dispatched"
	ModePublished  = "published"
)

// Delivery outcomes recorded by RecordDelivery.
const (
	OutcomeAcked        = "acked"
	OutcomeRetried      = "retried"
	OutcomeDeadLettered = "dead_lettered"
	OutcomeDuplicate    = "duplicate"
)

// MetricsRecorder records event-dispatch metrics.
// Use NewMetricsRecorder() for OTel metrics or NoopMetrics{} when disabled.
type MetricsRecorder interface {
	// RecordRouted records one routing decision.
	RecordRouted(ctx context.Context, eventType, kind, mode string)

	// RecordPublish records one broker publish attempt.
	RecordPublish(ctx context.Context, eventType string, err error)

	// RecordDelivery records the outcome of one consumed delivery.
	RecordDelivery(ctx context.Context, eventType, outcome string)

	// RecordUnitOfWork records a finished unit of work by terminal state.
	RecordUnitOfWork(ctx context.Context, state string, duration time.Duration)
}

type otelMetrics struct {
	routed        metric.Int64Counter
	published     metric.Int64Counter
	publishErrors metric.Int64Counter
	deliveries    metric.Int64Counter
	uowCompleted  metric.Int64Counter
	uowLatency    metric.Float64Histogram
}

var (
	defaultMetrics     *otelMetrics
	defaultMetricsOnce sync.Once
	defaultMetricsErr  error
)

func getDefaultMetrics() (*otelMetrics, error) {
	defaultMetricsOnce.Do(func() {
		defaultMetrics, defaultMetricsErr = newOtelMetrics()
	})
	return defaultMetrics, defaultMetricsErr
}

func newOtelMetrics() (*otelMetrics, error) {
	meter := otel.Meter("eventual")

	routed, err := meter.Int64Counter("eventual.events.routed",
		metric.WithDescription("Number of events routed by the mediator"),
	)
	if err != nil {
		return nil, err
	}

	published, err := meter.Int64Counter("eventual.bus.published",
		metric.WithDescription("Number of integration events published to the broker"),
	)
	if err != nil {
		return nil, err
	}

	publishErrors, err := meter.Int64Counter("eventual.bus.publish_errors",
		metric.WithDescription("Number of failed broker publishes"),
	)
	if err != nil {
		return nil, err
	}

	deliveries, err := meter.Int64Counter("eventual.bus.deliveries",
		metric.WithDescription("Number of consumed deliveries by outcome"),
	)
	if err != nil {
		return nil, err
	}

	uowCompleted, err := meter.Int64Counter("eventual.uow.completed",
		metric.WithDescription("Number of finished units of work by terminal state"),
	)
	if err != nil {
		return nil, err
	}

	uowLatency, err := meter.Float64Histogram("eventual.uow.latency_ms",
		metric.WithDescription("Unit of work latency in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}

	return &otelMetrics{
		routed:        routed,
		published:     published,
		publishErrors: publishErrors,
		deliveries:    deliveries,
		uowCompleted:  uowCompleted,
		uowLatency:    uowLatency,
	}, nil
}

// NewMetricsRecorder returns a MetricsRecorder backed by the global OTel meter
// provider, or a no-op recorder if the instruments cannot be created.
// Set the provider with otel.SetMeterProvider before the first call.
func NewMetricsRecorder() MetricsRecorder {
	m, err := getDefaultMetrics()
	if err != nil {
		slog.Warn("metrics initialization failed, using no-op recorder",
			slog.String("error", err.Error()))
		return NoopMetrics{}
	}
	return m
}

func (m *otelMetrics) RecordRouted(ctx context.Context, eventType, kind, mode string) {
	m.routed.Add(ctx, 1, metric.WithAttributes(
		attribute.String("event_type", eventType),
		attribute.String("kind", kind),
		attribute.String("mode", mode),
	))
}

func (m *otelMetrics) RecordPublish(ctx context.Context, eventType string, err error) {
	attrs := metric.WithAttributes(attribute.String("event_type", eventType))
	if err != nil {
		m.publishErrors.Add(ctx, 1, attrs)
		return
	}
	m.published.Add(ctx, 1, attrs)
}

func (m *otelMetrics) RecordDelivery(ctx context.Context, eventType, outcome string) {
	m.deliveries.Add(ctx, 1, metric.WithAttributes(
		attribute.String("event_type", eventType),
		attribute.String("outcome", outcome),
	))
}

func (m *otelMetrics) RecordUnitOfWork(ctx context.Context, state string, duration time.Duration) {
	attrs := metric.WithAttributes(attribute.String("state", state))
	m.uowCompleted.Add(ctx, 1, attrs)
	m.uowLatency.Record(ctx, float64(duration.Microseconds())/1000.0, attrs)
}

// NoopMetrics discards every measurement.
type NoopMetrics struct{}

var _ MetricsRecorder = NoopMetrics{}

func (NoopMetrics) RecordRouted(context.Context, string, string, string)    {}
func (NoopMetrics) RecordPublish(context.Context, string, error)            {}
func (NoopMetrics) RecordDelivery(context.Context, string, string)          {}
func (NoopMetrics) RecordUnitOfWork(context.Context, string, time.Duration) {}
