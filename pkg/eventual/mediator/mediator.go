// Package mediator routes raised events according to the scope they were
// raised in.
//
// Inside an interactive scope every event is buffered for the orchestrator,
// which dispatches domain events before the commit and publishes integration
// events after it. Outside one (background jobs, bus deliveries) domain events
// are dispatched in-process at once and integration events go straight to the
// publisher.
package mediator

import (
	"context"
	"log/slog"

	everrors "github.com/randalmurphal/eventual/pkg/eventual/errors"
	"github.com/randalmurphal/eventual/pkg/eventual/event"
	"github.com/randalmurphal/eventual/pkg/eventual/observability"
	"github.com/randalmurphal/eventual/pkg/eventual/uow"
)

// Dispatcher delivers an event to in-process handlers.
type Dispatcher interface {
	Dispatch(ctx context.Context, evt event.Event) error
}

// Publisher sends an integration event to the bus.
type Publisher interface {
	Publish(ctx context.Context, evt event.Event) error
}

// Mediator is the single entry point application code uses to raise events.
type Mediator struct {
	dispatcher Dispatcher
	publisher  Publisher
	logger     *slog.Logger
	metrics    observability.MetricsRecorder
}

// Option configures a Mediator.
type Option func(*Mediator)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Mediator) { m.logger = logger }
}

// WithMetrics sets the metrics recorder.
func WithMetrics(metrics observability.MetricsRecorder) Option {
	return func(m *Mediator) { m.metrics = metrics }
}

// New creates a mediator. publisher may be nil for a service that never
// publishes integration events.
func New(dispatcher Dispatcher, publisher Publisher, opts ...Option) *Mediator {
	m := &Mediator{
		dispatcher: dispatcher,
		publisher:  publisher,
		logger:     slog.Default(),
		metrics:    observability.NoopMetrics{},
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// SetPublisher replaces the publisher. Call it during wiring only.
func (m *Mediator) SetPublisher(p Publisher) {
	m.publisher = p
}

// Publish routes evt. In an interactive scope it is buffered and Publish
// returns at once without running any handler. Otherwise a domain event is
// dispatched in-process and an integration event is published to the bus;
// their errors are returned.
func (m *Mediator) Publish(ctx context.Context, evt event.Event) error {
	if evt == nil {
		return everrors.ErrNilEvent
	}
	kind := evt.Kind()
	if kind != event.KindDomain && kind != event.KindIntegration {
		return &event.EventError{Event: evt, Message: "cannot route", Err: everrors.ErrUnknownKind}
	}

	if scope, ok := uow.FromContext(ctx); ok && scope.Mode() == uow.Interactive {
		scope.Buffer().Enqueue(evt)
		m.routed(ctx, evt, observability.ModeBuffered)
		return nil
	}

	if kind == event.KindDomain {
		m.routed(ctx, evt, observability.ModeDispatched)
		return m.dispatcher.Dispatch(ctx, evt)
	}

	if m.publisher == nil {
		return &event.EventError{Event: evt, Message: "cannot publish", Err: everrors.ErrNoPublisher}
	}
	m.routed(ctx, evt, observability.ModePublished)
	return m.publisher.Publish(ctx, evt)
}

// Dispatch delivers evt to in-process handlers immediately, bypassing any
// buffering. The orchestrator uses it while flushing domain events.
func (m *Mediator) Dispatch(ctx context.Context, evt event.Event) error {
	if evt == nil {
		return everrors.ErrNilEvent
	}
	m.routed(ctx, evt, observability.ModeDispatched)
	return m.dispatcher.Dispatch(ctx, evt)
}

func (m *Mediator) routed(ctx context.Context, evt event.Event, mode string) {
	observability.LogRouted(m.logger, evt.Type(), evt.Kind().String(), mode)
	m.metrics.RecordRouted(ctx, evt.Type(), evt.Kind().String(), mode)
}
