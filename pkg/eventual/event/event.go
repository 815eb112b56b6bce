package event

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Kind separates in-process domain events from cross-service integration events.
type Kind int

const (
	// KindDomain events are dispatched in-process, inside the unit of work.
	KindDomain Kind = iota
	// KindIntegration events are published to the bus after the unit of work commits.
	KindIntegration
)

// String returns the kind name used in serialized metadata.
func (k Kind) String() string {
	switch k {
	case KindDomain:
		return "domain"
	case KindIntegration:
		return "integration"
	default:
		return "unknown"
	}
}

// MarshalText implements encoding.TextMarshaler.
func (k Kind) MarshalText() ([]byte, error) {
	if k != KindDomain && k != KindIntegration {
		return nil, fmt.Errorf("invalid event kind %d", int(k))
	}
	return []byte(k.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (k *Kind) UnmarshalText(text []byte) error {
	switch string(text) {
	case "domain":
		*k = KindDomain
	case "integration":
		*k = KindIntegration
	default:
		return fmt.Errorf("invalid event kind %q", text)
	}
	return nil
}

// Event is an immutable notification. Type doubles as the bus routing key for
// integration events, so a type name must never be shared by both kinds.
type Event interface {
	ID() string
	Type() string
	Kind() Kind

	CorrelationID() string
	CausationID() string
	Timestamp() time.Time

	Data() any
}

// Metadata is the envelope written ahead of every payload.
type Metadata struct {
	EventID       string    `json:"id"`
	EventType     string    `json:"type"`
	EventKind     Kind      `json:"kind"`
	CorrelationID string    `json:"correlation_id"`
	CausationID   string    `json:"causation_id,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
}

// BaseEvent is the generic event implementation. T is the payload type.
type BaseEvent[T any] struct {
	Meta    Metadata `json:"metadata"`
	Payload T        `json:"payload"`
}

func (e *BaseEvent[T]) ID() string            { return e.Meta.EventID }
func (e *BaseEvent[T]) Type() string          { return e.Meta.EventType }
func (e *BaseEvent[T]) Kind() Kind            { return e.Meta.EventKind }
func (e *BaseEvent[T]) CorrelationID() string { return e.Meta.CorrelationID }
func (e *BaseEvent[T]) CausationID() string   { return e.Meta.CausationID }
func (e *BaseEvent[T]) Timestamp() time.Time  { return e.Meta.Timestamp }
func (e *BaseEvent[T]) Data() any             { return e.Payload }

// TypedData returns the strongly-typed payload.
func (e *BaseEvent[T]) TypedData() T {
	return e.Payload
}

// EventOption configures event creation.
type EventOption func(*eventConfig)

type eventConfig struct {
	id            string
	correlationID string
	causationID   string
	timestamp     time.Time
}

// WithEventID sets a specific event ID (default: a random UUID).
func WithEventID(id string) EventOption {
	return func(cfg *eventConfig) { cfg.id = id }
}

// WithCorrelationID sets the correlation ID.
func WithCorrelationID(id string) EventOption {
	return func(cfg *eventConfig) { cfg.correlationID = id }
}

// WithCausationID sets the ID of the causing event.
func WithCausationID(id string) EventOption {
	return func(cfg *eventConfig) { cfg.causationID = id }
}

// WithTimestamp sets the occurrence time (default: time.Now().UTC()).
func WithTimestamp(t time.Time) EventOption {
	return func(cfg *eventConfig) { cfg.timestamp = t }
}

// New builds an event of the given kind.
func New[T any](kind Kind, eventType string, payload T, opts ...EventOption) *BaseEvent[T] {
	cfg := &eventConfig{
		id:        uuid.New().String(),
		timestamp: time.Now().UTC(),
	}
	for _, opt := range opts {
		opt(cfg)
	}
	if cfg.correlationID == "" {
		cfg.correlationID = cfg.id
	}

	return &BaseEvent[T]{
		Meta: Metadata{
			EventID:       cfg.id,
			EventType:     eventType,
			EventKind:     kind,
			CorrelationID: cfg.correlationID,
			CausationID:   cfg.causationID,
			Timestamp:     cfg.timestamp,
		},
		Payload: payload,
	}
}

// NewDomain builds a domain event.
func NewDomain[T any](eventType string, payload T, opts ...EventOption) *BaseEvent[T] {
	return New(KindDomain, eventType, payload, opts...)
}

// NewIntegration builds an integration event.
func NewIntegration[T any](eventType string, payload T, opts ...EventOption) *BaseEvent[T] {
	return New(KindIntegration, eventType, payload, opts...)
}

// NewFromParent builds an event caused by parent. It inherits the parent's
// correlation ID and records the parent as its cause; opts may override both.
func NewFromParent[T any](parent Event, kind Kind, eventType string, payload T, opts ...EventOption) *BaseEvent[T] {
	all := append([]EventOption{
		WithCorrelationID(parent.CorrelationID()),
		WithCausationID(parent.ID()),
	}, opts...)
	return New(kind, eventType, payload, all...)
}

// Handler reacts to events. Handlers that need to raise further events do so
// through the mediator carried by their own wiring.
type Handler interface {
	Handle(ctx context.Context, evt Event) error

	// Handles returns the event types this handler processes.
	// An empty slice means the handler accepts all event types.
	Handles() []string
}

// HandlerFunc adapts a function to the Handler interface. It accepts all event types.
type HandlerFunc func(ctx context.Context, evt Event) error

// Handle implements Handler.
func (f HandlerFunc) Handle(ctx context.Context, evt Event) error {
	return f(ctx, evt)
}

// Handles returns nil (accepts all event types).
func (f HandlerFunc) Handles() []string {
	return nil
}

// For restricts h to a single event type.
func For(eventType string, h Handler) Handler {
	return &scopedHandler{eventType: eventType, next: h}
}

type scopedHandler struct {
	eventType string
	next      Handler
}

func (h *scopedHandler) Handle(ctx context.Context, evt Event) error {
	return h.next.Handle(ctx, evt)
}

func (h *scopedHandler) Handles() []string { return []string{h.eventType} }

func (h *scopedHandler) Name() string { return HandlerName(h.next) }

// Named attaches a stable name to h for logs, metrics and binding identity.
func Named(name string, h Handler) Handler {
	return &namedHandler{name: name, Handler: h}
}

type namedHandler struct {
	name string
	Handler
}

func (h *namedHandler) Name() string { return h.name }

// HandlerName returns the handler's Name() if it has one, else its Go type.
func HandlerName(h Handler) string {
	if n, ok := h.(interface{ Name() string }); ok {
		return n.Name()
	}
	return fmt.Sprintf("%T", h)
}

// TypedHandler wraps a function handling a specific payload type.
func TypedHandler[T any](
	eventTypes []string,
	fn func(ctx context.Context, payload T, meta Metadata) error,
) Handler {
	return &typedHandler[T]{eventTypes: eventTypes, fn: fn}
}

type typedHandler[T any] struct {
	eventTypes []string
	fn         func(ctx context.Context, payload T, meta Metadata) error
}

func (h *typedHandler[T]) Handle(ctx context.Context, evt Event) error {
	var payload T

	switch d := evt.Data().(type) {
	case T:
		payload = d
	case map[string]any, json.RawMessage:
		raw, err := json.Marshal(d)
		if err != nil {
			return &EventError{Event: evt, Message: "re-encode payload", Err: err}
		}
		if err := json.Unmarshal(raw, &payload); err != nil {
			return &EventError{Event: evt, Message: "payload does not match handler type", Err: err}
		}
	default:
		return &EventError{Event: evt, Message: fmt.Sprintf("unexpected payload type %T", d)}
	}

	return h.fn(ctx, payload, MetadataOf(evt))
}

func (h *typedHandler[T]) Handles() []string {
	return h.eventTypes
}

// MetadataOf copies the envelope fields of any event.
func MetadataOf(evt Event) Metadata {
	return Metadata{
		EventID:       evt.ID(),
		EventType:     evt.Type(),
		EventKind:     evt.Kind(),
		CorrelationID: evt.CorrelationID(),
		CausationID:   evt.CausationID(),
		Timestamp:     evt.Timestamp(),
	}
}

// MiddlewareFunc wraps handlers to add cross-cutting concerns.
type MiddlewareFunc func(next Handler) Handler

// ChainMiddleware applies middleware in order, with the first middleware outermost.
func ChainMiddleware(handler Handler, middleware ...MiddlewareFunc) Handler {
	for i := len(middleware) - 1; i >= 0; i-- {
		handler = middleware[i](handler)
	}
	return handler
}
