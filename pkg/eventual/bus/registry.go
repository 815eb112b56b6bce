package bus

import (
	"context"
	"errors"
	"fmt"

	"github.com/randalmurphal/eventual/pkg/eventual/event"
)

// ErrDuplicateBinding is returned when an (event type, handler) pair is bound twice.
var ErrDuplicateBinding = errors.New("duplicate binding")

// Subscriber starts consumers. *Client satisfies it.
type Subscriber interface {
	Subscribe(ctx context.Context, eventType string, decode event.DecodeFunc) error
}

// Registrar registers in-process handlers. *event.Dispatcher satisfies it.
type Registrar interface {
	Register(handler event.Handler, opts ...event.HandlerOption)
}

type binding struct {
	eventType string
	handler   event.Handler
}

// Registry is the startup table of event type to handler bindings. Each
// event type gets one decoder and one consumer no matter how many handlers
// are bound to it.
type Registry struct {
	decoders map[string]event.DecodeFunc
	order    []string
	bindings []binding
	seen     map[string]struct{}
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		decoders: make(map[string]event.DecodeFunc),
		seen:     make(map[string]struct{}),
	}
}

// Bind registers h for eventType, whose payload decodes as T. The first Bind
// for a type fixes its decoder. Binding the same pair twice fails; pairs are
// identified by event.HandlerName.
func Bind[T any](r *Registry, eventType string, h event.Handler) error {
	if eventType == "" {
		return errors.New("bind: empty event type")
	}
	if h == nil {
		return fmt.Errorf("bind %s: nil handler", eventType)
	}
	pair := eventType + "\x00" + event.HandlerName(h)
	if _, dup := r.seen[pair]; dup {
		return fmt.Errorf("bind %s to %s: %w", event.HandlerName(h), eventType, ErrDuplicateBinding)
	}
	r.seen[pair] = struct{}{}

	if _, ok := r.decoders[eventType]; !ok {
		r.decoders[eventType] = event.Decoder[T](eventType)
		r.order = append(r.order, eventType)
	}
	r.bindings = append(r.bindings, binding{eventType: eventType, handler: h})
	return nil
}

// EventTypes returns the bound event types in first-bind order.
func (r *Registry) EventTypes() []string {
	return append([]string(nil), r.order...)
}

// Apply registers every handler with reg, then subscribes each event type once.
func (r *Registry) Apply(ctx context.Context, sub Subscriber, reg Registrar) error {
	for _, b := range r.bindings {
		reg.Register(event.For(b.eventType, b.handler))
	}
	for _, eventType := range r.order {
		if err := sub.Subscribe(ctx, eventType, r.decoders[eventType]); err != nil {
			return fmt.Errorf("subscribe %s: %w", eventType, err)
		}
	}
	return nil
}
