// Package entity provides the embeddable base for persistent entities that
// raise domain events.
package entity

import (
	"github.com/google/uuid"

	"github.com/randalmurphal/eventual/pkg/eventual/event"
)

// Tracked is what a persistence session needs from an entity to collect the
// events it raised.
type Tracked interface {
	EntityID() uuid.UUID
	PopEvents() []event.Event
}

// Base is embedded by entities. It is not safe for concurrent use; an entity
// belongs to one unit of work at a time.
type Base struct {
	ID     uuid.UUID `json:"id"`
	events []event.Event
}

// NewBase returns a Base with a fresh random ID.
func NewBase() Base {
	return Base{ID: uuid.New()}
}

// EntityID returns the entity identifier.
func (b *Base) EntityID() uuid.UUID {
	return b.ID
}

// Raise appends evt to the entity's event log.
func (b *Base) Raise(evt event.Event) {
	if evt == nil {
		return
	}
	b.events = append(b.events, evt)
}

// PopEvents returns the event log in raise order and clears it.
func (b *Base) PopEvents() []event.Event {
	out := b.events
	b.events = nil
	return out
}

// PendingCount returns the number of events raised but not yet popped.
func (b *Base) PendingCount() int {
	return len(b.events)
}
