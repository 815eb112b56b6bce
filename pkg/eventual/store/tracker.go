package store

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/randalmurphal/eventual/pkg/eventual/entity"
	"github.com/randalmurphal/eventual/pkg/eventual/event"
)

// Tracker remembers the entities touched by a session, in first-tracked order.
type Tracker struct {
	mu       sync.Mutex
	entities []entity.Tracked
	seen     map[uuid.UUID]struct{}
}

// Track adds e. Tracking the same entity twice is a no-op.
func (t *Tracker) Track(e entity.Tracked) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.seen == nil {
		t.seen = make(map[uuid.UUID]struct{})
	}
	if _, ok := t.seen[e.EntityID()]; ok {
		return
	}
	t.seen[e.EntityID()] = struct{}{}
	t.entities = append(t.entities, e)
}

// PendingDomainEvents pops every tracked entity's events, entity by entity.
func (t *Tracker) PendingDomainEvents(_ context.Context) ([]event.Event, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []event.Event
	for _, e := range t.entities {
		out = append(out, e.PopEvents()...)
	}
	return out, nil
}

// Reset forgets every tracked entity.
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entities = nil
	t.seen = nil
}
