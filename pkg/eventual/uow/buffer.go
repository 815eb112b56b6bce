package uow

import (
	"sync"

	"github.com/randalmurphal/eventual/pkg/eventual/event"
)

// Buffer holds the events raised inside an interactive scope until the
// orchestrator flushes them. Domain and integration events are kept in
// separate FIFO queues. Safe for concurrent use.
type Buffer struct {
	mu          sync.Mutex
	domain      []event.Event
	integration []event.Event
}

// Enqueue appends evt to the queue of its kind.
func (b *Buffer) Enqueue(evt event.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if evt.Kind() == event.KindIntegration {
		b.integration = append(b.integration, evt)
		return
	}
	b.domain = append(b.domain, evt)
}

// NextDomain removes and returns the oldest buffered domain event.
func (b *Buffer) NextDomain() (event.Event, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return pop(&b.domain)
}

// NextIntegration removes and returns the oldest buffered integration event.
func (b *Buffer) NextIntegration() (event.Event, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return pop(&b.integration)
}

func pop(q *[]event.Event) (event.Event, bool) {
	if len(*q) == 0 {
		return nil, false
	}
	evt := (*q)[0]
	(*q)[0] = nil
	*q = (*q)[1:]
	return evt, true
}

// Len returns the number of buffered domain and integration events.
func (b *Buffer) Len() (domain, integration int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.domain), len(b.integration)
}

// Discard drops everything buffered.
func (b *Buffer) Discard() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.domain = nil
	b.integration = nil
}
