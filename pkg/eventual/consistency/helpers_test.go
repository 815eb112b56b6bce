package consistency_test

import (
	"context"
	"fmt"
	"sync"

	"github.com/randalmurphal/eventual/pkg/eventual/event"
	"github.com/randalmurphal/eventual/pkg/eventual/store"
)

// timeline records the order of commits, rollbacks, dispatches and publishes.
type timeline struct {
	mu    sync.Mutex
	steps []string
}

func (t *timeline) add(format string, args ...any) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.steps = append(t.steps, fmt.Sprintf(format, args...))
}

func (t *timeline) all() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.steps...)
}

func (t *timeline) count(step string) int {
	n := 0
	for _, s := range t.all() {
		if s == step {
			n++
		}
	}
	return n
}

type fakeSession struct {
	store.Tracker
	tl        *timeline
	commitErr error
	pendErr   error
}

func (s *fakeSession) Commit(context.Context) (bool, error) {
	if s.commitErr != nil {
		s.tl.add("commit-failed")
		return false, s.commitErr
	}
	s.tl.add("commit")
	return true, nil
}

func (s *fakeSession) Rollback(context.Context) {
	s.tl.add("rollback")
}

func (s *fakeSession) PendingDomainEvents(ctx context.Context) ([]event.Event, error) {
	if s.pendErr != nil {
		return nil, s.pendErr
	}
	return s.Tracker.PendingDomainEvents(ctx)
}

type fakePublisher struct {
	tl   *timeline
	fail map[string]error
}

func (p *fakePublisher) Publish(_ context.Context, evt event.Event) error {
	if err := p.fail[evt.Type()]; err != nil {
		p.tl.add("publish-failed:%s", evt.Type())
		return err
	}
	p.tl.add("publish:%s", evt.Type())
	return nil
}
