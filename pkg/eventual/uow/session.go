package uow

import (
	"context"

	"github.com/randalmurphal/eventual/pkg/eventual/event"
)

// Session is the persistence unit of work bound to one scope.
type Session interface {
	// Commit persists staged changes and reports whether anything changed.
	Commit(ctx context.Context) (bool, error)

	// Rollback discards staged changes. It is best-effort and safe to call
	// after Commit or more than once.
	Rollback(ctx context.Context)

	// PendingDomainEvents pops the events raised by tracked entities since the
	// last call. Each event is returned exactly once.
	PendingDomainEvents(ctx context.Context) ([]event.Event, error)
}

// Opener creates a fresh Session for one scope.
type Opener func(ctx context.Context) (Session, error)
