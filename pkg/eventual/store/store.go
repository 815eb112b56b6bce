// Package store provides reference persistence sessions for the unit of work:
// a SQLite-backed session over database/sql and an in-memory key/value session.
//
// Both track entities and hand their raised domain events to the orchestrator
// through PendingDomainEvents.
package store

import "errors"

var (
	// ErrNotFound indicates a key does not exist.
	ErrNotFound = errors.New("not found")

	// ErrStoreClosed indicates the store has been closed.
	ErrStoreClosed = errors.New("store closed")
)
