// Package uow carries the request-scoped unit of work through a context.
//
// A Scope binds one persistence Session to one logical request and records
// whether that request is interactive or background. Interactive scopes own a
// Buffer of pending events that the orchestrator flushes around the commit.
// Background scopes have no buffer: events are dispatched immediately and the
// CommitHandler commits after each notification.
//
// Scopes are never shared between requests; each HTTP request, job run and bus
// delivery gets its own.
package uow
