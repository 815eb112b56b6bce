package uow

import (
	"context"
	"errors"
	"sync"
)

// Mode distinguishes interactive requests from background work.
type Mode int

const (
	// Background scopes dispatch events immediately and commit per notification.
	Background Mode = iota
	// Interactive scopes buffer events until the orchestrator flushes them.
	Interactive
)

// String returns the mode name.
func (m Mode) String() string {
	switch m {
	case Background:
		return "background"
	case Interactive:
		return "interactive"
	default:
		return "unknown"
	}
}

// ErrFailed is recorded by Fail when no cause is given.
var ErrFailed = errors.New("unit of work marked failed")

// Scope is the per-request unit of work.
type Scope struct {
	mode    Mode
	session Session

	mu        sync.Mutex
	buffer    *Buffer
	failure   error
	committed bool
}

// NewScope creates a scope. session may be nil for work without persistence.
func NewScope(mode Mode, session Session) *Scope {
	return &Scope{mode: mode, session: session}
}

// Mode returns the scope mode. It never changes.
func (s *Scope) Mode() Mode { return s.mode }

// Session returns the bound session, or nil.
func (s *Scope) Session() Session { return s.session }

// Buffer returns the scope's event buffer, creating it on first use.
func (s *Scope) Buffer() *Buffer {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.buffer == nil {
		s.buffer = &Buffer{}
	}
	return s.buffer
}

// Fail marks the scope failed. The first recorded failure wins.
func (s *Scope) Fail(err error) {
	if err == nil {
		err = ErrFailed
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failure == nil {
		s.failure = err
	}
}

// Failure returns the recorded failure, or nil.
func (s *Scope) Failure() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failure
}

// MarkCommitted records that the session committed at least once.
func (s *Scope) MarkCommitted() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.committed = true
}

// Committed reports whether the session committed at least once.
func (s *Scope) Committed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.committed
}

// Discard drops any buffered events.
func (s *Scope) Discard() {
	s.mu.Lock()
	b := s.buffer
	s.mu.Unlock()
	if b != nil {
		b.Discard()
	}
}

type scopeKey struct{}

// WithScope returns ctx carrying s.
func WithScope(ctx context.Context, s *Scope) context.Context {
	return context.WithValue(ctx, scopeKey{}, s)
}

// FromContext returns the scope carried by ctx.
func FromContext(ctx context.Context) (*Scope, bool) {
	s, ok := ctx.Value(scopeKey{}).(*Scope)
	return s, ok && s != nil
}

// IsInteractive reports whether ctx belongs to an interactive scope. A context
// without a scope is background.
func IsInteractive(ctx context.Context) bool {
	s, ok := FromContext(ctx)
	return ok && s.mode == Interactive
}

// Fail marks the scope carried by ctx failed so its unit of work rolls back
// instead of committing. It reports whether a scope was found.
func Fail(ctx context.Context, err error) bool {
	s, ok := FromContext(ctx)
	if !ok {
		return false
	}
	s.Fail(err)
	return true
}
