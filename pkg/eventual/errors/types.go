package errors

import (
	"errors"
	"fmt"
)

var (
	// ErrNilEvent is returned when a nil event is routed, dispatched or published.
	ErrNilEvent = errors.New("event is nil")

	// ErrUnknownKind is returned when an event carries neither the domain nor the integration kind.
	ErrUnknownKind = errors.New("unknown event kind")

	// ErrNotIntegrationEvent is returned when a domain event is handed to the bus.
	ErrNotIntegrationEvent = errors.New("only integration events can be published to the bus")

	// ErrNoPublisher is returned when an integration event must leave the process
	// but no bus client is configured.
	ErrNoPublisher = errors.New("no integration event publisher configured")
)

// TransportError reports a broker-level failure: dial, declare, publish, consume or ack.
type TransportError struct {
	Op        string
	Err       error
	Permanent bool
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// SerializationError reports an event that could not be encoded or decoded.
type SerializationError struct {
	EventType string
	Err       error
}

func (e *SerializationError) Error() string {
	if e.EventType == "" {
		return fmt.Sprintf("serialization: %v", e.Err)
	}
	return fmt.Sprintf("serialization of %s: %v", e.EventType, e.Err)
}

func (e *SerializationError) Unwrap() error {
	return e.Err
}

// HandlerFailure reports an error returned (or a panic raised) by an event handler.
type HandlerFailure struct {
	EventType string
	EventID   string
	Handler   string
	Err       error
}

func (e *HandlerFailure) Error() string {
	return fmt.Sprintf("handler %s failed on %s (%s): %v", e.Handler, e.EventType, e.EventID, e.Err)
}

func (e *HandlerFailure) Unwrap() error {
	return e.Err
}

// CommitFailure reports a unit of work that could not be committed.
type CommitFailure struct {
	Err error
}

func (e *CommitFailure) Error() string {
	return fmt.Sprintf("commit: %v", e.Err)
}

func (e *CommitFailure) Unwrap() error {
	return e.Err
}

// PostCommitPublishFailure reports an integration event that was not published
// after its unit of work had already committed. The state change stands; only
// the announcement is lost.
type PostCommitPublishFailure struct {
	EventType string
	EventID   string
	Err       error
}

func (e *PostCommitPublishFailure) Error() string {
	return fmt.Sprintf("publish %s (%s) after commit: %v", e.EventType, e.EventID, e.Err)
}

func (e *PostCommitPublishFailure) Unwrap() error {
	return e.Err
}
