package event

import (
	"errors"
	"fmt"
)

// ErrMaxDepth is returned when synchronous dispatch nests deeper than the
// dispatcher allows, which usually means two handlers raise each other's events.
var ErrMaxDepth = errors.New("max dispatch depth exceeded")

// EventError represents an error while processing a specific event.
type EventError struct {
	Event   Event
	Handler string
	Message string
	Err     error
}

// Error implements the error interface.
func (e *EventError) Error() string {
	id := "<nil>"
	if e.Event != nil {
		id = e.Event.Type() + "/" + e.Event.ID()
	}
	if e.Err != nil {
		return fmt.Sprintf("event %s: %s: %v", id, e.Message, e.Err)
	}
	return fmt.Sprintf("event %s: %s", id, e.Message)
}

// Unwrap returns the underlying error.
func (e *EventError) Unwrap() error {
	return e.Err
}

// PanicError carries a value recovered from a panicking handler.
type PanicError struct {
	Value any
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("handler panic: %v", e.Value)
}
