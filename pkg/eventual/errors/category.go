// Package errors classifies event-dispatch failures and retries transient ones.
//
// Every failure raised by the dispatch pipeline carries one of the typed errors
// in this package (transport, serialization, handler, commit, post-commit
// publish), so callers can branch with errors.As and decide whether a retry
// can help with Categorize or IsRetryable.
package errors

import (
	"context"
	"errors"
	"fmt"
)

// Category represents how an error should be handled.
type Category int

const (
	// CategoryTransient indicates a retry will likely help.
	// Examples: broker connection drops, channel flow control.
	CategoryTransient Category = iota

	// CategoryPermanent indicates a retry won't help.
	// Examples: malformed payloads, handler business rule violations.
	CategoryPermanent
)

// String returns the category name.
func (c Category) String() string {
	switch c {
	case CategoryTransient:
		return "transient"
	case CategoryPermanent:
		return "permanent"
	default:
		return "unknown"
	}
}

// CategorizedError wraps an error with its category and the attempt count.
type CategorizedError struct {
	Err      error
	Category Category
	Attempts int
	Op       string
}

// Error implements the error interface.
func (e *CategorizedError) Error() string {
	if e.Op != "" {
		return fmt.Sprintf("%s: %s (%s after %d attempts)", e.Op, e.Err, e.Category, e.Attempts)
	}
	return fmt.Sprintf("%s (%s after %d attempts)", e.Err, e.Category, e.Attempts)
}

// Unwrap returns the underlying error.
func (e *CategorizedError) Unwrap() error {
	return e.Err
}

// NewCategorized creates a new categorized error.
func NewCategorized(err error, category Category, op string) *CategorizedError {
	return &CategorizedError{Err: err, Category: category, Op: op}
}

// Transient marks err as worth retrying.
func Transient(err error, op string) *CategorizedError {
	return NewCategorized(err, CategoryTransient, op)
}

// Permanent marks err as not worth retrying.
func Permanent(err error, op string) *CategorizedError {
	return NewCategorized(err, CategoryPermanent, op)
}

// Categorize determines how an error should be handled.
// Unknown errors are permanent.
func Categorize(err error) Category {
	if err == nil {
		return CategoryPermanent
	}

	var catErr *CategorizedError
	if errors.As(err, &catErr) {
		return catErr.Category
	}

	var transportErr *TransportError
	if errors.As(err, &transportErr) {
		if transportErr.Permanent {
			return CategoryPermanent
		}
		return CategoryTransient
	}

	var postCommitErr *PostCommitPublishFailure
	if errors.As(err, &postCommitErr) {
		return CategoryTransient
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return CategoryTransient
	}

	return CategoryPermanent
}

// IsRetryable reports whether the error should be retried.
func IsRetryable(err error) bool {
	return Categorize(err) == CategoryTransient
}
