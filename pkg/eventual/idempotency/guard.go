// Package idempotency records which deliveries a consumer has already
// processed so redelivered messages are acknowledged without running handlers
// twice.
package idempotency

import (
	"context"
	"errors"
	"time"
)

// ErrGuardClosed is returned after Close.
var ErrGuardClosed = errors.New("idempotency guard is closed")

// DefaultTTL bounds how long a processed key is remembered.
const DefaultTTL = 24 * time.Hour

// Guard claims delivery keys.
type Guard interface {
	// Claim marks key as processed. It returns false if key was already claimed.
	Claim(ctx context.Context, key string) (bool, error)
	// Release forgets key so a later delivery can claim it again.
	Release(ctx context.Context, key string) error
}
