package idempotency

import (
	"context"
	"sync"
	"time"
)

// MemoryGuard keeps claims in process memory. Expired claims are swept by a
// janitor goroutine that stops on Close.
type MemoryGuard struct {
	ttl time.Duration
	now func() time.Time

	mu      sync.Mutex
	claims  map[string]time.Time
	closed  bool
	closeCh chan struct{}
}

// NewMemoryGuard creates a guard that forgets claims after ttl.
// A non-positive ttl uses DefaultTTL.
func NewMemoryGuard(ttl time.Duration) *MemoryGuard {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	g := &MemoryGuard{
		ttl:     ttl,
		now:     time.Now,
		claims:  make(map[string]time.Time),
		closeCh: make(chan struct{}),
	}
	go g.janitor()
	return g
}

// Claim records key unless an unexpired claim exists.
func (g *MemoryGuard) Claim(_ context.Context, key string) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.closed {
		return false, ErrGuardClosed
	}
	now := g.now()
	if at, ok := g.claims[key]; ok && now.Sub(at) < g.ttl {
		return false, nil
	}
	g.claims[key] = now
	return true, nil
}

// Release forgets key.
func (g *MemoryGuard) Release(_ context.Context, key string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.closed {
		return ErrGuardClosed
	}
	delete(g.claims, key)
	return nil
}

// Len returns the number of claims held, expired or not.
func (g *MemoryGuard) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.claims)
}

// Close stops the janitor.
func (g *MemoryGuard) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.closed {
		g.closed = true
		close(g.closeCh)
	}
	return nil
}

func (g *MemoryGuard) sweep() {
	g.mu.Lock()
	defer g.mu.Unlock()

	cutoff := g.now().Add(-g.ttl)
	for key, at := range g.claims {
		if !at.After(cutoff) {
			delete(g.claims, key)
		}
	}
}

func (g *MemoryGuard) janitor() {
	ticker := time.NewTicker(g.ttl / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			g.sweep()
		case <-g.closeCh:
			return
		}
	}
}
