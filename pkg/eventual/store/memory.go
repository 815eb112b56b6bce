package store

import (
	"context"
	"sort"
	"sync"

	"github.com/randalmurphal/eventual/pkg/eventual/uow"
)

// MemoryStore is an in-memory key/value store with unit-of-work sessions.
type MemoryStore struct {
	mu     sync.RWMutex
	data   map[string][]byte
	closed bool
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: make(map[string][]byte)}
}

// Begin opens a session with no staged writes.
func (s *MemoryStore) Begin(_ context.Context) (*MemorySession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}
	return &MemorySession{store: s}, nil
}

// Opener adapts Begin to uow.Opener.
func (s *MemoryStore) Opener() uow.Opener {
	return func(ctx context.Context) (uow.Session, error) {
		return s.Begin(ctx)
	}
}

// Get returns committed data for key.
func (s *MemoryStore) Get(key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}
	v, ok := s.data[key]
	if !ok {
		return nil, ErrNotFound
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out, nil
}

// Keys returns every committed key, sorted.
func (s *MemoryStore) Keys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]string, 0, len(s.data))
	for k := range s.data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Close marks the store closed and drops its data.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.data = nil
	return nil
}

type stagedWrite struct {
	value   []byte
	deleted bool
}

// MemorySession stages writes until Commit.
type MemorySession struct {
	Tracker

	store  *MemoryStore
	mu     sync.Mutex
	staged map[string]stagedWrite
	order  []string
}

var _ uow.Session = (*MemorySession)(nil)

func (s *MemorySession) stage(key string, w stagedWrite) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.staged == nil {
		s.staged = make(map[string]stagedWrite)
	}
	if _, ok := s.staged[key]; !ok {
		s.order = append(s.order, key)
	}
	s.staged[key] = w
}

// Put stages a write of value under key.
func (s *MemorySession) Put(key string, value []byte) {
	v := make([]byte, len(value))
	copy(v, value)
	s.stage(key, stagedWrite{value: v})
}

// Delete stages removal of key.
func (s *MemorySession) Delete(key string) {
	s.stage(key, stagedWrite{deleted: true})
}

// Get reads key, preferring this session's staged writes.
func (s *MemorySession) Get(key string) ([]byte, error) {
	s.mu.Lock()
	w, ok := s.staged[key]
	s.mu.Unlock()
	if ok {
		if w.deleted {
			return nil, ErrNotFound
		}
		return w.value, nil
	}
	return s.store.Get(key)
}

// Commit applies staged writes atomically and reports whether any were staged.
func (s *MemorySession) Commit(_ context.Context) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.staged) == 0 {
		return false, nil
	}

	s.store.mu.Lock()
	defer s.store.mu.Unlock()
	if s.store.closed {
		return false, ErrStoreClosed
	}
	for _, key := range s.order {
		w := s.staged[key]
		if w.deleted {
			delete(s.store.data, key)
			continue
		}
		s.store.data[key] = w.value
	}
	s.staged, s.order = nil, nil
	return true, nil
}

// Rollback drops staged writes.
func (s *MemorySession) Rollback(_ context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.staged, s.order = nil, nil
}
