package idempotency

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-process store for development and tests.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]time.Time)}
}

func (s *MemoryStore) Claim(_ context.Context, key string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()

	expiry, exists := s.entries[key]
	if exists && now.Before(expiry) {
		return false, nil
	}

	s.entries[key] = now.Add(ttl)

	return true, nil
}

func (s *MemoryStore) Release(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.entries, key)

	return nil
}

func (s *MemoryStore) Close() error {
	return nil
}
