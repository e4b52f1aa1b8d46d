package idempotency

import (
	"context"
	"sync"
	"time"
)

type memoryStore struct {
	mu      sync.Mutex
	expires map[string]time.Time
	now     func() time.Time
}

// NewMemoryStore returns a process-local Store. It is only suitable for
// tests and single-instance development; production deployments need the
// Redis store for cross-process exclusion.
func NewMemoryStore() Store {
	return &memoryStore{expires: make(map[string]time.Time), now: time.Now}
}

func (s *memoryStore) SetIfAbsent(_ context.Context, key string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	if deadline, ok := s.expires[key]; ok && deadline.After(now) {
		return false, nil
	}
	s.expires[key] = now.Add(ttl)
	return true, nil
}

func (s *memoryStore) Delete(_ context.Context, keys ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, key := range keys {
		delete(s.expires, key)
	}
	return nil
}

func (s *memoryStore) Close() error { return nil }
