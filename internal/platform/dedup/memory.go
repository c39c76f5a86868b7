package dedup

import (
	"context"
	"sync"
	"time"
)

const defaultMaxEntries = 10000

// MemoryStore is a process-local Store. Expired keys are swept on write.
type MemoryStore struct {
	mu         sync.Mutex
	entries    map[string]time.Time
	maxEntries int
	now        func() time.Time
}

func NewMemoryStore(maxEntries int) *MemoryStore {
	if maxEntries <= 0 {
		maxEntries = defaultMaxEntries
	}
	return &MemoryStore{
		entries:    make(map[string]time.Time),
		maxEntries: maxEntries,
		now:        time.Now,
	}
}

func (s *MemoryStore) IsProcessed(_ context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	expiresAt, ok := s.entries[key]
	if !ok {
		return false, nil
	}
	if !s.now().Before(expiresAt) {
		delete(s.entries, key)
		return false, nil
	}
	return true, nil
}

func (s *MemoryStore) MarkProcessed(_ context.Context, key string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if len(s.entries) >= s.maxEntries {
		s.sweep(now)
	}
	if len(s.entries) >= s.maxEntries {
		// Still full: drop the entry closest to expiry.
		var oldestKey string
		var oldest time.Time
		for k, exp := range s.entries {
			if oldestKey == "" || exp.Before(oldest) {
				oldestKey, oldest = k, exp
			}
		}
		delete(s.entries, oldestKey)
	}
	s.entries[key] = now.Add(ttl)
	return nil
}

func (s *MemoryStore) sweep(now time.Time) {
	for k, exp := range s.entries {
		if !now.Before(exp) {
			delete(s.entries, k)
		}
	}
}

func (s *MemoryStore) Close() error { return nil }
