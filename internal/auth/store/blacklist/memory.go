package blacklist

import (
	"context"
	"sync"
	"time"
)

// MemoryStore keeps blacklisted JTIs in process memory. Test and single-node
// use only.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]time.Time
	clock   Clock
}

// MemoryOption configures a MemoryStore instance.
type MemoryOption func(*MemoryStore)

// WithMemoryClock sets the clock function for testability.
func WithMemoryClock(clock Clock) MemoryOption {
	return func(s *MemoryStore) {
		if clock != nil {
			s.clock = clock
		}
	}
}

// NewMemory constructs an in-memory blacklist.
func NewMemory(opts ...MemoryOption) *MemoryStore {
	s := &MemoryStore{
		entries: make(map[string]time.Time),
		clock:   time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

func (s *MemoryStore) Blacklist(_ context.Context, jti string, ttl time.Duration) error {
	if jti == "" {
		return nil
	}
	if err := validateTTL(ttl); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[jti] = s.clock().Add(ttl)
	return nil
}

func (s *MemoryStore) IsBlacklisted(_ context.Context, jti string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	expiresAt, ok := s.entries[jti]
	if !ok {
		return false, nil
	}
	if s.clock().After(expiresAt) {
		return false, nil
	}
	return true, nil
}
