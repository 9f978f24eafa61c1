// Package locks claims keys for a bounded time so that replicas of a role
// process each external delivery once.
package locks

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
)

// Backends accepted by Open.
const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
)

const (
	defaultTTL      = 10 * time.Minute
	memorySweepSize = 4096
)

var errEmptyKey = errors.New("claim key required")

// Store hands out time-bounded claims. A key claimed and not yet expired
// cannot be claimed again.
type Store interface {
	// Claim reports whether the caller now holds key.
	Claim(ctx context.Context, key string, ttl time.Duration) (bool, error)
	// Release drops a claim early so the key can be claimed again.
	Release(ctx context.Context, key string) error
	Close() error
}

// Open builds the store named by backend.
func Open(ctx context.Context, backend, url string) (Store, error) {
	switch strings.ToLower(strings.TrimSpace(backend)) {
	case "", BackendMemory:
		return NewMemoryStore(), nil
	case BackendRedis:
		s, err := NewRedisStore(ctx, url)
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unknown lock backend %q", backend)
	}
}

func normalizeTTL(ttl time.Duration) time.Duration {
	if ttl <= 0 {
		return defaultTTL
	}
	return ttl
}

// MemoryStore keeps claims in process.
type MemoryStore struct {
	mu     sync.Mutex
	claims map[string]time.Time
	now    func() time.Time
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{claims: make(map[string]time.Time), now: time.Now}
}

func (s *MemoryStore) Claim(_ context.Context, key string, ttl time.Duration) (bool, error) {
	if key == "" {
		return false, errEmptyKey
	}
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	if expires, ok := s.claims[key]; ok && now.Before(expires) {
		return false, nil
	}
	if len(s.claims) >= memorySweepSize {
		s.sweep(now)
	}
	s.claims[key] = now.Add(normalizeTTL(ttl))
	return true, nil
}

func (s *MemoryStore) Release(_ context.Context, key string) error {
	s.mu.Lock()
	delete(s.claims, key)
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Close() error { return nil }

func (s *MemoryStore) sweep(now time.Time) {
	for key, expires := range s.claims {
		if !now.Before(expires) {
			delete(s.claims, key)
		}
	}
}
