// Package limiter throttles access request submissions per requester.
package limiter

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Policy is a token bucket: Burst tokens, refilled at PerHour per hour.
type Policy struct {
	PerHour int `yaml:"per_hour"`
	Burst   int `yaml:"burst"`
}

// Disabled reports whether the policy imposes no limit.
func (p Policy) Disabled() bool { return p.PerHour <= 0 }

func (p Policy) perSecond() float64 { return float64(p.PerHour) / 3600.0 }

func (p Policy) burst() int {
	if p.Burst <= 0 {
		return 1
	}
	return p.Burst
}

// Store decides whether the holder of key may spend one token.
type Store interface {
	Allow(ctx context.Context, key string, policy Policy) (bool, error)
}

// MemoryStore keeps one bucket per key in process. Suitable for a single
// instance and for tests.
type MemoryStore struct {
	mu      sync.Mutex
	buckets map[string]*rate.Limiter
	clock   func() time.Time
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{buckets: make(map[string]*rate.Limiter), clock: time.Now}
}

// WithClock overrides the clock for deterministic testing.
func (s *MemoryStore) WithClock(clock func() time.Time) *MemoryStore {
	s.clock = clock
	return s
}

func (s *MemoryStore) Allow(_ context.Context, key string, policy Policy) (bool, error) {
	if policy.Disabled() {
		return true, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	lim, ok := s.buckets[key]
	if !ok {
		lim = rate.NewLimiter(rate.Limit(policy.perSecond()), policy.burst())
		s.buckets[key] = lim
	}
	return lim.AllowN(s.clock(), 1), nil
}
