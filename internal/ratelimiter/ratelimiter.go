// Package ratelimiter provides per-key token-bucket rate limiting used
// to bound LDAP bind/search attempts per source address. Adapted from a
// single global limiter into a set of limiters keyed by client address,
// with idle keys evicted so long-lived servers don't accumulate one
// limiter per ever-seen address forever.
package ratelimiter

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Limiter wraps golang.org/x/time/rate for a single key: tokens are
// added at requestsPerSecond, the bucket holds up to burst tokens.
type Limiter struct {
	limiter *rate.Limiter
	lastUse time.Time
}

// New creates a single-key Limiter. requestsPerSecond = 0 means
// unlimited.
func New(requestsPerSecond, burst uint) *Limiter {
	if requestsPerSecond == 0 {
		requestsPerSecond = 1_000_000_000
		burst = requestsPerSecond
	}
	return &Limiter{limiter: rate.NewLimiter(rate.Limit(requestsPerSecond), int(burst))}
}

// Allow reports whether a request may proceed without waiting.
func (l *Limiter) Allow() bool { return l.limiter.Allow() }

// Wait blocks until a token is available or ctx is cancelled.
func (l *Limiter) Wait(ctx context.Context) error { return l.limiter.Wait(ctx) }

// KeyedSet is a collection of per-key Limiters sharing a rate/burst
// configuration, used to throttle auth attempts per source address
// (§4.6's bounded-budget requirement, generalized per-client instead of
// globally).
type KeyedSet struct {
	mu                sync.Mutex
	limiters          map[string]*Limiter
	requestsPerSecond uint
	burst             uint
	idleEvict         time.Duration
}

// NewKeyedSet creates a set of per-key limiters, each configured with
// requestsPerSecond/burst, evicting a key's limiter once it has been
// idle for idleEvict.
func NewKeyedSet(requestsPerSecond, burst uint, idleEvict time.Duration) *KeyedSet {
	return &KeyedSet{
		limiters:          make(map[string]*Limiter),
		requestsPerSecond: requestsPerSecond,
		burst:             burst,
		idleEvict:         idleEvict,
	}
}

// Allow reports whether a request for key may proceed immediately,
// creating the key's limiter on first use and lazily evicting idle ones.
func (s *KeyedSet) Allow(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	s.evictLocked(now)

	l, ok := s.limiters[key]
	if !ok {
		l = New(s.requestsPerSecond, s.burst)
		s.limiters[key] = l
	}
	l.lastUse = now
	return l.limiter.Allow()
}

func (s *KeyedSet) evictLocked(now time.Time) {
	if s.idleEvict <= 0 {
		return
	}
	for k, l := range s.limiters {
		if now.Sub(l.lastUse) > s.idleEvict {
			delete(s.limiters, k)
		}
	}
}
