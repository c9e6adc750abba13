package ratelimiter

import (
	"context"
	"testing"
	"time"
)

func TestNew(t *testing.T) {
	tests := []struct {
		name              string
		requestsPerSecond uint
		burst             uint
	}{
		{name: "standard rate", requestsPerSecond: 100, burst: 200},
		{name: "high rate", requestsPerSecond: 10000, burst: 20000},
		{name: "low rate", requestsPerSecond: 1, burst: 2},
		{name: "unlimited (zero rate)", requestsPerSecond: 0, burst: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := New(tt.requestsPerSecond, tt.burst)
			if l == nil {
				t.Fatal("New() returned nil")
			}
			if l.limiter == nil {
				t.Fatal("internal limiter is nil")
			}
		})
	}
}

func TestLimiterAllow(t *testing.T) {
	l := New(1, 1)
	if !l.Allow() {
		t.Fatal("expected first request to be allowed")
	}
	if l.Allow() {
		t.Fatal("expected second immediate request to be rejected")
	}
}

func TestLimiterWaitRespectsCancellation(t *testing.T) {
	l := New(1, 1)
	l.Allow() // drain the single token

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	if err := l.Wait(ctx); err == nil {
		t.Fatal("expected context deadline error, got nil")
	}
}

func TestKeyedSetIsolatesKeys(t *testing.T) {
	set := NewKeyedSet(1, 1, time.Minute)

	if !set.Allow("10.0.0.1") {
		t.Fatal("expected first request for 10.0.0.1 to be allowed")
	}
	if set.Allow("10.0.0.1") {
		t.Fatal("expected second immediate request for 10.0.0.1 to be rejected")
	}
	if !set.Allow("10.0.0.2") {
		t.Fatal("a different key must have its own bucket")
	}
}

func TestKeyedSetEvictsIdleKeys(t *testing.T) {
	set := NewKeyedSet(1, 1, time.Millisecond)
	set.Allow("10.0.0.1")

	time.Sleep(5 * time.Millisecond)

	set.mu.Lock()
	set.evictLocked(time.Now())
	_, exists := set.limiters["10.0.0.1"]
	set.mu.Unlock()

	if exists {
		t.Fatal("expected idle key to be evicted")
	}
}
