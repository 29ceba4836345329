package ratelimit

import (
	"testing"
	"time"
)

type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time { return c.now }

func TestWindowSliding(t *testing.T) {
	window := NewWindow(60 * time.Second)
	now := time.Now()

	for i := 0; i < 4; i++ {
		window.Add(now.Add(time.Duration(i) * time.Second))
	}
	if count := window.Count(now.Add(3 * time.Second)); count != 4 {
		t.Fatalf("expected 4 hits, got %d", count)
	}
	// Oldest hit falls out once the window slides past it.
	if count := window.Count(now.Add(61 * time.Second)); count != 3 {
		t.Fatalf("expected 3 hits after expiry, got %d", count)
	}
	if count := window.Count(now.Add(2 * time.Minute)); count != 0 {
		t.Fatalf("expected empty window, got %d", count)
	}
}

func TestLimiterThresholdBoundary(t *testing.T) {
	clock := &fakeClock{now: time.Now()}
	limiter := NewLimiter(60 * time.Second)
	limiter.WithClock(clock)

	threshold := 3
	for i := 0; i < threshold; i++ {
		limiter.AddAction("u1:channel_update")
	}
	if limiter.CheckRate("u1:channel_update", threshold) {
		t.Fatalf("exactly %d actions must not trip the limiter", threshold)
	}
	limiter.AddAction("u1:channel_update")
	if !limiter.CheckRate("u1:channel_update", threshold) {
		t.Fatalf("%d actions must trip the limiter", threshold+1)
	}
}

func TestLimiterKeysIsolated(t *testing.T) {
	clock := &fakeClock{now: time.Now()}
	limiter := NewLimiter(60 * time.Second)
	limiter.WithClock(clock)

	limiter.AddAction("u1:ban")
	limiter.AddAction("u1:ban")
	if count := limiter.AddAction("u2:ban"); count != 1 {
		t.Fatalf("expected isolated count 1, got %d", count)
	}
	if count := limiter.AddAction("u1:kick"); count != 1 {
		t.Fatalf("expected isolated count 1 for other action, got %d", count)
	}
}

func TestLimiterWindowExpiry(t *testing.T) {
	clock := &fakeClock{now: time.Now()}
	limiter := NewLimiter(60 * time.Second)
	limiter.WithClock(clock)

	limiter.AddAction("u1:role_update")
	clock.now = clock.now.Add(61 * time.Second)
	if count := limiter.AddAction("u1:role_update"); count != 1 {
		t.Fatalf("expected stale hit trimmed, got count %d", count)
	}
}
