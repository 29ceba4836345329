package ratelimit

import (
	"sync"
	"time"
)

type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// Limiter tracks action rates per key. Keys are composed by the caller,
// typically "{actor_id}:{action_kind}" inside a per-guild instance.
type Limiter struct {
	mu      sync.Mutex
	window  time.Duration
	clock   Clock
	buckets map[string]*Window
}

func NewLimiter(window time.Duration) *Limiter {
	if window <= 0 {
		window = 60 * time.Second
	}
	return &Limiter{
		window:  window,
		clock:   realClock{},
		buckets: make(map[string]*Window),
	}
}

func (l *Limiter) WithClock(clock Clock) {
	l.clock = clock
}

// AddAction appends a hit for key and returns the count of hits still inside
// the window.
func (l *Limiter) AddAction(key string) int {
	return l.bucket(key).Add(l.clock.Now())
}

// CheckRate reports whether key is over threshold: true iff the current
// count exceeds it. Exactly threshold hits does not trip.
func (l *Limiter) CheckRate(key string, threshold int) bool {
	return l.bucket(key).Count(l.clock.Now()) > threshold
}

func (l *Limiter) bucket(key string) *Window {
	l.mu.Lock()
	defer l.mu.Unlock()
	bucket := l.buckets[key]
	if bucket == nil {
		bucket = NewWindow(l.window)
		l.buckets[key] = bucket
	}
	return bucket
}
