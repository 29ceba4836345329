// Package ratelimit provides in-memory sliding-window counters used by the
// antinuke evaluator and the punishment cooldown. State is per-process and
// lost on restart, which is accepted: a brief blind window after a restart
// beats dragging persistence into the event hot path.
package ratelimit

import (
	"sync"
	"time"
)

type Window struct {
	mu     sync.Mutex
	window time.Duration
	hits   []time.Time
}

func NewWindow(window time.Duration) *Window {
	return &Window{window: window}
}

// Add records a hit at now, drops hits older than the window and returns the
// post-trim count.
func (w *Window) Add(now time.Time) int {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.trim(now)
	w.hits = append(w.hits, now)
	return len(w.hits)
}

func (w *Window) Count(now time.Time) int {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.trim(now)
	return len(w.hits)
}

func (w *Window) trim(now time.Time) {
	// Hits strictly older than the window fall out; one exactly at the
	// boundary still counts.
	cutoff := now.Add(-w.window)
	idx := 0
	for _, hit := range w.hits {
		if !hit.Before(cutoff) {
			break
		}
		idx++
	}
	w.hits = w.hits[idx:]
}
