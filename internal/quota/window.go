package quota

import (
	"sync"
	"time"
)

// slidingWindow keeps request timestamps for one workspace. A single slice
// serves the minute, hour and day windows; entries older than the longest
// window are pruned on count.
type slidingWindow struct {
	mu       sync.Mutex
	requests []time.Time
}

const maxWindow = 24 * time.Hour

func (w *slidingWindow) count(window time.Duration) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.pruneLocked()

	cutoff := time.Now().Add(-window)
	n := 0
	for _, ts := range w.requests {
		if !ts.Before(cutoff) {
			n++
		}
	}
	return n
}

func (w *slidingWindow) add() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.pruneLocked()
	w.requests = append(w.requests, time.Now())
}

func (w *slidingWindow) pruneLocked() {
	cutoff := time.Now().Add(-maxWindow)
	i := 0
	for i < len(w.requests) && w.requests[i].Before(cutoff) {
		i++
	}
	w.requests = w.requests[i:]
}
