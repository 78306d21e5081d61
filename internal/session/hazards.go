package session

import (
	"fmt"
	"sync"
	"time"
)

// Default dedup parameters
const (
	DefaultHazardWindow = 3 * time.Second
	DefaultHazardBucket = 50 // pixels
)

// HazardTracker suppresses repeat announcements of the same hazard.
// A hazard is identified by type and a coarse horizontal bucket. The first
// sighting is recorded and later sightings inside the window are reported
// as already seen without refreshing the timestamp.
type HazardTracker struct {
	mu     sync.Mutex
	window time.Duration
	bucket int
	seen   map[string]time.Time
}

// NewHazardTracker creates a tracker. Non-positive arguments use defaults.
func NewHazardTracker(window time.Duration, bucket int) *HazardTracker {
	if window <= 0 {
		window = DefaultHazardWindow
	}
	if bucket <= 0 {
		bucket = DefaultHazardBucket
	}
	return &HazardTracker{
		window: window,
		bucket: bucket,
		seen:   make(map[string]time.Time),
	}
}

// CheckAt reports whether the hazard is new at time now and records it if so.
func (h *HazardTracker) CheckAt(hazardType string, x int, now time.Time) bool {
	key := fmt.Sprintf("%s_%d", hazardType, x/h.bucket)

	h.mu.Lock()
	defer h.mu.Unlock()

	for k, at := range h.seen {
		if now.Sub(at) >= h.window {
			delete(h.seen, k)
		}
	}

	if _, ok := h.seen[key]; ok {
		return false
	}
	h.seen[key] = now
	return true
}

// Len returns the number of hazards inside the window as of the last check
func (h *HazardTracker) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.seen)
}
