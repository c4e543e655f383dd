package render

import (
	"math"
	"sync"
	"time"
)

// SloshTracker starts a timed transient when the level changes between
// consecutive successful readings. Re-renders without a new reading never
// trigger it.
type SloshTracker struct {
	mu       sync.Mutex
	duration time.Duration
	seen     bool
	last     float64
	until    time.Time
}

// NewSloshTracker returns a tracker whose transient lasts duration.
func NewSloshTracker(duration time.Duration) *SloshTracker {
	return &SloshTracker{duration: duration}
}

// Observe records a reading. Returns true when it started a transient.
func (s *SloshTracker) Observe(level float64, now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	changed := s.seen && !sameLevel(s.last, level)
	s.seen = true
	s.last = level
	if changed && s.duration > 0 {
		s.until = now.Add(s.duration)
		return true
	}
	return false
}

// Active reports whether a transient is running at now.
func (s *SloshTracker) Active(now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return now.Before(s.until)
}

func sameLevel(a, b float64) bool {
	if math.IsNaN(a) && math.IsNaN(b) {
		return true
	}
	return a == b
}
