// Package traffic keeps sliding windows of event timestamps keyed by kind.
// It is the single source of truth for poll health (degraded) and API load (overload).
package traffic

import (
	"sync"
	"time"
)

// Kind names an event stream.
type Kind string

const (
	PollSuccess Kind = "poll_success"
	PollError   Kind = "poll_error"
	APIRequest  Kind = "api_request"
	APIDenied   Kind = "api_denied"
)

// maxAge bounds how long timestamps are retained.
const maxAge = 15 * time.Minute

var defaultTracker = NewTracker()

// Record records one event of kind at the current time.
func Record(kind Kind) {
	defaultTracker.Record(kind)
}

// Count returns the number of kind events within the window ending now.
func Count(kind Kind, window time.Duration) int {
	return defaultTracker.Count(kind, window)
}

// Reset clears all recorded events. For tests only.
func Reset() {
	defaultTracker.Reset()
}

// Tracker maintains per-kind sliding windows of event timestamps.
type Tracker struct {
	mu     sync.Mutex
	now    func() time.Time
	events map[Kind][]time.Time
}

// NewTracker returns an empty tracker using the wall clock.
func NewTracker() *Tracker {
	return &Tracker{now: time.Now, events: make(map[Kind][]time.Time)}
}

// Record appends the current timestamp for kind and prunes old entries.
func (t *Tracker) Record(kind Kind) {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.now()
	t.events[kind] = append(t.events[kind], now)
	t.pruneLocked(kind, now)
}

// Count returns the number of kind events not older than window.
func (t *Tracker) Count(kind Kind, window time.Duration) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	cutoff := t.now().Add(-window)
	n := 0
	for _, ts := range t.events[kind] {
		if !ts.Before(cutoff) {
			n++
		}
	}
	return n
}

// Reset clears all recorded events.
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.events = make(map[Kind][]time.Time)
}

// pruneLocked drops timestamps older than maxAge. Must be called with mu held.
func (t *Tracker) pruneLocked(kind Kind, now time.Time) {
	cutoff := now.Add(-maxAge)
	times := t.events[kind]
	i := 0
	for ; i < len(times) && times[i].Before(cutoff); i++ {
	}
	if i > 0 {
		t.events[kind] = append(times[:0], times[i:]...)
	}
}
