package render

import (
	"math"
	"testing"
	"time"
)

func TestSloshTracker(t *testing.T) {
	now := time.Unix(100, 0)
	s := NewSloshTracker(3 * time.Second)

	if s.Observe(40, now) {
		t.Error("first reading started a slosh")
	}
	if s.Observe(40, now.Add(10*time.Second)) {
		t.Error("unchanged level started a slosh")
	}
	if !s.Observe(60, now.Add(20*time.Second)) {
		t.Fatal("40 -> 60 did not start a slosh")
	}
	if !s.Active(now.Add(22 * time.Second)) {
		t.Error("slosh not active 2s after start")
	}
	if s.Active(now.Add(23 * time.Second)) {
		t.Error("slosh still active after its duration")
	}
}

func TestSloshTracker_NaNIsUnchanged(t *testing.T) {
	now := time.Unix(0, 0)
	s := NewSloshTracker(time.Second)
	s.Observe(math.NaN(), now)
	if s.Observe(math.NaN(), now) {
		t.Error("NaN -> NaN started a slosh")
	}
}
