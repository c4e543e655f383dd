package traffic

import (
	"testing"
	"time"
)

func TestCount_Empty(t *testing.T) {
	Reset()
	if n := Count(PollSuccess, time.Minute); n != 0 {
		t.Errorf("Count() = %d, want 0", n)
	}
}

// TestRecord_KindsAreIndependent verifies that events of one kind do not
// show up in another kind's count.
func TestRecord_KindsAreIndependent(t *testing.T) {
	Reset()
	Record(PollSuccess)
	Record(PollSuccess)
	Record(APIDenied)
	if n := Count(PollSuccess, time.Minute); n != 2 {
		t.Errorf("Count(PollSuccess) = %d, want 2", n)
	}
	if n := Count(APIDenied, time.Minute); n != 1 {
		t.Errorf("Count(APIDenied) = %d, want 1", n)
	}
	if n := Count(PollError, time.Minute); n != 0 {
		t.Errorf("Count(PollError) = %d, want 0", n)
	}
}

// TestTracker_WindowAndPrune drives the tracker with a fake clock.
func TestTracker_WindowAndPrune(t *testing.T) {
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	tr := NewTracker()
	tr.now = func() time.Time { return now }

	tr.Record(PollError)
	now = now.Add(30 * time.Second)
	tr.Record(PollError)

	if n := tr.Count(PollError, 10*time.Second); n != 1 {
		t.Errorf("Count(10s) = %d, want 1", n)
	}
	if n := tr.Count(PollError, time.Minute); n != 2 {
		t.Errorf("Count(1m) = %d, want 2", n)
	}

	now = now.Add(maxAge + time.Minute)
	tr.Record(PollError)
	if got := len(tr.events[PollError]); got != 1 {
		t.Errorf("retained events = %d, want 1 after prune", got)
	}
}

func TestReset(t *testing.T) {
	Record(APIRequest)
	Reset()
	if n := Count(APIRequest, time.Minute); n != 0 {
		t.Errorf("After Reset, Count() = %d, want 0", n)
	}
}
