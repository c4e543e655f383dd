// Package degraded tracks poll outcomes to decide whether upstream health
// should be reported as degraded.
package degraded

import (
	"time"

	"github.com/kjstillabower/tank-level-service/internal/traffic"
)

// RecordSuccess records a successful level poll.
func RecordSuccess() {
	traffic.Record(traffic.PollSuccess)
}

// RecordError records a failed level poll (network, decode, upstream).
func RecordError() {
	traffic.Record(traffic.PollError)
}

// ErrorRate returns (errorCount, totalCount) of polls within the window.
func ErrorRate(window time.Duration) (errors, total int) {
	errors = traffic.Count(traffic.PollError, window)
	return errors, errors + traffic.Count(traffic.PollSuccess, window)
}

// IsDegraded reports whether the poll error rate in window is at or above pct percent.
// No polls in the window is not degraded.
func IsDegraded(window time.Duration, pct int) bool {
	if window <= 0 || pct <= 0 {
		return false
	}
	errors, total := ErrorRate(window)
	if total == 0 {
		return false
	}
	return float64(errors)*100/float64(total) >= float64(pct)
}

// Reset clears all recorded data. For tests only.
func Reset() {
	traffic.Reset()
}
