// Package overload tracks API request volume and rate-limit denials.
package overload

import (
	"time"

	"github.com/kjstillabower/tank-level-service/internal/traffic"
)

// RecordRequest records a request on the rate-limited API path.
func RecordRequest() {
	traffic.Record(traffic.APIRequest)
}

// RecordDenial records a rate-limit denial (429). Call from middleware when returning 429.
func RecordDenial() {
	traffic.Record(traffic.APIDenied)
}

// RequestCount returns accepted plus denied API requests within the window.
func RequestCount(window time.Duration) int {
	return traffic.Count(traffic.APIRequest, window) + traffic.Count(traffic.APIDenied, window)
}

// DenialCount returns the number of denials within the window.
func DenialCount(window time.Duration) int {
	return traffic.Count(traffic.APIDenied, window)
}

// Reset clears all recorded data. For tests only.
func Reset() {
	traffic.Reset()
}
