// Package lifecycle holds process-wide start/stop flags read by the health handler.
package lifecycle

import "sync/atomic"

var (
	shuttingDown atomic.Bool
	pollersUp    atomic.Int32
)

// SetShuttingDown sets the shutdown flag. Call when SIGTERM/SIGINT received.
// Health returns 503 shutting-down while true.
func SetShuttingDown(v bool) {
	shuttingDown.Store(v)
}

// IsShuttingDown returns true if the process is draining.
func IsShuttingDown() bool {
	return shuttingDown.Load()
}

// PollerStarted and PollerStopped bracket the life of one tank poller.
func PollerStarted() { pollersUp.Add(1) }

func PollerStopped() { pollersUp.Add(-1) }

// RunningPollers returns the number of tank pollers currently running.
func RunningPollers() int {
	return int(pollersUp.Load())
}
