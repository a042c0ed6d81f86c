// Package system provides the wall clock and the blocking sleeper used by backoff policies.
package system

import "time"

// Clock implements harvest.Clock and harvest.Sleeper with the real wall clock.
type Clock struct{}

// New creates a new Clock.
func New() *Clock {
	return &Clock{}
}

// Now returns the current time in UTC.
func (Clock) Now() time.Time {
	return time.Now().UTC()
}

// Sleep blocks for d. Once started it is not interrupted by context cancellation.
func (Clock) Sleep(d time.Duration) {
	if d <= 0 {
		return
	}
	time.Sleep(d)
}
