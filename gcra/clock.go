/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package gcra

import "time"

// Clock is an abstraction for getting the current time.
// Consumers request time through this capability instead of calling time.Now directly,
// which makes time substitutable in tests (including deliberately non-monotonic sequences).
type Clock interface {
	Now() time.Time
}

// SystemClock is a Clock backed by the system monotonic clock.
type SystemClock struct{}

// Now implements the Clock interface.
func (SystemClock) Now() time.Time {
	return time.Now()
}

// The ClockFunc type is an adapter to allow the use of ordinary functions as Clock.
type ClockFunc func() time.Time

// Now implements the Clock interface.
func (f ClockFunc) Now() time.Time {
	return f()
}
