/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package gcra

import (
	"errors"
	"fmt"
	"time"
)

// DeniedUntilError is returned when a check is denied but may succeed once
// NextAllowedAt has been reached.
type DeniedUntilError struct {
	NextAllowedAt time.Time
}

// Error implements the error interface.
func (e *DeniedUntilError) Error() string {
	return fmt.Sprintf("rate limit exceeded, next allowed at %s", e.NextAllowedAt.Format(time.RFC3339Nano))
}

// RetryAfter returns how long a caller should wait after the passed moment
// before resubmitting the denied request.
func (e *DeniedUntilError) RetryAfter(now time.Time) time.Duration {
	d := e.NextAllowedAt.Sub(now)
	if d < 0 {
		return 0
	}
	return d
}

// DeniedIndefinitelyError is returned when the requested cost can never be satisfied
// against the rate limit, regardless of the current state: the time the cost would
// occupy exceeds the whole period even with a fully drained bucket.
// Retrying makes no sense unless the cost or the limit changes.
type DeniedIndefinitelyError struct {
	Cost      uint32
	RateLimit RateLimit
}

// Error implements the error interface.
func (e *DeniedIndefinitelyError) Error() string {
	return fmt.Sprintf("cost %d can never be satisfied by rate limit %s", e.Cost, e.RateLimit)
}

// IsDeniedError reports whether err is a rate limiting decision
// (DeniedUntilError or DeniedIndefinitelyError) as opposed to an infrastructure failure.
func IsDeniedError(err error) bool {
	var deniedUntil *DeniedUntilError
	var deniedIndefinitely *DeniedIndefinitelyError
	return errors.As(err, &deniedUntil) || errors.As(err, &deniedIndefinitely)
}
