/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package gcra

import (
	"time"
)

// State holds the minimum amount of state necessary to implement GCRA:
// a single theoretical arrival time (TAT) timestamp.
// The zero value is ready to use and represents a never-used key with the full budget available.
type State struct {
	// TAT is the theoretical arrival time: the instant at which the bucket would be
	// exactly empty given all admitted cost so far. The zero value means "never used".
	// It moves forward on admissions only and backward via RevertAt only.
	TAT time.Time
}

// CheckAndModifyAt checks whether cost units may be admitted at the passed moment.
// On admission the state is updated in place and nil is returned.
// On denial the state is left untouched and either *DeniedUntilError (retry later)
// or *DeniedIndefinitelyError (the cost can never fit) is returned.
func (s *State) CheckAndModifyAt(limit RateLimit, now time.Time, cost uint32) error {
	increment := limit.Increment(cost)
	// The structural check runs on every call since it depends on cost: an increment
	// that exceeds the whole period can never fit, no matter how drained the bucket is.
	if increment > limit.Period {
		return &DeniedIndefinitelyError{Cost: cost, RateLimit: limit}
	}

	tat := s.TAT
	if tat.IsZero() || tat.Before(now) {
		// Never used, or the outstanding credit has fully drained. The bucket resets
		// at now, so the new TAT is based on now rather than the stale TAT.
		s.TAT = now.Add(increment)
		return nil
	}

	newTAT := tat.Add(increment)
	nextAllowedAt := newTAT.Add(-limit.Period)
	if nextAllowedAt.After(now) {
		return &DeniedUntilError{NextAllowedAt: nextAllowedAt}
	}
	s.TAT = newTAT
	return nil
}

// RemainingResources returns how many resource units are still available at the passed moment.
// The result never exceeds limit.ResourceLimit and never goes below zero, even if a single
// oversized prior admission consumed more than the whole burst.
func (s *State) RemainingResources(limit RateLimit, now time.Time) uint32 {
	if limit.Period <= 0 || limit.EmissionInterval <= 0 {
		return 0
	}
	if s.TAT.IsZero() || !s.TAT.After(now) {
		return limit.ResourceLimit
	}
	timeToTAT := s.TAT.Sub(now)
	// TAT always moves in multiples of the emission interval, so the consumed count
	// is the number of whole intervals left to drain, rounded up.
	consumed := uint64((timeToTAT + limit.EmissionInterval - 1) / limit.EmissionInterval)
	if consumed >= uint64(limit.ResourceLimit) {
		return 0
	}
	return limit.ResourceLimit - uint32(consumed)
}

// RevertAt gives back previously consumed budget by moving TAT backward by the time
// the passed cost occupies. TAT never moves before now: if the computed value would,
// the state is reset to "never used", which is equivalent for all subsequent decisions.
// Reverting more than was ever consumed is a silent floor, not an error.
func (s *State) RevertAt(limit RateLimit, now time.Time, cost uint32) {
	if s.TAT.IsZero() {
		return
	}
	newTAT := s.TAT.Add(-limit.Increment(cost))
	if !newTAT.After(now) {
		s.TAT = time.Time{}
		return
	}
	s.TAT = newTAT
}
