/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package gcra

import (
	"fmt"
	"math"
	"time"
)

// RateLimit is an immutable description of a budget: how many resource units may be spent
// per period. EmissionInterval is derived once at construction and is the time a single
// unit of cost occupies in the bucket.
//
// Integer division may truncate EmissionInterval, so ResourceLimit*EmissionInterval can be
// slightly less than Period. This is an accepted, bounded approximation.
type RateLimit struct {
	ResourceLimit    uint32
	Period           time.Duration
	EmissionInterval time.Duration
}

// NewRateLimit creates a new RateLimit allowing resourceLimit units per period.
// Zero resourceLimit or non-positive period are programmer errors and are rejected here,
// not at check time.
func NewRateLimit(resourceLimit uint32, period time.Duration) (RateLimit, error) {
	if resourceLimit == 0 {
		return RateLimit{}, fmt.Errorf("resource limit must be greater than 0")
	}
	if period <= 0 {
		return RateLimit{}, fmt.Errorf("period must be positive, got %s", period)
	}
	emissionInterval := period / time.Duration(resourceLimit)
	if emissionInterval == 0 {
		return RateLimit{}, fmt.Errorf(
			"resource limit %d is too large for period %s, emission interval truncates to zero", resourceLimit, period)
	}
	return RateLimit{
		ResourceLimit:    resourceLimit,
		Period:           period,
		EmissionInterval: emissionInterval,
	}, nil
}

// MustNewRateLimit is a version of NewRateLimit that panics if an error occurs.
func MustNewRateLimit(resourceLimit uint32, period time.Duration) RateLimit {
	rl, err := NewRateLimit(resourceLimit, period)
	if err != nil {
		panic(err)
	}
	return rl
}

// PerSec returns a RateLimit allowing n units per second.
func PerSec(n uint32) RateLimit {
	return MustNewRateLimit(n, time.Second)
}

// PerMin returns a RateLimit allowing n units per minute.
func PerMin(n uint32) RateLimit {
	return MustNewRateLimit(n, time.Minute)
}

// PerHour returns a RateLimit allowing n units per hour.
func PerHour(n uint32) RateLimit {
	return MustNewRateLimit(n, time.Hour)
}

// Increment returns the time by which the theoretical arrival time advances
// when the given cost is admitted. On multiplication overflow the result
// saturates to the maximum duration, keeping it above any period.
func (rl RateLimit) Increment(cost uint32) time.Duration {
	increment := rl.EmissionInterval * time.Duration(cost)
	if cost != 0 && increment/time.Duration(cost) != rl.EmissionInterval {
		return math.MaxInt64
	}
	return increment
}

// String implements fmt.Stringer interface.
func (rl RateLimit) String() string {
	return fmt.Sprintf("%d/%s", rl.ResourceLimit, rl.Period)
}
