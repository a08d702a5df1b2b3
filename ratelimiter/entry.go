/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package ratelimiter

import (
	"time"

	"github.com/acronis/go-gcra/gcra"
)

// Entry is a per-key rate limiting state as it lives in the store:
// the gcra state plus an expiration deadline.
type Entry struct {
	State     gcra.State
	expiresAt time.Time
}

// NewEntry creates a virgin Entry, equivalent to a key that has never been seen.
func NewEntry() *Entry {
	return &Entry{}
}

// NewEntryWithState creates an Entry around a previously persisted gcra state.
func NewEntryWithState(state gcra.State) *Entry {
	return &Entry{State: state}
}

// ShouldPersist reports whether the entry is worth writing to the upstream.
// Rate limiting states always are.
func (e *Entry) ShouldPersist() bool {
	return true
}

// ExpiresAt returns the moment after which the entry carries no information:
// a state whose TAT is at least a full period in the past admits exactly like
// a virgin one.
func (e *Entry) ExpiresAt() time.Time {
	return e.expiresAt
}

// UpdateExpiration refreshes the expiration deadline after an admission.
// The entry stays alive until a full period past its TAT (or past now, for
// a state that has fully drained).
func (e *Entry) UpdateExpiration(limit gcra.RateLimit, now time.Time) {
	deadline := e.State.TAT
	if deadline.Before(now) {
		deadline = now
	}
	e.expiresAt = deadline.Add(limit.Period)
}
