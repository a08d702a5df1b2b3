/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package gcra

// Guard bundles a Clock, a RateLimit, and a State under single ownership for basic cases:
// one logical owner, one key, calls performed in sequence (e.g. embedded in a per-connection
// object). It does no locking and is not safe for concurrent use; for shared keyed limiting
// use the ratelimiter package.
type Guard struct {
	clock Clock
	limit RateLimit
	state State
}

// NewGuard creates a Guard with a fresh state and the system clock.
func NewGuard(limit RateLimit) *Guard {
	return NewGuardWithClock(SystemClock{}, limit, State{})
}

// NewGuardWithClock creates a Guard with the provided clock and initial state.
func NewGuardWithClock(clock Clock, limit RateLimit, state State) *Guard {
	return &Guard{clock: clock, limit: limit, state: state}
}

// CheckAndModify checks whether cost units may be admitted right now,
// updating the guarded state on admission.
func (g *Guard) CheckAndModify(cost uint32) error {
	return g.state.CheckAndModifyAt(g.limit, g.clock.Now(), cost)
}

// RemainingResources returns how many resource units are still available at the current moment.
func (g *Guard) RemainingResources() uint32 {
	return g.state.RemainingResources(g.limit, g.clock.Now())
}

// Revert gives back cost units previously consumed through CheckAndModify.
func (g *Guard) Revert(cost uint32) {
	g.state.RevertAt(g.limit, g.clock.Now(), cost)
}

// State returns a copy of the guarded state.
func (g *Guard) State() State {
	return g.state
}
