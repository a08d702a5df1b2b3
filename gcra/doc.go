/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

// Package gcra implements the Generic Cell Rate Algorithm (GCRA), a leaky bucket variant
// of rate limiting that tracks the whole per-key history in a single timestamp.
// More details and good explanation of this alg is provided here: https://brandur.org/rate-limiting#gcra.
//
// The package is a pure decision core: it owns no goroutines, no locks, and no clock.
// For a concurrent keyed limiter on top of it, see the ratelimiter package.
package gcra
