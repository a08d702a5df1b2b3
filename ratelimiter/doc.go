/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

// Package ratelimiter provides a concurrent keyed rate limiter on top of the
// gcra admission algorithm. Per-key states live in a capacity-bounded kvstore
// and may be persisted through a pluggable upstream, so limiting survives
// both memory pressure and process restarts.
package ratelimiter
