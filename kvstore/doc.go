/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

// Package kvstore provides a generic sharded in-memory key-value store with LRU eviction,
// capacity bound, entry-driven expiration, pluggable upstream persistence, and Prometheus metrics.
//
// Unlike a plain cache, the store guarantees at-most-one in-flight mutation per key:
// ExecuteMut serializes all operations addressed to the same key while operations on
// different keys proceed independently. Cold keys are loaded from the upstream, and
// mutated entries are committed back to it according to the configured commit policy.
package kvstore
