/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package kvstore

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by Upstream.Load when the upstream has no value for the key.
// Whether it surfaces to the caller or resolves to a fresh default entry is decided
// by the store's NewEntry option.
var ErrNotFound = errors.New("entry not found in upstream")

// Entry is the contract a stored value must satisfy.
type Entry interface {
	// ShouldPersist reports whether the value must survive cache eviction
	// via the commit path rather than being silently dropped.
	ShouldPersist() bool

	// ExpiresAt returns the instant after which the value may be removed from the store.
	// The zero value means no expiration.
	ExpiresAt() time.Time
}

// Upstream is a persistence source and sink for store entries.
// Load is invoked on a cold key, Commit after a mutation the caller asked to persist.
// Both may be called concurrently for different keys but never for the same key.
type Upstream[K comparable, V Entry] interface {
	Load(ctx context.Context, key K) (V, error)
	Commit(ctx context.Context, key K, value V) error
}

// Outcome is the result of an ExecuteMut closure: an explicit instruction whether
// the (possibly mutated) entry must be committed to the upstream.
type Outcome int

// Supported outcomes.
const (
	// NoCommit means the entry was not changed in a way that needs to be persisted.
	NoCommit Outcome = iota

	// Commit means the mutated entry must be committed according to the store's commit policy.
	Commit
)

// CommitPolicy defines when a commit requested by an ExecuteMut closure is performed.
type CommitPolicy int

// Supported commit policies.
const (
	// CommitPolicyImmediate performs the commit synchronously inside ExecuteMut;
	// a commit failure propagates to the ExecuteMut caller.
	CommitPolicyImmediate CommitPolicy = iota

	// CommitPolicyDeferred enqueues the commit to a bounded queue served by a background
	// worker. ExecuteMut never waits for it; failures are reported via the store's logger
	// and metrics. When the queue is full the commit is dropped and counted.
	CommitPolicyDeferred

	// CommitPolicyDisabled never commits.
	CommitPolicyDisabled
)
