/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package ratelimiter

import (
	"context"
	"fmt"
	"time"

	"github.com/acronis/go-appkit/log"
	"github.com/acronis/go-appkit/retry"

	"github.com/acronis/go-gcra/gcra"
	"github.com/acronis/go-gcra/kvstore"
)

// Opts represents options for the rate limiter.
type Opts[K comparable] struct {
	// NumShards is the number of partitions of the key space in the backing store.
	NumShards int

	// Clock is the time source for decisions and for state expiration. System time by default.
	Clock gcra.Clock

	// Upstream persists per-key states across evictions and restarts.
	// NopUpstream (no persistence) by default.
	Upstream kvstore.Upstream[K, *Entry]

	// CommitPolicy defines when admitted states are written back to the upstream.
	CommitPolicy kvstore.CommitPolicy

	// CommitRetryPolicy, when set, is used to retry failed deferred commits.
	CommitRetryPolicy retry.Policy

	// DeferredCommitsLimit bounds the deferred commit queue.
	DeferredCommitsLimit int

	// KeyHash maps a key to the shard space. Required for key types without a
	// built-in default.
	KeyHash func(K) uint64

	// Logger, when set, receives reports about background commit failures.
	Logger log.FieldLogger

	// MetricsCollector collects admission decisions. Disabled when nil.
	MetricsCollector MetricsCollector

	// StoreMetricsCollector collects statistics of the backing store. Disabled when nil.
	StoreMetricsCollector kvstore.MetricsCollector

	// DisableMissFallback makes a key unknown to the upstream an error instead of
	// a virgin state. Only meaningful with an authoritative custom Upstream.
	DisableMissFallback bool
}

// RateLimiter is a concurrent keyed rate limiter. Per-key states live in a
// capacity-bounded sharded store; checks for the same key are strictly
// serialized, checks for different keys proceed independently.
//
// All methods are safe for concurrent use.
type RateLimiter[K comparable] struct {
	clock            gcra.Clock
	store            *kvstore.Store[K, *Entry]
	metricsCollector MetricsCollector
}

// New creates a purely in-memory RateLimiter holding at most maxKeys per-key states.
// Least recently used keys beyond the bound are forgotten, which for a rate limiter
// errs on the permissive side.
func New[K comparable](maxKeys int) (*RateLimiter[K], error) {
	return NewWithOpts[K](maxKeys, Opts[K]{})
}

// NewWithOpts is a more configurable version of New.
func NewWithOpts[K comparable](maxKeys int, opts Opts[K]) (*RateLimiter[K], error) {
	clock := opts.Clock
	if clock == nil {
		clock = gcra.SystemClock{}
	}
	var upstream kvstore.Upstream[K, *Entry] = opts.Upstream
	if upstream == nil {
		upstream = NopUpstream[K]{}
	}
	metricsCollector := opts.MetricsCollector
	if metricsCollector == nil {
		metricsCollector = disabledMetrics{}
	}
	newEntry := NewEntry
	if opts.DisableMissFallback {
		newEntry = nil
	}
	store, err := kvstore.New[K, *Entry](maxKeys, upstream, kvstore.Options[K, *Entry]{
		NumShards:            opts.NumShards,
		NewEntry:             newEntry,
		Clock:                clock,
		CommitPolicy:         opts.CommitPolicy,
		CommitRetryPolicy:    opts.CommitRetryPolicy,
		DeferredCommitsLimit: opts.DeferredCommitsLimit,
		KeyHash:              opts.KeyHash,
		Logger:               opts.Logger,
		MetricsCollector:     opts.StoreMetricsCollector,
	})
	if err != nil {
		return nil, fmt.Errorf("create state store: %w", err)
	}
	return &RateLimiter[K]{clock: clock, store: store, metricsCollector: metricsCollector}, nil
}

// Must is a helper for wrapping a call to a function returning (*RateLimiter[K], error)
// and panics if the error is non-nil.
func Must[K comparable](rl *RateLimiter[K], err error) *RateLimiter[K] {
	if err != nil {
		panic(err)
	}
	return rl
}

// Check asks whether the key may consume cost resources under the limit right now,
// consuming them if so.
//
// A nil result means admission. A *gcra.DeniedUntilError or *gcra.DeniedIndefinitelyError
// (see gcra.IsDeniedError) means denial with the key's state untouched. Any other error
// is an infrastructure failure of the backing store, and no decision was made.
func (rl *RateLimiter[K]) Check(ctx context.Context, key K, limit gcra.RateLimit, cost uint32) error {
	return rl.CheckAt(ctx, key, limit, rl.clock.Now(), cost)
}

// CheckAt is like Check with an explicit current time.
func (rl *RateLimiter[K]) CheckAt(ctx context.Context, key K, limit gcra.RateLimit, now time.Time, cost uint32) error {
	var checkErr error
	err := rl.store.ExecuteMut(ctx, key, func(entry *Entry) kvstore.Outcome {
		if checkErr = entry.State.CheckAndModifyAt(limit, now, cost); checkErr != nil {
			return kvstore.NoCommit
		}
		entry.UpdateExpiration(limit, now)
		return kvstore.Commit
	})
	if err != nil {
		return fmt.Errorf("execute rate limit check: %w", err)
	}
	switch checkErr.(type) {
	case nil:
		rl.metricsCollector.IncAllowed()
	case *gcra.DeniedUntilError:
		rl.metricsCollector.IncDenied()
	case *gcra.DeniedIndefinitelyError:
		rl.metricsCollector.IncDeniedIndefinitely()
	}
	return checkErr
}

// RemainingResources returns the number of resources the key could consume
// right now without being denied. The key's state is not modified.
func (rl *RateLimiter[K]) RemainingResources(ctx context.Context, key K, limit gcra.RateLimit) (uint32, error) {
	return rl.RemainingResourcesAt(ctx, key, limit, rl.clock.Now())
}

// RemainingResourcesAt is like RemainingResources with an explicit current time.
func (rl *RateLimiter[K]) RemainingResourcesAt(
	ctx context.Context, key K, limit gcra.RateLimit, now time.Time,
) (uint32, error) {
	var remaining uint32
	err := rl.store.ExecuteMut(ctx, key, func(entry *Entry) kvstore.Outcome {
		remaining = entry.State.RemainingResources(limit, now)
		return kvstore.NoCommit
	})
	if err != nil {
		return 0, fmt.Errorf("execute rate limit inspection: %w", err)
	}
	return remaining, nil
}

// Revert returns cost resources consumed by an earlier admitted Check for the key,
// e.g. when the admitted operation failed before doing any work. Reverting more
// than was consumed quietly resets the key to a virgin state. The expiration
// deadline is intentionally left as the admission set it.
func (rl *RateLimiter[K]) Revert(ctx context.Context, key K, limit gcra.RateLimit, cost uint32) error {
	return rl.RevertAt(ctx, key, limit, rl.clock.Now(), cost)
}

// RevertAt is like Revert with an explicit current time.
func (rl *RateLimiter[K]) RevertAt(ctx context.Context, key K, limit gcra.RateLimit, now time.Time, cost uint32) error {
	err := rl.store.ExecuteMut(ctx, key, func(entry *Entry) kvstore.Outcome {
		if entry.State.TAT.IsZero() {
			return kvstore.NoCommit
		}
		entry.State.RevertAt(limit, now, cost)
		return kvstore.Commit
	})
	if err != nil {
		return fmt.Errorf("execute rate limit revert: %w", err)
	}
	return nil
}

// Len returns the number of per-key states currently held in memory.
func (rl *RateLimiter[K]) Len() int {
	return rl.store.Len()
}

// RunPeriodicCleanup runs a cycle of periodic removal of expired per-key states.
// It's supposed to be run in a separate goroutine.
func (rl *RateLimiter[K]) RunPeriodicCleanup(ctx context.Context, cleanupInterval time.Duration) {
	rl.store.RunPeriodicCleanup(ctx, cleanupInterval)
}

// Close flushes pending background commits, if any. The limiter must not be
// used after Close.
func (rl *RateLimiter[K]) Close() {
	rl.store.Close()
}
