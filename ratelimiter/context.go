/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package ratelimiter

import (
	"context"
	"time"

	"github.com/acronis/go-gcra/gcra"
)

// Context binds a RateLimiter to a single rate limit, so that call sites
// enforcing one policy do not have to carry the limit around. The zero value
// is not usable; copies share the underlying limiter.
type Context[K comparable] struct {
	limit   gcra.RateLimit
	limiter *RateLimiter[K]
}

// NewContext creates a Context enforcing the given limit through the given limiter.
func NewContext[K comparable](limit gcra.RateLimit, limiter *RateLimiter[K]) Context[K] {
	return Context[K]{limit: limit, limiter: limiter}
}

// RateLimit returns the bound rate limit.
func (c Context[K]) RateLimit() gcra.RateLimit {
	return c.limit
}

// Check consumes cost resources for the key under the bound limit.
// See RateLimiter.Check for the error contract.
func (c Context[K]) Check(ctx context.Context, key K, cost uint32) error {
	return c.limiter.Check(ctx, key, c.limit, cost)
}

// CheckAt is like Check with an explicit current time.
func (c Context[K]) CheckAt(ctx context.Context, key K, now time.Time, cost uint32) error {
	return c.limiter.CheckAt(ctx, key, c.limit, now, cost)
}

// RemainingResources returns the number of resources the key may still consume.
func (c Context[K]) RemainingResources(ctx context.Context, key K) (uint32, error) {
	return c.limiter.RemainingResources(ctx, key, c.limit)
}

// Revert returns cost resources consumed by an earlier admitted Check.
func (c Context[K]) Revert(ctx context.Context, key K, cost uint32) error {
	return c.limiter.Revert(ctx, key, c.limit, cost)
}
