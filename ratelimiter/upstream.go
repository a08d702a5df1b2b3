/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package ratelimiter

import (
	"context"

	"github.com/acronis/go-gcra/kvstore"
)

// NopUpstream is an Upstream without persistence: every load misses and every
// commit is discarded. It backs purely in-memory limiters, where a key evicted
// from the store simply starts over.
type NopUpstream[K comparable] struct{}

// Load always reports kvstore.ErrNotFound.
func (NopUpstream[K]) Load(_ context.Context, _ K) (*Entry, error) {
	return nil, kvstore.ErrNotFound
}

// Commit discards the entry.
func (NopUpstream[K]) Commit(_ context.Context, _ K, _ *Entry) error {
	return nil
}
