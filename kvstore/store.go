/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package kvstore

import (
	"container/list"
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/acronis/go-appkit/log"
	"github.com/acronis/go-appkit/retry"
	"github.com/cespare/xxhash/v2"
)

// Default values for the store options.
const (
	DefaultNumShards             = 16
	DefaultDeferredCommitsLimit  = 1024
	DefaultDeferredCommitTimeout = 5 * time.Second
)

// Clock is an abstraction for getting the current time, used for expiration decisions.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time {
	return time.Now()
}

// Options represents options for the store.
type Options[K comparable, V Entry] struct {
	// NumShards is the number of independent partitions of the key space.
	// It is a capacity/concurrency tuning parameter, not a correctness one.
	NumShards int

	// NewEntry, when set, resolves an Upstream.Load ErrNotFound into a fresh default entry.
	// When nil, ErrNotFound propagates to the ExecuteMut caller as an infrastructure error.
	NewEntry func() V

	// CommitPolicy defines when requested commits are performed. Immediate by default.
	CommitPolicy CommitPolicy

	// CommitRetryPolicy, when set, is used by the deferred committer to retry failed commits.
	CommitRetryPolicy retry.Policy

	// DeferredCommitsLimit bounds the deferred commit queue.
	DeferredCommitsLimit int

	// DeferredCommitTimeout bounds a single deferred commit attempt (retries included).
	DeferredCommitTimeout time.Duration

	// KeyHash maps a key to the shard space. Required for key types without a built-in
	// default (strings and integers have one).
	KeyHash func(K) uint64

	// Clock is the time source for expiration and cleanup. System time by default.
	Clock Clock

	// Logger, when set, receives reports about deferred commit failures and drops.
	Logger log.FieldLogger

	// MetricsCollector collects statistics about store usage. Disabled when nil.
	MetricsCollector MetricsCollector
}

// Store is a sharded, capacity-bounded, upstream-backed key-value store
// with LRU eviction and per-key exclusive execution slots.
type Store[K comparable, V Entry] struct {
	shards   []*storeShard[K, V]
	upstream Upstream[K, V]
	keyHash  func(K) uint64
	newEntry func() V
	clock    Clock

	commitPolicy          CommitPolicy
	commitRetryPolicy     retry.Policy
	deferredCommits       chan deferredCommit[K, V]
	deferredCommitTimeout time.Duration

	logger           log.FieldLogger
	metricsCollector MetricsCollector
	entriesCount     int64

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// deferredCommit carries a reference-holding slot, so an entry with a queued commit
// cannot be evicted and reloaded from the stale upstream before the commit lands.
type deferredCommit[K comparable, V Entry] struct {
	key  K
	slot *storeSlot[K, V]
}

// New creates a new Store with the provided maximum number of entries,
// upstream, and options.
func New[K comparable, V Entry](maxEntries int, upstream Upstream[K, V], opts Options[K, V]) (*Store[K, V], error) {
	if maxEntries <= 0 {
		return nil, fmt.Errorf("maxEntries must be greater than 0")
	}
	if upstream == nil {
		return nil, fmt.Errorf("upstream is required")
	}
	if opts.NumShards < 0 {
		return nil, fmt.Errorf("numShards must be greater or equal to 0 (default)")
	}
	numShards := opts.NumShards
	if numShards == 0 {
		numShards = DefaultNumShards
	}
	keyHash := opts.KeyHash
	if keyHash == nil {
		if keyHash = defaultKeyHash[K](); keyHash == nil {
			return nil, fmt.Errorf("KeyHash option is required for key type %T", *new(K))
		}
	}
	metricsCollector := opts.MetricsCollector
	if metricsCollector == nil {
		metricsCollector = disabledMetrics{}
	}
	clock := opts.Clock
	if clock == nil {
		clock = systemClock{}
	}

	maxEntriesPerShard := (maxEntries + numShards - 1) / numShards
	shards := make([]*storeShard[K, V], numShards)
	for i := range shards {
		shards[i] = &storeShard[K, V]{
			maxEntries: maxEntriesPerShard,
			lruList:    list.New(),
			slots:      make(map[K]*list.Element),
		}
	}

	s := &Store[K, V]{
		shards:                shards,
		upstream:              upstream,
		keyHash:               keyHash,
		newEntry:              opts.NewEntry,
		clock:                 clock,
		commitPolicy:          opts.CommitPolicy,
		commitRetryPolicy:     opts.CommitRetryPolicy,
		deferredCommitTimeout: opts.DeferredCommitTimeout,
		logger:                opts.Logger,
		metricsCollector:      metricsCollector,
	}
	if s.deferredCommitTimeout <= 0 {
		s.deferredCommitTimeout = DefaultDeferredCommitTimeout
	}
	if s.commitPolicy == CommitPolicyDeferred {
		deferredCommitsLimit := opts.DeferredCommitsLimit
		if deferredCommitsLimit <= 0 {
			deferredCommitsLimit = DefaultDeferredCommitsLimit
		}
		s.deferredCommits = make(chan deferredCommit[K, V], deferredCommitsLimit)
		s.stopCh = make(chan struct{})
		s.doneCh = make(chan struct{})
		go s.runCommitter()
	}
	return s, nil
}

// ExecuteMut runs fn against the entry resolved for the key, guaranteeing that at most
// one closure is in flight per key at any moment. Closures for the same key observe
// a strict order; closures for different keys do not block each other.
//
// On a cold key the entry is loaded from the upstream first (a virgin entry is created
// instead if the upstream reports ErrNotFound and the NewEntry option is set).
// After fn returns, its Outcome decides whether the entry is committed back.
// The returned error is always an infrastructure failure (load, commit, or cancellation);
// fn's own results must be captured via the closure.
func (s *Store[K, V]) ExecuteMut(ctx context.Context, key K, fn func(value V) Outcome) error {
	shard := s.shardFor(key)
	slot, sizeDelta := shard.acquireRef(key, s.clock.Now(), s.metricsCollector)
	s.addEntries(sizeDelta)
	defer shard.releaseRef(slot)

	select {
	case slot.sem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-slot.sem }()

	if !slot.loaded {
		value, err := s.loadValue(ctx, key)
		if err != nil {
			return err
		}
		slot.value = value
		slot.loaded = true
	}

	outcome := fn(slot.value)
	slot.storeExpiresAt(slot.value.ExpiresAt())

	if outcome != Commit || !slot.value.ShouldPersist() {
		return nil
	}
	switch s.commitPolicy {
	case CommitPolicyImmediate:
		if err := s.upstream.Commit(ctx, key, slot.value); err != nil {
			s.metricsCollector.IncCommitErrors()
			return fmt.Errorf("commit entry: %w", err)
		}
		s.metricsCollector.IncCommits()
	case CommitPolicyDeferred:
		shard.retainRef(slot)
		s.enqueueCommit(key, shard, slot)
	case CommitPolicyDisabled:
	}
	return nil
}

func (s *Store[K, V]) loadValue(ctx context.Context, key K) (V, error) {
	value, err := s.upstream.Load(ctx, key)
	if err == nil {
		return value, nil
	}
	if errors.Is(err, ErrNotFound) && s.newEntry != nil {
		return s.newEntry(), nil
	}
	var zero V
	return zero, fmt.Errorf("load entry: %w", err)
}

// Len returns the number of entries in the store.
func (s *Store[K, V]) Len() int {
	total := 0
	for _, shard := range s.shards {
		shard.mu.Lock()
		total += len(shard.slots)
		shard.mu.Unlock()
	}
	return total
}

// RunPeriodicCleanup runs a cycle of periodic cleanup of expired entries.
// Entries without expiration time, and entries with an operation in flight, are not affected.
// It's supposed to be run in a separate goroutine.
func (s *Store[K, V]) RunPeriodicCleanup(ctx context.Context, cleanupInterval time.Duration) {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			now := s.clock.Now()
			for _, shard := range s.shards {
				s.addEntries(shard.removeExpired(now))
			}
		}
	}
}

// Close stops the deferred committer, draining the commits already enqueued.
// It must not be called concurrently with ExecuteMut.
func (s *Store[K, V]) Close() {
	if s.stopCh == nil {
		return
	}
	s.stopOnce.Do(func() { close(s.stopCh) })
	<-s.doneCh
}

func (s *Store[K, V]) shardFor(key K) *storeShard[K, V] {
	return s.shards[s.keyHash(key)%uint64(len(s.shards))]
}

func (s *Store[K, V]) addEntries(delta int) {
	if delta == 0 {
		return
	}
	s.metricsCollector.SetAmount(int(atomic.AddInt64(&s.entriesCount, int64(delta))))
}

// storeShard is an independent partition of the key space: a bounded map with LRU
// eviction. The mutex guards only map and list bookkeeping and is never held across
// upstream I/O or while a closure runs.
type storeShard[K comparable, V Entry] struct {
	mu         sync.Mutex
	maxEntries int
	lruList    *list.List
	slots      map[K]*list.Element // map of key slots, value is a lruList element
}

// storeSlot is the per-key unit of exclusivity. Holding a token in sem grants exclusive
// access to value and loaded. refs is guarded by the shard mutex; a slot with refs > 0
// is never evicted, so a decision is never made against a detached entry.
type storeSlot[K comparable, V Entry] struct {
	key    K
	sem    chan struct{}
	refs   int
	loaded bool
	value  V

	// expiresAtNano mirrors value.ExpiresAt() so that eviction and cleanup can read it
	// without acquiring the slot; 0 means no expiration.
	expiresAtNano int64
}

func (slot *storeSlot[K, V]) storeExpiresAt(expiresAt time.Time) {
	if expiresAt.IsZero() {
		atomic.StoreInt64(&slot.expiresAtNano, 0)
		return
	}
	atomic.StoreInt64(&slot.expiresAtNano, expiresAt.UnixNano())
}

func (slot *storeSlot[K, V]) expired(now time.Time) bool {
	nano := atomic.LoadInt64(&slot.expiresAtNano)
	return nano != 0 && nano < now.UnixNano()
}

// acquireRef resolves the key to its slot, creating one on a miss, and takes a reference
// that shields the slot from eviction until releaseRef. The returned delta is the change
// of the shard's entry count.
func (sh *storeShard[K, V]) acquireRef(key K, now time.Time, mc MetricsCollector) (*storeSlot[K, V], int) {
	sh.mu.Lock()
	defer sh.mu.Unlock()

	sizeBefore := len(sh.slots)
	if elem, ok := sh.slots[key]; ok {
		slot := elem.Value.(*storeSlot[K, V])
		if slot.refs > 0 || !slot.expired(now) {
			slot.refs++
			sh.lruList.MoveToFront(elem)
			mc.IncHits()
			return slot, 0
		}
		// An expired idle slot is indistinguishable from a never-seen key.
		sh.lruList.Remove(elem)
		delete(sh.slots, key)
	}

	mc.IncMisses()
	slot := &storeSlot[K, V]{key: key, sem: make(chan struct{}, 1), refs: 1}
	sh.slots[key] = sh.lruList.PushFront(slot)
	if len(sh.slots) > sh.maxEntries {
		if sh.removeOldest() {
			mc.AddEvictions(1)
		}
	}
	return slot, len(sh.slots) - sizeBefore
}

// retainRef takes an extra reference on an already-acquired slot.
func (sh *storeShard[K, V]) retainRef(slot *storeSlot[K, V]) {
	sh.mu.Lock()
	slot.refs++
	sh.mu.Unlock()
}

func (sh *storeShard[K, V]) releaseRef(slot *storeSlot[K, V]) {
	sh.mu.Lock()
	slot.refs--
	sh.mu.Unlock()
}

// removeOldest evicts the least recently used slot that has no operation in flight.
func (sh *storeShard[K, V]) removeOldest() bool {
	for elem := sh.lruList.Back(); elem != nil; elem = elem.Prev() {
		slot := elem.Value.(*storeSlot[K, V])
		if slot.refs > 0 {
			continue
		}
		sh.lruList.Remove(elem)
		delete(sh.slots, slot.key)
		return true
	}
	return false
}

func (sh *storeShard[K, V]) removeExpired(now time.Time) (sizeDelta int) {
	sh.mu.Lock()
	defer sh.mu.Unlock()
	sizeBefore := len(sh.slots)
	for key, elem := range sh.slots {
		slot := elem.Value.(*storeSlot[K, V])
		if slot.refs == 0 && slot.expired(now) {
			sh.lruList.Remove(elem)
			delete(sh.slots, key)
		}
	}
	return len(sh.slots) - sizeBefore
}

// defaultKeyHash returns a built-in hasher for common key types, or nil.
func defaultKeyHash[K comparable]() func(K) uint64 {
	switch any(*new(K)).(type) {
	case string:
		return func(key K) uint64 { return xxhash.Sum64String(any(key).(string)) }
	case int:
		return func(key K) uint64 { return mixHash(uint64(any(key).(int))) }
	case int32:
		return func(key K) uint64 { return mixHash(uint64(any(key).(int32))) }
	case int64:
		return func(key K) uint64 { return mixHash(uint64(any(key).(int64))) }
	case uint32:
		return func(key K) uint64 { return mixHash(uint64(any(key).(uint32))) }
	case uint64:
		return func(key K) uint64 { return mixHash(any(key).(uint64)) }
	}
	return nil
}

// mixHash is a Fibonacci multiplicative mix, enough to spread sequential integer keys.
func mixHash(v uint64) uint64 {
	return v * 0x9e3779b97f4a7c15
}
