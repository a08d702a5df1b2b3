/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package ratelimiter

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/acronis/go-gcra/gcra"
	"github.com/acronis/go-gcra/kvstore"
)

var testBaseTime = time.Date(2025, time.March, 14, 9, 26, 53, 0, time.UTC)

func newTestLimiter(t *testing.T, maxKeys int, opts Opts[string]) *RateLimiter[string] {
	t.Helper()
	rl, err := NewWithOpts[string](maxKeys, opts)
	require.NoError(t, err)
	t.Cleanup(rl.Close)
	return rl
}

func requireDeniedUntil(t *testing.T, err error, wantNextAllowedAt time.Time) {
	t.Helper()
	var deniedErr *gcra.DeniedUntilError
	require.ErrorAs(t, err, &deniedErr)
	require.Equal(t, wantNextAllowedAt, deniedErr.NextAllowedAt)
}

func TestRateLimiterRunUntilDenied(t *testing.T) {
	rl := newTestLimiter(t, 100, Opts[string]{})
	limit := gcra.MustNewRateLimit(5, time.Second)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.NoError(t, rl.CheckAt(ctx, "user-1", limit, testBaseTime, 1))
	}
	err := rl.CheckAt(ctx, "user-1", limit, testBaseTime, 1)
	require.True(t, gcra.IsDeniedError(err))
	requireDeniedUntil(t, err, testBaseTime.Add(200*time.Millisecond))
}

func TestRateLimiterDeniedIndefinitely(t *testing.T) {
	rl := newTestLimiter(t, 100, Opts[string]{})
	limit := gcra.MustNewRateLimit(5, time.Second)
	ctx := context.Background()

	err := rl.CheckAt(ctx, "user-1", limit, testBaseTime, 6)
	var deniedErr *gcra.DeniedIndefinitelyError
	require.ErrorAs(t, err, &deniedErr)
	require.Equal(t, uint32(6), deniedErr.Cost)
	require.True(t, gcra.IsDeniedError(err))

	// The impossible request must not have consumed anything.
	remaining, err := rl.RemainingResourcesAt(ctx, "user-1", limit, testBaseTime)
	require.NoError(t, err)
	require.Equal(t, uint32(5), remaining)
}

func TestRateLimiterLeaks(t *testing.T) {
	rl := newTestLimiter(t, 100, Opts[string]{})
	limit := gcra.MustNewRateLimit(2, 500*time.Millisecond) // emission interval is 250ms
	ctx := context.Background()

	at := func(offset time.Duration) time.Time { return testBaseTime.Add(offset) }

	require.NoError(t, rl.CheckAt(ctx, "key", limit, at(0), 1))
	require.NoError(t, rl.CheckAt(ctx, "key", limit, at(0), 1))
	requireDeniedUntil(t, rl.CheckAt(ctx, "key", limit, at(0), 1), at(250*time.Millisecond))

	require.NoError(t, rl.CheckAt(ctx, "key", limit, at(250*time.Millisecond), 1))
	requireDeniedUntil(t, rl.CheckAt(ctx, "key", limit, at(251*time.Millisecond), 1), at(500*time.Millisecond))
	require.NoError(t, rl.CheckAt(ctx, "key", limit, at(501*time.Millisecond), 1))
}

func TestRateLimiterKeyIndependence(t *testing.T) {
	rl := newTestLimiter(t, 100, Opts[string]{})
	limit := gcra.MustNewRateLimit(1, time.Second)
	ctx := context.Background()

	require.NoError(t, rl.CheckAt(ctx, "user-1", limit, testBaseTime, 1))
	require.True(t, gcra.IsDeniedError(rl.CheckAt(ctx, "user-1", limit, testBaseTime, 1)))
	require.NoError(t, rl.CheckAt(ctx, "user-2", limit, testBaseTime, 1))
}

func TestRateLimiterRemainingResources(t *testing.T) {
	rl := newTestLimiter(t, 100, Opts[string]{})
	limit := gcra.MustNewRateLimit(5, time.Second)
	ctx := context.Background()

	remaining, err := rl.RemainingResourcesAt(ctx, "key", limit, testBaseTime)
	require.NoError(t, err)
	require.Equal(t, uint32(5), remaining)

	require.NoError(t, rl.CheckAt(ctx, "key", limit, testBaseTime, 2))
	remaining, err = rl.RemainingResourcesAt(ctx, "key", limit, testBaseTime)
	require.NoError(t, err)
	require.Equal(t, uint32(3), remaining)

	// Inspection must not consume anything.
	remaining, err = rl.RemainingResourcesAt(ctx, "key", limit, testBaseTime)
	require.NoError(t, err)
	require.Equal(t, uint32(3), remaining)
}

func TestRateLimiterRevert(t *testing.T) {
	rl := newTestLimiter(t, 100, Opts[string]{})
	limit := gcra.MustNewRateLimit(2, time.Second)
	ctx := context.Background()

	require.NoError(t, rl.CheckAt(ctx, "key", limit, testBaseTime, 1))
	require.NoError(t, rl.CheckAt(ctx, "key", limit, testBaseTime, 1))
	require.True(t, gcra.IsDeniedError(rl.CheckAt(ctx, "key", limit, testBaseTime, 1)))

	require.NoError(t, rl.RevertAt(ctx, "key", limit, testBaseTime, 1))
	require.NoError(t, rl.CheckAt(ctx, "key", limit, testBaseTime, 1))

	// Reverting more than was consumed resets the key instead of failing.
	require.NoError(t, rl.RevertAt(ctx, "key", limit, testBaseTime, 100))
	remaining, err := rl.RemainingResourcesAt(ctx, "key", limit, testBaseTime)
	require.NoError(t, err)
	require.Equal(t, uint32(2), remaining)
}

// countingUpstream records commits and serves loads from the last committed state.
type countingUpstream struct {
	mu      sync.Mutex
	states  map[string]gcra.State
	loads   int
	commits int
	loadErr error
}

func newCountingUpstream() *countingUpstream {
	return &countingUpstream{states: map[string]gcra.State{}}
}

func (u *countingUpstream) Load(_ context.Context, key string) (*Entry, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.loads++
	if u.loadErr != nil {
		return nil, u.loadErr
	}
	state, ok := u.states[key]
	if !ok {
		return nil, kvstore.ErrNotFound
	}
	return NewEntryWithState(state), nil
}

func (u *countingUpstream) Commit(_ context.Context, key string, entry *Entry) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.commits++
	u.states[key] = entry.State
	return nil
}

func (u *countingUpstream) commitsCount() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.commits
}

func TestRateLimiterCommitsOnlyOnStateChange(t *testing.T) {
	upstream := newCountingUpstream()
	rl := newTestLimiter(t, 100, Opts[string]{Upstream: upstream})
	limit := gcra.MustNewRateLimit(1, time.Second)
	ctx := context.Background()

	require.NoError(t, rl.CheckAt(ctx, "key", limit, testBaseTime, 1))
	require.Equal(t, 1, upstream.commitsCount())

	// Denials, inspections, and reverts of a virgin key leave the upstream alone.
	require.True(t, gcra.IsDeniedError(rl.CheckAt(ctx, "key", limit, testBaseTime, 1)))
	_, err := rl.RemainingResourcesAt(ctx, "key", limit, testBaseTime)
	require.NoError(t, err)
	require.NoError(t, rl.RevertAt(ctx, "virgin", limit, testBaseTime, 1))
	require.Equal(t, 1, upstream.commitsCount())

	require.NoError(t, rl.RevertAt(ctx, "key", limit, testBaseTime, 1))
	require.Equal(t, 2, upstream.commitsCount())
}

func TestRateLimiterStateSurvivesEviction(t *testing.T) {
	upstream := newCountingUpstream()
	rl := newTestLimiter(t, 1, Opts[string]{NumShards: 1, Upstream: upstream})
	limit := gcra.MustNewRateLimit(1, time.Second)
	ctx := context.Background()

	require.NoError(t, rl.CheckAt(ctx, "a", limit, testBaseTime, 1))
	require.NoError(t, rl.CheckAt(ctx, "b", limit, testBaseTime, 1)) // evicts "a"

	err := rl.CheckAt(ctx, "a", limit, testBaseTime.Add(time.Millisecond), 1)
	require.True(t, gcra.IsDeniedError(err), "the reloaded state must remember the consumption")
}

func TestRateLimiterInfraErrorPropagates(t *testing.T) {
	upstream := newCountingUpstream()
	upstream.loadErr = errors.New("upstream is down")
	rl := newTestLimiter(t, 100, Opts[string]{Upstream: upstream})
	limit := gcra.MustNewRateLimit(1, time.Second)

	err := rl.CheckAt(context.Background(), "key", limit, testBaseTime, 1)
	require.Error(t, err)
	require.False(t, gcra.IsDeniedError(err))
	require.ErrorContains(t, err, "upstream is down")
}

func TestRateLimiterMissFallbackDisabled(t *testing.T) {
	rl := newTestLimiter(t, 100, Opts[string]{
		Upstream:            newCountingUpstream(),
		DisableMissFallback: true,
	})
	limit := gcra.MustNewRateLimit(1, time.Second)

	err := rl.CheckAt(context.Background(), "key", limit, testBaseTime, 1)
	require.Error(t, err)
	require.False(t, gcra.IsDeniedError(err))
	require.ErrorIs(t, err, kvstore.ErrNotFound)
}

func TestRateLimiterConcurrentChecks(t *testing.T) {
	const resourceLimit = 50
	const goroutines = 100

	rl := newTestLimiter(t, 100, Opts[string]{
		Clock: gcra.ClockFunc(func() time.Time { return testBaseTime }),
	})
	limit := gcra.MustNewRateLimit(resourceLimit, time.Second)

	var allowed, denied int64
	var wg sync.WaitGroup
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			switch err := rl.Check(context.Background(), "shared", limit, 1); {
			case err == nil:
				atomic.AddInt64(&allowed, 1)
			case gcra.IsDeniedError(err):
				atomic.AddInt64(&denied, 1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	require.Equal(t, int64(resourceLimit), allowed)
	require.Equal(t, int64(goroutines-resourceLimit), denied)
}

func TestRateLimiterExpiredStateForgotten(t *testing.T) {
	clock := &testClock{now: testBaseTime}
	rl := newTestLimiter(t, 100, Opts[string]{Clock: clock})
	limit := gcra.MustNewRateLimit(1, time.Second)
	ctx := context.Background()

	require.NoError(t, rl.Check(ctx, "key", limit, 1))
	require.Equal(t, 1, rl.Len())

	cleanupCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go rl.RunPeriodicCleanup(cleanupCtx, 5*time.Millisecond)

	// The state lives for a full period past its TAT.
	time.Sleep(20 * time.Millisecond)
	require.Equal(t, 1, rl.Len())

	clock.Advance(3 * time.Second)
	require.Eventually(t, func() bool { return rl.Len() == 0 }, time.Second, 5*time.Millisecond)

	require.NoError(t, rl.Check(ctx, "key", limit, 1))
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func TestRateLimiterMetrics(t *testing.T) {
	pm := NewPrometheusMetricsWithOpts(PrometheusMetricsOpts{
		Namespace: fmt.Sprintf("test_%d", time.Now().UnixNano()),
	})
	pm.MustRegister()
	defer pm.Unregister()

	rl := newTestLimiter(t, 100, Opts[string]{MetricsCollector: pm})
	limit := gcra.MustNewRateLimit(1, time.Second)
	ctx := context.Background()

	require.NoError(t, rl.CheckAt(ctx, "key", limit, testBaseTime, 1))
	require.Error(t, rl.CheckAt(ctx, "key", limit, testBaseTime, 1))
	require.Error(t, rl.CheckAt(ctx, "key", limit, testBaseTime, 2))

	require.Equal(t, float64(1), testutil.ToFloat64(pm.DecisionsTotal.WithLabelValues(decisionAllowed)))
	require.Equal(t, float64(1), testutil.ToFloat64(pm.DecisionsTotal.WithLabelValues(decisionDenied)))
	require.Equal(t, float64(1), testutil.ToFloat64(pm.DecisionsTotal.WithLabelValues(decisionDeniedIndefinitely)))
}

func TestContextForwarders(t *testing.T) {
	rl := newTestLimiter(t, 100, Opts[string]{
		Clock: gcra.ClockFunc(func() time.Time { return testBaseTime }),
	})
	limitCtx := NewContext(gcra.MustNewRateLimit(2, time.Second), rl)
	ctx := context.Background()

	require.Equal(t, gcra.MustNewRateLimit(2, time.Second), limitCtx.RateLimit())

	require.NoError(t, limitCtx.Check(ctx, "key", 1))
	require.NoError(t, limitCtx.CheckAt(ctx, "key", testBaseTime, 1))
	require.True(t, gcra.IsDeniedError(limitCtx.Check(ctx, "key", 1)))

	remaining, err := limitCtx.RemainingResources(ctx, "key")
	require.NoError(t, err)
	require.Equal(t, uint32(0), remaining)

	require.NoError(t, limitCtx.Revert(ctx, "key", 1))
	remaining, err = limitCtx.RemainingResources(ctx, "key")
	require.NoError(t, err)
	require.Equal(t, uint32(1), remaining)
}
