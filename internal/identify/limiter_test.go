// ABOUTME: Tests for the identify rate limiter.
// ABOUTME: Covers FIFO fairness, minimum spacing, bucket independence, release safety, and quota errors.

package identify

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/shard-fleet/internal/clock"
	"github.com/2389/shard-fleet/internal/gatewayinfo"
)

var epoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func newTestLimiter(maxConcurrency int) (*Limiter, *clock.FakeClock) {
	clk := clock.Fake(epoch)
	l := New(gatewayinfo.NewStatic(maxConcurrency),
		WithClock(clk),
		WithMaxJitter(0),
	)
	return l, clk
}

// waitDone fails the test if ch does not close within a real-time second.
func waitDone(t *testing.T, ch <-chan struct{}, msg string) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(time.Second):
		require.FailNow(t, msg)
	}
}

func TestBucketFor(t *testing.T) {
	assert.Equal(t, 0, BucketFor(0, 1))
	assert.Equal(t, 0, BucketFor(7, 1))
	assert.Equal(t, 0, BucketFor(16, 16))
	assert.Equal(t, 1, BucketFor(1, 16))
	assert.Equal(t, 15, BucketFor(31, 16))
}

func TestWaitForIdentify_FirstCallDoesNotWait(t *testing.T) {
	l, clk := newTestLimiter(1)

	require.NoError(t, l.WaitForIdentify(context.Background(), 0))
	assert.Equal(t, epoch, clk.Now())
	assert.Equal(t, 0, clk.PendingCount())
}

// With max concurrency 1, shards 0 and 1 share bucket 0 and are spaced apart.
func TestWaitForIdentify_SameBucketSpacing(t *testing.T) {
	l, clk := newTestLimiter(1)
	ctx := context.Background()

	require.NoError(t, l.WaitForIdentify(ctx, 0))
	first := clk.Now()

	done := make(chan struct{})
	var second time.Time
	go func() {
		defer close(done)
		assert.NoError(t, l.WaitForIdentify(ctx, 1))
		second = clk.Now()
	}()

	clk.WaitForTimers(1)
	select {
	case <-done:
		t.Fatal("second identify granted before the interval elapsed")
	default:
	}

	clk.Advance(DefaultInterval)
	waitDone(t, done, "second identify was never granted")
	assert.GreaterOrEqual(t, second.Sub(first), DefaultInterval)
}

// With max concurrency 16, shard 1 is not delayed by traffic in bucket 0.
func TestWaitForIdentify_BucketsAreIndependent(t *testing.T) {
	l, clk := newTestLimiter(16)
	ctx := context.Background()

	release0, err := l.Acquire(ctx, 0)
	require.NoError(t, err)

	blocked := make(chan struct{})
	go func() {
		defer close(blocked)
		assert.NoError(t, l.WaitForIdentify(ctx, 16))
	}()
	require.Eventually(t, func() bool { return l.queueLen(0) == 1 }, time.Second, time.Millisecond)

	other := make(chan struct{})
	go func() {
		defer close(other)
		assert.NoError(t, l.WaitForIdentify(ctx, 1))
	}()
	waitDone(t, other, "bucket 1 was delayed by bucket 0")

	select {
	case <-blocked:
		t.Fatal("shard 16 should still wait behind shard 0")
	default:
	}

	release0()
	clk.WaitForTimers(1)
	clk.Advance(DefaultInterval)
	waitDone(t, blocked, "shard 16 was never granted")
}

func TestAcquire_FIFOAndMinimumSpacing(t *testing.T) {
	l, clk := newTestLimiter(1)
	ctx := context.Background()

	release, err := l.Acquire(ctx, 0)
	require.NoError(t, err)

	var (
		mu     sync.Mutex
		order  []int
		grants []time.Time
	)
	record := func(id int) func() error {
		return func() error {
			mu.Lock()
			defer mu.Unlock()
			order = append(order, id)
			grants = append(grants, clk.Now())
			return nil
		}
	}

	var wg sync.WaitGroup
	for i, id := range []int{3, 1, 2} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, l.Do(ctx, id, record(id)))
		}()
		require.Eventually(t, func() bool { return l.queueLen(0) == i+1 }, time.Second, time.Millisecond)
	}

	start := clk.Now()
	release()

	for i := 0; i < 3; i++ {
		clk.WaitForTimers(1)
		clk.Advance(DefaultInterval)
		require.Eventually(t, func() bool {
			mu.Lock()
			defer mu.Unlock()
			return len(order) == i+1
		}, time.Second, time.Millisecond)
	}
	wg.Wait()

	assert.Equal(t, []int{3, 1, 2}, order)
	prev := start
	for _, g := range grants {
		assert.GreaterOrEqual(t, g.Sub(prev), DefaultInterval)
		prev = g
	}
}

func TestDo_ReleasesOnError(t *testing.T) {
	l, clk := newTestLimiter(1)
	ctx := context.Background()
	boom := errors.New("identify payload failed")

	err := l.Do(ctx, 0, func() error { return boom })
	assert.ErrorIs(t, err, boom)

	done := make(chan struct{})
	go func() {
		defer close(done)
		assert.NoError(t, l.WaitForIdentify(ctx, 0))
	}()
	clk.WaitForTimers(1)
	clk.Advance(DefaultInterval)
	waitDone(t, done, "waiter deadlocked after an erroring body")
}

func TestDo_ReleasesOnPanic(t *testing.T) {
	l, clk := newTestLimiter(1)
	ctx := context.Background()

	assert.Panics(t, func() {
		_ = l.Do(ctx, 0, func() error { panic("boom") })
	})

	done := make(chan struct{})
	go func() {
		defer close(done)
		assert.NoError(t, l.WaitForIdentify(ctx, 0))
	}()
	clk.WaitForTimers(1)
	clk.Advance(DefaultInterval)
	waitDone(t, done, "waiter deadlocked after a panicking body")
}

func TestAcquire_ReleaseIsIdempotent(t *testing.T) {
	l, clk := newTestLimiter(1)
	ctx := context.Background()

	release, err := l.Acquire(ctx, 0)
	require.NoError(t, err)

	waiting := make(chan struct{})
	go func() {
		defer close(waiting)
		assert.NoError(t, l.WaitForIdentify(ctx, 0))
	}()
	require.Eventually(t, func() bool { return l.queueLen(0) == 1 }, time.Second, time.Millisecond)

	release()
	release()

	clk.WaitForTimers(1)
	clk.Advance(DefaultInterval)
	waitDone(t, waiting, "waiter never granted")

	assert.Equal(t, 0, l.queueLen(0))
}

func TestAcquire_StaleWindowDoesNotSleep(t *testing.T) {
	l, clk := newTestLimiter(1)
	ctx := context.Background()

	require.NoError(t, l.WaitForIdentify(ctx, 0))
	clk.Advance(time.Minute)

	require.NoError(t, l.WaitForIdentify(ctx, 0))
	assert.Equal(t, 0, clk.PendingCount())
}

func TestWaitForIdentify_QuotaFetchError(t *testing.T) {
	boom := errors.New("rest unavailable")
	l := New(gatewayinfo.ProviderFunc(func(ctx context.Context) (*gatewayinfo.Info, error) {
		return nil, boom
	}))

	err := l.WaitForIdentify(context.Background(), 0)
	var qe *QuotaFetchError
	require.ErrorAs(t, err, &qe)
	assert.ErrorIs(t, err, boom)
	assert.Empty(t, l.buckets, "no bucket should be created on quota failure")
}

func TestWaitForIdentify_ZeroConcurrencyIsAnError(t *testing.T) {
	l := New(gatewayinfo.NewStatic(0))

	err := l.WaitForIdentify(context.Background(), 3)
	var qe *QuotaFetchError
	assert.ErrorAs(t, err, &qe)
}

func TestWaitForIdentify_NegativeShard(t *testing.T) {
	l := New(gatewayinfo.NewStatic(1))
	assert.ErrorIs(t, l.WaitForIdentify(context.Background(), -1), ErrInvalidShardID)
}

func TestUniformJitter_Range(t *testing.T) {
	j := uniformJitter(DefaultMaxJitter)
	for i := 0; i < 1000; i++ {
		d := j()
		assert.GreaterOrEqual(t, d, time.Duration(0))
		assert.Less(t, d, DefaultMaxJitter)
	}
	assert.Equal(t, time.Duration(0), uniformJitter(0)())
}

func TestWaitForIdentify_RealClockSpacing(t *testing.T) {
	const interval = 30 * time.Millisecond
	l := New(gatewayinfo.NewStatic(1), WithInterval(interval), WithMaxJitter(0))
	ctx := context.Background()

	var (
		mu     sync.Mutex
		grants []time.Time
	)
	var wg sync.WaitGroup
	for id := 0; id < 4; id++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, l.Do(ctx, id, func() error {
				mu.Lock()
				grants = append(grants, time.Now())
				mu.Unlock()
				return nil
			}))
		}()
	}
	wg.Wait()

	require.Len(t, grants, 4)
	for i := 1; i < len(grants); i++ {
		assert.GreaterOrEqual(t, grants[i].Sub(grants[i-1]), interval-time.Millisecond)
	}
}
