// ABOUTME: Tests for the loopback shard state machine.
// ABOUTME: Covers fresh identify, resume, send sequencing, and destroy preempting connect.

package shard

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/shard-fleet/internal/session"
)

type countingLimiter struct {
	mu    sync.Mutex
	calls []int
	block chan struct{}
}

func (c *countingLimiter) WaitForIdentify(ctx context.Context, shardID int) error {
	c.mu.Lock()
	c.calls = append(c.calls, shardID)
	c.mu.Unlock()
	if c.block == nil {
		return nil
	}
	select {
	case <-c.block:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *countingLimiter) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.calls)
}

func collect(t *testing.T, s Shard, names ...string) func() []Event {
	t.Helper()
	var mu sync.Mutex
	var got []Event
	for _, name := range names {
		sub := s.Events().Subscribe(name, func(e Event) {
			mu.Lock()
			got = append(got, e)
			mu.Unlock()
		})
		t.Cleanup(sub.Release)
	}
	return func() []Event {
		mu.Lock()
		defer mu.Unlock()
		out := make([]Event, len(got))
		copy(out, got)
		return out
	}
}

func TestStatus_String(t *testing.T) {
	assert.Equal(t, "idle", StatusIdle.String())
	assert.Equal(t, "connecting", StatusConnecting.String())
	assert.Equal(t, "resuming", StatusResuming.String())
	assert.Equal(t, "ready", StatusReady.String())
	assert.Equal(t, "status(9)", Status(9).String())
}

func TestNewLoopback_RejectsOutOfRange(t *testing.T) {
	_, err := NewLoopback(4, 4, &LocalFetcher{})
	assert.Error(t, err)
}

func TestLoopback_ConnectIdentifies(t *testing.T) {
	store := session.NewMemoryStore()
	limiter := &countingLimiter{}
	s, err := NewLoopback(1, 2, &LocalFetcher{Store: store, Limiter: limiter})
	require.NoError(t, err)
	events := collect(t, s, EventReady, EventResumed)

	require.NoError(t, s.Connect(context.Background()))

	assert.Equal(t, StatusReady, s.Status())
	assert.Equal(t, 1, limiter.count())
	got := events()
	require.Len(t, got, 1)
	assert.Equal(t, EventReady, got[0].Name)
	assert.Equal(t, 1, got[0].ShardID)

	stored, err := store.Get(context.Background(), 1)
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, 2, stored.ShardCount)

	require.NoError(t, s.Connect(context.Background()), "connect on a ready shard is a no-op")
	assert.Equal(t, 1, limiter.count())
}

func TestLoopback_ConnectResumesStoredSession(t *testing.T) {
	store := session.NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, store.Set(ctx, 0, &session.Info{SessionID: "old", Sequence: 9, ShardID: 0, ShardCount: 1}))
	limiter := &countingLimiter{}
	s, err := NewLoopback(0, 1, &LocalFetcher{Store: store, Limiter: limiter})
	require.NoError(t, err)
	events := collect(t, s, EventReady, EventResumed)

	require.NoError(t, s.Connect(ctx))

	assert.Equal(t, 0, limiter.count(), "resume must not consume an identify")
	got := events()
	require.Len(t, got, 1)
	assert.Equal(t, EventResumed, got[0].Name)
}

func TestLoopback_StaleShardCountIdentifies(t *testing.T) {
	store := session.NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, store.Set(ctx, 0, &session.Info{SessionID: "old", ShardCount: 4}))
	limiter := &countingLimiter{}
	s, err := NewLoopback(0, 2, &LocalFetcher{Store: store, Limiter: limiter})
	require.NoError(t, err)

	require.NoError(t, s.Connect(ctx))
	assert.Equal(t, 1, limiter.count())
}

func TestLoopback_Send(t *testing.T) {
	store := session.NewMemoryStore()
	s, err := NewLoopback(0, 1, &LocalFetcher{Store: store, Limiter: &countingLimiter{}})
	require.NoError(t, err)
	ctx := context.Background()
	events := collect(t, s, EventDispatch)

	assert.ErrorIs(t, s.Send(ctx, "early"), ErrNotReady)

	require.NoError(t, s.Connect(ctx))
	require.NoError(t, s.Send(ctx, map[string]any{"op": 1}))
	require.NoError(t, s.Send(ctx, map[string]any{"op": 1}))

	got := events()
	require.Len(t, got, 2)
	stored, err := store.Get(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(2), stored.Sequence)
}

func TestLoopback_DestroyPreemptsConnect(t *testing.T) {
	store := session.NewMemoryStore()
	limiter := &countingLimiter{block: make(chan struct{})}
	s, err := NewLoopback(0, 1, &LocalFetcher{Store: store, Limiter: limiter})
	require.NoError(t, err)
	events := collect(t, s, EventClosed)

	connectErr := make(chan error, 1)
	go func() { connectErr <- s.Connect(context.Background()) }()
	require.Eventually(t, func() bool { return limiter.count() == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, StatusConnecting, s.Status())

	require.NoError(t, s.Destroy(context.Background(), DestroyOptions{Code: 1000, Reason: "shutdown"}))

	select {
	case err := <-connectErr:
		assert.ErrorIs(t, err, ErrDestroyed)
	case <-time.After(time.Second):
		t.Fatal("connect was not preempted")
	}
	assert.Equal(t, StatusIdle, s.Status())
	assert.Len(t, events(), 1)

	stored, err := store.Get(context.Background(), 0)
	require.NoError(t, err)
	assert.Nil(t, stored)
}

func TestLoopback_DestroyForResumeKeepsSession(t *testing.T) {
	store := session.NewMemoryStore()
	s, err := NewLoopback(0, 1, &LocalFetcher{Store: store, Limiter: &countingLimiter{}})
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, s.Connect(ctx))
	require.NoError(t, s.Destroy(ctx, DestroyOptions{Recover: RecoverResume}))

	stored, err := store.Get(ctx, 0)
	require.NoError(t, err)
	assert.NotNil(t, stored)
	assert.Equal(t, StatusIdle, s.Status())
}

func TestLoopback_CancelledConnectReturnsToIdle(t *testing.T) {
	limiter := &countingLimiter{block: make(chan struct{})}
	s, err := NewLoopback(0, 1, &LocalFetcher{Store: session.NewMemoryStore(), Limiter: limiter})
	require.NoError(t, err)
	errorEvents := collect(t, s, EventError)

	ctx, cancel := context.WithCancel(context.Background())
	connectErr := make(chan error, 1)
	go func() { connectErr <- s.Connect(ctx) }()
	require.Eventually(t, func() bool { return limiter.count() == 1 }, time.Second, time.Millisecond)

	cancel()
	select {
	case err := <-connectErr:
		assert.ErrorIs(t, err, ErrDestroyed)
	case <-time.After(time.Second):
		t.Fatal("connect ignored cancellation")
	}
	assert.Equal(t, StatusIdle, s.Status())
	assert.Empty(t, errorEvents())

	close(limiter.block)
	require.NoError(t, s.Connect(context.Background()))
	assert.Equal(t, StatusReady, s.Status())
}
