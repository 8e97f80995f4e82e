// ABOUTME: Identify rate limiter: per-bucket FIFO grants spaced by the identify interval.
// ABOUTME: Buckets are keyed by shard id mod max_concurrency and live for the process lifetime.

package identify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/2389/shard-fleet/internal/clock"
	"github.com/2389/shard-fleet/internal/gatewayinfo"
	"github.com/2389/shard-fleet/internal/metrics"
)

const (
	// DefaultInterval is the minimum gap between grants in one bucket.
	DefaultInterval = 5 * time.Second

	// DefaultMaxJitter bounds the random delay added to a bucket wait.
	DefaultMaxJitter = 1500 * time.Millisecond
)

// ErrInvalidShardID is returned for negative shard ids.
var ErrInvalidShardID = errors.New("shard id must not be negative")

// QuotaFetchError reports that max_concurrency could not be resolved.
// Callers must not identify when they receive it.
type QuotaFetchError struct {
	Err error
}

func (e *QuotaFetchError) Error() string {
	return fmt.Sprintf("resolving identify concurrency: %v", e.Err)
}

func (e *QuotaFetchError) Unwrap() error { return e.Err }

// bucket is one concurrency bucket. The holder flag and the FIFO of
// waiting channels implement a hand-off mutex: release passes ownership
// straight to the head waiter, so later arrivals can never barge.
type bucket struct {
	mu       sync.Mutex
	held     bool
	waiters  []chan struct{}
	resetsAt time.Time // zero until the first release
}

func (b *bucket) enter() {
	b.mu.Lock()
	if !b.held {
		b.held = true
		b.mu.Unlock()
		return
	}
	ch := make(chan struct{})
	b.waiters = append(b.waiters, ch)
	b.mu.Unlock()
	<-ch
}

func (b *bucket) leave(resetsAt time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.resetsAt = resetsAt
	if len(b.waiters) == 0 {
		b.held = false
		return
	}
	next := b.waiters[0]
	b.waiters[0] = nil
	b.waiters = b.waiters[1:]
	close(next)
}

func (b *bucket) nextReset() time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.resetsAt
}

// Limiter throttles IDENTIFY attempts across every shard of an application.
// One Limiter must be shared by the whole process; the controller owns it
// and workers reach it through messages.
type Limiter struct {
	provider gatewayinfo.Provider
	clock    clock.Clock
	interval time.Duration
	jitter   func() time.Duration
	logger   *slog.Logger
	metrics  *metrics.Metrics

	mu      sync.Mutex
	buckets map[int]*bucket
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithClock sets the clock used for bucket timing.
func WithClock(c clock.Clock) Option {
	return func(l *Limiter) { l.clock = c }
}

// WithInterval overrides the minimum gap between grants.
func WithInterval(d time.Duration) Option {
	return func(l *Limiter) { l.interval = d }
}

// WithJitter overrides the jitter source.
func WithJitter(f func() time.Duration) Option {
	return func(l *Limiter) { l.jitter = f }
}

// WithMaxJitter draws jitter uniformly from [0, max). Zero disables jitter.
func WithMaxJitter(max time.Duration) Option {
	return func(l *Limiter) { l.jitter = uniformJitter(max) }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Limiter) { l.logger = logger }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *metrics.Metrics) Option {
	return func(l *Limiter) { l.metrics = m }
}

// New creates a Limiter that sizes its buckets from provider.
func New(provider gatewayinfo.Provider, opts ...Option) *Limiter {
	l := &Limiter{
		provider: provider,
		clock:    clock.Real(),
		interval: DefaultInterval,
		jitter:   uniformJitter(DefaultMaxJitter),
		logger:   slog.Default(),
		buckets:  make(map[int]*bucket),
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.logger == nil {
		l.logger = slog.Default()
	}
	if l.clock == nil {
		l.clock = clock.Real()
	}
	l.logger = l.logger.With("component", "identify")
	return l
}

func uniformJitter(max time.Duration) func() time.Duration {
	if max <= 0 {
		return func() time.Duration { return 0 }
	}
	return func() time.Duration {
		return rand.N(max)
	}
}

// BucketFor returns the concurrency bucket of shardID.
func BucketFor(shardID, maxConcurrency int) int {
	return shardID % maxConcurrency
}

// WaitForIdentify blocks until shardID may identify. The grant is released
// as soon as the call returns, which starts the next interval for the bucket.
//
// ctx bounds only the quota lookup. Once queued, a caller keeps its slot
// until granted; abandoning it would shift the timing of later waiters.
func (l *Limiter) WaitForIdentify(ctx context.Context, shardID int) error {
	release, err := l.Acquire(ctx, shardID)
	if err != nil {
		return err
	}
	release()
	return nil
}

// Do runs fn while holding the identify grant for shardID. The grant is
// released when fn returns, returns an error, or panics.
func (l *Limiter) Do(ctx context.Context, shardID int, fn func() error) error {
	release, err := l.Acquire(ctx, shardID)
	if err != nil {
		return err
	}
	defer release()
	return fn()
}

// Acquire waits for the identify grant of shardID and returns a release
// function. Release is idempotent; every caller must invoke it.
func (l *Limiter) Acquire(ctx context.Context, shardID int) (release func(), err error) {
	if shardID < 0 {
		return nil, ErrInvalidShardID
	}

	maxConcurrency, err := l.maxConcurrency(ctx)
	if err != nil {
		l.metrics.QuotaFetchFailed()
		return nil, err
	}

	key := BucketFor(shardID, maxConcurrency)
	b := l.bucket(key)
	queuedAt := l.clock.Now()

	b.enter()

	var once sync.Once
	release = func() {
		once.Do(func() {
			b.leave(l.clock.Now().Add(l.interval))
		})
	}

	granted := false
	defer func() {
		if !granted {
			release()
		}
	}()

	if resetsAt := b.nextReset(); !resetsAt.IsZero() {
		diff := resetsAt.Sub(l.clock.Now())
		if diff <= l.interval {
			l.clock.Sleep(diff + l.jitter())
		}
	}

	waited := l.clock.Now().Sub(queuedAt)
	l.metrics.ObserveIdentify(key, waited)
	l.logger.Debug("identify granted",
		"shard_id", shardID,
		"bucket", key,
		"max_concurrency", maxConcurrency,
		"waited", waited,
	)

	granted = true
	return release, nil
}

func (l *Limiter) maxConcurrency(ctx context.Context) (int, error) {
	info, err := l.provider.FetchGatewayInformation(ctx)
	if err != nil {
		return 0, &QuotaFetchError{Err: err}
	}
	if info == nil || info.SessionStartLimit.MaxConcurrency < 1 {
		return 0, &QuotaFetchError{Err: errors.New("max_concurrency must be at least 1")}
	}
	return info.SessionStartLimit.MaxConcurrency, nil
}

func (l *Limiter) bucket(key int) *bucket {
	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{}
		l.buckets[key] = b
	}
	return b
}

// queueLen reports how many callers wait behind the holder of bucket key.
func (l *Limiter) queueLen(key int) int {
	l.mu.Lock()
	b, ok := l.buckets[key]
	l.mu.Unlock()
	if !ok {
		return 0
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.waiters)
}
