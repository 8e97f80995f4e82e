// ABOUTME: Loopback shard: a self-contained shard state machine with no network connection.
// ABOUTME: Resumes from stored sessions, queues for identify otherwise, and echoes sends as dispatches.

package shard

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/2389/shard-fleet/internal/events"
	"github.com/2389/shard-fleet/internal/session"
)

// Loopback runs the shard lifecycle against its ContextFetcher without
// opening a gateway connection. It backs the demo fleet and tests.
type Loopback struct {
	id         int
	shardCount int
	fetcher    ContextFetcher
	bus        *events.Bus[Event]

	mu            sync.Mutex
	status        Status
	session       *session.Info
	cancelConnect context.CancelFunc
}

// NewLoopback is a Factory for loopback shards.
func NewLoopback(id, shardCount int, fetcher ContextFetcher) (Shard, error) {
	if id < 0 || id >= shardCount {
		return nil, fmt.Errorf("shard id %d out of range for %d shards", id, shardCount)
	}
	return &Loopback{
		id:         id,
		shardCount: shardCount,
		fetcher:    fetcher,
		bus:        events.NewBus[Event](),
	}, nil
}

func (l *Loopback) ID() int                    { return l.id }
func (l *Loopback) Events() *events.Bus[Event] { return l.bus }

// Status returns the current status.
func (l *Loopback) Status() Status {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.status
}

func (l *Loopback) emit(name string, data any) {
	l.bus.Publish(name, Event{ShardID: l.id, Name: name, Data: data})
}

// Connect resumes a stored session when one matches the shard count,
// otherwise waits for an identify grant and starts a new session.
func (l *Loopback) Connect(ctx context.Context) error {
	l.mu.Lock()
	if l.status != StatusIdle {
		l.mu.Unlock()
		return nil
	}
	ctx, cancel := context.WithCancel(ctx)
	l.cancelConnect = cancel
	l.status = StatusConnecting
	l.mu.Unlock()
	defer cancel()

	l.emit(EventDebug, fmt.Sprintf("[shard %d] connecting", l.id))
	l.emit(EventHelloReceived, nil)

	stored, err := l.fetcher.RetrieveSessionInfo(ctx, l.id)
	if err != nil {
		return l.failConnect(ctx, fmt.Errorf("retrieving session: %w", err))
	}

	if stored != nil && stored.ShardCount == l.shardCount {
		if !l.transition(StatusConnecting, StatusResuming) {
			return ErrDestroyed
		}
		l.emit(EventDebug, fmt.Sprintf("[shard %d] resuming session %s at sequence %d", l.id, stored.SessionID, stored.Sequence))
		if !l.ready(stored) {
			return ErrDestroyed
		}
		l.emit(EventResumed, map[string]any{"session_id": stored.SessionID, "sequence": stored.Sequence})
		return nil
	}

	if err := l.fetcher.WaitForIdentify(ctx, l.id); err != nil {
		return l.failConnect(ctx, fmt.Errorf("waiting for identify: %w", err))
	}

	if ctx.Err() != nil {
		return l.failConnect(ctx, ctx.Err())
	}
	info := &session.Info{
		SessionID:  uuid.New().String(),
		ShardID:    l.id,
		ShardCount: l.shardCount,
	}
	if err := l.fetcher.UpdateSessionInfo(ctx, l.id, info); err != nil {
		return l.failConnect(ctx, fmt.Errorf("storing session: %w", err))
	}
	if !l.ready(info) {
		return ErrDestroyed
	}
	l.emit(EventReady, map[string]any{"session_id": info.SessionID})
	return nil
}

// failConnect returns the shard to idle. A cancelled connect reports
// ErrDestroyed and stays quiet.
func (l *Loopback) failConnect(ctx context.Context, err error) error {
	l.mu.Lock()
	if l.status == StatusConnecting || l.status == StatusResuming {
		l.status = StatusIdle
	}
	l.mu.Unlock()
	if ctx.Err() != nil {
		return ErrDestroyed
	}
	l.emit(EventError, err.Error())
	return err
}

func (l *Loopback) transition(from, to Status) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.status != from {
		return false
	}
	l.status = to
	return true
}

func (l *Loopback) ready(info *session.Info) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.status != StatusConnecting && l.status != StatusResuming {
		return false
	}
	l.status = StatusReady
	l.session = info
	return true
}

// Destroy stops the shard, preempting an in-flight Connect. Unless the
// shard intends to resume, its stored session is cleared.
func (l *Loopback) Destroy(ctx context.Context, opts DestroyOptions) error {
	l.mu.Lock()
	if l.cancelConnect != nil {
		l.cancelConnect()
		l.cancelConnect = nil
	}
	wasIdle := l.status == StatusIdle
	l.status = StatusIdle
	l.session = nil
	l.mu.Unlock()

	if opts.Recover != RecoverResume {
		if err := l.fetcher.UpdateSessionInfo(ctx, l.id, nil); err != nil {
			return fmt.Errorf("clearing session: %w", err)
		}
	}
	if !wasIdle {
		l.emit(EventClosed, map[string]any{"code": opts.Code, "reason": opts.Reason})
	}
	return nil
}

// Send echoes payload back as a dispatch event and advances the sequence.
func (l *Loopback) Send(ctx context.Context, payload any) error {
	l.mu.Lock()
	if l.status != StatusReady || l.session == nil {
		l.mu.Unlock()
		return ErrNotReady
	}
	l.session.Sequence++
	snapshot := *l.session
	l.mu.Unlock()

	if err := l.fetcher.UpdateSessionInfo(ctx, l.id, &snapshot); err != nil {
		return fmt.Errorf("storing sequence: %w", err)
	}
	l.emit(EventDispatch, map[string]any{"sequence": snapshot.Sequence, "payload": payload})
	return nil
}
