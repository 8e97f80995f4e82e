// ABOUTME: Shard contract consumed by the worker host: lifecycle, status, and named events.
// ABOUTME: The gateway wire protocol lives behind this interface and is not implemented here.

package shard

import (
	"context"
	"errors"
	"fmt"

	"github.com/2389/shard-fleet/internal/events"
	"github.com/2389/shard-fleet/internal/session"
)

// Status is the connection state of a shard.
type Status int

const (
	StatusIdle Status = iota
	StatusConnecting
	StatusResuming
	StatusReady
)

func (s Status) String() string {
	switch s {
	case StatusIdle:
		return "idle"
	case StatusConnecting:
		return "connecting"
	case StatusResuming:
		return "resuming"
	case StatusReady:
		return "ready"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// Event names a shard may publish.
const (
	EventClosed        = "closed"
	EventDebug         = "debug"
	EventDispatch      = "dispatch"
	EventError         = "error"
	EventHelloReceived = "hello_received"
	EventReady         = "ready"
	EventResumed       = "resumed"
)

// AllEvents returns every event name, the default forwarding set.
func AllEvents() []string {
	return []string{
		EventClosed,
		EventDebug,
		EventDispatch,
		EventError,
		EventHelloReceived,
		EventReady,
		EventResumed,
	}
}

// Event is one occurrence of a named shard event.
type Event struct {
	ShardID int
	Name    string
	Data    any
}

// Recovery says what a destroyed shard intends to do next.
type Recovery string

const (
	RecoverNone      Recovery = ""
	RecoverReconnect Recovery = "reconnect"
	RecoverResume    Recovery = "resume"
)

// DestroyOptions tunes Destroy.
type DestroyOptions struct {
	Code    int      `cbor:"code,omitempty"`
	Reason  string   `cbor:"reason,omitempty"`
	Recover Recovery `cbor:"recover,omitempty"`
}

var (
	// ErrNotReady is returned by Send before the shard is ready.
	ErrNotReady = errors.New("shard is not ready")

	// ErrDestroyed is returned by a Connect that a Destroy preempted.
	ErrDestroyed = errors.New("shard destroyed while connecting")
)

// Shard is one gateway connection.
type Shard interface {
	ID() int
	Connect(ctx context.Context) error
	Destroy(ctx context.Context, opts DestroyOptions) error
	Send(ctx context.Context, payload any) error
	Status() Status
	Events() *events.Bus[Event]
}

// ContextFetcher lets a shard read and write state it does not own: the
// session used for resuming and the permission to identify.
type ContextFetcher interface {
	RetrieveSessionInfo(ctx context.Context, shardID int) (*session.Info, error)
	UpdateSessionInfo(ctx context.Context, shardID int, info *session.Info) error
	WaitForIdentify(ctx context.Context, shardID int) error
}

// Factory builds the shard with the given id.
type Factory func(id, shardCount int, fetcher ContextFetcher) (Shard, error)

// IdentifyWaiter is satisfied by *identify.Limiter.
type IdentifyWaiter interface {
	WaitForIdentify(ctx context.Context, shardID int) error
}

// LocalFetcher answers fetch requests directly from a store and limiter
// in the same process.
type LocalFetcher struct {
	Store   session.Store
	Limiter IdentifyWaiter
}

// RetrieveSessionInfo reads from the store.
func (f *LocalFetcher) RetrieveSessionInfo(ctx context.Context, shardID int) (*session.Info, error) {
	return f.Store.Get(ctx, shardID)
}

// UpdateSessionInfo writes to the store; nil clears the session.
func (f *LocalFetcher) UpdateSessionInfo(ctx context.Context, shardID int, info *session.Info) error {
	if info == nil {
		return f.Store.Delete(ctx, shardID)
	}
	return f.Store.Set(ctx, shardID, info)
}

// WaitForIdentify defers to the limiter.
func (f *LocalFetcher) WaitForIdentify(ctx context.Context, shardID int) error {
	return f.Limiter.WaitForIdentify(ctx, shardID)
}
