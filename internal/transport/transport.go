// ABOUTME: Controller/worker message channel abstraction with role tagging and fatal transport errors.
// ABOUTME: Delivery is ordered and reliable per channel; any failure surfaces as *Error.

package transport

import (
	"context"
	"errors"
	"fmt"

	"github.com/2389/shard-fleet/internal/protocol"
)

// Role identifies which end of a channel a Conn is.
type Role int

const (
	RoleController Role = iota + 1
	RoleWorker
)

func (r Role) String() string {
	switch r {
	case RoleController:
		return "controller"
	case RoleWorker:
		return "worker"
	default:
		return fmt.Sprintf("role(%d)", int(r))
	}
}

var (
	// ErrClosed indicates the channel is closed or its peer went away.
	ErrClosed = errors.New("transport closed")

	// ErrWrongRole indicates a call in the direction this end cannot use.
	ErrWrongRole = errors.New("operation not valid for this end of the channel")
)

// Error is a transport failure: a malformed, undeliverable, or misrouted
// message, or a dropped channel. It is never recoverable locally.
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string {
	return fmt.Sprintf("transport %s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// IsTransportError reports whether err is, or wraps, a *Error.
func IsTransportError(err error) bool {
	var te *Error
	return errors.As(err, &te)
}

// Conn is one end of a controller/worker channel. The controller end
// sends commands and receives replies; the worker end does the reverse.
// Methods are safe for concurrent use.
type Conn interface {
	Role() Role
	SendCommand(ctx context.Context, cmd protocol.Command) error
	RecvCommand(ctx context.Context) (protocol.Command, error)
	SendReply(ctx context.Context, reply protocol.Reply) error
	RecvReply(ctx context.Context) (protocol.Reply, error)
	Close() error
}

func wrongRole(op string, role Role) error {
	return &Error{Op: op, Err: fmt.Errorf("%w (%s end)", ErrWrongRole, role)}
}
