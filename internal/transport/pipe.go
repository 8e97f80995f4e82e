// ABOUTME: In-process channel pair, the goroutine analogue of a worker message port.
// ABOUTME: Messages pass as Go values; closing either end closes both.

package transport

import (
	"context"
	"sync"

	"github.com/2389/shard-fleet/internal/protocol"
)

const pipeBufferSize = 64

type pipe struct {
	commands chan protocol.Command
	replies  chan protocol.Reply
	done     chan struct{}
	once     sync.Once
}

type pipeEnd struct {
	p    *pipe
	role Role
}

// Pipe returns a connected controller end and worker end.
func Pipe() (controller, worker Conn) {
	p := &pipe{
		commands: make(chan protocol.Command, pipeBufferSize),
		replies:  make(chan protocol.Reply, pipeBufferSize),
		done:     make(chan struct{}),
	}
	return &pipeEnd{p: p, role: RoleController}, &pipeEnd{p: p, role: RoleWorker}
}

func (e *pipeEnd) Role() Role { return e.role }

func (e *pipeEnd) SendCommand(ctx context.Context, cmd protocol.Command) error {
	if e.role != RoleController {
		return wrongRole("send command", e.role)
	}
	return send[protocol.Command](ctx, e.p, e.p.commands, cmd, "send command")
}

func (e *pipeEnd) RecvCommand(ctx context.Context) (protocol.Command, error) {
	if e.role != RoleWorker {
		return nil, wrongRole("recv command", e.role)
	}
	return recv[protocol.Command](ctx, e.p, e.p.commands, "recv command")
}

func (e *pipeEnd) SendReply(ctx context.Context, reply protocol.Reply) error {
	if e.role != RoleWorker {
		return wrongRole("send reply", e.role)
	}
	return send[protocol.Reply](ctx, e.p, e.p.replies, reply, "send reply")
}

func (e *pipeEnd) RecvReply(ctx context.Context) (protocol.Reply, error) {
	if e.role != RoleController {
		return nil, wrongRole("recv reply", e.role)
	}
	return recv[protocol.Reply](ctx, e.p, e.p.replies, "recv reply")
}

func (e *pipeEnd) Close() error {
	e.p.once.Do(func() { close(e.p.done) })
	return nil
}

func send[T any](ctx context.Context, p *pipe, ch chan<- T, msg T, op string) error {
	select {
	case <-p.done:
		return &Error{Op: op, Err: ErrClosed}
	default:
	}
	select {
	case ch <- msg:
		return nil
	case <-p.done:
		return &Error{Op: op, Err: ErrClosed}
	case <-ctx.Done():
		return ctx.Err()
	}
}

func recv[T any](ctx context.Context, p *pipe, ch <-chan T, op string) (T, error) {
	var zero T
	select {
	case msg := <-ch:
		return msg, nil
	default:
	}
	select {
	case msg := <-ch:
		return msg, nil
	case <-p.done:
		return zero, &Error{Op: op, Err: ErrClosed}
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}
