// ABOUTME: CBOR-framed Conn over byte streams, used between the controller and worker processes.
// ABOUTME: A background reader feeds frames to Recv so that Recv can honor context cancellation.

package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/fxamacker/cbor/v2"

	"github.com/2389/shard-fleet/internal/protocol"
)

type frame struct {
	data []byte
	err  error
}

// StreamConn is a Conn over an io.Reader/io.Writer pair, such as a child
// process's stdin and stdout.
type StreamConn struct {
	role   Role
	closer io.Closer

	writeMu sync.Mutex
	w       io.Writer

	frames    chan frame
	readDone  chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

// NewStreamConn starts reading frames from r. closer is closed by Close
// and should unblock r.
func NewStreamConn(role Role, r io.Reader, w io.Writer, closer io.Closer) *StreamConn {
	c := &StreamConn{
		role:   role,
		closer: closer,
		w:      w,
		frames:   make(chan frame, pipeBufferSize),
		readDone: make(chan struct{}),
		done:     make(chan struct{}),
	}
	go c.readLoop(r)
	return c
}

// WorkerStdio returns the worker end over the process's stdin and stdout.
func WorkerStdio() *StreamConn {
	return NewStreamConn(RoleWorker, os.Stdin, os.Stdout, closerFunc(func() error {
		return errors.Join(os.Stdin.Close(), os.Stdout.Close())
	}))
}

type closerFunc func() error

func (f closerFunc) Close() error { return f() }

func (c *StreamConn) readLoop(r io.Reader) {
	defer close(c.readDone)
	dec := cbor.NewDecoder(r)
	for {
		var raw cbor.RawMessage
		if err := dec.Decode(&raw); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, os.ErrClosed) {
				err = fmt.Errorf("%w: %v", ErrClosed, err)
			}
			select {
			case c.frames <- frame{err: err}:
			case <-c.done:
			}
			return
		}
		select {
		case c.frames <- frame{data: raw}:
		case <-c.done:
			return
		}
	}
}

// ReadDone is closed once the reader has stopped: the stream ended or
// failed and that was queued for Recv, or the conn was closed. Frames read
// before then stay receivable after Close.
func (c *StreamConn) ReadDone() <-chan struct{} { return c.readDone }

func (f frame) unpack(op string) ([]byte, error) {
	if f.err != nil {
		return nil, &Error{Op: op, Err: f.err}
	}
	return f.data, nil
}

// Role returns the end this conn represents.
func (c *StreamConn) Role() Role { return c.role }

func (c *StreamConn) write(op string, encode func() ([]byte, error)) error {
	data, err := encode()
	if err != nil {
		return &Error{Op: op, Err: err}
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	select {
	case <-c.done:
		return &Error{Op: op, Err: ErrClosed}
	default:
	}
	if _, err := c.w.Write(data); err != nil {
		return &Error{Op: op, Err: err}
	}
	return nil
}

func (c *StreamConn) next(ctx context.Context, op string) ([]byte, error) {
	select {
	case f := <-c.frames:
		return f.unpack(op)
	default:
	}
	select {
	case f := <-c.frames:
		return f.unpack(op)
	case <-c.done:
		return nil, &Error{Op: op, Err: ErrClosed}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// SendCommand writes a command frame.
func (c *StreamConn) SendCommand(ctx context.Context, cmd protocol.Command) error {
	if c.role != RoleController {
		return wrongRole("send command", c.role)
	}
	return c.write("send command", func() ([]byte, error) { return protocol.EncodeCommand(cmd) })
}

// RecvCommand reads the next command frame.
func (c *StreamConn) RecvCommand(ctx context.Context) (protocol.Command, error) {
	if c.role != RoleWorker {
		return nil, wrongRole("recv command", c.role)
	}
	data, err := c.next(ctx, "recv command")
	if err != nil {
		return nil, err
	}
	cmd, err := protocol.DecodeCommand(data)
	if err != nil {
		return nil, &Error{Op: "recv command", Err: err}
	}
	return cmd, nil
}

// SendReply writes a reply frame.
func (c *StreamConn) SendReply(ctx context.Context, reply protocol.Reply) error {
	if c.role != RoleWorker {
		return wrongRole("send reply", c.role)
	}
	return c.write("send reply", func() ([]byte, error) { return protocol.EncodeReply(reply) })
}

// RecvReply reads the next reply frame.
func (c *StreamConn) RecvReply(ctx context.Context) (protocol.Reply, error) {
	if c.role != RoleController {
		return nil, wrongRole("recv reply", c.role)
	}
	data, err := c.next(ctx, "recv reply")
	if err != nil {
		return nil, err
	}
	reply, err := protocol.DecodeReply(data)
	if err != nil {
		return nil, &Error{Op: "recv reply", Err: err}
	}
	return reply, nil
}

// Close closes the underlying streams. Safe to call more than once.
func (c *StreamConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		if c.closer != nil {
			err = c.closer.Close()
		}
	})
	return err
}
