// ABOUTME: Tests for the in-process pipe and the CBOR stream transport.
// ABOUTME: Covers ordering, role enforcement, closure, cancellation, and malformed frames.

package transport

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/shard-fleet/internal/protocol"
	"github.com/2389/shard-fleet/internal/shard"
)

func streamPair(t *testing.T) (controller, worker *StreamConn, rawToWorker io.Writer) {
	t.Helper()
	c2wR, c2wW := io.Pipe()
	w2cR, w2cW := io.Pipe()

	controller = NewStreamConn(RoleController, w2cR, c2wW, closerFunc(func() error {
		return errors.Join(c2wW.Close(), w2cR.Close())
	}))
	worker = NewStreamConn(RoleWorker, c2wR, w2cW, closerFunc(func() error {
		return errors.Join(w2cW.Close(), c2wR.Close())
	}))
	t.Cleanup(func() {
		controller.Close()
		worker.Close()
	})
	return controller, worker, c2wW
}

func bothKinds(t *testing.T, fn func(t *testing.T, controller, worker Conn)) {
	t.Run("pipe", func(t *testing.T) {
		c, w := Pipe()
		defer c.Close()
		fn(t, c, w)
	})
	t.Run("stream", func(t *testing.T) {
		c, w, _ := streamPair(t)
		fn(t, c, w)
	})
}

func TestConn_OrderedDelivery(t *testing.T) {
	bothKinds(t, func(t *testing.T, controller, worker Conn) {
		ctx := context.Background()
		go func() {
			for i := 0; i < 10; i++ {
				assert.NoError(t, controller.SendCommand(ctx, protocol.Connect{ShardID: i}))
			}
		}()
		for i := 0; i < 10; i++ {
			cmd, err := worker.RecvCommand(ctx)
			require.NoError(t, err)
			assert.Equal(t, protocol.Connect{ShardID: i}, cmd)
		}

		go func() {
			assert.NoError(t, worker.SendReply(ctx, protocol.FetchStatusResponse{Status: shard.StatusReady, Nonce: "n"}))
		}()
		reply, err := controller.RecvReply(ctx)
		require.NoError(t, err)
		assert.Equal(t, protocol.FetchStatusResponse{Status: shard.StatusReady, Nonce: "n"}, reply)
	})
}

func TestConn_WrongRole(t *testing.T) {
	bothKinds(t, func(t *testing.T, controller, worker Conn) {
		ctx := context.Background()
		assert.Equal(t, RoleController, controller.Role())
		assert.Equal(t, RoleWorker, worker.Role())

		err := worker.SendCommand(ctx, protocol.Connect{})
		assert.ErrorIs(t, err, ErrWrongRole)
		assert.True(t, IsTransportError(err))

		_, err = controller.RecvCommand(ctx)
		assert.ErrorIs(t, err, ErrWrongRole)

		err = controller.SendReply(ctx, protocol.WorkerReady{})
		assert.ErrorIs(t, err, ErrWrongRole)

		_, err = worker.RecvReply(ctx)
		assert.ErrorIs(t, err, ErrWrongRole)
	})
}

func TestConn_ContextCancelIsNotTransportError(t *testing.T) {
	bothKinds(t, func(t *testing.T, controller, worker Conn) {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
		defer cancel()

		_, err := worker.RecvCommand(ctx)
		assert.ErrorIs(t, err, context.DeadlineExceeded)
		assert.False(t, IsTransportError(err))
	})
}

func TestPipe_CloseUnblocksBothEnds(t *testing.T) {
	controller, worker := Pipe()
	ctx := context.Background()

	errCh := make(chan error, 1)
	go func() {
		_, err := worker.RecvCommand(ctx)
		errCh <- err
	}()

	require.NoError(t, controller.Close())

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, ErrClosed)
		assert.True(t, IsTransportError(err))
	case <-time.After(time.Second):
		t.Fatal("recv not unblocked by close")
	}

	assert.ErrorIs(t, worker.SendReply(ctx, protocol.WorkerReady{}), ErrClosed)
	assert.NoError(t, worker.Close(), "second close is a no-op")
}

func TestStreamConn_PeerCloseIsErrClosed(t *testing.T) {
	controller, worker, _ := streamPair(t)

	require.NoError(t, controller.Close())

	_, err := worker.RecvCommand(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrClosed)
	assert.True(t, IsTransportError(err))
}

func TestStreamConn_FramesSurvivePeerExitAndClose(t *testing.T) {
	controller, worker, _ := streamPair(t)
	ctx := context.Background()

	require.NoError(t, worker.SendReply(ctx, protocol.WorkerReady{}))
	require.NoError(t, worker.SendReply(ctx, protocol.Connected{ShardID: 4}))
	require.NoError(t, worker.Close())

	select {
	case <-controller.ReadDone():
	case <-time.After(time.Second):
		t.Fatal("reader did not stop at end of stream")
	}
	require.NoError(t, controller.Close())

	r, err := controller.RecvReply(ctx)
	require.NoError(t, err)
	assert.Equal(t, protocol.WorkerReady{}, r)
	r, err = controller.RecvReply(ctx)
	require.NoError(t, err)
	assert.Equal(t, protocol.Connected{ShardID: 4}, r)

	_, err = controller.RecvReply(ctx)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestStreamConn_MalformedFrameIsFatal(t *testing.T) {
	_, worker, raw := streamPair(t)

	go func() {
		// A valid CBOR map whose op is not a command.
		_, _ = raw.Write([]byte{0xa2, 0x62, 'o', 'p', 0x18, 0xc8, 0x64, 'b', 'o', 'd', 'y', 0xa0})
	}()

	_, err := worker.RecvCommand(context.Background())
	require.Error(t, err)
	assert.True(t, IsTransportError(err))
	assert.ErrorIs(t, err, protocol.ErrUnknownOp)
}

func TestRole_String(t *testing.T) {
	assert.Equal(t, "controller", RoleController.String())
	assert.Equal(t, "worker", RoleWorker.String())
	assert.Equal(t, "role(0)", Role(0).String())
}
