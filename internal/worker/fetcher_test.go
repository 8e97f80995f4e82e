// ABOUTME: Tests for the worker's nonce-correlated context fetcher.
// ABOUTME: Exercises resolve, cancellation, close, and fatal transport reporting.

package worker

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/shard-fleet/internal/protocol"
	"github.com/2389/shard-fleet/internal/session"
	"github.com/2389/shard-fleet/internal/transport"
)

func recvReply(t *testing.T, c transport.Conn) protocol.Reply {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	r, err := c.RecvReply(ctx)
	require.NoError(t, err)
	return r
}

func TestFetcher_ResolveDeliversByNonce(t *testing.T) {
	controller, w := transport.Pipe()
	defer controller.Close()
	f := NewFetcher(w, nil, nil)

	got := make(chan *session.Info, 1)
	go func() {
		info, err := f.RetrieveSessionInfo(context.Background(), 3)
		assert.NoError(t, err)
		got <- info
	}()

	req := recvReply(t, controller).(protocol.RetrieveSessionInfo)
	assert.Equal(t, 3, req.ShardID)
	assert.NotEmpty(t, req.Nonce)
	assert.Equal(t, 1, f.Outstanding())

	f.Resolve(req.Nonce, protocol.SessionInfoResponse{Nonce: req.Nonce})
	assert.Nil(t, <-got)
	assert.Equal(t, 0, f.Outstanding())
}

func TestFetcher_WrongAnswerType(t *testing.T) {
	controller, w := transport.Pipe()
	defer controller.Close()
	f := NewFetcher(w, nil, nil)

	errCh := make(chan error, 1)
	go func() { errCh <- f.WaitForIdentify(context.Background(), 0) }()

	req := recvReply(t, controller).(protocol.WaitForIdentify)
	f.Resolve(req.Nonce, protocol.SessionInfoResponse{Nonce: req.Nonce})
	assert.ErrorContains(t, <-errCh, "unexpected")
}

func TestFetcher_ContextCancelForgetsRequest(t *testing.T) {
	controller, w := transport.Pipe()
	defer controller.Close()
	f := NewFetcher(w, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- f.WaitForIdentify(ctx, 0) }()

	req := recvReply(t, controller).(protocol.WaitForIdentify)
	cancel()
	assert.ErrorIs(t, <-errCh, context.Canceled)
	assert.Equal(t, 0, f.Outstanding())

	// A late answer is dropped quietly.
	f.Resolve(req.Nonce, protocol.ShardCanIdentify{Nonce: req.Nonce})
}

func TestFetcher_CloseRejectsNewRequests(t *testing.T) {
	controller, w := transport.Pipe()
	defer controller.Close()
	f := NewFetcher(w, nil, nil)

	f.Close()
	f.Close()

	_, err := f.RetrieveSessionInfo(context.Background(), 0)
	assert.ErrorIs(t, err, ErrFetcherClosed)
}

func TestFetcher_TransportFailureReported(t *testing.T) {
	controller, w := transport.Pipe()
	var reported error
	f := NewFetcher(w, nil, func(err error) { reported = err })

	require.NoError(t, controller.Close())

	err := f.UpdateSessionInfo(context.Background(), 0, &session.Info{SessionID: "x"})
	require.Error(t, err)
	assert.True(t, transport.IsTransportError(err))
	assert.Equal(t, err, reported)
}
