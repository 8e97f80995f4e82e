// ABOUTME: Worker-side context fetching strategy: session and identify requests go to the controller.
// ABOUTME: Requests are correlated by nonce; pending waiters are failed when the worker stops.

package worker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/2389/shard-fleet/internal/protocol"
	"github.com/2389/shard-fleet/internal/session"
	"github.com/2389/shard-fleet/internal/transport"
)

// Fetcher implements shard.ContextFetcher by round-tripping requests to
// the controller, which owns the session store and the identify limiter.
type Fetcher struct {
	conn   transport.Conn
	logger *slog.Logger
	onFail func(error)

	mu      sync.Mutex
	pending map[string]chan protocol.Command
	closed  bool
}

// NewFetcher creates a fetcher over conn. onFail is called with transport
// errors, which are fatal to the worker.
func NewFetcher(conn transport.Conn, logger *slog.Logger, onFail func(error)) *Fetcher {
	if logger == nil {
		logger = slog.Default()
	}
	if onFail == nil {
		onFail = func(error) {}
	}
	return &Fetcher{
		conn:    conn,
		logger:  logger,
		onFail:  onFail,
		pending: make(map[string]chan protocol.Command),
	}
}

// RetrieveSessionInfo asks the controller for the stored session.
func (f *Fetcher) RetrieveSessionInfo(ctx context.Context, shardID int) (*session.Info, error) {
	nonce := uuid.New().String()
	resp, err := f.roundTrip(ctx, nonce, protocol.RetrieveSessionInfo{ShardID: shardID, Nonce: nonce})
	if err != nil {
		return nil, err
	}
	answer, ok := resp.(protocol.SessionInfoResponse)
	if !ok {
		return nil, fmt.Errorf("unexpected %s answer to session request", resp.Op())
	}
	return answer.Session, nil
}

// UpdateSessionInfo tells the controller to store (or clear) a session.
// The controller does not acknowledge it.
func (f *Fetcher) UpdateSessionInfo(ctx context.Context, shardID int, info *session.Info) error {
	return f.send(ctx, protocol.UpdateSessionInfo{ShardID: shardID, Session: info})
}

// WaitForIdentify blocks until the controller grants an identify.
func (f *Fetcher) WaitForIdentify(ctx context.Context, shardID int) error {
	nonce := uuid.New().String()
	resp, err := f.roundTrip(ctx, nonce, protocol.WaitForIdentify{ShardID: shardID, Nonce: nonce})
	if err != nil {
		return err
	}
	answer, ok := resp.(protocol.ShardCanIdentify)
	if !ok {
		return fmt.Errorf("unexpected %s answer to identify request", resp.Op())
	}
	if answer.Error != "" {
		return fmt.Errorf("identify refused: %s", answer.Error)
	}
	return nil
}

func (f *Fetcher) roundTrip(ctx context.Context, nonce string, req protocol.Reply) (protocol.Command, error) {
	ch, err := f.register(nonce)
	if err != nil {
		return nil, err
	}
	defer f.forget(nonce)

	if err := f.send(ctx, req); err != nil {
		return nil, err
	}

	select {
	case resp, ok := <-ch:
		if !ok {
			return nil, ErrFetcherClosed
		}
		return resp, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (f *Fetcher) send(ctx context.Context, req protocol.Reply) error {
	err := f.conn.SendReply(ctx, req)
	if err != nil && transport.IsTransportError(err) {
		f.onFail(err)
	}
	return err
}

func (f *Fetcher) register(nonce string) (<-chan protocol.Command, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil, ErrFetcherClosed
	}
	ch := make(chan protocol.Command, 1)
	f.pending[nonce] = ch
	return ch, nil
}

func (f *Fetcher) forget(nonce string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.pending, nonce)
}

// Resolve delivers a controller answer to the request with the same
// nonce. Answers nobody waits for are dropped.
func (f *Fetcher) Resolve(nonce string, answer protocol.Command) {
	f.mu.Lock()
	ch, ok := f.pending[nonce]
	if ok {
		delete(f.pending, nonce)
	}
	f.mu.Unlock()

	if !ok {
		f.logger.Debug("dropping answer for unknown request", "nonce", nonce, "op", answer.Op())
		return
	}
	ch <- answer
}

// Close fails every outstanding request and rejects new ones.
func (f *Fetcher) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	f.closed = true
	for nonce, ch := range f.pending {
		close(ch)
		delete(f.pending, nonce)
	}
}

// Outstanding returns the number of requests awaiting an answer.
func (f *Fetcher) Outstanding() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.pending)
}
