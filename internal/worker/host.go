// ABOUTME: Shard worker host: owns a static set of shards inside one worker and executes controller commands.
// ABOUTME: Command failures are local to the command; transport failures end Run so the worker can be restarted.

package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/2389/shard-fleet/internal/events"
	"github.com/2389/shard-fleet/internal/metrics"
	"github.com/2389/shard-fleet/internal/protocol"
	"github.com/2389/shard-fleet/internal/shard"
	"github.com/2389/shard-fleet/internal/transport"
)

// Options configures a Host.
type Options struct {
	// ShardIDs is this worker's assignment. It never changes.
	ShardIDs []int

	// ShardCount is the total number of shards across the fleet.
	ShardCount int

	// Factory builds each shard. Defaults to shard.NewLoopback.
	Factory shard.Factory

	// Setup, if set, runs once per shard after it is built.
	Setup func(s shard.Shard) error

	// ForwardEvents lists the shard events relayed to the controller.
	// Nil forwards every event in shard.AllEvents.
	ForwardEvents []string

	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// errPreempted cancels a connect that a later destroy has overtaken.
var errPreempted = errors.New("destroy requested")

// slot is one owned shard plus the bookkeeping that orders its lifecycle
// commands.
type slot struct {
	shard shard.Shard
	subs  events.Group[shard.Event]

	mu sync.Mutex
	// last is closed when the most recently dispatched connect or
	// destroy for this shard has replied.
	last chan struct{}
	// tail cancels the connect at the end of the chain, if the chain ends
	// in a connect.
	tail context.CancelCauseFunc
}

// chain records a new lifecycle operation and returns the channel of the
// previous one together with the new operation's own completion channel.
// cancel is the new operation's cancel func when it is a connect. The
// returned preempt is the cancel func of a connect directly ahead of it.
func (s *slot) chain(cancel context.CancelCauseFunc) (prev <-chan struct{}, done chan struct{}, preempt context.CancelCauseFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	prevCh := s.last
	done = make(chan struct{})
	s.last = done
	preempt = s.tail
	s.tail = cancel
	if prevCh == nil {
		closed := make(chan struct{})
		close(closed)
		prevCh = closed
	}
	return prevCh, done, preempt
}

// Host runs the shards assigned to one worker.
type Host struct {
	conn    transport.Conn
	opts    Options
	logger  *slog.Logger
	metrics *metrics.Metrics
	fetcher *Fetcher

	shards map[int]*slot
	wg     sync.WaitGroup

	runOnce sync.Once
	fail    context.CancelCauseFunc
}

// NewHost creates a Host on the worker end of conn. Building a Host on any
// other end is a programming error and panics.
func NewHost(conn transport.Conn, opts Options) *Host {
	if conn == nil || conn.Role() != transport.RoleWorker {
		panic("worker: NewHost called outside a worker context")
	}
	if opts.Factory == nil {
		opts.Factory = shard.NewLoopback
	}
	if opts.ForwardEvents == nil {
		opts.ForwardEvents = shard.AllEvents()
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "worker_host")

	h := &Host{
		conn:    conn,
		opts:    opts,
		logger:  logger,
		metrics: opts.Metrics,
		shards:  make(map[int]*slot, len(opts.ShardIDs)),
	}
	h.fetcher = NewFetcher(conn, logger, func(err error) { h.fatal(err) })
	return h
}

// Fetcher returns the context-fetching strategy the host binds to shards.
func (h *Host) Fetcher() *Fetcher { return h.fetcher }

func (h *Host) fatal(err error) {
	if h.fail != nil {
		h.fail(err)
	}
}

// Run builds the shards, reports WorkerReady, and serves commands until ctx
// ends (nil is returned) or the transport fails (the transport error is
// returned). Run may be called once.
func (h *Host) Run(ctx context.Context) error {
	ran := false
	var err error
	h.runOnce.Do(func() {
		ran = true
		err = h.run(ctx)
	})
	if !ran {
		return errors.New("worker: Run called twice")
	}
	return err
}

func (h *Host) run(parent context.Context) error {
	ctx, cancel := context.WithCancelCause(parent)
	h.fail = cancel

	defer func() {
		cancel(nil)
		h.fetcher.Close()
		h.wg.Wait()
		for _, s := range h.shards {
			s.subs.Release()
		}
	}()

	if err := h.start(ctx); err != nil {
		return err
	}
	return h.serve(ctx)
}

func (h *Host) start(ctx context.Context) error {
	for _, id := range h.opts.ShardIDs {
		if _, dup := h.shards[id]; dup {
			return fmt.Errorf("shard %d assigned twice", id)
		}
		s, err := h.opts.Factory(id, h.opts.ShardCount, h.fetcher)
		if err != nil {
			return fmt.Errorf("building shard %d: %w", id, err)
		}
		if h.opts.Setup != nil {
			if err := h.opts.Setup(s); err != nil {
				return fmt.Errorf("setting up shard %d: %w", id, err)
			}
		}
		sl := &slot{shard: s}
		h.subscribe(ctx, sl)
		h.shards[id] = sl
	}

	if err := h.reply(ctx, protocol.WorkerReady{}); err != nil {
		return err
	}
	h.logger.Info("worker ready", "shard_ids", h.opts.ShardIDs, "shard_count", h.opts.ShardCount)
	return nil
}

func (h *Host) subscribe(ctx context.Context, sl *slot) {
	bus := sl.shard.Events()
	for _, name := range h.opts.ForwardEvents {
		sl.subs.Add(bus.Subscribe(name, func(e shard.Event) {
			h.forward(ctx, e)
		}))
	}
}

func (h *Host) forward(ctx context.Context, e shard.Event) {
	err := h.reply(ctx, protocol.ShardEvent{ShardID: e.ShardID, Event: e.Name, Data: e.Data})
	if err != nil {
		h.logger.Debug("event not forwarded", "shard_id", e.ShardID, "event", e.Name, "error", err)
		return
	}
	h.metrics.EventForwarded(e.Name)
}

// reply sends to the controller; transport failures stop the worker.
func (h *Host) reply(ctx context.Context, r protocol.Reply) error {
	err := h.conn.SendReply(ctx, r)
	if err != nil && transport.IsTransportError(err) {
		h.logger.Error("transport failure sending reply", "op", r.Op(), "error", err)
		h.fatal(err)
	}
	return err
}

func (h *Host) serve(ctx context.Context) error {
	for {
		cmd, err := h.conn.RecvCommand(ctx)
		if err != nil {
			if cause := context.Cause(ctx); cause != nil && transport.IsTransportError(cause) {
				return cause
			}
			if ctx.Err() != nil {
				return nil
			}
			h.logger.Error("transport failure receiving command", "error", err)
			return err
		}
		cmd.Dispatch(ctx, h)
	}
}

func (h *Host) lookup(id int) (*slot, error) {
	s, ok := h.shards[id]
	if !ok {
		return nil, &UnknownShardError{ShardID: id}
	}
	return s, nil
}

// reject logs a failed command and, where a caller waits, tells the
// controller. It never stops the worker.
func (h *Host) reject(ctx context.Context, op protocol.Op, shardID int, nonce string, err error) {
	h.metrics.CommandDone(op.String(), err)
	h.logger.Warn("command failed", "op", op, "shard_id", shardID, "error", err)
	if op == protocol.OpSend {
		return
	}
	_ = h.reply(ctx, protocol.CommandFailed{ShardID: shardID, Command: op, Nonce: nonce, Error: err.Error()})
}

func (h *Host) async(fn func()) {
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		fn()
	}()
}

// HandleConnect connects a shard after any earlier lifecycle command for
// it has replied, then reports Connected. A destroy queued right behind
// it cancels the connect; the connect still reports Connected since the
// destroy settles the shard.
func (h *Host) HandleConnect(ctx context.Context, cmd protocol.Connect) {
	sl, err := h.lookup(cmd.ShardID)
	if err != nil {
		h.reject(ctx, protocol.OpConnect, cmd.ShardID, "", err)
		return
	}
	connectCtx, cancel := context.WithCancelCause(ctx)
	prev, done, _ := sl.chain(cancel)

	h.async(func() {
		defer close(done)
		defer cancel(nil)
		select {
		case <-prev:
		case <-ctx.Done():
			return
		}

		if preempted(connectCtx, nil) {
			h.logger.Debug("connect overtaken by destroy", "shard_id", cmd.ShardID)
			h.settleConnect(ctx, cmd.ShardID)
			return
		}
		if sl.subs.Len() == 0 {
			h.subscribe(ctx, sl)
		}
		err := sl.shard.Connect(connectCtx)
		switch {
		case err == nil:
		case preempted(connectCtx, err):
			h.logger.Debug("connect preempted by destroy", "shard_id", cmd.ShardID, "error", err)
		default:
			h.reject(ctx, protocol.OpConnect, cmd.ShardID, "", &ShardOperationError{ShardID: cmd.ShardID, Op: protocol.OpConnect, Err: err})
			return
		}
		h.settleConnect(ctx, cmd.ShardID)
	})
}

func (h *Host) settleConnect(ctx context.Context, shardID int) {
	h.metrics.CommandDone(protocol.OpConnect.String(), nil)
	_ = h.reply(ctx, protocol.Connected{ShardID: shardID})
}

// preempted reports whether a connect ended because a destroy overtook it.
func preempted(connectCtx context.Context, err error) bool {
	return errors.Is(context.Cause(connectCtx), errPreempted) || errors.Is(err, shard.ErrDestroyed)
}

// HandleDestroy cancels a connect queued or running directly ahead of it,
// waits for that connect to reply, then destroys the shard and reports
// Destroyed. Earlier commands are never overtaken.
func (h *Host) HandleDestroy(ctx context.Context, cmd protocol.Destroy) {
	sl, err := h.lookup(cmd.ShardID)
	if err != nil {
		h.reject(ctx, protocol.OpDestroy, cmd.ShardID, "", err)
		return
	}
	prev, done, preempt := sl.chain(nil)
	if preempt != nil {
		preempt(errPreempted)
	}

	h.async(func() {
		defer close(done)
		select {
		case <-prev:
		case <-ctx.Done():
			return
		}

		if err := sl.shard.Destroy(ctx, cmd.Options); err != nil {
			h.reject(ctx, protocol.OpDestroy, cmd.ShardID, "", &ShardOperationError{ShardID: cmd.ShardID, Op: protocol.OpDestroy, Err: err})
			return
		}
		if cmd.Options.Recover == shard.RecoverNone {
			sl.subs.Release()
		}
		h.metrics.CommandDone(protocol.OpDestroy.String(), nil)
		_ = h.reply(ctx, protocol.Destroyed{ShardID: cmd.ShardID})
	})
}

// HandleSend relays a payload. Success produces no reply.
func (h *Host) HandleSend(ctx context.Context, cmd protocol.Send) {
	sl, err := h.lookup(cmd.ShardID)
	if err != nil {
		h.reject(ctx, protocol.OpSend, cmd.ShardID, "", err)
		return
	}

	h.async(func() {
		if err := sl.shard.Send(ctx, cmd.Payload); err != nil {
			h.reject(ctx, protocol.OpSend, cmd.ShardID, "", &ShardOperationError{ShardID: cmd.ShardID, Op: protocol.OpSend, Err: err})
			return
		}
		h.metrics.CommandDone(protocol.OpSend.String(), nil)
	})
}

// HandleFetchStatus reports the shard's status, echoing the nonce.
func (h *Host) HandleFetchStatus(ctx context.Context, cmd protocol.FetchStatus) {
	sl, err := h.lookup(cmd.ShardID)
	if err != nil {
		h.reject(ctx, protocol.OpFetchStatus, cmd.ShardID, cmd.Nonce, err)
		return
	}
	status := sl.shard.Status()

	h.async(func() {
		h.metrics.CommandDone(protocol.OpFetchStatus.String(), nil)
		_ = h.reply(ctx, protocol.FetchStatusResponse{Status: status, Nonce: cmd.Nonce})
	})
}

// HandleSessionInfoResponse hands the answer to the fetching strategy.
func (h *Host) HandleSessionInfoResponse(ctx context.Context, cmd protocol.SessionInfoResponse) {
	h.fetcher.Resolve(cmd.Nonce, cmd)
}

// HandleShardCanIdentify hands the grant to the fetching strategy.
func (h *Host) HandleShardCanIdentify(ctx context.Context, cmd protocol.ShardCanIdentify) {
	h.fetcher.Resolve(cmd.Nonce, cmd)
}
