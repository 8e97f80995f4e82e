// ABOUTME: Fleet controller: spawns workers, routes commands to them, and answers their context requests.
// ABOUTME: Owns the only identify limiter and the session store; restarts workers whose transport fails.

package fleet

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/2389/shard-fleet/internal/clock"
	"github.com/2389/shard-fleet/internal/events"
	"github.com/2389/shard-fleet/internal/metrics"
	"github.com/2389/shard-fleet/internal/protocol"
	"github.com/2389/shard-fleet/internal/session"
	"github.com/2389/shard-fleet/internal/shard"
	"github.com/2389/shard-fleet/internal/transport"
)

const (
	DefaultReadyTimeout   = 30 * time.Second
	DefaultRestartBackoff = time.Second
)

// Options configures a Controller.
type Options struct {
	// ShardCount is the total number of shards. Required.
	ShardCount int

	// ShardIDs limits the fleet to a subset. Defaults to 0..ShardCount-1.
	ShardIDs []int

	ShardsPerWorker int

	Spawner Spawner

	// Limiter grants identifies for every worker. Required.
	Limiter shard.IdentifyWaiter

	// Store holds sessions. Defaults to a MemoryStore.
	Store session.Store

	ReadyTimeout   time.Duration
	RestartBackoff time.Duration

	Clock   clock.Clock
	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// link is one incarnation of a worker.
type link struct {
	handle    *Handle
	ready     chan struct{}
	readyOnce sync.Once
	exited    chan struct{}
	err       error
}

type lifecycleWaiter struct {
	op protocol.Op
	ch chan error
}

type statusResult struct {
	status shard.Status
	err    error
}

type workerState struct {
	id       int
	shardIDs []int

	// sendMu orders lifecycle commands with their waiters.
	sendMu sync.Mutex

	mu        sync.Mutex
	link      *link
	lifecycle map[int][]lifecycleWaiter
	statuses  map[string]chan statusResult
}

// Controller drives a fleet of workers.
type Controller struct {
	opts    Options
	logger  *slog.Logger
	metrics *metrics.Metrics
	clock   clock.Clock
	store   session.Store
	bus     *events.Bus[shard.Event]

	workers []*workerState
	owners  map[int]*workerState

	desiredMu sync.Mutex
	desired   map[int]bool

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	startOnce sync.Once
	closeOnce sync.Once
}

// New validates opts and builds a Controller. No worker runs until Start.
func New(opts Options) (*Controller, error) {
	if opts.ShardCount < 1 {
		return nil, fmt.Errorf("shard count must be positive, got %d", opts.ShardCount)
	}
	if opts.Spawner == nil {
		return nil, errors.New("fleet: spawner is required")
	}
	if opts.Limiter == nil {
		return nil, errors.New("fleet: identify limiter is required")
	}
	if opts.ShardIDs == nil {
		opts.ShardIDs = Range(opts.ShardCount)
	}
	seen := make(map[int]bool, len(opts.ShardIDs))
	for _, id := range opts.ShardIDs {
		if id < 0 || id >= opts.ShardCount {
			return nil, fmt.Errorf("shard id %d out of range for %d shards", id, opts.ShardCount)
		}
		if seen[id] {
			return nil, fmt.Errorf("shard id %d listed twice", id)
		}
		seen[id] = true
	}
	if opts.Store == nil {
		opts.Store = session.NewMemoryStore()
	}
	if opts.ReadyTimeout <= 0 {
		opts.ReadyTimeout = DefaultReadyTimeout
	}
	if opts.RestartBackoff <= 0 {
		opts.RestartBackoff = DefaultRestartBackoff
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Controller{
		opts:    opts,
		logger:  logger.With("component", "fleet"),
		metrics: opts.Metrics,
		clock:   opts.Clock,
		store:   opts.Store,
		bus:     events.NewBus[shard.Event](),
		owners:  make(map[int]*workerState),
		desired: make(map[int]bool),
		ctx:     ctx,
		cancel:  cancel,
	}
	for i, ids := range Assign(opts.ShardIDs, opts.ShardsPerWorker) {
		w := &workerState{
			id:        i,
			shardIDs:  ids,
			lifecycle: make(map[int][]lifecycleWaiter),
			statuses:  make(map[string]chan statusResult),
		}
		c.workers = append(c.workers, w)
		for _, id := range ids {
			c.owners[id] = w
		}
	}
	return c, nil
}

// Events is the bus of shard events forwarded by every worker.
func (c *Controller) Events() *events.Bus[shard.Event] { return c.bus }

// ShardIDs returns the shards this controller manages.
func (c *Controller) ShardIDs() []int { return slices.Clone(c.opts.ShardIDs) }

// Assignment returns each worker's shard ids, indexed by worker id.
func (c *Controller) Assignment() [][]int {
	out := make([][]int, len(c.workers))
	for i, w := range c.workers {
		out[i] = slices.Clone(w.shardIDs)
	}
	return out
}

// Start spawns every worker concurrently and waits until all have
// reported ready. On failure every started worker is stopped.
func (c *Controller) Start(ctx context.Context) error {
	started := false
	c.startOnce.Do(func() { started = true })
	if !started {
		return errors.New("fleet: Start called twice")
	}

	g, gctx := errgroup.WithContext(ctx)
	links := make([]*link, len(c.workers))
	for i, w := range c.workers {
		g.Go(func() error {
			l, err := c.boot(gctx, w)
			if err != nil {
				return err
			}
			links[i] = l
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		c.Close()
		return err
	}

	for i, w := range c.workers {
		c.wg.Add(1)
		go c.supervise(w, links[i])
	}
	c.logger.Info("fleet started", "workers", len(c.workers), "shards", len(c.opts.ShardIDs))
	return nil
}

// boot spawns one incarnation of w and waits for WorkerReady.
func (c *Controller) boot(ctx context.Context, w *workerState) (*link, error) {
	h, err := c.opts.Spawner.Spawn(ctx, WorkerSpec{ID: w.id, ShardIDs: w.shardIDs, ShardCount: c.opts.ShardCount})
	if err != nil {
		return nil, fmt.Errorf("spawning worker %d: %w", w.id, err)
	}
	l := &link{handle: h, ready: make(chan struct{}), exited: make(chan struct{})}

	c.wg.Add(1)
	go c.receive(w, l)

	abort := func(cause error) (*link, error) {
		h.Kill()
		<-l.exited
		h.Wait()
		return nil, cause
	}

	select {
	case <-l.ready:
	case <-l.exited:
		return abort(fmt.Errorf("worker %d exited before ready: %w", w.id, l.err))
	case <-c.clock.After(c.opts.ReadyTimeout):
		return abort(fmt.Errorf("worker %d: %w", w.id, ErrReadyTimeout))
	case <-ctx.Done():
		return abort(ctx.Err())
	case <-c.ctx.Done():
		return abort(ErrClosed)
	}

	w.mu.Lock()
	w.link = l
	w.mu.Unlock()
	c.metrics.WorkerReady(1)
	c.logger.Info("worker ready", "worker_id", w.id, "shard_ids", w.shardIDs)
	return l, nil
}

func (c *Controller) receive(w *workerState, l *link) {
	defer c.wg.Done()
	rh := &replyHandler{c: c, w: w, l: l}
	for {
		r, err := l.handle.Conn.RecvReply(c.ctx)
		if err != nil {
			l.err = err
			close(l.exited)
			return
		}
		r.Dispatch(c.ctx, rh)
	}
}

// supervise restarts w whenever its current incarnation exits.
func (c *Controller) supervise(w *workerState, l *link) {
	defer c.wg.Done()
	for {
		select {
		case <-l.exited:
		case <-c.ctx.Done():
			return
		}
		if c.ctx.Err() != nil {
			return
		}

		c.logger.Error("worker exited", "worker_id", w.id, "error", l.err)
		c.detach(w, l, ErrWorkerExited)
		l.handle.Kill()
		l.handle.Wait()
		c.metrics.WorkerRestarted()

		for {
			select {
			case <-c.clock.After(c.opts.RestartBackoff):
			case <-c.ctx.Done():
				return
			}
			next, err := c.boot(c.ctx, w)
			if err == nil {
				l = next
				break
			}
			if c.ctx.Err() != nil {
				return
			}
			c.logger.Error("worker restart failed", "worker_id", w.id, "error", err)
		}
		c.reconnect(w)
	}
}

// detach forgets l and fails everything waiting on w with cause.
func (c *Controller) detach(w *workerState, l *link, cause error) {
	w.mu.Lock()
	wasLive := w.link == l && l != nil
	if wasLive {
		w.link = nil
	}
	lifecycle := w.lifecycle
	statuses := w.statuses
	w.lifecycle = make(map[int][]lifecycleWaiter)
	w.statuses = make(map[string]chan statusResult)
	w.mu.Unlock()

	if wasLive {
		c.metrics.WorkerReady(-1)
	}
	for _, queue := range lifecycle {
		for _, waiter := range queue {
			waiter.ch <- cause
		}
	}
	for _, ch := range statuses {
		ch <- statusResult{err: cause}
	}
}

func (c *Controller) reconnect(w *workerState) {
	for _, id := range w.shardIDs {
		if !c.isDesired(id) {
			continue
		}
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			if err := c.lifecycle(c.ctx, w, id, protocol.Connect{ShardID: id}); err != nil {
				c.logger.Warn("reconnect after restart failed", "shard_id", id, "error", err)
			}
		}()
	}
}

func (c *Controller) setDesired(id int, want bool) {
	c.desiredMu.Lock()
	defer c.desiredMu.Unlock()
	c.desired[id] = want
}

func (c *Controller) isDesired(id int) bool {
	c.desiredMu.Lock()
	defer c.desiredMu.Unlock()
	return c.desired[id]
}

func (c *Controller) owner(id int) (*workerState, error) {
	if c.ctx.Err() != nil {
		return nil, ErrClosed
	}
	w, ok := c.owners[id]
	if !ok {
		return nil, fmt.Errorf("shard %d: %w", id, ErrUnknownShard)
	}
	return w, nil
}

// Connect connects a shard and waits for the worker to report it.
func (c *Controller) Connect(ctx context.Context, shardID int) error {
	w, err := c.owner(shardID)
	if err != nil {
		return err
	}
	c.setDesired(shardID, true)
	return c.lifecycle(ctx, w, shardID, protocol.Connect{ShardID: shardID})
}

// Destroy destroys a shard and waits for the worker to report it.
func (c *Controller) Destroy(ctx context.Context, shardID int, opts shard.DestroyOptions) error {
	w, err := c.owner(shardID)
	if err != nil {
		return err
	}
	c.setDesired(shardID, opts.Recover != shard.RecoverNone)
	return c.lifecycle(ctx, w, shardID, protocol.Destroy{ShardID: shardID, Options: opts})
}

// ConnectAll connects every shard, letting the identify limiter pace them.
func (c *Controller) ConnectAll(ctx context.Context) error {
	var g errgroup.Group
	for _, id := range c.opts.ShardIDs {
		g.Go(func() error { return c.Connect(ctx, id) })
	}
	return g.Wait()
}

// DestroyAll destroys every shard.
func (c *Controller) DestroyAll(ctx context.Context, opts shard.DestroyOptions) error {
	var g errgroup.Group
	for _, id := range c.opts.ShardIDs {
		g.Go(func() error { return c.Destroy(ctx, id, opts) })
	}
	return g.Wait()
}

// lifecycle sends a Connect or Destroy and waits for its reply. Replies
// for one shard arrive in command order, so waiters form a queue.
func (c *Controller) lifecycle(ctx context.Context, w *workerState, shardID int, cmd protocol.Command) error {
	waiter := lifecycleWaiter{op: cmd.Op(), ch: make(chan error, 1)}

	w.sendMu.Lock()
	w.mu.Lock()
	l := w.link
	if l == nil {
		w.mu.Unlock()
		w.sendMu.Unlock()
		return fmt.Errorf("shard %d: %w", shardID, ErrWorkerUnavailable)
	}
	w.lifecycle[shardID] = append(w.lifecycle[shardID], waiter)
	w.mu.Unlock()

	err := l.handle.Conn.SendCommand(ctx, cmd)
	if err != nil {
		w.mu.Lock()
		w.lifecycle[shardID] = slices.DeleteFunc(w.lifecycle[shardID], func(lw lifecycleWaiter) bool {
			return lw.ch == waiter.ch
		})
		w.mu.Unlock()
	}
	w.sendMu.Unlock()
	if err != nil {
		return sendError(cmd.Op(), shardID, err)
	}

	select {
	case err := <-waiter.ch:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-c.ctx.Done():
		return ErrClosed
	}
}

// sendError reports a failed send. A dead channel means the worker is gone.
func sendError(op protocol.Op, shardID int, err error) error {
	if transport.IsTransportError(err) {
		return fmt.Errorf("sending %s for shard %d: %w (%v)", op, shardID, ErrWorkerExited, err)
	}
	return fmt.Errorf("sending %s for shard %d: %w", op, shardID, err)
}

// resolveLifecycle pops the oldest waiter for shardID.
func (c *Controller) resolveLifecycle(w *workerState, shardID int, op protocol.Op, err error) {
	w.mu.Lock()
	queue := w.lifecycle[shardID]
	if len(queue) == 0 {
		w.mu.Unlock()
		c.logger.Warn("reply with no waiting command", "worker_id", w.id, "shard_id", shardID, "op", op)
		return
	}
	head := queue[0]
	if len(queue) == 1 {
		delete(w.lifecycle, shardID)
	} else {
		w.lifecycle[shardID] = queue[1:]
	}
	w.mu.Unlock()

	if head.op != op {
		c.logger.Warn("reply out of order", "shard_id", shardID, "expected", head.op, "got", op)
	}
	head.ch <- err
}

// Send relays a payload to a shard. Delivery is not acknowledged; a shard
// that rejects it only logs.
func (c *Controller) Send(ctx context.Context, shardID int, payload any) error {
	w, err := c.owner(shardID)
	if err != nil {
		return err
	}
	w.mu.Lock()
	l := w.link
	w.mu.Unlock()
	if l == nil {
		return fmt.Errorf("shard %d: %w", shardID, ErrWorkerUnavailable)
	}
	if err := l.handle.Conn.SendCommand(ctx, protocol.Send{ShardID: shardID, Payload: payload}); err != nil {
		return sendError(protocol.OpSend, shardID, err)
	}
	return nil
}

// FetchStatus asks the owning worker for a shard's status.
func (c *Controller) FetchStatus(ctx context.Context, shardID int) (shard.Status, error) {
	w, err := c.owner(shardID)
	if err != nil {
		return 0, err
	}
	nonce := uuid.New().String()
	ch := make(chan statusResult, 1)

	w.mu.Lock()
	l := w.link
	if l == nil {
		w.mu.Unlock()
		return 0, fmt.Errorf("shard %d: %w", shardID, ErrWorkerUnavailable)
	}
	w.statuses[nonce] = ch
	w.mu.Unlock()

	forget := func() {
		w.mu.Lock()
		delete(w.statuses, nonce)
		w.mu.Unlock()
	}

	if err := l.handle.Conn.SendCommand(ctx, protocol.FetchStatus{ShardID: shardID, Nonce: nonce}); err != nil {
		forget()
		return 0, sendError(protocol.OpFetchStatus, shardID, err)
	}

	select {
	case res := <-ch:
		return res.status, res.err
	case <-ctx.Done():
		forget()
		return 0, ctx.Err()
	case <-c.ctx.Done():
		return 0, ErrClosed
	}
}

func (c *Controller) resolveStatus(w *workerState, nonce string, res statusResult) {
	w.mu.Lock()
	ch, ok := w.statuses[nonce]
	delete(w.statuses, nonce)
	w.mu.Unlock()
	if !ok {
		c.logger.Debug("status reply nobody waits for", "worker_id", w.id, "nonce", nonce)
		return
	}
	ch <- res
}

// Close stops every worker and fails outstanding callers. Safe to call
// more than once.
func (c *Controller) Close() error {
	c.closeOnce.Do(func() {
		c.cancel()
		c.wg.Wait()
		for _, w := range c.workers {
			w.mu.Lock()
			l := w.link
			w.mu.Unlock()
			c.detach(w, l, ErrClosed)
			if l != nil {
				l.handle.Kill()
				l.handle.Wait()
			}
		}
		c.logger.Info("fleet stopped")
	})
	return nil
}

// replyHandler handles one worker incarnation's replies.
type replyHandler struct {
	c *Controller
	w *workerState
	l *link
}

func (h *replyHandler) HandleWorkerReady(ctx context.Context, r protocol.WorkerReady) {
	first := false
	h.l.readyOnce.Do(func() {
		first = true
		close(h.l.ready)
	})
	if !first {
		h.c.logger.Warn("duplicate worker ready", "worker_id", h.w.id)
	}
}

func (h *replyHandler) HandleConnected(ctx context.Context, r protocol.Connected) {
	h.c.resolveLifecycle(h.w, r.ShardID, protocol.OpConnect, nil)
}

func (h *replyHandler) HandleDestroyed(ctx context.Context, r protocol.Destroyed) {
	h.c.resolveLifecycle(h.w, r.ShardID, protocol.OpDestroy, nil)
}

func (h *replyHandler) HandleCommandFailed(ctx context.Context, r protocol.CommandFailed) {
	err := &CommandError{ShardID: r.ShardID, Op: r.Command, Message: r.Error}
	if r.Command == protocol.OpFetchStatus {
		h.c.resolveStatus(h.w, r.Nonce, statusResult{err: err})
		return
	}
	h.c.resolveLifecycle(h.w, r.ShardID, r.Command, err)
}

func (h *replyHandler) HandleFetchStatusResponse(ctx context.Context, r protocol.FetchStatusResponse) {
	h.c.resolveStatus(h.w, r.Nonce, statusResult{status: r.Status})
}

func (h *replyHandler) HandleShardEvent(ctx context.Context, r protocol.ShardEvent) {
	h.c.bus.Publish(r.Event, shard.Event{ShardID: r.ShardID, Name: r.Event, Data: r.Data})
}

// HandleRetrieveSessionInfo answers from the store. A store error is
// answered as "no session" so the shard identifies afresh.
func (h *replyHandler) HandleRetrieveSessionInfo(ctx context.Context, r protocol.RetrieveSessionInfo) {
	h.async(func() {
		info, err := h.c.store.Get(ctx, r.ShardID)
		if err != nil {
			h.c.logger.Error("reading session", "shard_id", r.ShardID, "error", err)
			info = nil
		}
		h.answer(ctx, protocol.SessionInfoResponse{Nonce: r.Nonce, Session: info})
	})
}

// HandleUpdateSessionInfo runs inline so updates for a shard apply in order.
func (h *replyHandler) HandleUpdateSessionInfo(ctx context.Context, r protocol.UpdateSessionInfo) {
	var err error
	if r.Session == nil {
		err = h.c.store.Delete(ctx, r.ShardID)
	} else {
		err = h.c.store.Set(ctx, r.ShardID, r.Session)
	}
	if err != nil {
		h.c.logger.Error("writing session", "shard_id", r.ShardID, "error", err)
	}
}

// HandleWaitForIdentify queues the shard on the fleet-wide limiter and
// tells the worker once it may identify.
func (h *replyHandler) HandleWaitForIdentify(ctx context.Context, r protocol.WaitForIdentify) {
	h.async(func() {
		// The limiter wait runs outside c.wg. A queued caller cannot be
		// cancelled, and Close must not block behind a bucket interval. The
		// goroutine ends on its own once the limiter grants.
		granted := make(chan error, 1)
		go func() { granted <- h.c.opts.Limiter.WaitForIdentify(ctx, r.ShardID) }()

		answer := protocol.ShardCanIdentify{Nonce: r.Nonce}
		select {
		case err := <-granted:
			if err != nil {
				h.c.logger.Error("identify wait failed", "shard_id", r.ShardID, "error", err)
				answer.Error = err.Error()
			}
		case <-ctx.Done():
			return
		}
		h.answer(ctx, answer)
	})
}

func (h *replyHandler) async(fn func()) {
	h.c.wg.Add(1)
	go func() {
		defer h.c.wg.Done()
		fn()
	}()
}

func (h *replyHandler) answer(ctx context.Context, cmd protocol.Command) {
	if err := h.l.handle.Conn.SendCommand(ctx, cmd); err != nil {
		h.c.logger.Debug("answer not delivered", "worker_id", h.w.id, "op", cmd.Op(), "error", err)
	}
}
