// ABOUTME: Gateway orchestrator that wires the shard fleet, its stores, and the HTTP server
// ABOUTME: Manages fleet startup, health endpoints, and graceful shutdown

package gateway

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/2389/shard-fleet/internal/clock"
	"github.com/2389/shard-fleet/internal/config"
	"github.com/2389/shard-fleet/internal/events"
	"github.com/2389/shard-fleet/internal/fleet"
	"github.com/2389/shard-fleet/internal/gatewayinfo"
	"github.com/2389/shard-fleet/internal/identify"
	"github.com/2389/shard-fleet/internal/metrics"
	"github.com/2389/shard-fleet/internal/session"
	"github.com/2389/shard-fleet/internal/shard"
)

// Gateway orchestrates the shard-fleet server components.
// It owns the fleet controller, the session store, and the HTTP server.
type Gateway struct {
	config     *config.Config
	store      session.Store
	provider   gatewayinfo.Provider
	limiter    *identify.Limiter
	registry   *prometheus.Registry
	metrics    *metrics.Metrics
	fleet      *fleet.Controller
	httpServer *http.Server
	logger     *slog.Logger

	// eventSubs are the gateway's own subscriptions to forwarded shard events
	eventSubs events.Group[shard.Event]

	// ready flips once every worker has reported ready
	ready atomic.Bool

	connectWG    sync.WaitGroup
	shutdownOnce sync.Once
	shutdownErr  error
}

// Option adjusts how New wires the gateway.
type Option func(*options)

type options struct {
	spawner  fleet.Spawner
	provider gatewayinfo.Provider
	clock    clock.Clock
}

// WithSpawner replaces the spawner chosen by fleet.mode.
func WithSpawner(s fleet.Spawner) Option {
	return func(o *options) { o.spawner = s }
}

// WithProvider replaces the gateway info provider built from config.
func WithProvider(p gatewayinfo.Provider) Option {
	return func(o *options) { o.provider = p }
}

// WithClock sets the clock for identify pacing and info caching.
func WithClock(c clock.Clock) Option {
	return func(o *options) { o.clock = c }
}

// initStore creates the session store selected by config.
func initStore(cfg *config.Config) (session.Store, error) {
	switch cfg.Session.Driver {
	case config.DriverSQLite:
		path := cfg.Session.Path
		if envPath := os.Getenv("SHARD_FLEET_DB_PATH"); envPath != "" {
			path = envPath
		}
		s, err := session.NewSQLiteStore(path)
		if err != nil {
			return nil, fmt.Errorf("initializing session store: %w", err)
		}
		return s, nil
	default:
		return session.NewMemoryStore(), nil
	}
}

// initProvider builds the gateway info provider: a fixed value when
// max concurrency is overridden, otherwise the cached HTTP endpoint.
func initProvider(cfg *config.Config, clk clock.Clock) (gatewayinfo.Provider, error) {
	if cfg.Gateway.MaxConcurrencyOverride > 0 {
		return gatewayinfo.NewStatic(cfg.Gateway.MaxConcurrencyOverride), nil
	}
	httpProvider, err := gatewayinfo.NewHTTPProvider(cfg.Gateway.APIURL, cfg.Gateway.Token, &http.Client{Timeout: 10 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("creating gateway info provider: %w", err)
	}
	return gatewayinfo.NewCached(httpProvider, cfg.Gateway.InfoTTL, clk), nil
}

// initSpawner picks the worker spawner for fleet.mode.
func initSpawner(cfg *config.Config, m *metrics.Metrics, logger *slog.Logger) fleet.Spawner {
	if cfg.Fleet.Mode == config.ModeProcess {
		return &fleet.ProcessSpawner{
			Args:          []string{"--log-level", cfg.Logging.Level, "--log-format", cfg.Logging.Format},
			ForwardEvents: cfg.Fleet.ForwardEvents,
			Logger:        logger.With("component", "spawner"),
		}
	}
	return &fleet.InProcessSpawner{
		ForwardEvents: cfg.Fleet.ForwardEvents,
		Logger:        logger,
		Metrics:       m,
	}
}

// New creates a new Gateway instance with the given configuration.
func New(cfg *config.Config, logger *slog.Logger, opts ...Option) (*Gateway, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if o.clock == nil {
		o.clock = clock.Real()
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(registry)

	provider := o.provider
	if provider == nil {
		var err error
		provider, err = initProvider(cfg, o.clock)
		if err != nil {
			return nil, err
		}
	}

	s, err := initStore(cfg)
	if err != nil {
		return nil, err
	}

	limiter := identify.New(provider,
		identify.WithClock(o.clock),
		identify.WithInterval(cfg.Identify.Interval),
		identify.WithMaxJitter(cfg.Identify.MaxJitter),
		identify.WithLogger(logger),
		identify.WithMetrics(m),
	)

	spawner := o.spawner
	if spawner == nil {
		spawner = initSpawner(cfg, m, logger)
	}

	controller, err := fleet.New(fleet.Options{
		ShardCount:      cfg.Fleet.ShardCount,
		ShardIDs:        cfg.ShardList(),
		ShardsPerWorker: cfg.Fleet.ShardsPerWorker,
		Spawner:         spawner,
		Limiter:         limiter,
		Store:           s,
		ReadyTimeout:    cfg.Fleet.ReadyTimeout,
		RestartBackoff:  cfg.Fleet.RestartBackoff,
		Clock:           o.clock,
		Logger:          logger,
		Metrics:         m,
	})
	if err != nil {
		closeStore(s)
		return nil, fmt.Errorf("creating fleet: %w", err)
	}

	gw := &Gateway{
		config:   cfg,
		store:    s,
		provider: provider,
		limiter:  limiter,
		registry: registry,
		metrics:  m,
		fleet:    controller,
		logger:   logger.With("component", "gateway"),
	}
	gw.watchEvents()

	mux := http.NewServeMux()

	// Health endpoints
	mux.HandleFunc("/health", gw.handleHealth)
	mux.HandleFunc("/health/ready", gw.handleReady)

	// Fleet API
	gw.registerAPIRoutes(mux)

	if cfg.Metrics.Enabled {
		mux.Handle(cfg.Metrics.Path, promhttp.HandlerFor(registry, promhttp.HandlerOpts{EnableOpenMetrics: true}))
	}

	gw.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return gw, nil
}

// Fleet returns the fleet controller.
func (g *Gateway) Fleet() *fleet.Controller { return g.fleet }

// Handler returns the HTTP handler serving health, fleet API, and metrics.
func (g *Gateway) Handler() http.Handler { return g.httpServer.Handler }

// startServer starts the HTTP server in a goroutine, returning its error channel.
func (g *Gateway) startServer(ln net.Listener) chan error {
	errCh := make(chan error, 1)
	go func() {
		g.logger.Info("HTTP server listening", "addr", ln.Addr().String())
		if err := g.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()
	return errCh
}

// Run serves HTTP, starts the fleet, connects every shard, and blocks
// until ctx ends or the HTTP server fails.
func (g *Gateway) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", g.config.Server.HTTPAddr)
	if err != nil {
		g.closeResources()
		return fmt.Errorf("listening on %s: %w", g.config.Server.HTTPAddr, err)
	}
	errCh := g.startServer(ln)

	g.logger.Info("starting fleet",
		"shard_count", g.config.Fleet.ShardCount,
		"shards", len(g.fleet.ShardIDs()),
		"mode", g.config.Fleet.Mode,
	)
	if err := g.fleet.Start(ctx); err != nil {
		shutdownErr := g.gracefulShutdown()
		return errors.Join(fmt.Errorf("starting fleet: %w", err), shutdownErr)
	}
	g.ready.Store(true)

	g.connectWG.Add(1)
	go func() {
		defer g.connectWG.Done()
		if err := g.fleet.ConnectAll(ctx); err != nil && ctx.Err() == nil {
			g.logger.Error("connecting shards", "error", err)
			return
		}
		if ctx.Err() == nil {
			g.logger.Info("all shards connected")
		}
	}()

	serverErr := g.waitForShutdownSignal(ctx, errCh)
	shutdownErr := g.gracefulShutdown()

	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// waitForShutdownSignal waits for context cancellation or server error.
func (g *Gateway) waitForShutdownSignal(ctx context.Context, errCh chan error) error {
	select {
	case <-ctx.Done():
		g.logger.Info("context canceled, initiating shutdown")
		return nil
	case err := <-errCh:
		g.logger.Error("server error", "error", err)
		return err
	}
}

// gracefulShutdown performs shutdown with a fresh context and timeout.
// Uses context.Background() intentionally since the original context is already canceled.
func (g *Gateway) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return g.Shutdown(ctx)
}

func appendCloseError(errs []error, label string, err error) []error {
	if err != nil {
		return append(errs, fmt.Errorf("%s: %w", label, err))
	}
	return errs
}

// Shutdown destroys every shard with intent to resume, so the next start
// can resume their sessions, then stops workers, HTTP, and the store.
// Safe to call more than once.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.shutdownOnce.Do(func() {
		g.logger.Info("shutting down gateway")

		var errs []error
		if g.ready.Swap(false) {
			err := g.fleet.DestroyAll(ctx, shard.DestroyOptions{Code: 1000, Reason: "shutting down", Recover: shard.RecoverResume})
			errs = appendCloseError(errs, "destroying shards", err)
		}
		errs = appendCloseError(errs, "fleet close", g.fleet.Close())
		g.connectWG.Wait()
		errs = appendCloseError(errs, "HTTP shutdown", g.httpServer.Shutdown(ctx))
		g.eventSubs.Release()
		errs = appendCloseError(errs, "store close", closeStore(g.store))

		if len(errs) > 0 {
			g.shutdownErr = fmt.Errorf("shutdown errors: %w", errors.Join(errs...))
		}
	})
	return g.shutdownErr
}

func (g *Gateway) closeResources() {
	g.fleet.Close()
	g.eventSubs.Release()
	closeStore(g.store)
}

func closeStore(s session.Store) error {
	if c, ok := s.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

// handleHealth returns 200 OK if the server is alive.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleReady returns 200 OK once every worker has reported ready.
func (g *Gateway) handleReady(w http.ResponseWriter, r *http.Request) {
	if !g.ready.Load() {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("workers starting"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprintf(w, "ready (%d workers)", len(g.fleet.Assignment()))
}
