// Package app wires the xdecoder subsystems into a running server.
//
// The App struct owns the full lifecycle: New initialises the engine pool,
// connects the history store and builds the HTTP surface, Run serves it, and
// Shutdown drains open streams and tears everything down in order.
//
// For testing, inject doubles via functional options (WithHistoryStore,
// WithMetrics). When an option is not provided, New creates real
// implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ASLP-AI/xdecoder/internal/config"
	"github.com/ASLP-AI/xdecoder/internal/observe"
	"github.com/ASLP-AI/xdecoder/internal/persist"
	"github.com/ASLP-AI/xdecoder/internal/pool"
	"github.com/ASLP-AI/xdecoder/internal/protocol"
	"github.com/ASLP-AI/xdecoder/internal/resilience"
	"github.com/ASLP-AI/xdecoder/pkg/history"
	"github.com/ASLP-AI/xdecoder/pkg/history/postgres"
)

// readHeaderTimeout bounds how long a client may take to send request headers.
const readHeaderTimeout = 10 * time.Second

// App owns all subsystem lifetimes of the transcription server.
type App struct {
	cfg     *config.Config
	factory pool.Factory
	metrics *observe.Metrics
	scrape  http.Handler

	// Subsystems, initialised in New and torn down in Shutdown.
	pool     *pool.Pool
	store    history.Store
	pipeline *persist.Pipeline
	streams  *protocol.Handler
	handler  http.Handler
	server   *http.Server
	watcher  *config.Watcher

	// injected reports whether the history store came from an option; the
	// App only closes stores it created.
	injected bool

	level         *slog.LevelVar
	configPath    string
	watchInterval time.Duration

	mu   sync.Mutex
	addr net.Addr

	// closers are called in order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithHistoryStore injects a history store instead of connecting to
// PostgreSQL. It enables the history regardless of use_db.
func WithHistoryStore(s history.Store) Option {
	return func(a *App) {
		a.store = s
		a.injected = s != nil
	}
}

// WithMetrics sets the metrics sink shared by every subsystem. Defaults to
// [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithMetricsHandler sets the handler behind /metrics, usually
// [observe.Telemetry.MetricsHandler]. Defaults to [observe.MetricsHandler].
func WithMetricsHandler(h http.Handler) Option {
	return func(a *App) { a.scrape = h }
}

// WithLogLevel hands the App the level of the default logger so reloaded
// configurations can change it.
func WithLogLevel(level *slog.LevelVar) Option {
	return func(a *App) { a.level = level }
}

// WithConfigWatch polls the configuration file at path for changes. A zero
// interval uses the watcher default.
func WithConfigWatch(path string, interval time.Duration) Option {
	return func(a *App) {
		a.configPath = path
		a.watchInterval = interval
	}
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. factory builds the
// engine backend (usually [config.Registry.Create]).
//
// New performs all initialisation synchronously: model loading and context
// allocation, history store connection with readiness backoff, and route
// registration. Any failure is fatal.
func New(ctx context.Context, cfg *config.Config, factory pool.Factory, opts ...Option) (*App, error) {
	a := &App{
		cfg:     cfg,
		factory: factory,
	}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	if a.scrape == nil {
		a.scrape = observe.MetricsHandler()
	}

	// ── 1. Engine pool ───────────────────────────────────────────────────
	if err := a.initPool(ctx); err != nil {
		return nil, fmt.Errorf("app: init pool: %w", err)
	}

	// ── 2. History store ─────────────────────────────────────────────────
	if err := a.initHistory(ctx); err != nil {
		a.closeAll()
		return nil, fmt.Errorf("app: init history: %w", err)
	}

	// ── 3. Persistence pipeline ──────────────────────────────────────────
	pipeOpts := []persist.Option{
		persist.WithFormat(cfg.AudioFormat),
		persist.WithMetrics(a.metrics),
	}
	if a.store != nil {
		pipeOpts = append(pipeOpts, persist.WithStore(a.store))
	}
	a.pipeline = persist.New(cfg.WavDir, pipeOpts...)

	// ── 4. Stream handler ────────────────────────────────────────────────
	a.streams = protocol.New(a.pool, cfg.Runtime,
		protocol.WithSink(a.pipeline),
		protocol.WithMetrics(a.metrics),
	)

	// ── 5. HTTP surface ──────────────────────────────────────────────────
	a.handler = observe.Middleware(a.metrics)(a.routes())
	a.server = &http.Server{
		Addr:              cfg.Addr(),
		Handler:           a.handler,
		ReadHeaderTimeout: readHeaderTimeout,
	}

	// ── 6. Config watcher ────────────────────────────────────────────────
	if a.configPath != "" {
		w, err := config.NewWatcher(a.configPath, a.onConfigChange, config.WithInterval(a.watchInterval))
		if err != nil {
			a.closeAll()
			return nil, fmt.Errorf("app: watch config: %w", err)
		}
		a.watcher = w
	}

	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

// initPool loads the backend and allocates the decoding contexts.
func (a *App) initPool(ctx context.Context) error {
	a.pool = pool.New(a.cfg, a.factory, pool.WithMetrics(a.metrics))
	if err := a.pool.Init(ctx); err != nil {
		return err
	}
	a.closers = append(a.closers, a.pool.Close)
	return nil
}

// initHistory connects the PostgreSQL history store when use_db is set and
// no store was injected. The store is wrapped in a circuit breaker.
func (a *App) initHistory(ctx context.Context) error {
	if a.store == nil {
		if !a.cfg.UseDB {
			slog.Info("history disabled")
			return nil
		}
		var store *postgres.Store
		ping := func(ctx context.Context) error {
			s, err := postgres.NewStore(ctx, a.cfg.DB.DSN)
			if err != nil {
				return err
			}
			store = s
			return nil
		}
		err := history.WaitReady(ctx, ping, history.Backoff{
			MaxRetries: a.cfg.DB.ReadyRetries,
			Initial:    a.cfg.DB.ReadyBackoff,
		})
		if err != nil {
			return err
		}
		a.store = store
	}

	guarded := resilience.NewGuardedStore(a.store, resilience.CircuitBreakerConfig{})
	if !a.injected {
		a.closers = append(a.closers, func() error {
			guarded.Close()
			return nil
		})
	}
	a.store = guarded
	return nil
}

// onConfigChange applies a reloaded log level and reports every other
// change as rejected: the pool configuration is frozen after Init.
func (a *App) onConfigChange(_, new *config.Config, d config.ConfigDiff) {
	if d.LogLevelChanged && a.level != nil {
		a.level.Set(d.NewLogLevel.Level())
		slog.Info("log level changed", "level", d.NewLogLevel)
	}
	if len(d.Frozen) == 0 {
		return
	}
	if err := a.pool.Configure(new); err != nil {
		slog.Warn("configuration change rejected, restart to apply", "sections", d.Frozen, "err", err)
	}
}

// ─── Accessors ───────────────────────────────────────────────────────────────

// Handler returns the root HTTP handler.
func (a *App) Handler() http.Handler { return a.handler }

// Addr returns the address Run is listening on, or nil before Run starts.
func (a *App) Addr() net.Addr {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.addr
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run listens on the configured address and serves until ctx is cancelled,
// then returns ctx.Err(). Open streams keep running until Shutdown.
func (a *App) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", a.server.Addr)
	if err != nil {
		return fmt.Errorf("app: listen %s: %w", a.server.Addr, err)
	}
	a.mu.Lock()
	a.addr = ln.Addr()
	a.mu.Unlock()

	errCh := make(chan error, 1)
	go func() {
		errCh <- a.server.Serve(ln)
	}()

	slog.Info("app running", "addr", ln.Addr().String())
	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("app: serve: %w", err)
	}
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown stops accepting connections, waits for open streams to finish
// and tears down the subsystems. Streams still open when ctx expires are
// aborted; their sessions are persisted before Shutdown returns. Remaining
// closers are skipped once ctx has expired and the context error is
// returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))

		if a.watcher != nil {
			a.watcher.Stop()
		}

		// Hijacked WebSocket connections are not tracked by http.Server, so
		// the stream handler drains them alongside it.
		var g errgroup.Group
		g.Go(func() error { return a.server.Shutdown(ctx) })
		g.Go(func() error { return a.streams.Shutdown(ctx) })
		if err := g.Wait(); err != nil {
			slog.Warn("streams did not drain in time", "err", err)
		}

		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}

		slog.Info("shutdown complete")
	})
	return shutdownErr
}

// closeAll runs the closers registered so far after a failed New.
func (a *App) closeAll() {
	for _, closer := range a.closers {
		if err := closer(); err != nil {
			slog.Warn("closer error", "err", err)
		}
	}
	a.closers = nil
}
