// Package pool owns the decoding contexts of the process and the worker pool
// that runs engine calls.
//
// A [Pool] is configured once, initialised once via [Pool.Init], and then
// hands out decoding contexts as [Lease] values. There is one context per
// runtime.thread_pool_size worker; when every context is leased, the
// runtime.admission policy decides whether Lease fails immediately or waits
// for runtime.admission_timeout. decoder.max_batch_size is a decoding option
// handed to the backend and does not change the pool size.
//
// All engine work (context creation, feed, finalize, poll, reset) is
// submitted with [Pool.Exec] to the workers, so network goroutines never run
// engine code themselves.
package pool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/ASLP-AI/xdecoder/internal/config"
	"github.com/ASLP-AI/xdecoder/internal/observe"
	"github.com/ASLP-AI/xdecoder/pkg/engine"
)

var (
	// ErrNotInitialised is returned by Lease and Exec before Init succeeded.
	ErrNotInitialised = errors.New("pool: not initialised")

	// ErrClosed is returned by Lease and Exec after Close.
	ErrClosed = errors.New("pool: closed")
)

// Factory creates the engine backend. [config.Registry.Create] satisfies it.
type Factory func(cfg *config.Config) (engine.Backend, error)

// Option is a functional option for [New].
type Option func(*Pool)

// WithMetrics sets the metrics sink. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(p *Pool) { p.metrics = m }
}

// Stats is a snapshot of the pool accounting.
type Stats struct {
	Capacity int `json:"capacity"`
	Leased   int `json:"leased"`
	Free     int `json:"free"`
	Workers  int `json:"workers"`
}

// Pool is the process-wide set of decoding contexts. It is safe for
// concurrent use.
type Pool struct {
	factory Factory
	metrics *observe.Metrics

	mu          sync.Mutex
	cfg         *config.Config
	initialised bool
	closed      bool
	backend     engine.Backend
	free        []engine.Decoder
	leased      int

	sem  *semaphore.Weighted
	jobs chan job

	// done is closed by Close to stop accepting jobs.
	done      chan struct{}
	stop      context.CancelFunc
	workers   *errgroup.Group
	closeOnce sync.Once
}

type job struct {
	fn   func() error
	done chan error
}

// New creates an uninitialised pool for cfg.
func New(cfg *config.Config, factory Factory, opts ...Option) *Pool {
	p := &Pool{
		factory: factory,
		cfg:     cfg,
		done:    make(chan struct{}),
	}
	for _, o := range opts {
		o(p)
	}
	if p.metrics == nil {
		p.metrics = observe.DefaultMetrics()
	}
	return p
}

// Configure replaces the configuration. After Init it fails with
// [engine.ErrConfig]: the configuration is frozen for the lifetime of the
// pool.
func (p *Pool) Configure(cfg *config.Config) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.initialised {
		return fmt.Errorf("pool: configure: %w: pool already initialised", engine.ErrConfig)
	}
	p.cfg = cfg
	return nil
}

// Config returns the configuration the pool was initialised with.
func (p *Pool) Config() *config.Config {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cfg
}

// Init validates the configuration, loads the backend, starts the workers
// and allocates runtime.thread_pool_size decoding contexts. It may be called
// only once; failures are wrapped in [engine.ErrConfig].
func (p *Pool) Init(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.initialised {
		return fmt.Errorf("pool: init: %w: already initialised", engine.ErrConfig)
	}
	if p.closed {
		return ErrClosed
	}
	cfg := p.cfg
	if cfg == nil {
		return fmt.Errorf("pool: init: %w: no configuration", engine.ErrConfig)
	}
	if err := config.Validate(cfg); err != nil {
		return fmt.Errorf("pool: init: %w", err)
	}
	if err := config.CheckModelFiles(cfg); err != nil {
		return fmt.Errorf("pool: init: %w", err)
	}

	backend, err := p.factory(cfg)
	if err != nil {
		return fmt.Errorf("pool: init: create backend %q: %w: %w", cfg.Engine.Backend, engine.ErrConfig, err)
	}

	capacity := cfg.Runtime.ThreadPoolSize
	p.startWorkers(capacity)

	decoders := make([]engine.Decoder, capacity)
	g, gctx := errgroup.WithContext(ctx)
	for i := range capacity {
		g.Go(func() error {
			return p.exec(gctx, "new_decoder", func() error {
				d, err := backend.NewDecoder()
				if err != nil {
					return err
				}
				decoders[i] = d
				return nil
			})
		})
	}
	if err := g.Wait(); err != nil {
		for _, d := range decoders {
			if d != nil {
				_ = d.Close()
			}
		}
		p.stopWorkers()
		_ = backend.Close()
		return fmt.Errorf("pool: init: allocate decoding contexts: %w: %w", engine.ErrConfig, err)
	}

	p.backend = backend
	p.free = decoders
	p.sem = semaphore.NewWeighted(int64(capacity))
	p.initialised = true

	slog.Info("engine pool initialised",
		"backend", backend.Name(),
		"contexts", capacity,
		"max_batch_size", cfg.Decoder.MaxBatchSize,
		"admission", string(cfg.Runtime.Admission),
	)
	return nil
}

func (p *Pool) startWorkers(n int) {
	ctx, cancel := context.WithCancel(context.Background())
	p.stop = cancel
	p.jobs = make(chan job)
	p.workers = &errgroup.Group{}
	for range n {
		p.workers.Go(func() error {
			for {
				select {
				case <-ctx.Done():
					return nil
				case j := <-p.jobs:
					j.done <- j.fn()
				}
			}
		})
	}
}

func (p *Pool) stopWorkers() {
	if p.stop != nil {
		p.stop()
		_ = p.workers.Wait()
	}
}

// Exec runs fn on an engine worker and returns its error. ctx bounds only
// the wait for a free worker; once fn started, Exec waits for it to return
// so that callers never release a context that is still in use. op labels
// the latency metric.
func (p *Pool) Exec(ctx context.Context, op string, fn func() error) error {
	p.mu.Lock()
	ready, closed := p.initialised, p.closed
	p.mu.Unlock()
	if closed {
		return ErrClosed
	}
	if !ready {
		return ErrNotInitialised
	}
	return p.exec(ctx, op, fn)
}

func (p *Pool) exec(ctx context.Context, op string, fn func() error) error {
	j := job{fn: fn, done: make(chan error, 1)}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-p.done:
		return ErrClosed
	case p.jobs <- j:
	}
	start := time.Now()
	err := <-j.done
	p.metrics.RecordEngine(ctx, op, time.Since(start).Seconds())
	return err
}

// Lease grants exclusive use of one decoding context. When none is free it
// applies the admission policy and fails with
// [engine.ErrResourceExhausted]. Release the lease with [Lease.Release].
func (p *Pool) Lease(ctx context.Context) (*Lease, error) {
	p.mu.Lock()
	ready, closed := p.initialised, p.closed
	var rt config.RuntimeConfig
	if p.cfg != nil {
		rt = p.cfg.Runtime
	}
	p.mu.Unlock()
	if closed {
		return nil, ErrClosed
	}
	if !ready {
		return nil, ErrNotInitialised
	}

	if err := p.admit(ctx, rt); err != nil {
		return nil, err
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		p.sem.Release(1)
		return nil, ErrClosed
	}
	n := len(p.free)
	d := p.free[n-1]
	p.free = p.free[:n-1]
	p.leased++
	p.mu.Unlock()

	p.metrics.PoolLeased.Add(ctx, 1)
	return &Lease{pool: p, decoder: d}, nil
}

func (p *Pool) admit(ctx context.Context, rt config.RuntimeConfig) error {
	if rt.Admission == config.AdmissionBlock {
		actx, cancel := context.WithTimeout(ctx, rt.AdmissionTimeout)
		defer cancel()
		if err := p.sem.Acquire(actx, 1); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			p.metrics.RecordRejection(ctx, string(rt.Admission))
			return fmt.Errorf("pool: lease: no decoding context within %s: %w", rt.AdmissionTimeout, engine.ErrResourceExhausted)
		}
		return nil
	}
	if !p.sem.TryAcquire(1) {
		p.metrics.RecordRejection(ctx, string(config.AdmissionReject))
		return fmt.Errorf("pool: lease: all decoding contexts busy: %w", engine.ErrResourceExhausted)
	}
	return nil
}

// Release returns the context held by l to the pool. It is equivalent to
// l.Release and is idempotent.
func (p *Pool) Release(l *Lease) {
	if l != nil {
		l.Release()
	}
}

// release resets d on a worker and returns it to the free set. After Close
// the decoder is closed instead.
func (p *Pool) release(d engine.Decoder) {
	// exec only fails once Close has started, and then d is closed below.
	_ = p.exec(context.Background(), "reset", func() error {
		d.Reset()
		return nil
	})

	p.mu.Lock()
	p.leased--
	closed := p.closed
	if !closed {
		p.free = append(p.free, d)
	}
	p.mu.Unlock()

	if closed {
		_ = d.Close()
	}
	p.sem.Release(1)
	p.metrics.PoolLeased.Add(context.Background(), -1)
}

// Stats returns the current accounting.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := Stats{Leased: p.leased, Free: len(p.free)}
	if p.cfg != nil && p.initialised {
		s.Capacity = p.cfg.Runtime.ThreadPoolSize
		s.Workers = p.cfg.Runtime.ThreadPoolSize
	}
	return s
}

// Ready reports whether the pool can serve leases. It is used as a
// readiness check.
func (p *Pool) Ready(context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	switch {
	case p.closed:
		return ErrClosed
	case !p.initialised:
		return ErrNotInitialised
	}
	return nil
}

// Close stops the workers and releases the free contexts and the backend.
// Contexts still leased are closed when their lease is released. Close is
// idempotent.
func (p *Pool) Close() error {
	var err error
	p.closeOnce.Do(func() {
		p.mu.Lock()
		p.closed = true
		free := p.free
		p.free = nil
		backend := p.backend
		p.mu.Unlock()

		close(p.done)
		p.stopWorkers()

		var errs []error
		for _, d := range free {
			if e := d.Close(); e != nil {
				errs = append(errs, e)
			}
		}
		if backend != nil {
			if e := backend.Close(); e != nil {
				errs = append(errs, e)
			}
		}
		err = errors.Join(errs...)
	})
	return err
}

// Lease is exclusive use of one decoding context.
type Lease struct {
	pool    *Pool
	decoder engine.Decoder
	once    sync.Once
}

// Decoder returns the leased context. It must not be used after Release.
func (l *Lease) Decoder() engine.Decoder { return l.decoder }

// Release resets the context and returns it to the pool. Calling Release
// more than once is safe; only the first call has an effect.
func (l *Lease) Release() {
	l.once.Do(func() { l.pool.release(l.decoder) })
}
