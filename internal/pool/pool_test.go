package pool

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/ASLP-AI/xdecoder/internal/config"
	"github.com/ASLP-AI/xdecoder/internal/observe"
	"github.com/ASLP-AI/xdecoder/pkg/engine"
	"github.com/ASLP-AI/xdecoder/pkg/engine/mock"
)

func testMetrics(t *testing.T) *observe.Metrics {
	t.Helper()
	mp := sdkmetric.NewMeterProvider()
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m
}

// testConfig sizes the pool with threads contexts and workers.
func testConfig(threads int) *config.Config {
	cfg := config.Default()
	cfg.Runtime.ThreadPoolSize = threads
	return cfg
}

func factoryFor(b engine.Backend) Factory {
	return func(*config.Config) (engine.Backend, error) { return b, nil }
}

// newPool returns an initialised pool backed by a mock backend.
func newPool(t *testing.T, cfg *config.Config) (*Pool, *mock.Backend) {
	t.Helper()
	b := &mock.Backend{}
	p := New(cfg, factoryFor(b), WithMetrics(testMetrics(t)))
	if err := p.Init(context.Background()); err != nil {
		t.Fatalf("Init: %v", err)
	}
	t.Cleanup(func() { _ = p.Close() })
	return p, b
}

func TestInit_AllocatesCapacity(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name      string
		threads   int
		batchSize int
	}{
		{"defaults", 8, 16},
		{"batch smaller than pool", 4, 2},
		{"single thread", 1, 16},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			cfg := testConfig(tc.threads)
			cfg.Decoder.MaxBatchSize = tc.batchSize
			p, b := newPool(t, cfg)

			if got := b.CreatedCount(); got != tc.threads {
				t.Errorf("decoders created = %d, want %d", got, tc.threads)
			}
			want := Stats{Capacity: tc.threads, Free: tc.threads, Workers: tc.threads}
			if got := p.Stats(); got != want {
				t.Errorf("Stats() = %+v, want %+v", got, want)
			}
			if err := p.Ready(context.Background()); err != nil {
				t.Errorf("Ready() = %v", err)
			}
		})
	}
}

func TestInit_DefaultConfigAdmitsThreadPoolSize(t *testing.T) {
	t.Parallel()
	cfg := config.Default()
	p, _ := newPool(t, cfg)

	var leases []*Lease
	for range cfg.Runtime.ThreadPoolSize {
		l, err := p.Lease(context.Background())
		if err != nil {
			t.Fatalf("Lease %d: %v", len(leases)+1, err)
		}
		leases = append(leases, l)
	}
	if _, err := p.Lease(context.Background()); !errors.Is(err, engine.ErrResourceExhausted) {
		t.Errorf("Lease beyond thread_pool_size = %v, want ErrResourceExhausted", err)
	}
	for _, l := range leases {
		l.Release()
	}
}

func TestInit_OnlyOnce(t *testing.T) {
	t.Parallel()
	p, _ := newPool(t, testConfig(1))
	if err := p.Init(context.Background()); !errors.Is(err, engine.ErrConfig) {
		t.Errorf("second Init error = %v, want ErrConfig", err)
	}
}

func TestConfigure_AfterInitFails(t *testing.T) {
	t.Parallel()
	cfg := testConfig(1)
	p := New(nil, factoryFor(&mock.Backend{}), WithMetrics(testMetrics(t)))
	if err := p.Configure(cfg); err != nil {
		t.Fatalf("Configure before Init: %v", err)
	}
	if err := p.Init(context.Background()); err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer p.Close()

	if err := p.Configure(testConfig(2)); !errors.Is(err, engine.ErrConfig) {
		t.Errorf("Configure after Init error = %v, want ErrConfig", err)
	}
	if p.Config() != cfg {
		t.Error("configuration changed after a rejected Configure")
	}
}

func TestInit_Failures(t *testing.T) {
	t.Parallel()

	missingModel := testConfig(1)
	missingModel.Decoder.HCLG = filepath.Join(t.TempDir(), "HCLG.fst")

	invalid := testConfig(0)

	tests := []struct {
		name    string
		cfg     *config.Config
		backend *mock.Backend
		factErr error
	}{
		{"missing model file", missingModel, &mock.Backend{}, nil},
		{"invalid config", invalid, &mock.Backend{}, nil},
		{"backend fails", testConfig(1), nil, errors.New("cannot load model")},
		{"decoder allocation fails", testConfig(3), &mock.Backend{NewDecoderErr: errors.New("oom")}, nil},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			factory := func(*config.Config) (engine.Backend, error) {
				if tc.factErr != nil {
					return nil, tc.factErr
				}
				return tc.backend, nil
			}
			p := New(tc.cfg, factory, WithMetrics(testMetrics(t)))
			err := p.Init(context.Background())
			if !errors.Is(err, engine.ErrConfig) {
				t.Fatalf("Init error = %v, want ErrConfig", err)
			}
			if _, err := p.Lease(context.Background()); !errors.Is(err, ErrNotInitialised) {
				t.Errorf("Lease after failed Init = %v, want ErrNotInitialised", err)
			}
			if tc.backend != nil && tc.backend.NewDecoderErr != nil && tc.backend.CloseCallCount != 1 {
				t.Errorf("backend Close calls = %d, want 1", tc.backend.CloseCallCount)
			}
		})
	}
}

func TestInit_ModelFilePresent(t *testing.T) {
	t.Parallel()
	cfg := testConfig(1)
	cfg.Decoder.HCLG = filepath.Join(t.TempDir(), "HCLG.fst")
	if err := os.WriteFile(cfg.Decoder.HCLG, []byte("fst"), 0o600); err != nil {
		t.Fatal(err)
	}
	newPool(t, cfg)
}

func TestLease_RejectWhenExhausted(t *testing.T) {
	t.Parallel()
	p, _ := newPool(t, testConfig(2))
	ctx := context.Background()

	a, err := p.Lease(ctx)
	if err != nil {
		t.Fatalf("Lease 1: %v", err)
	}
	b, err := p.Lease(ctx)
	if err != nil {
		t.Fatalf("Lease 2: %v", err)
	}
	if a.Decoder() == b.Decoder() {
		t.Fatal("two leases share a decoder")
	}

	if _, err := p.Lease(ctx); !errors.Is(err, engine.ErrResourceExhausted) {
		t.Fatalf("Lease 3 error = %v, want ErrResourceExhausted", err)
	}

	a.Release()
	c, err := p.Lease(ctx)
	if err != nil {
		t.Fatalf("Lease after release: %v", err)
	}
	c.Release()
	b.Release()

	if got := p.Stats(); got.Free != 2 || got.Leased != 0 {
		t.Errorf("Stats() = %+v, want all free", got)
	}
}

func TestLease_BlockWaitsForRelease(t *testing.T) {
	t.Parallel()
	cfg := testConfig(1)
	cfg.Runtime.Admission = config.AdmissionBlock
	cfg.Runtime.AdmissionTimeout = 5 * time.Second
	p, _ := newPool(t, cfg)

	held, err := p.Lease(context.Background())
	if err != nil {
		t.Fatalf("Lease: %v", err)
	}
	go func() {
		time.Sleep(20 * time.Millisecond)
		held.Release()
	}()

	l, err := p.Lease(context.Background())
	if err != nil {
		t.Fatalf("blocked Lease: %v", err)
	}
	l.Release()
}

func TestLease_BlockTimesOut(t *testing.T) {
	t.Parallel()
	cfg := testConfig(1)
	cfg.Runtime.Admission = config.AdmissionBlock
	cfg.Runtime.AdmissionTimeout = 20 * time.Millisecond
	p, _ := newPool(t, cfg)

	held, err := p.Lease(context.Background())
	if err != nil {
		t.Fatalf("Lease: %v", err)
	}
	defer held.Release()

	if _, err := p.Lease(context.Background()); !errors.Is(err, engine.ErrResourceExhausted) {
		t.Errorf("Lease error = %v, want ErrResourceExhausted", err)
	}
}

func TestLease_BlockRespectsCallerContext(t *testing.T) {
	t.Parallel()
	cfg := testConfig(1)
	cfg.Runtime.Admission = config.AdmissionBlock
	cfg.Runtime.AdmissionTimeout = time.Minute
	p, _ := newPool(t, cfg)

	held, _ := p.Lease(context.Background())
	defer held.Release()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, err := p.Lease(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Lease error = %v, want DeadlineExceeded", err)
	}
}

func TestRelease_IdempotentAndResets(t *testing.T) {
	t.Parallel()
	p, _ := newPool(t, testConfig(2))

	l, err := p.Lease(context.Background())
	if err != nil {
		t.Fatalf("Lease: %v", err)
	}
	d := l.Decoder().(*mock.Decoder)
	l.Release()
	l.Release()
	p.Release(l)
	p.Release(nil)

	if resets, _ := d.Counts(); resets != 1 {
		t.Errorf("Reset calls = %d, want 1", resets)
	}
	if got := p.Stats(); got.Free != 2 || got.Leased != 0 {
		t.Errorf("Stats() = %+v, want 2 free, 0 leased", got)
	}
}

func TestRelease_ResetRunsOnWorker(t *testing.T) {
	t.Parallel()
	p, _ := newPool(t, testConfig(1))

	l, err := p.Lease(context.Background())
	if err != nil {
		t.Fatalf("Lease: %v", err)
	}
	d := l.Decoder().(*mock.Decoder)

	// Keep the only worker busy.
	gate := make(chan struct{})
	busy := make(chan struct{})
	go func() {
		_ = p.Exec(context.Background(), "test", func() error {
			close(busy)
			<-gate
			return nil
		})
	}()
	<-busy

	released := make(chan struct{})
	go func() {
		l.Release()
		close(released)
	}()

	select {
	case <-released:
		t.Fatal("Release returned while every worker was busy")
	case <-time.After(30 * time.Millisecond):
	}
	if resets, _ := d.Counts(); resets != 0 {
		t.Errorf("Reset ran off the workers: %d calls", resets)
	}

	close(gate)
	select {
	case <-released:
	case <-time.After(3 * time.Second):
		t.Fatal("Release did not finish after the worker freed up")
	}
	if resets, _ := d.Counts(); resets != 1 {
		t.Errorf("Reset calls = %d, want 1", resets)
	}
	if got := p.Stats(); got.Free != 1 {
		t.Errorf("free = %d, want 1", got.Free)
	}
}

func TestLease_NeverOversubscribes(t *testing.T) {
	t.Parallel()
	const capacity = 3
	p, _ := newPool(t, testConfig(capacity))

	var (
		inUse, peak atomic.Int32
		wg          sync.WaitGroup
	)
	for range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			l, err := p.Lease(context.Background())
			if err != nil {
				if !errors.Is(err, engine.ErrResourceExhausted) {
					t.Errorf("Lease: %v", err)
				}
				return
			}
			n := inUse.Add(1)
			for {
				old := peak.Load()
				if n <= old || peak.CompareAndSwap(old, n) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			inUse.Add(-1)
			l.Release()
		}()
	}
	wg.Wait()

	if got := peak.Load(); got > capacity {
		t.Errorf("peak leases = %d, capacity %d", got, capacity)
	}
	if got := p.Stats(); got.Free != capacity {
		t.Errorf("free after all releases = %d, want %d", got.Free, capacity)
	}
}

func TestExec_BoundedWorkers(t *testing.T) {
	t.Parallel()
	const workers = 2
	p, _ := newPool(t, testConfig(workers))

	var (
		running, peak atomic.Int32
		wg            sync.WaitGroup
	)
	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := p.Exec(context.Background(), "test", func() error {
				n := running.Add(1)
				for {
					old := peak.Load()
					if n <= old || peak.CompareAndSwap(old, n) {
						break
					}
				}
				time.Sleep(2 * time.Millisecond)
				running.Add(-1)
				return nil
			})
			if err != nil {
				t.Errorf("Exec: %v", err)
			}
		}()
	}
	wg.Wait()

	if got := peak.Load(); got > workers {
		t.Errorf("peak concurrent jobs = %d, workers %d", got, workers)
	}
}

func TestExec_ReturnsJobError(t *testing.T) {
	t.Parallel()
	p, _ := newPool(t, testConfig(1))
	boom := errors.New("boom")
	if err := p.Exec(context.Background(), "test", func() error { return boom }); !errors.Is(err, boom) {
		t.Errorf("Exec error = %v, want %v", err, boom)
	}
}

func TestExec_BeforeInit(t *testing.T) {
	t.Parallel()
	p := New(testConfig(1), factoryFor(&mock.Backend{}), WithMetrics(testMetrics(t)))
	if err := p.Exec(context.Background(), "test", func() error { return nil }); !errors.Is(err, ErrNotInitialised) {
		t.Errorf("Exec error = %v, want ErrNotInitialised", err)
	}
	if err := p.Ready(context.Background()); !errors.Is(err, ErrNotInitialised) {
		t.Errorf("Ready() = %v, want ErrNotInitialised", err)
	}
}

func TestClose_ReleasesEverything(t *testing.T) {
	t.Parallel()
	b := &mock.Backend{}
	p := New(testConfig(2), factoryFor(b), WithMetrics(testMetrics(t)))
	if err := p.Init(context.Background()); err != nil {
		t.Fatalf("Init: %v", err)
	}

	l, err := p.Lease(context.Background())
	if err != nil {
		t.Fatalf("Lease: %v", err)
	}
	if err := p.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := p.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if b.CloseCallCount != 1 {
		t.Errorf("backend Close calls = %d, want 1", b.CloseCallCount)
	}

	// The leased decoder is closed when its lease comes back.
	l.Release()
	for _, d := range b.Created {
		if _, closes := d.Counts(); closes != 1 {
			t.Errorf("decoder Close calls = %d, want 1", closes)
		}
	}

	if _, err := p.Lease(context.Background()); !errors.Is(err, ErrClosed) {
		t.Errorf("Lease after Close = %v, want ErrClosed", err)
	}
	if err := p.Exec(context.Background(), "test", func() error { return nil }); !errors.Is(err, ErrClosed) {
		t.Errorf("Exec after Close = %v, want ErrClosed", err)
	}
}
