package resilience

import (
	"context"
	"fmt"

	"github.com/ASLP-AI/xdecoder/pkg/history"
)

// GuardedStore wraps a [history.Store] with a [CircuitBreaker]. Writes and
// reads go through the breaker; Ping bypasses it so readiness checks keep
// reporting the real database state.
type GuardedStore struct {
	store   history.Store
	breaker *CircuitBreaker
}

// Compile-time interface assertion.
var _ history.Store = (*GuardedStore)(nil)

// NewGuardedStore wraps store. A zero cfg uses the breaker defaults and the
// name "history".
func NewGuardedStore(store history.Store, cfg CircuitBreakerConfig) *GuardedStore {
	if cfg.Name == "" {
		cfg.Name = "history"
	}
	return &GuardedStore{store: store, breaker: NewCircuitBreaker(cfg)}
}

// Breaker returns the breaker guarding the store.
func (g *GuardedStore) Breaker() *CircuitBreaker { return g.breaker }

// Insert implements [history.Store].
func (g *GuardedStore) Insert(ctx context.Context, rec history.Record) (int64, error) {
	var id int64
	err := g.breaker.Execute(ctx, func(ctx context.Context) error {
		var err error
		id, err = g.store.Insert(ctx, rec)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("guarded history: insert: %w", err)
	}
	return id, nil
}

// Count implements [history.Store].
func (g *GuardedStore) Count(ctx context.Context) (int64, error) {
	var n int64
	err := g.breaker.Execute(ctx, func(ctx context.Context) error {
		var err error
		n, err = g.store.Count(ctx)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("guarded history: count: %w", err)
	}
	return n, nil
}

// List implements [history.Store].
func (g *GuardedStore) List(ctx context.Context, offset, limit int) ([]history.Record, error) {
	var recs []history.Record
	err := g.breaker.Execute(ctx, func(ctx context.Context) error {
		var err error
		recs, err = g.store.List(ctx, offset, limit)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("guarded history: list: %w", err)
	}
	return recs, nil
}

// Ping implements [history.Store].
func (g *GuardedStore) Ping(ctx context.Context) error {
	return g.store.Ping(ctx)
}

// Close implements [history.Store].
func (g *GuardedStore) Close() {
	g.store.Close()
}
