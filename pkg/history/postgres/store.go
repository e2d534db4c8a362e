// Package postgres provides a PostgreSQL-backed [history.Store].
//
// Records live in a single history table created by [Migrate]. All
// operations share one [pgxpool.Pool] and are safe for concurrent use.
//
// Usage:
//
//	store, err := postgres.NewStore(ctx, dsn)
//	if err != nil { … }
//	defer store.Close()
//
//	id, _ := store.Insert(ctx, history.Record{Time: time.Now(), AudioPath: p})
package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ASLP-AI/xdecoder/pkg/history"
)

// Compile-time interface check.
var _ history.Store = (*Store)(nil)

// Store is the PostgreSQL history store.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a connection pool to the PostgreSQL database at dsn,
// verifies it with a ping and runs [Migrate].
func NewStore(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres history: parse dsn: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres history: create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres history: ping: %w", err)
	}

	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres history: migrate: %w", err)
	}

	return &Store{pool: pool}, nil
}

// Insert implements [history.Store].
func (s *Store) Insert(ctx context.Context, rec history.Record) (int64, error) {
	const q = `
		INSERT INTO history (time, wav_path, recognition, client_info)
		VALUES ($1, $2, $3, $4)
		RETURNING id`

	var id int64
	if err := s.pool.QueryRow(ctx, q, rec.Time, rec.AudioPath, rec.Recognition, rec.ClientInfo).Scan(&id); err != nil {
		return 0, fmt.Errorf("postgres history: insert: %w", err)
	}
	return id, nil
}

// Count implements [history.Store].
func (s *Store) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := s.pool.QueryRow(ctx, `SELECT count(*) FROM history`).Scan(&n); err != nil {
		return 0, fmt.Errorf("postgres history: count: %w", err)
	}
	return n, nil
}

// List implements [history.Store]. Records are ordered by id descending.
func (s *Store) List(ctx context.Context, offset, limit int) ([]history.Record, error) {
	const q = `
		SELECT id, time, wav_path, recognition, client_info
		FROM   history
		ORDER  BY id DESC
		LIMIT  $1 OFFSET $2`

	rows, err := s.pool.Query(ctx, q, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("postgres history: list: %w", err)
	}
	recs, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (history.Record, error) {
		var r history.Record
		err := row.Scan(&r.ID, &r.Time, &r.AudioPath, &r.Recognition, &r.ClientInfo)
		return r, err
	})
	if err != nil {
		return nil, fmt.Errorf("postgres history: scan: %w", err)
	}
	return recs, nil
}

// Ping implements [history.Store].
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close releases all connections held by the pool.
func (s *Store) Close() {
	s.pool.Close()
}
