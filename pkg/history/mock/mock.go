// Package mock provides an in-memory test double for history.Store.
package mock

import (
	"context"
	"sync"

	"github.com/ASLP-AI/xdecoder/pkg/history"
)

// Store is an in-memory implementation of history.Store that records calls
// and supports error injection.
type Store struct {
	mu sync.Mutex

	// InsertErr, if non-nil, is returned by every Insert call.
	InsertErr error

	// CountErr, if non-nil, is returned by Count.
	CountErr error

	// ListErr, if non-nil, is returned by List.
	ListErr error

	// PingErr, if non-nil, is returned by Ping.
	PingErr error

	// --- Call records ---

	// Records holds every inserted record in insertion order.
	Records []history.Record

	// InsertCallCount is the number of times Insert was called, including
	// failed calls.
	InsertCallCount int

	// PingCallCount is the number of times Ping was called.
	PingCallCount int

	// CloseCallCount is the number of times Close was called.
	CloseCallCount int
}

// Insert appends rec with the next sequential ID.
func (s *Store) Insert(_ context.Context, rec history.Record) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.InsertCallCount++
	if s.InsertErr != nil {
		return 0, s.InsertErr
	}
	rec.ID = int64(len(s.Records) + 1)
	s.Records = append(s.Records, rec)
	return rec.ID, nil
}

// Count returns the number of stored records.
func (s *Store) Count(_ context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.CountErr != nil {
		return 0, s.CountErr
	}
	return int64(len(s.Records)), nil
}

// List returns records newest first.
func (s *Store) List(_ context.Context, offset, limit int) ([]history.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ListErr != nil {
		return nil, s.ListErr
	}
	var out []history.Record
	for i := len(s.Records) - 1 - offset; i >= 0 && len(out) < limit; i-- {
		out = append(out, s.Records[i])
	}
	return out, nil
}

// Ping records the call and returns PingErr.
func (s *Store) Ping(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.PingCallCount++
	return s.PingErr
}

// Close records the call.
func (s *Store) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CloseCallCount++
}

// Snapshot returns a copy of the stored records. Thread-safe.
func (s *Store) Snapshot() []history.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]history.Record, len(s.Records))
	copy(out, s.Records)
	return out
}

// Ensure Store implements history.Store at compile time.
var _ history.Store = (*Store)(nil)
