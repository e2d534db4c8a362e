// Package history defines the append-only record of finished decoding
// sessions and the pagination used to browse it.
//
// A [Store] is written once per session by the persistence pipeline and read
// newest-first by the /history endpoint. Implementations must be safe for
// concurrent use.
package history

import (
	"context"
	"time"
)

// Record is one finished session.
type Record struct {
	// ID is assigned by the store on insert.
	ID int64 `json:"id"`

	// Time is when the session closed.
	Time time.Time `json:"time"`

	// AudioPath is the path of the stored audio file.
	AudioPath string `json:"wav_path"`

	// Recognition is the session transcript: final results joined by "\n".
	Recognition string `json:"recognition"`

	// ClientInfo is the metadata the client sent when connecting.
	ClientInfo string `json:"client_info"`
}

// Store persists history records.
type Store interface {
	// Insert appends rec and returns the ID assigned to it.
	Insert(ctx context.Context, rec Record) (int64, error)

	// Count returns the total number of records.
	Count(ctx context.Context) (int64, error)

	// List returns at most limit records starting at offset, newest first.
	List(ctx context.Context, offset, limit int) ([]Record, error)

	// Ping verifies the store is reachable.
	Ping(ctx context.Context) error

	// Close releases all resources held by the store.
	Close()
}
