package history

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// Default readiness parameters.
const (
	defaultMaxRetries = 10
	defaultBackoff    = 1 * time.Second
	defaultMaxBackoff = 30 * time.Second
)

// Backoff configures [WaitReady].
type Backoff struct {
	// MaxRetries is the maximum number of connection attempts before giving up.
	// Defaults to 10 if zero.
	MaxRetries int

	// Initial is the wait after the first failed attempt. Doubles each
	// attempt up to Max. Defaults to 1s if zero.
	Initial time.Duration

	// Max is the upper limit on the wait. Defaults to 30s if zero.
	Max time.Duration
}

func (b Backoff) withDefaults() Backoff {
	if b.MaxRetries <= 0 {
		b.MaxRetries = defaultMaxRetries
	}
	if b.Initial <= 0 {
		b.Initial = defaultBackoff
	}
	if b.Max <= 0 {
		b.Max = defaultMaxBackoff
	}
	return b
}

// WaitReady calls check until it succeeds, waiting with exponential backoff
// between attempts. It returns the last check error once the retries are
// used up, or ctx.Err() if ctx is cancelled first.
func WaitReady(ctx context.Context, check func(context.Context) error, b Backoff) error {
	b = b.withDefaults()
	wait := b.Initial

	var err error
	for attempt := 1; attempt <= b.MaxRetries; attempt++ {
		if err = check(ctx); err == nil {
			if attempt > 1 {
				slog.Info("history store ready", "attempt", attempt)
			}
			return nil
		}
		if attempt == b.MaxRetries {
			break
		}

		slog.Warn("history store not ready",
			"attempt", attempt,
			"max_retries", b.MaxRetries,
			"backoff", wait,
			"err", err,
		)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}

		wait *= 2
		if wait > b.Max {
			wait = b.Max
		}
	}
	return fmt.Errorf("history: not ready after %d attempts: %w", b.MaxRetries, err)
}
