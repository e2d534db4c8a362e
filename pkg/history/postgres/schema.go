package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

const ddlHistory = `
CREATE TABLE IF NOT EXISTS history (
    id           BIGSERIAL    PRIMARY KEY,
    time         TIMESTAMPTZ  NOT NULL DEFAULT now(),
    wav_path     TEXT         NOT NULL,
    recognition  TEXT         NOT NULL DEFAULT '',
    client_info  TEXT         NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_history_time
    ON history (time);
`

// Migrate creates the history table if it does not exist. It is idempotent
// and safe to call on every start.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, ddlHistory); err != nil {
		return fmt.Errorf("postgres migrate: %w", err)
	}
	return nil
}
