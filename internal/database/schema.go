package database

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Schema holds the idempotent DDL for the persisted feed. Rows are unique on
// (account_id, merge_key); amount_minor is the amount in the currency's
// smallest unit, signed by direction.
var Schema = []string{
	`CREATE TABLE IF NOT EXISTS movements (
		account_id     TEXT        NOT NULL,
		merge_key      TEXT        NOT NULL,
		provider       TEXT        NOT NULL DEFAULT '',
		movement_id    TEXT        NOT NULL,
		occurred_at    TIMESTAMPTZ NOT NULL,
		direction      TEXT        NOT NULL,
		amount         NUMERIC     NOT NULL,
		amount_minor   BIGINT      NOT NULL,
		currency       TEXT        NOT NULL,
		status         TEXT        NOT NULL DEFAULT '',
		end_to_end_id  TEXT        NOT NULL DEFAULT '',
		transaction_id TEXT        NOT NULL DEFAULT '',
		description    TEXT        NOT NULL DEFAULT '',
		counterparty   JSONB,
		source         TEXT        NOT NULL,
		raw            JSONB,
		updated_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
		PRIMARY KEY (account_id, merge_key)
	)`,
	`CREATE INDEX IF NOT EXISTS movements_account_occurred_idx
		ON movements (account_id, occurred_at DESC)`,
	`CREATE TABLE IF NOT EXISTS balance_snapshots (
		account_id TEXT        NOT NULL,
		at         TIMESTAMPTZ NOT NULL,
		balances   JSONB       NOT NULL,
		PRIMARY KEY (account_id, at)
	)`,
}

// Migrate applies Schema in order.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	for i, stmt := range Schema {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema statement %d: %w", i, err)
		}
	}
	return nil
}
