package writer

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/pixdesk/ledgersync/internal/model"
)

// Querier runs a single statement.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// SaveBalance stores a snapshot. Repeated snapshots at the same instant are
// ignored.
func SaveBalance(ctx context.Context, db Querier, accountID string, snap model.BalanceSnapshot) error {
	balances, err := json.Marshal(snap.Balances)
	if err != nil {
		return fmt.Errorf("marshal balances: %w", err)
	}
	_, err = db.Exec(ctx, `
		INSERT INTO balance_snapshots (account_id, at, balances)
		VALUES ($1, $2, $3)
		ON CONFLICT (account_id, at) DO NOTHING
	`, accountID, snap.At.UTC(), balances)
	if err != nil {
		return fmt.Errorf("insert balance snapshot: %w", err)
	}
	return nil
}
