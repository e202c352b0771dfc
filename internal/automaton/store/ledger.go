package store

import (
	"context"
	"fmt"
	"time"
)

// LedgerEntry is one immutable cost record. Costs are denominated in
// hundredths of a US cent (1 unit = $0.0001) so all arithmetic stays exact.
type LedgerEntry struct {
	Timestamp          time.Time
	ModelID            string
	TaskKind           string
	TokensIn           int
	TokensOut          int
	CostHundredthCents int64
	Tier               string
}

// AppendLedger appends one cost record. The ledger is append-only; rows are
// never updated or deleted.
func (s *Store) AppendLedger(ctx context.Context, e LedgerEntry) error {
	ts := e.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO cost_ledger (ts, model_id, task_kind, tokens_in, tokens_out, cost_hundredth_cents, tier)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		ts, e.ModelID, e.TaskKind, e.TokensIn, e.TokensOut, e.CostHundredthCents, e.Tier,
	)
	if err != nil {
		return fmt.Errorf("append ledger: %w", err)
	}
	return nil
}

// HourlySpend returns the sum of ledger costs in the 60 minutes before now,
// in hundredth-cents.
func (s *Store) HourlySpend(ctx context.Context, now time.Time) (int64, error) {
	var sum int64
	err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(cost_hundredth_cents), 0)
		FROM cost_ledger
		WHERE ts > ?`, now.UTC().Add(-time.Hour),
	).Scan(&sum)
	if err != nil {
		return 0, fmt.Errorf("hourly spend: %w", err)
	}
	return sum, nil
}
