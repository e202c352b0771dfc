package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// RecordLiveness appends a heartbeat liveness record. A non-empty note marks
// a distress ping describing why a turn could not be produced.
func (s *Store) RecordLiveness(ctx context.Context, tier string, liquidHundredthCents int64, note string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO liveness (ts, tier, liquid_hundredth_cents, note)
		VALUES (?, ?, ?, ?)`,
		time.Now().UTC(), tier, liquidHundredthCents, note,
	)
	if err != nil {
		return fmt.Errorf("record liveness: %w", err)
	}
	return nil
}

// LastLiveness returns the timestamp of the most recent liveness record, or
// the zero time when none exists.
func (s *Store) LastLiveness(ctx context.Context) (time.Time, error) {
	var ts time.Time
	err := s.db.QueryRowContext(ctx,
		"SELECT ts FROM liveness ORDER BY id DESC LIMIT 1",
	).Scan(&ts)
	if err == sql.ErrNoRows {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("last liveness: %w", err)
	}
	return ts, nil
}

// SaveTier persists the current operating tier for restart recovery.
func (s *Store) SaveTier(ctx context.Context, tier string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tier_state (id, tier, changed_at)
		VALUES (1, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(id) DO UPDATE SET
			tier = excluded.tier,
			changed_at = excluded.changed_at`,
		tier,
	)
	if err != nil {
		return fmt.Errorf("save tier: %w", err)
	}
	return nil
}

// LoadTier returns the persisted tier, or "" when never saved.
func (s *Store) LoadTier(ctx context.Context) (string, error) {
	var tier string
	err := s.db.QueryRowContext(ctx, "SELECT tier FROM tier_state WHERE id = 1").Scan(&tier)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("load tier: %w", err)
	}
	return tier, nil
}
