package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Model is one row of the model registry.
type Model struct {
	ModelID          string
	Provider         string
	TierMinimum      string
	CostPer1kInput   int64 // hundredth-cents per 1000 input tokens
	CostPer1kOutput  int64 // hundredth-cents per 1000 output tokens
	MaxTokens        int
	ContextWindow    int
	SupportsTools    bool
	Enabled          bool
	LastSeen         sql.NullTime
}

// SeedModels inserts baseline models, leaving existing rows untouched so
// runtime overrides survive restarts.
func (s *Store) SeedModels(ctx context.Context, models []Model) error {
	for _, m := range models {
		if _, err := s.db.ExecContext(ctx, `
			INSERT OR IGNORE INTO model_registry
				(model_id, provider, tier_minimum, cost_per_1k_input, cost_per_1k_output,
				 max_tokens, context_window, supports_tools, enabled)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			m.ModelID, m.Provider, m.TierMinimum, m.CostPer1kInput, m.CostPer1kOutput,
			m.MaxTokens, m.ContextWindow, m.SupportsTools, m.Enabled,
		); err != nil {
			return fmt.Errorf("seed model %s: %w", m.ModelID, err)
		}
	}
	return nil
}

// UpsertModel inserts or fully replaces a registry row (runtime override).
func (s *Store) UpsertModel(ctx context.Context, m Model) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO model_registry
			(model_id, provider, tier_minimum, cost_per_1k_input, cost_per_1k_output,
			 max_tokens, context_window, supports_tools, enabled)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(model_id) DO UPDATE SET
			provider = excluded.provider,
			tier_minimum = excluded.tier_minimum,
			cost_per_1k_input = excluded.cost_per_1k_input,
			cost_per_1k_output = excluded.cost_per_1k_output,
			max_tokens = excluded.max_tokens,
			context_window = excluded.context_window,
			supports_tools = excluded.supports_tools,
			enabled = excluded.enabled`,
		m.ModelID, m.Provider, m.TierMinimum, m.CostPer1kInput, m.CostPer1kOutput,
		m.MaxTokens, m.ContextWindow, m.SupportsTools, m.Enabled,
	)
	if err != nil {
		return fmt.Errorf("upsert model %s: %w", m.ModelID, err)
	}
	return nil
}

// GetModel retrieves a registry row by model id.
func (s *Store) GetModel(ctx context.Context, modelID string) (*Model, error) {
	m := &Model{}
	err := s.db.QueryRowContext(ctx, `
		SELECT model_id, provider, tier_minimum, cost_per_1k_input, cost_per_1k_output,
		       max_tokens, context_window, supports_tools, enabled, last_seen
		FROM model_registry WHERE model_id = ?`, modelID,
	).Scan(&m.ModelID, &m.Provider, &m.TierMinimum, &m.CostPer1kInput, &m.CostPer1kOutput,
		&m.MaxTokens, &m.ContextWindow, &m.SupportsTools, &m.Enabled, &m.LastSeen)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("model not found: %s", modelID)
	}
	if err != nil {
		return nil, fmt.Errorf("get model: %w", err)
	}
	return m, nil
}

// TouchModel updates the last_seen timestamp after a successful call.
func (s *Store) TouchModel(ctx context.Context, modelID string) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE model_registry SET last_seen = ? WHERE model_id = ?",
		time.Now().UTC(), modelID,
	)
	return err
}
