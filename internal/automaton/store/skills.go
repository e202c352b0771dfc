package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// SkillRow is the persisted form of a skill. The enabled flag is runtime
// state owned by this table; reloading the skill file from disk must not
// clobber it.
type SkillRow struct {
	Name         string
	Description  string
	Instructions string
	AutoActivate bool
	Enabled      bool
	RequiresBins []string
	RequiresEnv  []string
	Source       string
	InstalledAt  time.Time
}

// UpsertSkill inserts or refreshes a skill's definition. On conflict the
// definition columns are replaced but the enabled flag is preserved, so an
// operator's disable decision survives skill reloads.
func (s *Store) UpsertSkill(ctx context.Context, sk *SkillRow) error {
	bins, err := json.Marshal(sk.RequiresBins)
	if err != nil {
		return fmt.Errorf("encode requires_bins: %w", err)
	}
	env, err := json.Marshal(sk.RequiresEnv)
	if err != nil {
		return fmt.Errorf("encode requires_env: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO skills (name, description, instructions, auto_activate, enabled,
		                    requires_bins, requires_env, source, installed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			description = excluded.description,
			instructions = excluded.instructions,
			auto_activate = excluded.auto_activate,
			requires_bins = excluded.requires_bins,
			requires_env = excluded.requires_env,
			source = excluded.source`,
		sk.Name, sk.Description, sk.Instructions, sk.AutoActivate, sk.Enabled,
		string(bins), string(env), sk.Source, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("upsert skill %s: %w", sk.Name, err)
	}
	return nil
}

// SetSkillEnabled flips the runtime enabled flag.
func (s *Store) SetSkillEnabled(ctx context.Context, name string, enabled bool) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE skills SET enabled = ? WHERE name = ?", enabled, name)
	if err != nil {
		return fmt.Errorf("set skill %s enabled: %w", name, err)
	}
	return nil
}

// ListSkills returns all persisted skills ordered by name.
func (s *Store) ListSkills(ctx context.Context) ([]*SkillRow, error) {
	return s.querySkills(ctx, `
		SELECT name, description, instructions, auto_activate, enabled,
		       requires_bins, requires_env, source, installed_at
		FROM skills ORDER BY name`)
}

// ActiveSkills returns skills that are both enabled and auto-activating —
// the set whose instructions are injected into the system prompt.
func (s *Store) ActiveSkills(ctx context.Context) ([]*SkillRow, error) {
	return s.querySkills(ctx, `
		SELECT name, description, instructions, auto_activate, enabled,
		       requires_bins, requires_env, source, installed_at
		FROM skills WHERE enabled = 1 AND auto_activate = 1 ORDER BY name`)
}

func (s *Store) querySkills(ctx context.Context, query string) ([]*SkillRow, error) {
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query skills: %w", err)
	}
	defer rows.Close()

	var skills []*SkillRow
	for rows.Next() {
		sk := &SkillRow{}
		var bins, env string
		if err := rows.Scan(&sk.Name, &sk.Description, &sk.Instructions, &sk.AutoActivate,
			&sk.Enabled, &bins, &env, &sk.Source, &sk.InstalledAt); err != nil {
			return nil, fmt.Errorf("scan skill: %w", err)
		}
		if err := json.Unmarshal([]byte(bins), &sk.RequiresBins); err != nil {
			return nil, fmt.Errorf("decode requires_bins for %s: %w", sk.Name, err)
		}
		if err := json.Unmarshal([]byte(env), &sk.RequiresEnv); err != nil {
			return nil, fmt.Errorf("decode requires_env for %s: %w", sk.Name, err)
		}
		skills = append(skills, sk)
	}
	return skills, rows.Err()
}
