package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// TurnState is the lifecycle state of a turn record.
type TurnState string

const (
	TurnBuilding          TurnState = "building"
	TurnAwaitingInference TurnState = "awaiting_inference"
	TurnDispatchingTools  TurnState = "dispatching_tools"
	TurnFinalized         TurnState = "finalized"
	TurnAborted           TurnState = "aborted"
)

// Turn is one Think→Act→Observe cycle. Immutable once finalized.
type Turn struct {
	ID                 string
	Timestamp          time.Time
	InputSource        string
	Input              string
	Thinking           string
	State              TurnState
	TokensIn           int
	TokensOut          int
	ModelID            string
	CostHundredthCents int64
	ToolCalls          []ToolCall
}

// ToolCall is one tool invocation within a turn. Exactly one of Result and
// Error is set once the call reaches a terminal state.
type ToolCall struct {
	ID        string
	Name      string
	Arguments string
	Result    sql.NullString
	Error     sql.NullString
}

// BeginTurn inserts a new turn in the building state.
func (s *Store) BeginTurn(ctx context.Context, id, inputSource, input string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO turns (id, ts, input_source, input, state)
		VALUES (?, ?, ?, ?, ?)`,
		id, time.Now().UTC(), inputSource, input, string(TurnBuilding),
	)
	if err != nil {
		return fmt.Errorf("begin turn %s: %w", id, err)
	}
	return nil
}

// SetTurnState advances the state of an in-flight turn.
func (s *Store) SetTurnState(ctx context.Context, id string, state TurnState) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE turns SET state = ? WHERE id = ? AND state NOT IN ('finalized', 'aborted')",
		string(state), id,
	)
	if err != nil {
		return fmt.Errorf("set turn state: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("turn %s not found or already terminal", id)
	}
	return nil
}

// FinalizeTurn writes the turn outcome and all tool calls in one transaction,
// moving the turn to the finalized state. Every tool call must be terminal
// (result or error set); half-written tool calls never become visible.
func (s *Store) FinalizeTurn(ctx context.Context, t *Turn) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin finalize tx: %w", err)
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE turns
		SET thinking = ?, tokens_in = ?, tokens_out = ?, model_id = ?,
		    cost_hundredth_cents = ?, state = ?
		WHERE id = ? AND state NOT IN ('finalized', 'aborted')`,
		t.Thinking, t.TokensIn, t.TokensOut, t.ModelID,
		t.CostHundredthCents, string(TurnFinalized), t.ID,
	)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("finalize turn %s: %w", t.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		tx.Rollback()
		return fmt.Errorf("turn %s not found or already terminal", t.ID)
	}

	for i, tc := range t.ToolCalls {
		if tc.Result.Valid == tc.Error.Valid {
			tx.Rollback()
			return fmt.Errorf("tool call %s: exactly one of result/error must be set", tc.ID)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO tool_calls (turn_id, ord, call_id, name, arguments, result, error)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			t.ID, i, tc.ID, tc.Name, tc.Arguments, tc.Result, tc.Error,
		); err != nil {
			tx.Rollback()
			return fmt.Errorf("insert tool call %s: %w", tc.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit finalize tx: %w", err)
	}
	return nil
}

// AbortUnfinished marks every non-terminal turn as aborted, retaining partial
// content for audit. Called once on startup; returns the number of turns
// recovered.
func (s *Store) AbortUnfinished(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx,
		"UPDATE turns SET state = ? WHERE state NOT IN ('finalized', 'aborted')",
		string(TurnAborted),
	)
	if err != nil {
		return 0, fmt.Errorf("abort unfinished turns: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// RecentTurns returns the most recent n finalized or aborted turns, oldest
// first, with their tool calls populated.
func (s *Store) RecentTurns(ctx context.Context, n int) ([]*Turn, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, ts, input_source, input, thinking, state,
		       tokens_in, tokens_out, model_id, cost_hundredth_cents
		FROM turns
		WHERE state IN ('finalized', 'aborted')
		ORDER BY rowid DESC
		LIMIT ?`, n)
	if err != nil {
		return nil, fmt.Errorf("query recent turns: %w", err)
	}
	defer rows.Close()

	var turns []*Turn
	for rows.Next() {
		t := &Turn{}
		var state string
		if err := rows.Scan(&t.ID, &t.Timestamp, &t.InputSource, &t.Input, &t.Thinking,
			&state, &t.TokensIn, &t.TokensOut, &t.ModelID, &t.CostHundredthCents); err != nil {
			return nil, fmt.Errorf("scan turn: %w", err)
		}
		t.State = TurnState(state)
		turns = append(turns, t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Reverse to oldest-first.
	for i, j := 0, len(turns)-1; i < j; i, j = i+1, j-1 {
		turns[i], turns[j] = turns[j], turns[i]
	}

	for _, t := range turns {
		if err := s.loadToolCalls(ctx, t); err != nil {
			return nil, err
		}
	}
	return turns, nil
}

// CountTurns returns the number of terminal turns.
func (s *Store) CountTurns(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM turns WHERE state IN ('finalized', 'aborted')",
	).Scan(&n)
	return n, err
}

// GetTurn loads a single turn with its tool calls.
func (s *Store) GetTurn(ctx context.Context, id string) (*Turn, error) {
	t := &Turn{}
	var state string
	err := s.db.QueryRowContext(ctx, `
		SELECT id, ts, input_source, input, thinking, state,
		       tokens_in, tokens_out, model_id, cost_hundredth_cents
		FROM turns WHERE id = ?`, id,
	).Scan(&t.ID, &t.Timestamp, &t.InputSource, &t.Input, &t.Thinking,
		&state, &t.TokensIn, &t.TokensOut, &t.ModelID, &t.CostHundredthCents)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("turn not found: %s", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get turn: %w", err)
	}
	t.State = TurnState(state)
	if err := s.loadToolCalls(ctx, t); err != nil {
		return nil, err
	}
	return t, nil
}

func (s *Store) loadToolCalls(ctx context.Context, t *Turn) error {
	rows, err := s.db.QueryContext(ctx, `
		SELECT call_id, name, arguments, result, error
		FROM tool_calls WHERE turn_id = ? ORDER BY ord`, t.ID)
	if err != nil {
		return fmt.Errorf("query tool calls: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var tc ToolCall
		if err := rows.Scan(&tc.ID, &tc.Name, &tc.Arguments, &tc.Result, &tc.Error); err != nil {
			return fmt.Errorf("scan tool call: %w", err)
		}
		t.ToolCalls = append(t.ToolCalls, tc)
	}
	return rows.Err()
}
