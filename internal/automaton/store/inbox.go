package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// InboxMessage is one externally delivered message. The id is assigned by the
// relay and is the global dedup key across all polls.
type InboxMessage struct {
	ID         string
	From       string
	To         string
	Content    string
	SignedAt   time.Time
	ReceivedAt time.Time
	Processed  bool
}

// InsertInboxBatch inserts messages with insert-if-absent semantics and
// advances the poll cursor in the same transaction. Returns the number of
// rows newly inserted (duplicates are silently skipped).
func (s *Store) InsertInboxBatch(ctx context.Context, msgs []InboxMessage, cursorName, cursorValue string) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin inbox tx: %w", err)
	}

	inserted := 0
	for _, m := range msgs {
		receivedAt := m.ReceivedAt
		if receivedAt.IsZero() {
			receivedAt = time.Now().UTC()
		}
		res, err := tx.ExecContext(ctx, `
			INSERT OR IGNORE INTO inbox (id, sender, recipient, content, signed_at, received_at)
			VALUES (?, ?, ?, ?, ?, ?)`,
			m.ID, m.From, m.To, m.Content, m.SignedAt.UTC(), receivedAt,
		)
		if err != nil {
			tx.Rollback()
			return 0, fmt.Errorf("insert inbox %s: %w", m.ID, err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			inserted++
		}
	}

	if cursorValue != "" {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO cursors (name, value, updated_at)
			VALUES (?, ?, CURRENT_TIMESTAMP)
			ON CONFLICT(name) DO UPDATE SET
				value = excluded.value,
				updated_at = excluded.updated_at`,
			cursorName, cursorValue,
		); err != nil {
			tx.Rollback()
			return 0, fmt.Errorf("update cursor %s: %w", cursorName, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit inbox tx: %w", err)
	}
	return inserted, nil
}

// GetCursor returns the stored cursor value, or "" when none exists.
func (s *Store) GetCursor(ctx context.Context, name string) (string, error) {
	var v string
	err := s.db.QueryRowContext(ctx, "SELECT value FROM cursors WHERE name = ?", name).Scan(&v)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get cursor %s: %w", name, err)
	}
	return v, nil
}

// UnprocessedInbox returns all unprocessed messages in consumption order:
// signed_at, then received_at, then id lexicographic.
func (s *Store) UnprocessedInbox(ctx context.Context) ([]InboxMessage, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, sender, recipient, content, signed_at, received_at, processed
		FROM inbox
		WHERE processed = 0
		ORDER BY signed_at, received_at, id`)
	if err != nil {
		return nil, fmt.Errorf("query inbox: %w", err)
	}
	defer rows.Close()

	var msgs []InboxMessage
	for rows.Next() {
		var m InboxMessage
		if err := rows.Scan(&m.ID, &m.From, &m.To, &m.Content, &m.SignedAt, &m.ReceivedAt, &m.Processed); err != nil {
			return nil, fmt.Errorf("scan inbox row: %w", err)
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// MarkInboxProcessed flips processed to true for the given message ids.
// The flag is monotonic; re-marking a processed message is a no-op.
func (s *Store) MarkInboxProcessed(ctx context.Context, ids ...string) error {
	for _, id := range ids {
		if _, err := s.db.ExecContext(ctx,
			"UPDATE inbox SET processed = 1 WHERE id = ?", id,
		); err != nil {
			return fmt.Errorf("mark inbox %s processed: %w", id, err)
		}
	}
	return nil
}
