package store

import (
	"context"
	"fmt"
	"time"
)

// ChildStatus is the observed lifecycle state of a spawned child automaton.
type ChildStatus string

const (
	ChildRunning  ChildStatus = "running"
	ChildSleeping ChildStatus = "sleeping"
	ChildDead     ChildStatus = "dead"
	ChildUnknown  ChildStatus = "unknown"
)

// childStatusRank orders statuses toward dead. Transitions may only move to
// an equal or higher rank; unknown is transient and may move anywhere.
var childStatusRank = map[ChildStatus]int{
	ChildRunning:  1,
	ChildSleeping: 2,
	ChildDead:     3,
}

// Child is a spawned child automaton. Children are referenced by address
// string only; lineage queries always go through the store.
type Child struct {
	ID        string
	Name      string
	SandboxID string
	Address   string
	Status    ChildStatus
	CreatedAt time.Time
}

// CreateChild records a freshly spawned child.
func (s *Store) CreateChild(ctx context.Context, c *Child) error {
	if c.Status == "" {
		c.Status = ChildUnknown
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO children (id, name, sandbox_id, address, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		c.ID, c.Name, c.SandboxID, c.Address, string(c.Status), time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("create child %s: %w", c.ID, err)
	}
	return nil
}

// UpdateChildStatus applies a status refresh, enforcing monotonic movement
// toward dead. A child already marked dead stays dead; unknown may resolve
// to any status on the next probe.
func (s *Store) UpdateChildStatus(ctx context.Context, id string, status ChildStatus) error {
	var current string
	err := s.db.QueryRowContext(ctx, "SELECT status FROM children WHERE id = ?", id).Scan(&current)
	if err != nil {
		return fmt.Errorf("get child %s status: %w", id, err)
	}

	cur := ChildStatus(current)
	if cur == ChildDead {
		return nil // terminal; no later status report resurrects it
	}
	if cur != ChildUnknown && status != ChildUnknown {
		if childStatusRank[status] < childStatusRank[cur] {
			return nil
		}
	}

	_, err = s.db.ExecContext(ctx, "UPDATE children SET status = ? WHERE id = ?", string(status), id)
	if err != nil {
		return fmt.Errorf("update child %s status: %w", id, err)
	}
	return nil
}

// ListChildren returns all children ordered by creation time.
func (s *Store) ListChildren(ctx context.Context) ([]*Child, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, sandbox_id, address, status, created_at
		FROM children ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("list children: %w", err)
	}
	defer rows.Close()

	var children []*Child
	for rows.Next() {
		c := &Child{}
		var status string
		if err := rows.Scan(&c.ID, &c.Name, &c.SandboxID, &c.Address, &status, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan child: %w", err)
		}
		c.Status = ChildStatus(status)
		children = append(children, c)
	}
	return children, rows.Err()
}
