package store

import (
	"context"
	"fmt"
	"time"
)

// Stage names the step an item failed at.
type Stage string

const (
	// StagePublish: the item was never archived; it is rediscovered as New.
	StagePublish Stage = "publish"
	// StageUpdate: an edit of an archived item failed.
	StageUpdate Stage = "update"
	// StageCatalog: the item is archived but its catalog entry is missing.
	StageCatalog Stage = "catalog"
)

// PendingItem is an item-level failure waiting for the next sync.
type PendingItem struct {
	ID        string    `json:"id"`
	Stage     Stage     `json:"stage"`
	Attempts  int       `json:"attempts"`
	LastError string    `json:"last_error"`
	UpdatedAt time.Time `json:"updated_at"`
}

// MarkPending records (or bumps) a pending entry for id at stage.
func (s *Store) MarkPending(ctx context.Context, id string, stage Stage, cause error) error {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	_, err := s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO pending_items (id, stage, attempts, last_error, updated_at)
		VALUES (?, ?, 1, ?, ?)
		ON CONFLICT (id, stage) DO UPDATE SET
			attempts = pending_items.attempts + 1,
			last_error = excluded.last_error,
			updated_at = excluded.updated_at
	`), id, string(stage), msg, s.timestamp())
	return persistErr("mark pending", id, err)
}

// ClearPending removes the pending entry for id at stage, if any.
func (s *Store) ClearPending(ctx context.Context, id string, stage Stage) error {
	_, err := s.db.ExecContext(ctx, s.rebind(`
		DELETE FROM pending_items WHERE id = ? AND stage = ?
	`), id, string(stage))
	return persistErr("clear pending", id, err)
}

// Pending lists pending entries, oldest first.
func (s *Store) Pending(ctx context.Context) ([]PendingItem, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, stage, attempts, last_error, updated_at
		FROM pending_items
		ORDER BY updated_at ASC, id ASC
	`)
	if err != nil {
		return nil, persistErr("pending", "", err)
	}
	defer rows.Close()

	var out []PendingItem
	for rows.Next() {
		var (
			p       PendingItem
			stage   string
			updated string
		)
		if err := rows.Scan(&p.ID, &stage, &p.Attempts, &p.LastError, &updated); err != nil {
			return nil, persistErr("pending", "", err)
		}
		p.Stage = Stage(stage)
		if p.UpdatedAt, err = time.Parse(time.RFC3339Nano, updated); err != nil {
			return nil, persistErr("pending", p.ID, fmt.Errorf("parse updated_at: %w", err))
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, persistErr("pending", "", err)
	}
	return out, nil
}
