package store

import (
	"context"
	"time"
)

// Run is one journaled sync run.
type Run struct {
	ID          string    `json:"id"`
	Kind        string    `json:"kind"`
	Status      string    `json:"status"`
	StartedAt   time.Time `json:"started_at"`
	FinishedAt  time.Time `json:"finished_at,omitzero"`
	Processed   int       `json:"processed"`
	LastOrdinal int64     `json:"last_ordinal"`
	Error       string    `json:"error,omitempty"`
}

// BeginRun journals the start of a run.
func (s *Store) BeginRun(ctx context.Context, run Run) error {
	_, err := s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO sync_runs (id, kind, status, started_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (id) DO NOTHING
	`), run.ID, run.Kind, run.Status, formatTime(run.StartedAt))
	return persistErr("begin run", run.ID, err)
}

// FinishRun journals the final state of a run.
func (s *Store) FinishRun(ctx context.Context, run Run) error {
	_, err := s.db.ExecContext(ctx, s.rebind(`
		UPDATE sync_runs
		SET status = ?, finished_at = ?, processed = ?, last_ordinal = ?, error = ?
		WHERE id = ?
	`), run.Status, formatTime(run.FinishedAt), run.Processed, run.LastOrdinal, run.Error, run.ID)
	return persistErr("finish run", run.ID, err)
}

// RecentRuns returns up to limit runs, newest first.
func (s *Store) RecentRuns(ctx context.Context, limit int) ([]Run, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`
		SELECT id, kind, status, started_at, finished_at, processed, last_ordinal, error
		FROM sync_runs
		ORDER BY started_at DESC, id DESC
		LIMIT ?
	`), limit)
	if err != nil {
		return nil, persistErr("recent runs", "", err)
	}
	defer rows.Close()

	var out []Run
	for rows.Next() {
		var (
			r                 Run
			started, finished string
		)
		if err := rows.Scan(&r.ID, &r.Kind, &r.Status, &started, &finished, &r.Processed, &r.LastOrdinal, &r.Error); err != nil {
			return nil, persistErr("recent runs", "", err)
		}
		r.StartedAt = parseTime(started)
		r.FinishedAt = parseTime(finished)
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, persistErr("recent runs", "", err)
	}
	return out, nil
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
