package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/roach88/pxarchive/internal/artwork"
)

const (
	metaLastOrdinal   = "last_ordinal"
	metaSchemaVersion = "schema_version"
)

func (s *Store) metaValue(ctx context.Context, q queryer, key string) (int64, error) {
	var v int64
	err := q.QueryRowContext(ctx, s.rebind("SELECT value FROM registry_meta WHERE key = ?"), key).Scan(&v)
	if err != nil {
		return 0, fmt.Errorf("read %s: %w", key, err)
	}
	return v, nil
}

// Lookup returns the record for id, or false if the item was never archived.
func (s *Store) Lookup(ctx context.Context, id string) (artwork.Record, bool, error) {
	var (
		ordinal   int64
		existence bool
		blob      string
	)
	err := s.db.QueryRowContext(ctx, s.rebind(`
		SELECT sync_ordinal, existence, record
		FROM artworks
		WHERE id = ?
	`), id).Scan(&ordinal, &existence, &blob)
	if errors.Is(err, sql.ErrNoRows) {
		return artwork.Record{}, false, nil
	}
	if err != nil {
		return artwork.Record{}, false, persistErr("lookup", id, err)
	}

	rec, err := unmarshalRecord(blob, ordinal, existence)
	if err != nil {
		return artwork.Record{}, false, persistErr("lookup", id, err)
	}
	return rec, true, nil
}

// NextOrdinal returns the ordinal the next new record must carry. It does not
// reserve it: the counter only advances when Commit inserts that record.
func (s *Store) NextOrdinal(ctx context.Context) (int64, error) {
	last, err := s.metaValue(ctx, s.db, metaLastOrdinal)
	if err != nil {
		return 0, persistErr("next ordinal", "", err)
	}
	return last + 1, nil
}

// LastOrdinal returns the highest ordinal ever committed.
func (s *Store) LastOrdinal(ctx context.Context) (int64, error) {
	last, err := s.metaValue(ctx, s.db, metaLastOrdinal)
	if err != nil {
		return 0, persistErr("last ordinal", "", err)
	}
	return last, nil
}

// Commit writes rec as one checkpoint: the registry row, the record blob and
// (for a new id) the ordinal counter change together or not at all, and a
// successful commit clears the item's publish/update pending entries.
//
// A new id must carry exactly NextOrdinal(); an existing id must keep the
// ordinal it was first assigned. Anything else returns ErrOrdinalConflict.
func (s *Store) Commit(ctx context.Context, rec artwork.Record) error {
	blob, err := marshalRecord(rec)
	if err != nil {
		return persistErr("commit", rec.ID, err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return persistErr("commit", rec.ID, fmt.Errorf("begin transaction: %w", err))
	}
	defer tx.Rollback()

	var existing int64
	err = tx.QueryRowContext(ctx, s.rebind("SELECT sync_ordinal FROM artworks WHERE id = ?"), rec.ID).Scan(&existing)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		if err := s.insertRecord(ctx, tx, rec, blob); err != nil {
			return persistErr("commit", rec.ID, err)
		}
	case err != nil:
		return persistErr("commit", rec.ID, fmt.Errorf("read ordinal: %w", err))
	default:
		if existing != rec.Ordinal {
			return persistErr("commit", rec.ID,
				fmt.Errorf("%w: assigned %d, got %d", ErrOrdinalConflict, existing, rec.Ordinal))
		}
		if _, err := tx.ExecContext(ctx, s.rebind(`
			UPDATE artworks SET existence = ?, record = ?, updated_at = ?
			WHERE id = ?
		`), rec.Existence, blob, s.timestamp(), rec.ID); err != nil {
			return persistErr("commit", rec.ID, fmt.Errorf("update record: %w", err))
		}
	}

	if _, err := tx.ExecContext(ctx, s.rebind(`
		DELETE FROM pending_items WHERE id = ? AND stage IN (?, ?)
	`), rec.ID, string(StagePublish), string(StageUpdate)); err != nil {
		return persistErr("commit", rec.ID, fmt.Errorf("clear pending: %w", err))
	}

	if err := tx.Commit(); err != nil {
		return persistErr("commit", rec.ID, fmt.Errorf("commit transaction: %w", err))
	}
	return nil
}

func (s *Store) insertRecord(ctx context.Context, tx *sql.Tx, rec artwork.Record, blob string) error {
	last, err := s.metaValue(ctx, tx, metaLastOrdinal)
	if err != nil {
		return err
	}
	if rec.Ordinal != last+1 {
		return fmt.Errorf("%w: next ordinal is %d, got %d", ErrOrdinalConflict, last+1, rec.Ordinal)
	}

	if _, err := tx.ExecContext(ctx, s.rebind(`
		INSERT INTO artworks (sync_ordinal, id, existence, record, updated_at)
		VALUES (?, ?, ?, ?, ?)
	`), rec.Ordinal, rec.ID, rec.Existence, blob, s.timestamp()); err != nil {
		return fmt.Errorf("insert record: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		s.rebind("UPDATE registry_meta SET value = ? WHERE key = ?"),
		rec.Ordinal, metaLastOrdinal,
	); err != nil {
		return fmt.Errorf("advance ordinal: %w", err)
	}
	return nil
}

// MarkExistence records a new existence flag for id, in the column and the
// blob together.
func (s *Store) MarkExistence(ctx context.Context, id string, exists bool) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return persistErr("mark existence", id, fmt.Errorf("begin transaction: %w", err))
	}
	defer tx.Rollback()

	var (
		ordinal int64
		current bool
		blob    string
	)
	err = tx.QueryRowContext(ctx, s.rebind(`
		SELECT sync_ordinal, existence, record FROM artworks WHERE id = ?
	`), id).Scan(&ordinal, &current, &blob)
	if err != nil {
		return persistErr("mark existence", id, err)
	}

	rec, err := unmarshalRecord(blob, ordinal, current)
	if err != nil {
		return persistErr("mark existence", id, err)
	}
	rec.Existence = exists

	blob, err = marshalRecord(rec)
	if err != nil {
		return persistErr("mark existence", id, err)
	}
	if _, err := tx.ExecContext(ctx, s.rebind(`
		UPDATE artworks SET existence = ?, record = ?, updated_at = ? WHERE id = ?
	`), exists, blob, s.timestamp(), id); err != nil {
		return persistErr("mark existence", id, err)
	}

	if err := tx.Commit(); err != nil {
		return persistErr("mark existence", id, err)
	}
	return nil
}

// Records returns every archived record in ordinal order.
func (s *Store) Records(ctx context.Context) ([]artwork.Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT sync_ordinal, existence, record
		FROM artworks
		ORDER BY sync_ordinal ASC
	`)
	if err != nil {
		return nil, persistErr("records", "", err)
	}
	defer rows.Close()

	var out []artwork.Record
	for rows.Next() {
		var (
			ordinal   int64
			existence bool
			blob      string
		)
		if err := rows.Scan(&ordinal, &existence, &blob); err != nil {
			return nil, persistErr("records", "", err)
		}
		rec, err := unmarshalRecord(blob, ordinal, existence)
		if err != nil {
			return nil, persistErr("records", "", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, persistErr("records", "", err)
	}
	return out, nil
}

// Stats summarises the registry.
type Stats struct {
	Records     int   `json:"records"`
	Missing     int   `json:"missing"`
	LastOrdinal int64 `json:"last_ordinal"`
	Pending     int   `json:"pending"`
}

// Stats returns record and pending counts.
func (s *Store) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	if err := s.db.QueryRowContext(ctx, s.rebind(`
		SELECT COUNT(*), COALESCE(SUM(CASE WHEN existence THEN 0 ELSE 1 END), 0)
		FROM artworks
	`)).Scan(&st.Records, &st.Missing); err != nil {
		return Stats{}, persistErr("stats", "", err)
	}
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM pending_items").Scan(&st.Pending); err != nil {
		return Stats{}, persistErr("stats", "", err)
	}
	last, err := s.metaValue(ctx, s.db, metaLastOrdinal)
	if err != nil {
		return Stats{}, persistErr("stats", "", err)
	}
	st.LastOrdinal = last
	return st, nil
}

// Count returns the number of archived records.
func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM artworks").Scan(&n); err != nil {
		return 0, persistErr("count", "", err)
	}
	return n, nil
}
