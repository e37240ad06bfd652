package store

import (
	"context"
	"fmt"
	"os"
)

// Snapshot writes a consistent single-file copy of a SQLite registry to path,
// replacing any existing file. PostgreSQL deployments return
// ErrSnapshotUnsupported; use the server's own backup tooling there.
func (s *Store) Snapshot(ctx context.Context, path string) error {
	if s.dialect != DialectSQLite {
		return fmt.Errorf("snapshot: %w (%s)", ErrSnapshotUnsupported, s.dialect)
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("snapshot: remove stale copy: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, "VACUUM INTO ?", path); err != nil {
		return fmt.Errorf("snapshot: %w", err)
	}
	return nil
}
