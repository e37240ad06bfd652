package store

import (
	"path/filepath"
	"testing"

	"github.com/roach88/pxarchive/internal/artwork"
)

// createTestStore creates a new SQLite store in a temp dir for testing.
func createTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "registry.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// createTestRecord creates a published record with minimal required fields.
func createTestRecord(id string, ordinal int64) artwork.Record {
	return artwork.Record{
		ID:        id,
		Ordinal:   ordinal,
		Kind:      artwork.KindIllust,
		PageFiles: []string{id + "_p0_v1.jpg"},
		Version:   1,
		Existence: true,
		Meta: artwork.Meta{
			Title:     "title " + id,
			Tags:      []string{"tag"},
			AuthorID:  7,
			PageCount: 1,
			CreatedAt: "2024-01-01T00:00:00+09:00",
			UpdatedAt: "2024-01-01T00:00:00+09:00",
		},
		Links: artwork.Links{Broadcast: int(ordinal) * 10, Discussion: int(ordinal) * 100},
	}
}
