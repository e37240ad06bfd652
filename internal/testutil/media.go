package testutil

import (
	"context"
	"fmt"
	"sync"

	"github.com/roach88/pxarchive/internal/artwork"
)

// PlaceholderCover is the cover FakeMedia returns for records without pages.
const PlaceholderCover = "placeholder.jpg"

// FakeMedia names page files without touching the filesystem.
type FakeMedia struct {
	mu sync.Mutex

	// Fail makes Acquire fail for the given item id.
	Fail map[string]error

	acquired []string
}

// NewFakeMedia creates a FakeMedia.
func NewFakeMedia() *FakeMedia {
	return &FakeMedia{Fail: make(map[string]error)}
}

// Acquire returns {id}_p{n}_v{version}.jpg for every page.
func (m *FakeMedia) Acquire(ctx context.Context, rec artwork.Record, version int) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.Fail[rec.ID]; err != nil {
		return nil, err
	}
	m.acquired = append(m.acquired, fmt.Sprintf("%s@v%d", rec.ID, version))

	pages := max(1, rec.Meta.PageCount)
	files := make([]string, pages)
	for i := range files {
		files[i] = artwork.VersionedName(fmt.Sprintf("%s_p%d.jpg", rec.ID, i), version)
	}
	return files, nil
}

// Cover returns the first page or the placeholder.
func (m *FakeMedia) Cover(ctx context.Context, rec artwork.Record) (string, error) {
	if len(rec.PageFiles) == 0 {
		return PlaceholderCover, nil
	}
	return "cover/" + rec.PageFiles[0], nil
}

// File returns name under a fixed media directory.
func (m *FakeMedia) File(name string) string {
	return "/media/" + name
}

// Acquired lists "id@vN" for every successful Acquire, in order.
func (m *FakeMedia) Acquired() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.acquired...)
}
