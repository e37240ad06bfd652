package testutil

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/roach88/pxarchive/internal/artwork"
	"github.com/roach88/pxarchive/internal/source"
)

// Item builds an available picture item with deterministic metadata.
func Item(id, updatedAt string) source.RawItem {
	return source.RawItem{
		ID:           id,
		Kind:         artwork.KindIllust,
		PageCount:    1,
		Title:        "title " + id,
		Tags:         []string{"tag"},
		CreatedAt:    "2024-01-01T00:00:00+09:00",
		UpdatedAt:    updatedAt,
		AuthorName:   "author",
		AuthorID:     7,
		BookmarkID:   "b" + id,
		BookmarkTags: []string{"fav"},
	}
}

// Items builds n items with ids prefix1..prefixN, newest first.
func Items(prefix string, n int) []source.RawItem {
	out := make([]source.RawItem, n)
	for i := range out {
		out[i] = Item(fmt.Sprintf("%s%d", prefix, i+1), "2024-01-01T00:00:00+09:00")
	}
	return out
}

// FakeCollection is an in-memory bookmark listing whose contents can change
// between page requests.
type FakeCollection struct {
	mu    sync.Mutex
	items []source.RawItem
	gone  map[string]bool

	// BeforePage runs before every page request with the 1-based call
	// number, outside the lock, so it may mutate the collection.
	BeforePage func(call int, c *FakeCollection)

	// FailPage, if set, is returned for the given call number.
	FailPage map[int]error

	calls       int
	existsCalls []string
}

// NewFakeCollection creates a collection holding items newest first.
func NewFakeCollection(items ...source.RawItem) *FakeCollection {
	return &FakeCollection{items: slices.Clone(items), gone: make(map[string]bool)}
}

// Page serves items[offset:offset+limit].
func (f *FakeCollection) Page(ctx context.Context, offset, limit int) (source.Page, error) {
	f.mu.Lock()
	f.calls++
	call := f.calls
	hook := f.BeforePage
	f.mu.Unlock()

	if hook != nil {
		hook(call, f)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.FailPage[call]; err != nil {
		return source.Page{}, err
	}
	page := source.Page{Total: len(f.items)}
	if offset < len(f.items) {
		end := min(len(f.items), offset+limit)
		page.Items = slices.Clone(f.items[offset:end])
	}
	return page, nil
}

// Exists reports false for deleted items and items marked gone.
func (f *FakeCollection) Exists(ctx context.Context, id string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.existsCalls = append(f.existsCalls, id)
	return !f.gone[id], nil
}

// Delete removes items from the listing entirely.
func (f *FakeCollection) Delete(ids ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.items = slices.DeleteFunc(f.items, func(it source.RawItem) bool {
		return slices.Contains(ids, it.ID)
	})
}

// Prepend adds newly bookmarked items at offset 0.
func (f *FakeCollection) Prepend(items ...source.RawItem) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.items = append(slices.Clone(items), f.items...)
}

// Replace swaps the entry with the same id.
func (f *FakeCollection) Replace(item source.RawItem) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range f.items {
		if f.items[i].ID == item.ID {
			f.items[i] = item
		}
	}
}

// SetGone controls what Exists reports for id.
func (f *FakeCollection) SetGone(id string, gone bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gone[id] = gone
}

// Calls is the number of page requests served.
func (f *FakeCollection) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// ExistsCalls lists the ids passed to Exists, in order.
func (f *FakeCollection) ExistsCalls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.existsCalls)
}
