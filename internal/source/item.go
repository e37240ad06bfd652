package source

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/roach88/pxarchive/internal/artwork"
)

// RawItem is one entry of the bookmark collection as the source reports it.
type RawItem struct {
	ID           string
	Kind         artwork.Kind
	PageCount    int
	Title        string
	Tags         []string
	CreatedAt    string
	UpdatedAt    string
	AuthorName   string
	AuthorID     int64
	BookmarkID   string
	BookmarkTags []string
}

// Available reports whether the source still serves the item. The source
// keeps removed items in the collection with author id 0.
func (r RawItem) Available() bool {
	return r.AuthorID > 0
}

// Meta returns the item's mutable metadata.
func (r RawItem) Meta() artwork.Meta {
	return artwork.Meta{
		Title:        r.Title,
		Tags:         append([]string(nil), r.Tags...),
		BookmarkTags: append([]string(nil), r.BookmarkTags...),
		AuthorName:   r.AuthorName,
		AuthorID:     r.AuthorID,
		PageCount:    r.PageCount,
		CreatedAt:    r.CreatedAt,
		UpdatedAt:    r.UpdatedAt,
	}
}

// Page is one response of the bookmark listing.
type Page struct {
	Items []RawItem
	// Total is the collection size at the time of the request.
	Total int
}

// Collection is the paginated bookmark listing. Offset 0 is the most
// recently bookmarked item.
type Collection interface {
	Page(ctx context.Context, offset, limit int) (Page, error)
}

// ExistenceChecker asks the source whether a single item still exists.
type ExistenceChecker interface {
	Exists(ctx context.Context, id string) (bool, error)
}

// flexID decodes ids the source sends either as strings or as numbers.
type flexID string

func (f *flexID) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*f = ""
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*f = flexID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("decode id %s: %w", data, err)
	}
	*f = flexID(n.String())
	return nil
}

func (f flexID) int64() int64 {
	n, err := strconv.ParseInt(string(f), 10, 64)
	if err != nil {
		return 0
	}
	return n
}
