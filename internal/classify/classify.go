// Package classify decides what a sync has to do with a freshly listed item
// given what the registry already holds for it.
package classify

import (
	"slices"

	"github.com/roach88/pxarchive/internal/artwork"
	"github.com/roach88/pxarchive/internal/source"
)

// Verdict is the outcome of classifying one item.
type Verdict int

const (
	// Unchanged: nothing to do beyond existence bookkeeping.
	Unchanged Verdict = iota
	// New: the item has never been archived.
	New
	// MetadataOnly: caption fields changed; files stay as they are.
	MetadataOnly
	// Reupload: the source modification time moved; files must be
	// re-acquired under a new version.
	Reupload
)

func (v Verdict) String() string {
	switch v {
	case New:
		return "new"
	case MetadataOnly:
		return "metadata_only"
	case Reupload:
		return "reupload"
	default:
		return "unchanged"
	}
}

// Classify compares fresh against existing. The checks run in priority
// order: absence, unavailability, timestamp, then metadata.
func Classify(fresh source.RawItem, existing *artwork.Record) Verdict {
	if existing == nil {
		return New
	}
	if !fresh.Available() {
		return Unchanged
	}
	if fresh.UpdatedAt != existing.Meta.UpdatedAt {
		return Reupload
	}
	if MetaChanged(fresh, *existing) {
		return MetadataOnly
	}
	return Unchanged
}

// MetaChanged reports whether any tracked field other than the modification
// timestamp differs.
func MetaChanged(fresh source.RawItem, rec artwork.Record) bool {
	m := rec.Meta
	switch {
	case fresh.Kind != rec.Kind:
		return true
	case fresh.Title != m.Title, fresh.AuthorName != m.AuthorName:
		return true
	case fresh.AuthorID != m.AuthorID, fresh.PageCount != m.PageCount:
		return true
	case fresh.CreatedAt != m.CreatedAt:
		return true
	case !slices.Equal(fresh.Tags, m.Tags), !slices.Equal(fresh.BookmarkTags, m.BookmarkTags):
		return true
	}
	return false
}

// ExistenceFlip reports whether the listing disagrees with the recorded
// existence flag.
func ExistenceFlip(fresh source.RawItem, rec artwork.Record) bool {
	return fresh.Available() != rec.Existence
}
