// Package artwork defines the archived record shape shared by the source
// walker, the registry and the archive linker.
package artwork

import (
	"fmt"
	"path/filepath"
	"strings"
)

// Kind determines how an item's files are acquired and uploaded.
type Kind string

const (
	KindIllust Kind = "illust"
	KindManga  Kind = "manga"
	KindUgoira Kind = "ugoira"
	KindNovel  Kind = "novel"
	KindOther  Kind = "other"
)

// ValidKinds defines the kinds a record may carry.
var ValidKinds = map[Kind]bool{
	KindIllust: true,
	KindManga:  true,
	KindUgoira: true,
	KindNovel:  true,
	KindOther:  true,
}

// KindFromCode maps the source's numeric illustType to a Kind.
func KindFromCode(code int) Kind {
	switch code {
	case 0:
		return KindIllust
	case 1:
		return KindManga
	case 2:
		return KindUgoira
	case 3:
		return KindNovel
	default:
		return KindOther
	}
}

// IsPictureSet reports whether the kind is uploaded as one file per page.
func (k Kind) IsPictureSet() bool {
	return k == KindIllust || k == KindManga
}

// IsAnimated reports whether the kind is acquired as a frame sequence.
func (k Kind) IsAnimated() bool {
	return k == KindUgoira
}

// Label is the human-readable kind name used in captions.
func (k Kind) Label() string {
	switch k {
	case KindIllust:
		return "Illustration"
	case KindManga:
		return "Manga"
	case KindUgoira:
		return "Ugoira"
	case KindNovel:
		return "Novel"
	default:
		return "Other"
	}
}

// Meta holds the fields that can change on the source between syncs without
// requiring the page files to be re-acquired.
type Meta struct {
	Title        string   `json:"title" yaml:"title"`
	Tags         []string `json:"tags" yaml:"tags"`
	BookmarkTags []string `json:"bookmark_tags" yaml:"bookmark_tags"`
	AuthorName   string   `json:"author_name" yaml:"author_name"`
	AuthorID     int64    `json:"author_id" yaml:"author_id"`
	PageCount    int      `json:"page_count" yaml:"page_count"`
	CreatedAt    string   `json:"created_at" yaml:"created_at"`
	UpdatedAt    string   `json:"updated_at" yaml:"updated_at"`
}

// Links identifies the archive messages that belong to one record.
// Broadcast and Discussion are either both set or both zero.
type Links struct {
	Broadcast  int   `json:"broadcast,omitempty" yaml:"broadcast,omitempty"`
	Discussion int   `json:"discussion,omitempty" yaml:"discussion,omitempty"`
	Companions []int `json:"companions,omitempty" yaml:"companions,omitempty"`
}

// Published reports whether the record has a linked broadcast message.
func (l Links) Published() bool {
	return l.Broadcast != 0 && l.Discussion != 0
}

// Record is one archived source item.
type Record struct {
	ID        string   `json:"id" yaml:"id"`
	Ordinal   int64    `json:"ordinal" yaml:"ordinal,omitempty"`
	Kind      Kind     `json:"kind" yaml:"kind"`
	PageFiles []string `json:"page_files" yaml:"page_files,omitempty"`
	Version   int      `json:"version" yaml:"version,omitempty"`
	Existence bool     `json:"existence" yaml:"existence"`
	Meta      Meta     `json:"meta" yaml:"meta"`
	Links     Links    `json:"links" yaml:"links,omitempty"`
}

// Available reports whether the record was ever acquired with files.
func (r Record) Available() bool {
	return r.Version > 0 && len(r.PageFiles) > 0
}

// Referer is the source page URL for the item. Downloads of original files
// are rejected by the source without it.
func (r Record) Referer() string {
	return "https://www.pixiv.net/artworks/" + r.ID
}

// VersionedName inserts the version into a file name: "p0.jpg" at version 2
// becomes "p0_v2.jpg".
func VersionedName(name string, version int) string {
	ext := filepath.Ext(name)
	stem := strings.TrimSuffix(name, ext)
	return fmt.Sprintf("%s_v%d%s", stem, version, ext)
}

// Clone returns a deep copy so callers can mutate slices freely.
func (r Record) Clone() Record {
	c := r
	c.PageFiles = append([]string(nil), r.PageFiles...)
	c.Meta.Tags = append([]string(nil), r.Meta.Tags...)
	c.Meta.BookmarkTags = append([]string(nil), r.Meta.BookmarkTags...)
	c.Links.Companions = append([]int(nil), r.Links.Companions...)
	return c
}
