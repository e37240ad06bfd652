package engine

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/roach88/pxarchive/internal/artwork"
	"github.com/roach88/pxarchive/internal/classify"
	"github.com/roach88/pxarchive/internal/store"
)

var (
	// ErrAlreadyArchived is returned by Input for an id the registry holds.
	ErrAlreadyArchived = errors.New("item already archived")
	// ErrNotArchived is returned by Modify for an id the registry lacks.
	ErrNotArchived = errors.New("item not archived")
)

// Input archives an operator-supplied record outside of a sync. The record
// gets the next ordinal. PageFiles, if given, are uploaded as is; otherwise
// the files are acquired from the source.
func (e *Engine) Input(ctx context.Context, rec artwork.Record) (artwork.Record, error) {
	ctx = context.WithoutCancel(ctx)

	_, found, err := e.store.Lookup(ctx, rec.ID)
	if err != nil {
		return rec, err
	}
	if found {
		return rec, fmt.Errorf("input %s: %w", rec.ID, ErrAlreadyArchived)
	}

	ordinal, err := e.store.NextOrdinal(ctx)
	if err != nil {
		return rec, err
	}
	rec = rec.Clone()
	rec.Ordinal = ordinal
	rec.Links = artwork.Links{}
	if len(rec.PageFiles) > 0 && rec.Version == 0 {
		rec.Version = 1
	}
	if err := rec.Validate(); err != nil {
		return rec, fmt.Errorf("input %s: %w", rec.ID, err)
	}

	published, err := e.linker.PublishNew(ctx, rec)
	if err != nil {
		return rec, newItemError(rec.ID, ordinal, store.StagePublish, err)
	}
	if err := e.commitNew(ctx, published); err != nil {
		return published, err
	}
	e.logger.Info("record input", "id", published.ID, "ordinal", published.Ordinal, "broadcast", published.Links.Broadcast)
	return published, nil
}

// MetaPatch holds the metadata fields an operator may override. Nil fields
// are left alone.
type MetaPatch struct {
	Title        *string   `yaml:"title" json:"title,omitempty"`
	Tags         *[]string `yaml:"tags" json:"tags,omitempty"`
	BookmarkTags *[]string `yaml:"bookmark_tags" json:"bookmark_tags,omitempty"`
	AuthorName   *string   `yaml:"author_name" json:"author_name,omitempty"`
	AuthorID     *int64    `yaml:"author_id" json:"author_id,omitempty"`
	PageCount    *int      `yaml:"page_count" json:"page_count,omitempty"`
	CreatedAt    *string   `yaml:"created_at" json:"created_at,omitempty"`
	UpdatedAt    *string   `yaml:"updated_at" json:"updated_at,omitempty"`
}

// Patch is an operator edit of an archived record.
type Patch struct {
	ID        string    `yaml:"id" json:"id"`
	Meta      MetaPatch `yaml:"meta" json:"meta"`
	Existence *bool     `yaml:"existence" json:"existence,omitempty"`
	// PageFiles replaces the uploaded files and bumps the version.
	PageFiles []string `yaml:"page_files" json:"page_files,omitempty"`
}

func (p MetaPatch) apply(m *artwork.Meta) {
	setIf(&m.Title, p.Title)
	setIf(&m.AuthorName, p.AuthorName)
	setIf(&m.AuthorID, p.AuthorID)
	setIf(&m.PageCount, p.PageCount)
	setIf(&m.CreatedAt, p.CreatedAt)
	setIf(&m.UpdatedAt, p.UpdatedAt)
	if p.Tags != nil {
		m.Tags = slices.Clone(*p.Tags)
	}
	if p.BookmarkTags != nil {
		m.BookmarkTags = slices.Clone(*p.BookmarkTags)
	}
}

func setIf[T any](dst *T, v *T) {
	if v != nil {
		*dst = *v
	}
}

// Modify applies patch to an archived record and brings its messages in
// line: new page files replace the uploaded ones, any other change edits
// the caption. A patch that changes nothing is a no-op.
func (e *Engine) Modify(ctx context.Context, patch Patch) (artwork.Record, error) {
	ctx = context.WithoutCancel(ctx)

	rec, found, err := e.store.Lookup(ctx, patch.ID)
	if err != nil {
		return artwork.Record{}, err
	}
	if !found {
		return artwork.Record{}, fmt.Errorf("modify %s: %w", patch.ID, ErrNotArchived)
	}

	next := rec.Clone()
	patch.Meta.apply(&next.Meta)
	setIf(&next.Existence, patch.Existence)
	replace := len(patch.PageFiles) > 0
	if replace {
		next.PageFiles = slices.Clone(patch.PageFiles)
		next.Version = rec.Version + 1
	}

	changed := replace || next.Existence != rec.Existence || !sameMeta(next.Meta, rec.Meta)
	if !changed {
		return rec, nil
	}
	if err := next.Validate(); err != nil {
		return rec, fmt.Errorf("modify %s: %w", patch.ID, err)
	}

	var out artwork.Record
	if replace {
		out, err = e.linker.ReplaceFiles(ctx, next)
	} else {
		out, err = e.linker.UpdateExisting(ctx, next, classify.MetadataOnly)
	}
	if err != nil {
		return rec, newItemError(rec.ID, rec.Ordinal, store.StageUpdate, err)
	}
	if err := e.store.Commit(ctx, out); err != nil {
		return out, err
	}
	e.logger.Info("record modified", "id", out.ID, "ordinal", out.Ordinal, "version", out.Version, "files_replaced", replace)
	return out, nil
}

func sameMeta(a, b artwork.Meta) bool {
	return a.Title == b.Title &&
		a.AuthorName == b.AuthorName &&
		a.AuthorID == b.AuthorID &&
		a.PageCount == b.PageCount &&
		a.CreatedAt == b.CreatedAt &&
		a.UpdatedAt == b.UpdatedAt &&
		slices.Equal(a.Tags, b.Tags) &&
		slices.Equal(a.BookmarkTags, b.BookmarkTags)
}
