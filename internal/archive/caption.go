package archive

import (
	"fmt"
	"html"
	"strings"
	"time"

	"github.com/roach88/pxarchive/internal/artwork"
)

// CaptionFunc renders the HTML caption of a record's broadcast message.
type CaptionFunc func(rec artwork.Record) string

// DefaultCaption is the caption used unless the linker is given another.
func DefaultCaption(rec artwork.Record) string {
	m := rec.Meta
	gone := ""
	if !rec.Existence {
		gone = " (#ERR404)"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "No. %d\n", rec.Ordinal)
	fmt.Fprintf(&b, "Bookmark tags: %s\n\n", hashtags(m.BookmarkTags))
	fmt.Fprintf(&b, "Title: %s\n", html.EscapeString(m.Title))
	fmt.Fprintf(&b, "ID: <code>%s</code>%s\n", html.EscapeString(rec.ID), gone)
	fmt.Fprintf(&b, "Author: %s\n", html.EscapeString(m.AuthorName))
	fmt.Fprintf(&b, "Author ID: <code>%d</code>\n\n", m.AuthorID)
	fmt.Fprintf(&b, "Pages: %d    Link: <a href=\"%s\">PIXIV</a>    Type: %s\n",
		m.PageCount, rec.Referer(), rec.Kind.Label())
	fmt.Fprintf(&b, "Created: %s\n", captionTime(m.CreatedAt))
	fmt.Fprintf(&b, "Updated: %s\n\n", captionTime(m.UpdatedAt))
	fmt.Fprintf(&b, "Tags: %s", hashtags(m.Tags))
	return b.String()
}

func hashtags(tags []string) string {
	if len(tags) == 0 {
		return "-"
	}
	out := make([]string, len(tags))
	for i, t := range tags {
		out[i] = "#" + html.EscapeString(t)
	}
	return strings.Join(out, " ")
}

func captionTime(value string) string {
	t, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return html.EscapeString(value)
	}
	return t.Format("06/01/02 15:04:05 -0700")
}
