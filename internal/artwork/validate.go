package artwork

import (
	"fmt"
	"strconv"
	"time"
)

// FieldError names the first record field that failed validation.
type FieldError struct {
	Field  string
	Reason string
}

func (e *FieldError) Error() string {
	return fmt.Sprintf("invalid field %q: %s", e.Field, e.Reason)
}

// Validate checks the record field by field and returns a *FieldError for
// the first invalid one, in declaration order.
//
// Ordinal zero is accepted so that records can be validated before an
// ordinal is assigned.
func (r Record) Validate() error {
	checks := []struct {
		field string
		check func() string
	}{
		{"id", func() string {
			if r.ID == "" {
				return "must not be empty"
			}
			if _, err := strconv.ParseUint(r.ID, 10, 64); err != nil {
				return "must be a decimal item id"
			}
			return ""
		}},
		{"ordinal", func() string {
			if r.Ordinal < 0 {
				return "must not be negative"
			}
			return ""
		}},
		{"kind", func() string {
			if !ValidKinds[r.Kind] {
				return fmt.Sprintf("unknown kind %q", r.Kind)
			}
			return ""
		}},
		{"version", func() string {
			if r.Version < 0 {
				return "must not be negative"
			}
			if r.Version == 0 && len(r.PageFiles) > 0 {
				return "version 0 is reserved for records without page files"
			}
			return ""
		}},
		{"page_files", func() string {
			if r.Version > 0 && len(r.PageFiles) == 0 {
				return "must not be empty when version is set"
			}
			for i, f := range r.PageFiles {
				if f == "" {
					return fmt.Sprintf("entry %d is empty", i)
				}
			}
			return ""
		}},
		{"meta.title", func() string {
			if r.Meta.Title == "" {
				return "must not be empty"
			}
			return ""
		}},
		{"meta.author_id", func() string {
			if r.Meta.AuthorID < 0 {
				return "must not be negative"
			}
			return ""
		}},
		{"meta.page_count", func() string {
			if r.Meta.PageCount < 0 {
				return "must not be negative"
			}
			return ""
		}},
		{"meta.created_at", func() string { return checkTimestamp(r.Meta.CreatedAt) }},
		{"meta.updated_at", func() string { return checkTimestamp(r.Meta.UpdatedAt) }},
		{"links", func() string {
			if (r.Links.Broadcast == 0) != (r.Links.Discussion == 0) {
				return "broadcast and discussion must be set together"
			}
			if !r.Links.Published() && len(r.Links.Companions) > 0 {
				return "companions require a discussion message"
			}
			return ""
		}},
	}

	for _, c := range checks {
		if reason := c.check(); reason != "" {
			return &FieldError{Field: c.field, Reason: reason}
		}
	}
	return nil
}

func checkTimestamp(s string) string {
	if s == "" {
		return "must not be empty"
	}
	if _, err := ParseTime(s); err != nil {
		return "must be an RFC 3339 timestamp"
	}
	return ""
}

// ParseTime parses a source timestamp such as "2024-03-01T00:00:00+09:00".
func ParseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339, s)
}
