package archive

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"slices"
	"strconv"
	"strings"
)

// DefaultCatalogBatch is the ordinal stride between catalog entries.
const DefaultCatalogBatch = 20

const defaultCatalogHeader = "<b>Bookmark catalog</b>"

var entryOrdinal = regexp.MustCompile(`<a href="[^"]+">(\d+)</a>`)

// Catalog is the pinned index message of the broadcast target. It holds one
// permalink for every Batch-th ordinal, sorted by ordinal.
//
// The message is rewritten whole on every append with no concurrency
// control; only one sync may write it at a time.
type Catalog struct {
	api    API
	chat   ChatID
	msgID  int
	batch  int
	header string
	logger *slog.Logger
}

// CatalogOption configures a Catalog.
type CatalogOption func(*Catalog)

// WithBatch sets the ordinal stride. Values below 1 keep the default.
func WithBatch(n int) CatalogOption {
	return func(c *Catalog) {
		if n > 0 {
			c.batch = n
		}
	}
}

// WithCatalogLogger sets the logger.
func WithCatalogLogger(logger *slog.Logger) CatalogOption {
	return func(c *Catalog) {
		c.logger = logger
	}
}

// NewCatalog creates a catalog stored in message msgID of chat. msgID 0
// means the catalog does not exist yet; see Init.
func NewCatalog(api API, chat ChatID, msgID int, opts ...CatalogOption) *Catalog {
	c := &Catalog{
		api:    api,
		chat:   chat,
		msgID:  msgID,
		batch:  DefaultCatalogBatch,
		header: defaultCatalogHeader,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// MessageID returns the catalog message id, 0 if none.
func (c *Catalog) MessageID() int {
	return c.msgID
}

// Due reports whether ordinal gets a catalog entry.
func (c *Catalog) Due(ordinal int64) bool {
	return ordinal > 0 && (ordinal-1)%int64(c.batch) == 0
}

// Init creates and pins the catalog message if none is configured, and
// returns its id.
func (c *Catalog) Init(ctx context.Context) (int, error) {
	if c.msgID != 0 {
		return c.msgID, nil
	}
	id, err := c.api.SendText(ctx, c.chat, c.header)
	if err != nil {
		return 0, &WriteError{Op: "send catalog", Chat: c.chat, Err: err}
	}
	if err := c.api.PinMessage(ctx, c.chat, id); err != nil {
		return 0, &WriteError{Op: "pin catalog", Chat: c.chat, Message: id, Err: err}
	}
	c.msgID = id
	c.logger.Info("catalog created", "chat", c.chat, "message", id)
	return id, nil
}

// Append adds the entry for ordinal pointing at broadcast message msg and
// rewrites the catalog. An existing entry for the same ordinal is replaced,
// so appending again after a partial run is harmless.
func (c *Catalog) Append(ctx context.Context, ordinal int64, msg int) error {
	if c.msgID == 0 {
		return ErrNoCatalog
	}
	text, err := c.api.MessageText(ctx, c.chat, c.msgID)
	if err != nil {
		return &WriteError{Op: "read catalog", Chat: c.chat, Message: c.msgID, Err: err}
	}

	header, entries := parseCatalog(text)
	if header == "" {
		header = c.header
	}
	entries[ordinal] = fmt.Sprintf(`[<a href="%s">%06d</a>]`, Permalink(c.chat, msg), ordinal)

	if err := c.api.EditText(ctx, c.chat, c.msgID, renderCatalog(header, entries)); err != nil {
		return &WriteError{Op: "edit catalog", Chat: c.chat, Message: c.msgID, Err: err}
	}
	c.logger.Info("catalog updated", "ordinal", ordinal, "entries", len(entries))
	return nil
}

// parseCatalog splits catalog text into its header line and entries keyed by
// ordinal. Lines without an ordinal link are dropped.
func parseCatalog(text string) (string, map[int64]string) {
	lines := strings.Split(strings.TrimSpace(text), "\n")
	entries := make(map[int64]string)
	for _, line := range lines[1:] {
		m := entryOrdinal.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		n, err := strconv.ParseInt(m[1], 10, 64)
		if err != nil {
			continue
		}
		entries[n] = strings.TrimSpace(line)
	}
	return strings.TrimSpace(lines[0]), entries
}

func renderCatalog(header string, entries map[int64]string) string {
	ordinals := make([]int64, 0, len(entries))
	for n := range entries {
		ordinals = append(ordinals, n)
	}
	slices.Sort(ordinals)

	lines := make([]string, 0, len(entries)+1)
	lines = append(lines, header)
	for _, n := range ordinals {
		lines = append(lines, entries[n])
	}
	return strings.Join(lines, "\n")
}
