package source

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math"
)

// Order is the traversal order of a walk.
type Order int

const (
	// NewestFirst yields offset Start first.
	NewestFirst Order = iota
	// OldestFirst yields the item just before End first.
	OldestFirst
)

func (o Order) String() string {
	if o == OldestFirst {
		return "oldest"
	}
	return "newest"
}

// ParseOrder accepts "newest" and "oldest".
func ParseOrder(s string) (Order, error) {
	switch s {
	case "", "newest":
		return NewestFirst, nil
	case "oldest":
		return OldestFirst, nil
	default:
		return 0, fmt.Errorf("unknown order %q", s)
	}
}

// Window is a half-open offset range [Start, End) into the collection as it
// was when the walk started. End <= 0 means the whole remaining collection.
type Window struct {
	Start int
	End   int
}

// PageSize returns the page size the source tolerates for a collection of
// total items: ceil(total/50) clamped to [1, 50].
func PageSize(total int) int {
	pace := (total + 49) / 50
	return max(1, min(pace, 50))
}

// Walker paginates a Collection.
//
// Offsets refer to the source's live ordering, which shifts down by one for
// every item deleted ahead of the cursor between two page requests. The
// walker never trusts offset arithmetic across requests: it re-fetches the
// region it expects to continue from and locates the boundary by the
// identities it has already yielded.
type Walker struct {
	coll     Collection
	pageSize int
	logger   *slog.Logger
}

// WalkerOption configures a Walker.
type WalkerOption func(*Walker)

// WithLogger sets the walker's logger.
func WithLogger(l *slog.Logger) WalkerOption {
	return func(w *Walker) {
		w.logger = l
	}
}

// NewWalker creates a walker. pageSize <= 0 picks PageSize(total) from the
// first response.
func NewWalker(coll Collection, pageSize int, opts ...WalkerOption) *Walker {
	w := &Walker{coll: coll, pageSize: pageSize, logger: slog.Default()}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Walk starts a walk over win. If stop is not nil the walk ends at the
// first item for which it returns true; that item is not yielded.
func (w *Walker) Walk(win Window, order Order, stop func(RawItem) bool) *Cursor {
	return &Cursor{
		w:     w,
		win:   win,
		order: order,
		stop:  stop,
		seen:  make(map[string]bool),
	}
}

// Cursor is a lazy, single-use sequence of items. It is not safe for
// concurrent use and cannot be rewound; restart with a new Walk.
type Cursor struct {
	w     *Walker
	win   Window
	order Order
	stop  func(RawItem) bool

	started   bool
	done      bool
	exhausted bool
	bounded   bool
	pageSize  int
	total     int
	end       int
	buf       []RawItem
	seen      map[string]bool
	yielded   int
	drift     int
	requests  int

	// next is the next unconsumed offset of a newest-first walk, and the
	// offset of the newest yielded item of an oldest-first walk.
	next int

	// ceiling holds the items just above the window start of an
	// oldest-first walk.
	ceiling map[string]bool
}

// Next returns the next item, or io.EOF once the walk is over.
func (c *Cursor) Next(ctx context.Context) (RawItem, error) {
	for {
		if len(c.buf) > 0 {
			item := c.buf[0]
			c.buf = c.buf[1:]
			if c.seen[item.ID] {
				continue
			}
			if c.stop != nil && c.stop(item) {
				c.finish()
				return RawItem{}, io.EOF
			}
			c.seen[item.ID] = true
			c.yielded++
			return item, nil
		}
		if c.done {
			return RawItem{}, io.EOF
		}
		if err := ctx.Err(); err != nil {
			return RawItem{}, err
		}

		var err error
		if c.order == OldestFirst {
			err = c.fillOldest(ctx)
		} else {
			err = c.fillNewest(ctx)
		}
		if err != nil {
			return RawItem{}, err
		}
	}
}

// Yielded is the number of items returned so far.
func (c *Cursor) Yielded() int { return c.yielded }

// Total is the expected number of items in the window (before drift).
func (c *Cursor) Total() int { return c.total }

// Drift is the number of deletions observed ahead of the cursor.
func (c *Cursor) Drift() int { return c.drift }

func (c *Cursor) finish() {
	c.done = true
	c.buf = nil
}

func (c *Cursor) fetch(ctx context.Context, offset, limit int) (Page, error) {
	c.requests++
	page, err := c.w.coll.Page(ctx, offset, limit)
	if err != nil {
		return Page{}, fmt.Errorf("fetch page offset=%d limit=%d: %w", offset, limit, err)
	}
	return page, nil
}

// begin resolves the window against the collection size.
func (c *Cursor) begin(total int) {
	c.started = true
	c.pageSize = c.w.pageSize
	if c.pageSize <= 0 {
		c.pageSize = PageSize(total)
	}
	c.end = total
	if c.win.End > 0 && c.win.End < total {
		c.end = c.win.End
		c.bounded = true
	}
	c.total = max(0, c.end-c.win.Start)
}

func (c *Cursor) fillNewest(ctx context.Context) error {
	if !c.started {
		limit := c.w.pageSize
		if limit <= 0 {
			limit = 50
		}
		page, err := c.fetch(ctx, c.win.Start, limit)
		if err != nil {
			return err
		}
		c.begin(page.Total)
		if !c.bounded {
			// Unbounded walks run until the source runs out.
			c.end = math.MaxInt
		}
		c.next = c.win.Start
		c.accept(page.Items, len(page.Items) < limit)
		return nil
	}
	if c.exhausted || c.next >= c.end {
		c.finish()
		return nil
	}

	// Re-read one page behind the cursor so that the boundary can be found
	// by identity even if earlier items vanished.
	limit := 2 * c.pageSize
	req := max(c.win.Start, c.next-c.pageSize)
	for {
		page, err := c.fetch(ctx, req, limit)
		if err != nil {
			return err
		}
		boundary := -1
		for i, item := range page.Items {
			if c.seen[item.ID] {
				boundary = i
			}
		}
		if boundary < 0 && req > c.win.Start && c.yielded > 0 {
			// Drifted further than one page: step back and look again.
			req = max(c.win.Start, req-c.pageSize)
			continue
		}

		resumed := req + boundary + 1
		if shift := c.next - resumed; shift > 0 {
			c.drift += shift
			if c.bounded {
				c.end -= shift
			}
			c.w.logger.Debug("offset drift absorbed", "shift", shift, "drift", c.drift, "offset", resumed)
		}
		c.next = resumed
		c.accept(page.Items[boundary+1:], len(page.Items) < limit)
		return nil
	}
}

// accept queues items starting at live offset c.next, up to the window end.
func (c *Cursor) accept(items []RawItem, short bool) {
	if room := c.end - c.next; room < len(items) {
		items = items[:max(0, room)]
	}
	c.buf = append(c.buf, items...)
	c.next += len(items)
	if short {
		c.exhausted = true
	}
	if len(items) == 0 {
		c.finish()
	}
}

// fillOldest queues the next items of an oldest-first walk. The first call
// reads the oldest page of the window and remembers the items just above
// the window start; the walk ends when one of them comes up. Later calls
// re-read the region around the newest yielded item and resume right above
// the newest item already seen, so insertions and deletions at lower
// offsets never make the walk skip or repeat an item.
func (c *Cursor) fillOldest(ctx context.Context) error {
	if !c.started {
		return c.openOldest(ctx)
	}
	if c.exhausted || c.next <= 0 {
		c.finish()
		return nil
	}

	// c.next is the live offset of the newest yielded item.
	expect := c.next
	limit := 2 * c.pageSize
	lo := max(0, expect-c.pageSize)
	back := false

	var (
		fallback   []RawItem
		fallbackLo int
	)
	for {
		page, err := c.fetch(ctx, lo, limit)
		if err != nil {
			return err
		}
		if fallback == nil {
			fallback, fallbackLo = page.Items, lo
		}

		if i := c.firstSeen(page.Items); i >= 0 {
			if i == 0 && lo > 0 {
				// Deletions pulled the anchor further up; newer
				// unseen items may still sit above lo.
				lo = max(0, lo-c.pageSize)
				back = true
				continue
			}
			if shift := expect - (lo + i); shift > 0 {
				c.drift += shift
				c.w.logger.Debug("offset drift absorbed", "shift", shift, "drift", c.drift, "offset", lo+i)
			}
			if i == 0 {
				c.finish()
				return nil
			}
			c.queueOldest(page.Items[:i])
			c.next = lo
			return nil
		}

		switch {
		case len(page.Items) == 0 && lo > 0:
			// The collection shrank below the cursor.
			lo = max(0, lo-c.pageSize)
			back = true
			continue
		case len(page.Items) == limit && !back:
			// Insertions pushed the anchor further down.
			lo += c.pageSize
			continue
		}

		// Every yielded item around the cursor is gone; fall back to the
		// offset the cursor expected.
		c.w.logger.Warn("walk lost its anchor, resuming by offset", "offset", expect)
		n := min(len(fallback), max(0, expect-fallbackLo))
		if n == 0 {
			c.finish()
			return nil
		}
		c.queueOldest(fallback[:n])
		c.next = fallbackLo
		return nil
	}
}

// openOldest reads the items just above the window start, which bound the
// walk, and the oldest page of the window.
func (c *Cursor) openOldest(ctx context.Context) error {
	lo, limit := 0, 1
	if c.win.Start > 0 {
		limit = c.win.Start
		if c.w.pageSize > 0 {
			limit = min(limit, c.w.pageSize)
		} else {
			limit = min(limit, 50)
		}
		lo = c.win.Start - limit
	}
	head, err := c.fetch(ctx, lo, limit)
	if err != nil {
		return err
	}
	c.begin(head.Total)
	c.ceiling = make(map[string]bool, len(head.Items))
	if c.win.Start > 0 {
		for _, item := range head.Items {
			c.ceiling[item.ID] = true
		}
	}
	if c.end <= c.win.Start {
		c.finish()
		return nil
	}

	lo = max(c.win.Start, c.end-c.pageSize)
	page, err := c.fetch(ctx, lo, c.end-lo)
	if err != nil {
		return err
	}
	if len(page.Items) == 0 {
		c.finish()
		return nil
	}
	c.queueOldest(page.Items)
	c.next = lo
	return nil
}

// firstSeen returns the index of the first already yielded item, or -1.
func (c *Cursor) firstSeen(items []RawItem) int {
	for i, item := range items {
		if c.seen[item.ID] {
			return i
		}
	}
	return -1
}

// queueOldest queues items, given newest first, in oldest-first order. An
// item above the window start ends the walk.
func (c *Cursor) queueOldest(items []RawItem) {
	for i := len(items) - 1; i >= 0; i-- {
		if c.ceiling[items[i].ID] {
			c.exhausted = true
			return
		}
		c.buf = append(c.buf, items[i])
	}
}

// Requests is the number of page requests made so far.
func (c *Cursor) Requests() int { return c.requests }
