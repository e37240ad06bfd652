// Package archive writes records to the two archive targets: a broadcast
// channel that carries one cover message per record, and its linked
// discussion group where the backend mirrors every broadcast message and
// where the page files are uploaded as replies.
package archive

import (
	"context"
	"errors"
	"strconv"
	"strings"

	"github.com/roach88/pxarchive/internal/artwork"
)

// ChatID identifies an archive target.
type ChatID int64

// Origin is the forward source of a discussion message.
type Origin struct {
	Chat    ChatID
	Message int
}

// ErrNotFound is returned by API.ResolveForwardOrigin when the message does
// not exist or was not forwarded.
var ErrNotFound = errors.New("message not found")

// API is the messaging backend as the linker consumes it. Implementations
// retry transient failures themselves.
type API interface {
	SendCover(ctx context.Context, chat ChatID, coverPath, caption string) (int, error)
	EditCaption(ctx context.Context, chat ChatID, msg int, caption string) error
	EditCover(ctx context.Context, chat ChatID, msg int, coverPath, caption string) error
	SendFile(ctx context.Context, chat ChatID, threadRoot int, path string) (int, error)

	// ProbeWatermark sends a marker message to chat, deletes it and returns
	// its id. Any message arriving later has a greater id.
	ProbeWatermark(ctx context.Context, chat ChatID) (int, error)
	ResolveForwardOrigin(ctx context.Context, chat ChatID, msg int) (Origin, error)

	DeleteMessage(ctx context.Context, chat ChatID, msg int) error
	PinMessage(ctx context.Context, chat ChatID, msg int) error
	UnpinAll(ctx context.Context, chat ChatID) error

	SendText(ctx context.Context, chat ChatID, text string) (int, error)
	EditText(ctx context.Context, chat ChatID, msg int, text string) error
	// MessageText returns the HTML rendering of a text message.
	MessageText(ctx context.Context, chat ChatID, msg int) (string, error)
}

// Media acquires the files a record is published with.
type Media interface {
	// Acquire downloads the record's pages under version and returns their
	// file names in page order.
	Acquire(ctx context.Context, rec artwork.Record, version int) ([]string, error)
	// Cover returns the path of a cover image that fits the backend's photo
	// limits, or the placeholder when the record has no pages.
	Cover(ctx context.Context, rec artwork.Record) (string, error)
	// File resolves a page file name to a path.
	File(name string) string
}

// Permalink returns the public link of a broadcast message. Channel ids
// carry a -100 prefix that the link omits.
func Permalink(chat ChatID, msg int) string {
	id := strings.TrimPrefix(strconv.FormatInt(int64(chat), 10), "-100")
	return "https://t.me/c/" + id + "/" + strconv.Itoa(msg)
}
