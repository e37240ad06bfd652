package archive

import (
	"errors"
	"fmt"
)

// ErrLinkNotFound is returned when the discussion mirror of a broadcast
// message could not be located within the probe window.
var ErrLinkNotFound = errors.New("discussion link not found")

// ErrNoCatalog is returned by Catalog.Append when no catalog message is
// configured.
var ErrNoCatalog = errors.New("catalog message not configured")

// WriteError reports a send or edit that failed after its retry budget.
type WriteError struct {
	Op      string
	Chat    ChatID
	Message int
	Err     error
}

func (e *WriteError) Error() string {
	if e.Message != 0 {
		return fmt.Sprintf("archive %s (chat %d, message %d): %v", e.Op, e.Chat, e.Message, e.Err)
	}
	return fmt.Sprintf("archive %s (chat %d): %v", e.Op, e.Chat, e.Err)
}

func (e *WriteError) Unwrap() error {
	return e.Err
}

// IsWriteError returns true if err is or wraps a *WriteError.
func IsWriteError(err error) bool {
	var we *WriteError
	return errors.As(err, &we)
}

// MediaError reports that the files of a record could not be acquired.
type MediaError struct {
	ID  string
	Err error
}

func (e *MediaError) Error() string {
	return fmt.Sprintf("media for %s: %v", e.ID, e.Err)
}

func (e *MediaError) Unwrap() error {
	return e.Err
}

// IsMediaError returns true if err is or wraps a *MediaError.
func IsMediaError(err error) bool {
	var me *MediaError
	return errors.As(err, &me)
}
