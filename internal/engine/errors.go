package engine

import (
	"errors"
	"fmt"

	"github.com/roach88/pxarchive/internal/archive"
	"github.com/roach88/pxarchive/internal/retry"
	"github.com/roach88/pxarchive/internal/store"
)

// ItemError reports that one item could not be processed. The run goes on
// with the next item; the item is retried by the next run.
type ItemError struct {
	// Code identifies the error category.
	Code ItemErrorCode

	// ItemID is the source id of the affected item.
	ItemID string

	// Ordinal is the item's ordinal, or the one it would have received.
	Ordinal int64

	// Stage is where the item is parked until the next run.
	Stage store.Stage

	Err error
}

// ItemErrorCode categorizes item-level failures.
type ItemErrorCode string

const (
	// ErrCodeLinkNotFound: the discussion mirror was not found and the
	// broadcast message was rolled back.
	ErrCodeLinkNotFound ItemErrorCode = "LINK_NOT_FOUND"

	// ErrCodeArchiveWriteFailed: a send or edit failed after its retries.
	ErrCodeArchiveWriteFailed ItemErrorCode = "ARCHIVE_WRITE_FAILED"

	// ErrCodeRemoteUnavailable: the source stopped answering.
	ErrCodeRemoteUnavailable ItemErrorCode = "REMOTE_UNAVAILABLE"

	// ErrCodeMediaUnavailable: page files could not be acquired.
	ErrCodeMediaUnavailable ItemErrorCode = "MEDIA_UNAVAILABLE"
)

// Error implements the error interface.
func (e *ItemError) Error() string {
	return fmt.Sprintf("%s: item %s (ordinal %d): %v", e.Code, e.ItemID, e.Ordinal, e.Err)
}

func (e *ItemError) Unwrap() error {
	return e.Err
}

// IsItemError returns true if err is or wraps an *ItemError.
func IsItemError(err error) bool {
	var ie *ItemError
	return errors.As(err, &ie)
}

// IsLinkNotFound returns true if err is an item error for a missing
// discussion link.
func IsLinkNotFound(err error) bool {
	var ie *ItemError
	if errors.As(err, &ie) {
		return ie.Code == ErrCodeLinkNotFound
	}
	return false
}

// newItemError classifies err. Persistence errors are never item errors and
// are returned unchanged.
func newItemError(id string, ordinal int64, stage store.Stage, err error) error {
	if store.IsPersistenceError(err) {
		return err
	}
	code := ErrCodeRemoteUnavailable
	switch {
	case errors.Is(err, archive.ErrLinkNotFound):
		code = ErrCodeLinkNotFound
	case archive.IsMediaError(err):
		code = ErrCodeMediaUnavailable
	case archive.IsWriteError(err):
		code = ErrCodeArchiveWriteFailed
	case retry.IsExhausted(err):
		code = ErrCodeRemoteUnavailable
	}
	return &ItemError{Code: code, ItemID: id, Ordinal: ordinal, Stage: stage, Err: err}
}
