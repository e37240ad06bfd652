package store

import (
	"errors"
	"fmt"
)

// ErrOrdinalConflict is returned by Commit when a record's ordinal would
// change an existing assignment or skip ahead of the persisted counter.
var ErrOrdinalConflict = errors.New("ordinal conflict")

// ErrSnapshotUnsupported is returned by Snapshot on backends that cannot
// produce a single-file copy.
var ErrSnapshotUnsupported = errors.New("snapshot not supported by backend")

// PersistenceError reports that registry state could not be read or
// written. It is fatal for the running sync unit: no further item may be
// processed once it is returned.
type PersistenceError struct {
	// Op names the failed operation ("commit", "lookup", ...).
	Op string

	// ID is the affected item, if any.
	ID string

	Err error
}

func (e *PersistenceError) Error() string {
	if e.ID != "" {
		return fmt.Sprintf("registry %s %s: %v", e.Op, e.ID, e.Err)
	}
	return fmt.Sprintf("registry %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}

// IsPersistenceError returns true if err is or wraps a *PersistenceError.
func IsPersistenceError(err error) bool {
	var pe *PersistenceError
	return errors.As(err, &pe)
}

func persistErr(op, id string, err error) error {
	if err == nil {
		return nil
	}
	return &PersistenceError{Op: op, ID: id, Err: err}
}
