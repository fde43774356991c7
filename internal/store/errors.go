package store

import (
	"errors"
	"fmt"
)

var (
	// ErrSessionNotFound indicates the referenced session id does not exist.
	ErrSessionNotFound = errors.New("session not found")
	// ErrEntryNotFound indicates the referenced entry id does not exist.
	ErrEntryNotFound = errors.New("entry not found")
	// ErrCrossSessionReference indicates an attempt to link entries or leaves
	// across different sessions. Rejected before any mutation.
	ErrCrossSessionReference = errors.New("cross-session reference")
	// ErrCycleOrDepthExceeded indicates a corrupted parent chain. Always a bug
	// indicator, never expected in normal operation.
	ErrCycleOrDepthExceeded = errors.New("ancestry cycle or depth exceeded")
	// ErrAncestryBroken indicates a parent chain that stops before reaching a
	// root entry.
	ErrAncestryBroken = errors.New("ancestry chain broken")
)

// StorageError wraps an underlying database failure. Operations that return a
// StorageError are retryable at the operation level and never corrupt
// already-committed data.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage: %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

func storageErr(op string, err error) error {
	return &StorageError{Op: op, Err: err}
}

// isDomainError reports whether err already carries domain meaning and must
// not be rewrapped as a StorageError.
func isDomainError(err error) bool {
	if errors.Is(err, ErrSessionNotFound) ||
		errors.Is(err, ErrEntryNotFound) ||
		errors.Is(err, ErrCrossSessionReference) ||
		errors.Is(err, ErrCycleOrDepthExceeded) ||
		errors.Is(err, ErrAncestryBroken) {
		return true
	}
	var malformed *MalformedEntryError
	var storage *StorageError
	return errors.As(err, &malformed) || errors.As(err, &storage)
}

// IsStorageError reports whether err is (or wraps) a StorageError.
func IsStorageError(err error) bool {
	var target *StorageError
	return errors.As(err, &target)
}

// MalformedEntryError identifies a stored payload that could not be parsed as
// structured data. It names the offending entry so callers can flag just that
// entry rather than the whole conversation.
type MalformedEntryError struct {
	SessionID string
	EntryID   string
	Err       error
}

func (e *MalformedEntryError) Error() string {
	return fmt.Sprintf("malformed entry %s: %v", e.EntryID, e.Err)
}

func (e *MalformedEntryError) Unwrap() error {
	return e.Err
}
