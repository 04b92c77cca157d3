package core

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidState is returned when an admin operation is requested while
	// the entity is in a state incompatible with it. It is a local,
	// synchronous error: the operation already in flight is unaffected.
	ErrInvalidState = errors.New("operation not permitted in current admin state")

	// ErrBadPhase indicates an admin operation reached a phase index it has
	// no handler for. This is an invariant violation, not an expected
	// runtime condition.
	ErrBadPhase = errors.New("admin operation reached an unexpected phase")

	// ErrReadOnly is returned when a mutating operation is attempted while
	// the volume is in read-only mode.
	ErrReadOnly = errors.New("volume is in read-only mode")

	// ErrStopped is returned when work is enqueued on a dispatcher that has
	// already shut down.
	ErrStopped = errors.New("dispatcher is stopped")

	// ErrNoSpace is returned by the slab depot when no physical block can be
	// allocated.
	ErrNoSpace = errors.New("no physical space available")

	// ErrOutOfResources is returned when an internal resource pool is
	// exhausted, such as the dirty-page generation space wrapping onto a
	// generation that still holds unwritten pages.
	ErrOutOfResources = errors.New("internal resource pool exhausted")
)

// IOError wraps a failure reported by the physical layer. Tree page loads and
// write-back report these to their callers; they are never retried inside the
// caching layer.
type IOError struct {
	Op    string // "read extent", "write extent", "read metadata", ...
	PBN   PhysicalBlockNumber
	Count BlockCount
	Err   error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("%s failed at pbn %d (%d blocks): %v", e.Op, e.PBN, e.Count, e.Err)
}

func (e *IOError) Unwrap() error {
	return e.Err
}

// IsIOError checks if an error is (or wraps) an IOError.
func IsIOError(err error) bool {
	var ioErr *IOError
	return errors.As(err, &ioErr)
}
