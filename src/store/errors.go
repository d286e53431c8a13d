package store

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound indicates that one or more requested ids do not exist.
	ErrNotFound = errors.New("thing not found")

	// ErrInvalidIdentity indicates a malformed fullname or an id outside
	// the valid numeric range.
	ErrInvalidIdentity = errors.New("invalid identity")

	// ErrCreation indicates the backing store rejected a create, e.g. a
	// uniqueness violation on a relation's natural key.
	ErrCreation = errors.New("creation failed")

	// ErrInvalidOperation indicates an operation that is illegal in the
	// object's current state, e.g. Incr on a dirty thing.
	ErrInvalidOperation = errors.New("invalid operation")

	// ErrLockTimeout indicates a scoped lock could not be acquired in time.
	// Callers may retry.
	ErrLockTimeout = errors.New("lock acquisition timed out")
)

// NotFoundError carries the list of ids that could not be resolved.
type NotFoundError struct {
	Kind string
	IDs  []int64
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %v: not found", e.Kind, e.IDs)
}

func (e *NotFoundError) Unwrap() error {
	return ErrNotFound
}
