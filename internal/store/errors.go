package store

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when a record does not exist or has expired.
	ErrNotFound = errors.New("entity not found")

	// ErrDuplicate is returned when creating a record whose key is taken.
	ErrDuplicate = errors.New("entity already exists")

	// ErrSchemaVersion is returned for records written with a schema version
	// this build does not read.
	ErrSchemaVersion = errors.New("unsupported schema version")

	ErrJobNotFound   = fmt.Errorf("%w: job", ErrNotFound)
	ErrBatchNotFound = fmt.Errorf("%w: batch", ErrNotFound)
	ErrJobExists     = fmt.Errorf("%w: job", ErrDuplicate)
)

// IsNotFoundError reports whether err is any kind of not-found error.
func IsNotFoundError(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// StoreError records which entity and operation failed, and for which id.
type StoreError struct {
	Entity    string
	Operation string
	ID        string
	Err       error
}

func (e *StoreError) Error() string {
	if e.ID == "" {
		return fmt.Sprintf("store: %s %s: %v", e.Entity, e.Operation, e.Err)
	}
	return fmt.Sprintf("store: %s %s %s: %v", e.Entity, e.Operation, e.ID, e.Err)
}

func (e *StoreError) Unwrap() error {
	return e.Err
}

// NewStoreError wraps err with the entity, operation and record id it
// concerns. id may be empty for operations spanning many records.
func NewStoreError(entity, operation, id string, err error) *StoreError {
	return &StoreError{Entity: entity, Operation: operation, ID: id, Err: err}
}
