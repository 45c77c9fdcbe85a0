package models

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound            = errors.New("record not found")
	ErrInvalidState        = errors.New("invalid state")
	ErrAlreadyCancelled    = errors.New("collection is already cancelled")
	ErrDuplicateDetected   = errors.New("duplicate collection detected")
	ErrValidation          = errors.New("validation error")
	ErrConcurrencyConflict = errors.New("concurrency conflict")
	ErrInfrastructure      = errors.New("infrastructure failure")
	ErrAuditImmutable      = errors.New("collection history is append-only")
	// ErrTransactionAborted marks a unit of work that can no longer be committed.
	ErrTransactionAborted  = errors.New("transaction aborted")
)

// DuplicateDetectedError carries the conflicting collection so the caller can resolve it.
type DuplicateDetectedError struct {
	ExistingId string
}

func (e *DuplicateDetectedError) Error() string {
	return fmt.Sprintf("%s: existing collection %s", ErrDuplicateDetected.Error(), e.ExistingId)
}

func (e *DuplicateDetectedError) Is(target error) bool {
	return target == ErrDuplicateDetected
}

func NewValidationError(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

func NewNotFoundError(resource string, id string) error {
	return fmt.Errorf("%w: %s %s", ErrNotFound, resource, id)
}

func NewInvalidStateError(op string, status CollectionStatus) error {
	return fmt.Errorf("%w: cannot %s a %s collection", ErrInvalidState, op, status)
}

// AbortsUnitOfWork reports errors after which the surrounding transaction must be
// rolled back as a whole. A deadlock victim has already lost its transaction.
func AbortsUnitOfWork(err error) bool {
	return errors.Is(err, ErrTransactionAborted) || errors.Is(err, ErrConcurrencyConflict)
}
