package domain

import (
	"errors"
	"fmt"
)

var (
	// Common domain errors
	ErrNotFound        = errors.New("entity not found")
	ErrAlreadyExists   = errors.New("entity already exists")
	ErrInvalidArgument = errors.New("invalid argument")

	// Job coordination errors
	ErrConflict          = errors.New("version conflict")
	ErrOwnershipLost     = errors.New("job ownership lost")
	ErrInvalidTransition = errors.New("invalid job status transition")
	ErrTransientStore    = errors.New("transient store error")

	// Infra errors
	ErrInvalidExecContext = errors.New("invalid execution context")
	ErrOperationFailed    = errors.New("operation failed")
)

// Transient marks err as a retryable store failure. The original error stays
// reachable through errors.Is / errors.As.
func Transient(err error) error {
	if err == nil || errors.Is(err, ErrTransientStore) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrTransientStore, err)
}

// IsRetryable reports whether the caller may retry the operation with backoff.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrTransientStore)
}
