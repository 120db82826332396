package registry

import (
	"context"
	"errors"
	"fmt"

	"github.com/Sanekng/FireGuard/internal/store"
)

var (
	// ErrValidation marks a request with missing or malformed fields.
	ErrValidation = errors.New("validation failed")
	// ErrNotFound marks a request for an unknown camera id.
	ErrNotFound = errors.New("camera not found")
	// ErrStoreUnavailable marks a failure of the backing store.
	ErrStoreUnavailable = errors.New("store unavailable")
)

// ValidationError names the offending field.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// Unwrap lets errors.Is match ErrValidation.
func (e *ValidationError) Unwrap() error { return ErrValidation }

func invalid(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

// storeError classifies an error returned by the store.
func storeError(op, id string, err error) error {
	var verr *ValidationError
	switch {
	case errors.Is(err, store.ErrNotFound):
		return fmt.Errorf("%s %s: %w", op, id, ErrNotFound)
	case errors.As(err, &verr):
		return err
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%s %s: %w", op, id, err)
	default:
		return fmt.Errorf("%s %s: %w: %w", op, id, ErrStoreUnavailable, err)
	}
}
