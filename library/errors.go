package library

import (
	"context"
	"errors"
	"fmt"
)

// Error kinds. Every error returned by LibraryManager wraps exactly one of them.
var (
	ErrNotFound         = errors.New("not found")
	ErrConflict         = errors.New("conflict")
	ErrValidation       = errors.New("validation failed")
	ErrStoreUnavailable = errors.New("store unavailable")
)

var (
	ErrBookNotFound        = fmt.Errorf("book %w", ErrNotFound)
	ErrCategoryNotFound    = fmt.Errorf("category %w", ErrNotFound)
	ErrCopyNotFound        = fmt.Errorf("copy %w", ErrNotFound)
	ErrTransactionNotFound = fmt.Errorf("transaction %w", ErrNotFound)
	ErrFineNotFound        = fmt.Errorf("fine %w", ErrNotFound)
	ErrMemberNotFound      = fmt.Errorf("member %w", ErrNotFound)

	ErrNoAvailableCopy  = fmt.Errorf("%w: no available copies", ErrConflict)
	ErrCopyNotAvailable = fmt.Errorf("%w: copy is not available", ErrConflict)
	ErrAlreadyReturned  = fmt.Errorf("%w: transaction already returned", ErrConflict)
)

// Unavailable wraps a backend failure as ErrStoreUnavailable. Domain errors
// and nil pass through unchanged.
func Unavailable(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrStoreUnavailable),
		errors.Is(err, ErrNotFound),
		errors.Is(err, ErrConflict),
		errors.Is(err, ErrValidation):
		return err
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return fmt.Errorf("%w: timed out: %w", ErrStoreUnavailable, err)
	default:
		return fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}
