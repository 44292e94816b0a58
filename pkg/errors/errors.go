// Package errors defines the registry error taxonomy and wrapping utilities.
// Callers classify failures with errors.Is against the exported sentinels.
package errors

import (
	"errors"
	"fmt"
)

// Sentinel errors for the registry core. Every error surfaced by the
// ingestion state machine, metadata store, or storage backends wraps
// exactly one of these.
var (
	ErrNotFound           = errors.New("not found")
	ErrDuplicate          = errors.New("duplicate identifier")
	ErrForbidden          = errors.New("forbidden")
	ErrConflict           = errors.New("conflict")
	ErrInvalid            = errors.New("invalid")
	ErrStorageFull        = errors.New("storage media full")
	ErrStorageWriteDenied = errors.New("storage write denied")
	ErrSizeLimitExceeded  = errors.New("image size limit exceeded")
	ErrUnknownScheme      = errors.New("unknown storage scheme")
	ErrInternal           = errors.New("internal error")

	// Filter validation errors surfaced by list queries. Both classify
	// as ErrInvalid at the API boundary.
	ErrInvalidFilterKey        = fmt.Errorf("%w filter key", ErrInvalid)
	ErrInvalidFilterRangeValue = fmt.Errorf("%w filter range value", ErrInvalid)
	ErrInvalidSortKey          = fmt.Errorf("%w sort key", ErrInvalid)
)

// Wrap wraps an error with additional context information.
// If err is nil, it returns nil without wrapping.
func Wrap(err error, context string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", context, err)
}

// Wrapf is Wrap with a formatted context string.
func Wrapf(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)
}

// Is reports whether any error in err's tree matches target.
func Is(err, target error) bool {
	return errors.Is(err, target)
}
