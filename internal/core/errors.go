package core

import (
	"errors"
	"fmt"
)

// Error kinds surfaced by the ledger. Callers match them with errors.Is;
// the concrete cause stays available through the wrap chain.
var (
	ErrUnauthenticated = errors.New("not authenticated")
	ErrValidation      = errors.New("validation failed")
	ErrNotFound        = errors.New("expense not found")
	ErrStore           = errors.New("store failure")
	ErrConflict        = errors.New("expense was modified concurrently")
)

// Field level validation errors. Each one is also an ErrValidation.
var (
	ErrEmptyVendor        = fmt.Errorf("%w: empty vendor", ErrValidation)
	ErrVendorTooLong      = fmt.Errorf("%w: vendor too long (max %d characters)", ErrValidation, MaxVendorLength)
	ErrNegativeAmount     = fmt.Errorf("%w: amount must not be negative", ErrValidation)
	ErrInvalidAmount      = fmt.Errorf("%w: invalid amount", ErrValidation)
	ErrInvalidDate        = fmt.Errorf("%w: invalid date", ErrValidation)
	ErrDescriptionTooLong = fmt.Errorf("%w: description too long (max %d characters)", ErrValidation, MaxDescriptionLength)
	ErrEmptyPatch         = fmt.Errorf("%w: nothing to update", ErrValidation)
	ErrEmptyImage         = fmt.Errorf("%w: empty receipt image", ErrValidation)
)

// StoreError wraps a backend failure so it matches ErrStore while keeping
// the original cause reachable.
func StoreError(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrStore, err)
}
