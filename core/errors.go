/*
errors.go - Centralized error taxonomy

All error types in one place. Business failures (insufficient stock,
invalid transition, business rules) carry messages meant for direct
display; storage and sync failures are internal and are surfaced to
callers as a generic category.

USAGE:

	if errors.Is(err, core.ErrInsufficientStock) { ... }

	var stockErr *core.InsufficientStockError
	if errors.As(err, &stockErr) {
	    fmt.Println(stockErr.Shortage())
	}
*/
package core

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// =============================================================================
// SENTINEL ERRORS - use with errors.Is()
// =============================================================================

var (
	// ErrInsufficientStock is returned when a consumption exceeds what the
	// available lots can cover. Recoverable by the caller.
	ErrInsufficientStock = errors.New("insufficient stock")

	// ErrInsufficientLotQuantity is returned when a single lot decrement
	// exceeds its remaining quantity.
	ErrInsufficientLotQuantity = errors.New("insufficient lot quantity")

	// ErrInvalidStateTransition is returned on illegal workflow/status
	// transitions. Never retried automatically.
	ErrInvalidStateTransition = errors.New("invalid state transition")

	// ErrLotExpired is returned when consuming from an expired lot.
	ErrLotExpired = errors.New("lot expired")

	// ErrNotFound is returned when a referenced entity does not exist.
	ErrNotFound = errors.New("not found")

	// ErrBusinessRule is the catch-all for domain invariant violations
	// with a human-readable explanation.
	ErrBusinessRule = errors.New("business rule violation")

	// ErrDuplicateIdempotencyKey signals that a write with the same
	// idempotency key was already applied. Expected on retries.
	ErrDuplicateIdempotencyKey = errors.New("duplicate idempotency key")

	// ErrDatabase wraps storage-layer failures, including malformed
	// enum strings read back from disk.
	ErrDatabase = errors.New("database error")

	// ErrSync wraps network/protocol failures during push or pull.
	ErrSync = errors.New("sync error")
)

// =============================================================================
// STRUCTURED ERRORS - carry context
// =============================================================================

// InsufficientStockError reports a shortage for a whole-product request.
type InsufficientStockError struct {
	Product   string
	Required  decimal.Decimal
	Available decimal.Decimal
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("insufficient stock: %s needs %s, available %s",
		e.Product, e.Required, e.Available)
}

func (e *InsufficientStockError) Unwrap() error { return ErrInsufficientStock }

// Shortage returns the missing quantity.
func (e *InsufficientStockError) Shortage() decimal.Decimal {
	return e.Required.Sub(e.Available)
}

// InsufficientLotQuantityError reports a single-lot overdraft.
type InsufficientLotQuantityError struct {
	LotNumber string
	Requested decimal.Decimal
	Remaining decimal.Decimal
}

func (e *InsufficientLotQuantityError) Error() string {
	return fmt.Sprintf("insufficient lot quantity: %s holds %s, requested %s",
		e.LotNumber, e.Remaining, e.Requested)
}

func (e *InsufficientLotQuantityError) Unwrap() error { return ErrInsufficientLotQuantity }

// InvalidStateTransitionError reports an illegal workflow transition.
type InvalidStateTransitionError struct {
	Entity string
	From   string
	To     string
}

func (e *InvalidStateTransitionError) Error() string {
	return fmt.Sprintf("invalid state transition: %s cannot go from %s to %s",
		e.Entity, e.From, e.To)
}

func (e *InvalidStateTransitionError) Unwrap() error { return ErrInvalidStateTransition }

// NotFoundError identifies the missing entity.
type NotFoundError struct {
	EntityType string
	ID         string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("not found: %s with id %s", e.EntityType, e.ID)
}

func (e *NotFoundError) Unwrap() error { return ErrNotFound }

// LotExpiredError reports consumption from an expired lot.
type LotExpiredError struct {
	LotID      string
	ExpiryDate string
}

func (e *LotExpiredError) Error() string {
	return fmt.Sprintf("lot expired: %s expired on %s", e.LotID, e.ExpiryDate)
}

func (e *LotExpiredError) Unwrap() error { return ErrLotExpired }

// BusinessRuleError carries a display-ready message.
type BusinessRuleError struct {
	Message string
}

func (e *BusinessRuleError) Error() string {
	return "business rule violation: " + e.Message
}

func (e *BusinessRuleError) Unwrap() error { return ErrBusinessRule }

// BusinessRule builds a BusinessRuleError from a format string.
func BusinessRule(format string, args ...any) error {
	return &BusinessRuleError{Message: fmt.Sprintf(format, args...)}
}

// DatabaseError wraps a storage failure.
func DatabaseError(err error) error {
	return fmt.Errorf("%w: %v", ErrDatabase, err)
}

// SyncError wraps a network or protocol failure.
func SyncError(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrSync, fmt.Sprintf(format, args...))
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsClientError reports whether the error is caused by invalid input or a
// business rule and is suitable for direct display to the caller.
func IsClientError(err error) bool {
	return errors.Is(err, ErrInsufficientStock) ||
		errors.Is(err, ErrInsufficientLotQuantity) ||
		errors.Is(err, ErrInvalidStateTransition) ||
		errors.Is(err, ErrLotExpired) ||
		errors.Is(err, ErrBusinessRule) ||
		errors.Is(err, ErrNotFound)
}

// IsInternal reports whether the error must be hidden behind a generic
// internal-error response.
func IsInternal(err error) bool {
	return errors.Is(err, ErrDatabase) || errors.Is(err, ErrSync)
}
