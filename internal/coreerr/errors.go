/*
Package coreerr centralizes the error kinds from §7 of the specification.
Every core operation returns one of these (or wraps one), never a bare
fmt.Errorf — that's what lets a transport adapter map errors to status
codes without parsing free text.

Modeled directly on the teacher's generic/errors.go: a sentinel error for
errors.Is() checks, paired with a structured detail type carrying the
context a caller needs ({product, requested, available}, etc.) and
implementing Unwrap() so errors.Is(err, ErrInsufficientStock) still works
through the detail wrapper.
*/
package coreerr

import (
	"errors"
	"fmt"

	"github.com/clinicflow/sales-core/internal/domain"
)

// =============================================================================
// SENTINEL ERRORS
// =============================================================================

var (
	ErrForbidden            = errors.New("forbidden")
	ErrNotFound             = errors.New("not found")
	ErrInvalidTransition    = errors.New("invalid state transition")
	ErrInvalidOperation     = errors.New("invalid operation")
	ErrInsufficientStock    = errors.New("insufficient stock")
	ErrExpiredBatchOnly     = errors.New("stock exists only in expired batches")
	ErrConcurrencyConflict  = errors.New("concurrency conflict")
	ErrIdempotencyViolation = errors.New("idempotency violation")
	ErrAlreadyConverted     = errors.New("proposal already converted")
	ErrConfigurationError   = errors.New("configuration error")
	ErrValidation           = errors.New("validation error")
)

// =============================================================================
// STRUCTURED ERRORS
// =============================================================================

// ForbiddenError names the operation and role set that were rejected.
type ForbiddenError struct {
	Operation string
	ActorID   string
	Roles     []domain.Role
}

func (e *ForbiddenError) Error() string {
	return fmt.Sprintf("actor %s (roles %v) may not perform %s", e.ActorID, e.Roles, e.Operation)
}
func (e *ForbiddenError) Unwrap() error { return ErrForbidden }

// NotFoundError names the missing entity.
type NotFoundError struct {
	Entity string
	ID     string
}

func (e *NotFoundError) Error() string { return fmt.Sprintf("%s not found: %s", e.Entity, e.ID) }
func (e *NotFoundError) Unwrap() error  { return ErrNotFound }

// InvalidTransitionError names the illegal edge in the sale state graph.
type InvalidTransitionError struct {
	From domain.SaleStatus
	To   domain.SaleStatus
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("cannot transition sale from %s to %s", e.From, e.To)
}
func (e *InvalidTransitionError) Unwrap() error { return ErrInvalidTransition }

// InvalidOperationError names a violated precondition.
type InvalidOperationError struct {
	Message string
}

func (e *InvalidOperationError) Error() string { return e.Message }
func (e *InvalidOperationError) Unwrap() error  { return ErrInvalidOperation }

// InsufficientStockError carries what the FEFO allocator could not satisfy.
type InsufficientStockError struct {
	Product   domain.ProductID
	Requested int
	Available int
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("insufficient stock for product %s: requested %d, available %d",
		e.Product, e.Requested, e.Available)
}
func (e *InsufficientStockError) Unwrap() error { return ErrInsufficientStock }

// ExpiredBatchOnlyError reports that stock exists but all of it is expired.
type ExpiredBatchOnlyError struct {
	Product   domain.ProductID
	Requested int
}

func (e *ExpiredBatchOnlyError) Error() string {
	return fmt.Sprintf("product %s has stock but all of it is expired (requested %d)", e.Product, e.Requested)
}
func (e *ExpiredBatchOnlyError) Unwrap() error { return ErrExpiredBatchOnly }

// ConcurrencyConflictError reports a row_version mismatch.
type ConcurrencyConflictError struct {
	Entity   string
	ID       string
	Expected int
	Actual   int
}

func (e *ConcurrencyConflictError) Error() string {
	return fmt.Sprintf("%s %s row_version mismatch: expected %d, actual %d", e.Entity, e.ID, e.Expected, e.Actual)
}
func (e *ConcurrencyConflictError) Unwrap() error { return ErrConcurrencyConflict }

// IdempotencyViolationError reports a duplicate generate_proposal call.
type IdempotencyViolationError struct {
	Encounter domain.EncounterID
}

func (e *IdempotencyViolationError) Error() string {
	return fmt.Sprintf("encounter %s already has a charge proposal", e.Encounter)
}
func (e *IdempotencyViolationError) Unwrap() error { return ErrIdempotencyViolation }

// AlreadyConvertedError reports a duplicate convert_to_sale call.
type AlreadyConvertedError struct {
	Proposal domain.ProposalID
	Sale     domain.SaleID
}

func (e *AlreadyConvertedError) Error() string {
	return fmt.Sprintf("proposal %s already converted to sale %s", e.Proposal, e.Sale)
}
func (e *AlreadyConvertedError) Unwrap() error { return ErrAlreadyConverted }

// ConfigurationError reports a missing/misconfigured default resource.
type ConfigurationError struct {
	Message string
}

func (e *ConfigurationError) Error() string { return e.Message }
func (e *ConfigurationError) Unwrap() error  { return ErrConfigurationError }

// ValidationError names the field and constraint that failed.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string { return fmt.Sprintf("%s: %s", e.Field, e.Message) }
func (e *ValidationError) Unwrap() error  { return ErrValidation }

// NoBillableLinesError reports an encounter with no treatments to bill.
type NoBillableLinesError struct {
	Encounter domain.EncounterID
}

func (e *NoBillableLinesError) Error() string {
	return fmt.Sprintf("encounter %s has no billable treatments", e.Encounter)
}
func (e *NoBillableLinesError) Unwrap() error { return ErrValidation }

// =============================================================================
// HELPERS
// =============================================================================

// IsRetryable returns true if the error might succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConcurrencyConflict)
}

// IsClientError returns true if the error is due to invalid client input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrInsufficientStock) ||
		errors.Is(err, ErrExpiredBatchOnly) ||
		errors.Is(err, ErrInvalidTransition) ||
		errors.Is(err, ErrInvalidOperation) ||
		errors.Is(err, ErrValidation)
}

// IsNotFound returns true if the error indicates a missing resource.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
