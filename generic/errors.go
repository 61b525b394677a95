/*
errors.go - Centralized error types for the ledger engine

PURPOSE:
  All engine error types in one place for consistency and discoverability.
  Domain packages wrap these errors with additional context.

ERROR CATEGORIES:
  1. Lookup errors - employee, budget, or balance row missing
  2. Validation errors - business rule violations (insufficient balance)
  3. Store errors - concurrency conflicts, duplicate idempotency keys

USAGE:
  if errors.Is(err, generic.ErrConcurrentModification) {
      // retry the unit of work
  }

SEE ALSO:
  - balance.go: Returns ErrBalanceNotFound / ErrConcurrentModification
  - ledger.go: Returns ErrDuplicateIdempotencyKey
  - benefits/errors.go: Domain wrappers (ReconciliationError)
*/
package generic

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrDuplicateIdempotencyKey is returned when a transaction with the same
	// idempotency key already exists.
	ErrDuplicateIdempotencyKey = errors.New("duplicate idempotency key")

	// ErrInsufficientBalance is returned when a debit exceeds available balance.
	ErrInsufficientBalance = errors.New("insufficient balance")

	// ErrConcurrentModification is returned when optimistic locking detects a
	// stale balance read, or when a unit of work needs a key it did not lock.
	ErrConcurrentModification = errors.New("concurrent modification detected")

	// ErrEntityNotFound is returned when a referenced employee doesn't exist.
	ErrEntityNotFound = errors.New("employee not found")

	// ErrBudgetNotFound is returned when no budget envelope matches.
	ErrBudgetNotFound = errors.New("benefit budget not found")

	// ErrBalanceNotFound is returned when the balance row for a key is missing.
	ErrBalanceNotFound = errors.New("balance not found")

	// ErrInvalidAmount is returned for zero or negative postings and claims.
	ErrInvalidAmount = errors.New("amount must be positive")

	// ErrInvalidTransaction is returned when a posting is malformed.
	ErrInvalidTransaction = errors.New("invalid transaction")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// InsufficientBalanceError provides details about a balance shortage.
// BenefitType is the display name used in user-facing payloads.
type InsufficientBalanceError struct {
	Key         BalanceKey
	BenefitType string
	Available   decimal.Decimal
	Requested   decimal.Decimal
}

func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("insufficient balance for %s: available %s, requested %s, short %s",
		e.BenefitType, e.Available.StringFixed(AmountPlaces), e.Requested.StringFixed(AmountPlaces),
		e.Shortfall().StringFixed(AmountPlaces))
}

func (e *InsufficientBalanceError) Unwrap() error {
	return ErrInsufficientBalance
}

// Shortfall is how much more balance the request would need.
func (e *InsufficientBalanceError) Shortfall() decimal.Decimal {
	return e.Requested.Sub(e.Available)
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if the error might succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConcurrentModification)
}

// IsClientError returns true if the error is due to invalid client input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrInsufficientBalance) ||
		errors.Is(err, ErrDuplicateIdempotencyKey) ||
		errors.Is(err, ErrInvalidAmount) ||
		errors.Is(err, ErrInvalidTransaction)
}

// IsNotFound returns true if the error indicates a missing resource.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrEntityNotFound) ||
		errors.Is(err, ErrBudgetNotFound) ||
		errors.Is(err, ErrBalanceNotFound)
}
