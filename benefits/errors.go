package benefits

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/warp/benefits-engine/generic"
)

var (
	// ErrClaimNotFound is returned when a referenced claim doesn't exist
	// (or is soft-deleted).
	ErrClaimNotFound = errors.New("claim not found")

	// ErrInvalidClaim is returned for malformed claim input.
	ErrInvalidClaim = errors.New("invalid claim")

	// ErrDuplicateBudget is returned when a budget key tuple already exists.
	ErrDuplicateBudget = errors.New("duplicate benefit budget")

	// ErrReconciliation marks a claim write whose ledger effect failed.
	ErrReconciliation = errors.New("claim reconciliation failed")
)

// ReconciliationError carries the full context of a failed ledger action
// for operators. It unwraps to both ErrReconciliation and the cause.
type ReconciliationError struct {
	ClaimID    ClaimID
	EmployeeID generic.EntityID
	Amount     decimal.Decimal
	Status     ClaimStatus
	Transition Transition
	Err        error
}

func (e *ReconciliationError) Error() string {
	return fmt.Sprintf("reconcile claim %s (employee %s, amount %s, status %s, %s): %v",
		e.ClaimID, e.EmployeeID, e.Amount.StringFixed(generic.AmountPlaces), e.Status, e.Transition, e.Err)
}

func (e *ReconciliationError) Unwrap() []error {
	return []error{ErrReconciliation, e.Err}
}

// IsNotFound extends generic.IsNotFound with claim lookups.
func IsNotFound(err error) bool {
	return generic.IsNotFound(err) || errors.Is(err, ErrClaimNotFound)
}

// IsClientError extends generic.IsClientError with claim validation.
func IsClientError(err error) bool {
	return generic.IsClientError(err) || errors.Is(err, ErrInvalidClaim) || errors.Is(err, ErrDuplicateBudget)
}
