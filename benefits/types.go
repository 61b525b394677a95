/*
Package benefits implements the benefit-claims domain on top of the generic
ledger engine.

PURPOSE:
  Employees claim against a budget envelope chosen by their level, marriage
  status, the benefit type and the claim year. Approved claims debit the
  employee's balance for that envelope; losing approval credits it back.
  This package owns:

  - Budget resolution (resolver.go), including level-2 normalization
  - Submission-time validation (validation.go)
  - Claim lifecycle reconciliation (reconciler.go)
  - The claim write path (claims.go)
  - Balance management operations (management.go)

KEY TYPES (types.go):
  Employee, BenefitType, Budget, Claim, ClaimStatus, ReconciliationFailure

SEE ALSO:
  - generic/balance.go: ApplyDelta / RecomputeFromLedger
  - repository.go: Persistence contract implemented by store/sqlite and store/memory
*/
package benefits

import (
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/benefits-engine/generic"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type LevelID string
type MarriageStatusID string
type BenefitTypeID string
type ClaimID string

// =============================================================================
// REFERENCE DATA
// =============================================================================

// Employee is read-only for this package; it is managed elsewhere.
type Employee struct {
	ID               generic.EntityID
	Name             string
	LevelID          LevelID
	MarriageStatusID *MarriageStatusID
	Department       string
}

type BenefitType struct {
	ID   BenefitTypeID
	Name string
}

// Budget is the envelope for one (benefit type, level, marriage status, year)
// cohort. A nil MarriageStatusID matches employees whose effective marriage
// status is nil.
type Budget struct {
	ID               generic.BudgetID
	BenefitTypeID    BenefitTypeID
	LevelID          LevelID
	MarriageStatusID *MarriageStatusID
	Year             int
	Amount           decimal.Decimal
}

// BudgetQuery is the lookup tuple for a budget row.
type BudgetQuery struct {
	BenefitTypeID    BenefitTypeID
	LevelID          LevelID
	MarriageStatusID *MarriageStatusID
	Year             int
}

// Matches applies nil-aware equality on the marriage status.
func (q BudgetQuery) Matches(b Budget) bool {
	return b.BenefitTypeID == q.BenefitTypeID &&
		b.LevelID == q.LevelID &&
		b.Year == q.Year &&
		sameMarriageStatus(b.MarriageStatusID, q.MarriageStatusID)
}

func sameMarriageStatus(a, b *MarriageStatusID) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

// =============================================================================
// CLAIM
// =============================================================================

type ClaimStatus string

const (
	ClaimPending    ClaimStatus = "pending"
	ClaimApproved   ClaimStatus = "approved"
	ClaimRejected   ClaimStatus = "rejected"
	ClaimProcessing ClaimStatus = "processing"
)

func (s ClaimStatus) Valid() bool {
	switch s {
	case ClaimPending, ClaimApproved, ClaimRejected, ClaimProcessing:
		return true
	}
	return false
}

type Claim struct {
	ID            ClaimID
	EmployeeID    generic.EntityID
	BenefitTypeID BenefitTypeID
	Amount        decimal.Decimal
	ClaimDate     time.Time
	Status        ClaimStatus
	Description   string

	CreatedAt time.Time
	UpdatedAt time.Time
	DeletedAt *time.Time
}

// Approved reports whether the claim should currently hold a debit.
func (c *Claim) Approved() bool {
	return c != nil && c.DeletedAt == nil && c.Status == ClaimApproved
}

// Year is the budget year the claim draws from.
func (c Claim) Year() int {
	return c.ClaimDate.Year()
}

// ClaimFilter selects claims for listing and reports.
type ClaimFilter struct {
	EmployeeID     *generic.EntityID
	BenefitTypeID  *BenefitTypeID
	Status         *ClaimStatus
	From           *time.Time // claim date, inclusive
	To             *time.Time // claim date, inclusive
	IncludeDeleted bool
	Limit          int
	Offset         int
}

func (f ClaimFilter) Matches(c Claim) bool {
	switch {
	case !f.IncludeDeleted && c.DeletedAt != nil:
		return false
	case f.EmployeeID != nil && c.EmployeeID != *f.EmployeeID:
		return false
	case f.BenefitTypeID != nil && c.BenefitTypeID != *f.BenefitTypeID:
		return false
	case f.Status != nil && c.Status != *f.Status:
		return false
	case f.From != nil && c.ClaimDate.Before(*f.From):
		return false
	case f.To != nil && c.ClaimDate.After(*f.To):
		return false
	}
	return true
}

// =============================================================================
// RECONCILIATION OUTBOX
// =============================================================================

// ReconciliationFailure records a claim write whose ledger effect could not
// be applied. Rows stay open until a retry succeeds.
type ReconciliationFailure struct {
	ID         string
	ClaimID    ClaimID
	EmployeeID generic.EntityID
	Amount     decimal.Decimal
	Status     ClaimStatus
	Transition string
	Error      string
	Attempts   int
	CreatedAt  time.Time
	UpdatedAt  time.Time
	ResolvedAt *time.Time
}
