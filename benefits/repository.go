package benefits

import (
	"context"

	"github.com/warp/benefits-engine/generic"
)

// =============================================================================
// REPOSITORY - Persistence contract for the benefits domain
// =============================================================================

// Repository is everything the domain reads and writes. It embeds the
// generic ledger/balance store so a posting can run against the same
// handle (and the same database transaction) as the claim write.
//
// Lookups return (nil, nil) when the row doesn't exist.
type Repository interface {
	generic.Store

	GetEmployee(ctx context.Context, id generic.EntityID) (*Employee, error)
	ListEmployees(ctx context.Context) ([]Employee, error)
	SaveEmployee(ctx context.Context, e Employee) error

	GetBenefitType(ctx context.Context, id BenefitTypeID) (*BenefitType, error)
	ListBenefitTypes(ctx context.Context) ([]BenefitType, error)
	SaveBenefitType(ctx context.Context, bt BenefitType) error

	GetBudget(ctx context.Context, id generic.BudgetID) (*Budget, error)
	FindBudget(ctx context.Context, q BudgetQuery) (*Budget, error)
	// ListBudgets returns all budgets, or only those for year when year > 0.
	ListBudgets(ctx context.Context, year int) ([]Budget, error)
	// SaveBudget upserts by ID. A second budget with the same key tuple is
	// rejected with ErrDuplicateBudget.
	SaveBudget(ctx context.Context, b Budget) error

	GetClaim(ctx context.Context, id ClaimID) (*Claim, error)
	ListClaims(ctx context.Context, filter ClaimFilter) ([]Claim, error)
	SaveClaim(ctx context.Context, c Claim) error
	// DeleteClaim removes the row entirely. Soft deletes go through SaveClaim.
	DeleteClaim(ctx context.Context, id ClaimID) error

	SaveFailure(ctx context.Context, f ReconciliationFailure) error
	// ListFailures returns outstanding failures, or all when includeResolved.
	ListFailures(ctx context.Context, includeResolved bool) ([]ReconciliationFailure, error)
}

// UnitOfWork is a Repository that can run fn inside one atomic storage
// transaction. Everything fn writes through tx commits together or not
// at all.
type UnitOfWork interface {
	Repository
	WithTx(ctx context.Context, fn func(tx Repository) error) error
}
