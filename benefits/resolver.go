/*
resolver.go - Benefit budget resolution

PURPOSE:
  Answers "which budget envelope and which balance row does this claim draw
  from?" Both validation (before a claim exists) and reconciliation (after
  it is approved) go through Resolve, so the lookup can never diverge
  between the two paths.

ALGORITHM:
  1. Load the employee
  2. year = claimDate.Year()
  3. marriage status = EffectiveMarriageStatus(employee)
  4. Find the budget (benefit type, level, marriage status, year), nil-aware
  5. Load the balance row for (employee, budget)

LEVEL-2 NORMALIZATION:
  Employees at level "2" are resolved as if their marriage status were nil,
  whatever is stored. EffectiveMarriageStatus is the only place this rule
  lives.

LAZY BALANCES:
  With LazyBalances off, a missing balance row is ErrBalanceNotFound. With it
  on, Resolve returns the budget with a nil Balance and callers that write
  create the row at the budget amount (see EnsureBalance).
*/
package benefits

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/benefits-engine/generic"
)

// SingleStatusLevel is the employee level whose budgets ignore marriage status.
const SingleStatusLevel LevelID = "2"

// EffectiveMarriageStatus returns the marriage status used for budget lookup.
func EffectiveMarriageStatus(e Employee) *MarriageStatusID {
	if e.LevelID == SingleStatusLevel {
		return nil
	}
	return e.MarriageStatusID
}

// BudgetQueryFor builds the lookup tuple for an employee, benefit type and year.
func BudgetQueryFor(e Employee, benefitTypeID BenefitTypeID, year int) BudgetQuery {
	return BudgetQuery{
		BenefitTypeID:    benefitTypeID,
		LevelID:          e.LevelID,
		MarriageStatusID: EffectiveMarriageStatus(e),
		Year:             year,
	}
}

// Resolution is the outcome of a successful lookup. Balance is nil only
// when the resolver runs with LazyBalances and the row isn't created yet.
type Resolution struct {
	Employee Employee
	Budget   Budget
	Balance  *generic.BalanceRecord
}

func (r Resolution) Key() generic.BalanceKey {
	return generic.BalanceKey{EntityID: r.Employee.ID, BudgetID: r.Budget.ID}
}

// Available is the claimable amount: the stored balance, or the full budget
// when the row doesn't exist yet.
func (r Resolution) Available() decimal.Decimal {
	if r.Balance == nil {
		return r.Budget.Amount
	}
	return r.Balance.CurrentBalance
}

// =============================================================================
// RESOLVER
// =============================================================================

type Resolver struct {
	LazyBalances bool
}

// Resolve finds the budget and balance for a claim. Errors wrap
// generic.ErrEntityNotFound, ErrBudgetNotFound or ErrBalanceNotFound.
func (r *Resolver) Resolve(ctx context.Context, repo Repository, employeeID generic.EntityID, claimDate time.Time, benefitTypeID BenefitTypeID) (Resolution, error) {
	emp, err := repo.GetEmployee(ctx, employeeID)
	if err != nil {
		return Resolution{}, fmt.Errorf("load employee %s: %w", employeeID, err)
	}
	if emp == nil {
		return Resolution{}, fmt.Errorf("%w: %s", generic.ErrEntityNotFound, employeeID)
	}

	q := BudgetQueryFor(*emp, benefitTypeID, claimDate.Year())
	budget, err := repo.FindBudget(ctx, q)
	if err != nil {
		return Resolution{}, fmt.Errorf("find budget: %w", err)
	}
	if budget == nil {
		return Resolution{}, fmt.Errorf("%w: benefit type %s, level %s, year %d",
			generic.ErrBudgetNotFound, benefitTypeID, emp.LevelID, q.Year)
	}

	res := Resolution{Employee: *emp, Budget: *budget}
	bal, err := repo.GetBalance(ctx, res.Key())
	if err != nil {
		return Resolution{}, fmt.Errorf("load balance %s: %w", res.Key(), err)
	}
	if bal == nil && !r.LazyBalances {
		return Resolution{}, fmt.Errorf("%w: %s", generic.ErrBalanceNotFound, res.Key())
	}
	res.Balance = bal
	return res, nil
}

// ResolveClaim resolves the budget a claim draws from.
func (r *Resolver) ResolveClaim(ctx context.Context, repo Repository, c Claim) (Resolution, error) {
	return r.Resolve(ctx, repo, c.EmployeeID, c.ClaimDate, c.BenefitTypeID)
}

// EnsureBalance creates the balance row at the budget amount if the
// resolution found none. Must run inside the caller's write transaction.
func (r *Resolver) EnsureBalance(ctx context.Context, repo Repository, res Resolution) (Resolution, error) {
	if res.Balance != nil {
		return res, nil
	}
	rec, err := repo.CreateBalance(ctx, res.Key(), res.Budget.Amount)
	if err != nil {
		return Resolution{}, fmt.Errorf("create balance %s: %w", res.Key(), err)
	}
	res.Balance = &rec
	return res, nil
}
