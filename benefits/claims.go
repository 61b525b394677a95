/*
claims.go - Claim write path

PURPOSE:
  The one place claims are created, edited and deleted. Every write:

  1. Plans: reads the stored claim, applies the edit, asks the reconciler
     which balance keys are involved
  2. Locks those keys (generic.KeyedMutex)
  3. Opens one storage transaction and inside it:
       - re-reads the claim (the pre-update snapshot)
       - persists the edit
       - reconciles the ledger
  4. Retries the whole thing on ErrConcurrentModification (bounded)

SUBMISSION VALIDATION:
  Create runs the Validator first. An insufficient balance returns
  *generic.InsufficientBalanceError and nothing is written.

RECONCILIATION FAILURES:
  If the ledger effect cannot be applied because a budget or balance is
  missing, the claim write still commits. The failure is logged with full
  context and stored as an open ReconciliationFailure in the same
  transaction, so nothing drifts silently. RetryFailedReconciliations
  re-runs them; any later successful write of the same claim closes them.

  Insufficient balance at approval time is different: the write rolls back
  and the error is returned (unless the reconciler allows overdrafts).
*/
package benefits

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/warp/benefits-engine/generic"
)

// =============================================================================
// INPUT TYPES
// =============================================================================

type NewClaim struct {
	EmployeeID    generic.EntityID
	BenefitTypeID BenefitTypeID
	Amount        decimal.Decimal
	ClaimDate     time.Time
	Status        ClaimStatus // Defaults to pending
	Description   string
	ProcessedBy   string
}

// ClaimUpdate edits a claim. Nil fields are left unchanged.
type ClaimUpdate struct {
	ID            ClaimID
	BenefitTypeID *BenefitTypeID
	Amount        *decimal.Decimal
	ClaimDate     *time.Time
	Status        *ClaimStatus
	Description   *string
	ProcessedBy   string
}

// ClaimResult is what a write did.
type ClaimResult struct {
	Claim        *Claim
	Transition   Transition
	Transactions []generic.Transaction
	// Failure is set when the claim was written but its ledger effect
	// could not be applied.
	Failure *ReconciliationFailure
}

// =============================================================================
// CLAIM SERVICE
// =============================================================================

type ClaimService struct {
	Store      UnitOfWork
	Validator  *Validator
	Reconciler *Reconciler
	Locks      *generic.KeyedMutex
	Retry      RetryPolicy
	Logger     *slog.Logger
	Now        func() time.Time
}

// Create validates and stores a new claim, reconciling it if it is
// submitted already approved.
func (s *ClaimService) Create(ctx context.Context, in NewClaim) (ClaimResult, error) {
	if in.Status == "" {
		in.Status = ClaimPending
	}
	in.Amount = generic.RoundAmount(in.Amount)
	if err := validateClaimFields(in.EmployeeID, in.BenefitTypeID, in.Amount, in.ClaimDate, in.Status); err != nil {
		return ClaimResult{}, err
	}
	if err := s.Validator.Validate(ctx, in.EmployeeID, in.ClaimDate, in.BenefitTypeID, in.Amount); err != nil {
		return ClaimResult{}, err
	}

	now := s.now()
	claim := Claim{
		ID:            ClaimID(uuid.NewString()),
		EmployeeID:    in.EmployeeID,
		BenefitTypeID: in.BenefitTypeID,
		Amount:        in.Amount,
		ClaimDate:     in.ClaimDate,
		Status:        in.Status,
		Description:   strings.TrimSpace(in.Description),
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	return s.write(ctx, claim.ID, in.ProcessedBy, true, func(before *Claim) (*Claim, error) {
		if before != nil {
			return nil, fmt.Errorf("%w: claim %s already exists", ErrInvalidClaim, claim.ID)
		}
		c := claim
		return &c, nil
	})
}

// Update applies edits to a claim and reconciles the ledger.
func (s *ClaimService) Update(ctx context.Context, upd ClaimUpdate) (ClaimResult, error) {
	now := s.now()
	return s.write(ctx, upd.ID, upd.ProcessedBy, true, func(before *Claim) (*Claim, error) {
		if before == nil || before.DeletedAt != nil {
			return nil, fmt.Errorf("%w: %s", ErrClaimNotFound, upd.ID)
		}
		after := *before
		if upd.BenefitTypeID != nil {
			after.BenefitTypeID = *upd.BenefitTypeID
		}
		if upd.Amount != nil {
			after.Amount = generic.RoundAmount(*upd.Amount)
		}
		if upd.ClaimDate != nil {
			after.ClaimDate = *upd.ClaimDate
		}
		if upd.Status != nil {
			after.Status = *upd.Status
		}
		if upd.Description != nil {
			after.Description = strings.TrimSpace(*upd.Description)
		}
		if err := validateClaimFields(after.EmployeeID, after.BenefitTypeID, after.Amount, after.ClaimDate, after.Status); err != nil {
			return nil, err
		}
		after.UpdatedAt = now
		return &after, nil
	})
}

// SetStatus is Update with only a status change (approve, reject, process).
func (s *ClaimService) SetStatus(ctx context.Context, id ClaimID, status ClaimStatus, processedBy string) (ClaimResult, error) {
	return s.Update(ctx, ClaimUpdate{ID: id, Status: &status, ProcessedBy: processedBy})
}

// Delete soft-deletes a claim, or removes the row when hard is set. An
// approved claim's debit is credited back either way.
func (s *ClaimService) Delete(ctx context.Context, id ClaimID, hard bool, processedBy string) (ClaimResult, error) {
	now := s.now()
	return s.write(ctx, id, processedBy, true, func(before *Claim) (*Claim, error) {
		if before == nil || (before.DeletedAt != nil && !hard) {
			return nil, fmt.Errorf("%w: %s", ErrClaimNotFound, id)
		}
		if hard {
			return nil, nil
		}
		after := *before
		after.DeletedAt = &now
		after.UpdatedAt = now
		return &after, nil
	})
}

// Get returns a live (not soft-deleted) claim.
func (s *ClaimService) Get(ctx context.Context, id ClaimID) (*Claim, error) {
	c, err := s.Store.GetClaim(ctx, id)
	if err != nil {
		return nil, err
	}
	if c == nil || c.DeletedAt != nil {
		return nil, fmt.Errorf("%w: %s", ErrClaimNotFound, id)
	}
	return c, nil
}

func (s *ClaimService) List(ctx context.Context, filter ClaimFilter) ([]Claim, error) {
	return s.Store.ListClaims(ctx, filter)
}

// =============================================================================
// RECONCILIATION FAILURES
// =============================================================================

// RetryReport summarizes a RetryFailedReconciliations run.
type RetryReport struct {
	Attempted int
	Resolved  int
	Failed    int
	Errors    []string
}

// RetryFailedReconciliations re-runs reconciliation for every claim with an
// open failure, against the claim's current state.
func (s *ClaimService) RetryFailedReconciliations(ctx context.Context, processedBy string) (RetryReport, error) {
	failures, err := s.Store.ListFailures(ctx, false)
	if err != nil {
		return RetryReport{}, fmt.Errorf("list reconciliation failures: %w", err)
	}

	var report RetryReport
	seen := make(map[ClaimID]bool)
	for _, f := range failures {
		if seen[f.ClaimID] {
			continue
		}
		seen[f.ClaimID] = true
		report.Attempted++

		res, err := s.write(ctx, f.ClaimID, processedBy, false, func(before *Claim) (*Claim, error) {
			return before, nil
		})
		switch {
		case err != nil:
			report.Failed++
			report.Errors = append(report.Errors, fmt.Sprintf("claim %s: %v", f.ClaimID, err))
		case res.Failure != nil:
			report.Failed++
			report.Errors = append(report.Errors, fmt.Sprintf("claim %s: %s", f.ClaimID, res.Failure.Error))
		default:
			report.Resolved++
		}
	}
	return report, nil
}

func (s *ClaimService) Failures(ctx context.Context, includeResolved bool) ([]ReconciliationFailure, error) {
	return s.Store.ListFailures(ctx, includeResolved)
}

// =============================================================================
// WRITE PATH
// =============================================================================

type claimMutation func(before *Claim) (*Claim, error)

// write runs plan -> lock -> transaction -> reconcile with retries.
// mutate must be pure; it runs once for planning and again inside the
// transaction against the fresh snapshot. persist=false reconciles without
// writing the claim row.
func (s *ClaimService) write(ctx context.Context, id ClaimID, actor string, persist bool, mutate claimMutation) (ClaimResult, error) {
	var result ClaimResult
	err := s.Retry.do(ctx, s.logger(), "claim_write", func(ctx context.Context) error {
		planned, err := s.Store.GetClaim(ctx, id)
		if err != nil {
			return fmt.Errorf("load claim %s: %w", id, err)
		}
		plannedAfter, err := mutate(cloneClaim(planned))
		if err != nil {
			return err
		}
		keys, err := s.Reconciler.Keys(ctx, s.Store, Change{ClaimID: id, Before: planned, After: plannedAfter})
		if err != nil {
			return err
		}

		unlock := s.Locks.Lock(keys...)
		defer unlock()

		return s.Store.WithTx(ctx, func(tx Repository) error {
			before, err := tx.GetClaim(ctx, id)
			if err != nil {
				return fmt.Errorf("load claim %s: %w", id, err)
			}
			after, err := mutate(cloneClaim(before))
			if err != nil {
				return err
			}

			if persist {
				if after == nil {
					err = tx.DeleteClaim(ctx, id)
				} else {
					err = tx.SaveClaim(ctx, *after)
				}
				if err != nil {
					return fmt.Errorf("persist claim %s: %w", id, err)
				}
			}

			ch := Change{ClaimID: id, Before: before, After: after}
			out, err := s.Reconciler.Reconcile(ctx, tx, ch, generic.NewKeySet(keys...), actor)

			var recErr *ReconciliationError
			switch {
			case errors.As(err, &recErr):
				failure, ferr := s.recordFailure(ctx, tx, recErr)
				if ferr != nil {
					return ferr
				}
				result = ClaimResult{Claim: after, Transition: recErr.Transition, Failure: &failure}
				return nil
			case err != nil:
				return err
			}

			if err := s.resolveFailures(ctx, tx, id); err != nil {
				return err
			}
			result = ClaimResult{Claim: after, Transition: out.Transition, Transactions: out.Transactions}
			return nil
		})
	})
	if err != nil {
		return ClaimResult{}, err
	}

	s.logResult(id, actor, result)
	return result, nil
}

// recordFailure logs the failure and stores it, reusing the open failure
// row for the same claim if there is one.
func (s *ClaimService) recordFailure(ctx context.Context, tx Repository, recErr *ReconciliationError) (ReconciliationFailure, error) {
	s.logger().Error("claim reconciliation failed",
		"claim_id", recErr.ClaimID,
		"employee_id", recErr.EmployeeID,
		"amount", recErr.Amount.StringFixed(generic.AmountPlaces),
		"status", recErr.Status,
		"transition", recErr.Transition,
		"error", recErr.Err)

	open, err := tx.ListFailures(ctx, false)
	if err != nil {
		return ReconciliationFailure{}, fmt.Errorf("list reconciliation failures: %w", err)
	}

	now := s.now()
	f := ReconciliationFailure{ID: uuid.NewString(), CreatedAt: now}
	for _, existing := range open {
		if existing.ClaimID == recErr.ClaimID {
			f = existing
			break
		}
	}
	f.ClaimID = recErr.ClaimID
	f.EmployeeID = recErr.EmployeeID
	f.Amount = recErr.Amount
	f.Status = recErr.Status
	f.Transition = string(recErr.Transition)
	f.Error = recErr.Err.Error()
	f.Attempts++
	f.UpdatedAt = now

	if err := tx.SaveFailure(ctx, f); err != nil {
		return ReconciliationFailure{}, fmt.Errorf("save reconciliation failure: %w", err)
	}
	return f, nil
}

func (s *ClaimService) resolveFailures(ctx context.Context, tx Repository, id ClaimID) error {
	open, err := tx.ListFailures(ctx, false)
	if err != nil {
		return fmt.Errorf("list reconciliation failures: %w", err)
	}
	now := s.now()
	for _, f := range open {
		if f.ClaimID != id {
			continue
		}
		f.ResolvedAt = &now
		f.UpdatedAt = now
		if err := tx.SaveFailure(ctx, f); err != nil {
			return fmt.Errorf("resolve reconciliation failure %s: %w", f.ID, err)
		}
		s.logger().Info("claim reconciliation failure resolved", "claim_id", id, "failure_id", f.ID)
	}
	return nil
}

func (s *ClaimService) logResult(id ClaimID, actor string, r ClaimResult) {
	if r.Failure != nil || len(r.Transactions) == 0 {
		return
	}
	for _, tx := range r.Transactions {
		s.logger().Info("claim posted to ledger",
			"claim_id", id,
			"transition", r.Transition,
			"transaction_id", tx.ID,
			"type", tx.Type,
			"amount", tx.Amount.StringFixed(generic.AmountPlaces),
			"balance_after", tx.BalanceAfter.StringFixed(generic.AmountPlaces),
			"processed_by", actor)
	}
}

func (s *ClaimService) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now().UTC()
}

func (s *ClaimService) logger() *slog.Logger {
	if s.Logger == nil {
		return slog.Default()
	}
	return s.Logger
}

// =============================================================================
// HELPERS
// =============================================================================

func validateClaimFields(employeeID generic.EntityID, benefitTypeID BenefitTypeID, amount decimal.Decimal, claimDate time.Time, status ClaimStatus) error {
	switch {
	case employeeID == "":
		return fmt.Errorf("%w: employee is required", ErrInvalidClaim)
	case benefitTypeID == "":
		return fmt.Errorf("%w: benefit type is required", ErrInvalidClaim)
	case !amount.IsPositive():
		return fmt.Errorf("%w: %w", ErrInvalidClaim, generic.ErrInvalidAmount)
	case claimDate.IsZero():
		return fmt.Errorf("%w: claim date is required", ErrInvalidClaim)
	case !status.Valid():
		return fmt.Errorf("%w: unknown status %q", ErrInvalidClaim, status)
	}
	return nil
}

func cloneClaim(c *Claim) *Claim {
	if c == nil {
		return nil
	}
	cp := *c
	if c.DeletedAt != nil {
		t := *c.DeletedAt
		cp.DeletedAt = &t
	}
	return &cp
}
