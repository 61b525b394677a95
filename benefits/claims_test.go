package benefits_test

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/benefits-engine/benefits"
	"github.com/warp/benefits-engine/generic"
)

// =============================================================================
// TRANSITIONS
// =============================================================================

func TestClassifyTransition(t *testing.T) {
	day := date("2025-03-10")
	approved := &benefits.Claim{Amount: amt("100"), ClaimDate: day, Status: benefits.ClaimApproved}
	pending := &benefits.Claim{Amount: amt("100"), ClaimDate: day, Status: benefits.ClaimPending}
	rejected := &benefits.Claim{Amount: amt("100"), ClaimDate: day, Status: benefits.ClaimRejected}
	amended := &benefits.Claim{Amount: amt("80"), ClaimDate: day, Status: benefits.ClaimApproved}
	deleted := &benefits.Claim{Amount: amt("100"), ClaimDate: day, Status: benefits.ClaimApproved, DeletedAt: &day}
	relabeled := &benefits.Claim{Amount: amt("100"), ClaimDate: day, Status: benefits.ClaimApproved, Description: "x"}

	tests := []struct {
		name   string
		before *benefits.Claim
		after  *benefits.Claim
		want   benefits.Transition
	}{
		{"create approved", nil, approved, benefits.TransitionCreateApproved},
		{"create pending", nil, pending, benefits.TransitionNone},
		{"pending to approved", pending, approved, benefits.TransitionApprove},
		{"approved to rejected", approved, rejected, benefits.TransitionUnapprove},
		{"approved amount change", approved, amended, benefits.TransitionAmend},
		{"approved description change", approved, relabeled, benefits.TransitionNone},
		{"soft delete approved", approved, deleted, benefits.TransitionDeleteApproved},
		{"hard delete approved", approved, nil, benefits.TransitionDeleteApproved},
		{"hard delete pending", pending, nil, benefits.TransitionNone},
		{"pending to rejected", pending, rejected, benefits.TransitionNone},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, benefits.ClassifyTransition(tt.before, tt.after))
		})
	}
}

// =============================================================================
// SUBMISSION
// =============================================================================

func TestCreate_InsufficientBalanceWritesNothing(t *testing.T) {
	// GIVEN: 800,000 left after an approved 200,000 claim
	f := newFixture(t, benefits.Options{})
	f.submit(empLevel2, health, "200000", "2025-03-10", benefits.ClaimApproved)
	ledgerBefore := f.ledgerSize()

	// WHEN: 1,200,000 is requested
	_, err := f.svc.Claims.Create(f.ctx, benefits.NewClaim{
		EmployeeID: empLevel2, BenefitTypeID: health, Amount: amt("1200000"), ClaimDate: date("2025-04-01"),
	})

	// THEN: the error carries the figures and nothing was written
	var insufficient *generic.InsufficientBalanceError
	require.ErrorAs(t, err, &insufficient)
	assert.True(t, insufficient.Requested.Equal(amt("1200000")))
	assert.True(t, insufficient.Available.Equal(amt("800000")))
	assert.Equal(t, "Health", insufficient.BenefitType)

	claims, err := f.svc.Claims.List(f.ctx, benefits.ClaimFilter{})
	require.NoError(t, err)
	assert.Len(t, claims, 1)
	assert.Equal(t, ledgerBefore, f.ledgerSize())
	f.assertBalance(empLevel2, healthL2, "800000")
}

func TestCreate_RejectsMalformedInput(t *testing.T) {
	f := newFixture(t, benefits.Options{})

	tests := []struct {
		name string
		in   benefits.NewClaim
	}{
		{"missing employee", benefits.NewClaim{BenefitTypeID: health, Amount: amt("1"), ClaimDate: date("2025-01-01")}},
		{"missing benefit type", benefits.NewClaim{EmployeeID: empLevel2, Amount: amt("1"), ClaimDate: date("2025-01-01")}},
		{"zero amount", benefits.NewClaim{EmployeeID: empLevel2, BenefitTypeID: health, Amount: decimal.Zero, ClaimDate: date("2025-01-01")}},
		{"rounds to zero", benefits.NewClaim{EmployeeID: empLevel2, BenefitTypeID: health, Amount: decimal.RequireFromString("0.004"), ClaimDate: date("2025-01-01"), Status: benefits.ClaimApproved}},
		{"missing date", benefits.NewClaim{EmployeeID: empLevel2, BenefitTypeID: health, Amount: amt("1")}},
		{"unknown status", benefits.NewClaim{EmployeeID: empLevel2, BenefitTypeID: health, Amount: amt("1"), ClaimDate: date("2025-01-01"), Status: "paid"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.svc.Claims.Create(f.ctx, tt.in)
			assert.ErrorIs(t, err, benefits.ErrInvalidClaim)
			assert.True(t, benefits.IsClientError(err))
		})
	}

	claims, err := f.svc.Claims.List(f.ctx, benefits.ClaimFilter{IncludeDeleted: true})
	require.NoError(t, err)
	assert.Empty(t, claims)
}

func TestCreate_StoresRoundedAmount(t *testing.T) {
	f := newFixture(t, benefits.Options{})

	res, err := f.svc.Claims.Create(f.ctx, benefits.NewClaim{
		EmployeeID: empLevel2, BenefitTypeID: health, Amount: decimal.RequireFromString("1000.005"),
		ClaimDate: date("2025-01-01"), Status: benefits.ClaimApproved,
	})
	require.NoError(t, err)

	assert.Equal(t, "1000.01", res.Claim.Amount.StringFixed(2))
	require.Len(t, res.Transactions, 1)
	assert.True(t, res.Transactions[0].Amount.Equal(res.Claim.Amount))
	f.assertBalance(empLevel2, healthL2, "998999.99")
}

func TestCreate_DefaultsToPendingWithoutPosting(t *testing.T) {
	f := newFixture(t, benefits.Options{})

	res := f.submit(empLevel2, health, "50000", "2025-02-01", "")

	assert.Equal(t, benefits.ClaimPending, res.Claim.Status)
	assert.Equal(t, benefits.TransitionNone, res.Transition)
	assert.Empty(t, res.Transactions)
	f.assertBalance(empLevel2, healthL2, "1000000")
}

// =============================================================================
// LIFECYCLE
// =============================================================================

func TestLifecycle_ApproveAndReject(t *testing.T) {
	// GIVEN: a 1,000,000 budget
	f := newFixture(t, benefits.Options{})

	// WHEN: a 200,000 claim is submitted approved
	first := f.submit(empLevel2, health, "200000", "2025-03-10", benefits.ClaimApproved)

	// THEN
	assert.Equal(t, benefits.TransitionCreateApproved, first.Transition)
	require.Len(t, first.Transactions, 1)
	assert.Equal(t, generic.TxDebit, first.Transactions[0].Type)
	f.assertBalance(empLevel2, healthL2, "800000")

	// WHEN: a pending 350,000 claim is approved
	second := f.submit(empLevel2, health, "350000", "2025-04-02", benefits.ClaimPending)
	approved := f.setStatus(second.Claim.ID, benefits.ClaimApproved)

	// THEN
	assert.Equal(t, benefits.TransitionApprove, approved.Transition)
	f.assertBalance(empLevel2, healthL2, "450000")

	// WHEN: it is rejected again
	rejected := f.setStatus(second.Claim.ID, benefits.ClaimRejected)

	// THEN: exactly the debited amount comes back
	assert.Equal(t, benefits.TransitionUnapprove, rejected.Transition)
	require.Len(t, rejected.Transactions, 1)
	assert.Equal(t, generic.TxCredit, rejected.Transactions[0].Type)
	assert.True(t, rejected.Transactions[0].Amount.Equal(amt("350000")))
	assert.Contains(t, rejected.Transactions[0].Description, "approved -> rejected")
	f.assertBalance(empLevel2, healthL2, "800000")
	f.assertInSync()
}

// TestLifecycle_AmendThenRejectCreditsLastApproved: approve 200,000, amend to
// 350,000, reject. The reject credits 350,000, not the first amount.
func TestLifecycle_AmendThenRejectCreditsLastApproved(t *testing.T) {
	// GIVEN: level 2, married, health 2025 budget of 1,000,000
	f := newFixture(t, benefits.Options{})
	res := f.submit(empLevel2, health, "200000", "2025-03-10", benefits.ClaimPending)
	f.setStatus(res.Claim.ID, benefits.ClaimApproved)
	f.assertBalance(empLevel2, healthL2, "800000")
	require.Len(t, f.claimLedger(res.Claim.ID), 1)

	// WHEN: the amount is edited to 350,000
	amended, err := f.svc.Claims.Update(f.ctx, benefits.ClaimUpdate{ID: res.Claim.ID, Amount: ptr(amt("350000"))})
	require.NoError(t, err)

	// THEN: one corrective debit of 150,000
	require.Len(t, amended.Transactions, 1)
	assert.Equal(t, generic.TxDebit, amended.Transactions[0].Type)
	assert.True(t, amended.Transactions[0].Amount.Equal(amt("150000")))
	f.assertBalance(empLevel2, healthL2, "650000")

	// WHEN: the claim is rejected
	rejected := f.setStatus(res.Claim.ID, benefits.ClaimRejected)

	// THEN: one credit of 350,000
	require.Len(t, rejected.Transactions, 1)
	assert.Equal(t, generic.TxCredit, rejected.Transactions[0].Type)
	assert.True(t, rejected.Transactions[0].Amount.Equal(amt("350000")))
	f.assertBalance(empLevel2, healthL2, "1000000")
	assert.Len(t, f.claimLedger(res.Claim.ID), 3)
	f.assertInSync()
}

func TestLifecycle_ApproveTwiceDebitsOnce(t *testing.T) {
	f := newFixture(t, benefits.Options{})
	res := f.submit(empLevel2, health, "100000", "2025-05-05", benefits.ClaimPending)

	f.setStatus(res.Claim.ID, benefits.ClaimApproved)
	again := f.setStatus(res.Claim.ID, benefits.ClaimApproved)

	assert.Equal(t, benefits.TransitionNone, again.Transition)
	assert.Empty(t, again.Transactions)
	assert.Len(t, f.claimLedger(res.Claim.ID), 1)
	f.assertBalance(empLevel2, healthL2, "900000")
}

func TestLifecycle_NonApprovedChangesDontPost(t *testing.T) {
	f := newFixture(t, benefits.Options{})
	res := f.submit(empLevel2, health, "100000", "2025-05-05", benefits.ClaimPending)

	f.setStatus(res.Claim.ID, benefits.ClaimProcessing)
	f.setStatus(res.Claim.ID, benefits.ClaimRejected)
	_, err := f.svc.Claims.Update(f.ctx, benefits.ClaimUpdate{ID: res.Claim.ID, Amount: ptr(amt("90000"))})
	require.NoError(t, err)

	assert.Empty(t, f.claimLedger(res.Claim.ID))
	f.assertBalance(empLevel2, healthL2, "1000000")
}

func TestLifecycle_AmendApprovedAmount(t *testing.T) {
	// GIVEN: an approved 200,000 claim
	f := newFixture(t, benefits.Options{})
	res := f.submit(empLevel2, health, "200000", "2025-03-10", benefits.ClaimApproved)

	// WHEN: the amount drops to 150,000
	down, err := f.svc.Claims.Update(f.ctx, benefits.ClaimUpdate{ID: res.Claim.ID, Amount: ptr(amt("150000")), ProcessedBy: "hr"})
	require.NoError(t, err)

	// THEN: 50,000 is credited back
	assert.Equal(t, benefits.TransitionAmend, down.Transition)
	require.Len(t, down.Transactions, 1)
	assert.Equal(t, generic.TxCredit, down.Transactions[0].Type)
	assert.True(t, down.Transactions[0].Amount.Equal(amt("50000")))
	assert.Equal(t, "hr", down.Transactions[0].ProcessedBy)
	f.assertBalance(empLevel2, healthL2, "850000")

	// WHEN: it rises to 260,000
	up, err := f.svc.Claims.Update(f.ctx, benefits.ClaimUpdate{ID: res.Claim.ID, Amount: ptr(amt("260000"))})
	require.NoError(t, err)

	// THEN: only the delta is debited
	require.Len(t, up.Transactions, 1)
	assert.Equal(t, generic.TxDebit, up.Transactions[0].Type)
	assert.True(t, up.Transactions[0].Amount.Equal(amt("110000")))
	f.assertBalance(empLevel2, healthL2, "740000")
	f.assertInSync()
}

func TestLifecycle_MoveApprovedClaimBetweenBudgets(t *testing.T) {
	f := newFixture(t, benefits.Options{})
	res := f.submit(empLevel2, health, "100000", "2025-03-10", benefits.ClaimApproved)

	moved, err := f.svc.Claims.Update(f.ctx, benefits.ClaimUpdate{ID: res.Claim.ID, BenefitTypeID: ptr(dental)})
	require.NoError(t, err)

	// THEN: the old budget is credited first, then the new one debited
	assert.Equal(t, benefits.TransitionAmend, moved.Transition)
	require.Len(t, moved.Transactions, 2)
	assert.Equal(t, generic.TxCredit, moved.Transactions[0].Type)
	assert.Equal(t, healthL2, moved.Transactions[0].BudgetID)
	assert.Equal(t, generic.TxDebit, moved.Transactions[1].Type)
	assert.Equal(t, dentalL2, moved.Transactions[1].BudgetID)
	f.assertBalance(empLevel2, healthL2, "1000000")
	f.assertBalance(empLevel2, dentalL2, "400000")
}

func TestLifecycle_DeleteApprovedCreditsBack(t *testing.T) {
	for _, hard := range []bool{false, true} {
		name := "soft"
		if hard {
			name = "hard"
		}
		t.Run(name, func(t *testing.T) {
			f := newFixture(t, benefits.Options{})
			res := f.submit(empLevel2, health, "300000", "2025-03-10", benefits.ClaimApproved)

			del, err := f.svc.Claims.Delete(f.ctx, res.Claim.ID, hard, "hr")
			require.NoError(t, err)

			assert.Equal(t, benefits.TransitionDeleteApproved, del.Transition)
			require.Len(t, del.Transactions, 1)
			assert.Equal(t, generic.TxCredit, del.Transactions[0].Type)
			f.assertBalance(empLevel2, healthL2, "1000000")

			_, err = f.svc.Claims.Get(f.ctx, res.Claim.ID)
			assert.ErrorIs(t, err, benefits.ErrClaimNotFound)
		})
	}
}

func TestDelete_SoftDeletedClaim(t *testing.T) {
	f := newFixture(t, benefits.Options{})
	res := f.submit(empLevel2, health, "300000", "2025-03-10", benefits.ClaimApproved)
	_, err := f.svc.Claims.Delete(f.ctx, res.Claim.ID, false, "hr")
	require.NoError(t, err)

	// WHEN: soft-deleting again
	_, err = f.svc.Claims.Delete(f.ctx, res.Claim.ID, false, "hr")
	assert.ErrorIs(t, err, benefits.ErrClaimNotFound)

	// AND: purging it
	purged, err := f.svc.Claims.Delete(f.ctx, res.Claim.ID, true, "hr")
	require.NoError(t, err)

	// THEN: nothing is credited twice
	assert.Empty(t, purged.Transactions)
	f.assertBalance(empLevel2, healthL2, "1000000")

	// AND: updates to a deleted claim are refused
	_, err = f.svc.Claims.SetStatus(f.ctx, res.Claim.ID, benefits.ClaimApproved, "hr")
	assert.ErrorIs(t, err, benefits.ErrClaimNotFound)
}

// =============================================================================
// APPROVAL-TIME FUNDS
// =============================================================================

func TestApprove_InsufficientBalanceRollsBack(t *testing.T) {
	// GIVEN: two pending claims that each fit but not together
	f := newFixture(t, benefits.Options{})
	a := f.submit(empLevel2, health, "700000", "2025-03-01", benefits.ClaimPending)
	b := f.submit(empLevel2, health, "600000", "2025-03-02", benefits.ClaimPending)
	f.setStatus(a.Claim.ID, benefits.ClaimApproved)

	// WHEN: the second is approved
	_, err := f.svc.Claims.SetStatus(f.ctx, b.Claim.ID, benefits.ClaimApproved, "hr")

	// THEN: nothing changes
	var insufficient *generic.InsufficientBalanceError
	require.ErrorAs(t, err, &insufficient)
	assert.True(t, insufficient.Available.Equal(amt("300000")))

	stored, err := f.svc.Claims.Get(f.ctx, b.Claim.ID)
	require.NoError(t, err)
	assert.Equal(t, benefits.ClaimPending, stored.Status)
	f.assertBalance(empLevel2, healthL2, "300000")
	assert.Empty(t, f.claimLedger(b.Claim.ID))
}

func TestApprove_OverdraftAllowed(t *testing.T) {
	f := newFixture(t, benefits.Options{AllowOverdraft: true})
	a := f.submit(empLevel2, health, "700000", "2025-03-01", benefits.ClaimPending)
	b := f.submit(empLevel2, health, "600000", "2025-03-02", benefits.ClaimPending)
	f.setStatus(a.Claim.ID, benefits.ClaimApproved)

	res := f.setStatus(b.Claim.ID, benefits.ClaimApproved)

	require.Len(t, res.Transactions, 1)
	f.assertBalance(empLevel2, healthL2, "-300000")
	f.assertInSync()
}

// =============================================================================
// RECONCILIATION FAILURES
// =============================================================================

func TestReconciliationFailure_RecordedAndRetried(t *testing.T) {
	// GIVEN: a pending claim moved into a year with no budget and approved
	f := newFixture(t, benefits.Options{LazyBalances: true})
	res := f.submit(empLevel2, health, "300000", "2025-11-20", benefits.ClaimPending)
	approved := benefits.ClaimApproved

	updated, err := f.svc.Claims.Update(f.ctx, benefits.ClaimUpdate{
		ID: res.Claim.ID, ClaimDate: ptr(date("2026-01-05")), Status: &approved, ProcessedBy: "hr",
	})

	// THEN: the claim write commits and the failure is recorded
	require.NoError(t, err)
	require.NotNil(t, updated.Failure)
	assert.Empty(t, updated.Transactions)
	assert.Equal(t, res.Claim.ID, updated.Failure.ClaimID)
	assert.Equal(t, benefits.ClaimApproved, updated.Failure.Status)
	assert.Contains(t, updated.Failure.Error, "budget not found")

	stored, err := f.svc.Claims.Get(f.ctx, res.Claim.ID)
	require.NoError(t, err)
	assert.Equal(t, benefits.ClaimApproved, stored.Status)

	open, err := f.svc.Claims.Failures(f.ctx, false)
	require.NoError(t, err)
	require.Len(t, open, 1)

	// WHEN: a retry runs before the budget exists
	report, err := f.svc.Claims.RetryFailedReconciliations(f.ctx, "ops")
	require.NoError(t, err)
	assert.Equal(t, 1, report.Failed)

	open, err = f.svc.Claims.Failures(f.ctx, false)
	require.NoError(t, err)
	require.Len(t, open, 1, "the open row is reused")
	assert.Equal(t, 2, open[0].Attempts)

	// WHEN: the 2026 budget is configured and the retry runs again
	require.NoError(t, f.store.SaveBudget(f.ctx, benefits.Budget{
		ID: "bud-health-l2-2026", BenefitTypeID: health, LevelID: "2", Year: 2026, Amount: amt("1200000"),
	}))
	report, err = f.svc.Claims.RetryFailedReconciliations(f.ctx, "ops")
	require.NoError(t, err)

	// THEN: the debit lands and the failure closes
	assert.Equal(t, benefits.RetryReport{Attempted: 1, Resolved: 1}, report)
	f.assertBalance(empLevel2, "bud-health-l2-2026", "900000")

	open, err = f.svc.Claims.Failures(f.ctx, false)
	require.NoError(t, err)
	assert.Empty(t, open)
	all, err := f.svc.Claims.Failures(f.ctx, true)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.NotNil(t, all[0].ResolvedAt)
}

// =============================================================================
// IDEMPOTENCY
// =============================================================================

// staleLedger hides ledger history, as seen by a writer that planned before
// another one committed.
type staleLedger struct {
	benefits.Repository
}

func (staleLedger) QueryTransactions(context.Context, generic.HistoryFilter) ([]generic.Transaction, int, error) {
	return nil, 0, nil
}

func TestReconcile_PostingsCarryIdempotencyKeys(t *testing.T) {
	// GIVEN: an approved claim, amended once
	f := newFixture(t, benefits.Options{})
	res := f.submit(empLevel2, health, "200000", "2025-03-10", benefits.ClaimApproved)
	_, err := f.svc.Claims.Update(f.ctx, benefits.ClaimUpdate{ID: res.Claim.ID, Amount: ptr(amt("250000"))})
	require.NoError(t, err)

	// THEN: each posting on the balance is numbered
	key := generic.BalanceKey{EntityID: empLevel2, BudgetID: healthL2}
	ledger := f.claimLedger(res.Claim.ID)
	require.Len(t, ledger, 2)
	assert.Equal(t, benefits.ClaimPostingKey(res.Claim.ID, key, 0), ledger[0].IdempotencyKey)
	assert.Equal(t, benefits.ClaimPostingKey(res.Claim.ID, key, 1), ledger[1].IdempotencyKey)
}

func TestReconcile_SameChangeTwice(t *testing.T) {
	// GIVEN: a claim reconciled once
	f := newFixture(t, benefits.Options{})
	claim := benefits.Claim{
		ID: "claim-fixed", EmployeeID: empLevel2, BenefitTypeID: health,
		Amount: amt("200000"), ClaimDate: date("2025-03-10"), Status: benefits.ClaimApproved,
	}
	ch := benefits.Change{ClaimID: claim.ID, After: &claim}
	first, err := f.svc.Reconciler.Reconcile(f.ctx, f.store, ch, nil, "tester")
	require.NoError(t, err)
	require.Len(t, first.Transactions, 1)

	// WHEN: the same change runs again against the current ledger
	again, err := f.svc.Reconciler.Reconcile(f.ctx, f.store, ch, nil, "tester")

	// THEN: nothing is left to post
	require.NoError(t, err)
	assert.Empty(t, again.Transactions)

	// WHEN: it runs again from a view that predates the first posting
	_, err = f.svc.Reconciler.Reconcile(f.ctx, staleLedger{f.store}, ch, nil, "tester")

	// THEN: the idempotency key refuses it and the write is retryable
	assert.ErrorIs(t, err, generic.ErrConcurrentModification)
	assert.True(t, generic.IsRetryable(err))
	f.assertBalance(empLevel2, healthL2, "800000")
	assert.Len(t, f.claimLedger(claim.ID), 1)
	f.assertInSync()
}

func TestReconcile_RefusesUnlockedKey(t *testing.T) {
	f := newFixture(t, benefits.Options{})
	claim := benefits.Claim{
		ID: "claim-unlocked", EmployeeID: empLevel2, BenefitTypeID: health,
		Amount: amt("1000"), ClaimDate: date("2025-03-10"), Status: benefits.ClaimApproved,
	}
	dentalKey := generic.BalanceKey{EntityID: empLevel2, BudgetID: dentalL2}

	_, err := f.svc.Reconciler.Reconcile(f.ctx, f.store, benefits.Change{ClaimID: claim.ID, After: &claim}, generic.NewKeySet(dentalKey), "tester")

	assert.ErrorIs(t, err, generic.ErrConcurrentModification)
	assert.Contains(t, err.Error(), dentalKey.String())
	assert.Zero(t, f.ledgerSize())
}

// =============================================================================
// INVARIANTS
// =============================================================================

// TestRandomLifecycle_BalanceMatchesApprovedClaims drives random writes and
// checks after each that every balance equals its budget minus the live
// approved claims drawing from it.
func TestRandomLifecycle_BalanceMatchesApprovedClaims(t *testing.T) {
	f := newFixture(t, benefits.Options{})
	rng := rand.New(rand.NewSource(42))
	types := []benefits.BenefitTypeID{health, dental}
	statuses := []benefits.ClaimStatus{benefits.ClaimPending, benefits.ClaimApproved, benefits.ClaimRejected, benefits.ClaimProcessing}
	budgetFor := map[benefits.BenefitTypeID]generic.BudgetID{health: healthL2, dental: dentalL2}
	budgetAmount := map[generic.BudgetID]decimal.Decimal{healthL2: amt("1000000"), dentalL2: amt("500000")}

	randomAmount := func() decimal.Decimal {
		return decimal.New(rng.Int63n(9_000_000)+1, -2)
	}

	var ids []benefits.ClaimID
	for step := 0; step < 300; step++ {
		var err error
		switch op := rng.Intn(5); {
		case op == 0 || len(ids) == 0:
			var res benefits.ClaimResult
			res, err = f.svc.Claims.Create(f.ctx, benefits.NewClaim{
				EmployeeID:    empLevel2,
				BenefitTypeID: types[rng.Intn(len(types))],
				Amount:        randomAmount(),
				ClaimDate:     date("2025-06-15"),
				Status:        statuses[rng.Intn(len(statuses))],
			})
			if err == nil {
				ids = append(ids, res.Claim.ID)
			}
		case op == 1:
			_, err = f.svc.Claims.SetStatus(f.ctx, ids[rng.Intn(len(ids))], statuses[rng.Intn(len(statuses))], "fuzz")
		case op == 2:
			_, err = f.svc.Claims.Update(f.ctx, benefits.ClaimUpdate{ID: ids[rng.Intn(len(ids))], Amount: ptr(randomAmount())})
		case op == 3:
			_, err = f.svc.Claims.Update(f.ctx, benefits.ClaimUpdate{ID: ids[rng.Intn(len(ids))], BenefitTypeID: ptr(types[rng.Intn(len(types))])})
		default:
			_, err = f.svc.Claims.Delete(f.ctx, ids[rng.Intn(len(ids))], rng.Intn(2) == 0, "fuzz")
		}
		if err != nil {
			var insufficient *generic.InsufficientBalanceError
			if !assert.True(t, errors.As(err, &insufficient) || benefits.IsNotFound(err), "step %d: %v", step, err) {
				return
			}
		}

		claims, lerr := f.svc.Claims.List(f.ctx, benefits.ClaimFilter{})
		require.NoError(t, lerr)
		expected := map[generic.BudgetID]decimal.Decimal{healthL2: budgetAmount[healthL2], dentalL2: budgetAmount[dentalL2]}
		for _, c := range claims {
			if c.Approved() {
				b := budgetFor[c.BenefitTypeID]
				expected[b] = expected[b].Sub(c.Amount)
			}
		}
		for b, want := range expected {
			got := f.balance(empLevel2, b)
			if !assert.True(t, got.Equal(want), "step %d budget %s: want %s, got %s", step, b, want, got) {
				return
			}
		}
	}
	f.assertInSync()
}

// =============================================================================
// CONCURRENCY
// =============================================================================

func TestConcurrentApprovals_SameBalance(t *testing.T) {
	// GIVEN: twenty pending 10,000 claims on one balance
	f := newFixture(t, benefits.Options{})
	var ids []benefits.ClaimID
	for i := 0; i < 20; i++ {
		ids = append(ids, f.submit(empLevel2, health, "10000", "2025-07-01", benefits.ClaimPending).Claim.ID)
	}

	// WHEN: all are approved at once
	var wg sync.WaitGroup
	errs := make(chan error, len(ids))
	for _, id := range ids {
		wg.Add(1)
		go func(id benefits.ClaimID) {
			defer wg.Done()
			_, err := f.svc.Claims.SetStatus(f.ctx, id, benefits.ClaimApproved, "hr")
			errs <- err
		}(id)
	}
	wg.Wait()
	close(errs)

	// THEN: every debit landed exactly once
	for err := range errs {
		require.NoError(t, err)
	}
	f.assertBalance(empLevel2, healthL2, "800000")
	f.assertInSync()
}

func TestConcurrentApprovals_SameClaim(t *testing.T) {
	f := newFixture(t, benefits.Options{})
	id := f.submit(empLevel2, health, "250000", "2025-07-01", benefits.ClaimPending).Claim.ID

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.svc.Claims.SetStatus(f.ctx, id, benefits.ClaimApproved, "hr")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Len(t, f.claimLedger(id), 1)
	f.assertBalance(empLevel2, healthL2, "750000")
}
