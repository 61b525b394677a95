package generic_test

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/benefits-engine/generic"
	"github.com/warp/benefits-engine/store/memory"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

var testKey = generic.BalanceKey{EntityID: "emp-1", BudgetID: "bud-health-2025"}

func amt(s string) decimal.Decimal {
	return generic.MustParseAmount(s)
}

func newBalance(t *testing.T, initial string) *memory.Memory {
	t.Helper()
	store := memory.New()
	_, err := store.CreateBalance(context.Background(), testKey, amt(initial))
	require.NoError(t, err)
	return store
}

func post(t *testing.T, store generic.Store, typ generic.TransactionType, amount string) generic.Transaction {
	t.Helper()
	tx, err := generic.ApplyDelta(context.Background(), store, generic.Posting{
		Key:           testKey,
		BenefitTypeID: "health",
		Year:          2025,
		Type:          typ,
		Amount:        amt(amount),
		ReferenceType: generic.RefClaim,
		ReferenceID:   "claim-1",
	})
	require.NoError(t, err)
	return tx
}

// =============================================================================
// APPLY DELTA
// =============================================================================

func TestApplyDelta_DebitUpdatesBalanceAndLedger(t *testing.T) {
	// GIVEN: a 1,000,000 balance
	store := newBalance(t, "1000000")
	ctx := context.Background()

	// WHEN: 200,000 is debited
	tx := post(t, store, generic.TxDebit, "200000")

	// THEN: the row and the ledger entry agree
	assert.True(t, tx.BalanceBefore.Equal(amt("1000000")))
	assert.True(t, tx.BalanceAfter.Equal(amt("800000")))
	assert.NotEmpty(t, tx.ID)
	assert.Equal(t, int64(1), tx.Seq)

	rec, err := store.GetBalance(ctx, testKey)
	require.NoError(t, err)
	assert.True(t, rec.CurrentBalance.Equal(amt("800000")))
	assert.Equal(t, int64(2), rec.Version)
}

func TestApplyDelta_CreditRestoresBalance(t *testing.T) {
	store := newBalance(t, "1000000")

	post(t, store, generic.TxDebit, "350000")
	tx := post(t, store, generic.TxCredit, "350000")

	assert.True(t, tx.BalanceBefore.Equal(amt("650000")))
	assert.True(t, tx.BalanceAfter.Equal(amt("1000000")))
}

func TestApplyDelta_RejectsNonPositiveAmount(t *testing.T) {
	store := newBalance(t, "100")

	for _, a := range []string{"0", "-5", "0.001"} {
		_, err := generic.ApplyDelta(context.Background(), store, generic.Posting{
			Key: testKey, Type: generic.TxDebit, Amount: amt(a),
		})
		assert.ErrorIs(t, err, generic.ErrInvalidAmount, "amount %s", a)
	}
}

func TestApplyDelta_RejectsUnknownType(t *testing.T) {
	store := newBalance(t, "100")

	_, err := generic.ApplyDelta(context.Background(), store, generic.Posting{
		Key: testKey, Type: "refund", Amount: amt("1"),
	})
	assert.ErrorIs(t, err, generic.ErrInvalidTransaction)
}

func TestApplyDelta_MissingBalanceRow(t *testing.T) {
	store := memory.New()

	_, err := generic.ApplyDelta(context.Background(), store, generic.Posting{
		Key: testKey, Type: generic.TxDebit, Amount: amt("1"),
	})
	assert.ErrorIs(t, err, generic.ErrBalanceNotFound)
	assert.True(t, generic.IsNotFound(err))
}

func TestApplyDelta_DuplicateIdempotencyKey(t *testing.T) {
	// GIVEN: a posting already recorded under a key
	store := newBalance(t, "1000")
	ctx := context.Background()
	p := generic.Posting{Key: testKey, Type: generic.TxDebit, Amount: amt("10"), IdempotencyKey: "claim-1:approve"}

	_, err := generic.ApplyDelta(ctx, store, p)
	require.NoError(t, err)

	// WHEN: the same key is posted again
	_, err = generic.ApplyDelta(ctx, store, p)

	// THEN: the ledger refuses it before the balance is touched
	assert.ErrorIs(t, err, generic.ErrDuplicateIdempotencyKey)
	rec, err := store.GetBalance(ctx, testKey)
	require.NoError(t, err)
	assert.Equal(t, "990.00", rec.CurrentBalance.StringFixed(2))
	assert.Equal(t, int64(2), rec.Version)
}

func TestReferencePostings_CountsPerKey(t *testing.T) {
	store := newBalance(t, "1000")
	ctx := context.Background()
	other := generic.BalanceKey{EntityID: "emp-1", BudgetID: "bud-dental-2025"}
	_, err := store.CreateBalance(ctx, other, amt("500"))
	require.NoError(t, err)
	for _, p := range []generic.Posting{
		{Key: testKey, Type: generic.TxDebit, Amount: amt("10"), ReferenceType: generic.RefClaim, ReferenceID: "c1"},
		{Key: testKey, Type: generic.TxCredit, Amount: amt("10"), ReferenceType: generic.RefClaim, ReferenceID: "c1"},
		{Key: other, Type: generic.TxDebit, Amount: amt("5"), ReferenceType: generic.RefClaim, ReferenceID: "c1"},
		{Key: testKey, Type: generic.TxDebit, Amount: amt("7"), ReferenceType: generic.RefClaim, ReferenceID: "c2"},
	} {
		_, err := generic.ApplyDelta(ctx, store, p)
		require.NoError(t, err)
	}

	counts, err := generic.NewLedger(store).ReferencePostings(ctx, generic.RefClaim, "c1")
	require.NoError(t, err)

	assert.Equal(t, map[generic.BalanceKey]int{testKey: 2, other: 1}, counts)
}

// =============================================================================
// OPTIMISTIC VERSIONING
// =============================================================================

func TestUpdateBalance_StaleVersionRejected(t *testing.T) {
	store := newBalance(t, "500")
	ctx := context.Background()

	_, err := store.UpdateBalance(ctx, testKey, amt("400"), 1)
	require.NoError(t, err)

	_, err = store.UpdateBalance(ctx, testKey, amt("300"), 1)
	assert.ErrorIs(t, err, generic.ErrConcurrentModification)
	assert.True(t, generic.IsRetryable(err))
}

func TestCreateBalance_ExistingRowUnchanged(t *testing.T) {
	store := newBalance(t, "500")
	ctx := context.Background()
	post(t, store, generic.TxDebit, "100")

	rec, err := store.CreateBalance(ctx, testKey, amt("500"))
	require.NoError(t, err)
	assert.True(t, rec.CurrentBalance.Equal(amt("400")))
}

// =============================================================================
// REPLAY
// =============================================================================

func TestRecomputeFromLedger_MatchesRunningBalance(t *testing.T) {
	// GIVEN: a mix of debits and credits
	store := newBalance(t, "1000000")
	ctx := context.Background()
	post(t, store, generic.TxDebit, "200000")
	post(t, store, generic.TxDebit, "350000")
	post(t, store, generic.TxCredit, "350000")
	post(t, store, generic.TxDebit, "12345.67")

	// WHEN
	r, err := generic.RecomputeFromLedger(ctx, store, testKey, amt("1000000"))
	require.NoError(t, err)

	// THEN: base + credits - debits == stored balance, chain intact
	rec, _ := store.GetBalance(ctx, testKey)
	assert.True(t, r.Balance.Equal(rec.CurrentBalance), "replay %s, stored %s", r.Balance, rec.CurrentBalance)
	assert.True(t, r.Debits.Equal(amt("562345.67")))
	assert.True(t, r.Credits.Equal(amt("350000")))
	assert.Equal(t, 4, r.Entries)
	assert.Empty(t, r.ChainBreaks)
}

func TestRecomputeFromLedger_Idempotent(t *testing.T) {
	store := newBalance(t, "1000")
	ctx := context.Background()
	post(t, store, generic.TxDebit, "250")

	first, err := generic.RecomputeFromLedger(ctx, store, testKey, amt("1000"))
	require.NoError(t, err)
	second, err := generic.RecomputeFromLedger(ctx, store, testKey, amt("1000"))
	require.NoError(t, err)

	assert.Equal(t, first, second)
}

func TestReplayTransactions_DetectsChainBreak(t *testing.T) {
	// GIVEN: the second row claims a before-balance that the first row
	// doesn't lead to
	txs := []generic.Transaction{
		{ID: "t1", Type: generic.TxDebit, Amount: amt("100"), BalanceBefore: amt("1000"), BalanceAfter: amt("900")},
		{ID: "t2", Type: generic.TxDebit, Amount: amt("100"), BalanceBefore: amt("700"), BalanceAfter: amt("600")},
	}

	r := generic.ReplayTransactions(testKey, amt("1000"), txs)

	// THEN: the computed result ignores the recorded snapshots
	assert.True(t, r.Balance.Equal(amt("800")))
	require.Len(t, r.ChainBreaks, 1)
	assert.Equal(t, generic.TransactionID("t2"), r.ChainBreaks[0].TransactionID)
	assert.True(t, r.ChainBreaks[0].Expected.Equal(amt("900")))
	assert.True(t, r.ChainBreaks[0].Recorded.Equal(amt("700")))
}

func TestReplayTransactions_EmptyLedgerIsBase(t *testing.T) {
	r := generic.ReplayTransactions(testKey, amt("1000000"), nil)
	assert.True(t, r.Balance.Equal(amt("1000000")))
	assert.Zero(t, r.Entries)
}
