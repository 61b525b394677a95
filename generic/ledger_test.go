package generic_test

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/benefits-engine/generic"
	"github.com/warp/benefits-engine/store/memory"
)

func TestNewTransactionID_Format(t *testing.T) {
	at := time.Date(2025, time.March, 10, 14, 5, 9, 0, time.UTC)

	id := generic.NewTransactionID(at)

	assert.Regexp(t, regexp.MustCompile(`^TXN-20250310140509-[0-9A-F]{8}$`), string(id))
	assert.NotEqual(t, id, generic.NewTransactionID(at))
}

func TestLedgerAppend_AssignsIDAndTimestamp(t *testing.T) {
	store := memory.New()
	ledger := generic.NewLedger(store)
	fixed := time.Date(2025, time.June, 1, 9, 0, 0, 0, time.UTC)
	ledger.Now = func() time.Time { return fixed }

	tx, err := ledger.Append(context.Background(), generic.Transaction{
		EntityID: "emp-1", BudgetID: "bud-1", Type: generic.TxCredit, Amount: amt("10.005"),
	})
	require.NoError(t, err)

	assert.Equal(t, fixed, tx.CreatedAt)
	assert.Contains(t, string(tx.ID), "TXN-20250601090000-")
	assert.Equal(t, "10.01", tx.Amount.StringFixed(2))
}

func TestLedgerAppend_RejectsBadShape(t *testing.T) {
	ledger := generic.NewLedger(memory.New())
	ctx := context.Background()

	_, err := ledger.Append(ctx, generic.Transaction{Type: generic.TxDebit, Amount: amt("0")})
	assert.ErrorIs(t, err, generic.ErrInvalidAmount)

	_, err = ledger.Append(ctx, generic.Transaction{Type: "void", Amount: amt("1")})
	assert.ErrorIs(t, err, generic.ErrInvalidTransaction)
	assert.True(t, generic.IsClientError(err))
}

func TestLedgerHistory_FiltersAndPaginates(t *testing.T) {
	// GIVEN: five postings on one key and one on another
	store := newBalance(t, "1000")
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		post(t, store, generic.TxDebit, "10")
	}
	other := generic.BalanceKey{EntityID: "emp-2", BudgetID: "bud-health-2025"}
	_, err := store.CreateBalance(ctx, other, amt("1000"))
	require.NoError(t, err)
	_, err = generic.ApplyDelta(ctx, store, generic.Posting{Key: other, Type: generic.TxDebit, Amount: amt("1")})
	require.NoError(t, err)

	// WHEN: asking for the second page of emp-1, newest first
	emp := generic.EntityID("emp-1")
	page, err := generic.NewLedger(store).History(ctx, generic.HistoryFilter{
		EntityID:   &emp,
		Descending: true,
		Limit:      2,
		Offset:     2,
	})
	require.NoError(t, err)

	// THEN
	assert.Equal(t, 5, page.Total)
	require.Len(t, page.Items, 2)
	assert.True(t, page.Items[0].Seq > page.Items[1].Seq)
	assert.Equal(t, int64(3), page.Items[0].Seq)
	for _, tx := range page.Items {
		assert.Equal(t, emp, tx.EntityID)
	}
}

func TestLedgerReferenceNet(t *testing.T) {
	// GIVEN: claim-1 debited 300, credited 300, debited 250
	store := newBalance(t, "1000")
	ctx := context.Background()
	post(t, store, generic.TxDebit, "300")
	post(t, store, generic.TxCredit, "300")
	post(t, store, generic.TxDebit, "250")

	net, err := generic.NewLedger(store).ReferenceNet(ctx, generic.RefClaim, "claim-1")
	require.NoError(t, err)

	// THEN: the ledger holds 250 for it
	require.Len(t, net, 1)
	assert.True(t, net[testKey].Equal(amt("250")))

	// AND: a fully reversed reference nets to nothing
	post(t, store, generic.TxCredit, "250")
	net, err = generic.NewLedger(store).ReferenceNet(ctx, generic.RefClaim, "claim-1")
	require.NoError(t, err)
	assert.Empty(t, net)
}

func TestHistoryFilter_Matches(t *testing.T) {
	debit := generic.TxDebit
	year := 2025
	from := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	tx := generic.Transaction{
		EntityID: "emp-1", BudgetID: "bud-1", Type: generic.TxDebit, Year: 2025,
		CreatedAt: time.Date(2025, 2, 1, 0, 0, 0, 0, time.UTC),
	}

	assert.True(t, generic.HistoryFilter{Type: &debit, Year: &year, From: &from}.Matches(tx))

	other := 2024
	assert.False(t, generic.HistoryFilter{Year: &other}.Matches(tx))
	to := time.Date(2025, 1, 15, 0, 0, 0, 0, time.UTC)
	assert.False(t, generic.HistoryFilter{To: &to}.Matches(tx))
}
