package benefits_test

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/benefits-engine/benefits"
	"github.com/warp/benefits-engine/generic"
	"github.com/warp/benefits-engine/store/memory"
)

// =============================================================================
// TEST SETUP
// =============================================================================

const (
	empLevel2   generic.EntityID = "emp-001" // level 2, stored as married
	empMarried  generic.EntityID = "emp-002" // level 3, married
	empSingle   generic.EntityID = "emp-003" // level 3, no marriage status
	healthL2    generic.BudgetID = "bud-health-l2-2025"
	dentalL2    generic.BudgetID = "bud-dental-l2-2025"
	healthL3M1  generic.BudgetID = "bud-health-l3-m1-2025"
	healthL3    generic.BudgetID = "bud-health-l3-2025"
	health      benefits.BenefitTypeID = "health"
	dental      benefits.BenefitTypeID = "dental"
)

type fixture struct {
	t     *testing.T
	ctx   context.Context
	store *memory.Memory
	svc   *benefits.Services
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func ptr[T any](v T) *T { return &v }

func amt(s string) decimal.Decimal { return generic.MustParseAmount(s) }

func date(s string) time.Time {
	d, err := time.Parse(time.DateOnly, s)
	if err != nil {
		panic(err)
	}
	return d
}

// newFixture seeds two benefit types, three employees and 2025 budgets,
// and initializes every 2025 balance.
func newFixture(t *testing.T, opts benefits.Options) *fixture {
	t.Helper()
	ctx := context.Background()
	store := memory.New()
	if opts.Logger == nil {
		opts.Logger = quietLogger()
	}
	f := &fixture{t: t, ctx: ctx, store: store, svc: benefits.NewServices(store, opts)}

	married := benefits.MarriageStatusID("1")
	require.NoError(t, store.SaveBenefitType(ctx, benefits.BenefitType{ID: health, Name: "Health"}))
	require.NoError(t, store.SaveBenefitType(ctx, benefits.BenefitType{ID: dental, Name: "Dental"}))
	require.NoError(t, store.SaveEmployee(ctx, benefits.Employee{ID: empLevel2, Name: "Budi", LevelID: "2", MarriageStatusID: &married}))
	require.NoError(t, store.SaveEmployee(ctx, benefits.Employee{ID: empMarried, Name: "Sari", LevelID: "3", MarriageStatusID: &married}))
	require.NoError(t, store.SaveEmployee(ctx, benefits.Employee{ID: empSingle, Name: "Andi", LevelID: "3"}))

	for _, b := range []benefits.Budget{
		{ID: healthL2, BenefitTypeID: health, LevelID: "2", Year: 2025, Amount: amt("1000000")},
		{ID: dentalL2, BenefitTypeID: dental, LevelID: "2", Year: 2025, Amount: amt("500000")},
		{ID: healthL3M1, BenefitTypeID: health, LevelID: "3", MarriageStatusID: &married, Year: 2025, Amount: amt("2000000")},
		{ID: healthL3, BenefitTypeID: health, LevelID: "3", Year: 2025, Amount: amt("1500000")},
	} {
		require.NoError(t, store.SaveBudget(ctx, b))
	}

	_, err := f.svc.Balances.InitializeBalances(ctx, 2025, nil)
	require.NoError(t, err)
	return f
}

func (f *fixture) submit(emp generic.EntityID, bt benefits.BenefitTypeID, amount, day string, status benefits.ClaimStatus) benefits.ClaimResult {
	f.t.Helper()
	res, err := f.svc.Claims.Create(f.ctx, benefits.NewClaim{
		EmployeeID:    emp,
		BenefitTypeID: bt,
		Amount:        amt(amount),
		ClaimDate:     date(day),
		Status:        status,
		ProcessedBy:   "tester",
	})
	require.NoError(f.t, err)
	return res
}

func (f *fixture) setStatus(id benefits.ClaimID, status benefits.ClaimStatus) benefits.ClaimResult {
	f.t.Helper()
	res, err := f.svc.Claims.SetStatus(f.ctx, id, status, "tester")
	require.NoError(f.t, err)
	return res
}

func (f *fixture) balance(emp generic.EntityID, budget generic.BudgetID) decimal.Decimal {
	f.t.Helper()
	rec, err := f.store.GetBalance(f.ctx, generic.BalanceKey{EntityID: emp, BudgetID: budget})
	require.NoError(f.t, err)
	require.NotNil(f.t, rec, "balance %s/%s", emp, budget)
	return rec.CurrentBalance
}

func (f *fixture) assertBalance(emp generic.EntityID, budget generic.BudgetID, want string) {
	f.t.Helper()
	got := f.balance(emp, budget)
	assert.True(f.t, got.Equal(amt(want)), "balance %s/%s: want %s, got %s", emp, budget, want, got.StringFixed(2))
}

func (f *fixture) claimLedger(id benefits.ClaimID) []generic.Transaction {
	f.t.Helper()
	ref := string(id)
	refType := generic.RefClaim
	txs, _, err := f.store.QueryTransactions(f.ctx, generic.HistoryFilter{ReferenceType: &refType, ReferenceID: &ref})
	require.NoError(f.t, err)
	return txs
}

func (f *fixture) ledgerSize() int {
	f.t.Helper()
	_, total, err := f.store.QueryTransactions(f.ctx, generic.HistoryFilter{})
	require.NoError(f.t, err)
	return total
}

// assertInSync replays every stored balance and checks it against the row.
func (f *fixture) assertInSync() {
	f.t.Helper()
	balances, err := f.store.ListBalances(f.ctx, generic.BalanceFilter{})
	require.NoError(f.t, err)
	for _, b := range balances {
		check, err := f.svc.Balances.RecomputeFromLedger(f.ctx, b.Key)
		require.NoError(f.t, err)
		assert.True(f.t, check.InSync, "%s: stored %s, replayed %s", b.Key, b.CurrentBalance, check.Balance)
		assert.Empty(f.t, check.ChainBreaks, "%s chain breaks", b.Key)
	}
}
