package factory_test

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/benefits-engine/benefits"
	"github.com/warp/benefits-engine/factory"
	"github.com/warp/benefits-engine/generic"
	"github.com/warp/benefits-engine/store/memory"
)

func newLoader() (*factory.Loader, *memory.Memory) {
	store := memory.New()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	svc := benefits.NewServices(store, benefits.Options{Logger: logger})
	return &factory.Loader{Services: svc, Logger: logger}, store
}

func TestScenarios_AllBuiltinsParse(t *testing.T) {
	all, err := factory.Scenarios()
	require.NoError(t, err)

	var ids []string
	for _, f := range all {
		ids = append(ids, f.ID)
	}
	assert.Equal(t, []string{"health-basic", "low-balance", "mixed-cohorts"}, ids)
}

func TestScenario_Unknown(t *testing.T) {
	_, err := factory.Scenario("nope")
	assert.ErrorIs(t, err, factory.ErrUnknownScenario)
}

func TestParse_Validation(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{"bad yaml", "id: [", "invalid fixture YAML"},
		{"missing id", "name: x", "fixture id is required"},
		{"employee without level", "id: x\nemployees:\n  - id: e1\n", "needs id and level"},
		{
			"unknown benefit type",
			"id: x\nbudgets:\n  - id: b1\n    benefit_type: dental\n    level: \"1\"\n    year: 2025\n    amount: \"1\"\n",
			"unknown benefit type",
		},
		{
			"bad amount",
			"id: x\nbenefit_types:\n  - id: health\nbudgets:\n  - id: b1\n    benefit_type: health\n    amount: lots\n",
			"parse amount",
		},
		{
			"unknown employee",
			"id: x\nclaims:\n  - employee: e9\n    amount: \"1\"\n    date: \"2025-01-01\"\n",
			"unknown employee",
		},
		{
			"bad date",
			"id: x\nemployees:\n  - id: e1\n    level: \"1\"\nclaims:\n  - employee: e1\n    amount: \"1\"\n    date: 01/02/2025\n",
			"invalid date",
		},
		{
			"bad status",
			"id: x\nemployees:\n  - id: e1\n    level: \"1\"\nclaims:\n  - employee: e1\n    amount: \"1\"\n    date: \"2025-01-02\"\n    status: paid\n",
			"invalid status",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := factory.Parse([]byte(tt.yaml))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestLoad_HealthBasic(t *testing.T) {
	// GIVEN
	loader, store := newLoader()
	ctx := context.Background()
	f, err := factory.Scenario("health-basic")
	require.NoError(t, err)

	// WHEN
	res, err := loader.Load(ctx, f, false)
	require.NoError(t, err)

	// THEN: the approved claim went through reconciliation
	assert.Equal(t, factory.LoadResult{Scenario: "health-basic", Employees: 1, Budgets: 1, BalancesCreated: 1, Claims: 1}, res)
	rec, err := store.GetBalance(ctx, generic.BalanceKey{EntityID: "emp-001", BudgetID: "bud-health-l2-2025"})
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, "800000.00", rec.CurrentBalance.StringFixed(2))

	_, total, err := store.QueryTransactions(ctx, generic.HistoryFilter{})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
}

func TestLoad_ResetReplacesData(t *testing.T) {
	loader, store := newLoader()
	ctx := context.Background()
	basic, err := factory.Scenario("health-basic")
	require.NoError(t, err)
	mixed, err := factory.Scenario("mixed-cohorts")
	require.NoError(t, err)

	_, err = loader.Load(ctx, basic, false)
	require.NoError(t, err)
	res, err := loader.Load(ctx, mixed, true)
	require.NoError(t, err)

	assert.Equal(t, 7, res.BalancesCreated)
	assert.Equal(t, 6, res.Claims)
	gone, err := store.GetEmployee(ctx, "emp-001")
	require.NoError(t, err)
	assert.Nil(t, gone)

	// Level 2 with marriage status 2 draws from the single-status budget
	rec, err := store.GetBalance(ctx, generic.BalanceKey{EntityID: "emp-103", BudgetID: "bud-optical-l2-2025"})
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, "20000.00", rec.CurrentBalance.StringFixed(2))
}
