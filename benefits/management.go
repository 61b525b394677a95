/*
management.go - Balance management operations

PURPOSE:
  Operator- and employee-facing operations over balances:

  GetSummary          Balances per budget for an employee
  CheckAvailable      Claimable amount for a benefit type and year
  GetHistory          Ledger history with filters and pagination
  AdjustBalance       Manual correction, recorded as an adjustment
  RecalculateBalances Replay the ledger and fix drifted balance rows
  RecomputeFromLedger Replay one balance without writing
  GetLowBalanceAlerts Balances at or below a percentage of their budget
  InitializeBalances  Create missing balance rows at the budget amount

LOCKING:
  Writes take the balance key's lock and run in one storage transaction.
  Recalculation goes one key at a time and never holds a global lock, so
  claim writes for other keys keep flowing.
*/
package benefits

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/benefits-engine/generic"
)

type Manager struct {
	Store    UnitOfWork
	Resolver *Resolver
	Locks    *generic.KeyedMutex
	Retry    RetryPolicy
	Logger   *slog.Logger
}

var hundred = decimal.NewFromInt(100)

// =============================================================================
// SUMMARY
// =============================================================================

type SummaryLine struct {
	BudgetID        generic.BudgetID
	BenefitTypeID   BenefitTypeID
	BenefitTypeName string
	Year            int
	BudgetAmount    decimal.Decimal
	CurrentBalance  decimal.Decimal
	Used            decimal.Decimal
	UsedPercent     decimal.Decimal
	Initialized     bool // false when the balance row doesn't exist yet
}

type Summary struct {
	Employee     Employee
	Year         int
	Lines        []SummaryLine
	TotalBudget  decimal.Decimal
	TotalBalance decimal.Decimal
	TotalUsed    decimal.Decimal
}

// GetSummary lists the employee's balances. year <= 0 means every year.
// Budgets that apply to the employee but have no balance row yet are shown
// at their full amount.
func (m *Manager) GetSummary(ctx context.Context, employeeID generic.EntityID, year int) (Summary, error) {
	emp, err := m.employee(ctx, employeeID)
	if err != nil {
		return Summary{}, err
	}
	budgets, err := m.Store.ListBudgets(ctx, year)
	if err != nil {
		return Summary{}, fmt.Errorf("list budgets: %w", err)
	}
	names, err := m.benefitTypeNames(ctx)
	if err != nil {
		return Summary{}, err
	}
	balances, err := m.Store.ListBalances(ctx, generic.BalanceFilter{EntityID: &emp.ID})
	if err != nil {
		return Summary{}, fmt.Errorf("list balances: %w", err)
	}
	byBudget := make(map[generic.BudgetID]generic.BalanceRecord, len(balances))
	for _, b := range balances {
		byBudget[b.Key.BudgetID] = b
	}

	s := Summary{Employee: *emp, Year: year, TotalBudget: decimal.Zero, TotalBalance: decimal.Zero, TotalUsed: decimal.Zero}
	for _, b := range budgets {
		rec, initialized := byBudget[b.ID]
		if !initialized && !BudgetQueryFor(*emp, b.BenefitTypeID, b.Year).Matches(b) {
			continue
		}
		current := b.Amount
		if initialized {
			current = rec.CurrentBalance
		}
		used := b.Amount.Sub(current)
		s.Lines = append(s.Lines, SummaryLine{
			BudgetID:        b.ID,
			BenefitTypeID:   b.BenefitTypeID,
			BenefitTypeName: names[b.BenefitTypeID],
			Year:            b.Year,
			BudgetAmount:    b.Amount,
			CurrentBalance:  current,
			Used:            used,
			UsedPercent:     percentOf(used, b.Amount),
			Initialized:     initialized,
		})
		s.TotalBudget = s.TotalBudget.Add(b.Amount)
		s.TotalBalance = s.TotalBalance.Add(current)
		s.TotalUsed = s.TotalUsed.Add(used)
	}

	sort.Slice(s.Lines, func(i, j int) bool {
		if s.Lines[i].Year != s.Lines[j].Year {
			return s.Lines[i].Year > s.Lines[j].Year
		}
		return s.Lines[i].BenefitTypeName < s.Lines[j].BenefitTypeName
	})
	return s, nil
}

// =============================================================================
// AVAILABILITY / HISTORY
// =============================================================================

type Availability struct {
	EmployeeID    generic.EntityID
	BenefitTypeID BenefitTypeID
	Year          int
	Found         bool
	BudgetID      generic.BudgetID
	BudgetAmount  decimal.Decimal
	Available     decimal.Decimal
}

// CheckAvailable resolves the budget for the year exactly as validation does.
// A missing employee, budget or balance reports Found=false and zero available.
func (m *Manager) CheckAvailable(ctx context.Context, employeeID generic.EntityID, benefitTypeID BenefitTypeID, year int) (Availability, error) {
	a := Availability{EmployeeID: employeeID, BenefitTypeID: benefitTypeID, Year: year, Available: decimal.Zero, BudgetAmount: decimal.Zero}
	date := time.Date(year, time.January, 1, 0, 0, 0, 0, time.UTC)
	res, err := m.Resolver.Resolve(ctx, m.Store, employeeID, date, benefitTypeID)
	if err != nil {
		if generic.IsNotFound(err) {
			return a, nil
		}
		return a, err
	}
	a.Found = true
	a.BudgetID = res.Budget.ID
	a.BudgetAmount = res.Budget.Amount
	a.Available = res.Available()
	return a, nil
}

// GetHistory returns the employee's ledger page. filter.EntityID is forced.
func (m *Manager) GetHistory(ctx context.Context, employeeID generic.EntityID, filter generic.HistoryFilter) (generic.Page, error) {
	filter.EntityID = &employeeID
	return generic.NewLedger(m.Store).History(ctx, filter)
}

// =============================================================================
// MANUAL ADJUSTMENT
// =============================================================================

// Adjustment is a manual correction. Positive Amount credits the balance,
// negative debits it.
type Adjustment struct {
	EmployeeID  generic.EntityID
	BudgetID    generic.BudgetID
	Amount      decimal.Decimal
	Reason      string
	ProcessedBy string

	// IdempotencyKey, when set, makes a resubmitted adjustment fail with
	// ErrDuplicateIdempotencyKey instead of posting twice.
	IdempotencyKey string
}

// AdjustBalance posts a manual correction with reference type adjustment.
func (m *Manager) AdjustBalance(ctx context.Context, adj Adjustment) (generic.Transaction, error) {
	amount := generic.RoundAmount(adj.Amount)
	if amount.IsZero() {
		return generic.Transaction{}, fmt.Errorf("%w: adjustment amount is zero", generic.ErrInvalidAmount)
	}
	if strings.TrimSpace(adj.Reason) == "" {
		return generic.Transaction{}, fmt.Errorf("%w: adjustment reason is required", generic.ErrInvalidTransaction)
	}
	if _, err := m.employee(ctx, adj.EmployeeID); err != nil {
		return generic.Transaction{}, err
	}
	budget, err := m.Store.GetBudget(ctx, adj.BudgetID)
	if err != nil {
		return generic.Transaction{}, fmt.Errorf("load budget %s: %w", adj.BudgetID, err)
	}
	if budget == nil {
		return generic.Transaction{}, fmt.Errorf("%w: %s", generic.ErrBudgetNotFound, adj.BudgetID)
	}

	key := generic.BalanceKey{EntityID: adj.EmployeeID, BudgetID: adj.BudgetID}
	posting := generic.Posting{
		Key:           key,
		BenefitTypeID: string(budget.BenefitTypeID),
		Year:          budget.Year,
		Type:          generic.TxCredit,
		Amount:        amount,
		ReferenceType: generic.RefAdjustment,
		Description:   strings.TrimSpace(adj.Reason),
		ProcessedBy:   adj.ProcessedBy,
	}
	if k := strings.TrimSpace(adj.IdempotencyKey); k != "" {
		posting.IdempotencyKey = "adjustment:" + k
	}
	if amount.IsNegative() {
		posting.Type = generic.TxDebit
		posting.Amount = amount.Neg()
	}

	var rec generic.Transaction
	err = m.Retry.do(ctx, m.logger(), "adjust_balance", func(ctx context.Context) error {
		unlock := m.Locks.Lock(key)
		defer unlock()
		return m.Store.WithTx(ctx, func(tx Repository) error {
			if err := m.ensureBalance(ctx, tx, key, *budget); err != nil {
				return err
			}
			var err error
			rec, err = generic.ApplyDelta(ctx, tx, posting)
			return err
		})
	})
	if err != nil {
		return generic.Transaction{}, err
	}

	level := slog.LevelInfo
	if rec.BalanceAfter.IsNegative() {
		level = slog.LevelWarn
	}
	m.logger().Log(ctx, level, "manual balance adjustment",
		"balance", key.String(),
		"transaction_id", rec.ID,
		"type", rec.Type,
		"amount", rec.Amount.StringFixed(generic.AmountPlaces),
		"balance_after", rec.BalanceAfter.StringFixed(generic.AmountPlaces),
		"processed_by", adj.ProcessedBy)
	return rec, nil
}

func (m *Manager) ensureBalance(ctx context.Context, tx Repository, key generic.BalanceKey, budget Budget) error {
	bal, err := tx.GetBalance(ctx, key)
	if err != nil {
		return fmt.Errorf("load balance %s: %w", key, err)
	}
	if bal != nil {
		return nil
	}
	if !m.Resolver.LazyBalances {
		return fmt.Errorf("%w: %s", generic.ErrBalanceNotFound, key)
	}
	_, err = tx.CreateBalance(ctx, key, budget.Amount)
	return err
}

// =============================================================================
// RECALCULATION
// =============================================================================

type RecalcScope struct {
	EmployeeID *generic.EntityID
	Year       int // 0 = all years
	DryRun     bool
}

type Discrepancy struct {
	Key         generic.BalanceKey
	Stored      decimal.Decimal
	Computed    decimal.Decimal
	Difference  decimal.Decimal // Computed - Stored
	ChainBreaks int
	Corrected   bool
}

type RecalcReport struct {
	Checked       int
	Corrected     int
	Discrepancies []Discrepancy
	Errors        []string
}

// RecalculateBalances replays the ledger for every balance in scope and,
// unless DryRun, overwrites drifted rows with the replayed value. Each key
// is handled under its own lock and transaction.
func (m *Manager) RecalculateBalances(ctx context.Context, scope RecalcScope) (RecalcReport, error) {
	budgets, err := m.Store.ListBudgets(ctx, scope.Year)
	if err != nil {
		return RecalcReport{}, fmt.Errorf("list budgets: %w", err)
	}
	byID := make(map[generic.BudgetID]Budget, len(budgets))
	for _, b := range budgets {
		byID[b.ID] = b
	}
	balances, err := m.Store.ListBalances(ctx, generic.BalanceFilter{EntityID: scope.EmployeeID})
	if err != nil {
		return RecalcReport{}, fmt.Errorf("list balances: %w", err)
	}

	var report RecalcReport
	for _, bal := range balances {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		budget, ok := byID[bal.Key.BudgetID]
		if !ok {
			if scope.Year == 0 {
				report.Errors = append(report.Errors, fmt.Sprintf("%s: budget missing", bal.Key))
			}
			continue
		}

		d, err := m.recalculateOne(ctx, bal.Key, budget, scope.DryRun)
		report.Checked++
		if err != nil {
			report.Errors = append(report.Errors, fmt.Sprintf("%s: %v", bal.Key, err))
			continue
		}
		if d != nil {
			report.Discrepancies = append(report.Discrepancies, *d)
			if d.Corrected {
				report.Corrected++
			}
		}
	}

	m.logger().Info("balance recalculation finished",
		"checked", report.Checked,
		"discrepancies", len(report.Discrepancies),
		"corrected", report.Corrected,
		"errors", len(report.Errors),
		"dry_run", scope.DryRun)
	return report, nil
}

func (m *Manager) recalculateOne(ctx context.Context, key generic.BalanceKey, budget Budget, dryRun bool) (*Discrepancy, error) {
	var found *Discrepancy
	err := m.Retry.do(ctx, m.logger(), "recalculate_balance", func(ctx context.Context) error {
		found = nil
		unlock := m.Locks.Lock(key)
		defer unlock()
		return m.Store.WithTx(ctx, func(tx Repository) error {
			bal, err := tx.GetBalance(ctx, key)
			if err != nil {
				return err
			}
			if bal == nil {
				return fmt.Errorf("%w: %s", generic.ErrBalanceNotFound, key)
			}
			replay, err := generic.RecomputeFromLedger(ctx, tx, key, budget.Amount)
			if err != nil {
				return err
			}
			if replay.Balance.Equal(bal.CurrentBalance) {
				return nil
			}

			found = &Discrepancy{
				Key:         key,
				Stored:      bal.CurrentBalance,
				Computed:    replay.Balance,
				Difference:  replay.Balance.Sub(bal.CurrentBalance),
				ChainBreaks: len(replay.ChainBreaks),
			}
			m.logger().Warn("balance drift detected",
				"balance", key.String(),
				"stored", bal.CurrentBalance.StringFixed(generic.AmountPlaces),
				"computed", replay.Balance.StringFixed(generic.AmountPlaces),
				"chain_breaks", len(replay.ChainBreaks))
			if dryRun {
				return nil
			}
			if _, err := tx.UpdateBalance(ctx, key, replay.Balance, bal.Version); err != nil {
				return err
			}
			found.Corrected = true
			return nil
		})
	})
	return found, err
}

// ReplayCheck is a read-only replay compared with the stored balance.
type ReplayCheck struct {
	generic.Replay
	Stored *decimal.Decimal
	InSync bool
}

// RecomputeFromLedger replays one balance without writing anything.
func (m *Manager) RecomputeFromLedger(ctx context.Context, key generic.BalanceKey) (ReplayCheck, error) {
	budget, err := m.Store.GetBudget(ctx, key.BudgetID)
	if err != nil {
		return ReplayCheck{}, fmt.Errorf("load budget %s: %w", key.BudgetID, err)
	}
	if budget == nil {
		return ReplayCheck{}, fmt.Errorf("%w: %s", generic.ErrBudgetNotFound, key.BudgetID)
	}
	replay, err := generic.RecomputeFromLedger(ctx, m.Store, key, budget.Amount)
	if err != nil {
		return ReplayCheck{}, err
	}
	bal, err := m.Store.GetBalance(ctx, key)
	if err != nil {
		return ReplayCheck{}, fmt.Errorf("load balance %s: %w", key, err)
	}
	check := ReplayCheck{Replay: replay}
	if bal != nil {
		check.Stored = &bal.CurrentBalance
		check.InSync = bal.CurrentBalance.Equal(replay.Balance)
	}
	return check, nil
}

// =============================================================================
// ALERTS
// =============================================================================

type LowBalanceAlert struct {
	EmployeeID      generic.EntityID
	EmployeeName    string
	BudgetID        generic.BudgetID
	BenefitTypeID   BenefitTypeID
	BenefitTypeName string
	Year            int
	BudgetAmount    decimal.Decimal
	CurrentBalance  decimal.Decimal
	RemainingPct    decimal.Decimal
}

// GetLowBalanceAlerts lists balances whose remaining share of the budget is
// at or below thresholdPct, lowest first. Zero budgets are skipped.
func (m *Manager) GetLowBalanceAlerts(ctx context.Context, thresholdPct decimal.Decimal) ([]LowBalanceAlert, error) {
	balances, err := m.Store.ListBalances(ctx, generic.BalanceFilter{})
	if err != nil {
		return nil, fmt.Errorf("list balances: %w", err)
	}
	budgets, err := m.Store.ListBudgets(ctx, 0)
	if err != nil {
		return nil, fmt.Errorf("list budgets: %w", err)
	}
	byID := make(map[generic.BudgetID]Budget, len(budgets))
	for _, b := range budgets {
		byID[b.ID] = b
	}
	names, err := m.benefitTypeNames(ctx)
	if err != nil {
		return nil, err
	}
	employees, err := m.Store.ListEmployees(ctx)
	if err != nil {
		return nil, fmt.Errorf("list employees: %w", err)
	}
	empNames := make(map[generic.EntityID]string, len(employees))
	for _, e := range employees {
		empNames[e.ID] = e.Name
	}

	var alerts []LowBalanceAlert
	for _, bal := range balances {
		b, ok := byID[bal.Key.BudgetID]
		if !ok || !b.Amount.IsPositive() {
			continue
		}
		pct := percentOf(bal.CurrentBalance, b.Amount)
		if pct.GreaterThan(thresholdPct) {
			continue
		}
		alerts = append(alerts, LowBalanceAlert{
			EmployeeID:      bal.Key.EntityID,
			EmployeeName:    empNames[bal.Key.EntityID],
			BudgetID:        b.ID,
			BenefitTypeID:   b.BenefitTypeID,
			BenefitTypeName: names[b.BenefitTypeID],
			Year:            b.Year,
			BudgetAmount:    b.Amount,
			CurrentBalance:  bal.CurrentBalance,
			RemainingPct:    pct,
		})
	}
	sort.Slice(alerts, func(i, j int) bool {
		if !alerts[i].RemainingPct.Equal(alerts[j].RemainingPct) {
			return alerts[i].RemainingPct.LessThan(alerts[j].RemainingPct)
		}
		return alerts[i].EmployeeID < alerts[j].EmployeeID
	})
	return alerts, nil
}

// =============================================================================
// INITIALIZATION
// =============================================================================

type InitReport struct {
	Created  int
	Existing int
}

// InitializeBalances creates a balance row at the budget amount for every
// employee and every budget of year that applies to them. Existing rows are
// left alone.
func (m *Manager) InitializeBalances(ctx context.Context, year int, employeeID *generic.EntityID) (InitReport, error) {
	budgets, err := m.Store.ListBudgets(ctx, year)
	if err != nil {
		return InitReport{}, fmt.Errorf("list budgets: %w", err)
	}
	employees, err := m.Store.ListEmployees(ctx)
	if err != nil {
		return InitReport{}, fmt.Errorf("list employees: %w", err)
	}

	var report InitReport
	for _, e := range employees {
		if employeeID != nil && e.ID != *employeeID {
			continue
		}
		for _, b := range budgets {
			if !BudgetQueryFor(e, b.BenefitTypeID, b.Year).Matches(b) {
				continue
			}
			key := generic.BalanceKey{EntityID: e.ID, BudgetID: b.ID}
			created, err := m.initializeOne(ctx, key, b)
			if err != nil {
				return report, err
			}
			if created {
				report.Created++
			} else {
				report.Existing++
			}
		}
	}

	m.logger().Info("balances initialized", "year", year, "created", report.Created, "existing", report.Existing)
	return report, nil
}

func (m *Manager) initializeOne(ctx context.Context, key generic.BalanceKey, b Budget) (bool, error) {
	unlock := m.Locks.Lock(key)
	defer unlock()

	created := false
	err := m.Store.WithTx(ctx, func(tx Repository) error {
		existing, err := tx.GetBalance(ctx, key)
		if err != nil || existing != nil {
			return err
		}
		if _, err := tx.CreateBalance(ctx, key, b.Amount); err != nil {
			return fmt.Errorf("create balance %s: %w", key, err)
		}
		created = true
		return nil
	})
	return created, err
}

// =============================================================================
// HELPERS
// =============================================================================

func (m *Manager) employee(ctx context.Context, id generic.EntityID) (*Employee, error) {
	emp, err := m.Store.GetEmployee(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load employee %s: %w", id, err)
	}
	if emp == nil {
		return nil, fmt.Errorf("%w: %s", generic.ErrEntityNotFound, id)
	}
	return emp, nil
}

func (m *Manager) benefitTypeNames(ctx context.Context) (map[BenefitTypeID]string, error) {
	types, err := m.Store.ListBenefitTypes(ctx)
	if err != nil {
		return nil, fmt.Errorf("list benefit types: %w", err)
	}
	names := make(map[BenefitTypeID]string, len(types))
	for _, t := range types {
		names[t.ID] = t.Name
	}
	return names, nil
}

func (m *Manager) logger() *slog.Logger {
	if m.Logger == nil {
		return slog.Default()
	}
	return m.Logger
}

// percentOf returns part/whole*100 rounded to 2 places, 0 for a zero whole.
func percentOf(part, whole decimal.Decimal) decimal.Decimal {
	if whole.IsZero() {
		return decimal.Zero
	}
	return part.Mul(hundred).Div(whole).Round(2)
}
