package reports

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/benefits-engine/benefits"
	"github.com/warp/benefits-engine/generic"
)

var hundred = decimal.NewFromInt(100)

// =============================================================================
// CLAIMS SUMMARY
// =============================================================================

type StatusTotal struct {
	Count  int             `json:"count"`
	Amount decimal.Decimal `json:"amount"`
}

type ClaimsByType struct {
	BenefitTypeID   benefits.BenefitTypeID               `json:"benefit_type_id"`
	BenefitTypeName string                               `json:"benefit_type_name"`
	Count           int                                  `json:"count"`
	TotalAmount     decimal.Decimal                      `json:"total_amount"`
	ByStatus        map[benefits.ClaimStatus]StatusTotal `json:"by_status"`
}

type ClaimsSummary struct {
	Year        int                                  `json:"year,omitempty"`
	Rows        []ClaimsByType                       `json:"rows"`
	Count       int                                  `json:"count"`
	TotalAmount decimal.Decimal                      `json:"total_amount"`
	ByStatus    map[benefits.ClaimStatus]StatusTotal `json:"by_status"`
}

func claimsSummary(ctx context.Context, src Source, p Params) (any, error) {
	claims, err := filteredClaims(ctx, src, p)
	if err != nil {
		return nil, err
	}
	names, err := typeNames(ctx, src)
	if err != nil {
		return nil, err
	}

	out := ClaimsSummary{Year: p.Year, TotalAmount: decimal.Zero, ByStatus: map[benefits.ClaimStatus]StatusTotal{}}
	rows := map[benefits.BenefitTypeID]*ClaimsByType{}
	for _, c := range claims {
		row, ok := rows[c.BenefitTypeID]
		if !ok {
			row = &ClaimsByType{
				BenefitTypeID:   c.BenefitTypeID,
				BenefitTypeName: names[c.BenefitTypeID],
				TotalAmount:     decimal.Zero,
				ByStatus:        map[benefits.ClaimStatus]StatusTotal{},
			}
			rows[c.BenefitTypeID] = row
		}
		row.Count++
		row.TotalAmount = row.TotalAmount.Add(c.Amount)
		row.ByStatus[c.Status] = addStatus(row.ByStatus[c.Status], c.Amount)

		out.Count++
		out.TotalAmount = out.TotalAmount.Add(c.Amount)
		out.ByStatus[c.Status] = addStatus(out.ByStatus[c.Status], c.Amount)
	}
	for _, r := range rows {
		out.Rows = append(out.Rows, *r)
	}
	sort.Slice(out.Rows, func(i, j int) bool { return out.Rows[i].BenefitTypeID < out.Rows[j].BenefitTypeID })
	return out, nil
}

func addStatus(t StatusTotal, amount decimal.Decimal) StatusTotal {
	t.Count++
	t.Amount = t.Amount.Add(amount)
	return t
}

// =============================================================================
// UTILIZATION
// =============================================================================

type UtilizationRow struct {
	BudgetID        generic.BudgetID       `json:"budget_id"`
	BenefitTypeID   benefits.BenefitTypeID `json:"benefit_type_id"`
	BenefitTypeName string                 `json:"benefit_type_name"`
	LevelID         benefits.LevelID       `json:"level_id"`
	Year            int                    `json:"year"`
	Employees       int                    `json:"employees"`
	Allocated       decimal.Decimal        `json:"allocated"`
	Remaining       decimal.Decimal        `json:"remaining"`
	Used            decimal.Decimal        `json:"used"`
	UsedPercent     decimal.Decimal        `json:"used_percent"`
}

// utilization covers initialized balances only: an envelope nobody holds a
// balance row against has nothing to utilize yet.
func utilization(ctx context.Context, src Source, p Params) (any, error) {
	budgets, err := src.ListBudgets(ctx, p.Year)
	if err != nil {
		return nil, err
	}
	names, err := typeNames(ctx, src)
	if err != nil {
		return nil, err
	}
	inScope, err := employeesInScope(ctx, src, p)
	if err != nil {
		return nil, err
	}
	balances, err := src.ListBalances(ctx, generic.BalanceFilter{})
	if err != nil {
		return nil, err
	}
	byBudget := map[generic.BudgetID][]generic.BalanceRecord{}
	for _, b := range balances {
		if _, ok := inScope[b.Key.EntityID]; ok {
			byBudget[b.Key.BudgetID] = append(byBudget[b.Key.BudgetID], b)
		}
	}

	var rows []UtilizationRow
	for _, b := range budgets {
		if p.BenefitTypeID != "" && string(b.BenefitTypeID) != p.BenefitTypeID {
			continue
		}
		held := byBudget[b.ID]
		if len(held) == 0 {
			continue
		}
		row := UtilizationRow{
			BudgetID:        b.ID,
			BenefitTypeID:   b.BenefitTypeID,
			BenefitTypeName: names[b.BenefitTypeID],
			LevelID:         b.LevelID,
			Year:            b.Year,
			Employees:       len(held),
			Allocated:       b.Amount.Mul(decimal.NewFromInt(int64(len(held)))),
			Remaining:       decimal.Zero,
		}
		for _, bal := range held {
			row.Remaining = row.Remaining.Add(bal.CurrentBalance)
		}
		row.Used = row.Allocated.Sub(row.Remaining)
		row.UsedPercent = percent(row.Used, row.Allocated)
		rows = append(rows, row)
	}
	sort.Slice(rows, func(i, j int) bool {
		if !rows[i].UsedPercent.Equal(rows[j].UsedPercent) {
			return rows[i].UsedPercent.GreaterThan(rows[j].UsedPercent)
		}
		return rows[i].BudgetID < rows[j].BudgetID
	})
	return rows, nil
}

// =============================================================================
// BUDGET VS ACTUAL
// =============================================================================

type BudgetVsActualRow struct {
	BenefitTypeID   benefits.BenefitTypeID `json:"benefit_type_id"`
	BenefitTypeName string                 `json:"benefit_type_name"`
	Budgeted        decimal.Decimal        `json:"budgeted"`
	Actual          decimal.Decimal        `json:"actual"`
	Variance        decimal.Decimal        `json:"variance"`
	ActualPercent   decimal.Decimal        `json:"actual_percent"`
	ApprovedClaims  int                    `json:"approved_claims"`
}

// budgetVsActual needs a year. Budgeted is every in-scope employee's envelope
// for each benefit type; actual is approved, non-deleted claims.
func budgetVsActual(ctx context.Context, src Source, p Params) (any, error) {
	if p.Year <= 0 {
		return nil, fmt.Errorf("%w: year", ErrMissingParam)
	}
	budgets, err := src.ListBudgets(ctx, p.Year)
	if err != nil {
		return nil, err
	}
	names, err := typeNames(ctx, src)
	if err != nil {
		return nil, err
	}
	inScope, err := employeesInScope(ctx, src, p)
	if err != nil {
		return nil, err
	}

	rows := map[benefits.BenefitTypeID]*BudgetVsActualRow{}
	row := func(id benefits.BenefitTypeID) *BudgetVsActualRow {
		r, ok := rows[id]
		if !ok {
			r = &BudgetVsActualRow{BenefitTypeID: id, BenefitTypeName: names[id], Budgeted: decimal.Zero, Actual: decimal.Zero}
			rows[id] = r
		}
		return r
	}

	for _, e := range inScope {
		for _, b := range budgets {
			if p.BenefitTypeID != "" && string(b.BenefitTypeID) != p.BenefitTypeID {
				continue
			}
			if benefits.BudgetQueryFor(e, b.BenefitTypeID, b.Year).Matches(b) {
				r := row(b.BenefitTypeID)
				r.Budgeted = r.Budgeted.Add(b.Amount)
			}
		}
	}

	claims, err := filteredClaims(ctx, src, p)
	if err != nil {
		return nil, err
	}
	for _, c := range claims {
		if c.Status != benefits.ClaimApproved {
			continue
		}
		r := row(c.BenefitTypeID)
		r.Actual = r.Actual.Add(c.Amount)
		r.ApprovedClaims++
	}

	out := make([]BudgetVsActualRow, 0, len(rows))
	for _, r := range rows {
		r.Variance = r.Budgeted.Sub(r.Actual)
		r.ActualPercent = percent(r.Actual, r.Budgeted)
		out = append(out, *r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].BenefitTypeID < out[j].BenefitTypeID })
	return out, nil
}

// =============================================================================
// EMPLOYEE STATEMENT
// =============================================================================

type StatementBalance struct {
	BudgetID        generic.BudgetID       `json:"budget_id"`
	BenefitTypeID   benefits.BenefitTypeID `json:"benefit_type_id"`
	BenefitTypeName string                 `json:"benefit_type_name"`
	BudgetAmount    decimal.Decimal        `json:"budget_amount"`
	CurrentBalance  decimal.Decimal        `json:"current_balance"`
}

type Statement struct {
	EmployeeID   generic.EntityID   `json:"employee_id"`
	EmployeeName string             `json:"employee_name"`
	Year         int                `json:"year,omitempty"`
	Balances     []StatementBalance `json:"balances"`
	Transactions []StatementEntry   `json:"transactions"`
	Claims       []StatementClaim   `json:"claims"`
	TotalDebits  decimal.Decimal    `json:"total_debits"`
	TotalCredits decimal.Decimal    `json:"total_credits"`
}

type StatementEntry struct {
	TransactionID generic.TransactionID   `json:"transaction_id"`
	BudgetID      generic.BudgetID        `json:"budget_id"`
	Type          generic.TransactionType `json:"type"`
	Amount        decimal.Decimal         `json:"amount"`
	BalanceAfter  decimal.Decimal         `json:"balance_after"`
	ReferenceType generic.ReferenceType   `json:"reference_type"`
	ReferenceID   string                  `json:"reference_id,omitempty"`
	Description   string                  `json:"description,omitempty"`
	CreatedAt     time.Time               `json:"created_at"`
}

type StatementClaim struct {
	ClaimID       benefits.ClaimID       `json:"claim_id"`
	BenefitTypeID benefits.BenefitTypeID `json:"benefit_type_id"`
	Amount        decimal.Decimal        `json:"amount"`
	ClaimDate     string                 `json:"claim_date"`
	Status        benefits.ClaimStatus   `json:"status"`
}

func employeeStatement(ctx context.Context, src Source, p Params) (any, error) {
	if p.EmployeeID == "" {
		return nil, fmt.Errorf("%w: employee_id", ErrMissingParam)
	}
	empID := generic.EntityID(p.EmployeeID)
	emp, err := src.GetEmployee(ctx, empID)
	if err != nil {
		return nil, err
	}
	if emp == nil {
		return nil, fmt.Errorf("%w: %s", generic.ErrEntityNotFound, empID)
	}

	budgets, err := src.ListBudgets(ctx, p.Year)
	if err != nil {
		return nil, err
	}
	byID := make(map[generic.BudgetID]benefits.Budget, len(budgets))
	for _, b := range budgets {
		byID[b.ID] = b
	}
	names, err := typeNames(ctx, src)
	if err != nil {
		return nil, err
	}

	st := Statement{EmployeeID: emp.ID, EmployeeName: emp.Name, Year: p.Year, TotalDebits: decimal.Zero, TotalCredits: decimal.Zero}

	balances, err := src.ListBalances(ctx, generic.BalanceFilter{EntityID: &empID})
	if err != nil {
		return nil, err
	}
	for _, bal := range balances {
		b, ok := byID[bal.Key.BudgetID]
		if !ok {
			continue
		}
		st.Balances = append(st.Balances, StatementBalance{
			BudgetID:        b.ID,
			BenefitTypeID:   b.BenefitTypeID,
			BenefitTypeName: names[b.BenefitTypeID],
			BudgetAmount:    b.Amount,
			CurrentBalance:  bal.CurrentBalance,
		})
	}

	filter := generic.HistoryFilter{EntityID: &empID}
	if p.Year > 0 {
		filter.Year = &p.Year
	}
	if p.BenefitTypeID != "" {
		filter.BenefitTypeID = &p.BenefitTypeID
	}
	txs, _, err := src.QueryTransactions(ctx, filter)
	if err != nil {
		return nil, err
	}
	for _, tx := range txs {
		if tx.Type == generic.TxDebit {
			st.TotalDebits = st.TotalDebits.Add(tx.Amount)
		} else {
			st.TotalCredits = st.TotalCredits.Add(tx.Amount)
		}
		st.Transactions = append(st.Transactions, StatementEntry{
			TransactionID: tx.ID,
			BudgetID:      tx.BudgetID,
			Type:          tx.Type,
			Amount:        tx.Amount,
			BalanceAfter:  tx.BalanceAfter,
			ReferenceType: tx.ReferenceType,
			ReferenceID:   tx.ReferenceID,
			Description:   tx.Description,
			CreatedAt:     tx.CreatedAt,
		})
	}

	claims, err := filteredClaims(ctx, src, p)
	if err != nil {
		return nil, err
	}
	for _, c := range claims {
		st.Claims = append(st.Claims, StatementClaim{
			ClaimID:       c.ID,
			BenefitTypeID: c.BenefitTypeID,
			Amount:        c.Amount,
			ClaimDate:     c.ClaimDate.Format(time.DateOnly),
			Status:        c.Status,
		})
	}
	return st, nil
}

// =============================================================================
// HELPERS
// =============================================================================

func filteredClaims(ctx context.Context, src Source, p Params) ([]benefits.Claim, error) {
	var f benefits.ClaimFilter
	if p.Year > 0 {
		from := time.Date(p.Year, time.January, 1, 0, 0, 0, 0, time.UTC)
		to := time.Date(p.Year, time.December, 31, 0, 0, 0, 0, time.UTC)
		f.From, f.To = &from, &to
	}
	if p.EmployeeID != "" {
		id := generic.EntityID(p.EmployeeID)
		f.EmployeeID = &id
	}
	if p.BenefitTypeID != "" {
		id := benefits.BenefitTypeID(p.BenefitTypeID)
		f.BenefitTypeID = &id
	}
	claims, err := src.ListClaims(ctx, f)
	if err != nil {
		return nil, err
	}
	if p.Department == "" {
		return claims, nil
	}
	inScope, err := employeesInScope(ctx, src, p)
	if err != nil {
		return nil, err
	}
	kept := claims[:0]
	for _, c := range claims {
		if _, ok := inScope[c.EmployeeID]; ok {
			kept = append(kept, c)
		}
	}
	return kept, nil
}

// employeesInScope applies the employee and department filters.
func employeesInScope(ctx context.Context, src Source, p Params) (map[generic.EntityID]benefits.Employee, error) {
	employees, err := src.ListEmployees(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[generic.EntityID]benefits.Employee, len(employees))
	for _, e := range employees {
		if p.EmployeeID != "" && string(e.ID) != p.EmployeeID {
			continue
		}
		if p.Department != "" && e.Department != p.Department {
			continue
		}
		out[e.ID] = e
	}
	return out, nil
}

func typeNames(ctx context.Context, src Source) (map[benefits.BenefitTypeID]string, error) {
	types, err := src.ListBenefitTypes(ctx)
	if err != nil {
		return nil, err
	}
	names := make(map[benefits.BenefitTypeID]string, len(types))
	for _, t := range types {
		names[t.ID] = t.Name
	}
	return names, nil
}

func percent(part, whole decimal.Decimal) decimal.Decimal {
	if whole.IsZero() {
		return decimal.Zero
	}
	return part.Mul(hundred).Div(whole).Round(2)
}
