package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/warp/benefits-engine/generic"
)

// =============================================================================
// LEDGER (generic.LedgerStore)
// =============================================================================

const transactionColumns = `seq, id, employee_id, budget_id, benefit_type_id, tx_type, amount,
	balance_before, balance_after, reference_type, reference_id, description, processed_by,
	year, idempotency_key, created_at`

// AppendTransaction inserts a ledger row. Append-only.
func (s *queries) AppendTransaction(ctx context.Context, tx generic.Transaction) (generic.Transaction, error) {
	query := `
		INSERT INTO balance_transactions
		(id, employee_id, budget_id, benefit_type_id, tx_type, amount, balance_before, balance_after,
		 reference_type, reference_id, description, processed_by, year, idempotency_key, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	res, err := s.q.ExecContext(ctx, query,
		tx.ID,
		tx.EntityID,
		tx.BudgetID,
		tx.BenefitTypeID,
		tx.Type,
		tx.Amount.StringFixed(generic.AmountPlaces),
		tx.BalanceBefore.StringFixed(generic.AmountPlaces),
		tx.BalanceAfter.StringFixed(generic.AmountPlaces),
		tx.ReferenceType,
		nullString(tx.ReferenceID),
		nullString(tx.Description),
		nullString(tx.ProcessedBy),
		tx.Year,
		nullString(tx.IdempotencyKey),
		formatTime(tx.CreatedAt),
	)
	if err != nil {
		if isUniqueConstraintError(err) && strings.Contains(err.Error(), "idempotency_key") {
			return generic.Transaction{}, generic.ErrDuplicateIdempotencyKey
		}
		return generic.Transaction{}, fmt.Errorf("failed to append transaction: %w", err)
	}

	seq, err := res.LastInsertId()
	if err != nil {
		return generic.Transaction{}, fmt.Errorf("failed to read transaction seq: %w", err)
	}
	tx.Seq = seq
	return tx, nil
}

// LoadTransactions returns one balance's history in replay order.
func (s *queries) LoadTransactions(ctx context.Context, key generic.BalanceKey) ([]generic.Transaction, error) {
	query := `SELECT ` + transactionColumns + `
		FROM balance_transactions
		WHERE employee_id = ? AND budget_id = ?
		ORDER BY created_at ASC, seq ASC`
	return s.queryTransactions(ctx, query, key.EntityID, key.BudgetID)
}

// QueryTransactions applies the filter in SQL and returns one page plus the
// total match count.
func (s *queries) QueryTransactions(ctx context.Context, filter generic.HistoryFilter) ([]generic.Transaction, int, error) {
	where, args := historyWhere(filter)

	var total int
	if err := s.q.QueryRowContext(ctx, "SELECT COUNT(*) FROM balance_transactions"+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count transactions: %w", err)
	}

	order := " ORDER BY created_at ASC, seq ASC"
	if filter.Descending {
		order = " ORDER BY created_at DESC, seq DESC"
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = -1
	}
	query := "SELECT " + transactionColumns + " FROM balance_transactions" + where + order + " LIMIT ? OFFSET ?"
	items, err := s.queryTransactions(ctx, query, append(args, limit, filter.Offset)...)
	if err != nil {
		return nil, 0, err
	}
	return items, total, nil
}

func historyWhere(f generic.HistoryFilter) (string, []any) {
	var (
		conds []string
		args  []any
	)
	add := func(cond string, arg any) {
		conds = append(conds, cond)
		args = append(args, arg)
	}
	if f.EntityID != nil {
		add("employee_id = ?", *f.EntityID)
	}
	if f.BudgetID != nil {
		add("budget_id = ?", *f.BudgetID)
	}
	if f.BenefitTypeID != nil {
		add("benefit_type_id = ?", *f.BenefitTypeID)
	}
	if f.Type != nil {
		add("tx_type = ?", *f.Type)
	}
	if f.ReferenceType != nil {
		add("reference_type = ?", *f.ReferenceType)
	}
	if f.ReferenceID != nil {
		add("reference_id = ?", *f.ReferenceID)
	}
	if f.Year != nil {
		add("year = ?", *f.Year)
	}
	if f.From != nil {
		add("created_at >= ?", formatTime(*f.From))
	}
	if f.To != nil {
		add("created_at <= ?", formatTime(*f.To))
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

// TransactionExists checks if an idempotency key exists.
func (s *queries) TransactionExists(ctx context.Context, idempotencyKey string) (bool, error) {
	var count int
	err := s.q.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM balance_transactions WHERE idempotency_key = ?",
		idempotencyKey,
	).Scan(&count)
	return count > 0, err
}

func (s *queries) queryTransactions(ctx context.Context, query string, args ...any) ([]generic.Transaction, error) {
	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query transactions: %w", err)
	}
	defer rows.Close()

	var transactions []generic.Transaction
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		transactions = append(transactions, tx)
	}
	return transactions, rows.Err()
}

func scanTransaction(rows *sql.Rows) (generic.Transaction, error) {
	var (
		tx                                    generic.Transaction
		amount, balanceBefore, balanceAfter   string
		referenceID, description, processedBy sql.NullString
		idempotencyKey                        sql.NullString
		createdAt                             string
	)
	err := rows.Scan(
		&tx.Seq, &tx.ID, &tx.EntityID, &tx.BudgetID, &tx.BenefitTypeID, &tx.Type,
		&amount, &balanceBefore, &balanceAfter, &tx.ReferenceType, &referenceID,
		&description, &processedBy, &tx.Year, &idempotencyKey, &createdAt,
	)
	if err != nil {
		return tx, fmt.Errorf("failed to scan transaction: %w", err)
	}

	tx.Amount = generic.MustParseAmount(amount)
	tx.BalanceBefore = generic.MustParseAmount(balanceBefore)
	tx.BalanceAfter = generic.MustParseAmount(balanceAfter)
	tx.ReferenceID = referenceID.String
	tx.Description = description.String
	tx.ProcessedBy = processedBy.String
	tx.IdempotencyKey = idempotencyKey.String
	tx.CreatedAt = parseTime(createdAt)
	return tx, nil
}

// =============================================================================
// BALANCES (generic.BalanceStore)
// =============================================================================

const balanceColumns = `employee_id, budget_id, current_balance, version, created_at, updated_at`

func (s *queries) GetBalance(ctx context.Context, key generic.BalanceKey) (*generic.BalanceRecord, error) {
	row := s.q.QueryRowContext(ctx,
		"SELECT "+balanceColumns+" FROM employee_benefit_balances WHERE employee_id = ? AND budget_id = ?",
		key.EntityID, key.BudgetID)
	rec, err := scanBalance(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load balance %s: %w", key, err)
	}
	return &rec, nil
}

// CreateBalance inserts at version 1, or returns the existing row.
func (s *queries) CreateBalance(ctx context.Context, key generic.BalanceKey, initial decimal.Decimal) (generic.BalanceRecord, error) {
	now := formatTime(s.now())
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO employee_benefit_balances (employee_id, budget_id, current_balance, version, created_at, updated_at)
		VALUES (?, ?, ?, 1, ?, ?)
		ON CONFLICT(employee_id, budget_id) DO NOTHING`,
		key.EntityID, key.BudgetID, initial.StringFixed(generic.AmountPlaces), now, now)
	if err != nil {
		return generic.BalanceRecord{}, fmt.Errorf("failed to create balance %s: %w", key, err)
	}
	rec, err := s.GetBalance(ctx, key)
	if err != nil {
		return generic.BalanceRecord{}, err
	}
	if rec == nil {
		return generic.BalanceRecord{}, fmt.Errorf("%w: %s", generic.ErrBalanceNotFound, key)
	}
	return *rec, nil
}

// UpdateBalance is a compare-and-set on the version column.
func (s *queries) UpdateBalance(ctx context.Context, key generic.BalanceKey, balance decimal.Decimal, expectedVersion int64) (generic.BalanceRecord, error) {
	res, err := s.q.ExecContext(ctx, `
		UPDATE employee_benefit_balances
		SET current_balance = ?, version = version + 1, updated_at = ?
		WHERE employee_id = ? AND budget_id = ? AND version = ?`,
		generic.RoundAmount(balance).StringFixed(generic.AmountPlaces), formatTime(s.now()),
		key.EntityID, key.BudgetID, expectedVersion)
	if err != nil {
		return generic.BalanceRecord{}, fmt.Errorf("failed to update balance %s: %w", key, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return generic.BalanceRecord{}, err
	}

	rec, err := s.GetBalance(ctx, key)
	if err != nil {
		return generic.BalanceRecord{}, err
	}
	if rec == nil {
		return generic.BalanceRecord{}, fmt.Errorf("%w: %s", generic.ErrBalanceNotFound, key)
	}
	if n == 0 {
		return generic.BalanceRecord{}, fmt.Errorf("%w: %s at version %d, expected %d",
			generic.ErrConcurrentModification, key, rec.Version, expectedVersion)
	}
	return *rec, nil
}

func (s *queries) ListBalances(ctx context.Context, filter generic.BalanceFilter) ([]generic.BalanceRecord, error) {
	var (
		conds []string
		args  []any
	)
	if filter.EntityID != nil {
		conds = append(conds, "employee_id = ?")
		args = append(args, *filter.EntityID)
	}
	if filter.BudgetID != nil {
		conds = append(conds, "budget_id = ?")
		args = append(args, *filter.BudgetID)
	}
	query := "SELECT " + balanceColumns + " FROM employee_benefit_balances"
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY employee_id, budget_id"

	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list balances: %w", err)
	}
	defer rows.Close()

	var result []generic.BalanceRecord
	for rows.Next() {
		rec, err := scanBalance(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, rec)
	}
	return result, rows.Err()
}

// scanner is satisfied by *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanBalance(row scanner) (generic.BalanceRecord, error) {
	var (
		rec                  generic.BalanceRecord
		balance              string
		createdAt, updatedAt string
	)
	if err := row.Scan(&rec.Key.EntityID, &rec.Key.BudgetID, &balance, &rec.Version, &createdAt, &updatedAt); err != nil {
		return rec, err
	}
	rec.CurrentBalance = generic.MustParseAmount(balance)
	rec.CreatedAt = parseTime(createdAt)
	rec.UpdatedAt = parseTime(updatedAt)
	return rec, nil
}
