package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/warp/benefits-engine/benefits"
	"github.com/warp/benefits-engine/generic"
)

// =============================================================================
// EMPLOYEES
// =============================================================================

func (s *queries) SaveEmployee(ctx context.Context, e benefits.Employee) error {
	query := `
		INSERT INTO employees (id, name, level_id, marriage_status_id, department, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			level_id = excluded.level_id,
			marriage_status_id = excluded.marriage_status_id,
			department = excluded.department
	`
	_, err := s.q.ExecContext(ctx, query,
		e.ID, e.Name, e.LevelID, nullMarriage(e.MarriageStatusID), nullString(e.Department), formatTime(s.now()))
	if err != nil {
		return fmt.Errorf("failed to save employee %s: %w", e.ID, err)
	}
	return nil
}

func (s *queries) GetEmployee(ctx context.Context, id generic.EntityID) (*benefits.Employee, error) {
	row := s.q.QueryRowContext(ctx,
		"SELECT id, name, level_id, marriage_status_id, department FROM employees WHERE id = ?", id)
	e, err := scanEmployee(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &e, nil
}

func (s *queries) ListEmployees(ctx context.Context) ([]benefits.Employee, error) {
	rows, err := s.q.QueryContext(ctx,
		"SELECT id, name, level_id, marriage_status_id, department FROM employees ORDER BY id")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var employees []benefits.Employee
	for rows.Next() {
		e, err := scanEmployee(rows)
		if err != nil {
			return nil, err
		}
		employees = append(employees, e)
	}
	return employees, rows.Err()
}

func scanEmployee(row scanner) (benefits.Employee, error) {
	var (
		e          benefits.Employee
		marriage   sql.NullString
		department sql.NullString
	)
	if err := row.Scan(&e.ID, &e.Name, &e.LevelID, &marriage, &department); err != nil {
		return e, err
	}
	e.MarriageStatusID = parseMarriage(marriage)
	e.Department = department.String
	return e, nil
}

// =============================================================================
// BENEFIT TYPES
// =============================================================================

func (s *queries) SaveBenefitType(ctx context.Context, bt benefits.BenefitType) error {
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO benefit_types (id, name) VALUES (?, ?)
		ON CONFLICT(id) DO UPDATE SET name = excluded.name`,
		bt.ID, bt.Name)
	if err != nil {
		return fmt.Errorf("failed to save benefit type %s: %w", bt.ID, err)
	}
	return nil
}

func (s *queries) GetBenefitType(ctx context.Context, id benefits.BenefitTypeID) (*benefits.BenefitType, error) {
	var bt benefits.BenefitType
	err := s.q.QueryRowContext(ctx, "SELECT id, name FROM benefit_types WHERE id = ?", id).Scan(&bt.ID, &bt.Name)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &bt, nil
}

func (s *queries) ListBenefitTypes(ctx context.Context) ([]benefits.BenefitType, error) {
	rows, err := s.q.QueryContext(ctx, "SELECT id, name FROM benefit_types ORDER BY id")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var types []benefits.BenefitType
	for rows.Next() {
		var bt benefits.BenefitType
		if err := rows.Scan(&bt.ID, &bt.Name); err != nil {
			return nil, err
		}
		types = append(types, bt)
	}
	return types, rows.Err()
}

// =============================================================================
// BUDGETS
// =============================================================================

const budgetColumns = `id, benefit_type_id, level_id, marriage_status_id, year, amount`

// SaveBudget upserts by id. The cohort index rejects a second envelope for
// the same (type, level, marriage status, year).
func (s *queries) SaveBudget(ctx context.Context, b benefits.Budget) error {
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO benefit_budgets (`+budgetColumns+`)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			benefit_type_id = excluded.benefit_type_id,
			level_id = excluded.level_id,
			marriage_status_id = excluded.marriage_status_id,
			year = excluded.year,
			amount = excluded.amount`,
		b.ID, b.BenefitTypeID, b.LevelID, nullMarriage(b.MarriageStatusID), b.Year,
		b.Amount.StringFixed(generic.AmountPlaces))
	if err != nil {
		if isUniqueConstraintError(err) {
			return fmt.Errorf("%w: %s", benefits.ErrDuplicateBudget, b.ID)
		}
		return fmt.Errorf("failed to save budget %s: %w", b.ID, err)
	}
	return nil
}

func (s *queries) GetBudget(ctx context.Context, id generic.BudgetID) (*benefits.Budget, error) {
	row := s.q.QueryRowContext(ctx, "SELECT "+budgetColumns+" FROM benefit_budgets WHERE id = ?", id)
	return optionalBudget(scanBudget(row))
}

// FindBudget matches the cohort with NULL-aware marriage status equality.
func (s *queries) FindBudget(ctx context.Context, q benefits.BudgetQuery) (*benefits.Budget, error) {
	marriage := nullMarriage(q.MarriageStatusID)
	row := s.q.QueryRowContext(ctx, `SELECT `+budgetColumns+`
		FROM benefit_budgets
		WHERE benefit_type_id = ? AND level_id = ? AND year = ?
		  AND ((? IS NULL AND marriage_status_id IS NULL) OR marriage_status_id = ?)
		LIMIT 1`,
		q.BenefitTypeID, q.LevelID, q.Year, marriage, marriage)
	return optionalBudget(scanBudget(row))
}

func (s *queries) ListBudgets(ctx context.Context, year int) ([]benefits.Budget, error) {
	query := "SELECT " + budgetColumns + " FROM benefit_budgets"
	var args []any
	if year > 0 {
		query += " WHERE year = ?"
		args = append(args, year)
	}
	query += " ORDER BY id"

	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var budgets []benefits.Budget
	for rows.Next() {
		b, err := scanBudget(rows)
		if err != nil {
			return nil, err
		}
		budgets = append(budgets, b)
	}
	return budgets, rows.Err()
}

func scanBudget(row scanner) (benefits.Budget, error) {
	var (
		b        benefits.Budget
		marriage sql.NullString
		amount   string
	)
	if err := row.Scan(&b.ID, &b.BenefitTypeID, &b.LevelID, &marriage, &b.Year, &amount); err != nil {
		return b, err
	}
	b.MarriageStatusID = parseMarriage(marriage)
	b.Amount = generic.MustParseAmount(amount)
	return b, nil
}

func optionalBudget(b benefits.Budget, err error) (*benefits.Budget, error) {
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &b, nil
}

// =============================================================================
// CLAIMS
// =============================================================================

const claimColumns = `id, employee_id, benefit_type_id, amount, claim_date, status, description,
	created_at, updated_at, deleted_at`

func (s *queries) SaveClaim(ctx context.Context, c benefits.Claim) error {
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO benefit_claims (`+claimColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			benefit_type_id = excluded.benefit_type_id,
			amount = excluded.amount,
			claim_date = excluded.claim_date,
			status = excluded.status,
			description = excluded.description,
			updated_at = excluded.updated_at,
			deleted_at = excluded.deleted_at`,
		c.ID, c.EmployeeID, c.BenefitTypeID,
		generic.RoundAmount(c.Amount).StringFixed(generic.AmountPlaces),
		c.ClaimDate.Format(time.DateOnly), c.Status, nullString(c.Description),
		formatTime(c.CreatedAt), formatTime(c.UpdatedAt), formatNullTime(c.DeletedAt))
	if err != nil {
		return fmt.Errorf("failed to save claim %s: %w", c.ID, err)
	}
	return nil
}

// GetClaim returns soft-deleted rows too; callers decide visibility.
func (s *queries) GetClaim(ctx context.Context, id benefits.ClaimID) (*benefits.Claim, error) {
	row := s.q.QueryRowContext(ctx, "SELECT "+claimColumns+" FROM benefit_claims WHERE id = ?", id)
	c, err := scanClaim(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *queries) ListClaims(ctx context.Context, filter benefits.ClaimFilter) ([]benefits.Claim, error) {
	var (
		conds []string
		args  []any
	)
	if !filter.IncludeDeleted {
		conds = append(conds, "deleted_at IS NULL")
	}
	if filter.EmployeeID != nil {
		conds = append(conds, "employee_id = ?")
		args = append(args, *filter.EmployeeID)
	}
	if filter.BenefitTypeID != nil {
		conds = append(conds, "benefit_type_id = ?")
		args = append(args, *filter.BenefitTypeID)
	}
	if filter.Status != nil {
		conds = append(conds, "status = ?")
		args = append(args, *filter.Status)
	}
	if filter.From != nil {
		conds = append(conds, "claim_date >= ?")
		args = append(args, filter.From.Format(time.DateOnly))
	}
	if filter.To != nil {
		conds = append(conds, "claim_date <= ?")
		args = append(args, filter.To.Format(time.DateOnly))
	}

	query := "SELECT " + claimColumns + " FROM benefit_claims"
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = -1
	}
	query += " ORDER BY created_at DESC, id ASC LIMIT ? OFFSET ?"
	args = append(args, limit, filter.Offset)

	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list claims: %w", err)
	}
	defer rows.Close()

	var claims []benefits.Claim
	for rows.Next() {
		c, err := scanClaim(rows)
		if err != nil {
			return nil, err
		}
		claims = append(claims, c)
	}
	return claims, rows.Err()
}

// DeleteClaim hard-deletes the row.
func (s *queries) DeleteClaim(ctx context.Context, id benefits.ClaimID) error {
	res, err := s.q.ExecContext(ctx, "DELETE FROM benefit_claims WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("failed to delete claim %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", benefits.ErrClaimNotFound, id)
	}
	return nil
}

func scanClaim(row scanner) (benefits.Claim, error) {
	var (
		c                    benefits.Claim
		amount, claimDate    string
		description          sql.NullString
		createdAt, updatedAt string
		deletedAt            sql.NullString
	)
	err := row.Scan(&c.ID, &c.EmployeeID, &c.BenefitTypeID, &amount, &claimDate, &c.Status,
		&description, &createdAt, &updatedAt, &deletedAt)
	if err != nil {
		return c, err
	}
	c.Amount = generic.MustParseAmount(amount)
	c.ClaimDate, _ = time.Parse(time.DateOnly, claimDate)
	c.Description = description.String
	c.CreatedAt = parseTime(createdAt)
	c.UpdatedAt = parseTime(updatedAt)
	c.DeletedAt = parseNullTime(deletedAt)
	return c, nil
}

// =============================================================================
// RECONCILIATION OUTBOX
// =============================================================================

const failureColumns = `id, claim_id, employee_id, amount, status, transition, error, attempts,
	created_at, updated_at, resolved_at`

func (s *queries) SaveFailure(ctx context.Context, f benefits.ReconciliationFailure) error {
	if f.ID == "" {
		f.ID = uuid.NewString()
	}
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO reconciliation_failures (`+failureColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			amount = excluded.amount,
			status = excluded.status,
			transition = excluded.transition,
			error = excluded.error,
			attempts = excluded.attempts,
			updated_at = excluded.updated_at,
			resolved_at = excluded.resolved_at`,
		f.ID, f.ClaimID, f.EmployeeID, f.Amount.StringFixed(generic.AmountPlaces), f.Status,
		f.Transition, f.Error, f.Attempts, formatTime(f.CreatedAt), formatTime(f.UpdatedAt),
		formatNullTime(f.ResolvedAt))
	if err != nil {
		return fmt.Errorf("failed to save reconciliation failure for claim %s: %w", f.ClaimID, err)
	}
	return nil
}

func (s *queries) ListFailures(ctx context.Context, includeResolved bool) ([]benefits.ReconciliationFailure, error) {
	query := "SELECT " + failureColumns + " FROM reconciliation_failures"
	if !includeResolved {
		query += " WHERE resolved_at IS NULL"
	}
	query += " ORDER BY created_at ASC, id ASC"

	rows, err := s.q.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list reconciliation failures: %w", err)
	}
	defer rows.Close()

	var failures []benefits.ReconciliationFailure
	for rows.Next() {
		var (
			f                    benefits.ReconciliationFailure
			amount               string
			createdAt, updatedAt string
			resolvedAt           sql.NullString
		)
		if err := rows.Scan(&f.ID, &f.ClaimID, &f.EmployeeID, &amount, &f.Status, &f.Transition,
			&f.Error, &f.Attempts, &createdAt, &updatedAt, &resolvedAt); err != nil {
			return nil, err
		}
		f.Amount = generic.MustParseAmount(amount)
		f.CreatedAt = parseTime(createdAt)
		f.UpdatedAt = parseTime(updatedAt)
		f.ResolvedAt = parseNullTime(resolvedAt)
		failures = append(failures, f)
	}
	return failures, rows.Err()
}

func nullMarriage(id *benefits.MarriageStatusID) sql.NullString {
	if id == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: string(*id), Valid: true}
}

func parseMarriage(s sql.NullString) *benefits.MarriageStatusID {
	if !s.Valid {
		return nil
	}
	id := benefits.MarriageStatusID(s.String)
	return &id
}
