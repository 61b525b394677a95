/*
Package sqlite provides a SQLite-backed implementation of benefits.UnitOfWork.

PURPOSE:
  Persists reference data (employees, benefit types, budgets), claims, the
  running balances, the append-only transaction ledger and the
  reconciliation outbox in one SQLite file. In production the same shape
  maps onto PostgreSQL with minor dialect changes.

APPEND-ONLY ENFORCEMENT:
  balance_transactions is only ever INSERTed into. There are no UPDATE or
  DELETE statements against it. Corrections are new rows.

KEY TABLES:
  employees, benefit_types:     Reference data
  benefit_budgets:              One envelope per (type, level, marriage, year)
  employee_benefit_balances:    Running balance per (employee, budget), versioned
  balance_transactions:         Immutable ledger
  benefit_claims:               Claims with soft-delete column
  reconciliation_failures:      Outbox for ledger actions that could not run

CONCURRENCY:
  The pool is capped at one connection and transactions begin IMMEDIATE,
  so writers are serialized by the database itself. Code running inside
  WithTx must only use the tx handle it is given: touching the Store from
  inside a transaction would wait for the connection the transaction holds.

WAL MODE:
  File databases are opened in WAL mode with a busy timeout.

USAGE:
  store, err := sqlite.New("./data/benefits.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

MIGRATION:
  Schema is auto-migrated on New(). For production, use a proper
  migration tool (golang-migrate, goose) with versioned migrations.

SEE ALSO:
  - benefits/repository.go: Interface definitions
  - store/memory: In-memory implementation for tests
*/
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/warp/benefits-engine/benefits"
)

// Store implements benefits.UnitOfWork using SQLite.
type Store struct {
	queries
	db *sql.DB
}

var _ benefits.UnitOfWork = (*Store)(nil)

// queryer is satisfied by both *sql.DB and *sql.Tx.
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// queries holds every statement. The Store binds it to the pool, WithTx
// binds a copy to the open transaction.
type queries struct {
	q   queryer
	now func() time.Time
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	dsn := dbPath + "?_foreign_keys=on&_txlock=immediate&_busy_timeout=5000"
	if dbPath != ":memory:" {
		if dir := filepath.Dir(dbPath); dir != "." {
			if err := os.MkdirAll(dir, 0750); err != nil {
				return nil, fmt.Errorf("failed to create database directory: %w", err)
			}
		}
		dsn += "&_journal_mode=WAL"
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One connection: serializes writers and keeps a :memory: database alive.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	store := &Store{
		queries: queries{q: db, now: func() time.Time { return time.Now().UTC() }},
		db:      db,
	}
	if err := store.migrate(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate creates the database schema.
func (s *Store) migrate(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS employees (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		level_id TEXT NOT NULL,
		marriage_status_id TEXT,
		department TEXT,
		created_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS benefit_types (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS benefit_budgets (
		id TEXT PRIMARY KEY,
		benefit_type_id TEXT NOT NULL REFERENCES benefit_types(id),
		level_id TEXT NOT NULL,
		marriage_status_id TEXT,
		year INTEGER NOT NULL,
		amount TEXT NOT NULL
	);

	-- At most one envelope per cohort. NULL marriage status is its own cohort.
	CREATE UNIQUE INDEX IF NOT EXISTS idx_budgets_cohort
		ON benefit_budgets(benefit_type_id, level_id, COALESCE(marriage_status_id, ''), year);
	CREATE INDEX IF NOT EXISTS idx_budgets_year
		ON benefit_budgets(year);

	CREATE TABLE IF NOT EXISTS employee_benefit_balances (
		employee_id TEXT NOT NULL REFERENCES employees(id),
		budget_id TEXT NOT NULL REFERENCES benefit_budgets(id),
		current_balance TEXT NOT NULL,
		version INTEGER NOT NULL DEFAULT 1,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		PRIMARY KEY (employee_id, budget_id)
	);

	-- Append-only ledger. seq breaks created_at ties in insertion order.
	CREATE TABLE IF NOT EXISTS balance_transactions (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		employee_id TEXT NOT NULL,
		budget_id TEXT NOT NULL,
		benefit_type_id TEXT NOT NULL,
		tx_type TEXT NOT NULL CHECK (tx_type IN ('debit', 'credit')),
		amount TEXT NOT NULL,
		balance_before TEXT NOT NULL,
		balance_after TEXT NOT NULL,
		reference_type TEXT NOT NULL,
		reference_id TEXT,
		description TEXT,
		processed_by TEXT,
		year INTEGER NOT NULL,
		idempotency_key TEXT UNIQUE,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_transactions_balance
		ON balance_transactions(employee_id, budget_id, created_at, seq);
	CREATE INDEX IF NOT EXISTS idx_transactions_reference
		ON balance_transactions(reference_type, reference_id) WHERE reference_id IS NOT NULL;
	CREATE INDEX IF NOT EXISTS idx_transactions_created
		ON balance_transactions(created_at);

	CREATE TABLE IF NOT EXISTS benefit_claims (
		id TEXT PRIMARY KEY,
		employee_id TEXT NOT NULL REFERENCES employees(id),
		benefit_type_id TEXT NOT NULL,
		amount TEXT NOT NULL,
		claim_date TEXT NOT NULL,
		status TEXT NOT NULL,
		description TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		deleted_at TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_claims_employee
		ON benefit_claims(employee_id, claim_date);
	CREATE INDEX IF NOT EXISTS idx_claims_status
		ON benefit_claims(status) WHERE deleted_at IS NULL;

	CREATE TABLE IF NOT EXISTS reconciliation_failures (
		id TEXT PRIMARY KEY,
		claim_id TEXT NOT NULL,
		employee_id TEXT NOT NULL,
		amount TEXT NOT NULL,
		status TEXT NOT NULL,
		transition TEXT NOT NULL,
		error TEXT NOT NULL,
		attempts INTEGER NOT NULL DEFAULT 1,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		resolved_at TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_failures_open
		ON reconciliation_failures(claim_id) WHERE resolved_at IS NULL;
	`
	_, err := s.db.ExecContext(ctx, schema)
	return err
}

// =============================================================================
// TRANSACTIONS (benefits.UnitOfWork)
// =============================================================================

// WithTx executes fn within a database transaction. The transaction is
// rolled back if fn returns an error.
func (s *Store) WithTx(ctx context.Context, fn func(tx benefits.Repository) error) error {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&queries{q: sqlTx, now: s.now}); err != nil {
		return err
	}
	return sqlTx.Commit()
}

// SetClock overrides the timestamp source. Tests only.
func (s *Store) SetClock(now func() time.Time) {
	s.now = now
}

// =============================================================================
// UTILITIES
// =============================================================================

// Reset clears all data (for testing/demo), children first.
func (s *Store) Reset(ctx context.Context) error {
	tables := []string{
		"reconciliation_failures",
		"balance_transactions",
		"benefit_claims",
		"employee_benefit_balances",
		"benefit_budgets",
		"benefit_types",
		"employees",
	}
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()
	for _, table := range tables {
		if _, err := sqlTx.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return fmt.Errorf("truncate %s: %w", table, err)
		}
	}
	return sqlTx.Commit()
}

// Helper functions

// timeLayout is fixed-width so text ordering in SQL matches time ordering.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		t, _ = time.Parse(time.RFC3339Nano, s)
	}
	return t.UTC()
}

func formatNullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func parseNullTime(s sql.NullString) *time.Time {
	if !s.Valid || s.String == "" {
		return nil
	}
	t := parseTime(s.String)
	return &t
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func isUniqueConstraintError(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
