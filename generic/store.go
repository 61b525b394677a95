/*
store.go - Persistence interface for ledger rows and running balances

PURPOSE:
  Defines the interface between the engine and the database. The ledger
  side is append-only; the balance side is a versioned single row per key.
  Different implementations can use SQLite or in-memory storage.

KEY INTERFACES:
  LedgerStore:  Append-only transaction persistence (append, load, query)
  BalanceStore: Running balance rows with optimistic versioning
  Store:        Both of the above, the unit a posting operates on

APPEND-ONLY CONTRACT:
  LedgerStore has NO Update() or Delete() methods. Corrections are new
  debit/credit rows.

OPTIMISTIC VERSIONING:
  UpdateBalance(key, newBalance, expectedVersion) succeeds only when the
  stored version still equals expectedVersion. A stale read returns
  ErrConcurrentModification and the caller retries the whole unit of work.

IMPLEMENTATIONS:
  - store/sqlite: Production SQLite
  - store/memory: In-memory for tests and demos

SEE ALSO:
  - ledger.go: Higher-level ledger using LedgerStore
  - balance.go: ApplyDelta / RecomputeFromLedger using Store
*/
package generic

import (
	"context"

	"github.com/shopspring/decimal"
)

// =============================================================================
// LEDGER STORE - Append-only
// =============================================================================

// LedgerStore handles persistence of transactions.
// IMPORTANT: LedgerStore is APPEND-ONLY. No Update, No Delete. Ever.
type LedgerStore interface {
	// AppendTransaction persists a transaction and returns it with the
	// store-assigned Seq. Returns ErrDuplicateIdempotencyKey if the key exists.
	AppendTransaction(ctx context.Context, tx Transaction) (Transaction, error)

	// LoadTransactions returns all transactions for a key ordered by
	// CreatedAt, then Seq.
	LoadTransactions(ctx context.Context, key BalanceKey) ([]Transaction, error)

	// QueryTransactions returns one page of transactions matching the filter
	// plus the total number of matches.
	QueryTransactions(ctx context.Context, filter HistoryFilter) ([]Transaction, int, error)

	// TransactionExists checks if an idempotency key already exists.
	TransactionExists(ctx context.Context, idempotencyKey string) (bool, error)
}

// =============================================================================
// BALANCE STORE - Versioned running balances
// =============================================================================

type BalanceFilter struct {
	EntityID *EntityID
	BudgetID *BudgetID
}

// BalanceStore handles the running balance rows.
type BalanceStore interface {
	// GetBalance returns the balance row, or nil if it doesn't exist.
	GetBalance(ctx context.Context, key BalanceKey) (*BalanceRecord, error)

	// CreateBalance inserts a new balance row at version 1. Returns the
	// existing row unchanged if one is already present.
	CreateBalance(ctx context.Context, key BalanceKey, initial decimal.Decimal) (BalanceRecord, error)

	// UpdateBalance writes a new balance if the stored version matches.
	UpdateBalance(ctx context.Context, key BalanceKey, balance decimal.Decimal, expectedVersion int64) (BalanceRecord, error)

	// ListBalances returns balance rows ordered by entity, then budget.
	ListBalances(ctx context.Context, filter BalanceFilter) ([]BalanceRecord, error)
}

// Store is what a posting needs: both halves, usually bound to one
// database transaction.
type Store interface {
	LedgerStore
	BalanceStore
}
