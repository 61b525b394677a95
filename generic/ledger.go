/*
ledger.go - Append-only transaction log

PURPOSE:
  The Ledger is the immutable audit trail for all balance changes. Every
  claim debit, reversal credit and manual adjustment is recorded here with
  the balance before and after. The running balance row is a cache of the
  ledger: it can always be rebuilt by replaying transactions from the
  budget's base amount.

CRITICAL INVARIANTS:
  1. APPEND-ONLY: No Update, No Delete. EVER.
  2. IMMUTABLE: Once written, transactions cannot be modified
  3. AUDITABLE: Every balance change is traceable with full context
  4. IDEMPOTENT: Same idempotency key = same transaction (no duplicates)

TRANSACTION IDS:
  Generated as TXN-<yyyymmddhhmmss>-<8 hex chars>. The timestamp makes ids
  sortable by eye in support tickets; the random suffix keeps them unique
  across processes.

CORRECTIONS:
  A mistake is never edited. An opposite posting is appended instead and
  both remain in history.

SEE ALSO:
  - store.go: Low-level persistence interface
  - balance.go: Postings that write to the ledger
*/
package generic

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// =============================================================================
// HISTORY FILTER
// =============================================================================

// HistoryFilter selects ledger rows. Nil/zero fields don't filter.
type HistoryFilter struct {
	EntityID      *EntityID
	BudgetID      *BudgetID
	BenefitTypeID *string
	Type          *TransactionType
	ReferenceType *ReferenceType
	ReferenceID   *string
	Year          *int
	From          *time.Time // inclusive
	To            *time.Time // inclusive

	Descending bool
	Limit      int // 0 = no limit
	Offset     int
}

// Page is one page of history plus the unpaginated total.
type Page struct {
	Items  []Transaction
	Total  int
	Limit  int
	Offset int
}

// Matches reports whether tx passes the filter (pagination aside).
// Store implementations without a query language use this directly.
func (f HistoryFilter) Matches(tx Transaction) bool {
	switch {
	case f.EntityID != nil && tx.EntityID != *f.EntityID:
		return false
	case f.BudgetID != nil && tx.BudgetID != *f.BudgetID:
		return false
	case f.BenefitTypeID != nil && tx.BenefitTypeID != *f.BenefitTypeID:
		return false
	case f.Type != nil && tx.Type != *f.Type:
		return false
	case f.ReferenceType != nil && tx.ReferenceType != *f.ReferenceType:
		return false
	case f.ReferenceID != nil && tx.ReferenceID != *f.ReferenceID:
		return false
	case f.Year != nil && tx.Year != *f.Year:
		return false
	case f.From != nil && tx.CreatedAt.Before(*f.From):
		return false
	case f.To != nil && tx.CreatedAt.After(*f.To):
		return false
	}
	return true
}

// =============================================================================
// LEDGER
// =============================================================================

// Ledger is the recorder for balance changes. It is not a gate: it performs
// no business validation beyond shape checks.
type Ledger struct {
	Store LedgerStore
	Now   func() time.Time
}

func NewLedger(store LedgerStore) *Ledger {
	return &Ledger{Store: store, Now: func() time.Time { return time.Now().UTC() }}
}

// NewTransactionID builds a unique, timestamp-prefixed transaction id.
func NewTransactionID(at time.Time) TransactionID {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	return TransactionID(fmt.Sprintf("TXN-%s-%s", at.UTC().Format("20060102150405"), strings.ToUpper(suffix)))
}

// Append assigns the id and timestamp and persists the transaction.
func (l *Ledger) Append(ctx context.Context, tx Transaction) (Transaction, error) {
	if !tx.Type.Valid() {
		return Transaction{}, fmt.Errorf("%w: type %q", ErrInvalidTransaction, tx.Type)
	}
	if !tx.Amount.IsPositive() {
		return Transaction{}, fmt.Errorf("%w: %s", ErrInvalidAmount, tx.Amount)
	}
	if tx.IdempotencyKey != "" {
		exists, err := l.Store.TransactionExists(ctx, tx.IdempotencyKey)
		if err != nil {
			return Transaction{}, err
		}
		if exists {
			return Transaction{}, ErrDuplicateIdempotencyKey
		}
	}

	if tx.CreatedAt.IsZero() {
		tx.CreatedAt = l.Now()
	}
	if tx.ID == "" {
		tx.ID = NewTransactionID(tx.CreatedAt)
	}
	tx.Amount = RoundAmount(tx.Amount)
	tx.BalanceBefore = RoundAmount(tx.BalanceBefore)
	tx.BalanceAfter = RoundAmount(tx.BalanceAfter)

	return l.Store.AppendTransaction(ctx, tx)
}

// Transactions returns the full history of one balance in replay order.
func (l *Ledger) Transactions(ctx context.Context, key BalanceKey) ([]Transaction, error) {
	return l.Store.LoadTransactions(ctx, key)
}

// History returns a page of transactions ordered by CreatedAt ascending
// unless filter.Descending is set.
func (l *Ledger) History(ctx context.Context, filter HistoryFilter) (Page, error) {
	items, total, err := l.Store.QueryTransactions(ctx, filter)
	if err != nil {
		return Page{}, err
	}
	return Page{Items: items, Total: total, Limit: filter.Limit, Offset: filter.Offset}, nil
}

// ReferenceNet returns, per balance key, how much is currently debited on
// behalf of one reference (debits minus credits). Keys that net to zero
// are omitted.
func (l *Ledger) ReferenceNet(ctx context.Context, refType ReferenceType, refID string) (map[BalanceKey]decimal.Decimal, error) {
	items, _, err := l.Store.QueryTransactions(ctx, HistoryFilter{ReferenceType: &refType, ReferenceID: &refID})
	if err != nil {
		return nil, err
	}

	net := make(map[BalanceKey]decimal.Decimal)
	for _, tx := range items {
		net[tx.Key()] = net[tx.Key()].Sub(tx.Signed())
	}
	for k, v := range net {
		if v.IsZero() {
			delete(net, k)
		}
	}
	return net, nil
}

// ReferencePostings returns, per balance key, how many ledger rows one
// reference has. Posting idempotency keys are numbered from it.
func (l *Ledger) ReferencePostings(ctx context.Context, refType ReferenceType, refID string) (map[BalanceKey]int, error) {
	items, _, err := l.Store.QueryTransactions(ctx, HistoryFilter{ReferenceType: &refType, ReferenceID: &refID})
	if err != nil {
		return nil, err
	}
	counts := make(map[BalanceKey]int)
	for _, tx := range items {
		counts[tx.Key()]++
	}
	return counts, nil
}
