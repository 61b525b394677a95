/*
balance.go - Posting to a running balance and replaying the ledger

PURPOSE:
  Two operations keep the running balance and the ledger in lockstep:

  ApplyDelta:          read balance -> compute after -> versioned write ->
                       append ledger row. Runs inside the caller's storage
                       transaction so both writes commit or neither does.
  RecomputeFromLedger: replay every ledger row for a key from the budget's
                       base amount. The result is authoritative.

CORE INVARIANT:
  current_balance == base + Σ(credits) − Σ(debits)

  ApplyDelta preserves it one posting at a time. RecomputeFromLedger is how
  it is checked and restored.

CHAIN CHECK:
  Each ledger row carries BalanceBefore/BalanceAfter. During replay the
  running total should equal each row's BalanceBefore. A mismatch means the
  balance row was written outside a posting at some point; replay reports
  those rows as chain breaks without changing the computed result.

CONCURRENCY:
  ApplyDelta does not lock. Callers hold the key's lock (lock.go) for the
  whole unit of work; the version check is the backstop across processes.

SEE ALSO:
  - store.go: Store interface
  - lock.go: KeyedMutex
*/
package generic

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
)

// =============================================================================
// POSTING
// =============================================================================

// Posting describes one balance change to apply.
type Posting struct {
	Key           BalanceKey
	BenefitTypeID string
	Year          int
	Type          TransactionType
	Amount        decimal.Decimal // Positive; direction comes from Type
	ReferenceType ReferenceType
	ReferenceID   string
	Description   string
	ProcessedBy   string

	IdempotencyKey string
}

func (p Posting) signed() decimal.Decimal {
	if p.Type == TxDebit {
		return p.Amount.Neg()
	}
	return p.Amount
}

// ApplyDelta posts to the running balance and records the ledger row.
// Returns ErrBalanceNotFound if the key has no balance row,
// ErrConcurrentModification if the row changed since it was read and
// ErrDuplicateIdempotencyKey, before any write, if p.IdempotencyKey is
// already in the ledger.
func ApplyDelta(ctx context.Context, store Store, p Posting) (Transaction, error) {
	if !p.Type.Valid() {
		return Transaction{}, fmt.Errorf("%w: type %q", ErrInvalidTransaction, p.Type)
	}
	amount := RoundAmount(p.Amount)
	if !amount.IsPositive() {
		return Transaction{}, fmt.Errorf("%w: %s", ErrInvalidAmount, p.Amount)
	}
	p.Amount = amount

	if p.IdempotencyKey != "" {
		exists, err := store.TransactionExists(ctx, p.IdempotencyKey)
		if err != nil {
			return Transaction{}, fmt.Errorf("check idempotency key: %w", err)
		}
		if exists {
			return Transaction{}, fmt.Errorf("%w: %s", ErrDuplicateIdempotencyKey, p.IdempotencyKey)
		}
	}

	rec, err := store.GetBalance(ctx, p.Key)
	if err != nil {
		return Transaction{}, fmt.Errorf("load balance %s: %w", p.Key, err)
	}
	if rec == nil {
		return Transaction{}, fmt.Errorf("%w: %s", ErrBalanceNotFound, p.Key)
	}

	before := rec.CurrentBalance
	after := before.Add(p.signed())

	if _, err := store.UpdateBalance(ctx, p.Key, after, rec.Version); err != nil {
		return Transaction{}, err
	}

	return NewLedger(store).Append(ctx, Transaction{
		EntityID:       p.Key.EntityID,
		BudgetID:       p.Key.BudgetID,
		BenefitTypeID:  p.BenefitTypeID,
		Type:           p.Type,
		Amount:         p.Amount,
		BalanceBefore:  before,
		BalanceAfter:   after,
		ReferenceType:  p.ReferenceType,
		ReferenceID:    p.ReferenceID,
		Description:    p.Description,
		ProcessedBy:    p.ProcessedBy,
		Year:           p.Year,
		IdempotencyKey: p.IdempotencyKey,
	})
}

// =============================================================================
// REPLAY
// =============================================================================

// ChainBreak is a ledger row whose BalanceBefore disagrees with the replayed
// running total.
type ChainBreak struct {
	TransactionID TransactionID
	Expected      decimal.Decimal
	Recorded      decimal.Decimal
}

// Replay is the result of recomputing a balance from its history.
type Replay struct {
	Key         BalanceKey
	Base        decimal.Decimal
	Balance     decimal.Decimal
	Credits     decimal.Decimal
	Debits      decimal.Decimal
	Entries     int
	ChainBreaks []ChainBreak
}

// ReplayTransactions folds txs (already in ledger order) onto base.
func ReplayTransactions(key BalanceKey, base decimal.Decimal, txs []Transaction) Replay {
	r := Replay{Key: key, Base: base, Balance: base, Credits: decimal.Zero, Debits: decimal.Zero}
	for _, tx := range txs {
		if !tx.BalanceBefore.Equal(r.Balance) {
			r.ChainBreaks = append(r.ChainBreaks, ChainBreak{
				TransactionID: tx.ID,
				Expected:      r.Balance,
				Recorded:      tx.BalanceBefore,
			})
		}
		switch tx.Type {
		case TxDebit:
			r.Debits = r.Debits.Add(tx.Amount)
		case TxCredit:
			r.Credits = r.Credits.Add(tx.Amount)
		}
		r.Balance = r.Balance.Add(tx.Signed())
		r.Entries++
	}
	r.Balance = RoundAmount(r.Balance)
	return r
}

// RecomputeFromLedger replays the full ledger for key starting at base.
// It is read-only and idempotent.
func RecomputeFromLedger(ctx context.Context, store LedgerStore, key BalanceKey, base decimal.Decimal) (Replay, error) {
	txs, err := NewLedger(store).Transactions(ctx, key)
	if err != nil {
		return Replay{}, fmt.Errorf("load ledger %s: %w", key, err)
	}
	return ReplayTransactions(key, base, txs), nil
}
