/*
Package generic provides the core balance ledger engine.

PURPOSE:
  This package contains domain-agnostic types and algorithms for keeping a
  running balance consistent with an append-only transaction history.
  Benefit claims, manual adjustments and recalculations all flow through
  the same primitives: post a debit or credit against a balance key, record
  it in the ledger, and replay the ledger when drift is suspected.

KEY CONCEPTS IN THIS FILE (types.go):
  - Amount helpers: decimal money rounded to 2 places
  - BalanceKey: (entity, budget) pair that owns a running balance
  - Transaction: An immutable ledger entry with before/after snapshots
  - BalanceRecord: The stored running balance with its version

DESIGN PRINCIPLES:
  1. Immutability: Transactions are never modified, only offset
  2. Precision: Uses decimal.Decimal to avoid floating-point errors
  3. Type Safety: Strong typing for IDs prevents mixing entity/budget IDs
  4. Auditability: Every transaction has description, reference, and actor

USAGE:
  rec, err := generic.ApplyDelta(ctx, store, generic.Posting{
      Key:    generic.BalanceKey{EntityID: "emp-1", BudgetID: "bud-health-2025"},
      Type:   generic.TxDebit,
      Amount: generic.NewAmount(200000),
  })

SEE ALSO:
  - ledger.go: Transaction persistence and history queries
  - balance.go: ApplyDelta and RecomputeFromLedger
  - lock.go: Per-key serialization
*/
package generic

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// AMOUNT - Money values, always 2 decimal places
// =============================================================================

// AmountPlaces is the number of decimal places money is stored with.
const AmountPlaces = 2

func NewAmount(value float64) decimal.Decimal {
	return decimal.NewFromFloat(value).Round(AmountPlaces)
}

func NewAmountFromInt(value int64) decimal.Decimal {
	return decimal.NewFromInt(value)
}

// RoundAmount normalizes a value to money precision.
func RoundAmount(d decimal.Decimal) decimal.Decimal {
	return d.Round(AmountPlaces)
}

// ParseAmount parses a decimal string and rounds it to money precision.
func ParseAmount(s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return decimal.Zero, fmt.Errorf("parse amount %q: %w", s, err)
	}
	return RoundAmount(d), nil
}

func MustParseAmount(s string) decimal.Decimal {
	d, err := ParseAmount(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

// =============================================================================
// IDENTIFIERS
// =============================================================================

type EntityID string
type BudgetID string
type TransactionID string

// BalanceKey identifies one running balance: an entity against one budget
// envelope. All balance mutations are serialized per key.
type BalanceKey struct {
	EntityID EntityID
	BudgetID BudgetID
}

func (k BalanceKey) String() string {
	return string(k.EntityID) + "/" + string(k.BudgetID)
}

// Less orders keys for deadlock-free multi-key locking.
func (k BalanceKey) Less(other BalanceKey) bool {
	if k.EntityID != other.EntityID {
		return k.EntityID < other.EntityID
	}
	return k.BudgetID < other.BudgetID
}

// =============================================================================
// TRANSACTION - Immutable record of a balance change
// =============================================================================

type TransactionType string

const (
	TxDebit  TransactionType = "debit"  // Reduces balance (claim approved)
	TxCredit TransactionType = "credit" // Increases balance (claim reversed, refund)
)

func (t TransactionType) Valid() bool {
	return t == TxDebit || t == TxCredit
}

type ReferenceType string

const (
	RefClaim      ReferenceType = "claim"
	RefAdjustment ReferenceType = "adjustment"
)

// Transaction is one ledger row. Amount is always positive; Type carries the
// direction. BalanceBefore/BalanceAfter snapshot the running balance around
// the posting.
type Transaction struct {
	ID            TransactionID
	Seq           int64 // Store-assigned insertion order, tie-breaker for CreatedAt
	EntityID      EntityID
	BudgetID      BudgetID
	BenefitTypeID string
	Type          TransactionType
	Amount        decimal.Decimal
	BalanceBefore decimal.Decimal
	BalanceAfter  decimal.Decimal
	ReferenceType ReferenceType
	ReferenceID   string
	Description   string
	ProcessedBy   string
	Year          int

	IdempotencyKey string
	CreatedAt      time.Time
}

// Key returns the balance this transaction belongs to.
func (t Transaction) Key() BalanceKey {
	return BalanceKey{EntityID: t.EntityID, BudgetID: t.BudgetID}
}

// Signed returns the effect on the balance: negative for debits.
func (t Transaction) Signed() decimal.Decimal {
	if t.Type == TxDebit {
		return t.Amount.Neg()
	}
	return t.Amount
}

// =============================================================================
// BALANCE RECORD - The stored running balance
// =============================================================================

// BalanceRecord is the persisted current balance for a key. Version is
// bumped on every write and used for optimistic concurrency control.
type BalanceRecord struct {
	Key            BalanceKey
	CurrentBalance decimal.Decimal
	Version        int64
	CreatedAt      time.Time
	UpdatedAt      time.Time
}
