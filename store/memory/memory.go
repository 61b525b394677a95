// Package memory provides an in-memory benefits.UnitOfWork for tests,
// demos and the --db=:memory: server mode.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/warp/benefits-engine/benefits"
	"github.com/warp/benefits-engine/generic"
)

// =============================================================================
// MEMORY STORE
// =============================================================================

// Memory keeps every table in maps behind one RWMutex. WithTx holds the
// write lock for the whole unit of work and restores a snapshot on error.
type Memory struct {
	view
	mu sync.RWMutex
}

type state struct {
	employees    map[generic.EntityID]benefits.Employee
	benefitTypes map[benefits.BenefitTypeID]benefits.BenefitType
	budgets      map[generic.BudgetID]benefits.Budget
	balances     map[generic.BalanceKey]generic.BalanceRecord
	transactions []generic.Transaction
	idempotency  map[string]bool
	seq          int64
	claims       map[benefits.ClaimID]benefits.Claim
	failures     map[string]benefits.ReconciliationFailure
}

func New() *Memory {
	m := &Memory{}
	m.view = view{
		s:     newState(),
		now:   func() time.Time { return time.Now().UTC() },
		read:  func() func() { m.mu.RLock(); return m.mu.RUnlock },
		write: func() func() { m.mu.Lock(); return m.mu.Unlock },
	}
	return m
}

func newState() *state {
	return &state{
		employees:    make(map[generic.EntityID]benefits.Employee),
		benefitTypes: make(map[benefits.BenefitTypeID]benefits.BenefitType),
		budgets:      make(map[generic.BudgetID]benefits.Budget),
		balances:     make(map[generic.BalanceKey]generic.BalanceRecord),
		idempotency:  make(map[string]bool),
		claims:       make(map[benefits.ClaimID]benefits.Claim),
		failures:     make(map[string]benefits.ReconciliationFailure),
	}
}

// Reset drops all data.
func (m *Memory) Reset(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	*m.s = *newState()
	return nil
}

// SetClock overrides the timestamp source. Tests only.
func (m *Memory) SetClock(now func() time.Time) {
	m.now = now
}

// WithTx executes fn within a transaction.
// For memory store, this is simulated with a snapshot + rollback on error.
func (m *Memory) WithTx(ctx context.Context, fn func(tx benefits.Repository) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	snap := m.s.clone()
	tx := &view{s: m.s, now: m.now, read: noLock, write: noLock}
	if err := fn(tx); err != nil {
		*m.s = *snap
		return err
	}
	return nil
}

func (s *state) clone() *state {
	c := &state{
		employees:    make(map[generic.EntityID]benefits.Employee, len(s.employees)),
		benefitTypes: make(map[benefits.BenefitTypeID]benefits.BenefitType, len(s.benefitTypes)),
		budgets:      make(map[generic.BudgetID]benefits.Budget, len(s.budgets)),
		balances:     make(map[generic.BalanceKey]generic.BalanceRecord, len(s.balances)),
		transactions: append([]generic.Transaction(nil), s.transactions...),
		idempotency:  make(map[string]bool, len(s.idempotency)),
		seq:          s.seq,
		claims:       make(map[benefits.ClaimID]benefits.Claim, len(s.claims)),
		failures:     make(map[string]benefits.ReconciliationFailure, len(s.failures)),
	}
	for k, v := range s.employees {
		c.employees[k] = v
	}
	for k, v := range s.benefitTypes {
		c.benefitTypes[k] = v
	}
	for k, v := range s.budgets {
		c.budgets[k] = v
	}
	for k, v := range s.balances {
		c.balances[k] = v
	}
	for k, v := range s.idempotency {
		c.idempotency[k] = v
	}
	for k, v := range s.claims {
		c.claims[k] = v
	}
	for k, v := range s.failures {
		c.failures[k] = v
	}
	return c
}

func noLock() func() { return func() {} }

// =============================================================================
// VIEW - shared by the store and its transactions
// =============================================================================

// view implements benefits.Repository over a state. The top-level store
// locks around each call; a transaction view runs under the lock WithTx
// already holds.
type view struct {
	s     *state
	now   func() time.Time
	read  func() func()
	write func() func()
}

var _ benefits.UnitOfWork = (*Memory)(nil)

// --- Ledger ---

func (v *view) AppendTransaction(_ context.Context, tx generic.Transaction) (generic.Transaction, error) {
	defer v.write()()
	if tx.IdempotencyKey != "" && v.s.idempotency[tx.IdempotencyKey] {
		return generic.Transaction{}, generic.ErrDuplicateIdempotencyKey
	}
	v.s.seq++
	tx.Seq = v.s.seq
	v.s.transactions = append(v.s.transactions, tx)
	if tx.IdempotencyKey != "" {
		v.s.idempotency[tx.IdempotencyKey] = true
	}
	return tx, nil
}

func (v *view) LoadTransactions(_ context.Context, key generic.BalanceKey) ([]generic.Transaction, error) {
	defer v.read()()
	var result []generic.Transaction
	for _, tx := range v.s.transactions {
		if tx.Key() == key {
			result = append(result, tx)
		}
	}
	sortTransactions(result, false)
	return result, nil
}

func (v *view) QueryTransactions(_ context.Context, filter generic.HistoryFilter) ([]generic.Transaction, int, error) {
	defer v.read()()
	var matched []generic.Transaction
	for _, tx := range v.s.transactions {
		if filter.Matches(tx) {
			matched = append(matched, tx)
		}
	}
	sortTransactions(matched, filter.Descending)
	return paginate(matched, filter.Offset, filter.Limit), len(matched), nil
}

func (v *view) TransactionExists(_ context.Context, idempotencyKey string) (bool, error) {
	defer v.read()()
	return v.s.idempotency[idempotencyKey], nil
}

func sortTransactions(txs []generic.Transaction, desc bool) {
	sort.SliceStable(txs, func(i, j int) bool {
		a, b := txs[i], txs[j]
		if desc {
			a, b = b, a
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.Seq < b.Seq
	})
}

func paginate[T any](items []T, offset, limit int) []T {
	if offset >= len(items) {
		return nil
	}
	if offset > 0 {
		items = items[offset:]
	}
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}

// --- Balances ---

func (v *view) GetBalance(_ context.Context, key generic.BalanceKey) (*generic.BalanceRecord, error) {
	defer v.read()()
	rec, ok := v.s.balances[key]
	if !ok {
		return nil, nil
	}
	return &rec, nil
}

func (v *view) CreateBalance(_ context.Context, key generic.BalanceKey, initial decimal.Decimal) (generic.BalanceRecord, error) {
	defer v.write()()
	if rec, ok := v.s.balances[key]; ok {
		return rec, nil
	}
	now := v.now()
	rec := generic.BalanceRecord{
		Key:            key,
		CurrentBalance: generic.RoundAmount(initial),
		Version:        1,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	v.s.balances[key] = rec
	return rec, nil
}

func (v *view) UpdateBalance(_ context.Context, key generic.BalanceKey, balance decimal.Decimal, expectedVersion int64) (generic.BalanceRecord, error) {
	defer v.write()()
	rec, ok := v.s.balances[key]
	if !ok {
		return generic.BalanceRecord{}, fmt.Errorf("%w: %s", generic.ErrBalanceNotFound, key)
	}
	if rec.Version != expectedVersion {
		return generic.BalanceRecord{}, fmt.Errorf("%w: %s at version %d, expected %d",
			generic.ErrConcurrentModification, key, rec.Version, expectedVersion)
	}
	rec.CurrentBalance = generic.RoundAmount(balance)
	rec.Version++
	rec.UpdatedAt = v.now()
	v.s.balances[key] = rec
	return rec, nil
}

func (v *view) ListBalances(_ context.Context, filter generic.BalanceFilter) ([]generic.BalanceRecord, error) {
	defer v.read()()
	var result []generic.BalanceRecord
	for k, rec := range v.s.balances {
		if filter.EntityID != nil && k.EntityID != *filter.EntityID {
			continue
		}
		if filter.BudgetID != nil && k.BudgetID != *filter.BudgetID {
			continue
		}
		result = append(result, rec)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Key.Less(result[j].Key) })
	return result, nil
}

// --- Employees and benefit types ---

func (v *view) GetEmployee(_ context.Context, id generic.EntityID) (*benefits.Employee, error) {
	defer v.read()()
	e, ok := v.s.employees[id]
	if !ok {
		return nil, nil
	}
	return &e, nil
}

func (v *view) ListEmployees(_ context.Context) ([]benefits.Employee, error) {
	defer v.read()()
	result := make([]benefits.Employee, 0, len(v.s.employees))
	for _, e := range v.s.employees {
		result = append(result, e)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

func (v *view) SaveEmployee(_ context.Context, e benefits.Employee) error {
	defer v.write()()
	v.s.employees[e.ID] = e
	return nil
}

func (v *view) GetBenefitType(_ context.Context, id benefits.BenefitTypeID) (*benefits.BenefitType, error) {
	defer v.read()()
	bt, ok := v.s.benefitTypes[id]
	if !ok {
		return nil, nil
	}
	return &bt, nil
}

func (v *view) ListBenefitTypes(_ context.Context) ([]benefits.BenefitType, error) {
	defer v.read()()
	result := make([]benefits.BenefitType, 0, len(v.s.benefitTypes))
	for _, bt := range v.s.benefitTypes {
		result = append(result, bt)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

func (v *view) SaveBenefitType(_ context.Context, bt benefits.BenefitType) error {
	defer v.write()()
	v.s.benefitTypes[bt.ID] = bt
	return nil
}

// --- Budgets ---

func (v *view) GetBudget(_ context.Context, id generic.BudgetID) (*benefits.Budget, error) {
	defer v.read()()
	b, ok := v.s.budgets[id]
	if !ok {
		return nil, nil
	}
	return &b, nil
}

func (v *view) FindBudget(_ context.Context, q benefits.BudgetQuery) (*benefits.Budget, error) {
	defer v.read()()
	for _, b := range v.s.budgets {
		if q.Matches(b) {
			return &b, nil
		}
	}
	return nil, nil
}

func (v *view) ListBudgets(_ context.Context, year int) ([]benefits.Budget, error) {
	defer v.read()()
	var result []benefits.Budget
	for _, b := range v.s.budgets {
		if year > 0 && b.Year != year {
			continue
		}
		result = append(result, b)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

func (v *view) SaveBudget(_ context.Context, b benefits.Budget) error {
	defer v.write()()
	q := benefits.BudgetQuery{BenefitTypeID: b.BenefitTypeID, LevelID: b.LevelID, MarriageStatusID: b.MarriageStatusID, Year: b.Year}
	for id, existing := range v.s.budgets {
		if id != b.ID && q.Matches(existing) {
			return fmt.Errorf("%w: %s conflicts with %s", benefits.ErrDuplicateBudget, b.ID, id)
		}
	}
	b.Amount = generic.RoundAmount(b.Amount)
	v.s.budgets[b.ID] = b
	return nil
}

// --- Claims ---

func (v *view) GetClaim(_ context.Context, id benefits.ClaimID) (*benefits.Claim, error) {
	defer v.read()()
	c, ok := v.s.claims[id]
	if !ok {
		return nil, nil
	}
	return &c, nil
}

func (v *view) ListClaims(_ context.Context, filter benefits.ClaimFilter) ([]benefits.Claim, error) {
	defer v.read()()
	var result []benefits.Claim
	for _, c := range v.s.claims {
		if filter.Matches(c) {
			result = append(result, c)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if !result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].CreatedAt.After(result[j].CreatedAt)
		}
		return result[i].ID < result[j].ID
	})
	return paginate(result, filter.Offset, filter.Limit), nil
}

func (v *view) SaveClaim(_ context.Context, c benefits.Claim) error {
	defer v.write()()
	c.Amount = generic.RoundAmount(c.Amount)
	v.s.claims[c.ID] = c
	return nil
}

func (v *view) DeleteClaim(_ context.Context, id benefits.ClaimID) error {
	defer v.write()()
	if _, ok := v.s.claims[id]; !ok {
		return fmt.Errorf("%w: %s", benefits.ErrClaimNotFound, id)
	}
	delete(v.s.claims, id)
	return nil
}

// --- Reconciliation failures ---

func (v *view) SaveFailure(_ context.Context, f benefits.ReconciliationFailure) error {
	defer v.write()()
	if f.ID == "" {
		f.ID = uuid.NewString()
	}
	v.s.failures[f.ID] = f
	return nil
}

func (v *view) ListFailures(_ context.Context, includeResolved bool) ([]benefits.ReconciliationFailure, error) {
	defer v.read()()
	var result []benefits.ReconciliationFailure
	for _, f := range v.s.failures {
		if !includeResolved && f.ResolvedAt != nil {
			continue
		}
		result = append(result, f)
	}
	sort.Slice(result, func(i, j int) bool {
		if !result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].CreatedAt.Before(result[j].CreatedAt)
		}
		return result[i].ID < result[j].ID
	})
	return result, nil
}
