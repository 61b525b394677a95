/*
Package reports builds read-only summaries over claims, budgets and the
balance ledger.

PURPOSE:
  Each report kind is a pure generator selected from a lookup table. The
  Service in front of the table caches results by kind and a hash of the
  parameters for a fixed TTL. Cached reports are not invalidated when
  claims change; they are best-effort fresh. Balances themselves are never
  served from this cache.

KINDS:
  claims_summary      Claim counts and amounts by benefit type and status
  utilization         Budget consumption per envelope
  budget_vs_actual    Allocated budget against approved claims per type
  employee_statement  One employee's balances, ledger and claims for a year

SEE ALSO:
  - generators.go: The generator functions
  - cache.go: Cache port and the expirable LRU adapter
*/
package reports

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/warp/benefits-engine/benefits"
	"github.com/warp/benefits-engine/generic"
)

// ErrUnknownKind is returned for a report kind with no generator.
var ErrUnknownKind = errors.New("unknown report kind")

// ErrMissingParam is returned when a generator needs a parameter that is empty.
var ErrMissingParam = errors.New("missing report parameter")

type Kind string

const (
	KindClaimsSummary     Kind = "claims_summary"
	KindUtilization       Kind = "utilization"
	KindBudgetVsActual    Kind = "budget_vs_actual"
	KindEmployeeStatement Kind = "employee_statement"
)

// Params narrows a report. Zero values don't filter. Field order is part of
// the cache key.
type Params struct {
	Year          int    `json:"year,omitempty"`
	EmployeeID    string `json:"employee_id,omitempty"`
	BenefitTypeID string `json:"benefit_type_id,omitempty"`
	Department    string `json:"department,omitempty"`
}

// Source is the read side of the repository the generators use.
type Source interface {
	ListEmployees(ctx context.Context) ([]benefits.Employee, error)
	GetEmployee(ctx context.Context, id generic.EntityID) (*benefits.Employee, error)
	ListBenefitTypes(ctx context.Context) ([]benefits.BenefitType, error)
	ListBudgets(ctx context.Context, year int) ([]benefits.Budget, error)
	ListBalances(ctx context.Context, filter generic.BalanceFilter) ([]generic.BalanceRecord, error)
	ListClaims(ctx context.Context, filter benefits.ClaimFilter) ([]benefits.Claim, error)
	QueryTransactions(ctx context.Context, filter generic.HistoryFilter) ([]generic.Transaction, int, error)
}

// Generator builds one report kind. Generators must not write.
type Generator func(ctx context.Context, src Source, p Params) (any, error)

var generators = map[Kind]Generator{
	KindClaimsSummary:     claimsSummary,
	KindUtilization:       utilization,
	KindBudgetVsActual:    budgetVsActual,
	KindEmployeeStatement: employeeStatement,
}

// Kinds lists the available report kinds in name order.
func Kinds() []Kind {
	kinds := make([]Kind, 0, len(generators))
	for k := range generators {
		kinds = append(kinds, k)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return kinds
}

// =============================================================================
// SERVICE
// =============================================================================

type Report struct {
	Kind        Kind      `json:"kind"`
	Params      Params    `json:"params"`
	GeneratedAt time.Time `json:"generated_at"`
	Cached      bool      `json:"cached"`
	Data        any       `json:"data"`
}

type Service struct {
	Source Source
	Cache  Cache // nil disables caching
	Logger *slog.Logger
	Now    func() time.Time
}

func NewService(src Source, cache Cache, logger *slog.Logger) *Service {
	return &Service{Source: src, Cache: cache, Logger: logger, Now: func() time.Time { return time.Now().UTC() }}
}

// Generate returns the cached report for (kind, params) or builds it.
func (s *Service) Generate(ctx context.Context, kind Kind, p Params) (Report, error) {
	gen, ok := generators[kind]
	if !ok {
		return Report{}, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}

	key, err := CacheKey(kind, p)
	if err != nil {
		return Report{}, err
	}
	if s.Cache != nil {
		if r, ok := s.Cache.Get(key); ok {
			r.Cached = true
			return r, nil
		}
	}

	start := time.Now()
	data, err := gen(ctx, s.Source, p)
	if err != nil {
		return Report{}, fmt.Errorf("generate %s report: %w", kind, err)
	}
	r := Report{Kind: kind, Params: p, GeneratedAt: s.Now(), Data: data}
	if s.Cache != nil {
		s.Cache.Add(key, r)
	}
	s.logger().Debug("report generated", "kind", kind, "key", key, "duration", time.Since(start))
	return r, nil
}

// CacheKey is kind:sha256(json(params)).
func CacheKey(kind Kind, p Params) (string, error) {
	raw, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("hash report params: %w", err)
	}
	sum := sha256.Sum256(raw)
	return string(kind) + ":" + hex.EncodeToString(sum[:]), nil
}

func (s *Service) logger() *slog.Logger {
	if s.Logger == nil {
		return slog.Default()
	}
	return s.Logger
}
