/*
Package factory turns YAML fixture definitions into benefits domain data.

PURPOSE:
  Lets demo and test data be described without code: benefit types,
  employees, budgets, which years to initialize balances for, and a list
  of claims. Claims go through the claim service so the ledger is built by
  the same path production uses.

YAML SCHEMA:
  id: health-basic
  name: Health Basic
  benefit_types:
    - {id: health, name: Health}
  employees:
    - {id: emp-001, name: Budi, level: "2", marriage_status: "1"}
  budgets:
    - {id: bud-1, benefit_type: health, level: "2", year: 2025, amount: "1000000.00"}
  initialize_years: [2025]
  claims:
    - {employee: emp-001, benefit_type: health, amount: "200000.00",
       date: "2025-03-10", status: approved}

  Quote levels, marriage statuses, amounts and dates so YAML keeps them as
  strings.

BUILT-IN SCENARIOS:
  scenarios/*.yaml are embedded. Scenarios() lists them, Scenario(id)
  returns one.

SEE ALSO:
  - benefits/services.go: Services the loader writes through
  - api/scenarios.go: HTTP endpoints for listing and loading
*/
package factory

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/warp/benefits-engine/benefits"
	"github.com/warp/benefits-engine/generic"
	"gopkg.in/yaml.v3"
)

//go:embed scenarios/*.yaml
var builtin embed.FS

// ErrUnknownScenario is returned when no fixture has the requested id.
var ErrUnknownScenario = errors.New("unknown scenario")

// =============================================================================
// YAML SCHEMA TYPES
// =============================================================================

type Fixture struct {
	ID              string           `yaml:"id"`
	Name            string           `yaml:"name"`
	Description     string           `yaml:"description"`
	Category        string           `yaml:"category"`
	BenefitTypes    []BenefitTypeDef `yaml:"benefit_types"`
	Employees       []EmployeeDef    `yaml:"employees"`
	Budgets         []BudgetDef      `yaml:"budgets"`
	InitializeYears []int            `yaml:"initialize_years"`
	Claims          []ClaimDef       `yaml:"claims"`
}

type BenefitTypeDef struct {
	ID   string `yaml:"id"`
	Name string `yaml:"name"`
}

type EmployeeDef struct {
	ID             string `yaml:"id"`
	Name           string `yaml:"name"`
	Level          string `yaml:"level"`
	MarriageStatus string `yaml:"marriage_status,omitempty"`
	Department     string `yaml:"department,omitempty"`
}

type BudgetDef struct {
	ID             string `yaml:"id"`
	BenefitType    string `yaml:"benefit_type"`
	Level          string `yaml:"level"`
	MarriageStatus string `yaml:"marriage_status,omitempty"`
	Year           int    `yaml:"year"`
	Amount         string `yaml:"amount"`
}

type ClaimDef struct {
	Employee    string `yaml:"employee"`
	BenefitType string `yaml:"benefit_type"`
	Amount      string `yaml:"amount"`
	Date        string `yaml:"date"`
	Status      string `yaml:"status,omitempty"` // Defaults to pending
	Description string `yaml:"description,omitempty"`
}

// Parse decodes and checks one fixture.
func Parse(data []byte) (Fixture, error) {
	var f Fixture
	if err := yaml.Unmarshal(data, &f); err != nil {
		return Fixture{}, fmt.Errorf("invalid fixture YAML: %w", err)
	}
	if err := f.Validate(); err != nil {
		return Fixture{}, err
	}
	return f, nil
}

// Validate checks references and formats without touching storage.
func (f Fixture) Validate() error {
	if strings.TrimSpace(f.ID) == "" {
		return errors.New("fixture id is required")
	}
	types := map[string]bool{}
	for _, bt := range f.BenefitTypes {
		types[bt.ID] = true
	}
	employees := map[string]bool{}
	for _, e := range f.Employees {
		if e.ID == "" || e.Level == "" {
			return fmt.Errorf("fixture %s: employee needs id and level", f.ID)
		}
		employees[e.ID] = true
	}
	for _, b := range f.Budgets {
		if !types[b.BenefitType] {
			return fmt.Errorf("fixture %s: budget %s references unknown benefit type %q", f.ID, b.ID, b.BenefitType)
		}
		if _, err := generic.ParseAmount(b.Amount); err != nil {
			return fmt.Errorf("fixture %s: budget %s: %w", f.ID, b.ID, err)
		}
	}
	for i, c := range f.Claims {
		if !employees[c.Employee] {
			return fmt.Errorf("fixture %s: claim %d references unknown employee %q", f.ID, i, c.Employee)
		}
		if _, err := generic.ParseAmount(c.Amount); err != nil {
			return fmt.Errorf("fixture %s: claim %d: %w", f.ID, i, err)
		}
		if _, err := time.Parse(time.DateOnly, c.Date); err != nil {
			return fmt.Errorf("fixture %s: claim %d: invalid date %q", f.ID, i, c.Date)
		}
		if c.Status != "" && !benefits.ClaimStatus(c.Status).Valid() {
			return fmt.Errorf("fixture %s: claim %d: invalid status %q", f.ID, i, c.Status)
		}
	}
	return nil
}

// =============================================================================
// BUILT-IN SCENARIOS
// =============================================================================

// Scenarios returns the embedded fixtures ordered by id.
func Scenarios() ([]Fixture, error) {
	entries, err := builtin.ReadDir("scenarios")
	if err != nil {
		return nil, err
	}
	var out []Fixture
	for _, e := range entries {
		data, err := builtin.ReadFile(path.Join("scenarios", e.Name()))
		if err != nil {
			return nil, err
		}
		f, err := Parse(data)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", e.Name(), err)
		}
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Scenario returns one embedded fixture.
func Scenario(id string) (Fixture, error) {
	all, err := Scenarios()
	if err != nil {
		return Fixture{}, err
	}
	for _, f := range all {
		if f.ID == id {
			return f, nil
		}
	}
	return Fixture{}, fmt.Errorf("%w: %q", ErrUnknownScenario, id)
}

// =============================================================================
// LOADER
// =============================================================================

// Resetter is implemented by stores that can drop all their data.
type Resetter interface {
	Reset(ctx context.Context) error
}

type LoadResult struct {
	Scenario        string `json:"scenario"`
	Employees       int    `json:"employees"`
	Budgets         int    `json:"budgets"`
	BalancesCreated int    `json:"balances_created"`
	Claims          int    `json:"claims"`
}

type Loader struct {
	Services *benefits.Services
	Logger   *slog.Logger
}

// Load writes the fixture. When reset is set and the store supports it,
// existing data is dropped first.
func (l *Loader) Load(ctx context.Context, f Fixture, reset bool) (LoadResult, error) {
	store := l.Services.Store
	if reset {
		r, ok := store.(Resetter)
		if !ok {
			return LoadResult{}, errors.New("store does not support reset")
		}
		if err := r.Reset(ctx); err != nil {
			return LoadResult{}, fmt.Errorf("reset store: %w", err)
		}
	}

	res := LoadResult{Scenario: f.ID}
	err := store.WithTx(ctx, func(tx benefits.Repository) error {
		for _, bt := range f.BenefitTypes {
			if err := tx.SaveBenefitType(ctx, benefits.BenefitType{ID: benefits.BenefitTypeID(bt.ID), Name: bt.Name}); err != nil {
				return err
			}
		}
		for _, e := range f.Employees {
			if err := tx.SaveEmployee(ctx, e.toEmployee()); err != nil {
				return err
			}
			res.Employees++
		}
		for _, b := range f.Budgets {
			budget, err := b.toBudget()
			if err != nil {
				return err
			}
			if err := tx.SaveBudget(ctx, budget); err != nil {
				return err
			}
			res.Budgets++
		}
		return nil
	})
	if err != nil {
		return res, fmt.Errorf("load reference data: %w", err)
	}

	for _, year := range f.InitializeYears {
		initReport, err := l.Services.Balances.InitializeBalances(ctx, year, nil)
		if err != nil {
			return res, fmt.Errorf("initialize %d balances: %w", year, err)
		}
		res.BalancesCreated += initReport.Created
	}

	for i, c := range f.Claims {
		if err := l.loadClaim(ctx, c); err != nil {
			return res, fmt.Errorf("claim %d (%s): %w", i, c.Employee, err)
		}
		res.Claims++
	}

	l.logger().Info("scenario loaded",
		"scenario", f.ID,
		"employees", res.Employees,
		"budgets", res.Budgets,
		"balances_created", res.BalancesCreated,
		"claims", res.Claims)
	return res, nil
}

// loadClaim submits pending and then moves to the target status, so an
// approval runs through reconciliation like a real one.
func (l *Loader) loadClaim(ctx context.Context, c ClaimDef) error {
	amount, err := generic.ParseAmount(c.Amount)
	if err != nil {
		return err
	}
	date, err := time.Parse(time.DateOnly, c.Date)
	if err != nil {
		return err
	}

	created, err := l.Services.Claims.Create(ctx, benefits.NewClaim{
		EmployeeID:    generic.EntityID(c.Employee),
		BenefitTypeID: benefits.BenefitTypeID(c.BenefitType),
		Amount:        amount,
		ClaimDate:     date,
		Status:        benefits.ClaimPending,
		Description:   c.Description,
		ProcessedBy:   "fixture",
	})
	if err != nil {
		return err
	}

	status := benefits.ClaimStatus(c.Status)
	if status == "" || status == benefits.ClaimPending {
		return nil
	}
	_, err = l.Services.Claims.SetStatus(ctx, created.Claim.ID, status, "fixture")
	return err
}

func (e EmployeeDef) toEmployee() benefits.Employee {
	emp := benefits.Employee{
		ID:         generic.EntityID(e.ID),
		Name:       e.Name,
		LevelID:    benefits.LevelID(e.Level),
		Department: e.Department,
	}
	if e.MarriageStatus != "" {
		m := benefits.MarriageStatusID(e.MarriageStatus)
		emp.MarriageStatusID = &m
	}
	return emp
}

func (b BudgetDef) toBudget() (benefits.Budget, error) {
	amount, err := generic.ParseAmount(b.Amount)
	if err != nil {
		return benefits.Budget{}, err
	}
	budget := benefits.Budget{
		ID:            generic.BudgetID(b.ID),
		BenefitTypeID: benefits.BenefitTypeID(b.BenefitType),
		LevelID:       benefits.LevelID(b.Level),
		Year:          b.Year,
		Amount:        amount,
	}
	if b.MarriageStatus != "" {
		m := benefits.MarriageStatusID(b.MarriageStatus)
		budget.MarriageStatusID = &m
	}
	return budget, nil
}

func (l *Loader) logger() *slog.Logger {
	if l.Logger == nil {
		return slog.Default()
	}
	return l.Logger
}
