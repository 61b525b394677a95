/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the domain model from the external API contract.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

ENVELOPE:
  Every response is wrapped:
    {"status": "success" | "error", "message": "...", "data": ...}

MONEY:
  Amounts are strings with exactly two decimals ("200000.00") on the way
  out. Requests accept either a JSON number or a decimal string.

VALIDATION:
  Request structs carry go-playground/validator tags for shape checks
  (required fields, date format, enum values). Business rules such as
  positive amounts stay in the domain and surface as domain errors.

SEE ALSO:
  - handlers.go: Uses these types
  - benefits/: Domain types these map from
*/
package api

import (
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/benefits-engine/benefits"
	"github.com/warp/benefits-engine/factory"
	"github.com/warp/benefits-engine/generic"
)

// =============================================================================
// ENVELOPE
// =============================================================================

type Response struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
	Data    any    `json:"data,omitempty"`
}

// InsufficientBalanceDTO is the data payload of a rejected claim.
type InsufficientBalanceDTO struct {
	RequestedAmount  string `json:"requested_amount"`
	AvailableBalance string `json:"available_balance"`
	BenefitType      string `json:"benefit_type"`
}

// =============================================================================
// REQUESTS
// =============================================================================

type CreateClaimRequest struct {
	EmployeeID    string          `json:"employee_id" validate:"required"`
	BenefitTypeID string          `json:"benefit_type_id" validate:"required"`
	Amount        decimal.Decimal `json:"amount"`
	ClaimDate     string          `json:"claim_date" validate:"required,datetime=2006-01-02"`
	Status        string          `json:"status" validate:"omitempty,oneof=pending approved rejected processing"`
	Description   string          `json:"description" validate:"max=500"`
	ProcessedBy   string          `json:"processed_by"`
}

// UpdateClaimRequest edits a claim; omitted fields stay as they are.
type UpdateClaimRequest struct {
	BenefitTypeID *string          `json:"benefit_type_id" validate:"omitempty,min=1"`
	Amount        *decimal.Decimal `json:"amount"`
	ClaimDate     *string          `json:"claim_date" validate:"omitempty,datetime=2006-01-02"`
	Status        *string          `json:"status" validate:"omitempty,oneof=pending approved rejected processing"`
	Description   *string          `json:"description" validate:"omitempty,max=500"`
	ProcessedBy   string           `json:"processed_by"`
}

type StatusRequest struct {
	Status      string `json:"status" validate:"required,oneof=pending approved rejected processing"`
	ProcessedBy string `json:"processed_by"`
}

type AdjustmentRequest struct {
	EmployeeID  string          `json:"employee_id" validate:"required"`
	BudgetID    string          `json:"budget_id" validate:"required"`
	Amount      decimal.Decimal `json:"amount"`
	Reason      string          `json:"reason" validate:"required,max=500"`
	ProcessedBy string          `json:"processed_by"`

	// IdempotencyKey falls back to the Idempotency-Key header.
	IdempotencyKey string `json:"idempotency_key" validate:"max=128"`
}

type RecalculateRequest struct {
	EmployeeID string `json:"employee_id"`
	Year       int    `json:"year" validate:"omitempty,gte=2000,lte=2100"`
	DryRun     bool   `json:"dry_run"`
}

type InitBalancesRequest struct {
	Year       int    `json:"year" validate:"required,gte=2000,lte=2100"`
	EmployeeID string `json:"employee_id"`
}

type LoadScenarioRequest struct {
	ScenarioID string `json:"scenario_id" validate:"required"`
	// Reset defaults to true; fixtures are written into an empty store.
	Reset *bool `json:"reset"`
}

// =============================================================================
// CLAIMS
// =============================================================================

type ClaimDTO struct {
	ID            string `json:"id"`
	EmployeeID    string `json:"employee_id"`
	BenefitTypeID string `json:"benefit_type_id"`
	Amount        string `json:"amount"`
	ClaimDate     string `json:"claim_date"`
	Status        string `json:"status"`
	Description   string `json:"description,omitempty"`
	CreatedAt     string `json:"created_at"`
	UpdatedAt     string `json:"updated_at"`
	DeletedAt     string `json:"deleted_at,omitempty"`
}

type ClaimResultDTO struct {
	Claim        *ClaimDTO        `json:"claim,omitempty"`
	Transition   string           `json:"transition"`
	Transactions []TransactionDTO `json:"transactions"`
	Failure      *FailureDTO      `json:"reconciliation_failure,omitempty"`
}

func toClaimDTO(c benefits.Claim) ClaimDTO {
	dto := ClaimDTO{
		ID:            string(c.ID),
		EmployeeID:    string(c.EmployeeID),
		BenefitTypeID: string(c.BenefitTypeID),
		Amount:        money(c.Amount),
		ClaimDate:     c.ClaimDate.Format(time.DateOnly),
		Status:        string(c.Status),
		Description:   c.Description,
		CreatedAt:     c.CreatedAt.Format(time.RFC3339),
		UpdatedAt:     c.UpdatedAt.Format(time.RFC3339),
	}
	if c.DeletedAt != nil {
		dto.DeletedAt = c.DeletedAt.Format(time.RFC3339)
	}
	return dto
}

func toClaimResultDTO(r benefits.ClaimResult) ClaimResultDTO {
	dto := ClaimResultDTO{
		Transition:   string(r.Transition),
		Transactions: toTransactionDTOs(r.Transactions),
	}
	if r.Claim != nil {
		c := toClaimDTO(*r.Claim)
		dto.Claim = &c
	}
	if r.Failure != nil {
		f := toFailureDTO(*r.Failure)
		dto.Failure = &f
	}
	return dto
}

// =============================================================================
// LEDGER
// =============================================================================

type TransactionDTO struct {
	ID            string `json:"id"`
	EmployeeID    string `json:"employee_id"`
	BudgetID      string `json:"budget_id"`
	BenefitTypeID string `json:"benefit_type_id"`
	Type          string `json:"transaction_type"`
	Amount        string `json:"amount"`
	BalanceBefore string `json:"balance_before"`
	BalanceAfter  string `json:"balance_after"`
	ReferenceType string `json:"reference_type"`
	ReferenceID   string `json:"reference_id"`
	Description   string `json:"description"`
	ProcessedBy   string `json:"processed_by,omitempty"`
	Year          int    `json:"year"`
	CreatedAt     string `json:"created_at"`
}

type PageDTO struct {
	Items  []TransactionDTO `json:"items"`
	Total  int              `json:"total"`
	Limit  int              `json:"limit"`
	Offset int              `json:"offset"`
}

func toTransactionDTO(tx generic.Transaction) TransactionDTO {
	return TransactionDTO{
		ID:            string(tx.ID),
		EmployeeID:    string(tx.EntityID),
		BudgetID:      string(tx.BudgetID),
		BenefitTypeID: tx.BenefitTypeID,
		Type:          string(tx.Type),
		Amount:        money(tx.Amount),
		BalanceBefore: money(tx.BalanceBefore),
		BalanceAfter:  money(tx.BalanceAfter),
		ReferenceType: string(tx.ReferenceType),
		ReferenceID:   tx.ReferenceID,
		Description:   tx.Description,
		ProcessedBy:   tx.ProcessedBy,
		Year:          tx.Year,
		CreatedAt:     tx.CreatedAt.Format(time.RFC3339Nano),
	}
}

func toTransactionDTOs(txs []generic.Transaction) []TransactionDTO {
	out := make([]TransactionDTO, len(txs))
	for i, tx := range txs {
		out[i] = toTransactionDTO(tx)
	}
	return out
}

// =============================================================================
// BALANCES
// =============================================================================

type SummaryLineDTO struct {
	BudgetID        string `json:"budget_id"`
	BenefitTypeID   string `json:"benefit_type_id"`
	BenefitTypeName string `json:"benefit_type_name"`
	Year            int    `json:"year"`
	BudgetAmount    string `json:"budget_amount"`
	CurrentBalance  string `json:"current_balance"`
	Used            string `json:"used"`
	UsedPercent     string `json:"used_percent"`
	Initialized     bool   `json:"initialized"`
}

type SummaryDTO struct {
	EmployeeID   string           `json:"employee_id"`
	EmployeeName string           `json:"employee_name"`
	Year         int              `json:"year,omitempty"`
	Balances     []SummaryLineDTO `json:"balances"`
	TotalBudget  string           `json:"total_budget"`
	TotalBalance string           `json:"total_balance"`
	TotalUsed    string           `json:"total_used"`
}

func toSummaryDTO(s benefits.Summary) SummaryDTO {
	dto := SummaryDTO{
		EmployeeID:   string(s.Employee.ID),
		EmployeeName: s.Employee.Name,
		Year:         s.Year,
		Balances:     make([]SummaryLineDTO, len(s.Lines)),
		TotalBudget:  money(s.TotalBudget),
		TotalBalance: money(s.TotalBalance),
		TotalUsed:    money(s.TotalUsed),
	}
	for i, l := range s.Lines {
		dto.Balances[i] = SummaryLineDTO{
			BudgetID:        string(l.BudgetID),
			BenefitTypeID:   string(l.BenefitTypeID),
			BenefitTypeName: l.BenefitTypeName,
			Year:            l.Year,
			BudgetAmount:    money(l.BudgetAmount),
			CurrentBalance:  money(l.CurrentBalance),
			Used:            money(l.Used),
			UsedPercent:     money(l.UsedPercent),
			Initialized:     l.Initialized,
		}
	}
	return dto
}

type AvailabilityDTO struct {
	EmployeeID    string `json:"employee_id"`
	BenefitTypeID string `json:"benefit_type_id"`
	Year          int    `json:"year"`
	Found         bool   `json:"found"`
	BudgetID      string `json:"budget_id,omitempty"`
	BudgetAmount  string `json:"budget_amount"`
	Available     string `json:"available_balance"`
}

func toAvailabilityDTO(a benefits.Availability) AvailabilityDTO {
	return AvailabilityDTO{
		EmployeeID:    string(a.EmployeeID),
		BenefitTypeID: string(a.BenefitTypeID),
		Year:          a.Year,
		Found:         a.Found,
		BudgetID:      string(a.BudgetID),
		BudgetAmount:  money(a.BudgetAmount),
		Available:     money(a.Available),
	}
}

type AlertDTO struct {
	EmployeeID      string `json:"employee_id"`
	EmployeeName    string `json:"employee_name"`
	BudgetID        string `json:"budget_id"`
	BenefitTypeID   string `json:"benefit_type_id"`
	BenefitTypeName string `json:"benefit_type_name"`
	Year            int    `json:"year"`
	BudgetAmount    string `json:"budget_amount"`
	CurrentBalance  string `json:"current_balance"`
	RemainingPct    string `json:"remaining_percent"`
}

func toAlertDTOs(alerts []benefits.LowBalanceAlert) []AlertDTO {
	out := make([]AlertDTO, len(alerts))
	for i, a := range alerts {
		out[i] = AlertDTO{
			EmployeeID:      string(a.EmployeeID),
			EmployeeName:    a.EmployeeName,
			BudgetID:        string(a.BudgetID),
			BenefitTypeID:   string(a.BenefitTypeID),
			BenefitTypeName: a.BenefitTypeName,
			Year:            a.Year,
			BudgetAmount:    money(a.BudgetAmount),
			CurrentBalance:  money(a.CurrentBalance),
			RemainingPct:    money(a.RemainingPct),
		}
	}
	return out
}

// =============================================================================
// ADMIN
// =============================================================================

type FailureDTO struct {
	ID         string `json:"id"`
	ClaimID    string `json:"claim_id"`
	EmployeeID string `json:"employee_id"`
	Amount     string `json:"amount"`
	Status     string `json:"status"`
	Transition string `json:"transition"`
	Error      string `json:"error"`
	Attempts   int    `json:"attempts"`
	CreatedAt  string `json:"created_at"`
	UpdatedAt  string `json:"updated_at"`
	ResolvedAt string `json:"resolved_at,omitempty"`
}

func toFailureDTO(f benefits.ReconciliationFailure) FailureDTO {
	dto := FailureDTO{
		ID:         f.ID,
		ClaimID:    string(f.ClaimID),
		EmployeeID: string(f.EmployeeID),
		Amount:     money(f.Amount),
		Status:     string(f.Status),
		Transition: f.Transition,
		Error:      f.Error,
		Attempts:   f.Attempts,
		CreatedAt:  f.CreatedAt.Format(time.RFC3339),
		UpdatedAt:  f.UpdatedAt.Format(time.RFC3339),
	}
	if f.ResolvedAt != nil {
		dto.ResolvedAt = f.ResolvedAt.Format(time.RFC3339)
	}
	return dto
}

type RetryReportDTO struct {
	Attempted int      `json:"attempted"`
	Resolved  int      `json:"resolved"`
	Failed    int      `json:"failed"`
	Errors    []string `json:"errors,omitempty"`
}

type DiscrepancyDTO struct {
	EmployeeID  string `json:"employee_id"`
	BudgetID    string `json:"budget_id"`
	Stored      string `json:"stored_balance"`
	Computed    string `json:"computed_balance"`
	Difference  string `json:"difference"`
	ChainBreaks int    `json:"chain_breaks"`
	Corrected   bool   `json:"corrected"`
}

type RecalcReportDTO struct {
	Checked       int              `json:"checked"`
	Corrected     int              `json:"corrected"`
	DryRun        bool             `json:"dry_run"`
	Discrepancies []DiscrepancyDTO `json:"discrepancies"`
	Errors        []string         `json:"errors,omitempty"`
}

func toRecalcReportDTO(r benefits.RecalcReport, dryRun bool) RecalcReportDTO {
	dto := RecalcReportDTO{
		Checked:       r.Checked,
		Corrected:     r.Corrected,
		DryRun:        dryRun,
		Discrepancies: make([]DiscrepancyDTO, len(r.Discrepancies)),
		Errors:        r.Errors,
	}
	for i, d := range r.Discrepancies {
		dto.Discrepancies[i] = DiscrepancyDTO{
			EmployeeID:  string(d.Key.EntityID),
			BudgetID:    string(d.Key.BudgetID),
			Stored:      money(d.Stored),
			Computed:    money(d.Computed),
			Difference:  money(d.Difference),
			ChainBreaks: d.ChainBreaks,
			Corrected:   d.Corrected,
		}
	}
	return dto
}

type ChainBreakDTO struct {
	TransactionID string `json:"transaction_id"`
	Expected      string `json:"expected_before"`
	Recorded      string `json:"recorded_before"`
}

type ReplayDTO struct {
	EmployeeID   string          `json:"employee_id"`
	BudgetID     string          `json:"budget_id"`
	Base         string          `json:"base_amount"`
	Computed     string          `json:"computed_balance"`
	Stored       *string         `json:"stored_balance"`
	InSync       bool            `json:"in_sync"`
	TotalCredits string          `json:"total_credits"`
	TotalDebits  string          `json:"total_debits"`
	Entries      int             `json:"entries"`
	ChainBreaks  []ChainBreakDTO `json:"chain_breaks"`
}

func toReplayDTO(r benefits.ReplayCheck) ReplayDTO {
	dto := ReplayDTO{
		EmployeeID:   string(r.Key.EntityID),
		BudgetID:     string(r.Key.BudgetID),
		Base:         money(r.Base),
		Computed:     money(r.Balance),
		InSync:       r.InSync,
		TotalCredits: money(r.Credits),
		TotalDebits:  money(r.Debits),
		Entries:      r.Entries,
		ChainBreaks:  make([]ChainBreakDTO, len(r.ChainBreaks)),
	}
	if r.Stored != nil {
		s := money(*r.Stored)
		dto.Stored = &s
	}
	for i, b := range r.ChainBreaks {
		dto.ChainBreaks[i] = ChainBreakDTO{
			TransactionID: string(b.TransactionID),
			Expected:      money(b.Expected),
			Recorded:      money(b.Recorded),
		}
	}
	return dto
}

type InitReportDTO struct {
	Year     int `json:"year"`
	Created  int `json:"created"`
	Existing int `json:"existing"`
}

// =============================================================================
// SCENARIOS
// =============================================================================

type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Category    string `json:"category"`
}

func toScenarioDTO(f factory.Fixture) ScenarioDTO {
	return ScenarioDTO{ID: f.ID, Name: f.Name, Description: f.Description, Category: f.Category}
}

func money(d decimal.Decimal) string {
	return d.StringFixed(generic.AmountPlaces)
}
