/*
handlers.go - HTTP API handlers for the benefits engine

PURPOSE:
  Exposes claims, balances and admin operations via REST API. Handles HTTP
  request/response, JSON serialization and validation, and delegates to
  the benefits services.

ENDPOINTS:
  Claims:
    POST   /api/claims                       Submit a claim (validated)
    GET    /api/claims                       List claims
    GET    /api/claims/{id}                  Get one claim
    PUT    /api/claims/{id}                  Edit a claim
    DELETE /api/claims/{id}[?hard=true]      Delete a claim
    POST   /api/claims/{id}/status           Approve / reject / process

  Balances:
    GET    /api/employees/{id}/balances            Summary per budget
    GET    /api/employees/{id}/balances/available  Claimable amount
    GET    /api/employees/{id}/transactions        Ledger history

  Admin:
    POST   /api/admin/adjustments                      Manual adjustment
    POST   /api/admin/recalculate                      Replay and fix balances
    POST   /api/admin/balances/init                    Create missing balances
    GET    /api/admin/alerts                           Low balance alerts
    GET    /api/admin/reconciliation-failures          Outbox contents
    POST   /api/admin/reconciliation-failures/retry    Re-run the outbox
    GET    /api/admin/balances/{employee}/{budget}/replay  Ledger replay

  Reports:
    GET    /api/reports                 Available kinds
    GET    /api/reports/{kind}          Generate (cached)

ERROR HANDLING:
  Errors are returned in the envelope with an HTTP status:
  - 400: Validation errors, insufficient balance, invalid input
  - 404: Employee, budget, balance, claim, report kind or scenario missing
  - 409: Concurrent modification that outlived the retries
  - 500: Internal errors

ACTOR:
  Writes record who made them: the request's processed_by field, else the
  X-User-ID header, else "api".

SECURITY NOTE:
  No authentication or authorization. All endpoints are public.

SEE ALSO:
  - dto.go: Request/response data structures
  - scenarios.go: Fixture loading endpoints
  - server.go: Router setup and middleware
*/
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
	"github.com/warp/benefits-engine/benefits"
	"github.com/warp/benefits-engine/factory"
	"github.com/warp/benefits-engine/generic"
	"github.com/warp/benefits-engine/reports"
)

const (
	defaultHistoryLimit   = 50
	maxHistoryLimit       = 500
	defaultAlertThreshold = 20
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Services  *benefits.Services
	Reports   *reports.Service
	Scenarios *factory.Loader
	Logger    *slog.Logger

	validate *validator.Validate

	mu              sync.RWMutex
	currentScenario string
}

func NewHandler(services *benefits.Services, reportService *reports.Service, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		Services:  services,
		Reports:   reportService,
		Scenarios: &factory.Loader{Services: services, Logger: logger},
		Logger:    logger,
		validate:  validator.New(),
	}
}

// =============================================================================
// CLAIM HANDLERS
// =============================================================================

// CreateClaim submits a claim. An insufficient balance is a 400 with the
// requested and available amounts; nothing is stored.
func (h *Handler) CreateClaim(w http.ResponseWriter, r *http.Request) {
	var req CreateClaimRequest
	if !h.decode(w, r, &req) {
		return
	}
	claimDate, _ := time.Parse(time.DateOnly, req.ClaimDate)

	res, err := h.Services.Claims.Create(r.Context(), benefits.NewClaim{
		EmployeeID:    generic.EntityID(req.EmployeeID),
		BenefitTypeID: benefits.BenefitTypeID(req.BenefitTypeID),
		Amount:        req.Amount,
		ClaimDate:     claimDate,
		Status:        benefits.ClaimStatus(req.Status),
		Description:   req.Description,
		ProcessedBy:   actor(r, req.ProcessedBy),
	})
	if err != nil {
		h.writeDomainError(w, "Failed to create claim", err)
		return
	}
	writeSuccess(w, http.StatusCreated, "Claim created", toClaimResultDTO(res))
}

func (h *Handler) ListClaims(w http.ResponseWriter, r *http.Request) {
	filter, err := claimFilter(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid query parameters", err)
		return
	}
	claims, err := h.Services.Claims.List(r.Context(), filter)
	if err != nil {
		h.writeDomainError(w, "Failed to list claims", err)
		return
	}
	dtos := make([]ClaimDTO, len(claims))
	for i, c := range claims {
		dtos[i] = toClaimDTO(c)
	}
	writeSuccess(w, http.StatusOK, "", dtos)
}

func (h *Handler) GetClaim(w http.ResponseWriter, r *http.Request) {
	c, err := h.Services.Claims.Get(r.Context(), benefits.ClaimID(chi.URLParam(r, "id")))
	if err != nil {
		h.writeDomainError(w, "Failed to get claim", err)
		return
	}
	writeSuccess(w, http.StatusOK, "", toClaimDTO(*c))
}

func (h *Handler) UpdateClaim(w http.ResponseWriter, r *http.Request) {
	var req UpdateClaimRequest
	if !h.decode(w, r, &req) {
		return
	}

	upd := benefits.ClaimUpdate{
		ID:          benefits.ClaimID(chi.URLParam(r, "id")),
		Amount:      req.Amount,
		Description: req.Description,
		ProcessedBy: actor(r, req.ProcessedBy),
	}
	if req.BenefitTypeID != nil {
		bt := benefits.BenefitTypeID(*req.BenefitTypeID)
		upd.BenefitTypeID = &bt
	}
	if req.ClaimDate != nil {
		d, _ := time.Parse(time.DateOnly, *req.ClaimDate)
		upd.ClaimDate = &d
	}
	if req.Status != nil {
		s := benefits.ClaimStatus(*req.Status)
		upd.Status = &s
	}

	res, err := h.Services.Claims.Update(r.Context(), upd)
	if err != nil {
		h.writeDomainError(w, "Failed to update claim", err)
		return
	}
	writeSuccess(w, http.StatusOK, "Claim updated", toClaimResultDTO(res))
}

// SetClaimStatus approves, rejects or otherwise moves a claim.
func (h *Handler) SetClaimStatus(w http.ResponseWriter, r *http.Request) {
	var req StatusRequest
	if !h.decode(w, r, &req) {
		return
	}
	id := benefits.ClaimID(chi.URLParam(r, "id"))
	res, err := h.Services.Claims.SetStatus(r.Context(), id, benefits.ClaimStatus(req.Status), actor(r, req.ProcessedBy))
	if err != nil {
		h.writeDomainError(w, "Failed to change claim status", err)
		return
	}
	writeSuccess(w, http.StatusOK, "Claim status updated", toClaimResultDTO(res))
}

func (h *Handler) DeleteClaim(w http.ResponseWriter, r *http.Request) {
	hard, _ := strconv.ParseBool(r.URL.Query().Get("hard"))
	id := benefits.ClaimID(chi.URLParam(r, "id"))

	res, err := h.Services.Claims.Delete(r.Context(), id, hard, actor(r, ""))
	if err != nil {
		h.writeDomainError(w, "Failed to delete claim", err)
		return
	}
	writeSuccess(w, http.StatusOK, "Claim deleted", toClaimResultDTO(res))
}

// =============================================================================
// BALANCE HANDLERS
// =============================================================================

// GetBalances returns the employee's summary, optionally for one year.
func (h *Handler) GetBalances(w http.ResponseWriter, r *http.Request) {
	year, err := intParam(r, "year", 0)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid year", err)
		return
	}
	s, err := h.Services.Balances.GetSummary(r.Context(), generic.EntityID(chi.URLParam(r, "id")), year)
	if err != nil {
		h.writeDomainError(w, "Failed to get balances", err)
		return
	}
	writeSuccess(w, http.StatusOK, "", toSummaryDTO(s))
}

// GetAvailable answers "how much can this employee still claim?".
func (h *Handler) GetAvailable(w http.ResponseWriter, r *http.Request) {
	benefitType := r.URL.Query().Get("benefit_type_id")
	if benefitType == "" {
		writeError(w, http.StatusBadRequest, "benefit_type_id is required", nil)
		return
	}
	year, err := intParam(r, "year", time.Now().Year())
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid year", err)
		return
	}

	a, err := h.Services.Balances.CheckAvailable(r.Context(),
		generic.EntityID(chi.URLParam(r, "id")), benefits.BenefitTypeID(benefitType), year)
	if err != nil {
		h.writeDomainError(w, "Failed to check balance", err)
		return
	}
	writeSuccess(w, http.StatusOK, "", toAvailabilityDTO(a))
}

// GetTransactions returns one page of the employee's ledger history.
func (h *Handler) GetTransactions(w http.ResponseWriter, r *http.Request) {
	filter, err := historyFilter(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid query parameters", err)
		return
	}
	page, err := h.Services.Balances.GetHistory(r.Context(), generic.EntityID(chi.URLParam(r, "id")), filter)
	if err != nil {
		h.writeDomainError(w, "Failed to get transactions", err)
		return
	}
	writeSuccess(w, http.StatusOK, "", PageDTO{
		Items:  toTransactionDTOs(page.Items),
		Total:  page.Total,
		Limit:  page.Limit,
		Offset: page.Offset,
	})
}

// =============================================================================
// ADMIN HANDLERS
// =============================================================================

func (h *Handler) CreateAdjustment(w http.ResponseWriter, r *http.Request) {
	var req AdjustmentRequest
	if !h.decode(w, r, &req) {
		return
	}
	tx, err := h.Services.Balances.AdjustBalance(r.Context(), benefits.Adjustment{
		EmployeeID:  generic.EntityID(req.EmployeeID),
		BudgetID:    generic.BudgetID(req.BudgetID),
		Amount:      req.Amount,
		Reason:      req.Reason,
		ProcessedBy: actor(r, req.ProcessedBy),

		IdempotencyKey: idempotencyKey(r, req.IdempotencyKey),
	})
	if err != nil {
		h.writeDomainError(w, "Failed to adjust balance", err)
		return
	}
	writeSuccess(w, http.StatusCreated, "Balance adjusted", toTransactionDTO(tx))
}

func (h *Handler) Recalculate(w http.ResponseWriter, r *http.Request) {
	var req RecalculateRequest
	if !h.decode(w, r, &req) {
		return
	}
	scope := benefits.RecalcScope{Year: req.Year, DryRun: req.DryRun}
	if req.EmployeeID != "" {
		id := generic.EntityID(req.EmployeeID)
		scope.EmployeeID = &id
	}

	report, err := h.Services.Balances.RecalculateBalances(r.Context(), scope)
	if err != nil {
		h.writeDomainError(w, "Failed to recalculate balances", err)
		return
	}
	writeSuccess(w, http.StatusOK, "Recalculation complete", toRecalcReportDTO(report, req.DryRun))
}

func (h *Handler) InitBalances(w http.ResponseWriter, r *http.Request) {
	var req InitBalancesRequest
	if !h.decode(w, r, &req) {
		return
	}
	var employee *generic.EntityID
	if req.EmployeeID != "" {
		id := generic.EntityID(req.EmployeeID)
		employee = &id
	}

	report, err := h.Services.Balances.InitializeBalances(r.Context(), req.Year, employee)
	if err != nil {
		h.writeDomainError(w, "Failed to initialize balances", err)
		return
	}
	writeSuccess(w, http.StatusOK, "Balances initialized", InitReportDTO{Year: req.Year, Created: report.Created, Existing: report.Existing})
}

// GetAlerts lists balances at or below ?threshold percent of their budget.
func (h *Handler) GetAlerts(w http.ResponseWriter, r *http.Request) {
	threshold := decimal.NewFromInt(defaultAlertThreshold)
	if raw := r.URL.Query().Get("threshold"); raw != "" {
		t, err := decimal.NewFromString(raw)
		if err != nil || t.IsNegative() {
			writeError(w, http.StatusBadRequest, "Invalid threshold", err)
			return
		}
		threshold = t
	}

	alerts, err := h.Services.Balances.GetLowBalanceAlerts(r.Context(), threshold)
	if err != nil {
		h.writeDomainError(w, "Failed to compute alerts", err)
		return
	}
	writeSuccess(w, http.StatusOK, "", toAlertDTOs(alerts))
}

// ListFailures returns open reconciliation failures, or all with ?all=true.
func (h *Handler) ListFailures(w http.ResponseWriter, r *http.Request) {
	all, _ := strconv.ParseBool(r.URL.Query().Get("all"))
	failures, err := h.Services.Claims.Failures(r.Context(), all)
	if err != nil {
		h.writeDomainError(w, "Failed to list reconciliation failures", err)
		return
	}
	dtos := make([]FailureDTO, len(failures))
	for i, f := range failures {
		dtos[i] = toFailureDTO(f)
	}
	writeSuccess(w, http.StatusOK, "", dtos)
}

func (h *Handler) RetryFailures(w http.ResponseWriter, r *http.Request) {
	report, err := h.Services.Claims.RetryFailedReconciliations(r.Context(), actor(r, ""))
	if err != nil {
		h.writeDomainError(w, "Failed to retry reconciliation failures", err)
		return
	}
	writeSuccess(w, http.StatusOK, "Retry complete", RetryReportDTO{
		Attempted: report.Attempted,
		Resolved:  report.Resolved,
		Failed:    report.Failed,
		Errors:    report.Errors,
	})
}

// ReplayBalance recomputes one balance from its ledger without writing.
func (h *Handler) ReplayBalance(w http.ResponseWriter, r *http.Request) {
	key := generic.BalanceKey{
		EntityID: generic.EntityID(chi.URLParam(r, "employee")),
		BudgetID: generic.BudgetID(chi.URLParam(r, "budget")),
	}
	check, err := h.Services.Balances.RecomputeFromLedger(r.Context(), key)
	if err != nil {
		h.writeDomainError(w, "Failed to replay ledger", err)
		return
	}
	writeSuccess(w, http.StatusOK, "", toReplayDTO(check))
}

// =============================================================================
// REPORT HANDLERS
// =============================================================================

func (h *Handler) ListReports(w http.ResponseWriter, r *http.Request) {
	writeSuccess(w, http.StatusOK, "", reports.Kinds())
}

func (h *Handler) GetReport(w http.ResponseWriter, r *http.Request) {
	year, err := intParam(r, "year", 0)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid year", err)
		return
	}
	q := r.URL.Query()
	p := reports.Params{
		Year:          year,
		EmployeeID:    q.Get("employee_id"),
		BenefitTypeID: q.Get("benefit_type_id"),
		Department:    q.Get("department"),
	}

	report, err := h.Reports.Generate(r.Context(), reports.Kind(chi.URLParam(r, "kind")), p)
	if err != nil {
		h.writeDomainError(w, "Failed to generate report", err)
		return
	}
	writeSuccess(w, http.StatusOK, "", report)
}

// =============================================================================
// HELPERS
// =============================================================================

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeSuccess(w http.ResponseWriter, status int, message string, data any) {
	writeJSON(w, status, Response{Status: "success", Message: message, Data: data})
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := Response{Status: "error", Message: message}
	if err != nil {
		resp.Message = message + ": " + err.Error()
	}
	writeJSON(w, status, resp)
}

// writeDomainError maps service errors onto HTTP statuses.
func (h *Handler) writeDomainError(w http.ResponseWriter, message string, err error) {
	var insufficient *generic.InsufficientBalanceError
	switch {
	case errors.As(err, &insufficient):
		writeJSON(w, http.StatusBadRequest, Response{
			Status:  "error",
			Message: "Insufficient balance for " + insufficient.BenefitType,
			Data: InsufficientBalanceDTO{
				RequestedAmount:  money(insufficient.Requested),
				AvailableBalance: money(insufficient.Available),
				BenefitType:      insufficient.BenefitType,
			},
		})
	case errors.Is(err, generic.ErrDuplicateIdempotencyKey):
		writeError(w, http.StatusConflict, message, err)
	case benefits.IsNotFound(err),
		errors.Is(err, reports.ErrUnknownKind),
		errors.Is(err, factory.ErrUnknownScenario):
		writeError(w, http.StatusNotFound, message, err)
	case benefits.IsClientError(err), errors.Is(err, reports.ErrMissingParam):
		writeError(w, http.StatusBadRequest, message, err)
	case errors.Is(err, generic.ErrConcurrentModification):
		writeError(w, http.StatusConflict, message, err)
	default:
		h.Logger.Error(message, "error", err)
		writeError(w, http.StatusInternalServerError, message, nil)
	}
}

// decode reads the JSON body into dst and validates it. It writes the 400
// itself and returns false on failure.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return false
	}
	if err := h.validate.Struct(dst); err != nil {
		var ve validator.ValidationErrors
		if !errors.As(err, &ve) {
			writeError(w, http.StatusBadRequest, "Invalid input", err)
			return false
		}
		fields := make(map[string]string, len(ve))
		for _, fe := range ve {
			fields[fe.Field()] = fe.Tag()
		}
		writeJSON(w, http.StatusBadRequest, Response{Status: "error", Message: "Validation failed", Data: fields})
		return false
	}
	return true
}

func actor(r *http.Request, explicit string) string {
	if s := strings.TrimSpace(explicit); s != "" {
		return s
	}
	if s := strings.TrimSpace(r.Header.Get("X-User-ID")); s != "" {
		return s
	}
	return "api"
}

func idempotencyKey(r *http.Request, explicit string) string {
	if s := strings.TrimSpace(explicit); s != "" {
		return s
	}
	return strings.TrimSpace(r.Header.Get("Idempotency-Key"))
}

func intParam(r *http.Request, name string, def int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	return strconv.Atoi(raw)
}

func dateParam(r *http.Request, name string) (*time.Time, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return nil, nil
	}
	t, err := time.Parse(time.DateOnly, raw)
	if err != nil {
		return nil, errors.New(name + " must be YYYY-MM-DD")
	}
	return &t, nil
}

func claimFilter(r *http.Request) (benefits.ClaimFilter, error) {
	q := r.URL.Query()
	var f benefits.ClaimFilter
	if v := q.Get("employee_id"); v != "" {
		id := generic.EntityID(v)
		f.EmployeeID = &id
	}
	if v := q.Get("benefit_type_id"); v != "" {
		bt := benefits.BenefitTypeID(v)
		f.BenefitTypeID = &bt
	}
	if v := q.Get("status"); v != "" {
		s := benefits.ClaimStatus(v)
		if !s.Valid() {
			return f, errors.New("unknown status " + v)
		}
		f.Status = &s
	}
	var err error
	if f.From, err = dateParam(r, "from"); err != nil {
		return f, err
	}
	if f.To, err = dateParam(r, "to"); err != nil {
		return f, err
	}
	f.IncludeDeleted, _ = strconv.ParseBool(q.Get("include_deleted"))
	if f.Limit, err = intParam(r, "limit", 0); err != nil {
		return f, err
	}
	if f.Offset, err = intParam(r, "offset", 0); err != nil {
		return f, err
	}
	return f, nil
}

func historyFilter(r *http.Request) (generic.HistoryFilter, error) {
	q := r.URL.Query()
	var f generic.HistoryFilter
	if v := q.Get("budget_id"); v != "" {
		id := generic.BudgetID(v)
		f.BudgetID = &id
	}
	if v := q.Get("benefit_type_id"); v != "" {
		f.BenefitTypeID = &v
	}
	if v := q.Get("type"); v != "" {
		t := generic.TransactionType(v)
		if !t.Valid() {
			return f, errors.New("type must be debit or credit")
		}
		f.Type = &t
	}
	if v := q.Get("reference_type"); v != "" {
		rt := generic.ReferenceType(v)
		f.ReferenceType = &rt
	}
	if v := q.Get("reference_id"); v != "" {
		f.ReferenceID = &v
	}
	if q.Get("year") != "" {
		year, err := intParam(r, "year", 0)
		if err != nil {
			return f, err
		}
		f.Year = &year
	}

	var err error
	if f.From, err = dateParam(r, "from"); err != nil {
		return f, err
	}
	if f.To, err = dateParam(r, "to"); err != nil {
		return f, err
	}
	if f.To != nil {
		end := f.To.Add(24*time.Hour - time.Nanosecond)
		f.To = &end
	}

	if f.Limit, err = intParam(r, "limit", defaultHistoryLimit); err != nil {
		return f, err
	}
	switch {
	case f.Limit <= 0:
		f.Limit = defaultHistoryLimit
	case f.Limit > maxHistoryLimit:
		f.Limit = maxHistoryLimit
	}
	if f.Offset, err = intParam(r, "offset", 0); err != nil {
		return f, err
	}
	f.Descending = q.Get("order") == "desc"
	return f, nil
}
