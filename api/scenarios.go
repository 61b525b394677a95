/*
scenarios.go - Demo scenario endpoints

PURPOSE:
  Lists the built-in fixtures and loads one into the store. A fixture
  writes benefit types, employees, budgets and balances, then submits its
  claims through the claim service so the ledger is built the normal way.

USAGE VIA API:
  GET  /api/scenarios
  GET  /api/scenarios/current
  POST /api/scenarios/load   {"scenario_id": "health-basic"}

NOTE:
  Loading resets the store unless "reset": false is sent. Only use in
  development/demo environments.

SEE ALSO:
  - factory/fixture.go: Fixture schema and loader
  - factory/scenarios/: Built-in fixtures
*/
package api

import (
	"net/http"

	"github.com/warp/benefits-engine/factory"
)

// ListScenarios returns the built-in fixtures.
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	fixtures, err := factory.Scenarios()
	if err != nil {
		h.writeDomainError(w, "Failed to list scenarios", err)
		return
	}
	dtos := make([]ScenarioDTO, len(fixtures))
	for i, f := range fixtures {
		dtos[i] = toScenarioDTO(f)
	}
	writeSuccess(w, http.StatusOK, "", dtos)
}

// GetCurrentScenario returns the last loaded scenario, if any.
func (h *Handler) GetCurrentScenario(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	current := h.currentScenario
	h.mu.RUnlock()

	if current == "" {
		writeSuccess(w, http.StatusOK, "No scenario loaded", nil)
		return
	}
	f, err := factory.Scenario(current)
	if err != nil {
		h.writeDomainError(w, "Failed to get scenario", err)
		return
	}
	writeSuccess(w, http.StatusOK, "", toScenarioDTO(f))
}

// LoadScenario loads a fixture by id.
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	var req LoadScenarioRequest
	if !h.decode(w, r, &req) {
		return
	}
	f, err := factory.Scenario(req.ScenarioID)
	if err != nil {
		h.writeDomainError(w, "Failed to load scenario", err)
		return
	}

	reset := req.Reset == nil || *req.Reset
	res, err := h.Scenarios.Load(r.Context(), f, reset)
	if err != nil {
		h.writeDomainError(w, "Failed to load scenario", err)
		return
	}

	h.mu.Lock()
	h.currentScenario = f.ID
	h.mu.Unlock()

	writeSuccess(w, http.StatusOK, "Scenario loaded", res)
}
