/*
scenarios.go - Demo scenario loaders for testing and demonstrations

PURPOSE:

	Provides pre-built scenarios that play realistic events through the
	engine for demos and manual testing. Each scenario uses fixed event
	and transfer ids on demo- accounts, so loading it twice pays nothing
	the second time.

AVAILABLE SCENARIOS:

	typing-race:    Three typists improve over a week; tiers and overtakes
	first-success:  Accepted submissions, including a repeated problem
	transfers:      typing-race, then points moved between the typists

HOW SCENARIOS WORK:
 1. Register the built-in policies the scenario needs (if missing)
 2. Process the scenario's events in order, at fixed timestamps
 3. Optionally run transfers
 4. Report what was paid by this load

USAGE VIA API:

	POST /api/scenarios/load
	{"scenario_id": "typing-race"}

ADDING NEW SCENARIOS:
 1. Add to 'scenarios' slice with ID, name, description
 2. Create loader function: loadXxxScenario(ctx, h, summary)
 3. Add it to the 'loaders' map

NOTE:

	Scenarios do not reset the store. Loading on a production store
	creates demo accounts next to real ones.

SEE ALSO:
  - handlers.go: Event and transfer handlers
  - rewards/policies.go: Built-in programs
*/
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/score-engine/ledger"
	"github.com/warp/score-engine/rewards"
)

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

var scenarios = []ScenarioDTO{
	{
		ID:          "typing-race",
		Name:        "Typing Race",
		Description: "Three typists improve over a week: progress, tier and overtake bonuses",
		Category:    "typing",
	},
	{
		ID:          "first-success",
		Name:        "First Success",
		Description: "Accepted submissions pay once per problem",
		Category:    "submission",
	},
	{
		ID:          "transfers",
		Name:        "Transfers",
		Description: "Typing race followed by point transfers between typists",
		Category:    "transfer",
	},
}

type scenarioLoader func(ctx context.Context, h *Handler, sum *ScenarioResultDTO) error

var loaders = map[string]scenarioLoader{
	"typing-race":   loadTypingRaceScenario,
	"first-success": loadFirstSuccessScenario,
	"transfers":     loadTransfersScenario,
}

// scenarioStart anchors scenario timestamps.
var scenarioStart = time.Date(2025, time.March, 3, 9, 0, 0, 0, time.UTC)

// ListScenarios returns available scenarios.
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, scenarios)
}

// GetCurrentScenario returns the last loaded scenario, if any.
func (h *Handler) GetCurrentScenario(w http.ResponseWriter, r *http.Request) {
	h.scenarioMu.Lock()
	current := h.currentScenario
	h.scenarioMu.Unlock()

	if current == "" {
		writeJSON(w, http.StatusOK, nil)
		return
	}
	for _, s := range scenarios {
		if s.ID == current {
			writeJSON(w, http.StatusOK, s)
			return
		}
	}
	writeJSON(w, http.StatusOK, ScenarioDTO{ID: current, Name: current})
}

// LoadScenario plays a predefined scenario.
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ScenarioID string `json:"scenario_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}
	load, ok := loaders[req.ScenarioID]
	if !ok {
		writeError(w, http.StatusBadRequest, "unknown scenario", nil)
		return
	}

	sum := &ScenarioResultDTO{Status: "loaded", Scenario: req.ScenarioID, Payout: decimal.Zero}
	if err := load(r.Context(), h, sum); err != nil {
		h.writeDomainError(w, fmt.Sprintf("failed to load scenario %s", req.ScenarioID), err)
		return
	}

	h.scenarioMu.Lock()
	h.currentScenario = req.ScenarioID
	h.scenarioMu.Unlock()

	writeJSON(w, http.StatusOK, sum)
}

// =============================================================================
// SCENARIO LOADERS
// =============================================================================

func loadTypingRaceScenario(ctx context.Context, h *Handler, sum *ScenarioResultDTO) error {
	if err := h.ensurePolicy(rewards.TypingSpeedPolicy()); err != nil {
		return err
	}

	// Day by day, each typist's result. Cy starts fast, Ana catches up.
	days := [][3]int64{
		{35, 62, 81},
		{48, 70, 84},
		{72, 71, 90},
		{95, 88, 90},
		{118, 91, 102},
	}
	typists := []string{"demo-ana", "demo-ben", "demo-cy"}

	for day, results := range days {
		for i, wpm := range results {
			at := scenarioStart.AddDate(0, 0, day).Add(time.Duration(i) * time.Minute)
			ev := ledger.Event{
				AccountID:  ledger.AccountID(typists[i]),
				Value:      decimal.NewFromInt(wpm),
				EventID:    fmt.Sprintf("demo-typing-%s-d%d", typists[i], day+1),
				SourceKind: rewards.SourceTyping,
				At:         at,
			}
			if err := h.playEvent(ctx, ev, sum); err != nil {
				return err
			}
		}
	}
	return nil
}

func loadFirstSuccessScenario(ctx context.Context, h *Handler, sum *ScenarioResultDTO) error {
	if err := h.ensurePolicy(rewards.SubmissionPolicy()); err != nil {
		return err
	}

	submissions := []struct {
		account string
		problem string
	}{
		{"demo-ana", "two-sum"},
		{"demo-ana", "lru-cache"},
		{"demo-ben", "two-sum"},
		{"demo-ana", "two-sum"}, // solved again, no bonus
	}
	for i, s := range submissions {
		ev := ledger.Event{
			AccountID:  ledger.AccountID(s.account),
			EventID:    fmt.Sprintf("demo-submission-%d", i+1),
			SourceKind: rewards.SourceSubmission,
			ResourceID: s.problem,
			At:         scenarioStart.Add(time.Duration(i) * time.Hour),
		}
		if err := h.playEvent(ctx, ev, sum); err != nil {
			return err
		}
	}
	return nil
}

func loadTransfersScenario(ctx context.Context, h *Handler, sum *ScenarioResultDTO) error {
	if err := loadTypingRaceScenario(ctx, h, sum); err != nil {
		return err
	}
	if h.Transfers == nil {
		return ledger.ErrTransfersDisabled
	}

	moves := []struct {
		id       string
		from, to string
		amount   int64
	}{
		{"demo-transfer-1", "demo-ana", "demo-ben", 50},
		{"demo-transfer-2", "demo-cy", "demo-ana", 120},
	}
	for _, m := range moves {
		res, err := h.Transfers.Transfer(ctx, ledger.TransferRequest{
			TransferID: m.id,
			From:       ledger.AccountID(m.from),
			To:         ledger.AccountID(m.to),
			Amount:     decimal.NewFromInt(m.amount),
			Reason:     "demo",
		})
		if err != nil {
			return err
		}
		if res.Status == ledger.TransferCompleted {
			sum.Transfers++
		}
	}
	return nil
}

// =============================================================================
// HELPERS
// =============================================================================

// ensurePolicy registers p unless a policy for its source already exists.
func (h *Handler) ensurePolicy(p ledger.Policy) error {
	for _, existing := range h.Engine.Policies() {
		if existing.Source == p.Source {
			return nil
		}
	}
	return h.Engine.Register(p)
}

func (h *Handler) playEvent(ctx context.Context, ev ledger.Event, sum *ScenarioResultDTO) error {
	res, err := h.Engine.Process(ctx, ev)
	if err != nil {
		return fmt.Errorf("event %s: %w", ev.EventID, err)
	}
	sum.Events++
	sum.Payout = sum.Payout.Add(res.TotalPayout)
	return nil
}
