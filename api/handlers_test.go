/*
handlers_test.go - HTTP tests for API handlers

Tests for:
- Event processing, duplicate delivery and validation statuses
- Transfer statuses (created, retried, rejected)
- Account reads, rankings, policies
- Admin adjustment, replay and verify
- Health and metrics endpoints
*/
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/warp/score-engine/ledger"
	"github.com/warp/score-engine/ledger/store"
	"github.com/warp/score-engine/rewards"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

var march10 = time.Date(2025, time.March, 10, 12, 0, 0, 0, time.UTC)

type testAPI struct {
	t       *testing.T
	store   *store.Memory
	handler *Handler
	router  http.Handler
}

func newTestAPI(t *testing.T, cfg ledger.TransferConfig) *testAPI {
	t.Helper()
	mem := store.NewMemory()
	logger := zaptest.NewLogger(t)
	registry := prometheus.NewRegistry()
	metrics := ledger.NewMetrics(registry)

	l := ledger.NewLedger(mem, logger, metrics)
	engine := ledger.NewEngine(l, ledger.NewRankTracker(mem), ledger.NopNotifier{}, logger)
	for _, p := range rewards.Defaults() {
		require.NoError(t, engine.Register(p))
	}
	transfers, err := ledger.NewTransferService(l, cfg, logger)
	require.NoError(t, err)
	projector := ledger.NewProjector(mem, logger)
	projector.Metrics = metrics

	h := NewHandler(engine, transfers, projector, logger)
	h.Gatherer = registry
	return &testAPI{t: t, store: mem, handler: h, router: NewRouter(h)}
}

func (a *testAPI) do(method, path string, body any) *httptest.ResponseRecorder {
	a.t.Helper()
	var buf bytes.Buffer
	switch b := body.(type) {
	case nil:
	case string:
		buf.WriteString(b)
	default:
		require.NoError(a.t, json.NewEncoder(&buf).Encode(b))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	a.router.ServeHTTP(rec, req)
	return rec
}

func (a *testAPI) typing(account string, wpm int64, eventID string) AwardResultDTO {
	a.t.Helper()
	at := march10
	rec := a.do(http.MethodPost, "/api/events", EventRequest{
		AccountID: account,
		Source:    rewards.SourceTyping,
		EventID:   eventID,
		Value:     decimal.NewFromInt(wpm),
		At:        &at,
	})
	require.Equal(a.t, http.StatusOK, rec.Code, rec.Body.String())
	return decode[AwardResultDTO](a.t, rec)
}

func (a *testAPI) fund(account string, amount int64) {
	a.t.Helper()
	rec := a.do(http.MethodPost, "/api/admin/adjustment", AdjustmentRequest{
		AccountID:      account,
		Amount:         decimal.NewFromInt(amount),
		Reason:         "test funding",
		IdempotencyKey: "fund-" + account,
	})
	require.Equal(a.t, http.StatusOK, rec.Code, rec.Body.String())
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func openTransfers() ledger.TransferConfig {
	return ledger.TransferConfig{Enabled: true}
}

// =============================================================================
// EVENTS
// =============================================================================

func TestProcessEvent(t *testing.T) {
	// GIVEN: A new typist
	// WHEN: A 55 WPM result is posted, then posted again
	// THEN: Progress and tier are paid once; the retry pays nothing

	api := newTestAPI(t, openTransfers())
	first := api.typing("A", 55, "e1")
	require.Len(t, first.Grants, 2)
	assert.Equal(t, "progress", first.Grants[0].Kind)
	assert.Equal(t, "inserted", first.Grants[0].Outcome)
	assert.Equal(t, "tier", first.Grants[1].Kind)
	require.NotNil(t, first.Grants[1].Tier)
	assert.Equal(t, 2, *first.Grants[1].Tier)
	assert.Equal(t, "220", first.TotalPayout.String())

	again := api.typing("A", 55, "e1")
	assert.Equal(t, "0", again.TotalPayout.String())
	for _, g := range again.Grants {
		assert.Equal(t, "already_exists", g.Outcome)
	}
	assert.Equal(t, "already_exists", again.SampleOutcome)
}

func TestProcessEvent_Rejections(t *testing.T) {
	api := newTestAPI(t, openTransfers())
	tests := []struct {
		name string
		body any
		want int
	}{
		{"malformed body", "{", http.StatusBadRequest},
		{"value above bounds", EventRequest{AccountID: "A", Source: "typing", EventID: "e1", Value: decimal.NewFromInt(301)}, http.StatusBadRequest},
		{"missing event id", EventRequest{AccountID: "A", Source: "typing", Value: decimal.NewFromInt(30)}, http.StatusBadRequest},
		{"unknown source", EventRequest{AccountID: "A", Source: "chess", EventID: "e1", Value: decimal.NewFromInt(30)}, http.StatusBadRequest},
		{"submission without resource", EventRequest{AccountID: "A", Source: "submission", EventID: "s1"}, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := api.do(http.MethodPost, "/api/events", tt.body)
			assert.Equal(t, tt.want, rec.Code, rec.Body.String())
			assert.NotEmpty(t, decode[ErrorResponse](t, rec).Error)
		})
	}

	rec := api.do(http.MethodGet, "/api/accounts/A/stats", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code, "rejected events write nothing")
}

func TestProcessEvent_Overtake(t *testing.T) {
	api := newTestAPI(t, openTransfers())
	api.typing("A", 55, "a1")
	api.typing("B", 70, "b1")

	res := api.typing("A", 75, "a2")
	var overtaken []string
	for _, g := range res.Grants {
		if g.Kind == "overtake" {
			overtaken = append(overtaken, g.Overtaken)
		}
	}
	assert.Equal(t, []string{"B"}, overtaken)

	rec := api.do(http.MethodGet, "/api/accounts/B/awards?scope=typing", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	awards := decode[AwardSummaryDTO](t, rec)
	require.Len(t, awards.OvertakenBy, 1)
	assert.Equal(t, "A", awards.OvertakenBy[0].AccountID)
}

// =============================================================================
// TRANSFERS
// =============================================================================

func TestCreateTransfer(t *testing.T) {
	// GIVEN: A with 100 points and B with an account
	// WHEN: A sends 40 to B, then retries the same transfer
	// THEN: 201 then 200 already_applied; balances move once

	api := newTestAPI(t, openTransfers())
	api.fund("A", 100)
	api.fund("B", 1)

	req := TransferRequest{TransferID: "t-1", From: "A", To: "B", Amount: decimal.NewFromInt(40), Reason: "thanks"}
	rec := api.do(http.MethodPost, "/api/transfers", req)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	created := decode[TransferDTO](t, rec)
	assert.Equal(t, "completed", created.Status)
	assert.Len(t, created.Legs, 2)

	rec = api.do(http.MethodPost, "/api/transfers", req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "already_applied", decode[TransferDTO](t, rec).Status)

	rec = api.do(http.MethodGet, "/api/accounts/A/stats", nil)
	assert.Equal(t, "60", decode[AccountStatsDTO](t, rec).Balance.String())
	rec = api.do(http.MethodGet, "/api/accounts/B/stats", nil)
	assert.Equal(t, "41", decode[AccountStatsDTO](t, rec).Balance.String())

	rec = api.do(http.MethodGet, "/api/accounts/B/transfers", nil)
	history := decode[[]RecordDTO](t, rec)
	require.Len(t, history, 1)
	assert.Equal(t, "transfer_credit", history[0].Category)
	assert.Equal(t, "t-1", history[0].ReferenceID)
}

func TestCreateTransfer_Statuses(t *testing.T) {
	api := newTestAPI(t, ledger.TransferConfig{Enabled: true, DailyLimit: 1})
	api.fund("A", 100)
	api.fund("B", 1)

	tests := []struct {
		name string
		req  TransferRequest
		want int
	}{
		{"unknown recipient", TransferRequest{From: "A", To: "ghost", Amount: decimal.NewFromInt(1)}, http.StatusNotFound},
		{"self transfer", TransferRequest{From: "A", To: "A", Amount: decimal.NewFromInt(1)}, http.StatusBadRequest},
		{"zero amount", TransferRequest{From: "A", To: "B", Amount: decimal.Zero}, http.StatusBadRequest},
		{"insufficient balance", TransferRequest{From: "B", To: "A", Amount: decimal.NewFromInt(5)}, http.StatusConflict},
		{"first of the day", TransferRequest{TransferID: "d-1", From: "A", To: "B", Amount: decimal.NewFromInt(1)}, http.StatusCreated},
		{"transfer id reused for another amount", TransferRequest{TransferID: "d-1", From: "A", To: "B", Amount: decimal.NewFromInt(2)}, http.StatusBadRequest},
		{"daily limit", TransferRequest{TransferID: "d-2", From: "A", To: "B", Amount: decimal.NewFromInt(1)}, http.StatusTooManyRequests},
	}
	for _, tt := range tests {
		rec := api.do(http.MethodPost, "/api/transfers", tt.req)
		assert.Equal(t, tt.want, rec.Code, "%s: %s", tt.name, rec.Body.String())
	}
}

func TestCreateTransfer_Disabled(t *testing.T) {
	api := newTestAPI(t, ledger.TransferConfig{Enabled: false})
	rec := api.do(http.MethodPost, "/api/transfers", TransferRequest{From: "A", To: "B", Amount: decimal.NewFromInt(1)})
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestWriteDomainError_PartialTransfer(t *testing.T) {
	api := newTestAPI(t, openTransfers())
	rec := httptest.NewRecorder()
	api.handler.writeDomainError(rec, "transfer failed", &ledger.PartialTransferError{
		TransferID: "t-9", Leg: "credit", Err: errors.New("disk full"),
	})
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "t-9", decode[ErrorResponse](t, rec).TransferID)
}

// =============================================================================
// ACCOUNTS AND RANKINGS
// =============================================================================

func TestGetStats(t *testing.T) {
	api := newTestAPI(t, openTransfers())
	api.typing("A", 55, "a1")
	api.typing("B", 70, "b1")

	rec := api.do(http.MethodGet, "/api/accounts/A/stats?scope=typing", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	stats := decode[AccountStatsDTO](t, rec)
	assert.Equal(t, "220", stats.Balance.String())
	require.NotNil(t, stats.Stats)
	assert.Equal(t, "55", stats.Stats.Max.String())
	assert.Equal(t, int64(1), stats.Stats.SampleCount)
	assert.Equal(t, 2, stats.Rank)
	assert.Equal(t, "max", stats.Metric)

	rec = api.do(http.MethodGet, "/api/accounts/A/stats?metric=median", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = api.do(http.MethodGet, "/api/accounts/nobody/stats", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGetRecordsAndAchievements(t *testing.T) {
	api := newTestAPI(t, openTransfers())
	api.typing("A", 55, "a1")
	api.typing("A", 85, "a2")

	rec := api.do(http.MethodGet, "/api/accounts/A/records", nil)
	all := decode[[]RecordDTO](t, rec)
	assert.Len(t, all, 4)

	rec = api.do(http.MethodGet, "/api/accounts/A/records?category=tier&limit=1", nil)
	tiers := decode[[]RecordDTO](t, rec)
	require.Len(t, tiers, 1)
	assert.Equal(t, "tier", tiers[0].Category)

	rec = api.do(http.MethodGet, "/api/accounts/A/records?limit=x", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = api.do(http.MethodGet, "/api/accounts/A/achievements", nil)
	achievements := decode[[]AchievementDTO](t, rec)
	assert.Len(t, achievements, 4, "two progress and two tier markers")

	rec = api.do(http.MethodGet, "/api/accounts/A/awards", nil)
	awards := decode[AwardSummaryDTO](t, rec)
	assert.Equal(t, 4, awards.Count)
	assert.Equal(t, 2, awards.ByKind["progress"].Count)
}

func TestGetRanking(t *testing.T) {
	api := newTestAPI(t, openTransfers())
	api.typing("A", 40, "a1")
	api.typing("B", 90, "b1")
	api.typing("C", 65, "c1")

	rec := api.do(http.MethodGet, "/api/rankings/typing?offset=1&limit=1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	ranking := decode[RankingDTO](t, rec)
	assert.Equal(t, 3, ranking.Total)
	require.Len(t, ranking.Entries, 1)
	assert.Equal(t, 2, ranking.Entries[0].Rank)
	assert.Equal(t, "C", ranking.Entries[0].AccountID)

	rec = api.do(http.MethodGet, "/api/rankings/empty", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, decode[RankingDTO](t, rec).Entries)

	rec = api.do(http.MethodGet, "/api/rankings/typing?offset=-1", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

// =============================================================================
// POLICIES
// =============================================================================

func TestPolicies(t *testing.T) {
	api := newTestAPI(t, openTransfers())

	rec := api.do(http.MethodGet, "/api/policies", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]PolicyDTO](t, rec), 2)

	quiz := `{"source": "quiz", "scope": "quiz", "progress_bonus": 5, "tiers": [{"min": 0, "bonus": 0}, {"min": 10, "bonus": 50}]}`
	rec = api.do(http.MethodPost, "/api/policies", quiz)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Len(t, decode[PolicyDTO](t, rec).Tiers, 2)

	rec = api.do(http.MethodPost, "/api/events", EventRequest{AccountID: "A", Source: "quiz", EventID: "q1", Value: decimal.NewFromInt(12)})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "55", decode[AwardResultDTO](t, rec).TotalPayout.String())

	rec = api.do(http.MethodPost, "/api/policies", `{"source": "bad", "scope": "ledger", "progress_bonus": 1}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

// =============================================================================
// ADMIN
// =============================================================================

func TestAdjust(t *testing.T) {
	api := newTestAPI(t, openTransfers())
	body := AdjustmentRequest{AccountID: "A", Amount: decimal.NewFromInt(25), Reason: "support credit", IdempotencyKey: "ticket-7"}

	rec := api.do(http.MethodPost, "/api/admin/adjustment", body)
	require.Equal(t, http.StatusOK, rec.Code)
	first := decode[AdjustmentDTO](t, rec)
	assert.Equal(t, "inserted", first.Outcome)
	assert.Equal(t, "25", first.Balance.String())

	rec = api.do(http.MethodPost, "/api/admin/adjustment", body)
	again := decode[AdjustmentDTO](t, rec)
	assert.Equal(t, "already_exists", again.Outcome)
	assert.Equal(t, "25", again.Balance.String())

	rec = api.do(http.MethodPost, "/api/admin/adjustment", AdjustmentRequest{AccountID: "A", Amount: decimal.NewFromInt(5)})
	assert.Equal(t, http.StatusBadRequest, rec.Code, "reason is required")

	rec = api.do(http.MethodPost, "/api/admin/adjustment", AdjustmentRequest{AccountID: "A", Reason: "zero"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestReplayAndVerify(t *testing.T) {
	// GIVEN: A typing aggregate corrupted behind the engine's back
	// WHEN: Verify, replay the account, verify again
	// THEN: Drift is reported, repaired, then gone

	api := newTestAPI(t, openTransfers())
	api.typing("A", 55, "a1")
	api.typing("A", 65, "a2")

	ctx := context.Background()
	stored, err := api.store.GetAggregate(ctx, "A", rewards.ScopeTyping)
	require.NoError(t, err)
	bad := *stored
	bad.Max = decimal.NewFromInt(999)
	require.NoError(t, api.store.PutAggregate(ctx, bad))

	rec := api.do(http.MethodGet, "/api/admin/verify?account=A&scope=typing", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	drift := decode[DriftDTO](t, rec)
	assert.False(t, drift.Consistent)
	assert.Contains(t, drift.Fields, "max")

	rec = api.do(http.MethodPost, "/api/admin/replay", ReplayRequest{Scope: "typing", AccountID: "A"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, []string{"A"}, decode[ReplayDTO](t, rec).Repaired)

	rec = api.do(http.MethodGet, "/api/admin/verify?account=A&scope=typing", nil)
	assert.True(t, decode[DriftDTO](t, rec).Consistent)

	rec = api.do(http.MethodPost, "/api/admin/replay", ReplayRequest{})
	require.Equal(t, http.StatusOK, rec.Code)
	all := decode[ReplayDTO](t, rec)
	assert.Equal(t, "ledger", all.Scope)
	assert.Equal(t, 1, all.Accounts)
	assert.Empty(t, all.Repaired)

	rec = api.do(http.MethodGet, "/api/admin/verify", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

// =============================================================================
// SCHEDULER AND SCENARIOS
// =============================================================================

func TestReplayScheduler_RunNow(t *testing.T) {
	api := newTestAPI(t, openTransfers())
	api.typing("A", 55, "a1")

	ctx := context.Background()
	stored, err := api.store.GetAggregate(ctx, "A", ledger.ScopeLedger)
	require.NoError(t, err)
	bad := *stored
	bad.Total = decimal.NewFromInt(1)
	require.NoError(t, api.store.PutAggregate(ctx, bad))

	scheduler := NewReplayScheduler(api.handler.Projector, api.handler.Engine, zaptest.NewLogger(t))
	assert.Equal(t, []ledger.Scope{ledger.ScopeLedger, rewards.ScopeTyping}, scheduler.Scopes())

	reports := scheduler.RunNow(ctx)
	require.Len(t, reports, 2)
	assert.Equal(t, []ledger.AccountID{"A"}, reports[0].Repaired)
	assert.Empty(t, reports[1].Repaired)

	api.handler.Scheduler = scheduler
	rec := api.do(http.MethodGet, "/api/admin/replay/status", nil)
	status := decode[ReplayStatusDTO](t, rec)
	require.NotNil(t, status.LastRun)
	assert.Len(t, status.Reports, 2)
}

func TestReplayScheduler_StartStop(t *testing.T) {
	api := newTestAPI(t, openTransfers())
	scheduler := NewReplayScheduler(api.handler.Projector, api.handler.Engine, nil)
	scheduler.CheckInterval = time.Hour

	scheduler.Start()
	scheduler.Stop()
	scheduler.Stop()

	disabled := NewReplayScheduler(api.handler.Projector, api.handler.Engine, nil)
	disabled.Enabled = false
	disabled.Start()
	lastRun, _ := disabled.LastRun()
	assert.True(t, lastRun.IsZero())
}

func TestLoadScenario_IsIdempotent(t *testing.T) {
	// GIVEN: The transfers scenario
	// WHEN: Loaded twice
	// THEN: The second load pays nothing and moves nothing

	api := newTestAPI(t, openTransfers())
	rec := api.do(http.MethodPost, "/api/scenarios/load", `{"scenario_id": "transfers"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	first := decode[ScenarioResultDTO](t, rec)
	assert.Equal(t, 15, first.Events)
	assert.Equal(t, 2, first.Transfers)
	assert.True(t, first.Payout.IsPositive())

	rec = api.do(http.MethodPost, "/api/scenarios/load", `{"scenario_id": "transfers"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	second := decode[ScenarioResultDTO](t, rec)
	assert.Equal(t, "0", second.Payout.String())
	assert.Equal(t, 0, second.Transfers)

	rec = api.do(http.MethodGet, "/api/scenarios/current", nil)
	assert.Equal(t, "transfers", decode[ScenarioDTO](t, rec).ID)

	rec = api.do(http.MethodPost, "/api/scenarios/load", `{"scenario_id": "nope"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = api.do(http.MethodGet, "/api/scenarios", nil)
	assert.Len(t, decode[[]ScenarioDTO](t, rec), 3)
}

func TestLoadScenario_FirstSuccess(t *testing.T) {
	api := newTestAPI(t, openTransfers())
	rec := api.do(http.MethodPost, "/api/scenarios/load", `{"scenario_id": "first-success"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "30", decode[ScenarioResultDTO](t, rec).Payout.String())
}

// =============================================================================
// HEALTH AND METRICS
// =============================================================================

func TestHealth(t *testing.T) {
	api := newTestAPI(t, openTransfers())
	rec := api.do(http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	api.handler.Ping = func(context.Context) error { return errors.New("connection refused") }
	rec = api.do(http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	api := newTestAPI(t, openTransfers())
	api.typing("A", 55, "a1")

	rec := api.do(http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.True(t, strings.Contains(body, `score_events_total{source="typing",status="ok"} 1`), body)
	assert.Contains(t, body, "score_payout_points_total")
}
