/*
handlers.go - HTTP API handlers for the scoring engine

PURPOSE:
  Exposes the scoring engine via REST API. Handles HTTP request/response,
  JSON serialization, and delegates to the ledger package.

ENDPOINTS:
  Events:
    POST   /api/events                        Process one performance event

  Transfers:
    POST   /api/transfers                     Move points between accounts

  Accounts:
    GET    /api/accounts/{id}/stats           Balance, aggregate and rank
    GET    /api/accounts/{id}/records         Ledger history, newest first
    GET    /api/accounts/{id}/transfers       Transfer history
    GET    /api/accounts/{id}/achievements    Milestone markers
    GET    /api/accounts/{id}/awards          Bonus summary by kind

  Rankings:
    GET    /api/rankings/{scope}              Leaderboard page

  Policies:
    GET    /api/policies                      List registered policies
    POST   /api/policies                      Register policy from JSON

  Admin:
    POST   /api/admin/adjustment              Manual balance adjustment
    POST   /api/admin/replay                  Rebuild aggregates from history
    GET    /api/admin/replay/status           Last scheduled replay pass
    GET    /api/admin/verify                  Compare one aggregate to history

  Scenarios:
    GET    /api/scenarios                     List demo scenarios
    GET    /api/scenarios/current             Last loaded scenario
    POST   /api/scenarios/load                Play a demo scenario

ERROR HANDLING:
  Errors are returned as JSON with appropriate HTTP status:
  - 400: Validation errors, invalid input
  - 403: Transfers disabled
  - 404: Account not found
  - 409: Insufficient balance
  - 429: Daily transfer limit reached
  - 500: Inconsistent state, store failures, incomplete transfers

  Duplicate deliveries are not errors. A re-sent event or transfer returns
  200 with outcome "already_exists" on every grant or leg.

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/warp/score-engine/factory"
	"github.com/warp/score-engine/ledger"
)

const (
	defaultPageSize = 50
	maxPageSize     = 500
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Engine        *ledger.Engine
	Ledger        *ledger.Ledger
	Transfers     *ledger.TransferService
	Projector     *ledger.Projector
	Store         ledger.Store
	PolicyFactory *factory.PolicyFactory
	Logger        *zap.Logger

	// Gatherer backs /metrics. nil means the default registry.
	Gatherer prometheus.Gatherer

	// Ping checks the backing store for /healthz. nil means always healthy.
	Ping func(ctx context.Context) error

	// Scheduler backs /api/admin/replay/status. nil reports disabled.
	Scheduler *ReplayScheduler

	scenarioMu      sync.Mutex
	currentScenario string
}

// NewHandler wires a handler around an engine. The ledger and store are
// taken from the engine.
func NewHandler(engine *ledger.Engine, transfers *ledger.TransferService, projector *ledger.Projector, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		Engine:        engine,
		Ledger:        engine.Ledger,
		Transfers:     transfers,
		Projector:     projector,
		Store:         engine.Ledger.Store,
		PolicyFactory: factory.NewPolicyFactory(),
		Logger:        logger,
	}
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if h.Ping != nil {
		if err := h.Ping(r.Context()); err != nil {
			writeError(w, http.StatusServiceUnavailable, "store unavailable", err)
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// =============================================================================
// EVENT HANDLERS
// =============================================================================

// ProcessEvent evaluates one event and pays the bonuses it qualifies for.
func (h *Handler) ProcessEvent(w http.ResponseWriter, r *http.Request) {
	var req EventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}

	ev := ledger.Event{
		AccountID:  ledger.AccountID(req.AccountID),
		Value:      req.Value,
		EventID:    req.EventID,
		SourceKind: req.Source,
		ResourceID: req.ResourceID,
	}
	if req.At != nil {
		ev.At = *req.At
	}

	result, err := h.Engine.Process(r.Context(), ev)
	if err != nil {
		h.writeDomainError(w, "failed to process event", err)
		return
	}
	writeJSON(w, http.StatusOK, toAwardResultDTO(result))
}

// =============================================================================
// TRANSFER HANDLERS
// =============================================================================

func (h *Handler) CreateTransfer(w http.ResponseWriter, r *http.Request) {
	var req TransferRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}

	result, err := h.Transfers.Transfer(r.Context(), ledger.TransferRequest{
		TransferID: req.TransferID,
		From:       ledger.AccountID(req.From),
		To:         ledger.AccountID(req.To),
		Amount:     req.Amount,
		Reason:     req.Reason,
	})
	if err != nil {
		h.writeDomainError(w, "transfer failed", err)
		return
	}

	status := http.StatusCreated
	if result.Status == ledger.TransferAlreadyApplied {
		status = http.StatusOK
	}
	writeJSON(w, status, toTransferDTO(result))
}

// =============================================================================
// ACCOUNT HANDLERS
// =============================================================================

// GetStats returns the balance plus the aggregate and rank in ?scope=
// (default: the ledger scope).
func (h *Handler) GetStats(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	account := ledger.AccountID(chi.URLParam(r, "id"))

	exists, err := h.Store.AccountExists(ctx, account)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to look up account", err)
		return
	}
	if !exists {
		writeError(w, http.StatusNotFound, "account not found", nil)
		return
	}

	scope := ledger.Scope(r.URL.Query().Get("scope"))
	if scope == "" {
		scope = ledger.ScopeLedger
	}
	metric, err := ledger.ParseMetric(r.URL.Query().Get("metric"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid metric", err)
		return
	}

	balance, err := h.Ledger.Balance(ctx, account)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to read balance", err)
		return
	}
	stats, err := h.Store.GetAggregate(ctx, account, scope)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to read stats", err)
		return
	}

	resp := AccountStatsDTO{AccountID: string(account), Balance: balance, Stats: toAggregateDTO(stats)}
	if stats != nil {
		snap, err := h.Engine.Ranks.Snapshot(ctx, scope, metric)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "failed to rank", err)
			return
		}
		if rank, ok := snap.RankOf(account); ok {
			resp.Rank = rank
			resp.Metric = string(metric)
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// GetRecords returns ledger records, optionally filtered by ?category=.
func (h *Handler) GetRecords(w http.ResponseWriter, r *http.Request) {
	account := ledger.AccountID(chi.URLParam(r, "id"))
	limit, err := queryInt(r, "limit", defaultPageSize)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid limit", err)
		return
	}
	limit = clampPage(limit)

	category := ledger.Category(r.URL.Query().Get("category"))
	fetch := limit
	if category != "" {
		fetch = 0
	}
	recs, err := h.Ledger.History(r.Context(), account, fetch)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load records", err)
		return
	}
	if category != "" {
		filtered := recs[:0]
		for _, rec := range recs {
			if rec.Category == category {
				filtered = append(filtered, rec)
			}
		}
		recs = filtered
		if len(recs) > limit {
			recs = recs[:limit]
		}
	}
	writeJSON(w, http.StatusOK, toRecordDTOs(recs))
}

func (h *Handler) GetTransfers(w http.ResponseWriter, r *http.Request) {
	account := ledger.AccountID(chi.URLParam(r, "id"))
	limit, err := queryInt(r, "limit", defaultPageSize)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid limit", err)
		return
	}
	recs, err := h.Transfers.History(r.Context(), account, clampPage(limit))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load transfers", err)
		return
	}
	writeJSON(w, http.StatusOK, toRecordDTOs(recs))
}

func (h *Handler) GetAchievements(w http.ResponseWriter, r *http.Request) {
	account := ledger.AccountID(chi.URLParam(r, "id"))
	list, err := h.Store.ListAchievements(r.Context(), account)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load achievements", err)
		return
	}
	writeJSON(w, http.StatusOK, toAchievementDTOs(list))
}

// GetAwards summarizes bonuses by kind. With ?scope= it also lists who
// overtook the account in that scope.
func (h *Handler) GetAwards(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	account := ledger.AccountID(chi.URLParam(r, "id"))

	recs, err := h.Store.LoadRecords(ctx, account)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load records", err)
		return
	}
	sum := ledger.SummarizeAwards(account, recs)

	resp := AwardSummaryDTO{
		AccountID: string(sum.AccountID),
		Count:     sum.Count,
		Total:     sum.Total,
		ByKind:    make(map[string]KindSummaryDTO, len(sum.ByKind)),
	}
	for kind, ks := range sum.ByKind {
		resp.ByKind[string(kind)] = KindSummaryDTO{Count: ks.Count, Total: ks.Total}
	}

	if scope := r.URL.Query().Get("scope"); scope != "" {
		by, err := ledger.OvertakenBy(ctx, h.Store, account, ledger.Scope(scope), defaultPageSize)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "failed to load overtakes", err)
			return
		}
		resp.OvertakenBy = toAchievementDTOs(by)
	}
	writeJSON(w, http.StatusOK, resp)
}

// =============================================================================
// RANKING HANDLERS
// =============================================================================

// GetRanking returns ?offset=&limit= entries of the scope's leaderboard
// ordered by ?metric= (default max).
func (h *Handler) GetRanking(w http.ResponseWriter, r *http.Request) {
	scope := ledger.Scope(chi.URLParam(r, "scope"))
	metric, err := ledger.ParseMetric(r.URL.Query().Get("metric"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid metric", err)
		return
	}
	offset, err := queryInt(r, "offset", 0)
	if err != nil || offset < 0 {
		writeError(w, http.StatusBadRequest, "invalid offset", err)
		return
	}
	limit, err := queryInt(r, "limit", 20)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid limit", err)
		return
	}

	snap, err := h.Engine.Ranks.Snapshot(r.Context(), scope, metric)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to rank", err)
		return
	}

	resp := RankingDTO{
		Scope:   string(scope),
		Metric:  string(metric),
		Total:   snap.Len(),
		TakenAt: snap.TakenAt,
		Entries: []RankEntryDTO{},
	}
	for _, e := range snap.Top(offset, clampPage(limit)) {
		resp.Entries = append(resp.Entries, RankEntryDTO{
			Rank:      e.Rank,
			AccountID: string(e.AccountID),
			Value:     e.Value,
			UpdatedAt: e.UpdatedAt,
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

// =============================================================================
// POLICY HANDLERS
// =============================================================================

func (h *Handler) ListPolicies(w http.ResponseWriter, r *http.Request) {
	policies := h.Engine.Policies()
	out := make([]PolicyDTO, len(policies))
	for i, p := range policies {
		out[i] = toPolicyDTO(p)
	}
	writeJSON(w, http.StatusOK, out)
}

// CreatePolicy registers a policy from its JSON definition. An existing
// policy for the same source is replaced.
func (h *Handler) CreatePolicy(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read body", err)
		return
	}
	policy, err := h.PolicyFactory.ParsePolicy(string(body))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid policy", err)
		return
	}
	if err := h.Engine.Register(policy); err != nil {
		writeError(w, http.StatusBadRequest, "invalid policy", err)
		return
	}
	h.Logger.Info("policy registered", zap.String("source", policy.Source), zap.String("scope", string(policy.Scope)))
	writeJSON(w, http.StatusCreated, toPolicyDTO(policy))
}

// =============================================================================
// ADMIN HANDLERS
// =============================================================================

func (h *Handler) Adjust(w http.ResponseWriter, r *http.Request) {
	var req AdjustmentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}
	if req.AccountID == "" {
		writeError(w, http.StatusBadRequest, "account_id is required", nil)
		return
	}
	if req.Reason == "" {
		writeError(w, http.StatusBadRequest, "reason is required", nil)
		return
	}

	ctx := r.Context()
	account := ledger.AccountID(req.AccountID)
	outcome, err := h.Ledger.Adjust(ctx, account, req.Amount, req.Reason, req.IdempotencyKey)
	if err != nil {
		h.writeDomainError(w, "adjustment failed", err)
		return
	}
	balance, err := h.Ledger.Balance(ctx, account)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to read balance", err)
		return
	}
	writeJSON(w, http.StatusOK, AdjustmentDTO{AccountID: req.AccountID, Outcome: outcome.String(), Balance: balance})
}

// Replay rebuilds aggregates in a scope from history. With account_id only
// that account is checked and, if drifted, rewritten.
func (h *Handler) Replay(w http.ResponseWriter, r *http.Request) {
	var req ReplayRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}
	scope := ledger.Scope(req.Scope)
	if scope == "" {
		scope = ledger.ScopeLedger
	}
	ctx := r.Context()

	if req.AccountID == "" {
		report, err := h.Projector.ReplayAll(ctx, scope)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "replay failed", err)
			return
		}
		writeJSON(w, http.StatusOK, toReplayDTO(report))
		return
	}

	account := ledger.AccountID(req.AccountID)
	resp := ReplayDTO{Scope: string(scope), Accounts: 1, Repaired: []string{}}
	drift, err := h.Projector.Verify(ctx, account, scope)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "replay failed", err)
		return
	}
	if drift != nil {
		if _, err := h.Projector.Recompute(ctx, account, scope); err != nil {
			writeError(w, http.StatusInternalServerError, "replay failed", err)
			return
		}
		resp.Repaired = append(resp.Repaired, req.AccountID)
		h.Logger.Warn("aggregate repaired",
			zap.String("account", req.AccountID),
			zap.String("scope", string(scope)),
			zap.Strings("fields", drift.Fields))
	}
	writeJSON(w, http.StatusOK, resp)
}

// Verify reports whether ?account= has a drifted aggregate in ?scope=.
func (h *Handler) Verify(w http.ResponseWriter, r *http.Request) {
	account := r.URL.Query().Get("account")
	if account == "" {
		writeError(w, http.StatusBadRequest, "account is required", nil)
		return
	}
	scope := ledger.Scope(r.URL.Query().Get("scope"))
	if scope == "" {
		scope = ledger.ScopeLedger
	}

	drift, err := h.Projector.Verify(r.Context(), ledger.AccountID(account), scope)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "verify failed", err)
		return
	}
	resp := DriftDTO{AccountID: account, Scope: string(scope), Consistent: drift == nil}
	if drift != nil {
		resp.Fields = drift.Fields
		resp.Stored = toAggregateDTO(drift.Stored)
		resp.Replayed = toAggregateDTO(drift.Replayed)
	}
	writeJSON(w, http.StatusOK, resp)
}

// =============================================================================
// HELPERS
// =============================================================================

// writeDomainError maps ledger errors to HTTP statuses.
func (h *Handler) writeDomainError(w http.ResponseWriter, message string, err error) {
	var partial *ledger.PartialTransferError
	switch {
	case errors.As(err, &partial):
		h.Logger.Error("transfer incomplete", zap.String("transfer_id", partial.TransferID), zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, ErrorResponse{
			Error:      "transfer incomplete, retry with the same transfer_id",
			Details:    err.Error(),
			TransferID: partial.TransferID,
		})
	case ledger.IsNotFound(err):
		writeError(w, http.StatusNotFound, message, err)
	case errors.Is(err, ledger.ErrTransfersDisabled):
		writeError(w, http.StatusForbidden, message, err)
	case errors.Is(err, ledger.ErrInsufficientBalance):
		writeError(w, http.StatusConflict, message, err)
	case errors.Is(err, ledger.ErrDailyLimitExceeded):
		writeError(w, http.StatusTooManyRequests, message, err)
	case ledger.IsValidation(err):
		writeError(w, http.StatusBadRequest, message, err)
	case ledger.IsInconsistency(err):
		h.Logger.Error("inconsistent state", zap.Error(err))
		writeError(w, http.StatusInternalServerError, message, err)
	default:
		h.Logger.Error(message, zap.Error(err))
		writeError(w, http.StatusInternalServerError, message, err)
	}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

func queryInt(r *http.Request, name string, def int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", name, err)
	}
	return n, nil
}

func clampPage(limit int) int {
	if limit <= 0 {
		return defaultPageSize
	}
	if limit > maxPageSize {
		return maxPageSize
	}
	return limit
}
