/*
scheduler.go - Automated aggregate reconciliation

PURPOSE:
  Periodically replays history for every scope with registered policies
  (plus the ledger scope) and rewrites aggregates that drifted from it.
  Drift means a crash or a manual edit left a row out of step with the
  samples and records it was folded from.

DESIGN:
  - Runs a background goroutine with configurable check interval
  - Runs once immediately on start
  - Scopes are read on every run, so policies registered later are covered
  - Keeps the reports of the last run for /api/admin/replay/status

CONFIGURATION:
  - CheckInterval: How often to run (SCORE_ENGINE_REPLAY_INTERVAL)
  - Enabled: false when the interval is zero

USAGE:
  scheduler := NewReplayScheduler(projector, engine, logger)
  scheduler.CheckInterval = time.Hour
  scheduler.Start()
  // ... later
  scheduler.Stop()

SEE ALSO:
  - handlers.go: Replay endpoint (manual reconciliation)
  - ledger/stats.go: Projector.ReplayAll
*/
package api

import (
	"context"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/warp/score-engine/ledger"
)

// ReplayScheduler handles automated aggregate reconciliation.
type ReplayScheduler struct {
	Projector     *ledger.Projector
	Engine        *ledger.Engine
	Logger        *zap.Logger
	CheckInterval time.Duration
	Enabled       bool

	ticker *time.Ticker
	stop   chan struct{}
	wg     sync.WaitGroup
	mu     sync.Mutex

	lastMu  sync.Mutex
	lastRun time.Time
	last    []ledger.ReplayReport
}

// NewReplayScheduler creates a scheduler that runs hourly.
func NewReplayScheduler(projector *ledger.Projector, engine *ledger.Engine, logger *zap.Logger) *ReplayScheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ReplayScheduler{
		Projector:     projector,
		Engine:        engine,
		Logger:        logger,
		CheckInterval: time.Hour,
		Enabled:       true,
	}
}

// Start begins the scheduler.
func (rs *ReplayScheduler) Start() {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	if !rs.Enabled || rs.CheckInterval <= 0 {
		rs.Logger.Info("replay scheduler disabled")
		return
	}
	if rs.ticker != nil {
		return
	}

	rs.ticker = time.NewTicker(rs.CheckInterval)
	rs.stop = make(chan struct{})
	rs.wg.Add(1)

	go rs.run()

	rs.Logger.Info("replay scheduler started", zap.Duration("interval", rs.CheckInterval))
}

// Stop stops the scheduler and waits for a running pass to finish.
func (rs *ReplayScheduler) Stop() {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	if rs.ticker != nil {
		rs.ticker.Stop()
		close(rs.stop)
		rs.wg.Wait()
		rs.ticker = nil
		rs.Logger.Info("replay scheduler stopped")
	}
}

func (rs *ReplayScheduler) run() {
	defer rs.wg.Done()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-rs.stop
		cancel()
	}()

	rs.RunNow(ctx)

	for {
		select {
		case <-rs.ticker.C:
			rs.RunNow(ctx)
		case <-rs.stop:
			return
		}
	}
}

// Scopes returns the ledger scope plus every scope a registered policy
// records samples in.
func (rs *ReplayScheduler) Scopes() []ledger.Scope {
	scopes := []ledger.Scope{ledger.ScopeLedger}
	seen := map[ledger.Scope]bool{ledger.ScopeLedger: true}
	for _, p := range rs.Engine.Policies() {
		if p.Scope == "" || seen[p.Scope] {
			continue
		}
		seen[p.Scope] = true
		scopes = append(scopes, p.Scope)
	}
	return scopes
}

// RunNow replays every scope once and returns the reports.
func (rs *ReplayScheduler) RunNow(ctx context.Context) []ledger.ReplayReport {
	started := time.Now()
	var reports []ledger.ReplayReport
	repaired, failed := 0, 0

	for _, scope := range rs.Scopes() {
		if ctx.Err() != nil {
			break
		}
		report, err := rs.Projector.ReplayAll(ctx, scope)
		if err != nil {
			rs.Logger.Error("scheduled replay failed", zap.String("scope", string(scope)), zap.Error(err))
			continue
		}
		repaired += len(report.Repaired)
		failed += len(report.Failed)
		reports = append(reports, report)
	}

	if repaired > 0 || failed > 0 {
		rs.Logger.Warn("scheduled replay completed",
			zap.Int("repaired", repaired),
			zap.Int("failed", failed),
			zap.Duration("took", time.Since(started)))
	} else {
		rs.Logger.Debug("scheduled replay completed", zap.Duration("took", time.Since(started)))
	}

	rs.lastMu.Lock()
	rs.lastRun = started
	rs.last = reports
	rs.lastMu.Unlock()
	return reports
}

// LastRun returns when the previous pass started and its reports.
func (rs *ReplayScheduler) LastRun() (time.Time, []ledger.ReplayReport) {
	rs.lastMu.Lock()
	defer rs.lastMu.Unlock()
	return rs.lastRun, rs.last
}

// GetNextRunTime returns when the next scheduled pass will occur.
func (rs *ReplayScheduler) GetNextRunTime() time.Time {
	return time.Now().Add(rs.CheckInterval)
}

// =============================================================================
// STATUS HANDLER
// =============================================================================

// ReplayStatus reports the scheduler's last pass.
func (h *Handler) ReplayStatus(w http.ResponseWriter, r *http.Request) {
	if h.Scheduler == nil {
		writeJSON(w, http.StatusOK, ReplayStatusDTO{Enabled: false, Reports: []ReplayDTO{}})
		return
	}
	lastRun, reports := h.Scheduler.LastRun()
	resp := ReplayStatusDTO{
		Enabled:  h.Scheduler.Enabled && h.Scheduler.CheckInterval > 0,
		Interval: h.Scheduler.CheckInterval.String(),
		Reports:  make([]ReplayDTO, 0, len(reports)),
	}
	if !lastRun.IsZero() {
		resp.LastRun = &lastRun
	}
	for _, rep := range reports {
		resp.Reports = append(resp.Reports, toReplayDTO(rep))
	}
	writeJSON(w, http.StatusOK, resp)
}
