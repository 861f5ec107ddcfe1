/*
stats.go - Aggregate statistics: incremental fold and full replay

PURPOSE:
  AggregateStats are derived data. They are maintained incrementally on
  every qualifying write, and can be rebuilt at any time by replaying the
  account's history. Both paths MUST agree.

MONOID:
  An aggregate is a fold over entries (value, at):
    total  = sum(value)
    count  = len(entries)
    max    = max(value)
    last   = max(at)
  All four are commutative and associative, so the fold is independent of
  submission order and interleaving. That is what lets a full replay repair
  any partial failure (e.g. a sample written but its aggregate update lost).

SOURCES:
  ScopeLedger:  entries are the account's Records (value = amount)
  other scopes: entries are the account's Samples

SEE ALSO:
  - store.go: AggregateStore.UpsertAggregate applies ApplyMutation atomically
  - rank.go: Rankings read these rows
*/
package ledger

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/alitto/pond/v2"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Entry is one folded observation.
type Entry struct {
	Value decimal.Decimal
	At    time.Time
}

// =============================================================================
// PURE FOLD
// =============================================================================

// ApplyMutation returns the row that results from applying m to prior. A nil
// prior is a row that does not exist yet.
func ApplyMutation(prior *AggregateStats, account AccountID, scope Scope, m Mutation, now time.Time) AggregateStats {
	next := AggregateStats{AccountID: account, Scope: scope}
	if prior == nil {
		next.Total = m.Value
		next.Max = m.Value
		next.SampleCount = m.Count
		next.LastEventAt = m.At
	} else {
		next.Total = prior.Total.Add(m.Value)
		next.Max = decimal.Max(prior.Max, m.Value)
		next.SampleCount = prior.SampleCount + m.Count
		next.LastEventAt = prior.LastEventAt
		if m.At.After(next.LastEventAt) {
			next.LastEventAt = m.At
		}
	}
	next.Average = Average(next.Total, next.SampleCount)
	next.UpdatedAt = now
	return next
}

// Apply folds one entry into prior.
func Apply(prior *AggregateStats, account AccountID, scope Scope, e Entry) AggregateStats {
	return ApplyMutation(prior, account, scope, Mutation{Value: e.Value, Count: 1, At: e.At}, e.At)
}

// Fold reduces entries from scratch. It returns nil for no entries.
func Fold(account AccountID, scope Scope, entries []Entry) *AggregateStats {
	var acc *AggregateStats
	for _, e := range entries {
		next := Apply(acc, account, scope, e)
		acc = &next
	}
	if acc != nil {
		acc.UpdatedAt = acc.LastEventAt
	}
	return acc
}

// =============================================================================
// PROJECTOR - Replay against a Store
// =============================================================================

type Projector struct {
	Store   Store
	Logger  *zap.Logger
	Metrics *Metrics
	Workers int // ReplayAll concurrency, default 4
}

func NewProjector(store Store, logger *zap.Logger) *Projector {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Projector{Store: store, Logger: logger, Workers: 4}
}

// Replay folds the account's full history without writing. It returns nil
// when the account has no history in scope.
func (p *Projector) Replay(ctx context.Context, account AccountID, scope Scope) (*AggregateStats, error) {
	entries, err := p.entries(ctx, account, scope)
	if err != nil {
		return nil, err
	}
	return Fold(account, scope, entries), nil
}

func (p *Projector) entries(ctx context.Context, account AccountID, scope Scope) ([]Entry, error) {
	if scope == ScopeLedger {
		recs, err := p.Store.LoadRecords(ctx, account)
		if err != nil {
			return nil, fmt.Errorf("load records: %w", err)
		}
		entries := make([]Entry, len(recs))
		for i, r := range recs {
			entries[i] = Entry{Value: r.Amount, At: r.CreatedAt}
		}
		return entries, nil
	}

	samples, err := p.Store.LoadSamples(ctx, account, scope)
	if err != nil {
		return nil, fmt.Errorf("load samples: %w", err)
	}
	entries := make([]Entry, len(samples))
	for i, s := range samples {
		entries[i] = Entry{Value: s.Value, At: s.At}
	}
	return entries, nil
}

// recomputeAttempts bounds how often Recompute retries a row that live
// writes keep moving.
const recomputeAttempts = 3

// Recompute rebuilds the aggregate row from history and stores it. The
// stored UpdatedAt is kept so ranking tie-breaks survive a replay. A stored
// row with no history is an InconsistencyError.
//
// The row is read before the history and written with SwapAggregate, so an
// UpsertAggregate landing in between is never overwritten. The pass then
// starts over on the new row.
func (p *Projector) Recompute(ctx context.Context, account AccountID, scope Scope) (AggregateStats, error) {
	for attempt := 1; ; attempt++ {
		stored, err := p.Store.GetAggregate(ctx, account, scope)
		if err != nil {
			return AggregateStats{}, fmt.Errorf("get aggregate: %w", err)
		}
		replayed, err := p.Replay(ctx, account, scope)
		if err != nil {
			return AggregateStats{}, err
		}

		if replayed == nil {
			if stored != nil {
				// Rows are never deleted; a row with nothing behind it needs an operator.
				return AggregateStats{}, &InconsistencyError{AccountID: account, Scope: scope, Detail: "aggregate row has no history"}
			}
			return AggregateStats{AccountID: account, Scope: scope}, nil
		}

		if stored != nil && !stored.UpdatedAt.IsZero() {
			replayed.UpdatedAt = stored.UpdatedAt
		}

		swapped, err := p.Store.SwapAggregate(ctx, stored, *replayed)
		if err != nil {
			return AggregateStats{}, fmt.Errorf("swap aggregate: %w", err)
		}
		if swapped {
			return *replayed, nil
		}
		if attempt == recomputeAttempts {
			return AggregateStats{}, fmt.Errorf("%w: %s in %s after %d attempts", ErrReplayConflict, account, scope, attempt)
		}
		p.Logger.Debug("aggregate changed during replay",
			zap.String("account", string(account)),
			zap.String("scope", string(scope)),
			zap.Int("attempt", attempt))
	}
}

// Drift describes a stored aggregate that disagrees with its history.
type Drift struct {
	AccountID AccountID
	Scope     Scope
	Stored    *AggregateStats
	Replayed  *AggregateStats
	Fields    []string
}

// Verify compares the stored row against a replay. It returns nil when
// total, max and count agree.
func (p *Projector) Verify(ctx context.Context, account AccountID, scope Scope) (*Drift, error) {
	replayed, err := p.Replay(ctx, account, scope)
	if err != nil {
		return nil, err
	}
	stored, err := p.Store.GetAggregate(ctx, account, scope)
	if err != nil {
		return nil, fmt.Errorf("get aggregate: %w", err)
	}

	drift := &Drift{AccountID: account, Scope: scope, Stored: stored, Replayed: replayed}
	switch {
	case replayed == nil && stored == nil:
		return nil, nil
	case replayed == nil:
		drift.Fields = []string{"row_without_history"}
	case stored == nil:
		drift.Fields = []string{"missing_row"}
	default:
		if !stored.Total.Equal(replayed.Total) {
			drift.Fields = append(drift.Fields, "total")
		}
		if !stored.Max.Equal(replayed.Max) {
			drift.Fields = append(drift.Fields, "max")
		}
		if stored.SampleCount != replayed.SampleCount {
			drift.Fields = append(drift.Fields, "count")
		}
	}
	if len(drift.Fields) == 0 {
		return nil, nil
	}
	return drift, nil
}

// ReplayReport summarizes a ReplayAll run.
type ReplayReport struct {
	Scope    Scope
	Accounts int
	Repaired []AccountID
	Failed   map[AccountID]error
}

// ReplayAll recomputes every account that has a row in scope. Accounts are
// processed concurrently; one failure does not stop the others.
func (p *Projector) ReplayAll(ctx context.Context, scope Scope) (ReplayReport, error) {
	rows, err := p.Store.ListAggregates(ctx, scope)
	if err != nil {
		return ReplayReport{}, fmt.Errorf("list aggregates: %w", err)
	}

	workers := p.Workers
	if workers <= 0 {
		workers = 4
	}
	pool := pond.NewPool(workers)
	defer pool.StopAndWait()
	group := pool.NewGroupContext(ctx)
	groupCtx := group.Context()

	report := ReplayReport{Scope: scope, Accounts: len(rows), Failed: map[AccountID]error{}}
	var mu sync.Mutex

	for _, row := range rows {
		account := row.AccountID
		group.Submit(func() {
			if groupCtx.Err() != nil {
				return
			}
			drift, err := p.Verify(groupCtx, account, scope)
			if err == nil && drift != nil {
				_, err = p.Recompute(groupCtx, account, scope)
			}

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				report.Failed[account] = err
				p.Logger.Error("replay failed",
					zap.String("account", string(account)),
					zap.String("scope", string(scope)),
					zap.Error(err))
				return
			}
			if drift != nil {
				report.Repaired = append(report.Repaired, account)
				p.Logger.Warn("aggregate repaired",
					zap.String("account", string(account)),
					zap.String("scope", string(scope)),
					zap.Strings("fields", drift.Fields))
			}
		})
	}

	err = group.Wait()
	p.Metrics.AddRepairs(scope, len(report.Repaired))
	if err != nil {
		return report, err
	}
	if err := ctx.Err(); err != nil {
		return report, err
	}
	return report, nil
}
