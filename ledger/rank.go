/*
rank.go - Rankings over aggregate statistics

PURPOSE:
  A RankSnapshot is an ordered, read-only view of every account's aggregate
  in one scope. It is computed fresh from the store and never persisted.

ORDERING:
  metric value descending, then UpdatedAt ascending (whoever got there
  first ranks higher), then AccountID ascending so equal rows still have a
  stable order.

CAPTURE TIMING:
  The overtake check compares a new value against the ranking as it was
  BEFORE the event. Engine.Process therefore takes the snapshot before it
  writes anything.

SEE ALSO:
  - award.go: Overtake evaluation
  - engine.go: Capture ordering
*/
package ledger

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

// Metric selects which aggregate field a ranking orders by.
type Metric string

const (
	MetricMax     Metric = "max"
	MetricAverage Metric = "average"
	MetricTotal   Metric = "total"
	MetricCount   Metric = "count"
)

func ParseMetric(s string) (Metric, error) {
	switch m := Metric(s); m {
	case MetricMax, MetricAverage, MetricTotal, MetricCount:
		return m, nil
	case "":
		return MetricMax, nil
	}
	return "", fmt.Errorf("unknown metric %q", s)
}

func (m Metric) Of(a AggregateStats) decimal.Decimal {
	switch m {
	case MetricAverage:
		return a.Average
	case MetricTotal:
		return a.Total
	case MetricCount:
		return decimal.NewFromInt(a.SampleCount)
	default:
		return a.Max
	}
}

type RankEntry struct {
	Rank      int // 1-based
	AccountID AccountID
	Value     decimal.Decimal
	UpdatedAt time.Time
}

type RankSnapshot struct {
	Scope   Scope
	Metric  Metric
	TakenAt time.Time
	Entries []RankEntry

	index map[AccountID]int
}

// NewRankSnapshot orders rows by metric. rows is not modified.
func NewRankSnapshot(scope Scope, metric Metric, rows []AggregateStats, takenAt time.Time) *RankSnapshot {
	entries := make([]RankEntry, len(rows))
	for i, r := range rows {
		entries[i] = RankEntry{AccountID: r.AccountID, Value: metric.Of(r), UpdatedAt: r.UpdatedAt}
	}
	sort.SliceStable(entries, func(i, j int) bool {
		a, b := entries[i], entries[j]
		if c := a.Value.Cmp(b.Value); c != 0 {
			return c > 0
		}
		if !a.UpdatedAt.Equal(b.UpdatedAt) {
			return a.UpdatedAt.Before(b.UpdatedAt)
		}
		return a.AccountID < b.AccountID
	})

	index := make(map[AccountID]int, len(entries))
	for i := range entries {
		entries[i].Rank = i + 1
		index[entries[i].AccountID] = i
	}
	return &RankSnapshot{Scope: scope, Metric: metric, TakenAt: takenAt, Entries: entries, index: index}
}

func (s *RankSnapshot) Len() int { return len(s.Entries) }

// RankOf returns the account's 1-based rank.
func (s *RankSnapshot) RankOf(account AccountID) (int, bool) {
	i, ok := s.index[account]
	if !ok {
		return 0, false
	}
	return i + 1, true
}

// NeighborAbove returns the entry ranked directly above account. ok is false
// when account is first. An account missing from the snapshot is an
// inconsistency: callers only ask about accounts that have an aggregate.
func (s *RankSnapshot) NeighborAbove(account AccountID) (RankEntry, bool, error) {
	i, found := s.index[account]
	if !found {
		return RankEntry{}, false, &InconsistencyError{
			AccountID: account,
			Scope:     s.Scope,
			Detail:    "account has an aggregate but is missing from the ranking",
		}
	}
	if i == 0 {
		return RankEntry{}, false, nil
	}
	return s.Entries[i-1], true, nil
}

// Top returns a page of the ranking.
func (s *RankSnapshot) Top(offset, limit int) []RankEntry {
	if offset < 0 {
		offset = 0
	}
	if offset >= len(s.Entries) {
		return nil
	}
	end := len(s.Entries)
	if limit > 0 && offset+limit < end {
		end = offset + limit
	}
	out := make([]RankEntry, end-offset)
	copy(out, s.Entries[offset:end])
	return out
}

// =============================================================================
// RANK TRACKER
// =============================================================================

type RankTracker struct {
	Store AggregateStore
	Now   Clock
}

func NewRankTracker(store AggregateStore) *RankTracker {
	return &RankTracker{Store: store, Now: time.Now}
}

// Snapshot reads every aggregate in scope and orders it by metric.
func (t *RankTracker) Snapshot(ctx context.Context, scope Scope, metric Metric) (*RankSnapshot, error) {
	rows, err := t.Store.ListAggregates(ctx, scope)
	if err != nil {
		return nil, fmt.Errorf("list aggregates for %s: %w", scope, err)
	}
	now := time.Now()
	if t.Now != nil {
		now = t.Now()
	}
	return NewRankSnapshot(scope, metric, rows, now.UTC()), nil
}
