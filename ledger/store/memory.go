// Package store provides Store implementations.
package store

import (
	"context"
	"sort"
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v4"

	"github.com/warp/score-engine/ledger"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

// Memory keeps every table in concurrent maps. There is no global lock:
// LoadOrStore is the unique-key insert and Compute is the atomic row upsert,
// the same two primitives a database backend provides.
type Memory struct {
	records      *xsync.Map[string, entry]
	byAccount    *xsync.Map[ledger.AccountID, []entry]
	samples      *xsync.Map[sampleKey, ledger.Sample]
	samplesByAcc *xsync.Map[aggKey, []ledger.Sample]
	aggregates   *xsync.Map[aggKey, ledger.AggregateStats]
	achievements *xsync.Map[achievementKey, ledger.AchievementState]

	seq atomic.Int64
	Now func() time.Time
}

// entry is a record plus its insertion sequence, used as a tie-break when
// two records share a timestamp.
type entry struct {
	ledger.Record
	seq int64
}

type sampleKey struct {
	Scope   ledger.Scope
	EventID string
}

type aggKey struct {
	AccountID ledger.AccountID
	Scope     ledger.Scope
}

type achievementKey struct {
	AccountID ledger.AccountID
	Kind      ledger.Category
	Key       string
}

func NewMemory() *Memory {
	return &Memory{
		records:      xsync.NewMap[string, entry](),
		byAccount:    xsync.NewMap[ledger.AccountID, []entry](),
		samples:      xsync.NewMap[sampleKey, ledger.Sample](),
		samplesByAcc: xsync.NewMap[aggKey, []ledger.Sample](),
		aggregates:   xsync.NewMap[aggKey, ledger.AggregateStats](),
		achievements: xsync.NewMap[achievementKey, ledger.AchievementState](),
		Now:          time.Now,
	}
}

func (m *Memory) now() time.Time {
	return m.Now().UTC()
}

// =============================================================================
// RECORDS
// =============================================================================

func (m *Memory) Append(_ context.Context, rec ledger.Record) (ledger.Outcome, error) {
	e := entry{Record: rec, seq: m.seq.Add(1)}
	if _, loaded := m.records.LoadOrStore(rec.IdempotencyKey, e); loaded {
		return ledger.OutcomeAlreadyExists, nil
	}
	m.byAccount.Compute(rec.AccountID, func(old []entry, _ bool) ([]entry, xsync.ComputeOp) {
		next := make([]entry, len(old), len(old)+1)
		copy(next, old)
		return append(next, e), xsync.UpdateOp
	})
	return ledger.OutcomeInserted, nil
}

func (m *Memory) Exists(_ context.Context, idempotencyKey string) (bool, error) {
	_, ok := m.records.Load(idempotencyKey)
	return ok, nil
}

func (m *Memory) GetRecord(_ context.Context, idempotencyKey string) (*ledger.Record, error) {
	e, ok := m.records.Load(idempotencyKey)
	if !ok {
		return nil, nil
	}
	rec := e.Record
	return &rec, nil
}

// sortedEntries returns the account's records oldest first.
func (m *Memory) sortedEntries(account ledger.AccountID) []entry {
	list, _ := m.byAccount.Load(account)
	out := make([]entry, len(list))
	copy(out, list)
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].seq < out[j].seq
	})
	return out
}

func (m *Memory) ListRecords(_ context.Context, account ledger.AccountID, limit int) ([]ledger.Record, error) {
	sorted := m.sortedEntries(account)
	var out []ledger.Record
	for i := len(sorted) - 1; i >= 0; i-- {
		out = append(out, sorted[i].Record)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (m *Memory) LoadRecords(_ context.Context, account ledger.AccountID) ([]ledger.Record, error) {
	sorted := m.sortedEntries(account)
	out := make([]ledger.Record, len(sorted))
	for i, e := range sorted {
		out[i] = e.Record
	}
	return out, nil
}

func (m *Memory) CountRecords(_ context.Context, account ledger.AccountID, category ledger.Category, since time.Time) (int, error) {
	list, _ := m.byAccount.Load(account)
	n := 0
	for _, e := range list {
		if e.Category == category && !e.CreatedAt.Before(since) {
			n++
		}
	}
	return n, nil
}

// =============================================================================
// SAMPLES
// =============================================================================

func (m *Memory) AppendSample(_ context.Context, s ledger.Sample) (ledger.Outcome, error) {
	if _, loaded := m.samples.LoadOrStore(sampleKey{Scope: s.Scope, EventID: s.EventID}, s); loaded {
		return ledger.OutcomeAlreadyExists, nil
	}
	k := aggKey{AccountID: s.AccountID, Scope: s.Scope}
	m.samplesByAcc.Compute(k, func(old []ledger.Sample, _ bool) ([]ledger.Sample, xsync.ComputeOp) {
		next := make([]ledger.Sample, len(old), len(old)+1)
		copy(next, old)
		return append(next, s), xsync.UpdateOp
	})
	return ledger.OutcomeInserted, nil
}

func (m *Memory) LoadSamples(_ context.Context, account ledger.AccountID, scope ledger.Scope) ([]ledger.Sample, error) {
	list, _ := m.samplesByAcc.Load(aggKey{AccountID: account, Scope: scope})
	out := make([]ledger.Sample, len(list))
	copy(out, list)
	sort.SliceStable(out, func(i, j int) bool { return out[i].At.Before(out[j].At) })
	return out, nil
}

// =============================================================================
// AGGREGATES
// =============================================================================

func (m *Memory) GetAggregate(_ context.Context, account ledger.AccountID, scope ledger.Scope) (*ledger.AggregateStats, error) {
	agg, ok := m.aggregates.Load(aggKey{AccountID: account, Scope: scope})
	if !ok {
		return nil, nil
	}
	return &agg, nil
}

func (m *Memory) UpsertAggregate(_ context.Context, account ledger.AccountID, scope ledger.Scope, mut ledger.Mutation) (ledger.AggregateStats, error) {
	now := m.now()
	next, _ := m.aggregates.Compute(aggKey{AccountID: account, Scope: scope},
		func(old ledger.AggregateStats, loaded bool) (ledger.AggregateStats, xsync.ComputeOp) {
			var prior *ledger.AggregateStats
			if loaded {
				prior = &old
			}
			return ledger.ApplyMutation(prior, account, scope, mut, now), xsync.UpdateOp
		})
	return next, nil
}

func (m *Memory) PutAggregate(_ context.Context, stats ledger.AggregateStats) error {
	m.aggregates.Store(aggKey{AccountID: stats.AccountID, Scope: stats.Scope}, stats)
	return nil
}

func (m *Memory) SwapAggregate(_ context.Context, expected *ledger.AggregateStats, next ledger.AggregateStats) (bool, error) {
	swapped := false
	m.aggregates.Compute(aggKey{AccountID: next.AccountID, Scope: next.Scope},
		func(old ledger.AggregateStats, loaded bool) (ledger.AggregateStats, xsync.ComputeOp) {
			if loaded != (expected != nil) || (loaded && !old.SameVersion(*expected)) {
				return old, xsync.CancelOp
			}
			swapped = true
			return next, xsync.UpdateOp
		})
	return swapped, nil
}

func (m *Memory) ListAggregates(_ context.Context, scope ledger.Scope) ([]ledger.AggregateStats, error) {
	var out []ledger.AggregateStats
	m.aggregates.Range(func(k aggKey, v ledger.AggregateStats) bool {
		if k.Scope == scope {
			out = append(out, v)
		}
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].AccountID < out[j].AccountID })
	return out, nil
}

func (m *Memory) AccountExists(_ context.Context, account ledger.AccountID) (bool, error) {
	found := false
	m.aggregates.Range(func(k aggKey, _ ledger.AggregateStats) bool {
		if k.AccountID == account {
			found = true
			return false
		}
		return true
	})
	return found, nil
}

// =============================================================================
// ACHIEVEMENTS
// =============================================================================

func (m *Memory) MarkAchievement(_ context.Context, a ledger.AchievementState) (ledger.Outcome, error) {
	k := achievementKey{AccountID: a.AccountID, Kind: a.Kind, Key: a.Key}
	if _, loaded := m.achievements.LoadOrStore(k, a); loaded {
		return ledger.OutcomeAlreadyExists, nil
	}
	return ledger.OutcomeInserted, nil
}

func (m *Memory) ListAchievements(_ context.Context, account ledger.AccountID) ([]ledger.AchievementState, error) {
	var out []ledger.AchievementState
	m.achievements.Range(func(k achievementKey, v ledger.AchievementState) bool {
		if k.AccountID == account {
			out = append(out, v)
		}
		return true
	})
	sortNewestFirst(out)
	return out, nil
}

func (m *Memory) ListAchievementsByKey(_ context.Context, kind ledger.Category, key string, limit int) ([]ledger.AchievementState, error) {
	var out []ledger.AchievementState
	m.achievements.Range(func(k achievementKey, v ledger.AchievementState) bool {
		if k.Kind == kind && k.Key == key {
			out = append(out, v)
		}
		return true
	})
	sortNewestFirst(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func sortNewestFirst(list []ledger.AchievementState) {
	sort.Slice(list, func(i, j int) bool {
		if !list[i].AwardedAt.Equal(list[j].AwardedAt) {
			return list[i].AwardedAt.After(list[j].AwardedAt)
		}
		return list[i].RecordKey < list[j].RecordKey
	})
}

var _ ledger.Store = (*Memory)(nil)
