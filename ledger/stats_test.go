package ledger_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/warp/score-engine/ledger"
	"github.com/warp/score-engine/ledger/store"
	"github.com/warp/score-engine/rewards"
)

// interleavingStore runs live after every history read, standing in for
// traffic that lands between a replay's read and its write.
type interleavingStore struct {
	*store.Memory
	live func()
}

func (s interleavingStore) LoadSamples(ctx context.Context, account ledger.AccountID, scope ledger.Scope) ([]ledger.Sample, error) {
	samples, err := s.Memory.LoadSamples(ctx, account, scope)
	s.live()
	return samples, err
}

func entries(values ...int64) []ledger.Entry {
	out := make([]ledger.Entry, len(values))
	for i, v := range values {
		out[i] = ledger.Entry{Value: dec(v), At: march10.Add(time.Duration(i) * time.Minute)}
	}
	return out
}

// =============================================================================
// PURE FOLD
// =============================================================================

func TestFold(t *testing.T) {
	agg := ledger.Fold("A", "typing", entries(50, 60, 55))
	require.NotNil(t, agg)
	assertDecimal(t, 165, agg.Total)
	assertDecimal(t, 60, agg.Max)
	assertDecimal(t, 55, agg.Average)
	assert.Equal(t, int64(3), agg.SampleCount)
	assert.True(t, agg.LastEventAt.Equal(march10.Add(2*time.Minute)))
	assert.True(t, agg.UpdatedAt.Equal(agg.LastEventAt))

	assert.Nil(t, ledger.Fold("A", "typing", nil))
}

func TestFold_MatchesIncrementalApply(t *testing.T) {
	es := entries(12, -3, 40, 40, 7)
	var acc *ledger.AggregateStats
	for _, e := range es {
		next := ledger.Apply(acc, "A", "typing", e)
		acc = &next
	}
	folded := ledger.Fold("A", "typing", es)

	assert.True(t, acc.Total.Equal(folded.Total))
	assert.True(t, acc.Max.Equal(folded.Max))
	assert.True(t, acc.Average.Equal(folded.Average))
	assert.Equal(t, acc.SampleCount, folded.SampleCount)
}

func TestApplyMutation_OutOfOrderEventKeepsLatest(t *testing.T) {
	first := ledger.ApplyMutation(nil, "A", "typing", ledger.Mutation{Value: dec(50), Count: 1, At: march10}, march10)
	late := ledger.ApplyMutation(&first, "A", "typing", ledger.Mutation{Value: dec(40), Count: 1, At: march10.Add(-time.Hour)}, march10)
	assert.True(t, late.LastEventAt.Equal(march10))
	assertDecimal(t, 50, late.Max)
}

func TestAverage_RoundsHalfAwayFromZero(t *testing.T) {
	assertDecimal(t, 3, ledger.Average(dec(10), 3))
	assertDecimal(t, 6, ledger.Average(dec(11), 2))
	assertDecimal(t, -6, ledger.Average(dec(-11), 2))
	assertDecimal(t, 0, ledger.Average(dec(10), 0))
}

// =============================================================================
// PROJECTOR
// =============================================================================

func TestProjector_VerifyAndRecompute(t *testing.T) {
	// GIVEN: A stored aggregate that drifted from its samples
	// WHEN: Verify, then Recompute
	// THEN: The drift is reported, then repaired; UpdatedAt is kept

	env := newTestEnv(t)
	ctx := context.Background()
	env.typing(t, "A", 50, "e1")
	env.typing(t, "A", 60, "e2")
	projector := ledger.NewProjector(env.store, zaptest.NewLogger(t))

	drift, err := projector.Verify(ctx, "A", rewards.ScopeTyping)
	require.NoError(t, err)
	assert.Nil(t, drift)

	stored, err := env.store.GetAggregate(ctx, "A", rewards.ScopeTyping)
	require.NoError(t, err)
	corrupted := *stored
	corrupted.Max = dec(999)
	corrupted.SampleCount = 7
	require.NoError(t, env.store.PutAggregate(ctx, corrupted))

	drift, err = projector.Verify(ctx, "A", rewards.ScopeTyping)
	require.NoError(t, err)
	require.NotNil(t, drift)
	assert.Equal(t, []string{"max", "count"}, drift.Fields)

	repaired, err := projector.Recompute(ctx, "A", rewards.ScopeTyping)
	require.NoError(t, err)
	assertDecimal(t, 60, repaired.Max)
	assert.Equal(t, int64(2), repaired.SampleCount)
	assert.True(t, repaired.UpdatedAt.Equal(stored.UpdatedAt))

	drift, err = projector.Verify(ctx, "A", rewards.ScopeTyping)
	require.NoError(t, err)
	assert.Nil(t, drift)
}

func TestProjector_LedgerScopeReplaysRecords(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.typing(t, "A", 55, "e1")
	_, err := env.ledger.Adjust(ctx, "A", dec(-20), "correction", "fix-1")
	require.NoError(t, err)

	projector := ledger.NewProjector(env.store, zaptest.NewLogger(t))
	replayed, err := projector.Replay(ctx, "A", ledger.ScopeLedger)
	require.NoError(t, err)
	require.NotNil(t, replayed)
	assert.True(t, replayed.Total.Equal(env.balance(t, "A")))
	assert.Equal(t, int64(3), replayed.SampleCount)
}

func TestProjector_RowWithoutHistory(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	require.NoError(t, env.store.PutAggregate(ctx, ledger.AggregateStats{AccountID: "ghost", Scope: "typing", Max: dec(10), Total: dec(10), SampleCount: 1}))

	projector := ledger.NewProjector(env.store, zaptest.NewLogger(t))
	drift, err := projector.Verify(ctx, "ghost", "typing")
	require.NoError(t, err)
	require.NotNil(t, drift)
	assert.Equal(t, []string{"row_without_history"}, drift.Fields)

	_, err = projector.Recompute(ctx, "ghost", "typing")
	assert.ErrorIs(t, err, ledger.ErrInconsistentState)
}

func TestProjector_MissingRow(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	_, err := env.store.AppendSample(ctx, ledger.Sample{EventID: "e1", AccountID: "A", Scope: "typing", Value: dec(42), At: march10})
	require.NoError(t, err)

	projector := ledger.NewProjector(env.store, zaptest.NewLogger(t))
	drift, err := projector.Verify(ctx, "A", "typing")
	require.NoError(t, err)
	require.NotNil(t, drift)
	assert.Equal(t, []string{"missing_row"}, drift.Fields)

	got, err := projector.Recompute(ctx, "A", "typing")
	require.NoError(t, err)
	assertDecimal(t, 42, got.Max)
}

func TestProjector_ReplayAll(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	for _, id := range []string{"A", "B", "C", "D"} {
		env.typing(t, id, 40, id+"-1")
		env.typing(t, id, 65, id+"-2")
	}
	for _, id := range []ledger.AccountID{"B", "D"} {
		stored, err := env.store.GetAggregate(ctx, id, rewards.ScopeTyping)
		require.NoError(t, err)
		bad := *stored
		bad.Total = dec(1)
		require.NoError(t, env.store.PutAggregate(ctx, bad))
	}
	require.NoError(t, env.store.PutAggregate(ctx, ledger.AggregateStats{AccountID: "ghost", Scope: rewards.ScopeTyping, SampleCount: 1}))

	projector := ledger.NewProjector(env.store, zaptest.NewLogger(t))
	projector.Workers = 2
	report, err := projector.ReplayAll(ctx, rewards.ScopeTyping)
	require.NoError(t, err)

	assert.Equal(t, 5, report.Accounts)
	assert.ElementsMatch(t, []ledger.AccountID{"B", "D"}, report.Repaired)
	require.Contains(t, report.Failed, ledger.AccountID("ghost"))
	assert.ErrorIs(t, report.Failed["ghost"], ledger.ErrInconsistentState)

	for _, id := range []ledger.AccountID{"A", "B", "C", "D"} {
		drift, err := projector.Verify(ctx, id, rewards.ScopeTyping)
		require.NoError(t, err)
		assert.Nil(t, drift, "account %s", id)
	}
}

func TestProjector_RecomputeKeepsConcurrentUpdate(t *testing.T) {
	// GIVEN: A drifted row for A (best 60) being rebuilt
	// WHEN: A types 90 after the replay read its history
	// THEN: The rebuild starts over, the max stays 90, and a later 80 is
	//       not paid as progress

	env := newTestEnv(t)
	ctx := context.Background()
	env.typing(t, "A", 50, "e1")
	env.typing(t, "A", 60, "e2")
	stored, err := env.store.GetAggregate(ctx, "A", rewards.ScopeTyping)
	require.NoError(t, err)
	bad := *stored
	bad.Total = dec(1)
	require.NoError(t, env.store.PutAggregate(ctx, bad))

	reads := 0
	racing := interleavingStore{Memory: env.store, live: func() {
		reads++
		if reads == 1 {
			env.typing(t, "A", 90, "e3")
		}
	}}
	projector := ledger.NewProjector(racing, zaptest.NewLogger(t))

	got, err := projector.Recompute(ctx, "A", rewards.ScopeTyping)
	require.NoError(t, err)
	assert.Equal(t, 2, reads, "second pass after the conflict")
	assertDecimal(t, 90, got.Max)
	assertDecimal(t, 200, got.Total)
	assert.Equal(t, int64(3), got.SampleCount)

	drift, err := projector.Verify(ctx, "A", rewards.ScopeTyping)
	require.NoError(t, err)
	assert.Nil(t, drift)

	res := env.typing(t, "A", 80, "e4")
	assert.NotContains(t, kinds(res.Grants), ledger.CategoryProgress)
}

func TestProjector_RecomputeGivesUpUnderConstantWrites(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.typing(t, "A", 50, "e1")

	racing := interleavingStore{Memory: env.store, live: func() {
		env.clock = env.clock.Add(time.Second)
		_, err := env.store.UpsertAggregate(ctx, "A", rewards.ScopeTyping, ledger.Mutation{Value: dec(70), Count: 1, At: env.clock})
		require.NoError(t, err)
	}}
	projector := ledger.NewProjector(racing, zaptest.NewLogger(t))

	_, err := projector.Recompute(ctx, "A", rewards.ScopeTyping)
	assert.ErrorIs(t, err, ledger.ErrReplayConflict)

	row, err := env.store.GetAggregate(ctx, "A", rewards.ScopeTyping)
	require.NoError(t, err)
	assertDecimal(t, 70, row.Max, "live writes are kept")
}
