/*
Package storetest is the behavior every ledger.Store backend must share.

PURPOSE:
  The engine relies on two store primitives: a unique-key insert that
  reports OutcomeAlreadyExists instead of failing, and an atomic aggregate
  upsert. Run checks both, plus ordering and round-tripping, against a
  fresh store per subtest.

USAGE:
  func TestSQLiteStore(t *testing.T) {
      storetest.Run(t, func(t *testing.T) ledger.Store {
          s, err := sqlite.New(":memory:")
          require.NoError(t, err)
          t.Cleanup(func() { s.Close() })
          return s
      })
  }

  Times use whole seconds so backends with microsecond columns compare equal.
*/
package storetest

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/score-engine/ledger"
)

// Factory opens an empty store.
type Factory func(t *testing.T) ledger.Store

var t0 = time.Date(2025, time.March, 10, 9, 0, 0, 0, time.UTC)

// Run executes the contract suite.
func Run(t *testing.T, open Factory) {
	t.Run("AppendIsIdempotent", func(t *testing.T) { testAppendIsIdempotent(t, open(t)) })
	t.Run("GetRecord", func(t *testing.T) { testGetRecord(t, open(t)) })
	t.Run("RecordOrdering", func(t *testing.T) { testRecordOrdering(t, open(t)) })
	t.Run("CountRecordsSince", func(t *testing.T) { testCountRecordsSince(t, open(t)) })
	t.Run("SamplesUniquePerScope", func(t *testing.T) { testSamplesUniquePerScope(t, open(t)) })
	t.Run("UpsertAggregateFolds", func(t *testing.T) { testUpsertAggregateFolds(t, open(t)) })
	t.Run("UpsertAggregateConcurrent", func(t *testing.T) { testUpsertAggregateConcurrent(t, open(t)) })
	t.Run("NegativeFirstValue", func(t *testing.T) { testNegativeFirstValue(t, open(t)) })
	t.Run("PutAndListAggregates", func(t *testing.T) { testPutAndListAggregates(t, open(t)) })
	t.Run("SwapAggregate", func(t *testing.T) { testSwapAggregate(t, open(t)) })
	t.Run("Achievements", func(t *testing.T) { testAchievements(t, open(t)) })
}

func dec(v int64) decimal.Decimal { return decimal.NewFromInt(v) }

func assertDecimal(t *testing.T, want int64, got decimal.Decimal, msg string) {
	t.Helper()
	assert.True(t, got.Equal(dec(want)), "%s: want %d, got %s", msg, want, got)
}

func record(account, key string, amount int64, at time.Time) ledger.Record {
	return ledger.Record{
		ID:             "id-" + key,
		AccountID:      ledger.AccountID(account),
		Amount:         dec(amount),
		Reason:         "test",
		Category:       ledger.CategoryAdjustment,
		IdempotencyKey: key,
		ReferenceID:    "ref-" + key,
		CreatedAt:      at,
	}
}

// =============================================================================
// RECORDS
// =============================================================================

func testAppendIsIdempotent(t *testing.T, s ledger.Store) {
	ctx := context.Background()

	out, err := s.Append(ctx, record("A", "k1", 10, t0))
	require.NoError(t, err)
	assert.Equal(t, ledger.OutcomeInserted, out)

	// Same key, different record ID: still the same logical grant
	dup := record("A", "k1", 99, t0)
	dup.ID = "other-id"
	out, err = s.Append(ctx, dup)
	require.NoError(t, err, "a duplicate key is not an error")
	assert.Equal(t, ledger.OutcomeAlreadyExists, out)

	exists, err := s.Exists(ctx, "k1")
	require.NoError(t, err)
	assert.True(t, exists)

	exists, err = s.Exists(ctx, "k2")
	require.NoError(t, err)
	assert.False(t, exists)

	recs, err := s.LoadRecords(ctx, "A")
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assertDecimal(t, 10, recs[0].Amount, "first write wins")
	assert.Equal(t, "id-k1", recs[0].ID)
	assert.Equal(t, "ref-k1", recs[0].ReferenceID)
	assert.True(t, recs[0].CreatedAt.Equal(t0))
}

func testGetRecord(t *testing.T, s ledger.Store) {
	ctx := context.Background()
	rec := record("A", "transfer:t1:debit", -30, t0)
	rec.Category = ledger.CategoryTransferDebit
	rec.AchievementKey = "B"
	_, err := s.Append(ctx, rec)
	require.NoError(t, err)

	got, err := s.GetRecord(ctx, "transfer:t1:debit")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, ledger.AccountID("A"), got.AccountID)
	assert.Equal(t, "B", got.AchievementKey)
	assertDecimal(t, -30, got.Amount, "amount")

	missing, err := s.GetRecord(ctx, "transfer:t2:debit")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func testRecordOrdering(t *testing.T, s ledger.Store) {
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, err := s.Append(ctx, record("A", fmt.Sprintf("k%d", i), int64(i+1), t0.Add(time.Duration(i)*time.Minute)))
		require.NoError(t, err)
	}
	// Same timestamp as k2: insertion order breaks the tie
	_, err := s.Append(ctx, record("A", "k3", 4, t0.Add(2*time.Minute)))
	require.NoError(t, err)
	_, err = s.Append(ctx, record("B", "other", 5, t0))
	require.NoError(t, err)

	newest, err := s.ListRecords(ctx, "A", 2)
	require.NoError(t, err)
	require.Len(t, newest, 2)
	assert.Equal(t, "k3", newest[0].IdempotencyKey)
	assert.Equal(t, "k2", newest[1].IdempotencyKey)

	all, err := s.ListRecords(ctx, "A", 0)
	require.NoError(t, err)
	assert.Len(t, all, 4)

	oldest, err := s.LoadRecords(ctx, "A")
	require.NoError(t, err)
	require.Len(t, oldest, 4)
	assert.Equal(t, "k0", oldest[0].IdempotencyKey)
	assert.Equal(t, "k3", oldest[3].IdempotencyKey)

	none, err := s.LoadRecords(ctx, "nobody")
	require.NoError(t, err)
	assert.Empty(t, none)
}

func testCountRecordsSince(t *testing.T, s ledger.Store) {
	ctx := context.Background()
	debit := func(key string, at time.Time) ledger.Record {
		r := record("A", key, -5, at)
		r.Category = ledger.CategoryTransferDebit
		return r
	}
	for _, r := range []ledger.Record{
		debit("d-yesterday", t0.Add(-24*time.Hour)),
		debit("d-1", t0),
		debit("d-2", t0.Add(time.Hour)),
		record("A", "adj", 5, t0),
	} {
		_, err := s.Append(ctx, r)
		require.NoError(t, err)
	}

	n, err := s.CountRecords(ctx, "A", ledger.CategoryTransferDebit, t0)
	require.NoError(t, err)
	assert.Equal(t, 2, n, "since is inclusive and other categories are ignored")
}

// =============================================================================
// SAMPLES
// =============================================================================

func testSamplesUniquePerScope(t *testing.T, s ledger.Store) {
	ctx := context.Background()
	sample := ledger.Sample{EventID: "e1", AccountID: "A", Scope: "typing", Value: dec(60), At: t0}

	out, err := s.AppendSample(ctx, sample)
	require.NoError(t, err)
	assert.Equal(t, ledger.OutcomeInserted, out)

	out, err = s.AppendSample(ctx, sample)
	require.NoError(t, err)
	assert.Equal(t, ledger.OutcomeAlreadyExists, out)

	// The same event id is a different sample in another scope
	other := sample
	other.Scope = "accuracy"
	out, err = s.AppendSample(ctx, other)
	require.NoError(t, err)
	assert.Equal(t, ledger.OutcomeInserted, out)

	_, err = s.AppendSample(ctx, ledger.Sample{EventID: "e0", AccountID: "A", Scope: "typing", Value: dec(40), At: t0.Add(-time.Minute)})
	require.NoError(t, err)

	samples, err := s.LoadSamples(ctx, "A", "typing")
	require.NoError(t, err)
	require.Len(t, samples, 2)
	assert.Equal(t, "e0", samples[0].EventID, "oldest first")
	assertDecimal(t, 60, samples[1].Value, "value round-trips")
}

// =============================================================================
// AGGREGATES
// =============================================================================

func testUpsertAggregateFolds(t *testing.T, s ledger.Store) {
	ctx := context.Background()

	missing, err := s.GetAggregate(ctx, "A", "typing")
	require.NoError(t, err)
	assert.Nil(t, missing)

	var last ledger.AggregateStats
	for i, v := range []int64{50, 60, 55} {
		last, err = s.UpsertAggregate(ctx, "A", "typing", ledger.Mutation{Value: dec(v), Count: 1, At: t0.Add(time.Duration(i) * time.Minute)})
		require.NoError(t, err)
	}
	assertDecimal(t, 165, last.Total, "total")
	assertDecimal(t, 60, last.Max, "max")
	assertDecimal(t, 55, last.Average, "average")
	assert.Equal(t, int64(3), last.SampleCount)
	assert.True(t, last.LastEventAt.Equal(t0.Add(2*time.Minute)))

	got, err := s.GetAggregate(ctx, "A", "typing")
	require.NoError(t, err)
	require.NotNil(t, got)
	assertDecimal(t, 165, got.Total, "stored total")
	assertDecimal(t, 60, got.Max, "stored max")
	assert.Equal(t, int64(3), got.SampleCount)
}

func testUpsertAggregateConcurrent(t *testing.T, s ledger.Store) {
	ctx := context.Background()
	const n = 40

	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := s.UpsertAggregate(ctx, "A", ledger.ScopeLedger, ledger.Mutation{Value: dec(int64(i + 1)), Count: 1, At: t0})
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	got, err := s.GetAggregate(ctx, "A", ledger.ScopeLedger)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, int64(n), got.SampleCount, "no update lost")
	assertDecimal(t, n*(n+1)/2, got.Total, "total")
	assertDecimal(t, n, got.Max, "max")
}

func testNegativeFirstValue(t *testing.T, s ledger.Store) {
	ctx := context.Background()
	got, err := s.UpsertAggregate(ctx, "A", ledger.ScopeLedger, ledger.Mutation{Value: dec(-5), Count: 1, At: t0})
	require.NoError(t, err)
	assertDecimal(t, -5, got.Max, "first value is the max even when negative")
	assertDecimal(t, -5, got.Total, "total")
}

func testPutAndListAggregates(t *testing.T, s ledger.Store) {
	ctx := context.Background()
	row := func(account string, scope ledger.Scope, max int64) ledger.AggregateStats {
		return ledger.AggregateStats{
			AccountID:   ledger.AccountID(account),
			Scope:       scope,
			Total:       dec(max),
			Max:         dec(max),
			Average:     dec(max),
			SampleCount: 1,
			LastEventAt: t0,
			UpdatedAt:   t0,
		}
	}
	require.NoError(t, s.PutAggregate(ctx, row("B", "typing", 70)))
	require.NoError(t, s.PutAggregate(ctx, row("A", "typing", 50)))
	require.NoError(t, s.PutAggregate(ctx, row("C", "accuracy", 90)))

	// Put replaces
	require.NoError(t, s.PutAggregate(ctx, row("A", "typing", 55)))

	rows, err := s.ListAggregates(ctx, "typing")
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, ledger.AccountID("A"), rows[0].AccountID)
	assertDecimal(t, 55, rows[0].Max, "replaced row")
	assert.True(t, rows[0].UpdatedAt.Equal(t0))
	assert.Equal(t, ledger.AccountID("B"), rows[1].AccountID)

	ok, err := s.AccountExists(ctx, "C")
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = s.AccountExists(ctx, "Z")
	require.NoError(t, err)
	assert.False(t, ok)
}

func testSwapAggregate(t *testing.T, s ledger.Store) {
	ctx := context.Background()
	next := ledger.AggregateStats{
		AccountID: "A", Scope: "typing",
		Total: dec(50), Max: dec(50), Average: dec(50), SampleCount: 1,
		LastEventAt: t0, UpdatedAt: t0,
	}

	// Absent row: only an absent expectation matches
	ok, err := s.SwapAggregate(ctx, &next, next)
	require.NoError(t, err)
	assert.False(t, ok)
	ok, err = s.SwapAggregate(ctx, nil, next)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = s.SwapAggregate(ctx, nil, next)
	require.NoError(t, err)
	assert.False(t, ok, "row now exists")

	stale, err := s.GetAggregate(ctx, "A", "typing")
	require.NoError(t, err)
	require.NotNil(t, stale)

	// A live upsert moves the row on; the stale expectation no longer matches
	_, err = s.UpsertAggregate(ctx, "A", "typing", ledger.Mutation{Value: dec(80), Count: 1, At: t0.Add(time.Minute)})
	require.NoError(t, err)
	repaired := next
	repaired.Total, repaired.Max = dec(7), dec(7)
	ok, err = s.SwapAggregate(ctx, stale, repaired)
	require.NoError(t, err)
	assert.False(t, ok)

	current, err := s.GetAggregate(ctx, "A", "typing")
	require.NoError(t, err)
	assertDecimal(t, 80, current.Max, "upsert survives")

	ok, err = s.SwapAggregate(ctx, current, repaired)
	require.NoError(t, err)
	assert.True(t, ok)
	got, err := s.GetAggregate(ctx, "A", "typing")
	require.NoError(t, err)
	assertDecimal(t, 7, got.Max, "swapped")
}

// =============================================================================
// ACHIEVEMENTS
// =============================================================================

func testAchievements(t *testing.T, s ledger.Store) {
	ctx := context.Background()
	overtake := func(account, overtaken string, at time.Time) ledger.AchievementState {
		return ledger.AchievementState{
			AccountID: ledger.AccountID(account),
			Kind:      ledger.CategoryOvertake,
			Key:       ledger.MarkerKey("typing", overtaken),
			Amount:    dec(20),
			RecordKey: ledger.OvertakeKey("typing", ledger.AccountID(account), ledger.AccountID(overtaken)),
			AwardedAt: at,
		}
	}

	out, err := s.MarkAchievement(ctx, overtake("A", "B", t0))
	require.NoError(t, err)
	assert.Equal(t, ledger.OutcomeInserted, out)

	out, err = s.MarkAchievement(ctx, overtake("A", "B", t0.Add(time.Hour)))
	require.NoError(t, err)
	assert.Equal(t, ledger.OutcomeAlreadyExists, out)

	_, err = s.MarkAchievement(ctx, overtake("C", "B", t0.Add(time.Minute)))
	require.NoError(t, err)
	_, err = s.MarkAchievement(ctx, ledger.AchievementState{
		AccountID: "A", Kind: ledger.CategoryTier, Key: ledger.MarkerKey("typing", "2"), Amount: dec(200),
		RecordKey: ledger.TierKey("typing", "A", 2), AwardedAt: t0.Add(2 * time.Minute),
	})
	require.NoError(t, err)

	mine, err := s.ListAchievements(ctx, "A")
	require.NoError(t, err)
	require.Len(t, mine, 2)
	assert.Equal(t, ledger.CategoryTier, mine[0].Kind, "newest first")
	assert.True(t, mine[1].AwardedAt.Equal(t0), "first mark wins")

	byKey, err := s.ListAchievementsByKey(ctx, ledger.CategoryOvertake, ledger.MarkerKey("typing", "B"), 0)
	require.NoError(t, err)
	require.Len(t, byKey, 2)
	assert.Equal(t, ledger.AccountID("C"), byKey[0].AccountID)
	assert.Equal(t, ledger.AccountID("A"), byKey[1].AccountID)

	limited, err := s.ListAchievementsByKey(ctx, ledger.CategoryOvertake, ledger.MarkerKey("typing", "B"), 1)
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}
