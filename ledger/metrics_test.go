package ledger_test

import (
	"context"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/score-engine/ledger"
	"github.com/warp/score-engine/rewards"
)

func TestMetrics_RecordProcessing(t *testing.T) {
	env := newTestEnv(t)
	m := ledger.NewMetrics(prometheus.NewRegistry())
	env.ledger.Metrics = m
	env.engine.Metrics = m
	ctx := context.Background()

	env.typing(t, "A", 55, "e1")
	_, err := env.engine.Process(ctx, typingEvent("A", 55, "e1", march10))
	require.NoError(t, err)
	_, err = env.engine.Process(ctx, typingEvent("A", 999, "e2", march10))
	require.Error(t, err)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.EventsTotal.WithLabelValues(rewards.SourceTyping, "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.EventsTotal.WithLabelValues(rewards.SourceTyping, "invalid")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.GrantsTotal.WithLabelValues(string(ledger.CategoryTier), "inserted")))
	assert.Equal(t, 200.0, testutil.ToFloat64(m.PayoutTotal.WithLabelValues(string(ledger.CategoryTier))))
}

func TestMetrics_NilIsSafe(t *testing.T) {
	var m *ledger.Metrics
	assert.NotPanics(t, func() {
		m.ObserveEvent("typing", "ok", 0)
		m.ObserveGrant(ledger.CategoryTier, ledger.OutcomeInserted, dec(1))
		m.IncTransfer("completed")
		m.AddRepairs("typing", 3)
	})
}
