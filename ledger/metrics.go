package ledger

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
)

// Metrics is nil-safe: a nil *Metrics records nothing.
type Metrics struct {
	EventsTotal     *prometheus.CounterVec
	GrantsTotal     *prometheus.CounterVec
	PayoutTotal     *prometheus.CounterVec
	TransfersTotal  *prometheus.CounterVec
	ProcessDuration *prometheus.HistogramVec
	ReplayRepairs   *prometheus.CounterVec
}

func NewMetrics(registry prometheus.Registerer) *Metrics {
	m := &Metrics{
		EventsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "score_events_total",
				Help: "Total events processed.",
			},
			[]string{"source", "status"},
		),
		GrantsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "score_grants_total",
				Help: "Total grant attempts by category and outcome.",
			},
			[]string{"category", "outcome"},
		),
		PayoutTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "score_payout_points_total",
				Help: "Points paid out by newly inserted achievement grants.",
			},
			[]string{"category"},
		),
		TransfersTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "score_transfers_total",
				Help: "Total transfers by status.",
			},
			[]string{"status"},
		),
		ProcessDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "score_process_duration_seconds",
				Help:    "Event processing duration in seconds.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"source"},
		),
		ReplayRepairs: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "score_replay_repairs_total",
				Help: "Aggregates rewritten by replay.",
			},
			[]string{"scope"},
		),
	}

	registry.MustRegister(
		m.EventsTotal,
		m.GrantsTotal,
		m.PayoutTotal,
		m.TransfersTotal,
		m.ProcessDuration,
		m.ReplayRepairs,
	)
	return m
}

func (m *Metrics) ObserveEvent(source, status string, duration time.Duration) {
	if m == nil {
		return
	}
	m.EventsTotal.WithLabelValues(source, status).Inc()
	m.ProcessDuration.WithLabelValues(source).Observe(duration.Seconds())
}

func (m *Metrics) ObserveGrant(category Category, outcome Outcome, amount decimal.Decimal) {
	if m == nil {
		return
	}
	m.GrantsTotal.WithLabelValues(string(category), outcome.String()).Inc()
	if outcome == OutcomeInserted && category.IsAchievement() {
		m.PayoutTotal.WithLabelValues(string(category)).Add(amount.InexactFloat64())
	}
}

func (m *Metrics) IncTransfer(status string) {
	if m == nil {
		return
	}
	m.TransfersTotal.WithLabelValues(status).Inc()
}

func (m *Metrics) AddRepairs(scope Scope, n int) {
	if m == nil || n == 0 {
		return
	}
	m.ReplayRepairs.WithLabelValues(string(scope)).Add(float64(n))
}
