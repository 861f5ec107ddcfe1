/*
engine.go - Event processing

PURPOSE:
  Engine turns one performance event into ledger grants. Policies are
  registered per source kind (e.g. "typing", "submission").

PROCESS (strict order):
  1. Validate the event against its policy. Nothing is written on failure.
  2. Read the prior aggregate for the policy's scope.
  3. Capture the rank snapshot, BEFORE any write.
  4. Evaluate (pure) to get triggers.
  5. Grant each trigger through Ledger (idempotent append).
  6. Append the sample; fold it into the aggregate only if it was new.
  7. Publish newly paid awards to the Notifier (best effort).

CONCURRENCY:
  There is no per-account lock. Two concurrent deliveries of the same event
  may both evaluate the same triggers; the unique keys make exactly one of
  each pay. A crash between steps leaves state that a later delivery or
  Projector.Recompute repairs.

SEE ALSO:
  - award.go: Evaluate
  - ledger.go: Grant
  - rank.go: RankTracker
*/
package ledger

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/puzpuzpuz/xsync/v4"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// =============================================================================
// NOTIFIER
// =============================================================================

// AwardNotice describes one newly paid award for live displays.
type AwardNotice struct {
	AccountID      AccountID
	Kind           Category
	Amount         decimal.Decimal
	Reason         string
	IdempotencyKey string
	EventID        string
	Source         string
	Overtaken      AccountID
	At             time.Time
}

type Notifier interface {
	Publish(ctx context.Context, notices []AwardNotice) error
}

type NopNotifier struct{}

func (NopNotifier) Publish(context.Context, []AwardNotice) error { return nil }

// =============================================================================
// RESULT
// =============================================================================

type Grant struct {
	Trigger Trigger
	Outcome Outcome
}

type AwardResult struct {
	Event         Event
	Grants        []Grant
	TotalPayout   decimal.Decimal // Inserted grants only
	SampleOutcome Outcome         // zero when the policy records no samples
	Stats         *AggregateStats // sample aggregate after this event
}

// Paid returns the grants this call inserted.
func (r *AwardResult) Paid() []Grant {
	var out []Grant
	for _, g := range r.Grants {
		if g.Outcome == OutcomeInserted {
			out = append(out, g)
		}
	}
	return out
}

// =============================================================================
// ENGINE
// =============================================================================

type Engine struct {
	Ledger   *Ledger
	Ranks    *RankTracker
	Notifier Notifier
	Logger   *zap.Logger
	Metrics  *Metrics

	policies *xsync.Map[string, Policy]
}

func NewEngine(ledger *Ledger, ranks *RankTracker, notifier Notifier, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	if notifier == nil {
		notifier = NopNotifier{}
	}
	return &Engine{
		Ledger:   ledger,
		Ranks:    ranks,
		Notifier: notifier,
		Logger:   logger,
		Metrics:  ledger.Metrics,
		policies: xsync.NewMap[string, Policy](),
	}
}

// Register adds or replaces the policy for p.Source.
func (e *Engine) Register(p Policy) error {
	if err := p.Validate(); err != nil {
		return err
	}
	e.policies.Store(p.Source, p)
	return nil
}

func (e *Engine) Policy(source string) (Policy, bool) {
	return e.policies.Load(source)
}

// Policies returns registered policies ordered by source.
func (e *Engine) Policies() []Policy {
	var out []Policy
	e.policies.Range(func(_ string, p Policy) bool {
		out = append(out, p)
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Source < out[j].Source })
	return out
}

// Process evaluates and pays one event. Re-delivering an event is safe:
// nothing is paid twice and the sample is counted once.
func (e *Engine) Process(ctx context.Context, ev Event) (result *AwardResult, err error) {
	start := time.Now()
	defer func() {
		status := "ok"
		switch {
		case err == nil:
		case IsValidation(err):
			status = "invalid"
		case IsInconsistency(err):
			status = "inconsistent"
		default:
			status = "error"
		}
		e.Metrics.ObserveEvent(ev.SourceKind, status, time.Since(start))
	}()

	policy, ok := e.policies.Load(ev.SourceKind)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownSource, ev.SourceKind)
	}
	if err := policy.ValidateEvent(ev); err != nil {
		return nil, err
	}
	if ev.At.IsZero() {
		ev.At = e.Ledger.now()
	}
	ev.At = ev.At.UTC()

	store := e.Ledger.Store

	// Prior state and ranking are read before any write.
	var prior *AggregateStats
	if policy.Scope != "" {
		prior, err = store.GetAggregate(ctx, ev.AccountID, policy.Scope)
		if err != nil {
			return nil, fmt.Errorf("get prior aggregate: %w", err)
		}
	}
	var snapshot *RankSnapshot
	if policy.WantsSnapshot() && prior != nil {
		snapshot, err = e.Ranks.Snapshot(ctx, policy.Scope, policy.Metric)
		if err != nil {
			return nil, fmt.Errorf("capture ranking: %w", err)
		}
	}

	triggers, err := Evaluate(ev, prior, snapshot, policy)
	if err != nil {
		e.Logger.Error("evaluate failed",
			zap.String("account", string(ev.AccountID)),
			zap.String("event", ev.EventID),
			zap.Error(err))
		return nil, err
	}

	result = &AwardResult{Event: ev, TotalPayout: decimal.Zero}
	for _, t := range triggers {
		outcome, err := e.Ledger.Grant(ctx, t.Record(ev))
		if err != nil {
			return nil, fmt.Errorf("grant %s: %w", t.Kind, err)
		}
		result.Grants = append(result.Grants, Grant{Trigger: t, Outcome: outcome})
		if outcome == OutcomeInserted {
			result.TotalPayout = result.TotalPayout.Add(t.Amount)
		}
	}

	if policy.Scope != "" {
		if err := e.recordSample(ctx, ev, policy.Scope, result); err != nil {
			return nil, err
		}
	}

	e.notify(ctx, policy, result)

	e.Logger.Info("event processed",
		zap.String("account", string(ev.AccountID)),
		zap.String("event", ev.EventID),
		zap.String("source", ev.SourceKind),
		zap.String("value", ev.Value.String()),
		zap.Int("triggers", len(triggers)),
		zap.String("payout", result.TotalPayout.String()))
	return result, nil
}

func (e *Engine) recordSample(ctx context.Context, ev Event, scope Scope, result *AwardResult) error {
	store := e.Ledger.Store
	sample := Sample{EventID: ev.EventID, AccountID: ev.AccountID, Scope: scope, Value: ev.Value, At: ev.At}

	outcome, err := store.AppendSample(ctx, sample)
	if err != nil {
		return fmt.Errorf("append sample: %w", err)
	}
	result.SampleOutcome = outcome

	if outcome == OutcomeInserted {
		stats, err := store.UpsertAggregate(ctx, ev.AccountID, scope, Mutation{Value: ev.Value, Count: 1, At: ev.At})
		if err != nil {
			return fmt.Errorf("fold sample: %w", err)
		}
		result.Stats = &stats
		return nil
	}

	result.Stats, err = store.GetAggregate(ctx, ev.AccountID, scope)
	if err != nil {
		return fmt.Errorf("get aggregate: %w", err)
	}
	return nil
}

func (e *Engine) notify(ctx context.Context, policy Policy, result *AwardResult) {
	paid := result.Paid()
	if len(paid) == 0 {
		return
	}
	notices := make([]AwardNotice, len(paid))
	for i, g := range paid {
		notices[i] = AwardNotice{
			AccountID:      result.Event.AccountID,
			Kind:           g.Trigger.Kind,
			Amount:         g.Trigger.Amount,
			Reason:         g.Trigger.Reason,
			IdempotencyKey: g.Trigger.IdempotencyKey,
			EventID:        result.Event.EventID,
			Source:         policy.Source,
			Overtaken:      g.Trigger.Overtaken,
			At:             result.Event.At,
		}
	}
	if err := e.Notifier.Publish(ctx, notices); err != nil {
		e.Logger.Warn("award notification failed",
			zap.String("account", string(result.Event.AccountID)),
			zap.String("event", result.Event.EventID),
			zap.Error(err))
	}
}
