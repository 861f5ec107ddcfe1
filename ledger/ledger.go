/*
ledger.go - Idempotent grants on top of Store

PURPOSE:
  Ledger is the only writer of Records. A grant is three single-row writes:

    1. Append the Record (unique IdempotencyKey)
    2. On Inserted: apply the amount to the account's ledger-scope aggregate
    3. For achievement categories: mark the AchievementState

  Step 1 is the serialization point. A concurrent or retried grant with the
  same key observes OutcomeAlreadyExists and skips step 2, so the balance is
  credited exactly once. Step 3 runs on both outcomes, which heals a crash
  between step 1 and step 3 on the next delivery.

BALANCE:
  Balance reads the ledger-scope aggregate row. If that row ever disagrees
  with the Records (crash between step 1 and step 2), Projector.Recompute
  rebuilds it from the Records.

SEE ALSO:
  - store.go: Persistence interfaces
  - stats.go: Projector for rebuilding aggregates
  - transfer.go: Multi-leg grants
*/
package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Clock returns the current time. Tests override it.
type Clock func() time.Time

type Ledger struct {
	Store   Store
	Logger  *zap.Logger
	Metrics *Metrics
	Now     Clock
}

func NewLedger(store Store, logger *zap.Logger, metrics *Metrics) *Ledger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Ledger{Store: store, Logger: logger, Metrics: metrics, Now: time.Now}
}

func (l *Ledger) now() time.Time {
	if l.Now == nil {
		return time.Now().UTC()
	}
	return l.Now().UTC()
}

// Grant appends rec and applies it to the balance exactly once.
// A taken IdempotencyKey is reported as OutcomeAlreadyExists, never an error.
func (l *Ledger) Grant(ctx context.Context, rec Record) (Outcome, error) {
	if rec.IdempotencyKey == "" {
		return 0, fmt.Errorf("%w: idempotency key is required", ErrInvalidEvent)
	}
	if rec.AccountID == "" {
		return 0, fmt.Errorf("%w: account is required", ErrInvalidEvent)
	}
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = l.now()
	}

	outcome, err := l.Store.Append(ctx, rec)
	if err != nil {
		return 0, fmt.Errorf("append %s: %w", rec.IdempotencyKey, err)
	}

	if outcome == OutcomeInserted {
		m := Mutation{Value: rec.Amount, Count: 1, At: rec.CreatedAt}
		if _, err := l.Store.UpsertAggregate(ctx, rec.AccountID, ScopeLedger, m); err != nil {
			return outcome, fmt.Errorf("apply %s to balance: %w", rec.IdempotencyKey, err)
		}
	}

	if rec.Category.IsAchievement() {
		marker := AchievementState{
			AccountID: rec.AccountID,
			Kind:      rec.Category,
			Key:       rec.AchievementKey,
			Amount:    rec.Amount,
			RecordKey: rec.IdempotencyKey,
			AwardedAt: rec.CreatedAt,
		}
		if _, err := l.Store.MarkAchievement(ctx, marker); err != nil {
			return outcome, fmt.Errorf("mark achievement %s: %w", rec.IdempotencyKey, err)
		}
	}

	l.Metrics.ObserveGrant(rec.Category, outcome, rec.Amount)
	l.Logger.Debug("grant",
		zap.String("account", string(rec.AccountID)),
		zap.String("key", rec.IdempotencyKey),
		zap.String("amount", rec.Amount.String()),
		zap.Stringer("outcome", outcome))
	return outcome, nil
}

// Adjust is a manual correction. The caller supplies the key so a retried
// request is applied once.
func (l *Ledger) Adjust(ctx context.Context, account AccountID, amount decimal.Decimal, reason, key string) (Outcome, error) {
	if amount.IsZero() {
		return 0, fmt.Errorf("%w: adjustment must be non-zero", ErrInvalidAmount)
	}
	if key == "" {
		key = uuid.NewString()
	}
	return l.Grant(ctx, Record{
		AccountID:      account,
		Amount:         amount,
		Reason:         reason,
		Category:       CategoryAdjustment,
		IdempotencyKey: "adjust:" + key,
		ReferenceID:    key,
	})
}

// Balance returns the account's points balance. Unknown accounts have zero.
func (l *Ledger) Balance(ctx context.Context, account AccountID) (decimal.Decimal, error) {
	agg, err := l.Store.GetAggregate(ctx, account, ScopeLedger)
	if err != nil {
		return decimal.Zero, fmt.Errorf("get balance: %w", err)
	}
	if agg == nil {
		return decimal.Zero, nil
	}
	return agg.Total, nil
}

// History returns the account's records, newest first.
func (l *Ledger) History(ctx context.Context, account AccountID, limit int) ([]Record, error) {
	return l.Store.ListRecords(ctx, account, limit)
}
