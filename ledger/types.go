/*
Package ledger provides the core scoring engine.

PURPOSE:
  This package contains the domain-agnostic types and algorithms for
  granting points against performance events. Whether the events are
  typing-speed samples or accepted submissions, the same engine handles
  idempotent grants, aggregate statistics, rankings and transfers.

KEY CONCEPTS IN THIS FILE (types.go):
  - Record: An immutable ledger entry (signed amount + idempotency key)
  - Sample: A raw performance observation folded into a scope aggregate
  - AggregateStats: Derived per-account, per-scope statistics
  - AchievementState: Marker that a specific milestone has been granted
  - Outcome: Result of an idempotent write (Inserted / AlreadyExists)

DESIGN PRINCIPLES:
  1. Immutability: Records are never modified, only offset by new records
  2. Precision: Uses decimal.Decimal to avoid floating-point drift
  3. Idempotency: The store's unique index is the only serialization point
  4. Derivability: Every aggregate can be rebuilt by replaying history

SEE ALSO:
  - store.go: Persistence interfaces
  - award.go: Trigger evaluation
  - engine.go: Event processing
*/
package ledger

import (
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type AccountID string

// Scope names an aggregate family. ScopeLedger is the points balance; every
// other scope aggregates raw samples (e.g. "typing").
type Scope string

const ScopeLedger Scope = "ledger"

// =============================================================================
// OUTCOME - Result of an idempotent write
// =============================================================================

type Outcome int

const (
	OutcomeInserted Outcome = iota + 1
	OutcomeAlreadyExists
)

func (o Outcome) String() string {
	switch o {
	case OutcomeInserted:
		return "inserted"
	case OutcomeAlreadyExists:
		return "already_exists"
	default:
		return "unknown"
	}
}

// =============================================================================
// RECORD - Immutable ledger entry
// =============================================================================

type Category string

const (
	CategoryProgress       Category = "progress"
	CategoryTier           Category = "tier"
	CategoryOvertake       Category = "overtake"
	CategoryFirstSuccess   Category = "first_success"
	CategoryTransferDebit  Category = "transfer_debit"
	CategoryTransferCredit Category = "transfer_credit"
	CategoryTransferFee    Category = "transfer_fee"
	CategoryAdjustment     Category = "adjustment"
)

// IsAchievement reports whether records of this category mark a milestone.
func (c Category) IsAchievement() bool {
	switch c {
	case CategoryProgress, CategoryTier, CategoryOvertake, CategoryFirstSuccess:
		return true
	}
	return false
}

func (c Category) IsTransfer() bool {
	return c == CategoryTransferDebit || c == CategoryTransferCredit || c == CategoryTransferFee
}

type Record struct {
	ID             string
	AccountID      AccountID
	Amount         decimal.Decimal
	Reason         string
	Category       Category
	IdempotencyKey string
	ReferenceID    string // event, transfer or resource the record belongs to
	AchievementKey string // marker key for achievements, counterparty for transfer legs
	CreatedAt      time.Time
}

// =============================================================================
// SAMPLE - Raw performance observation
// =============================================================================

type Sample struct {
	EventID   string
	AccountID AccountID
	Scope     Scope
	Value     decimal.Decimal
	At        time.Time
}

// =============================================================================
// AGGREGATE STATS - Derived per-account statistics
// =============================================================================

// AveragePlaces is the number of decimal places Average is rounded to.
const AveragePlaces int32 = 0

type AggregateStats struct {
	AccountID   AccountID
	Scope       Scope
	Total       decimal.Decimal
	Max         decimal.Decimal
	Average     decimal.Decimal
	SampleCount int64
	LastEventAt time.Time
	UpdatedAt   time.Time
}

// SameVersion reports whether b is the same row state as a, as far as a
// concurrent writer could tell: every upsert bumps SampleCount and UpdatedAt.
func (a AggregateStats) SameVersion(b AggregateStats) bool {
	return a.SampleCount == b.SampleCount && a.UpdatedAt.Equal(b.UpdatedAt)
}

// Mutation is a commutative change applied to an aggregate row in one
// atomic store operation.
type Mutation struct {
	Value decimal.Decimal // added to Total, candidate for Max
	Count int64
	At    time.Time
}

// Average returns total/count rounded half away from zero.
func Average(total decimal.Decimal, count int64) decimal.Decimal {
	if count <= 0 {
		return decimal.Zero
	}
	return total.Div(decimal.NewFromInt(count)).Round(AveragePlaces)
}

// =============================================================================
// ACHIEVEMENT STATE
// =============================================================================

type AchievementState struct {
	AccountID AccountID
	Kind      Category
	Key       string
	Amount    decimal.Decimal
	RecordKey string
	AwardedAt time.Time
}
