/*
store.go - Persistence interfaces for records, samples and aggregates

PURPOSE:
  Defines the contract between the engine and the database. Any backend
  (relational, document, KV with conditional put) can implement it as long
  as it offers:
    a) a unique constraint enforced on insert
    b) an atomic single-row upsert with add/max semantics
    c) sorted range reads
  No multi-row transactions are assumed.

KEY INTERFACES:
  RecordStore:      Append-only ledger records
  SampleStore:      Raw performance samples
  AggregateStore:   Per-account, per-scope statistics rows
  AchievementStore: Granted milestone markers
  Store:            All of the above

IDEMPOTENCY:
  Append, AppendSample and MarkAchievement return OutcomeAlreadyExists when
  the unique key is taken. That is the exactly-once primitive: two writers
  racing on the same key converge to one row and the loser is told so.

IMPLEMENTATIONS:
  - ledger/store/memory.go: In-memory for tests and dev
  - store/sqlite/sqlite.go: SQLite
  - store/postgres/postgres.go: PostgreSQL

SEE ALSO:
  - ledger.go: Higher-level grant operation using Store
*/
package ledger

import (
	"context"
	"time"
)

// RecordStore persists ledger records. APPEND-ONLY: no update, no delete.
type RecordStore interface {
	// Append inserts a record keyed by IdempotencyKey.
	Append(ctx context.Context, rec Record) (Outcome, error)

	// Exists checks if an idempotency key is taken.
	Exists(ctx context.Context, idempotencyKey string) (bool, error)

	// GetRecord returns the record holding idempotencyKey, or nil, nil.
	GetRecord(ctx context.Context, idempotencyKey string) (*Record, error)

	// ListRecords returns an account's records, newest first. limit <= 0
	// returns all of them.
	ListRecords(ctx context.Context, account AccountID, limit int) ([]Record, error)

	// LoadRecords returns an account's full history, oldest first.
	LoadRecords(ctx context.Context, account AccountID) ([]Record, error)

	// CountRecords counts an account's records of a category created at or
	// after since.
	CountRecords(ctx context.Context, account AccountID, category Category, since time.Time) (int, error)
}

// SampleStore persists raw samples, unique by (Scope, EventID).
type SampleStore interface {
	AppendSample(ctx context.Context, s Sample) (Outcome, error)
	LoadSamples(ctx context.Context, account AccountID, scope Scope) ([]Sample, error)
}

// AggregateStore persists one statistics row per (account, scope).
type AggregateStore interface {
	// GetAggregate returns nil, nil when the row does not exist.
	GetAggregate(ctx context.Context, account AccountID, scope Scope) (*AggregateStats, error)

	// UpsertAggregate applies m atomically and returns the new row.
	UpsertAggregate(ctx context.Context, account AccountID, scope Scope, m Mutation) (AggregateStats, error)

	// PutAggregate replaces the row unconditionally.
	PutAggregate(ctx context.Context, stats AggregateStats) error

	// SwapAggregate stores next only if the row still matches expected
	// (same SampleCount and UpdatedAt; nil expected means no row). It
	// reports whether the write happened. Used by replay so a concurrent
	// UpsertAggregate is never overwritten.
	SwapAggregate(ctx context.Context, expected *AggregateStats, next AggregateStats) (bool, error)

	ListAggregates(ctx context.Context, scope Scope) ([]AggregateStats, error)

	// AccountExists reports whether the account has any aggregate row.
	AccountExists(ctx context.Context, account AccountID) (bool, error)
}

// AchievementStore persists milestone markers, unique by (account, kind, key).
type AchievementStore interface {
	MarkAchievement(ctx context.Context, a AchievementState) (Outcome, error)

	// ListAchievements returns an account's achievements, newest first.
	ListAchievements(ctx context.Context, account AccountID) ([]AchievementState, error)

	// ListAchievementsByKey returns achievements of a kind carrying key,
	// across accounts, newest first.
	ListAchievementsByKey(ctx context.Context, kind Category, key string, limit int) ([]AchievementState, error)
}

type Store interface {
	RecordStore
	SampleStore
	AggregateStore
	AchievementStore
}
