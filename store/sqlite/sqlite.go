/*
Package sqlite provides a SQLite-backed implementation of ledger.Store.

PURPOSE:
  Implements every persistence interface the scoring engine needs on a
  single SQLite file. The same schema and statements carry over to
  PostgreSQL with minor dialect changes (see store/postgres).

INTERFACES IMPLEMENTED:
  ledger.RecordStore:      Append-only point records
  ledger.SampleStore:      Raw performance samples
  ledger.AggregateStore:   Per-account, per-scope statistics
  ledger.AchievementStore: Granted milestone markers

APPEND-ONLY ENFORCEMENT:
  - No UPDATE or DELETE statements on records or samples
  - Corrections are new records (adjustments), never edits

KEY TABLES:
  records:      Immutable ledger, idempotency_key UNIQUE
  samples:      PRIMARY KEY (scope, event_id)
  aggregates:   PRIMARY KEY (account_id, scope)
  achievements: PRIMARY KEY (account_id, kind, key)

IDEMPOTENCY:
  Every insert relies on the table's unique index. A constraint violation
  is translated to ledger.OutcomeAlreadyExists.

CONCURRENCY:
  The pool is limited to one connection, so statements are serialized by
  database/sql. That also makes ":memory:" databases behave (each extra
  connection would otherwise open a fresh empty database). The aggregate
  upsert reads, folds and writes inside one transaction on that connection.

WAL MODE:
  SQLite is opened with WAL (Write-Ahead Logging):
  - Readers from other processes don't block the writer
  - Better crash recovery

NUMBERS AND TIMES:
  Decimals are stored as TEXT and folded in Go; SQLite has no exact
  decimal arithmetic. Times are stored as fixed-width UTC text so string
  order equals time order.

USAGE:
  store, err := sqlite.New("./data/score.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  l := ledger.NewLedger(store, logger, metrics)

SEE ALSO:
  - ledger/store.go: Interface definitions
  - ledger/store/memory.go: In-memory implementation for testing
  - store/postgres: PostgreSQL implementation
*/
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"github.com/warp/score-engine/ledger"
)

// timeLayout is fixed width so lexical order matches chronological order.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Store implements ledger.Store using SQLite.
type Store struct {
	db  *sql.DB
	Now func() time.Time
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	store := &Store{db: db, Now: time.Now}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	-- Records (append-only ledger)
	CREATE TABLE IF NOT EXISTS records (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		account_id TEXT NOT NULL,
		amount TEXT NOT NULL,
		reason TEXT,
		category TEXT NOT NULL,
		idempotency_key TEXT NOT NULL UNIQUE,
		reference_id TEXT,
		achievement_key TEXT,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_records_account_created
		ON records(account_id, created_at);
	CREATE INDEX IF NOT EXISTS idx_records_account_category
		ON records(account_id, category, created_at);

	-- Samples (raw observations, one per event per scope)
	CREATE TABLE IF NOT EXISTS samples (
		scope TEXT NOT NULL,
		event_id TEXT NOT NULL,
		account_id TEXT NOT NULL,
		value TEXT NOT NULL,
		at TEXT NOT NULL,
		PRIMARY KEY (scope, event_id)
	);

	CREATE INDEX IF NOT EXISTS idx_samples_account_scope
		ON samples(account_id, scope, at);

	-- Aggregates (derived, rebuildable from records/samples)
	CREATE TABLE IF NOT EXISTS aggregates (
		account_id TEXT NOT NULL,
		scope TEXT NOT NULL,
		total TEXT NOT NULL,
		max_value TEXT NOT NULL,
		average TEXT NOT NULL,
		sample_count INTEGER NOT NULL,
		last_event_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		PRIMARY KEY (account_id, scope)
	);

	CREATE INDEX IF NOT EXISTS idx_aggregates_scope
		ON aggregates(scope);

	-- Achievements (one row per granted milestone)
	CREATE TABLE IF NOT EXISTS achievements (
		account_id TEXT NOT NULL,
		kind TEXT NOT NULL,
		key TEXT NOT NULL,
		amount TEXT NOT NULL,
		record_key TEXT NOT NULL,
		awarded_at TEXT NOT NULL,
		PRIMARY KEY (account_id, kind, key)
	);

	CREATE INDEX IF NOT EXISTS idx_achievements_kind_key
		ON achievements(kind, key, awarded_at);
	`

	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// RECORD STORE
// =============================================================================

// Append adds a record to the ledger.
func (s *Store) Append(ctx context.Context, rec ledger.Record) (ledger.Outcome, error) {
	query := `
		INSERT INTO records
		(id, account_id, amount, reason, category, idempotency_key,
		 reference_id, achievement_key, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		rec.ID,
		string(rec.AccountID),
		rec.Amount.String(),
		nullString(rec.Reason),
		string(rec.Category),
		rec.IdempotencyKey,
		nullString(rec.ReferenceID),
		nullString(rec.AchievementKey),
		formatTime(rec.CreatedAt),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return ledger.OutcomeAlreadyExists, nil
		}
		return 0, fmt.Errorf("failed to append record: %w", err)
	}
	return ledger.OutcomeInserted, nil
}

// Exists checks if an idempotency key exists.
func (s *Store) Exists(ctx context.Context, idempotencyKey string) (bool, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM records WHERE idempotency_key = ?",
		idempotencyKey,
	).Scan(&count)

	return count > 0, err
}

const recordColumns = `id, account_id, amount, reason, category, idempotency_key,
		       reference_id, achievement_key, created_at`

// GetRecord returns the record holding idempotencyKey, or nil if none.
func (s *Store) GetRecord(ctx context.Context, idempotencyKey string) (*ledger.Record, error) {
	recs, err := s.queryRecords(ctx,
		`SELECT `+recordColumns+` FROM records WHERE idempotency_key = ?`, idempotencyKey)
	if err != nil {
		return nil, err
	}
	if len(recs) == 0 {
		return nil, nil
	}
	return &recs[0], nil
}

// ListRecords returns an account's records, newest first.
func (s *Store) ListRecords(ctx context.Context, account ledger.AccountID, limit int) ([]ledger.Record, error) {
	query := `SELECT ` + recordColumns + `
		FROM records
		WHERE account_id = ?
		ORDER BY created_at DESC, seq DESC`
	args := []any{string(account)}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	return s.queryRecords(ctx, query, args...)
}

// LoadRecords returns an account's records, oldest first.
func (s *Store) LoadRecords(ctx context.Context, account ledger.AccountID) ([]ledger.Record, error) {
	query := `SELECT ` + recordColumns + `
		FROM records
		WHERE account_id = ?
		ORDER BY created_at ASC, seq ASC`
	return s.queryRecords(ctx, query, string(account))
}

func (s *Store) CountRecords(ctx context.Context, account ledger.AccountID, category ledger.Category, since time.Time) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM records WHERE account_id = ? AND category = ? AND created_at >= ?",
		string(account), string(category), formatTime(since),
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count records: %w", err)
	}
	return count, nil
}

func (s *Store) queryRecords(ctx context.Context, query string, args ...any) ([]ledger.Record, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query records: %w", err)
	}
	defer rows.Close()

	var records []ledger.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}

	return records, rows.Err()
}

func scanRecord(rows *sql.Rows) (ledger.Record, error) {
	var (
		rec            ledger.Record
		account        string
		amount         string
		reason         sql.NullString
		category       string
		referenceID    sql.NullString
		achievementKey sql.NullString
		createdAt      string
	)

	err := rows.Scan(
		&rec.ID, &account, &amount, &reason, &category, &rec.IdempotencyKey,
		&referenceID, &achievementKey, &createdAt,
	)
	if err != nil {
		return rec, fmt.Errorf("failed to scan record: %w", err)
	}

	if rec.Amount, err = decimal.NewFromString(amount); err != nil {
		return rec, fmt.Errorf("record %s amount: %w", rec.ID, err)
	}
	rec.AccountID = ledger.AccountID(account)
	rec.Category = ledger.Category(category)
	rec.Reason = reason.String
	rec.ReferenceID = referenceID.String
	rec.AchievementKey = achievementKey.String
	rec.CreatedAt = parseTime(createdAt)
	return rec, nil
}

// =============================================================================
// SAMPLE STORE
// =============================================================================

func (s *Store) AppendSample(ctx context.Context, sample ledger.Sample) (ledger.Outcome, error) {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO samples (scope, event_id, account_id, value, at) VALUES (?, ?, ?, ?, ?)",
		string(sample.Scope), sample.EventID, string(sample.AccountID), sample.Value.String(), formatTime(sample.At),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return ledger.OutcomeAlreadyExists, nil
		}
		return 0, fmt.Errorf("failed to append sample: %w", err)
	}
	return ledger.OutcomeInserted, nil
}

func (s *Store) LoadSamples(ctx context.Context, account ledger.AccountID, scope ledger.Scope) ([]ledger.Sample, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT event_id, value, at
		FROM samples
		WHERE account_id = ? AND scope = ?
		ORDER BY at ASC, event_id ASC`,
		string(account), string(scope),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query samples: %w", err)
	}
	defer rows.Close()

	var samples []ledger.Sample
	for rows.Next() {
		var eventID, value, at string
		if err := rows.Scan(&eventID, &value, &at); err != nil {
			return nil, fmt.Errorf("failed to scan sample: %w", err)
		}
		v, err := decimal.NewFromString(value)
		if err != nil {
			return nil, fmt.Errorf("sample %s value: %w", eventID, err)
		}
		samples = append(samples, ledger.Sample{
			EventID:   eventID,
			AccountID: account,
			Scope:     scope,
			Value:     v,
			At:        parseTime(at),
		})
	}
	return samples, rows.Err()
}

// =============================================================================
// AGGREGATE STORE
// =============================================================================

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

const aggregateColumns = `account_id, scope, total, max_value, average, sample_count, last_event_at, updated_at`

func (s *Store) GetAggregate(ctx context.Context, account ledger.AccountID, scope ledger.Scope) (*ledger.AggregateStats, error) {
	return getAggregate(ctx, s.db, account, scope)
}

func getAggregate(ctx context.Context, db queryer, account ledger.AccountID, scope ledger.Scope) (*ledger.AggregateStats, error) {
	row := db.QueryRowContext(ctx,
		`SELECT `+aggregateColumns+` FROM aggregates WHERE account_id = ? AND scope = ?`,
		string(account), string(scope),
	)
	agg, err := scanAggregate(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &agg, nil
}

// UpsertAggregate folds m into the row inside one transaction.
func (s *Store) UpsertAggregate(ctx context.Context, account ledger.AccountID, scope ledger.Scope, m ledger.Mutation) (ledger.AggregateStats, error) {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return ledger.AggregateStats{}, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	prior, err := getAggregate(ctx, sqlTx, account, scope)
	if err != nil {
		return ledger.AggregateStats{}, err
	}
	next := ledger.ApplyMutation(prior, account, scope, m, s.Now().UTC())
	if err := putAggregate(ctx, sqlTx, next); err != nil {
		return ledger.AggregateStats{}, err
	}
	if err := sqlTx.Commit(); err != nil {
		return ledger.AggregateStats{}, fmt.Errorf("failed to commit aggregate: %w", err)
	}
	return next, nil
}

func (s *Store) PutAggregate(ctx context.Context, stats ledger.AggregateStats) error {
	return putAggregate(ctx, s.db, stats)
}

// SwapAggregate writes next only if the row is still at expected's version.
func (s *Store) SwapAggregate(ctx context.Context, expected *ledger.AggregateStats, next ledger.AggregateStats) (bool, error) {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	current, err := getAggregate(ctx, sqlTx, next.AccountID, next.Scope)
	if err != nil {
		return false, err
	}
	if (current == nil) != (expected == nil) || (current != nil && !current.SameVersion(*expected)) {
		return false, nil
	}
	if err := putAggregate(ctx, sqlTx, next); err != nil {
		return false, err
	}
	if err := sqlTx.Commit(); err != nil {
		return false, fmt.Errorf("failed to commit aggregate: %w", err)
	}
	return true, nil
}

func putAggregate(ctx context.Context, db execer, a ledger.AggregateStats) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO aggregates (`+aggregateColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(account_id, scope) DO UPDATE SET
			total = excluded.total,
			max_value = excluded.max_value,
			average = excluded.average,
			sample_count = excluded.sample_count,
			last_event_at = excluded.last_event_at,
			updated_at = excluded.updated_at`,
		string(a.AccountID), string(a.Scope),
		a.Total.String(), a.Max.String(), a.Average.String(), a.SampleCount,
		formatTime(a.LastEventAt), formatTime(a.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to save aggregate: %w", err)
	}
	return nil
}

func (s *Store) ListAggregates(ctx context.Context, scope ledger.Scope) ([]ledger.AggregateStats, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+aggregateColumns+` FROM aggregates WHERE scope = ? ORDER BY account_id`,
		string(scope),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query aggregates: %w", err)
	}
	defer rows.Close()

	var out []ledger.AggregateStats
	for rows.Next() {
		agg, err := scanAggregate(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, agg)
	}
	return out, rows.Err()
}

func (s *Store) AccountExists(ctx context.Context, account ledger.AccountID) (bool, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM aggregates WHERE account_id = ?", string(account),
	).Scan(&count)
	return count > 0, err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanAggregate(row scanner) (ledger.AggregateStats, error) {
	var (
		agg                      ledger.AggregateStats
		account, scope           string
		total, maxValue, average string
		lastEventAt, updatedAt   string
	)
	err := row.Scan(&account, &scope, &total, &maxValue, &average, &agg.SampleCount, &lastEventAt, &updatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return agg, err
		}
		return agg, fmt.Errorf("failed to scan aggregate: %w", err)
	}

	agg.AccountID = ledger.AccountID(account)
	agg.Scope = ledger.Scope(scope)
	if agg.Total, err = decimal.NewFromString(total); err != nil {
		return agg, fmt.Errorf("aggregate %s/%s total: %w", account, scope, err)
	}
	if agg.Max, err = decimal.NewFromString(maxValue); err != nil {
		return agg, fmt.Errorf("aggregate %s/%s max: %w", account, scope, err)
	}
	if agg.Average, err = decimal.NewFromString(average); err != nil {
		return agg, fmt.Errorf("aggregate %s/%s average: %w", account, scope, err)
	}
	agg.LastEventAt = parseTime(lastEventAt)
	agg.UpdatedAt = parseTime(updatedAt)
	return agg, nil
}

// =============================================================================
// ACHIEVEMENT STORE
// =============================================================================

func (s *Store) MarkAchievement(ctx context.Context, a ledger.AchievementState) (ledger.Outcome, error) {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO achievements (account_id, kind, key, amount, record_key, awarded_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		string(a.AccountID), string(a.Kind), a.Key, a.Amount.String(), a.RecordKey, formatTime(a.AwardedAt),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return ledger.OutcomeAlreadyExists, nil
		}
		return 0, fmt.Errorf("failed to mark achievement: %w", err)
	}
	return ledger.OutcomeInserted, nil
}

const achievementColumns = `account_id, kind, key, amount, record_key, awarded_at`

func (s *Store) ListAchievements(ctx context.Context, account ledger.AccountID) ([]ledger.AchievementState, error) {
	return s.queryAchievements(ctx, `SELECT `+achievementColumns+`
		FROM achievements
		WHERE account_id = ?
		ORDER BY awarded_at DESC, record_key ASC`,
		string(account))
}

func (s *Store) ListAchievementsByKey(ctx context.Context, kind ledger.Category, key string, limit int) ([]ledger.AchievementState, error) {
	query := `SELECT ` + achievementColumns + `
		FROM achievements
		WHERE kind = ? AND key = ?
		ORDER BY awarded_at DESC, record_key ASC`
	args := []any{string(kind), key}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	return s.queryAchievements(ctx, query, args...)
}

func (s *Store) queryAchievements(ctx context.Context, query string, args ...any) ([]ledger.AchievementState, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query achievements: %w", err)
	}
	defer rows.Close()

	var out []ledger.AchievementState
	for rows.Next() {
		var (
			a                     ledger.AchievementState
			account, kind, amount string
			awardedAt             string
		)
		if err := rows.Scan(&account, &kind, &a.Key, &amount, &a.RecordKey, &awardedAt); err != nil {
			return nil, fmt.Errorf("failed to scan achievement: %w", err)
		}
		if a.Amount, err = decimal.NewFromString(amount); err != nil {
			return nil, fmt.Errorf("achievement %s amount: %w", a.RecordKey, err)
		}
		a.AccountID = ledger.AccountID(account)
		a.Kind = ledger.Category(kind)
		a.AwardedAt = parseTime(awardedAt)
		out = append(out, a)
	}
	return out, rows.Err()
}

// =============================================================================
// HELPERS
// =============================================================================

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		t, _ = time.Parse(time.RFC3339Nano, s)
	}
	return t.UTC()
}

func isUniqueConstraintError(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

var _ ledger.Store = (*Store)(nil)
