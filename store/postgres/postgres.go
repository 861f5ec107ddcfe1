/*
Package postgres provides a PostgreSQL implementation of ledger.Store.

PURPOSE:
  Same contract and table layout as store/sqlite, on a pgx connection
  pool. Unlike SQLite, PostgreSQL does the aggregate fold itself:
  UpsertAggregate is one INSERT ... ON CONFLICT DO UPDATE statement using
  GREATEST for max and addition for total and count, so concurrent
  writers on the same row never lose an update.

IDEMPOTENCY:
  Plain INSERTs; SQLSTATE 23505 (unique_violation) is translated to
  ledger.OutcomeAlreadyExists.

NUMBERS:
  Amounts are NUMERIC. They are passed as text and cast in SQL, and read
  back as text, so no value ever passes through float64.

SEE ALSO:
  - store/sqlite: SQLite implementation and schema notes
*/
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/warp/score-engine/ledger"
)

const uniqueViolation = "23505"

type Store struct {
	pool *pgxpool.Pool

	// Now stamps aggregate updated_at. Defaults to time.Now.
	Now func() time.Time
}

func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool, Now: time.Now}
}

func (s *Store) now() time.Time {
	if s.Now == nil {
		return time.Now().UTC()
	}
	return s.Now().UTC()
}

// Connect opens a pool for dsn and verifies it with a ping.
func Connect(ctx context.Context, dsn string, logger *zap.Logger) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to parse postgres dsn: %w", err)
	}
	if cfg.MaxConns < 4 {
		cfg.MaxConns = 4
	}
	cfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}
	if logger != nil {
		logger.Info("postgres connected",
			zap.String("host", cfg.ConnConfig.Host),
			zap.String("database", cfg.ConnConfig.Database),
			zap.Int32("max_conns", cfg.MaxConns))
	}
	return pool, nil
}

func (s *Store) Close() {
	s.pool.Close()
}

func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Migrate creates the schema if it does not exist.
func (s *Store) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
	CREATE TABLE IF NOT EXISTS records (
		seq BIGSERIAL PRIMARY KEY,
		id TEXT NOT NULL UNIQUE,
		account_id TEXT NOT NULL,
		amount NUMERIC NOT NULL,
		reason TEXT NOT NULL DEFAULT '',
		category TEXT NOT NULL,
		idempotency_key TEXT NOT NULL UNIQUE,
		reference_id TEXT NOT NULL DEFAULT '',
		achievement_key TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_records_account_created ON records(account_id, created_at);
	CREATE INDEX IF NOT EXISTS idx_records_account_category ON records(account_id, category, created_at);

	CREATE TABLE IF NOT EXISTS samples (
		scope TEXT NOT NULL,
		event_id TEXT NOT NULL,
		account_id TEXT NOT NULL,
		value NUMERIC NOT NULL,
		at TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (scope, event_id)
	);
	CREATE INDEX IF NOT EXISTS idx_samples_account_scope ON samples(account_id, scope, at);

	CREATE TABLE IF NOT EXISTS aggregates (
		account_id TEXT NOT NULL,
		scope TEXT NOT NULL,
		total NUMERIC NOT NULL,
		max_value NUMERIC NOT NULL,
		average NUMERIC NOT NULL,
		sample_count BIGINT NOT NULL,
		last_event_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (account_id, scope)
	);
	CREATE INDEX IF NOT EXISTS idx_aggregates_scope ON aggregates(scope);

	CREATE TABLE IF NOT EXISTS achievements (
		account_id TEXT NOT NULL,
		kind TEXT NOT NULL,
		key TEXT NOT NULL,
		amount NUMERIC NOT NULL,
		record_key TEXT NOT NULL,
		awarded_at TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (account_id, kind, key)
	);
	CREATE INDEX IF NOT EXISTS idx_achievements_kind_key ON achievements(kind, key, awarded_at);
	`)
	if err != nil {
		return fmt.Errorf("failed to migrate: %w", err)
	}
	return nil
}

// =============================================================================
// RECORDS
// =============================================================================

func (s *Store) Append(ctx context.Context, rec ledger.Record) (ledger.Outcome, error) {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO records
		(id, account_id, amount, reason, category, idempotency_key, reference_id, achievement_key, created_at)
		VALUES ($1, $2, $3::numeric, $4, $5, $6, $7, $8, $9)
	`, rec.ID, string(rec.AccountID), rec.Amount.String(), rec.Reason, string(rec.Category),
		rec.IdempotencyKey, rec.ReferenceID, rec.AchievementKey, rec.CreatedAt.UTC())
	return insertOutcome(err, "append record")
}

func (s *Store) Exists(ctx context.Context, idempotencyKey string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM records WHERE idempotency_key = $1)`, idempotencyKey,
	).Scan(&exists)
	return exists, err
}

func (s *Store) GetRecord(ctx context.Context, idempotencyKey string) (*ledger.Record, error) {
	recs, err := s.queryRecords(ctx,
		`SELECT `+recordColumns+` FROM records WHERE idempotency_key = $1`, idempotencyKey)
	if err != nil {
		return nil, err
	}
	if len(recs) == 0 {
		return nil, nil
	}
	return &recs[0], nil
}

const recordColumns = `id, account_id, amount::text, reason, category, idempotency_key, reference_id, achievement_key, created_at`

func (s *Store) ListRecords(ctx context.Context, account ledger.AccountID, limit int) ([]ledger.Record, error) {
	query := `SELECT ` + recordColumns + ` FROM records WHERE account_id = $1 ORDER BY created_at DESC, seq DESC`
	args := []any{string(account)}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}
	return s.queryRecords(ctx, query, args...)
}

func (s *Store) LoadRecords(ctx context.Context, account ledger.AccountID) ([]ledger.Record, error) {
	return s.queryRecords(ctx,
		`SELECT `+recordColumns+` FROM records WHERE account_id = $1 ORDER BY created_at ASC, seq ASC`,
		string(account))
}

func (s *Store) CountRecords(ctx context.Context, account ledger.AccountID, category ledger.Category, since time.Time) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM records WHERE account_id = $1 AND category = $2 AND created_at >= $3`,
		string(account), string(category), since.UTC(),
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count records: %w", err)
	}
	return n, nil
}

func (s *Store) queryRecords(ctx context.Context, query string, args ...any) ([]ledger.Record, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query records: %w", err)
	}
	defer rows.Close()

	var out []ledger.Record
	for rows.Next() {
		var (
			rec               ledger.Record
			account, category string
			amount            string
		)
		if err := rows.Scan(&rec.ID, &account, &amount, &rec.Reason, &category,
			&rec.IdempotencyKey, &rec.ReferenceID, &rec.AchievementKey, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan record: %w", err)
		}
		if rec.Amount, err = decimal.NewFromString(amount); err != nil {
			return nil, fmt.Errorf("record %s amount: %w", rec.ID, err)
		}
		rec.AccountID = ledger.AccountID(account)
		rec.Category = ledger.Category(category)
		rec.CreatedAt = rec.CreatedAt.UTC()
		out = append(out, rec)
	}
	return out, rows.Err()
}

// =============================================================================
// SAMPLES
// =============================================================================

func (s *Store) AppendSample(ctx context.Context, sample ledger.Sample) (ledger.Outcome, error) {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO samples (scope, event_id, account_id, value, at)
		VALUES ($1, $2, $3, $4::numeric, $5)
	`, string(sample.Scope), sample.EventID, string(sample.AccountID), sample.Value.String(), sample.At.UTC())
	return insertOutcome(err, "append sample")
}

func (s *Store) LoadSamples(ctx context.Context, account ledger.AccountID, scope ledger.Scope) ([]ledger.Sample, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT event_id, value::text, at
		FROM samples
		WHERE account_id = $1 AND scope = $2
		ORDER BY at ASC, event_id ASC
	`, string(account), string(scope))
	if err != nil {
		return nil, fmt.Errorf("failed to query samples: %w", err)
	}
	defer rows.Close()

	var out []ledger.Sample
	for rows.Next() {
		smp := ledger.Sample{AccountID: account, Scope: scope}
		var value string
		if err := rows.Scan(&smp.EventID, &value, &smp.At); err != nil {
			return nil, fmt.Errorf("failed to scan sample: %w", err)
		}
		if smp.Value, err = decimal.NewFromString(value); err != nil {
			return nil, fmt.Errorf("sample %s value: %w", smp.EventID, err)
		}
		smp.At = smp.At.UTC()
		out = append(out, smp)
	}
	return out, rows.Err()
}

// =============================================================================
// AGGREGATES
// =============================================================================

const aggregateColumns = `account_id, scope, total::text, max_value::text, average::text, sample_count, last_event_at, updated_at`

func (s *Store) GetAggregate(ctx context.Context, account ledger.AccountID, scope ledger.Scope) (*ledger.AggregateStats, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+aggregateColumns+` FROM aggregates WHERE account_id = $1 AND scope = $2`,
		string(account), string(scope))
	agg, err := scanAggregate(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &agg, nil
}

// UpsertAggregate is a single statement; the row lock taken by ON CONFLICT
// serializes concurrent writers on the same (account, scope).
func (s *Store) UpsertAggregate(ctx context.Context, account ledger.AccountID, scope ledger.Scope, m ledger.Mutation) (ledger.AggregateStats, error) {
	row := s.pool.QueryRow(ctx, `
		INSERT INTO aggregates AS a
			(account_id, scope, total, max_value, average, sample_count, last_event_at, updated_at)
		VALUES ($1, $2, $3::numeric, $3::numeric,
			COALESCE(ROUND($3::numeric / NULLIF($4::bigint, 0), $6::int), 0),
			$4, $5, $7)
		ON CONFLICT (account_id, scope) DO UPDATE SET
			total = a.total + EXCLUDED.total,
			max_value = GREATEST(a.max_value, EXCLUDED.max_value),
			sample_count = a.sample_count + EXCLUDED.sample_count,
			average = COALESCE(ROUND((a.total + EXCLUDED.total) / NULLIF(a.sample_count + EXCLUDED.sample_count, 0), $6::int), 0),
			last_event_at = GREATEST(a.last_event_at, EXCLUDED.last_event_at),
			updated_at = EXCLUDED.updated_at
		RETURNING `+aggregateColumns,
		string(account), string(scope), m.Value.String(), m.Count, m.At.UTC(), ledger.AveragePlaces, s.now())
	agg, err := scanAggregate(row)
	if err != nil {
		return ledger.AggregateStats{}, fmt.Errorf("failed to upsert aggregate: %w", err)
	}
	return agg, nil
}

func (s *Store) PutAggregate(ctx context.Context, a ledger.AggregateStats) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO aggregates
			(account_id, scope, total, max_value, average, sample_count, last_event_at, updated_at)
		VALUES ($1, $2, $3::numeric, $4::numeric, $5::numeric, $6, $7, $8)
		ON CONFLICT (account_id, scope) DO UPDATE SET
			total = EXCLUDED.total,
			max_value = EXCLUDED.max_value,
			average = EXCLUDED.average,
			sample_count = EXCLUDED.sample_count,
			last_event_at = EXCLUDED.last_event_at,
			updated_at = EXCLUDED.updated_at
	`, string(a.AccountID), string(a.Scope), a.Total.String(), a.Max.String(), a.Average.String(),
		a.SampleCount, a.LastEventAt.UTC(), a.UpdatedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to save aggregate: %w", err)
	}
	return nil
}

// SwapAggregate is a conditional write: an UPDATE guarded by the expected
// version, or an INSERT that does nothing when a row appeared meanwhile.
func (s *Store) SwapAggregate(ctx context.Context, expected *ledger.AggregateStats, next ledger.AggregateStats) (bool, error) {
	var (
		tag pgconn.CommandTag
		err error
	)
	if expected == nil {
		tag, err = s.pool.Exec(ctx, `
			INSERT INTO aggregates
				(account_id, scope, total, max_value, average, sample_count, last_event_at, updated_at)
			VALUES ($1, $2, $3::numeric, $4::numeric, $5::numeric, $6, $7, $8)
			ON CONFLICT (account_id, scope) DO NOTHING
		`, string(next.AccountID), string(next.Scope), next.Total.String(), next.Max.String(), next.Average.String(),
			next.SampleCount, next.LastEventAt.UTC(), next.UpdatedAt.UTC())
	} else {
		tag, err = s.pool.Exec(ctx, `
			UPDATE aggregates SET
				total = $3::numeric,
				max_value = $4::numeric,
				average = $5::numeric,
				sample_count = $6,
				last_event_at = $7,
				updated_at = $8
			WHERE account_id = $1 AND scope = $2 AND sample_count = $9 AND updated_at = $10
		`, string(next.AccountID), string(next.Scope), next.Total.String(), next.Max.String(), next.Average.String(),
			next.SampleCount, next.LastEventAt.UTC(), next.UpdatedAt.UTC(),
			expected.SampleCount, expected.UpdatedAt.UTC())
	}
	if err != nil {
		return false, fmt.Errorf("failed to swap aggregate: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *Store) ListAggregates(ctx context.Context, scope ledger.Scope) ([]ledger.AggregateStats, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+aggregateColumns+` FROM aggregates WHERE scope = $1 ORDER BY account_id`, string(scope))
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
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM aggregates WHERE account_id = $1)`, string(account),
	).Scan(&exists)
	return exists, err
}

func scanAggregate(row pgx.Row) (ledger.AggregateStats, error) {
	var (
		agg                      ledger.AggregateStats
		account, scope           string
		total, maxValue, average string
	)
	if err := row.Scan(&account, &scope, &total, &maxValue, &average,
		&agg.SampleCount, &agg.LastEventAt, &agg.UpdatedAt); err != nil {
		return agg, err
	}
	var err error
	if agg.Total, err = decimal.NewFromString(total); err != nil {
		return agg, fmt.Errorf("aggregate total: %w", err)
	}
	if agg.Max, err = decimal.NewFromString(maxValue); err != nil {
		return agg, fmt.Errorf("aggregate max: %w", err)
	}
	if agg.Average, err = decimal.NewFromString(average); err != nil {
		return agg, fmt.Errorf("aggregate average: %w", err)
	}
	agg.AccountID = ledger.AccountID(account)
	agg.Scope = ledger.Scope(scope)
	agg.LastEventAt = agg.LastEventAt.UTC()
	agg.UpdatedAt = agg.UpdatedAt.UTC()
	return agg, nil
}

// =============================================================================
// ACHIEVEMENTS
// =============================================================================

func (s *Store) MarkAchievement(ctx context.Context, a ledger.AchievementState) (ledger.Outcome, error) {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO achievements (account_id, kind, key, amount, record_key, awarded_at)
		VALUES ($1, $2, $3, $4::numeric, $5, $6)
	`, string(a.AccountID), string(a.Kind), a.Key, a.Amount.String(), a.RecordKey, a.AwardedAt.UTC())
	return insertOutcome(err, "mark achievement")
}

const achievementColumns = `account_id, kind, key, amount::text, record_key, awarded_at`

func (s *Store) ListAchievements(ctx context.Context, account ledger.AccountID) ([]ledger.AchievementState, error) {
	return s.queryAchievements(ctx,
		`SELECT `+achievementColumns+` FROM achievements WHERE account_id = $1 ORDER BY awarded_at DESC, record_key ASC`,
		string(account))
}

func (s *Store) ListAchievementsByKey(ctx context.Context, kind ledger.Category, key string, limit int) ([]ledger.AchievementState, error) {
	query := `SELECT ` + achievementColumns + ` FROM achievements WHERE kind = $1 AND key = $2 ORDER BY awarded_at DESC, record_key ASC`
	args := []any{string(kind), key}
	if limit > 0 {
		query += ` LIMIT $3`
		args = append(args, limit)
	}
	return s.queryAchievements(ctx, query, args...)
}

func (s *Store) queryAchievements(ctx context.Context, query string, args ...any) ([]ledger.AchievementState, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query achievements: %w", err)
	}
	defer rows.Close()

	var out []ledger.AchievementState
	for rows.Next() {
		var (
			a                     ledger.AchievementState
			account, kind, amount string
		)
		if err := rows.Scan(&account, &kind, &a.Key, &amount, &a.RecordKey, &a.AwardedAt); err != nil {
			return nil, fmt.Errorf("failed to scan achievement: %w", err)
		}
		if a.Amount, err = decimal.NewFromString(amount); err != nil {
			return nil, fmt.Errorf("achievement %s amount: %w", a.RecordKey, err)
		}
		a.AccountID = ledger.AccountID(account)
		a.Kind = ledger.Category(kind)
		a.AwardedAt = a.AwardedAt.UTC()
		out = append(out, a)
	}
	return out, rows.Err()
}

// =============================================================================
// HELPERS
// =============================================================================

func insertOutcome(err error, op string) (ledger.Outcome, error) {
	if err == nil {
		return ledger.OutcomeInserted, nil
	}
	if isUniqueViolation(err) {
		return ledger.OutcomeAlreadyExists, nil
	}
	return 0, fmt.Errorf("failed to %s: %w", op, err)
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == uniqueViolation
	}
	return false
}

var _ ledger.Store = (*Store)(nil)
