package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/lib/pq"
	"github.com/zoff-tech/go-fulfillment/schema"
)

const dbSystemPostgres = "postgresql"

const outboxColumns = `id, aggregate_id, sequence, partition_key, event_type, correlation_id, payload, headers, occurred_at, created_at, status, published_at, attempts, last_error`

const (
	lockAggregateSQL = `SELECT pg_advisory_xact_lock(hashtext($1))`

	// created_at is read after the aggregate lock and never falls behind an
	// earlier sequence, so created_at order agrees with sequence order.
	insertOutboxSQL = `INSERT INTO outbox_events (id, aggregate_id, sequence, partition_key, event_type, correlation_id, payload, headers, occurred_at, created_at, status)
VALUES ($1, $2, (SELECT COALESCE(MAX(sequence), 0) + 1 FROM outbox_events WHERE aggregate_id = $2), $3, $4, $5, $6, $7, $8,
(SELECT GREATEST(clock_timestamp(), MAX(created_at)) FROM outbox_events WHERE aggregate_id = $2), 'pending')
RETURNING sequence, created_at`

	// A row waits while an earlier row of its aggregate is still pending
	// with exhausted attempts.
	fetchPendingSQL = `SELECT ` + outboxColumns + ` FROM outbox_events o
WHERE o.status = 'pending' AND o.attempts < $1 AND o.partition_key % $2 = $3
AND NOT EXISTS (SELECT 1 FROM outbox_events p WHERE p.aggregate_id = o.aggregate_id AND p.status = 'pending' AND p.attempts >= $1 AND p.sequence < o.sequence)
ORDER BY o.created_at, o.aggregate_id, o.sequence
LIMIT $4`

	fetchExhaustedSQL = `SELECT ` + outboxColumns + ` FROM outbox_events
WHERE status = 'pending' AND attempts >= $1 AND partition_key % $2 = $3
ORDER BY created_at, aggregate_id, sequence
LIMIT $4`

	markPublishedSQL    = `UPDATE outbox_events SET status = 'published', published_at = $1 WHERE id = $2`
	markFailedSQL       = `UPDATE outbox_events SET attempts = attempts + 1, last_error = $1 WHERE id = $2`
	markDeadLetteredSQL = `UPDATE outbox_events SET status = 'dead_lettered' WHERE id = $1`

	purgePublishedSQL = `DELETE FROM outbox_events o
WHERE o.status = 'published' AND o.published_at < $1
AND o.sequence < (SELECT MAX(i.sequence) FROM outbox_events i WHERE i.aggregate_id = o.aggregate_id)`
)

// Execer is the subset of *sql.DB, *sql.Tx and gorm's connection pool that
// InsertWith needs.
type Execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type txKey struct{}

// ContextWithTx makes repository writes join tx instead of opening their own
// transaction. Business code uses it to commit state and outbox rows together.
func ContextWithTx(ctx context.Context, tx *sql.Tx) context.Context {
	return context.WithValue(ctx, txKey{}, tx)
}

func txFromContext(ctx context.Context) (*sql.Tx, bool) {
	tx, ok := ctx.Value(txKey{}).(*sql.Tx)
	return tx, ok && tx != nil
}

type PostgresRepository struct {
	db *sql.DB // using database/sql
}

func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// DB exposes the underlying pool, e.g. for migrations and health checks.
func (p *PostgresRepository) DB() *sql.DB {
	return p.db
}

func (p *PostgresRepository) Insert(ctx context.Context, env schema.Envelope) (OutboxRow, error) {
	return withTransaction(ctx, p.db, "Insert", func(ctx context.Context, tx *sql.Tx) (OutboxRow, error) {
		return InsertWith(ctx, tx, env)
	})
}

// InsertWith writes env as a pending outbox row through exec, typically the
// caller's open transaction. Rows of one aggregate are serialized with a
// transaction-scoped advisory lock so sequences never collide.
func InsertWith(ctx context.Context, exec Execer, env schema.Envelope) (OutboxRow, error) {
	if err := env.Validate(); err != nil {
		return OutboxRow{}, err
	}
	headers, err := encodeHeaders(env.Headers)
	if err != nil {
		return OutboxRow{}, fmt.Errorf("encode headers: %w", err)
	}

	if _, err := exec.ExecContext(ctx, lockAggregateSQL, env.AggregateID); err != nil {
		return OutboxRow{}, fmt.Errorf("lock aggregate %s: %w", env.AggregateID, err)
	}

	row := NewOutboxRow(env)
	err = exec.QueryRowContext(ctx, insertOutboxSQL,
		row.ID,
		row.AggregateID,
		row.Partition,
		row.EventType,
		row.CorrelationID,
		string(row.Payload),
		headers,
		row.OccurredAt,
	).Scan(&row.Sequence, &row.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return OutboxRow{}, fmt.Errorf("%w: %s", ErrDuplicateEvent, row.ID)
		}
		return OutboxRow{}, fmt.Errorf("insert outbox event %s: %w", row.ID, err)
	}
	return row, nil
}

// Enqueue is InsertWith for business code that owns the transaction.
func Enqueue(ctx context.Context, exec Execer, env schema.Envelope) (OutboxRow, error) {
	return InsertWith(ctx, exec, env)
}

func (p *PostgresRepository) FetchPending(ctx context.Context, q FetchQuery) ([]OutboxRow, error) {
	q = q.normalize()
	return p.query(ctx, "FetchPending", fetchPendingSQL, q.MaxAttempts, q.PartitionCount, q.PartitionIndex, q.BatchSize)
}

func (p *PostgresRepository) FetchExhausted(ctx context.Context, q FetchQuery) ([]OutboxRow, error) {
	q = q.normalize()
	return p.query(ctx, "FetchExhausted", fetchExhaustedSQL, q.MaxAttempts, q.PartitionCount, q.PartitionIndex, q.BatchSize)
}

func (p *PostgresRepository) MarkPublished(ctx context.Context, id string, at time.Time) error {
	_, err := p.exec(ctx, "MarkPublished", markPublishedSQL, true, at.UTC(), id)
	return err
}

func (p *PostgresRepository) MarkFailed(ctx context.Context, id string, lastError string) error {
	_, err := p.exec(ctx, "MarkFailed", markFailedSQL, true, lastError, id)
	return err
}

func (p *PostgresRepository) MarkDeadLettered(ctx context.Context, id string) error {
	_, err := p.exec(ctx, "MarkDeadLettered", markDeadLetteredSQL, true, id)
	return err
}

func (p *PostgresRepository) PurgePublished(ctx context.Context, olderThan time.Time) (int64, error) {
	return p.exec(ctx, "PurgePublished", purgePublishedSQL, false, olderThan.UTC())
}

func (p *PostgresRepository) Ping(ctx context.Context) error {
	return p.db.PingContext(ctx)
}

func (p *PostgresRepository) Close() error {
	return p.db.Close()
}

func (p *PostgresRepository) query(ctx context.Context, spanName, statement string, args ...any) ([]OutboxRow, error) {
	ctx, span := tracer().Start(ctx, spanName)
	defer span.End()
	startTime := time.Now()

	rows, err := p.db.QueryContext(ctx, statement, args...)
	if err != nil {
		recordSpanError(span, err)
		return nil, fmt.Errorf("%s: %w", spanName, err)
	}
	defer rows.Close()

	var events []OutboxRow
	for rows.Next() {
		event, err := scanOutboxRow(rows)
		if err != nil {
			recordSpanError(span, err)
			return nil, err
		}
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		recordSpanError(span, err)
		return nil, err
	}

	addDBStatsToSpan(span, dbSystemPostgres, spanName, len(events), time.Since(startTime))
	return events, nil
}

// exec runs a single statement, inside the context transaction when present.
func (p *PostgresRepository) exec(ctx context.Context, spanName, statement string, mustMatch bool, args ...any) (int64, error) {
	run := func(ctx context.Context, exec Execer) (int64, error) {
		res, err := exec.ExecContext(ctx, statement, args...)
		if err != nil {
			return 0, fmt.Errorf("%s: %w", spanName, err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return 0, err
		}
		if mustMatch && affected == 0 {
			return 0, ErrEventNotFound
		}
		return affected, nil
	}

	if tx, ok := txFromContext(ctx); ok {
		return run(ctx, tx)
	}

	ctx, span := tracer().Start(ctx, spanName)
	defer span.End()
	startTime := time.Now()

	affected, err := run(ctx, p.db)
	recordSpanError(span, err)
	addDBStatsToSpan(span, dbSystemPostgres, spanName, int(affected), time.Since(startTime))
	return affected, err
}

// withTransaction runs fn in the transaction carried by ctx, or in a new one
// that is committed when fn succeeds.
func withTransaction[T any](ctx context.Context, db *sql.DB, spanName string, fn func(ctx context.Context, tx *sql.Tx) (T, error)) (result T, err error) {
	ctx, span := tracer().Start(ctx, spanName)
	defer span.End()
	startTime := time.Now()

	if tx, ok := txFromContext(ctx); ok {
		result, err = fn(ctx, tx)
		recordSpanError(span, err)
		return result, err
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		recordSpanError(span, err)
		return result, fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
			recordSpanError(span, err)
			return
		}
		if err = tx.Commit(); err != nil {
			err = fmt.Errorf("commit transaction: %w", err)
			recordSpanError(span, err)
		}
	}()

	result, err = fn(ContextWithTx(ctx, tx), tx)
	addDBStatsToSpan(span, dbSystemPostgres, spanName, 1, time.Since(startTime))
	return result, err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOutboxRow(s rowScanner) (OutboxRow, error) {
	var (
		row         OutboxRow
		payload     []byte
		headers     []byte
		status      string
		publishedAt sql.NullTime
	)
	if err := s.Scan(
		&row.ID,
		&row.AggregateID,
		&row.Sequence,
		&row.Partition,
		&row.EventType,
		&row.CorrelationID,
		&payload,
		&headers,
		&row.OccurredAt,
		&row.CreatedAt,
		&status,
		&publishedAt,
		&row.Attempts,
		&row.LastError,
	); err != nil {
		return OutboxRow{}, fmt.Errorf("scan outbox row: %w", err)
	}

	h, err := decodeHeaders(headers)
	if err != nil {
		return OutboxRow{}, fmt.Errorf("decode headers of %s: %w", row.ID, err)
	}
	row.EventID = row.ID
	row.Payload = payload
	row.Headers = h
	row.Status = Status(status)
	if publishedAt.Valid {
		at := publishedAt.Time
		row.PublishedAt = &at
	}
	return row, nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}
