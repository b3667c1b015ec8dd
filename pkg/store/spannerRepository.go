package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"cloud.google.com/go/spanner"
	"github.com/zoff-tech/go-fulfillment/schema"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
)

const dbSystemSpanner = "spanner"

var spannerOutboxColumns = []string{
	"id", "aggregate_id", "sequence", "partition_key", "event_type", "correlation_id",
	"payload", "headers", "occurred_at", "created_at", "status", "published_at", "attempts", "last_error",
}

type SpannerRepository struct {
	client *spanner.Client
}

func (s *SpannerRepository) Insert(ctx context.Context, env schema.Envelope) (OutboxRow, error) {
	if err := env.Validate(); err != nil {
		return OutboxRow{}, err
	}
	headers, err := encodeHeaders(env.Headers)
	if err != nil {
		return OutboxRow{}, fmt.Errorf("encode headers: %w", err)
	}

	ctx, span := tracer().Start(ctx, "Insert")
	defer span.End()
	startTime := time.Now()

	row := NewOutboxRow(env)
	_, err = s.client.ReadWriteTransaction(ctx, func(ctx context.Context, txn *spanner.ReadWriteTransaction) error {
		stmt := spanner.Statement{
			SQL:    `SELECT COALESCE(MAX(sequence), 0), MAX(created_at) FROM outbox_events WHERE aggregate_id = @aggregateID`,
			Params: map[string]interface{}{"aggregateID": row.AggregateID},
		}
		iter := txn.Query(ctx, stmt)
		defer iter.Stop()
		r, err := iter.Next()
		if err != nil {
			return err
		}
		var (
			last   int64
			lastAt spanner.NullTime
		)
		if err := r.Columns(&last, &lastAt); err != nil {
			return err
		}

		row.Sequence = last + 1
		row.CreatedAt = notBefore(time.Now().UTC(), lastAt)
		return txn.BufferWrite([]*spanner.Mutation{
			spanner.Insert("outbox_events", spannerOutboxColumns, []interface{}{
				row.ID, row.AggregateID, row.Sequence, int64(row.Partition), row.EventType, row.CorrelationID,
				string(row.Payload), headers, row.OccurredAt, row.CreatedAt, string(StatusPending), spanner.NullTime{}, int64(0), "",
			}),
		})
	})
	if err != nil {
		recordSpanError(span, err)
		if spanner.ErrCode(err) == codes.AlreadyExists {
			return OutboxRow{}, fmt.Errorf("%w: %s", ErrDuplicateEvent, row.ID)
		}
		return OutboxRow{}, fmt.Errorf("insert outbox event %s: %w", row.ID, err)
	}

	addDBStatsToSpan(span, dbSystemSpanner, "Insert", 1, time.Since(startTime))
	return row, nil
}

// spannerBlockedByExhausted holds back rows queued behind an exhausted
// row of the same aggregate until it is dead-lettered.
const spannerBlockedByExhausted = `
              AND NOT EXISTS (SELECT 1 FROM outbox_events p WHERE p.aggregate_id = o.aggregate_id
                  AND p.status = @statusPending AND p.attempts >= @maxAttempts AND p.sequence < o.sequence)`

func (s *SpannerRepository) FetchPending(ctx context.Context, q FetchQuery) ([]OutboxRow, error) {
	return s.fetch(ctx, "FetchPending", "attempts < @maxAttempts", spannerBlockedByExhausted, q)
}

func (s *SpannerRepository) FetchExhausted(ctx context.Context, q FetchQuery) ([]OutboxRow, error) {
	return s.fetch(ctx, "FetchExhausted", "attempts >= @maxAttempts", "", q)
}

// notBefore keeps an aggregate's creation times non-decreasing in sequence
// order even when the local clock steps back.
func notBefore(now time.Time, last spanner.NullTime) time.Time {
	if last.Valid && now.Before(last.Time) {
		return last.Time.UTC()
	}
	return now
}

func (s *SpannerRepository) fetch(ctx context.Context, spanName, attemptsFilter, blocked string, q FetchQuery) ([]OutboxRow, error) {
	q = q.normalize()

	ctx, span := tracer().Start(ctx, spanName)
	defer span.End()
	startTime := time.Now()

	stmt := spanner.Statement{
		SQL: `SELECT id, aggregate_id, sequence, partition_key, event_type, correlation_id, payload, headers,
              occurred_at, created_at, status, published_at, attempts, last_error
              FROM outbox_events o
              WHERE status = @statusPending AND ` + attemptsFilter + ` AND MOD(partition_key, @partitionCount) = @partitionIndex` + blocked + `
              ORDER BY created_at, aggregate_id, sequence
              LIMIT @batchSize`,
		Params: map[string]interface{}{
			"statusPending":  string(StatusPending),
			"maxAttempts":    int64(q.MaxAttempts),
			"partitionCount": int64(q.PartitionCount),
			"partitionIndex": int64(q.PartitionIndex),
			"batchSize":      int64(q.BatchSize),
		},
	}

	iter := s.client.Single().Query(ctx, stmt)
	defer iter.Stop()

	var events []OutboxRow
	for {
		r, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			recordSpanError(span, err)
			return nil, err
		}

		event, err := scanSpannerRow(r)
		if err != nil {
			recordSpanError(span, err)
			return nil, err
		}
		events = append(events, event)
	}

	addDBStatsToSpan(span, dbSystemSpanner, spanName, len(events), time.Since(startTime))
	return events, nil
}

func (s *SpannerRepository) MarkPublished(ctx context.Context, id string, at time.Time) error {
	_, err := s.update(ctx, "MarkPublished", true, spanner.Statement{
		SQL: `UPDATE outbox_events SET status = @status, published_at = @publishedAt WHERE id = @id`,
		Params: map[string]interface{}{
			"status":      string(StatusPublished),
			"publishedAt": at.UTC(),
			"id":          id,
		},
	})
	return err
}

func (s *SpannerRepository) MarkFailed(ctx context.Context, id string, lastError string) error {
	_, err := s.update(ctx, "MarkFailed", true, spanner.Statement{
		SQL: `UPDATE outbox_events SET attempts = attempts + 1, last_error = @lastError WHERE id = @id`,
		Params: map[string]interface{}{
			"lastError": lastError,
			"id":        id,
		},
	})
	return err
}

func (s *SpannerRepository) MarkDeadLettered(ctx context.Context, id string) error {
	_, err := s.update(ctx, "MarkDeadLettered", true, spanner.Statement{
		SQL: `UPDATE outbox_events SET status = @status WHERE id = @id`,
		Params: map[string]interface{}{
			"status": string(StatusDeadLettered),
			"id":     id,
		},
	})
	return err
}

func (s *SpannerRepository) PurgePublished(ctx context.Context, olderThan time.Time) (int64, error) {
	return s.update(ctx, "PurgePublished", false, spanner.Statement{
		SQL: `DELETE FROM outbox_events o
              WHERE o.status = @status AND o.published_at < @olderThan
              AND o.sequence < (SELECT MAX(i.sequence) FROM outbox_events i WHERE i.aggregate_id = o.aggregate_id)`,
		Params: map[string]interface{}{
			"status":    string(StatusPublished),
			"olderThan": olderThan.UTC(),
		},
	})
}

func (s *SpannerRepository) Ping(ctx context.Context) error {
	iter := s.client.Single().Query(ctx, spanner.Statement{SQL: `SELECT 1`})
	defer iter.Stop()
	_, err := iter.Next()
	return err
}

func (s *SpannerRepository) Close() error {
	s.client.Close()
	return nil
}

func (s *SpannerRepository) update(ctx context.Context, spanName string, mustMatch bool, stmt spanner.Statement) (int64, error) {
	ctx, span := tracer().Start(ctx, spanName)
	defer span.End()
	startTime := time.Now()

	var affected int64
	_, err := s.client.ReadWriteTransaction(ctx, func(ctx context.Context, txn *spanner.ReadWriteTransaction) error {
		n, err := txn.Update(ctx, stmt)
		affected = n
		return err
	})
	if err != nil {
		recordSpanError(span, err)
		return 0, fmt.Errorf("%s: %w", spanName, err)
	}
	if mustMatch && affected == 0 {
		return 0, ErrEventNotFound
	}

	addDBStatsToSpan(span, dbSystemSpanner, spanName, int(affected), time.Since(startTime))
	return affected, nil
}

func scanSpannerRow(r *spanner.Row) (OutboxRow, error) {
	var (
		row         OutboxRow
		sequence    int64
		partition   int64
		attempts    int64
		payload     string
		headers     spanner.NullString
		status      string
		publishedAt spanner.NullTime
	)
	if err := r.Columns(
		&row.ID,
		&row.AggregateID,
		&sequence,
		&partition,
		&row.EventType,
		&row.CorrelationID,
		&payload,
		&headers,
		&row.OccurredAt,
		&row.CreatedAt,
		&status,
		&publishedAt,
		&attempts,
		&row.LastError,
	); err != nil {
		return OutboxRow{}, err
	}

	h, err := decodeHeaders([]byte(headers.StringVal))
	if err != nil {
		return OutboxRow{}, fmt.Errorf("decode headers of %s: %w", row.ID, err)
	}
	row.EventID = row.ID
	row.Sequence = sequence
	row.Partition = int(partition)
	row.Attempts = int(attempts)
	row.Payload = []byte(payload)
	row.Headers = h
	row.Status = Status(status)
	if publishedAt.Valid {
		at := publishedAt.Time
		row.PublishedAt = &at
	}
	return row, nil
}
