package store

import (
	"context"
	"time"

	"github.com/zoff-tech/go-fulfillment/schema"
)

// OutboxRepository defines the database operations for outbox rows.
type OutboxRepository interface {
	// Insert stores env as a pending row and assigns the next sequence of its aggregate.
	Insert(ctx context.Context, env schema.Envelope) (OutboxRow, error)
	// FetchPending returns pending rows with attempts below q.MaxAttempts, oldest first,
	// then by (aggregate_id, sequence).
	FetchPending(ctx context.Context, q FetchQuery) ([]OutboxRow, error)
	// FetchExhausted returns pending rows whose attempts reached q.MaxAttempts.
	FetchExhausted(ctx context.Context, q FetchQuery) ([]OutboxRow, error)
	// MarkPublished records the broker ack of a row.
	MarkPublished(ctx context.Context, id string, at time.Time) error
	// MarkFailed increments the attempts of a row and stores the last error.
	MarkFailed(ctx context.Context, id string, lastError string) error
	// MarkDeadLettered takes a row out of the pending set for good.
	MarkDeadLettered(ctx context.Context, id string) error
	// PurgePublished deletes rows published before olderThan. The newest row of
	// each aggregate is kept so sequences keep increasing.
	PurgePublished(ctx context.Context, olderThan time.Time) (int64, error)

	Ping(ctx context.Context) error
	Close() error
}
