package store

import (
	"errors"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/zoff-tech/go-fulfillment/schema"
)

// Status represents the status of an outbox row.
type Status string

const (
	StatusPending      Status = "pending"
	StatusPublished    Status = "published"
	StatusDeadLettered Status = "dead_lettered"
)

// PartitionBuckets is the number of hash buckets rows are spread over.
// Publishers split the buckets between them with FetchQuery.PartitionCount.
const PartitionBuckets = 1024

var (
	ErrEventNotFound  = errors.New("outbox event not found")
	ErrDuplicateEvent = errors.New("outbox event already exists")
)

// OutboxRow represents an event stored in the outbox table.
type OutboxRow struct {
	schema.Envelope

	ID          string     `json:"id"`
	Partition   int        `json:"partition"`
	Status      Status     `json:"status"`
	PublishedAt *time.Time `json:"published_at,omitempty"`
	Attempts    int        `json:"attempts"`
	LastError   string     `json:"last_error,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}

// Pending reports whether the row still has to be published.
func (r OutboxRow) Pending() bool {
	return r.Status == StatusPending && r.PublishedAt == nil
}

// NewOutboxRow builds a pending row for env. Sequence and CreatedAt are
// assigned by the repository on insert.
func NewOutboxRow(env schema.Envelope) OutboxRow {
	return OutboxRow{
		Envelope:  env,
		ID:        env.EventID,
		Partition: PartitionOf(env.AggregateID),
		Status:    StatusPending,
	}
}

// PartitionOf maps an aggregate id to its hash bucket.
func PartitionOf(aggregateID string) int {
	return int(xxhash.Sum64String(aggregateID) % PartitionBuckets)
}

// FetchQuery selects rows for one publisher.
type FetchQuery struct {
	BatchSize      int
	MaxAttempts    int
	PartitionIndex int
	PartitionCount int
}

func (q FetchQuery) normalize() FetchQuery {
	if q.PartitionCount <= 0 {
		q.PartitionCount = 1
		q.PartitionIndex = 0
	}
	if q.BatchSize <= 0 {
		q.BatchSize = 100
	}
	return q
}

// Owns reports whether the publisher described by q owns partition.
func (q FetchQuery) Owns(partition int) bool {
	q = q.normalize()
	return partition%q.PartitionCount == q.PartitionIndex
}
