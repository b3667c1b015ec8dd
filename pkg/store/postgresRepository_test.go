package store

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zoff-tech/go-fulfillment/schema"
)

var outboxRowColumns = []string{
	"id", "aggregate_id", "sequence", "partition_key", "event_type", "correlation_id", "payload", "headers",
	"occurred_at", "created_at", "status", "published_at", "attempts", "last_error",
}

func testEnvelope(t *testing.T, id, aggregateID string) schema.Envelope {
	t.Helper()
	env, err := schema.NewEnvelope(&schema.SequenceGenerator{Prefix: id}, schema.OrderCreated, aggregateID, "saga-1",
		[]byte(`{"order_id":"`+aggregateID+`"}`), time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	return env
}

func TestInsert(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	repo := &PostgresRepository{db: db}
	env := testEnvelope(t, "evt", "O1")
	createdAt := time.Date(2024, 1, 1, 12, 0, 1, 0, time.UTC)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(lockAggregateSQL)).
		WithArgs("O1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(`INSERT INTO outbox_events .*GREATEST\(clock_timestamp\(\), MAX\(created_at\)\).* RETURNING sequence, created_at`).
		WithArgs("evt-1", "O1", PartitionOf("O1"), "order.created.v1", "saga-1", `{"order_id":"O1"}`, "{}", sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"sequence", "created_at"}).AddRow(int64(3), createdAt))
	mock.ExpectCommit()

	row, err := repo.Insert(context.Background(), env)
	assert.NoError(t, err)
	assert.Equal(t, "evt-1", row.ID)
	assert.Equal(t, int64(3), row.Sequence)
	assert.Equal(t, PartitionOf("O1"), row.Partition)
	assert.Equal(t, StatusPending, row.Status)
	assert.Equal(t, createdAt, row.CreatedAt)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestInsert_DuplicateEvent(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	repo := &PostgresRepository{db: db}

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(lockAggregateSQL)).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(`INSERT INTO outbox_events`).
		WillReturnError(&pq.Error{Code: "23505", Message: "duplicate key value"})
	mock.ExpectRollback()

	_, err = repo.Insert(context.Background(), testEnvelope(t, "evt", "O1"))
	assert.ErrorIs(t, err, ErrDuplicateEvent)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestInsert_InvalidEnvelope(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	repo := &PostgresRepository{db: db}
	env := testEnvelope(t, "evt", "O1")
	env.Payload = []byte("not json")

	mock.ExpectBegin()
	mock.ExpectRollback()

	_, err = repo.Insert(context.Background(), env)
	assert.ErrorIs(t, err, schema.ErrPayloadNotJSON)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestInsert_JoinsContextTransaction(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	repo := &PostgresRepository{db: db}

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE orders SET status`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta(lockAggregateSQL)).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(`INSERT INTO outbox_events`).
		WillReturnRows(sqlmock.NewRows([]string{"sequence", "created_at"}).AddRow(int64(1), time.Now()))
	mock.ExpectCommit()

	ctx := context.Background()
	tx, err := db.BeginTx(ctx, nil)
	require.NoError(t, err)

	_, err = tx.ExecContext(ctx, `UPDATE orders SET status = 'created' WHERE id = $1`, "O1")
	require.NoError(t, err)

	// business state and outbox row commit together
	_, err = repo.Insert(ContextWithTx(ctx, tx), testEnvelope(t, "evt", "O1"))
	require.NoError(t, err)
	require.NoError(t, tx.Commit())

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestEnqueue(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(lockAggregateSQL)).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(`INSERT INTO outbox_events`).
		WillReturnRows(sqlmock.NewRows([]string{"sequence", "created_at"}).AddRow(int64(7), time.Now()))
	mock.ExpectRollback()

	ctx := context.Background()
	tx, err := db.BeginTx(ctx, nil)
	require.NoError(t, err)

	row, err := Enqueue(ctx, tx, testEnvelope(t, "evt", "O9"))
	require.NoError(t, err)
	assert.Equal(t, int64(7), row.Sequence)
	require.NoError(t, tx.Rollback())

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestFetchPending(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	repo := &PostgresRepository{db: db}
	occurred := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

	// Mock rows for the SELECT query
	rows := sqlmock.NewRows(outboxRowColumns).
		AddRow("1", "O1", int64(1), int64(17), "order.created.v1", "saga-1", []byte(`{"order_id":"O1"}`),
			[]byte(`{"traceparent":"00-abc-def-01"}`), occurred, occurred, "pending", nil, int64(0), "").
		AddRow("2", "O1", int64(2), int64(17), "inventory.reserve.v1", "saga-1", []byte(`{"order_id":"O1"}`),
			[]byte(`{}`), occurred, occurred, "pending", nil, int64(2), "broker down")

	mock.ExpectQuery(`SELECT id, aggregate_id, sequence, .* FROM outbox_events o WHERE o.status = 'pending' AND o.attempts < \$1 AND o.partition_key % \$2 = \$3 AND NOT EXISTS \(.* p.attempts >= \$1 AND p.sequence < o.sequence\) ORDER BY o.created_at, o.aggregate_id, o.sequence LIMIT \$4`).
		WithArgs(5, 4, 1, 10).
		WillReturnRows(rows)

	events, err := repo.FetchPending(context.Background(), FetchQuery{BatchSize: 10, MaxAttempts: 5, PartitionIndex: 1, PartitionCount: 4})
	assert.NoError(t, err)
	assert.Len(t, events, 2)
	assert.Equal(t, "1", events[0].ID)
	assert.Equal(t, "1", events[0].EventID)
	assert.Equal(t, int64(1), events[0].Sequence)
	assert.Equal(t, 17, events[0].Partition)
	assert.JSONEq(t, `{"order_id":"O1"}`, string(events[0].Payload))
	assert.Equal(t, map[string]string{"traceparent": "00-abc-def-01"}, events[0].Headers)
	assert.Nil(t, events[0].PublishedAt)
	assert.True(t, events[0].Pending())
	assert.Equal(t, "2", events[1].ID)
	assert.Nil(t, events[1].Headers)
	assert.Equal(t, 2, events[1].Attempts)
	assert.Equal(t, "broker down", events[1].LastError)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestFetchExhausted(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	repo := &PostgresRepository{db: db}
	now := time.Now()

	mock.ExpectQuery(`FROM outbox_events WHERE status = 'pending' AND attempts >= \$1`).
		WithArgs(3, 1, 0, 100).
		WillReturnRows(sqlmock.NewRows(outboxRowColumns).
			AddRow("9", "O2", int64(1), int64(3), "payment.request.v1", "saga-2", []byte(`{}`),
				nil, now, now, "pending", nil, int64(3), "timeout"))

	events, err := repo.FetchExhausted(context.Background(), FetchQuery{MaxAttempts: 3})
	assert.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, 3, events[0].Attempts)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestFetchPending_QueryError(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	repo := &PostgresRepository{db: db}
	mock.ExpectQuery(`FROM outbox_events`).WillReturnError(errors.New("connection reset"))

	_, err = repo.FetchPending(context.Background(), FetchQuery{MaxAttempts: 3})
	assert.ErrorContains(t, err, "connection reset")
}

func TestMarkPublished(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	repo := &PostgresRepository{db: db}

	mock.ExpectExec(`UPDATE outbox_events SET status = 'published', published_at = \$1 WHERE id = \$2`).
		WithArgs(sqlmock.AnyArg(), "1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	err = repo.MarkPublished(context.Background(), "1", time.Now())
	assert.NoError(t, err)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMarkPublished_NotFound(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	repo := &PostgresRepository{db: db}

	mock.ExpectExec(`UPDATE outbox_events SET status = 'published'`).
		WithArgs(sqlmock.AnyArg(), "missing").
		WillReturnResult(sqlmock.NewResult(0, 0))

	err = repo.MarkPublished(context.Background(), "missing", time.Now())
	assert.ErrorIs(t, err, ErrEventNotFound)
}

func TestMarkFailed(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	repo := &PostgresRepository{db: db}

	mock.ExpectExec(`UPDATE outbox_events SET attempts = attempts \+ 1, last_error = \$1 WHERE id = \$2`).
		WithArgs("nack", "1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	err = repo.MarkFailed(context.Background(), "1", "nack")
	assert.NoError(t, err)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMarkDeadLettered(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	repo := &PostgresRepository{db: db}

	mock.ExpectExec(`UPDATE outbox_events SET status = 'dead_lettered' WHERE id = \$1`).
		WithArgs("1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	err = repo.MarkDeadLettered(context.Background(), "1")
	assert.NoError(t, err)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPurgePublished(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	repo := &PostgresRepository{db: db}

	mock.ExpectExec(`DELETE FROM outbox_events o WHERE o.status = 'published' AND o.published_at < \$1`).
		WithArgs(sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 3))

	purged, err := repo.PurgePublished(context.Background(), time.Now().Add(-time.Hour))
	assert.NoError(t, err)
	assert.Equal(t, int64(3), purged)

	assert.NoError(t, mock.ExpectationsWereMet())
}
