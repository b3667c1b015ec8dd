package store

import (
	"context"
	"fmt"
	"time"

	"github.com/zoff-tech/go-fulfillment/schema"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
)

const (
	dbSystemMongo = "mongodb"

	defaultMongoCollection = "outbox_events"
	mongoCountersSuffix    = "_sequences"
)

// mongoOutboxDoc is the stored form of an OutboxRow.
type mongoOutboxDoc struct {
	ID            string            `bson:"_id"`
	AggregateID   string            `bson:"aggregate_id"`
	Sequence      int64             `bson:"sequence"`
	Partition     int               `bson:"partition_key"`
	EventType     string            `bson:"event_type"`
	CorrelationID string            `bson:"correlation_id"`
	Payload       string            `bson:"payload"`
	Headers       map[string]string `bson:"headers,omitempty"`
	OccurredAt    time.Time         `bson:"occurred_at"`
	CreatedAt     time.Time         `bson:"created_at"`
	Status        Status            `bson:"status"`
	PublishedAt   *time.Time        `bson:"published_at,omitempty"`
	Attempts      int               `bson:"attempts"`
	LastError     string            `bson:"last_error,omitempty"`
}

func (d mongoOutboxDoc) row() OutboxRow {
	return OutboxRow{
		Envelope: schema.Envelope{
			EventID:       d.ID,
			EventType:     d.EventType,
			AggregateID:   d.AggregateID,
			Sequence:      d.Sequence,
			CorrelationID: d.CorrelationID,
			OccurredAt:    d.OccurredAt.UTC(),
			Payload:       []byte(d.Payload),
			Headers:       d.Headers,
		},
		ID:          d.ID,
		Partition:   d.Partition,
		Status:      d.Status,
		PublishedAt: d.PublishedAt,
		Attempts:    d.Attempts,
		LastError:   d.LastError,
		CreatedAt:   d.CreatedAt.UTC(),
	}
}

type MongoRepository struct {
	client     *mongo.Client
	database   string
	collection string
}

func NewMongoRepository(client *mongo.Client, database, collection string) *MongoRepository {
	if collection == "" {
		collection = defaultMongoCollection
	}
	return &MongoRepository{
		client:     client,
		database:   database,
		collection: collection,
	}
}

func (m *MongoRepository) events() *mongo.Collection {
	return m.client.Database(m.database).Collection(m.collection)
}

func (m *MongoRepository) counters() *mongo.Collection {
	return m.client.Database(m.database).Collection(m.collection + mongoCountersSuffix)
}

// counterUpdate bumps an aggregate's sequence and stamps the creation time
// in one atomic document update. The stamp never moves backwards, so
// created_at order agrees with sequence order within an aggregate.
var counterUpdate = mongo.Pipeline{{{Key: "$set", Value: bson.D{
	{Key: "seq", Value: bson.D{{Key: "$add", Value: bson.A{bson.D{{Key: "$ifNull", Value: bson.A{"$seq", 0}}}, 1}}}},
	{Key: "at", Value: bson.D{{Key: "$max", Value: bson.A{"$$NOW", bson.D{{Key: "$ifNull", Value: bson.A{"$at", "$$NOW"}}}}}}},
}}}}

// Insert draws the next aggregate sequence from a counters collection, so
// sequences survive purges of old rows. Concurrent writers of one aggregate
// must be serialized by the caller: the counter orders sequences, not the
// visibility of the rows that carry them.
func (m *MongoRepository) Insert(ctx context.Context, env schema.Envelope) (OutboxRow, error) {
	if err := env.Validate(); err != nil {
		return OutboxRow{}, err
	}

	ctx, span := tracer().Start(ctx, "Insert")
	defer span.End()
	startTime := time.Now()

	var counter struct {
		Seq int64     `bson:"seq"`
		At  time.Time `bson:"at"`
	}
	err := m.counters().FindOneAndUpdate(ctx,
		bson.M{"_id": env.AggregateID},
		counterUpdate,
		options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After),
	).Decode(&counter)
	if err != nil {
		recordSpanError(span, err)
		return OutboxRow{}, fmt.Errorf("next sequence for %s: %w", env.AggregateID, err)
	}

	row := NewOutboxRow(env)
	row.Sequence = counter.Seq
	row.CreatedAt = counter.At.UTC()
	if counter.At.IsZero() {
		row.CreatedAt = time.Now().UTC()
	}

	doc := mongoOutboxDoc{
		ID:            row.ID,
		AggregateID:   row.AggregateID,
		Sequence:      row.Sequence,
		Partition:     row.Partition,
		EventType:     row.EventType,
		CorrelationID: row.CorrelationID,
		Payload:       string(row.Payload),
		Headers:       row.Headers,
		OccurredAt:    row.OccurredAt,
		CreatedAt:     row.CreatedAt,
		Status:        StatusPending,
	}
	if _, err := m.events().InsertOne(ctx, doc); err != nil {
		recordSpanError(span, err)
		if mongo.IsDuplicateKeyError(err) {
			return OutboxRow{}, fmt.Errorf("%w: %s", ErrDuplicateEvent, row.ID)
		}
		return OutboxRow{}, fmt.Errorf("insert outbox event %s: %w", row.ID, err)
	}

	addDBStatsToSpan(span, dbSystemMongo, "Insert", 1, time.Since(startTime))
	return row, nil
}

func (m *MongoRepository) FetchPending(ctx context.Context, q FetchQuery) ([]OutboxRow, error) {
	q = q.normalize()
	return m.find(ctx, "FetchPending", q, bson.M{"$lt": q.MaxAttempts})
}

func (m *MongoRepository) FetchExhausted(ctx context.Context, q FetchQuery) ([]OutboxRow, error) {
	q = q.normalize()
	return m.find(ctx, "FetchExhausted", q, bson.M{"$gte": q.MaxAttempts})
}

func (m *MongoRepository) find(ctx context.Context, spanName string, q FetchQuery, attempts bson.M) ([]OutboxRow, error) {
	ctx, span := tracer().Start(ctx, spanName)
	defer span.End()

	startTime := time.Now()

	filter := bson.M{
		"status":    StatusPending,
		"attempts":  attempts,
		"partition_key": bson.M{"$mod": bson.A{q.PartitionCount, q.PartitionIndex}},
	}
	opts := options.Find().
		SetLimit(int64(q.BatchSize)).
		SetSort(bson.D{{Key: "created_at", Value: 1}, {Key: "aggregate_id", Value: 1}, {Key: "sequence", Value: 1}})
	cursor, err := m.events().Find(ctx, filter, opts)
	if err != nil {
		recordSpanError(span, err)
		return nil, err
	}
	defer cursor.Close(ctx)

	var events []OutboxRow
	for cursor.Next(ctx) {
		var doc mongoOutboxDoc
		if err := cursor.Decode(&doc); err != nil {
			recordSpanError(span, err)
			return nil, err
		}
		events = append(events, doc.row())
	}

	if err := cursor.Err(); err != nil {
		recordSpanError(span, err)
		return nil, err
	}

	addDBStatsToSpan(span, dbSystemMongo, spanName, len(events), time.Since(startTime))

	return events, nil
}

func (m *MongoRepository) MarkPublished(ctx context.Context, id string, at time.Time) error {
	return m.updateOne(ctx, "MarkPublished", id, bson.M{
		"$set": bson.M{
			"status":       StatusPublished,
			"published_at": at.UTC(),
		},
	})
}

func (m *MongoRepository) MarkFailed(ctx context.Context, id string, lastError string) error {
	return m.updateOne(ctx, "MarkFailed", id, bson.M{
		"$set": bson.M{"last_error": lastError},
		"$inc": bson.M{"attempts": 1},
	})
}

func (m *MongoRepository) MarkDeadLettered(ctx context.Context, id string) error {
	return m.updateOne(ctx, "MarkDeadLettered", id, bson.M{
		"$set": bson.M{"status": StatusDeadLettered},
	})
}

func (m *MongoRepository) PurgePublished(ctx context.Context, olderThan time.Time) (int64, error) {
	ctx, span := tracer().Start(ctx, "PurgePublished")
	defer span.End()
	startTime := time.Now()

	res, err := m.events().DeleteMany(ctx, bson.M{
		"status":       StatusPublished,
		"published_at": bson.M{"$lt": olderThan.UTC()},
	})
	if err != nil {
		recordSpanError(span, err)
		return 0, fmt.Errorf("PurgePublished: %w", err)
	}

	addDBStatsToSpan(span, dbSystemMongo, "PurgePublished", int(res.DeletedCount), time.Since(startTime))
	return res.DeletedCount, nil
}

func (m *MongoRepository) Ping(ctx context.Context) error {
	return m.client.Ping(ctx, readpref.Primary())
}

func (m *MongoRepository) Close() error {
	return m.client.Disconnect(context.Background())
}

func (m *MongoRepository) updateOne(ctx context.Context, spanName, id string, update bson.M) error {
	ctx, span := tracer().Start(ctx, spanName)
	defer span.End()
	startTime := time.Now()

	res, err := m.events().UpdateOne(ctx, bson.M{"_id": id}, update)
	if err != nil {
		recordSpanError(span, err)
		return fmt.Errorf("%s: %w", spanName, err)
	}
	if res.MatchedCount == 0 {
		recordSpanError(span, ErrEventNotFound)
		return fmt.Errorf("%s %s: %w", spanName, id, ErrEventNotFound)
	}

	addDBStatsToSpan(span, dbSystemMongo, spanName, 1, time.Since(startTime))
	return nil
}
