// Package processor relays outbox rows to the message bus.
package processor

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"sync/atomic"
	"time"

	"github.com/sourcegraph/conc/pool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/zoff-tech/go-fulfillment/pkg/broker"
	"github.com/zoff-tech/go-fulfillment/pkg/config"
	"github.com/zoff-tech/go-fulfillment/pkg/deadletter"
	"github.com/zoff-tech/go-fulfillment/pkg/logging"
	"github.com/zoff-tech/go-fulfillment/pkg/store"
	"github.com/zoff-tech/go-fulfillment/pkg/telemetry"
	"github.com/zoff-tech/go-fulfillment/schema"
)

// ErrPermanentDeliveryFailure marks a row that exhausted its attempts.
var ErrPermanentDeliveryFailure = errors.New("permanent delivery failure")

// Options tunes an OutboxPublisher.
type Options struct {
	PollInterval   time.Duration
	BatchSize      int
	MaxAttempts    int
	Concurrency    int
	PartitionIndex int
	PartitionCount int
	Retention      time.Duration
	PurgeInterval  time.Duration
	Codec          schema.Codec
	Meter          metric.Meter
	Now            func() time.Time
}

// OptionsFrom maps the outbox configuration section onto Options.
func OptionsFrom(cfg config.OutboxSettings) Options {
	return Options{
		PollInterval:   cfg.PollInterval,
		BatchSize:      cfg.BatchSize,
		MaxAttempts:    cfg.MaxAttempts,
		Concurrency:    cfg.PublishConcurrency,
		PartitionIndex: cfg.PartitionIndex,
		PartitionCount: cfg.PartitionCount,
		Retention:      cfg.Retention,
		PurgeInterval:  cfg.PurgeInterval,
		Codec:          schema.CodecFor(cfg.Codec),
	}
}

func (o *Options) applyDefaults() {
	if o.PollInterval <= 0 {
		o.PollInterval = time.Second
	}
	if o.BatchSize <= 0 {
		o.BatchSize = 100
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 5
	}
	if o.Concurrency <= 0 {
		o.Concurrency = 8
	}
	if o.PartitionCount <= 0 {
		o.PartitionCount = 1
	}
	if o.Codec == nil {
		o.Codec = schema.JSONCodec{}
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

// BatchResult summarizes one ProcessBatch cycle.
type BatchResult struct {
	Fetched      int
	Published    int
	Failed       int
	Skipped      int
	DeadLettered int
	CircuitOpen  bool
}

// OutboxPublisher relays pending outbox rows to the bus with at-least-once
// delivery, preserving order within an aggregate.
type OutboxPublisher struct {
	repo    store.OutboxRepository
	bus     broker.Bus
	sink    deadletter.Sink
	opts    Options
	tracer  trace.Tracer
	metrics *publisherMetrics
	logger  *zap.Logger
}

// NewOutboxPublisher creates a new instance of OutboxPublisher.
func NewOutboxPublisher(repo store.OutboxRepository, bus broker.Bus, sink deadletter.Sink, opts Options, logger *zap.Logger) (*OutboxPublisher, error) {
	opts.applyDefaults()
	if sink == nil {
		sink = deadletter.NewLogSink(logger)
	}

	metrics, err := newPublisherMetrics(opts.Meter)
	if err != nil {
		return nil, err
	}

	return &OutboxPublisher{
		repo:    repo,
		bus:     bus,
		sink:    sink,
		opts:    opts,
		tracer:  otel.Tracer(telemetry.InstrumentationName),
		metrics: metrics,
		logger:  logging.OrNop(logger),
	}, nil
}

func (p *OutboxPublisher) query() store.FetchQuery {
	return store.FetchQuery{
		BatchSize:      p.opts.BatchSize,
		MaxAttempts:    p.opts.MaxAttempts,
		PartitionIndex: p.opts.PartitionIndex,
		PartitionCount: p.opts.PartitionCount,
	}
}

// Poll dead-letters exhausted rows and returns the next batch of pending
// rows, oldest first and in sequence order within an aggregate.
func (p *OutboxPublisher) Poll(ctx context.Context) ([]store.OutboxRow, error) {
	_, err := p.routeExhausted(ctx)
	if err != nil {
		return nil, err
	}

	rows, err := p.repo.FetchPending(ctx, p.query())
	if err != nil {
		return nil, fmt.Errorf("fetch pending: %w", err)
	}
	return rows, nil
}

func (p *OutboxPublisher) routeExhausted(ctx context.Context) (int, error) {
	exhausted, err := p.repo.FetchExhausted(ctx, p.query())
	if err != nil {
		return 0, fmt.Errorf("fetch exhausted: %w", err)
	}

	routed := 0
	for _, row := range exhausted {
		if err := p.deadLetter(ctx, row); err != nil {
			// the row stays pending and is retried on the next poll
			p.logger.Error("Failed to dead-letter event", zap.String("event_id", row.ID), zap.Error(err))
			continue
		}
		routed++
	}
	return routed, nil
}

func (p *OutboxPublisher) deadLetter(ctx context.Context, row store.OutboxRow) error {
	failure := fmt.Errorf("%w: event %s after %d attempts: %s",
		ErrPermanentDeliveryFailure, row.ID, row.Attempts, row.LastError)

	logging.WithTrace(ctx, p.logger).Error("Outbox event exhausted its delivery attempts",
		zap.String("event_id", row.ID),
		zap.String("event_type", row.EventType),
		zap.String("aggregate_id", row.AggregateID),
		zap.Int64("sequence", row.Sequence),
		zap.Error(failure))

	letter := deadletter.Letter{Row: row, Reason: failure.Error(), At: p.opts.Now().UTC()}
	if err := p.sink.Send(ctx, letter); err != nil {
		return fmt.Errorf("send to dead-letter sink: %w", err)
	}
	if err := p.repo.MarkDeadLettered(ctx, row.ID); err != nil {
		return fmt.Errorf("mark dead-lettered: %w", err)
	}

	p.metrics.deadLettered.Add(ctx, 1, metric.WithAttributes(attribute.String("event_type", row.EventType)))
	return nil
}

// Publish sends one row to the bus and records the outcome. A failed publish
// charges an attempt and leaves the row pending, except when the circuit
// breaker rejected it without reaching the broker.
func (p *OutboxPublisher) Publish(ctx context.Context, row store.OutboxRow) error {
	ctx, span := p.tracer.Start(ctx, "PublishOutboxEvent",
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			attribute.String("event.id", row.ID),
			attribute.String("event.type", row.EventType),
			attribute.String("event.aggregate_id", row.AggregateID),
			attribute.Int64("event.sequence", row.Sequence),
			attribute.Int("event.attempts", row.Attempts),
		))
	defer span.End()

	// Inject the trace context into the message headers
	headers := make(map[string]string, len(row.Headers)+2)
	for k, v := range row.Headers {
		headers[k] = v
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.MapCarrier(headers))
	env := row.Envelope.WithHeaders(headers)

	err := p.send(ctx, env)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())

		if errors.Is(err, broker.ErrCircuitOpen) {
			return err
		}
		p.metrics.failed.Add(ctx, 1, metric.WithAttributes(attribute.String("event_type", row.EventType)))
		if markErr := p.repo.MarkFailed(ctx, row.ID, err.Error()); markErr != nil {
			return errors.Join(err, fmt.Errorf("mark failed: %w", markErr))
		}
		return err
	}

	if err := p.repo.MarkPublished(ctx, row.ID, p.opts.Now().UTC()); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		// the row stays pending and will be published again
		return fmt.Errorf("mark published %s: %w", row.ID, err)
	}

	p.metrics.published.Add(ctx, 1, metric.WithAttributes(attribute.String("event_type", row.EventType)))
	return nil
}

func (p *OutboxPublisher) send(ctx context.Context, env schema.Envelope) error {
	body, err := p.opts.Codec.Encode(env)
	if err != nil {
		return fmt.Errorf("encode event %s: %w", env.EventID, err)
	}
	return p.bus.Publish(ctx, broker.Message{
		Subject:     env.Subject(),
		Key:         env.AggregateID,
		ContentType: p.opts.Codec.ContentType(),
		Body:        body,
		Headers:     env.Headers,
		MessageID:   env.EventID,
	})
}

// ProcessBatch runs one poll and publish cycle. Aggregates are published
// concurrently, rows of one aggregate strictly in sequence; the first
// failure of an aggregate skips its remaining rows.
func (p *OutboxPublisher) ProcessBatch(ctx context.Context) (BatchResult, error) {
	start := time.Now()
	defer func() {
		p.metrics.batchDuration.Record(ctx, time.Since(start).Seconds())
	}()

	var result BatchResult
	routed, err := p.routeExhausted(ctx)
	if err != nil {
		return result, err
	}
	result.DeadLettered = routed

	rows, err := p.repo.FetchPending(ctx, p.query())
	if err != nil {
		return result, fmt.Errorf("fetch pending: %w", err)
	}
	result.Fetched = len(rows)
	if len(rows) == 0 {
		return result, nil
	}

	var (
		published   atomic.Int64
		failed      atomic.Int64
		skipped     atomic.Int64
		circuitOpen atomic.Bool
	)

	workers := pool.New().WithMaxGoroutines(p.opts.Concurrency)
	for _, group := range groupByAggregate(rows) {
		workers.Go(func() {
			for i, row := range group {
				if circuitOpen.Load() {
					skipped.Add(int64(len(group) - i))
					return
				}
				if err := p.Publish(ctx, row); err != nil {
					if errors.Is(err, broker.ErrCircuitOpen) {
						circuitOpen.Store(true)
						skipped.Add(int64(len(group) - i))
						return
					}
					failed.Add(1)
					skipped.Add(int64(len(group) - i - 1))
					logging.WithTrace(ctx, p.logger).Warn("Failed to publish event",
						zap.String("event_id", row.ID),
						zap.String("aggregate_id", row.AggregateID),
						zap.Int64("sequence", row.Sequence),
						zap.Int("attempts", row.Attempts+1),
						zap.Error(err))
					return
				}
				published.Add(1)
			}
		})
	}
	workers.Wait()

	result.Published = int(published.Load())
	result.Failed = int(failed.Load())
	result.Skipped = int(skipped.Load())
	result.CircuitOpen = circuitOpen.Load()
	if result.CircuitOpen {
		p.logger.Warn("Circuit breaker open, batch cut short", zap.Int("skipped", result.Skipped))
	}
	return result, nil
}

// groupByAggregate splits rows per aggregate, aggregates in fetch order and
// each aggregate's rows by sequence whatever their creation times say.
func groupByAggregate(rows []store.OutboxRow) [][]store.OutboxRow {
	index := make(map[string]int)
	var groups [][]store.OutboxRow
	for _, row := range rows {
		i, ok := index[row.AggregateID]
		if !ok {
			i = len(groups)
			index[row.AggregateID] = i
			groups = append(groups, nil)
		}
		groups[i] = append(groups[i], row)
	}
	for _, group := range groups {
		slices.SortFunc(group, func(a, b store.OutboxRow) int {
			return cmp.Compare(a.Sequence, b.Sequence)
		})
	}
	return groups
}

// Run processes a batch every PollInterval until ctx is cancelled. A batch
// in flight when ctx is cancelled runs to completion.
func (p *OutboxPublisher) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.opts.PollInterval)
	defer ticker.Stop()

	var purge <-chan time.Time
	if p.opts.Retention > 0 && p.opts.PurgeInterval > 0 {
		purgeTicker := time.NewTicker(p.opts.PurgeInterval)
		defer purgeTicker.Stop()
		purge = purgeTicker.C
	}

	p.logger.Info("Outbox publisher started",
		zap.Duration("poll_interval", p.opts.PollInterval),
		zap.Int("batch_size", p.opts.BatchSize),
		zap.Int("partition_index", p.opts.PartitionIndex),
		zap.Int("partition_count", p.opts.PartitionCount))

	p.runBatch(ctx)
	for {
		select {
		case <-ctx.Done():
			p.logger.Info("Outbox publisher stopped")
			return nil
		case <-ticker.C:
			p.runBatch(ctx)
		case <-purge:
			p.purge(ctx)
		}
	}
}

func (p *OutboxPublisher) runBatch(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	result, err := p.ProcessBatch(context.WithoutCancel(ctx))
	if err != nil {
		p.logger.Error("Failed to process outbox batch", zap.Error(err))
		return
	}
	if result.Fetched > 0 || result.DeadLettered > 0 {
		p.logger.Debug("Processed outbox batch",
			zap.Int("fetched", result.Fetched),
			zap.Int("published", result.Published),
			zap.Int("failed", result.Failed),
			zap.Int("skipped", result.Skipped),
			zap.Int("dead_lettered", result.DeadLettered))
	}
}

func (p *OutboxPublisher) purge(ctx context.Context) {
	cutoff := p.opts.Now().Add(-p.opts.Retention)
	n, err := p.repo.PurgePublished(ctx, cutoff)
	if err != nil {
		p.logger.Error("Failed to purge published events", zap.Error(err))
		return
	}
	if n > 0 {
		p.logger.Info("Purged published events", zap.Int64("count", n), zap.Time("older_than", cutoff))
	}
}
