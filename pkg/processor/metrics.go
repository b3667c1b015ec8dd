package processor

import (
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/zoff-tech/go-fulfillment/pkg/telemetry"
)

type publisherMetrics struct {
	published     metric.Int64Counter
	failed        metric.Int64Counter
	deadLettered  metric.Int64Counter
	batchDuration metric.Float64Histogram
}

func newPublisherMetrics(meter metric.Meter) (*publisherMetrics, error) {
	if meter == nil {
		meter = otel.Meter(telemetry.InstrumentationName)
	}

	published, err := meter.Int64Counter("outbox.events.published",
		metric.WithDescription("Outbox events acknowledged by the broker"))
	if err != nil {
		return nil, fmt.Errorf("create published counter: %w", err)
	}
	failed, err := meter.Int64Counter("outbox.events.failed",
		metric.WithDescription("Outbox publish attempts that failed"))
	if err != nil {
		return nil, fmt.Errorf("create failed counter: %w", err)
	}
	deadLettered, err := meter.Int64Counter("outbox.events.dead_lettered",
		metric.WithDescription("Outbox events routed to the dead-letter sink"))
	if err != nil {
		return nil, fmt.Errorf("create dead-lettered counter: %w", err)
	}
	batchDuration, err := meter.Float64Histogram("outbox.batch.duration",
		metric.WithDescription("Duration of one poll and publish cycle"),
		metric.WithUnit("s"))
	if err != nil {
		return nil, fmt.Errorf("create batch duration histogram: %w", err)
	}

	return &publisherMetrics{
		published:     published,
		failed:        failed,
		deadLettered:  deadLettered,
		batchDuration: batchDuration,
	}, nil
}
