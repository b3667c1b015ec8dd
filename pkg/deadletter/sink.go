// Package deadletter receives outbox rows that exhausted their delivery
// attempts.
package deadletter

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/zoff-tech/go-fulfillment/pkg/broker"
	"github.com/zoff-tech/go-fulfillment/pkg/store"
	"github.com/zoff-tech/go-fulfillment/schema"
)

// Headers added to a dead-lettered message.
const (
	HeaderReason          = "x-dead-letter-reason"
	HeaderAttempts        = "x-dead-letter-attempts"
	HeaderOriginalSubject = "x-original-subject"
	HeaderDeadLetteredAt  = "x-dead-lettered-at"
)

// Letter is one undeliverable outbox row.
type Letter struct {
	Row    store.OutboxRow
	Reason string
	At     time.Time
}

type Sink interface {
	Send(ctx context.Context, letter Letter) error
}

// BrokerSink republishes letters on a dedicated dead-letter subject.
type BrokerSink struct {
	bus   broker.Bus
	topic string
	codec schema.Codec
}

func NewBrokerSink(bus broker.Bus, topic string, codec schema.Codec) *BrokerSink {
	if codec == nil {
		codec = schema.JSONCodec{}
	}
	return &BrokerSink{bus: bus, topic: topic, codec: codec}
}

func (s *BrokerSink) Send(ctx context.Context, letter Letter) error {
	row := letter.Row
	env := row.Envelope.WithHeaders(map[string]string{
		HeaderReason:          letter.Reason,
		HeaderAttempts:        strconv.Itoa(row.Attempts),
		HeaderOriginalSubject: row.Subject(),
		HeaderDeadLetteredAt:  letter.At.UTC().Format(time.RFC3339Nano),
	})

	body, err := s.codec.Encode(env)
	if err != nil {
		return fmt.Errorf("encode dead letter %s: %w", row.ID, err)
	}

	err = s.bus.Publish(ctx, broker.Message{
		Subject:     s.topic,
		Key:         row.AggregateID,
		ContentType: s.codec.ContentType(),
		Body:        body,
		Headers:     env.Headers,
		MessageID:   row.ID,
	})
	if err != nil {
		return fmt.Errorf("publish dead letter %s: %w", row.ID, err)
	}
	return nil
}

// LogSink records letters as error logs.
type LogSink struct {
	logger *zap.Logger
}

func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger}
}

func (s *LogSink) Send(_ context.Context, letter Letter) error {
	s.logger.Error("outbox event dead-lettered",
		zap.String("event_id", letter.Row.ID),
		zap.String("event_type", letter.Row.EventType),
		zap.String("aggregate_id", letter.Row.AggregateID),
		zap.Int64("sequence", letter.Row.Sequence),
		zap.Int("attempts", letter.Row.Attempts),
		zap.String("last_error", letter.Row.LastError),
		zap.String("reason", letter.Reason),
		zap.Time("at", letter.At))
	return nil
}

// Fanout sends every letter to all sinks and joins their errors.
type Fanout []Sink

func (f Fanout) Send(ctx context.Context, letter Letter) error {
	var errs []error
	for _, s := range f {
		if err := s.Send(ctx, letter); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
