package broker

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"cloud.google.com/go/pubsub"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	semconv "go.opentelemetry.io/otel/semconv/v1.10.0"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"google.golang.org/api/option"

	"github.com/zoff-tech/go-fulfillment/pkg/config"
	"github.com/zoff-tech/go-fulfillment/pkg/telemetry"
)

const (
	contentTypeAttribute = "content-type"
	messageIDAttribute   = "message-id"
)

// PubSubBrokerCreator defines a function type for creating Pub/Sub clients.
type PubSubBrokerCreator func(ctx context.Context, settings *config.BrokerSettings, logger *zap.Logger, opts ...option.ClientOption) (Bus, error)

// NewPubSubClient is the default implementation of PubSubBrokerCreator.
var NewPubSubClient PubSubBrokerCreator = func(ctx context.Context, settings *config.BrokerSettings, logger *zap.Logger, opts ...option.ClientOption) (Bus, error) {
	client, err := pubsub.NewClient(ctx, settings.ProjectID, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to Pub/Sub: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &pubSubBroker{
		client:   client,
		settings: settings,
		logger:   logger,
		topics:   make(map[string]*pubsub.Topic),
	}, nil
}

type pubSubBroker struct {
	client   *pubsub.Client
	settings *config.BrokerSettings
	logger   *zap.Logger

	mu     sync.Mutex
	topics map[string]*pubsub.Topic
}

// topicID maps a dotted subject onto a valid Pub/Sub topic id.
func topicID(subject string) string {
	return strings.ReplaceAll(subject, "*", "_")
}

// topic returns the cached handle for subject, creating the topic when it
// does not exist yet. Ordering is enabled so messages sharing a key keep
// their publish order.
func (p *pubSubBroker) topic(ctx context.Context, subject string) (*pubsub.Topic, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if t, ok := p.topics[subject]; ok {
		return t, nil
	}

	t := p.client.Topic(topicID(subject))
	exists, err := t.Exists(ctx)
	if err != nil {
		return nil, err
	}
	if !exists {
		if t, err = p.client.CreateTopic(ctx, topicID(subject)); err != nil {
			return nil, fmt.Errorf("create topic %s: %w", subject, err)
		}
	}
	t.EnableMessageOrdering = true
	p.topics[subject] = t
	return t, nil
}

func (p *pubSubBroker) Publish(ctx context.Context, msg Message) error {
	ctx, span := otel.Tracer(telemetry.InstrumentationName).Start(ctx, "Publish",
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			semconv.MessagingSystemKey.String("pubsub"),
			semconv.MessagingDestinationKindKey.String("topic"),
			semconv.MessagingDestinationKey.String(msg.Subject),
			semconv.MessagingMessageIDKey.String(msg.MessageID),
		),
	)
	defer span.End()

	// Inject the trace context into the message attributes
	attributes := copyHeaders(msg.Headers)
	otel.GetTextMapPropagator().Inject(ctx, propagation.MapCarrier(attributes))
	if msg.ContentType != "" {
		attributes[contentTypeAttribute] = msg.ContentType
	}
	if msg.MessageID != "" {
		attributes[messageIDAttribute] = msg.MessageID
	}

	t, err := p.topic(ctx, msg.Subject)
	if err != nil {
		span.RecordError(err)
		return Transient(err)
	}

	res := t.Publish(ctx, &pubsub.Message{
		Data:        msg.Body,
		Attributes:  attributes,
		OrderingKey: msg.Key,
	})
	if _, err := res.Get(ctx); err != nil { // wait for server ack
		span.RecordError(err)
		if msg.Key != "" {
			// a failed ordered publish pauses the key until resumed
			t.ResumePublish(msg.Key)
		}
		return Transient(err)
	}

	span.SetAttributes(
		attribute.Int("messaging.message_payload_size_bytes", len(msg.Body)),
	)

	return nil
}

func (p *pubSubBroker) subscriptionID(subject string) string {
	prefix := p.settings.Queue
	if prefix == "" {
		prefix = defaultQueuePrefix
	}
	return topicID(prefix + "." + subject)
}

// Subscribe receives from the subscription "<queue>.<subject>", creating it
// when missing. Pub/Sub has no subject wildcards, so patterns must be literal.
func (p *pubSubBroker) Subscribe(ctx context.Context, pattern string, h Handler) error {
	if isWildcard(pattern) {
		return fmt.Errorf("%w: %s", ErrUnsupportedPattern, pattern)
	}

	t, err := p.topic(ctx, pattern)
	if err != nil {
		return err
	}

	id := p.subscriptionID(pattern)
	sub := p.client.Subscription(id)
	exists, err := sub.Exists(ctx)
	if err != nil {
		return err
	}
	if !exists {
		sub, err = p.client.CreateSubscription(ctx, id, pubsub.SubscriptionConfig{
			Topic:                 t,
			EnableMessageOrdering: true,
		})
		if err != nil {
			return fmt.Errorf("create subscription %s: %w", id, err)
		}
	}

	go func() {
		err := sub.Receive(ctx, func(ctx context.Context, m *pubsub.Message) {
			p.handleMessage(ctx, pattern, m, h)
		})
		if err != nil {
			p.logger.Error("Pub/Sub receive stopped", zap.String("subscription", id), zap.Error(err))
		}
	}()
	return nil
}

func (p *pubSubBroker) handleMessage(ctx context.Context, subject string, m *pubsub.Message, h Handler) {
	ctx = otel.GetTextMapPropagator().Extract(ctx, propagation.MapCarrier(m.Attributes))
	ctx, span := otel.Tracer(telemetry.InstrumentationName).Start(ctx, "Consume",
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			semconv.MessagingSystemKey.String("pubsub"),
			semconv.MessagingDestinationKey.String(subject),
		),
	)
	defer span.End()

	msg := Message{
		Subject:     subject,
		Key:         m.OrderingKey,
		ContentType: m.Attributes[contentTypeAttribute],
		Body:        m.Data,
		Headers:     copyHeaders(m.Attributes),
		MessageID:   m.Attributes[messageIDAttribute],
	}
	if msg.MessageID == "" {
		msg.MessageID = m.ID
	}

	if err := h(ctx, msg); err != nil {
		span.RecordError(err)
		p.logger.Warn("Handler rejected message", zap.String("subject", subject), zap.Error(err))
		m.Nack()
		return
	}
	m.Ack()
}

func (p *pubSubBroker) Close() error {
	p.mu.Lock()
	for _, t := range p.topics {
		t.Stop()
	}
	p.mu.Unlock()
	return p.client.Close()
}
