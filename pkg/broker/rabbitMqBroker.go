package broker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/streadway/amqp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	semconv "go.opentelemetry.io/otel/semconv/v1.10.0"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/zoff-tech/go-fulfillment/pkg/config"
	"github.com/zoff-tech/go-fulfillment/pkg/telemetry"
)

const (
	// KeyHeader carries Message.Key on transports without native ordering keys.
	KeyHeader = "x-message-key"

	defaultExchange      = "fulfillment"
	defaultQueuePrefix   = "fulfillment"
	defaultConfirmWait   = 5 * time.Second
	deadLetterBindingKey = "#.dead-letter"
)

// amqpChannel is the subset of *amqp.Channel the bus uses.
type amqpChannel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
	Qos(prefetchCount, prefetchSize int, global bool) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	Publish(exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Confirm(noWait bool) error
	NotifyPublish(confirm chan amqp.Confirmation) chan amqp.Confirmation
	NotifyClose(c chan *amqp.Error) chan *amqp.Error
	Close() error
}

// amqpConnection is the subset of *amqp.Connection the bus uses.
type amqpConnection interface {
	Channel() (amqpChannel, error)
	NotifyClose(c chan *amqp.Error) chan *amqp.Error
	IsClosed() bool
	Close() error
}

type amqpConn struct {
	conn *amqp.Connection
}

func (c *amqpConn) Channel() (amqpChannel, error) {
	ch, err := c.conn.Channel()
	if err != nil {
		return nil, err
	}
	return ch, nil
}

func (c *amqpConn) NotifyClose(ch chan *amqp.Error) chan *amqp.Error { return c.conn.NotifyClose(ch) }
func (c *amqpConn) IsClosed() bool                                  { return c.conn.IsClosed() }
func (c *amqpConn) Close() error                                    { return c.conn.Close() }

var dialAMQP = func(url string) (amqpConnection, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, err
	}
	return &amqpConn{conn: conn}, nil
}

type RabbitMQBrokerCreator func(ctx context.Context, settings *config.BrokerSettings, logger *zap.Logger) (Bus, error)

var NewRabbitMqBroker RabbitMQBrokerCreator = func(ctx context.Context, settings *config.BrokerSettings, logger *zap.Logger) (Bus, error) {
	if settings.PoolSize <= 0 {
		return nil, errors.New("poolSize must be greater than 0")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	broker := &rabbitMqBroker{
		channelPool:     make(chan *pooledChannel, settings.PoolSize),
		settings:        settings,
		logger:          logger,
		confirmWait:     defaultConfirmWait,
		reconnectTicker: time.NewTicker(5 * time.Second), // Retry every 5 seconds
		stopReconnect:   make(chan struct{}),
	}

	// Initialize the connection and channel pool
	if err := broker.connectAndInitialize(ctx); err != nil {
		broker.reconnectTicker.Stop()
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	// Start connection recovery in a separate goroutine
	go broker.recoverConnection()

	return broker, nil
}

type rabbitMqBroker struct {
	connection      amqpConnection
	channelPool     chan *pooledChannel
	mu              sync.Mutex
	closed          bool
	settings        *config.BrokerSettings
	logger          *zap.Logger
	confirmWait     time.Duration
	subscriptions   []*rabbitSubscription
	reconnectTicker *time.Ticker
	stopReconnect   chan struct{}
}

func (r *rabbitMqBroker) exchange() string {
	if r.settings.Exchange == "" {
		return defaultExchange
	}
	return r.settings.Exchange
}

func (r *rabbitMqBroker) deadLetterExchange() string {
	return r.exchange() + ".dlx"
}

func (r *rabbitMqBroker) deadLetterQueue() string {
	return r.exchange() + ".dlq"
}

func (r *rabbitMqBroker) Publish(ctx context.Context, msg Message) error {
	ctx, span := otel.Tracer(telemetry.InstrumentationName).Start(ctx, "Publish",
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			semconv.MessagingSystemKey.String("rabbitmq"),
			semconv.MessagingDestinationKindKey.String("topic"),
			semconv.MessagingDestinationKey.String(r.exchange()),
			semconv.MessagingRabbitmqRoutingKeyKey.String(msg.Subject),
			semconv.MessagingMessageIDKey.String(msg.MessageID),
		),
	)
	defer span.End()

	// Inject the trace context into the message headers
	headers := copyHeaders(msg.Headers)
	otel.GetTextMapPropagator().Inject(ctx, propagation.MapCarrier(headers))
	if msg.Key != "" {
		headers[KeyHeader] = msg.Key
	}

	// Convert headers to amqp.Table
	amqpHeaders := make(amqp.Table, len(headers))
	for k, v := range headers {
		amqpHeaders[k] = v
	}

	// Get a channel from the pool
	pooledChan, err := r.getChannel()
	if err != nil {
		span.RecordError(err)
		return Transient(err)
	}

	err = pooledChan.channel.Publish(
		r.exchange(), msg.Subject, false, false,
		amqp.Publishing{
			ContentType:  msg.ContentType,
			Body:         msg.Body,
			Headers:      amqpHeaders,
			MessageId:    msg.MessageID,
			Type:         msg.Subject,
			DeliveryMode: amqp.Persistent,
			Timestamp:    time.Now().UTC(),
		},
	)
	if err != nil {
		span.RecordError(err)
		r.discardChannel(pooledChan)
		return Transient(err)
	}

	if err := r.waitConfirm(ctx, pooledChan); err != nil {
		span.RecordError(err)
		return Transient(err)
	}
	r.releaseChannel(pooledChan)

	span.SetAttributes(
		attribute.Int("messaging.message_payload_size_bytes", len(msg.Body)),
	)

	return nil
}

// waitConfirm blocks until the broker confirms the last publish on pc. A
// channel whose confirm never arrived is discarded because later confirms on
// it would be attributed to the wrong message.
func (r *rabbitMqBroker) waitConfirm(ctx context.Context, pc *pooledChannel) error {
	timer := time.NewTimer(r.confirmWait)
	defer timer.Stop()

	select {
	case confirm, ok := <-pc.confirms:
		if !ok {
			r.discardChannel(pc)
			return errors.New("channel closed before publisher confirm")
		}
		if !confirm.Ack {
			r.releaseChannel(pc)
			return fmt.Errorf("broker nacked delivery %d", confirm.DeliveryTag)
		}
		return nil
	case <-timer.C:
		r.discardChannel(pc)
		return errors.New("publisher confirm timed out")
	case <-ctx.Done():
		r.discardChannel(pc)
		return ctx.Err()
	}
}

func (r *rabbitMqBroker) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil
	}
	r.closed = true

	// Stop the connection recovery goroutine
	close(r.stopReconnect)
	r.reconnectTicker.Stop()

	// Close all channels in the pool
	close(r.channelPool)
	for pooledChan := range r.channelPool {
		pooledChan.channel.Close()
	}

	// Close the connection
	if r.connection != nil {
		return r.connection.Close()
	}
	return nil
}

// declareTopology declares the topic exchange and the dead-letter exchange
// and queue. Consumer queues dead-letter into the DLX and dead-letter topics
// published on the main exchange land in the same queue.
func (r *rabbitMqBroker) declareTopology(ch amqpChannel) error {
	if err := ch.ExchangeDeclare(
		r.exchange(), // name
		"topic",      // type
		true,         // durable
		false,        // auto-deleted
		false,        // internal
		false,        // no-wait
		nil,          // arguments
	); err != nil {
		return fmt.Errorf("declare exchange: %w", err)
	}
	if err := ch.ExchangeDeclare(r.deadLetterExchange(), "topic", true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare dlx exchange: %w", err)
	}
	if _, err := ch.QueueDeclare(r.deadLetterQueue(), true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare dlq queue: %w", err)
	}
	if err := ch.QueueBind(r.deadLetterQueue(), "#", r.deadLetterExchange(), false, nil); err != nil {
		return fmt.Errorf("bind dlq to dlx: %w", err)
	}
	if err := ch.QueueBind(r.deadLetterQueue(), deadLetterBindingKey, r.exchange(), false, nil); err != nil {
		return fmt.Errorf("bind dlq to exchange: %w", err)
	}
	return nil
}
