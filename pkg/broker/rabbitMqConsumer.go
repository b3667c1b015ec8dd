package broker

import (
	"context"
	"fmt"

	"github.com/streadway/amqp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	semconv "go.opentelemetry.io/otel/semconv/v1.10.0"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/zoff-tech/go-fulfillment/pkg/telemetry"
)

const defaultPrefetch = 32

type rabbitSubscription struct {
	ctx     context.Context
	pattern string
	handler Handler
}

// Subscribe declares a durable queue "<queue>.<pattern>" bound to the
// exchange and consumes it with manual acks. Rejected deliveries are requeued
// once and then routed to the dead-letter exchange.
func (r *rabbitMqBroker) Subscribe(ctx context.Context, pattern string, h Handler) error {
	sub := &rabbitSubscription{ctx: ctx, pattern: pattern, handler: h}
	if err := r.startConsumer(sub); err != nil {
		return err
	}

	r.mu.Lock()
	r.subscriptions = append(r.subscriptions, sub)
	r.mu.Unlock()
	return nil
}

func (r *rabbitMqBroker) queueName(pattern string) string {
	prefix := r.settings.Queue
	if prefix == "" {
		prefix = defaultQueuePrefix
	}
	return prefix + "." + pattern
}

func (r *rabbitMqBroker) startConsumer(sub *rabbitSubscription) error {
	conn := r.currentConnection()
	if conn == nil {
		return ErrBusClosed
	}
	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("open consumer channel: %w", err)
	}

	prefetch := r.settings.Prefetch
	if prefetch <= 0 {
		prefetch = defaultPrefetch
	}
	if err := ch.Qos(prefetch, 0, false); err != nil {
		ch.Close()
		return fmt.Errorf("set qos: %w", err)
	}

	queue := r.queueName(sub.pattern)
	if _, err := ch.QueueDeclare(queue, true, false, false, false, amqp.Table{
		"x-dead-letter-exchange": r.deadLetterExchange(),
	}); err != nil {
		ch.Close()
		return fmt.Errorf("declare queue %s: %w", queue, err)
	}
	if err := ch.QueueBind(queue, sub.pattern, r.exchange(), false, nil); err != nil {
		ch.Close()
		return fmt.Errorf("bind queue %s: %w", queue, err)
	}

	deliveries, err := ch.Consume(queue, "", false, false, false, false, nil)
	if err != nil {
		ch.Close()
		return fmt.Errorf("consume %s: %w", queue, err)
	}

	go r.consume(sub, ch, deliveries)
	return nil
}

func (r *rabbitMqBroker) consume(sub *rabbitSubscription, ch amqpChannel, deliveries <-chan amqp.Delivery) {
	defer ch.Close()
	for {
		select {
		case <-sub.ctx.Done():
			return
		case d, ok := <-deliveries:
			if !ok {
				// channel or connection closed; recoverConnection resubscribes
				return
			}
			r.handleDelivery(sub.ctx, d, sub.handler)
		}
	}
}

// resubscribe restarts consumers after a reconnect.
func (r *rabbitMqBroker) resubscribe() {
	r.mu.Lock()
	subs := make([]*rabbitSubscription, 0, len(r.subscriptions))
	for _, sub := range r.subscriptions {
		if sub.ctx.Err() == nil {
			subs = append(subs, sub)
		}
	}
	r.subscriptions = subs
	r.mu.Unlock()

	for _, sub := range subs {
		if err := r.startConsumer(sub); err != nil {
			r.logger.Error("Failed to resubscribe", zap.String("pattern", sub.pattern), zap.Error(err))
		}
	}
}

func (r *rabbitMqBroker) handleDelivery(ctx context.Context, d amqp.Delivery, h Handler) {
	headers := make(map[string]string, len(d.Headers))
	for k, v := range d.Headers {
		if s, ok := v.(string); ok {
			headers[k] = s
		} else {
			headers[k] = fmt.Sprint(v)
		}
	}

	ctx = otel.GetTextMapPropagator().Extract(ctx, propagation.MapCarrier(headers))
	ctx, span := otel.Tracer(telemetry.InstrumentationName).Start(ctx, "Consume",
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			semconv.MessagingSystemKey.String("rabbitmq"),
			semconv.MessagingRabbitmqRoutingKeyKey.String(d.RoutingKey),
			semconv.MessagingMessageIDKey.String(d.MessageId),
		),
	)
	defer span.End()

	msg := Message{
		Subject:     d.RoutingKey,
		Key:         headers[KeyHeader],
		ContentType: d.ContentType,
		Body:        d.Body,
		Headers:     headers,
		MessageID:   d.MessageId,
	}

	if err := h(ctx, msg); err != nil {
		span.RecordError(err)
		requeue := !d.Redelivered
		r.logger.Warn("Handler rejected delivery",
			zap.String("subject", d.RoutingKey),
			zap.String("message_id", d.MessageId),
			zap.Bool("requeue", requeue),
			zap.Error(err))
		if nackErr := d.Nack(false, requeue); nackErr != nil {
			r.logger.Error("Failed to nack delivery", zap.Error(nackErr))
		}
		return
	}
	if err := d.Ack(false); err != nil {
		r.logger.Error("Failed to ack delivery", zap.Error(err))
	}
}
