package broker

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

const (
	memoryQueueSize       = 1024
	memoryMaxRedeliveries = 3
)

// MemoryBus delivers messages in-process. Every subscription gets its own
// ordered queue and a failed handler call is redelivered a few times before
// the message is dropped with an error log.
type MemoryBus struct {
	mu        sync.RWMutex
	subs      []*memorySubscription
	published []Message
	closed    bool
	logger    *zap.Logger

	// PublishHook, when set, runs before a message is accepted and can
	// simulate broker failures.
	PublishHook func(Message) error
}

type memorySubscription struct {
	pattern string
	handler Handler
	queue   chan Message
	done    chan struct{}
}

func NewMemoryBus(logger *zap.Logger) *MemoryBus {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MemoryBus{logger: logger}
}

func (b *MemoryBus) Publish(ctx context.Context, msg Message) error {
	b.mu.RLock()
	closed := b.closed
	hook := b.PublishHook
	b.mu.RUnlock()
	if closed {
		return ErrBusClosed
	}
	if hook != nil {
		if err := hook(msg); err != nil {
			return err
		}
	}

	msg.Headers = copyHeaders(msg.Headers)
	msg.Body = append([]byte(nil), msg.Body...)

	b.mu.Lock()
	b.published = append(b.published, msg)
	subs := make([]*memorySubscription, 0, len(b.subs))
	for _, s := range b.subs {
		if MatchSubject(s.pattern, msg.Subject) {
			subs = append(subs, s)
		}
	}
	b.mu.Unlock()

	for _, s := range subs {
		select {
		case s.queue <- msg:
		case <-s.done:
		case <-ctx.Done():
			return Transient(ctx.Err())
		}
	}
	return nil
}

func (b *MemoryBus) Subscribe(ctx context.Context, pattern string, h Handler) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrBusClosed
	}

	s := &memorySubscription{
		pattern: pattern,
		handler: h,
		queue:   make(chan Message, memoryQueueSize),
		done:    make(chan struct{}),
	}
	b.subs = append(b.subs, s)
	go b.consume(ctx, s)
	return nil
}

func (b *MemoryBus) consume(ctx context.Context, s *memorySubscription) {
	defer b.unsubscribe(s)
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		case msg := <-s.queue:
			b.deliver(ctx, s, msg)
		}
	}
}

func (b *MemoryBus) deliver(ctx context.Context, s *memorySubscription, msg Message) {
	for attempt := 0; attempt <= memoryMaxRedeliveries; attempt++ {
		if ctx.Err() != nil {
			return
		}
		err := s.handler(ctx, Message{
			Subject:     msg.Subject,
			Key:         msg.Key,
			ContentType: msg.ContentType,
			Body:        msg.Body,
			Headers:     copyHeaders(msg.Headers),
			MessageID:   msg.MessageID,
		})
		if err == nil {
			return
		}
		b.logger.Warn("handler failed, redelivering",
			zap.String("subject", msg.Subject),
			zap.String("message_id", msg.MessageID),
			zap.Int("attempt", attempt+1),
			zap.Error(err))
	}
	b.logger.Error("message dropped after redeliveries",
		zap.String("subject", msg.Subject),
		zap.String("message_id", msg.MessageID))
}

func (b *MemoryBus) unsubscribe(s *memorySubscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, sub := range b.subs {
		if sub == s {
			b.subs = append(b.subs[:i], b.subs[i+1:]...)
			return
		}
	}
}

// Published returns every accepted message in publish order.
func (b *MemoryBus) Published() []Message {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]Message, len(b.published))
	copy(out, b.published)
	return out
}

func (b *MemoryBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for _, s := range b.subs {
		close(s.done)
	}
	return nil
}
