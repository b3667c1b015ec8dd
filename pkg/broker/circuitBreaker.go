package broker

import (
	"context"
	"errors"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

// BreakerSettings tunes the publish circuit breaker.
type BreakerSettings struct {
	ConsecutiveFailures uint32
	Timeout             time.Duration
}

// BreakerBus stops hammering an unavailable broker: after ConsecutiveFailures
// failed publishes every Publish fails fast with ErrCircuitOpen until Timeout
// elapses and a trial request succeeds.
type BreakerBus struct {
	Bus
	breaker *gobreaker.CircuitBreaker
}

func NewBreakerBus(inner Bus, name string, settings BreakerSettings, logger *zap.Logger) *BreakerBus {
	if logger == nil {
		logger = zap.NewNop()
	}
	if settings.ConsecutiveFailures == 0 {
		settings.ConsecutiveFailures = 5
	}
	if settings.Timeout <= 0 {
		settings.Timeout = 30 * time.Second
	}

	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Timeout:     settings.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= settings.ConsecutiveFailures
		},
		IsSuccessful: func(err error) bool {
			// a cancelled publish says nothing about the broker
			return err == nil || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.Warn("circuit breaker state changed",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	})
	return &BreakerBus{Bus: inner, breaker: cb}
}

func (b *BreakerBus) Publish(ctx context.Context, msg Message) error {
	_, err := b.breaker.Execute(func() (interface{}, error) {
		return nil, b.Bus.Publish(ctx, msg)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return Transient(errors.Join(ErrCircuitOpen, err))
	}
	return err
}

// State reports the breaker state ("closed", "half-open" or "open").
func (b *BreakerBus) State() string {
	return b.breaker.State().String()
}
