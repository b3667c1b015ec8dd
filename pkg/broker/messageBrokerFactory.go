package broker

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/zoff-tech/go-fulfillment/pkg/config"
)

// NewBus builds the configured transport and wraps it with a circuit breaker.
func NewBus(ctx context.Context, cfg config.BrokerSettings, logger *zap.Logger) (Bus, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	var (
		bus Bus
		err error
	)
	switch cfg.Type {
	case "rabbitmq":
		if cfg.PoolSize == 0 {
			cfg.PoolSize = 4
		}
		bus, err = NewRabbitMqBroker(ctx, &cfg, logger)
	case "gcp-pubsub":
		bus, err = NewPubSubClient(ctx, &cfg, logger)
	case "memory":
		bus = NewMemoryBus(logger)
	default:
		return nil, fmt.Errorf("unsupported broker type: %s", cfg.Type)
	}
	if err != nil {
		return nil, err
	}

	return NewBreakerBus(bus, cfg.Type, BreakerSettings{
		ConsecutiveFailures: cfg.BreakerFailures,
		Timeout:             cfg.BreakerTimeout,
	}, logger), nil
}
