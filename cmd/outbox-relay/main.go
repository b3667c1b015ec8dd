package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/zoff-tech/go-fulfillment/pkg/broker"
	"github.com/zoff-tech/go-fulfillment/pkg/config"
	"github.com/zoff-tech/go-fulfillment/pkg/deadletter"
	"github.com/zoff-tech/go-fulfillment/pkg/health"
	"github.com/zoff-tech/go-fulfillment/pkg/logging"
	"github.com/zoff-tech/go-fulfillment/pkg/processor"
	"github.com/zoff-tech/go-fulfillment/pkg/store"
	"github.com/zoff-tech/go-fulfillment/pkg/store/migrations"
	"github.com/zoff-tech/go-fulfillment/pkg/telemetry"
)

func main() {
	configPath := flag.String("config", ".", "directory holding fulfillment.yaml")
	flag.Parse()

	if err := run(*configPath); err != nil {
		log.Fatal(err)
	}
}

func run(configPath string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Load configuration from file or environment
	cfg, err := config.LoadFromFile(configPath)
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}

	logger, err := logging.New(cfg.Log, cfg.Observability.ServiceName)
	if err != nil {
		return err
	}
	defer logger.Sync()

	shutdownTelemetry, err := telemetry.Init(cfg.Observability, logger)
	if err != nil {
		return fmt.Errorf("initialize telemetry: %w", err)
	}
	defer shutdownTelemetry()

	repo, err := store.NewRepository(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("initialize repository: %w", err)
	}
	defer repo.Close()

	if pg, ok := repo.(*store.PostgresRepository); ok && cfg.Database.Migrate {
		if err := migrations.Up(pg.DB(), logger); err != nil {
			return err
		}
	}

	bus, err := broker.NewBus(ctx, cfg.Broker, logger)
	if err != nil {
		return fmt.Errorf("initialize broker: %w", err)
	}
	defer bus.Close()

	opts := processor.OptionsFrom(cfg.Outbox)
	sink := deadletter.Fanout{
		deadletter.NewLogSink(logger),
		deadletter.NewBrokerSink(bus, cfg.Outbox.DeadLetterTopic, opts.Codec),
	}
	publisher, err := processor.NewOutboxPublisher(repo, bus, sink, opts, logger)
	if err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return publisher.Run(ctx)
	})
	if cfg.Health.Enabled {
		healthSrv := health.NewServer(logger)
		healthSrv.Register("database", repo.Ping)
		healthSrv.Register("broker", health.BusCheck(bus))
		g.Go(func() error {
			return healthSrv.Serve(ctx, cfg.Health.Address)
		})
	}

	logger.Info("Outbox relay running",
		zap.String("database", cfg.Database.Type),
		zap.String("broker", cfg.Broker.Type))
	return g.Wait()
}
