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
	"github.com/zoff-tech/go-fulfillment/pkg/locker"
	"github.com/zoff-tech/go-fulfillment/pkg/logging"
	"github.com/zoff-tech/go-fulfillment/pkg/processor"
	"github.com/zoff-tech/go-fulfillment/pkg/saga"
	"github.com/zoff-tech/go-fulfillment/pkg/sagastore"
	"github.com/zoff-tech/go-fulfillment/pkg/store"
	"github.com/zoff-tech/go-fulfillment/pkg/telemetry"
	"github.com/zoff-tech/go-fulfillment/schema"
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

	ids, err := schema.NewIDGenerator(cfg.IDs.Generator, cfg.IDs.Node)
	if err != nil {
		return err
	}

	bus, err := broker.NewBus(ctx, cfg.Broker, logger)
	if err != nil {
		return fmt.Errorf("initialize broker: %w", err)
	}
	defer bus.Close()

	lock, closeLock, err := locker.New(cfg.Lock, logger)
	if err != nil {
		return fmt.Errorf("initialize locker: %w", err)
	}
	defer closeLock()

	// a memory saga store keeps its commands in process, so relay them here
	storeCfg := cfg.SagaStore()
	var outbox *store.MemoryRepository
	if storeCfg.Type == "memory" {
		outbox = store.NewMemoryRepository()
	}

	sagas, err := sagastore.New(ctx, storeCfg, outbox, logger)
	if err != nil {
		return fmt.Errorf("initialize saga store: %w", err)
	}
	defer sagas.Close()

	opts := saga.OptionsFrom(cfg.Saga)
	opts.IDs = ids
	opts.Locker = lock
	orchestrator := saga.NewOrchestrator(sagas, opts, logger)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return orchestrator.Run(ctx, bus)
	})
	if outbox != nil {
		relay, err := processor.NewOutboxPublisher(outbox, bus, deadletter.NewLogSink(logger), processor.OptionsFrom(cfg.Outbox), logger)
		if err != nil {
			return err
		}
		g.Go(func() error {
			return relay.Run(ctx)
		})
	}
	if cfg.Health.Enabled {
		healthSrv := health.NewServer(logger)
		healthSrv.Register("saga_store", sagas.Ping)
		healthSrv.Register("broker", health.BusCheck(bus))
		if pinger, ok := lock.(interface{ Ping(context.Context) error }); ok {
			healthSrv.Register("lock", pinger.Ping)
		}
		g.Go(func() error {
			return healthSrv.Serve(ctx, cfg.Health.Address)
		})
	}

	logger.Info("Saga orchestrator running",
		zap.String("saga_store", storeCfg.Type),
		zap.String("broker", cfg.Broker.Type),
		zap.String("lock", cfg.Lock.Type))
	return g.Wait()
}
