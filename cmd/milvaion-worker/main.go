package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/ternarybob/arbor"

	"github.com/Milvasoft/milvaion-sub003/internal/bus"
	"github.com/Milvasoft/milvaion-sub003/internal/common"
	"github.com/Milvasoft/milvaion-sub003/internal/coordination"
	"github.com/Milvasoft/milvaion-sub003/internal/worker"
	"github.com/Milvasoft/milvaion-sub003/internal/worker/outbox"
)

var (
	configPath   = flag.String("config", "", "Configuration file path")
	configPathC  = flag.String("c", "", "Configuration file path (shorthand)")
	showVersion  = flag.Bool("version", false, "Print version information")
	showVersionV = flag.Bool("v", false, "Print version information (shorthand)")
)

func main() {
	flag.Parse()

	if *showVersion || *showVersionV {
		fmt.Printf("Milvaion worker version %s\n", common.GetVersion())
		os.Exit(0)
	}

	path := *configPath
	if path == "" {
		path = *configPathC
	}
	if path == "" {
		if _, err := os.Stat("milvaion-worker.toml"); err == nil {
			path = "milvaion-worker.toml"
		}
	}

	config, err := common.LoadConfig(path)
	if err != nil {
		arbor.NewLogger().Fatal().Err(err).Str("path", path).Msg("Failed to load configuration")
		os.Exit(1)
	}
	if config.Worker.WorkerID == "" {
		arbor.NewLogger().Fatal().Msg("worker.worker_id is required")
		os.Exit(1)
	}
	if config.Bus.URL == "" || config.Coordination.Addr == "" {
		arbor.NewLogger().Fatal().Msg("bus.url and coordination.addr are required")
		os.Exit(1)
	}

	logger := common.InitLogger(config)
	instanceID := common.NewID()
	logger.Info().
		Str("version", common.GetVersion()).
		Str("worker_id", config.Worker.WorkerID).
		Str("instance_id", instanceID).
		Msg("Starting Milvaion worker")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	redisStore, err := coordination.NewRedisStore(ctx, &config.Coordination, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to connect to coordination store")
		os.Exit(1)
	}
	defer redisStore.Close()
	store := coordination.NewBreakerStore(redisStore,
		config.Coordination.BreakerFailureThreshold, config.Coordination.BreakerCooldown, logger)
	keys := coordination.NewKeys(config.Coordination.KeyPrefix)

	mbus, err := bus.NewAMQPBus(config.Bus, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to connect to message bus")
		os.Exit(1)
	}
	defer mbus.Close()

	obox, err := outbox.Open(config.Outbox.Path, logger)
	if err != nil {
		logger.Fatal().Err(err).Str("path", config.Outbox.Path).Msg("Failed to open worker outbox")
		os.Exit(1)
	}
	defer obox.Close()

	syncer := outbox.NewSyncer(obox, mbus, config.Outbox.SyncInterval, logger)
	if err := syncer.Start(ctx); err != nil {
		logger.Fatal().Err(err).Msg("Failed to start outbox syncer")
		os.Exit(1)
	}
	defer syncer.Stop()

	emitter := worker.NewEmitter(obox, syncer)
	registry := coordination.NewWorkerRegistry(store, keys)
	hub := coordination.NewCancellationHub(store, keys, logger)

	handlers := worker.NewHandlerRegistry()
	registerHandlers(handlers)

	consumer := worker.NewConsumer(config.Worker, instanceID, mbus, handlers, registry, hub,
		emitter, worker.NewExecutor(logger), logger)
	if err := mbus.DeclareWorkerQueue(consumer.QueueName(), consumer.RoutingPatterns()); err != nil {
		logger.Fatal().Err(err).Str("queue", consumer.QueueName()).Msg("Failed to declare worker queue")
		os.Exit(1)
	}
	if err := consumer.Start(ctx); err != nil {
		logger.Fatal().Err(err).Msg("Failed to start job consumer")
		os.Exit(1)
	}
	defer consumer.Stop()

	heartbeater := worker.NewHeartbeater(config.Worker, instanceID, consumer, registry, emitter, logger)
	if err := heartbeater.Start(ctx); err != nil {
		logger.Fatal().Err(err).Msg("Failed to start heartbeater")
		os.Exit(1)
	}
	defer heartbeater.Stop()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan
	logger.Info().Msg("Interrupt signal received, shutting down")
	cancel()
}
