// -----------------------------------------------------------------------
// Control-plane composition root - wires storage, coordination, bus, and
// every control-plane component into one process
// -----------------------------------------------------------------------

package app

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/ternarybob/arbor"

	"github.com/Milvasoft/milvaion-sub003/internal/bus"
	"github.com/Milvasoft/milvaion-sub003/internal/common"
	"github.com/Milvasoft/milvaion-sub003/internal/coordination"
	"github.com/Milvasoft/milvaion-sub003/internal/dispatcher"
	"github.com/Milvasoft/milvaion-sub003/internal/failed"
	"github.com/Milvasoft/milvaion-sub003/internal/storage/postgres"
	"github.com/Milvasoft/milvaion-sub003/internal/tracker"
	"github.com/Milvasoft/milvaion-sub003/internal/zombie"
)

// App holds the control plane: dispatcher, status tracker, log collector,
// heartbeat consumer, and zombie detector over shared storage, coordination,
// and bus connections. One process can run everything; components disabled in
// configuration simply do not start.
type App struct {
	Config *common.Config
	Logger arbor.ILogger

	pool  *pgxpool.Pool
	redis *coordination.RedisStore
	mbus  *bus.AMQPBus

	Jobs        *postgres.JobStore
	Occurrences *postgres.OccurrenceStore
	Failed      *postgres.FailedStore

	dispatcher *dispatcher.Dispatcher
	tracker    *tracker.StatusTracker
	collector  *tracker.LogCollector
	heartbeats *tracker.HeartbeatConsumer
	detector   *zombie.Detector
	inspector  *bus.DepthInspector
}

// New connects every backing service and wires the components. Nothing runs
// until Start.
func New(ctx context.Context, cfg *common.Config, logger arbor.ILogger) (*App, error) {
	pool, err := postgres.Connect(ctx, cfg.Database, logger)
	if err != nil {
		return nil, fmt.Errorf("connecting to postgres: %w", err)
	}

	redisStore, err := coordination.NewRedisStore(ctx, &cfg.Coordination, logger)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("connecting to coordination store: %w", err)
	}
	store := coordination.NewBreakerStore(redisStore,
		cfg.Coordination.BreakerFailureThreshold, cfg.Coordination.BreakerCooldown, logger)
	keys := coordination.NewKeys(cfg.Coordination.KeyPrefix)

	mbus, err := bus.NewAMQPBus(cfg.Bus, logger)
	if err != nil {
		_ = redisStore.Close()
		pool.Close()
		return nil, fmt.Errorf("connecting to message bus: %w", err)
	}

	jobs := postgres.NewJobStore(pool)
	occurrences := postgres.NewOccurrenceStore(pool)
	failedStore := postgres.NewFailedStore(pool)

	hostname, _ := os.Hostname()
	lease := coordination.NewLeaderLease(store, keys,
		fmt.Sprintf("%s-%d", hostname, os.Getpid()),
		time.Duration(cfg.Dispatcher.LockTTLSeconds)*time.Second)

	app := &App{
		Config:      cfg,
		Logger:      logger,
		pool:        pool,
		redis:       redisStore,
		mbus:        mbus,
		Jobs:        jobs,
		Occurrences: occurrences,
		Failed:      failedStore,
	}

	app.dispatcher = dispatcher.New(cfg.Dispatcher, dispatcher.Deps{
		Jobs:        jobs,
		Occurrences: occurrences,
		Publisher:   mbus,
		Index:       coordination.NewScheduleIndex(store, keys),
		Running:     coordination.NewRunningSet(store, keys),
		Cache:       coordination.NewJobCache(store, keys),
		Lease:       lease,
	}, logger)

	failedHandler := failed.NewHandler(cfg.FailedHandler, failedStore, jobs, mbus, logger)
	disabler := tracker.NewAutoDisabler(cfg.StatusTracker, jobs, logger)
	running := coordination.NewRunningSet(store, keys)
	registry := coordination.NewWorkerRegistry(store, keys)

	app.tracker = tracker.NewStatusTracker(cfg.StatusTracker, occurrences, mbus, running, failedHandler, disabler, logger)
	app.collector = tracker.NewLogCollector(cfg.LogCollector, occurrences, mbus, logger)
	app.heartbeats = tracker.NewHeartbeatConsumer(occurrences, registry, mbus, logger)
	app.detector = zombie.NewDetector(cfg.ZombieDetector, occurrences, running, failedHandler, logger)
	app.inspector = bus.NewDepthInspector(mbus, cfg.Bus, time.Minute, logger)

	return app, nil
}

// Start launches every enabled component.
func (a *App) Start(ctx context.Context) error {
	if err := a.tracker.Start(ctx); err != nil {
		return fmt.Errorf("starting status tracker: %w", err)
	}
	if err := a.collector.Start(ctx); err != nil {
		return fmt.Errorf("starting log collector: %w", err)
	}
	if err := a.heartbeats.Start(ctx); err != nil {
		return fmt.Errorf("starting heartbeat consumer: %w", err)
	}
	if err := a.detector.Start(ctx); err != nil {
		return fmt.Errorf("starting zombie detector: %w", err)
	}
	if err := a.dispatcher.Start(ctx); err != nil {
		return fmt.Errorf("starting dispatcher: %w", err)
	}
	if err := a.inspector.Start(ctx); err != nil {
		return fmt.Errorf("starting depth inspector: %w", err)
	}

	a.Logger.Info().
		Str("version", common.GetVersion()).
		Msg("Control plane started")
	return nil
}

// Stop shuts components down in reverse dependency order, then closes the
// shared connections.
func (a *App) Stop() {
	a.inspector.Stop()
	a.dispatcher.Stop()
	a.detector.Stop()
	a.heartbeats.Stop()
	a.collector.Stop()
	a.tracker.Stop()

	if err := a.mbus.Close(); err != nil {
		a.Logger.Warn().Err(err).Msg("Bus close failed")
	}
	if err := a.redis.Close(); err != nil {
		a.Logger.Warn().Err(err).Msg("Coordination store close failed")
	}
	a.pool.Close()

	a.Logger.Info().Msg("Control plane stopped")
}
