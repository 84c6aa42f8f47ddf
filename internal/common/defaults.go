package common

import "time"

// DefaultKeyPrefix is the coordination-store namespace shared by every
// component in a cluster.
const DefaultKeyPrefix = "Milvaion:JobScheduler:"

// DefaultConfig returns a config with every block enabled and all tunables at
// their documented defaults. Connection strings stay empty and must come from
// the config file.
func DefaultConfig() *Config {
	return &Config{
		Database: DatabaseConfig{
			MaxConns: 10,
		},
		Bus: BusConfig{
			Prefetch:          50,
			ReconnectInterval: 5 * time.Second,
			ConfirmTimeout:    10 * time.Second,
			DepthWarning:      5000,
			DepthCritical:     10000,
		},
		Coordination: CoordinationConfig{
			KeyPrefix:               DefaultKeyPrefix,
			BreakerFailureThreshold: 5,
			BreakerCooldown:         30 * time.Second,
		},
		Dispatcher: DispatcherConfig{
			Enabled:               true,
			PollInterval:          10 * time.Second,
			BatchSize:             100,
			LockTTLSeconds:        600,
			StartupRecovery:       true,
			MaxConcurrentDispatch: 10,
		},
		StatusTracker: StatusTrackerConfig{
			Enabled:              true,
			BatchSize:            50,
			BatchIntervalMs:      500,
			FailureWindowMinutes: 60,
			AutoDisableThreshold: 5,
		},
		LogCollector: LogCollectorConfig{
			Enabled:         true,
			BatchSize:       50,
			BatchIntervalMs: 500,
		},
		ZombieDetector: ZombieDetectorConfig{
			Enabled:               true,
			CheckIntervalSeconds:  300,
			DefaultTimeoutMinutes: 10,
			BatchSize:             100,
		},
		FailedHandler: FailedHandlerConfig{
			Enabled: true,
		},
		Worker: WorkerConfig{
			MaxParallelJobs:             10,
			HeartbeatIntervalSeconds:    30,
			JobHeartbeatIntervalSeconds: 60,
		},
		Outbox: OutboxConfig{
			Path:         "./data/outbox",
			SyncInterval: time.Second,
		},
		Logging: LoggingConfig{
			Level:      "info",
			Output:     []string{"stdout"},
			TimeFormat: "15:04:05.000",
		},
	}
}

// applyDefaults fills zero values left by a partial config file.
func applyDefaults(c *Config) {
	d := DefaultConfig()

	if c.Database.MaxConns == 0 {
		c.Database.MaxConns = d.Database.MaxConns
	}
	if c.Bus.Prefetch == 0 {
		c.Bus.Prefetch = d.Bus.Prefetch
	}
	if c.Bus.ReconnectInterval == 0 {
		c.Bus.ReconnectInterval = d.Bus.ReconnectInterval
	}
	if c.Bus.ConfirmTimeout == 0 {
		c.Bus.ConfirmTimeout = d.Bus.ConfirmTimeout
	}
	if c.Bus.DepthWarning == 0 {
		c.Bus.DepthWarning = d.Bus.DepthWarning
	}
	if c.Bus.DepthCritical == 0 {
		c.Bus.DepthCritical = d.Bus.DepthCritical
	}
	if c.Coordination.KeyPrefix == "" {
		c.Coordination.KeyPrefix = d.Coordination.KeyPrefix
	}
	if c.Coordination.BreakerFailureThreshold == 0 {
		c.Coordination.BreakerFailureThreshold = d.Coordination.BreakerFailureThreshold
	}
	if c.Coordination.BreakerCooldown == 0 {
		c.Coordination.BreakerCooldown = d.Coordination.BreakerCooldown
	}
	if c.Dispatcher.PollInterval == 0 {
		c.Dispatcher.PollInterval = d.Dispatcher.PollInterval
	}
	if c.Dispatcher.BatchSize == 0 {
		c.Dispatcher.BatchSize = d.Dispatcher.BatchSize
	}
	if c.Dispatcher.LockTTLSeconds == 0 {
		c.Dispatcher.LockTTLSeconds = d.Dispatcher.LockTTLSeconds
	}
	if c.Dispatcher.MaxConcurrentDispatch == 0 {
		c.Dispatcher.MaxConcurrentDispatch = d.Dispatcher.MaxConcurrentDispatch
	}
	if c.StatusTracker.BatchSize == 0 {
		c.StatusTracker.BatchSize = d.StatusTracker.BatchSize
	}
	if c.StatusTracker.BatchIntervalMs == 0 {
		c.StatusTracker.BatchIntervalMs = d.StatusTracker.BatchIntervalMs
	}
	if c.StatusTracker.FailureWindowMinutes == 0 {
		c.StatusTracker.FailureWindowMinutes = d.StatusTracker.FailureWindowMinutes
	}
	if c.StatusTracker.AutoDisableThreshold == 0 {
		c.StatusTracker.AutoDisableThreshold = d.StatusTracker.AutoDisableThreshold
	}
	if c.LogCollector.BatchSize == 0 {
		c.LogCollector.BatchSize = d.LogCollector.BatchSize
	}
	if c.LogCollector.BatchIntervalMs == 0 {
		c.LogCollector.BatchIntervalMs = d.LogCollector.BatchIntervalMs
	}
	if c.ZombieDetector.CheckIntervalSeconds == 0 {
		c.ZombieDetector.CheckIntervalSeconds = d.ZombieDetector.CheckIntervalSeconds
	}
	if c.ZombieDetector.DefaultTimeoutMinutes == 0 {
		c.ZombieDetector.DefaultTimeoutMinutes = d.ZombieDetector.DefaultTimeoutMinutes
	}
	if c.ZombieDetector.BatchSize == 0 {
		c.ZombieDetector.BatchSize = d.ZombieDetector.BatchSize
	}
	if c.Worker.MaxParallelJobs == 0 {
		c.Worker.MaxParallelJobs = d.Worker.MaxParallelJobs
	}
	if c.Worker.HeartbeatIntervalSeconds == 0 {
		c.Worker.HeartbeatIntervalSeconds = d.Worker.HeartbeatIntervalSeconds
	}
	if c.Worker.JobHeartbeatIntervalSeconds == 0 {
		c.Worker.JobHeartbeatIntervalSeconds = d.Worker.JobHeartbeatIntervalSeconds
	}
	if c.Outbox.Path == "" {
		c.Outbox.Path = d.Outbox.Path
	}
	if c.Outbox.SyncInterval == 0 {
		c.Outbox.SyncInterval = d.Outbox.SyncInterval
	}
	if c.Logging.Level == "" {
		c.Logging.Level = d.Logging.Level
	}
	if len(c.Logging.Output) == 0 {
		c.Logging.Output = d.Logging.Output
	}
	if c.Logging.TimeFormat == "" {
		c.Logging.TimeFormat = d.Logging.TimeFormat
	}
}
