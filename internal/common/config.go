package common

import (
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/pelletier/go-toml/v2"
	"github.com/robfig/cron/v3"
)

// Config represents the full scheduler configuration. Every component reads
// its own named block; blocks default to enabled so a single process can run
// the whole control plane.
type Config struct {
	Database       DatabaseConfig       `toml:"database"`
	Bus            BusConfig            `toml:"bus"`
	Coordination   CoordinationConfig   `toml:"coordination"`
	Dispatcher     DispatcherConfig     `toml:"dispatcher"`
	StatusTracker  StatusTrackerConfig  `toml:"status_tracker"`
	LogCollector   LogCollectorConfig   `toml:"log_collector"`
	ZombieDetector ZombieDetectorConfig `toml:"zombie_detector"`
	FailedHandler  FailedHandlerConfig  `toml:"failed_handler"`
	Worker         WorkerConfig         `toml:"worker"`
	Outbox         OutboxConfig         `toml:"outbox"`
	Logging        LoggingConfig        `toml:"logging"`
}

type DatabaseConfig struct {
	URL      string `toml:"url" validate:"omitempty,uri"` // Postgres connection string
	MaxConns int    `toml:"max_conns"`                    // pgx pool size (default: 10)
}

type BusConfig struct {
	URL               string        `toml:"url" validate:"omitempty,uri"` // AMQP connection string
	Prefetch          int           `toml:"prefetch"`                // Per-consumer prefetch count (default: 50)
	ReconnectInterval time.Duration `toml:"reconnect_interval"`      // Delay between reconnect attempts (default: 5s)
	ConfirmTimeout    time.Duration `toml:"confirm_timeout"`         // Max wait for a publisher confirm (default: 10s)
	DepthWarning      int           `toml:"depth_warning"`           // Queue depth warning threshold (default: 5000)
	DepthCritical     int           `toml:"depth_critical"`          // Queue depth critical threshold (default: 10000)
}

type CoordinationConfig struct {
	Addr      string `toml:"addr" validate:"omitempty,hostname_port"` // Redis address host:port
	Password  string `toml:"password"`
	DB        int    `toml:"db"`
	KeyPrefix string `toml:"key_prefix"` // Default: "Milvaion:JobScheduler:"

	// Circuit breaker for transient coordination-store failures
	BreakerFailureThreshold int           `toml:"breaker_failure_threshold"` // Consecutive failures before opening (default: 5)
	BreakerCooldown         time.Duration `toml:"breaker_cooldown"`          // Open-state cooldown window (default: 30s)
}

type DispatcherConfig struct {
	Enabled               bool          `toml:"enabled"`
	PollInterval          time.Duration `toml:"poll_interval"`           // Tick interval (default: 10s)
	BatchSize             int           `toml:"batch_size"`              // Max due jobs per tick (default: 100)
	LockTTLSeconds        int           `toml:"lock_ttl_seconds"`        // Leadership lease TTL (default: 600)
	StartupRecovery       bool          `toml:"startup_recovery"`        // Re-feed abandoned occurrences on start (default: true)
	MaxConcurrentDispatch int           `toml:"max_concurrent_dispatch"` // Per-tick dispatch parallelism (default: 10)
}

type StatusTrackerConfig struct {
	Enabled                     bool `toml:"enabled"`
	BatchSize                   int  `toml:"batch_size"`        // Messages per commit batch (default: 50)
	BatchIntervalMs             int  `toml:"batch_interval_ms"` // Max buffering delay (default: 500)
	FailureWindowMinutes        int  `toml:"failure_window_minutes"`         // Auto-disable sliding window (default: 60)
	AutoDisableThreshold        int  `toml:"auto_disable_threshold"`         // Global failure threshold (default: 5)
	AutoReEnableCooldownMinutes int  `toml:"auto_reenable_cooldown_minutes"` // 0 disables auto-re-enable
}

type LogCollectorConfig struct {
	Enabled         bool `toml:"enabled"`
	BatchSize       int  `toml:"batch_size"`
	BatchIntervalMs int  `toml:"batch_interval_ms"`
}

type ZombieDetectorConfig struct {
	Enabled               bool `toml:"enabled"`
	CheckIntervalSeconds  int  `toml:"check_interval_seconds"`  // Default: 300
	DefaultTimeoutMinutes int  `toml:"default_timeout_minutes"` // Global zombie threshold (default: 10)
	BatchSize             int  `toml:"batch_size"`
}

type FailedHandlerConfig struct {
	Enabled bool `toml:"enabled"`
}

// WorkerConfig configures a worker process. Consumers maps jobNameInWorker to
// its per-type limits; jobs without an entry fall back to the worker values.
type WorkerConfig struct {
	WorkerID                    string                    `toml:"worker_id"`
	DisplayName                 string                    `toml:"display_name"`
	MaxParallelJobs             int                       `toml:"max_parallel_jobs"`              // Per-instance capacity (default: 10)
	HeartbeatIntervalSeconds    int                       `toml:"heartbeat_interval_seconds"`     // Worker heartbeat (default: 30)
	JobHeartbeatIntervalSeconds int                       `toml:"job_heartbeat_interval_seconds"` // Per-job heartbeat (default: 60)
	ExecutionTimeoutSeconds     int                       `toml:"execution_timeout_seconds"`      // 0 = no deadline
	Consumers                   map[string]ConsumerConfig `toml:"consumers"`
}

type ConsumerConfig struct {
	MaxParallelJobs         int `toml:"max_parallel_jobs"`
	ExecutionTimeoutSeconds int `toml:"execution_timeout_seconds"`
}

type OutboxConfig struct {
	Path         string        `toml:"path"`          // Badger directory for the worker-local outbox
	SyncInterval time.Duration `toml:"sync_interval"` // Drain poll interval while online (default: 1s)
}

type LoggingConfig struct {
	Level      string   `toml:"level"`       // "debug", "info", "warn", "error"
	Output     []string `toml:"output"`      // "stdout", "file"
	TimeFormat string   `toml:"time_format"` // Default: "15:04:05.000"
}

// LoadConfig loads a TOML config file, applies defaults, and validates.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := toml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}

	applyDefaults(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks required fields and cross-field constraints.
func (c *Config) Validate() error {
	v := validator.New()
	if err := v.Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if c.StatusTracker.BatchSize <= 0 {
		return fmt.Errorf("status_tracker.batch_size must be positive")
	}
	if c.Dispatcher.PollInterval < time.Second {
		return fmt.Errorf("dispatcher.poll_interval must be at least 1s")
	}
	return nil
}

// ValidateCronExpression validates a standard 5-field cron expression.
func ValidateCronExpression(expr string) error {
	if expr == "" {
		return fmt.Errorf("cron expression is empty")
	}
	if _, err := cron.ParseStandard(expr); err != nil {
		return fmt.Errorf("invalid cron expression %q: %w", expr, err)
	}
	return nil
}
