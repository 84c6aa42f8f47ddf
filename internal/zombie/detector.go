// -----------------------------------------------------------------------
// Zombie detector - fails occurrences whose worker stopped heartbeating.
// The only component allowed to move an Unknown occurrence to Failed.
// -----------------------------------------------------------------------

package zombie

import (
	"context"
	"fmt"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/Milvasoft/milvaion-sub003/internal/common"
	"github.com/Milvasoft/milvaion-sub003/internal/coordination"
	"github.com/Milvasoft/milvaion-sub003/internal/interfaces"
	"github.com/Milvasoft/milvaion-sub003/internal/models"
)

const (
	defaultCheckInterval  = 300
	defaultTimeoutMinutes = 10
	defaultBatchSize      = 100
)

// Detector periodically sweeps for occurrences past their zombie deadline:
// Queued, Running, or Unknown with no heartbeat inside the per-occurrence
// threshold (or the global default). Each one is failed, released from the
// running set, and dead-lettered.
type Detector struct {
	cfg     common.ZombieDetectorConfig
	occs    interfaces.OccurrenceStore
	running *coordination.RunningSet
	failed  interfaces.FailedHandler
	logger  arbor.ILogger

	now func() time.Time

	cancel context.CancelFunc
	doneCh chan struct{}
}

// NewDetector wires the sweep.
func NewDetector(cfg common.ZombieDetectorConfig, occs interfaces.OccurrenceStore,
	running *coordination.RunningSet, failedHandler interfaces.FailedHandler, logger arbor.ILogger) *Detector {
	return &Detector{
		cfg:     cfg,
		occs:    occs,
		running: running,
		failed:  failedHandler,
		logger:  logger,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Start launches the periodic sweep loop.
func (d *Detector) Start(ctx context.Context) error {
	if !d.cfg.Enabled {
		d.logger.Info().Msg("Zombie detector disabled by configuration")
		return nil
	}

	runCtx, cancel := context.WithCancel(ctx)
	d.cancel = cancel
	d.doneCh = make(chan struct{})

	interval := time.Duration(d.cfg.CheckIntervalSeconds) * time.Second
	if interval <= 0 {
		interval = defaultCheckInterval * time.Second
	}

	go func() {
		defer close(d.doneCh)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				if err := d.Sweep(runCtx); err != nil {
					d.logger.Warn().Err(err).Msg("Zombie sweep failed")
				}
			}
		}
	}()

	d.logger.Info().
		Dur("check_interval", interval).
		Int("default_timeout_minutes", d.timeoutMinutes()).
		Msg("Zombie detector started")
	return nil
}

// Stop halts the sweep loop.
func (d *Detector) Stop() {
	if d.cancel == nil {
		return
	}
	d.cancel()
	<-d.doneCh
}

func (d *Detector) timeoutMinutes() int {
	if d.cfg.DefaultTimeoutMinutes > 0 {
		return d.cfg.DefaultTimeoutMinutes
	}
	return defaultTimeoutMinutes
}

// Sweep fails every occurrence past its zombie deadline. Transitions commit
// in one batch before any side effect runs.
func (d *Detector) Sweep(ctx context.Context) error {
	now := d.now()
	defaultTimeout := time.Duration(d.timeoutMinutes()) * time.Minute
	batchSize := d.cfg.BatchSize
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}

	zombies, err := d.occs.ListZombies(ctx, now, defaultTimeout, batchSize)
	if err != nil {
		return fmt.Errorf("listing zombie occurrences: %w", err)
	}
	if len(zombies) == 0 {
		return nil
	}

	for _, occ := range zombies {
		lastSeen := occ.CreatedAt
		if occ.LastHeartbeat != nil {
			lastSeen = *occ.LastHeartbeat
		}
		occ.ApplyTransition(models.StatusFailed, now)
		occ.Exception = fmt.Sprintf("no heartbeat since %s, worker presumed dead", lastSeen.Format(time.RFC3339))
		occ.NextDispatchRetryAt = nil
		end := now
		occ.SetTimes(nil, &end)
		occ.Logs = append(occ.Logs, models.OccurrenceLogEntry{
			Timestamp: now,
			Level:     "Error",
			Message:   "Marked Failed by zombie detection",
			Category:  "ZombieDetection",
		})
	}

	if err := d.occs.UpdateBatch(ctx, zombies); err != nil {
		return fmt.Errorf("committing zombie batch: %w", err)
	}

	for _, occ := range zombies {
		d.logger.Warn().
			Str("occurrence_id", occ.ID).
			Str("correlation_id", occ.CorrelationID).
			Str("job_name", occ.JobName).
			Msg("Zombie occurrence failed")
		if err := d.running.Unmark(ctx, occ.JobID); err != nil {
			d.logger.Warn().Err(err).Str("job_id", occ.JobID).Msg("Running marker release failed")
		}
		if err := d.failed.Handle(ctx, occ, models.FailureZombieDetection); err != nil {
			d.logger.Warn().Err(err).Str("occurrence_id", occ.ID).Msg("Dead-letter handling failed")
		}
	}

	d.logger.Info().Int("count", len(zombies)).Msg("Zombie sweep completed")
	return nil
}
