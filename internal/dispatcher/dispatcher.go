package dispatcher

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/Milvasoft/milvaion-sub003/internal/bus"
	"github.com/Milvasoft/milvaion-sub003/internal/common"
	"github.com/Milvasoft/milvaion-sub003/internal/coordination"
	"github.com/Milvasoft/milvaion-sub003/internal/interfaces"
	"github.com/Milvasoft/milvaion-sub003/internal/models"
)

// Deps are the collaborators the dispatcher drives.
type Deps struct {
	Jobs        interfaces.ScheduledJobStore
	Occurrences interfaces.OccurrenceStore
	Publisher   interfaces.Publisher
	Index       *coordination.ScheduleIndex
	Running     *coordination.RunningSet
	Cache       *coordination.JobCache
	Lease       *coordination.LeaderLease
}

// Dispatcher is the leader-elected scheduling loop: it polls the time index,
// enforces the concurrency policy, materialises occurrences, and publishes
// dispatch messages. At most one instance ticks per cluster.
type Dispatcher struct {
	cfg    common.DispatcherConfig
	deps   Deps
	logger arbor.ILogger

	// now is swappable for tests.
	now func() time.Time

	leader bool
	cancel context.CancelFunc
	doneCh chan struct{}
}

// New builds a dispatcher. It does not tick until Start.
func New(cfg common.DispatcherConfig, deps Deps, logger arbor.ILogger) *Dispatcher {
	return &Dispatcher{
		cfg:    cfg,
		deps:   deps,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Start runs the leadership loop in the background.
func (d *Dispatcher) Start(ctx context.Context) error {
	if !d.cfg.Enabled {
		d.logger.Info().Msg("Dispatcher disabled")
		return nil
	}
	runCtx, cancel := context.WithCancel(ctx)
	d.cancel = cancel
	d.doneCh = make(chan struct{})

	go d.run(runCtx)
	return nil
}

// Stop halts the loop and releases leadership.
func (d *Dispatcher) Stop() {
	if d.cancel == nil {
		return
	}
	d.cancel()
	<-d.doneCh

	releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := d.deps.Lease.Release(releaseCtx); err != nil {
		d.logger.Warn().Err(err).Msg("Failed to release dispatcher leadership")
	}
}

// run alternates between campaigning for leadership and ticking as leader.
// Renewal happens at a third of the lease TTL; losing the lease stops ticking
// immediately.
func (d *Dispatcher) run(ctx context.Context) {
	defer close(d.doneCh)

	ttl := time.Duration(d.cfg.LockTTLSeconds) * time.Second
	renewEvery := ttl / 3
	recovered := !d.cfg.StartupRecovery

	ticker := time.NewTicker(d.cfg.PollInterval)
	defer ticker.Stop()
	renewTicker := time.NewTicker(renewEvery)
	defer renewTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-renewTicker.C:
			if !d.leader {
				continue
			}
			held, err := d.deps.Lease.Renew(ctx)
			if err != nil {
				d.logger.Warn().Err(err).Msg("Leadership renewal failed")
				continue
			}
			if !held {
				d.logger.Warn().Msg("Dispatcher leadership lost")
				d.leader = false
			}
		case <-ticker.C:
			if !d.leader {
				acquired, err := d.deps.Lease.TryAcquire(ctx)
				if err != nil {
					d.logger.Warn().Err(err).Msg("Leadership campaign failed")
					continue
				}
				if !acquired {
					continue
				}
				d.leader = true
				d.logger.Info().Msg("Dispatcher leadership acquired")
				if !recovered {
					d.recoverAbandoned(ctx)
					recovered = true
				}
			}
			d.Tick(ctx)
		}
	}
}

// Tick runs one dispatch round: due jobs, then the retry scan, then the
// running-set watchdog.
func (d *Dispatcher) Tick(ctx context.Context) {
	now := d.now()

	due, err := d.deps.Index.Due(ctx, now, d.cfg.BatchSize)
	if err != nil {
		d.logger.Warn().Err(err).Msg("Schedule index query failed")
	} else if len(due) > 0 {
		d.dispatchDue(ctx, due, now)
	}

	d.retryScan(ctx, now)
	d.sweepRunningSet(ctx)
}

// dispatchDue fans the due jobs out over a bounded worker pool.
func (d *Dispatcher) dispatchDue(ctx context.Context, jobIDs []string, now time.Time) {
	sem := make(chan struct{}, d.cfg.MaxConcurrentDispatch)
	var wg sync.WaitGroup
	for _, jobID := range jobIDs {
		wg.Add(1)
		sem <- struct{}{}
		go func(id string) {
			defer wg.Done()
			defer func() { <-sem }()
			if err := d.dispatchJob(ctx, id, now); err != nil {
				d.logger.Warn().Err(err).Str("job_id", id).Msg("Dispatch failed")
			}
		}(jobID)
	}
	wg.Wait()
}

// dispatchJob handles one due job end to end.
func (d *Dispatcher) dispatchJob(ctx context.Context, jobID string, now time.Time) error {
	job, err := d.loadJob(ctx, jobID)
	if errors.Is(err, interfaces.ErrNotFound) {
		// Deleted job still indexed: drop the stale entry.
		_ = d.deps.Index.Remove(ctx, jobID)
		_ = d.deps.Cache.Invalidate(ctx, jobID)
		return nil
	}
	if err != nil {
		return err
	}

	if !job.IsActive {
		_ = d.deps.Index.Remove(ctx, jobID)
		return nil
	}

	marked := false
	if job.Policy == models.PolicySkip {
		ok, err := d.deps.Running.TryMark(ctx, jobID)
		if err != nil {
			return err
		}
		if !ok {
			d.logger.Debug().Str("job_id", jobID).Msg("Skip policy dropped fire, previous occurrence still running")
			return d.advanceSchedule(ctx, job, now)
		}
		marked = true
	} else {
		// Queue policy dispatches regardless; the marker is best effort and
		// only feeds the watchdog sweep.
		if ok, err := d.deps.Running.TryMark(ctx, jobID); err == nil && ok {
			marked = true
		}
	}

	occ := models.NewOccurrence(job)
	if err := d.deps.Occurrences.Create(ctx, occ); err != nil {
		if marked {
			// Compensating delete so the failed write cannot wedge the job.
			_ = d.deps.Running.Unmark(ctx, jobID)
		}
		return err
	}

	if err := d.publish(ctx, job, occ); err != nil {
		occ.ScheduleDispatchRetry(now)
		if updateErr := d.deps.Occurrences.Update(ctx, occ); updateErr != nil {
			d.logger.Error().Err(updateErr).Str("occurrence_id", occ.ID).
				Msg("Failed to persist dispatch retry state")
		}
		d.logger.Warn().Err(err).
			Str("job_id", jobID).
			Str("correlation_id", occ.CorrelationID).
			Int("retry", occ.DispatchRetryCount).
			Msg("Dispatch publish failed, scheduled for retry")
	} else {
		d.logger.Info().
			Str("job_id", jobID).
			Str("correlation_id", occ.CorrelationID).
			Str("job_name", job.JobNameInWorker).
			Msg("Occurrence dispatched")
	}

	return d.advanceSchedule(ctx, job, now)
}

// loadJob reads the definition through the coordination-store cache.
func (d *Dispatcher) loadJob(ctx context.Context, jobID string) (*models.ScheduledJob, error) {
	if job, hit, err := d.deps.Cache.Get(ctx, jobID); err == nil && hit {
		return job, nil
	}
	job, err := d.deps.Jobs.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if err := d.deps.Cache.Put(ctx, job); err != nil {
		d.logger.Debug().Err(err).Str("job_id", jobID).Msg("Job cache repopulation failed")
	}
	return job, nil
}

func (d *Dispatcher) publish(ctx context.Context, job *models.ScheduledJob, occ *models.JobOccurrence) error {
	msg := models.DispatchMessage{
		CorrelationID:           occ.CorrelationID,
		JobID:                   job.ID,
		JobName:                 job.JobNameInWorker,
		JobData:                 job.JobData,
		ExecuteAt:               job.ExecuteAt,
		ExecutionTimeoutSeconds: job.ExecutionTimeoutSeconds,
		ZombieTimeoutMinutes:    job.ZombieTimeoutMinutes,
	}
	body, err := msg.ToJSON()
	if err != nil {
		return err
	}
	return d.deps.Publisher.Publish(ctx, bus.JobsExchange, job.RoutingKeyFor(occ.CorrelationID), body)
}

// advanceSchedule moves the job past the fire that was just handled: one-shot
// jobs leave the index, cron jobs get their next UTC fire time.
func (d *Dispatcher) advanceSchedule(ctx context.Context, job *models.ScheduledJob, now time.Time) error {
	if !job.IsCron() {
		return d.deps.Index.Remove(ctx, job.ID)
	}

	next, err := job.NextCronAfter(job.ExecuteAt)
	if err != nil {
		d.logger.Error().Err(err).Str("job_id", job.ID).Msg("Cron evaluation failed, removing from index")
		return d.deps.Index.Remove(ctx, job.ID)
	}
	if err := d.deps.Jobs.UpdateExecuteAt(ctx, job.ID, next); err != nil {
		return err
	}
	// The cached definition still carries the old executeAt.
	_ = d.deps.Cache.Invalidate(ctx, job.ID)
	return d.deps.Index.Add(ctx, job.ID, next)
}

// retryScan republishes Queued occurrences whose backoff has elapsed.
func (d *Dispatcher) retryScan(ctx context.Context, now time.Time) {
	due, err := d.deps.Occurrences.ListRetryDue(ctx, now, d.cfg.BatchSize)
	if err != nil {
		d.logger.Warn().Err(err).Msg("Dispatch retry scan failed")
		return
	}
	for _, occ := range due {
		job, err := d.loadJob(ctx, occ.JobID)
		if err != nil {
			d.logger.Warn().Err(err).Str("occurrence_id", occ.ID).Msg("Retry skipped, job definition unavailable")
			continue
		}
		if err := d.publish(ctx, job, occ); err != nil {
			occ.ScheduleDispatchRetry(now)
			d.logger.Warn().Err(err).
				Str("correlation_id", occ.CorrelationID).
				Int("retry", occ.DispatchRetryCount).
				Msg("Dispatch retry failed")
		} else {
			occ.NextDispatchRetryAt = nil
			d.logger.Info().
				Str("correlation_id", occ.CorrelationID).
				Int("retry", occ.DispatchRetryCount).
				Msg("Dispatch retry succeeded")
		}
		if err := d.deps.Occurrences.Update(ctx, occ); err != nil {
			d.logger.Error().Err(err).Str("occurrence_id", occ.ID).Msg("Failed to persist retry state")
		}
	}
}
