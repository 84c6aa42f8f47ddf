package tracker

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/Milvasoft/milvaion-sub003/internal/common"
	"github.com/Milvasoft/milvaion-sub003/internal/interfaces"
)

// autoDisableReasonPrefix distinguishes breaker disables from operator
// disables; only the former are eligible for automatic re-enable.
const autoDisableReasonPrefix = "auto-disabled"

// AutoDisabler is the per-job failure circuit breaker: consecutive failures
// inside a sliding window disable the job, a completed run resets the count,
// and an optional cooldown re-enables disabled jobs automatically.
type AutoDisabler struct {
	cfg    common.StatusTrackerConfig
	jobs   interfaces.ScheduledJobStore
	logger arbor.ILogger

	now func() time.Time
}

// NewAutoDisabler builds the breaker over the job store.
func NewAutoDisabler(cfg common.StatusTrackerConfig, jobs interfaces.ScheduledJobStore, logger arbor.ILogger) *AutoDisabler {
	return &AutoDisabler{cfg: cfg, jobs: jobs, logger: logger, now: func() time.Time { return time.Now().UTC() }}
}

// RecordFailure counts one failed occurrence against the job. Failures older
// than the window restart the count; crossing the threshold disables the job.
func (a *AutoDisabler) RecordFailure(ctx context.Context, jobID string) error {
	job, err := a.jobs.Get(ctx, jobID)
	if err != nil {
		return err
	}

	settings := job.AutoDisable
	if settings.Enabled != nil && !*settings.Enabled {
		return nil
	}
	threshold := a.cfg.AutoDisableThreshold
	if settings.Threshold != nil {
		threshold = *settings.Threshold
	}
	if threshold <= 0 {
		return nil
	}

	now := a.now()
	window := time.Duration(a.cfg.FailureWindowMinutes) * time.Minute
	if settings.LastFailureTime != nil && window > 0 && now.Sub(*settings.LastFailureTime) > window {
		settings.ConsecutiveFailureCount = 0
	}
	settings.ConsecutiveFailureCount++
	settings.LastFailureTime = &now

	if settings.ConsecutiveFailureCount >= threshold {
		disabledAt := now
		settings.DisabledAt = &disabledAt
		settings.DisableReason = fmt.Sprintf("%s after %d consecutive failures", autoDisableReasonPrefix, settings.ConsecutiveFailureCount)
		if err := a.jobs.UpdateAutoDisable(ctx, jobID, settings); err != nil {
			return err
		}
		if err := a.jobs.SetActive(ctx, jobID, false, settings.DisableReason); err != nil {
			return err
		}
		a.logger.Warn().
			Str("job_id", jobID).
			Str("display_name", job.DisplayName).
			Int("failures", settings.ConsecutiveFailureCount).
			Msg("Job auto-disabled")
		return nil
	}

	return a.jobs.UpdateAutoDisable(ctx, jobID, settings)
}

// RecordSuccess resets the consecutive failure count.
func (a *AutoDisabler) RecordSuccess(ctx context.Context, jobID string) error {
	job, err := a.jobs.Get(ctx, jobID)
	if err != nil {
		return err
	}
	if job.AutoDisable.ConsecutiveFailureCount == 0 && job.AutoDisable.LastFailureTime == nil {
		return nil
	}
	settings := job.AutoDisable
	settings.ConsecutiveFailureCount = 0
	settings.LastFailureTime = nil
	return a.jobs.UpdateAutoDisable(ctx, jobID, settings)
}

// SweepReEnable re-activates auto-disabled jobs whose cooldown elapsed. A
// zero cooldown keeps jobs disabled until an operator intervenes.
func (a *AutoDisabler) SweepReEnable(ctx context.Context) error {
	if a.cfg.AutoReEnableCooldownMinutes <= 0 {
		return nil
	}
	cooldown := time.Duration(a.cfg.AutoReEnableCooldownMinutes) * time.Minute
	now := a.now()

	jobs, err := a.jobs.List(ctx, false, 0)
	if err != nil {
		return err
	}
	for _, job := range jobs {
		if job.IsActive || job.AutoDisable.DisabledAt == nil {
			continue
		}
		if !strings.HasPrefix(job.AutoDisable.DisableReason, autoDisableReasonPrefix) {
			continue
		}
		if now.Sub(*job.AutoDisable.DisabledAt) < cooldown {
			continue
		}
		settings := job.AutoDisable
		settings.ConsecutiveFailureCount = 0
		settings.LastFailureTime = nil
		settings.DisabledAt = nil
		settings.DisableReason = ""
		if err := a.jobs.UpdateAutoDisable(ctx, job.ID, settings); err != nil {
			a.logger.Warn().Err(err).Str("job_id", job.ID).Msg("Auto re-enable bookkeeping failed")
			continue
		}
		if err := a.jobs.SetActive(ctx, job.ID, true, ""); err != nil {
			a.logger.Warn().Err(err).Str("job_id", job.ID).Msg("Auto re-enable failed")
			continue
		}
		a.logger.Info().
			Str("job_id", job.ID).
			Str("display_name", job.DisplayName).
			Msg("Job auto re-enabled after cooldown")
	}
	return nil
}
