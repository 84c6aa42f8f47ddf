package tracker

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"

	"github.com/Milvasoft/milvaion-sub003/internal/bus"
	"github.com/Milvasoft/milvaion-sub003/internal/common"
	"github.com/Milvasoft/milvaion-sub003/internal/coordination"
	"github.com/Milvasoft/milvaion-sub003/internal/failed"
	"github.com/Milvasoft/milvaion-sub003/internal/interfaces"
	"github.com/Milvasoft/milvaion-sub003/internal/models"
	"github.com/Milvasoft/milvaion-sub003/internal/storage/memory"
)

type trackerFixture struct {
	t       *testing.T
	ctx     context.Context
	jobs    *memory.JobStore
	occs    *memory.OccurrenceStore
	failed  *memory.FailedStore
	fake    *bus.FakeBus
	running *coordination.RunningSet
	tracker *StatusTracker
}

func newTrackerFixture(t *testing.T, cfg common.StatusTrackerConfig) *trackerFixture {
	t.Helper()
	logger := arbor.NewLogger()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	jobs := memory.NewJobStore()
	occs := memory.NewOccurrenceStore()
	failedStore := memory.NewFailedStore()
	fake := bus.NewFakeBus()
	store := coordination.NewMemStore()
	keys := coordination.NewKeys("Milvaion:JobScheduler:")
	running := coordination.NewRunningSet(store, keys)

	require.NoError(t, fake.BindQueue(ctx, bus.StatusUpdatesQueue, "", bus.StatusUpdatesQueue))

	handler := failed.NewHandler(common.FailedHandlerConfig{Enabled: true}, failedStore, jobs, fake, logger)
	disabler := NewAutoDisabler(cfg, jobs, logger)
	tracker := NewStatusTracker(cfg, occs, fake, running, handler, disabler, logger)
	require.NoError(t, tracker.Start(ctx))
	t.Cleanup(tracker.Stop)

	return &trackerFixture{
		t:       t,
		ctx:     ctx,
		jobs:    jobs,
		occs:    occs,
		failed:  failedStore,
		fake:    fake,
		running: running,
		tracker: tracker,
	}
}

func trackerConfig() common.StatusTrackerConfig {
	return common.StatusTrackerConfig{
		Enabled:              true,
		BatchSize:            50,
		BatchIntervalMs:      20,
		FailureWindowMinutes: 60,
		AutoDisableThreshold: 3,
	}
}

// seedOccurrence creates a job and a queued occurrence with a held running
// marker, the state the dispatcher leaves behind.
func (f *trackerFixture) seedOccurrence() (*models.ScheduledJob, *models.JobOccurrence) {
	f.t.Helper()
	job := models.NewScheduledJob("Nightly Report", "build_report", "ReportWorker", time.Now().UTC())
	require.NoError(f.t, f.jobs.Create(f.ctx, job))
	occ := models.NewOccurrence(job)
	require.NoError(f.t, f.occs.Create(f.ctx, occ))
	marked, err := f.running.TryMark(f.ctx, job.ID)
	require.NoError(f.t, err)
	require.True(f.t, marked)
	return job, occ
}

func (f *trackerFixture) publishStatus(msg models.StatusUpdateMessage) {
	f.t.Helper()
	if msg.EventID == "" {
		msg.EventID = common.NewID()
	}
	if msg.MessageTimestamp.IsZero() {
		msg.MessageTimestamp = time.Now().UTC()
	}
	body, err := msg.ToJSON()
	require.NoError(f.t, err)
	require.NoError(f.t, f.fake.Publish(f.ctx, "", bus.StatusUpdatesQueue, body))
}

func (f *trackerFixture) waitForStatus(occID string, status models.OccurrenceStatus) *models.JobOccurrence {
	f.t.Helper()
	var got *models.JobOccurrence
	require.Eventually(f.t, func() bool {
		occ, err := f.occs.Get(f.ctx, occID)
		if err != nil {
			return false
		}
		got = occ
		return occ.Status == status
	}, 3*time.Second, 10*time.Millisecond)
	return got
}

func TestTrackerRunningThenCompleted(t *testing.T) {
	f := newTrackerFixture(t, trackerConfig())
	job, occ := f.seedOccurrence()

	start := time.Now().UTC().Add(-2 * time.Second)
	end := time.Now().UTC()
	f.publishStatus(models.StatusUpdateMessage{
		CorrelationID: occ.CorrelationID,
		JobID:         job.ID,
		Status:        models.StatusRunning,
		StartTime:     &start,
	})
	f.publishStatus(models.StatusUpdateMessage{
		CorrelationID: occ.CorrelationID,
		JobID:         job.ID,
		Status:        models.StatusCompleted,
		StartTime:     &start,
		EndTime:       &end,
		Result:        "report built",
	})

	got := f.waitForStatus(occ.ID, models.StatusCompleted)
	assert.Equal(t, "report built", got.Result)
	require.NotNil(t, got.DurationMs)
	assert.GreaterOrEqual(t, *got.DurationMs, int64(1000))
	require.Len(t, got.StatusChangeLogs, 2)
	assert.Equal(t, models.StatusQueued, got.StatusChangeLogs[0].From)
	assert.Equal(t, models.StatusRunning, got.StatusChangeLogs[0].To)
	assert.Equal(t, models.StatusCompleted, got.StatusChangeLogs[1].To)

	// Terminal status releases the running marker.
	require.Eventually(t, func() bool {
		held, err := f.running.Contains(f.ctx, job.ID)
		return err == nil && !held
	}, 3*time.Second, 10*time.Millisecond)
}

func TestTrackerFirstTerminalWins(t *testing.T) {
	f := newTrackerFixture(t, trackerConfig())
	job, occ := f.seedOccurrence()

	f.publishStatus(models.StatusUpdateMessage{
		CorrelationID: occ.CorrelationID,
		JobID:         job.ID,
		Status:        models.StatusCompleted,
	})
	f.waitForStatus(occ.ID, models.StatusCompleted)

	f.publishStatus(models.StatusUpdateMessage{
		CorrelationID: occ.CorrelationID,
		JobID:         job.ID,
		Status:        models.StatusFailed,
		Exception:     "late duplicate",
	})
	// Give the tracker a flush cycle; the status must not move.
	time.Sleep(100 * time.Millisecond)
	got, err := f.occs.Get(f.ctx, occ.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, got.Status)
	assert.Empty(t, got.Exception)
}

func TestTrackerLateRunningDiscarded(t *testing.T) {
	f := newTrackerFixture(t, trackerConfig())
	job, occ := f.seedOccurrence()

	f.publishStatus(models.StatusUpdateMessage{
		CorrelationID: occ.CorrelationID,
		JobID:         job.ID,
		Status:        models.StatusCancelled,
	})
	f.waitForStatus(occ.ID, models.StatusCancelled)

	f.publishStatus(models.StatusUpdateMessage{
		CorrelationID: occ.CorrelationID,
		JobID:         job.ID,
		Status:        models.StatusRunning,
	})
	time.Sleep(100 * time.Millisecond)
	got, err := f.occs.Get(f.ctx, occ.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCancelled, got.Status)
	require.Len(t, got.StatusChangeLogs, 1)
}

func TestTrackerUnknownCorrelationDiscarded(t *testing.T) {
	f := newTrackerFixture(t, trackerConfig())

	f.publishStatus(models.StatusUpdateMessage{
		CorrelationID: "no-such-correlation",
		Status:        models.StatusCompleted,
	})

	// Consumed without requeue storm; nothing to assert beyond quiescence.
	time.Sleep(100 * time.Millisecond)
	assert.Empty(t, f.fake.Rejected())
}

func TestTrackerPermanentFailureDeadLetters(t *testing.T) {
	f := newTrackerFixture(t, trackerConfig())
	job, occ := f.seedOccurrence()

	f.publishStatus(models.StatusUpdateMessage{
		CorrelationID:    occ.CorrelationID,
		JobID:            job.ID,
		Status:           models.StatusFailed,
		Exception:        "recipient address rejected",
		FailureType:      models.FailureUnhandledException,
		PermanentFailure: true,
	})
	f.waitForStatus(occ.ID, models.StatusFailed)

	require.Eventually(t, func() bool {
		row, err := f.failed.GetByOccurrence(f.ctx, occ.ID)
		return err == nil && row != nil
	}, 3*time.Second, 10*time.Millisecond)

	row, err := f.failed.GetByOccurrence(f.ctx, occ.ID)
	require.NoError(t, err)
	assert.Equal(t, models.FailureUnhandledException, row.FailureType)
	assert.Equal(t, "Nightly Report", row.DisplayName)
	assert.Equal(t, "recipient address rejected", row.Exception)

	// DLX notification for operator tooling.
	require.Eventually(t, func() bool {
		for _, msg := range f.fake.Published() {
			if msg.Exchange == bus.DLXExchange {
				return true
			}
		}
		return false
	}, 3*time.Second, 10*time.Millisecond)
}

func TestTrackerTransientFailureNotDeadLettered(t *testing.T) {
	f := newTrackerFixture(t, trackerConfig())
	job, occ := f.seedOccurrence()

	f.publishStatus(models.StatusUpdateMessage{
		CorrelationID: occ.CorrelationID,
		JobID:         job.ID,
		Status:        models.StatusFailed,
		Exception:     "smtp connection refused",
	})
	f.waitForStatus(occ.ID, models.StatusFailed)

	time.Sleep(100 * time.Millisecond)
	_, err := f.failed.GetByOccurrence(f.ctx, occ.ID)
	assert.ErrorIs(t, err, interfaces.ErrNotFound)
}

func TestTrackerTimeoutDeadLetters(t *testing.T) {
	f := newTrackerFixture(t, trackerConfig())
	job, occ := f.seedOccurrence()

	f.publishStatus(models.StatusUpdateMessage{
		CorrelationID: occ.CorrelationID,
		JobID:         job.ID,
		Status:        models.StatusTimedOut,
		Exception:     "context deadline exceeded",
	})
	f.waitForStatus(occ.ID, models.StatusTimedOut)

	require.Eventually(t, func() bool {
		row, err := f.failed.GetByOccurrence(f.ctx, occ.ID)
		return err == nil && row != nil && row.FailureType == models.FailureTimeout
	}, 3*time.Second, 10*time.Millisecond)
}

func TestAutoDisableAfterThreshold(t *testing.T) {
	cfg := trackerConfig()
	f := newTrackerFixture(t, cfg)
	logger := arbor.NewLogger()
	disabler := NewAutoDisabler(cfg, f.jobs, logger)

	job := models.NewScheduledJob("Flaky Export", "export_data", "ExportWorker", time.Now().UTC())
	require.NoError(t, f.jobs.Create(f.ctx, job))

	for i := 0; i < 2; i++ {
		require.NoError(t, disabler.RecordFailure(f.ctx, job.ID))
		got, err := f.jobs.Get(f.ctx, job.ID)
		require.NoError(t, err)
		assert.True(t, got.IsActive)
		assert.Equal(t, i+1, got.AutoDisable.ConsecutiveFailureCount)
	}

	require.NoError(t, disabler.RecordFailure(f.ctx, job.ID))
	got, err := f.jobs.Get(f.ctx, job.ID)
	require.NoError(t, err)
	assert.False(t, got.IsActive)
	assert.Contains(t, got.AutoDisable.DisableReason, "auto-disabled")
	require.NotNil(t, got.AutoDisable.DisabledAt)
}

func TestAutoDisableSuccessResetsCount(t *testing.T) {
	cfg := trackerConfig()
	f := newTrackerFixture(t, cfg)
	disabler := NewAutoDisabler(cfg, f.jobs, arbor.NewLogger())

	job := models.NewScheduledJob("Flaky Export", "export_data", "ExportWorker", time.Now().UTC())
	require.NoError(t, f.jobs.Create(f.ctx, job))

	require.NoError(t, disabler.RecordFailure(f.ctx, job.ID))
	require.NoError(t, disabler.RecordFailure(f.ctx, job.ID))
	require.NoError(t, disabler.RecordSuccess(f.ctx, job.ID))

	got, err := f.jobs.Get(f.ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, got.AutoDisable.ConsecutiveFailureCount)
	assert.True(t, got.IsActive)
}

func TestAutoDisableWindowExpiryResetsCount(t *testing.T) {
	cfg := trackerConfig()
	f := newTrackerFixture(t, cfg)
	disabler := NewAutoDisabler(cfg, f.jobs, arbor.NewLogger())
	now := time.Now().UTC()
	disabler.now = func() time.Time { return now }

	job := models.NewScheduledJob("Flaky Export", "export_data", "ExportWorker", now)
	require.NoError(t, f.jobs.Create(f.ctx, job))

	require.NoError(t, disabler.RecordFailure(f.ctx, job.ID))
	require.NoError(t, disabler.RecordFailure(f.ctx, job.ID))

	// Next failure lands outside the sliding window; the streak restarts.
	now = now.Add(61 * time.Minute)
	require.NoError(t, disabler.RecordFailure(f.ctx, job.ID))

	got, err := f.jobs.Get(f.ctx, job.ID)
	require.NoError(t, err)
	assert.True(t, got.IsActive)
	assert.Equal(t, 1, got.AutoDisable.ConsecutiveFailureCount)
}

func TestAutoDisablePerJobOverrides(t *testing.T) {
	cfg := trackerConfig()
	f := newTrackerFixture(t, cfg)
	disabler := NewAutoDisabler(cfg, f.jobs, arbor.NewLogger())

	disabled := false
	offJob := models.NewScheduledJob("No Breaker", "export_data", "ExportWorker", time.Now().UTC())
	offJob.AutoDisable.Enabled = &disabled
	require.NoError(t, f.jobs.Create(f.ctx, offJob))
	for i := 0; i < 10; i++ {
		require.NoError(t, disabler.RecordFailure(f.ctx, offJob.ID))
	}
	got, err := f.jobs.Get(f.ctx, offJob.ID)
	require.NoError(t, err)
	assert.True(t, got.IsActive)

	threshold := 1
	strictJob := models.NewScheduledJob("Strict", "export_data", "ExportWorker", time.Now().UTC())
	strictJob.AutoDisable.Threshold = &threshold
	require.NoError(t, f.jobs.Create(f.ctx, strictJob))
	require.NoError(t, disabler.RecordFailure(f.ctx, strictJob.ID))
	got, err = f.jobs.Get(f.ctx, strictJob.ID)
	require.NoError(t, err)
	assert.False(t, got.IsActive)
}

func TestAutoReEnableAfterCooldown(t *testing.T) {
	cfg := trackerConfig()
	cfg.AutoReEnableCooldownMinutes = 30
	f := newTrackerFixture(t, cfg)
	disabler := NewAutoDisabler(cfg, f.jobs, arbor.NewLogger())
	now := time.Now().UTC()
	disabler.now = func() time.Time { return now }

	job := models.NewScheduledJob("Flaky Export", "export_data", "ExportWorker", now)
	require.NoError(t, f.jobs.Create(f.ctx, job))
	for i := 0; i < 3; i++ {
		require.NoError(t, disabler.RecordFailure(f.ctx, job.ID))
	}
	got, err := f.jobs.Get(f.ctx, job.ID)
	require.NoError(t, err)
	require.False(t, got.IsActive)

	// Inside the cooldown nothing changes.
	now = now.Add(10 * time.Minute)
	require.NoError(t, disabler.SweepReEnable(f.ctx))
	got, err = f.jobs.Get(f.ctx, job.ID)
	require.NoError(t, err)
	assert.False(t, got.IsActive)

	now = now.Add(25 * time.Minute)
	require.NoError(t, disabler.SweepReEnable(f.ctx))
	got, err = f.jobs.Get(f.ctx, job.ID)
	require.NoError(t, err)
	assert.True(t, got.IsActive)
	assert.Equal(t, 0, got.AutoDisable.ConsecutiveFailureCount)
}

func TestAutoReEnableSkipsOperatorDisabled(t *testing.T) {
	cfg := trackerConfig()
	cfg.AutoReEnableCooldownMinutes = 30
	f := newTrackerFixture(t, cfg)
	disabler := NewAutoDisabler(cfg, f.jobs, arbor.NewLogger())
	now := time.Now().UTC()
	disabler.now = func() time.Time { return now.Add(24 * time.Hour) }

	job := models.NewScheduledJob("Paused Export", "export_data", "ExportWorker", now)
	require.NoError(t, f.jobs.Create(f.ctx, job))
	require.NoError(t, f.jobs.SetActive(f.ctx, job.ID, false, "paused for maintenance"))

	require.NoError(t, disabler.SweepReEnable(f.ctx))
	got, err := f.jobs.Get(f.ctx, job.ID)
	require.NoError(t, err)
	assert.False(t, got.IsActive)
}
