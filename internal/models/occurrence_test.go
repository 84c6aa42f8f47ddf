package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewOccurrenceSnapshotsDefinition(t *testing.T) {
	job := NewScheduledJob("Nightly Report", "build_report", "ReportWorker", time.Now().UTC())
	override := 120
	job.ExecutionTimeoutSeconds = &override
	job.Version = 4

	occ := NewOccurrence(job)

	assert.Equal(t, job.ID, occ.JobID)
	assert.Equal(t, "build_report", occ.JobName)
	assert.Equal(t, 4, occ.JobVersion)
	assert.Equal(t, StatusQueued, occ.Status)
	assert.NotEmpty(t, occ.CorrelationID)
	assert.NotEqual(t, occ.ID, occ.CorrelationID)
	require.NotNil(t, occ.ExecutionTimeoutSeconds)
	assert.Equal(t, 120, *occ.ExecutionTimeoutSeconds)
}

func TestDispatchRetryDelay(t *testing.T) {
	assert.Equal(t, 10*time.Second, DispatchRetryDelay(0))
	assert.Equal(t, 20*time.Second, DispatchRetryDelay(1))
	assert.Equal(t, 40*time.Second, DispatchRetryDelay(2))
	assert.Equal(t, 320*time.Second, DispatchRetryDelay(5))
	// Capped at ten minutes no matter how far the counter climbs.
	assert.Equal(t, 10*time.Minute, DispatchRetryDelay(6))
	assert.Equal(t, 10*time.Minute, DispatchRetryDelay(30))
}

func TestScheduleDispatchRetry(t *testing.T) {
	job := NewScheduledJob("Nightly Report", "build_report", "ReportWorker", time.Now().UTC())
	occ := NewOccurrence(job)
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	occ.ScheduleDispatchRetry(now)
	assert.Equal(t, 1, occ.DispatchRetryCount)
	require.NotNil(t, occ.NextDispatchRetryAt)
	assert.Equal(t, now.Add(10*time.Second), *occ.NextDispatchRetryAt)

	occ.ScheduleDispatchRetry(now)
	assert.Equal(t, 2, occ.DispatchRetryCount)
	assert.Equal(t, now.Add(20*time.Second), *occ.NextDispatchRetryAt)
}

func TestApplyTransitionAppendsStatusChangeLog(t *testing.T) {
	job := NewScheduledJob("Nightly Report", "build_report", "ReportWorker", time.Now().UTC())
	occ := NewOccurrence(job)
	at := time.Now().UTC()

	occ.ApplyTransition(StatusRunning, at)
	occ.ApplyTransition(StatusCompleted, at.Add(time.Second))

	assert.Equal(t, StatusCompleted, occ.Status)
	require.Len(t, occ.StatusChangeLogs, 2)
	assert.Equal(t, StatusQueued, occ.StatusChangeLogs[0].From)
	assert.Equal(t, StatusRunning, occ.StatusChangeLogs[0].To)
	assert.Equal(t, StatusRunning, occ.StatusChangeLogs[1].From)
	assert.Equal(t, StatusCompleted, occ.StatusChangeLogs[1].To)
}

func TestSetTimesDerivesDuration(t *testing.T) {
	job := NewScheduledJob("Nightly Report", "build_report", "ReportWorker", time.Now().UTC())
	occ := NewOccurrence(job)

	start := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	end := start.Add(2500 * time.Millisecond)

	occ.SetTimes(&start, nil)
	assert.Nil(t, occ.DurationMs)

	occ.SetTimes(nil, &end)
	require.NotNil(t, occ.DurationMs)
	assert.Equal(t, int64(2500), *occ.DurationMs)
}

func TestZombieDeadline(t *testing.T) {
	job := NewScheduledJob("Nightly Report", "build_report", "ReportWorker", time.Now().UTC())
	occ := NewOccurrence(job)
	occ.CreatedAt = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	// No heartbeat yet: measured from creation with the supplied default.
	assert.Equal(t, occ.CreatedAt.Add(10*time.Minute), occ.ZombieDeadline(10*time.Minute))

	hb := occ.CreatedAt.Add(5 * time.Minute)
	occ.LastHeartbeat = &hb
	assert.Equal(t, hb.Add(10*time.Minute), occ.ZombieDeadline(10*time.Minute))

	override := 30
	occ.ZombieTimeoutMinutes = &override
	assert.Equal(t, hb.Add(30*time.Minute), occ.ZombieDeadline(10*time.Minute))
}

func TestIsTerminal(t *testing.T) {
	terminal := []OccurrenceStatus{StatusCompleted, StatusFailed, StatusCancelled, StatusTimedOut, StatusUnknown}
	for _, s := range terminal {
		assert.True(t, s.IsTerminal(), string(s))
	}
	assert.False(t, StatusQueued.IsTerminal())
	assert.False(t, StatusRunning.IsTerminal())
}
