package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Milvasoft/milvaion-sub003/internal/interfaces"
	"github.com/Milvasoft/milvaion-sub003/internal/models"
)

func TestJobStoreLifecycle(t *testing.T) {
	store := NewJobStore()
	ctx := context.Background()

	job := models.NewScheduledJob("Report", "generate_report", "reporting", time.Now().Add(time.Hour))
	require.NoError(t, store.Create(ctx, job))

	got, err := store.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, job.ID, got.ID)

	// Returned values are copies; mutating them must not leak into the store.
	got.DisplayName = "mutated"
	again, err := store.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, "Report", again.DisplayName)

	_, err = store.Get(ctx, "missing")
	require.ErrorIs(t, err, interfaces.ErrNotFound)

	next := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, store.UpdateExecuteAt(ctx, job.ID, next))
	got, err = store.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, next, got.ExecuteAt)

	require.NoError(t, store.SetActive(ctx, job.ID, false, "5 consecutive failures"))
	got, err = store.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.False(t, got.IsActive)
	assert.Equal(t, "5 consecutive failures", got.AutoDisable.DisableReason)
	require.NotNil(t, got.AutoDisable.DisabledAt)

	// Re-enable clears the breaker state.
	require.NoError(t, store.SetActive(ctx, job.ID, true, ""))
	got, err = store.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.True(t, got.IsActive)
	assert.Nil(t, got.AutoDisable.DisabledAt)
	assert.Zero(t, got.AutoDisable.ConsecutiveFailureCount)

	active, err := store.List(ctx, true, 0)
	require.NoError(t, err)
	assert.Len(t, active, 1)
}

func TestJobStoreListActiveOnly(t *testing.T) {
	store := NewJobStore()
	ctx := context.Background()

	active := models.NewScheduledJob("A", "a", "w", time.Now())
	inactive := models.NewScheduledJob("B", "b", "w", time.Now())
	inactive.IsActive = false
	require.NoError(t, store.Create(ctx, active))
	require.NoError(t, store.Create(ctx, inactive))

	jobs, err := store.List(ctx, true, 0)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, active.ID, jobs[0].ID)

	jobs, err = store.List(ctx, false, 0)
	require.NoError(t, err)
	assert.Len(t, jobs, 2)
}

func TestOccurrenceStoreBatchAtomicity(t *testing.T) {
	store := NewOccurrenceStore()
	ctx := context.Background()

	job := models.NewScheduledJob("A", "a", "w", time.Now())
	first := models.NewOccurrence(job)
	require.NoError(t, store.Create(ctx, first))

	phantom := models.NewOccurrence(job)
	first.ApplyTransition(models.StatusRunning, time.Now().UTC())

	err := store.UpdateBatch(ctx, []*models.JobOccurrence{first, phantom})
	require.ErrorIs(t, err, interfaces.ErrNotFound)

	// The batch failed, so the first occurrence must be untouched.
	got, err := store.Get(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusQueued, got.Status)
}

func TestOccurrenceStoreQueries(t *testing.T) {
	store := NewOccurrenceStore()
	ctx := context.Background()
	now := time.Now().UTC()

	job := models.NewScheduledJob("A", "a", "w", now)

	retryDue := models.NewOccurrence(job)
	past := now.Add(-time.Minute)
	retryDue.NextDispatchRetryAt = &past
	require.NoError(t, store.Create(ctx, retryDue))

	retryLater := models.NewOccurrence(job)
	future := now.Add(time.Hour)
	retryLater.NextDispatchRetryAt = &future
	require.NoError(t, store.Create(ctx, retryLater))

	zombie := models.NewOccurrence(job)
	zombie.CreatedAt = now.Add(-30 * time.Minute)
	zombie.ApplyTransition(models.StatusRunning, zombie.CreatedAt)
	require.NoError(t, store.Create(ctx, zombie))

	alive := models.NewOccurrence(job)
	alive.CreatedAt = now.Add(-30 * time.Minute)
	alive.ApplyTransition(models.StatusRunning, alive.CreatedAt)
	beat := now.Add(-time.Minute)
	alive.LastHeartbeat = &beat
	require.NoError(t, store.Create(ctx, alive))

	due, err := store.ListRetryDue(ctx, now, 10)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, retryDue.ID, due[0].ID)

	zombies, err := store.ListZombies(ctx, now, 10*time.Minute, 10)
	require.NoError(t, err)
	require.Len(t, zombies, 1, "only the stale heartbeat-less occurrence is a zombie")
	assert.Equal(t, zombie.ID, zombies[0].ID)

	running, err := store.ListRunningByJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Len(t, running, 4)

	byStatus, err := store.ListByStatus(ctx, models.StatusRunning, 0)
	require.NoError(t, err)
	assert.Len(t, byStatus, 2)
}

func TestOccurrenceStoreLogsAndHeartbeat(t *testing.T) {
	store := NewOccurrenceStore()
	ctx := context.Background()

	job := models.NewScheduledJob("A", "a", "w", time.Now())
	occ := models.NewOccurrence(job)
	require.NoError(t, store.Create(ctx, occ))

	entries := []models.OccurrenceLogEntry{
		{Timestamp: time.Now().UTC(), Level: "Information", Message: "step one"},
		{Timestamp: time.Now().UTC(), Level: "Warning", Message: "slow dependency"},
	}
	require.NoError(t, store.AppendLogs(ctx, occ.CorrelationID, entries))
	require.NoError(t, store.AppendLogs(ctx, occ.CorrelationID, entries[:1]))

	got, err := store.GetByCorrelation(ctx, occ.CorrelationID)
	require.NoError(t, err)
	assert.Len(t, got.Logs, 3)

	at := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	require.NoError(t, store.UpdateHeartbeat(ctx, occ.CorrelationID, at))
	got, err = store.GetByCorrelation(ctx, occ.CorrelationID)
	require.NoError(t, err)
	require.NotNil(t, got.LastHeartbeat)
	assert.Equal(t, at, *got.LastHeartbeat)

	err = store.UpdateHeartbeat(ctx, "missing", at)
	require.ErrorIs(t, err, interfaces.ErrNotFound)
}

func TestFailedStoreIdempotentInsert(t *testing.T) {
	store := NewFailedStore()
	ctx := context.Background()

	job := models.NewScheduledJob("A", "a", "w", time.Now())
	occ := models.NewOccurrence(job)
	failed := models.NewFailedOccurrence(occ, job.DisplayName, nil, models.FailureTimeout)

	inserted, err := store.CreateIfAbsent(ctx, failed)
	require.NoError(t, err)
	assert.True(t, inserted)

	duplicate := models.NewFailedOccurrence(occ, job.DisplayName, nil, models.FailureTimeout)
	inserted, err = store.CreateIfAbsent(ctx, duplicate)
	require.NoError(t, err)
	assert.False(t, inserted, "second row for the same occurrence must be refused")

	got, err := store.GetByOccurrence(ctx, occ.ID)
	require.NoError(t, err)
	assert.Equal(t, failed.ID, got.ID)

	unresolved := false
	list, err := store.List(ctx, &unresolved, 0)
	require.NoError(t, err)
	assert.Len(t, list, 1)

	resolved := true
	list, err = store.List(ctx, &resolved, 0)
	require.NoError(t, err)
	assert.Empty(t, list)
}
