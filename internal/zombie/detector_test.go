package zombie

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
	"github.com/Milvasoft/milvaion-sub003/internal/models"
	"github.com/Milvasoft/milvaion-sub003/internal/storage/memory"
)

type detectorFixture struct {
	t        *testing.T
	ctx      context.Context
	jobs     *memory.JobStore
	occs     *memory.OccurrenceStore
	failed   *memory.FailedStore
	fake     *bus.FakeBus
	running  *coordination.RunningSet
	detector *Detector
	now      time.Time
}

func newDetectorFixture(t *testing.T) *detectorFixture {
	t.Helper()
	logger := arbor.NewLogger()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	jobs := memory.NewJobStore()
	occs := memory.NewOccurrenceStore()
	failedStore := memory.NewFailedStore()
	fake := bus.NewFakeBus()
	running := coordination.NewRunningSet(coordination.NewMemStore(), coordination.NewKeys("Milvaion:JobScheduler:"))

	detector := NewDetector(common.ZombieDetectorConfig{
		Enabled:               true,
		CheckIntervalSeconds:  300,
		DefaultTimeoutMinutes: 10,
		BatchSize:             100,
	}, occs, running, failed.NewHandler(common.FailedHandlerConfig{Enabled: true}, failedStore, jobs, fake, logger), logger)

	f := &detectorFixture{
		t:        t,
		ctx:      ctx,
		jobs:     jobs,
		occs:     occs,
		failed:   failedStore,
		fake:     fake,
		running:  running,
		detector: detector,
		now:      time.Now().UTC(),
	}
	detector.now = func() time.Time { return f.now }
	return f
}

func (f *detectorFixture) seed(status models.OccurrenceStatus, age time.Duration, heartbeatAge *time.Duration) (*models.ScheduledJob, *models.JobOccurrence) {
	f.t.Helper()
	job := models.NewScheduledJob("Nightly Report", "build_report", "ReportWorker", f.now)
	require.NoError(f.t, f.jobs.Create(f.ctx, job))
	occ := models.NewOccurrence(job)
	occ.CreatedAt = f.now.Add(-age)
	occ.Status = status
	if heartbeatAge != nil {
		hb := f.now.Add(-*heartbeatAge)
		occ.LastHeartbeat = &hb
	}
	require.NoError(f.t, f.occs.Create(f.ctx, occ))
	return job, occ
}

func TestSweepFailsStaleRunningOccurrence(t *testing.T) {
	f := newDetectorFixture(t)
	job, occ := f.seed(models.StatusRunning, time.Hour, nil)
	marked, err := f.running.TryMark(f.ctx, job.ID)
	require.NoError(t, err)
	require.True(t, marked)

	require.NoError(t, f.detector.Sweep(f.ctx))

	got, err := f.occs.Get(f.ctx, occ.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, got.Status)
	assert.Contains(t, got.Exception, "no heartbeat since")
	require.NotEmpty(t, got.Logs)
	assert.Equal(t, "ZombieDetection", got.Logs[len(got.Logs)-1].Category)
	require.NotEmpty(t, got.StatusChangeLogs)
	assert.Equal(t, models.StatusRunning, got.StatusChangeLogs[len(got.StatusChangeLogs)-1].From)

	held, err := f.running.Contains(f.ctx, job.ID)
	require.NoError(t, err)
	assert.False(t, held)

	row, err := f.failed.GetByOccurrence(f.ctx, occ.ID)
	require.NoError(t, err)
	assert.Equal(t, models.FailureZombieDetection, row.FailureType)
}

func TestSweepSparesOccurrenceWithFreshHeartbeat(t *testing.T) {
	f := newDetectorFixture(t)
	recentBeat := 2 * time.Minute
	_, occ := f.seed(models.StatusRunning, time.Hour, &recentBeat)

	require.NoError(t, f.detector.Sweep(f.ctx))

	got, err := f.occs.Get(f.ctx, occ.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusRunning, got.Status)
}

func TestSweepConvertsUnknownToFailed(t *testing.T) {
	f := newDetectorFixture(t)
	_, occ := f.seed(models.StatusUnknown, time.Hour, nil)

	require.NoError(t, f.detector.Sweep(f.ctx))

	got, err := f.occs.Get(f.ctx, occ.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, got.Status)
}

func TestSweepHonorsPerOccurrenceTimeout(t *testing.T) {
	f := newDetectorFixture(t)

	// 30 minute override: 20 minutes of silence is still fine.
	override := 30
	job := models.NewScheduledJob("Slow Export", "export_data", "ExportWorker", f.now)
	job.ZombieTimeoutMinutes = &override
	require.NoError(t, f.jobs.Create(f.ctx, job))
	occ := models.NewOccurrence(job)
	occ.CreatedAt = f.now.Add(-20 * time.Minute)
	occ.Status = models.StatusRunning
	require.NoError(t, f.occs.Create(f.ctx, occ))

	require.NoError(t, f.detector.Sweep(f.ctx))
	got, err := f.occs.Get(f.ctx, occ.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusRunning, got.Status)

	// Past the override the occurrence is swept.
	f.now = f.now.Add(15 * time.Minute)
	require.NoError(t, f.detector.Sweep(f.ctx))
	got, err = f.occs.Get(f.ctx, occ.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, got.Status)
}

func TestSweepIsIdempotent(t *testing.T) {
	f := newDetectorFixture(t)
	_, occ := f.seed(models.StatusRunning, time.Hour, nil)

	require.NoError(t, f.detector.Sweep(f.ctx))
	require.NoError(t, f.detector.Sweep(f.ctx))

	got, err := f.occs.Get(f.ctx, occ.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, got.Status)

	// Second sweep found nothing; exactly one dead-letter row exists.
	rows, err := f.failed.List(f.ctx, nil, 0)
	require.NoError(t, err)
	assert.Len(t, rows, 1)
}
