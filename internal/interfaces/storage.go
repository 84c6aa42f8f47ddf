package interfaces

import (
	"context"
	"errors"
	"time"

	"github.com/Milvasoft/milvaion-sub003/internal/models"
)

// ErrNotFound is returned by every store when the requested row does not
// exist.
var ErrNotFound = errors.New("not found")

// ScheduledJobStore persists job definitions. The control plane is the only
// writer.
type ScheduledJobStore interface {
	Create(ctx context.Context, job *models.ScheduledJob) error
	Get(ctx context.Context, id string) (*models.ScheduledJob, error)
	GetBatch(ctx context.Context, ids []string) ([]*models.ScheduledJob, error)
	// Update bumps the version history; callers call BumpVersion first.
	Update(ctx context.Context, job *models.ScheduledJob) error
	// UpdateExecuteAt advances the next fire time after a dispatch.
	UpdateExecuteAt(ctx context.Context, id string, executeAt time.Time) error
	// SetActive toggles dispatching and records the auto-disable fields.
	SetActive(ctx context.Context, id string, active bool, reason string) error
	// UpdateAutoDisable persists the failure-counter state.
	UpdateAutoDisable(ctx context.Context, id string, settings models.AutoDisableSettings) error
	List(ctx context.Context, activeOnly bool, limit int) ([]*models.ScheduledJob, error)
}

// OccurrenceStore persists execution attempts. UpdateBatch is transactional:
// either every occurrence in the batch is written or none is.
type OccurrenceStore interface {
	Create(ctx context.Context, occ *models.JobOccurrence) error
	Get(ctx context.Context, id string) (*models.JobOccurrence, error)
	GetByCorrelation(ctx context.Context, correlationID string) (*models.JobOccurrence, error)
	Update(ctx context.Context, occ *models.JobOccurrence) error
	UpdateBatch(ctx context.Context, occs []*models.JobOccurrence) error
	AppendLogs(ctx context.Context, correlationID string, entries []models.OccurrenceLogEntry) error
	UpdateHeartbeat(ctx context.Context, correlationID string, at time.Time) error
	// ListRetryDue returns Queued occurrences whose nextDispatchRetryAt <= now.
	ListRetryDue(ctx context.Context, now time.Time, limit int) ([]*models.JobOccurrence, error)
	// ListZombies returns Queued/Running/Unknown occurrences past their
	// zombie deadline (per-occurrence override, else defaultTimeout).
	ListZombies(ctx context.Context, now time.Time, defaultTimeout time.Duration, limit int) ([]*models.JobOccurrence, error)
	ListByStatus(ctx context.Context, status models.OccurrenceStatus, limit int) ([]*models.JobOccurrence, error)
	// ListRunningByJob returns non-terminal occurrences for one job.
	ListRunningByJob(ctx context.Context, jobID string) ([]*models.JobOccurrence, error)
}

// FailedOccurrenceStore persists dead-letter rows.
type FailedOccurrenceStore interface {
	// CreateIfAbsent inserts the row unless one already exists for the same
	// occurrence id; it reports whether the insert happened.
	CreateIfAbsent(ctx context.Context, failed *models.FailedOccurrence) (bool, error)
	GetByOccurrence(ctx context.Context, occurrenceID string) (*models.FailedOccurrence, error)
	List(ctx context.Context, resolved *bool, limit int) ([]*models.FailedOccurrence, error)
}
