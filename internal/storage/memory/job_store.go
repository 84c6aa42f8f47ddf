package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/Milvasoft/milvaion-sub003/internal/interfaces"
	"github.com/Milvasoft/milvaion-sub003/internal/models"
)

// JobStore is the in-memory ScheduledJobStore used by tests and the embedded
// single-process mode. Values are deep-copied through JSON on the way in and
// out so callers never share state with the store.
type JobStore struct {
	mu   sync.RWMutex
	jobs map[string]*models.ScheduledJob
}

// NewJobStore creates an empty store.
func NewJobStore() *JobStore {
	return &JobStore{jobs: make(map[string]*models.ScheduledJob)}
}

func (s *JobStore) Create(_ context.Context, job *models.ScheduledJob) error {
	copied, err := copyJob(job)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[job.ID] = copied
	return nil
}

func (s *JobStore) Get(_ context.Context, id string) (*models.ScheduledJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[id]
	if !ok {
		return nil, interfaces.ErrNotFound
	}
	return copyJob(job)
}

func (s *JobStore) GetBatch(_ context.Context, ids []string) ([]*models.ScheduledJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*models.ScheduledJob, 0, len(ids))
	for _, id := range ids {
		if job, ok := s.jobs[id]; ok {
			copied, err := copyJob(job)
			if err != nil {
				return nil, err
			}
			out = append(out, copied)
		}
	}
	return out, nil
}

func (s *JobStore) Update(_ context.Context, job *models.ScheduledJob) error {
	copied, err := copyJob(job)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[job.ID]; !ok {
		return interfaces.ErrNotFound
	}
	s.jobs[job.ID] = copied
	return nil
}

func (s *JobStore) UpdateExecuteAt(_ context.Context, id string, executeAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return interfaces.ErrNotFound
	}
	job.ExecuteAt = executeAt.UTC()
	job.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *JobStore) SetActive(_ context.Context, id string, active bool, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return interfaces.ErrNotFound
	}
	now := time.Now().UTC()
	job.IsActive = active
	job.UpdatedAt = now
	if active {
		job.AutoDisable.DisabledAt = nil
		job.AutoDisable.DisableReason = ""
		job.AutoDisable.ConsecutiveFailureCount = 0
	} else {
		job.AutoDisable.DisabledAt = &now
		job.AutoDisable.DisableReason = reason
	}
	return nil
}

func (s *JobStore) UpdateAutoDisable(_ context.Context, id string, settings models.AutoDisableSettings) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return interfaces.ErrNotFound
	}
	job.AutoDisable = settings
	job.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *JobStore) List(_ context.Context, activeOnly bool, limit int) ([]*models.ScheduledJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.ScheduledJob
	for _, job := range s.jobs {
		if activeOnly && !job.IsActive {
			continue
		}
		copied, err := copyJob(job)
		if err != nil {
			return nil, err
		}
		out = append(out, copied)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExecuteAt.Before(out[j].ExecuteAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func copyJob(job *models.ScheduledJob) (*models.ScheduledJob, error) {
	data, err := job.ToJSON()
	if err != nil {
		return nil, err
	}
	return models.ScheduledJobFromJSON(data)
}
