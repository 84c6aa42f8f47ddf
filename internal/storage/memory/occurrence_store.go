package memory

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/Milvasoft/milvaion-sub003/internal/interfaces"
	"github.com/Milvasoft/milvaion-sub003/internal/models"
)

// OccurrenceStore is the in-memory OccurrenceStore. Batch updates are atomic
// under the store mutex, mirroring the transactional Postgres behavior.
type OccurrenceStore struct {
	mu            sync.RWMutex
	byID          map[string]*models.JobOccurrence
	byCorrelation map[string]string // correlationId -> id
}

// NewOccurrenceStore creates an empty store.
func NewOccurrenceStore() *OccurrenceStore {
	return &OccurrenceStore{
		byID:          make(map[string]*models.JobOccurrence),
		byCorrelation: make(map[string]string),
	}
}

func (s *OccurrenceStore) Create(_ context.Context, occ *models.JobOccurrence) error {
	copied, err := copyOccurrence(occ)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byID[occ.ID] = copied
	s.byCorrelation[occ.CorrelationID] = occ.ID
	return nil
}

func (s *OccurrenceStore) Get(_ context.Context, id string) (*models.JobOccurrence, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	occ, ok := s.byID[id]
	if !ok {
		return nil, interfaces.ErrNotFound
	}
	return copyOccurrence(occ)
}

func (s *OccurrenceStore) GetByCorrelation(_ context.Context, correlationID string) (*models.JobOccurrence, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byCorrelation[correlationID]
	if !ok {
		return nil, interfaces.ErrNotFound
	}
	return copyOccurrence(s.byID[id])
}

func (s *OccurrenceStore) Update(ctx context.Context, occ *models.JobOccurrence) error {
	return s.UpdateBatch(ctx, []*models.JobOccurrence{occ})
}

// UpdateBatch applies every update or none: the batch is validated before any
// write happens.
func (s *OccurrenceStore) UpdateBatch(_ context.Context, occs []*models.JobOccurrence) error {
	copies := make([]*models.JobOccurrence, 0, len(occs))
	for _, occ := range occs {
		copied, err := copyOccurrence(occ)
		if err != nil {
			return err
		}
		copies = append(copies, copied)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, occ := range copies {
		if _, ok := s.byID[occ.ID]; !ok {
			return interfaces.ErrNotFound
		}
	}
	for _, occ := range copies {
		s.byID[occ.ID] = occ
		s.byCorrelation[occ.CorrelationID] = occ.ID
	}
	return nil
}

func (s *OccurrenceStore) AppendLogs(_ context.Context, correlationID string, entries []models.OccurrenceLogEntry) error {
	if len(entries) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.byCorrelation[correlationID]
	if !ok {
		return interfaces.ErrNotFound
	}
	occ := s.byID[id]
	occ.Logs = append(occ.Logs, entries...)
	return nil
}

func (s *OccurrenceStore) UpdateHeartbeat(_ context.Context, correlationID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.byCorrelation[correlationID]
	if !ok {
		return interfaces.ErrNotFound
	}
	utc := at.UTC()
	s.byID[id].LastHeartbeat = &utc
	return nil
}

func (s *OccurrenceStore) ListRetryDue(_ context.Context, now time.Time, limit int) ([]*models.JobOccurrence, error) {
	return s.list(limit, func(o *models.JobOccurrence) bool {
		return o.Status == models.StatusQueued &&
			o.NextDispatchRetryAt != nil && !o.NextDispatchRetryAt.After(now)
	})
}

func (s *OccurrenceStore) ListZombies(_ context.Context, now time.Time, defaultTimeout time.Duration, limit int) ([]*models.JobOccurrence, error) {
	return s.list(limit, func(o *models.JobOccurrence) bool {
		switch o.Status {
		case models.StatusQueued, models.StatusRunning, models.StatusUnknown:
			return !o.ZombieDeadline(defaultTimeout).After(now)
		default:
			return false
		}
	})
}

func (s *OccurrenceStore) ListByStatus(_ context.Context, status models.OccurrenceStatus, limit int) ([]*models.JobOccurrence, error) {
	return s.list(limit, func(o *models.JobOccurrence) bool {
		return o.Status == status
	})
}

func (s *OccurrenceStore) ListRunningByJob(_ context.Context, jobID string) ([]*models.JobOccurrence, error) {
	return s.list(0, func(o *models.JobOccurrence) bool {
		return o.JobID == jobID && (o.Status == models.StatusQueued || o.Status == models.StatusRunning)
	})
}

func (s *OccurrenceStore) list(limit int, match func(*models.JobOccurrence) bool) ([]*models.JobOccurrence, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.JobOccurrence
	for _, occ := range s.byID {
		if !match(occ) {
			continue
		}
		copied, err := copyOccurrence(occ)
		if err != nil {
			return nil, err
		}
		out = append(out, copied)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func copyOccurrence(occ *models.JobOccurrence) (*models.JobOccurrence, error) {
	data, err := occ.ToJSON()
	if err != nil {
		return nil, err
	}
	var copied models.JobOccurrence
	if err := json.Unmarshal(data, &copied); err != nil {
		return nil, err
	}
	return &copied, nil
}
