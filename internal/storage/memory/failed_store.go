package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/Milvasoft/milvaion-sub003/internal/interfaces"
	"github.com/Milvasoft/milvaion-sub003/internal/models"
)

// FailedStore is the in-memory FailedOccurrenceStore.
type FailedStore struct {
	mu           sync.RWMutex
	byOccurrence map[string]*models.FailedOccurrence
}

// NewFailedStore creates an empty store.
func NewFailedStore() *FailedStore {
	return &FailedStore{byOccurrence: make(map[string]*models.FailedOccurrence)}
}

func (s *FailedStore) CreateIfAbsent(_ context.Context, failed *models.FailedOccurrence) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byOccurrence[failed.OccurrenceID]; ok {
		return false, nil
	}
	copied := *failed
	s.byOccurrence[failed.OccurrenceID] = &copied
	return true, nil
}

func (s *FailedStore) GetByOccurrence(_ context.Context, occurrenceID string) (*models.FailedOccurrence, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	failed, ok := s.byOccurrence[occurrenceID]
	if !ok {
		return nil, interfaces.ErrNotFound
	}
	copied := *failed
	return &copied, nil
}

func (s *FailedStore) List(_ context.Context, resolved *bool, limit int) ([]*models.FailedOccurrence, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.FailedOccurrence
	for _, failed := range s.byOccurrence {
		if resolved != nil && failed.Resolved != *resolved {
			continue
		}
		copied := *failed
		out = append(out, &copied)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FailedAt.After(out[j].FailedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
