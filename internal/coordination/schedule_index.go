package coordination

import (
	"context"
	"time"

	"github.com/Milvasoft/milvaion-sub003/internal/interfaces"
)

// ScheduleIndex is the time-ordered set the dispatcher polls: member is the
// jobId, score is executeAt in unix seconds.
type ScheduleIndex struct {
	store interfaces.CoordinationStore
	keys  Keys
}

// NewScheduleIndex wraps the coordination store's scheduled-jobs ZSET.
func NewScheduleIndex(store interfaces.CoordinationStore, keys Keys) *ScheduleIndex {
	return &ScheduleIndex{store: store, keys: keys}
}

// Add inserts or moves a job's next fire time.
func (i *ScheduleIndex) Add(ctx context.Context, jobID string, executeAt time.Time) error {
	return i.store.ZAdd(ctx, i.keys.ScheduleIndex(), interfaces.ZMember{
		Member: jobID,
		Score:  float64(executeAt.UTC().Unix()),
	})
}

// Remove deletes a job from the index (one-shot dispatched, job deleted or
// deactivated).
func (i *ScheduleIndex) Remove(ctx context.Context, jobIDs ...string) error {
	if len(jobIDs) == 0 {
		return nil
	}
	return i.store.ZRem(ctx, i.keys.ScheduleIndex(), jobIDs...)
}

// Due returns up to limit jobIds whose fire time is at or before now. A job
// with executeAt exactly equal to now is due on the current tick.
func (i *ScheduleIndex) Due(ctx context.Context, now time.Time, limit int) ([]string, error) {
	return i.store.ZRangeByScore(ctx, i.keys.ScheduleIndex(), 0, float64(now.UTC().Unix()), limit)
}

// NextFire returns the indexed fire time for a job, if present.
func (i *ScheduleIndex) NextFire(ctx context.Context, jobID string) (time.Time, bool, error) {
	score, ok, err := i.store.ZScore(ctx, i.keys.ScheduleIndex(), jobID)
	if err != nil || !ok {
		return time.Time{}, ok, err
	}
	return time.Unix(int64(score), 0).UTC(), true, nil
}
