package coordination

import (
	"context"
	"time"

	"github.com/Milvasoft/milvaion-sub003/internal/interfaces"
	"github.com/Milvasoft/milvaion-sub003/internal/models"
)

// JobCacheTTL bounds coordination-store staleness; the cache is invalidated
// on every definition write.
const JobCacheTTL = 24 * time.Hour

// JobCache caches job definitions in the coordination store so dispatcher
// ticks avoid a database round trip per job.
type JobCache struct {
	store interfaces.CoordinationStore
	keys  Keys
}

// NewJobCache wraps the per-job cache keys.
func NewJobCache(store interfaces.CoordinationStore, keys Keys) *JobCache {
	return &JobCache{store: store, keys: keys}
}

// Get returns the cached definition, if present and parseable. A corrupt
// entry is treated as a miss.
func (c *JobCache) Get(ctx context.Context, jobID string) (*models.ScheduledJob, bool, error) {
	fields, err := c.store.HGetAll(ctx, c.keys.JobCache(jobID))
	if err != nil {
		return nil, false, err
	}
	raw, ok := fields["definition"]
	if !ok {
		return nil, false, nil
	}
	job, err := models.ScheduledJobFromJSON([]byte(raw))
	if err != nil {
		return nil, false, nil
	}
	return job, true, nil
}

// Put stores the definition with the cache TTL.
func (c *JobCache) Put(ctx context.Context, job *models.ScheduledJob) error {
	data, err := job.ToJSON()
	if err != nil {
		return err
	}
	key := c.keys.JobCache(job.ID)
	if err := c.store.HSet(ctx, key, map[string]string{"definition": string(data)}); err != nil {
		return err
	}
	return c.store.Expire(ctx, key, JobCacheTTL)
}

// Invalidate removes the cached definition (called on every write).
func (c *JobCache) Invalidate(ctx context.Context, jobID string) error {
	return c.store.Del(ctx, c.keys.JobCache(jobID))
}
