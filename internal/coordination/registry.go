package coordination

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/Milvasoft/milvaion-sub003/internal/interfaces"
	"github.com/Milvasoft/milvaion-sub003/internal/models"
)

// WorkerRegistry tracks worker groups, their instances, and the per-job-type
// capacity counters. Registry state lives only in the coordination store.
type WorkerRegistry struct {
	store interfaces.CoordinationStore
	keys  Keys
}

// NewWorkerRegistry wraps the worker registry keys.
func NewWorkerRegistry(store interfaces.CoordinationStore, keys Keys) *WorkerRegistry {
	return &WorkerRegistry{store: store, keys: keys}
}

// Register records or refreshes an instance under its worker group.
func (r *WorkerRegistry) Register(ctx context.Context, instance *models.WorkerInstance) error {
	data, err := json.Marshal(instance)
	if err != nil {
		return err
	}
	return r.store.HSet(ctx, r.keys.Worker(instance.WorkerID), map[string]string{
		"instance:" + instance.InstanceID: string(data),
	})
}

// Heartbeat refreshes an instance's liveness and load.
func (r *WorkerRegistry) Heartbeat(ctx context.Context, workerID, instanceID string, currentJobs int, at time.Time) error {
	instance, err := r.Instance(ctx, workerID, instanceID)
	if err != nil {
		return err
	}
	if instance == nil {
		instance = &models.WorkerInstance{WorkerID: workerID, InstanceID: instanceID}
	}
	instance.CurrentJobs = currentJobs
	instance.LastHeartbeat = at.UTC()
	instance.Status = models.WorkerActive
	return r.Register(ctx, instance)
}

// Instance returns one registered instance or nil.
func (r *WorkerRegistry) Instance(ctx context.Context, workerID, instanceID string) (*models.WorkerInstance, error) {
	fields, err := r.store.HGetAll(ctx, r.keys.Worker(workerID))
	if err != nil {
		return nil, err
	}
	raw, ok := fields["instance:"+instanceID]
	if !ok {
		return nil, nil
	}
	var instance models.WorkerInstance
	if err := json.Unmarshal([]byte(raw), &instance); err != nil {
		return nil, err
	}
	return &instance, nil
}

// Instances lists every registered instance of a worker group.
func (r *WorkerRegistry) Instances(ctx context.Context, workerID string) ([]*models.WorkerInstance, error) {
	fields, err := r.store.HGetAll(ctx, r.keys.Worker(workerID))
	if err != nil {
		return nil, err
	}
	out := make([]*models.WorkerInstance, 0, len(fields))
	for _, raw := range fields {
		var instance models.WorkerInstance
		if err := json.Unmarshal([]byte(raw), &instance); err != nil {
			continue
		}
		out = append(out, &instance)
	}
	return out, nil
}

// TryAcquireConsumerSlot atomically increments the per-(worker, job type)
// counter and checks it against maxParallel. On overflow the increment is
// rolled back and false is returned.
func (r *WorkerRegistry) TryAcquireConsumerSlot(ctx context.Context, workerID, jobName string, maxParallel int) (bool, error) {
	if maxParallel <= 0 {
		return true, nil
	}
	key := r.keys.ConsumerSlots(workerID, jobName)
	count, err := r.store.IncrBy(ctx, key, 1)
	if err != nil {
		return false, err
	}
	if count > int64(maxParallel) {
		_, _ = r.store.IncrBy(ctx, key, -1)
		return false, nil
	}
	return true, nil
}

// ReleaseConsumerSlot decrements the per-type counter, flooring at zero.
func (r *WorkerRegistry) ReleaseConsumerSlot(ctx context.Context, workerID, jobName string, maxParallel int) error {
	if maxParallel <= 0 {
		return nil
	}
	key := r.keys.ConsumerSlots(workerID, jobName)
	count, err := r.store.IncrBy(ctx, key, -1)
	if err != nil {
		return err
	}
	if count < 0 {
		return r.store.Set(ctx, key, strconv.Itoa(0), 0)
	}
	return nil
}
