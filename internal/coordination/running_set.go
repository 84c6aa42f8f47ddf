package coordination

import (
	"context"

	"github.com/Milvasoft/milvaion-sub003/internal/interfaces"
)

// RunningSet tracks which jobs currently have an active occurrence. The
// per-job marker is a SETNX key (the atomic test-and-set the Skip policy
// depends on); the companion set supports enumeration for the watchdog.
type RunningSet struct {
	store interfaces.CoordinationStore
	keys  Keys
}

// NewRunningSet wraps the running-set keys.
func NewRunningSet(store interfaces.CoordinationStore, keys Keys) *RunningSet {
	return &RunningSet{store: store, keys: keys}
}

// TryMark atomically marks the job as running. Returns false when another
// occurrence already holds the marker. The marker has no TTL; it is released
// by the status tracker on terminal status, by the dispatcher's compensating
// delete on dispatch failure, or by the watchdog sweep.
func (r *RunningSet) TryMark(ctx context.Context, jobID string) (bool, error) {
	ok, err := r.store.SetNX(ctx, r.keys.JobLock(jobID), "1", 0)
	if err != nil || !ok {
		return ok, err
	}
	if err := r.store.SAdd(ctx, r.keys.RunningSet(), jobID); err != nil {
		// Roll the marker back so a failed enumeration insert cannot wedge
		// the job under Skip policy.
		_ = r.store.Del(ctx, r.keys.JobLock(jobID))
		return false, err
	}
	return true, nil
}

// Unmark releases the running marker.
func (r *RunningSet) Unmark(ctx context.Context, jobID string) error {
	if err := r.store.SRem(ctx, r.keys.RunningSet(), jobID); err != nil {
		return err
	}
	return r.store.Del(ctx, r.keys.JobLock(jobID))
}

// Contains reports whether the job holds a running marker.
func (r *RunningSet) Contains(ctx context.Context, jobID string) (bool, error) {
	return r.store.SIsMember(ctx, r.keys.RunningSet(), jobID)
}

// Members returns every marked jobId (watchdog sweep input).
func (r *RunningSet) Members(ctx context.Context) ([]string, error) {
	return r.store.SMembers(ctx, r.keys.RunningSet())
}
