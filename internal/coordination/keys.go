package coordination

// Keys holds the coordination-store key names under a configurable prefix
// (default "Milvaion:JobScheduler:"). All components in a cluster must share
// the same prefix.
type Keys struct {
	prefix string
}

// NewKeys builds the key namespace for a prefix.
func NewKeys(prefix string) Keys {
	return Keys{prefix: prefix}
}

// ScheduleIndex is the time-ordered set mapping jobId -> executeAt (unix s).
func (k Keys) ScheduleIndex() string { return k.prefix + "scheduled_jobs" }

// RunningSet is the set of jobIds with an active Running occurrence.
func (k Keys) RunningSet() string { return k.prefix + "running" }

// JobLock is the per-job mutual-exclusion marker.
func (k Keys) JobLock(jobID string) string { return k.prefix + "lock:" + jobID }

// JobCache is the cached job definition hash.
func (k Keys) JobCache(jobID string) string { return k.prefix + "job:" + jobID }

// Worker is the per-worker-group registry hash.
func (k Keys) Worker(workerID string) string { return k.prefix + "worker:" + workerID }

// ConsumerSlots is the per-(worker, job type) capacity counter.
func (k Keys) ConsumerSlots(workerID, jobName string) string {
	return k.prefix + "consumer_slots:" + workerID + ":" + jobName
}

// LeaderLease is the dispatcher leadership lease key.
func (k Keys) LeaderLease() string { return k.prefix + "dispatcher_leader" }

// CancellationChannel is the pub/sub channel for cancellation requests.
func (k Keys) CancellationChannel() string { return k.prefix + "cancellation_channel" }
