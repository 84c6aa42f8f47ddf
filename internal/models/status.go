package models

// OccurrenceStatus is the lifecycle state of a single execution attempt.
type OccurrenceStatus string

const (
	StatusQueued    OccurrenceStatus = "Queued"
	StatusRunning   OccurrenceStatus = "Running"
	StatusCompleted OccurrenceStatus = "Completed"
	StatusFailed    OccurrenceStatus = "Failed"
	StatusCancelled OccurrenceStatus = "Cancelled"
	StatusTimedOut  OccurrenceStatus = "TimedOut"
	StatusUnknown   OccurrenceStatus = "Unknown"
)

// IsTerminal reports whether the status is final. Unknown is terminal for
// every consumer except the zombie detector, which alone may move an Unknown
// occurrence to Failed.
func (s OccurrenceStatus) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled, StatusTimedOut, StatusUnknown:
		return true
	}
	return false
}

// FailureType categorises why an occurrence ended up in the dead-letter
// pipeline.
type FailureType string

const (
	FailureUnknown                   FailureType = "Unknown"
	FailureMaxRetriesExceeded        FailureType = "MaxRetriesExceeded"
	FailureTimeout                   FailureType = "Timeout"
	FailureWorkerCrash               FailureType = "WorkerCrash"
	FailureInvalidJobData            FailureType = "InvalidJobData"
	FailureExternalDependencyFailure FailureType = "ExternalDependencyFailure"
	FailureUnhandledException        FailureType = "UnhandledException"
	FailureCancelled                 FailureType = "Cancelled"
	FailureZombieDetection           FailureType = "ZombieDetection"
)

// ConcurrentExecutionPolicy decides what happens when a job fires while its
// previous occurrence is still running.
type ConcurrentExecutionPolicy string

const (
	// PolicySkip drops the new fire without creating an occurrence.
	PolicySkip ConcurrentExecutionPolicy = "Skip"
	// PolicyQueue creates the occurrence in Queued status; the worker-side
	// capacity gate orders execution.
	PolicyQueue ConcurrentExecutionPolicy = "Queue"
)

// WorkerStatus describes a worker instance in the coordination-store registry.
type WorkerStatus string

const (
	WorkerActive   WorkerStatus = "Active"
	WorkerInactive WorkerStatus = "Inactive"
	WorkerZombie   WorkerStatus = "Zombie"
	WorkerShutdown WorkerStatus = "Shutdown"
)
