package models

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// DispatchRetryBase is the first dispatch-retry delay; retry n waits
// 2^n * DispatchRetryBase, capped at DispatchRetryCap.
const (
	DispatchRetryBase = 10 * time.Second
	DispatchRetryCap  = 10 * time.Minute
)

// JobOccurrence is one execution attempt of a scheduled job: one database row,
// one correlation id. Created by the dispatcher, mutated only by the status
// tracker and the zombie detector.
type JobOccurrence struct {
	ID            string `json:"id"`
	JobID         string `json:"jobId"`
	JobName       string `json:"jobName"`    // snapshot of jobNameInWorker
	JobVersion    int    `json:"jobVersion"` // definition version at dispatch
	CorrelationID string `json:"correlationId"`
	WorkerID      string `json:"workerId"`

	Status OccurrenceStatus `json:"status"`

	CreatedAt  time.Time  `json:"createdAt"`
	StartTime  *time.Time `json:"startTime,omitempty"`
	EndTime    *time.Time `json:"endTime,omitempty"`
	DurationMs *int64     `json:"durationMs,omitempty"`

	Result    string `json:"result,omitempty"`
	Exception string `json:"exception,omitempty"`

	Logs             []OccurrenceLogEntry `json:"logs,omitempty"`
	StatusChangeLogs []StatusChangeLog    `json:"statusChangeLogs,omitempty"`

	DispatchRetryCount  int        `json:"dispatchRetryCount"`
	NextDispatchRetryAt *time.Time `json:"nextDispatchRetryAt,omitempty"`

	LastHeartbeat *time.Time `json:"lastHeartbeat,omitempty"`

	// Snapshotted overrides; nil falls back to global defaults.
	ZombieTimeoutMinutes    *int `json:"zombieTimeoutMinutes,omitempty"`
	ExecutionTimeoutSeconds *int `json:"executionTimeoutSeconds,omitempty"`
}

// OccurrenceLogEntry is one structured log record emitted by user code or the
// framework while the occurrence runs.
type OccurrenceLogEntry struct {
	Timestamp     time.Time       `json:"timestamp"`
	Level         string          `json:"level"`
	Message       string          `json:"message"`
	Category      string          `json:"category,omitempty"`
	Data          json.RawMessage `json:"data,omitempty"`
	ExceptionType string          `json:"exceptionType,omitempty"`
}

// StatusChangeLog records one transition in the occurrence lifecycle.
type StatusChangeLog struct {
	Timestamp time.Time        `json:"timestamp"`
	From      OccurrenceStatus `json:"from"`
	To        OccurrenceStatus `json:"to"`
}

// NewOccurrence materialises an occurrence for a job at dispatch time,
// snapshotting name, version, and timeout overrides.
func NewOccurrence(job *ScheduledJob) *JobOccurrence {
	return &JobOccurrence{
		ID:                      uuid.New().String(),
		JobID:                   job.ID,
		JobName:                 job.JobNameInWorker,
		JobVersion:              job.Version,
		CorrelationID:           uuid.New().String(),
		WorkerID:                job.WorkerID,
		Status:                  StatusQueued,
		CreatedAt:               time.Now().UTC(),
		ZombieTimeoutMinutes:    job.ZombieTimeoutMinutes,
		ExecutionTimeoutSeconds: job.ExecutionTimeoutSeconds,
	}
}

// ApplyTransition moves the occurrence to a new status and appends the status
// change log entry. Callers are responsible for the transition rules; this is
// the mechanical part.
func (o *JobOccurrence) ApplyTransition(to OccurrenceStatus, at time.Time) {
	o.StatusChangeLogs = append(o.StatusChangeLogs, StatusChangeLog{
		Timestamp: at,
		From:      o.Status,
		To:        to,
	})
	o.Status = to
}

// SetTimes records start/end and the derived duration.
func (o *JobOccurrence) SetTimes(start, end *time.Time) {
	if start != nil {
		s := start.UTC()
		o.StartTime = &s
	}
	if end != nil {
		e := end.UTC()
		o.EndTime = &e
	}
	if o.StartTime != nil && o.EndTime != nil {
		ms := o.EndTime.Sub(*o.StartTime).Milliseconds()
		o.DurationMs = &ms
	}
}

// IsTerminal reports whether the occurrence reached a final status.
func (o *JobOccurrence) IsTerminal() bool {
	return o.Status.IsTerminal()
}

// ScheduleDispatchRetry bumps the retry counter and computes the next retry
// instant using capped exponential backoff.
func (o *JobOccurrence) ScheduleDispatchRetry(now time.Time) {
	delay := DispatchRetryDelay(o.DispatchRetryCount)
	o.DispatchRetryCount++
	next := now.Add(delay)
	o.NextDispatchRetryAt = &next
}

// DispatchRetryDelay returns 2^retry * base, capped.
func DispatchRetryDelay(retry int) time.Duration {
	delay := DispatchRetryBase
	for i := 0; i < retry; i++ {
		delay *= 2
		if delay >= DispatchRetryCap {
			return DispatchRetryCap
		}
	}
	return delay
}

// ZombieDeadline returns the instant after which the occurrence counts as
// abandoned, measured from the last heartbeat (or creation when no heartbeat
// arrived) plus the per-occurrence threshold or the supplied default.
func (o *JobOccurrence) ZombieDeadline(defaultTimeout time.Duration) time.Time {
	timeout := defaultTimeout
	if o.ZombieTimeoutMinutes != nil {
		timeout = time.Duration(*o.ZombieTimeoutMinutes) * time.Minute
	}
	base := o.CreatedAt
	if o.LastHeartbeat != nil {
		base = *o.LastHeartbeat
	}
	return base.Add(timeout)
}

// ToJSON serializes the occurrence.
func (o *JobOccurrence) ToJSON() ([]byte, error) {
	data, err := json.Marshal(o)
	if err != nil {
		return nil, fmt.Errorf("marshal occurrence: %w", err)
	}
	return data, nil
}
