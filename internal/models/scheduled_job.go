package models

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
)

// ScheduledJob is the persistent job definition, owned by the control plane.
// Workers never write it.
type ScheduledJob struct {
	ID          string   `json:"id"`
	DisplayName string   `json:"displayName"`
	Description string   `json:"description,omitempty"`
	Tags        []string `json:"tags,omitempty"`

	// JobNameInWorker routes to user code registered on the worker.
	JobNameInWorker string `json:"jobNameInWorker"`
	// RoutingPattern is the bus routing key template. Auto-generated as
	// "<workerIdLower>.<jobNameLower>.*" when absent.
	RoutingPattern string `json:"routingPattern,omitempty"`

	JobData json.RawMessage `json:"jobData,omitempty"`

	// ExecuteAt is the next fire time in UTC. For cron jobs it is advanced
	// after every dispatch.
	ExecuteAt      time.Time `json:"executeAt"`
	CronExpression string    `json:"cronExpression,omitempty"`

	IsActive bool                      `json:"isActive"`
	Policy   ConcurrentExecutionPolicy `json:"concurrentExecutionPolicy"`
	WorkerID string                    `json:"workerId"`

	// Per-job overrides; nil falls back to the global/worker defaults.
	ZombieTimeoutMinutes    *int `json:"zombieTimeoutMinutes,omitempty"`
	ExecutionTimeoutSeconds *int `json:"executionTimeoutSeconds,omitempty"`

	Version     int          `json:"version"`
	JobVersions []JobVersion `json:"jobVersions,omitempty"`

	AutoDisable AutoDisableSettings `json:"autoDisableSettings"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// JobVersion is one entry in the append-only definition history, written on
// every definition change.
type JobVersion struct {
	Version   int             `json:"version"`
	ChangedAt time.Time       `json:"changedAt"`
	Snapshot  json.RawMessage `json:"snapshot,omitempty"`
}

// AutoDisableSettings is the per-job failure circuit breaker state.
type AutoDisableSettings struct {
	Enabled                 *bool      `json:"enabled,omitempty"`   // nil = tracker default
	Threshold               *int       `json:"threshold,omitempty"` // nil = tracker default
	ConsecutiveFailureCount int        `json:"consecutiveFailureCount"`
	LastFailureTime         *time.Time `json:"lastFailureTime,omitempty"`
	DisabledAt              *time.Time `json:"disabledAt,omitempty"`
	DisableReason           string     `json:"disableReason,omitempty"`
}

// NewScheduledJob creates a one-shot job definition firing at executeAt.
func NewScheduledJob(displayName, jobNameInWorker, workerID string, executeAt time.Time) *ScheduledJob {
	now := time.Now().UTC()
	return &ScheduledJob{
		ID:              uuid.New().String(),
		DisplayName:     displayName,
		JobNameInWorker: jobNameInWorker,
		WorkerID:        workerID,
		ExecuteAt:       executeAt.UTC(),
		IsActive:        true,
		Policy:          PolicySkip,
		Version:         1,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
}

// IsCron reports whether the job recurs.
func (j *ScheduledJob) IsCron() bool {
	return j.CronExpression != ""
}

// EffectiveRoutingPattern returns the configured pattern or the generated
// "<workerIdLower>.<jobNameLower>.*" default.
func (j *ScheduledJob) EffectiveRoutingPattern() string {
	if j.RoutingPattern != "" {
		return j.RoutingPattern
	}
	return fmt.Sprintf("%s.%s.*", strings.ToLower(j.WorkerID), strings.ToLower(j.JobNameInWorker))
}

// RoutingKeyFor builds the concrete dispatch routing key by replacing the
// pattern's trailing wildcard with the correlation id.
func (j *ScheduledJob) RoutingKeyFor(correlationID string) string {
	pattern := j.EffectiveRoutingPattern()
	if strings.HasSuffix(pattern, ".*") {
		return pattern[:len(pattern)-1] + correlationID
	}
	return pattern + "." + correlationID
}

// NextCronAfter evaluates the job's cron expression in UTC and returns the
// first fire time strictly after t. Fire times already in the past are
// advanced repeatedly.
func (j *ScheduledJob) NextCronAfter(t time.Time) (time.Time, error) {
	if !j.IsCron() {
		return time.Time{}, fmt.Errorf("job %s has no cron expression", j.ID)
	}
	schedule, err := cron.ParseStandard(j.CronExpression)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse cron expression %q: %w", j.CronExpression, err)
	}
	next := schedule.Next(t.UTC())
	now := time.Now().UTC()
	for !next.After(now) && !next.IsZero() {
		next = schedule.Next(next)
	}
	if next.IsZero() {
		return time.Time{}, fmt.Errorf("cron expression %q yields no future fire time", j.CronExpression)
	}
	return next, nil
}

// BumpVersion appends the current definition to the version history and
// increments the monotonic version counter.
func (j *ScheduledJob) BumpVersion() {
	snapshot, _ := json.Marshal(struct {
		DisplayName    string          `json:"displayName"`
		CronExpression string          `json:"cronExpression,omitempty"`
		JobData        json.RawMessage `json:"jobData,omitempty"`
		ExecuteAt      time.Time       `json:"executeAt"`
	}{j.DisplayName, j.CronExpression, j.JobData, j.ExecuteAt})

	j.JobVersions = append(j.JobVersions, JobVersion{
		Version:   j.Version,
		ChangedAt: time.Now().UTC(),
		Snapshot:  snapshot,
	})
	j.Version++
	j.UpdatedAt = time.Now().UTC()
}

// Validate checks the definition before it is persisted or cached.
func (j *ScheduledJob) Validate() error {
	if j.ID == "" {
		return fmt.Errorf("job id is required")
	}
	if j.JobNameInWorker == "" {
		return fmt.Errorf("jobNameInWorker is required")
	}
	if j.WorkerID == "" {
		return fmt.Errorf("workerId is required")
	}
	if j.Policy != PolicySkip && j.Policy != PolicyQueue {
		return fmt.Errorf("unknown concurrent execution policy %q", j.Policy)
	}
	if j.IsCron() {
		if _, err := cron.ParseStandard(j.CronExpression); err != nil {
			return fmt.Errorf("invalid cron expression %q: %w", j.CronExpression, err)
		}
	}
	return nil
}

// ToJSON serializes the job for the coordination-store cache.
func (j *ScheduledJob) ToJSON() ([]byte, error) {
	data, err := json.Marshal(j)
	if err != nil {
		return nil, fmt.Errorf("marshal scheduled job: %w", err)
	}
	return data, nil
}

// ScheduledJobFromJSON deserializes a cached job definition.
func ScheduledJobFromJSON(data []byte) (*ScheduledJob, error) {
	var job ScheduledJob
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, fmt.Errorf("unmarshal scheduled job: %w", err)
	}
	return &job, nil
}
