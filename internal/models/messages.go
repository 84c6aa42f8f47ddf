// -----------------------------------------------------------------------
// Bus message envelopes - JSON schemas shared by dispatcher and workers
// -----------------------------------------------------------------------

package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// DispatchMessage is published by the dispatcher on the jobs topic exchange,
// one per occurrence, routed by the job's routing pattern with the wildcard
// replaced by the correlation id.
type DispatchMessage struct {
	CorrelationID           string          `json:"correlationId"`
	JobID                   string          `json:"jobId"`
	JobName                 string          `json:"jobName"`
	JobData                 json.RawMessage `json:"jobData,omitempty"`
	ExecuteAt               time.Time       `json:"executeAt"`
	ExecutionTimeoutSeconds *int            `json:"executionTimeoutSeconds,omitempty"`
	ZombieTimeoutMinutes    *int            `json:"zombieTimeoutMinutes,omitempty"`
}

// StatusUpdateMessage reports one occurrence state transition from a worker.
// EventID makes redelivery idempotent on (correlationId, eventId).
type StatusUpdateMessage struct {
	EventID          string           `json:"eventId"`
	CorrelationID    string           `json:"correlationId"`
	JobID            string           `json:"jobId"`
	WorkerID         string           `json:"workerId"`
	Status           OccurrenceStatus `json:"status"`
	StartTime        *time.Time       `json:"startTime,omitempty"`
	EndTime          *time.Time       `json:"endTime,omitempty"`
	DurationMs       *int64           `json:"durationMs,omitempty"`
	Result           string           `json:"result,omitempty"`
	Exception        string           `json:"exception,omitempty"`
	FailureType      FailureType      `json:"failureType,omitempty"`
	PermanentFailure bool             `json:"isPermanentFailure,omitempty"`
	MessageTimestamp time.Time        `json:"messageTimestamp"`
}

// LogMessage carries one structured occurrence log record.
type LogMessage struct {
	EventID          string             `json:"eventId"`
	CorrelationID    string             `json:"correlationId"`
	WorkerID         string             `json:"workerId"`
	Log              OccurrenceLogEntry `json:"log"`
	MessageTimestamp time.Time          `json:"messageTimestamp"`
}

// WorkerHeartbeatMessage is the instance-level liveness signal.
type WorkerHeartbeatMessage struct {
	WorkerID    string    `json:"workerId"`
	InstanceID  string    `json:"instanceId"`
	CurrentJobs int       `json:"currentJobs"`
	Timestamp   time.Time `json:"timestamp"`
}

// JobHeartbeatMessage is the per-occurrence liveness signal emitted while a
// job runs.
type JobHeartbeatMessage struct {
	CorrelationID string    `json:"correlationId"`
	JobID         string    `json:"jobId"`
	WorkerID      string    `json:"workerId"`
	InstanceID    string    `json:"instanceId,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
}

// RegistrationMessage announces a worker instance, its routing patterns, and
// the job types it can execute.
type RegistrationMessage struct {
	WorkerID           string            `json:"workerId"`
	InstanceID         string            `json:"instanceId"`
	DisplayName        string            `json:"displayName,omitempty"`
	HostName           string            `json:"hostName,omitempty"`
	IPAddress          string            `json:"ipAddress,omitempty"`
	RoutingPatterns    []string          `json:"routingPatterns"`
	JobDataDefinitions map[string]string `json:"jobDataDefinitions,omitempty"`
	JobTypes           []string          `json:"jobTypes"`
	MaxParallelJobs    int               `json:"maxParallelJobs"`
	Version            string            `json:"version,omitempty"`
	Metadata           map[string]string `json:"metadata,omitempty"`
}

// DLQMessage is the operator-triage payload published on the dead-letter
// exchange.
type DLQMessage struct {
	ID              string           `json:"id"`
	DisplayName     string           `json:"displayName"`
	JobNameInWorker string           `json:"jobNameInWorker"`
	JobData         json.RawMessage  `json:"jobData,omitempty"`
	ExecuteAt       time.Time        `json:"executeAt"`
	Status          OccurrenceStatus `json:"status"`
	Exception       string           `json:"exception,omitempty"`
}

// CancellationMessage is published on the coordination-store cancellation
// channel; any subscribed instance holding the correlation id cancels its run.
type CancellationMessage struct {
	CorrelationID string `json:"correlationId"`
	JobID         string `json:"jobId"`
	OccurrenceID  string `json:"occurrenceId,omitempty"`
	Reason        string `json:"reason,omitempty"`
}

// ToJSON serializes a dispatch message.
func (m *DispatchMessage) ToJSON() ([]byte, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("marshal dispatch message: %w", err)
	}
	return data, nil
}

// DispatchMessageFromJSON deserializes a dispatch message.
func DispatchMessageFromJSON(data []byte) (*DispatchMessage, error) {
	var msg DispatchMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("unmarshal dispatch message: %w", err)
	}
	if msg.CorrelationID == "" {
		return nil, fmt.Errorf("dispatch message missing correlationId")
	}
	return &msg, nil
}

// ToJSON serializes a status update.
func (m *StatusUpdateMessage) ToJSON() ([]byte, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("marshal status update: %w", err)
	}
	return data, nil
}

// StatusUpdateFromJSON deserializes a status update.
func StatusUpdateFromJSON(data []byte) (*StatusUpdateMessage, error) {
	var msg StatusUpdateMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("unmarshal status update: %w", err)
	}
	if msg.CorrelationID == "" {
		return nil, fmt.Errorf("status update missing correlationId")
	}
	return &msg, nil
}

// ToJSON serializes a log message.
func (m *LogMessage) ToJSON() ([]byte, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("marshal log message: %w", err)
	}
	return data, nil
}

// LogMessageFromJSON deserializes a log message.
func LogMessageFromJSON(data []byte) (*LogMessage, error) {
	var msg LogMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("unmarshal log message: %w", err)
	}
	return &msg, nil
}

// ToJSON serializes a job heartbeat.
func (m *JobHeartbeatMessage) ToJSON() ([]byte, error) {
	return json.Marshal(m)
}

// JobHeartbeatFromJSON deserializes a job heartbeat.
func JobHeartbeatFromJSON(data []byte) (*JobHeartbeatMessage, error) {
	var msg JobHeartbeatMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("unmarshal job heartbeat: %w", err)
	}
	return &msg, nil
}

// ToJSON serializes a worker heartbeat.
func (m *WorkerHeartbeatMessage) ToJSON() ([]byte, error) {
	return json.Marshal(m)
}

// WorkerHeartbeatFromJSON deserializes a worker heartbeat.
func WorkerHeartbeatFromJSON(data []byte) (*WorkerHeartbeatMessage, error) {
	var msg WorkerHeartbeatMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("unmarshal worker heartbeat: %w", err)
	}
	return &msg, nil
}

// ToJSON serializes a registration message.
func (m *RegistrationMessage) ToJSON() ([]byte, error) {
	return json.Marshal(m)
}

// RegistrationFromJSON deserializes a registration message.
func RegistrationFromJSON(data []byte) (*RegistrationMessage, error) {
	var msg RegistrationMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("unmarshal registration: %w", err)
	}
	return &msg, nil
}

// ToJSON serializes a DLQ message.
func (m *DLQMessage) ToJSON() ([]byte, error) {
	return json.Marshal(m)
}

// ToJSON serializes a cancellation message.
func (m *CancellationMessage) ToJSON() ([]byte, error) {
	return json.Marshal(m)
}

// CancellationFromJSON deserializes a cancellation message.
func CancellationFromJSON(data []byte) (*CancellationMessage, error) {
	var msg CancellationMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("unmarshal cancellation: %w", err)
	}
	return &msg, nil
}
