package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// FailedOccurrence is the dead-letter table row created when an occurrence
// exhausts its retries or fails permanently. Exactly one row exists per
// source occurrence.
type FailedOccurrence struct {
	ID              string          `json:"id"`
	JobID           string          `json:"jobId"`
	OccurrenceID    string          `json:"occurrenceId"`
	CorrelationID   string          `json:"correlationId"`
	DisplayName     string          `json:"displayName"`
	JobNameInWorker string          `json:"jobNameInWorker"`
	WorkerID        string          `json:"workerId"`
	LastPayload     json.RawMessage `json:"lastPayload,omitempty"`
	Exception       string          `json:"exception,omitempty"`
	RetryCount      int             `json:"retryCount"`
	FailureType     FailureType     `json:"failureType"`
	FailedAt        time.Time       `json:"failedAt"`

	// Resolution fields are written by external operator tooling and do not
	// affect future scheduling.
	Resolved         bool       `json:"resolved"`
	ResolvedAt       *time.Time `json:"resolvedAt,omitempty"`
	ResolvedBy       string     `json:"resolvedBy,omitempty"`
	ResolutionNote   string     `json:"resolutionNote,omitempty"`
	ResolutionAction string     `json:"resolutionAction,omitempty"`
}

// NewFailedOccurrence copies the triage fields from a terminal occurrence.
func NewFailedOccurrence(occ *JobOccurrence, displayName string, payload json.RawMessage, failureType FailureType) *FailedOccurrence {
	return &FailedOccurrence{
		ID:              uuid.New().String(),
		JobID:           occ.JobID,
		OccurrenceID:    occ.ID,
		CorrelationID:   occ.CorrelationID,
		DisplayName:     displayName,
		JobNameInWorker: occ.JobName,
		WorkerID:        occ.WorkerID,
		LastPayload:     payload,
		Exception:       occ.Exception,
		RetryCount:      occ.DispatchRetryCount,
		FailureType:     failureType,
		FailedAt:        time.Now().UTC(),
	}
}
