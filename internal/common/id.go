package common

import "github.com/google/uuid"

// NewID returns a new random UUID string. Used for job ids, occurrence ids,
// and outbox event ids.
func NewID() string {
	return uuid.New().String()
}

// NewCorrelationID returns the tracing key attached to every message and log
// record belonging to one occurrence.
func NewCorrelationID() string {
	return uuid.New().String()
}
