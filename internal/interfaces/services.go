package interfaces

import (
	"context"

	"github.com/Milvasoft/milvaion-sub003/internal/models"
)

// Component is the common lifecycle contract for the long-running pieces of
// the control plane and the worker runtime. Start returns after background
// loops are launched; Stop blocks until they drain.
type Component interface {
	Start(ctx context.Context) error
	Stop()
}

// FailedHandler routes a terminal occurrence into the dead-letter pipeline:
// one FailedOccurrence row plus one DLQ message, idempotent per occurrence.
type FailedHandler interface {
	Handle(ctx context.Context, occ *models.JobOccurrence, failureType models.FailureType) error
}
