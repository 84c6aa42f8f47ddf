// -----------------------------------------------------------------------
// Dead-letter pipeline - turns permanently failed occurrences into
// failed_occurrences rows plus a DLX notification for operator tooling
// -----------------------------------------------------------------------

package failed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/ternarybob/arbor"

	"github.com/Milvasoft/milvaion-sub003/internal/bus"
	"github.com/Milvasoft/milvaion-sub003/internal/common"
	"github.com/Milvasoft/milvaion-sub003/internal/interfaces"
	"github.com/Milvasoft/milvaion-sub003/internal/models"
)

// Handler records occurrences that will never succeed. It is idempotent per
// occurrence id: redelivered status updates and zombie sweeps may hand over
// the same occurrence more than once, only the first call writes a row.
type Handler struct {
	cfg    common.FailedHandlerConfig
	store  interfaces.FailedOccurrenceStore
	jobs   interfaces.ScheduledJobStore
	pub    interfaces.Publisher
	logger arbor.ILogger
}

// NewHandler wires the dead-letter pipeline.
func NewHandler(cfg common.FailedHandlerConfig, store interfaces.FailedOccurrenceStore,
	jobs interfaces.ScheduledJobStore, pub interfaces.Publisher, logger arbor.ILogger) *Handler {
	return &Handler{cfg: cfg, store: store, jobs: jobs, pub: pub, logger: logger}
}

// Handle dead-letters one terminal occurrence. The row insert is the source
// of truth; the DLX publish is best effort and a publish failure does not
// roll the row back.
func (h *Handler) Handle(ctx context.Context, occ *models.JobOccurrence, failureType models.FailureType) error {
	if !h.cfg.Enabled {
		return nil
	}
	displayName := occ.JobName
	var payload json.RawMessage
	job, err := h.jobs.Get(ctx, occ.JobID)
	switch {
	case err == nil:
		displayName = job.DisplayName
		payload = job.JobData
	case errors.Is(err, interfaces.ErrNotFound):
		// Definition deleted after dispatch; triage with the snapshot fields.
	default:
		return fmt.Errorf("loading job %s for dead-letter: %w", occ.JobID, err)
	}

	row := models.NewFailedOccurrence(occ, displayName, payload, failureType)
	inserted, err := h.store.CreateIfAbsent(ctx, row)
	if err != nil {
		return fmt.Errorf("recording failed occurrence %s: %w", occ.ID, err)
	}
	if !inserted {
		h.logger.Debug().
			Str("occurrence_id", occ.ID).
			Msg("Occurrence already dead-lettered, skipping")
		return nil
	}

	h.logger.Warn().
		Str("occurrence_id", occ.ID).
		Str("correlation_id", occ.CorrelationID).
		Str("job_name", occ.JobName).
		Str("failure_type", string(failureType)).
		Msg("Occurrence dead-lettered")

	h.notify(ctx, occ, displayName, payload)
	return nil
}

func (h *Handler) notify(ctx context.Context, occ *models.JobOccurrence, displayName string, payload json.RawMessage) {
	msg := models.DLQMessage{
		ID:              occ.ID,
		DisplayName:     displayName,
		JobNameInWorker: occ.JobName,
		JobData:         payload,
		ExecuteAt:       occ.CreatedAt,
		Status:          occ.Status,
		Exception:       occ.Exception,
	}
	body, err := msg.ToJSON()
	if err != nil {
		h.logger.Warn().Err(err).Str("occurrence_id", occ.ID).Msg("DLQ message marshal failed")
		return
	}
	if err := h.pub.Publish(ctx, bus.DLXExchange, bus.DLXRoutingKey, body); err != nil {
		h.logger.Warn().Err(err).Str("occurrence_id", occ.ID).Msg("DLQ notification publish failed")
	}
}
