package dispatcher

import (
	"context"
	"time"

	"github.com/Milvasoft/milvaion-sub003/internal/models"
)

// recoveryGrace is how long a Queued or Running occurrence may sit without a
// heartbeat before startup recovery declares its fate unknowable. The zombie
// detector later converts these to Failed.
const recoveryGrace = 10 * time.Minute

// recoverAbandoned handles occurrences orphaned by a previous control-plane
// crash: anything non-terminal past the liveness grace is marked Unknown and
// left for the zombie pipeline.
func (d *Dispatcher) recoverAbandoned(ctx context.Context) {
	now := d.now()
	abandoned, err := d.deps.Occurrences.ListZombies(ctx, now, recoveryGrace, d.cfg.BatchSize)
	if err != nil {
		d.logger.Warn().Err(err).Msg("Startup recovery scan failed")
		return
	}
	if len(abandoned) == 0 {
		return
	}

	recovered := make([]*models.JobOccurrence, 0, len(abandoned))
	for _, occ := range abandoned {
		if occ.Status == models.StatusUnknown {
			continue
		}
		occ.ApplyTransition(models.StatusUnknown, now)
		occ.Logs = append(occ.Logs, models.OccurrenceLogEntry{
			Timestamp: now,
			Level:     "Warning",
			Message:   "Marked Unknown by dispatcher startup recovery",
			Category:  "Recovery",
		})
		recovered = append(recovered, occ)
	}
	if len(recovered) == 0 {
		return
	}
	if err := d.deps.Occurrences.UpdateBatch(ctx, recovered); err != nil {
		d.logger.Error().Err(err).Int("count", len(recovered)).Msg("Startup recovery write failed")
		return
	}
	d.logger.Info().Int("count", len(recovered)).Msg("Startup recovery marked abandoned occurrences Unknown")
}
