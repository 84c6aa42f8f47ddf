package dispatcher

import (
	"context"
)

// sweepRunningSet releases running markers whose occurrences have all reached
// a terminal status. A marker can leak when the tracker crashes between the
// terminal write and the unmark; the sweep keeps Skip-policy jobs from being
// wedged forever.
func (d *Dispatcher) sweepRunningSet(ctx context.Context) {
	members, err := d.deps.Running.Members(ctx)
	if err != nil {
		d.logger.Warn().Err(err).Msg("Running set sweep failed")
		return
	}
	for _, jobID := range members {
		active, err := d.deps.Occurrences.ListRunningByJob(ctx, jobID)
		if err != nil {
			d.logger.Warn().Err(err).Str("job_id", jobID).Msg("Running set sweep query failed")
			continue
		}
		if len(active) > 0 {
			continue
		}
		if err := d.deps.Running.Unmark(ctx, jobID); err != nil {
			d.logger.Warn().Err(err).Str("job_id", jobID).Msg("Failed to release stale running marker")
			continue
		}
		d.logger.Info().Str("job_id", jobID).Msg("Released stale running marker")
	}
}
