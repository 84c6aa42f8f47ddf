// -----------------------------------------------------------------------
// Status tracker - the single writer of occurrence lifecycle state.
// Consumes worker status updates, batches them, and commits transitions
// transactionally before acknowledging the broker.
// -----------------------------------------------------------------------

package tracker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/Milvasoft/milvaion-sub003/internal/bus"
	"github.com/Milvasoft/milvaion-sub003/internal/common"
	"github.com/Milvasoft/milvaion-sub003/internal/coordination"
	"github.com/Milvasoft/milvaion-sub003/internal/interfaces"
	"github.com/Milvasoft/milvaion-sub003/internal/models"
)

// reEnableSweepInterval paces the auto re-enable scan; precision there is a
// minute-scale concern.
const reEnableSweepInterval = time.Minute

type pendingUpdate struct {
	msg *models.StatusUpdateMessage
	d   interfaces.Delivery
}

// postAction is the side-effect work deferred until after the batch commits.
type postAction struct {
	occ         *models.JobOccurrence
	unmark      bool
	success     bool
	failure     bool
	deadLetter  bool
	failureType models.FailureType
}

// StatusTracker consumes job_status_updates_queue. Transitions are idempotent:
// a redelivered update for a status the occurrence already holds, or any
// update after a terminal status, is discarded. Deliveries are acknowledged
// only after their batch committed.
type StatusTracker struct {
	cfg      common.StatusTrackerConfig
	occs     interfaces.OccurrenceStore
	mbus     interfaces.MessageBus
	running  *coordination.RunningSet
	failed   interfaces.FailedHandler
	disabler *AutoDisabler
	logger   arbor.ILogger

	now func() time.Time

	mu      sync.Mutex
	pending []pendingUpdate

	cancel context.CancelFunc
	doneCh chan struct{}
}

// NewStatusTracker wires the tracker pipeline.
func NewStatusTracker(cfg common.StatusTrackerConfig, occs interfaces.OccurrenceStore,
	mbus interfaces.MessageBus, running *coordination.RunningSet,
	failedHandler interfaces.FailedHandler, disabler *AutoDisabler, logger arbor.ILogger) *StatusTracker {
	return &StatusTracker{
		cfg:      cfg,
		occs:     occs,
		mbus:     mbus,
		running:  running,
		failed:   failedHandler,
		disabler: disabler,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Start launches the consumer and the flush loop.
func (t *StatusTracker) Start(ctx context.Context) error {
	if !t.cfg.Enabled {
		t.logger.Info().Msg("Status tracker disabled by configuration")
		return nil
	}

	runCtx, cancel := context.WithCancel(ctx)
	t.cancel = cancel
	t.doneCh = make(chan struct{})

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		if err := t.mbus.Consume(runCtx, bus.StatusUpdatesQueue, t.handleDelivery); err != nil {
			t.logger.Error().Err(err).Msg("Status consumer stopped with error")
		}
	}()
	go func() {
		defer wg.Done()
		t.runTimers(runCtx)
	}()
	go func() {
		wg.Wait()
		// Final flush so buffered updates survive a clean shutdown.
		t.flush(context.Background())
		close(t.doneCh)
	}()

	t.logger.Info().
		Int("batch_size", t.cfg.BatchSize).
		Int("batch_interval_ms", t.cfg.BatchIntervalMs).
		Msg("Status tracker started")
	return nil
}

// Stop flushes the buffer and halts.
func (t *StatusTracker) Stop() {
	if t.cancel == nil {
		return
	}
	t.cancel()
	<-t.doneCh
}

func (t *StatusTracker) runTimers(ctx context.Context) {
	interval := time.Duration(t.cfg.BatchIntervalMs) * time.Millisecond
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	flushTicker := time.NewTicker(interval)
	defer flushTicker.Stop()
	sweepTicker := time.NewTicker(reEnableSweepInterval)
	defer sweepTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-flushTicker.C:
			t.flush(ctx)
		case <-sweepTicker.C:
			if err := t.disabler.SweepReEnable(ctx); err != nil {
				t.logger.Warn().Err(err).Msg("Auto re-enable sweep failed")
			}
		}
	}
}

func (t *StatusTracker) handleDelivery(ctx context.Context, d interfaces.Delivery) {
	msg, err := models.StatusUpdateFromJSON(d.Body)
	if err != nil {
		t.logger.Warn().Err(err).Msg("Malformed status update rejected")
		_ = d.Reject(false)
		return
	}

	t.mu.Lock()
	t.pending = append(t.pending, pendingUpdate{msg: msg, d: d})
	full := len(t.pending) >= t.cfg.BatchSize
	t.mu.Unlock()

	if full {
		t.flush(ctx)
	}
}

// flush drains the buffer, applies every update in arrival order, commits the
// changed occurrences in one transaction, then acknowledges the deliveries.
// A commit failure requeues the whole batch; transitions are idempotent so a
// replay is harmless.
func (t *StatusTracker) flush(ctx context.Context) {
	t.mu.Lock()
	batch := t.pending
	t.pending = nil
	t.mu.Unlock()
	if len(batch) == 0 {
		return
	}

	loaded := make(map[string]*models.JobOccurrence)
	changed := make(map[string]*models.JobOccurrence)
	var actions []postAction

	for _, item := range batch {
		occ, ok := loaded[item.msg.CorrelationID]
		if !ok {
			var err error
			occ, err = t.occs.GetByCorrelation(ctx, item.msg.CorrelationID)
			if errors.Is(err, interfaces.ErrNotFound) {
				t.logger.Warn().
					Str("correlation_id", item.msg.CorrelationID).
					Str("status", string(item.msg.Status)).
					Msg("Status update for unknown occurrence discarded")
				loaded[item.msg.CorrelationID] = nil
				continue
			}
			if err != nil {
				t.logger.Warn().Err(err).Str("correlation_id", item.msg.CorrelationID).Msg("Occurrence load failed, requeueing batch")
				t.requeue(batch)
				return
			}
			loaded[item.msg.CorrelationID] = occ
		}
		if occ == nil {
			continue
		}
		if action, applied := t.apply(occ, item.msg); applied {
			changed[occ.CorrelationID] = occ
			if action != nil {
				actions = append(actions, *action)
			}
		}
	}

	if len(changed) > 0 {
		occs := make([]*models.JobOccurrence, 0, len(changed))
		for _, occ := range changed {
			occs = append(occs, occ)
		}
		if err := t.occs.UpdateBatch(ctx, occs); err != nil {
			t.logger.Error().Err(err).Int("batch", len(occs)).Msg("Status batch commit failed, requeueing")
			t.requeue(batch)
			return
		}
	}

	for _, item := range batch {
		_ = item.d.Ack()
	}
	for _, action := range actions {
		t.runPostAction(ctx, action)
	}
}

// apply folds one update into the occurrence. Returns the deferred
// side-effect action (terminal transitions only) and whether anything
// changed.
func (t *StatusTracker) apply(occ *models.JobOccurrence, msg *models.StatusUpdateMessage) (*postAction, bool) {
	// First terminal status wins; everything after it is a late duplicate.
	if occ.IsTerminal() {
		t.logger.Debug().
			Str("correlation_id", occ.CorrelationID).
			Str("current", string(occ.Status)).
			Str("incoming", string(msg.Status)).
			Msg("Update after terminal status discarded")
		return nil, false
	}

	now := t.now()
	switch msg.Status {
	case models.StatusRunning:
		if occ.Status != models.StatusQueued {
			return nil, false
		}
		occ.ApplyTransition(models.StatusRunning, now)
		occ.SetTimes(msg.StartTime, nil)
		ts := msg.MessageTimestamp
		if !ts.IsZero() {
			occ.LastHeartbeat = &ts
		}
		return nil, true

	case models.StatusCompleted, models.StatusFailed, models.StatusCancelled, models.StatusTimedOut:
		occ.ApplyTransition(msg.Status, now)
		occ.SetTimes(msg.StartTime, msg.EndTime)
		occ.Result = msg.Result
		occ.Exception = msg.Exception
		occ.NextDispatchRetryAt = nil

		action := postAction{occ: occ, unmark: true}
		switch msg.Status {
		case models.StatusCompleted:
			action.success = true
		case models.StatusFailed:
			action.failure = true
			action.deadLetter = msg.PermanentFailure
			action.failureType = msg.FailureType
			if action.failureType == "" {
				action.failureType = models.FailureUnhandledException
			}
		case models.StatusTimedOut:
			action.failure = true
			action.deadLetter = true
			action.failureType = models.FailureTimeout
		}
		return &action, true
	}

	// Queued and Unknown never arrive from workers; drop them.
	return nil, false
}

// runPostAction performs the coordination and bookkeeping side effects of a
// committed terminal transition. Failures here are logged, never retried
// through the bus: the occurrence row is already correct.
func (t *StatusTracker) runPostAction(ctx context.Context, action postAction) {
	if action.unmark {
		if err := t.running.Unmark(ctx, action.occ.JobID); err != nil {
			t.logger.Warn().Err(err).Str("job_id", action.occ.JobID).Msg("Running marker release failed")
		}
	}
	if action.success {
		if err := t.disabler.RecordSuccess(ctx, action.occ.JobID); err != nil && !errors.Is(err, interfaces.ErrNotFound) {
			t.logger.Warn().Err(err).Str("job_id", action.occ.JobID).Msg("Failure counter reset failed")
		}
	}
	if action.failure {
		if err := t.disabler.RecordFailure(ctx, action.occ.JobID); err != nil && !errors.Is(err, interfaces.ErrNotFound) {
			t.logger.Warn().Err(err).Str("job_id", action.occ.JobID).Msg("Failure counter update failed")
		}
	}
	if action.deadLetter {
		if err := t.failed.Handle(ctx, action.occ, action.failureType); err != nil {
			t.logger.Warn().Err(err).Str("occurrence_id", action.occ.ID).Msg("Dead-letter handling failed")
		}
	}
}

func (t *StatusTracker) requeue(batch []pendingUpdate) {
	for _, item := range batch {
		_ = item.d.Reject(true)
	}
}
