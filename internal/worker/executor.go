package worker

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/Milvasoft/milvaion-sub003/internal/models"
)

// errCancelRequested is the cancellation cause injected by the cancellation
// hub; it distinguishes operator cancellation from a timeout.
var errCancelRequested = errors.New("cancellation requested")

type handlerResult struct {
	result string
	err    error
}

// Outcome is the terminal result of one execution.
type Outcome struct {
	Status      models.OccurrenceStatus
	Result      string
	Err         error
	Permanent   bool
	FailureType models.FailureType
	StartTime   time.Time
	EndTime     time.Time
}

// Executor runs user job code under a context that unions the caller's
// lifetime, the effective timeout, and the cancellation signal. Panics are
// captured as Failed; the framework never crashes on handler faults.
type Executor struct {
	logger arbor.ILogger
}

// NewExecutor builds an executor.
func NewExecutor(logger arbor.ILogger) *Executor {
	return &Executor{logger: logger}
}

// Execute runs fn and classifies the outcome. timeout <= 0 means no deadline.
// cancelCh fires when the cancellation hub targets this run. A handler that
// finishes before the scope fires wins the race.
func (e *Executor) Execute(ctx context.Context, run *JobRun, fn JobFunc, timeout time.Duration, cancelCh <-chan struct{}) Outcome {
	start := time.Now().UTC()

	runCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	if timeout > 0 {
		var cancelTimeout context.CancelFunc
		runCtx, cancelTimeout = context.WithTimeoutCause(runCtx, timeout, context.DeadlineExceeded)
		defer cancelTimeout()
	}
	if cancelCh != nil {
		go func() {
			select {
			case <-cancelCh:
				cancel(errCancelRequested)
			case <-runCtx.Done():
			}
		}()
	}

	done := make(chan handlerResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				e.logger.Error().
					Str("correlation_id", run.CorrelationID).
					Str("job_name", run.JobName).
					Str("stack", string(debug.Stack())).
					Msgf("Job handler panicked: %v", r)
				done <- handlerResult{err: fmt.Errorf("handler panic: %v", r)}
			}
		}()
		result, err := fn(runCtx, run)
		done <- handlerResult{result: result, err: err}
	}()

	select {
	case res := <-done:
		return e.classify(run, res.result, res.err, runCtx, timeout, start)
	case <-runCtx.Done():
		// The handler may still be running; it owns honoring the context.
		// The occurrence's fate is decided here regardless.
		go e.reapLateResult(run, done)
		return e.scopeOutcome(runCtx, timeout, start)
	}
}

// classify maps a finished handler's return to an outcome. A handler that
// returned success after the scope fired still completes: first writer wins.
func (e *Executor) classify(run *JobRun, result string, err error, runCtx context.Context, timeout time.Duration, start time.Time) Outcome {
	end := time.Now().UTC()
	if err == nil {
		return Outcome{Status: models.StatusCompleted, Result: result, StartTime: start, EndTime: end}
	}

	// A handler surfacing its context error inherits the scope's verdict.
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		if runCtx.Err() != nil {
			out := e.scopeOutcome(runCtx, timeout, start)
			out.EndTime = end
			return out
		}
	}

	if IsPermanent(err) {
		return Outcome{
			Status:      models.StatusFailed,
			Err:         err,
			Permanent:   true,
			FailureType: models.FailureUnhandledException,
			StartTime:   start,
			EndTime:     end,
		}
	}
	return Outcome{
		Status:      models.StatusFailed,
		Err:         err,
		FailureType: models.FailureUnhandledException,
		StartTime:   start,
		EndTime:     end,
	}
}

// scopeOutcome decides TimedOut vs Cancelled from the scope's cause. Only a
// tripped deadline counts as a timeout; every other cause, whether the
// cancellation hub or the caller's own context, is a cancellation.
func (e *Executor) scopeOutcome(runCtx context.Context, timeout time.Duration, start time.Time) Outcome {
	end := time.Now().UTC()
	cause := context.Cause(runCtx)
	if errors.Is(cause, context.DeadlineExceeded) {
		return Outcome{
			Status:      models.StatusTimedOut,
			Err:         fmt.Errorf("job timeout after %s: %w", timeout, cause),
			FailureType: models.FailureTimeout,
			StartTime:   start,
			EndTime:     end,
		}
	}
	return Outcome{
		Status:      models.StatusCancelled,
		Err:         cause,
		FailureType: models.FailureCancelled,
		StartTime:   start,
		EndTime:     end,
	}
}

// reapLateResult drains the handler's eventual return so the goroutine can
// exit, and logs handlers that ignored their context.
func (e *Executor) reapLateResult(run *JobRun, done <-chan handlerResult) {
	res := <-done
	if res.err != nil {
		e.logger.Warn().
			Str("correlation_id", run.CorrelationID).
			Err(res.err).
			Msg("Handler finished after its scope expired")
		return
	}
	e.logger.Warn().
		Str("correlation_id", run.CorrelationID).
		Msg("Handler finished after its scope expired, late result discarded")
}
