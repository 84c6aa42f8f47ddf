package worker

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/Milvasoft/milvaion-sub003/internal/bus"
	"github.com/Milvasoft/milvaion-sub003/internal/common"
	"github.com/Milvasoft/milvaion-sub003/internal/coordination"
	"github.com/Milvasoft/milvaion-sub003/internal/interfaces"
	"github.com/Milvasoft/milvaion-sub003/internal/models"
)

// Consumer binds the worker's job queue, gates capacity, and runs accepted
// deliveries through the executor. The bus is acknowledged only after the
// terminal status is durably queued in the outbox.
type Consumer struct {
	cfg        common.WorkerConfig
	instanceID string
	mbus       interfaces.MessageBus
	handlers   *HandlerRegistry
	registry   *coordination.WorkerRegistry
	hub        *coordination.CancellationHub
	emitter    *Emitter
	executor   *Executor
	logger     arbor.ILogger

	current atomic.Int32

	mu      sync.Mutex
	cancels map[string]chan struct{}

	cancel  context.CancelFunc
	doneCh  chan struct{}
	stopHub func()
}

// NewConsumer wires the worker-side pipeline.
func NewConsumer(cfg common.WorkerConfig, instanceID string, mbus interfaces.MessageBus,
	handlers *HandlerRegistry, registry *coordination.WorkerRegistry,
	hub *coordination.CancellationHub, emitter *Emitter, executor *Executor,
	logger arbor.ILogger) *Consumer {
	return &Consumer{
		cfg:        cfg,
		instanceID: instanceID,
		mbus:       mbus,
		handlers:   handlers,
		registry:   registry,
		hub:        hub,
		emitter:    emitter,
		executor:   executor,
		logger:     logger,
		cancels:    make(map[string]chan struct{}),
	}
}

// QueueName is the worker group's durable job queue.
func (c *Consumer) QueueName() string {
	return strings.ToLower(c.cfg.WorkerID) + "_jobs_queue"
}

// RoutingPatterns returns one topic pattern per registered job type.
func (c *Consumer) RoutingPatterns() []string {
	types := c.handlers.JobTypes()
	patterns := make([]string, 0, len(types))
	for _, jobName := range types {
		patterns = append(patterns, fmt.Sprintf("%s.%s.*",
			strings.ToLower(c.cfg.WorkerID), strings.ToLower(jobName)))
	}
	return patterns
}

// CurrentJobs reports how many occurrences run on this instance right now.
func (c *Consumer) CurrentJobs() int {
	return int(c.current.Load())
}

// Start binds the queue, subscribes to cancellation, and begins consuming.
func (c *Consumer) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.doneCh = make(chan struct{})

	for _, pattern := range c.RoutingPatterns() {
		if err := c.mbus.BindQueue(runCtx, c.QueueName(), bus.JobsExchange, pattern); err != nil {
			cancel()
			return fmt.Errorf("binding %s to %s: %w", c.QueueName(), pattern, err)
		}
	}

	cancellations, stopHub, err := c.hub.Subscribe(runCtx)
	if err != nil {
		cancel()
		return fmt.Errorf("subscribing to cancellations: %w", err)
	}
	c.stopHub = stopHub
	go c.watchCancellations(cancellations)

	go func() {
		defer close(c.doneCh)
		if err := c.mbus.Consume(runCtx, c.QueueName(), c.handleDelivery); err != nil {
			c.logger.Error().Err(err).Msg("Job consumer stopped with error")
		}
	}()

	c.logger.Info().
		Str("queue", c.QueueName()).
		Int("max_parallel", c.cfg.MaxParallelJobs).
		Strs("job_types", c.handlers.JobTypes()).
		Msg("Job consumer started")
	return nil
}

// Stop halts consumption; running jobs finish under their own scopes.
func (c *Consumer) Stop() {
	if c.cancel == nil {
		return
	}
	if c.stopHub != nil {
		c.stopHub()
	}
	c.cancel()
	<-c.doneCh
}

// watchCancellations forwards hub signals to the matching run.
func (c *Consumer) watchCancellations(msgs <-chan models.CancellationMessage) {
	for msg := range msgs {
		c.mu.Lock()
		ch, ok := c.cancels[msg.CorrelationID]
		c.mu.Unlock()
		if !ok {
			continue
		}
		c.logger.Info().
			Str("correlation_id", msg.CorrelationID).
			Str("reason", msg.Reason).
			Msg("Cancellation signal received")
		select {
		case <-ch:
		default:
			close(ch)
		}
	}
}

// handleDelivery applies the acceptance gates synchronously, then runs the
// job in its own goroutine so the consume loop keeps feeding other slots.
func (c *Consumer) handleDelivery(ctx context.Context, d interfaces.Delivery) {
	msg, err := models.DispatchMessageFromJSON(d.Body)
	if err != nil {
		c.logger.Warn().Err(err).Msg("Malformed dispatch message rejected")
		_ = d.Reject(false)
		return
	}

	fn, ok := c.handlers.Get(msg.JobName)
	if !ok {
		// Every instance of this worker id runs the same handler set, so a
		// requeue would loop forever. The queue's dead-letter exchange takes
		// the message; the occurrence row is failed later by the zombie
		// sweep once its liveness deadline passes.
		c.logger.Warn().
			Str("job_name", msg.JobName).
			Str("correlation_id", msg.CorrelationID).
			Msg("No handler for job type, rejecting to dead letter")
		_ = d.Reject(false)
		return
	}

	// Instance capacity gate.
	if int(c.current.Load()) >= c.cfg.MaxParallelJobs {
		c.logger.Debug().
			Str("correlation_id", msg.CorrelationID).
			Msg("Instance at capacity, requeueing")
		_ = d.Reject(true)
		return
	}

	// Consumer-type capacity gate.
	typeLimit := c.cfg.Consumers[msg.JobName].MaxParallelJobs
	acquired, err := c.registry.TryAcquireConsumerSlot(ctx, c.cfg.WorkerID, msg.JobName, typeLimit)
	if err != nil {
		c.logger.Warn().Err(err).Str("correlation_id", msg.CorrelationID).Msg("Consumer slot check failed, requeueing")
		_ = d.Reject(true)
		return
	}
	if !acquired {
		c.logger.Debug().
			Str("job_name", msg.JobName).
			Str("correlation_id", msg.CorrelationID).
			Msg("Job type at capacity, requeueing")
		_ = d.Reject(true)
		return
	}

	c.current.Add(1)
	go c.runJob(ctx, msg, fn, d, typeLimit)
}

// runJob executes one accepted delivery end to end.
func (c *Consumer) runJob(ctx context.Context, msg *models.DispatchMessage, fn JobFunc, d interfaces.Delivery, typeLimit int) {
	defer c.current.Add(-1)
	defer func() {
		releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := c.registry.ReleaseConsumerSlot(releaseCtx, c.cfg.WorkerID, msg.JobName, typeLimit); err != nil {
			c.logger.Warn().Err(err).Str("job_name", msg.JobName).Msg("Failed to release consumer slot")
		}
	}()

	cancelCh := make(chan struct{})
	c.mu.Lock()
	c.cancels[msg.CorrelationID] = cancelCh
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.cancels, msg.CorrelationID)
		c.mu.Unlock()
	}()

	start := time.Now().UTC()
	if err := c.emitter.EmitStatus(models.StatusUpdateMessage{
		CorrelationID:    msg.CorrelationID,
		JobID:            msg.JobID,
		WorkerID:         c.cfg.WorkerID,
		Status:           models.StatusRunning,
		StartTime:        &start,
		MessageTimestamp: start,
	}); err != nil {
		// Cannot even record Running durably: hand the delivery back.
		c.logger.Error().Err(err).Str("correlation_id", msg.CorrelationID).Msg("Outbox write failed, requeueing delivery")
		_ = d.Reject(true)
		return
	}

	run := &JobRun{
		CorrelationID: msg.CorrelationID,
		JobID:         msg.JobID,
		JobName:       msg.JobName,
		Data:          msg.JobData,
		emit: func(entry models.OccurrenceLogEntry) {
			if err := c.emitter.EmitLog(models.LogMessage{
				CorrelationID:    msg.CorrelationID,
				WorkerID:         c.cfg.WorkerID,
				Log:              entry,
				MessageTimestamp: time.Now().UTC(),
			}); err != nil {
				c.logger.Warn().Err(err).Str("correlation_id", msg.CorrelationID).Msg("Run log write failed")
			}
		},
	}

	stopHeartbeat := c.startJobHeartbeat(msg)
	outcome := c.executor.Execute(ctx, run, fn, c.effectiveTimeout(msg), cancelCh)
	stopHeartbeat()

	update := models.StatusUpdateMessage{
		CorrelationID:    msg.CorrelationID,
		JobID:            msg.JobID,
		WorkerID:         c.cfg.WorkerID,
		Status:           outcome.Status,
		StartTime:        &outcome.StartTime,
		EndTime:          &outcome.EndTime,
		Result:           outcome.Result,
		FailureType:      outcome.FailureType,
		PermanentFailure: outcome.Permanent,
		MessageTimestamp: time.Now().UTC(),
	}
	duration := outcome.EndTime.Sub(outcome.StartTime).Milliseconds()
	update.DurationMs = &duration
	if outcome.Err != nil {
		update.Exception = outcome.Err.Error()
	}

	if err := c.emitter.EmitStatus(update); err != nil {
		// Terminal status not durable: do not ack, the broker redelivers and
		// tracker idempotency absorbs the duplicate.
		c.logger.Error().Err(err).Str("correlation_id", msg.CorrelationID).Msg("Terminal status write failed, requeueing")
		_ = d.Reject(true)
		return
	}
	if err := d.Ack(); err != nil {
		c.logger.Warn().Err(err).Str("correlation_id", msg.CorrelationID).Msg("Ack failed after durable terminal status")
	}

	c.logger.Info().
		Str("correlation_id", msg.CorrelationID).
		Str("job_name", msg.JobName).
		Str("status", string(outcome.Status)).
		Int64("duration_ms", duration).
		Msg("Job finished")
}

// effectiveTimeout resolves occurrence override, then consumer, then worker.
// Zero disables the deadline.
func (c *Consumer) effectiveTimeout(msg *models.DispatchMessage) time.Duration {
	seconds := c.cfg.ExecutionTimeoutSeconds
	if consumer, ok := c.cfg.Consumers[msg.JobName]; ok && consumer.ExecutionTimeoutSeconds != 0 {
		seconds = consumer.ExecutionTimeoutSeconds
	}
	if msg.ExecutionTimeoutSeconds != nil {
		seconds = *msg.ExecutionTimeoutSeconds
	}
	if seconds <= 0 {
		return 0
	}
	return time.Duration(seconds) * time.Second
}

// startJobHeartbeat emits per-occurrence heartbeats until stopped.
func (c *Consumer) startJobHeartbeat(msg *models.DispatchMessage) func() {
	interval := time.Duration(c.cfg.JobHeartbeatIntervalSeconds) * time.Second
	if interval <= 0 {
		interval = time.Minute
	}
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				if err := c.emitter.EmitJobHeartbeat(models.JobHeartbeatMessage{
					CorrelationID: msg.CorrelationID,
					JobID:         msg.JobID,
					WorkerID:      c.cfg.WorkerID,
					InstanceID:    c.instanceID,
					Timestamp:     time.Now().UTC(),
				}); err != nil {
					c.logger.Warn().Err(err).Str("correlation_id", msg.CorrelationID).Msg("Job heartbeat write failed")
				}
			}
		}
	}()
	return func() { close(done) }
}
