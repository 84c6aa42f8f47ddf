package tracker

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/Milvasoft/milvaion-sub003/internal/bus"
	"github.com/Milvasoft/milvaion-sub003/internal/coordination"
	"github.com/Milvasoft/milvaion-sub003/internal/interfaces"
	"github.com/Milvasoft/milvaion-sub003/internal/models"
)

// HeartbeatConsumer feeds worker liveness into the system: job heartbeats
// refresh the occurrence's lastHeartbeat (what keeps the zombie detector
// away), worker heartbeats and registrations refresh the coordination-store
// registry.
type HeartbeatConsumer struct {
	occs     interfaces.OccurrenceStore
	registry *coordination.WorkerRegistry
	mbus     interfaces.MessageBus
	logger   arbor.ILogger

	cancel context.CancelFunc
	doneCh chan struct{}
}

// NewHeartbeatConsumer wires both liveness queues.
func NewHeartbeatConsumer(occs interfaces.OccurrenceStore, registry *coordination.WorkerRegistry,
	mbus interfaces.MessageBus, logger arbor.ILogger) *HeartbeatConsumer {
	return &HeartbeatConsumer{occs: occs, registry: registry, mbus: mbus, logger: logger}
}

// Start consumes the heartbeat and registration queues.
func (h *HeartbeatConsumer) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	h.cancel = cancel
	h.doneCh = make(chan struct{})

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		if err := h.mbus.Consume(runCtx, bus.WorkerHeartbeatQueue, h.handleHeartbeat); err != nil {
			h.logger.Error().Err(err).Msg("Heartbeat consumer stopped with error")
		}
	}()
	go func() {
		defer wg.Done()
		if err := h.mbus.Consume(runCtx, bus.WorkerRegistrationQueue, h.handleRegistration); err != nil {
			h.logger.Error().Err(err).Msg("Registration consumer stopped with error")
		}
	}()
	go func() {
		wg.Wait()
		close(h.doneCh)
	}()

	h.logger.Info().Msg("Heartbeat consumer started")
	return nil
}

// Stop halts both consumers.
func (h *HeartbeatConsumer) Stop() {
	if h.cancel == nil {
		return
	}
	h.cancel()
	<-h.doneCh
}

// heartbeatEnvelope covers both heartbeat shapes; a correlation id marks a
// job heartbeat, its absence a worker heartbeat.
type heartbeatEnvelope struct {
	CorrelationID string    `json:"correlationId"`
	WorkerID      string    `json:"workerId"`
	InstanceID    string    `json:"instanceId"`
	CurrentJobs   int       `json:"currentJobs"`
	Timestamp     time.Time `json:"timestamp"`
}

func (h *HeartbeatConsumer) handleHeartbeat(ctx context.Context, d interfaces.Delivery) {
	var msg heartbeatEnvelope
	if err := json.Unmarshal(d.Body, &msg); err != nil {
		h.logger.Warn().Err(err).Msg("Malformed heartbeat rejected")
		_ = d.Reject(false)
		return
	}
	at := msg.Timestamp
	if at.IsZero() {
		at = time.Now().UTC()
	}

	if msg.CorrelationID != "" {
		err := h.occs.UpdateHeartbeat(ctx, msg.CorrelationID, at)
		if err != nil && !errors.Is(err, interfaces.ErrNotFound) {
			h.logger.Warn().Err(err).Str("correlation_id", msg.CorrelationID).Msg("Job heartbeat update failed, requeueing")
			_ = d.Reject(true)
			return
		}
		_ = d.Ack()
		return
	}

	if msg.InstanceID == "" {
		h.logger.Warn().Msg("Heartbeat with neither correlation nor instance id rejected")
		_ = d.Reject(false)
		return
	}
	if err := h.registry.Heartbeat(ctx, msg.WorkerID, msg.InstanceID, msg.CurrentJobs, at); err != nil {
		h.logger.Warn().Err(err).Str("instance_id", msg.InstanceID).Msg("Worker heartbeat update failed, requeueing")
		_ = d.Reject(true)
		return
	}
	_ = d.Ack()
}

func (h *HeartbeatConsumer) handleRegistration(ctx context.Context, d interfaces.Delivery) {
	msg, err := models.RegistrationFromJSON(d.Body)
	if err != nil || msg.InstanceID == "" {
		h.logger.Warn().Err(err).Msg("Malformed registration rejected")
		_ = d.Reject(false)
		return
	}

	instance := &models.WorkerInstance{
		WorkerID:        msg.WorkerID,
		InstanceID:      msg.InstanceID,
		DisplayName:     msg.DisplayName,
		HostName:        msg.HostName,
		IPAddress:       msg.IPAddress,
		RoutingPatterns: msg.RoutingPatterns,
		JobTypes:        msg.JobTypes,
		MaxParallelJobs: msg.MaxParallelJobs,
		LastHeartbeat:   time.Now().UTC(),
		Status:          models.WorkerActive,
		Version:         msg.Version,
		Metadata:        msg.Metadata,
	}
	if err := h.registry.Register(ctx, instance); err != nil {
		h.logger.Warn().Err(err).Str("instance_id", msg.InstanceID).Msg("Registration write failed, requeueing")
		_ = d.Reject(true)
		return
	}

	h.logger.Info().
		Str("worker_id", msg.WorkerID).
		Str("instance_id", msg.InstanceID).
		Strs("job_types", msg.JobTypes).
		Msg("Worker instance registered")
	_ = d.Ack()
}
