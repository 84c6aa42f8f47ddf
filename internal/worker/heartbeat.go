package worker

import (
	"context"
	"net"
	"os"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/Milvasoft/milvaion-sub003/internal/common"
	"github.com/Milvasoft/milvaion-sub003/internal/coordination"
	"github.com/Milvasoft/milvaion-sub003/internal/models"
)

// Heartbeater announces the instance on startup and keeps its liveness fresh.
// Every signal goes both through the outbox (for the control plane) and
// directly into the coordination store (for capacity decisions).
type Heartbeater struct {
	cfg        common.WorkerConfig
	instanceID string
	consumer   *Consumer
	registry   *coordination.WorkerRegistry
	emitter    *Emitter
	logger     arbor.ILogger

	cancel context.CancelFunc
	doneCh chan struct{}
}

// NewHeartbeater builds the instance liveness loop.
func NewHeartbeater(cfg common.WorkerConfig, instanceID string, consumer *Consumer,
	registry *coordination.WorkerRegistry, emitter *Emitter, logger arbor.ILogger) *Heartbeater {
	return &Heartbeater{
		cfg:        cfg,
		instanceID: instanceID,
		consumer:   consumer,
		registry:   registry,
		emitter:    emitter,
		logger:     logger,
	}
}

// Start registers the instance and begins the heartbeat loop.
func (h *Heartbeater) Start(ctx context.Context) error {
	if err := h.register(ctx); err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	h.cancel = cancel
	h.doneCh = make(chan struct{})
	go h.run(runCtx)

	h.logger.Info().
		Str("worker_id", h.cfg.WorkerID).
		Str("instance_id", h.instanceID).
		Msg("Worker heartbeat started")
	return nil
}

// Stop halts the loop.
func (h *Heartbeater) Stop() {
	if h.cancel == nil {
		return
	}
	h.cancel()
	<-h.doneCh
}

func (h *Heartbeater) run(ctx context.Context) {
	defer close(h.doneCh)

	interval := time.Duration(h.cfg.HeartbeatIntervalSeconds) * time.Second
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.beat(ctx)
		}
	}
}

func (h *Heartbeater) beat(ctx context.Context) {
	now := time.Now().UTC()
	currentJobs := h.consumer.CurrentJobs()

	if err := h.emitter.EmitWorkerHeartbeat(models.WorkerHeartbeatMessage{
		WorkerID:    h.cfg.WorkerID,
		InstanceID:  h.instanceID,
		CurrentJobs: currentJobs,
		Timestamp:   now,
	}); err != nil {
		h.logger.Warn().Err(err).Msg("Worker heartbeat write failed")
	}
	if err := h.registry.Heartbeat(ctx, h.cfg.WorkerID, h.instanceID, currentJobs, now); err != nil {
		h.logger.Warn().Err(err).Msg("Registry heartbeat failed")
	}
}

// register announces the instance: durably via the outbox for the control
// plane, and directly in the coordination store for immediate visibility.
func (h *Heartbeater) register(ctx context.Context) error {
	hostName, _ := os.Hostname()
	instance := &models.WorkerInstance{
		WorkerID:        h.cfg.WorkerID,
		InstanceID:      h.instanceID,
		DisplayName:     h.cfg.DisplayName,
		HostName:        hostName,
		IPAddress:       localIP(),
		RoutingPatterns: h.consumer.RoutingPatterns(),
		JobTypes:        h.consumer.handlers.JobTypes(),
		MaxParallelJobs: h.cfg.MaxParallelJobs,
		LastHeartbeat:   time.Now().UTC(),
		Status:          models.WorkerActive,
		Version:         common.GetVersion(),
	}

	if err := h.emitter.EmitRegistration(models.RegistrationMessage{
		WorkerID:        instance.WorkerID,
		InstanceID:      instance.InstanceID,
		DisplayName:     instance.DisplayName,
		HostName:        instance.HostName,
		IPAddress:       instance.IPAddress,
		RoutingPatterns: instance.RoutingPatterns,
		JobTypes:        instance.JobTypes,
		MaxParallelJobs: instance.MaxParallelJobs,
		Version:         instance.Version,
	}); err != nil {
		return err
	}
	if err := h.registry.Register(ctx, instance); err != nil {
		h.logger.Warn().Err(err).Msg("Direct registry registration failed, outbox copy still pending")
	}
	return nil
}

// localIP returns the first non-loopback IPv4 address, or empty.
func localIP() string {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return ""
	}
	for _, addr := range addrs {
		ipNet, ok := addr.(*net.IPNet)
		if !ok || ipNet.IP.IsLoopback() {
			continue
		}
		if v4 := ipNet.IP.To4(); v4 != nil {
			return v4.String()
		}
	}
	return ""
}
