package bus

import (
	"context"
	"fmt"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/Milvasoft/milvaion-sub003/internal/common"
)

// DepthInspector polls control-plane queue depths and logs threshold
// breaches. Depth is a leading indicator of a stuck tracker or a worker
// outage; the inspector only observes, it never mutates.
type DepthInspector struct {
	bus      *AMQPBus
	cfg      common.BusConfig
	interval time.Duration
	logger   arbor.ILogger

	cancel context.CancelFunc
	doneCh chan struct{}
}

// NewDepthInspector builds an inspector over the live bus connection.
func NewDepthInspector(b *AMQPBus, cfg common.BusConfig, interval time.Duration, logger arbor.ILogger) *DepthInspector {
	if interval <= 0 {
		interval = time.Minute
	}
	return &DepthInspector{bus: b, cfg: cfg, interval: interval, logger: logger}
}

// Start begins periodic depth checks.
func (i *DepthInspector) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	i.cancel = cancel
	i.doneCh = make(chan struct{})

	go func() {
		defer close(i.doneCh)
		ticker := time.NewTicker(i.interval)
		defer ticker.Stop()
		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				i.checkAll()
			}
		}
	}()
	return nil
}

// Stop halts the inspector.
func (i *DepthInspector) Stop() {
	if i.cancel != nil {
		i.cancel()
		<-i.doneCh
	}
}

func (i *DepthInspector) checkAll() {
	for _, queue := range controlQueues {
		depth, err := i.Depth(queue)
		if err != nil {
			i.logger.Warn().Err(err).Str("queue", queue).Msg("Queue depth check failed")
			continue
		}
		switch {
		case depth >= i.cfg.DepthCritical:
			i.logger.Error().Str("queue", queue).Int("depth", depth).
				Int("threshold", i.cfg.DepthCritical).Msg("Queue depth critical")
		case depth >= i.cfg.DepthWarning:
			i.logger.Warn().Str("queue", queue).Int("depth", depth).
				Int("threshold", i.cfg.DepthWarning).Msg("Queue depth high")
		}
	}
}

// Depth returns the current message count of a queue.
func (i *DepthInspector) Depth(queue string) (int, error) {
	ch, err := i.bus.channel()
	if err != nil {
		return 0, err
	}
	defer ch.Close()

	// Passive declare returns the live count without altering the queue.
	state, err := ch.QueueDeclarePassive(queue, true, false, false, false, nil)
	if err != nil {
		return 0, fmt.Errorf("inspecting %s: %w", queue, err)
	}
	return state.Messages, nil
}
