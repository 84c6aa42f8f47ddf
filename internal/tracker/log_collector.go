package tracker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/Milvasoft/milvaion-sub003/internal/bus"
	"github.com/Milvasoft/milvaion-sub003/internal/common"
	"github.com/Milvasoft/milvaion-sub003/internal/interfaces"
	"github.com/Milvasoft/milvaion-sub003/internal/models"
)

type pendingLog struct {
	msg *models.LogMessage
	d   interfaces.Delivery
}

// LogCollector consumes worker_logs_queue and appends run log entries to
// their occurrence rows, batched per correlation id to keep the JSONB
// append count low.
type LogCollector struct {
	cfg    common.LogCollectorConfig
	occs   interfaces.OccurrenceStore
	mbus   interfaces.MessageBus
	logger arbor.ILogger

	mu      sync.Mutex
	pending []pendingLog

	cancel context.CancelFunc
	doneCh chan struct{}
}

// NewLogCollector wires the collector.
func NewLogCollector(cfg common.LogCollectorConfig, occs interfaces.OccurrenceStore,
	mbus interfaces.MessageBus, logger arbor.ILogger) *LogCollector {
	return &LogCollector{cfg: cfg, occs: occs, mbus: mbus, logger: logger}
}

// Start launches the consumer and flush loop.
func (c *LogCollector) Start(ctx context.Context) error {
	if !c.cfg.Enabled {
		c.logger.Info().Msg("Log collector disabled by configuration")
		return nil
	}

	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.doneCh = make(chan struct{})

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		if err := c.mbus.Consume(runCtx, bus.WorkerLogsQueue, c.handleDelivery); err != nil {
			c.logger.Error().Err(err).Msg("Log consumer stopped with error")
		}
	}()
	go func() {
		defer wg.Done()
		interval := time.Duration(c.cfg.BatchIntervalMs) * time.Millisecond
		if interval <= 0 {
			interval = 500 * time.Millisecond
		}
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				c.flush(runCtx)
			}
		}
	}()
	go func() {
		wg.Wait()
		c.flush(context.Background())
		close(c.doneCh)
	}()

	c.logger.Info().Msg("Log collector started")
	return nil
}

// Stop flushes and halts.
func (c *LogCollector) Stop() {
	if c.cancel == nil {
		return
	}
	c.cancel()
	<-c.doneCh
}

func (c *LogCollector) handleDelivery(ctx context.Context, d interfaces.Delivery) {
	msg, err := models.LogMessageFromJSON(d.Body)
	if err != nil || msg.CorrelationID == "" {
		c.logger.Warn().Err(err).Msg("Malformed log message rejected")
		_ = d.Reject(false)
		return
	}

	c.mu.Lock()
	c.pending = append(c.pending, pendingLog{msg: msg, d: d})
	full := c.cfg.BatchSize > 0 && len(c.pending) >= c.cfg.BatchSize
	c.mu.Unlock()

	if full {
		c.flush(ctx)
	}
}

// flush groups buffered entries per correlation and appends each group with
// one store call. Unknown correlations are dropped; append failures requeue
// only the affected correlation's deliveries.
func (c *LogCollector) flush(ctx context.Context) {
	c.mu.Lock()
	batch := c.pending
	c.pending = nil
	c.mu.Unlock()
	if len(batch) == 0 {
		return
	}

	type group struct {
		entries    []models.OccurrenceLogEntry
		deliveries []interfaces.Delivery
	}
	groups := make(map[string]*group)
	var order []string
	for _, item := range batch {
		g, ok := groups[item.msg.CorrelationID]
		if !ok {
			g = &group{}
			groups[item.msg.CorrelationID] = g
			order = append(order, item.msg.CorrelationID)
		}
		g.entries = append(g.entries, item.msg.Log)
		g.deliveries = append(g.deliveries, item.d)
	}

	for _, correlationID := range order {
		g := groups[correlationID]
		err := c.occs.AppendLogs(ctx, correlationID, g.entries)
		switch {
		case errors.Is(err, interfaces.ErrNotFound):
			c.logger.Warn().
				Str("correlation_id", correlationID).
				Int("entries", len(g.entries)).
				Msg("Logs for unknown occurrence discarded")
			fallthrough
		case err == nil:
			for _, d := range g.deliveries {
				_ = d.Ack()
			}
		default:
			c.logger.Warn().Err(err).Str("correlation_id", correlationID).Msg("Log append failed, requeueing")
			for _, d := range g.deliveries {
				_ = d.Reject(true)
			}
		}
	}
}
