package outbox

import (
	"context"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/Milvasoft/milvaion-sub003/internal/interfaces"
)

// drainBatch bounds how many records one drain round publishes.
const drainBatch = 100

// Syncer drains the outbox to the bus whenever the connection is online.
// Records publish in Seq order and are deleted only after the broker
// confirms, so a crash mid-drain at worst redelivers (consumers are
// idempotent on eventId).
type Syncer struct {
	store  *Store
	bus    interfaces.MessageBus
	logger arbor.ILogger

	interval time.Duration
	kick     chan struct{}
	cancel   context.CancelFunc
	doneCh   chan struct{}
}

// NewSyncer builds a syncer; interval is the idle poll period.
func NewSyncer(store *Store, b interfaces.MessageBus, interval time.Duration, logger arbor.ILogger) *Syncer {
	if interval <= 0 {
		interval = time.Second
	}
	return &Syncer{
		store:    store,
		bus:      b,
		interval: interval,
		logger:   logger,
		kick:     make(chan struct{}, 1),
	}
}

// Start launches the drain loop. Outstanding records from a previous run are
// replayed before anything new.
func (s *Syncer) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.doneCh = make(chan struct{})

	if n, err := s.store.Count(); err == nil && n > 0 {
		s.logger.Info().Int("pending", n).Msg("Replaying outbox records from previous run")
	}

	go s.run(runCtx)
	return nil
}

// Stop halts the drain loop after the current round.
func (s *Syncer) Stop() {
	if s.cancel != nil {
		s.cancel()
		<-s.doneCh
	}
}

// Kick requests an immediate drain round (called after every append).
func (s *Syncer) Kick() {
	select {
	case s.kick <- struct{}{}:
	default:
	}
}

func (s *Syncer) run(ctx context.Context) {
	defer close(s.doneCh)
	online := s.bus.OnlineChanges()
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-s.kick:
		case up := <-online:
			if !up {
				continue
			}
			s.logger.Info().Msg("Bus back online, draining outbox")
		}
		s.drain(ctx)
	}
}

// drain publishes pending records in order until the outbox is empty, the
// bus drops, or a publish fails. A failure stops the round; order is
// preserved for the next one.
func (s *Syncer) drain(ctx context.Context) {
	for s.bus.IsOnline() {
		records, err := s.store.Pending(drainBatch)
		if err != nil {
			s.logger.Warn().Err(err).Msg("Outbox scan failed")
			return
		}
		if len(records) == 0 {
			return
		}
		for _, record := range records {
			if ctx.Err() != nil {
				return
			}
			if err := s.bus.Publish(ctx, record.Exchange, record.RoutingKey, record.Payload); err != nil {
				if markErr := s.store.MarkAttempt(record.ID); markErr != nil {
					s.logger.Warn().Err(markErr).Str("record_id", record.ID).Msg("Failed to mark outbox attempt")
				}
				s.logger.Warn().Err(err).
					Str("record_id", record.ID).
					Str("kind", string(record.Kind)).
					Int("attempts", record.Attempts+1).
					Msg("Outbox publish failed, will retry")
				return
			}
			if err := s.store.Delete(record.ID); err != nil {
				s.logger.Error().Err(err).Str("record_id", record.ID).Msg("Failed to delete confirmed outbox record")
				return
			}
		}
		if len(records) < drainBatch {
			return
		}
	}
}
