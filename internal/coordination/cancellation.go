package coordination

import (
	"context"

	"github.com/ternarybob/arbor"

	"github.com/Milvasoft/milvaion-sub003/internal/interfaces"
	"github.com/Milvasoft/milvaion-sub003/internal/models"
)

// CancellationHub fans cancellation requests out to every subscribed worker
// instance over the coordination store's pub/sub channel. The instance that
// holds the correlation id triggers the run's cancellation scope.
type CancellationHub struct {
	store  interfaces.CoordinationStore
	keys   Keys
	logger arbor.ILogger
}

// NewCancellationHub wraps the cancellation channel.
func NewCancellationHub(store interfaces.CoordinationStore, keys Keys, logger arbor.ILogger) *CancellationHub {
	return &CancellationHub{store: store, keys: keys, logger: logger}
}

// RequestCancel publishes a cancellation request for one occurrence.
func (h *CancellationHub) RequestCancel(ctx context.Context, msg models.CancellationMessage) error {
	payload, err := msg.ToJSON()
	if err != nil {
		return err
	}
	return h.store.Publish(ctx, h.keys.CancellationChannel(), string(payload))
}

// Subscribe streams decoded cancellation requests until stop is called.
// Undecodable payloads are logged and skipped.
func (h *CancellationHub) Subscribe(ctx context.Context) (<-chan models.CancellationMessage, func(), error) {
	raw, stop, err := h.store.Subscribe(ctx, h.keys.CancellationChannel())
	if err != nil {
		return nil, nil, err
	}

	out := make(chan models.CancellationMessage, 16)
	go func() {
		defer close(out)
		for payload := range raw {
			msg, err := models.CancellationFromJSON([]byte(payload))
			if err != nil {
				h.logger.Warn().Err(err).Msg("Dropping malformed cancellation message")
				continue
			}
			out <- *msg
		}
	}()
	return out, stop, nil
}
