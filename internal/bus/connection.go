package bus

import (
	"context"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/ternarybob/arbor"

	"github.com/Milvasoft/milvaion-sub003/internal/common"
	"github.com/Milvasoft/milvaion-sub003/internal/interfaces"
)

// AMQPBus is the production MessageBus backed by RabbitMQ. It maintains one
// connection with automatic reconnect; publishing uses confirm mode so a nil
// error means the broker has accepted the message.
type AMQPBus struct {
	cfg    common.BusConfig
	logger arbor.ILogger

	mu        sync.RWMutex
	conn      *amqp.Connection
	pubCh     *amqp.Channel
	online    bool
	watchers  []chan bool
	closeOnce sync.Once
	done      chan struct{}
}

// NewAMQPBus dials the broker, declares the topology, and starts the
// reconnect monitor. The initial dial must succeed; later drops reconnect in
// the background while IsOnline reports false.
func NewAMQPBus(cfg common.BusConfig, logger arbor.ILogger) (*AMQPBus, error) {
	b := &AMQPBus{
		cfg:    cfg,
		logger: logger,
		done:   make(chan struct{}),
	}
	if err := b.connect(); err != nil {
		return nil, fmt.Errorf("connecting to message bus: %w", err)
	}
	go b.monitor()
	return b, nil
}

// connect dials, declares topology, and opens the confirm-mode publish channel.
func (b *AMQPBus) connect() error {
	conn, err := amqp.DialConfig(b.cfg.URL, amqp.Config{
		Heartbeat: 60 * time.Second,
	})
	if err != nil {
		return err
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return err
	}
	if err := declareTopology(ch); err != nil {
		conn.Close()
		return fmt.Errorf("declaring topology: %w", err)
	}
	if err := ch.Confirm(false); err != nil {
		conn.Close()
		return fmt.Errorf("enabling publisher confirms: %w", err)
	}

	b.mu.Lock()
	b.conn = conn
	b.pubCh = ch
	b.setOnlineLocked(true)
	b.mu.Unlock()

	b.logger.Info().Msg("Message bus connected")
	return nil
}

// monitor watches the live connection and redials after a drop.
func (b *AMQPBus) monitor() {
	for {
		b.mu.RLock()
		conn := b.conn
		b.mu.RUnlock()

		closeCh := conn.NotifyClose(make(chan *amqp.Error, 1))
		select {
		case <-b.done:
			return
		case amqpErr := <-closeCh:
			b.mu.Lock()
			b.setOnlineLocked(false)
			b.mu.Unlock()
			if amqpErr != nil {
				b.logger.Warn().Err(amqpErr).Msg("Message bus connection lost, reconnecting")
			}
		}

		for {
			select {
			case <-b.done:
				return
			case <-time.After(b.cfg.ReconnectInterval):
			}
			if err := b.connect(); err != nil {
				b.logger.Warn().Err(err).Msg("Message bus reconnect failed")
				continue
			}
			break
		}
	}
}

// setOnlineLocked updates connectivity and notifies watchers. Callers hold mu.
func (b *AMQPBus) setOnlineLocked(online bool) {
	if b.online == online {
		return
	}
	b.online = online
	for _, w := range b.watchers {
		select {
		case w <- online:
		default:
		}
	}
}

// IsOnline reports broker connectivity.
func (b *AMQPBus) IsOnline() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.online
}

// OnlineChanges returns a channel of connectivity transitions. The channel is
// buffered; a missed transition is recoverable via IsOnline.
func (b *AMQPBus) OnlineChanges() <-chan bool {
	ch := make(chan bool, 4)
	b.mu.Lock()
	b.watchers = append(b.watchers, ch)
	b.mu.Unlock()
	return ch
}

// Publish sends one persistent message and waits for the broker confirm. An
// unconfirmed publish is an error; callers retry through their own backoff.
func (b *AMQPBus) Publish(ctx context.Context, exchange, routingKey string, body []byte) error {
	b.mu.RLock()
	ch := b.pubCh
	online := b.online
	b.mu.RUnlock()
	if !online {
		return fmt.Errorf("message bus offline")
	}

	confirmCtx, cancel := context.WithTimeout(ctx, b.cfg.ConfirmTimeout)
	defer cancel()

	confirmation, err := ch.PublishWithDeferredConfirmWithContext(confirmCtx,
		exchange, routingKey, false, false,
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Timestamp:    time.Now().UTC(),
			Body:         body,
		})
	if err != nil {
		return fmt.Errorf("publishing to %s/%s: %w", exchange, routingKey, err)
	}

	acked, err := confirmation.WaitContext(confirmCtx)
	if err != nil {
		return fmt.Errorf("waiting for publish confirm: %w", err)
	}
	if !acked {
		return fmt.Errorf("broker rejected publish to %s/%s", exchange, routingKey)
	}
	return nil
}

// BindQueue binds an existing queue to an exchange with a routing pattern.
func (b *AMQPBus) BindQueue(_ context.Context, queue, exchange, pattern string) error {
	ch, err := b.channel()
	if err != nil {
		return err
	}
	defer ch.Close()
	return ch.QueueBind(queue, pattern, exchange, false, nil)
}

// DeclareWorkerQueue declares a durable job queue with DLX wiring and binds
// the worker's routing patterns.
func (b *AMQPBus) DeclareWorkerQueue(queue string, patterns []string) error {
	ch, err := b.channel()
	if err != nil {
		return err
	}
	defer ch.Close()
	return DeclareJobQueue(ch, queue, patterns)
}

// Consume runs a manual-ack consumer loop on a dedicated channel until ctx is
// cancelled. Channel drops are survived by waiting for the reconnect monitor
// and resubscribing.
func (b *AMQPBus) Consume(ctx context.Context, queue string, handler interfaces.DeliveryHandler) error {
	for {
		if err := b.consumeOnce(ctx, queue, handler); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			b.logger.Warn().Err(err).Str("queue", queue).Msg("Consumer stopped, retrying")
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(b.cfg.ReconnectInterval):
		}
	}
}

func (b *AMQPBus) consumeOnce(ctx context.Context, queue string, handler interfaces.DeliveryHandler) error {
	ch, err := b.channel()
	if err != nil {
		return err
	}
	defer ch.Close()

	if err := ch.Qos(b.cfg.Prefetch, 0, false); err != nil {
		return fmt.Errorf("setting prefetch: %w", err)
	}

	deliveries, err := ch.ConsumeWithContext(ctx, queue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("consuming %s: %w", queue, err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case d, ok := <-deliveries:
			if !ok {
				return fmt.Errorf("delivery channel for %s closed", queue)
			}
			msg := d
			handler(ctx, interfaces.Delivery{
				RoutingKey: msg.RoutingKey,
				Body:       msg.Body,
				Ack:        func() error { return msg.Ack(false) },
				Reject:     func(requeue bool) error { return msg.Nack(false, requeue) },
			})
		}
	}
}

// channel opens a short-lived channel on the live connection.
func (b *AMQPBus) channel() (*amqp.Channel, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if !b.online || b.conn == nil {
		return nil, fmt.Errorf("message bus offline")
	}
	return b.conn.Channel()
}

// Close shuts the connection down and stops the reconnect monitor.
func (b *AMQPBus) Close() error {
	var err error
	b.closeOnce.Do(func() {
		close(b.done)
		b.mu.Lock()
		b.setOnlineLocked(false)
		conn := b.conn
		b.mu.Unlock()
		if conn != nil {
			err = conn.Close()
		}
	})
	return err
}
