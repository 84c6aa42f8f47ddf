package bus

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/Milvasoft/milvaion-sub003/internal/interfaces"
)

// errOffline is returned by Publish while the fake is offline.
var errOffline = errors.New("message bus offline")

// PublishedMessage records one publish for test assertions.
type PublishedMessage struct {
	Exchange   string
	RoutingKey string
	Body       []byte
}

type fakeBinding struct {
	exchange string
	pattern  string
}

// FakeBus is an in-process MessageBus with real topic-exchange routing
// semantics. Tests declare queues, bind patterns, and drive consumers without
// a broker; connectivity can be toggled to exercise offline paths.
type FakeBus struct {
	mu         sync.Mutex
	queues     map[string]chan PublishedMessage
	bindings   map[string][]fakeBinding
	published  []PublishedMessage
	rejected   []PublishedMessage
	online     bool
	watchers   []chan bool
	publishErr error
}

// NewFakeBus creates an online fake with no queues.
func NewFakeBus() *FakeBus {
	return &FakeBus{
		queues:   make(map[string]chan PublishedMessage),
		bindings: make(map[string][]fakeBinding),
		online:   true,
	}
}

// DeclareQueue creates a buffered queue.
func (f *FakeBus) DeclareQueue(queue string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.queues[queue]; !ok {
		f.queues[queue] = make(chan PublishedMessage, 256)
	}
}

// BindQueue binds a queue to an exchange with a topic pattern.
func (f *FakeBus) BindQueue(_ context.Context, queue, exchange, pattern string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.queues[queue]; !ok {
		f.queues[queue] = make(chan PublishedMessage, 256)
	}
	f.bindings[queue] = append(f.bindings[queue], fakeBinding{exchange: exchange, pattern: pattern})
	return nil
}

// FailPublishes makes every subsequent Publish return err (nil restores).
func (f *FakeBus) FailPublishes(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.publishErr = err
}

// Publish routes the message to every queue whose binding matches.
func (f *FakeBus) Publish(_ context.Context, exchange, routingKey string, body []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.publishErr != nil {
		return f.publishErr
	}
	if !f.online {
		return errOffline
	}

	msg := PublishedMessage{Exchange: exchange, RoutingKey: routingKey, Body: body}
	f.published = append(f.published, msg)
	for queue, bindings := range f.bindings {
		for _, b := range bindings {
			if b.exchange == exchange && TopicMatch(b.pattern, routingKey) {
				select {
				case f.queues[queue] <- msg:
				default:
				}
				break
			}
		}
	}
	return nil
}

// Consume delivers queued messages to the handler until ctx is cancelled.
func (f *FakeBus) Consume(ctx context.Context, queue string, handler interfaces.DeliveryHandler) error {
	f.mu.Lock()
	ch, ok := f.queues[queue]
	if !ok {
		ch = make(chan PublishedMessage, 256)
		f.queues[queue] = ch
	}
	f.mu.Unlock()

	for {
		select {
		case <-ctx.Done():
			return nil
		case msg := <-ch:
			f.deliver(ctx, queue, msg, handler)
		}
	}
}

func (f *FakeBus) deliver(ctx context.Context, queue string, msg PublishedMessage, handler interfaces.DeliveryHandler) {
	handler(ctx, interfaces.Delivery{
		RoutingKey: msg.RoutingKey,
		Body:       msg.Body,
		Ack:        func() error { return nil },
		Reject: func(requeue bool) error {
			f.mu.Lock()
			defer f.mu.Unlock()
			if requeue {
				select {
				case f.queues[queue] <- msg:
				default:
				}
			} else {
				f.rejected = append(f.rejected, msg)
			}
			return nil
		},
	})
}

// IsOnline reports the simulated connectivity.
func (f *FakeBus) IsOnline() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.online
}

// SetOnline toggles connectivity and notifies watchers.
func (f *FakeBus) SetOnline(online bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.online == online {
		return
	}
	f.online = online
	for _, w := range f.watchers {
		select {
		case w <- online:
		default:
		}
	}
}

// OnlineChanges streams connectivity transitions.
func (f *FakeBus) OnlineChanges() <-chan bool {
	ch := make(chan bool, 4)
	f.mu.Lock()
	f.watchers = append(f.watchers, ch)
	f.mu.Unlock()
	return ch
}

// Published returns a copy of everything published so far.
func (f *FakeBus) Published() []PublishedMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]PublishedMessage, len(f.published))
	copy(out, f.published)
	return out
}

// Rejected returns every message dead-lettered via Reject(false).
func (f *FakeBus) Rejected() []PublishedMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]PublishedMessage, len(f.rejected))
	copy(out, f.rejected)
	return out
}

// Close is a no-op for the fake.
func (f *FakeBus) Close() error { return nil }

// TopicMatch implements AMQP topic matching: "*" matches exactly one dot
// segment, "#" matches zero or more.
func TopicMatch(pattern, routingKey string) bool {
	return topicMatch(strings.Split(pattern, "."), strings.Split(routingKey, "."))
}

func topicMatch(pattern, key []string) bool {
	if len(pattern) == 0 {
		return len(key) == 0
	}
	switch pattern[0] {
	case "#":
		if topicMatch(pattern[1:], key) {
			return true
		}
		if len(key) == 0 {
			return false
		}
		return topicMatch(pattern, key[1:])
	case "*":
		if len(key) == 0 {
			return false
		}
		return topicMatch(pattern[1:], key[1:])
	default:
		if len(key) == 0 || pattern[0] != key[0] {
			return false
		}
		return topicMatch(pattern[1:], key[1:])
	}
}
