package coordination

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/Milvasoft/milvaion-sub003/internal/interfaces"
)

// ErrCircuitOpen is returned while the coordination-store circuit breaker is
// open; callers treat it as a transient failure and retry after the cooldown.
var ErrCircuitOpen = errors.New("coordination store circuit open")

// BreakerStore wraps a coordination store with a circuit breaker: after
// failureThreshold consecutive errors the circuit opens for cooldown and
// every call fails fast with ErrCircuitOpen.
type BreakerStore struct {
	inner interfaces.CoordinationStore

	mu               sync.Mutex
	failures         int
	openUntil        time.Time
	failureThreshold int
	cooldown         time.Duration

	logger arbor.ILogger
}

// NewBreakerStore wraps a store with failure counting.
func NewBreakerStore(inner interfaces.CoordinationStore, failureThreshold int, cooldown time.Duration, logger arbor.ILogger) *BreakerStore {
	return &BreakerStore{
		inner:            inner,
		failureThreshold: failureThreshold,
		cooldown:         cooldown,
		logger:           logger,
	}
}

// call runs op unless the circuit is open, then records the outcome.
func (b *BreakerStore) call(op func() error) error {
	b.mu.Lock()
	if time.Now().Before(b.openUntil) {
		b.mu.Unlock()
		return ErrCircuitOpen
	}
	b.mu.Unlock()

	err := op()

	b.mu.Lock()
	defer b.mu.Unlock()
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		b.failures = 0
		return err
	}
	b.failures++
	if b.failures >= b.failureThreshold {
		b.openUntil = time.Now().Add(b.cooldown)
		b.failures = 0
		b.logger.Warn().
			Err(err).
			Dur("cooldown", b.cooldown).
			Msg("Coordination store circuit opened")
	}
	return err
}

func (b *BreakerStore) ZAdd(ctx context.Context, key string, members ...interfaces.ZMember) error {
	return b.call(func() error { return b.inner.ZAdd(ctx, key, members...) })
}

func (b *BreakerStore) ZRangeByScore(ctx context.Context, key string, min, max float64, limit int) (out []string, err error) {
	err = b.call(func() error {
		out, err = b.inner.ZRangeByScore(ctx, key, min, max, limit)
		return err
	})
	return out, err
}

func (b *BreakerStore) ZRem(ctx context.Context, key string, members ...string) error {
	return b.call(func() error { return b.inner.ZRem(ctx, key, members...) })
}

func (b *BreakerStore) ZScore(ctx context.Context, key, member string) (score float64, ok bool, err error) {
	err = b.call(func() error {
		score, ok, err = b.inner.ZScore(ctx, key, member)
		return err
	})
	return score, ok, err
}

func (b *BreakerStore) Get(ctx context.Context, key string) (val string, ok bool, err error) {
	err = b.call(func() error {
		val, ok, err = b.inner.Get(ctx, key)
		return err
	})
	return val, ok, err
}

func (b *BreakerStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return b.call(func() error { return b.inner.Set(ctx, key, value, ttl) })
}

func (b *BreakerStore) SetNX(ctx context.Context, key, value string, ttl time.Duration) (ok bool, err error) {
	err = b.call(func() error {
		ok, err = b.inner.SetNX(ctx, key, value, ttl)
		return err
	})
	return ok, err
}

func (b *BreakerStore) Del(ctx context.Context, keys ...string) error {
	return b.call(func() error { return b.inner.Del(ctx, keys...) })
}

func (b *BreakerStore) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return b.call(func() error { return b.inner.Expire(ctx, key, ttl) })
}

func (b *BreakerStore) IncrBy(ctx context.Context, key string, delta int64) (val int64, err error) {
	err = b.call(func() error {
		val, err = b.inner.IncrBy(ctx, key, delta)
		return err
	})
	return val, err
}

func (b *BreakerStore) SAdd(ctx context.Context, key string, members ...string) error {
	return b.call(func() error { return b.inner.SAdd(ctx, key, members...) })
}

func (b *BreakerStore) SRem(ctx context.Context, key string, members ...string) error {
	return b.call(func() error { return b.inner.SRem(ctx, key, members...) })
}

func (b *BreakerStore) SMembers(ctx context.Context, key string) (out []string, err error) {
	err = b.call(func() error {
		out, err = b.inner.SMembers(ctx, key)
		return err
	})
	return out, err
}

func (b *BreakerStore) SIsMember(ctx context.Context, key, member string) (ok bool, err error) {
	err = b.call(func() error {
		ok, err = b.inner.SIsMember(ctx, key, member)
		return err
	})
	return ok, err
}

func (b *BreakerStore) HSet(ctx context.Context, key string, fields map[string]string) error {
	return b.call(func() error { return b.inner.HSet(ctx, key, fields) })
}

func (b *BreakerStore) HGetAll(ctx context.Context, key string) (out map[string]string, err error) {
	err = b.call(func() error {
		out, err = b.inner.HGetAll(ctx, key)
		return err
	})
	return out, err
}

func (b *BreakerStore) Publish(ctx context.Context, channel, payload string) error {
	return b.call(func() error { return b.inner.Publish(ctx, channel, payload) })
}

func (b *BreakerStore) Subscribe(ctx context.Context, channel string) (<-chan string, func(), error) {
	// Subscriptions are long-lived; the breaker only guards the initial call.
	b.mu.Lock()
	if time.Now().Before(b.openUntil) {
		b.mu.Unlock()
		return nil, nil, ErrCircuitOpen
	}
	b.mu.Unlock()
	return b.inner.Subscribe(ctx, channel)
}

func (b *BreakerStore) Close() error {
	return b.inner.Close()
}
