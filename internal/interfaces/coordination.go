package interfaces

import (
	"context"
	"time"
)

// ZMember is one member of a time-ordered set; Score is unix seconds.
type ZMember struct {
	Member string
	Score  float64
}

// CoordinationStore models the shared coordination primitives (Redis in
// production, an in-memory fake in tests and embedded mode). Every method is
// a single atomic operation; compound flows use check-then-act with
// compensating deletes.
type CoordinationStore interface {
	// Sorted set (the scheduled-time index).
	ZAdd(ctx context.Context, key string, members ...ZMember) error
	ZRangeByScore(ctx context.Context, key string, min, max float64, limit int) ([]string, error)
	ZRem(ctx context.Context, key string, members ...string) error
	ZScore(ctx context.Context, key, member string) (float64, bool, error)

	// Plain keys.
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	// SetNX is the single-round-trip test-and-set used for running markers
	// and the leader lease.
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	Del(ctx context.Context, keys ...string) error
	Expire(ctx context.Context, key string, ttl time.Duration) error
	IncrBy(ctx context.Context, key string, delta int64) (int64, error)

	// Sets.
	SAdd(ctx context.Context, key string, members ...string) error
	SRem(ctx context.Context, key string, members ...string) error
	SMembers(ctx context.Context, key string) ([]string, error)
	SIsMember(ctx context.Context, key, member string) (bool, error)

	// Hashes (job cache, worker registry).
	HSet(ctx context.Context, key string, fields map[string]string) error
	HGetAll(ctx context.Context, key string) (map[string]string, error)

	// Pub/sub (cancellation channel). The returned stop function unsubscribes
	// and closes the channel.
	Publish(ctx context.Context, channel, payload string) error
	Subscribe(ctx context.Context, channel string) (<-chan string, func(), error)

	Close() error
}
