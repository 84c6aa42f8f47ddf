package coordination

import (
	"context"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/Milvasoft/milvaion-sub003/internal/interfaces"
)

// MemStore is an in-process coordination store with the same semantics as the
// Redis implementation. It backs tests and the embedded single-process mode.
type MemStore struct {
	mu      sync.Mutex
	strings map[string]memValue
	zsets   map[string]map[string]float64
	sets    map[string]map[string]struct{}
	hashes  map[string]map[string]string
	subs    map[string][]*memSub
	closed  bool
}

type memValue struct {
	value     string
	expiresAt time.Time // zero = no expiry
}

type memSub struct {
	ch chan string
}

// NewMemStore creates an empty in-memory coordination store.
func NewMemStore() *MemStore {
	return &MemStore{
		strings: make(map[string]memValue),
		zsets:   make(map[string]map[string]float64),
		sets:    make(map[string]map[string]struct{}),
		hashes:  make(map[string]map[string]string),
		subs:    make(map[string][]*memSub),
	}
}

func (s *MemStore) ZAdd(_ context.Context, key string, members ...interfaces.ZMember) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	z, ok := s.zsets[key]
	if !ok {
		z = make(map[string]float64)
		s.zsets[key] = z
	}
	for _, m := range members {
		z[m.Member] = m.Score
	}
	return nil
}

func (s *MemStore) ZRangeByScore(_ context.Context, key string, min, max float64, limit int) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	z := s.zsets[key]
	type entry struct {
		member string
		score  float64
	}
	matched := make([]entry, 0, len(z))
	for member, score := range z {
		if score >= min && score <= max {
			matched = append(matched, entry{member, score})
		}
	}
	sort.Slice(matched, func(i, j int) bool {
		if matched[i].score != matched[j].score {
			return matched[i].score < matched[j].score
		}
		return matched[i].member < matched[j].member
	})
	if limit > 0 && len(matched) > limit {
		matched = matched[:limit]
	}
	out := make([]string, len(matched))
	for i, e := range matched {
		out[i] = e.member
	}
	return out, nil
}

func (s *MemStore) ZRem(_ context.Context, key string, members ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	z := s.zsets[key]
	for _, m := range members {
		delete(z, m)
	}
	return nil
}

func (s *MemStore) ZScore(_ context.Context, key, member string) (float64, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	score, ok := s.zsets[key][member]
	return score, ok, nil
}

func (s *MemStore) Get(_ context.Context, key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.liveValue(key)
	if !ok {
		return "", false, nil
	}
	return v.value, true, nil
}

func (s *MemStore) Set(_ context.Context, key, value string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.strings[key] = memValue{value: value, expiresAt: expiry(ttl)}
	return nil
}

func (s *MemStore) SetNX(_ context.Context, key, value string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.liveValue(key); ok {
		return false, nil
	}
	s.strings[key] = memValue{value: value, expiresAt: expiry(ttl)}
	return true, nil
}

func (s *MemStore) Del(_ context.Context, keys ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, key := range keys {
		delete(s.strings, key)
		delete(s.zsets, key)
		delete(s.sets, key)
		delete(s.hashes, key)
	}
	return nil
}

func (s *MemStore) Expire(_ context.Context, key string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if v, ok := s.liveValue(key); ok {
		v.expiresAt = expiry(ttl)
		s.strings[key] = v
	}
	return nil
}

func (s *MemStore) IncrBy(_ context.Context, key string, delta int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	current := int64(0)
	if v, ok := s.liveValue(key); ok {
		parsed, err := strconv.ParseInt(v.value, 10, 64)
		if err != nil {
			return 0, err
		}
		current = parsed
	}
	current += delta
	s.strings[key] = memValue{value: strconv.FormatInt(current, 10)}
	return current, nil
}

func (s *MemStore) SAdd(_ context.Context, key string, members ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	set, ok := s.sets[key]
	if !ok {
		set = make(map[string]struct{})
		s.sets[key] = set
	}
	for _, m := range members {
		set[m] = struct{}{}
	}
	return nil
}

func (s *MemStore) SRem(_ context.Context, key string, members ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	set := s.sets[key]
	for _, m := range members {
		delete(set, m)
	}
	return nil
}

func (s *MemStore) SMembers(_ context.Context, key string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	set := s.sets[key]
	out := make([]string, 0, len(set))
	for m := range set {
		out = append(out, m)
	}
	sort.Strings(out)
	return out, nil
}

func (s *MemStore) SIsMember(_ context.Context, key, member string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.sets[key][member]
	return ok, nil
}

func (s *MemStore) HSet(_ context.Context, key string, fields map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.hashes[key]
	if !ok {
		h = make(map[string]string)
		s.hashes[key] = h
	}
	for k, v := range fields {
		h[k] = v
	}
	return nil
}

func (s *MemStore) HGetAll(_ context.Context, key string) (map[string]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h := s.hashes[key]
	out := make(map[string]string, len(h))
	for k, v := range h {
		out[k] = v
	}
	return out, nil
}

// Publish delivers to every live subscriber. Sends stay under the mutex so a
// concurrent stop can never close a channel mid-send; they are non-blocking,
// so holding the lock is cheap.
func (s *MemStore) Publish(_ context.Context, channel, payload string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sub := range s.subs[channel] {
		select {
		case sub.ch <- payload:
		default:
			// Slow subscriber: drop rather than block the publisher, matching
			// Redis pub/sub fire-and-forget semantics.
		}
	}
	return nil
}

func (s *MemStore) Subscribe(_ context.Context, channel string) (<-chan string, func(), error) {
	sub := &memSub{ch: make(chan string, 64)}
	s.mu.Lock()
	s.subs[channel] = append(s.subs[channel], sub)
	s.mu.Unlock()

	// The channel closes under the same mutex that guards sends, and only on
	// the call that actually removes the subscription, so stop is idempotent.
	stop := func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		subs := s.subs[channel]
		for i, candidate := range subs {
			if candidate == sub {
				s.subs[channel] = append(subs[:i], subs[i+1:]...)
				close(sub.ch)
				return
			}
		}
	}
	return sub.ch, stop, nil
}

func (s *MemStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// liveValue returns the string value unless it has expired; expired entries
// are removed lazily. Callers hold the mutex.
func (s *MemStore) liveValue(key string) (memValue, bool) {
	v, ok := s.strings[key]
	if !ok {
		return memValue{}, false
	}
	if !v.expiresAt.IsZero() && time.Now().After(v.expiresAt) {
		delete(s.strings, key)
		return memValue{}, false
	}
	return v, true
}

func expiry(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return time.Now().Add(ttl)
}
