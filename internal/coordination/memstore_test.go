package coordination

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Milvasoft/milvaion-sub003/internal/interfaces"
)

func TestMemStoreZSetOrdering(t *testing.T) {
	store := NewMemStore()
	ctx := context.Background()

	require.NoError(t, store.ZAdd(ctx, "sched",
		interfaces.ZMember{Member: "job-c", Score: 300},
		interfaces.ZMember{Member: "job-a", Score: 100},
		interfaces.ZMember{Member: "job-b", Score: 200},
	))

	due, err := store.ZRangeByScore(ctx, "sched", 0, 250, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"job-a", "job-b"}, due)

	// Limit trims after ordering.
	due, err = store.ZRangeByScore(ctx, "sched", 0, 1000, 1)
	require.NoError(t, err)
	assert.Equal(t, []string{"job-a"}, due)

	// Re-adding a member moves its score instead of duplicating.
	require.NoError(t, store.ZAdd(ctx, "sched", interfaces.ZMember{Member: "job-a", Score: 400}))
	score, ok, err := store.ZScore(ctx, "sched", "job-a")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, float64(400), score)

	require.NoError(t, store.ZRem(ctx, "sched", "job-b", "job-c"))
	remaining, err := store.ZRangeByScore(ctx, "sched", 0, 1000, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"job-a"}, remaining)
}

func TestMemStoreZRangeInclusiveBound(t *testing.T) {
	store := NewMemStore()
	ctx := context.Background()

	now := float64(1700000000)
	require.NoError(t, store.ZAdd(ctx, "sched", interfaces.ZMember{Member: "exact", Score: now}))

	due, err := store.ZRangeByScore(ctx, "sched", 0, now, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"exact"}, due, "a score equal to max must be returned")
}

func TestMemStoreSetNX(t *testing.T) {
	store := NewMemStore()
	ctx := context.Background()

	ok, err := store.SetNX(ctx, "lock", "holder-1", 0)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = store.SetNX(ctx, "lock", "holder-2", 0)
	require.NoError(t, err)
	assert.False(t, ok, "second SetNX on a held key must lose")

	val, found, err := store.Get(ctx, "lock")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "holder-1", val)

	require.NoError(t, store.Del(ctx, "lock"))
	ok, err = store.SetNX(ctx, "lock", "holder-2", 0)
	require.NoError(t, err)
	assert.True(t, ok, "SetNX succeeds again after delete")
}

func TestMemStoreTTLExpiry(t *testing.T) {
	store := NewMemStore()
	ctx := context.Background()

	require.NoError(t, store.Set(ctx, "short", "v", 20*time.Millisecond))

	_, found, err := store.Get(ctx, "short")
	require.NoError(t, err)
	assert.True(t, found)

	time.Sleep(40 * time.Millisecond)

	_, found, err = store.Get(ctx, "short")
	require.NoError(t, err)
	assert.False(t, found, "expired key must read as absent")

	// SetNX can claim an expired key.
	ok, err := store.SetNX(ctx, "short", "new", 0)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestMemStoreCounters(t *testing.T) {
	store := NewMemStore()
	ctx := context.Background()

	n, err := store.IncrBy(ctx, "slots", 1)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	n, err = store.IncrBy(ctx, "slots", 2)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	n, err = store.IncrBy(ctx, "slots", -3)
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)
}

func TestMemStoreSets(t *testing.T) {
	store := NewMemStore()
	ctx := context.Background()

	require.NoError(t, store.SAdd(ctx, "running", "job-1", "job-2"))
	require.NoError(t, store.SAdd(ctx, "running", "job-2"))

	members, err := store.SMembers(ctx, "running")
	require.NoError(t, err)
	assert.Equal(t, []string{"job-1", "job-2"}, members)

	ok, err := store.SIsMember(ctx, "running", "job-1")
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, store.SRem(ctx, "running", "job-1"))
	ok, err = store.SIsMember(ctx, "running", "job-1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMemStoreHashes(t *testing.T) {
	store := NewMemStore()
	ctx := context.Background()

	require.NoError(t, store.HSet(ctx, "worker:email", map[string]string{"instance:a": "1"}))
	require.NoError(t, store.HSet(ctx, "worker:email", map[string]string{"instance:b": "2"}))

	fields, err := store.HGetAll(ctx, "worker:email")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"instance:a": "1", "instance:b": "2"}, fields)

	fields, err = store.HGetAll(ctx, "worker:missing")
	require.NoError(t, err)
	assert.Empty(t, fields)
}

func TestMemStorePubSub(t *testing.T) {
	store := NewMemStore()
	ctx := context.Background()

	ch1, stop1, err := store.Subscribe(ctx, "cancel")
	require.NoError(t, err)
	ch2, stop2, err := store.Subscribe(ctx, "cancel")
	require.NoError(t, err)
	defer stop2()

	require.NoError(t, store.Publish(ctx, "cancel", "payload-1"))

	assert.Equal(t, "payload-1", <-ch1)
	assert.Equal(t, "payload-1", <-ch2)

	// After stop the subscriber no longer receives.
	stop1()
	require.NoError(t, store.Publish(ctx, "cancel", "payload-2"))
	assert.Equal(t, "payload-2", <-ch2)

	_, open := <-ch1
	assert.False(t, open, "stopped subscriber channel must be closed")
}

func TestMemStorePubSubStopUnderLoad(t *testing.T) {
	store := NewMemStore()
	ctx := context.Background()

	stopPublishing := make(chan struct{})
	var wg sync.WaitGroup
	for p := 0; p < 4; p++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stopPublishing:
					return
				default:
					_ = store.Publish(ctx, "cancel", "corr-1")
				}
			}
		}()
	}

	// Subscribers churn while publishers hammer the channel; a close racing
	// a send would panic here.
	for i := 0; i < 200; i++ {
		ch, stop, err := store.Subscribe(ctx, "cancel")
		require.NoError(t, err)
		drained := make(chan struct{})
		go func() {
			for range ch {
			}
			close(drained)
		}()
		stop()
		stop() // second call is a no-op

		select {
		case <-drained:
		case <-time.After(time.Second):
			t.Fatal("subscriber channel never closed")
		}
	}

	close(stopPublishing)
	wg.Wait()
}
