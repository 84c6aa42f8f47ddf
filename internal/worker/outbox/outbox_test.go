package outbox

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"

	"github.com/Milvasoft/milvaion-sub003/internal/bus"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(t.TempDir(), arbor.NewLogger())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestAppendAndPendingOrder(t *testing.T) {
	store := openTestStore(t)

	for _, msg := range []string{"first", "second", "third"} {
		require.NoError(t, store.Append(&Record{
			CorrelationID: "corr-1",
			Kind:          KindStatus,
			Exchange:      "",
			RoutingKey:    bus.StatusUpdatesQueue,
			Payload:       []byte(msg),
		}))
	}

	pending, err := store.Pending(0)
	require.NoError(t, err)
	require.Len(t, pending, 3)
	assert.Equal(t, "first", string(pending[0].Payload))
	assert.Equal(t, "second", string(pending[1].Payload))
	assert.Equal(t, "third", string(pending[2].Payload))
	assert.Less(t, pending[0].Seq, pending[1].Seq)

	require.NoError(t, store.Delete(pending[0].ID))
	pending, err = store.Pending(0)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, "second", string(pending[0].Payload))
}

func TestHeartbeatCoalescing(t *testing.T) {
	store := openTestStore(t)

	for i := 0; i < 5; i++ {
		require.NoError(t, store.Append(&Record{
			CorrelationID: "corr-1",
			Kind:          KindJobHeartbeat,
			CoalesceKey:   "job_heartbeat:corr-1",
			RoutingKey:    bus.WorkerHeartbeatQueue,
			Payload:       []byte{byte('0' + i)},
		}))
	}
	// A different correlation keeps its own heartbeat.
	require.NoError(t, store.Append(&Record{
		CorrelationID: "corr-2",
		Kind:          KindJobHeartbeat,
		CoalesceKey:   "job_heartbeat:corr-2",
		RoutingKey:    bus.WorkerHeartbeatQueue,
		Payload:       []byte("x"),
	}))

	pending, err := store.Pending(0)
	require.NoError(t, err)
	require.Len(t, pending, 2, "only the newest heartbeat per key survives")
	assert.Equal(t, "4", string(pending[0].Payload))
	assert.Equal(t, "x", string(pending[1].Payload))
}

func TestSeqSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	logger := arbor.NewLogger()

	store, err := Open(dir, logger)
	require.NoError(t, err)
	require.NoError(t, store.Append(&Record{Kind: KindStatus, Payload: []byte("a")}))
	require.NoError(t, store.Append(&Record{Kind: KindStatus, Payload: []byte("b")}))
	require.NoError(t, store.Close())

	store, err = Open(dir, logger)
	require.NoError(t, err)
	defer store.Close()

	require.NoError(t, store.Append(&Record{Kind: KindStatus, Payload: []byte("c")}))

	pending, err := store.Pending(0)
	require.NoError(t, err)
	require.Len(t, pending, 3)
	assert.Equal(t, "a", string(pending[0].Payload))
	assert.Equal(t, "c", string(pending[2].Payload), "post-restart appends sort after replayed records")
}

func TestSyncerDrainsWhileOnline(t *testing.T) {
	store := openTestStore(t)
	fake := bus.NewFakeBus()
	syncer := NewSyncer(store, fake, 10*time.Millisecond, arbor.NewLogger())

	require.NoError(t, store.Append(&Record{
		Kind:       KindStatus,
		RoutingKey: bus.StatusUpdatesQueue,
		Payload:    []byte("update-1"),
	}))

	require.NoError(t, syncer.Start(context.Background()))
	defer syncer.Stop()
	syncer.Kick()

	require.Eventually(t, func() bool {
		n, err := store.Count()
		return err == nil && n == 0
	}, 2*time.Second, 10*time.Millisecond, "outbox must drain while online")

	published := fake.Published()
	require.Len(t, published, 1)
	assert.Equal(t, bus.StatusUpdatesQueue, published[0].RoutingKey)
}

func TestSyncerBuffersWhileOffline(t *testing.T) {
	store := openTestStore(t)
	fake := bus.NewFakeBus()
	fake.SetOnline(false)
	syncer := NewSyncer(store, fake, 10*time.Millisecond, arbor.NewLogger())

	require.NoError(t, syncer.Start(context.Background()))
	defer syncer.Stop()

	require.NoError(t, store.Append(&Record{
		Kind:       KindStatus,
		RoutingKey: bus.StatusUpdatesQueue,
		Payload:    []byte("buffered"),
	}))
	syncer.Kick()

	time.Sleep(50 * time.Millisecond)
	n, err := store.Count()
	require.NoError(t, err)
	assert.Equal(t, 1, n, "records stay buffered while offline")

	// Reconnect: the syncer drains on the online transition.
	fake.SetOnline(true)
	require.Eventually(t, func() bool {
		n, err := store.Count()
		return err == nil && n == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestSyncerStopsRoundOnPublishFailure(t *testing.T) {
	store := openTestStore(t)
	fake := bus.NewFakeBus()

	require.NoError(t, store.Append(&Record{Kind: KindStatus, RoutingKey: "q", Payload: []byte("a")}))
	require.NoError(t, store.Append(&Record{Kind: KindStatus, RoutingKey: "q", Payload: []byte("b")}))

	fake.FailPublishes(errors.New("confirm timeout"))
	syncer := NewSyncer(store, fake, time.Hour, arbor.NewLogger())
	syncer.drain(context.Background())

	pending, err := store.Pending(0)
	require.NoError(t, err)
	require.Len(t, pending, 2, "nothing is deleted when the first publish fails")
	assert.Equal(t, 1, pending[0].Attempts)
	assert.Equal(t, 0, pending[1].Attempts, "order preserved, second record never attempted")

	fake.FailPublishes(nil)
	syncer.drain(context.Background())
	n, err := store.Count()
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	published := fake.Published()
	require.Len(t, published, 2)
	assert.Equal(t, "a", string(published[0].Body))
	assert.Equal(t, "b", string(published[1].Body))
}
