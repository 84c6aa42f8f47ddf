package bus

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Milvasoft/milvaion-sub003/internal/interfaces"
)

func TestTopicMatch(t *testing.T) {
	cases := []struct {
		pattern string
		key     string
		want    bool
	}{
		{"emailworker.send_email.*", "emailworker.send_email.corr-1", true},
		{"emailworker.send_email.*", "emailworker.send_email", false},
		{"emailworker.send_email.*", "emailworker.send_email.a.b", false},
		{"emailworker.*.*", "emailworker.send_email.corr-1", true},
		{"#", "anything.at.all", true},
		{"#", "", true},
		{"emailworker.#", "emailworker", true},
		{"emailworker.#", "emailworker.send_email.corr-1", true},
		{"emailworker.#", "otherworker.send_email.corr-1", false},
		{"a.*.c", "a.b.c", true},
		{"a.*.c", "a.b.d", false},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, TopicMatch(tc.pattern, tc.key),
			"pattern %q key %q", tc.pattern, tc.key)
	}
}

func TestFakeBusRoutesByBinding(t *testing.T) {
	fake := NewFakeBus()
	ctx := context.Background()

	require.NoError(t, fake.BindQueue(ctx, "email_queue", JobsExchange, "emailworker.send_email.*"))
	require.NoError(t, fake.BindQueue(ctx, "report_queue", JobsExchange, "reportworker.#"))

	require.NoError(t, fake.Publish(ctx, JobsExchange, "emailworker.send_email.corr-1", []byte("a")))
	require.NoError(t, fake.Publish(ctx, JobsExchange, "reportworker.nightly.corr-2", []byte("b")))

	consumeCtx, cancel := context.WithCancel(ctx)
	var mu sync.Mutex
	var got []string
	go fake.Consume(consumeCtx, "email_queue", func(_ context.Context, d interfaces.Delivery) {
		mu.Lock()
		got = append(got, string(d.Body))
		mu.Unlock()
		_ = d.Ack()
	})

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1
	}, time.Second, 10*time.Millisecond)
	cancel()

	mu.Lock()
	assert.Equal(t, []string{"a"}, got, "email queue must only see its own binding")
	mu.Unlock()

	assert.Len(t, fake.Published(), 2)
}

func TestFakeBusRejectDeadLetters(t *testing.T) {
	fake := NewFakeBus()
	ctx := context.Background()

	require.NoError(t, fake.BindQueue(ctx, "q", JobsExchange, "#"))
	require.NoError(t, fake.Publish(ctx, JobsExchange, "w.j.c", []byte("poison")))

	consumeCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go fake.Consume(consumeCtx, "q", func(_ context.Context, d interfaces.Delivery) {
		_ = d.Reject(false)
		close(done)
	})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("delivery never arrived")
	}
	cancel()

	rejected := fake.Rejected()
	require.Len(t, rejected, 1)
	assert.Equal(t, "poison", string(rejected[0].Body))
}

func TestFakeBusOfflineAndWatchers(t *testing.T) {
	fake := NewFakeBus()
	ctx := context.Background()
	changes := fake.OnlineChanges()

	fake.SetOnline(false)
	assert.False(t, fake.IsOnline())
	assert.False(t, <-changes)

	err := fake.Publish(ctx, JobsExchange, "w.j.c", []byte("x"))
	require.ErrorIs(t, err, errOffline)

	fake.SetOnline(true)
	assert.True(t, <-changes)
	require.NoError(t, fake.Publish(ctx, JobsExchange, "w.j.c", []byte("x")))
}

func TestFakeBusFailPublishes(t *testing.T) {
	fake := NewFakeBus()
	boom := errors.New("boom")
	fake.FailPublishes(boom)

	err := fake.Publish(context.Background(), JobsExchange, "w.j.c", nil)
	require.ErrorIs(t, err, boom)

	fake.FailPublishes(nil)
	require.NoError(t, fake.Publish(context.Background(), JobsExchange, "w.j.c", nil))
}
