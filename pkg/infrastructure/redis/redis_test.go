package redis

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	appoutbox "gitea.xscloud.ru/xscloud/fleet-outbox/pkg/application/outbox"
	"gitea.xscloud.ru/xscloud/fleet-outbox/pkg/infrastructure/outbox"
)

var testMessage = outbox.Message{
	ID:            "0192f0c4-9f3a-7c1e-8a57-3b2d9a1f6e10",
	AggregateType: "USER",
	AggregateID:   "42",
	EventType:     "user.registered",
	Payload:       []byte(`{"userId":"42"}`),
	CreatedAt:     time.Date(2025, 11, 4, 10, 0, 0, 0, time.UTC),
}

func TestXAddArgs(t *testing.T) {
	args := xAddArgs(StreamConfig{Prefix: "fleet", MaxLenApprox: 1000}, testMessage)

	assert.Equal(t, "fleet:user.registered", args.Stream)
	assert.Equal(t, int64(1000), args.MaxLen)
	assert.True(t, args.Approx)

	values, ok := args.Values.(map[string]any)
	require.True(t, ok)
	// redis returns stream values as strings
	stored := make(map[string]any, len(values))
	for k, v := range values {
		if b, isBytes := v.([]byte); isBytes {
			v = string(b)
		}
		stored[k] = v
	}
	assert.Equal(t, appoutbox.IncomingEvent{
		ID:            testMessage.ID,
		AggregateType: "USER",
		AggregateID:   "42",
		EventType:     "user.registered",
		Payload:       testMessage.Payload,
	}, IncomingEvent(stored))
}

func TestIsBusyGroup(t *testing.T) {
	assert.True(t, isBusyGroup(errors.New("BUSYGROUP Consumer Group name already exists")))
	assert.False(t, isBusyGroup(errors.New("ERR no such key")))
	assert.False(t, isBusyGroup(nil))
}

func newTestClient(t *testing.T) (*goredis.Client, *miniredis.Miniredis) {
	t.Helper()
	server := miniredis.RunT(t)
	client, err := NewClient(context.Background(), Config{Addr: server.Addr()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return client, server
}

func TestDeduplicator(t *testing.T) {
	client, server := newTestClient(t)
	ctx := context.Background()
	dedup := NewDeduplicator(client, "seen", time.Minute)
	key := testMessage.IdempotencyKey()

	seen, err := dedup.Seen(ctx, key)
	require.NoError(t, err)
	assert.False(t, seen)

	require.NoError(t, dedup.MarkSeen(ctx, key))
	seen, err = dedup.Seen(ctx, key)
	require.NoError(t, err)
	assert.True(t, seen)
	assert.Equal(t, time.Minute, server.TTL("seen:"+key))

	server.FastForward(2 * time.Minute)
	seen, err = dedup.Seen(ctx, key)
	require.NoError(t, err)
	assert.False(t, seen)
}

func testConsumerConfig() StreamConsumerConfig {
	return StreamConsumerConfig{
		StreamConfig: StreamConfig{Prefix: "fleet"},
		Group:        "notifications",
		Consumer:     "notifications-1",
		EventTypes:   []string{testMessage.EventType},
		Block:        20 * time.Millisecond,
	}
}

func pendingCount(t *testing.T, client *goredis.Client) int64 {
	t.Helper()
	pending, err := client.XPending(context.Background(), StreamName("fleet", testMessage.EventType), "notifications").Result()
	require.NoError(t, err)
	return pending.Count
}

func TestStreamTransport(t *testing.T) {
	client, _ := newTestClient(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, NewStreamTransport(client, StreamConfig{Prefix: "fleet"}).Deliver(ctx, testMessage))

	var received []appoutbox.IncomingEvent
	err := ConsumeStreams(ctx, client, testConsumerConfig(), func(_ context.Context, event appoutbox.IncomingEvent) error {
		received = append(received, event)
		cancel()
		return nil
	}, func(error, appoutbox.IncomingEvent) {})
	require.NoError(t, err)

	require.Len(t, received, 1)
	assert.Equal(t, testMessage.IdempotencyKey(), received[0].IdempotencyKey())
	assert.Equal(t, testMessage.Payload, received[0].Payload)
	assert.Zero(t, pendingCount(t, client))
}

func TestConsumeStreamsRedelivery(t *testing.T) {
	errTransient := errors.New("search index unavailable")

	t.Run("failed entry is handled again after restart", func(t *testing.T) {
		client, _ := newTestClient(t)
		require.NoError(t, NewStreamTransport(client, StreamConfig{Prefix: "fleet"}).Deliver(context.Background(), testMessage))

		var failures []error
		onError := func(err error, _ appoutbox.IncomingEvent) { failures = append(failures, err) }

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		err := ConsumeStreams(ctx, client, testConsumerConfig(), func(context.Context, appoutbox.IncomingEvent) error {
			cancel()
			return errTransient
		}, onError)
		require.NoError(t, err)
		assert.Equal(t, []error{errTransient}, failures)
		assert.Equal(t, int64(1), pendingCount(t, client))

		restarted, stop := context.WithTimeout(context.Background(), 5*time.Second)
		defer stop()
		var received []appoutbox.IncomingEvent
		err = ConsumeStreams(restarted, client, testConsumerConfig(), func(_ context.Context, event appoutbox.IncomingEvent) error {
			received = append(received, event)
			stop()
			return nil
		}, onError)
		require.NoError(t, err)

		require.Len(t, received, 1)
		assert.Equal(t, testMessage.IdempotencyKey(), received[0].IdempotencyKey())
		assert.Zero(t, pendingCount(t, client))
	})

	t.Run("failed entry is handled again while running", func(t *testing.T) {
		client, _ := newTestClient(t)
		require.NoError(t, NewStreamTransport(client, StreamConfig{Prefix: "fleet"}).Deliver(context.Background(), testMessage))

		config := testConsumerConfig()
		config.ClaimInterval = 50 * time.Millisecond
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		calls := 0
		err := ConsumeStreams(ctx, client, config, func(context.Context, appoutbox.IncomingEvent) error {
			calls++
			if calls == 1 {
				return errTransient
			}
			cancel()
			return nil
		}, func(error, appoutbox.IncomingEvent) {})
		require.NoError(t, err)

		assert.Equal(t, 2, calls)
		assert.Zero(t, pendingCount(t, client))
	})

	t.Run("permanent failure is acknowledged", func(t *testing.T) {
		client, _ := newTestClient(t)
		require.NoError(t, NewStreamTransport(client, StreamConfig{Prefix: "fleet"}).Deliver(context.Background(), testMessage))

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		err := ConsumeStreams(ctx, client, testConsumerConfig(), func(context.Context, appoutbox.IncomingEvent) error {
			cancel()
			return appoutbox.ErrUnknownEventType
		}, func(error, appoutbox.IncomingEvent) {})
		require.NoError(t, err)

		assert.Zero(t, pendingCount(t, client))
	})
}
