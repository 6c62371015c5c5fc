package eventbus

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRedis(t *testing.T) (*miniredis.Miniredis, redis.UniversalClient) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

func TestRedisDeduper(t *testing.T) {
	ctx := context.Background()
	mr, client := newRedis(t)
	deduper := NewRedisDeduper(client, time.Minute)

	seen, err := deduper.Seen(ctx, "evt-1")
	require.NoError(t, err)
	assert.False(t, seen)

	require.NoError(t, deduper.MarkSeen(ctx, "evt-1"))

	seen, err = deduper.Seen(ctx, "evt-1")
	require.NoError(t, err)
	assert.True(t, seen)

	mr.FastForward(2 * time.Minute)

	seen, err = deduper.Seen(ctx, "evt-1")
	require.NoError(t, err)
	assert.False(t, seen)
}

func TestMemoryDeduperIgnoresEmptyIDs(t *testing.T) {
	ctx := context.Background()
	deduper := NewMemoryDeduper(time.Minute)

	require.NoError(t, deduper.MarkSeen(ctx, ""))
	seen, err := deduper.Seen(ctx, "")
	require.NoError(t, err)
	assert.False(t, seen)

	require.NoError(t, deduper.MarkSeen(ctx, "evt-2"))
	seen, err = deduper.Seen(ctx, "evt-2")
	require.NoError(t, err)
	assert.True(t, seen)
}

func TestBusPublish(t *testing.T) {
	ctx := context.Background()
	_, client := newRedis(t)

	sub := client.Subscribe(ctx, ChannelAlerts)
	defer sub.Close()
	_, err := sub.Receive(ctx)
	require.NoError(t, err)

	event, err := NewEvent(EventAlertCreated, AlertEvent{AlertID: "a-1", Severity: "CRITICAL"})
	require.NoError(t, err)
	require.NoError(t, NewBus(client).Publish(ctx, ChannelAlerts, event))

	select {
	case msg := <-sub.Channel():
		var received Event
		require.NoError(t, json.Unmarshal([]byte(msg.Payload), &received))
		assert.Equal(t, EventAlertCreated, received.Type)

		var alert AlertEvent
		require.NoError(t, json.Unmarshal(received.Data, &alert))
		assert.Equal(t, "a-1", alert.AlertID)
	case <-time.After(2 * time.Second):
		t.Fatal("no message received")
	}
}

func TestEventID(t *testing.T) {
	withHeader := kafka.Message{
		Key:     []byte("key-1"),
		Headers: []kafka.Header{{Key: HeaderEventID, Value: []byte("evt-header")}},
	}
	assert.Equal(t, "evt-header", EventID(withHeader))

	assert.Equal(t, "key-1", EventID(kafka.Message{Key: []byte("key-1")}))

	fromBody := kafka.Message{Value: []byte(`{"event_id":"evt-body"}`)}
	assert.Equal(t, "evt-body", EventID(fromBody))
}

func TestEncodeDLQPayload(t *testing.T) {
	message := kafka.Message{
		Topic:   "finflow.approvals",
		Key:     []byte("evt-1"),
		Value:   []byte(`{"event_id":"evt-1"}`),
		Headers: []kafka.Header{{Key: HeaderRetryCount, Value: []byte("3")}},
	}

	data, err := EncodeDLQPayload(message, errors.New("provider down"))
	require.NoError(t, err)

	var payload DLQPayload
	require.NoError(t, json.Unmarshal(data, &payload))
	assert.Equal(t, "finflow.approvals", payload.OriginTopic)
	assert.Equal(t, "3", payload.Headers[HeaderRetryCount])
	assert.Equal(t, "provider down", payload.Error)
}
