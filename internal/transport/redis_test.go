package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"storefront-inventory/internal/models"
)

func TestRedisKeys(t *testing.T) {
	variant := models.VariantSubject("tee", "tee-m-red")
	product := models.ProductSubject("mug")

	assert.Equal(t, "inventory:events:tee/tee-m-red", EventsChannel(variant))
	assert.Equal(t, "inventory:stock:tee/tee-m-red", StockKey(variant))
	assert.Equal(t, "inventory:events:mug", EventsChannel(product))
	assert.Equal(t, "inventory:stock:mug", StockKey(product))
}

func TestSnapshotFields(t *testing.T) {
	subject := models.VariantSubject("tee", "tee-m-red")
	updated := time.Date(2026, 2, 3, 4, 5, 6, 7, time.UTC)

	encoded := encodeSnapshot(models.Snapshot{Subject: subject, Stock: 4, Version: 2, Sequence: 9, UpdatedAt: updated})
	fields := make(map[string]string, len(encoded))
	for k, v := range encoded {
		fields[k] = fmt.Sprint(v)
	}

	snapshot, err := decodeSnapshot(subject, fields)
	require.NoError(t, err)
	assert.Equal(t, 4, snapshot.Stock)
	assert.Equal(t, 2, snapshot.Version)
	assert.Equal(t, int64(9), snapshot.Sequence)
	assert.True(t, updated.Equal(snapshot.UpdatedAt))
	assert.Equal(t, subject, snapshot.Subject)
}

func TestDecodeSnapshot_Invalid(t *testing.T) {
	subject := models.ProductSubject("mug")

	tests := []struct {
		name   string
		fields map[string]string
	}{
		{"missing stock", map[string]string{"version": "1"}},
		{"bad stock", map[string]string{"stock": "many"}},
		{"bad sequence", map[string]string{"stock": "1", "sequence": "x"}},
		{"bad timestamp", map[string]string{"stock": "1", "updatedAt": "yesterday"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := decodeSnapshot(subject, tt.fields)
			assert.Error(t, err)
		})
	}
}

func TestDecodeEvent_DefaultsToServerSource(t *testing.T) {
	ev, err := decodeEvent(`{"subject":{"productId":"mug"},"newStock":3,"sequence":4}`)
	require.NoError(t, err)
	assert.Equal(t, models.SourceServer, ev.Source)
	assert.Equal(t, 3, ev.NewStock)
	assert.Equal(t, int64(4), ev.Sequence)

	_, err = decodeEvent("not json")
	assert.Error(t, err)
}

type reply struct {
	msg interface{}
	err error
}

// fakePubSub replays scripted replies, then blocks until closed
type fakePubSub struct {
	replies chan reply
	closed  chan struct{}
	once    sync.Once
	pings   atomic.Int32
}

func newFakePubSub() *fakePubSub {
	return &fakePubSub{replies: make(chan reply, 8), closed: make(chan struct{})}
}

func (f *fakePubSub) Receive(ctx context.Context) (interface{}, error) {
	select {
	case r := <-f.replies:
		return r.msg, r.err
	case <-f.closed:
		return nil, errors.New("pubsub closed")
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (f *fakePubSub) Ping(ctx context.Context, payload ...string) error {
	f.pings.Add(1)
	return nil
}

func (f *fakePubSub) Close() error {
	f.once.Do(func() { close(f.closed) })
	return nil
}

type fakePublisher struct {
	mu        sync.Mutex
	published []string
	err       error
}

func (p *fakePublisher) Publish(ctx context.Context, channel string, message interface{}) *goredis.IntCmd {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return goredis.NewIntResult(0, p.err)
	}
	p.published = append(p.published, channel)
	return goredis.NewIntResult(1, nil)
}

func eventPayload(t *testing.T, stock int, sequence int64) string {
	t.Helper()
	raw, err := json.Marshal(models.InventoryEvent{NewStock: stock, Sequence: sequence})
	require.NoError(t, err)
	return string(raw)
}

func receiveOne(t *testing.T, inbound <-chan models.StreamMessage) (models.StreamMessage, bool) {
	t.Helper()
	select {
	case msg, ok := <-inbound:
		return msg, ok
	case <-time.After(2 * time.Second):
		t.Fatal("nothing received")
		return models.StreamMessage{}, false
	}
}

func TestRedisConn_ForwardsEventsAndLocalAcks(t *testing.T) {
	subject := models.VariantSubject("tee", "tee-m-red")
	sub := newFakePubSub()
	pub := &fakePublisher{}
	conn := newRedisConn(pub, sub, subject, slog.Default())
	defer conn.Close()

	sub.replies <- reply{msg: &goredis.Pong{}}
	sub.replies <- reply{msg: &goredis.Message{Channel: EventsChannel(subject), Payload: "garbage"}}
	sub.replies <- reply{msg: &goredis.Message{Channel: EventsChannel(subject), Payload: eventPayload(t, 4, 2)}}

	msg, ok := receiveOne(t, conn.Inbound())
	require.True(t, ok)
	assert.Equal(t, models.StreamEvent, msg.Type)
	require.NotNil(t, msg.Event)
	assert.Equal(t, 4, msg.Event.NewStock)
	assert.Equal(t, models.SourceServer, msg.Event.Source)

	require.NoError(t, conn.Send(context.Background(), models.OutboundMessage{ID: "m-1", Kind: models.OutboundIntent, Quantity: 1}))
	msg, ok = receiveOne(t, conn.Inbound())
	require.True(t, ok)
	assert.Equal(t, models.StreamAck, msg.Type)
	assert.Equal(t, "m-1", msg.ID)
	assert.Equal(t, []string{OutboundChannel}, pub.published)

	require.NoError(t, conn.Ping(context.Background()))
	assert.Equal(t, int32(1), sub.pings.Load())
}

func TestRedisConn_EndsOnSubscriptionLoss(t *testing.T) {
	subject := models.ProductSubject("mug")

	tests := []struct {
		name  string
		reply reply
	}{
		{"receive error", reply{err: errors.New("read tcp: connection reset by peer")}},
		{"silent resubscribe", reply{msg: &goredis.Subscription{Kind: "subscribe", Channel: EventsChannel(subject), Count: 1}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sub := newFakePubSub()
			conn := newRedisConn(&fakePublisher{}, sub, subject, slog.Default())
			defer conn.Close()

			sub.replies <- tt.reply
			sub.replies <- reply{msg: &goredis.Message{Payload: eventPayload(t, 9, 7)}}

			_, ok := receiveOne(t, conn.Inbound())
			assert.False(t, ok, "inbound must close so the channel reconnects")
		})
	}
}

func TestRedisConn_SendFailure(t *testing.T) {
	conn := newRedisConn(&fakePublisher{err: errors.New("down")}, newFakePubSub(), models.ProductSubject("mug"), slog.Default())
	defer conn.Close()

	err := conn.Send(context.Background(), models.OutboundMessage{ID: "m-1"})
	assert.ErrorContains(t, err, "redis publish")
}

func TestRedisConn_CloseEndsInbound(t *testing.T) {
	conn := newRedisConn(&fakePublisher{}, newFakePubSub(), models.ProductSubject("mug"), slog.Default())
	require.NoError(t, conn.Close())
	require.NoError(t, conn.Close())

	_, ok := receiveOne(t, conn.Inbound())
	assert.False(t, ok)
}
