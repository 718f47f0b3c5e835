package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"storefront-inventory/internal/channel"
	"storefront-inventory/internal/models"
)

const (
	eventsChannelPrefix = "inventory:events:"
	stockKeyPrefix      = "inventory:stock:"
	// OutboundChannel receives every client message sent through a redis-backed channel
	OutboundChannel = "inventory:outbound"
)

// ErrSnapshotMissing is returned when redis holds no stock record for a subject
var ErrSnapshotMissing = errors.New("no stock record in redis")

// EventsChannel is the pub/sub channel carrying events for subject
func EventsChannel(subject models.Subject) string {
	return eventsChannelPrefix + subject.Key()
}

// StockKey is the hash holding the latest stock record for subject
func StockKey(subject models.Subject) string {
	return stockKeyPrefix + subject.Key()
}

// NewRedisClient connects to redis and verifies the connection
func NewRedisClient(ctx context.Context, addr string) (*goredis.Client, error) {
	if addr == "" {
		return nil, fmt.Errorf("missing redis address")
	}

	rdb := goredis.NewClient(&goredis.Options{
		Addr:        addr,
		DialTimeout: 5 * time.Second,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return rdb, nil
}

// RedisTransport subscribes each subject to its own pub/sub channel
type RedisTransport struct {
	rdb    *goredis.Client
	logger *slog.Logger
}

// NewRedisTransport creates a transport over an existing redis client
func NewRedisTransport(rdb *goredis.Client) *RedisTransport {
	return &RedisTransport{
		rdb:    rdb,
		logger: slog.Default().With("component", "redis_transport"),
	}
}

// Dial subscribes to the subject's event channel and waits for the subscription to start
func (t *RedisTransport) Dial(ctx context.Context, subject models.Subject) (channel.Conn, error) {
	sub := t.rdb.Subscribe(ctx, EventsChannel(subject))
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, fmt.Errorf("redis subscribe: %w", err)
	}
	return newRedisConn(t.rdb, sub, subject, t.logger.With("subject", subject.Key())), nil
}

// pubSub is the part of *goredis.PubSub a connection reads from
type pubSub interface {
	Receive(ctx context.Context) (interface{}, error)
	Ping(ctx context.Context, payload ...string) error
	Close() error
}

// publisher is the part of *goredis.Client a connection writes with
type publisher interface {
	Publish(ctx context.Context, channel string, message interface{}) *goredis.IntCmd
}

// redisConn is one confirmed subscription. go-redis reconnects a PubSub on its own after
// a read error; this conn instead ends at the first error or re-subscription so the
// channel reconnects and reconciles from a fresh snapshot.
type redisConn struct {
	rdb      publisher
	sub      pubSub
	subject  models.Subject
	inbound  chan models.StreamMessage
	received chan models.StreamMessage
	acks     chan string
	done     chan struct{}
	cancel   context.CancelFunc
	logger   *slog.Logger

	closeOnce sync.Once
}

func newRedisConn(rdb publisher, sub pubSub, subject models.Subject, logger *slog.Logger) *redisConn {
	ctx, cancel := context.WithCancel(context.Background())
	c := &redisConn{
		rdb:      rdb,
		sub:      sub,
		subject:  subject,
		inbound:  make(chan models.StreamMessage, inboundBufferSize),
		received: make(chan models.StreamMessage),
		acks:     make(chan string, inboundBufferSize),
		done:     make(chan struct{}),
		cancel:   cancel,
		logger:   logger,
	}
	go c.receive(ctx)
	go c.forward()
	return c
}

func (c *redisConn) Inbound() <-chan models.StreamMessage {
	return c.inbound
}

// Send publishes the message on the outbound channel. Pub/sub has no reply path, so a
// successful publish is acknowledged locally.
func (c *redisConn) Send(ctx context.Context, msg models.OutboundMessage) error {
	raw, err := json.Marshal(models.StreamMessage{
		Type:    models.StreamSend,
		ID:      msg.ID,
		Subject: c.subject,
		Message: &msg,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal outbound message: %w", err)
	}
	if err := c.rdb.Publish(ctx, OutboundChannel, raw).Err(); err != nil {
		return fmt.Errorf("redis publish: %w", err)
	}

	select {
	case c.acks <- msg.ID:
	case <-c.done:
	case <-ctx.Done():
	}
	return nil
}

// Ping writes a PING on the subscription connection. The pong arrives through receive.
func (c *redisConn) Ping(ctx context.Context) error {
	if err := c.sub.Ping(ctx); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}
	return nil
}

func (c *redisConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		c.cancel()
		err = c.sub.Close()
	})
	return err
}

// receive reads the subscription until it fails or is re-established underneath us,
// then closes received
func (c *redisConn) receive(ctx context.Context) {
	defer close(c.received)

	for {
		msg, err := c.sub.Receive(ctx)
		if err != nil {
			select {
			case <-c.done:
			default:
				c.logger.Warn("Redis subscription lost", "error", err)
			}
			return
		}

		switch m := msg.(type) {
		case *goredis.Message:
			ev, err := decodeEvent(m.Payload)
			if err != nil {
				c.logger.Warn("Bad redis event payload", "error", err)
				continue
			}
			select {
			case c.received <- models.StreamMessage{Type: models.StreamEvent, Subject: c.subject, Event: &ev}:
			case <-c.done:
				return
			}
		case *goredis.Subscription:
			// Only a resubscribe after a silent reconnect produces this; events published
			// in the gap were missed.
			c.logger.Warn("Redis subscription re-established, treating as connection loss", "kind", m.Kind)
			return
		case *goredis.Pong:
		default:
			c.logger.Debug("Ignoring redis pub/sub reply", "type", fmt.Sprintf("%T", msg))
		}
	}
}

// forward owns inbound and closes it when the subscription ends
func (c *redisConn) forward() {
	defer close(c.inbound)

	for {
		var out models.StreamMessage

		select {
		case <-c.done:
			return
		case id := <-c.acks:
			out = models.StreamMessage{Type: models.StreamAck, ID: id, Subject: c.subject}
		case m, ok := <-c.received:
			if !ok {
				return
			}
			out = m
		}

		select {
		case c.inbound <- out:
		case <-c.done:
			return
		}
	}
}

func decodeEvent(payload string) (models.InventoryEvent, error) {
	var ev models.InventoryEvent
	if err := json.Unmarshal([]byte(payload), &ev); err != nil {
		return models.InventoryEvent{}, fmt.Errorf("failed to decode event: %w", err)
	}
	if ev.Source == "" {
		ev.Source = models.SourceServer
	}
	return ev, nil
}

// RedisSnapshotSource reads the stock hash written by the feed's redis mirror
type RedisSnapshotSource struct {
	rdb *goredis.Client
}

// NewRedisSnapshotSource creates a snapshot source over an existing redis client
func NewRedisSnapshotSource(rdb *goredis.Client) *RedisSnapshotSource {
	return &RedisSnapshotSource{rdb: rdb}
}

// GetSnapshot reads the subject's stock record
func (s *RedisSnapshotSource) GetSnapshot(ctx context.Context, subject models.Subject) (models.Snapshot, error) {
	fields, err := s.rdb.HGetAll(ctx, StockKey(subject)).Result()
	if err != nil {
		return models.Snapshot{}, fmt.Errorf("redis hgetall: %w", err)
	}
	if len(fields) == 0 {
		return models.Snapshot{}, fmt.Errorf("%s: %w", subject.Key(), ErrSnapshotMissing)
	}
	return decodeSnapshot(subject, fields)
}

func encodeSnapshot(snapshot models.Snapshot) map[string]interface{} {
	return map[string]interface{}{
		"stock":     snapshot.Stock,
		"version":   snapshot.Version,
		"sequence":  snapshot.Sequence,
		"updatedAt": snapshot.UpdatedAt.UTC().Format(time.RFC3339Nano),
	}
}

func decodeSnapshot(subject models.Subject, fields map[string]string) (models.Snapshot, error) {
	snapshot := models.Snapshot{Subject: subject}

	stock, err := strconv.Atoi(fields["stock"])
	if err != nil {
		return models.Snapshot{}, fmt.Errorf("invalid stock field %q: %w", fields["stock"], err)
	}
	snapshot.Stock = stock

	if v, ok := fields["version"]; ok {
		if snapshot.Version, err = strconv.Atoi(v); err != nil {
			return models.Snapshot{}, fmt.Errorf("invalid version field %q: %w", v, err)
		}
	}
	if v, ok := fields["sequence"]; ok {
		if snapshot.Sequence, err = strconv.ParseInt(v, 10, 64); err != nil {
			return models.Snapshot{}, fmt.Errorf("invalid sequence field %q: %w", v, err)
		}
	}
	if v, ok := fields["updatedAt"]; ok && v != "" {
		if snapshot.UpdatedAt, err = time.Parse(time.RFC3339Nano, v); err != nil {
			return models.Snapshot{}, fmt.Errorf("invalid updatedAt field %q: %w", v, err)
		}
	}
	return snapshot, nil
}

// RedisMirror writes stock records and publishes events so redis-backed clients see
// the same feed as websocket clients
type RedisMirror struct {
	rdb *goredis.Client
}

// NewRedisMirror creates a mirror over an existing redis client
func NewRedisMirror(rdb *goredis.Client) *RedisMirror {
	return &RedisMirror{rdb: rdb}
}

// Mirror stores the snapshot and publishes the event in one transaction
func (m *RedisMirror) Mirror(ctx context.Context, snapshot models.Snapshot, ev models.InventoryEvent) error {
	raw, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	_, err = m.rdb.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.HSet(ctx, StockKey(snapshot.Subject), encodeSnapshot(snapshot))
		pipe.Publish(ctx, EventsChannel(ev.Subject), raw)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis mirror: %w", err)
	}
	return nil
}
