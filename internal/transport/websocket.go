package transport

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"storefront-inventory/internal/channel"
	"storefront-inventory/internal/models"
)

const (
	defaultPongWait   = 60 * time.Second
	defaultWriteWait  = 5 * time.Second
	inboundBufferSize = 64
)

// WebSocketTransport dials the inventory stream endpoint, one websocket per subject
type WebSocketTransport struct {
	url      string
	apiKey   string
	dialer   *websocket.Dialer
	pongWait time.Duration
	logger   *slog.Logger
}

// WebSocketOption customizes a WebSocketTransport
type WebSocketOption func(*WebSocketTransport)

// WithPongWait sets how long a connection may stay silent before the read side gives up.
// It should exceed the channel heartbeat interval.
func WithPongWait(d time.Duration) WebSocketOption {
	return func(t *WebSocketTransport) {
		if d > 0 {
			t.pongWait = d
		}
	}
}

// WithDialer replaces the default websocket dialer
func WithDialer(d *websocket.Dialer) WebSocketOption {
	return func(t *WebSocketTransport) {
		if d != nil {
			t.dialer = d
		}
	}
}

// NewWebSocketTransport creates a transport for the stream at streamURL (ws:// or wss://)
func NewWebSocketTransport(streamURL, apiKey string, opts ...WebSocketOption) *WebSocketTransport {
	t := &WebSocketTransport{
		url:      streamURL,
		apiKey:   apiKey,
		dialer:   websocket.DefaultDialer,
		pongWait: defaultPongWait,
		logger:   slog.Default().With("component", "websocket_transport"),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Dial opens the stream and subscribes it to subject
func (t *WebSocketTransport) Dial(ctx context.Context, subject models.Subject) (channel.Conn, error) {
	header := http.Header{}
	if t.apiKey != "" {
		header.Set("X-API-Key", t.apiKey)
	}

	ws, resp, err := t.dialer.DialContext(ctx, t.url, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("failed to dial stream (status %d): %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("failed to dial stream: %w", err)
	}

	conn := &wsConn{
		ws:       ws,
		subject:  subject,
		pongWait: t.pongWait,
		inbound:  make(chan models.StreamMessage, inboundBufferSize),
		done:     make(chan struct{}),
		logger:   t.logger.With("subject", subject.Key()),
	}

	subscribe := models.StreamMessage{Type: models.StreamSubscribe, Subject: subject}
	if err := conn.writeJSON(ctx, subscribe); err != nil {
		_ = ws.Close()
		return nil, fmt.Errorf("failed to subscribe: %w", err)
	}

	go conn.readLoop()
	return conn, nil
}

type wsConn struct {
	ws       *websocket.Conn
	subject  models.Subject
	pongWait time.Duration
	inbound  chan models.StreamMessage
	done     chan struct{}
	logger   *slog.Logger

	writeMu   sync.Mutex
	closeOnce sync.Once
}

func (c *wsConn) Inbound() <-chan models.StreamMessage {
	return c.inbound
}

func (c *wsConn) Send(ctx context.Context, msg models.OutboundMessage) error {
	frame := models.StreamMessage{
		Type:    models.StreamSend,
		ID:      msg.ID,
		Subject: c.subject,
		Message: &msg,
	}
	return c.writeJSON(ctx, frame)
}

// Ping writes a ping control frame; the pong handler extends the read deadline
func (c *wsConn) Ping(ctx context.Context) error {
	if err := c.ws.WriteControl(websocket.PingMessage, nil, deadline(ctx)); err != nil {
		return fmt.Errorf("failed to write ping: %w", err)
	}
	return nil
}

func (c *wsConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		closeFrame := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = c.ws.WriteControl(websocket.CloseMessage, closeFrame, time.Now().Add(time.Second))
		err = c.ws.Close()
	})
	return err
}

func (c *wsConn) writeJSON(ctx context.Context, v interface{}) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := c.ws.SetWriteDeadline(deadline(ctx)); err != nil {
		return err
	}
	return c.ws.WriteJSON(v)
}

func (c *wsConn) readLoop() {
	defer close(c.inbound)

	_ = c.ws.SetReadDeadline(time.Now().Add(c.pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(c.pongWait))
	})

	for {
		var msg models.StreamMessage
		if err := c.ws.ReadJSON(&msg); err != nil {
			select {
			case <-c.done:
			default:
				if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					c.logger.Warn("Stream read failed", "error", err)
				} else {
					c.logger.Debug("Stream closed", "error", err)
				}
			}
			return
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(c.pongWait))

		select {
		case c.inbound <- msg:
		case <-c.done:
			return
		}
	}
}

func deadline(ctx context.Context) time.Time {
	if d, ok := ctx.Deadline(); ok {
		return d
	}
	return time.Now().Add(defaultWriteWait)
}
