package handlers

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"storefront-inventory/internal/feed"
	"storefront-inventory/internal/models"
)

const (
	streamWriteWait  = 5 * time.Second
	streamOutboxSize = 64
)

// StreamHandler upgrades to a websocket and streams inventory events for the subjects
// the client subscribes to
type StreamHandler struct {
	hub      *feed.Hub
	store    *feed.Store
	upgrader websocket.Upgrader
	logger   *slog.Logger
}

// NewStreamHandler creates a new stream handler
func NewStreamHandler(hub *feed.Hub, store *feed.Store, logger *slog.Logger) *StreamHandler {
	return &StreamHandler{
		hub:   hub,
		store: store,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Callers are authenticated by API key, not by origin.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		logger: logger.With("component", "stream_handler"),
	}
}

// Stream handles GET /v1/inventory/stream
func (h *StreamHandler) Stream(w http.ResponseWriter, r *http.Request) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("Websocket upgrade failed", "error", err, "remote_addr", r.RemoteAddr)
		return
	}

	s := &streamSession{
		handler: h,
		ws:      ws,
		outbox:  make(chan models.StreamMessage, streamOutboxSize),
		done:    make(chan struct{}),
		clients: make(map[string]*feed.StreamClient),
		logger:  h.logger.With("remote_addr", r.RemoteAddr),
	}
	s.logger.Info("Stream client connected")

	go s.writeLoop()
	s.readLoop()
	s.shutdown()

	s.logger.Info("Stream client disconnected")
}

type streamSession struct {
	handler *StreamHandler
	ws      *websocket.Conn
	outbox  chan models.StreamMessage
	done    chan struct{}
	once    sync.Once
	logger  *slog.Logger

	mu      sync.Mutex
	clients map[string]*feed.StreamClient
}

func (s *streamSession) readLoop() {
	for {
		var msg models.StreamMessage
		if err := s.ws.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Warn("Stream read failed", "error", err)
			}
			return
		}

		switch msg.Type {
		case models.StreamSubscribe:
			s.subscribe(msg.Subject)
		case models.StreamUnsubscribe:
			s.unsubscribe(msg.Subject)
		case models.StreamSend:
			s.receive(msg)
		default:
			s.enqueue(models.StreamMessage{Type: models.StreamError, ID: msg.ID, Subject: msg.Subject, Error: "unsupported message type"})
		}
	}
}

func (s *streamSession) subscribe(subject models.Subject) {
	if _, err := s.handler.store.Snapshot(subject); err != nil {
		s.logger.Warn("Subscribe to unknown subject", "subject", subject.Key(), "error", err)
		s.enqueue(models.StreamMessage{Type: models.StreamError, Subject: subject, Error: err.Error()})
		return
	}

	s.mu.Lock()
	if _, exists := s.clients[subject.Key()]; exists {
		s.mu.Unlock()
		return
	}
	client := s.handler.hub.Register(subject)
	s.clients[subject.Key()] = client
	s.mu.Unlock()

	s.logger.Debug("Stream subscribed", "subject", subject.Key(), "client_id", client.ID)
	go s.forward(client)
}

func (s *streamSession) unsubscribe(subject models.Subject) {
	s.mu.Lock()
	client, ok := s.clients[subject.Key()]
	delete(s.clients, subject.Key())
	s.mu.Unlock()

	if ok {
		s.handler.hub.Unregister(client)
	}
}

// receive accepts a client message. Intents and event acks are recorded only; the
// feed keeps no reservations.
func (s *streamSession) receive(msg models.StreamMessage) {
	if msg.Message != nil {
		s.logger.Debug("Client message received",
			"message_id", msg.ID,
			"kind", msg.Message.Kind,
			"subject", msg.Subject.Key(),
			"sequence", msg.Message.Sequence,
			"quantity", msg.Message.Quantity)
	}
	s.enqueue(models.StreamMessage{Type: models.StreamAck, ID: msg.ID, Subject: msg.Subject})
}

// forward copies one subscription's events to the socket. A client the hub dropped for
// lagging ends the whole session so the peer reconnects and takes a fresh snapshot.
func (s *streamSession) forward(client *feed.StreamClient) {
	for {
		select {
		case ev := <-client.Events():
			event := ev
			s.enqueue(models.StreamMessage{Type: models.StreamEvent, Subject: client.Subject, Event: &event})
		case <-client.Done():
			s.mu.Lock()
			current := s.clients[client.Subject.Key()] == client
			s.mu.Unlock()
			if current {
				s.logger.Warn("Subscription dropped by hub, closing stream", "subject", client.Subject.Key())
				_ = s.ws.Close()
			}
			return
		case <-s.done:
			return
		}
	}
}

func (s *streamSession) enqueue(msg models.StreamMessage) {
	select {
	case s.outbox <- msg:
	case <-s.done:
	}
}

func (s *streamSession) writeLoop() {
	for {
		select {
		case msg := <-s.outbox:
			_ = s.ws.SetWriteDeadline(time.Now().Add(streamWriteWait))
			if err := s.ws.WriteJSON(msg); err != nil {
				s.logger.Warn("Stream write failed", "error", err)
				_ = s.ws.Close()
				return
			}
		case <-s.done:
			return
		}
	}
}

func (s *streamSession) shutdown() {
	s.once.Do(func() {
		close(s.done)

		s.mu.Lock()
		clients := s.clients
		s.clients = make(map[string]*feed.StreamClient)
		s.mu.Unlock()

		for _, client := range clients {
			s.handler.hub.Unregister(client)
		}
		_ = s.ws.Close()
	})
}
