// Package channeltest provides in-memory transports for exercising subscription channels.
package channeltest

import (
	"context"
	"errors"
	"sync"
	"time"

	"storefront-inventory/internal/channel"
	"storefront-inventory/internal/models"
)

// ErrInjected is returned by fakes configured to fail
var ErrInjected = errors.New("injected failure")

// Transport hands out Conns and records dial attempts
type Transport struct {
	mu      sync.Mutex
	dials   int
	dialErr error
	hang    bool
	conns   []*Conn
	notify  chan *Conn
}

// NewTransport creates a transport whose dials succeed
func NewTransport() *Transport {
	return &Transport{notify: make(chan *Conn, 64)}
}

// Dial implements channel.Transport
func (t *Transport) Dial(ctx context.Context, subject models.Subject) (channel.Conn, error) {
	t.mu.Lock()
	t.dials++
	err := t.dialErr
	hang := t.hang
	t.mu.Unlock()

	if hang {
		// Ignores ctx on purpose so callers must enforce their own deadline.
		time.Sleep(time.Second)
		return nil, context.DeadlineExceeded
	}
	if err != nil {
		return nil, err
	}

	conn := NewConn(subject)
	t.mu.Lock()
	t.conns = append(t.conns, conn)
	t.mu.Unlock()

	select {
	case t.notify <- conn:
	default:
	}
	return conn, nil
}

// FailDials makes every dial fail with err until called with nil
func (t *Transport) FailDials(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.dialErr = err
}

// Hang makes dials block past any reasonable connect timeout
func (t *Transport) Hang(hang bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.hang = hang
}

// Dials returns the number of dial attempts so far
func (t *Transport) Dials() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.dials
}

// Conns returns every connection handed out
func (t *Transport) Conns() []*Conn {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]*Conn(nil), t.conns...)
}

// Last returns the most recent connection, or nil
func (t *Transport) Last() *Conn {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.conns) == 0 {
		return nil
	}
	return t.conns[len(t.conns)-1]
}

// NextConn waits for the next successful dial
func (t *Transport) NextConn(timeout time.Duration) (*Conn, bool) {
	select {
	case conn := <-t.notify:
		return conn, true
	case <-time.After(timeout):
		return nil, false
	}
}

// Conn is a scripted connection
type Conn struct {
	subject models.Subject
	inbound chan models.StreamMessage

	mu       sync.Mutex
	sent     []models.OutboundMessage
	sendErr  error
	pingErr  error
	pings    int
	autoAck  bool
	closed   bool
	dropOnce sync.Once
}

// NewConn creates an open connection for subject
func NewConn(subject models.Subject) *Conn {
	return &Conn{
		subject: subject,
		inbound: make(chan models.StreamMessage, 256),
	}
}

// Send implements channel.Conn
func (c *Conn) Send(ctx context.Context, msg models.OutboundMessage) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errors.New("send on closed connection")
	}
	if c.sendErr != nil {
		return c.sendErr
	}
	c.sent = append(c.sent, msg)
	if c.autoAck {
		c.inbound <- models.StreamMessage{Type: models.StreamAck, ID: msg.ID, Subject: msg.Subject}
	}
	return nil
}

// Ping implements channel.Conn
func (c *Conn) Ping(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pings++
	return c.pingErr
}

// Inbound implements channel.Conn
func (c *Conn) Inbound() <-chan models.StreamMessage {
	return c.inbound
}

// Close implements channel.Conn
func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

// Push delivers a server event on the stream
func (c *Conn) Push(stock int, sequence int64) {
	c.inbound <- models.StreamMessage{
		Type:    models.StreamEvent,
		Subject: c.subject,
		Event: &models.InventoryEvent{
			Subject:   c.subject,
			NewStock:  stock,
			Source:    models.SourceServer,
			Sequence:  sequence,
			Timestamp: time.Now(),
		},
	}
}

// Ack acknowledges a previously sent message
func (c *Conn) Ack(id string) {
	c.inbound <- models.StreamMessage{Type: models.StreamAck, ID: id, Subject: c.subject}
}

// AutoAck acknowledges every successful send
func (c *Conn) AutoAck(enabled bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.autoAck = enabled
}

// Drop simulates the server losing the stream
func (c *Conn) Drop() {
	c.dropOnce.Do(func() { close(c.inbound) })
}

// FailSends makes sends fail with err until called with nil
func (c *Conn) FailSends(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sendErr = err
}

// FailPings makes heartbeats fail with err until called with nil
func (c *Conn) FailPings(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pingErr = err
}

// Sent returns messages successfully written to the connection
func (c *Conn) Sent() []models.OutboundMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]models.OutboundMessage(nil), c.sent...)
}

// SentIDs returns ids of messages written to the connection in order
func (c *Conn) SentIDs() []string {
	sent := c.Sent()
	ids := make([]string, len(sent))
	for i, msg := range sent {
		ids[i] = msg.ID
	}
	return ids
}

// Pings returns the number of heartbeats received
func (c *Conn) Pings() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pings
}

// Closed reports whether the client closed the connection
func (c *Conn) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Snapshots is a scripted snapshot source
type Snapshots struct {
	mu    sync.Mutex
	stock map[string]models.Snapshot
	err   error
	calls int
	hold  chan struct{}
}

// NewSnapshots creates an empty snapshot source
func NewSnapshots() *Snapshots {
	return &Snapshots{stock: make(map[string]models.Snapshot)}
}

// Set records the authoritative stock for subject
func (s *Snapshots) Set(subject models.Subject, stock int, sequence int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stock[subject.Key()] = models.Snapshot{
		Subject:   subject,
		Stock:     stock,
		Sequence:  sequence,
		UpdatedAt: time.Now(),
	}
}

// Hold blocks snapshot reads until the returned release func is called
func (s *Snapshots) Hold() (release func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	hold := make(chan struct{})
	s.hold = hold
	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			if s.hold == hold {
				s.hold = nil
			}
			s.mu.Unlock()
			close(hold)
		})
	}
}

// Fail makes snapshot reads fail with err until called with nil
func (s *Snapshots) Fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}

// Calls returns the number of snapshot reads
func (s *Snapshots) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

// GetSnapshot implements channel.SnapshotSource
func (s *Snapshots) GetSnapshot(ctx context.Context, subject models.Subject) (models.Snapshot, error) {
	s.mu.Lock()
	s.calls++
	hold := s.hold
	s.mu.Unlock()

	if hold != nil {
		select {
		case <-hold:
		case <-ctx.Done():
			return models.Snapshot{}, ctx.Err()
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return models.Snapshot{}, s.err
	}
	snap, ok := s.stock[subject.Key()]
	if !ok {
		return models.Snapshot{}, errors.New("no snapshot for " + subject.Key())
	}
	return snap, nil
}

// Recorder is a Subscriber that keeps everything it receives
type Recorder struct {
	mu       sync.Mutex
	events   []models.InventoryEvent
	statuses []models.ChannelStatus
}

// OnEvent implements channel.Subscriber
func (r *Recorder) OnEvent(event models.InventoryEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

// OnStatus implements channel.Subscriber
func (r *Recorder) OnStatus(status models.ChannelStatus) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.statuses = append(r.statuses, status)
}

// Events returns received events in order
func (r *Recorder) Events() []models.InventoryEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]models.InventoryEvent(nil), r.events...)
}

// Stocks returns NewStock of each received event in order
func (r *Recorder) Stocks() []int {
	events := r.Events()
	out := make([]int, len(events))
	for i, ev := range events {
		out[i] = ev.NewStock
	}
	return out
}

// LastStock returns the stock carried by the latest event
func (r *Recorder) LastStock() (int, bool) {
	events := r.Events()
	if len(events) == 0 {
		return 0, false
	}
	return events[len(events)-1].NewStock, true
}

// Statuses returns received statuses of the given kind
func (r *Recorder) Statuses(kind models.StatusKind) []models.ChannelStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []models.ChannelStatus
	for _, st := range r.statuses {
		if st.Kind == kind {
			out = append(out, st)
		}
	}
	return out
}

// Transitions returns the states entered, in order, ignoring replays
func (r *Recorder) Transitions() []models.ConnectionState {
	var out []models.ConnectionState
	for _, st := range r.Statuses(models.StatusStateChanged) {
		if st.Previous != st.State {
			out = append(out, st.State)
		}
	}
	return out
}
