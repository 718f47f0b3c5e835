package channel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"storefront-inventory/internal/models"
)

var (
	// ErrConnectionClosed reports that the peer closed the inbound stream
	ErrConnectionClosed = errors.New("connection closed by peer")
	// ErrChannelClosed is returned by operations on a channel that was torn down
	ErrChannelClosed = errors.New("channel closed")
)

// Transport opens a stream bound to a single subject
type Transport interface {
	Dial(ctx context.Context, subject models.Subject) (Conn, error)
}

// Conn is an established stream for one subject
type Conn interface {
	Send(ctx context.Context, msg models.OutboundMessage) error
	Ping(ctx context.Context) error
	// Inbound yields frames from the server and is closed when the stream is lost.
	Inbound() <-chan models.StreamMessage
	Close() error
}

// SnapshotSource returns the authoritative stock for a subject
type SnapshotSource interface {
	GetSnapshot(ctx context.Context, subject models.Subject) (models.Snapshot, error)
}

// SendReceipt describes what happened to a message handed to Send
type SendReceipt struct {
	ID string
	// Queued is true when the channel was not connected and the message waits for a flush.
	Queued bool
	// Dropped lists ids evicted from the outbound queue to make room.
	Dropped []string
}

// Stats is a point-in-time view of a channel
type Stats struct {
	Subject       models.Subject
	State         models.ConnectionState
	Attempts      int
	Queued        int
	PendingAcks   int
	Subscribers   int
	SnapshotStale bool
	LastSequence  int64
	LastEventAt   time.Time
}

// Option customizes a Channel
type Option func(*Channel)

// WithObserver attaches a metrics observer
func WithObserver(observer Observer) Option {
	return func(c *Channel) {
		if observer != nil {
			c.observer = observer
		}
	}
}

// WithLogger replaces the default logger
func WithLogger(logger *slog.Logger) Option {
	return func(c *Channel) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// Channel is a reconnecting event stream bound to one subject. All public methods
// return immediately; outcomes are reported to subscribers as status notifications.
type Channel struct {
	subject   models.Subject
	cfg       Config
	transport Transport
	snapshots SnapshotSource
	observer  Observer
	logger    *slog.Logger

	mu            sync.Mutex
	state         models.ConnectionState
	generation    uint64
	schedule      *reconnectSchedule
	retryTimer    *time.Timer
	snapshotTimer *time.Timer
	session       *session
	queue         *outboundQueue
	pending       []models.OutboundMessage
	subscribers   map[uint64]*Subscription
	nextSubID     uint64
	snapshotStale bool
	lastSequence  int64
	lastEvent     *models.InventoryEvent
	lastEventAt   time.Time
	closed        bool

	// streamedSinceConnect is set once the current connection delivered a stream event
	streamedSinceConnect bool
	// lastStreamedAt is the server time of the newest streamed event on this connection
	lastStreamedAt time.Time

	mailbox *mailbox
	stop    chan struct{}
}

// session holds the goroutines of one established connection
type session struct {
	gen      uint64
	conn     Conn
	stop     chan struct{}
	wake     chan struct{}
	stopOnce sync.Once
}

func (s *session) close() {
	s.stopOnce.Do(func() {
		close(s.stop)
		_ = s.conn.Close()
	})
}

// NewChannel creates a disconnected channel for subject. snapshots may be nil when
// the transport has no snapshot query.
func NewChannel(subject models.Subject, transport Transport, snapshots SnapshotSource, cfg Config, opts ...Option) (*Channel, error) {
	if subject.IsZero() {
		return nil, errors.New("subject product id is required")
	}
	if transport == nil {
		return nil, errors.New("transport is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid channel config: %w", err)
	}

	c := &Channel{
		subject:     subject,
		cfg:         cfg,
		transport:   transport,
		snapshots:   snapshots,
		observer:    noopObserver{},
		logger:      slog.Default(),
		state:       models.StateDisconnected,
		schedule:    newReconnectSchedule(cfg),
		queue:       newOutboundQueue(cfg.OutboundQueueSize),
		subscribers: make(map[uint64]*Subscription),
		mailbox:     newMailbox(),
		stop:        make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("subject", subject.Key())

	go c.dispatchLoop()

	return c, nil
}

// Subject returns the subject the channel is bound to
func (c *Channel) Subject() models.Subject {
	return c.subject
}

// State returns the current connection state
func (c *Channel) State() models.ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Stats returns a copy of the channel counters
func (c *Channel) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		Subject:       c.subject,
		State:         c.state,
		Attempts:      c.schedule.attempts,
		Queued:        c.queue.len(),
		PendingAcks:   len(c.pending),
		Subscribers:   len(c.subscribers),
		SnapshotStale: c.snapshotStale,
		LastSequence:  c.lastSequence,
		LastEventAt:   c.lastEventAt,
	}
}

// Connect starts connecting from the disconnected state
func (c *Channel) Connect() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrChannelClosed
	}
	if c.state != models.StateDisconnected {
		return transitionError(c.state, models.StateConnecting)
	}

	c.schedule.reset()
	c.setStateLocked(models.StateConnecting, nil)
	c.startDialLocked()
	return nil
}

// Retry leaves the error state with a fresh attempt budget
func (c *Channel) Retry() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrChannelClosed
	}
	if c.state != models.StateError {
		return transitionError(c.state, models.StateConnecting)
	}

	c.logger.Info("Manual retry requested")
	c.schedule.reset()
	c.setStateLocked(models.StateConnecting, nil)
	c.startDialLocked()
	return nil
}

// Disconnect tears the connection down from any state. Queued messages are kept
// for the next connection and the attempt budget is restored.
func (c *Channel) Disconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == models.StateDisconnected {
		return
	}

	c.generation++
	c.stopTimersLocked()
	c.teardownSessionLocked()
	c.schedule.reset()
	c.setStateLocked(models.StateDisconnected, nil)
}

// Close disconnects, detaches every subscriber and stops the dispatcher
func (c *Channel) Close() {
	c.Disconnect()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	subs := make([]*Subscription, 0, len(c.subscribers))
	for _, sub := range c.subscribers {
		subs = append(subs, sub)
	}
	c.subscribers = make(map[uint64]*Subscription)
	close(c.stop)
	c.mu.Unlock()

	for _, sub := range subs {
		sub.closed.Store(true)
	}
	c.logger.Debug("Channel closed")
}

// Send transmits msg when connected or queues it for the next flush. Messages always
// leave in FIFO order, so anything queued while disconnected goes out before new sends.
func (c *Channel) Send(msg models.OutboundMessage) SendReceipt {
	c.mu.Lock()
	defer c.mu.Unlock()

	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.Subject.IsZero() {
		msg.Subject = c.subject
	}
	if msg.QueuedAt.IsZero() {
		msg.QueuedAt = time.Now()
	}

	if c.closed {
		return SendReceipt{ID: msg.ID, Dropped: []string{msg.ID}}
	}

	receipt := SendReceipt{ID: msg.ID, Queued: c.state != models.StateConnected}
	if dropped, ok := c.queue.push(msg); ok {
		receipt.Dropped = []string{dropped.ID}
		c.reportDroppedLocked([]models.OutboundMessage{dropped})
	}
	if c.session != nil {
		c.wakeWriterLocked()
	}
	return receipt
}

// AddSubscriber attaches sub. It first receives the current state and the last
// accepted event, if any, then live deliveries.
func (c *Channel) AddSubscriber(sub Subscriber) *Subscription {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.nextSubID++
	id := c.nextSubID
	s := &Subscription{id: id, subscriber: sub}
	s.cancel = func() { c.removeSubscriber(id) }

	if c.closed {
		s.closed.Store(true)
		return s
	}
	c.subscribers[id] = s

	current := models.ChannelStatus{
		Subject:  c.subject,
		Kind:     models.StatusStateChanged,
		State:    c.state,
		Previous: c.state,
		Attempt:  c.schedule.attempts,
		At:       time.Now(),
	}
	c.mailbox.push(delivery{status: &current, target: s})
	if c.lastEvent != nil {
		ev := *c.lastEvent
		c.mailbox.push(delivery{event: &ev, target: s})
	}
	return s
}

func (c *Channel) removeSubscriber(id uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.subscribers, id)
}

// SubscriberCount returns the number of attached subscribers
func (c *Channel) SubscriberCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.subscribers)
}

func (c *Channel) setStateLocked(to models.ConnectionState, cause error) bool {
	from := c.state
	if from == to {
		return true
	}
	if !canTransition(from, to) {
		c.logger.Error("Rejected illegal state transition", "from", from, "to", to)
		return false
	}

	c.state = to
	c.observer.StateChanged(c.subject, from, to)

	if cause != nil {
		c.logger.Info("Channel state changed", "from", from, "to", to, "cause", cause)
	} else {
		c.logger.Info("Channel state changed", "from", from, "to", to)
	}

	c.emitLocked(models.ChannelStatus{
		Kind:     models.StatusStateChanged,
		State:    to,
		Previous: from,
		Attempt:  c.schedule.attempts,
		Err:      cause,
	})
	return true
}

func (c *Channel) emitLocked(status models.ChannelStatus) {
	status.Subject = c.subject
	if status.State == "" {
		status.State = c.state
	}
	status.At = time.Now()
	c.mailbox.push(delivery{status: &status})
}

func (c *Channel) startDialLocked() {
	c.generation++
	go c.dial(c.generation)
}

// dial bounds the whole attempt by the connect timeout even if the transport
// ignores its context
func (c *Channel) dial(gen uint64) {
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.ConnectTimeout)
	defer cancel()

	type result struct {
		conn Conn
		err  error
	}
	done := make(chan result, 1)
	go func() {
		conn, err := c.transport.Dial(ctx, c.subject)
		done <- result{conn: conn, err: err}
	}()

	select {
	case r := <-done:
		c.dialFinished(gen, r.conn, r.err)
	case <-ctx.Done():
		c.dialFinished(gen, nil, fmt.Errorf("connect timed out after %s: %w", c.cfg.ConnectTimeout, ctx.Err()))
		go func() {
			if r := <-done; r.conn != nil {
				_ = r.conn.Close()
			}
		}()
	}
}

func (c *Channel) dialFinished(gen uint64, conn Conn, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	stale := gen != c.generation || c.closed ||
		(c.state != models.StateConnecting && c.state != models.StateReconnecting)
	if stale {
		if conn != nil {
			_ = conn.Close()
		}
		return
	}

	if err == nil && conn == nil {
		err = errors.New("transport returned no connection")
	}
	if err != nil {
		c.logger.Warn("Connect attempt failed", "error", err, "attempt", c.schedule.attempts)
		c.scheduleReconnectLocked(err)
		return
	}

	s := &session{
		gen:  gen,
		conn: conn,
		stop: make(chan struct{}),
		wake: make(chan struct{}, 1),
	}
	c.session = s
	c.streamedSinceConnect = false
	c.lastStreamedAt = time.Time{}
	c.schedule.reset()
	c.setStateLocked(models.StateConnected, nil)

	go c.readLoop(s)
	go c.writeLoop(s)
	go c.heartbeatLoop(s)

	c.wakeWriterLocked()
	c.startSnapshotLocked(gen)
}

// scheduleReconnectLocked arms the single reconnect timer or gives up once the
// attempt budget is spent
func (c *Channel) scheduleReconnectLocked(cause error) {
	if c.retryTimer != nil {
		return
	}
	if c.state == models.StateConnected {
		c.setStateLocked(models.StateReconnecting, cause)
	}

	delay, ok := c.schedule.next()
	if !ok {
		c.logger.Error("Reconnect budget exhausted", "attempts", c.schedule.attempts, "error", cause)
		c.setStateLocked(models.StateError, cause)
		return
	}

	c.setStateLocked(models.StateReconnecting, cause)
	attempt := c.schedule.attempts
	c.observer.ReconnectScheduled(c.subject, attempt, delay)
	c.emitLocked(models.ChannelStatus{
		Kind:    models.StatusReconnectScheduled,
		Attempt: attempt,
		Delay:   delay,
		Err:     cause,
	})
	c.logger.Info("Reconnect scheduled", "attempt", attempt, "delay", delay.String())

	gen := c.generation
	c.retryTimer = time.AfterFunc(delay, func() { c.retryFired(gen) })
}

func (c *Channel) retryFired(gen uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if gen != c.generation || c.state != models.StateReconnecting {
		return
	}
	c.retryTimer = nil
	c.startDialLocked()
}

// connectionLost handles a failure reported by one of the session goroutines
func (c *Channel) connectionLost(s *session, cause error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.session != s {
		return
	}
	c.logger.Warn("Connection lost", "error", cause)
	c.generation++
	c.teardownSessionLocked()
	c.scheduleReconnectLocked(cause)
}

func (c *Channel) stopTimersLocked() {
	if c.retryTimer != nil {
		c.retryTimer.Stop()
		c.retryTimer = nil
	}
	if c.snapshotTimer != nil {
		c.snapshotTimer.Stop()
		c.snapshotTimer = nil
	}
}

// teardownSessionLocked closes the live connection and puts unacknowledged
// messages back at the head of the queue in their original order
func (c *Channel) teardownSessionLocked() {
	if c.snapshotTimer != nil {
		c.snapshotTimer.Stop()
		c.snapshotTimer = nil
	}
	if c.session == nil {
		return
	}
	c.session.close()
	c.session = nil

	if len(c.pending) > 0 {
		dropped := c.queue.pushFront(c.pending...)
		c.logger.Debug("Requeued unacknowledged messages", "count", len(c.pending))
		c.pending = nil
		c.reportDroppedLocked(dropped)
	}
}

func (c *Channel) reportDroppedLocked(dropped []models.OutboundMessage) {
	if len(dropped) == 0 {
		return
	}
	c.observer.OutboundDropped(c.subject, len(dropped))
	c.logger.Warn("Outbound queue full, dropped oldest messages", "count", len(dropped), "queue_size", c.cfg.OutboundQueueSize)
	c.emitLocked(models.ChannelStatus{Kind: models.StatusOutboundDropped, Attempt: len(dropped)})
}

func (c *Channel) wakeWriterLocked() {
	if c.session == nil {
		return
	}
	select {
	case c.session.wake <- struct{}{}:
	default:
	}
}

func (c *Channel) writeLoop(s *session) {
	for {
		select {
		case <-s.stop:
			return
		case <-s.wake:
		}

		for {
			c.mu.Lock()
			if c.session != s {
				c.mu.Unlock()
				return
			}
			msg, ok := c.queue.pop()
			if ok {
				c.pending = append(c.pending, msg)
			}
			c.mu.Unlock()
			if !ok {
				break
			}

			ctx, cancel := context.WithTimeout(context.Background(), c.cfg.SendTimeout)
			err := s.conn.Send(ctx, msg)
			cancel()
			if err != nil {
				c.connectionLost(s, fmt.Errorf("send failed: %w", err))
				return
			}
		}
	}
}

func (c *Channel) readLoop(s *session) {
	inbound := s.conn.Inbound()
	for {
		select {
		case <-s.stop:
			return
		case msg, ok := <-inbound:
			if !ok {
				c.connectionLost(s, ErrConnectionClosed)
				return
			}
			c.handleInbound(s, msg)
		}
	}
}

func (c *Channel) handleInbound(s *session, msg models.StreamMessage) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.session != s {
		return
	}

	switch msg.Type {
	case models.StreamEvent:
		if msg.Event == nil {
			return
		}
		ev := *msg.Event
		if ev.Subject.IsZero() {
			ev.Subject = c.subject
		}
		if ev.Subject != c.subject {
			c.logger.Debug("Ignoring event for another subject", "event_subject", ev.Subject.Key())
			return
		}
		if ev.Source == "" {
			ev.Source = models.SourceServer
		}
		c.enqueueEventLocked(ev, false)

	case models.StreamAck:
		for i, p := range c.pending {
			if p.ID == msg.ID {
				c.pending = append(c.pending[:i], c.pending[i+1:]...)
				break
			}
		}

	case models.StreamError:
		c.logger.Warn("Stream reported error", "error", msg.Error, "message_id", msg.ID)
	}
}

// enqueueEventLocked keeps per-subject order. Stream events at or below the last
// accepted sequence are dropped. Once the current connection has streamed an event, a
// snapshot is only delivered when it is strictly newer: by sequence when it carries one,
// otherwise by its update time. The watermark never drops below a sequence accepted on
// the current connection.
func (c *Channel) enqueueEventLocked(ev models.InventoryEvent, snapshot bool) {
	if snapshot {
		if c.streamedSinceConnect {
			if !c.snapshotNewerLocked(ev) {
				c.logger.Debug("Skipping snapshot older than streamed event",
					"sequence", ev.Sequence, "last_sequence", c.lastSequence)
				return
			}
			if ev.Sequence > c.lastSequence {
				c.lastSequence = ev.Sequence
			}
		} else {
			c.lastSequence = ev.Sequence
		}
	} else {
		if ev.Sequence > 0 && ev.Sequence <= c.lastSequence {
			c.observer.StaleEventDropped(c.subject)
			c.logger.Debug("Dropping stale event", "sequence", ev.Sequence, "last_sequence", c.lastSequence)
			return
		}
		if ev.Sequence > 0 {
			c.lastSequence = ev.Sequence
		}
		c.streamedSinceConnect = true
		c.lastStreamedAt = ev.Timestamp
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}

	stored := ev
	c.lastEvent = &stored
	c.lastEventAt = time.Now()
	c.mailbox.push(delivery{event: &ev})
}

// snapshotNewerLocked reports whether a snapshot supersedes what the current
// connection already streamed. Without a sequence only a later server update time wins.
func (c *Channel) snapshotNewerLocked(ev models.InventoryEvent) bool {
	if ev.Sequence > 0 {
		return ev.Sequence > c.lastSequence
	}
	if ev.Timestamp.IsZero() || c.lastStreamedAt.IsZero() {
		return false
	}
	return ev.Timestamp.After(c.lastStreamedAt)
}

func (c *Channel) heartbeatLoop(s *session) {
	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), c.cfg.HeartbeatTimeout)
			err := s.conn.Ping(ctx)
			cancel()
			if err != nil {
				c.connectionLost(s, fmt.Errorf("heartbeat failed: %w", err))
				return
			}
		}
	}
}

func (c *Channel) startSnapshotLocked(gen uint64) {
	if c.snapshots == nil {
		return
	}
	if c.snapshotTimer != nil {
		c.snapshotTimer.Stop()
		c.snapshotTimer = nil
	}
	go c.fetchSnapshot(gen)
}

// fetchSnapshot reconciles from an authoritative read. Failures keep the last value,
// flag it stale and retry on their own interval while the connection lives.
func (c *Channel) fetchSnapshot(gen uint64) {
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.SnapshotTimeout)
	defer cancel()

	snap, err := c.snapshots.GetSnapshot(ctx, c.subject)

	c.mu.Lock()
	defer c.mu.Unlock()

	if gen != c.generation || c.state != models.StateConnected {
		return
	}

	if err != nil {
		c.snapshotStale = true
		c.observer.SnapshotFailed(c.subject, err)
		c.logger.Warn("Snapshot fetch failed, keeping last known stock", "error", err,
			"retry_in", c.cfg.SnapshotRetryInterval.String())
		c.emitLocked(models.ChannelStatus{Kind: models.StatusSnapshotFailed, Err: err})

		c.snapshotTimer = time.AfterFunc(c.cfg.SnapshotRetryInterval, func() {
			c.mu.Lock()
			defer c.mu.Unlock()
			if gen != c.generation || c.state != models.StateConnected {
				return
			}
			c.snapshotTimer = nil
			go c.fetchSnapshot(gen)
		})
		return
	}

	ev := snap.Event()
	if ev.Subject.IsZero() {
		ev.Subject = c.subject
	}
	c.enqueueEventLocked(ev, true)

	if c.snapshotStale {
		c.snapshotStale = false
		c.emitLocked(models.ChannelStatus{Kind: models.StatusSnapshotRecovered})
		c.logger.Info("Snapshot recovered")
	}
}

func (c *Channel) dispatchLoop() {
	for {
		select {
		case <-c.stop:
			return
		case <-c.mailbox.signal:
			for _, d := range c.mailbox.drain() {
				select {
				case <-c.stop:
					return
				default:
				}
				c.dispatch(d)
			}
		}
	}
}

func (c *Channel) dispatch(d delivery) {
	var targets []*Subscription
	if d.target != nil {
		targets = []*Subscription{d.target}
	} else {
		c.mu.Lock()
		targets = make([]*Subscription, 0, len(c.subscribers))
		for _, sub := range c.subscribers {
			targets = append(targets, sub)
		}
		c.mu.Unlock()
	}

	// A Cancel racing this loop can still see the delivery it raced with.
	for _, sub := range targets {
		if !sub.Active() {
			continue
		}
		if d.event != nil {
			sub.subscriber.OnEvent(*d.event)
		} else if d.status != nil {
			sub.subscriber.OnStatus(*d.status)
		}
	}
}
