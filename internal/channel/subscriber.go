package channel

import (
	"sync"
	"sync/atomic"

	"storefront-inventory/internal/models"
)

// Subscriber receives events and status notifications for one subject.
// Calls arrive from a single dispatch goroutine in arrival order.
type Subscriber interface {
	OnEvent(event models.InventoryEvent)
	OnStatus(status models.ChannelStatus)
}

// SubscriberFuncs adapts plain functions to Subscriber. Nil funcs are skipped.
type SubscriberFuncs struct {
	Event  func(models.InventoryEvent)
	Status func(models.ChannelStatus)
}

func (f SubscriberFuncs) OnEvent(event models.InventoryEvent) {
	if f.Event != nil {
		f.Event(event)
	}
}

func (f SubscriberFuncs) OnStatus(status models.ChannelStatus) {
	if f.Status != nil {
		f.Status(status)
	}
}

// Subscription is one consumer attached to a channel
type Subscription struct {
	id         uint64
	subscriber Subscriber
	closed     atomic.Bool
	cancel     func()
	once       sync.Once
}

// Cancel stops delivery to this subscriber. Deliveries not yet handed to the subscriber
// are skipped; a callback the dispatcher has already entered still runs to completion.
// Cancel never waits for it, so a subscriber may cancel itself from inside a callback.
func (s *Subscription) Cancel() {
	s.once.Do(func() {
		s.closed.Store(true)
		if s.cancel != nil {
			s.cancel()
		}
	})
}

// Active reports whether the subscription still receives deliveries
func (s *Subscription) Active() bool {
	return !s.closed.Load()
}

// delivery is one unit of work for the dispatcher
type delivery struct {
	event  *models.InventoryEvent
	status *models.ChannelStatus
	// target limits the delivery to a single subscription
	target *Subscription
}

// mailbox is an unbounded FIFO feeding the dispatcher. push never blocks, so
// producers may hold locks while enqueuing.
type mailbox struct {
	mu     sync.Mutex
	items  []delivery
	signal chan struct{}
}

func newMailbox() *mailbox {
	return &mailbox{signal: make(chan struct{}, 1)}
}

func (m *mailbox) push(d delivery) {
	m.mu.Lock()
	m.items = append(m.items, d)
	m.mu.Unlock()

	select {
	case m.signal <- struct{}{}:
	default:
	}
}

func (m *mailbox) drain() []delivery {
	m.mu.Lock()
	defer m.mu.Unlock()
	items := m.items
	m.items = nil
	return items
}
