package channel

import "storefront-inventory/internal/models"

// outboundQueue is a bounded FIFO that evicts the oldest message on overflow.
// It is not safe for concurrent use; Channel guards it with its own lock.
type outboundQueue struct {
	items []models.OutboundMessage
	limit int
}

func newOutboundQueue(limit int) *outboundQueue {
	return &outboundQueue{
		items: make([]models.OutboundMessage, 0, limit),
		limit: limit,
	}
}

// push appends msg and returns the message evicted to make room, if any
func (q *outboundQueue) push(msg models.OutboundMessage) (models.OutboundMessage, bool) {
	q.items = append(q.items, msg)
	if len(q.items) <= q.limit {
		return models.OutboundMessage{}, false
	}
	dropped := q.items[0]
	q.items = q.items[1:]
	return dropped, true
}

// pushFront puts msgs back at the head in their original order.
// On overflow the oldest messages, which are the requeued ones, are evicted.
func (q *outboundQueue) pushFront(msgs ...models.OutboundMessage) []models.OutboundMessage {
	if len(msgs) == 0 {
		return nil
	}
	merged := make([]models.OutboundMessage, 0, len(msgs)+len(q.items))
	merged = append(merged, msgs...)
	merged = append(merged, q.items...)

	var dropped []models.OutboundMessage
	if overflow := len(merged) - q.limit; overflow > 0 {
		dropped = append(dropped, merged[:overflow]...)
		merged = merged[overflow:]
	}
	q.items = merged
	return dropped
}

// pop removes and returns the head of the queue
func (q *outboundQueue) pop() (models.OutboundMessage, bool) {
	if len(q.items) == 0 {
		return models.OutboundMessage{}, false
	}
	msg := q.items[0]
	q.items = q.items[1:]
	return msg, true
}

func (q *outboundQueue) len() int {
	return len(q.items)
}

func (q *outboundQueue) snapshot() []models.OutboundMessage {
	return append([]models.OutboundMessage(nil), q.items...)
}
