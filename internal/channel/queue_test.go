package channel

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"storefront-inventory/internal/models"
)

func msg(id string) models.OutboundMessage {
	return models.OutboundMessage{ID: id}
}

func ids(msgs []models.OutboundMessage) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.ID
	}
	return out
}

func TestOutboundQueue_DropsOldest(t *testing.T) {
	q := newOutboundQueue(2)

	_, dropped := q.push(msg("a"))
	assert.False(t, dropped)
	_, dropped = q.push(msg("b"))
	assert.False(t, dropped)

	evicted, dropped := q.push(msg("c"))
	assert.True(t, dropped)
	assert.Equal(t, "a", evicted.ID)
	assert.Equal(t, []string{"b", "c"}, ids(q.snapshot()))
}

func TestOutboundQueue_PopIsFIFO(t *testing.T) {
	q := newOutboundQueue(5)
	for _, id := range []string{"a", "b", "c"} {
		q.push(msg(id))
	}

	var got []string
	for {
		m, ok := q.pop()
		if !ok {
			break
		}
		got = append(got, m.ID)
	}
	assert.Equal(t, []string{"a", "b", "c"}, got)
	assert.Equal(t, 0, q.len())
}

func TestOutboundQueue_PushFront(t *testing.T) {
	q := newOutboundQueue(3)
	q.push(msg("c"))
	q.push(msg("d"))

	dropped := q.pushFront(msg("a"), msg("b"))
	assert.Equal(t, []string{"a"}, ids(dropped))
	assert.Equal(t, []string{"b", "c", "d"}, ids(q.snapshot()))

	assert.Nil(t, q.pushFront())
}
