package channel_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"storefront-inventory/internal/channel"
	"storefront-inventory/internal/channel/channeltest"
	"storefront-inventory/internal/models"
)

func newRegistry(t *testing.T) (*channel.Registry, *channeltest.Transport, *channeltest.Snapshots) {
	t.Helper()
	transport := channeltest.NewTransport()
	snapshots := channeltest.NewSnapshots()
	registry, err := channel.NewRegistry(transport, snapshots, testConfig())
	require.NoError(t, err)
	t.Cleanup(registry.Close)
	return registry, transport, snapshots
}

func TestRegistry_SharesOneChannelPerSubject(t *testing.T) {
	registry, transport, snapshots := newRegistry(t)
	snapshots.Set(subject, 4, 1)

	a, b := &channeltest.Recorder{}, &channeltest.Recorder{}
	leaseA, err := registry.Subscribe(subject, a)
	require.NoError(t, err)
	leaseB, err := registry.Subscribe(subject, b)
	require.NoError(t, err)

	assert.Same(t, leaseA.Channel(), leaseB.Channel())
	assert.Equal(t, 2, registry.Refs(subject))
	assert.Equal(t, 1, registry.Len())

	conn, ok := transport.NextConn(waitFor)
	require.True(t, ok)
	require.Eventually(t, func() bool {
		sa, okA := a.LastStock()
		sb, okB := b.LastStock()
		return okA && okB && sa == 4 && sb == 4
	}, waitFor, tick)
	assert.Equal(t, 1, transport.Dials())

	leaseA.Release()
	assert.Equal(t, 1, registry.Refs(subject))
	assert.False(t, conn.Closed())

	conn.Push(2, 2)
	require.Eventually(t, func() bool {
		stock, _ := b.LastStock()
		return stock == 2
	}, waitFor, tick)
	stockA, _ := a.LastStock()
	assert.Equal(t, 4, stockA)

	leaseB.Release()
	leaseB.Release()
	assert.Equal(t, 0, registry.Refs(subject))
	assert.Equal(t, 0, registry.Len())
	assert.True(t, conn.Closed())
	assert.Equal(t, models.StateDisconnected, leaseB.Channel().State())
}

func TestRegistry_SeparateSubjectsSeparateChannels(t *testing.T) {
	registry, transport, snapshots := newRegistry(t)
	other := models.VariantSubject("tee", "tee-l-black")
	snapshots.Set(subject, 1, 1)
	snapshots.Set(other, 2, 1)

	leaseA, err := registry.Subscribe(subject, &channeltest.Recorder{})
	require.NoError(t, err)
	leaseB, err := registry.Subscribe(other, &channeltest.Recorder{})
	require.NoError(t, err)

	assert.NotSame(t, leaseA.Channel(), leaseB.Channel())
	assert.Equal(t, 2, registry.Len())
	require.Eventually(t, func() bool { return transport.Dials() == 2 }, waitFor, tick)

	leaseA.Release()
	assert.Equal(t, 1, registry.Len())
	assert.Equal(t, 1, registry.Refs(other))
}

func TestRegistry_ResubscribeAfterTeardownOpensFreshChannel(t *testing.T) {
	registry, _, snapshots := newRegistry(t)
	snapshots.Set(subject, 1, 1)

	first, err := registry.Subscribe(subject, &channeltest.Recorder{})
	require.NoError(t, err)
	firstChannel := first.Channel()
	first.Release()

	second, err := registry.Subscribe(subject, &channeltest.Recorder{})
	require.NoError(t, err)
	assert.NotSame(t, firstChannel, second.Channel())

	// Releasing a stale lease must not affect the new channel.
	first.Release()
	assert.Equal(t, 1, registry.Refs(subject))
}

func TestRegistry_Close(t *testing.T) {
	registry, transport, snapshots := newRegistry(t)
	snapshots.Set(subject, 1, 1)

	lease, err := registry.Subscribe(subject, &channeltest.Recorder{})
	require.NoError(t, err)
	conn, ok := transport.NextConn(waitFor)
	require.True(t, ok)

	registry.Close()
	assert.True(t, conn.Closed())
	assert.Equal(t, 0, registry.Len())

	_, err = registry.Subscribe(subject, &channeltest.Recorder{})
	assert.ErrorIs(t, err, channel.ErrRegistryClosed)

	lease.Release()
}

func TestLease_SendUsesSharedChannel(t *testing.T) {
	registry, transport, snapshots := newRegistry(t)
	snapshots.Set(subject, 1, 1)

	lease, err := registry.Subscribe(subject, &channeltest.Recorder{})
	require.NoError(t, err)
	conn, ok := transport.NextConn(waitFor)
	require.True(t, ok)

	receipt := lease.Send(models.OutboundMessage{Kind: models.OutboundEventAck, Sequence: 1})
	require.Eventually(t, func() bool {
		ids := conn.SentIDs()
		return len(ids) == 1 && ids[0] == receipt.ID
	}, waitFor, tick)
	assert.Equal(t, subject, lease.Subject())
}
