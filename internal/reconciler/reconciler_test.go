package reconciler

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"storefront-inventory/internal/models"
)

var subject = models.VariantSubject("tee", "tee-m-red")

func serverEvent(stock int, seq int64) models.InventoryEvent {
	return models.InventoryEvent{
		Subject:   subject,
		NewStock:  stock,
		Source:    models.SourceServer,
		Sequence:  seq,
		Timestamp: time.Date(2026, 1, 1, 12, 0, int(seq), 0, time.UTC),
	}
}

type recordingObserver struct {
	mu        sync.Mutex
	applied   []models.EventSource
	conflicts []models.Conflict
	clamps    []ClampNotice
}

func (o *recordingObserver) EventApplied(_ models.Subject, source models.EventSource) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.applied = append(o.applied, source)
}

func (o *recordingObserver) ConflictDetected(c models.Conflict) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.conflicts = append(o.conflicts, c)
}

func (o *recordingObserver) QuantityClamped(n ClampNotice) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.clamps = append(o.clamps, n)
}

func TestApplyEvent_ThresholdTransitions(t *testing.T) {
	r := New(Config{DefaultLowStockThreshold: 5})

	display := r.ApplyEvent(serverEvent(10, 1))
	assert.Equal(t, 10, display.AvailableStock)
	assert.False(t, display.IsLowStock)
	assert.False(t, display.IsOutOfStock)

	display = r.ApplyEvent(serverEvent(4, 2))
	assert.Equal(t, 4, display.AvailableStock)
	assert.True(t, display.IsLowStock)
	assert.False(t, display.IsOutOfStock)

	display = r.ApplyEvent(serverEvent(0, 3))
	assert.Equal(t, 0, display.AvailableStock)
	assert.False(t, display.IsLowStock)
	assert.True(t, display.IsOutOfStock)
	assert.Equal(t, 5, display.Threshold)
}

func TestApplyEvent_LastEventWins(t *testing.T) {
	r := New(DefaultConfig())

	r.ApplyEvent(serverEvent(8, 5))
	r.ApplyEvent(serverEvent(3, 4))

	display, ok := r.Display(subject)
	require.True(t, ok)
	assert.Equal(t, 3, display.AvailableStock)
}

func TestApplyEvent_NegativeStockFloorsAtZero(t *testing.T) {
	r := New(DefaultConfig())
	display := r.ApplyEvent(serverEvent(-2, 1))
	assert.Equal(t, 0, display.AvailableStock)
	assert.True(t, display.IsOutOfStock)
}

func TestApplyEvent_OptimisticOverlay(t *testing.T) {
	r := New(DefaultConfig())
	r.ApplyEvent(serverEvent(10, 1))

	optimistic := serverEvent(9, 0)
	optimistic.Source = models.SourceOptimisticLocal
	display := r.ApplyEvent(optimistic)

	assert.Equal(t, 10, display.AvailableStock)
	assert.True(t, display.Pending)
	assert.Equal(t, 9, display.PendingStock)

	display = r.ApplyEvent(serverEvent(7, 2))
	assert.Equal(t, 7, display.AvailableStock)
	assert.False(t, display.Pending)
	assert.Zero(t, display.PendingStock)
}

func TestSetDesiredQuantity_ClampsWhenStockDrops(t *testing.T) {
	var notices []ClampNotice
	observer := &recordingObserver{}
	r := New(DefaultConfig(),
		WithClampHandler(func(n ClampNotice) { notices = append(notices, n) }),
		WithObserver(observer))

	r.ApplyEvent(serverEvent(10, 1))
	effective, err := r.SetDesiredQuantity(subject, 7)
	require.NoError(t, err)
	assert.Equal(t, 7, effective)
	assert.Empty(t, notices)

	r.ApplyEvent(serverEvent(3, 2))
	assert.Equal(t, 3, r.DesiredQuantity(subject))
	require.Len(t, notices, 1)
	assert.Equal(t, ClampNotice{Subject: subject, Previous: 7, Clamped: 3}, notices[0])
	assert.Len(t, observer.clamps, 1)

	r.ApplyEvent(serverEvent(5, 3))
	assert.Equal(t, 3, r.DesiredQuantity(subject), "clamping never raises the quantity back")
	assert.Len(t, notices, 1)
}

func TestSetDesiredQuantity_ClampsOnEntry(t *testing.T) {
	var notices []ClampNotice
	r := New(DefaultConfig(), WithClampHandler(func(n ClampNotice) { notices = append(notices, n) }))
	r.ApplyEvent(serverEvent(2, 1))

	effective, err := r.SetDesiredQuantity(subject, 5)
	require.NoError(t, err)
	assert.Equal(t, 2, effective)
	require.Len(t, notices, 1)
	assert.Equal(t, 5, notices[0].Previous)

	_, err = r.SetDesiredQuantity(subject, -1)
	assert.ErrorIs(t, err, ErrInvalidQuantity)
}

func TestCheckIntent(t *testing.T) {
	fixed := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	tests := []struct {
		name          string
		stock         *int
		quantity      int
		wantOK        bool
		wantAvailable int
		wantErr       error
	}{
		{name: "within stock", stock: intPtr(5), quantity: 3, wantOK: true},
		{name: "exactly stock", stock: intPtr(5), quantity: 5, wantOK: true},
		{name: "exceeds stock", stock: intPtr(2), quantity: 3, wantAvailable: 2},
		{name: "sold out", stock: intPtr(0), quantity: 1, wantAvailable: 0},
		{name: "unknown subject", quantity: 1, wantAvailable: 0},
		{name: "zero quantity", stock: intPtr(5), quantity: 0, wantErr: ErrInvalidQuantity},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			observer := &recordingObserver{}
			r := New(DefaultConfig(), WithObserver(observer), WithClock(func() time.Time { return fixed }))
			if tt.stock != nil {
				r.ApplyEvent(serverEvent(*tt.stock, 1))
			}

			result, err := r.CheckIntent(subject, tt.quantity)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)

			if tt.wantOK {
				assert.True(t, result.OK)
				assert.Equal(t, tt.quantity, result.Quantity)
				assert.Nil(t, result.Conflict)
				return
			}

			assert.False(t, result.OK)
			require.NotNil(t, result.Conflict)
			assert.Equal(t, models.Conflict{
				Subject:           subject,
				RequestedQuantity: tt.quantity,
				ActualAvailable:   tt.wantAvailable,
				DetectedAt:        fixed,
			}, *result.Conflict)

			pending, ok := r.PendingConflict(subject)
			assert.True(t, ok)
			assert.Equal(t, *result.Conflict, pending)
			assert.Len(t, observer.conflicts, 1)
		})
	}
}

func TestConfirmReduced(t *testing.T) {
	r := New(DefaultConfig())
	r.ApplyEvent(serverEvent(2, 1))

	result, err := r.CheckIntent(subject, 3)
	require.NoError(t, err)
	require.NotNil(t, result.Conflict)

	confirmed, err := r.ConfirmReduced(*result.Conflict)
	require.NoError(t, err)
	assert.True(t, confirmed.OK)
	assert.Equal(t, 2, confirmed.Quantity)
	assert.Equal(t, 2, r.DesiredQuantity(subject))

	_, pending := r.PendingConflict(subject)
	assert.False(t, pending)
}

func TestConfirmReduced_StockMovedAgain(t *testing.T) {
	r := New(DefaultConfig())
	r.ApplyEvent(serverEvent(2, 1))

	result, err := r.CheckIntent(subject, 3)
	require.NoError(t, err)
	require.NotNil(t, result.Conflict)

	r.ApplyEvent(serverEvent(1, 2))

	again, err := r.ConfirmReduced(*result.Conflict)
	require.NoError(t, err)
	assert.False(t, again.OK)
	require.NotNil(t, again.Conflict)
	assert.Equal(t, 2, again.Conflict.RequestedQuantity)
	assert.Equal(t, 1, again.Conflict.ActualAvailable)
}

func TestConfirmReduced_NothingAvailable(t *testing.T) {
	r := New(DefaultConfig())
	r.ApplyEvent(serverEvent(0, 1))

	result, err := r.CheckIntent(subject, 1)
	require.NoError(t, err)
	require.NotNil(t, result.Conflict)

	_, err = r.ConfirmReduced(*result.Conflict)
	assert.ErrorIs(t, err, ErrNothingAvailable)
}

func TestAcknowledgeConflict(t *testing.T) {
	r := New(DefaultConfig())
	r.ApplyEvent(serverEvent(1, 1))

	_, err := r.CheckIntent(subject, 4)
	require.NoError(t, err)
	_, ok := r.PendingConflict(subject)
	require.True(t, ok)

	r.AcknowledgeConflict(subject)
	_, ok = r.PendingConflict(subject)
	assert.False(t, ok)
}

func TestSetThreshold_OverridesDefault(t *testing.T) {
	r := New(Config{DefaultLowStockThreshold: 2})
	r.ApplyEvent(serverEvent(4, 1))

	display, _ := r.Display(subject)
	assert.False(t, display.IsLowStock)

	r.SetThreshold(subject, 5)
	display, _ = r.Display(subject)
	assert.True(t, display.IsLowStock)
	assert.Equal(t, 5, display.Threshold)

	r.SetThreshold(subject, 0)
	display, _ = r.Display(subject)
	assert.False(t, display.IsLowStock)
	assert.Equal(t, 2, display.Threshold)
}

func TestMarkStale_ClearedByServerEvent(t *testing.T) {
	r := New(DefaultConfig())
	r.ApplyEvent(serverEvent(3, 1))

	r.MarkStale(subject)
	display, _ := r.Display(subject)
	assert.True(t, display.Stale)
	assert.Equal(t, 3, display.AvailableStock)

	r.ApplyEvent(serverEvent(3, 2))
	display, _ = r.Display(subject)
	assert.False(t, display.Stale)
}

func TestSeed_DoesNotOverrideServerValue(t *testing.T) {
	r := New(DefaultConfig())

	display := r.Seed(subject, 9, time.Time{})
	assert.Equal(t, 9, display.AvailableStock)

	r.ApplyEvent(serverEvent(2, 1))
	display = r.Seed(subject, 9, time.Time{})
	assert.Equal(t, 2, display.AvailableStock)
}

func TestOnStatus_MarksStale(t *testing.T) {
	tests := []struct {
		name   string
		status models.ChannelStatus
		want   bool
	}{
		{
			name:   "snapshot failed",
			status: models.ChannelStatus{Subject: subject, Kind: models.StatusSnapshotFailed},
			want:   true,
		},
		{
			name: "left connected",
			status: models.ChannelStatus{Subject: subject, Kind: models.StatusStateChanged,
				Previous: models.StateConnected, State: models.StateReconnecting},
			want: true,
		},
		{
			name: "connected",
			status: models.ChannelStatus{Subject: subject, Kind: models.StatusStateChanged,
				Previous: models.StateConnecting, State: models.StateConnected},
			want: false,
		},
		{
			name:   "reconnect scheduled",
			status: models.ChannelStatus{Subject: subject, Kind: models.StatusReconnectScheduled},
			want:   false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := New(DefaultConfig())
			r.OnEvent(serverEvent(3, 1))
			r.OnStatus(tt.status)

			display, _ := r.Display(subject)
			assert.Equal(t, tt.want, display.Stale)
		})
	}
}

func TestProductStock(t *testing.T) {
	r := New(DefaultConfig())
	r.ApplyEvent(serverEvent(6, 1))

	stock := r.ProductStock("tee")
	n, ok := stock.Available("tee-m-red")
	assert.True(t, ok)
	assert.Equal(t, 6, n)

	_, ok = stock.Available("tee-l-blue")
	assert.False(t, ok)
}

func TestReconciler_ConcurrentAccess(t *testing.T) {
	r := New(DefaultConfig())

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				r.ApplyEvent(serverEvent(j%7, int64(j)))
				_, _ = r.SetDesiredQuantity(subject, i)
				_, _ = r.CheckIntent(subject, 1+i)
				r.Display(subject)
			}
		}(i)
	}
	wg.Wait()

	display, ok := r.Display(subject)
	require.True(t, ok)
	assert.GreaterOrEqual(t, display.AvailableStock, 0)
	assert.LessOrEqual(t, r.DesiredQuantity(subject), 6)
}

func intPtr(n int) *int {
	return &n
}
