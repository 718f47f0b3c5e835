package telemetry

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"storefront-inventory/internal/models"
	"storefront-inventory/internal/reconciler"
)

// StockTelemetry counts subscription channel and reconciler activity. It satisfies both
// channel.Observer and reconciler.Observer. Subjects are logged but never used as labels.
type StockTelemetry struct {
	transitions       metric.Int64Counter
	reconnectAttempts metric.Int64Counter
	outboundDropped   metric.Int64Counter
	snapshotFailures  metric.Int64Counter
	staleDropped      metric.Int64Counter
	eventsApplied     metric.Int64Counter
	conflicts         metric.Int64Counter
	clamps            metric.Int64Counter
}

// NewStockTelemetry creates the client-side instruments on meter, or on the global
// meter provider when meter is nil
func NewStockTelemetry(meter metric.Meter) (*StockTelemetry, error) {
	if meter == nil {
		meter = otel.Meter("storefront-stock")
	}

	t := &StockTelemetry{}
	counters := []struct {
		target *metric.Int64Counter
		name   string
		desc   string
	}{
		{&t.transitions, "stock_channel_transitions_total", "Connection state transitions of subscription channels"},
		{&t.reconnectAttempts, "stock_channel_reconnect_attempts_total", "Reconnect attempts scheduled by subscription channels"},
		{&t.outboundDropped, "stock_channel_outbound_dropped_total", "Outbound messages evicted from full queues"},
		{&t.snapshotFailures, "stock_snapshot_failures_total", "Failed snapshot fetches after connecting"},
		{&t.staleDropped, "stock_channel_stale_events_dropped_total", "Stream events dropped for carrying an old sequence"},
		{&t.eventsApplied, "stock_events_applied_total", "Inventory events applied to displayed stock"},
		{&t.conflicts, "stock_conflicts_total", "Purchase intents that exceeded available stock"},
		{&t.clamps, "stock_clamps_total", "Desired quantities clamped down to available stock"},
	}

	for _, c := range counters {
		counter, err := meter.Int64Counter(c.name, metric.WithDescription(c.desc), metric.WithUnit("1"))
		if err != nil {
			return nil, fmt.Errorf("failed to create %s: %w", c.name, err)
		}
		*c.target = counter
	}
	return t, nil
}

// StateChanged implements channel.Observer
func (t *StockTelemetry) StateChanged(subject models.Subject, from, to models.ConnectionState) {
	t.transitions.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("from", string(from)),
		attribute.String("to", string(to)),
	))
}

// ReconnectScheduled implements channel.Observer
func (t *StockTelemetry) ReconnectScheduled(subject models.Subject, attempt int, delay time.Duration) {
	t.reconnectAttempts.Add(context.Background(), 1)
	slog.Debug("Reconnect scheduled", "subject", subject.Key(), "attempt", attempt, "delay", delay)
}

// OutboundDropped implements channel.Observer
func (t *StockTelemetry) OutboundDropped(subject models.Subject, count int) {
	t.outboundDropped.Add(context.Background(), int64(count))
}

// SnapshotFailed implements channel.Observer
func (t *StockTelemetry) SnapshotFailed(subject models.Subject, err error) {
	t.snapshotFailures.Add(context.Background(), 1)
}

// StaleEventDropped implements channel.Observer
func (t *StockTelemetry) StaleEventDropped(subject models.Subject) {
	t.staleDropped.Add(context.Background(), 1)
}

// EventApplied implements reconciler.Observer
func (t *StockTelemetry) EventApplied(subject models.Subject, source models.EventSource) {
	t.eventsApplied.Add(context.Background(), 1, metric.WithAttributes(attribute.String("source", string(source))))
}

// ConflictDetected implements reconciler.Observer
func (t *StockTelemetry) ConflictDetected(conflict models.Conflict) {
	t.conflicts.Add(context.Background(), 1)
}

// QuantityClamped implements reconciler.Observer
func (t *StockTelemetry) QuantityClamped(notice reconciler.ClampNotice) {
	t.clamps.Add(context.Background(), 1)
}
