package telemetry

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// FeedApiTelemetry records request metrics for the inventory feed endpoints
type FeedApiTelemetry struct {
	meter metric.Meter

	requestCounter    metric.Int64Counter
	errorCounter      metric.Int64Counter
	durationHistogram metric.Float64Histogram

	updateCounter   metric.Int64Counter
	snapshotCounter metric.Int64Counter
	streamCounter   metric.Int64Counter
}

// RequestMetrics describes one finished request
type RequestMetrics struct {
	Method       string
	Endpoint     string
	StatusCode   int
	Duration     time.Duration
	ErrorMessage string
	ClientIPType string
}

// NewFeedApiTelemetry creates feed API telemetry on meter, or on the global meter
// provider when meter is nil
func NewFeedApiTelemetry(meter metric.Meter) *FeedApiTelemetry {
	if meter == nil {
		meter = otel.Meter("inventory-feed-api")
	}
	return &FeedApiTelemetry{meter: meter}
}

// InitializeTelemetry creates the instruments
func (t *FeedApiTelemetry) InitializeTelemetry(ctx context.Context) error {
	slog.Info("Initializing feed API telemetry")

	var err error

	t.requestCounter, err = t.meter.Int64Counter(
		"inventory_api_requests_total",
		metric.WithDescription("Total number of API requests to feed endpoints"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return fmt.Errorf("failed to create request counter: %w", err)
	}

	t.errorCounter, err = t.meter.Int64Counter(
		"inventory_api_errors_total",
		metric.WithDescription("Total number of API errors from feed endpoints"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return fmt.Errorf("failed to create error counter: %w", err)
	}

	t.durationHistogram, err = t.meter.Float64Histogram(
		"inventory_api_request_duration_seconds",
		metric.WithDescription("Duration of API requests to feed endpoints"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return fmt.Errorf("failed to create duration histogram: %w", err)
	}

	t.updateCounter, err = t.meter.Int64Counter(
		"inventory_updates_total",
		metric.WithDescription("Total number of stock update requests"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return fmt.Errorf("failed to create update counter: %w", err)
	}

	t.snapshotCounter, err = t.meter.Int64Counter(
		"inventory_snapshots_served_total",
		metric.WithDescription("Total number of snapshot reads"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return fmt.Errorf("failed to create snapshot counter: %w", err)
	}

	t.streamCounter, err = t.meter.Int64Counter(
		"inventory_stream_sessions_total",
		metric.WithDescription("Total number of websocket stream sessions"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return fmt.Errorf("failed to create stream counter: %w", err)
	}

	slog.Info("Feed API telemetry initialized successfully")
	return nil
}

// RegisterRequest records a finished request; 4xx and 5xx also count as errors
func (t *FeedApiTelemetry) RegisterRequest(ctx context.Context, m RequestMetrics) {
	if t.requestCounter == nil {
		slog.Warn("Request counter not initialized")
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("method", m.Method),
		attribute.String("endpoint", m.Endpoint),
		attribute.Int("status_code", m.StatusCode),
	}
	if m.ClientIPType != "" {
		attrs = append(attrs, attribute.String("client_ip_type", m.ClientIPType))
	}

	t.requestCounter.Add(ctx, 1, metric.WithAttributes(attrs...))
	t.durationHistogram.Record(ctx, m.Duration.Seconds(), metric.WithAttributes(attrs...))
	t.recordEndpointSpecificMetrics(ctx, m)

	if m.StatusCode >= 400 {
		errAttrs := append(attrs, attribute.String("error_type", categorizeError(m.ErrorMessage)))
		t.errorCounter.Add(ctx, 1, metric.WithAttributes(errAttrs...))
		slog.Debug("Recorded API request error",
			"method", m.Method,
			"endpoint", m.Endpoint,
			"status_code", m.StatusCode,
			"error", m.ErrorMessage)
		return
	}

	slog.Debug("Recorded API request",
		"method", m.Method,
		"endpoint", m.Endpoint,
		"status_code", m.StatusCode,
		"duration_ms", m.Duration.Milliseconds())
}

func (t *FeedApiTelemetry) recordEndpointSpecificMetrics(ctx context.Context, m RequestMetrics) {
	attrs := metric.WithAttributes(attribute.Int("status_code", m.StatusCode))
	switch m.Endpoint {
	case "/v1/inventory/updates":
		t.updateCounter.Add(ctx, 1, attrs)
	case "/v1/inventory/{productId}/snapshot":
		t.snapshotCounter.Add(ctx, 1, attrs)
	case "/v1/inventory/stream":
		t.streamCounter.Add(ctx, 1, attrs)
	}
}

// categorizeError groups status texts into a small set of error types
func categorizeError(message string) string {
	message = strings.ToLower(message)
	switch {
	case message == "":
		return "unknown"
	case strings.Contains(message, "not found"):
		return "not_found"
	case strings.Contains(message, "unauthorized"):
		return "unauthorized"
	case strings.Contains(message, "forbidden"):
		return "forbidden"
	case strings.Contains(message, "conflict"):
		return "conflict"
	case strings.Contains(message, "bad request"):
		return "bad_request"
	case strings.Contains(message, "timeout"):
		return "timeout"
	case strings.Contains(message, "internal"):
		return "internal_error"
	default:
		return "other"
	}
}

// NormalizeClientIP maps a client address to internal, localhost, external, invalid or unknown
func NormalizeClientIP(clientIP string) string {
	if clientIP == "" {
		return "unknown"
	}
	ip := net.ParseIP(clientIP)
	switch {
	case ip == nil:
		return "invalid"
	case ip.IsLoopback():
		return "localhost"
	case ip.IsPrivate(), ip.IsLinkLocalUnicast():
		return "internal"
	default:
		return "external"
	}
}
