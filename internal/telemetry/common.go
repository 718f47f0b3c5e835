package telemetry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/prometheus"
	api "go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/sdk/metric"
)

// Exporter kinds accepted by InitMetrics
const (
	ExporterScraper = "scraper"
	ExporterGRPC    = "grpc"
	ExporterNone    = "none"
)

// Telemetry owns the meter provider and, for the scraper exporter, the metrics server
type Telemetry struct {
	server      *http.Server          // set when exporter == "scraper"
	Provider    *metric.MeterProvider // nil when metrics are disabled
	meter       api.Meter
	metricsAddr string
}

var (
	initOnce sync.Once
	shared   *Telemetry
)

// InitMetrics installs the global meter provider once per process. Later calls return
// the provider built by the first one.
func InitMetrics(ctx context.Context, meterName, exporter, metricsAddr string) *Telemetry {
	initOnce.Do(func() {
		t := &Telemetry{metricsAddr: metricsAddr}
		if t.metricsAddr == "" {
			t.metricsAddr = ":9080"
		}

		switch exporter {
		case ExporterScraper:
			slog.Info("Starting metrics with scraper exporter")
			t.initScrapeMetrics(meterName)
		case ExporterNone:
			slog.Info("Metrics disabled")
		default:
			slog.Info("Starting metrics with grpc exporter")
			// Endpoint comes from OTEL_EXPORTER_OTLP_METRICS_ENDPOINT, default localhost:4317.
			t.initGRPCMetrics(ctx, meterName)
		}
		if t.meter == nil {
			t.meter = otel.Meter(meterName)
		}
		shared = t
	})
	return shared
}

// Meter returns the meter instruments should be created on
func (t *Telemetry) Meter() api.Meter {
	return t.meter
}

// Shutdown flushes pending metrics and stops the scrape server
func (t *Telemetry) Shutdown(ctx context.Context) error {
	var errs []error
	if t.server != nil {
		if err := t.server.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("failed to stop metrics server: %w", err))
		}
		slog.Info("Metrics server stopped")
	}
	if t.Provider != nil {
		if err := t.Provider.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("failed to shut down meter provider: %w", err))
		}
	}
	return errors.Join(errs...)
}

func (t *Telemetry) initGRPCMetrics(ctx context.Context, meterName string) {
	exporter, err := otlpmetricgrpc.New(ctx)
	if err != nil {
		slog.Error("Creating GRPC exporter", "error", err)
		return
	}

	t.Provider = metric.NewMeterProvider(metric.WithReader(metric.NewPeriodicReader(exporter)))
	otel.SetMeterProvider(t.Provider)
	t.meter = t.Provider.Meter(meterName)
}

func (t *Telemetry) initScrapeMetrics(meterName string) {
	// The prometheus exporter is both the SDK reader and a prometheus.Collector.
	exporter, err := prometheus.New()
	if err != nil {
		slog.Error("Creating scrape exporter", "error", err)
		return
	}

	t.Provider = metric.NewMeterProvider(metric.WithReader(exporter))
	otel.SetMeterProvider(t.Provider)
	t.meter = t.Provider.Meter(meterName)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	t.server = &http.Server{
		Addr:              t.metricsAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		slog.Info("Serving metrics", "address", t.metricsAddr+"/metrics")
		if err := t.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Metrics server exited", "error", err)
		}
	}()
}
