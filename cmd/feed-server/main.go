package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"

	"storefront-inventory/internal/config"
	"storefront-inventory/internal/feed"
	"storefront-inventory/internal/handlers"
	"storefront-inventory/internal/middleware"
	"storefront-inventory/internal/models"
	"storefront-inventory/internal/telemetry"
	"storefront-inventory/internal/transport"
)

func main() {
	cfg := config.LoadConfig()

	slog.Info("Starting inventory feed server", "version", "1.0.0")

	ctx := context.Background()
	metrics := telemetry.InitMetrics(ctx, "inventory-feed-api", cfg.MetricsExporter, "")

	apiTelemetry := telemetry.NewFeedApiTelemetry(metrics.Meter())
	if err := apiTelemetry.InitializeTelemetry(ctx); err != nil {
		slog.Error("Failed to initialize API telemetry", "error", err)
		os.Exit(1)
	}

	store, err := feed.LoadStore(cfg.DataPath)
	if err != nil {
		slog.Error("Failed to load catalog", "path", cfg.DataPath, "error", err)
		os.Exit(1)
	}
	slog.Info("Catalog loaded", "products", len(store.ProductIDs()))

	hubConfig := feed.HubConfig{MaxEvents: cfg.MaxEvents(), Logger: slog.Default()}
	if cfg.RedisMirrorEnabled() {
		rdb, err := transport.NewRedisClient(ctx, cfg.RedisAddr)
		if err != nil {
			slog.Error("Failed to connect to redis", "addr", cfg.RedisAddr, "error", err)
			os.Exit(1)
		}
		defer rdb.Close()

		mirror := transport.NewRedisMirror(rdb)
		if err := seedMirror(ctx, store, mirror); err != nil {
			slog.Error("Failed to seed redis mirror", "error", err)
			os.Exit(1)
		}
		hubConfig.Mirror = mirror
		slog.Info("Redis mirror enabled", "addr", cfg.RedisAddr)
	}

	hub := feed.NewHub(hubConfig)
	store.SetPublisher(hub)

	rateLimiter := middleware.NewRateLimiter(cfg.RateLimitConfig())
	defer rateLimiter.Stop()

	router := handlers.NewRouter(handlers.RouterConfig{
		Store:       store,
		Hub:         hub,
		Auth:        middleware.NewAPIKeyAuth(cfg.APIKeys, cfg.AdminAPIKeys),
		Logger:      slog.Default(),
		Middlewares: []mux.MiddlewareFunc{telemetry.NewTelemetryMiddleware(apiTelemetry).Middleware},
		RateLimiter: rateLimiter,
	})

	slog.Debug("Available endpoints",
		"v1_endpoints", []string{
			"GET /v1/catalog/{productId}",
			"GET /v1/inventory/{productId}/snapshot[?variantId=]",
			"POST /v1/inventory/updates (admin, single & batch)",
			"GET /v1/inventory/events?offset=&limit=&wait=",
			"GET /v1/inventory/stream (websocket)",
		},
		"system_endpoints", []string{"GET /health"})

	server := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		slog.Info("Server ready to accept connections", "address", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Server failed to start", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	slog.Info("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// Stream sessions are hijacked connections; closing the hub ends them.
	hub.Close()

	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
	}
	if err := metrics.Shutdown(shutdownCtx); err != nil {
		slog.Error("Failed to shut down telemetry", "error", err)
	}

	slog.Info("Server exited")
}

// seedMirror writes every subject's current stock so Redis-backed snapshot reads work
// before the first update
func seedMirror(ctx context.Context, store *feed.Store, mirror *transport.RedisMirror) error {
	for _, productID := range store.ProductIDs() {
		product, err := store.GetProduct(productID)
		if err != nil {
			return err
		}

		subjects := []models.Subject{models.ProductSubject(productID)}
		if product.HasVariants() {
			subjects = subjects[:0]
			for _, variant := range product.Variants {
				subjects = append(subjects, models.VariantSubject(productID, variant.ID))
			}
		}

		for _, subject := range subjects {
			snapshot, err := store.Snapshot(subject)
			if err != nil {
				return err
			}
			if err := mirror.Mirror(ctx, snapshot, snapshot.Event()); err != nil {
				return err
			}
		}
	}
	return nil
}
