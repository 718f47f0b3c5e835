package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"storefront-inventory/internal/cache"
	"storefront-inventory/internal/channel"
	"storefront-inventory/internal/client"
	"storefront-inventory/internal/config"
	"storefront-inventory/internal/models"
	"storefront-inventory/internal/reconciler"
	"storefront-inventory/internal/storefront"
	"storefront-inventory/internal/telemetry"
	"storefront-inventory/internal/transport"
)

var (
	watchSelections []string
	watchQuantity   int
	watchDuration   time.Duration
	confirmReduced  bool
)

var rootCmd = &cobra.Command{
	Use:   "stock-watch <productId>",
	Short: "Follow live stock for one product page",
	Long: `Opens a product view against the inventory feed, applies the requested
attribute selections, and logs every stock, connection and selection change
until interrupted.`,
	Args:          cobra.ExactArgs(1),
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          runWatch,
}

func init() {
	rootCmd.Flags().StringArrayVar(&watchSelections, "select", nil,
		"Attribute selection as Dim=Value (repeatable)")
	rootCmd.Flags().IntVar(&watchQuantity, "quantity", 0,
		"Check a purchase intent for this quantity once live")
	rootCmd.Flags().DurationVar(&watchDuration, "for", 0,
		"Stop after this long (0 = until interrupted)")
	rootCmd.Flags().BoolVar(&confirmReduced, "confirm-reduced", false,
		"Accept the reduced quantity when an intent exceeds available stock")
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		slog.Error("stock-watch failed", "error", err)
		os.Exit(1)
	}
}

func runWatch(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	productID := args[0]

	selections, err := parseSelections(watchSelections)
	if err != nil {
		return err
	}

	cfg := config.LoadConfig()
	metrics := telemetry.InitMetrics(ctx, "storefront-stock-watch", cfg.MetricsExporter, "")
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = metrics.Shutdown(shutdownCtx)
	}()

	stockTelemetry, err := telemetry.NewStockTelemetry(metrics.Meter())
	if err != nil {
		return fmt.Errorf("failed to initialize stock telemetry: %w", err)
	}

	api := client.NewInventoryClient(cfg.CentralAPIURL, cfg.CentralAPIKey)
	product, err := api.GetProduct(ctx, productID)
	if err != nil {
		return fmt.Errorf("failed to fetch product %s: %w", productID, err)
	}

	var (
		tr        channel.Transport
		snapshots channel.SnapshotSource = api
	)
	if cfg.UseRedisTransport() {
		rdb, err := transport.NewRedisClient(ctx, cfg.RedisAddr)
		if err != nil {
			return fmt.Errorf("failed to connect to redis: %w", err)
		}
		defer rdb.Close()
		tr = transport.NewRedisTransport(rdb)
		snapshots = transport.NewRedisSnapshotSource(rdb)
	} else {
		tr = transport.NewWebSocketTransport(cfg.StreamURL, cfg.CentralAPIKey)
	}

	registry, err := channel.NewRegistry(tr, snapshots, cfg.ChannelConfig(), channel.WithObserver(stockTelemetry))
	if err != nil {
		return fmt.Errorf("invalid channel configuration: %w", err)
	}
	defer registry.Close()

	rec := reconciler.New(cfg.ReconcilerConfig(),
		reconciler.WithObserver(stockTelemetry),
		reconciler.WithClampHandler(func(n reconciler.ClampNotice) {
			slog.Warn("Quantity reduced to available stock",
				"subject", n.Subject.Key(),
				"previous", n.Previous,
				"clamped", n.Clamped)
		}))

	indexes := cache.NewIndexCache(cfg.CacheTTL(), cfg.CacheCleanupInterval())
	defer indexes.Stop()

	view, err := storefront.NewProductView(*product, storefront.Deps{
		Registry:   registry,
		Reconciler: rec,
		Cache:      indexes,
	})
	if err != nil {
		return err
	}
	defer view.Close()

	var (
		mu   sync.Mutex
		last storefront.State
	)
	view.OnChange(func(s storefront.State) {
		mu.Lock()
		defer mu.Unlock()
		if s.Connection != last.Connection || s.Stock != last.Stock || s.Resolved.Availability != last.Resolved.Availability {
			logState(s)
		}
		last = s
	})
	logState(view.State())

	for _, sel := range selections {
		if !view.Select(sel.dimension, sel.value) {
			slog.Warn("Selection rejected", "dimension", sel.dimension, "value", sel.value)
		}
	}

	if watchQuantity > 0 {
		checkIntent(ctx, view, watchQuantity, confirmReduced)
	}

	if watchDuration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, watchDuration)
		defer cancel()
	}
	<-ctx.Done()
	slog.Info("Stopping stock watch")
	return nil
}

// intentView is what checkIntent needs from a product view
type intentView interface {
	State() storefront.State
	CheckIntent(quantity int) (reconciler.IntentResult, error)
	ConfirmReduced(conflict models.Conflict) (reconciler.IntentResult, error)
	AcknowledgeConflict()
}

// checkIntent waits for the view to go live, then checks quantity. A conflict is only
// resolved at the reduced quantity when confirm is set; otherwise it is dismissed.
func checkIntent(ctx context.Context, view intentView, quantity int, confirm bool) {
	if !waitLive(ctx, view, 10*time.Second) {
		slog.Warn("Stream not live, checking intent against last known stock")
	}

	result, err := view.CheckIntent(quantity)
	switch {
	case errors.Is(err, storefront.ErrNoVariantSelected):
		slog.Warn("Select a complete, available variant before checking an intent")
		return
	case err != nil:
		slog.Error("Intent check failed", "error", err)
		return
	case result.OK:
		slog.Info("Intent accepted", "quantity", result.Quantity)
		return
	}

	conflict := *result.Conflict
	slog.Warn("Intent exceeds available stock",
		"requested", conflict.RequestedQuantity,
		"available", conflict.ActualAvailable)

	if !confirm {
		slog.Info("Reduced quantity not accepted, rerun with --confirm-reduced to take it")
		view.AcknowledgeConflict()
		return
	}

	confirmed, err := view.ConfirmReduced(conflict)
	if err != nil {
		slog.Warn("Reduced quantity not confirmed", "error", err)
		view.AcknowledgeConflict()
		return
	}
	if confirmed.OK {
		slog.Info("Reduced intent accepted", "quantity", confirmed.Quantity)
	} else {
		slog.Warn("Stock moved again before confirmation", "available", confirmed.Conflict.ActualAvailable)
	}
}

func waitLive(ctx context.Context, view intentView, timeout time.Duration) bool {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for {
		if view.State().Connection == models.StateConnected {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-deadline.C:
			return false
		case <-ticker.C:
		}
	}
}

func logState(s storefront.State) {
	args := []any{
		"product_id", s.ProductID,
		"selection", formatSelection(s.Resolved.Selection),
		"availability", s.Resolved.Availability,
		"connection", s.Connection,
	}
	if s.HasStock {
		args = append(args,
			"available", s.Stock.AvailableStock,
			"low_stock", s.Stock.IsLowStock,
			"stale", s.Stock.Stale,
			"pending", s.Stock.Pending)
	}
	slog.Info("Product state", args...)
}

func formatSelection(sel models.Selection) string {
	parts := make([]string, 0, len(sel))
	for _, attr := range sel.Attributes() {
		parts = append(parts, attr.Name+"="+attr.Value)
	}
	return strings.Join(parts, ",")
}
