package handlers

import (
	"log/slog"
	"net/http"

	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/mux"

	"storefront-inventory/internal/feed"
	"storefront-inventory/internal/middleware"
)

// RouterConfig holds what the feed router needs
type RouterConfig struct {
	Store  *feed.Store
	Hub    *feed.Hub
	Auth   *middleware.APIKeyAuth
	Logger *slog.Logger
	// RateLimiter throttles stock writes when set.
	RateLimiter *middleware.RateLimiter
	// Middlewares run on every route after the chi request middlewares.
	Middlewares []mux.MiddlewareFunc
}

// NewRouter wires the feed server routes
func NewRouter(cfg RouterConfig) *mux.Router {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	inventoryHandler := NewInventoryHandler(cfg.Store)
	eventsHandler := NewEventsHandler(cfg.Hub, cfg.Logger)
	streamHandler := NewStreamHandler(cfg.Hub, cfg.Store, cfg.Logger)
	healthHandler := NewHealthHandler()

	r := mux.NewRouter()
	r.Use(chimiddleware.RequestID, chimiddleware.RealIP, chimiddleware.Recoverer)
	for _, mw := range cfg.Middlewares {
		r.Use(mw)
	}

	v1 := r.PathPrefix("/v1").Subrouter()
	v1.Use(cfg.Auth.Middleware)

	v1.HandleFunc("/catalog/{productId}", inventoryHandler.GetProduct).Methods(http.MethodGet)
	v1.HandleFunc("/inventory/events", eventsHandler.GetEvents).Methods(http.MethodGet)
	v1.HandleFunc("/inventory/stream", streamHandler.Stream).Methods(http.MethodGet)
	v1.HandleFunc("/inventory/{productId}/snapshot", inventoryHandler.GetSnapshot).Methods(http.MethodGet)
	var updates http.Handler = http.HandlerFunc(inventoryHandler.UpdateInventory)
	if cfg.RateLimiter != nil {
		updates = cfg.RateLimiter.Middleware(updates)
	}
	v1.Handle("/inventory/updates", cfg.Auth.AdminMiddleware(updates)).Methods(http.MethodPost)

	r.HandleFunc("/health", healthHandler.Health).Methods(http.MethodGet)

	return r
}
