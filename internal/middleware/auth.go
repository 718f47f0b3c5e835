package middleware

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"

	"storefront-inventory/internal/models"
)

// APIKeyAuth checks X-API-Key against the configured read and admin key sets
type APIKeyAuth struct {
	keys      map[string]struct{}
	adminKeys map[string]struct{}
}

// NewAPIKeyAuth builds an authenticator from comma-separated key lists. With no admin
// list, read keys carrying the "admin-" prefix are admins.
func NewAPIKeyAuth(apiKeys, adminAPIKeys string) *APIKeyAuth {
	return &APIKeyAuth{
		keys:      splitKeys(apiKeys),
		adminKeys: splitKeys(adminAPIKeys),
	}
}

func splitKeys(raw string) map[string]struct{} {
	keys := make(map[string]struct{})
	for _, k := range strings.Split(raw, ",") {
		if k = strings.TrimSpace(k); k != "" {
			keys[k] = struct{}{}
		}
	}
	return keys
}

// Middleware requires any valid API key
func (a *APIKeyAuth) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		apiKey := r.Header.Get("X-API-Key")
		if apiKey == "" {
			slog.Warn("Authentication failed: missing API key", "remote_addr", r.RemoteAddr)
			writeErrorResponse(w, http.StatusUnauthorized, "unauthorized", "API key required")
			return
		}

		if !a.isValidAPIKey(apiKey) {
			slog.Warn("Authentication failed: invalid API key", "remote_addr", r.RemoteAddr)
			writeErrorResponse(w, http.StatusUnauthorized, "unauthorized", "Invalid API key")
			return
		}

		slog.Debug("Authentication successful", "remote_addr", r.RemoteAddr)
		next.ServeHTTP(w, r)
	})
}

// AdminMiddleware requires an admin API key
func (a *APIKeyAuth) AdminMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		apiKey := r.Header.Get("X-API-Key")
		if apiKey == "" {
			slog.Warn("Admin authentication failed: missing API key", "remote_addr", r.RemoteAddr)
			writeErrorResponse(w, http.StatusUnauthorized, "unauthorized", "Admin API key required")
			return
		}

		if !a.isValidAdminAPIKey(apiKey) {
			slog.Warn("Admin authentication failed: invalid admin API key", "remote_addr", r.RemoteAddr)
			writeErrorResponse(w, http.StatusForbidden, "forbidden", "Admin access required")
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (a *APIKeyAuth) isValidAPIKey(apiKey string) bool {
	if _, ok := a.keys[apiKey]; ok {
		return true
	}
	return a.isValidAdminAPIKey(apiKey)
}

func (a *APIKeyAuth) isValidAdminAPIKey(apiKey string) bool {
	if len(a.adminKeys) == 0 {
		_, ok := a.keys[apiKey]
		return ok && strings.HasPrefix(apiKey, "admin-")
	}
	_, ok := a.adminKeys[apiKey]
	return ok
}

func writeErrorResponse(w http.ResponseWriter, statusCode int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(models.ErrorResponse{
		Code:    code,
		Message: message,
	})
}
