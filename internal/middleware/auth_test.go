package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestAPIKeyAuth(t *testing.T) {
	tests := []struct {
		name      string
		apiKeys   string
		adminKeys string
		key       string
		admin     bool
		want      int
	}{
		{"missing key", "demo", "", "", false, http.StatusUnauthorized},
		{"invalid key", "demo", "", "nope", false, http.StatusUnauthorized},
		{"valid key", "demo, other", "", "other", false, http.StatusOK},
		{"admin key is also a read key", "demo", "root", "root", false, http.StatusOK},
		{"admin route rejects read key", "demo", "root", "demo", true, http.StatusForbidden},
		{"admin route accepts admin key", "demo", "root", "root", true, http.StatusOK},
		{"admin prefix fallback", "demo,admin-ops", "", "admin-ops", true, http.StatusOK},
		{"admin prefix needs a read key", "demo", "", "admin-ops", true, http.StatusForbidden},
		{"admin route missing key", "demo", "root", "", true, http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			auth := NewAPIKeyAuth(tt.apiKeys, tt.adminKeys)
			handler := auth.Middleware(okHandler())
			if tt.admin {
				handler = auth.AdminMiddleware(okHandler())
			}

			req := httptest.NewRequest(http.MethodGet, "/v1/anything", nil)
			if tt.key != "" {
				req.Header.Set("X-API-Key", tt.key)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)

			assert.Equal(t, tt.want, rec.Code)
		})
	}
}
