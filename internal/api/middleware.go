package api

import (
	"net/http"
	"strings"

	"github.com/promptroute/promptroute/internal/config"
)

// AdminAuth middleware validates the shared admin secret. Admin routes are
// refused outright when no secret is configured.
func AdminAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if config.Cfg.AdminSecret == "" {
			writeError(w, http.StatusServiceUnavailable, "not_configured", "Admin secret not configured")
			return
		}

		auth := r.Header.Get("Authorization")
		token := strings.TrimPrefix(auth, "Bearer ")
		if token == "" || token == auth {
			writeError(w, http.StatusUnauthorized, "unauthorized", "Missing admin token")
			return
		}

		if token != config.Cfg.AdminSecret {
			writeError(w, http.StatusForbidden, "forbidden", "Invalid admin token")
			return
		}

		next.ServeHTTP(w, r)
	})
}
