package api

import (
	"log/slog"
	"net/http"

	"github.com/amurg-ai/wsrouter/internal/auth"
)

// requireRole admits only requests whose bearer token validates and carries
// role. Missing or invalid tokens get 401, a valid token without the role 403.
func requireRole(provider auth.Provider, role string, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, ok := auth.BearerToken(r)
			if !ok {
				writeError(w, http.StatusUnauthorized, "missing bearer token")
				return
			}
			p, err := provider.ValidateToken(r.Context(), token)
			if err != nil {
				logger.Debug("admin token rejected", "path", r.URL.Path, "error", err)
				writeError(w, http.StatusUnauthorized, "invalid token")
				return
			}
			if !p.HasRole(role) {
				logger.Warn("admin access denied", "subject", p.Subject, "path", r.URL.Path)
				writeError(w, http.StatusForbidden, "admin access required")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
