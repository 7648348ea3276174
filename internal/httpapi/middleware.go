package httpapi

import (
	"net/http"
	"strings"
)

// requireAdmin gates a handler behind a valid admin session token, parsed
// from the Authorization: Bearer header the way Nebo's
// ExternalJWTMiddleware does (internal/middleware/jwt.go).
func requireAdmin(secret string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") || parts[1] == "" {
			Unauthorized(w, "missing bearer token")
			return
		}
		if _, err := ValidateAdminSession(secret, parts[1]); err != nil {
			Unauthorized(w, "invalid or expired admin token")
			return
		}
		next(w, r)
	}
}
