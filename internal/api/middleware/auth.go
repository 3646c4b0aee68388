package middleware

import (
	"net/http"
	"strings"

	"github.com/kiranshivaraju/chartqueue/internal/api/response"
	"golang.org/x/crypto/bcrypt"
)

const (
	keyPrefixLen   = 8
	adminKeyPrefix = "admin:"
)

// AdminAuth guards the operator API with a single bearer token whose bcrypt
// hash comes from configuration. An empty hash disables the routes.
type AdminAuth struct {
	tokenHash []byte
}

// NewAdminAuth creates a new AdminAuth middleware.
func NewAdminAuth(tokenHash string) *AdminAuth {
	return &AdminAuth{tokenHash: []byte(tokenHash)}
}

// Authenticate validates the Bearer token and sets the rate-limit key prefix
// in the request context.
func (a *AdminAuth) Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if len(a.tokenHash) == 0 {
			response.Error(w, http.StatusForbidden,
				"ADMIN_DISABLED", "Admin API is not configured", nil)
			return
		}

		token := extractBearerToken(r)
		if token == "" {
			response.Error(w, http.StatusUnauthorized,
				"INVALID_TOKEN", "Missing or invalid Authorization header", nil)
			return
		}
		if len(token) < keyPrefixLen {
			response.Error(w, http.StatusUnauthorized,
				"INVALID_TOKEN", "Invalid admin token format", nil)
			return
		}

		if bcrypt.CompareHashAndPassword(a.tokenHash, []byte(token)) != nil {
			response.Error(w, http.StatusUnauthorized,
				"INVALID_TOKEN", "Invalid admin token", nil)
			return
		}

		ctx := setKeyPrefix(r.Context(), adminKeyPrefix+token[:keyPrefixLen])
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func extractBearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if auth == "" {
		return ""
	}
	parts := strings.SplitN(auth, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
