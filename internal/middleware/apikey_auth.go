package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/shiftstack-work/payments-backend/internal/auth"
	"github.com/shiftstack-work/payments-backend/internal/models"
)

type contextKey string

const (
	ctxServiceKey  contextKey = "service"
	ctxOperatorKey contextKey = "operator"
)

// APIKeyLookup is the interface used by API key auth middleware.
type APIKeyLookup interface {
	FindByKeyHash(ctx context.Context, keyHash string) (*models.APIKey, error)
}

// APIKeyAuth authenticates service-to-service requests by hashing the Bearer
// token (SHA-256) and looking it up in api_keys. Revoked keys fail the
// lookup. On success the calling service's key record is set into request
// context.
func APIKeyAuth(keys APIKeyLookup) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw := extractBearer(r)
			if raw == "" {
				http.Error(w, `{"error":"missing or malformed Authorization header"}`, http.StatusUnauthorized)
				return
			}

			key, err := keys.FindByKeyHash(r.Context(), auth.HashKey(raw))
			if err != nil {
				http.Error(w, `{"error":"invalid api key"}`, http.StatusUnauthorized)
				return
			}

			ctx := context.WithValue(r.Context(), ctxServiceKey, key)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// ServiceFromCtx returns the authenticated service's API key record or nil.
func ServiceFromCtx(ctx context.Context) *models.APIKey {
	key, _ := ctx.Value(ctxServiceKey).(*models.APIKey)
	return key
}

// WithService returns a context carrying the given API key record.
func WithService(ctx context.Context, key *models.APIKey) context.Context {
	return context.WithValue(ctx, ctxServiceKey, key)
}

func extractBearer(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if len(h) > 7 && strings.EqualFold(h[:7], "bearer ") {
		return strings.TrimSpace(h[7:])
	}
	return ""
}
