package middleware

import (
	"context"
	"net/http"

	"github.com/google/uuid"
)

// TokenValidator verifies an operator JWT and returns the operator id.
type TokenValidator interface {
	ValidateToken(ctx context.Context, token string) (uuid.UUID, error)
}

// OperatorAuth guards the /ops endpoints with operator JWTs issued at login.
func OperatorAuth(tokens TokenValidator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw := extractBearer(r)
			if raw == "" {
				http.Error(w, `{"error":"missing or malformed Authorization header"}`, http.StatusUnauthorized)
				return
			}

			operatorID, err := tokens.ValidateToken(r.Context(), raw)
			if err != nil {
				http.Error(w, `{"error":"invalid token"}`, http.StatusUnauthorized)
				return
			}

			ctx := context.WithValue(r.Context(), ctxOperatorKey, operatorID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// OperatorFromCtx returns the authenticated operator id, or uuid.Nil.
func OperatorFromCtx(ctx context.Context) uuid.UUID {
	id, _ := ctx.Value(ctxOperatorKey).(uuid.UUID)
	return id
}

// WithOperator returns a context carrying the given operator id.
func WithOperator(ctx context.Context, id uuid.UUID) context.Context {
	return context.WithValue(ctx, ctxOperatorKey, id)
}
