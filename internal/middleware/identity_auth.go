package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/creditforge/backend/internal/apperr"
	"github.com/creditforge/backend/internal/models"
)

type contextKey string

const ctxIdentityKey contextKey = "identity"

// Identity is the authenticated caller of a request.
type Identity struct {
	ID   uuid.UUID
	Role string
}

func (i Identity) Admin() bool { return i.Role == models.RoleAdmin }

// TokenValidator resolves a bearer token to an identity and role.
type TokenValidator interface {
	ValidateToken(ctx context.Context, token string) (uuid.UUID, string, error)
}

// RequireIdentity authenticates requests by their Bearer token and stores
// the identity in the request context.
func RequireIdentity(tokens TokenValidator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw := extractBearer(r)
			if raw == "" {
				apperr.WriteHTTP(w, apperr.New(apperr.CodeUnauthorized, "missing or malformed Authorization header"))
				return
			}
			id, role, err := tokens.ValidateToken(r.Context(), raw)
			if err != nil {
				apperr.WriteHTTP(w, apperr.New(apperr.CodeUnauthorized, "invalid token"))
				return
			}
			next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), Identity{ID: id, Role: role})))
		})
	}
}

// RequireAdmin rejects callers without the admin role. It must run after
// RequireIdentity.
func RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, ok := IdentityFromCtx(r.Context())
		if !ok {
			apperr.WriteHTTP(w, apperr.ErrUnauthorized)
			return
		}
		if !id.Admin() {
			apperr.WriteHTTP(w, apperr.New(apperr.CodeForbidden, "admin role required"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// IdentityFromCtx returns the authenticated identity, if any.
func IdentityFromCtx(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(ctxIdentityKey).(Identity)
	return id, ok
}

// WithIdentity returns a context carrying the given identity.
func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, ctxIdentityKey, id)
}

func extractBearer(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if len(h) > 7 && strings.EqualFold(h[:7], "bearer ") {
		return strings.TrimSpace(h[7:])
	}
	return ""
}
