// Package middleware authenticates requests and gates routes by role.
package middleware

import (
	"context"
	"net/http"
	"slices"
	"strings"

	"github.com/nimmit/backend/internal/apperr"
	"github.com/nimmit/backend/internal/models"
	"github.com/nimmit/backend/internal/resp"
)

type contextKey string

const ctxActorKey contextKey = "actor"

// TokenValidator resolves a bearer token to the calling actor.
type TokenValidator interface {
	ValidateToken(ctx context.Context, token string) (models.Actor, error)
}

var errPasswordChange = &apperr.ForbiddenError{Reason: "password change required"}

// Authenticate requires a valid bearer token and puts the caller's Actor
// into the request context. Tokens issued while a password change is
// pending are refused. GET requests may pass the token as the access_token
// query parameter, since EventSource cannot set headers.
func Authenticate(tokens TokenValidator) func(http.Handler) http.Handler {
	return authenticate(tokens, false)
}

// AuthenticatePasswordChange is Authenticate for the password change route
// itself, which accepts tokens with a pending change.
func AuthenticatePasswordChange(tokens TokenValidator) func(http.Handler) http.Handler {
	return authenticate(tokens, true)
}

func authenticate(tokens TokenValidator, allowPending bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw := extractBearer(r)
			if raw == "" && r.Method == http.MethodGet {
				raw = r.URL.Query().Get("access_token")
			}
			if raw == "" {
				resp.Error(w, nil, &apperr.UnauthorizedError{Reason: "missing or malformed Authorization header"})
				return
			}
			actor, err := tokens.ValidateToken(r.Context(), raw)
			if err != nil {
				resp.Error(w, nil, &apperr.UnauthorizedError{Reason: "invalid or expired token"})
				return
			}
			if actor.PasswordChangeRequired && !allowPending {
				resp.Error(w, nil, errPasswordChange)
				return
			}
			ctx := WithActor(r.Context(), actor)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequireRole rejects callers whose role is not listed. It must run after
// Authenticate.
func RequireRole(roles ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			actor, ok := ActorFromCtx(r.Context())
			if !ok {
				resp.Error(w, nil, &apperr.UnauthorizedError{})
				return
			}
			if !slices.Contains(roles, actor.Role) {
				resp.Error(w, nil, &apperr.ForbiddenError{Reason: "requires role " + strings.Join(roles, " or ")})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// ActorFromCtx returns the authenticated caller.
func ActorFromCtx(ctx context.Context) (models.Actor, bool) {
	a, ok := ctx.Value(ctxActorKey).(models.Actor)
	return a, ok
}

// WithActor returns a context carrying the given actor.
func WithActor(ctx context.Context, a models.Actor) context.Context {
	return context.WithValue(ctx, ctxActorKey, a)
}

func extractBearer(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if len(h) > 7 && strings.EqualFold(h[:7], "bearer ") {
		return strings.TrimSpace(h[7:])
	}
	return ""
}
