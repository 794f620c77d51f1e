package middleware

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/platinummonkey/clinicguard/pkg/access"
	"github.com/platinummonkey/clinicguard/pkg/contextkeys"
	"github.com/platinummonkey/clinicguard/pkg/httputil"
	"github.com/platinummonkey/clinicguard/pkg/observability"
)

// SessionAuthenticator resolves a bearer token to its live session
type SessionAuthenticator interface {
	Authenticate(ctx context.Context, token string) (*access.Session, error)
}

// ContextBuilder turns a session into the per-request access context
type ContextBuilder interface {
	BuildContext(ctx context.Context, session *access.Session, opts access.BuildOptions) (*access.Context, error)
}

// AuthMiddleware authenticates bearer tokens and attaches the caller's
// access context to the request
type AuthMiddleware struct {
	sessions SessionAuthenticator
	builder  ContextBuilder
	logger   *observability.Logger
}

// NewAuthMiddleware creates a new authentication middleware
func NewAuthMiddleware(sessions SessionAuthenticator, builder ContextBuilder, logger *observability.Logger) *AuthMiddleware {
	return &AuthMiddleware{
		sessions: sessions,
		builder:  builder,
		logger:   observability.OrDefault(logger).WithField("component", "auth_middleware"),
	}
}

// Handler wraps an HTTP handler with authentication. Requests without a
// valid token never reach next.
func (m *AuthMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := bearerToken(r)
		if !ok {
			httputil.WriteUnauthorized(w, "missing or malformed authorization header")
			return
		}

		ctx := r.Context()
		session, err := m.sessions.Authenticate(ctx, token)
		if err != nil {
			observability.Enrich(ctx, m.logger).WithError(err).Debug("token rejected")
			httputil.WriteUnauthorized(w, "invalid or expired token")
			return
		}

		ac, err := m.builder.BuildContext(ctx, session, access.BuildOptions{})
		if err != nil {
			observability.Enrich(ctx, m.logger).WithError(err).
				WithField("user_id", session.UserID).
				Warn("access context rejected")
			if errors.Is(err, access.ErrForbidden) {
				httputil.WriteForbidden(w, "forbidden")
				return
			}
			httputil.WriteUnauthorized(w, "invalid or expired token")
			return
		}

		ctx = contextkeys.WithAccess(ctx, ac)
		ctx = contextkeys.WithUserID(ctx, ac.UserID())
		if ac.HasActiveTenant() {
			ctx = contextkeys.WithTenantID(ctx, ac.ActiveTenant())
		}
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// bearerToken extracts the token from "Authorization: Bearer <token>"
func bearerToken(r *http.Request) (string, bool) {
	header := r.Header.Get("Authorization")
	scheme, token, found := strings.Cut(header, " ")
	if !found || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}
