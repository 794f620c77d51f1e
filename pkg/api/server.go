package api

import (
	"errors"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/platinummonkey/clinicguard/pkg/access"
	"github.com/platinummonkey/clinicguard/pkg/audit"
	"github.com/platinummonkey/clinicguard/pkg/httputil"
	"github.com/platinummonkey/clinicguard/pkg/middleware"
	"github.com/platinummonkey/clinicguard/pkg/observability"
	"github.com/platinummonkey/clinicguard/pkg/rbac"
	"github.com/platinummonkey/clinicguard/pkg/retention"
)

// maxBodyBytes bounds every request body
const maxBodyBytes = 1 << 20

// Dependencies are the components the API server exposes
type Dependencies struct {
	Audit      *audit.Reader
	Recorder   *audit.Recorder
	Retention  *retention.Engine
	Roles      rbac.Repository
	Authorizer *access.Authorizer
	Sessions   access.SessionStore
	Tokens     *access.TokenIssuer
	Auth       *middleware.AuthMiddleware

	// Optional
	Metrics         *observability.Metrics
	Logger          *observability.Logger
	RateLimit       *middleware.RateLimitConfig
	ExportRateLimit *middleware.RateLimitConfig
}

func (d Dependencies) validate() error {
	switch {
	case d.Audit == nil:
		return errors.New("audit reader is required")
	case d.Recorder == nil:
		return errors.New("audit recorder is required")
	case d.Retention == nil:
		return errors.New("retention engine is required")
	case d.Roles == nil:
		return errors.New("role repository is required")
	case d.Authorizer == nil:
		return errors.New("authorizer is required")
	case d.Sessions == nil || d.Tokens == nil:
		return errors.New("session store and token issuer are required")
	case d.Auth == nil:
		return errors.New("auth middleware is required")
	}
	return nil
}

// Server represents our API server
type Server struct {
	router *mux.Router
	logger *observability.Logger

	auditHandlers     *AuditHandlers
	retentionHandlers *RetentionHandlers
	roleHandlers      *RoleHandlers
	sessionHandlers   *SessionHandlers
}

// NewServer creates a new API server. Every route requires an authenticated
// session.
func NewServer(deps Dependencies) (*Server, error) {
	if err := deps.validate(); err != nil {
		return nil, err
	}
	logger := observability.OrDefault(deps.Logger).WithField("component", "api")

	s := &Server{
		router:            mux.NewRouter(),
		logger:            logger,
		auditHandlers:     NewAuditHandlers(deps.Audit, middleware.NewRateLimiter(orExport(deps.ExportRateLimit)), logger),
		retentionHandlers: NewRetentionHandlers(deps.Retention, deps.Authorizer, logger),
		roleHandlers:      NewRoleHandlers(deps.Roles, deps.Authorizer, deps.Recorder, logger),
		sessionHandlers:   NewSessionHandlers(deps.Sessions, deps.Tokens, deps.Recorder, logger),
	}

	s.router.Use(httputil.RequestIDMiddleware)
	s.router.Use(httputil.RecoveryMiddleware(logger))
	s.router.Use(httputil.LoggingMiddleware(logger))
	if deps.Metrics != nil {
		s.router.Use(observability.HTTPMetricsMiddleware(deps.Metrics))
	}
	s.router.Use(httputil.ContentTypeMiddleware)
	s.router.Use(httputil.MaxBytesMiddleware(maxBodyBytes))
	s.router.Use(deps.Auth.Handler)
	s.router.Use(middleware.RateLimitMiddleware(middleware.NewRateLimiter(deps.RateLimit)))

	s.setupRoutes()
	return s, nil
}

func orExport(cfg *middleware.RateLimitConfig) *middleware.RateLimitConfig {
	if cfg == nil {
		return middleware.ExportRateLimitConfig()
	}
	return cfg
}

// setupRoutes configures all the API routes
func (s *Server) setupRoutes() {
	s.auditHandlers.RegisterRoutes(s.router)
	s.retentionHandlers.RegisterRoutes(s.router)
	s.roleHandlers.RegisterRoutes(s.router)
	s.sessionHandlers.RegisterRoutes(s.router)

	s.router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		httputil.WriteNotFound(w, "not found")
	})
}

// ServeHTTP implements the http.Handler interface
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Router exposes the underlying router for additional routes
func (s *Server) Router() *mux.Router {
	return s.router
}

// caller returns the request's access context, writing a 401 when the
// authentication middleware did not attach one.
func caller(w http.ResponseWriter, r *http.Request) (*access.Context, bool) {
	ac, ok := access.FromContext(r.Context())
	if !ok {
		httputil.WriteUnauthorized(w, "authentication required")
		return nil, false
	}
	return ac, true
}
