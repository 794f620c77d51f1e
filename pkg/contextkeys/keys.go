// Package contextkeys provides centralized context key definitions
//
// IMPORTANT: All context keys used across the application must be defined here.
// This prevents typos, documents dependencies, and makes key usage discoverable.
//
// Only request metadata and the per-request AccessContext travel in a
// context.Context. Core functions still take the AccessContext as an explicit
// argument; handlers pull it out once at the HTTP boundary.
//
// USAGE PATTERN:
//
//	import "github.com/platinummonkey/clinicguard/pkg/contextkeys"
//	ctx = contextkeys.WithRequestID(ctx, requestID)
//	requestID := contextkeys.GetRequestID(ctx)
package contextkeys

import "context"

// Key is the type for context keys to prevent collisions
type Key string

const (
	// AccessKey contains *access.Context
	// Set by: middleware.Authenticate (pkg/middleware/auth.go)
	// Required by: every protected API endpoint
	// Type: *access.Context
	AccessKey Key = "access_context"

	// RequestIDKey contains request ID string (UUID)
	// Set by: httputil.RequestIDMiddleware
	// Used by: Logger, audit metadata, distributed tracing
	// Type: string
	RequestIDKey Key = "request_id"

	// UserIDKey contains user ID string
	// Set by: Auth middleware after session resolution
	// Used by: Logger
	// Type: string
	UserIDKey Key = "user_id"

	// TenantIDKey contains the active tenant ID string
	// Set by: Auth middleware after session resolution
	// Used by: Logger
	// Type: string
	TenantIDKey Key = "tenant_id"

	// ClientIPKey contains the caller IP address
	// Set by: httputil.RequestIDMiddleware
	// Used by: audit metadata
	// Type: string
	ClientIPKey Key = "client_ip"

	// UserAgentKey contains the caller user agent
	// Set by: httputil.RequestIDMiddleware
	// Used by: audit metadata
	// Type: string
	UserAgentKey Key = "user_agent"

	// LoggerKey contains *observability.Logger
	// Set by: Observability middleware
	// Used by: Handlers that need structured logging with request context
	// Type: *observability.Logger
	LoggerKey Key = "logger"
)

// WithAccess adds the access context to the context
func WithAccess(ctx context.Context, ac interface{}) context.Context {
	return context.WithValue(ctx, AccessKey, ac)
}

// WithRequestID adds request ID to the context
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, RequestIDKey, requestID)
}

// WithUserID adds user ID to the context
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, UserIDKey, userID)
}

// WithTenantID adds the active tenant ID to the context
func WithTenantID(ctx context.Context, tenantID string) context.Context {
	return context.WithValue(ctx, TenantIDKey, tenantID)
}

// WithClient adds caller IP and user agent to the context
func WithClient(ctx context.Context, ip, userAgent string) context.Context {
	ctx = context.WithValue(ctx, ClientIPKey, ip)
	return context.WithValue(ctx, UserAgentKey, userAgent)
}

// WithLogger adds logger to the context
func WithLogger(ctx context.Context, logger interface{}) context.Context {
	return context.WithValue(ctx, LoggerKey, logger)
}

// GetRequestID retrieves request ID from context
func GetRequestID(ctx context.Context) string {
	return getString(ctx, RequestIDKey)
}

// GetUserID retrieves user ID from context
func GetUserID(ctx context.Context) string {
	return getString(ctx, UserIDKey)
}

// GetTenantID retrieves the active tenant ID from context
func GetTenantID(ctx context.Context) string {
	return getString(ctx, TenantIDKey)
}

// GetClientIP retrieves the caller IP from context
func GetClientIP(ctx context.Context) string {
	return getString(ctx, ClientIPKey)
}

// GetUserAgent retrieves the caller user agent from context
func GetUserAgent(ctx context.Context) string {
	return getString(ctx, UserAgentKey)
}

func getString(ctx context.Context, key Key) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(key).(string); ok {
		return v
	}
	return ""
}
