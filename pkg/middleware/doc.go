// Package middleware provides HTTP middleware for authentication and rate limiting.
//
// # Overview
//
// AuthMiddleware turns a bearer token into the caller's access context once
// per request. The token references a session; the session and the user's
// current role assignments decide what the request may do.
//
//	auth := middleware.NewAuthMiddleware(tokenIssuer, access.NewBuilder(roleStore), logger)
//	router.Use(auth.Handler)
//
// Handlers read the context back with access.FromContext. Requests without a
// valid, unrevoked session get 401; a session pinned to a tenant the user no
// longer holds a role in gets 403.
//
// # Rate Limiting
//
// RateLimitMiddleware keeps a token bucket per user (per client address for
// unauthenticated requests), bounded by an expiring LRU:
//
//	limiter := middleware.NewRateLimiter(middleware.DefaultRateLimitConfig())
//	router.Use(middleware.RateLimitMiddleware(limiter))
//
// Default: 20 req/s, 40 burst. Audit export: 1 req/min, 3 burst.
//
// # Related Packages
//
//   - pkg/access: Sessions, tokens and the access context
//   - pkg/httputil: Error responses and request metadata
package middleware
