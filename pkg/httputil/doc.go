// Package httputil provides HTTP utilities for standardized request/response handling.
//
// # Overview
//
// This package offers helper functions for JSON encoding/decoding, error responses,
// parameter parsing, struct validation, and common HTTP middleware.
//
// # Response Helpers
//
//	httputil.WriteJSON(w, http.StatusOK, data)
//	httputil.WriteCreated(w, policy)
//	httputil.WriteForbidden(w, "forbidden")
//	httputil.WriteInternalError(w) // never echoes the cause
//
// Every error body carries the request id:
//
//	{"error": "invalid request", "request_id": "…", "details": {"reason": "required"}}
//
// # Request Parsing
//
// ParseJSON rejects unknown fields and runs go-playground/validator tags:
//
//	var req releaseRequest
//	if !httputil.ParseJSONOrError(w, r, &req) {
//		return // 400 already written
//	}
//
// Query parameters:
//
//	limit, err := httputil.ParseQueryInt(r, "limit", 100)
//	from, err := httputil.ParseQueryTime(r, "from") // RFC 3339
//	tenants := httputil.ParseQueryList(r, "tenant")
//
// # Middleware
//
//	httputil.Chain(
//		httputil.RequestIDMiddleware,
//		httputil.RecoveryMiddleware(logger),
//		httputil.LoggingMiddleware(logger),
//		httputil.MaxBytesMiddleware(1<<20),
//	)
//
// RequestIDMiddleware also stores the caller's IP and user agent for audit
// metadata.
//
// # Related Packages
//
//   - pkg/middleware: Authentication middleware
//   - pkg/contextkeys: Request metadata keys
package httputil
