package access

import "errors"

var (
	// ErrUnauthenticated means no valid session backs the request
	ErrUnauthenticated = errors.New("unauthenticated")
	// ErrNoTenantContext means the operation needs an active tenant and none resolved
	ErrNoTenantContext = errors.New("no tenant context")
	// ErrForbidden means the resolved permissions do not allow the operation
	ErrForbidden = errors.New("forbidden")
	// ErrSessionNotFound means the session is unknown, expired or revoked
	ErrSessionNotFound = errors.New("session not found")
)
