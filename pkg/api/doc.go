// Package api provides the HTTP REST API server for clinicguard.
//
// # Overview
//
// The server exposes the audit log, retention administration, role
// administration and the caller's session. Every route is authenticated;
// handlers read the caller's access context and pass it to the domain
// packages, which enforce permissions and tenant scope themselves.
//
//	server, err := api.NewServer(api.Dependencies{
//		Audit:      reader,
//		Recorder:   recorder,
//		Retention:  engine,
//		Roles:      roleStore,
//		Authorizer: authz,
//		Sessions:   sessions,
//		Tokens:     tokens,
//		Auth:       middleware.NewAuthMiddleware(tokens, access.NewBuilder(roleStore), logger),
//	})
//	http.ListenAndServe(":8080", server)
//
// # Routes
//
// Audit log:
//
//	GET    /audit/entries                  Query (filters, keyset pagination)
//	GET    /audit/entries/{id}             Get one entry
//	POST   /audit/entries/{id}/corrections Append a correction entry
//	GET    /audit/export                   Stream NDJSON or CSV (rate limited)
//
// Retention:
//
//	GET|POST         /retention/policies
//	GET|PUT|DELETE   /retention/policies/{id}
//	GET              /retention/actions
//	GET              /retention/actions/{id}
//	POST             /retention/actions/{id}/approve|execute|cancel
//	GET|POST         /retention/holds
//	GET              /retention/holds/{id}
//	POST             /retention/holds/{id}/release
//	GET              /retention/certificates[/{id}]
//	POST             /retention/run
//
// Roles and sessions:
//
//	GET|POST         /roles
//	GET|DELETE       /roles/{id}
//	PUT              /roles/{id}/permissions
//	GET|POST         /users/{user_id}/roles
//	DELETE           /users/{user_id}/roles/{role_id}?tenant_id=
//	GET|DELETE       /session
//	PUT              /session/tenant
//
// # Errors
//
// Domain errors map to status codes in one place. A request for another
// tenant's record answers 404 exactly like a missing record; the violation
// is audited but never described to the caller. Unrecognized errors are a
// generic 500.
package api
