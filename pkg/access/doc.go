// Package access builds the per-request access context and performs the
// single permission check used by every operation.
//
// A Context is created once per request by Builder.BuildContext from a live
// Session and the user's current grants. It carries the user, the active
// tenant, the set of authorized tenants and the effective permissions, and
// it cannot be mutated or widened afterwards.
//
//	session, err := tokens.Authenticate(ctx, bearer)
//	ac, err := builder.BuildContext(ctx, session, access.BuildOptions{RequireTenant: true})
//	if err := authz.Require(ctx, ac, rbac.PatientRead, "patient", id); err != nil {
//		return err
//	}
//
// Authorized tenants are either an explicit list or the All sentinel for
// GLOBAL grants. A GLOBAL user still has no active tenant unless the session
// names one; cross-tenant reads go through the tenancy package.
package access
