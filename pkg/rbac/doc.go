// Package rbac provides roles, role assignments and permission resolution
// for the clinic platform.
//
// # Overview
//
// Callers never check roles. A role is a named, ordered collection of
// permissions from a closed catalog; assignments bind roles to users within a
// tenant (a clinic); the resolver turns a user's grants into the permission
// set for one request. The access package is the only consumer of the
// resolver and exposes the single check, access.HasPermission.
//
// # Permissions
//
// Permissions are resource + action pairs with a "resource:action" code:
//
//	rbac.PatientRead            // patient:read
//	rbac.AuditView              // audit:view
//	rbac.RetentionPolicyManage  // retention:policy:manage
//	rbac.TenantCrossRead        // tenant:cross_read
//
// ParsePermission rejects any code outside the catalog, so stored or
// configured permissions can never widen the model by accident.
//
// # Scope Kinds
//
//	ScopeGlobal        - assigned without a tenant; authorizes every tenant,
//	                     but only through an explicit cross-tenant path
//	ScopeMultiTenant   - may be assigned in any number of tenants
//	ScopeSingleTenant  - at most one tenant per user
//
// # Resolution
//
// Resolve is a pure function of the grants passed in:
//
//	grants, _ := repo.ListActiveGrants(ctx, userID, now)
//	perms := rbac.Resolve(grants, activeTenant, now)
//	global, tenants := rbac.AuthorizedTenants(grants, now)
//
// Only unexpired grants that are GLOBAL or assigned for the active tenant
// contribute. Permissions union across grants and never subtract, so
// granting a role and revoking it again returns the set to its prior value.
//
// # System Roles
//
// System roles come from the role catalog (config.LoadRoleCatalog, or
// SystemRoles when no file is configured) and are written with
// SyncSystemRoles. UpdateRolePermissions and DeleteRole refuse them with
// ErrSystemRole.
//
// # Storage
//
// Store is the PostgreSQL Repository (roles, role_assignments, with
// uniqueness on user, role and tenant); MemoryStore is the in-process
// equivalent used by tests.
package rbac
